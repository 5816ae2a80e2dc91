package hostManager

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/adamzr2000/blockchain-mec-federation/internal/testUtils"
	"github.com/adamzr2000/blockchain-mec-federation/pkg/config"
	"github.com/adamzr2000/blockchain-mec-federation/pkg/hostManager/hostManagerConfig"
	"github.com/adamzr2000/blockchain-mec-federation/pkg/httpServer"
	"github.com/adamzr2000/blockchain-mec-federation/pkg/metrics"
	"github.com/adamzr2000/blockchain-mec-federation/pkg/overlay"
	"github.com/adamzr2000/blockchain-mec-federation/pkg/workloadOrchestrator"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeLinks struct {
	mu      sync.Mutex
	links   map[string]*overlay.VxlanLink
	masters map[string]string
}

func newFakeLinks() *fakeLinks {
	return &fakeLinks{links: map[string]*overlay.VxlanLink{}, masters: map[string]string{}}
}

func (f *fakeLinks) LinkExists(name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.links[name]
	return ok, nil
}

func (f *fakeLinks) AddVxlan(link *overlay.VxlanLink) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.links[link.Name]; ok {
		return errors.New("file exists")
	}
	f.links[link.Name] = link
	return nil
}

func (f *fakeLinks) SetMasterAndUp(name, bridge string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.masters[name] = bridge
	return nil
}

func (f *fakeLinks) DeleteLink(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.links, name)
	delete(f.masters, name)
	return nil
}

func (f *fakeLinks) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.links)
}

type testHost struct {
	docker *testUtils.FakeDocker
	links  *fakeLinks
	host   *LocalHostManager
	server *httptest.Server
	reg    *prometheus.Registry
}

func newTestHost(t *testing.T, rateLimit *config.RateLimitConfig) *testHost {
	l := zaptest.NewLogger(t)
	docker := testUtils.NewFakeDocker()
	links := newFakeLinks()
	reg := prometheus.NewRegistry()
	m := metrics.NewHostMetrics(reg)

	wo := workloadOrchestrator.NewWorkloadOrchestratorWithClient(docker, &workloadOrchestrator.WorkloadOrchestratorConfig{
		StartTimeout: time.Second,
		PollInterval: 10 * time.Millisecond,
	}, l)
	host := NewLocalHostManager(links, wo, m, l)

	ctx, cancel := context.WithCancel(context.Background())
	s := NewServer(ctx, host, &hostManagerConfig.ServerConfig{RateLimit: rateLimit}, m, reg, l)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		cancel()
	})
	return &testHost{docker: docker, links: links, host: host, server: ts, reg: reg}
}

func (th *testHost) do(t *testing.T, method, path string, body any, out any) int {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, th.server.URL+path, reader)
	require.NoError(t, err)
	resp, err := th.server.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func tunnelSpec(vxlanId uint32) *overlay.TunnelSpec {
	return &overlay.TunnelSpec{
		LocalIp:        "10.5.99.1",
		RemoteIp:       "10.5.99.2",
		LocalInterface: "eth0",
		VxlanId:        vxlanId,
		DstPort:        4789,
		Subnet:         "10.0.0.0/16",
		IpRange:        "10.0.1.0/24",
		NetworkName:    "federation-net-200",
	}
}

func Test_TunnelRoutes(t *testing.T) {
	th := newTestHost(t, nil)

	var tunnel overlay.Tunnel
	require.Equal(t, http.StatusCreated, th.do(t, http.MethodPost, "/tunnels", tunnelSpec(200), &tunnel))
	assert.Equal(t, "vxlan200", tunnel.LinkName)
	assert.Equal(t, "federation-net-200", tunnel.NetworkName)
	assert.Equal(t, 1, th.links.count())

	var errBody httpServer.ErrorBody
	assert.Equal(t, http.StatusConflict, th.do(t, http.MethodPost, "/tunnels", tunnelSpec(200), &errBody))
	assert.Equal(t, "TunnelAlreadyExists", errBody.Error)

	var tunnels []*overlay.Tunnel
	require.Equal(t, http.StatusOK, th.do(t, http.MethodGet, "/tunnels", nil, &tunnels))
	require.Len(t, tunnels, 1)
	assert.Equal(t, uint32(200), tunnels[0].VxlanId)

	assert.Equal(t, http.StatusNoContent, th.do(t, http.MethodDelete, "/tunnels/200?network=federation-net-200", nil, nil))
	assert.Zero(t, th.links.count())
	// teardown is idempotent
	assert.Equal(t, http.StatusNoContent, th.do(t, http.MethodDelete, "/tunnels/200?network=federation-net-200", nil, nil))

	t.Run("invalid spec", func(t *testing.T) {
		spec := tunnelSpec(201)
		spec.RemoteIp = "not-an-ip"
		var body httpServer.ErrorBody
		assert.Equal(t, http.StatusBadRequest, th.do(t, http.MethodPost, "/tunnels", spec, &body))
		assert.Equal(t, httpServer.CodeInvalidRequest, body.Error)
		assert.Contains(t, body.Message, "remoteIp")
	})
	t.Run("invalid vxlan id", func(t *testing.T) {
		assert.Equal(t, http.StatusBadRequest, th.do(t, http.MethodDelete, "/tunnels/abc", nil, nil))
		assert.Equal(t, http.StatusBadRequest, th.do(t, http.MethodDelete, "/tunnels/0", nil, nil))
	})
}

func Test_WorkloadRoutes(t *testing.T) {
	th := newTestHost(t, nil)
	require.Equal(t, http.StatusCreated, th.do(t, http.MethodPost, "/tunnels", tunnelSpec(200), nil))

	deploy := &workloadOrchestrator.DeployRequest{
		Image:       "nginx:latest",
		Name:        "federated-svc-1",
		NetworkName: "federation-net-200",
		Replicas:    2,
	}
	var workload workloadOrchestrator.Workload
	require.Equal(t, http.StatusCreated, th.do(t, http.MethodPost, "/workloads", deploy, &workload))
	assert.Equal(t, []string{"federated-svc-1_1", "federated-svc-1_2"}, workload.Containers)

	var endpoints []*workloadOrchestrator.Endpoint
	require.Equal(t, http.StatusOK, th.do(t, http.MethodGet, "/workloads/federated-svc-1/endpoints", nil, &endpoints))
	require.Len(t, endpoints, 2)
	assert.Equal(t, "federation-net-200", endpoints[0].Network)

	require.Equal(t, http.StatusOK, th.do(t, http.MethodPut, "/workloads/federated-svc-1/replicas", &ScaleRequest{Replicas: 3}, &workload))
	assert.Len(t, workload.Containers, 3)

	var usage []*workloadOrchestrator.ContainerUsage
	require.Equal(t, http.StatusOK, th.do(t, http.MethodGet, "/workloads/federated-svc-1/usage", nil, &usage))
	require.Len(t, usage, 3)
	assert.Equal(t, uint64(64<<20), usage[0].MemoryBytes)

	th.docker.ExecOutput = "3 packets transmitted, 3 received"
	var result workloadOrchestrator.ExecResult
	require.Equal(t, http.StatusOK, th.do(t, http.MethodPost, "/containers/federated-svc-1_1/exec", &ExecRequest{Command: "ping -c 3 10.0.0.9"}, &result))
	assert.Equal(t, 0, result.ExitCode)
	assert.Contains(t, result.Stdout, "3 received")

	assert.Equal(t, http.StatusNoContent, th.do(t, http.MethodDelete, "/workloads/federated-svc-1", nil, nil))
	assert.Zero(t, th.docker.ContainerCount())

	t.Run("network without a tunnel", func(t *testing.T) {
		req := *deploy
		req.NetworkName = "federation-net-999"
		var body httpServer.ErrorBody
		assert.Equal(t, http.StatusConflict, th.do(t, http.MethodPost, "/workloads", &req, &body))
		assert.Equal(t, "NetworkNotReady", body.Error)
	})
	t.Run("unknown image", func(t *testing.T) {
		req := *deploy
		req.Image = "missing:1"
		var body httpServer.ErrorBody
		assert.Equal(t, http.StatusNotFound, th.do(t, http.MethodPost, "/workloads", &req, &body))
		assert.Equal(t, "ImageNotFound", body.Error)
	})
	t.Run("scale unknown workload", func(t *testing.T) {
		var body httpServer.ErrorBody
		assert.Equal(t, http.StatusNotFound, th.do(t, http.MethodPut, "/workloads/nope/replicas", &ScaleRequest{Replicas: 1}, &body))
		assert.Equal(t, "WorkloadNotFound", body.Error)
	})
	t.Run("exec needs a command", func(t *testing.T) {
		assert.Equal(t, http.StatusBadRequest, th.do(t, http.MethodPost, "/containers/x/exec", &ExecRequest{}, nil))
	})
}

func Test_AttachRoute(t *testing.T) {
	th := newTestHost(t, nil)
	require.Equal(t, http.StatusCreated, th.do(t, http.MethodPost, "/tunnels", tunnelSpec(200), nil))
	require.Equal(t, http.StatusCreated, th.do(t, http.MethodPost, "/workloads", &workloadOrchestrator.DeployRequest{
		Image: "nginx:latest", Name: "app", Replicas: 1,
	}, nil))

	assert.Equal(t, http.StatusNoContent, th.do(t, http.MethodPost, "/containers/app_1/networks/federation-net-200", nil, nil))

	var endpoints []*workloadOrchestrator.Endpoint
	require.Equal(t, http.StatusOK, th.do(t, http.MethodGet, "/workloads/app/endpoints", nil, &endpoints))
	networks := map[string]bool{}
	for _, ep := range endpoints {
		networks[ep.Network] = true
	}
	assert.True(t, networks["federation-net-200"])
}

func Test_CleanupRoute(t *testing.T) {
	th := newTestHost(t, nil)
	require.Equal(t, http.StatusCreated, th.do(t, http.MethodPost, "/tunnels", tunnelSpec(200), nil))
	other := tunnelSpec(300)
	other.NetworkName = "lab-net"
	require.Equal(t, http.StatusCreated, th.do(t, http.MethodPost, "/tunnels", other, nil))
	for _, name := range []string{"federation-net-a", "federation-net-b", "keep"} {
		require.Equal(t, http.StatusCreated, th.do(t, http.MethodPost, "/workloads", &workloadOrchestrator.DeployRequest{
			Image: "nginx:latest", Name: name, Replicas: 1,
		}, nil))
	}

	var result CleanupResult
	require.Equal(t, http.StatusOK, th.do(t, http.MethodPost, "/cleanup", &CleanupRequest{Prefix: "federation-net"}, &result))
	assert.ElementsMatch(t, []string{"federation-net-a", "federation-net-b"}, result.Workloads)
	assert.Equal(t, []uint32{200}, result.Tunnels)
	assert.Equal(t, 1, th.docker.ContainerCount())
	assert.Len(t, th.host.ListTunnels(), 1)

	assert.Equal(t, http.StatusBadRequest, th.do(t, http.MethodPost, "/cleanup", &CleanupRequest{}, nil))
}

func Test_ServerMetricsAndLimits(t *testing.T) {
	t.Run("metrics reflect operations", func(t *testing.T) {
		th := newTestHost(t, nil)
		require.Equal(t, http.StatusCreated, th.do(t, http.MethodPost, "/tunnels", tunnelSpec(200), nil))

		resp, err := th.server.Client().Get(th.server.URL + "/metrics")
		require.NoError(t, err)
		defer resp.Body.Close()
		var buf bytes.Buffer
		_, err = buf.ReadFrom(resp.Body)
		require.NoError(t, err)
		assert.Contains(t, buf.String(), "federation_host_active_tunnels 1")
		assert.Contains(t, buf.String(), `federation_host_http_requests_total{route="/tunnels",status="201"} 1`)
	})
	t.Run("rate limited", func(t *testing.T) {
		th := newTestHost(t, &config.RateLimitConfig{RequestsPerSecond: 0.001, Burst: 1})
		assert.Equal(t, http.StatusOK, th.do(t, http.MethodGet, "/tunnels", nil, nil))
		var body httpServer.ErrorBody
		assert.Equal(t, http.StatusTooManyRequests, th.do(t, http.MethodGet, "/tunnels", nil, &body))
		assert.Equal(t, httpServer.CodeRateLimitExceeded, body.Error)
	})
}
