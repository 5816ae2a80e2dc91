package agentServer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/adamzr2000/blockchain-mec-federation/pkg/agent"
	"github.com/adamzr2000/blockchain-mec-federation/pkg/agent/agentConfig"
	"github.com/adamzr2000/blockchain-mec-federation/pkg/agent/storage"
	"github.com/adamzr2000/blockchain-mec-federation/pkg/config"
	"github.com/adamzr2000/blockchain-mec-federation/pkg/eventNotifier"
	"github.com/adamzr2000/blockchain-mec-federation/pkg/federation"
	"github.com/adamzr2000/blockchain-mec-federation/pkg/httpServer"
	"github.com/adamzr2000/blockchain-mec-federation/pkg/ledger"
	"github.com/adamzr2000/blockchain-mec-federation/pkg/metrics"
	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeAgent struct {
	mu         sync.Mutex
	registered bool
	name       string
	providing  bool
	consumer   bool
	services   map[string]*storage.LifecycleRecord
	terminated []string
}

func newFakeAgent() *fakeAgent {
	return &fakeAgent{consumer: true, services: map[string]*storage.LifecycleRecord{}}
}

func receipt() *ledger.Receipt {
	return &ledger.Receipt{TxHash: common.HexToHash("0xabc"), BlockNumber: 7, Status: ledger.ReceiptStatus_Succeeded}
}

func (f *fakeAgent) RegisterOperator(ctx context.Context, name string) (*ledger.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.registered {
		return nil, fmt.Errorf("registerOperator: %w", federation.ErrAlreadyRegistered)
	}
	if name == "" {
		name = "domain-a"
	}
	f.registered = true
	f.name = name
	return receipt(), nil
}

func (f *fakeAgent) RemoveOperator(ctx context.Context) (*ledger.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.registered {
		return nil, fmt.Errorf("removeOperator: %w", federation.ErrNotRegistered)
	}
	f.registered = false
	return receipt(), nil
}

func (f *fakeAgent) GetOperatorStatus(ctx context.Context) (*agent.OperatorStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &agent.OperatorStatus{
		Address:    common.HexToAddress("0x1"),
		Name:       f.name,
		Registered: f.registered,
		Providing:  f.providing,
	}, nil
}

func (f *fakeAgent) StartConsumer(ctx context.Context, req *agent.ConsumeRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.consumer {
		return "", fmt.Errorf("consume: %w", agent.ErrRoleDisabled)
	}
	id := req.ServiceId
	if id == "" {
		id = "service-generated"
	}
	if _, ok := f.services[id]; ok {
		return "", fmt.Errorf("%w: %s", federation.ErrDuplicateServiceId, id)
	}
	f.services[id] = &storage.LifecycleRecord{
		ServiceId:    id,
		Role:         storage.Role_Consumer,
		State:        storage.LifecycleState_Idle,
		Requirements: (&federation.Requirements{Image: req.Image, Replicas: req.Replicas}).String(),
		CreatedAt:    time.Now(),
	}
	return id, nil
}

func (f *fakeAgent) StartProvider(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.providing = true
	return nil
}

func (f *fakeAgent) StopProvider() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.providing = false
}

func (f *fakeAgent) IsProviding() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.providing
}

func (f *fakeAgent) GetService(ctx context.Context, serviceId string) (*storage.LifecycleRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.services[serviceId]
	if !ok {
		return nil, fmt.Errorf("%w: %s", agent.ErrServiceNotTracked, serviceId)
	}
	return rec.Clone(), nil
}

func (f *fakeAgent) ListServices(ctx context.Context) ([]*storage.LifecycleRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*storage.LifecycleRecord
	for _, rec := range f.services {
		out = append(out, rec.Clone())
	}
	return out, nil
}

func (f *fakeAgent) TerminateService(ctx context.Context, serviceId string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.services[serviceId]; !ok {
		return fmt.Errorf("%w: %s", agent.ErrServiceNotTracked, serviceId)
	}
	delete(f.services, serviceId)
	f.terminated = append(f.terminated, serviceId)
	return nil
}

type nopSource struct{}

func (nopSource) LatestBlock(ctx context.Context) (uint64, error) { return 0, nil }
func (nopSource) FilterEvents(ctx context.Context, from, to uint64) ([]*federation.Event, error) {
	return nil, nil
}

type testServer struct {
	url   string
	agent *fakeAgent
}

func newTestServer(t *testing.T, cfg *agentConfig.ServerConfig) *testServer {
	l := zaptest.NewLogger(t)
	reg := prometheus.NewRegistry()
	a := newFakeAgent()
	notifier := eventNotifier.NewEventNotifier(nil, nopSource{}, l)

	ctx, cancel := context.WithCancel(context.Background())
	s := NewServer(ctx, a, notifier, cfg, metrics.NewAgentMetrics(reg), reg, l)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		cancel()
	})
	return &testServer{url: ts.URL, agent: a}
}

func (ts *testServer) do(t *testing.T, method, path string, body any, out any) int {
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, ts.url+path, reader)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func Test_OperatorRoutes(t *testing.T) {
	ts := newTestServer(t, &agentConfig.ServerConfig{})

	var tx TransactionResponse
	assert.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/operator", &RegisterOperatorRequest{Name: "domain-b"}, &tx))
	assert.Equal(t, uint64(7), tx.BlockNumber)
	assert.Equal(t, "succeeded", tx.Status)
	assert.Equal(t, common.HexToHash("0xabc").String(), tx.TxHash)

	var errBody httpServer.ErrorBody
	assert.Equal(t, http.StatusConflict, ts.do(t, http.MethodPost, "/operator", nil, &errBody))
	assert.Equal(t, "AlreadyRegistered", errBody.Error)

	var status agent.OperatorStatus
	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/operator", nil, &status))
	assert.True(t, status.Registered)
	assert.Equal(t, "domain-b", status.Name)

	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodDelete, "/operator", nil, &tx))
	assert.Equal(t, http.StatusForbidden, ts.do(t, http.MethodDelete, "/operator", nil, &errBody))
	assert.Equal(t, "NotRegistered", errBody.Error)
}

func Test_ConsumeAndServiceRoutes(t *testing.T) {
	ts := newTestServer(t, &agentConfig.ServerConfig{})

	var consumed ConsumeResponse
	assert.Equal(t, http.StatusAccepted, ts.do(t, http.MethodPost, "/consumer/services",
		&agent.ConsumeRequest{ServiceId: "svc-1", Image: "nginx:latest"}, &consumed))
	assert.Equal(t, "svc-1", consumed.ServiceId)

	var errBody httpServer.ErrorBody
	assert.Equal(t, http.StatusConflict, ts.do(t, http.MethodPost, "/consumer/services",
		&agent.ConsumeRequest{ServiceId: "svc-1", Image: "nginx:latest"}, &errBody))
	assert.Equal(t, "DuplicateServiceId", errBody.Error)

	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodPost, "/consumer/services",
		&agent.ConsumeRequest{Image: "bad;image"}, &errBody))
	assert.Equal(t, httpServer.CodeInvalidRequest, errBody.Error)

	var rec storage.LifecycleRecord
	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/services/svc-1", nil, &rec))
	assert.Equal(t, "service=nginx:latest;replicas=1", rec.Requirements)

	var list []*storage.LifecycleRecord
	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/services", nil, &list))
	assert.Len(t, list, 1)

	assert.Equal(t, http.StatusNoContent, ts.do(t, http.MethodDelete, "/services/svc-1", nil, nil))
	assert.Equal(t, []string{"svc-1"}, ts.agent.terminated)

	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/services/svc-1", nil, &errBody))
	assert.Equal(t, CodeServiceNotTracked, errBody.Error)

	ts.agent.mu.Lock()
	ts.agent.consumer = false
	ts.agent.mu.Unlock()
	assert.Equal(t, http.StatusForbidden, ts.do(t, http.MethodPost, "/consumer/services",
		&agent.ConsumeRequest{Image: "nginx:latest"}, &errBody))
	assert.Equal(t, CodeRoleDisabled, errBody.Error)
}

func Test_ProviderRoutes(t *testing.T) {
	ts := newTestServer(t, &agentConfig.ServerConfig{})

	var status ProviderStatus
	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/provider/start", nil, &status))
	assert.True(t, status.Providing)
	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/provider/stop", nil, &status))
	assert.False(t, status.Providing)
}

func Test_SubscriptionRoutes(t *testing.T) {
	ts := newTestServer(t, &agentConfig.ServerConfig{})

	var sub eventNotifier.Subscription
	assert.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/subscriptions", &eventNotifier.SubscriptionRequest{
		Event:       federation.EventType_ServiceDeployed,
		CallbackUrl: "http://localhost:9999/hook",
	}, &sub))
	assert.NotEmpty(t, sub.Id)

	var errBody httpServer.ErrorBody
	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodPost, "/subscriptions", &eventNotifier.SubscriptionRequest{
		Event:       "NoSuchEvent",
		CallbackUrl: "http://localhost:9999/hook",
	}, &errBody))

	var subs []*eventNotifier.Subscription
	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/subscriptions", nil, &subs))
	require.Len(t, subs, 1)
	assert.Equal(t, sub.Id, subs[0].Id)

	assert.Equal(t, http.StatusNoContent, ts.do(t, http.MethodDelete, "/subscriptions/"+sub.Id, nil, nil))
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodDelete, "/subscriptions/"+sub.Id, nil, &errBody))
	assert.Equal(t, CodeSubscriptionNotFound, errBody.Error)
}

func Test_RequestMetricsAndRateLimit(t *testing.T) {
	t.Run("requests are counted by route", func(t *testing.T) {
		ts := newTestServer(t, &agentConfig.ServerConfig{})
		assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/operator", nil, nil))
		assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/services/ghost", nil, nil))

		resp, err := http.Get(ts.url + "/metrics")
		require.NoError(t, err)
		defer resp.Body.Close()
		var buf bytes.Buffer
		_, err = buf.ReadFrom(resp.Body)
		require.NoError(t, err)
		assert.Contains(t, buf.String(), `federation_agent_http_requests_total{route="/operator",status="200"} 1`)
		assert.Contains(t, buf.String(), `federation_agent_http_requests_total{route="/services/{id}",status="404"} 1`)
	})
	t.Run("rate limited", func(t *testing.T) {
		ts := newTestServer(t, &agentConfig.ServerConfig{RateLimit: &config.RateLimitConfig{RequestsPerSecond: 0.001, Burst: 1}})
		assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/operator", nil, nil))
		var body httpServer.ErrorBody
		assert.Equal(t, http.StatusTooManyRequests, ts.do(t, http.MethodGet, "/operator", nil, &body))
		assert.Equal(t, httpServer.CodeRateLimitExceeded, body.Error)
	})
}
