package workloadOrchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/adamzr2000/blockchain-mec-federation/internal/testUtils"
	"github.com/adamzr2000/blockchain-mec-federation/pkg/federation"
	"github.com/docker/docker/api/types/network"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type staticGate map[string]bool

func (g staticGate) IsNetworkReady(name string) bool { return g[name] }

func newTestOrchestrator(t *testing.T, docker *testUtils.FakeDocker) *WorkloadOrchestrator {
	return NewWorkloadOrchestratorWithClient(docker, &WorkloadOrchestratorConfig{
		StartTimeout:      time.Second,
		PollInterval:      10 * time.Millisecond,
		PullMissingImages: true,
	}, zaptest.NewLogger(t))
}

func Test_Deploy(t *testing.T) {
	ctx := context.Background()

	t.Run("creates named replicas on the network", func(t *testing.T) {
		docker := testUtils.NewFakeDocker()
		wo := newTestOrchestrator(t, docker)
		_, err := wo.EnsureNetwork(ctx, &NetworkSpec{Name: "federation-net", Subnet: "10.0.0.0/16", IpRange: "10.0.1.0/24"})
		require.NoError(t, err)
		wo.SetNetworkGate(staticGate{"federation-net": true})

		w, err := wo.Deploy(ctx, &DeployRequest{
			Image:         "nginx:latest",
			Name:          "federated_service",
			NetworkName:   "federation-net",
			Replicas:      3,
			ContainerPort: 80,
			HostPortBase:  8080,
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"federated_service_1", "federated_service_2", "federated_service_3"}, w.Containers)
		assert.Equal(t, 3, docker.ContainerCount())

		third, err := docker.ContainerInspect(ctx, "federated_service_3")
		require.NoError(t, err)
		assert.Equal(t, "federated_service", third.Config.Labels[LabelWorkload])
		bindings := third.HostConfig.PortBindings
		require.Len(t, bindings, 1)
		for _, b := range bindings {
			assert.Equal(t, "8082", b[0].HostPort)
		}

		endpoints, err := wo.ListEndpoints(ctx, "federated_service")
		require.NoError(t, err)
		require.Len(t, endpoints, 3)
		assert.Equal(t, "federated_service_1", endpoints[0].Container)
		assert.Equal(t, "federation-net", endpoints[0].Network)
		assert.NotEmpty(t, endpoints[0].IpAddress)
	})

	t.Run("network without tunnel is not ready", func(t *testing.T) {
		docker := testUtils.NewFakeDocker()
		wo := newTestOrchestrator(t, docker)
		_, err := wo.EnsureNetwork(ctx, &NetworkSpec{Name: "federation-net"})
		require.NoError(t, err)
		wo.SetNetworkGate(staticGate{})

		_, err = wo.Deploy(ctx, &DeployRequest{Image: "nginx:latest", Name: "svc", NetworkName: "federation-net", Replicas: 1})
		assert.ErrorIs(t, err, federation.ErrNetworkNotReady)
		assert.Zero(t, docker.ContainerCount())
	})

	t.Run("missing network", func(t *testing.T) {
		wo := newTestOrchestrator(t, testUtils.NewFakeDocker())
		_, err := wo.Deploy(ctx, &DeployRequest{Image: "nginx:latest", Name: "svc", NetworkName: "nope", Replicas: 1})
		assert.ErrorIs(t, err, federation.ErrNetworkNotFound)
	})

	t.Run("image that cannot be pulled", func(t *testing.T) {
		wo := newTestOrchestrator(t, testUtils.NewFakeDocker())
		_, err := wo.Deploy(ctx, &DeployRequest{Image: "does-not-exist:1", Name: "svc", Replicas: 1})
		assert.ErrorIs(t, err, federation.ErrImageNotFound)
	})

	t.Run("missing image is pulled", func(t *testing.T) {
		docker := testUtils.NewFakeDocker()
		docker.Pullable["alpine:3"] = true
		wo := newTestOrchestrator(t, docker)
		_, err := wo.Deploy(ctx, &DeployRequest{Image: "alpine:3", Name: "svc", Replicas: 1})
		require.NoError(t, err)
		assert.True(t, docker.Images["alpine:3"])
	})

	t.Run("failed replica rolls back the workload", func(t *testing.T) {
		docker := testUtils.NewFakeDocker()
		docker.FailStartOn = "svc_2"
		wo := newTestOrchestrator(t, docker)
		_, err := wo.Deploy(ctx, &DeployRequest{Image: "nginx:latest", Name: "svc", Replicas: 3})
		assert.ErrorContains(t, err, "port is already allocated")
		assert.Zero(t, docker.ContainerCount())
	})

	t.Run("invalid request", func(t *testing.T) {
		wo := newTestOrchestrator(t, testUtils.NewFakeDocker())
		_, err := wo.Deploy(ctx, &DeployRequest{Image: "nginx:latest", Replicas: 0})
		assert.Error(t, err)
	})
}

func Test_Delete(t *testing.T) {
	ctx := context.Background()
	docker := testUtils.NewFakeDocker()
	wo := newTestOrchestrator(t, docker)

	_, err := wo.Deploy(ctx, &DeployRequest{Image: "nginx:latest", Name: "svc", Replicas: 2})
	require.NoError(t, err)
	_, err = wo.Deploy(ctx, &DeployRequest{Image: "nginx:latest", Name: "other", Replicas: 1})
	require.NoError(t, err)

	require.NoError(t, wo.Delete(ctx, "svc"))
	assert.Equal(t, 1, docker.ContainerCount())

	// deleting again is a no-op
	require.NoError(t, wo.Delete(ctx, "svc"))
	require.NoError(t, wo.Delete(ctx, "never-deployed"))

	workloads, err := wo.ListWorkloads(ctx)
	require.NoError(t, err)
	require.Len(t, workloads, 1)
	assert.Equal(t, "other", workloads[0].Name)
}

func Test_AttachToNetwork(t *testing.T) {
	ctx := context.Background()
	docker := testUtils.NewFakeDocker()
	wo := newTestOrchestrator(t, docker)

	_, err := wo.Deploy(ctx, &DeployRequest{Image: "nginx:latest", Name: "svc", Replicas: 1})
	require.NoError(t, err)
	_, err = wo.EnsureNetwork(ctx, &NetworkSpec{Name: "federation-net"})
	require.NoError(t, err)

	require.NoError(t, wo.AttachToNetwork(ctx, "svc_1", "federation-net"))
	// attaching twice is accepted
	require.NoError(t, wo.AttachToNetwork(ctx, "svc_1", "federation-net"))

	endpoints, err := wo.ListEndpoints(ctx, "svc")
	require.NoError(t, err)
	require.Len(t, endpoints, 1)
	assert.Equal(t, "federation-net", endpoints[0].Network)

	assert.ErrorIs(t, wo.AttachToNetwork(ctx, "missing", "federation-net"), federation.ErrContainerNotFound)
	assert.ErrorIs(t, wo.AttachToNetwork(ctx, "svc_1", "missing-net"), federation.ErrNetworkNotFound)
}

func Test_Exec(t *testing.T) {
	ctx := context.Background()
	docker := testUtils.NewFakeDocker()
	docker.ExecOutput = "PING 10.0.0.3: 3 packets transmitted, 3 received\n"
	docker.ExecStderr = "warning\n"
	wo := newTestOrchestrator(t, docker)

	_, err := wo.Deploy(ctx, &DeployRequest{Image: "nginx:latest", Name: "svc", Replicas: 1})
	require.NoError(t, err)

	result, err := wo.Exec(ctx, "svc_1", "ping -c 3 10.0.0.3")
	require.NoError(t, err)
	assert.Equal(t, 0, result.ExitCode)
	assert.Contains(t, result.Stdout, "3 received")
	assert.Equal(t, "warning\n", result.Stderr)

	for _, cmd := range docker.Execs {
		assert.Equal(t, "sh -lc ping -c 3 10.0.0.3", cmd)
	}

	docker.ExecExit = 1
	result, err = wo.Exec(ctx, "svc_1", "false")
	require.NoError(t, err)
	assert.Equal(t, 1, result.ExitCode)

	_, err = wo.Exec(ctx, "missing", "true")
	assert.ErrorIs(t, err, federation.ErrContainerNotFound)
}

func Test_Scale(t *testing.T) {
	ctx := context.Background()
	docker := testUtils.NewFakeDocker()
	wo := newTestOrchestrator(t, docker)

	_, err := wo.Deploy(ctx, &DeployRequest{Image: "nginx:latest", Name: "svc", Replicas: 2, ContainerPort: 80, HostPortBase: 9000})
	require.NoError(t, err)

	w, err := wo.Scale(ctx, "svc", 4)
	require.NoError(t, err)
	assert.Equal(t, []string{"svc_1", "svc_2", "svc_3", "svc_4"}, w.Containers)

	fourth, err := docker.ContainerInspect(ctx, "svc_4")
	require.NoError(t, err)
	for _, b := range fourth.HostConfig.PortBindings {
		assert.Equal(t, "9003", b[0].HostPort)
	}

	w, err = wo.Scale(ctx, "svc", 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"svc_1"}, w.Containers)

	_, err = wo.Scale(ctx, "missing", 2)
	assert.ErrorIs(t, err, federation.ErrWorkloadNotFound)
}

func Test_ResourceUsage(t *testing.T) {
	ctx := context.Background()
	wo := newTestOrchestrator(t, testUtils.NewFakeDocker())
	_, err := wo.Deploy(ctx, &DeployRequest{Image: "nginx:latest", Name: "svc", Replicas: 2})
	require.NoError(t, err)

	usage, err := wo.ResourceUsage(ctx, "svc")
	require.NoError(t, err)
	require.Len(t, usage, 2)
	assert.InDelta(t, 40.0, usage[0].CpuPercent, 0.001)
	assert.Equal(t, uint64(64<<20), usage[0].MemoryBytes)
	assert.Equal(t, uint64(512<<20), usage[0].MemoryLimitBytes)
}

func Test_Networks(t *testing.T) {
	ctx := context.Background()
	docker := testUtils.NewFakeDocker()
	wo := newTestOrchestrator(t, docker)

	created, err := wo.EnsureNetwork(ctx, &NetworkSpec{Name: "federation-net", Subnet: "10.0.0.0/16", IpRange: "10.0.1.0/24"})
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.0/16", created.Subnet)
	assert.Equal(t, "br-"+created.Id[:12], created.BridgeName)

	again, err := wo.EnsureNetwork(ctx, &NetworkSpec{Name: "federation-net", Subnet: "10.0.0.0/16"})
	require.NoError(t, err)
	assert.Equal(t, created.Id, again.Id)

	_, err = wo.Deploy(ctx, &DeployRequest{Image: "nginx:latest", Name: "svc", NetworkName: "federation-net", Replicas: 1})
	require.NoError(t, err)

	info, err := wo.InspectNetwork(ctx, "federation-net")
	require.NoError(t, err)
	assert.Equal(t, created.Id, info.Id)

	require.NoError(t, wo.RemoveNetwork(ctx, "federation-net"))
	_, err = wo.InspectNetwork(ctx, "federation-net")
	assert.ErrorIs(t, err, federation.ErrNetworkNotFound)

	// removing a missing network is a no-op
	require.NoError(t, wo.RemoveNetwork(ctx, "federation-net"))
}

func Test_BridgeName(t *testing.T) {
	assert.Equal(t, "br-0123456789ab", BridgeName(network.Inspect{ID: "0123456789abcdef"}))
	assert.Equal(t, "fed0", BridgeName(network.Inspect{ID: "0123456789abcdef", Options: map[string]string{bridgeNameOption: "fed0"}}))
}
