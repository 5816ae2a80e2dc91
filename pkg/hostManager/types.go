package hostManager

import (
	"context"

	"github.com/adamzr2000/blockchain-mec-federation/pkg/overlay"
	"github.com/adamzr2000/blockchain-mec-federation/pkg/workloadOrchestrator"
)

// Host is everything the HTTP API exposes
type Host interface {
	ConfigureTunnel(ctx context.Context, spec *overlay.TunnelSpec) (*overlay.Tunnel, error)
	TeardownTunnel(ctx context.Context, vxlanId uint32, networkName string) error
	ListTunnels() []*overlay.Tunnel

	Deploy(ctx context.Context, req *workloadOrchestrator.DeployRequest) (*workloadOrchestrator.Workload, error)
	AttachToNetwork(ctx context.Context, containerId, networkName string) error
	Exec(ctx context.Context, containerId, command string) (*workloadOrchestrator.ExecResult, error)
	ListEndpoints(ctx context.Context, name string) ([]*workloadOrchestrator.Endpoint, error)
	Delete(ctx context.Context, name string) error
	Scale(ctx context.Context, name string, replicas int) (*workloadOrchestrator.Workload, error)
	ResourceUsage(ctx context.Context, name string) ([]*workloadOrchestrator.ContainerUsage, error)

	Cleanup(ctx context.Context, prefix string) (*CleanupResult, error)
}

type ScaleRequest struct {
	Replicas int `json:"replicas"`
}

type ExecRequest struct {
	Command string `json:"command"`
}

type CleanupRequest struct {
	Prefix string `json:"prefix"`
}
