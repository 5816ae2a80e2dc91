package agent

import (
	"context"

	"github.com/adamzr2000/blockchain-mec-federation/pkg/overlay"
	"github.com/adamzr2000/blockchain-mec-federation/pkg/workloadOrchestrator"
)

// HostManager is the part of the local host the agent drives: the overlay tunnel and the federated
// workload. It is served in-process or by a remote host manager over HTTP.
type HostManager interface {
	ConfigureTunnel(ctx context.Context, spec *overlay.TunnelSpec) (*overlay.Tunnel, error)
	TeardownTunnel(ctx context.Context, vxlanId uint32, networkName string) error

	Deploy(ctx context.Context, req *workloadOrchestrator.DeployRequest) (*workloadOrchestrator.Workload, error)
	AttachToNetwork(ctx context.Context, containerId, networkName string) error
	Exec(ctx context.Context, containerId, command string) (*workloadOrchestrator.ExecResult, error)
	ListEndpoints(ctx context.Context, name string) ([]*workloadOrchestrator.Endpoint, error)
	Delete(ctx context.Context, name string) error
}
