// Package hostManager drives the overlay tunnels and federated workloads of one host, in-process or
// behind an HTTP API.
package hostManager

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/adamzr2000/blockchain-mec-federation/pkg/federation"
	"github.com/adamzr2000/blockchain-mec-federation/pkg/metrics"
	"github.com/adamzr2000/blockchain-mec-federation/pkg/overlay"
	"github.com/adamzr2000/blockchain-mec-federation/pkg/workloadOrchestrator"
	"go.uber.org/zap"
)

// CleanupResult lists what a cleanup removed
type CleanupResult struct {
	Workloads []string `json:"workloads"`
	Tunnels   []uint32 `json:"tunnels"`
}

// LocalHostManager serves tunnels through an OverlayManager and workloads through the docker orchestrator.
// Workloads may only join networks that a configured tunnel backs.
type LocalHostManager struct {
	overlay   *overlay.OverlayManager
	workloads *workloadOrchestrator.WorkloadOrchestrator
	metrics   *metrics.HostMetrics
	logger    *zap.Logger
}

func NewLocalHostManager(
	links overlay.LinkManager,
	workloads *workloadOrchestrator.WorkloadOrchestrator,
	m *metrics.HostMetrics,
	logger *zap.Logger,
) *LocalHostManager {
	om := overlay.NewOverlayManager(links, workloads, logger)
	workloads.SetNetworkGate(om)
	if m == nil {
		m = metrics.NewHostMetrics(nil)
	}
	return &LocalHostManager{
		overlay:   om,
		workloads: workloads,
		metrics:   m,
		logger:    logger,
	}
}

func (h *LocalHostManager) observe(operation string, start time.Time, err error) {
	code := ""
	if err != nil {
		code = federation.CodeOf(err)
		if code == "" {
			code = "error"
		}
	}
	h.metrics.ObserveOperation(operation, code, time.Since(start))
}

func (h *LocalHostManager) ConfigureTunnel(ctx context.Context, spec *overlay.TunnelSpec) (_ *overlay.Tunnel, err error) {
	defer func(start time.Time) { h.observe("configure_tunnel", start, err) }(time.Now())
	defer func() { h.metrics.SetActiveTunnels(len(h.overlay.ListTunnels())) }()
	return h.overlay.ConfigureTunnel(ctx, spec)
}

func (h *LocalHostManager) TeardownTunnel(ctx context.Context, vxlanId uint32, networkName string) (err error) {
	defer func(start time.Time) { h.observe("teardown_tunnel", start, err) }(time.Now())
	defer func() { h.metrics.SetActiveTunnels(len(h.overlay.ListTunnels())) }()
	return h.overlay.TeardownTunnel(ctx, vxlanId, networkName)
}

func (h *LocalHostManager) ListTunnels() []*overlay.Tunnel {
	return h.overlay.ListTunnels()
}

func (h *LocalHostManager) Deploy(ctx context.Context, req *workloadOrchestrator.DeployRequest) (_ *workloadOrchestrator.Workload, err error) {
	defer func(start time.Time) { h.observe("deploy", start, err) }(time.Now())
	return h.workloads.Deploy(ctx, req)
}

func (h *LocalHostManager) AttachToNetwork(ctx context.Context, containerId, networkName string) (err error) {
	defer func(start time.Time) { h.observe("attach", start, err) }(time.Now())
	return h.workloads.AttachToNetwork(ctx, containerId, networkName)
}

func (h *LocalHostManager) Exec(ctx context.Context, containerId, command string) (_ *workloadOrchestrator.ExecResult, err error) {
	defer func(start time.Time) { h.observe("exec", start, err) }(time.Now())
	return h.workloads.Exec(ctx, containerId, command)
}

func (h *LocalHostManager) ListEndpoints(ctx context.Context, name string) ([]*workloadOrchestrator.Endpoint, error) {
	return h.workloads.ListEndpoints(ctx, name)
}

func (h *LocalHostManager) Delete(ctx context.Context, name string) (err error) {
	defer func(start time.Time) { h.observe("delete", start, err) }(time.Now())
	return h.workloads.Delete(ctx, name)
}

func (h *LocalHostManager) Scale(ctx context.Context, name string, replicas int) (_ *workloadOrchestrator.Workload, err error) {
	defer func(start time.Time) { h.observe("scale", start, err) }(time.Now())
	return h.workloads.Scale(ctx, name, replicas)
}

func (h *LocalHostManager) ResourceUsage(ctx context.Context, name string) ([]*workloadOrchestrator.ContainerUsage, error) {
	return h.workloads.ResourceUsage(ctx, name)
}

// Cleanup deletes every workload and tunnel network whose name starts with prefix. It keeps going past
// individual failures and reports them together.
func (h *LocalHostManager) Cleanup(ctx context.Context, prefix string) (*CleanupResult, error) {
	if prefix == "" {
		return nil, fmt.Errorf("cleanup prefix must not be empty")
	}
	result := &CleanupResult{Workloads: []string{}, Tunnels: []uint32{}}
	var errs []error

	workloads, err := h.workloads.ListWorkloads(ctx)
	if err != nil {
		return nil, err
	}
	for _, w := range workloads {
		if !strings.HasPrefix(w.Name, prefix) {
			continue
		}
		if err := h.Delete(ctx, w.Name); err != nil && !errors.Is(err, federation.ErrWorkloadNotFound) {
			errs = append(errs, fmt.Errorf("workload %s: %w", w.Name, err))
			continue
		}
		result.Workloads = append(result.Workloads, w.Name)
	}

	for _, t := range h.overlay.ListTunnels() {
		if !strings.HasPrefix(t.NetworkName, prefix) {
			continue
		}
		if err := h.TeardownTunnel(ctx, t.VxlanId, t.NetworkName); err != nil {
			errs = append(errs, fmt.Errorf("tunnel %d: %w", t.VxlanId, err))
			continue
		}
		result.Tunnels = append(result.Tunnels, t.VxlanId)
	}

	h.logger.Sugar().Infow("Cleanup finished",
		"prefix", prefix,
		"workloads", result.Workloads,
		"tunnels", result.Tunnels,
		"failures", len(errs),
	)
	return result, errors.Join(errs...)
}

func (h *LocalHostManager) Close() error {
	return h.workloads.Close()
}
