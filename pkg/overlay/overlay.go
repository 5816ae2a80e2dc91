// Package overlay joins a local container network to a remote domain over a point-to-point VXLAN tunnel.
package overlay

import (
	"context"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/adamzr2000/blockchain-mec-federation/pkg/federation"
	"github.com/adamzr2000/blockchain-mec-federation/pkg/workloadOrchestrator"
	"go.uber.org/zap"
)

// OverlayManager configures and tears down tunnels on this host. Calls for the same vxlan id run one at a time.
type OverlayManager struct {
	links    LinkManager
	networks NetworkDriver
	logger   *zap.Logger
	locks    *keyedMutex

	mu sync.RWMutex
	// tunnels holds fully configured tunnels
	tunnels map[uint32]*Tunnel
	// networks bound to a vxlan id, including tunnels still being configured
	boundNetworks map[string]uint32
	now           func() time.Time
}

func NewOverlayManager(links LinkManager, networks NetworkDriver, logger *zap.Logger) *OverlayManager {
	return &OverlayManager{
		links:         links,
		networks:      networks,
		logger:        logger,
		locks:         newKeyedMutex(),
		tunnels:       make(map[uint32]*Tunnel),
		boundNetworks: make(map[string]uint32),
		now:           time.Now,
	}
}

// ConfigureTunnel creates the container network, adds the vxlan link and enslaves it to the network's bridge.
// Anything created before a failure is removed again.
func (om *OverlayManager) ConfigureTunnel(ctx context.Context, spec *TunnelSpec) (*Tunnel, error) {
	if errs := spec.Validate(); len(errs) > 0 {
		return nil, fmt.Errorf("invalid tunnel spec: %v", errs.ToAggregate())
	}
	s := *spec
	spec = &s
	if spec.DstPort == 0 {
		spec.DstPort = DefaultVxlanPort
	}

	unlock := om.locks.Lock(spec.VxlanId)
	defer unlock()

	linkName := VxlanLinkName(spec.VxlanId)
	if err := om.bind(spec); err != nil {
		return nil, err
	}
	exists, err := om.links.LinkExists(linkName)
	if err != nil {
		om.unbind(spec.NetworkName)
		return nil, err
	}
	if exists {
		om.unbind(spec.NetworkName)
		return nil, fmt.Errorf("link %s already exists: %w", linkName, federation.ErrTunnelAlreadyExists)
	}

	om.logger.Sugar().Infow("Configuring tunnel",
		"vxlanId", spec.VxlanId,
		"local", spec.LocalIp,
		"remote", spec.RemoteIp,
		"network", spec.NetworkName,
		"subnet", spec.Subnet,
		"ipRange", spec.IpRange,
	)

	networkInfo, err := om.networks.EnsureNetwork(ctx, &workloadOrchestrator.NetworkSpec{
		Name:    spec.NetworkName,
		Subnet:  spec.Subnet,
		IpRange: spec.IpRange,
	})
	if err != nil {
		om.unbind(spec.NetworkName)
		return nil, fmt.Errorf("failed to create network %s: %w", spec.NetworkName, err)
	}

	rollback := func(cause error) error {
		cleanupCtx := context.WithoutCancel(ctx)
		if err := om.links.DeleteLink(linkName); err != nil {
			om.logger.Sugar().Errorw("Failed to remove link during rollback", "link", linkName, "error", err)
		}
		if err := om.networks.RemoveNetwork(cleanupCtx, spec.NetworkName); err != nil {
			om.logger.Sugar().Errorw("Failed to remove network during rollback", "network", spec.NetworkName, "error", err)
		}
		om.unbind(spec.NetworkName)
		return cause
	}

	err = om.links.AddVxlan(&VxlanLink{
		Name:           linkName,
		VxlanId:        spec.VxlanId,
		LocalIp:        net.ParseIP(spec.LocalIp),
		RemoteIp:       net.ParseIP(spec.RemoteIp),
		DstPort:        spec.DstPort,
		UnderlayDevice: spec.LocalInterface,
	})
	if err != nil {
		return nil, rollback(err)
	}
	if err := om.links.SetMasterAndUp(linkName, networkInfo.BridgeName); err != nil {
		return nil, rollback(err)
	}

	tunnel := &Tunnel{
		TunnelSpec: *spec,
		LinkName:   linkName,
		BridgeName: networkInfo.BridgeName,
		NetworkId:  networkInfo.Id,
		CreatedAt:  om.now(),
	}
	om.mu.Lock()
	om.tunnels[spec.VxlanId] = tunnel
	om.mu.Unlock()

	om.logger.Sugar().Infow("Tunnel is up", "vxlanId", spec.VxlanId, "link", linkName, "bridge", networkInfo.BridgeName)
	t := *tunnel
	return &t, nil
}

// TeardownTunnel removes the vxlan link and the network. Tearing down a tunnel that does not exist succeeds.
func (om *OverlayManager) TeardownTunnel(ctx context.Context, vxlanId uint32, networkName string) error {
	unlock := om.locks.Lock(vxlanId)
	defer unlock()

	om.mu.RLock()
	tunnel, known := om.tunnels[vxlanId]
	if known && networkName == "" {
		networkName = tunnel.NetworkName
	}
	boundTo, bound := om.boundNetworks[networkName]
	om.mu.RUnlock()
	if bound && boundTo != vxlanId {
		om.logger.Sugar().Warnw("Network belongs to another tunnel, leaving it in place",
			"vxlanId", vxlanId,
			"network", networkName,
			"boundTo", boundTo,
		)
		networkName = ""
	}

	linkName := VxlanLinkName(vxlanId)
	exists, err := om.links.LinkExists(linkName)
	if err != nil {
		return err
	}
	if !known && !exists {
		om.logger.Sugar().Warnw("Nothing to tear down",
			"vxlanId", vxlanId,
			"network", networkName,
			"error", federation.ErrTunnelNotFound,
		)
	}

	if exists {
		if err := om.links.DeleteLink(linkName); err != nil {
			return err
		}
	}
	if networkName != "" {
		if err := om.networks.RemoveNetwork(ctx, networkName); err != nil {
			return fmt.Errorf("failed to remove network %s: %w", networkName, err)
		}
	}

	om.mu.Lock()
	delete(om.tunnels, vxlanId)
	for name, id := range om.boundNetworks {
		if id == vxlanId {
			delete(om.boundNetworks, name)
		}
	}
	om.mu.Unlock()

	if known || exists {
		om.logger.Sugar().Infow("Tunnel torn down", "vxlanId", vxlanId, "network", networkName)
	}
	return nil
}

// IsNetworkReady reports whether a configured tunnel backs the network
func (om *OverlayManager) IsNetworkReady(networkName string) bool {
	om.mu.RLock()
	defer om.mu.RUnlock()
	id, ok := om.boundNetworks[networkName]
	if !ok {
		return false
	}
	_, active := om.tunnels[id]
	return active
}

func (om *OverlayManager) GetTunnel(vxlanId uint32) (*Tunnel, error) {
	om.mu.RLock()
	defer om.mu.RUnlock()
	tunnel, ok := om.tunnels[vxlanId]
	if !ok {
		return nil, fmt.Errorf("vxlan %d: %w", vxlanId, federation.ErrTunnelNotFound)
	}
	t := *tunnel
	return &t, nil
}

// ListTunnels returns the configured tunnels ordered by vxlan id
func (om *OverlayManager) ListTunnels() []*Tunnel {
	om.mu.RLock()
	defer om.mu.RUnlock()
	out := make([]*Tunnel, 0, len(om.tunnels))
	for _, tunnel := range om.tunnels {
		t := *tunnel
		out = append(out, &t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VxlanId < out[j].VxlanId })
	return out
}

// bind claims the vxlan id and network name for spec
func (om *OverlayManager) bind(spec *TunnelSpec) error {
	om.mu.Lock()
	defer om.mu.Unlock()
	if _, ok := om.tunnels[spec.VxlanId]; ok {
		return fmt.Errorf("vxlan %d: %w", spec.VxlanId, federation.ErrTunnelAlreadyExists)
	}
	if id, ok := om.boundNetworks[spec.NetworkName]; ok {
		return fmt.Errorf("network %s is bound to vxlan %d: %w", spec.NetworkName, id, federation.ErrTunnelAlreadyExists)
	}
	om.boundNetworks[spec.NetworkName] = spec.VxlanId
	return nil
}

func (om *OverlayManager) unbind(networkName string) {
	om.mu.Lock()
	defer om.mu.Unlock()
	delete(om.boundNetworks, networkName)
}
