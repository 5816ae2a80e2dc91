package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/adamzr2000/blockchain-mec-federation/pkg/agent/storage"
	"github.com/adamzr2000/blockchain-mec-federation/pkg/agent/vxlanPool"
	"github.com/adamzr2000/blockchain-mec-federation/pkg/federation"
	"github.com/adamzr2000/blockchain-mec-federation/pkg/workloadOrchestrator"
)

const federatedWorkloadPrefix = "federated-"

// StartProvider begins bidding on announcements. Announcements from the last StartupScanBlocks blocks
// are considered too.
func (a *Agent) StartProvider(ctx context.Context) error {
	if !a.config.Role.IsProvider() {
		return fmt.Errorf("provide: %w", ErrRoleDisabled)
	}
	if !a.providing.CompareAndSwap(false, true) {
		return nil
	}
	a.logger.Sugar().Infow("Provider watching announcements",
		"price", a.config.Provider.Price,
		"allowedImages", a.config.Provider.AllowedImages,
		"maxConcurrentServices", a.config.Provider.MaxConcurrentServices,
	)
	if err := a.scanAnnouncements(ctx); err != nil {
		a.logger.Sugar().Warnw("Startup announcement scan failed", "error", err)
	}
	return nil
}

// StopProvider stops bidding on new announcements. Lifecycles already under way run to completion.
func (a *Agent) StopProvider() {
	if a.providing.CompareAndSwap(true, false) {
		a.logger.Sugar().Infow("Provider stopped watching announcements")
	}
}

func (a *Agent) IsProviding() bool {
	return a.providing.Load()
}

func (a *Agent) scanAnnouncements(ctx context.Context) error {
	blocks := a.config.Provider.StartupScanBlocks
	if blocks == 0 {
		return nil
	}
	head, err := readWithRetry(ctx, a, a.ledger.LatestBlock)
	if err != nil {
		return err
	}
	if head == 0 {
		return nil
	}
	from := uint64(1)
	if head > blocks {
		from = head - blocks + 1
	}
	events, err := readWithRetry(ctx, a, func(ctx context.Context) ([]*federation.Event, error) {
		return a.ledger.FilterEvents(ctx, from, head)
	})
	if err != nil {
		return err
	}
	a.logger.Sugar().Infow("Scanned recent blocks for announcements", "from", from, "to", head, "events", len(events))
	for _, event := range events {
		if event.Type == federation.EventType_ServiceAnnouncement {
			a.handleAnnouncement(ctx, event)
		}
	}
	return nil
}

// handleAnnouncement filters an announcement and starts a provider lifecycle for it
func (a *Agent) handleAnnouncement(ctx context.Context, event *federation.Event) {
	if !a.providing.Load() {
		return
	}
	claimed, err := a.claimAnnouncement(ctx, event.ServiceId)
	if err != nil {
		a.logger.Sugar().Errorw("Failed to check announcement", "serviceId", event.ServiceId, "error", err)
		return
	}
	if !claimed {
		return
	}

	requirements, err := federation.ParseRequirements(event.Requirements)
	if err != nil {
		a.logger.Sugar().Warnw("Ignoring announcement with malformed requirements",
			"serviceId", event.ServiceId,
			"requirements", event.Requirements,
			"error", err,
		)
		return
	}
	if !a.config.Provider.AllowsImage(requirements.Image) {
		a.logger.Sugar().Infow("Ignoring announcement for image outside the allow-list",
			"serviceId", event.ServiceId,
			"image", requirements.Image,
		)
		return
	}
	a.launch(event.ServiceId, func(ctx context.Context) {
		_, _ = a.runProvider(ctx, event.ServiceId, requirements)
	})
}

// claimAnnouncement marks serviceId processed and reports whether this call was the first to do so.
// Services this agent announced itself are never claimed.
func (a *Agent) claimAnnouncement(ctx context.Context, serviceId string) (bool, error) {
	a.claimMu.Lock()
	defer a.claimMu.Unlock()

	processed, err := a.store.IsAnnouncementProcessed(ctx, serviceId)
	if err != nil || processed {
		return false, err
	}
	if err := a.store.MarkAnnouncementProcessed(ctx, serviceId); err != nil {
		return false, err
	}
	if _, err := a.store.GetLifecycle(ctx, serviceId); err == nil {
		return false, nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return false, err
	}
	return true, nil
}

// unclaimAnnouncement hands an announcement that was never acted on back to later events and the startup scan
func (a *Agent) unclaimAnnouncement(ctx context.Context, serviceId string) {
	a.claimMu.Lock()
	defer a.claimMu.Unlock()
	if err := a.store.ClearAnnouncementProcessed(context.WithoutCancel(ctx), serviceId); err != nil {
		a.logger.Sugar().Errorw("Failed to release announcement", "serviceId", serviceId, "error", err)
	}
}

func (a *Agent) runProvider(ctx context.Context, serviceId string, requirements *federation.Requirements) (*storage.LifecycleRecord, error) {
	cfg := a.config.Provider

	if err := a.slots.Acquire(ctx, 1); err != nil {
		a.unclaimAnnouncement(ctx, serviceId)
		return nil, err
	}
	defer a.slots.Release(1)

	state, err := a.serviceState(ctx, serviceId)
	if err != nil {
		a.logger.Sugar().Warnw("Skipping announcement, state unavailable", "serviceId", serviceId, "error", err)
		a.unclaimAnnouncement(ctx, serviceId)
		return nil, err
	}
	if state != federation.ServiceState_Open {
		a.logger.Sugar().Infow("Skipping announcement that is no longer open", "serviceId", serviceId, "state", state)
		return nil, nil
	}

	sub := a.hub.subscribe(serviceId)
	defer sub.close()

	endpoint := &federation.Endpoint{
		IpAddress:     a.config.Network.LocalIp,
		VxlanId:       int(a.config.Network.VxlanIdPool.Start),
		VxlanPort:     a.config.Network.VxlanPort,
		FederationNet: a.config.Network.FederationSubnet,
	}
	now := a.now()
	rec := &storage.LifecycleRecord{
		ServiceId:     serviceId,
		Role:          storage.Role_Provider,
		State:         storage.LifecycleState_Idle,
		Requirements:  requirements.String(),
		LocalEndpoint: endpoint.String(),
		Price:         cfg.Price,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	a.metrics.LifecycleStarted(string(storage.Role_Provider))
	if err := a.transition(ctx, rec, storage.LifecycleState_Watching); err != nil {
		return a.fail(ctx, rec, err)
	}

	receipt, err := a.submit(ctx, federation.PlaceBidCall(serviceId, cfg.Price, rec.LocalEndpoint))
	if errors.Is(err, federation.ErrServiceNotOpen) {
		return a.lose(ctx, rec, "bidding closed before the bid was included")
	} else if err != nil {
		return a.fail(ctx, rec, fmt.Errorf("place bid: %w", err))
	}
	if idx, err := receipt.BidIndex(); err == nil {
		rec.BidIndex = &idx
	}
	if err := a.transition(ctx, rec, storage.LifecycleState_BidPlaced); err != nil {
		return a.fail(ctx, rec, err)
	}
	if err := a.transition(ctx, rec, storage.LifecycleState_WaitingOutcome); err != nil {
		return a.fail(ctx, rec, err)
	}

	if _, err := a.waitForState(ctx, sub, serviceId, federation.ServiceState_Closed, cfg.OutcomeTimeout, cfg.StatePollInterval); err != nil {
		return a.fail(ctx, rec, fmt.Errorf("waiting for outcome: %w", err))
	}
	won, err := readWithRetry(ctx, a, func(ctx context.Context) (bool, error) {
		return a.ledger.IsWinner(ctx, serviceId, a.ledger.Address())
	})
	if err != nil {
		return a.fail(ctx, rec, fmt.Errorf("is winner: %w", err))
	}
	if !won {
		return a.lose(ctx, rec, "")
	}
	if err := a.transition(ctx, rec, storage.LifecycleState_Won); err != nil {
		return a.fail(ctx, rec, err)
	}

	info, err := readWithRetry(ctx, a, func(ctx context.Context) (*federation.ServiceInfo, error) {
		return a.ledger.GetServiceInfo(ctx, serviceId)
	})
	if err != nil {
		return a.fail(ctx, rec, fmt.Errorf("reading consumer endpoint: %w", err))
	}
	rec.Counterpart = info.Creator
	rec.CounterpartEndpoint = info.CounterpartEndpoint
	remote, err := federation.ParseEndpoint(info.CounterpartEndpoint)
	if err != nil {
		return a.fail(ctx, rec, err)
	}
	if err := a.transition(ctx, rec, storage.LifecycleState_Deploying); err != nil {
		return a.fail(ctx, rec, err)
	}

	// the tunnel must use the consumer's vxlan id; keep our own consumer lifecycles off it
	vxlanId := uint32(remote.VxlanId)
	if err := a.pool.Reserve(vxlanId); err != nil && !errors.Is(err, vxlanPool.ErrOutOfRange) {
		return a.fail(ctx, rec, fmt.Errorf("vxlan id %d: %w", vxlanId, federation.ErrTunnelAlreadyExists))
	}
	rec.VxlanId = vxlanId

	spec, err := a.tunnelSpec(remote.IpAddress, vxlanId, remote.VxlanPort, remote.FederationNet)
	if err != nil {
		return a.fail(ctx, rec, err)
	}
	if err := a.configureTunnel(ctx, rec, spec); err != nil {
		return a.fail(ctx, rec, fmt.Errorf("configure tunnel: %w", err))
	}

	workloadName := federatedWorkloadPrefix + serviceId
	rec.WorkloadName = workloadName
	err = a.hostCall(ctx, "deploy", func(ctx context.Context) error {
		_, err := a.host.Deploy(ctx, &workloadOrchestrator.DeployRequest{
			Image:         requirements.Image,
			Name:          workloadName,
			NetworkName:   spec.NetworkName,
			Replicas:      requirements.Replicas,
			ContainerPort: cfg.ContainerPort,
			HostPortBase:  cfg.HostPortBase,
		})
		return err
	}, func(ctx context.Context) error {
		return a.host.Delete(ctx, workloadName)
	})
	if err != nil {
		return a.fail(ctx, rec, fmt.Errorf("deploy: %w", err))
	}
	if err := a.transition(ctx, rec, storage.LifecycleState_TunnelUp); err != nil {
		return a.fail(ctx, rec, err)
	}

	var endpoints []*workloadOrchestrator.Endpoint
	err = a.hostCall(ctx, "list endpoints", func(ctx context.Context) error {
		eps, err := a.host.ListEndpoints(ctx, workloadName)
		endpoints = eps
		return err
	}, nil)
	if err != nil {
		return a.fail(ctx, rec, fmt.Errorf("list endpoints: %w", err))
	}
	deployInfo := deploymentInfo(endpoints, spec.NetworkName, cfg.ContainerPort)
	if deployInfo == "" {
		return a.fail(ctx, rec, fmt.Errorf("workload %s has no address on %s", workloadName, spec.NetworkName))
	}
	if _, err := a.submit(ctx, federation.ServiceDeployedCall(serviceId, deployInfo)); err != nil {
		return a.fail(ctx, rec, fmt.Errorf("service deployed: %w", err))
	}
	rec.Info = deployInfo
	if err := a.transition(ctx, rec, storage.LifecycleState_Reported); err != nil {
		return rec.Clone(), err
	}
	return rec.Clone(), nil
}

func (a *Agent) lose(ctx context.Context, rec *storage.LifecycleRecord, reason string) (*storage.LifecycleRecord, error) {
	rec.Error = reason
	if err := a.transition(ctx, rec, storage.LifecycleState_Lost); err != nil {
		return rec.Clone(), err
	}
	return rec.Clone(), nil
}

// deploymentInfo lists the replicas reachable on the federation network as http://<ip>:<port>, or bare
// addresses when no container port is published
func deploymentInfo(endpoints []*workloadOrchestrator.Endpoint, networkName string, port int) string {
	var entries []string
	for _, ep := range endpoints {
		if ep.Network != networkName || ep.IpAddress == "" {
			continue
		}
		if port > 0 {
			entries = append(entries, fmt.Sprintf("http://%s:%d", ep.IpAddress, port))
		} else {
			entries = append(entries, ep.IpAddress)
		}
	}
	return strings.Join(entries, ",")
}
