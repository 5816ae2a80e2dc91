package agent

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/adamzr2000/blockchain-mec-federation/pkg/agent/selection"
	"github.com/adamzr2000/blockchain-mec-federation/pkg/agent/storage"
	"github.com/adamzr2000/blockchain-mec-federation/pkg/federation"
	"github.com/adamzr2000/blockchain-mec-federation/pkg/overlay"
	"github.com/google/uuid"
)

// ConsumeRequest asks the federation for a service
type ConsumeRequest struct {
	// ServiceId defaults to service-<uuid>
	ServiceId string `json:"serviceId,omitempty"`
	Image     string `json:"image"`
	Replicas  int    `json:"replicas"`
	// AppContainer overrides the configured local container attached to the federation network
	AppContainer string `json:"appContainer,omitempty"`
}

type consumerRun struct {
	rec          *storage.LifecycleRecord
	requirements *federation.Requirements
	appContainer string
}

// StartConsumer validates req, records the lifecycle and runs it in the background. It returns the
// service id the lifecycle can be followed by.
func (a *Agent) StartConsumer(ctx context.Context, req *ConsumeRequest) (string, error) {
	run, err := a.prepareConsumer(ctx, req)
	if err != nil {
		return "", err
	}
	a.launch(run.rec.ServiceId, func(ctx context.Context) {
		_, _ = a.runConsumer(ctx, run)
	})
	return run.rec.ServiceId, nil
}

// Consume runs a consumer lifecycle to completion and returns its final record
func (a *Agent) Consume(ctx context.Context, req *ConsumeRequest) (*storage.LifecycleRecord, error) {
	run, err := a.prepareConsumer(ctx, req)
	if err != nil {
		return nil, err
	}
	ctx, done := a.track(ctx, run.rec.ServiceId)
	defer done()
	return a.runConsumer(ctx, run)
}

func (a *Agent) prepareConsumer(ctx context.Context, req *ConsumeRequest) (*consumerRun, error) {
	if !a.config.Role.IsConsumer() {
		return nil, fmt.Errorf("consume: %w", ErrRoleDisabled)
	}
	requirements := &federation.Requirements{Image: req.Image, Replicas: req.Replicas}
	if requirements.Replicas == 0 {
		requirements.Replicas = 1
	}
	if err := requirements.Validate(); err != nil {
		return nil, err
	}
	serviceId := req.ServiceId
	if serviceId == "" {
		serviceId = fmt.Sprintf("service-%s", uuid.New().String())
	}
	appContainer := req.AppContainer
	if appContainer == "" {
		appContainer = a.config.Consumer.AppContainer
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, err := a.store.GetLifecycle(ctx, serviceId); err == nil {
		return nil, fmt.Errorf("%w: %s", federation.ErrDuplicateServiceId, serviceId)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	vxlanId, err := a.pool.Allocate()
	if err != nil {
		return nil, err
	}
	endpoint := &federation.Endpoint{
		IpAddress:     a.config.Network.LocalIp,
		VxlanId:       int(vxlanId),
		VxlanPort:     a.config.Network.VxlanPort,
		FederationNet: a.config.Network.FederationSubnet,
	}
	now := a.now()
	rec := &storage.LifecycleRecord{
		ServiceId:     serviceId,
		Role:          storage.Role_Consumer,
		State:         storage.LifecycleState_Idle,
		Requirements:  requirements.String(),
		LocalEndpoint: endpoint.String(),
		VxlanId:       vxlanId,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := a.store.SaveLifecycle(ctx, rec); err != nil {
		a.pool.Release(vxlanId)
		return nil, err
	}
	a.metrics.LifecycleStarted(string(storage.Role_Consumer))
	return &consumerRun{rec: rec, requirements: requirements, appContainer: appContainer}, nil
}

func (a *Agent) runConsumer(ctx context.Context, run *consumerRun) (*storage.LifecycleRecord, error) {
	rec := run.rec
	cfg := a.config.Consumer

	sub := a.hub.subscribe(rec.ServiceId)
	defer sub.close()

	if _, err := a.submit(ctx, federation.AnnounceServiceCall(rec.ServiceId, rec.Requirements, rec.LocalEndpoint)); err != nil {
		return a.fail(ctx, rec, fmt.Errorf("announce: %w", err))
	}
	if err := a.transition(ctx, rec, storage.LifecycleState_Announced); err != nil {
		return a.fail(ctx, rec, err)
	}
	if err := a.transition(ctx, rec, storage.LifecycleState_Bidding); err != nil {
		return a.fail(ctx, rec, err)
	}

	count, err := a.collectBids(ctx, sub, rec.ServiceId)
	if err != nil {
		return a.fail(ctx, rec, fmt.Errorf("collecting bids: %w", err))
	}
	a.metrics.BidsCollected(count)
	if count == 0 {
		return a.abandon(ctx, rec, "no bids received before the bidding window closed")
	}

	bids, err := a.fetchBids(ctx, rec.ServiceId, count)
	if err != nil {
		return a.fail(ctx, rec, fmt.Errorf("fetching bids: %w", err))
	}
	policy := a.selectionPolicy()
	winner, err := policy.Select(bids)
	if errors.Is(err, selection.ErrNoMatchingBid) || errors.Is(err, selection.ErrNoBids) {
		return a.abandon(ctx, rec, err.Error())
	} else if err != nil {
		return a.fail(ctx, rec, err)
	}
	a.logger.Sugar().Infow("Selected provider",
		"serviceId", rec.ServiceId,
		"policy", policy.Name(),
		"bidIndex", winner.Index,
		"bidder", winner.Bidder.String(),
		"price", winner.Price,
		"bids", len(bids),
	)

	if _, err := a.submit(ctx, federation.ChooseProviderCall(rec.ServiceId, winner.Index)); err != nil {
		return a.fail(ctx, rec, fmt.Errorf("choose provider: %w", err))
	}
	idx := winner.Index
	rec.BidIndex = &idx
	rec.Price = winner.Price
	rec.Counterpart = winner.Bidder
	rec.CounterpartEndpoint = winner.ProviderEndpoint
	if err := a.transition(ctx, rec, storage.LifecycleState_Selected); err != nil {
		return a.fail(ctx, rec, err)
	}

	remote, err := federation.ParseEndpoint(winner.ProviderEndpoint)
	if err != nil {
		return a.fail(ctx, rec, err)
	}
	spec, err := a.tunnelSpec(remote.IpAddress, rec.VxlanId, a.config.Network.VxlanPort, a.config.Network.FederationSubnet)
	if err != nil {
		return a.fail(ctx, rec, err)
	}
	if err := a.configureTunnel(ctx, rec, spec); err != nil {
		return a.fail(ctx, rec, fmt.Errorf("configure tunnel: %w", err))
	}
	if run.appContainer != "" {
		err := a.hostCall(ctx, "attach to network", func(ctx context.Context) error {
			return a.host.AttachToNetwork(ctx, run.appContainer, spec.NetworkName)
		}, nil)
		if err != nil {
			return a.fail(ctx, rec, fmt.Errorf("attach %s: %w", run.appContainer, err))
		}
	}
	if err := a.transition(ctx, rec, storage.LifecycleState_TunnelUp); err != nil {
		return a.fail(ctx, rec, err)
	}

	if _, err := a.waitForState(ctx, sub, rec.ServiceId, federation.ServiceState_Deployed, cfg.DeploymentTimeout, cfg.StatePollInterval); err != nil {
		return a.fail(ctx, rec, fmt.Errorf("waiting for deployment: %w", err))
	}
	info, err := readWithRetry(ctx, a, func(ctx context.Context) (*federation.ServiceInfo, error) {
		return a.ledger.GetServiceInfo(ctx, rec.ServiceId)
	})
	if err != nil {
		return a.fail(ctx, rec, fmt.Errorf("reading deployment info: %w", err))
	}
	rec.Info = info.Info

	if cfg.PingCount > 0 && run.appContainer != "" {
		a.checkConnectivity(ctx, rec, run.appContainer)
	}
	if err := a.transition(ctx, rec, storage.LifecycleState_Done); err != nil {
		return rec.Clone(), err
	}
	return rec.Clone(), nil
}

// collectBids waits until offersToWait bids are in or the bidding window closes, whichever comes first
func (a *Agent) collectBids(ctx context.Context, sub *subscription, serviceId string) (uint64, error) {
	cfg := a.config.Consumer
	want := uint64(cfg.OffersToWait)
	window := time.NewTimer(cfg.BiddingTimeout)
	defer window.Stop()
	poll := time.NewTicker(cfg.StatePollInterval)
	defer poll.Stop()

	var seen uint64
	for seen < want {
		select {
		case <-ctx.Done():
			return seen, ctx.Err()
		case <-window.C:
			count, err := a.bidCount(ctx, serviceId)
			if err != nil {
				return seen, err
			}
			return max(count, seen), nil
		case event := <-sub.events:
			if event.Type == federation.EventType_NewBid && event.BidCount > seen {
				seen = event.BidCount
			}
		case <-poll.C:
			count, err := a.bidCount(ctx, serviceId)
			if err != nil {
				a.logger.Sugar().Warnw("Bid count poll failed", "serviceId", serviceId, "error", err)
				continue
			}
			seen = max(count, seen)
		}
	}
	return seen, nil
}

func (a *Agent) bidCount(ctx context.Context, serviceId string) (uint64, error) {
	return readWithRetry(ctx, a, func(ctx context.Context) (uint64, error) {
		return a.ledger.GetBidCount(ctx, serviceId)
	})
}

// fetchBids reads every bid placed so far, at least the first minCount
func (a *Agent) fetchBids(ctx context.Context, serviceId string, minCount uint64) ([]*federation.Bid, error) {
	count, err := a.bidCount(ctx, serviceId)
	if err != nil {
		return nil, err
	}
	count = max(count, minCount)
	bids := make([]*federation.Bid, 0, count)
	for i := uint64(0); i < count; i++ {
		bid, err := readWithRetry(ctx, a, func(ctx context.Context) (*federation.Bid, error) {
			return a.ledger.GetBid(ctx, serviceId, i)
		})
		if errors.Is(err, federation.ErrInvalidPrice) {
			a.logger.Sugar().Warnw("Ignoring bid with an unusable price", "serviceId", serviceId, "bidIndex", i, "error", err)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("bid %d: %w", i, err)
		}
		bids = append(bids, bid)
	}
	return bids, nil
}

func (a *Agent) abandon(ctx context.Context, rec *storage.LifecycleRecord, reason string) (*storage.LifecycleRecord, error) {
	a.logger.Sugar().Warnw("Abandoning service", "serviceId", rec.ServiceId, "reason", reason)
	a.releaseResources(ctx, rec)
	rec.Error = reason
	if err := a.transition(ctx, rec, storage.LifecycleState_Abandoned); err != nil {
		return rec.Clone(), err
	}
	return rec.Clone(), nil
}

// tunnelSpec builds the tunnel towards remoteIp on the federation subnet, using this node's /24 as the
// address range so both domains hand out disjoint addresses.
func (a *Agent) tunnelSpec(remoteIp string, vxlanId uint32, port int, subnet string) (*overlay.TunnelSpec, error) {
	ipRange, err := federation.CarveSubnet(subnet, a.config.Network.NodeId)
	if err != nil {
		return nil, err
	}
	return &overlay.TunnelSpec{
		LocalIp:        a.config.Network.LocalIp,
		RemoteIp:       remoteIp,
		LocalInterface: a.config.Network.Interface,
		VxlanId:        vxlanId,
		DstPort:        port,
		Subnet:         subnet,
		IpRange:        ipRange,
		NetworkName:    a.networkName(vxlanId),
	}, nil
}

// checkConnectivity pings the first federated host from the attached container. A failed check is
// reported but does not fail the lifecycle.
func (a *Agent) checkConnectivity(ctx context.Context, rec *storage.LifecycleRecord, containerId string) {
	host := firstHost(rec.Info)
	if host == "" {
		a.logger.Sugar().Warnw("Deployment info carries no host to ping", "serviceId", rec.ServiceId, "info", rec.Info)
		return
	}
	cmd := fmt.Sprintf("ping -c %d %s", a.config.Consumer.PingCount, host)
	result, err := a.host.Exec(ctx, containerId, cmd)
	if err != nil {
		a.logger.Sugar().Warnw("Connectivity check could not run", "serviceId", rec.ServiceId, "host", host, "error", err)
		return
	}
	if result.ExitCode != 0 {
		a.logger.Sugar().Warnw("Connectivity check failed",
			"serviceId", rec.ServiceId,
			"host", host,
			"exitCode", result.ExitCode,
			"stderr", result.Stderr,
		)
		return
	}
	a.logger.Sugar().Infow("Federated service reachable", "serviceId", rec.ServiceId, "host", host)
}

// firstHost extracts the address of the first entry of a deployment info list such as
// "http://10.0.2.5:80,http://10.0.2.6:80" or "10.0.2.5"
func firstHost(info string) string {
	entry, _, _ := strings.Cut(info, ",")
	entry = strings.TrimSpace(entry)
	if entry == "" {
		return ""
	}
	if strings.Contains(entry, "://") {
		u, err := url.Parse(entry)
		if err != nil {
			return ""
		}
		return u.Hostname()
	}
	if host, _, err := net.SplitHostPort(entry); err == nil {
		return host
	}
	return entry
}
