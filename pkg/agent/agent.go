// Package agent drives one domain's side of the federation: it announces services and selects providers as a
// consumer, and bids on and deploys announced services as a provider. The ledger is the source of truth; the
// agent reacts to its events and polls its state, and drives the local host through a HostManager.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adamzr2000/blockchain-mec-federation/pkg/agent/agentConfig"
	"github.com/adamzr2000/blockchain-mec-federation/pkg/agent/selection"
	"github.com/adamzr2000/blockchain-mec-federation/pkg/agent/storage"
	"github.com/adamzr2000/blockchain-mec-federation/pkg/agent/vxlanPool"
	"github.com/adamzr2000/blockchain-mec-federation/pkg/federation"
	"github.com/adamzr2000/blockchain-mec-federation/pkg/ledger"
	"github.com/adamzr2000/blockchain-mec-federation/pkg/metrics"
	"github.com/adamzr2000/blockchain-mec-federation/pkg/overlay"
	"github.com/adamzr2000/blockchain-mec-federation/pkg/retry"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

var (
	// ErrRoleDisabled is returned for consumer or provider operations on an agent configured without that role
	ErrRoleDisabled = errors.New("role is not enabled on this agent")

	ErrServiceNotTracked = errors.New("service is not tracked by this agent")
)

type Agent struct {
	config  *agentConfig.AgentConfig
	ledger  ledger.Client
	host    HostManager
	store   storage.AgentStore
	metrics *metrics.AgentMetrics
	logger  *zap.Logger

	hub   *eventHub
	pool  *vxlanPool.VxlanPool
	slots *semaphore.Weighted

	policyMu sync.RWMutex
	policy   selection.SelectionPolicy

	providing atomic.Bool
	// claimMu makes the processed-announcement check and mark atomic
	claimMu sync.Mutex

	mu      sync.Mutex
	running map[string]context.CancelFunc

	lifecycleCtx     context.Context
	cancelLifecycles context.CancelFunc
	wg               sync.WaitGroup

	now func() time.Time
}

// NewAgent wires an agent from a validated config. A nil metrics collector gets a private registry.
func NewAgent(
	config *agentConfig.AgentConfig,
	client ledger.Client,
	host HostManager,
	store storage.AgentStore,
	m *metrics.AgentMetrics,
	logger *zap.Logger,
) (*Agent, error) {
	policy, err := selection.NewPolicy(string(config.Consumer.SelectionPolicy), config.Consumer.TargetPrice)
	if err != nil {
		return nil, err
	}
	pool, err := vxlanPool.NewVxlanPool(config.Network.VxlanIdPool.Start, config.Network.VxlanIdPool.End)
	if err != nil {
		return nil, err
	}
	if m == nil {
		m = metrics.NewAgentMetrics(nil)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Agent{
		config:           config,
		ledger:           client,
		host:             host,
		store:            store,
		metrics:          m,
		logger:           logger,
		hub:              newEventHub(),
		pool:             pool,
		slots:            semaphore.NewWeighted(config.Provider.MaxConcurrentServices),
		policy:           policy,
		running:          make(map[string]context.CancelFunc),
		lifecycleCtx:     ctx,
		cancelLifecycles: cancel,
		now:              time.Now,
	}, nil
}

// Start restores state left by a previous run, registers the operator when configured to and starts
// watching announcements when the provider is set to auto start.
func (a *Agent) Start(ctx context.Context) error {
	a.logger.Sugar().Infow("Starting federation agent",
		"domain", a.config.DomainName,
		"role", a.config.Role,
		"address", a.ledger.Address().String(),
	)
	if err := a.recoverLifecycles(ctx); err != nil {
		return fmt.Errorf("failed to recover lifecycles: %w", err)
	}
	if a.config.AutoRegister {
		if err := a.ensureRegistered(ctx); err != nil {
			return err
		}
	}
	if a.config.Role.IsProvider() && a.config.Provider.AutoStart {
		if err := a.StartProvider(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Close cancels in-flight lifecycles and waits for them to release their resources
func (a *Agent) Close() error {
	a.StopProvider()
	a.cancelLifecycles()
	a.wg.Wait()
	a.logger.Sugar().Infow("Federation agent stopped")
	return nil
}

// HandleEvent is the ledger poller's event handler
func (a *Agent) HandleEvent(ctx context.Context, event *federation.Event) error {
	a.metrics.EventProcessed(string(event.Type), event.BlockNumber)
	delivered := a.hub.publish(event)
	a.logger.Sugar().Debugw("Ledger event",
		"type", event.Type,
		"serviceId", event.ServiceId,
		"block", event.BlockNumber,
		"waiters", delivered,
	)
	if event.Type == federation.EventType_ServiceAnnouncement {
		a.handleAnnouncement(ctx, event)
	}
	return nil
}

func (a *Agent) SetSelectionPolicy(policy selection.SelectionPolicy) {
	a.policyMu.Lock()
	defer a.policyMu.Unlock()
	a.policy = policy
}

func (a *Agent) selectionPolicy() selection.SelectionPolicy {
	a.policyMu.RLock()
	defer a.policyMu.RUnlock()
	return a.policy
}

type OperatorStatus struct {
	Address    common.Address `json:"address"`
	Name       string         `json:"name"`
	Registered bool           `json:"registered"`
	Providing  bool           `json:"providing"`
}

// RegisterOperator registers this agent's account. An empty name uses the configured domain name.
func (a *Agent) RegisterOperator(ctx context.Context, name string) (*ledger.Receipt, error) {
	if name == "" {
		name = a.config.DomainName
	}
	return a.submit(ctx, federation.RegisterOperatorCall(name))
}

func (a *Agent) RemoveOperator(ctx context.Context) (*ledger.Receipt, error) {
	return a.submit(ctx, federation.RemoveOperatorCall())
}

func (a *Agent) GetOperatorStatus(ctx context.Context) (*OperatorStatus, error) {
	registered, err := readWithRetry(ctx, a, func(ctx context.Context) (bool, error) {
		return a.ledger.IsRegistered(ctx, a.ledger.Address())
	})
	if err != nil {
		return nil, err
	}
	return &OperatorStatus{
		Address:    a.ledger.Address(),
		Name:       a.config.DomainName,
		Registered: registered,
		Providing:  a.providing.Load(),
	}, nil
}

func (a *Agent) ensureRegistered(ctx context.Context) error {
	status, err := a.GetOperatorStatus(ctx)
	if err != nil {
		return fmt.Errorf("failed to read registration: %w", err)
	}
	if status.Registered {
		a.logger.Sugar().Infow("Operator already registered", "address", status.Address.String())
		return nil
	}
	if _, err := a.RegisterOperator(ctx, ""); err != nil && !errors.Is(err, federation.ErrAlreadyRegistered) {
		return fmt.Errorf("failed to register operator: %w", err)
	}
	return nil
}

func (a *Agent) GetService(ctx context.Context, serviceId string) (*storage.LifecycleRecord, error) {
	rec, err := a.store.GetLifecycle(ctx, serviceId)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrServiceNotTracked, serviceId)
	}
	return rec, err
}

func (a *Agent) ListServices(ctx context.Context) ([]*storage.LifecycleRecord, error) {
	return a.store.ListLifecycles(ctx)
}

// TerminateService stops a running lifecycle, or releases the tunnel and workload of a finished one and
// forgets it.
func (a *Agent) TerminateService(ctx context.Context, serviceId string) error {
	a.mu.Lock()
	cancel, running := a.running[serviceId]
	a.mu.Unlock()
	if running {
		a.logger.Sugar().Infow("Cancelling running lifecycle", "serviceId", serviceId)
		cancel()
		return nil
	}

	rec, err := a.GetService(ctx, serviceId)
	if err != nil {
		return err
	}
	a.releaseResources(ctx, rec)
	if rec.WorkloadName != "" || rec.NetworkName != "" {
		rec.UpdatedAt = a.now()
		if err := a.store.SaveLifecycle(ctx, rec); err != nil {
			return fmt.Errorf("failed to save lifecycle: %w", err)
		}
		return fmt.Errorf("service %s still holds host resources: %w", serviceId, federation.ErrHostUnavailable)
	}
	if err := a.store.DeleteLifecycle(ctx, serviceId); err != nil {
		return fmt.Errorf("failed to delete lifecycle: %w", err)
	}
	a.logger.Sugar().Infow("Terminated service", "serviceId", serviceId, "role", rec.Role)
	return nil
}

// recoverLifecycles reserves the vxlan ids of tunnels that are still up and fails lifecycles that a
// previous run left half way, releasing what they created.
func (a *Agent) recoverLifecycles(ctx context.Context) error {
	records, err := a.store.ListLifecycles(ctx)
	if err != nil {
		return err
	}
	for _, rec := range records {
		if rec.State.IsTerminal() {
			if rec.NetworkName != "" {
				if err := a.pool.Reserve(rec.VxlanId); err != nil && !errors.Is(err, vxlanPool.ErrOutOfRange) {
					a.logger.Sugar().Warnw("Could not reserve vxlan id of active tunnel",
						"serviceId", rec.ServiceId,
						"vxlanId", rec.VxlanId,
						"error", err,
					)
				}
			}
			continue
		}
		a.logger.Sugar().Warnw("Lifecycle interrupted by restart", "serviceId", rec.ServiceId, "state", rec.State)
		a.releaseResources(ctx, rec)
		rec.Error = "interrupted by agent restart"
		rec.State = storage.LifecycleState_Failed
		rec.UpdatedAt = a.now()
		if err := a.store.SaveLifecycle(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

// launch runs a lifecycle in the background, cancellable through TerminateService and Close
func (a *Agent) launch(serviceId string, run func(ctx context.Context)) {
	ctx, done := a.track(a.lifecycleCtx, serviceId)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer done()
		run(ctx)
	}()
}

func (a *Agent) track(parent context.Context, serviceId string) (context.Context, func()) {
	ctx, cancel := context.WithCancel(parent)
	a.mu.Lock()
	a.running[serviceId] = cancel
	a.mu.Unlock()
	return ctx, func() {
		a.mu.Lock()
		delete(a.running, serviceId)
		a.mu.Unlock()
		cancel()
	}
}

// submit sends call, retrying transient submission failures, and waits for its receipt
func (a *Agent) submit(ctx context.Context, call *federation.Call) (*ledger.Receipt, error) {
	start := time.Now()
	var txHash common.Hash
	err := retry.Do(ctx, a.config.Retry, func(ctx context.Context) error {
		h, err := a.ledger.Submit(ctx, call)
		if err != nil {
			return err
		}
		txHash = h
		return nil
	}, retry.WithOnRetry(func(attempt int, delay time.Duration, err error) {
		a.logger.Sugar().Warnw("Retrying transaction submission",
			"call", call.String(),
			"attempt", attempt,
			"delay", delay.String(),
			"error", err,
		)
	}))
	if err != nil {
		a.metrics.TransactionFinished(string(call.Method), err, time.Since(start))
		return nil, fmt.Errorf("%s: %w", call.String(), err)
	}
	a.logger.Sugar().Infow("Submitted transaction", "call", call.String(), "txHash", txHash.String())

	receipt, err := ledger.WaitForReceipt(ctx, a.ledger, txHash, a.config.Ledger.Wait, a.logger)
	a.metrics.TransactionFinished(string(call.Method), err, time.Since(start))
	if err != nil {
		return receipt, fmt.Errorf("%s: %w", call.String(), err)
	}
	return receipt, nil
}

// readWithRetry runs a ledger read, retrying transient failures with the agent's backoff
func readWithRetry[T any](ctx context.Context, a *Agent, read func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := retry.Do(ctx, a.config.Retry, func(ctx context.Context) error {
		v, err := read(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

func (a *Agent) serviceState(ctx context.Context, serviceId string) (federation.ServiceState, error) {
	return readWithRetry(ctx, a, func(ctx context.Context) (federation.ServiceState, error) {
		return a.ledger.GetServiceState(ctx, serviceId)
	})
}

// waitForState blocks until the service reaches at least target. Any event for the service and every
// poll interval trigger a state read; transient read failures keep the wait going.
func (a *Agent) waitForState(
	ctx context.Context,
	sub *subscription,
	serviceId string,
	target federation.ServiceState,
	timeout, interval time.Duration,
) (federation.ServiceState, error) {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		state, err := a.ledger.GetServiceState(waitCtx, serviceId)
		switch {
		case err == nil && state >= target:
			return state, nil
		case err != nil && federation.IsProtocolError(err):
			return state, err
		case err != nil:
			a.logger.Sugar().Debugw("Service state read failed, still waiting", "serviceId", serviceId, "error", err)
		}

		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return 0, ctx.Err()
			}
			return 0, fmt.Errorf("service %s did not reach %s within %s: %w", serviceId, target, timeout, federation.ErrTimeout)
		case <-sub.events:
		case <-ticker.C:
		}
	}
}

// transition records the lifecycle's next state
func (a *Agent) transition(ctx context.Context, rec *storage.LifecycleRecord, state storage.LifecycleState) error {
	prev := rec.State
	rec.State = state
	rec.UpdatedAt = a.now()
	if err := a.store.SaveLifecycle(context.WithoutCancel(ctx), rec); err != nil {
		return fmt.Errorf("failed to save lifecycle %s: %w", rec.ServiceId, err)
	}
	a.logger.Sugar().Infow("Lifecycle transition",
		"serviceId", rec.ServiceId,
		"role", rec.Role,
		"from", prev,
		"to", state,
	)
	if state.IsTerminal() {
		a.metrics.LifecycleFinished(string(rec.Role), string(state))
	}
	return nil
}

// fail releases whatever the lifecycle created on the host and records it as Failed
func (a *Agent) fail(ctx context.Context, rec *storage.LifecycleRecord, cause error) (*storage.LifecycleRecord, error) {
	a.logger.Sugar().Errorw("Lifecycle failed",
		"serviceId", rec.ServiceId,
		"role", rec.Role,
		"state", rec.State,
		"error", cause,
	)
	a.releaseResources(ctx, rec)
	rec.Error = cause.Error()
	if err := a.transition(ctx, rec, storage.LifecycleState_Failed); err != nil {
		a.logger.Sugar().Errorw("Failed to record failure", "serviceId", rec.ServiceId, "error", err)
	}
	return rec.Clone(), cause
}

// releaseResources deletes the workload, tears the tunnel down and returns the vxlan id to the pool.
// It runs detached from ctx's cancellation so a cancelled lifecycle still cleans up. A tunnel that could
// not be torn down keeps its vxlan id out of the pool.
func (a *Agent) releaseResources(ctx context.Context, rec *storage.LifecycleRecord) {
	ctx = context.WithoutCancel(ctx)

	if rec.WorkloadName != "" {
		err := a.hostCall(ctx, "delete workload", func(ctx context.Context) error {
			return a.host.Delete(ctx, rec.WorkloadName)
		}, nil)
		if err != nil {
			a.logger.Sugar().Errorw("Failed to delete workload", "serviceId", rec.ServiceId, "workload", rec.WorkloadName, "error", err)
		} else {
			rec.WorkloadName = ""
		}
	}
	if rec.NetworkName != "" {
		err := a.hostCall(ctx, "teardown tunnel", func(ctx context.Context) error {
			return a.host.TeardownTunnel(ctx, rec.VxlanId, rec.NetworkName)
		}, nil)
		if err != nil {
			a.logger.Sugar().Errorw("Failed to tear down tunnel, keeping its vxlan id reserved",
				"serviceId", rec.ServiceId,
				"vxlanId", rec.VxlanId,
				"error", err,
			)
			return
		}
		rec.NetworkName = ""
	}
	if rec.VxlanId != 0 {
		a.pool.Release(rec.VxlanId)
	}
}

// hostCall runs a host manager operation with the agent's backoff, bounding each attempt by the host
// manager timeout. undo runs ahead of every retry to remove what a failed attempt may have built.
func (a *Agent) hostCall(ctx context.Context, op string, call func(ctx context.Context) error, undo func(ctx context.Context) error) error {
	cfg := *a.config.Retry
	cfg.AttemptTimeout = a.config.HostManager.Timeout
	calls := 0
	return retry.Do(ctx, &cfg, func(ctx context.Context) error {
		calls++
		if calls > 1 && undo != nil {
			if err := undo(ctx); err != nil {
				return err
			}
		}
		return call(ctx)
	}, retry.WithOnRetry(func(attempt int, delay time.Duration, err error) {
		a.logger.Sugar().Warnw("Retrying host operation",
			"op", op,
			"attempt", attempt,
			"delay", delay.String(),
			"error", err,
		)
	}))
}

// configureTunnel brings the tunnel up and records its network on rec before the host is called, so a
// tunnel built by an attempt that reported an error is still torn down. A conflicting tunnel is not ours.
func (a *Agent) configureTunnel(ctx context.Context, rec *storage.LifecycleRecord, spec *overlay.TunnelSpec) error {
	rec.NetworkName = spec.NetworkName
	err := a.hostCall(ctx, "configure tunnel", func(ctx context.Context) error {
		_, err := a.host.ConfigureTunnel(ctx, spec)
		return err
	}, func(ctx context.Context) error {
		return a.host.TeardownTunnel(ctx, spec.VxlanId, spec.NetworkName)
	})
	if errors.Is(err, federation.ErrTunnelAlreadyExists) {
		rec.NetworkName = ""
	}
	return err
}

func (a *Agent) networkName(vxlanId uint32) string {
	return fmt.Sprintf("%s-%d", a.config.Network.NetworkNamePrefix, vxlanId)
}
