package ledgerPoller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	agentMemory "github.com/adamzr2000/blockchain-mec-federation/pkg/agent/storage/memory"
	"github.com/adamzr2000/blockchain-mec-federation/pkg/federation"
	"github.com/adamzr2000/blockchain-mec-federation/pkg/ledger/simulatedLedger"
	"github.com/adamzr2000/blockchain-mec-federation/pkg/registry/storage/memory"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var operatorA = common.HexToAddress("0x00000000000000000000000000000000000000aa")

type recorder struct {
	mu     sync.Mutex
	events []*federation.Event
}

func (r *recorder) handle(ctx context.Context, e *federation.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recorder) snapshot() []*federation.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*federation.Event(nil), r.events...)
}

func newLedger(t *testing.T) *simulatedLedger.SimulatedLedger {
	return simulatedLedger.NewSimulatedLedger(&simulatedLedger.SimulatedLedgerConfig{}, memory.NewInMemoryRegistryStore(), zaptest.NewLogger(t))
}

func submit(t *testing.T, c *simulatedLedger.Client, call *federation.Call) {
	_, err := c.Submit(context.Background(), call)
	require.NoError(t, err)
}

func Test_LedgerPoller_DeliversEventsInOrder(t *testing.T) {
	sl := newLedger(t)
	client := sl.ClientFor(operatorA)
	store := agentMemory.NewInMemoryAgentStore()
	rec := &recorder{}

	// events before the poller starts are skipped when no start block is configured
	submit(t, client, federation.RegisterOperatorCall("domain-a"))
	sl.SealBlock()

	poller := NewLedgerPoller(client, store, rec.handle, &LedgerPollerConfig{
		PollingInterval: 2 * time.Millisecond,
		MaxBlockRange:   1,
	}, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- poller.Run(ctx) }()

	require.Eventually(t, func() bool { return poller.LastProcessedBlock() == 1 }, time.Second, time.Millisecond)

	submit(t, client, federation.AnnounceServiceCall("svc-1", "service=nginx;replicas=1", "ep"))
	sl.SealBlock()
	submit(t, client, federation.AnnounceServiceCall("svc-2", "service=nginx;replicas=1", "ep"))
	sl.SealBlock()
	sl.SealBlock()

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 2 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return poller.LastProcessedBlock() == 4 }, time.Second, time.Millisecond)

	events := rec.snapshot()
	assert.Equal(t, "svc-1", events[0].ServiceId)
	assert.Equal(t, "svc-2", events[1].ServiceId)

	block, err := store.GetLastProcessedBlock(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), block)

	cancel()
	assert.NoError(t, <-done)
}

func Test_LedgerPoller_ResumesFromCursor(t *testing.T) {
	sl := newLedger(t)
	client := sl.ClientFor(operatorA)
	store := agentMemory.NewInMemoryAgentStore()

	submit(t, client, federation.RegisterOperatorCall("domain-a"))
	sl.SealBlock()
	submit(t, client, federation.AnnounceServiceCall("svc-1", "service=nginx;replicas=1", "ep"))
	sl.SealBlock()

	require.NoError(t, store.SetLastProcessedBlock(context.Background(), 1))

	rec := &recorder{}
	poller := NewLedgerPoller(client, store, rec.handle, &LedgerPollerConfig{PollingInterval: 2 * time.Millisecond}, zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = poller.Run(ctx) }()

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, federation.EventType_ServiceAnnouncement, rec.snapshot()[0].Type)
}

func Test_LedgerPoller_StartBlock(t *testing.T) {
	sl := newLedger(t)
	client := sl.ClientFor(operatorA)

	submit(t, client, federation.RegisterOperatorCall("domain-a"))
	sl.SealBlock()

	rec := &recorder{}
	start := uint64(0)
	poller := NewLedgerPoller(client, agentMemory.NewInMemoryAgentStore(), rec.handle, &LedgerPollerConfig{
		PollingInterval: 2 * time.Millisecond,
		StartBlock:      &start,
	}, zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = poller.Run(ctx) }()

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, federation.EventType_OperatorRegistered, rec.snapshot()[0].Type)
}

func Test_LedgerPoller_HandlerErrorStopsWithoutAdvancing(t *testing.T) {
	sl := newLedger(t)
	client := sl.ClientFor(operatorA)
	store := agentMemory.NewInMemoryAgentStore()
	start := uint64(1)

	submit(t, client, federation.RegisterOperatorCall("domain-a"))
	sl.SealBlock()

	boom := errors.New("boom")
	poller := NewLedgerPoller(client, store, func(ctx context.Context, e *federation.Event) error {
		return boom
	}, &LedgerPollerConfig{PollingInterval: 2 * time.Millisecond, StartBlock: &start}, zaptest.NewLogger(t))

	err := poller.Run(context.Background())
	assert.ErrorIs(t, err, boom)

	_, err = store.GetLastProcessedBlock(context.Background())
	assert.Error(t, err)
}

type failingSource struct{}

func (failingSource) LatestBlock(ctx context.Context) (uint64, error) {
	return 0, federation.ErrLedgerUnavailable
}

func (failingSource) FilterEvents(ctx context.Context, fromBlock, toBlock uint64) ([]*federation.Event, error) {
	return nil, federation.ErrLedgerUnavailable
}

func Test_LedgerPoller_MaxConsecutiveErrors(t *testing.T) {
	start := uint64(0)
	rec := &recorder{}
	poller := NewLedgerPoller(failingSource{}, agentMemory.NewInMemoryAgentStore(), rec.handle, &LedgerPollerConfig{
		PollingInterval:      time.Millisecond,
		MaxConsecutiveErrors: 3,
		StartBlock:           &start,
	}, zaptest.NewLogger(t))

	err := poller.Run(context.Background())
	assert.ErrorIs(t, err, ErrTooManyErrors)
	assert.ErrorIs(t, err, federation.ErrLedgerUnavailable)
}

func Test_LedgerPoller_RequiresInterval(t *testing.T) {
	poller := NewLedgerPoller(failingSource{}, agentMemory.NewInMemoryAgentStore(), (&recorder{}).handle, &LedgerPollerConfig{}, zaptest.NewLogger(t))
	assert.Error(t, poller.Run(context.Background()))
}
