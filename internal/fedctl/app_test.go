package fedctl

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/adamzr2000/blockchain-mec-federation/pkg/agent"
	"github.com/adamzr2000/blockchain-mec-federation/pkg/agent/agentConfig"
	"github.com/adamzr2000/blockchain-mec-federation/pkg/agent/storage"
	"github.com/adamzr2000/blockchain-mec-federation/pkg/agentServer"
	"github.com/adamzr2000/blockchain-mec-federation/pkg/eventNotifier"
	"github.com/adamzr2000/blockchain-mec-federation/pkg/federation"
	"github.com/adamzr2000/blockchain-mec-federation/pkg/ledger"
	"github.com/adamzr2000/blockchain-mec-federation/pkg/metrics"
	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// scriptedAgent finishes every consumer lifecycle after a fixed number of status reads
type scriptedAgent struct {
	mu        sync.Mutex
	services  map[string]*storage.LifecycleRecord
	reads     map[string]int
	providing bool
}

func (s *scriptedAgent) RegisterOperator(ctx context.Context, name string) (*ledger.Receipt, error) {
	return &ledger.Receipt{TxHash: common.HexToHash("0x1"), BlockNumber: 3, Status: ledger.ReceiptStatus_Succeeded}, nil
}

func (s *scriptedAgent) RemoveOperator(ctx context.Context) (*ledger.Receipt, error) {
	return nil, fmt.Errorf("removeOperator: %w", federation.ErrNotRegistered)
}

func (s *scriptedAgent) GetOperatorStatus(ctx context.Context) (*agent.OperatorStatus, error) {
	return &agent.OperatorStatus{Address: common.HexToAddress("0x2"), Name: "domain-a", Registered: true}, nil
}

func (s *scriptedAgent) StartConsumer(ctx context.Context, req *agent.ConsumeRequest) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	s.services[req.ServiceId] = &storage.LifecycleRecord{
		ServiceId:    req.ServiceId,
		Role:         storage.Role_Consumer,
		State:        storage.LifecycleState_Bidding,
		Requirements: (&federation.Requirements{Image: req.Image, Replicas: req.Replicas}).String(),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	return req.ServiceId, nil
}

func (s *scriptedAgent) StartProvider(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.providing = true
	return nil
}

func (s *scriptedAgent) StopProvider() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.providing = false
}

func (s *scriptedAgent) IsProviding() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.providing
}

func (s *scriptedAgent) GetService(ctx context.Context, serviceId string) (*storage.LifecycleRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.services[serviceId]
	if !ok {
		return nil, fmt.Errorf("%w: %s", agent.ErrServiceNotTracked, serviceId)
	}
	s.reads[serviceId]++
	if s.reads[serviceId] >= 3 {
		rec.State = storage.LifecycleState_Done
		rec.Info = "10.0.2.5"
		rec.Price = 12
	}
	return rec.Clone(), nil
}

func (s *scriptedAgent) ListServices(ctx context.Context) ([]*storage.LifecycleRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*storage.LifecycleRecord
	for _, rec := range s.services {
		out = append(out, rec.Clone())
	}
	return out, nil
}

func (s *scriptedAgent) TerminateService(ctx context.Context, serviceId string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.services[serviceId]; !ok {
		return fmt.Errorf("%w: %s", agent.ErrServiceNotTracked, serviceId)
	}
	delete(s.services, serviceId)
	return nil
}

type emptySource struct{}

func (emptySource) LatestBlock(ctx context.Context) (uint64, error) { return 0, nil }
func (emptySource) FilterEvents(ctx context.Context, from, to uint64) ([]*federation.Event, error) {
	return nil, nil
}

func newAgentUrl(t *testing.T) string {
	l := zaptest.NewLogger(t)
	reg := prometheus.NewRegistry()
	a := &scriptedAgent{services: map[string]*storage.LifecycleRecord{}, reads: map[string]int{}}
	ctx, cancel := context.WithCancel(context.Background())
	s := agentServer.NewServer(ctx, a, eventNotifier.NewEventNotifier(nil, emptySource{}, l), &agentConfig.ServerConfig{}, metrics.NewAgentMetrics(reg), reg, l)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		cancel()
	})
	return ts.URL
}

func run(t *testing.T, url string, args ...string) (string, error) {
	var out bytes.Buffer
	err := App(&out).RunContext(context.Background(), append([]string{"fedctl", "--agent-url", url}, args...))
	return out.String(), err
}

func Test_OperatorCommands(t *testing.T) {
	url := newAgentUrl(t)

	out, err := run(t, url, "-o", "json", "operator", "show")
	require.NoError(t, err)
	var status agent.OperatorStatus
	require.NoError(t, json.Unmarshal([]byte(out), &status))
	assert.True(t, status.Registered)
	assert.Equal(t, "domain-a", status.Name)

	out, err = run(t, url, "operator", "register", "domain-a")
	require.NoError(t, err)
	assert.Contains(t, out, common.HexToHash("0x1").String())

	_, err = run(t, url, "operator", "remove")
	assert.ErrorIs(t, err, federation.ErrNotRegistered)
}

func Test_ConsumeAndServices(t *testing.T) {
	url := newAgentUrl(t)

	out, err := run(t, url, "consume", "--image", "nginx:latest", "--service-id", "svc-1")
	require.NoError(t, err)
	assert.Contains(t, out, "svc-1")

	out, err = run(t, url, "services", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "svc-1")
	assert.Contains(t, out, "consumer")

	out, err = run(t, url, "-o", "json", "services", "show", "svc-1")
	require.NoError(t, err)
	var rec storage.LifecycleRecord
	require.NoError(t, json.Unmarshal([]byte(out), &rec))
	assert.Equal(t, "service=nginx:latest;replicas=1", rec.Requirements)

	_, err = run(t, url, "services", "show", "ghost")
	assert.ErrorIs(t, err, agent.ErrServiceNotTracked)

	_, err = run(t, url, "services", "terminate", "svc-1")
	require.NoError(t, err)

	_, err = run(t, url, "consume", "--image", "bad;image")
	assert.Error(t, err)
}

func Test_ConsumeWait(t *testing.T) {
	url := newAgentUrl(t)

	out, err := run(t, url, "-o", "json", "consume", "--image", "nginx:latest", "--service-id", "svc-2", "--wait", "--wait-timeout", "10s")
	require.NoError(t, err)
	var rec storage.LifecycleRecord
	require.NoError(t, json.Unmarshal([]byte(out), &rec))
	assert.Equal(t, storage.LifecycleState_Done, rec.State)
	assert.Equal(t, "10.0.2.5", rec.Info)
}

func Test_ProvideAndSubscriptions(t *testing.T) {
	url := newAgentUrl(t)

	out, err := run(t, url, "-o", "json", "provide", "start")
	require.NoError(t, err)
	assert.JSONEq(t, `{"providing":true}`, out)

	out, err = run(t, url, "-o", "json", "subscriptions", "add", "--event", "ServiceDeployed", "--callback-url", "http://localhost:9999/hook")
	require.NoError(t, err)
	var added []*eventNotifier.Subscription
	require.NoError(t, json.Unmarshal([]byte(out), &added))
	require.Len(t, added, 1)

	out, err = run(t, url, "subscriptions", "list")
	require.NoError(t, err)
	assert.Contains(t, out, added[0].Id)
	assert.Contains(t, out, "ServiceDeployed")

	_, err = run(t, url, "subscriptions", "remove", added[0].Id)
	require.NoError(t, err)
	_, err = run(t, url, "subscriptions", "remove", added[0].Id)
	assert.ErrorIs(t, err, eventNotifier.ErrSubscriptionNotFound)

	_, err = run(t, url, "-o", "yaml", "subscriptions", "list")
	assert.Error(t, err)
}

type stuckService struct{}

func (stuckService) GetService(ctx context.Context, serviceId string) (*storage.LifecycleRecord, error) {
	return &storage.LifecycleRecord{ServiceId: serviceId, State: storage.LifecycleState_Bidding}, nil
}

func Test_WaitForTerminalTimesOut(t *testing.T) {
	_, err := waitForTerminal(context.Background(), stuckService{}, "svc-1", 50*time.Millisecond, 10*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
