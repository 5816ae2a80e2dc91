package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_AgentMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewAgentMetrics(reg)

	m.LifecycleStarted("consumer")
	m.LifecycleStarted("provider")
	m.LifecycleFinished("consumer", "Done")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.lifecyclesStarted.WithLabelValues("consumer")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.activeLifecycles.WithLabelValues("consumer")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.activeLifecycles.WithLabelValues("provider")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.lifecyclesFinished.WithLabelValues("consumer", "Done")))

	m.TransactionFinished("placeBid", nil, 200*time.Millisecond)
	m.TransactionFinished("placeBid", errors.New("reverted"), time.Second)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.transactionsTotal.WithLabelValues("placeBid", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.transactionsTotal.WithLabelValues("placeBid", "failure")))

	m.EventProcessed("NewBid", 42)
	assert.Equal(t, 42.0, testutil.ToFloat64(m.lastProcessedBlock))

	m.BidsCollected(3)
	count, err := testutil.GatherAndCount(reg, "federation_agent_bids_received")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func Test_HostMetrics(t *testing.T) {
	m := NewHostMetrics(prometheus.NewRegistry())

	m.ObserveOperation("configureTunnel", "", 10*time.Millisecond)
	m.ObserveOperation("configureTunnel", "TunnelAlreadyExists", time.Millisecond)
	m.SetActiveTunnels(2)
	m.HTTPRequest("/tunnels", 201)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.operationsTotal.WithLabelValues("configureTunnel", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.operationsTotal.WithLabelValues("configureTunnel", "TunnelAlreadyExists")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.activeTunnels))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.httpRequests.WithLabelValues("/tunnels", "201")))
}

func Test_SeparateRegistries(t *testing.T) {
	// two agents in one process must not collide on registration
	assert.NotPanics(t, func() {
		NewAgentMetrics(nil)
		NewAgentMetrics(nil)
	})
}
