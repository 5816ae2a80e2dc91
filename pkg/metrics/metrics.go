// Package metrics holds the prometheus collectors exported by the agent and the host manager.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const Namespace = "federation"

// AgentMetrics tracks service lifecycles and ledger traffic of one domain agent
type AgentMetrics struct {
	lifecyclesStarted   *prometheus.CounterVec
	lifecyclesFinished  *prometheus.CounterVec
	activeLifecycles    *prometheus.GaugeVec
	transactionsTotal   *prometheus.CounterVec
	transactionDuration *prometheus.HistogramVec
	bidsReceived        prometheus.Histogram
	eventsProcessed     *prometheus.CounterVec
	lastProcessedBlock  prometheus.Gauge
	httpRequests        *prometheus.CounterVec
}

// NewAgentMetrics registers the agent collectors with reg. A nil reg uses a private registry.
func NewAgentMetrics(reg prometheus.Registerer) *AgentMetrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	return &AgentMetrics{
		lifecyclesStarted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "agent",
			Name:      "lifecycles_started_total",
			Help:      "Service lifecycles started, by role",
		}, []string{"role"}),
		lifecyclesFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "agent",
			Name:      "lifecycles_finished_total",
			Help:      "Service lifecycles that reached a terminal state, by role and state",
		}, []string{"role", "state"}),
		activeLifecycles: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "agent",
			Name:      "active_lifecycles",
			Help:      "Service lifecycles currently in progress, by role",
		}, []string{"role"}),
		transactionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "ledger",
			Name:      "transactions_total",
			Help:      "Ledger transactions submitted, by method and outcome",
		}, []string{"method", "outcome"}),
		transactionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "ledger",
			Name:      "transaction_duration_seconds",
			Help:      "Time from submission until a transaction is final",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"method"}),
		bidsReceived: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "agent",
			Name:      "bids_received",
			Help:      "Bids collected per announced service when bidding closed",
			Buckets:   prometheus.LinearBuckets(0, 1, 10),
		}),
		eventsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "agent",
			Name:      "events_processed_total",
			Help:      "Registry events handled, by type",
		}, []string{"type"}),
		lastProcessedBlock: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "agent",
			Name:      "last_processed_block",
			Help:      "Highest ledger block whose events were handled",
		}),
		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "agent",
			Name:      "http_requests_total",
			Help:      "HTTP requests served, by route and status",
		}, []string{"route", "status"}),
	}
}

func (m *AgentMetrics) LifecycleStarted(role string) {
	m.lifecyclesStarted.WithLabelValues(role).Inc()
	m.activeLifecycles.WithLabelValues(role).Inc()
}

func (m *AgentMetrics) LifecycleFinished(role, state string) {
	m.lifecyclesFinished.WithLabelValues(role, state).Inc()
	m.activeLifecycles.WithLabelValues(role).Dec()
}

func (m *AgentMetrics) TransactionFinished(method string, err error, elapsed time.Duration) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	m.transactionsTotal.WithLabelValues(method, outcome).Inc()
	m.transactionDuration.WithLabelValues(method).Observe(elapsed.Seconds())
}

func (m *AgentMetrics) BidsCollected(count uint64) {
	m.bidsReceived.Observe(float64(count))
}

func (m *AgentMetrics) EventProcessed(eventType string, blockNumber uint64) {
	m.eventsProcessed.WithLabelValues(eventType).Inc()
	m.lastProcessedBlock.Set(float64(blockNumber))
}

func (m *AgentMetrics) HTTPRequest(route string, status int) {
	m.httpRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
}

// HostMetrics tracks overlay and workload operations of a host manager
type HostMetrics struct {
	operationsTotal   *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	activeTunnels     prometheus.Gauge
	httpRequests      *prometheus.CounterVec
}

func NewHostMetrics(reg prometheus.Registerer) *HostMetrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	return &HostMetrics{
		operationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "host",
			Name:      "operations_total",
			Help:      "Overlay and workload operations, by operation and error code",
		}, []string{"operation", "code"}),
		operationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "host",
			Name:      "operation_duration_seconds",
			Help:      "Duration of overlay and workload operations",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		activeTunnels: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "host",
			Name:      "active_tunnels",
			Help:      "Tunnels currently configured on the host",
		}),
		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "host",
			Name:      "http_requests_total",
			Help:      "HTTP requests served, by route and status",
		}, []string{"route", "status"}),
	}
}

// ObserveOperation records one operation; code is the error taxonomy label or "" on success
func (m *HostMetrics) ObserveOperation(operation, code string, elapsed time.Duration) {
	if code == "" {
		code = "ok"
	}
	m.operationsTotal.WithLabelValues(operation, code).Inc()
	m.operationDuration.WithLabelValues(operation).Observe(elapsed.Seconds())
}

func (m *HostMetrics) SetActiveTunnels(n int) {
	m.activeTunnels.Set(float64(n))
}

func (m *HostMetrics) HTTPRequest(route string, status int) {
	m.httpRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
}
