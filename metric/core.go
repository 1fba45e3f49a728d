package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "mbp"

// Metrics contains the process-wide discovery, rule and broker metrics.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Scatter-gather
	RequestsTotal   *prometheus.CounterVec
	RepliesTotal    *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	InFlight        prometheus.Gauge

	// Candidate processing and engine tasks
	CandidatesScored *prometheus.CounterVec
	TaskDuration     *prometheus.HistogramVec

	// Rules
	RuleExecutions   *prometheus.CounterVec
	TriggersActive   prometheus.Gauge
	ActionExecutions *prometheus.CounterVec

	// Logs
	LogAppends *prometheus.CounterVec

	// Broker
	BrokerConnected  *prometheus.GaugeVec
	BrokerReconnects *prometheus.CounterVec
	CircuitState     *prometheus.GaugeVec
}

// NewMetrics creates an unregistered metric set
func NewMetrics() *Metrics {
	return &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scatter_gather",
			Name:      "requests_total",
			Help:      "Scatter-gather requests by completion reason",
		}, []string{"reason"}),

		RepliesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scatter_gather",
			Name:      "replies_total",
			Help:      "Inbound replies by outcome (accepted, late, malformed)",
		}, []string{"outcome"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scatter_gather",
			Name:      "duration_seconds",
			Help:      "Time from publish to completion of a scatter-gather request",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"reason"}),

		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scatter_gather",
			Name:      "in_flight",
			Help:      "Scatter-gather requests currently collecting replies",
		}),

		CandidatesScored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "candidates",
			Name:      "processed_total",
			Help:      "Device descriptions seen by the candidate pipeline by outcome",
		}, []string{"outcome"}),

		TaskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "task_duration_seconds",
			Help:      "Discovery engine task duration",
			Buckets:   prometheus.DefBuckets,
		}, []string{"task"}),

		RuleExecutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rules",
			Name:      "executions_total",
			Help:      "Rule executions by result",
		}, []string{"result"}),

		TriggersActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "rules",
			Name:      "triggers_registered",
			Help:      "Triggers currently registered with the CEP service",
		}),

		ActionExecutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rules",
			Name:      "action_executions_total",
			Help:      "Rule action executions by action type and result",
		}, []string{"type", "result"}),

		LogAppends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "discovery_log",
			Name:      "appends_total",
			Help:      "Discovery log entries appended by store and status",
		}, []string{"store", "status"}),

		BrokerConnected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "connected",
			Help:      "Broker connection status (0=disconnected, 1=connected)",
		}, []string{"broker"}),

		BrokerReconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "reconnects_total",
			Help:      "Broker reconnections",
		}, []string{"broker"}),

		CircuitState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "circuit_breaker",
			Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.RequestsTotal, m.RepliesTotal, m.RequestDuration, m.InFlight,
		m.CandidatesScored, m.TaskDuration,
		m.RuleExecutions, m.TriggersActive, m.ActionExecutions,
		m.LogAppends,
		m.BrokerConnected, m.BrokerReconnects, m.CircuitState,
	}
}

// RecordRequest records a completed scatter-gather request
func (m *Metrics) RecordRequest(reason string, d time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(reason).Inc()
	m.RequestDuration.WithLabelValues(reason).Observe(d.Seconds())
}

// RecordReply counts an inbound reply by outcome
func (m *Metrics) RecordReply(outcome string) {
	if m == nil {
		return
	}
	m.RepliesTotal.WithLabelValues(outcome).Inc()
}

// SetInFlight sets the number of collecting requests
func (m *Metrics) SetInFlight(n int) {
	if m == nil {
		return
	}
	m.InFlight.Set(float64(n))
}

// RecordCandidates counts pipeline outcomes ("received", "invalid", "rejected", "ranked")
func (m *Metrics) RecordCandidates(outcome string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.CandidatesScored.WithLabelValues(outcome).Add(float64(n))
}

// RecordTask records a discovery engine task duration
func (m *Metrics) RecordTask(task string, d time.Duration) {
	if m == nil {
		return
	}
	m.TaskDuration.WithLabelValues(task).Observe(d.Seconds())
}

// RecordRuleExecution counts a rule execution result
func (m *Metrics) RecordRuleExecution(success bool) {
	if m == nil {
		return
	}
	m.RuleExecutions.WithLabelValues(resultLabel(success)).Inc()
}

// RecordActionExecution counts a single action executor result
func (m *Metrics) RecordActionExecution(actionType string, success bool) {
	if m == nil {
		return
	}
	m.ActionExecutions.WithLabelValues(actionType, resultLabel(success)).Inc()
}

// SetTriggersActive sets the registered trigger count
func (m *Metrics) SetTriggersActive(n int) {
	if m == nil {
		return
	}
	m.TriggersActive.Set(float64(n))
}

// RecordLogAppend counts a discovery log append
func (m *Metrics) RecordLogAppend(store string, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.LogAppends.WithLabelValues(store, status).Inc()
}

// RecordBrokerStatus updates the connection gauge of a broker
func (m *Metrics) RecordBrokerStatus(broker string, connected bool) {
	if m == nil {
		return
	}
	value := 0.0
	if connected {
		value = 1.0
	}
	m.BrokerConnected.WithLabelValues(broker).Set(value)
}

// RecordBrokerReconnect increments the reconnection counter of a broker
func (m *Metrics) RecordBrokerReconnect(broker string) {
	if m == nil {
		return
	}
	m.BrokerReconnects.WithLabelValues(broker).Inc()
}

// RecordCircuitBreakerState updates a circuit breaker gauge
func (m *Metrics) RecordCircuitBreakerState(name string, state int) {
	if m == nil {
		return
	}
	m.CircuitState.WithLabelValues(name).Set(float64(state))
}

func resultLabel(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
