package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the call service
type Metrics struct {
	registry *prometheus.Registry

	// HTTP Request Metrics
	httpRequestsTotal    *prometheus.CounterVec
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestsInFlight prometheus.Gauge

	// Redis Metrics
	redisHealthy     prometheus.Gauge
	redisErrorsTotal *prometheus.CounterVec

	// WebSocket Metrics
	websocketConnections   prometheus.Gauge
	websocketMessagesTotal *prometheus.CounterVec

	// Call Metrics
	callsTotal       *prometheus.CounterVec
	callsActive      prometheus.Gauge
	callsDuration    *prometheus.HistogramVec
	callsFailedTotal *prometheus.CounterVec
	callTimeouts     *prometheus.CounterVec

	// Signaling Metrics
	signalingMessagesTotal *prometheus.CounterVec
	auditRecordsTotal      *prometheus.CounterVec
	reconcileTotal         *prometheus.CounterVec

	// Dependency Metrics
	circuitBreakerState *prometheus.GaugeVec
	cacheLookupsTotal   *prometheus.CounterVec
}

// NewMetrics creates all metrics on a private registry
func NewMetrics(serviceName string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)
	labels := prometheus.Labels{"service": serviceName}

	return &Metrics{
		registry: reg,

		// HTTP Request Metrics
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "http_requests_total",
				Help:        "Total number of HTTP requests",
				ConstLabels: labels,
			},
			[]string{"method", "endpoint", "status"},
		),
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "http_request_duration_seconds",
				Help:        "HTTP request latency in seconds",
				ConstLabels: labels,
				Buckets:     prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),
		httpRequestsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name:        "http_requests_in_flight",
				Help:        "Number of HTTP requests currently being processed",
				ConstLabels: labels,
			},
		),

		// Redis Metrics
		redisHealthy: factory.NewGauge(
			prometheus.GaugeOpts{
				Name:        "redis_healthy",
				Help:        "1 if the last Redis health check succeeded",
				ConstLabels: labels,
			},
		),
		redisErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "redis_errors_total",
				Help:        "Total number of Redis errors",
				ConstLabels: labels,
			},
			[]string{"command"},
		),

		// WebSocket Metrics
		websocketConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name:        "websocket_connections",
				Help:        "Number of active WebSocket connections",
				ConstLabels: labels,
			},
		),
		websocketMessagesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "websocket_messages_total",
				Help:        "Total number of WebSocket messages",
				ConstLabels: labels,
			},
			[]string{"event", "direction"},
		),

		// Call Metrics
		callsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "calls_total",
				Help:        "Total number of calls by final status",
				ConstLabels: labels,
			},
			[]string{"type", "status"},
		),
		callsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name:        "calls_active",
				Help:        "Number of live call sessions",
				ConstLabels: labels,
			},
		),
		callsDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "call_duration_seconds",
				Help:        "Call duration in seconds",
				ConstLabels: labels,
				Buckets:     []float64{10, 30, 60, 300, 600, 1800, 3600},
			},
			[]string{"type"},
		),
		callsFailedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "calls_failed_total",
				Help:        "Total number of failed calls",
				ConstLabels: labels,
			},
			[]string{"type", "reason"},
		),
		callTimeouts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "call_timeouts_total",
				Help:        "Total number of fired call timers",
				ConstLabels: labels,
			},
			[]string{"kind"},
		),

		// Signaling Metrics
		signalingMessagesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "signaling_messages_total",
				Help:        "Total number of relayed signaling messages",
				ConstLabels: labels,
			},
			[]string{"kind", "route"},
		),
		auditRecordsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "audit_records_total",
				Help:        "Audit records by outcome (queued, dropped, written, failed)",
				ConstLabels: labels,
			},
			[]string{"kind", "outcome"},
		),
		reconcileTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "disconnect_reconciliations_total",
				Help:        "Calls touched by disconnect reconciliation",
				ConstLabels: labels,
			},
			[]string{"result"},
		),

		// Dependency Metrics
		circuitBreakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name:        "circuit_breaker_state",
				Help:        "Circuit breaker state (0=closed, 1=half_open, 2=open)",
				ConstLabels: labels,
			},
			[]string{"name"},
		),
		cacheLookupsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "cache_lookups_total",
				Help:        "In-process cache lookups by result (hit, miss)",
				ConstLabels: labels,
			},
			[]string{"cache", "result"},
		),
	}
}

// GetRegistry returns the registry all metrics are registered on
func (m *Metrics) GetRegistry() *prometheus.Registry {
	return m.registry
}

// HTTP Metrics

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint string, statusCode int, duration time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(statusCode)).Inc()
	m.httpRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// IncrementHTTPRequestsInFlight increments the in-flight requests gauge
func (m *Metrics) IncrementHTTPRequestsInFlight() {
	m.httpRequestsInFlight.Inc()
}

// DecrementHTTPRequestsInFlight decrements the in-flight requests gauge
func (m *Metrics) DecrementHTTPRequestsInFlight() {
	m.httpRequestsInFlight.Dec()
}

// Redis Metrics

// SetRedisHealthy records the outcome of the last health check
func (m *Metrics) SetRedisHealthy(healthy bool) {
	if healthy {
		m.redisHealthy.Set(1)
		return
	}
	m.redisHealthy.Set(0)
}

// RecordRedisError counts a failed Redis command
func (m *Metrics) RecordRedisError(command string) {
	m.redisErrorsTotal.WithLabelValues(command).Inc()
}

// WebSocket Metrics

// IncWebSocketConnections tracks a newly registered connection
func (m *Metrics) IncWebSocketConnections() {
	m.websocketConnections.Inc()
}

// DecWebSocketConnections tracks a closed connection
func (m *Metrics) DecWebSocketConnections() {
	m.websocketConnections.Dec()
}

// RecordWebSocketMessage records a push channel message
func (m *Metrics) RecordWebSocketMessage(event, direction string) {
	m.websocketMessagesTotal.WithLabelValues(event, direction).Inc()
}

// Call Metrics

// RecordCall records a finalized call
func (m *Metrics) RecordCall(callType, status string) {
	m.callsTotal.WithLabelValues(callType, status).Inc()
}

// SetActiveCalls sets the number of live sessions
func (m *Metrics) SetActiveCalls(count int) {
	m.callsActive.Set(float64(count))
}

// RecordCallDuration records call duration
func (m *Metrics) RecordCallDuration(callType string, duration time.Duration) {
	m.callsDuration.WithLabelValues(callType).Observe(duration.Seconds())
}

// RecordCallFailure records a call failure
func (m *Metrics) RecordCallFailure(callType, reason string) {
	m.callsFailedTotal.WithLabelValues(callType, reason).Inc()
}

// RecordCallTimeout records a fired timer
func (m *Metrics) RecordCallTimeout(kind string) {
	m.callTimeouts.WithLabelValues(kind).Inc()
}

// Signaling Metrics

// RecordSignalingMessage records a relayed message; route is "direct" or "room"
func (m *Metrics) RecordSignalingMessage(kind, route string) {
	m.signalingMessagesTotal.WithLabelValues(kind, route).Inc()
}

// RecordAuditRecord records what happened to one audit record
func (m *Metrics) RecordAuditRecord(kind, outcome string) {
	m.auditRecordsTotal.WithLabelValues(kind, outcome).Inc()
}

// RecordReconciliation records one call touched by the disconnect reconciler
func (m *Metrics) RecordReconciliation(result string) {
	m.reconcileTotal.WithLabelValues(result).Inc()
}

// Dependency Metrics

// SetCircuitState records the state of a named circuit breaker
func (m *Metrics) SetCircuitState(name string, state float64) {
	m.circuitBreakerState.WithLabelValues(name).Set(state)
}

// RecordCacheLookup records a cache hit or miss
func (m *Metrics) RecordCacheLookup(cache string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookupsTotal.WithLabelValues(cache, result).Inc()
}
