package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the runtime-wide metrics container.
type Metrics struct {
	// Ingress / HTTP metrics
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge
	AdmissionRejected    *prometheus.CounterVec

	// Route Manager / module RPC gRPC servers
	GRPCRequestsTotal    *prometheus.CounterVec
	GRPCRequestDuration  *prometheus.HistogramVec
	GRPCRequestsInFlight prometheus.Gauge

	// Route Manager decisions
	RouteDecisionsTotal  *prometheus.CounterVec
	RouteDecisionLatency *prometheus.HistogramVec
	RouteVersionSplit    *prometheus.CounterVec

	// Queue Fabric
	QueueDepth            *prometheus.GaugeVec
	QueueBackpressureActive *prometheus.GaugeVec
	QueueEnqueuedTotal    *prometheus.CounterVec
	QueueDedupHitsTotal   *prometheus.CounterVec

	// LCC / hooks
	HookTimeoutsTotal   *prometheus.CounterVec
	HandlerTimeoutsTotal *prometheus.CounterVec
	PhaseDuration       *prometheus.HistogramVec

	// Module RPC Client
	RPCPoolTotal    *prometheus.GaugeVec
	RPCPoolInUse    *prometheus.GaugeVec
	RPCRequestsTotal *prometheus.CounterVec
	RPCRetriesTotal  *prometheus.CounterVec
	RPCDuration      *prometheus.HistogramVec

	// System
	MemoryUsage *prometheus.GaugeVec
	Goroutines  prometheus.Gauge
	ServiceInfo *prometheus.GaugeVec

	// User code, via the Global Context facade
	UserCounters   *prometheus.CounterVec
	UserGauges     *prometheus.GaugeVec
	UserHistograms *prometheus.HistogramVec
}

var defaultMetrics *Metrics

// InitMetrics registers and returns the process-wide metrics container.
func InitMetrics(namespace, subsystem string) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "http_requests_total",
				Help:      "Total number of ingress HTTP requests",
			},
			[]string{"method", "status"},
		),

		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "http_request_duration_seconds",
				Help:      "End-to-end latency of ingress HTTP requests",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"route"},
		),

		HTTPRequestsInFlight: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "http_requests_in_flight",
				Help:      "Current number of ingress requests awaiting a response",
			},
		),

		AdmissionRejected: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "admission_rejected_total",
				Help:      "Total number of requests rejected at admission",
			},
			[]string{"reason"},
		),

		GRPCRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "grpc_requests_total",
				Help:      "Total number of gRPC requests served",
			},
			[]string{"method", "status"},
		),

		GRPCRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "grpc_request_duration_seconds",
				Help:      "Duration of gRPC requests",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"method"},
		),

		GRPCRequestsInFlight: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "grpc_requests_in_flight",
				Help:      "Current number of in-flight gRPC requests",
			},
		),

		RouteDecisionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "route_decisions_total",
				Help:      "Total number of Route Manager decisions",
			},
			[]string{"outcome"},
		),

		RouteDecisionLatency: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "route_decision_duration_seconds",
				Help:      "Duration of Route Manager resolution",
				Buckets:   []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5},
			},
			[]string{"outcome"},
		),

		RouteVersionSplit: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "route_version_split_total",
				Help:      "Total number of requests routed to each handler version",
			},
			[]string{"handler", "version"},
		),

		QueueDepth: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "queue_depth",
				Help:      "Current depth of a queue fabric topic",
			},
			[]string{"topic"},
		),

		QueueBackpressureActive: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "queue_backpressure_active",
				Help:      "1 if a topic is currently under backpressure, else 0",
			},
			[]string{"topic"},
		),

		QueueEnqueuedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "queue_enqueued_total",
				Help:      "Total number of messages published to the queue fabric",
			},
			[]string{"topic", "priority"},
		),

		QueueDedupHitsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "queue_dedup_hits_total",
				Help:      "Total number of messages suppressed by the exactly-once dedup ring",
			},
			[]string{"topic"},
		),

		HookTimeoutsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "hook_timeouts_total",
				Help:      "Total number of hook invocations that exceeded their deadline",
			},
			[]string{"phase"},
		),

		HandlerTimeoutsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "handler_timeouts_total",
				Help:      "Total number of handler invocations that exceeded their deadline",
			},
			[]string{"handler"},
		),

		PhaseDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "phase_duration_seconds",
				Help:      "Duration of each LCC phase",
				Buckets:   []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"phase"},
		),

		RPCPoolTotal: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "rpc_pool_total",
				Help:      "Current number of connections held by a module RPC pool",
			},
			[]string{"module"},
		),

		RPCPoolInUse: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "rpc_pool_in_use",
				Help:      "Current number of in-use connections in a module RPC pool",
			},
			[]string{"module"},
		),

		RPCRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "rpc_requests_total",
				Help:      "Total number of module RPC calls",
			},
			[]string{"module", "status"},
		),

		RPCRetriesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "rpc_retries_total",
				Help:      "Total number of module RPC retry attempts",
			},
			[]string{"module"},
		),

		RPCDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "rpc_duration_seconds",
				Help:      "Duration of module RPC calls",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"module"},
		),

		MemoryUsage: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "memory_usage_bytes",
				Help:      "Current memory usage",
			},
			[]string{"type"},
		),

		Goroutines: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "goroutines",
				Help:      "Current number of goroutines",
			},
		),

		ServiceInfo: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "service_info",
				Help:      "Service information",
			},
			[]string{"version", "environment"},
		),

		UserCounters: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "user_events_total",
				Help:      "Counters incremented by handler code through the Global Context",
			},
			[]string{"name"},
		),

		UserGauges: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "user_gauge",
				Help:      "Gauges set by handler code through the Global Context",
			},
			[]string{"name"},
		),

		UserHistograms: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "user_observations",
				Help:      "Histograms recorded by handler code through the Global Context",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"name"},
		),
	}

	defaultMetrics = m
	return m
}

// Get returns the process-wide metrics container, initializing it with
// defaults on first use.
func Get() *Metrics {
	if defaultMetrics == nil {
		return InitMetrics("gati", "")
	}
	return defaultMetrics
}

// RecordHTTPRequest records an ingress HTTP request's outcome and latency.
func (m *Metrics) RecordHTTPRequest(route, status string, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(route, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(route).Observe(duration.Seconds())
}

// RecordAdmissionRejected records a request rejected before queueing.
func (m *Metrics) RecordAdmissionRejected(reason string) {
	m.AdmissionRejected.WithLabelValues(reason).Inc()
}

// RecordGRPCRequest records one served gRPC request.
func (m *Metrics) RecordGRPCRequest(method, status string, duration time.Duration) {
	m.GRPCRequestsTotal.WithLabelValues(method, status).Inc()
	m.GRPCRequestDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordUserCounter increments a handler-code counter by name.
func (m *Metrics) RecordUserCounter(name string, _ map[string]string) {
	m.UserCounters.WithLabelValues(name).Inc()
}

// SetUserGauge sets a handler-code gauge by name.
func (m *Metrics) SetUserGauge(name string, value float64, _ map[string]string) {
	m.UserGauges.WithLabelValues(name).Set(value)
}

// ObserveUserHistogram records a handler-code observation by name.
func (m *Metrics) ObserveUserHistogram(name string, value float64, _ map[string]string) {
	m.UserHistograms.WithLabelValues(name).Observe(value)
}

// RecordRouteDecision records a Route Manager resolution outcome and latency.
func (m *Metrics) RecordRouteDecision(outcome string, duration time.Duration) {
	m.RouteDecisionsTotal.WithLabelValues(outcome).Inc()
	m.RouteDecisionLatency.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordVersionSplit records which handler version served a request.
func (m *Metrics) RecordVersionSplit(handler, version string) {
	m.RouteVersionSplit.WithLabelValues(handler, version).Inc()
}

// SetQueueDepth records a topic's current queue depth and whether
// backpressure is currently active for it.
func (m *Metrics) SetQueueDepth(topic string, depth int, backpressure bool) {
	m.QueueDepth.WithLabelValues(topic).Set(float64(depth))
	active := 0.0
	if backpressure {
		active = 1.0
	}
	m.QueueBackpressureActive.WithLabelValues(topic).Set(active)
}

// RecordEnqueued records a successful publish to the queue fabric.
func (m *Metrics) RecordEnqueued(topic, priority string) {
	m.QueueEnqueuedTotal.WithLabelValues(topic, priority).Inc()
}

// RecordDedupHit records a message suppressed by the exactly-once dedup ring.
func (m *Metrics) RecordDedupHit(topic string) {
	m.QueueDedupHitsTotal.WithLabelValues(topic).Inc()
}

// RecordHookTimeout records a hook invocation that exceeded its deadline.
func (m *Metrics) RecordHookTimeout(phase string) {
	m.HookTimeoutsTotal.WithLabelValues(phase).Inc()
}

// RecordHandlerTimeout records a handler invocation that exceeded its deadline.
func (m *Metrics) RecordHandlerTimeout(handler string) {
	m.HandlerTimeoutsTotal.WithLabelValues(handler).Inc()
}

// RecordPhaseDuration records the wall-clock duration of one LCC phase.
func (m *Metrics) RecordPhaseDuration(phase string, duration time.Duration) {
	m.PhaseDuration.WithLabelValues(phase).Observe(duration.Seconds())
}

// SetRPCPoolStats records a module RPC pool's current size and occupancy.
func (m *Metrics) SetRPCPoolStats(module string, total, inUse int) {
	m.RPCPoolTotal.WithLabelValues(module).Set(float64(total))
	m.RPCPoolInUse.WithLabelValues(module).Set(float64(inUse))
}

// RecordRPCCall records a module RPC call's outcome, retry count, and duration.
func (m *Metrics) RecordRPCCall(module, status string, retries int, duration time.Duration) {
	m.RPCRequestsTotal.WithLabelValues(module, status).Inc()
	if retries > 0 {
		m.RPCRetriesTotal.WithLabelValues(module).Add(float64(retries))
	}
	m.RPCDuration.WithLabelValues(module).Observe(duration.Seconds())
}

// SetServiceInfo sets the static service-version gauge.
func (m *Metrics) SetServiceInfo(version, environment string) {
	m.ServiceInfo.WithLabelValues(version, environment).Set(1)
}

// Handler returns the HTTP handler serving /metrics in Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// StartMetricsServer starts a dedicated HTTP server exposing /metrics and /health.
func StartMetricsServer(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK")) //nolint:errcheck // health endpoint, write failure is not actionable
	})

	server := &http.Server{
		Addr:         ":" + strconv.Itoa(port),
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return server.ListenAndServe()
}
