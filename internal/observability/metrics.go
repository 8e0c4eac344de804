package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	invocationTotal    *prometheus.CounterVec
	invocationDuration *prometheus.HistogramVec

	admissionDenialsTotal *prometheus.CounterVec
	breakerState          *prometheus.GaugeVec

	permissionChecksTotal *prometheus.CounterVec

	cacheEventsTotal *prometheus.CounterVec

	checkpointSaveDuration prometheus.Histogram
	checkpointBytesTotal   *prometheus.CounterVec

	approvalsPending prometheus.Gauge

	bridgeCallsTotal   *prometheus.CounterVec
	bridgeCallDuration prometheus.Histogram
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			invocationTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "invocation_total",
					Help: "Total tool invocations by tool and terminal status.",
				},
				[]string{"tool", "status"},
			),
			invocationDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "invocation_duration_seconds",
					Help:    "Tool invocation duration in seconds by tool.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"tool"},
			),
			admissionDenialsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "admission_denials_total",
					Help: "External-call admission denials by kind (rate_limited or circuit_open).",
				},
				[]string{"kind", "service"},
			),
			breakerState: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "breaker_state",
					Help: "Circuit breaker state by service (0 closed, 1 open, 2 half-open).",
				},
				[]string{"service"},
			),
			permissionChecksTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "permission_checks_total",
					Help: "Permission check outcomes.",
				},
				[]string{"outcome"},
			),
			cacheEventsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "cache_events_total",
					Help: "Cache lookups by cache name and outcome (hit, stale, miss).",
				},
				[]string{"cache", "outcome"},
			),
			checkpointSaveDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "checkpoint_save_duration_seconds",
					Help:    "Checkpoint save duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			checkpointBytesTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "checkpoint_bytes_total",
					Help: "Serialized checkpoint payload bytes written, by kind.",
				},
				[]string{"kind"},
			),
			approvalsPending: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "approvals_pending",
					Help: "Invocations currently suspended awaiting approval.",
				},
			),
			bridgeCallsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "bridge_calls_total",
					Help: "Bridge calls by method and serving tier (live, stale, direct, error).",
				},
				[]string{"method", "outcome"},
			),
			bridgeCallDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "bridge_call_duration_seconds",
					Help:    "Bridge call duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
		}

		prometheus.MustRegister(
			m.invocationTotal,
			m.invocationDuration,
			m.admissionDenialsTotal,
			m.breakerState,
			m.permissionChecksTotal,
			m.cacheEventsTotal,
			m.checkpointSaveDuration,
			m.checkpointBytesTotal,
			m.approvalsPending,
			m.bridgeCallsTotal,
			m.bridgeCallDuration,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func RecordInvocation(tool, status string, duration time.Duration) {
	m := getMetrics()
	m.invocationTotal.WithLabelValues(tool, status).Inc()
	m.invocationDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

func RecordAdmissionDenial(kind, service string) {
	getMetrics().admissionDenialsTotal.WithLabelValues(kind, service).Inc()
}

func SetBreakerState(service string, state int) {
	getMetrics().breakerState.WithLabelValues(service).Set(float64(state))
}

func RecordPermissionCheck(outcome string) {
	getMetrics().permissionChecksTotal.WithLabelValues(outcome).Inc()
}

func RecordCacheEvent(cache, outcome string) {
	getMetrics().cacheEventsTotal.WithLabelValues(cache, outcome).Inc()
}

func RecordCheckpointSave(kind string, payloadBytes int, duration time.Duration) {
	m := getMetrics()
	m.checkpointSaveDuration.Observe(duration.Seconds())
	m.checkpointBytesTotal.WithLabelValues(kind).Add(float64(payloadBytes))
}

func SetApprovalsPending(count int) {
	getMetrics().approvalsPending.Set(float64(count))
}

func RecordBridgeCall(method, outcome string, duration time.Duration) {
	m := getMetrics()
	m.bridgeCallsTotal.WithLabelValues(method, outcome).Inc()
	m.bridgeCallDuration.Observe(duration.Seconds())
}
