package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	flowSessionsStarted  prometheus.Counter
	flowSessionsFinished *prometheus.CounterVec
	flowStepsPublished   *prometheus.CounterVec
	flowStepWaitDuration prometheus.Histogram

	approvalRequestsTotal  prometheus.Counter
	approvalResolvedTotal  *prometheus.CounterVec
	approvalPendingCount   prometheus.Gauge
	approvalWaitDuration   prometheus.Histogram
	approvalDedupeHitTotal prometheus.Counter

	rpcRequestTotal    *prometheus.CounterVec
	rpcRequestDuration *prometheus.HistogramVec
	gatewayConnections prometheus.Gauge
	gatewayAuthTotal   *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			flowSessionsStarted: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "flow_sessions_started_total",
					Help: "Total flow sessions started.",
				},
			),
			flowSessionsFinished: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "flow_sessions_finished_total",
					Help: "Total flow sessions finished by terminal status.",
				},
				[]string{"status"},
			),
			flowStepsPublished: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "flow_steps_published_total",
					Help: "Total flow steps published by step type.",
				},
				[]string{"type"},
			),
			flowStepWaitDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "flow_step_wait_duration_seconds",
					Help:    "Time a flow step waited for its answer in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			approvalRequestsTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "approval_requests_total",
					Help: "Total approval requests created.",
				},
			),
			approvalResolvedTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "approval_resolved_total",
					Help: "Total approval resolutions by decision.",
				},
				[]string{"decision"},
			),
			approvalPendingCount: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "approval_pending_count",
					Help: "Current pending approval count.",
				},
			),
			approvalWaitDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "approval_wait_duration_seconds",
					Help:    "Time a caller waited for an approval decision in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			approvalDedupeHitTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "approval_dedupe_hit_total",
					Help: "Total approval requests deduplicated by idempotency key.",
				},
			),
			rpcRequestTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "rpc_request_total",
					Help: "Total RPC requests by method and status.",
				},
				[]string{"method", "status"},
			),
			rpcRequestDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "rpc_request_duration_seconds",
					Help:    "RPC request duration in seconds by method.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"method"},
			),
			gatewayConnections: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "gateway_connections",
					Help: "Current gateway client connection count.",
				},
			),
			gatewayAuthTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "gateway_auth_total",
					Help: "Total gateway authentication attempts by outcome.",
				},
				[]string{"outcome"},
			),
		}

		prometheus.MustRegister(
			m.flowSessionsStarted,
			m.flowSessionsFinished,
			m.flowStepsPublished,
			m.flowStepWaitDuration,
			m.approvalRequestsTotal,
			m.approvalResolvedTotal,
			m.approvalPendingCount,
			m.approvalWaitDuration,
			m.approvalDedupeHitTotal,
			m.rpcRequestTotal,
			m.rpcRequestDuration,
			m.gatewayConnections,
			m.gatewayAuthTotal,
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

func RecordFlowSessionStarted() {
	getMetrics().flowSessionsStarted.Inc()
}

func RecordFlowSessionFinished(status string) {
	getMetrics().flowSessionsFinished.WithLabelValues(status).Inc()
}

func RecordFlowStep(stepType string, waitDuration time.Duration) {
	m := getMetrics()
	m.flowStepsPublished.WithLabelValues(stepType).Inc()
	m.flowStepWaitDuration.Observe(waitDuration.Seconds())
}

func RecordApprovalRequest(dedupeHit bool) {
	m := getMetrics()
	if dedupeHit {
		m.approvalDedupeHitTotal.Inc()
		return
	}
	m.approvalRequestsTotal.Inc()
}

func RecordApprovalResolution(decision string) {
	getMetrics().approvalResolvedTotal.WithLabelValues(decision).Inc()
}

func SetApprovalsPending(count int) {
	getMetrics().approvalPendingCount.Set(float64(count))
}

func RecordApprovalWait(duration time.Duration) {
	getMetrics().approvalWaitDuration.Observe(duration.Seconds())
}

func RecordRPCRequest(method string, duration time.Duration, success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.rpcRequestTotal.WithLabelValues(method, status).Inc()
	m.rpcRequestDuration.WithLabelValues(method).Observe(duration.Seconds())
}

func SetGatewayConnections(count int) {
	getMetrics().gatewayConnections.Set(float64(count))
}

func RecordGatewayAuth(success bool) {
	outcome := "failure"
	if success {
		outcome = "success"
	}
	getMetrics().gatewayAuthTotal.WithLabelValues(outcome).Inc()
}
