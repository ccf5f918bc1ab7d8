// Package metrics exposes the process's Prometheus vectors, grounded on
// the teacher's CatalystAPIMetrics struct-of-vecs pattern built with promauto.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type orchestratorMetrics struct {
	JobsInFlight         prometheus.Gauge
	HTTPRequestsInFlight prometheus.Gauge

	JobsTotal    *prometheus.CounterVec
	JobDuration  *prometheus.HistogramVec
	JobProgress  *prometheus.GaugeVec

	CircuitBreakerState   *prometheus.GaugeVec
	CircuitBreakerTrips   *prometheus.CounterVec
	BulkheadRejections    *prometheus.CounterVec
	BulkheadActive        *prometheus.GaugeVec
	RetryAttempts         *prometheus.CounterVec

	ResourceAllocations   *prometheus.CounterVec
	ResourceUtilization   *prometheus.GaugeVec
	NodeFailures          *prometheus.CounterVec

	EventsPublished *prometheus.CounterVec
	EventsDeadLettered prometheus.Counter

	HealthCheckDuration *prometheus.HistogramVec
	EndpointStatus      *prometheus.GaugeVec

	StepDuration *prometheus.HistogramVec
	StepRetries  *prometheus.CounterVec
	StepErrors   *prometheus.CounterVec
}

var Metrics = newMetrics()

func newMetrics() *orchestratorMetrics {
	return &orchestratorMetrics{
		JobsInFlight: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "video_jobs_in_flight",
			Help: "Count of jobs currently pending or processing.",
		}),
		HTTPRequestsInFlight: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "video_http_requests_in_flight",
			Help: "Count of HTTP requests currently being served.",
		}),
		JobsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "video_jobs_total",
			Help: "Completed jobs by terminal status and strategy.",
		}, []string{"status", "strategy", "complexity"}),
		JobDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name: "video_job_duration_seconds",
			Help: "Observed wall-clock duration of completed jobs.",
		}, []string{"status", "strategy"}),
		JobProgress: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "video_job_progress_percent",
			Help: "Latest reported progress percent per job id.",
		}, []string{"job_id"}),

		CircuitBreakerState: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "video_circuit_breaker_state",
			Help: "0=closed 1=half_open 2=open, per breaker name.",
		}, []string{"name"}),
		CircuitBreakerTrips: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "video_circuit_breaker_trips_total",
			Help: "Count of closed->open transitions per breaker name.",
		}, []string{"name"}),
		BulkheadRejections: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "video_bulkhead_rejections_total",
			Help: "Count of BulkheadFull rejections per bulkhead name.",
		}, []string{"name"}),
		BulkheadActive: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "video_bulkhead_active_calls",
			Help: "Current in-flight calls per bulkhead name.",
		}, []string{"name"}),
		RetryAttempts: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "video_retry_attempts_total",
			Help: "Retry attempts per named operation.",
		}, []string{"name"}),

		ResourceAllocations: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "video_resource_allocations_total",
			Help: "Allocation outcomes by result.",
		}, []string{"result"}),
		ResourceUtilization: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "video_resource_node_utilization_percent",
			Help: "Per-node, per-dimension utilization percent.",
		}, []string{"node_id", "dimension"}),
		NodeFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "video_resource_node_failures_total",
			Help: "Nodes marked failed by the heartbeat reaper.",
		}, []string{"node_id"}),

		EventsPublished: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "video_events_published_total",
			Help: "Events published on the bus by type.",
		}, []string{"type"}),
		EventsDeadLettered: promauto.NewCounter(prometheus.CounterOpts{
			Name: "video_events_dead_lettered_total",
			Help: "Events moved to the dead-letter queue after exhausting handler retries.",
		}),

		HealthCheckDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name: "video_health_check_duration_seconds",
			Help: "Duration of individual health checks.",
		}, []string{"name", "kind"}),
		EndpointStatus: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "video_endpoint_healthy",
			Help: "1 if the load-balanced endpoint is healthy, else 0.",
		}, []string{"endpoint_id"}),

		StepDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name: "video_workflow_step_duration_seconds",
			Help: "Duration of individual workflow step executions.",
		}, []string{"step_type", "template"}),
		StepRetries: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "video_workflow_step_retries_total",
			Help: "Retry attempts per workflow step type.",
		}, []string{"step_type", "template"}),
		StepErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "video_workflow_step_errors_total",
			Help: "Non-retried step failures per step type.",
		}, []string{"step_type", "template"}),
	}
}
