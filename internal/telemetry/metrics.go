package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsSubmitted   = prometheus.NewCounter(prometheus.CounterOpts{Name: "guideline_jobs_submitted_total", Help: "Jobs accepted by POST /jobs"})
	SubmitRejected  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "guideline_submit_rejected_total", Help: "Submissions rejected before a job was created"}, []string{"reason"})
	JobsCompleted   = prometheus.NewCounter(prometheus.CounterOpts{Name: "guideline_jobs_completed_total", Help: "Jobs whose pipeline completed"})
	JobsFailed      = prometheus.NewCounter(prometheus.CounterOpts{Name: "guideline_jobs_failed_total", Help: "Deliveries that failed without a further retry"})
	JobsRetried     = prometheus.NewCounter(prometheus.CounterOpts{Name: "guideline_jobs_retried_total", Help: "Deliveries scheduled for another attempt"})
	OrphansRequeued = prometheus.NewCounter(prometheus.CounterOpts{Name: "guideline_orphans_requeued_total", Help: "Stale pending jobs re-enqueued by the reconciler"})
	QueueDepthGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "guideline_queue_jobs", Help: "Queue entries per segment"}, []string{"segment"})
	InFlightGauge   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "guideline_jobs_inflight", Help: "Handlers currently running in this worker"})
)

// CompletionLatency tracks completion service calls by operation and outcome.
var CompletionLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "guideline_completion_request_duration_seconds",
	Help:    "Latency of completion service calls",
	Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 40, 60},
}, []string{"operation", "outcome"})

// Register adds every collector to the default registry once.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			JobsSubmitted,
			SubmitRejected,
			JobsCompleted,
			JobsFailed,
			JobsRetried,
			OrphansRequeued,
			QueueDepthGauge,
			InFlightGauge,
			CompletionLatency,
		)
	})
}

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	Register()
	return promhttp.Handler()
}
