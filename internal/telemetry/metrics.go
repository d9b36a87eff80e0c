package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	SubmitCounter    = prometheus.NewCounter(prometheus.CounterOpts{Name: "workflow_applications_submitted_total", Help: "Applications accepted by the submit endpoint"})
	EnqueueCounter   = prometheus.NewCounter(prometheus.CounterOpts{Name: "workflow_executions_enqueued_total", Help: "Job executions enqueued"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "workflow_rate_limit_rejects_total", Help: "Submit requests rejected by the rate limiter"})
	JobSuccess       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "workflow_executions_succeeded_total", Help: "Executions completed successfully"}, []string{"type"})
	JobRetries       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "workflow_executions_retried_total", Help: "Executions that failed and were rescheduled"}, []string{"type"})
	TerminalFailures = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "workflow_terminal_failures_total", Help: "Executions that exhausted their attempts"}, []string{"type"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "workflow_queue_depth", Help: "Ready depth across all queues"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "workflow_inflight", Help: "Executions currently leased"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			SubmitCounter,
			EnqueueCounter,
			RateLimitRejects,
			JobSuccess,
			JobRetries,
			TerminalFailures,
			QueueDepthGauge,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}
