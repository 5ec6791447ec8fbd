package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce        sync.Once
	httpRequestsTotal   *prometheus.CounterVec
	httpLatencySeconds  *prometheus.HistogramVec
	httpErrorsTotal     *prometheus.CounterVec
	webhookEventsTotal  *prometheus.CounterVec
	jobsEnqueuedTotal   *prometheus.CounterVec
	reaperSweepsTotal   *prometheus.CounterVec
	reaperRepairedTotal *prometheus.CounterVec
	workerJobsTotal     *prometheus.CounterVec
)

// RegisterMetrics initialises the Prometheus collectors used by the autograde core.
func RegisterMetrics() {
	registerOnce.Do(func() {
		httpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autograde_http_requests_total",
			Help: "Total number of API requests served.",
		}, []string{"method", "route", "status"})

		httpLatencySeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "autograde_http_latency_seconds",
			Help:    "Latency distribution for API requests.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0},
		}, []string{"method", "route"})

		httpErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autograde_http_errors_total",
			Help: "Total number of error responses returned by the API.",
		}, []string{"method", "route", "status"})

		webhookEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autograde_webhook_events_total",
			Help: "Push events processed by the ingestion gateway, by outcome.",
		}, []string{"outcome"})

		jobsEnqueuedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autograde_jobs_enqueued_total",
			Help: "Jobs handed to the queue broker.",
		}, []string{"queue", "kind", "result"})

		reaperSweepsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autograde_reaper_sweeps_total",
			Help: "Reconciliation sweeps executed, by result.",
		}, []string{"sweep", "result"})

		reaperRepairedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autograde_reaper_repaired_total",
			Help: "Records repaired by the reconciliation sweeps.",
		}, []string{"sweep", "kind"})

		workerJobsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autograde_worker_jobs_total",
			Help: "Jobs processed by the core worker.",
		}, []string{"kind", "result"})

		prometheus.MustRegister(
			httpRequestsTotal,
			httpLatencySeconds,
			httpErrorsTotal,
			webhookEventsTotal,
			jobsEnqueuedTotal,
			reaperSweepsTotal,
			reaperRepairedTotal,
			workerJobsTotal,
		)
	})
}

// HTTPRequests exposes the counter for API requests.
func HTTPRequests() *prometheus.CounterVec {
	RegisterMetrics()
	return httpRequestsTotal
}

// HTTPLatency exposes the latency histogram for API requests.
func HTTPLatency() *prometheus.HistogramVec {
	RegisterMetrics()
	return httpLatencySeconds
}

// HTTPErrors exposes the counter for API error responses.
func HTTPErrors() *prometheus.CounterVec {
	RegisterMetrics()
	return httpErrorsTotal
}

// WebhookEvents counts push events by gateway outcome.
func WebhookEvents() *prometheus.CounterVec {
	RegisterMetrics()
	return webhookEventsTotal
}

// JobsEnqueued counts enqueue attempts by queue, kind and result.
func JobsEnqueued() *prometheus.CounterVec {
	RegisterMetrics()
	return jobsEnqueuedTotal
}

// ReaperSweeps counts sweep runs by result.
func ReaperSweeps() *prometheus.CounterVec {
	RegisterMetrics()
	return reaperSweepsTotal
}

// ReaperRepaired counts repaired records per sweep.
func ReaperRepaired() *prometheus.CounterVec {
	RegisterMetrics()
	return reaperRepairedTotal
}

// WorkerJobs counts jobs handled by the core worker.
func WorkerJobs() *prometheus.CounterVec {
	RegisterMetrics()
	return workerJobsTotal
}
