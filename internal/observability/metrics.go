// Package observability exposes the process metrics on the default
// prometheus registry.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// WorkerCycles counts completed cycles per periodic service.
	WorkerCycles = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "brood_worker_cycles_total",
		Help: "Completed worker cycles, by service.",
	}, []string{"service"})

	// SkippedTicks counts ticks dropped because the previous cycle was
	// still running.
	SkippedTicks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "brood_worker_skipped_ticks_total",
		Help: "Ticker fires skipped while a cycle was still active, by service.",
	}, []string{"service"})

	// CycleDuration observes wall time per cycle.
	CycleDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "brood_worker_cycle_duration_seconds",
		Help:    "Worker cycle duration, by service.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"service"})

	// ProviderRequests counts gateway calls by terminal stop reason.
	ProviderRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "brood_provider_requests_total",
		Help: "Provider gateway requests, by stop reason.",
	}, []string{"stop_reason"})

	// KoboldCompletions counts finished kobolds by outcome.
	KoboldCompletions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "brood_kobold_completions_total",
		Help: "Kobolds that reached Done, by success or failure.",
	}, []string{"result"})

	// GoroutinePanics counts panics recovered in background goroutines.
	GoroutinePanics = promauto.NewCounter(prometheus.CounterOpts{
		Name: "brood_goroutine_panics_total",
		Help: "Panics recovered in background goroutines.",
	})

	// ProjectTransitions counts project status changes.
	ProjectTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "brood_project_transitions_total",
		Help: "Project status transitions, by target status.",
	}, []string{"to"})
)

// Handler serves the default registry for the /metrics route.
func Handler() http.Handler {
	return promhttp.Handler()
}
