package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsEnqueued     = prometheus.NewCounter(prometheus.CounterOpts{Name: "printjobs_enqueued_total", Help: "Print jobs enqueued"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "printjobs_rate_limit_rejects_total", Help: "Enqueue requests rejected by the per-device limiter"})
	JobsClaimed      = prometheus.NewCounter(prometheus.CounterOpts{Name: "printjobs_claimed_total", Help: "Print jobs claimed by this listener"})
	ClaimsLost       = prometheus.NewCounter(prometheus.CounterOpts{Name: "printjobs_claims_lost_total", Help: "Claims lost to another device"})
	JobsCompleted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "printjobs_completed_total", Help: "Print jobs printed successfully"})
	JobsFailed       = prometheus.NewCounter(prometheus.CounterOpts{Name: "printjobs_failed_total", Help: "Print jobs marked failed"})
	JobsSkippedBusy  = prometheus.NewCounter(prometheus.CounterOpts{Name: "printjobs_skipped_busy_total", Help: "Jobs left pending because the listener was busy"})
	PendingGauge     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "printjobs_pending", Help: "Pending print jobs"})

	PrintResults = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ticket_prints_total",
		Help: "Router print attempts by method and outcome",
	}, []string{"method", "outcome"})
	PrintDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ticket_print_duration_seconds",
		Help:    "Router print latency by method",
		Buckets: prometheus.DefBuckets,
	}, []string{"method"})
	PrinterConnected = prometheus.NewGauge(prometheus.GaugeOpts{Name: "printer_connected", Help: "1 while the printer link is up"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	Register()
	return promhttp.Handler()
}

// Register adds the collectors to the default registry once.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			JobsEnqueued,
			RateLimitRejects,
			JobsClaimed,
			ClaimsLost,
			JobsCompleted,
			JobsFailed,
			JobsSkippedBusy,
			PendingGauge,
			PrintResults,
			PrintDuration,
			PrinterConnected,
		)
	})
}
