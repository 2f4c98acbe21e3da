package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsStarted      = prometheus.NewCounter(prometheus.CounterOpts{Name: "pricestat_jobs_started_total", Help: "Scrape jobs created"})
	JobsCanceled     = prometheus.NewCounter(prometheus.CounterOpts{Name: "pricestat_jobs_canceled_total", Help: "Scrape jobs stopped by request"})
	JobsFailed       = prometheus.NewCounter(prometheus.CounterOpts{Name: "pricestat_jobs_failed_total", Help: "Scrape jobs aborted by a job-level error"})
	BatchesAdvanced  = prometheus.NewCounter(prometheus.CounterOpts{Name: "pricestat_batches_total", Help: "Advance invocations that processed a slice"})
	RowsProcessed    = prometheus.NewCounter(prometheus.CounterOpts{Name: "pricestat_rows_processed_total", Help: "Rows checkpointed, successful or not"})
	RowErrors        = prometheus.NewCounter(prometheus.CounterOpts{Name: "pricestat_row_errors_total", Help: "Rows checkpointed with a row-level error"})
	ReportsAssembled = prometheus.NewCounter(prometheus.CounterOpts{Name: "pricestat_reports_total", Help: "Workbooks uploaded"})
	ReportFailures   = prometheus.NewCounter(prometheus.CounterOpts{Name: "pricestat_report_failures_total", Help: "Workbook assemblies that failed"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "pricestat_rate_limit_rejects_total", Help: "Requests rejected by rate limiter"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "pricestat_queue_depth", Help: "Jobs ready for the next advance"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "pricestat_advances_inflight", Help: "Advance invocations currently running"})
	RowDuration      = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "pricestat_row_duration_seconds",
		Help:    "Wall time spent scraping and enriching one row",
		Buckets: []float64{1, 2, 5, 10, 20, 40, 60, 120},
	})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsStarted,
			JobsCanceled,
			JobsFailed,
			BatchesAdvanced,
			RowsProcessed,
			RowErrors,
			ReportsAssembled,
			ReportFailures,
			RateLimitRejects,
			QueueDepthGauge,
			InFlightGauge,
			RowDuration,
		)
	})
	return promhttp.Handler()
}
