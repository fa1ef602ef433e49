package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	JobsTotal   *prometheus.CounterVec
	JobDuration *prometheus.HistogramVec

	CrawlLinksTotal  *prometheus.CounterVec
	CrawlItemsTotal  *prometheus.CounterVec
	CreditOpsTotal   *prometheus.CounterVec
)

var initOnce sync.Once

// Init registers all collectors on the default registry. Safe to call more
// than once; only the first call registers.
func Init() {
	initOnce.Do(func() {
		HTTPRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests.",
			},
			[]string{"method", "path", "status"},
		)

		HTTPRequestDuration = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path", "status"},
		)

		JobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jobs_total",
				Help: "Jobs reaching a terminal status, by type and outcome.",
			},
			[]string{"type", "status"},
		)

		JobDuration = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "job_duration_seconds",
				Help:    "Wall-clock duration of jobs from creation to terminal status.",
				Buckets: []float64{1, 5, 15, 60, 300, 900, 1800, 3600},
			},
			[]string{"type"},
		)

		CrawlLinksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawl_links_total",
				Help: "Candidate links seen during source submission.",
			},
			[]string{"result"}, // added, duplicate, error
		)

		CrawlItemsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawl_items_total",
				Help: "Queue items drained, by final status.",
			},
			[]string{"status"}, // done, failed
		)

		CreditOpsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "credit_ops_total",
				Help: "Ledger operations, by transaction type.",
			},
			[]string{"type"},
		)
	})
}
