package crawler

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles Prometheus collectors for the crawl.
type Metrics struct {
	Registry        *prometheus.Registry
	PagesTotal      *prometheus.CounterVec
	ListingsTotal   prometheus.Counter
	RecordsFlushed  prometheus.Counter
	RetriesTotal    prometheus.Counter
	SessionRestarts prometheus.Counter
	ErrorsTotal     *prometheus.CounterVec
	PageDuration    prometheus.Histogram
}

// NewMetrics constructs and registers all metrics on a dedicated registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	pages := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawler_pages_total",
			Help: "Index pages visited, by outcome.",
		},
		[]string{"outcome"},
	)
	listings := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "crawler_listings_total",
			Help: "Listing stubs discovered on index pages.",
		},
	)
	flushed := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "crawler_records_flushed_total",
			Help: "Vehicle records written to the day file.",
		},
	)
	retries := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "crawler_retries_total",
			Help: "Retries scheduled after transient navigation failures.",
		},
	)
	restarts := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "crawler_session_restarts_total",
			Help: "Browser sessions recreated, scheduled or after failures.",
		},
	)
	errorsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawler_errors_total",
			Help: "Crawl errors by stage.",
		},
		[]string{"stage"},
	)
	pageDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "crawler_page_duration_seconds",
			Help:    "Wall time spent per index page, details included.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		},
	)

	registry.MustRegister(pages, listings, flushed, retries, restarts, errorsTotal, pageDuration)

	return &Metrics{
		Registry:        registry,
		PagesTotal:      pages,
		ListingsTotal:   listings,
		RecordsFlushed:  flushed,
		RetriesTotal:    retries,
		SessionRestarts: restarts,
		ErrorsTotal:     errorsTotal,
		PageDuration:    pageDuration,
	}
}

// ObservePage records the outcome and duration of one index page visit.
func (m *Metrics) ObservePage(outcome string, started time.Time) {
	if m == nil {
		return
	}
	m.PagesTotal.WithLabelValues(outcome).Inc()
	m.PageDuration.Observe(time.Since(started).Seconds())
}
