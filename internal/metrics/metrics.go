// Package metrics exposes Prometheus collectors for fetching, ingestion and
// backfill runs. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "cmc"

type Metrics struct {
	PagesFetched   *prometheus.CounterVec
	RecordsFetched prometheus.Counter
	Records        *prometheus.CounterVec
	Runs           *prometheus.CounterVec
	RunDuration    prometheus.Histogram
	LastRunDate    prometheus.Gauge

	registry *prometheus.Registry
}

func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.PagesFetched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pages_fetched_total",
			Help:      "Listing pages requested, by outcome",
		},
		[]string{"status"},
	)
	m.RecordsFetched = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "records_fetched_total",
		Help:      "Listing records received from upstream",
	})
	m.Records = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_ingested_total",
			Help:      "Ingested records, by outcome kind",
		},
		[]string{"kind"},
	)
	m.Runs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Per-date populate runs, by status",
		},
		[]string{"status"},
	)
	m.RunDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "run_duration_seconds",
		Help:      "Duration of one per-date populate run",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
	})
	m.LastRunDate = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "last_successful_run_date_seconds",
		Help:      "Unix time of the most recent successfully populated listings date",
	})

	m.registry.MustRegister(
		m.PagesFetched,
		m.RecordsFetched,
		m.Records,
		m.Runs,
		m.RunDuration,
		m.LastRunDate,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler returns an HTTP handler for metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) RecordPage(ok bool, records int) {
	if m == nil {
		return
	}
	if !ok {
		m.PagesFetched.WithLabelValues("failure").Inc()
		return
	}
	m.PagesFetched.WithLabelValues("success").Inc()
	m.RecordsFetched.Add(float64(records))
}

func (m *Metrics) RecordIngested(kind string) {
	if m == nil {
		return
	}
	m.Records.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordRun(status string, date time.Time, took time.Duration) {
	if m == nil {
		return
	}
	m.Runs.WithLabelValues(status).Inc()
	m.RunDuration.Observe(took.Seconds())
	if status == "success" {
		m.LastRunDate.Set(float64(date.Unix()))
	}
}
