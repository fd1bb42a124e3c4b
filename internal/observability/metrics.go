package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "weather_ingest"

// Metrics holds the Prometheus collectors for fetching, runs and storage.
type Metrics struct {
	// Fetcher metrics.
	FetchRequests *prometheus.CounterVec   // labels: adapter, outcome={success,transient,permanent,rate_limited,cancelled}
	FetchRetries  *prometheus.CounterVec   // labels: adapter, kind
	FetchDuration *prometheus.HistogramVec // labels: adapter

	// Orchestrator metrics.
	RunsTotal    *prometheus.CounterVec // labels: status
	UnitsTotal   *prometheus.CounterVec // labels: adapter, status
	RunDuration  prometheus.Histogram
	RunsInFlight prometheus.Gauge

	// Store and flagger metrics.
	Records        *prometheus.CounterVec // labels: adapter, result={inserted,updated,unchanged,failed,rejected}
	RecordsFlagged *prometheus.CounterVec // labels: rule
}

// NewMetrics creates and registers all metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(
		m.FetchRequests,
		m.FetchRetries,
		m.FetchDuration,
		m.RunsTotal,
		m.UnitsTotal,
		m.RunDuration,
		m.RunsInFlight,
		m.Records,
		m.RecordsFlagged,
	)
	return m
}

// NewMetricsForTesting creates unregistered Metrics so tests can build as
// many as they like.
func NewMetricsForTesting() *Metrics {
	return newMetrics()
}

func newMetrics() *Metrics {
	return &Metrics{
		FetchRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_requests_total",
			Help:      "Outbound provider requests by adapter and outcome.",
		}, []string{"adapter", "outcome"}),
		FetchRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_retries_total",
			Help:      "Retries scheduled by adapter and error kind.",
		}, []string{"adapter", "kind"}),
		FetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fetch_duration_seconds",
			Help:      "Duration of a single provider HTTP call.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"adapter"}),
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Finalized collection runs by status.",
		}, []string{"status"}),
		UnitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "units_total",
			Help:      "Adapter/location units by adapter and status.",
		}, []string{"adapter", "status"}),
		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of a collection run.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}),
		RunsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "runs_in_flight",
			Help:      "Collection runs currently executing.",
		}),
		Records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_total",
			Help:      "Records by adapter and write result.",
		}, []string{"adapter", "result"}),
		RecordsFlagged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_flagged_total",
			Help:      "Observations marked suspect by quality rule.",
		}, []string{"rule"}),
	}
}

// ObserveCounts adds a unit's record counts to the Records counter.
func (m *Metrics) ObserveCounts(adapter string, inserted, updated, unchanged, failed, rejected int) {
	if m == nil {
		return
	}
	m.Records.WithLabelValues(adapter, "inserted").Add(float64(inserted))
	m.Records.WithLabelValues(adapter, "updated").Add(float64(updated))
	m.Records.WithLabelValues(adapter, "unchanged").Add(float64(unchanged))
	m.Records.WithLabelValues(adapter, "failed").Add(float64(failed))
	m.Records.WithLabelValues(adapter, "rejected").Add(float64(rejected))
}
