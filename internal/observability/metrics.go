package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "geocode_stream"

// Metrics holds the Prometheus counters, histograms, and gauges for a geocoding run.
type Metrics struct {
	RecordsConsumed prometheus.Counter
	RecordsProduced prometheus.Counter
	SourceErrors    prometheus.Counter
	LoadErrors      prometheus.Counter
	PipelineRunning prometheus.Gauge

	// Progress of the current run.
	ProgressCurrent prometheus.Gauge
	ProgressPercent prometheus.Gauge

	// Geocoding metrics.
	LookupRequests     *prometheus.CounterVec   // labels: outcome={success,error}
	LookupDuration     prometheus.Histogram     // whole lookup as seen by the stage
	GeocodeAPIDuration *prometheus.HistogramVec // labels: provider={google,mapbox}
	GeocodeCache       *prometheus.CounterVec   // labels: cache={memory,redis}, result={hit,miss,error}
}

// NewMetrics creates and registers all metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(m.collectors()...)
	return m
}

// NewMetricsForTesting creates Metrics without registering them, avoiding
// "already registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	return newMetrics()
}

func newMetrics() *Metrics {
	return &Metrics{
		RecordsConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_consumed_total",
			Help:      "Total input records read from the source.",
		}),
		RecordsProduced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_produced_total",
			Help:      "Total output records written to the sink.",
		}),
		SourceErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "source_errors_total",
			Help:      "Total failed reads from the source.",
		}),
		LoadErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "load_errors_total",
			Help:      "Total failed writes to the sink.",
		}),
		PipelineRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pipeline_running",
			Help:      "1 when the pipeline is active, 0 when shut down.",
		}),
		ProgressCurrent: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "progress_current",
			Help:      "Records processed so far in this run.",
		}),
		ProgressPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "progress_percent",
			Help:      "Percent of the expected total processed, 0 when the total is unknown.",
		}),
		LookupRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lookups_total",
			Help:      "Geocoding lookups by outcome.",
		}, []string{"outcome"}),
		LookupDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "lookup_duration_seconds",
			Help:      "Duration of one geocoding lookup including caches.",
			Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),
		GeocodeAPIDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "geocode_api_duration_seconds",
			Help:      "Provider API request duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"provider"}),
		GeocodeCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "geocode_cache_total",
			Help:      "Geocoding cache lookups by cache and result.",
		}, []string{"cache", "result"}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.RecordsConsumed,
		m.RecordsProduced,
		m.SourceErrors,
		m.LoadErrors,
		m.PipelineRunning,
		m.ProgressCurrent,
		m.ProgressPercent,
		m.LookupRequests,
		m.LookupDuration,
		m.GeocodeAPIDuration,
		m.GeocodeCache,
	}
}
