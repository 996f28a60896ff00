package crawler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// MetricsNamespace is the namespace for all pipeline metrics.
	MetricsNamespace = "marketwire"

	// MetricsSubsystem is the subsystem for crawl metrics.
	MetricsSubsystem = "crawler"
)

// Metrics holds the Prometheus collectors for crawl cycles.
type Metrics struct {
	CyclesTotal          *prometheus.CounterVec
	ArticlesTotal        *prometheus.CounterVec
	FetchDurationSeconds prometheus.Histogram
	CycleDurationSeconds *prometheus.HistogramVec
	CyclesInFlight       prometheus.Gauge
}

// NewMetrics creates and registers the crawl metrics on reg, or on the
// default registerer when reg is nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		CyclesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: MetricsNamespace,
				Subsystem: MetricsSubsystem,
				Name:      "cycles_total",
				Help:      "Total number of crawl cycles by outcome",
			},
			[]string{"outcome"},
		),
		ArticlesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: MetricsNamespace,
				Subsystem: MetricsSubsystem,
				Name:      "articles_total",
				Help:      "Articles handled by the persist step",
			},
			[]string{"result"},
		),
		FetchDurationSeconds: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: MetricsNamespace,
				Subsystem: MetricsSubsystem,
				Name:      "fetch_duration_seconds",
				Help:      "Source fetch duration in seconds",
				Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
		),
		CycleDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: MetricsNamespace,
				Subsystem: MetricsSubsystem,
				Name:      "cycle_duration_seconds",
				Help:      "Crawl cycle duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"outcome"},
		),
		CyclesInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: MetricsNamespace,
				Subsystem: MetricsSubsystem,
				Name:      "cycles_in_flight",
				Help:      "Crawl cycles currently running in this process",
			},
		),
	}
}

func (m *Metrics) observe(r *CycleResult) {
	if m == nil {
		return
	}
	outcome := r.Outcome()
	m.CyclesTotal.WithLabelValues(outcome).Inc()
	m.CycleDurationSeconds.WithLabelValues(outcome).Observe(r.Duration.Seconds())
	m.ArticlesTotal.WithLabelValues("created").Add(float64(r.Created))
	m.ArticlesTotal.WithLabelValues("matched").Add(float64(r.Matched))
	m.ArticlesTotal.WithLabelValues("error").Add(float64(r.Errors))
}
