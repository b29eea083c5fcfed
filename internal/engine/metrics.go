package engine

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/xkilldash9x/rulescope/internal/findings"
)

// File outcomes.
const (
	OutcomeAnalyzed = "analyzed"
	OutcomeCached   = "cached"
	OutcomeSkipped  = "skipped"
)

// Metrics are registered on the registry given to NewMetrics, never on the
// global default one.
type Metrics struct {
	gatherer prometheus.Gatherer

	files        *prometheus.CounterVec
	findings     *prometheus.CounterVec
	fileDuration prometheus.Histogram
	runDuration  prometheus.Histogram
	runScore     prometheus.Gauge
}

// NewMetrics registers the run metrics on reg.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		gatherer: reg,
		files: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rulescope_files_total",
			Help: "Files processed by outcome",
		}, []string{"outcome"}),
		findings: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rulescope_findings_total",
			Help: "Findings reported by kind",
		}, []string{"kind"}),
		fileDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "rulescope_file_duration_seconds",
			Help:    "Time spent on one file",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
		runDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "rulescope_run_duration_seconds",
			Help:    "Wall time of a run",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
		}),
		runScore: factory.NewGauge(prometheus.GaugeOpts{
			Name: "rulescope_run_score",
			Help: "Summed finding score of the last run",
		}),
	}
}

// ObserveFile records one file.
func (m *Metrics) ObserveFile(outcome string, d time.Duration) {
	m.files.WithLabelValues(outcome).Inc()
	m.fileDuration.Observe(d.Seconds())
}

// ObserveRun records the totals of a run.
func (m *Metrics) ObserveRun(rs *findings.ResultSet, d time.Duration) {
	for _, f := range rs.Findings {
		m.findings.WithLabelValues(string(f.Kind)).Inc()
	}
	m.runDuration.Observe(d.Seconds())
	m.runScore.Set(float64(rs.Total.Score))
}

// WriteTextfile writes the metrics in the node exporter textfile format.
func (m *Metrics) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.gatherer)
}
