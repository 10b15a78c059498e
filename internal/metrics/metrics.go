// Package metrics provides Prometheus metrics for pipeline runs.
//
// A batch run has no scrape endpoint of its own, so the run gauges are
// written to a node-exporter textfile after each run. The serve command
// exposes the same registry over HTTP.
package metrics

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/rewired-gh/busrisk/internal/models"
)

// RunMetrics contains all Prometheus metrics related to pipeline runs.
type RunMetrics struct {
	RunsTotal         *prometheus.CounterVec
	RecordsGauge      prometheus.Gauge
	HighRiskGauge     prometheus.Gauge
	HighRiskRateGauge prometheus.Gauge
	TrainDuration     prometheus.Gauge
	RunDuration       prometheus.Gauge
	LastRunTimestamp  prometheus.Gauge
	OOBMetric         *prometheus.GaugeVec
	FeatureImportance *prometheus.GaugeVec

	registry *prometheus.Registry
}

// NewRunMetrics creates the run metrics and registers them with registry.
func NewRunMetrics(registry *prometheus.Registry) (*RunMetrics, error) {
	m := &RunMetrics{registry: registry}
	m.initMetrics()

	for _, c := range m.collectors() {
		if err := registry.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register run metrics: %w", err)
		}
	}
	return m, nil
}

func (m *RunMetrics) initMetrics() {
	m.RunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "busrisk_runs_total",
			Help: "Total number of pipeline runs partitioned by outcome.",
		},
		[]string{"status"},
	)
	m.RecordsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "busrisk_records",
		Help: "Number of incident records in the most recent run.",
	})
	m.HighRiskGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "busrisk_high_risk_records",
		Help: "Number of records labeled high risk in the most recent run.",
	})
	m.HighRiskRateGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "busrisk_high_risk_ratio",
		Help: "Share of records labeled high risk in the most recent run.",
	})
	m.TrainDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "busrisk_train_duration_seconds",
		Help: "Time spent fitting the forest in the most recent run.",
	})
	m.RunDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "busrisk_run_duration_seconds",
		Help: "Wall time of the most recent run.",
	})
	m.LastRunTimestamp = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "busrisk_last_run_timestamp_seconds",
		Help: "Unix time the most recent run finished.",
	})
	m.OOBMetric = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "busrisk_oob_score",
			Help: "Out-of-bag classification metrics of the most recent run.",
		},
		[]string{"metric"},
	)
	m.FeatureImportance = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "busrisk_feature_importance",
			Help: "Normalized importance of each feature in the most recent run.",
		},
		[]string{"feature"},
	)
}

func (m *RunMetrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.RunsTotal, m.RecordsGauge, m.HighRiskGauge, m.HighRiskRateGauge,
		m.TrainDuration, m.RunDuration, m.LastRunTimestamp, m.OOBMetric, m.FeatureImportance,
	}
}

// RecordRun updates the gauges from a finished run.
func (m *RunMetrics) RecordRun(run *models.RunSummary, importances []models.FeatureImportance) {
	m.RunsTotal.WithLabelValues("success").Inc()
	m.RecordsGauge.Set(float64(run.Records))
	m.HighRiskGauge.Set(float64(run.HighRisk))
	m.HighRiskRateGauge.Set(run.HighRiskRate())
	m.TrainDuration.Set(run.TrainDuration.Seconds())
	m.RunDuration.Set(run.Duration().Seconds())
	m.LastRunTimestamp.Set(float64(run.FinishedAt.Unix()))

	m.OOBMetric.Reset()
	if e := run.Evaluation; e != nil {
		m.OOBMetric.WithLabelValues("accuracy").Set(e.Accuracy)
		m.OOBMetric.WithLabelValues("precision").Set(e.Precision)
		m.OOBMetric.WithLabelValues("recall").Set(e.Recall)
		m.OOBMetric.WithLabelValues("f1").Set(e.F1)
	}

	// Drop features from previous runs that no longer exist
	m.FeatureImportance.Reset()
	for _, fi := range importances {
		m.FeatureImportance.WithLabelValues(fi.Feature).Set(fi.Importance)
	}
}

// RecordFailure counts a failed run.
func (m *RunMetrics) RecordFailure() {
	m.RunsTotal.WithLabelValues("error").Inc()
}

// WriteTextfile writes the registry in the text exposition format to path,
// atomically, for the node exporter textfile collector.
func (m *RunMetrics) WriteTextfile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create metrics directory: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("failed to write metrics textfile: %w", err)
	}
	return nil
}
