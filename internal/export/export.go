// Package export writes pipeline results in formats a BI tool can import:
// the labeled incident table as CSV, a JSON results document, a YAML run
// report and a PNG chart of the top risk factors.
//
// Every file is written to a temporary path and renamed into place, so a
// reader never observes a partial export.
package export

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rewired-gh/busrisk/internal/logger"
	"github.com/rewired-gh/busrisk/internal/models"
	"github.com/rewired-gh/busrisk/internal/pipeline"
)

// Supported formats.
const (
	FormatCSV    = "csv"
	FormatJSON   = "json"
	FormatReport = "report"
	FormatChart  = "chart"
)

// File names inside a run's export directory.
const (
	IncidentsFile = "incidents.csv"
	ResultsFile   = "results.json"
	ReportFile    = "report.yaml"
	ChartFile     = "importances.png"
)

// Options configure an Exporter.
type Options struct {
	Dir         string
	Formats     []string
	TopFeatures int
}

// Exporter writes run results below Dir/<run id>/.
type Exporter struct {
	opts            Options
	filePermissions os.FileMode
	dirPermissions  os.FileMode
}

// Document is the JSON results document.
type Document struct {
	Run         models.RunSummary          `json:"run"`
	Importances []models.FeatureImportance `json:"importances"`
	Incidents   []models.Incident          `json:"incidents"`
}

// Report is the YAML run report.
type Report struct {
	GeneratedAt  time.Time                  `yaml:"generated_at"`
	Run          models.RunSummary          `yaml:"run"`
	HighRiskRate float64                    `yaml:"high_risk_rate"`
	TopFactors   []models.FeatureImportance `yaml:"top_factors"`
}

// New validates opts and returns an exporter.
func New(opts Options) (*Exporter, error) {
	for _, f := range opts.Formats {
		switch f {
		case FormatCSV, FormatJSON, FormatReport, FormatChart:
		default:
			return nil, fmt.Errorf("unknown export format %q", f)
		}
	}
	if len(opts.Formats) > 0 && opts.Dir == "" {
		return nil, fmt.Errorf("export directory is required")
	}
	if opts.TopFeatures < 1 {
		opts.TopFeatures = 10
	}
	return &Exporter{opts: opts, filePermissions: 0644, dirPermissions: 0755}, nil
}

// Export writes every configured format for res and returns the written paths.
func (e *Exporter) Export(res *pipeline.Result) ([]string, error) {
	if len(e.opts.Formats) == 0 {
		return nil, nil
	}
	dir := filepath.Join(e.opts.Dir, res.Summary.ID)
	if err := os.MkdirAll(dir, e.dirPermissions); err != nil {
		return nil, fmt.Errorf("failed to create export directory: %w", err)
	}

	var written []string
	for _, format := range e.opts.Formats {
		var (
			path string
			err  error
		)
		switch format {
		case FormatCSV:
			path = filepath.Join(dir, IncidentsFile)
			err = e.writeCSV(path, res)
		case FormatJSON:
			path = filepath.Join(dir, ResultsFile)
			err = e.writeJSON(path, res)
		case FormatReport:
			path = filepath.Join(dir, ReportFile)
			err = e.writeReport(path, res)
		case FormatChart:
			if len(res.Importances) == 0 {
				logger.Debug("No importances for run %s, skipping chart", res.Summary.ID)
				continue
			}
			path = filepath.Join(dir, ChartFile)
			err = e.writeChart(path, res)
		}
		if err != nil {
			return written, fmt.Errorf("failed to export %s: %w", format, err)
		}
		logger.Debug("Exported %s", path)
		written = append(written, path)
	}
	return written, nil
}

func (e *Exporter) writeCSV(path string, res *pipeline.Result) error {
	var buf bytes.Buffer
	if err := res.Table.WriteCSV(&buf); err != nil {
		return err
	}
	return e.writeFileAtomic(path, buf.Bytes())
}

func (e *Exporter) writeJSON(path string, res *pipeline.Result) error {
	doc := Document{
		Run:         res.Summary,
		Importances: res.Importances,
		Incidents:   res.Incidents,
	}
	if doc.Importances == nil {
		doc.Importances = []models.FeatureImportance{}
	}
	if doc.Incidents == nil {
		doc.Incidents = []models.Incident{}
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal results: %w", err)
	}
	return e.writeFileAtomic(path, data)
}

func (e *Exporter) writeReport(path string, res *pipeline.Result) error {
	report := Report{
		GeneratedAt:  time.Now().UTC(),
		Run:          res.Summary,
		HighRiskRate: res.Summary.HighRiskRate(),
		TopFactors:   Top(res.Importances, e.opts.TopFeatures),
	}
	data, err := yaml.Marshal(&report)
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}
	return e.writeFileAtomic(path, data)
}

func (e *Exporter) writeChart(path string, res *pipeline.Result) error {
	data, err := RenderChart(Top(res.Importances, e.opts.TopFeatures))
	if err != nil {
		return err
	}
	return e.writeFileAtomic(path, data)
}

// writeFileAtomic writes to a temporary file first and renames it into place.
func (e *Exporter) writeFileAtomic(path string, data []byte) error {
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, e.filePermissions); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		_ = os.Remove(tempPath) // Clean up temp file on rename failure
		return fmt.Errorf("failed to rename file: %w", err)
	}
	return nil
}

// Top returns at most k entries of a ranking.
func Top(ranking []models.FeatureImportance, k int) []models.FeatureImportance {
	if k <= 0 || k > len(ranking) {
		k = len(ranking)
	}
	return ranking[:k]
}
