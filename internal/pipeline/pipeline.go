// Package pipeline wires the object store, loader, labeler, feature encoder
// and forest into the two batch operations the CLI exposes.
package pipeline

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/rewired-gh/busrisk/internal/dataset"
	"github.com/rewired-gh/busrisk/internal/features"
	"github.com/rewired-gh/busrisk/internal/forest"
	"github.com/rewired-gh/busrisk/internal/labeler"
	"github.com/rewired-gh/busrisk/internal/logger"
	"github.com/rewired-gh/busrisk/internal/models"
	"github.com/rewired-gh/busrisk/internal/objectstore"
)

// Derived columns appended to the table after training.
const (
	PredictedColumn = "predicted_high_risk"
	RiskScoreColumn = "risk_score"
)

// Config holds everything the pipeline needs besides the store.
type Config struct {
	Dataset     dataset.Options
	Columns     dataset.Columns
	TimeLayouts []string
	Labeler     *labeler.Labeler
	LabelColumn string
	Features    features.Config
	Forest      forest.Options
}

// Pipeline runs fetch → parse → label → encode → train.
type Pipeline struct {
	store   objectstore.Store
	cfg     Config
	encoder *features.Encoder
	now     func() time.Time
}

// Labeled is the output of Label.
type Labeled struct {
	Table     *dataset.Table
	Incidents []models.Incident
	Labels    []bool
}

// Result is the output of Run. Model is nil when training was skipped.
type Result struct {
	Summary     models.RunSummary
	Table       *dataset.Table
	Incidents   []models.Incident
	Importances []models.FeatureImportance
	Model       *forest.Forest
}

// New validates cfg and returns a pipeline reading from store.
func New(store objectstore.Store, cfg Config) (*Pipeline, error) {
	if store == nil {
		return nil, fmt.Errorf("object store is required")
	}
	if cfg.Columns.Description == "" {
		return nil, fmt.Errorf("description column is required")
	}
	if cfg.Labeler == nil {
		cfg.Labeler = labeler.Default()
	}
	if cfg.LabelColumn == "" {
		cfg.LabelColumn = labeler.DefaultColumn
	}
	if len(cfg.TimeLayouts) == 0 {
		cfg.TimeLayouts = dataset.DefaultTimeLayouts
	}
	if len(cfg.Features.TimeLayouts) == 0 {
		cfg.Features.TimeLayouts = cfg.TimeLayouts
	}
	if err := cfg.Forest.Validate(); err != nil {
		return nil, fmt.Errorf("invalid model options: %w", err)
	}
	encoder, err := features.NewEncoder(cfg.Features)
	if err != nil {
		return nil, fmt.Errorf("invalid feature configuration: %w", err)
	}

	return &Pipeline{store: store, cfg: cfg, encoder: encoder, now: time.Now}, nil
}

// Label fetches the object at loc, parses it and labels every record.
// An empty object yields an empty, labeled table.
func (p *Pipeline) Label(ctx context.Context, loc objectstore.Location) (*Labeled, error) {
	logger.Debug("Fetching %s", loc)
	data, err := p.store.Fetch(ctx, loc)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", loc, err)
	}
	logger.Debug("Fetched %d bytes from %s", len(data), loc)

	table, err := dataset.ParseBytes(data, p.cfg.Dataset)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", loc, err)
	}

	labels, err := p.cfg.Labeler.Apply(table, p.cfg.Columns.Description, p.cfg.LabelColumn)
	if err != nil {
		return nil, err
	}

	incidents := dataset.Incidents(table, p.cfg.Columns, p.cfg.TimeLayouts)
	for i := range incidents {
		incidents[i].HighRisk = labels[i]
	}

	logger.Info("Labeled %d records from %s (%d high risk)", len(labels), loc, models.CountHighRisk(incidents))
	return &Labeled{Table: table, Incidents: incidents, Labels: labels}, nil
}

// Run labels the object at loc, trains the forest on the encoded features and
// attaches predictions, risk scores and the importance ranking. Training is
// skipped for an empty table.
func (p *Pipeline) Run(ctx context.Context, loc objectstore.Location) (*Result, error) {
	started := p.now()

	labeled, err := p.Label(ctx, loc)
	if err != nil {
		return nil, err
	}

	res := &Result{
		Table:     labeled.Table,
		Incidents: labeled.Incidents,
		Summary: models.RunSummary{
			ID:          uuid.NewString(),
			Bucket:      loc.Bucket,
			Key:         loc.Key,
			StartedAt:   started,
			Records:     len(labeled.Labels),
			HighRisk:    models.CountHighRisk(labeled.Incidents),
			Trees:       p.cfg.Forest.Trees,
			Seed:        p.cfg.Forest.Seed,
			ClassWeight: p.cfg.Forest.ClassWeight,
		},
	}

	if labeled.Table.Len() == 0 {
		logger.Warn("No records in %s, skipping training", loc)
		res.Summary.FinishedAt = p.now()
		return res, nil
	}

	matrix, err := p.encoder.Encode(labeled.Table)
	if err != nil {
		return nil, fmt.Errorf("failed to encode features: %w", err)
	}
	res.Summary.Features = len(matrix.Specs)

	model, err := forest.New(p.cfg.Forest)
	if err != nil {
		return nil, err
	}

	trainStart := p.now()
	logger.Info("Training %d trees on %d records x %d features (class weight: %s, seed: %d)",
		p.cfg.Forest.Trees, len(matrix.Rows), len(matrix.Specs), p.cfg.Forest.ClassWeight, p.cfg.Forest.Seed)
	if err := model.Fit(ctx, matrix.Rows, labeled.Labels, matrix.Specs); err != nil {
		return nil, fmt.Errorf("failed to train model: %w", err)
	}
	res.Summary.TrainDuration = p.now().Sub(trainStart)
	res.Model = model

	scores, err := model.PredictProba(matrix.Rows)
	if err != nil {
		return nil, fmt.Errorf("failed to score records: %w", err)
	}
	predicted := make([]string, len(scores))
	formatted := make([]string, len(scores))
	for i, s := range scores {
		score := s
		flag := s > 0.5
		res.Incidents[i].RiskScore = &score
		res.Incidents[i].Predicted = &flag
		predicted[i] = strconv.FormatBool(flag)
		formatted[i] = strconv.FormatFloat(s, 'f', 4, 64)
	}
	if err := res.Table.SetColumn(PredictedColumn, predicted); err != nil {
		return nil, err
	}
	if err := res.Table.SetColumn(RiskScoreColumn, formatted); err != nil {
		return nil, err
	}

	res.Importances, err = model.Importances()
	if err != nil {
		return nil, err
	}
	eval, err := model.OOBEvaluation()
	if err != nil {
		return nil, err
	}
	res.Summary.Evaluation = &eval
	res.Summary.Trained = true
	res.Summary.FinishedAt = p.now()

	logger.Info("Training completed in %v: OOB accuracy %.3f, precision %.3f, recall %.3f over %d samples",
		res.Summary.TrainDuration, eval.Accuracy, eval.Precision, eval.Recall, eval.Samples)
	if len(res.Importances) > 0 {
		logger.Info("Top risk factor: %s (%.3f)", res.Importances[0].Feature, res.Importances[0].Importance)
	}
	return res, nil
}
