package models

import (
	"errors"
	"time"
)

// Evaluation holds out-of-bag classification metrics for the positive (high risk) class.
type Evaluation struct {
	Samples        int     `json:"samples" yaml:"samples"` // Rows that were out-of-bag for at least one tree
	Accuracy       float64 `json:"accuracy" yaml:"accuracy"`
	Precision      float64 `json:"precision" yaml:"precision"`
	Recall         float64 `json:"recall" yaml:"recall"`
	F1             float64 `json:"f1" yaml:"f1"`
	TruePositives  int     `json:"true_positives" yaml:"true_positives"`
	FalsePositives int     `json:"false_positives" yaml:"false_positives"`
	TrueNegatives  int     `json:"true_negatives" yaml:"true_negatives"`
	FalseNegatives int     `json:"false_negatives" yaml:"false_negatives"`
}

// RunSummary describes one execution of the pipeline.
type RunSummary struct {
	ID            string        `json:"id" yaml:"id"`
	Bucket        string        `json:"bucket" yaml:"bucket"`
	Key           string        `json:"key" yaml:"key"`
	StartedAt     time.Time     `json:"started_at" yaml:"started_at"`
	FinishedAt    time.Time     `json:"finished_at" yaml:"finished_at"`
	Records       int           `json:"records" yaml:"records"`
	HighRisk      int           `json:"high_risk" yaml:"high_risk"`
	Trained       bool          `json:"trained" yaml:"trained"`
	Features      int           `json:"features" yaml:"features"`
	Trees         int           `json:"trees" yaml:"trees"`
	Seed          int64         `json:"seed" yaml:"seed"`
	ClassWeight   string        `json:"class_weight" yaml:"class_weight"`
	TrainDuration time.Duration `json:"train_duration" yaml:"train_duration"`
	Evaluation    *Evaluation   `json:"evaluation,omitempty" yaml:"evaluation,omitempty"`
}

// Duration returns the wall time of the run.
func (r *RunSummary) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// HighRiskRate returns the share of labeled high-risk records (0 for an empty run).
func (r *RunSummary) HighRiskRate() float64 {
	if r.Records == 0 {
		return 0
	}
	return float64(r.HighRisk) / float64(r.Records)
}

// Validate checks that all run fields are valid
func (r *RunSummary) Validate() error {
	if r.ID == "" {
		return errors.New("run ID must not be empty")
	}
	if r.Key == "" {
		return errors.New("source key must not be empty")
	}
	if r.Records < 0 || r.HighRisk < 0 {
		return errors.New("record counts must not be negative")
	}
	if r.HighRisk > r.Records {
		return errors.New("high risk count must be <= record count")
	}
	if r.StartedAt.IsZero() {
		return errors.New("started at must be set")
	}
	if r.FinishedAt.Before(r.StartedAt) {
		return errors.New("finished at must be >= started at")
	}
	if r.Trained && r.Trees < 1 {
		return errors.New("trained run must have at least one tree")
	}
	return nil
}
