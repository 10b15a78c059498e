package models

import (
	"errors"
	"math"
)

// FeatureKind tells the classifier how to split on a feature.
type FeatureKind int

const (
	// Numeric features are split on thresholds (x <= t).
	Numeric FeatureKind = iota
	// Categorical features hold integer codes and are split on equality (x == c).
	Categorical
)

func (k FeatureKind) String() string {
	if k == Categorical {
		return "categorical"
	}
	return "numeric"
}

// FeatureSpec names one column of the feature matrix.
type FeatureSpec struct {
	Name string      `json:"name"`
	Kind FeatureKind `json:"kind"`
}

// FeatureImportance is one entry of a ranked importance list.
type FeatureImportance struct {
	Rank       int     `json:"rank" yaml:"rank"` // 1-based, 1 = most important
	Feature    string  `json:"feature" yaml:"feature"`
	Importance float64 `json:"importance" yaml:"importance"`
}

// Validate checks that all importance fields are valid
func (f *FeatureImportance) Validate() error {
	if f.Rank < 1 {
		return errors.New("rank must be at least 1")
	}
	if f.Feature == "" {
		return errors.New("feature name must not be empty")
	}
	if math.IsNaN(f.Importance) || f.Importance < 0.0 || f.Importance > 1.0 {
		return errors.New("importance must be between 0.0 and 1.0")
	}
	return nil
}
