package forest

import (
	"fmt"
	"runtime"
)

// Impurity criteria.
const (
	CriterionGini    = "gini"
	CriterionEntropy = "entropy"
)

// Class weighting policies.
const (
	ClassWeightBalanced = "balanced"
	ClassWeightNone     = "none"
)

// Options are the forest hyperparameters.
type Options struct {
	Trees               int     // number of trees
	MaxDepth            int     // 0 => no limit
	MinSamplesSplit     int     // minimum weighted-count samples to attempt a split
	MinSamplesLeaf      int     // minimum samples required on each side of a split
	MaxFeatures         int     // features tried per node, 0 => floor(sqrt(p))
	MinImpurityDecrease float64 // minimal weighted impurity decrease to accept a split
	Criterion           string
	ClassWeight         string
	Seed                int64
	Workers             int // concurrent tree fits, 0 => GOMAXPROCS
}

// DefaultOptions returns the options used when nothing is configured.
func DefaultOptions() Options {
	return Options{
		Trees:           100,
		MinSamplesSplit: 2,
		MinSamplesLeaf:  1,
		Criterion:       CriterionGini,
		ClassWeight:     ClassWeightBalanced,
		Seed:            42,
	}
}

// Validate checks the options and fills zero-valued defaults.
func (o *Options) Validate() error {
	if o.Trees < 1 {
		return fmt.Errorf("trees must be at least 1, got %d", o.Trees)
	}
	if o.MaxDepth < 0 {
		return fmt.Errorf("max depth must not be negative, got %d", o.MaxDepth)
	}
	if o.MinSamplesSplit < 2 {
		o.MinSamplesSplit = 2
	}
	if o.MinSamplesLeaf < 1 {
		o.MinSamplesLeaf = 1
	}
	if o.MaxFeatures < 0 {
		return fmt.Errorf("max features must not be negative, got %d", o.MaxFeatures)
	}
	if o.MinImpurityDecrease < 0 {
		return fmt.Errorf("min impurity decrease must not be negative, got %f", o.MinImpurityDecrease)
	}
	switch o.Criterion {
	case "":
		o.Criterion = CriterionGini
	case CriterionGini, CriterionEntropy:
	default:
		return fmt.Errorf("unknown criterion %q", o.Criterion)
	}
	switch o.ClassWeight {
	case "":
		o.ClassWeight = ClassWeightBalanced
	case ClassWeightBalanced, ClassWeightNone:
	default:
		return fmt.Errorf("unknown class weight %q", o.ClassWeight)
	}
	if o.Workers < 0 {
		return fmt.Errorf("workers must not be negative, got %d", o.Workers)
	}
	if o.Workers == 0 {
		o.Workers = runtime.GOMAXPROCS(0)
	}
	return nil
}
