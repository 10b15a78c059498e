// Package forest implements the class-balanced random forest used to rank
// incident risk factors.
//
// Each tree is a weighted CART grown on a bootstrap sample. Bootstrap counts
// are sample-weight multipliers; rows a tree never drew form its out-of-bag
// set. A master seed draws one seed per tree up front, so the ensemble is
// identical for identical input regardless of how many workers fit it.
package forest

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/rewired-gh/busrisk/internal/models"
)

var (
	ErrEmptyInput       = errors.New("empty training input")
	ErrShapeMismatch    = errors.New("feature matrix and labels do not align")
	ErrDegenerateLabels = errors.New("labels must contain both classes")
	ErrNotFitted        = errors.New("forest is not fitted")
)

// Forest is a binary random forest classifier. The zero value is not usable;
// create one with New.
type Forest struct {
	opts        Options
	specs       []models.FeatureSpec
	trees       []*tree
	classWeight [2]float64
	importances []float64
	oob         models.Evaluation
}

// New validates opts and returns an unfitted forest.
func New(opts Options) (*Forest, error) {
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("invalid forest options: %w", err)
	}
	return &Forest{opts: opts}, nil
}

// Options returns the effective hyperparameters.
func (f *Forest) Options() Options {
	return f.opts
}

// Features returns the feature schema the forest was fitted on.
func (f *Forest) Features() []models.FeatureSpec {
	return f.specs
}

// ClassWeights returns the negative and positive class weights used for fitting.
func (f *Forest) ClassWeights() (negative, positive float64) {
	return f.classWeight[0], f.classWeight[1]
}

// Fit trains the forest on x (n rows by p features, NaN for missing) and y.
// specs names the columns of x; nil treats every column as numeric.
func (f *Forest) Fit(ctx context.Context, x [][]float64, y []bool, specs []models.FeatureSpec) error {
	n := len(x)
	if n == 0 {
		return ErrEmptyInput
	}
	if len(y) != n {
		return fmt.Errorf("%w: %d rows, %d labels", ErrShapeMismatch, n, len(y))
	}
	p := len(x[0])
	if p == 0 {
		return fmt.Errorf("%w: rows have no features", ErrShapeMismatch)
	}
	for i, row := range x {
		if len(row) != p {
			return fmt.Errorf("%w: row %d has %d features, expected %d", ErrShapeMismatch, i, len(row), p)
		}
	}
	if specs == nil {
		specs = make([]models.FeatureSpec, p)
		for j := range specs {
			specs[j] = models.FeatureSpec{Name: fmt.Sprintf("f%d", j), Kind: models.Numeric}
		}
	}
	if len(specs) != p {
		return fmt.Errorf("%w: %d feature specs for %d columns", ErrShapeMismatch, len(specs), p)
	}

	positives := 0
	for _, v := range y {
		if v {
			positives++
		}
	}
	if positives == 0 || positives == n {
		return fmt.Errorf("%w: %d of %d rows are positive", ErrDegenerateLabels, positives, n)
	}

	classWeight := [2]float64{1, 1}
	if f.opts.ClassWeight == ClassWeightBalanced {
		classWeight[0] = float64(n) / (2 * float64(n-positives))
		classWeight[1] = float64(n) / (2 * float64(positives))
	}

	kinds := make([]models.FeatureKind, p)
	for j, s := range specs {
		kinds[j] = s.Kind
	}

	master := rand.New(rand.NewSource(f.opts.Seed))
	seeds := make([]int64, f.opts.Trees)
	for i := range seeds {
		seeds[i] = master.Int63()
	}

	trees := make([]*tree, f.opts.Trees)
	bags := make([][]int, f.opts.Trees)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.opts.Workers)
	for i := range trees {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			trees[i], bags[i] = fitTree(x, y, kinds, classWeight, &f.opts, seeds[i])
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("failed to fit trees: %w", err)
	}

	f.specs = specs
	f.trees = trees
	f.classWeight = classWeight
	f.importances = meanImportances(trees, p)
	f.oob = outOfBag(trees, bags, x, y)
	return nil
}

// meanImportances normalizes each tree's impurity decreases, averages them and
// renormalizes the result to sum to one. Trees without splits contribute zeros.
func meanImportances(trees []*tree, p int) []float64 {
	out := make([]float64, p)
	for _, t := range trees {
		sum := 0.0
		for _, g := range t.gains {
			sum += g
		}
		if sum == 0 {
			continue
		}
		for j, g := range t.gains {
			out[j] += g / sum
		}
	}
	sum := 0.0
	for _, v := range out {
		sum += v
	}
	if sum > 0 {
		for j := range out {
			out[j] /= sum
		}
	}
	return out
}

func outOfBag(trees []*tree, bags [][]int, x [][]float64, y []bool) models.Evaluation {
	sums := make([]float64, len(x))
	votes := make([]int, len(x))
	for t, tr := range trees {
		for i, c := range bags[t] {
			if c == 0 {
				sums[i] += tr.proba(x[i])
				votes[i]++
			}
		}
	}

	var truth, pred []bool
	for i := range x {
		if votes[i] == 0 {
			continue
		}
		truth = append(truth, y[i])
		pred = append(pred, sums[i]/float64(votes[i]) > 0.5)
	}
	return Evaluate(truth, pred)
}

// Importances returns the features ranked by descending importance, ties
// broken by name.
func (f *Forest) Importances() ([]models.FeatureImportance, error) {
	if f.trees == nil {
		return nil, ErrNotFitted
	}
	out := make([]models.FeatureImportance, len(f.specs))
	for j, s := range f.specs {
		out[j] = models.FeatureImportance{Feature: s.Name, Importance: f.importances[j]}
	}
	sort.SliceStable(out, func(a, b int) bool {
		if out[a].Importance != out[b].Importance {
			return out[a].Importance > out[b].Importance
		}
		return out[a].Feature < out[b].Feature
	})
	for i := range out {
		out[i].Rank = i + 1
	}
	return out, nil
}

// PredictProba returns the mean positive-class probability across trees per row.
func (f *Forest) PredictProba(x [][]float64) ([]float64, error) {
	if f.trees == nil {
		return nil, ErrNotFitted
	}
	p := len(f.specs)
	out := make([]float64, len(x))
	for i, row := range x {
		if len(row) != p {
			return nil, fmt.Errorf("%w: row %d has %d features, expected %d", ErrShapeMismatch, i, len(row), p)
		}
		sum := 0.0
		for _, t := range f.trees {
			sum += t.proba(row)
		}
		out[i] = sum / float64(len(f.trees))
	}
	return out, nil
}

// Predict labels a row positive iff its mean positive probability exceeds 0.5.
func (f *Forest) Predict(x [][]float64) ([]bool, error) {
	proba, err := f.PredictProba(x)
	if err != nil {
		return nil, err
	}
	out := make([]bool, len(proba))
	for i, pr := range proba {
		out[i] = pr > 0.5
	}
	return out, nil
}

// OOBEvaluation returns the out-of-bag metrics computed during Fit. Rows that
// were drawn by every tree are not counted.
func (f *Forest) OOBEvaluation() (models.Evaluation, error) {
	if f.trees == nil {
		return models.Evaluation{}, ErrNotFitted
	}
	return f.oob, nil
}
