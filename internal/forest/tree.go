package forest

import (
	"math"
	"math/rand"
	"sort"

	"github.com/rewired-gh/busrisk/internal/models"
)

// gainEpsilon absorbs rounding noise so that splits which do not separate the
// classes are never accepted.
const gainEpsilon = 1e-12

// node is either a leaf carrying the weighted positive-class probability, or
// an internal split. x[feature] <= threshold (numeric) or x[feature] ==
// threshold (categorical) goes left; NaN follows missingLeft.
type node struct {
	leaf bool
	prob float64

	feature     int
	threshold   float64
	categorical bool
	missingLeft bool
	left        *node
	right       *node
}

func (n *node) goesLeft(x []float64) bool {
	v := x[n.feature]
	if math.IsNaN(v) {
		return n.missingLeft
	}
	if n.categorical {
		return v == n.threshold
	}
	return v <= n.threshold
}

type tree struct {
	root  *node
	gains []float64 // weighted impurity decrease per feature
}

func (t *tree) proba(x []float64) float64 {
	n := t.root
	for !n.leaf {
		if n.goesLeft(x) {
			n = n.left
		} else {
			n = n.right
		}
	}
	return n.prob
}

// builder grows one tree. Each row carries its bootstrap count and a
// sample weight of count * classWeight[label].
type builder struct {
	x           [][]float64
	y           []bool
	counts      []int
	weights     []float64
	kinds       []models.FeatureKind
	opts        *Options
	maxFeatures int
	totalWeight float64
	impurity    func(pos, neg float64) float64
	rnd         *rand.Rand
	gains       []float64
}

// split is a candidate partition of a node.
type split struct {
	gain        float64
	feature     int
	threshold   float64
	categorical bool
	missingLeft bool
}

// side accumulates the class weights and sample count of one side of a split.
type side struct {
	pos, neg float64
	n        int
}

func (s *side) add(o side) {
	s.pos += o.pos
	s.neg += o.neg
	s.n += o.n
}

func (s side) minus(o side) side {
	return side{pos: s.pos - o.pos, neg: s.neg - o.neg, n: s.n - o.n}
}

func (s side) weight() float64 { return s.pos + s.neg }

func fitTree(x [][]float64, y []bool, kinds []models.FeatureKind, classWeight [2]float64, opts *Options, seed int64) (*tree, []int) {
	n := len(x)
	p := len(kinds)
	rnd := rand.New(rand.NewSource(seed))

	counts := make([]int, n)
	for i := 0; i < n; i++ {
		counts[rnd.Intn(n)]++
	}

	b := &builder{
		x:       x,
		y:       y,
		counts:  counts,
		weights: make([]float64, n),
		kinds:   kinds,
		opts:    opts,
		rnd:     rnd,
		gains:   make([]float64, p),
	}
	b.maxFeatures = opts.MaxFeatures
	if b.maxFeatures == 0 {
		b.maxFeatures = int(math.Sqrt(float64(p)))
	}
	if b.maxFeatures < 1 {
		b.maxFeatures = 1
	}
	if b.maxFeatures > p {
		b.maxFeatures = p
	}
	b.impurity = gini
	if opts.Criterion == CriterionEntropy {
		b.impurity = entropy
	}

	idx := make([]int, 0, n)
	for i, c := range counts {
		if c == 0 {
			continue
		}
		cls := 0
		if y[i] {
			cls = 1
		}
		b.weights[i] = float64(c) * classWeight[cls]
		b.totalWeight += b.weights[i]
		idx = append(idx, i)
	}

	return &tree{root: b.build(idx, 0), gains: b.gains}, counts
}

func (b *builder) stats(idx []int) side {
	var s side
	for _, i := range idx {
		if b.y[i] {
			s.pos += b.weights[i]
		} else {
			s.neg += b.weights[i]
		}
		s.n += b.counts[i]
	}
	return s
}

func (b *builder) build(idx []int, depth int) *node {
	total := b.stats(idx)
	leaf := &node{leaf: true}
	if w := total.weight(); w > 0 {
		leaf.prob = total.pos / w
	}

	if total.pos == 0 || total.neg == 0 {
		return leaf
	}
	if total.n < b.opts.MinSamplesSplit || total.n < 2*b.opts.MinSamplesLeaf {
		return leaf
	}
	if b.opts.MaxDepth > 0 && depth >= b.opts.MaxDepth {
		return leaf
	}

	best := split{feature: -1}
	for _, f := range b.rnd.Perm(len(b.kinds))[:b.maxFeatures] {
		var s split
		if b.kinds[f] == models.Categorical {
			s = b.bestCategoricalSplit(idx, f, total)
		} else {
			s = b.bestNumericSplit(idx, f, total)
		}
		if s.feature >= 0 && s.gain > best.gain {
			best = s
		}
	}

	if best.feature < 0 || best.gain <= gainEpsilon || best.gain/b.totalWeight <= b.opts.MinImpurityDecrease {
		return leaf
	}

	n := &node{
		feature:     best.feature,
		threshold:   best.threshold,
		categorical: best.categorical,
		missingLeft: best.missingLeft,
	}
	var left, right []int
	for _, i := range idx {
		if n.goesLeft(b.x[i]) {
			left = append(left, i)
		} else {
			right = append(right, i)
		}
	}
	b.gains[best.feature] += best.gain
	n.left = b.build(left, depth+1)
	n.right = b.build(right, depth+1)
	return n
}

// decrease returns the weighted impurity decrease of splitting parent into l and r,
// or -1 if either side violates the leaf size limit.
func (b *builder) decrease(parent, l, r side) float64 {
	if l.n < b.opts.MinSamplesLeaf || r.n < b.opts.MinSamplesLeaf {
		return -1
	}
	return parent.weight()*b.impurity(parent.pos, parent.neg) -
		l.weight()*b.impurity(l.pos, l.neg) -
		r.weight()*b.impurity(r.pos, r.neg)
}

type valued struct {
	v float64
	s side
}

// collect splits the node rows into non-missing values and the NaN aggregate.
func (b *builder) collect(idx []int, f int) ([]valued, side) {
	var missing side
	values := make([]valued, 0, len(idx))
	for _, i := range idx {
		s := side{n: b.counts[i]}
		if b.y[i] {
			s.pos = b.weights[i]
		} else {
			s.neg = b.weights[i]
		}
		v := b.x[i][f]
		if math.IsNaN(v) {
			missing.add(s)
			continue
		}
		values = append(values, valued{v: v, s: s})
	}
	return values, missing
}

// try evaluates the candidate with present rows split into l and the rest,
// placing NaN rows on either side.
func (b *builder) try(best *split, total, l, missing side, f int, threshold float64, categorical bool) {
	present := total.minus(missing)
	r := present.minus(l)
	if g := b.decrease(total, l, side{pos: r.pos + missing.pos, neg: r.neg + missing.neg, n: r.n + missing.n}); g > best.gain {
		*best = split{gain: g, feature: f, threshold: threshold, categorical: categorical}
	}
	if missing.n == 0 {
		return
	}
	withMissing := l
	withMissing.add(missing)
	if g := b.decrease(total, withMissing, r); g > best.gain {
		*best = split{gain: g, feature: f, threshold: threshold, categorical: categorical, missingLeft: true}
	}
}

func (b *builder) bestNumericSplit(idx []int, f int, total side) split {
	best := split{feature: -1}
	values, missing := b.collect(idx, f)
	if len(values) == 0 {
		return best
	}
	sort.Slice(values, func(i, j int) bool { return values[i].v < values[j].v })

	var l side
	for i := 0; i < len(values); i++ {
		l.add(values[i].s)
		if i+1 < len(values) {
			if values[i].v == values[i+1].v {
				continue
			}
			b.try(&best, total, l, missing, f, (values[i].v+values[i+1].v)/2, false)
			continue
		}
		// All present values left, NaN right.
		if missing.n > 0 {
			if g := b.decrease(total, l, missing); g > best.gain {
				best = split{gain: g, feature: f, threshold: values[i].v}
			}
		}
	}
	return best
}

func (b *builder) bestCategoricalSplit(idx []int, f int, total side) split {
	best := split{feature: -1}
	values, missing := b.collect(idx, f)
	if len(values) == 0 {
		return best
	}

	byCategory := map[float64]*side{}
	var categories []float64
	for _, v := range values {
		s, ok := byCategory[v.v]
		if !ok {
			s = &side{}
			byCategory[v.v] = s
			categories = append(categories, v.v)
		}
		s.add(v.s)
	}
	sort.Float64s(categories)

	for _, c := range categories {
		b.try(&best, total, *byCategory[c], missing, f, c, true)
	}
	return best
}

func gini(pos, neg float64) float64 {
	w := pos + neg
	if w == 0 {
		return 0
	}
	p, q := pos/w, neg/w
	return 1 - p*p - q*q
}

func entropy(pos, neg float64) float64 {
	w := pos + neg
	if w == 0 {
		return 0
	}
	h := 0.0
	for _, c := range []float64{pos, neg} {
		if c > 0 {
			pr := c / w
			h -= pr * math.Log2(pr)
		}
	}
	return h
}
