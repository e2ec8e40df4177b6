package model

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
	"time"

	"github.com/transit-lab/farecast/internal/features"
	"github.com/transit-lab/farecast/internal/series"
)

// gbtParams controls the gradient-boosted tree ensemble shared by the
// tabular strategy and the residual-correction stages.
type gbtParams struct {
	Rounds       int
	MaxDepth     int
	LearningRate float64
	MinLeaf      int
	Subsample    float64
}

func defaultGBTParams() gbtParams {
	return gbtParams{
		Rounds:       200,
		MaxDepth:     3,
		LearningRate: 0.1,
		MinLeaf:      2,
		Subsample:    0.9,
	}
}

// gbt is a least-squares gradient booster over depth-limited regression
// trees. Each round fits a tree to the current residuals on a seeded row
// subsample, so fitting is deterministic for a fixed seed.
type gbt struct {
	params gbtParams
	rng    *rand.Rand

	base  float64
	trees []*treeNode
}

type treeNode struct {
	leaf      bool
	value     float64
	feature   int
	threshold float64
	left      *treeNode
	right     *treeNode
}

func newGBT(params gbtParams, seed int64) *gbt {
	return &gbt{params: params, rng: rand.New(rand.NewSource(seed))}
}

func (g *gbt) fit(x [][]float64, y []float64) error {
	n := len(y)
	if n == 0 || len(x) != n {
		return fmt.Errorf("gbt: %d rows vs %d targets", len(x), n)
	}

	g.base = mean(y)
	resid := make([]float64, n)
	for i, v := range y {
		resid[i] = v - g.base
	}

	sampleSize := int(g.params.Subsample * float64(n))
	if sampleSize < g.params.MinLeaf*2 {
		sampleSize = n
	}

	g.trees = make([]*treeNode, 0, g.params.Rounds)
	idx := make([]int, n)
	for r := 0; r < g.params.Rounds; r++ {
		for i := range idx {
			idx[i] = i
		}
		g.rng.Shuffle(n, func(i, j int) { idx[i], idx[j] = idx[j], idx[i] })
		sample := idx[:sampleSize]

		tree := g.buildTree(x, resid, sample, 0)
		g.trees = append(g.trees, tree)

		for i := range resid {
			resid[i] -= g.params.LearningRate * evalTree(tree, x[i])
		}
	}
	return nil
}

func (g *gbt) predict(row []float64) float64 {
	out := g.base
	for _, t := range g.trees {
		out += g.params.LearningRate * evalTree(t, row)
	}
	return out
}

// buildTree grows a regression tree on the sampled rows by greedy variance
// reduction down to MaxDepth.
func (g *gbt) buildTree(x [][]float64, y []float64, rows []int, depth int) *treeNode {
	if depth >= g.params.MaxDepth || len(rows) < 2*g.params.MinLeaf {
		return &treeNode{leaf: true, value: meanAt(y, rows)}
	}

	bestFeat, bestThresh, bestGain := -1, 0.0, 0.0
	baseSSE := sseAt(y, rows)

	nFeat := len(x[rows[0]])
	for f := 0; f < nFeat; f++ {
		thresholds := candidateThresholds(x, rows, f)
		for _, th := range thresholds {
			var leftSum, rightSum float64
			var leftN, rightN int
			for _, i := range rows {
				if x[i][f] <= th {
					leftSum += y[i]
					leftN++
				} else {
					rightSum += y[i]
					rightN++
				}
			}
			if leftN < g.params.MinLeaf || rightN < g.params.MinLeaf {
				continue
			}
			// SSE decomposition: gain from separating the two means.
			gain := baseSSE - splitSSE(x, y, rows, f, th, leftSum/float64(leftN), rightSum/float64(rightN))
			if gain > bestGain {
				bestGain, bestFeat, bestThresh = gain, f, th
			}
		}
	}

	if bestFeat < 0 {
		return &treeNode{leaf: true, value: meanAt(y, rows)}
	}

	var left, right []int
	for _, i := range rows {
		if x[i][bestFeat] <= bestThresh {
			left = append(left, i)
		} else {
			right = append(right, i)
		}
	}
	return &treeNode{
		feature:   bestFeat,
		threshold: bestThresh,
		left:      g.buildTree(x, y, left, depth+1),
		right:     g.buildTree(x, y, right, depth+1),
	}
}

func evalTree(t *treeNode, row []float64) float64 {
	for !t.leaf {
		if row[t.feature] <= t.threshold {
			t = t.left
		} else {
			t = t.right
		}
	}
	return t.value
}

// candidateThresholds returns midpoints between adjacent distinct sampled
// feature values, capped to keep split search bounded.
func candidateThresholds(x [][]float64, rows []int, f int) []float64 {
	vals := make([]float64, 0, len(rows))
	for _, i := range rows {
		vals = append(vals, x[i][f])
	}
	sort.Float64s(vals)
	out := make([]float64, 0, 32)
	step := 1
	if len(vals) > 64 {
		step = len(vals) / 64
	}
	for i := step; i < len(vals); i += step {
		if vals[i] != vals[i-1] {
			out = append(out, (vals[i]+vals[i-1])/2)
		}
	}
	return out
}

func mean(y []float64) float64 {
	if len(y) == 0 {
		return 0
	}
	s := 0.0
	for _, v := range y {
		s += v
	}
	return s / float64(len(y))
}

func meanAt(y []float64, rows []int) float64 {
	if len(rows) == 0 {
		return 0
	}
	s := 0.0
	for _, i := range rows {
		s += y[i]
	}
	return s / float64(len(rows))
}

func sseAt(y []float64, rows []int) float64 {
	m := meanAt(y, rows)
	s := 0.0
	for _, i := range rows {
		d := y[i] - m
		s += d * d
	}
	return s
}

func splitSSE(x [][]float64, y []float64, rows []int, f int, th, leftMean, rightMean float64) float64 {
	s := 0.0
	for _, i := range rows {
		var d float64
		if x[i][f] <= th {
			d = y[i] - leftMean
		} else {
			d = y[i] - rightMean
		}
		s += d * d
	}
	return s
}

// boostedTrees is the plain tabular strategy: calendar features in,
// gradient-boosted trees out. It carries no native interval mechanism.
type boostedTrees struct {
	seed    int64
	encoder *features.Encoder
	booster *gbt
}

func newBoostedTrees(seed int64) *boostedTrees {
	return &boostedTrees{seed: seed}
}

func (m *boostedTrees) ID() string         { return StrategyBoostedTrees.String() }
func (m *boostedTrees) HasIntervals() bool { return false }

func (m *boostedTrees) Fit(train series.WeeklySeries) error {
	if len(train) == 0 {
		return fmt.Errorf("%w: %s: empty training series", ErrFitFailure, m.ID())
	}
	dates := train.Dates()
	m.encoder = features.NewEncoder(dates)
	x := m.encoder.Build(dates).Rows

	m.booster = newGBT(defaultGBTParams(), m.seed)
	if err := m.booster.fit(x, train.Values()); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrFitFailure, m.ID(), err)
	}
	return nil
}

func (m *boostedTrees) Predict(dates []time.Time) (Forecast, error) {
	if m.booster == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFitted, m.ID())
	}
	x := m.encoder.Build(dates).Rows
	out := make(Forecast, len(dates))
	for i, d := range dates {
		v := m.booster.predict(x[i])
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("%s: non-finite prediction for %s", m.ID(), d.Format("2006-01-02"))
		}
		out[i] = Point{Date: d, Value: v, Lower: v, Upper: v}
	}
	return out, nil
}
