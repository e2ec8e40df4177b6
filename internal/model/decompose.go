package model

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/transit-lab/farecast/internal/features"
	"github.com/transit-lab/farecast/internal/series"
)

// fourierOrder is the number of yearly harmonics in the seasonal component.
const fourierOrder = 6

// uncertaintyDraws is the sample count behind the decomposition intervals.
const uncertaintyDraws = 500

// decomposition fits an additive trend-plus-yearly-seasonality model by
// least squares: y_t = a + b*t + sum_k [c_k sin(2πkt/52) + d_k cos(2πkt/52)].
// Intervals come from seeded sampling of the coefficient posterior plus
// observation noise, the model's built-in uncertainty mechanism.
type decomposition struct {
	seed int64

	coef    []float64
	cholL   *mat.TriDense // Cholesky factor of the coefficient covariance
	sigma   float64
	nFit    int
	lastFit time.Time
	resid   []float64 // in-sample residuals, consumed by the boosted variant
	fitted  bool
}

func newDecomposition(seed int64) *decomposition {
	return &decomposition{seed: seed}
}

func (m *decomposition) ID() string         { return StrategyDecomposition.String() }
func (m *decomposition) HasIntervals() bool { return true }

func designRow(t int) []float64 {
	row := make([]float64, 0, 2+2*fourierOrder)
	row = append(row, 1, float64(t))
	for k := 1; k <= fourierOrder; k++ {
		arg := 2 * math.Pi * float64(k) * float64(t) / seasonalPeriod
		row = append(row, math.Sin(arg), math.Cos(arg))
	}
	return row
}

// xtxPseudoInverse writes (X'X)^+ = V diag(1/s^2) V' into dst from the
// thin SVD factors of X, restricted to the non-negligible singular values.
func xtxPseudoInverse(svd *mat.SVD, p int, dst *mat.Dense) {
	var v mat.Dense
	svd.VTo(&v)
	s := svd.Values(nil)
	scaled := mat.NewDense(p, len(s), nil)
	for j, sv := range s {
		if sv <= 1e-12*s[0] {
			continue
		}
		for i := 0; i < p; i++ {
			scaled.Set(i, j, v.At(i, j)/sv)
		}
	}
	dst.Mul(scaled, scaled.T())
}

func (m *decomposition) Fit(train series.WeeklySeries) error {
	n := len(train)
	p := 2 + 2*fourierOrder
	if n <= p {
		return fmt.Errorf("%w: %s: need more than %d observations, got %d", ErrFitFailure, m.ID(), p, n)
	}

	x := mat.NewDense(n, p, nil)
	y := mat.NewVecDense(n, train.Values())
	for t := 0; t < n; t++ {
		x.SetRow(t, designRow(t))
	}

	// Normal equations first; SVD-based least squares when X'X is
	// singular or badly conditioned.
	var xtx mat.Dense
	xtx.Mul(x.T(), x)

	beta := mat.NewVecDense(p, nil)
	var xtxInv mat.Dense
	if err := xtxInv.Inverse(&xtx); err == nil {
		var xty mat.VecDense
		xty.MulVec(x.T(), y)
		beta.MulVec(&xtxInv, &xty)
	} else {
		var svd mat.SVD
		if !svd.Factorize(x, mat.SVDThin) {
			return fmt.Errorf("%w: %s: design matrix SVD failed", ErrFitFailure, m.ID())
		}
		var b mat.Dense
		svd.SolveTo(&b, y, svd.Rank(1e-12))
		for i := 0; i < p; i++ {
			beta.SetVec(i, b.At(i, 0))
		}
		xtxPseudoInverse(&svd, p, &xtxInv)
	}

	// Residuals and noise scale.
	var yhat mat.VecDense
	yhat.MulVec(x, beta)
	resid := make([]float64, n)
	var sumSq float64
	for i := 0; i < n; i++ {
		resid[i] = y.AtVec(i) - yhat.AtVec(i)
		sumSq += resid[i] * resid[i]
	}
	df := float64(n - p)
	sigma := math.Sqrt(sumSq / df)

	// Coefficient covariance sigma^2 (X'X)^-1, factorized once for the
	// sampling step at predict time.
	cov := mat.NewSymDense(p, nil)
	for i := 0; i < p; i++ {
		for j := i; j < p; j++ {
			cov.SetSym(i, j, sigma*sigma*xtxInv.At(i, j))
		}
	}
	var chol mat.Cholesky
	m.cholL = mat.NewTriDense(p, mat.Lower, nil)
	if chol.Factorize(cov) {
		chol.LTo(m.cholL)
	} else {
		// Rank-deficient covariance: a small diagonal jitter keeps the
		// uncertainty in the identified directions factorizable.
		var maxDiag float64
		for i := 0; i < p; i++ {
			if d := cov.At(i, i); d > maxDiag {
				maxDiag = d
			}
		}
		jitter := 1e-9*maxDiag + 1e-18
		for i := 0; i < p; i++ {
			cov.SetSym(i, i, cov.At(i, i)+jitter)
		}
		if chol.Factorize(cov) {
			chol.LTo(m.cholL)
		} else {
			// Keep only the observation noise.
			for i := 0; i < p; i++ {
				m.cholL.SetTri(i, i, 0)
			}
		}
	}

	m.coef = make([]float64, p)
	for i := 0; i < p; i++ {
		m.coef[i] = beta.AtVec(i)
	}
	m.sigma = sigma
	m.resid = resid
	m.nFit = n
	m.lastFit = train[n-1].WeekStart
	m.fitted = true
	return nil
}

func (m *decomposition) Predict(dates []time.Time) (Forecast, error) {
	if !m.fitted {
		return nil, fmt.Errorf("%w: %s", ErrNotFitted, m.ID())
	}
	offsets, err := weeklyHorizonOffsets(m.lastFit, dates)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", m.ID(), err)
	}

	p := len(m.coef)
	rng := rand.New(rand.NewSource(m.seed))

	// Coefficient draws are shared across the horizon so sampled paths
	// stay internally consistent.
	draws := make([][]float64, uncertaintyDraws)
	z := make([]float64, p)
	for b := range draws {
		for i := range z {
			z[i] = rng.NormFloat64()
		}
		d := make([]float64, p)
		copy(d, m.coef)
		for i := 0; i < p; i++ {
			for j := 0; j <= i; j++ {
				d[i] += m.cholL.At(i, j) * z[j]
			}
		}
		draws[b] = d
	}

	out := make(Forecast, len(dates))
	sampled := make([]float64, uncertaintyDraws)
	for i, h := range offsets {
		row := designRow(m.nFit + h - 1)
		point := dot(row, m.coef)
		for b, d := range draws {
			sampled[b] = dot(row, d) + rng.NormFloat64()*m.sigma
		}
		lo, hi := sampleQuantiles(sampled, 0.025, 0.975)
		// Sampling noise can leave the point estimate marginally outside
		// the empirical quantiles; clamp to keep the row invariant.
		if lo > point {
			lo = point
		}
		if hi < point {
			hi = point
		}
		out[i] = Point{Date: dates[i], Value: point, Lower: lo, Upper: hi}
	}
	return out, nil
}

func dot(a, b []float64) float64 {
	s := 0.0
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}

func sampleQuantiles(v []float64, p1, p2 float64) (float64, float64) {
	sorted := make([]float64, len(v))
	copy(sorted, v)
	sort.Float64s(sorted)
	i1 := int(p1 * float64(len(sorted)))
	i2 := int(p2 * float64(len(sorted)))
	if i2 >= len(sorted) {
		i2 = len(sorted) - 1
	}
	return sorted[i1], sorted[i2]
}

// decompositionBoost layers a gradient-boosted residual correction on the
// decomposition base. The correction consumes calendar features; interval
// bounds propagate from the base model, shifted by the correction.
type decompositionBoost struct {
	seed    int64
	base    *decomposition
	encoder *features.Encoder
	booster *gbt
}

func newDecompositionBoost(seed int64) *decompositionBoost {
	return &decompositionBoost{seed: seed, base: newDecomposition(seed)}
}

func (m *decompositionBoost) ID() string         { return StrategyDecompositionBoost.String() }
func (m *decompositionBoost) HasIntervals() bool { return true }

func (m *decompositionBoost) Fit(train series.WeeklySeries) error {
	if err := m.base.Fit(train); err != nil {
		return fmt.Errorf("%w: %s: base: %v", ErrFitFailure, m.ID(), err)
	}

	dates := train.Dates()
	m.encoder = features.NewEncoder(dates)
	x := m.encoder.Build(dates).Rows

	params := defaultGBTParams()
	params.Rounds = 100 // the correction models what the base missed
	m.booster = newGBT(params, m.seed+1)
	if err := m.booster.fit(x, m.base.resid); err != nil {
		return fmt.Errorf("%w: %s: residual booster: %v", ErrFitFailure, m.ID(), err)
	}
	return nil
}

func (m *decompositionBoost) Predict(dates []time.Time) (Forecast, error) {
	baseFc, err := m.base.Predict(dates)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", m.ID(), err)
	}
	x := m.encoder.Build(dates).Rows
	out := make(Forecast, len(baseFc))
	for i, p := range baseFc {
		corr := m.booster.predict(x[i])
		out[i] = Point{
			Date:  p.Date,
			Value: p.Value + corr,
			Lower: p.Lower + corr,
			Upper: p.Upper + corr,
		}
	}
	return out, nil
}
