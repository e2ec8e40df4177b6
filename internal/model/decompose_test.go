package model

import (
	"errors"
	"math"
	"testing"
	"time"

	"gonum.org/v1/gonum/mat"
)

// trendSeason is an exact instance of the decomposition's model family.
func trendSeason(i int) float64 {
	return 50 + 1.5*float64(i) + 30*math.Sin(2*math.Pi*float64(i)/seasonalPeriod)
}

func TestDecompositionRecoversTrendAndSeason(t *testing.T) {
	train := genSeries(trainStart, 156, trendSeason)
	m := newDecomposition(1)
	if err := m.Fit(train); err != nil {
		t.Fatalf("Fit: %v", err)
	}

	last := train[len(train)-1].WeekStart
	dates := make([]time.Time, 8)
	for i := range dates {
		dates[i] = last.AddDate(0, 0, 7*(i+1))
	}
	fc, err := m.Predict(dates)
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	for i, p := range fc {
		want := trendSeason(156 + i)
		if math.Abs(p.Value-want) > 0.5 {
			t.Errorf("step %d: prediction = %.3f, want near %.3f", i+1, p.Value, want)
		}
		if p.Lower > p.Value || p.Value > p.Upper {
			t.Errorf("step %d: interval does not bracket the point estimate: %+v", i+1, p)
		}
	}
}

func TestDecompositionDeterministicForSeed(t *testing.T) {
	train := genSeries(trainStart, 156, func(i int) float64 {
		return trendSeason(i) + 20*math.Cos(float64(i)*1.3)
	})
	last := train[len(train)-1].WeekStart
	dates := []time.Time{last.AddDate(0, 0, 7), last.AddDate(0, 0, 14)}

	var got [2]Forecast
	for run := 0; run < 2; run++ {
		m := newDecomposition(9)
		if err := m.Fit(train); err != nil {
			t.Fatalf("Fit: %v", err)
		}
		fc, err := m.Predict(dates)
		if err != nil {
			t.Fatalf("Predict: %v", err)
		}
		got[run] = fc
	}
	for i := range got[0] {
		if got[0][i] != got[1][i] {
			t.Errorf("step %d: runs with the same seed diverge: %+v vs %+v", i, got[0][i], got[1][i])
		}
	}
}

func TestDecompositionShortSeries(t *testing.T) {
	train := genSeries(trainStart, 10, trendSeason)
	m := newDecomposition(1)
	if err := m.Fit(train); !errors.Is(err, ErrFitFailure) {
		t.Fatalf("err = %v, want ErrFitFailure", err)
	}
}

func TestDecompositionPredictBeforeFit(t *testing.T) {
	m := newDecomposition(1)
	if _, err := m.Predict([]time.Time{trainStart}); !errors.Is(err, ErrNotFitted) {
		t.Fatalf("err = %v, want ErrNotFitted", err)
	}
}

func TestDecompositionBoostCorrectsResiduals(t *testing.T) {
	// Residual structure the base cannot express: a month-dependent step on
	// top of the trend-plus-season family.
	train := genSeries(trainStart, 156, func(i int) float64 {
		d := trainStart.AddDate(0, 0, 7*i)
		bump := 0.0
		if d.Month() == time.July {
			bump = 200
		}
		return trendSeason(i) + bump
	})

	base := newDecomposition(3)
	if err := base.Fit(train); err != nil {
		t.Fatalf("base Fit: %v", err)
	}
	boosted := newDecompositionBoost(3)
	if err := boosted.Fit(train); err != nil {
		t.Fatalf("boosted Fit: %v", err)
	}

	// Predict the July weeks of the following year: the boosted variant
	// must sit closer to the bumped level than the base.
	last := train[len(train)-1].WeekStart
	var julyDates []time.Time
	for i := 1; i <= 52; i++ {
		d := last.AddDate(0, 0, 7*i)
		if d.Month() == time.July {
			julyDates = append(julyDates, d)
		}
	}
	if len(julyDates) == 0 {
		t.Fatal("no July weeks in the horizon")
	}

	baseFc, err := base.Predict(julyDates)
	if err != nil {
		t.Fatalf("base Predict: %v", err)
	}
	boostFc, err := boosted.Predict(julyDates)
	if err != nil {
		t.Fatalf("boosted Predict: %v", err)
	}
	var baseErr, boostErr float64
	for i := range julyDates {
		steps := int(julyDates[i].Sub(trainStart).Hours() / 24 / 7)
		want := trendSeason(steps) + 200
		baseErr += math.Abs(baseFc[i].Value - want)
		boostErr += math.Abs(boostFc[i].Value - want)
	}
	if boostErr >= baseErr {
		t.Errorf("boosted July error %.1f not below base error %.1f", boostErr, baseErr)
	}
}

func TestDecompositionBoostIntervalsFollowCorrection(t *testing.T) {
	train := genSeries(trainStart, 156, trendSeason)
	m := newDecompositionBoost(5)
	if err := m.Fit(train); err != nil {
		t.Fatalf("Fit: %v", err)
	}
	last := train[len(train)-1].WeekStart
	fc, err := m.Predict([]time.Time{last.AddDate(0, 0, 7)})
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	p := fc[0]
	if p.Lower > p.Value || p.Value > p.Upper {
		t.Errorf("interval does not bracket the point estimate: %+v", p)
	}
}

func TestPseudoInverseOnSingularDesign(t *testing.T) {
	// Third column is the sum of the first two, so X'X is singular and
	// plain inversion fails; the SVD path must still produce a usable
	// coefficient covariance.
	n, p := 20, 3
	x := mat.NewDense(n, p, nil)
	for i := 0; i < n; i++ {
		a, b := 1.0, float64(i)
		x.Set(i, 0, a)
		x.Set(i, 1, b)
		x.Set(i, 2, a+b)
	}

	var xtx mat.Dense
	xtx.Mul(x.T(), x)
	var probeInv mat.Dense
	if err := probeInv.Inverse(&xtx); err == nil {
		t.Fatal("design is not singular; test premise broken")
	}

	var svd mat.SVD
	if !svd.Factorize(x, mat.SVDThin) {
		t.Fatal("SVD factorization failed")
	}
	var pinv mat.Dense
	xtxPseudoInverse(&svd, p, &pinv)

	// Moore-Penrose identity (X'X) P (X'X) = X'X on the pseudo-inverse.
	var tmp, back mat.Dense
	tmp.Mul(&xtx, &pinv)
	back.Mul(&tmp, &xtx)
	for i := 0; i < p; i++ {
		for j := 0; j < p; j++ {
			if diff := math.Abs(back.At(i, j) - xtx.At(i, j)); diff > 1e-6 {
				t.Errorf("(X'X)P(X'X)[%d,%d] off by %g", i, j, diff)
			}
		}
	}

	// The identified directions keep real variance, not a collapsed
	// epsilon diagonal.
	for i := 0; i < p; i++ {
		if pinv.At(i, i) <= 1e-10 {
			t.Errorf("pseudo-inverse diagonal [%d] = %g, coefficient uncertainty collapsed", i, pinv.At(i, i))
		}
	}
}
