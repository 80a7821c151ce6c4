package query

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

func TestSelectiveMLEFarFromBoundaryIsUnadjusted(t *testing.T) {
	// with c = -60 the region u >= 0 is irrelevant, so the MLE is the
	// observed statistic with unit information
	for _, s := range []float64{-1.3, 0, 0.4, 2.2} {
		cond := oneDimConditional(t, s, -60)
		sampler, err := NewAffineGaussianSampler(cond, cond.Mean, []float64{s}, SelectionVariable{}, rand.New(rand.NewSource(1)))
		if err != nil {
			t.Fatalf("new sampler: %v", err)
		}
		res, err := sampler.SelectiveMLE(scalarTarget(s, 1), DefaultSolveArgs())
		if err != nil {
			t.Fatalf("selective mle: %v", err)
		}
		if math.Abs(res.Estimate[0]-s) > 1e-2 {
			t.Fatalf("estimate %v too far from observed %v", res.Estimate[0], s)
		}
		if math.Abs(res.ObservedInfo.At(0, 0)-1) > 1e-2 {
			t.Fatalf("expected unit information, got %v", res.ObservedInfo.At(0, 0))
		}
		if math.Abs(res.UnbiasedEstimate[0]-s) > 1e-9 {
			t.Fatalf("unbiased estimate at the conditional mean must equal observed, got %v", res.UnbiasedEstimate[0])
		}
		iv := res.Intervals[0]
		if !(iv[0] < res.Estimate[0] && res.Estimate[0] < iv[1]) {
			t.Fatalf("interval %v does not contain estimate %v", iv, res.Estimate[0])
		}
		if math.Abs((iv[1]-iv[0])/2-1.6448536) > 2e-2 {
			t.Fatalf("unexpected 90%% half width %v", (iv[1]-iv[0])/2)
		}
	}
}

func TestSelectiveMLENullPivotIsCenteredWithoutSelection(t *testing.T) {
	// T = s ~ N(0, 1) and u = omega - s + 60 never reaches the boundary,
	// so Phi(z) of the selective MLE should average one half
	const trials = 600
	rng := rand.New(rand.NewSource(7))
	var pivots, pvalues float64
	for i := 0; i < trials; i++ {
		s := rng.NormFloat64()
		omega := rng.NormFloat64()
		cond := oneDimConditional(t, s, -60)
		sampler, err := NewAffineGaussianSampler(cond, []float64{omega - s + 60}, []float64{s}, SelectionVariable{}, rand.New(rand.NewSource(int64(i))))
		if err != nil {
			t.Fatalf("trial %d: new sampler: %v", i, err)
		}
		res, err := sampler.SelectiveMLE(scalarTarget(s, 1), DefaultSolveArgs())
		if err != nil {
			t.Fatalf("trial %d: selective mle: %v", i, err)
		}
		pivots += distuv.UnitNormal.CDF(res.ZScores[0])
		pvalues += res.PValues[0]
	}
	if mean := pivots / trials; math.Abs(mean-0.5) > 0.05 {
		t.Fatalf("mean null pivot %v, want 0.5 +/- 0.05", mean)
	}
	if mean := pvalues / trials; math.Abs(mean-0.5) > 0.05 {
		t.Fatalf("mean null p-value %v, want 0.5 +/- 0.05", mean)
	}
}

func TestSelectiveMLEAdjustsForInformativeSelection(t *testing.T) {
	// u >= 0 with mean -(s + c) favors small scores, so the selective MLE
	// moves above the observed statistic
	s := 2.0
	cond := oneDimConditional(t, s, -1.5)
	sampler, err := NewAffineGaussianSampler(cond, []float64{0.3}, []float64{s}, SelectionVariable{}, rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatalf("new sampler: %v", err)
	}
	res, err := sampler.SelectiveMLE(scalarTarget(s, 1), DefaultSolveArgs())
	if err != nil {
		t.Fatalf("selective mle: %v", err)
	}
	if !(res.Estimate[0] > s) {
		t.Fatalf("expected estimate above %v, got %v", s, res.Estimate[0])
	}
	if !(res.ObservedInfo.At(0, 0) > 0) || math.IsNaN(res.PValues[0]) {
		t.Fatalf("unexpected summaries: %+v", res)
	}
}

func TestSelectiveMLEReportsNonConvergence(t *testing.T) {
	cond := oneDimConditional(t, 0, -3)
	sampler, err := NewAffineGaussianSampler(cond, []float64{1}, []float64{0}, SelectionVariable{}, rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatalf("new sampler: %v", err)
	}
	_, err = sampler.SelectiveMLE(scalarTarget(0, 1), SolveArgs{MinIterations: 5, MaxIterations: 5})
	var mleErr *MLEError
	if !errors.As(err, &mleErr) || !errors.Is(err, ErrMLENonConvergence) {
		t.Fatalf("expected MLEError, got %v", err)
	}
	if len(mleErr.Last) != 1 {
		t.Fatalf("expected last iterate, got %+v", mleErr)
	}
}

func TestSelectiveMLEValidatesTarget(t *testing.T) {
	cond := oneDimConditional(t, 0, -3)
	sampler, _ := NewAffineGaussianSampler(cond, []float64{1}, []float64{0}, SelectionVariable{}, rand.New(rand.NewSource(1)))
	bad := scalarTarget(0, 1)
	bad.CrossCov = mat.NewDense(1, 2, nil)
	if _, err := sampler.SelectiveMLE(bad, DefaultSolveArgs()); !errors.Is(err, ErrInvalidParameter) {
		t.Fatalf("expected invalid parameter, got %v", err)
	}
	if _, err := sampler.SelectiveMLE(Target{}, DefaultSolveArgs()); !errors.Is(err, ErrInvalidParameter) {
		t.Fatalf("expected invalid parameter for empty target, got %v", err)
	}
}

func TestCoefficientPValuesIndependentTargetIsClassical(t *testing.T) {
	// a target uncorrelated with the score gets constant weights, so the
	// pivot is the empirical normal CDF
	cond := oneDimConditional(t, 0.5, -1)
	sampler, err := NewAffineGaussianSampler(cond, []float64{1}, []float64{0.5}, SelectionVariable{}, rand.New(rand.NewSource(3)))
	if err != nil {
		t.Fatalf("new sampler: %v", err)
	}
	sample, err := sampler.Sample(8000, 200)
	if err != nil {
		t.Fatalf("sample: %v", err)
	}
	target := scalarTarget(1.2, 0)
	pv, err := sampler.CoefficientPValues(target, []float64{1.2}, sample, nil)
	if err != nil {
		t.Fatalf("pvalues: %v", err)
	}
	if pv[0] < 0.9 {
		t.Fatalf("two-sided pivot at the observed value should be near 1, got %v", pv[0])
	}
	less, err := sampler.CoefficientPValues(target, []float64{1.2 - 1.6448536}, sample, []Alternative{Greater})
	if err != nil {
		t.Fatalf("pvalues: %v", err)
	}
	if math.Abs(less[0]-0.05) > 0.02 {
		t.Fatalf("expected upper tail near 0.05, got %v", less[0])
	}

	intervals, err := sampler.ConfidenceIntervals(target, sample, 0.9)
	if err != nil {
		t.Fatalf("intervals: %v", err)
	}
	if math.Abs(intervals[0][0]-(1.2-1.6448536)) > 0.1 || math.Abs(intervals[0][1]-(1.2+1.6448536)) > 0.1 {
		t.Fatalf("unexpected interval %v", intervals[0])
	}
}

func TestCoefficientPValuesExtremeCandidates(t *testing.T) {
	cond := oneDimConditional(t, 0.5, -1)
	sampler, _ := NewAffineGaussianSampler(cond, []float64{1}, []float64{0.5}, SelectionVariable{}, rand.New(rand.NewSource(4)))
	sample, err := sampler.Sample(1000, 100)
	if err != nil {
		t.Fatalf("sample: %v", err)
	}
	target := scalarTarget(0.5, 1)
	target.Alternatives = []Alternative{Less}
	pv, err := sampler.CoefficientPValues(target, []float64{0.5 - 10}, sample, nil)
	if err != nil {
		t.Fatalf("pvalues: %v", err)
	}
	if pv[0] != 1 {
		t.Fatalf("expected pivot 1 far below the observed value, got %v", pv[0])
	}
	pv, _ = sampler.CoefficientPValues(target, []float64{0.5 + 10}, sample, nil)
	if pv[0] != 0 {
		t.Fatalf("expected pivot 0 far above the observed value, got %v", pv[0])
	}
	if _, err := sampler.CoefficientPValues(target, []float64{1, 2}, sample, nil); !errors.Is(err, ErrInvalidParameter) {
		t.Fatalf("expected invalid parameter, got %v", err)
	}
	if _, err := sampler.ConfidenceIntervals(target, sample, 1.5); !errors.Is(err, ErrInvalidParameter) {
		t.Fatalf("expected invalid level, got %v", err)
	}
}

func TestBisectFindsRoot(t *testing.T) {
	root := bisect(func(x float64) float64 { return 2 - x }, -10, 10, 1e-9)
	if math.Abs(root-2) > 1e-8 {
		t.Fatalf("expected root 2, got %v", root)
	}
	if got := bisect(func(x float64) float64 { return 1 + x*x }, -1, 3, 1e-9); got != -1 {
		t.Fatalf("expected nearest endpoint without a sign change, got %v", got)
	}
}

// scalarTarget is a one-dimensional target with unit variance whose
// cross covariance with the one-dimensional score is cross.
func scalarTarget(observed, cross float64) Target {
	cov := mat.NewSymDense(1, []float64{1})
	return Target{
		Observed: []float64{observed},
		Cov:      cov,
		CrossCov: mat.NewDense(1, 1, []float64{cross}),
	}
}

func TestParseAlternative(t *testing.T) {
	for in, want := range map[string]Alternative{"": TwoSided, "twosided": TwoSided, "greater": Greater, "less": Less} {
		got, err := ParseAlternative(in)
		if err != nil || got != want {
			t.Fatalf("parse %q: got %v, %v", in, got, err)
		}
		if in != "" && got.String() != in {
			t.Fatalf("round trip %q gave %q", in, got.String())
		}
	}
	if _, err := ParseAlternative("both"); !errors.Is(err, ErrInvalidParameter) {
		t.Fatalf("expected invalid alternative error, got %v", err)
	}
}
