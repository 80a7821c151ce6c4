package query

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// pivotEngine reweights a fixed opt sample to the law of the opt variables
// under a shifted target value.
type pivotEngine struct {
	density LogDensity
	sample  *mat.Dense
	target  Target
	score   []float64
	logden  []float64
	normal  *mat.Dense // ndraw x m draws of N(0, Cov_ii) per column
}

func (s *AffineGaussianSampler) newPivotEngine(target Target, sample *mat.Dense) (*pivotEngine, error) {
	k, p := s.cond.LogDensLinear.Dims()
	if err := target.validate(p); err != nil {
		return nil, err
	}
	if sample == nil {
		return nil, fmt.Errorf("%w: opt sample is required", ErrInvalidParameter)
	}
	ndraw, cols := sample.Dims()
	if cols != k {
		return nil, fmt.Errorf("%w: opt sample has %d columns, want %d", ErrInvalidParameter, cols, k)
	}
	m := target.Dim()
	normal := mat.NewDense(ndraw, m, nil)
	for j := 0; j < m; j++ {
		sd := math.Sqrt(target.Cov.At(j, j))
		for r := 0; r < ndraw; r++ {
			normal.Set(r, j, sd*s.rng.NormFloat64())
		}
	}
	density := s.cond.Density()
	scores := mat.NewDense(1, p, append([]float64(nil), s.observedScore...))
	logden, err := density.Eval(scores, sample)
	if err != nil {
		return nil, err
	}
	return &pivotEngine{
		density: density,
		sample:  sample,
		target:  target,
		score:   s.observedScore,
		logden:  logden,
		normal:  normal,
	}, nil
}

// cdf estimates P(T_i <= observed_i) when the i-th target equals candidate.
func (e *pivotEngine) cdf(i int, candidate float64) float64 {
	k, p := e.density.Linear.Dims()
	variance := e.target.Cov.At(i, i)
	observed := e.target.Observed[i]

	// score = dir * t + nuisance, so Linear (score + Offset) = base + t * slope
	nuisance := make([]float64, p)
	dir := make([]float64, p)
	for j := 0; j < p; j++ {
		c := e.target.CrossCov.At(i, j)
		dir[j] = c / variance
		nuisance[j] = e.score[j] - c*observed/variance + e.density.Offset[j]
	}
	var base, slope mat.VecDense
	base.MulVec(e.density.Linear, mat.NewVecDense(p, nuisance))
	slope.MulVec(e.density.Linear, mat.NewVecDense(p, dir))

	ndraw, _ := e.sample.Dims()
	logratio := make([]float64, ndraw)
	stats := make([]float64, ndraw)
	arg := mat.NewVecDense(k, nil)
	parg := mat.NewVecDense(k, nil)
	for r := 0; r < ndraw; r++ {
		t := e.normal.At(r, i) + candidate
		stats[r] = t
		for j := 0; j < k; j++ {
			arg.SetVec(j, e.sample.At(r, j)+base.AtVec(j)+t*slope.AtVec(j))
		}
		parg.MulVec(e.density.Precision, arg)
		logratio[r] = -0.5*mat.Dot(arg, parg) - e.logden[r]
	}
	top := floats.Max(logratio)
	var num, den float64
	for r, lr := range logratio {
		w := math.Exp(lr - top)
		den += w
		if stats[r] <= observed {
			num += w
		}
	}
	if den == 0 {
		return math.NaN()
	}
	return num / den
}

func (e *pivotEngine) pivot(i int, candidate float64, alt Alternative) float64 {
	f := e.cdf(i, candidate)
	switch alt {
	case Less:
		return f
	case Greater:
		return 1 - f
	default:
		return 2 * math.Min(f, 1-f)
	}
}

// CoefficientPValues returns importance-weighted selective p-values of
// H0: target_i = parameter_i computed from an opt sample. A nil parameter
// tests zero and nil alternatives fall back to the target's own.
func (s *AffineGaussianSampler) CoefficientPValues(target Target, parameter []float64, sample *mat.Dense, alternatives []Alternative) ([]float64, error) {
	e, err := s.newPivotEngine(target, sample)
	if err != nil {
		return nil, err
	}
	m := target.Dim()
	if parameter == nil {
		parameter = make([]float64, m)
	}
	if len(parameter) != m {
		return nil, fmt.Errorf("%w: %d parameters for %d targets", ErrInvalidParameter, len(parameter), m)
	}
	if alternatives != nil && len(alternatives) != m {
		return nil, fmt.Errorf("%w: %d alternatives for %d targets", ErrInvalidParameter, len(alternatives), m)
	}
	out := make([]float64, m)
	for i := 0; i < m; i++ {
		alt := target.alternative(i)
		if alternatives != nil {
			alt = alternatives[i]
		}
		out[i] = e.pivot(i, parameter[i], alt)
	}
	return out, nil
}

// ConfidenceIntervals inverts the one-sided pivot for every target
// coordinate. Endpoints stay inside observed +/- 20 sd.
func (s *AffineGaussianSampler) ConfidenceIntervals(target Target, sample *mat.Dense, level float64) ([][2]float64, error) {
	if level <= 0 || level >= 1 {
		return nil, fmt.Errorf("%w: level must lie in (0, 1), got %v", ErrInvalidParameter, level)
	}
	e, err := s.newPivotEngine(target, sample)
	if err != nil {
		return nil, err
	}
	m := target.Dim()
	out := make([][2]float64, m)
	for i := 0; i < m; i++ {
		observed := target.Observed[i]
		sd := stat.StdDev(mat.Col(nil, i, e.normal), nil)
		if !(sd > 0) {
			sd = math.Sqrt(target.Cov.At(i, i))
		}
		lo, hi := -20*sd, 20*sd
		tol := 1e-5 * (hi - lo)
		upper := bisect(func(g float64) float64 {
			return e.pivot(i, observed+g, Less) - (1-level)/2
		}, lo, hi, tol)
		lower := bisect(func(g float64) float64 {
			return e.pivot(i, observed+g, Less) - (1+level)/2
		}, lo, hi, tol)
		out[i] = [2]float64{observed + lower, observed + upper}
	}
	return out, nil
}

// bisect finds a sign change of f in [lo, hi]. Without one it returns the
// endpoint where |f| is smaller.
func bisect(f func(float64) float64, lo, hi, tol float64) float64 {
	flo, fhi := f(lo), f(hi)
	if flo == 0 {
		return lo
	}
	if fhi == 0 {
		return hi
	}
	if math.Signbit(flo) == math.Signbit(fhi) || math.IsNaN(flo) || math.IsNaN(fhi) {
		if math.Abs(flo) <= math.Abs(fhi) {
			return lo
		}
		return hi
	}
	for hi-lo > tol {
		mid := lo + (hi-lo)/2
		fm := f(mid)
		if fm == 0 {
			return mid
		}
		if math.Signbit(fm) == math.Signbit(flo) {
			lo, flo = mid, fm
		} else {
			hi = mid
		}
	}
	return lo + (hi-lo)/2
}
