package query

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

// SolveArgs controls the barrier descent behind the selective MLE.
type SolveArgs struct {
	Tol           float64
	MinIterations int
	MaxIterations int
	// Step is the initial descent step; it halves for feasibility and
	// descent and doubles every fourth iteration.
	Step  float64
	Level float64
}

func DefaultSolveArgs() SolveArgs {
	return SolveArgs{Tol: 1e-12, MinIterations: 200, MaxIterations: 2000, Step: 1, Level: 0.9}
}

func (a SolveArgs) withDefaults() SolveArgs {
	d := DefaultSolveArgs()
	if a.Tol <= 0 {
		a.Tol = d.Tol
	}
	if a.MinIterations <= 0 {
		a.MinIterations = d.MinIterations
	}
	if a.MaxIterations <= 0 {
		a.MaxIterations = d.MaxIterations
	}
	if a.MaxIterations < a.MinIterations {
		a.MaxIterations = a.MinIterations
	}
	if a.Step <= 0 {
		a.Step = d.Step
	}
	if a.Level <= 0 || a.Level >= 1 {
		a.Level = d.Level
	}
	return a
}

// MLEResult holds the selective MLE of a target and its Wald summaries.
type MLEResult struct {
	Estimate         []float64
	ObservedInfo     *mat.SymDense
	ZScores          []float64
	PValues          []float64
	Intervals        [][2]float64
	UnbiasedEstimate []float64
}

// SelectiveMLE approximates the selective maximum likelihood estimate of the
// target by a barrier-smoothed saddlepoint problem started at the observed
// opt state.
func (s *AffineGaussianSampler) SelectiveMLE(target Target, args SolveArgs) (*MLEResult, error) {
	return SelectiveMLE(target, s.cond, s.constraint.A, s.constraint.B, s.observedOpt, args)
}

// SelectiveMLE is the free form of AffineGaussianSampler.SelectiveMLE for a
// region {u : A u <= b}.
func SelectiveMLE(target Target, cond *Conditional, a *mat.Dense, b []float64, initSoln []float64, args SolveArgs) (*MLEResult, error) {
	if cond == nil {
		return nil, fmt.Errorf("%w: conditional law is required", ErrInvalidParameter)
	}
	k, p := cond.LogDensLinear.Dims()
	if err := target.validate(p); err != nil {
		return nil, err
	}
	if len(initSoln) != k {
		return nil, fmt.Errorf("%w: initial solution has length %d, want %d", ErrInvalidParameter, len(initSoln), k)
	}
	args = args.withDefaults()
	m := target.Dim()

	var chol mat.Cholesky
	if ok := chol.Factorize(target.Cov); !ok {
		return nil, fmt.Errorf("%w: target covariance is not positive definite", ErrInvalidParameter)
	}
	precTarget := mat.NewSymDense(m, nil)
	if err := chol.InverseTo(precTarget); err != nil {
		return nil, fmt.Errorf("%w: invert target covariance: %v", ErrInvalidParameter, err)
	}

	// target_lin = -LD CrossCov^T prec_target, k x m
	var tmp mat.Dense
	tmp.Mul(target.CrossCov.T(), precTarget)
	targetLin := mat.NewDense(k, m, nil)
	targetLin.Mul(cond.LogDensLinear, &tmp)
	targetLin.Scale(-1, targetLin)

	precOpt := cond.Precision
	condMean := mat.NewVecDense(k, append([]float64(nil), cond.Mean...))
	conjugate := mat.NewVecDense(k, nil)
	conjugate.MulVec(precOpt, condMean)

	soln, hess, err := solveBarrierAffine(conjugate, precOpt, initSoln, a, b, args)
	if err != nil {
		return nil, err
	}

	observed := mat.NewVecDense(m, append([]float64(nil), target.Observed...))
	estimate := func(u []float64) []float64 {
		diff := mat.NewVecDense(k, nil)
		diff.SubVec(condMean, mat.NewVecDense(k, u))
		var pd, lin, out mat.VecDense
		pd.MulVec(precOpt, diff)
		lin.MulVec(targetLin.T(), &pd)
		out.MulVec(target.Cov, &lin)
		out.AddVec(&out, observed)
		return append([]float64(nil), out.RawVector().Data...)
	}
	final := estimate(soln)
	unbiased := estimate(initSoln)

	// info_nat = prec_target + L target_lin - L hess L^T with L = target_lin^T P
	var l mat.Dense
	l.Mul(targetLin.T(), precOpt)
	var lt, lhl mat.Dense
	lt.Mul(&l, targetLin)
	var hl mat.Dense
	hl.Mul(hess, l.T())
	lhl.Mul(&l, &hl)
	var infoNat mat.Dense
	infoNat.Add(precTarget, &lt)
	infoNat.Sub(&infoNat, &lhl)
	var infoMean, side mat.Dense
	side.Mul(&infoNat, target.Cov)
	infoMean.Mul(target.Cov, &side)
	info := symmetrize(&infoMean)

	quantile := distuv.UnitNormal.Quantile(1 - (1-args.Level)/2)
	res := &MLEResult{
		Estimate:         final,
		ObservedInfo:     info,
		ZScores:          make([]float64, m),
		PValues:          make([]float64, m),
		Intervals:        make([][2]float64, m),
		UnbiasedEstimate: unbiased,
	}
	for i := 0; i < m; i++ {
		sd := math.Sqrt(info.At(i, i))
		z := final[i] / sd
		res.ZScores[i] = z
		cdf := distuv.UnitNormal.CDF(z)
		res.PValues[i] = 2 * math.Min(cdf, 1-cdf)
		res.Intervals[i] = [2]float64{final[i] - quantile*sd, final[i] + quantile*sd}
	}
	return res, nil
}

// solveBarrierAffine minimizes
//
//	-u^T c + u^T P u / 2 + sum log(1 + scaling / (b - A u))
//
// by gradient descent kept strictly inside {A u < b}. It returns the
// minimizer and the inverse of P plus the barrier hessian there.
func solveBarrierAffine(conjugate *mat.VecDense, prec *mat.SymDense, feasible []float64, a *mat.Dense, b []float64, args SolveArgs) ([]float64, *mat.SymDense, error) {
	rows, k := a.Dims()
	if len(b) != rows {
		return nil, nil, fmt.Errorf("%w: constraint offset has length %d, want %d", ErrInvalidParameter, len(b), rows)
	}

	var ap mat.Dense
	ap.Mul(a, prec)
	scaling := make([]float64, rows)
	for i := 0; i < rows; i++ {
		scaling[i] = math.Sqrt(mat.Dot(ap.RowView(i), a.RowView(i)))
	}

	slack := func(u []float64) []float64 {
		au := mat.NewVecDense(rows, nil)
		au.MulVec(a, mat.NewVecDense(k, u))
		out := make([]float64, rows)
		for i := range out {
			out[i] = b[i] - au.AtVec(i)
		}
		return out
	}
	feasibleInterior := func(u []float64) bool {
		for _, v := range slack(u) {
			if !(v > 0) {
				return false
			}
		}
		return true
	}
	objective := func(u []float64) float64 {
		uv := mat.NewVecDense(k, u)
		pu := mat.NewVecDense(k, nil)
		pu.MulVec(prec, uv)
		val := -mat.Dot(uv, conjugate) + mat.Dot(uv, pu)/2
		for i, v := range slack(u) {
			val += math.Log(1 + scaling[i]/v)
		}
		return val
	}
	gradient := func(u []float64) []float64 {
		uv := mat.NewVecDense(k, u)
		g := mat.NewVecDense(k, nil)
		g.MulVec(prec, uv)
		g.SubVec(g, conjugate)
		sl := slack(u)
		w := make([]float64, rows)
		for i, v := range sl {
			w[i] = 1/(scaling[i]+v) - 1/v
		}
		var atw mat.VecDense
		atw.MulVec(a.T(), mat.NewVecDense(rows, w))
		g.SubVec(g, &atw)
		return g.RawVector().Data
	}

	current := append([]float64(nil), feasible...)
	if !feasibleInterior(current) {
		return nil, nil, fmt.Errorf("%w: initial solution is not strictly feasible", ErrInvalidParameter)
	}
	currentValue := math.Inf(1)
	step := args.Step
	proposal := make([]float64, k)
	residual := math.Inf(1)
	converged := false

	for iter := 0; iter < args.MaxIterations; iter++ {
		grad := gradient(current)

		for count := 1; ; count++ {
			copy(proposal, current)
			floats.AddScaled(proposal, -step, grad)
			if feasibleInterior(proposal) {
				break
			}
			step /= 2
			if count >= 40 {
				return nil, nil, &MLEError{Reason: "no feasible step", Iterations: iter, Residual: residual, Last: current}
			}
		}

		var proposedValue float64
		accepted := true
		for count := 1; ; count++ {
			copy(proposal, current)
			floats.AddScaled(proposal, -step, grad)
			proposedValue = objective(proposal)
			if proposedValue <= currentValue {
				break
			}
			step /= 2
			if count >= 20 {
				if math.IsNaN(proposedValue) || math.IsNaN(currentValue) {
					return nil, nil, &MLEError{Reason: "objective is NaN", Iterations: iter, Residual: residual, Last: current}
				}
				// no descent at this resolution; stay put
				accepted = false
				proposedValue = currentValue
				break
			}
		}

		residual = math.Abs(currentValue - proposedValue)
		if accepted {
			copy(current, proposal)
		}
		prev := currentValue
		currentValue = proposedValue
		if iter >= args.MinIterations && residual < args.Tol*math.Max(math.Abs(prev), 1) {
			converged = true
			break
		}
		if iter%4 == 0 {
			step *= 2
		}
	}
	if !converged {
		return nil, nil, &MLEError{Reason: "iteration limit reached", Iterations: args.MaxIterations, Residual: residual, Last: current}
	}

	// barrier hessian A^T diag(1/slack^2 - 1/(scaling+slack)^2) A
	sl := slack(current)
	d := make([]float64, rows)
	for i, v := range sl {
		d[i] = 1/(v*v) - 1/((scaling[i]+v)*(scaling[i]+v))
	}
	var da mat.Dense
	da.Mul(mat.NewDiagDense(rows, d), a)
	var barrier mat.Dense
	barrier.Mul(a.T(), &da)
	var total mat.Dense
	total.Add(prec, &barrier)

	var chol mat.Cholesky
	if ok := chol.Factorize(symmetrize(&total)); !ok {
		return nil, nil, &MLEError{Reason: "hessian is not positive definite", Residual: residual, Last: current}
	}
	hess := mat.NewSymDense(k, nil)
	if err := chol.InverseTo(hess); err != nil {
		return nil, nil, &MLEError{Reason: "invert hessian: " + err.Error(), Residual: residual, Last: current}
	}
	return current, hess, nil
}

func symmetrize(m mat.Matrix) *mat.SymDense {
	n, _ := m.Dims()
	out := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			out.SetSym(i, j, (m.At(i, j)+m.At(j, i))/2)
		}
	}
	return out
}
