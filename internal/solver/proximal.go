package solver

import (
	"context"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"

	"selectinf/internal/glm"
)

// ProximalGradient is an accelerated proximal gradient method with
// backtracking and adaptive restart.
type ProximalGradient struct {
	// InitialStep is the first step size tried; it only shrinks afterwards.
	InitialStep float64
}

func NewProximalGradient() *ProximalGradient {
	return &ProximalGradient{InitialStep: 1}
}

func (s *ProximalGradient) Solve(ctx context.Context, problem Problem, opts Options) ([]float64, error) {
	if problem.Loss == nil {
		return nil, fmt.Errorf("%w: loss is required", ErrInvalidInput)
	}
	opts = opts.withDefaults()
	_, p := problem.Loss.Dims()
	if problem.Quadratic.Linear != nil && len(problem.Quadratic.Linear) != p {
		return nil, fmt.Errorf("%w: linear term has length %d, want %d", ErrInvalidInput, len(problem.Quadratic.Linear), p)
	}

	smooth := func(beta []float64) float64 {
		return problem.Loss.Value(beta) + problem.Quadratic.Value(beta)
	}
	gradient := func(dst, beta []float64) {
		problem.Loss.Gradient(dst, beta)
		problem.Quadratic.AddGradient(dst, beta)
	}
	prox := func(dst, v []float64, step float64) {
		if problem.Penalty == nil {
			copy(dst, v)
			return
		}
		problem.Penalty.Prox(dst, v, step)
	}
	objective := func(beta []float64) float64 {
		val := smooth(beta)
		if problem.Penalty != nil {
			val += problem.Penalty.Value(beta)
		}
		return val
	}

	step := s.InitialStep
	if step <= 0 {
		step = 1
	}
	current := make([]float64, p)
	momentum := make([]float64, p)
	next := make([]float64, p)
	grad := make([]float64, p)
	trial := make([]float64, p)
	diff := make([]float64, p)
	theta := 1.0
	currentObj := objective(current)
	residual := math.Inf(1)

	for iter := 1; iter <= opts.MaxIterations; iter++ {
		if iter%100 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}

		fy := smooth(momentum)
		gradient(grad, momentum)
		for {
			copy(trial, momentum)
			floats.AddScaled(trial, -step, grad)
			prox(next, trial, step)
			floats.SubTo(diff, next, momentum)
			bound := fy + floats.Dot(grad, diff) + floats.Dot(diff, diff)/(2*step)
			if smooth(next) <= bound+1e-12*math.Abs(bound) || step < 1e-20 {
				break
			}
			step /= 2
		}

		nextObj := objective(next)
		if nextObj > currentObj && theta > 1 {
			// restart the momentum from the last accepted point
			theta = 1
			copy(momentum, current)
			continue
		}

		floats.SubTo(diff, next, current)
		residual = floats.Norm(diff, math.Inf(1)) / (1 + floats.Norm(next, math.Inf(1)))

		thetaNext := (1 + math.Sqrt(1+4*theta*theta)) / 2
		for i := range momentum {
			momentum[i] = next[i] + (theta-1)/thetaNext*(next[i]-current[i])
		}
		theta = thetaNext
		copy(current, next)
		currentObj = nextObj

		if iter >= opts.MinIterations && residual <= opts.Tol {
			return append([]float64(nil), current...), nil
		}
	}
	return nil, &ConvergenceError{
		Op:         "proximal gradient",
		Iterations: opts.MaxIterations,
		Residual:   residual,
		Last:       append([]float64(nil), current...),
	}
}

// RestrictedFit runs Newton's method on the active coordinates.
func (s *ProximalGradient) RestrictedFit(ctx context.Context, loss glm.Loss, active []bool, opts Options) ([]float64, error) {
	return NewtonRestrictedFit(ctx, loss, active, opts)
}

// NewtonRestrictedFit minimizes the loss over the active coordinates with
// gonum's Newton method.
func NewtonRestrictedFit(ctx context.Context, loss glm.Loss, active []bool, opts Options) ([]float64, error) {
	if loss == nil {
		return nil, fmt.Errorf("%w: loss is required", ErrInvalidInput)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	opts = opts.withDefaults()
	x, _ := loss.Data()
	n, p := loss.Dims()
	if len(active) != p {
		return nil, fmt.Errorf("%w: active mask has length %d, want %d", ErrInvalidInput, len(active), p)
	}
	idx := make([]int, 0, p)
	for i, a := range active {
		if a {
			idx = append(idx, i)
		}
	}
	full := make([]float64, p)
	if len(idx) == 0 {
		return full, nil
	}

	embed := func(b []float64) []float64 {
		out := make([]float64, p)
		for a, i := range idx {
			out[i] = b[a]
		}
		return out
	}
	fullGrad := make([]float64, p)
	problem := optimize.Problem{
		Func: func(b []float64) float64 {
			return loss.Value(embed(b))
		},
		Grad: func(grad, b []float64) {
			loss.Gradient(fullGrad, embed(b))
			for a, i := range idx {
				grad[a] = fullGrad[i]
			}
		},
		Hess: func(hess *mat.SymDense, b []float64) {
			beta := embed(b)
			eta := mat.NewVecDense(n, nil)
			eta.MulVec(x, mat.NewVecDense(p, beta))
			w := loss.HessianDiagonal(eta.RawVector().Data)
			gram := glm.WeightedGram(x, w, idx, idx)
			for a := range idx {
				for c := a; c < len(idx); c++ {
					hess.SetSym(a, c, gram.At(a, c))
				}
			}
		},
	}
	settings := &optimize.Settings{
		GradientThreshold: opts.Tol,
		MajorIterations:   opts.MaxIterations,
	}
	result, err := optimize.Minimize(problem, make([]float64, len(idx)), settings, &optimize.Newton{})
	if result == nil {
		return nil, fmt.Errorf("restricted fit: %w", err)
	}

	// Newton may report a line search failure once it sits at the optimum to
	// machine precision; accept any point with a negligible gradient.
	grad := make([]float64, len(idx))
	problem.Grad(grad, result.X)
	residual := floats.Norm(grad, math.Inf(1))
	if residual > 1e-6*(1+math.Abs(result.F)) {
		return nil, &ConvergenceError{
			Op:         "restricted fit",
			Iterations: result.Stats.MajorIterations,
			Residual:   residual,
			Last:       embed(result.X),
		}
	}
	for a, i := range idx {
		full[i] = result.X[a]
	}
	return full, nil
}
