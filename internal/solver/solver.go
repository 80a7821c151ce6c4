// Package solver fits penalized and restricted GLM objectives. The selection
// builders depend on the Solver interface only; ProximalGradient is the
// built-in implementation.
package solver

import (
	"context"
	"errors"
	"fmt"

	"selectinf/internal/glm"
)

var (
	ErrNotConverged = errors.New("solver did not converge")
	ErrInvalidInput = errors.New("invalid solver input")
)

// ConvergenceError carries the last iterate when an iteration cap is hit.
type ConvergenceError struct {
	Op         string
	Iterations int
	Residual   float64
	Last       []float64
}

func (e *ConvergenceError) Error() string {
	return fmt.Sprintf("%s: no convergence after %d iterations (residual %.3g)", e.Op, e.Iterations, e.Residual)
}

func (e *ConvergenceError) Unwrap() error { return ErrNotConverged }

// Penalty is a nonsmooth convex term with an inexpensive proximal map.
type Penalty interface {
	Value(beta []float64) float64
	// Prox writes argmin_b step*Value(b) + ||b - v||^2 / 2 into dst.
	Prox(dst, v []float64, step float64)
}

// Quadratic is Coef/2 ||beta||^2 + <Linear, beta>.
type Quadratic struct {
	Coef   float64
	Linear []float64
}

func (q Quadratic) Value(beta []float64) float64 {
	total := 0.0
	for i, b := range beta {
		total += 0.5 * q.Coef * b * b
		if q.Linear != nil {
			total += q.Linear[i] * b
		}
	}
	return total
}

// AddGradient adds the gradient of q at beta into dst.
func (q Quadratic) AddGradient(dst, beta []float64) {
	for i, b := range beta {
		dst[i] += q.Coef * b
		if q.Linear != nil {
			dst[i] += q.Linear[i]
		}
	}
}

// Problem is loss(beta) + penalty(beta) + quadratic(beta).
type Problem struct {
	Loss      glm.Loss
	Penalty   Penalty
	Quadratic Quadratic
}

type Options struct {
	Tol           float64
	MinIterations int
	MaxIterations int
}

func DefaultOptions() Options {
	return Options{Tol: 1e-12, MinIterations: 50, MaxIterations: 20000}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Tol <= 0 {
		o.Tol = d.Tol
	}
	if o.MinIterations < 0 {
		o.MinIterations = 0
	}
	if o.MaxIterations <= 0 {
		o.MaxIterations = d.MaxIterations
	}
	return o
}

// Solver is the optimization oracle used by the selection builders.
type Solver interface {
	Solve(ctx context.Context, problem Problem, opts Options) ([]float64, error)
	// RestrictedFit minimizes the loss over the coordinates marked in active,
	// holding the rest at zero. The result has full length.
	RestrictedFit(ctx context.Context, loss glm.Loss, active []bool, opts Options) ([]float64, error)
}
