// Package selection builds randomized selection events (SLOPE, marginal
// screening, Simes/BH sieves) and the inference targets that go with them.
package selection

import (
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"

	"selectinf/internal/query"
	"selectinf/internal/randomization"
	"selectinf/internal/solver"
)

var (
	ErrInvalidParameter    = query.ErrInvalidParameter
	ErrDegenerateSelection = query.ErrDegenerateSelection
	ErrFitFailure          = query.ErrFitFailure
	ErrMLENonConvergence   = query.ErrMLENonConvergence
	ErrNotFitted           = errors.New("selection has not been fit")
)

// SelectionVariable is the observed sign vector and selected mask.
type SelectionVariable = query.SelectionVariable

type options struct {
	solver     solver.Solver
	solveOpts  solver.Options
	logger     *zap.Logger
	perturb    []float64
	randomizer randomization.Randomizer
}

// Option customizes a selection builder.
type Option func(*options)

// WithSolver replaces the built-in proximal gradient solver.
func WithSolver(s solver.Solver) Option {
	return func(o *options) { o.solver = s }
}

func WithSolveOptions(opts solver.Options) Option {
	return func(o *options) { o.solveOpts = opts }
}

func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithPerturbation fixes the randomization realization used by the first fit.
func WithPerturbation(omega []float64) Option {
	return func(o *options) { o.perturb = append([]float64(nil), omega...) }
}

// WithRandomizer replaces the default isotropic Gaussian randomizer.
func WithRandomizer(r randomization.Randomizer) Option {
	return func(o *options) { o.randomizer = r }
}

func applyOptions(opts []Option) options {
	o := options{solveOpts: solver.DefaultOptions()}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.solver == nil {
		o.solver = solver.NewProximalGradient()
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	return o
}

// BroadcastWeights expands a single weight to p features, or copies a
// length-p weight vector. Weights must be finite and nonnegative.
func BroadcastWeights(w []float64, p int) ([]float64, error) {
	if p <= 0 {
		return nil, fmt.Errorf("%w: feature count must be positive, got %d", ErrInvalidParameter, p)
	}
	var out []float64
	switch len(w) {
	case 1:
		out = make([]float64, p)
		for i := range out {
			out[i] = w[0]
		}
	case p:
		out = append([]float64(nil), w...)
	default:
		return nil, fmt.Errorf("%w: %d weights for %d features", ErrInvalidParameter, len(w), p)
	}
	for i, v := range out {
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("%w: weight %d = %v", ErrInvalidParameter, i, v)
		}
	}
	return out, nil
}

func sign(v float64) float64 {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	default:
		return 0
	}
}
