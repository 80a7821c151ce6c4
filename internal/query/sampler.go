package query

import (
	"errors"
	"fmt"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"selectinf/internal/constraints"
)

// AffineGaussianSampler is the frozen result of a selection fit: the
// conditional law of the optimization variables restricted to the
// selection region, together with the observed state it was built from.
type AffineGaussianSampler struct {
	cond          *Conditional
	constraint    *constraints.Affine
	observedOpt   []float64
	observedScore []float64
	selection     SelectionVariable
	rng           *rand.Rand
}

// NewAffineGaussianSampler restricts cond to the nonnegative orthant. The
// observed opt state must lie in it.
func NewAffineGaussianSampler(cond *Conditional, observedOpt, observedScore []float64, selection SelectionVariable, rng *rand.Rand) (*AffineGaussianSampler, error) {
	if cond == nil {
		return nil, fmt.Errorf("%w: conditional law is required", ErrInvalidParameter)
	}
	if rng == nil {
		return nil, fmt.Errorf("%w: random source is required", ErrInvalidParameter)
	}
	if len(observedOpt) != cond.Dim() {
		return nil, fmt.Errorf("%w: observed opt state has length %d, want %d", ErrInvalidParameter, len(observedOpt), cond.Dim())
	}
	_, p := cond.LogDensLinear.Dims()
	if len(observedScore) != p {
		return nil, fmt.Errorf("%w: observed score has length %d, want %d", ErrInvalidParameter, len(observedScore), p)
	}
	region, err := constraints.NonNegative(cond.Mean, cond.Cov)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDegenerateSelection, err)
	}
	if !region.Feasible(observedOpt, 1e-10) {
		return nil, fmt.Errorf("%w: observed opt state lies outside the selection region", ErrDegenerateSelection)
	}
	return &AffineGaussianSampler{
		cond:          cond,
		constraint:    region,
		observedOpt:   append([]float64(nil), observedOpt...),
		observedScore: append([]float64(nil), observedScore...),
		selection:     selection,
		rng:           rng,
	}, nil
}

func (s *AffineGaussianSampler) Conditional() *Conditional { return s.cond }

func (s *AffineGaussianSampler) Constraint() *constraints.Affine { return s.constraint }

func (s *AffineGaussianSampler) ObservedOpt() []float64 {
	return append([]float64(nil), s.observedOpt...)
}

func (s *AffineGaussianSampler) ObservedScore() []float64 {
	return append([]float64(nil), s.observedScore...)
}

func (s *AffineGaussianSampler) Selection() SelectionVariable { return s.selection }

// Sample draws ndraw opt states from the truncated conditional law, starting
// the chain at the observed opt state.
func (s *AffineGaussianSampler) Sample(ndraw, burnin int) (*mat.Dense, error) {
	draws, err := s.constraint.Sample(s.rng, s.observedOpt, ndraw, burnin)
	if err != nil {
		if errors.Is(err, constraints.ErrInvalidConstraint) {
			return nil, fmt.Errorf("%w: %v", ErrInvalidParameter, err)
		}
		return nil, err
	}
	return draws, nil
}

// LogDensity evaluates the unnormalized conditional log-density.
func (s *AffineGaussianSampler) LogDensity(scores, opts *mat.Dense) ([]float64, error) {
	return s.cond.Density().Eval(scores, opts)
}
