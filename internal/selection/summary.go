package selection

import (
	"fmt"

	"selectinf/internal/query"
)

// SummaryArgs controls a sampling-based inference summary.
type SummaryArgs struct {
	// Parameter is the hypothesized target value for the pivots; nil is zero.
	Parameter []float64
	NDraw     int
	Burnin    int
	Level     float64
	Intervals bool
}

func DefaultSummaryArgs() SummaryArgs {
	return SummaryArgs{NDraw: 10000, Burnin: 2000, Level: 0.9}
}

// Summary holds pivots at the hypothesized parameter, p-values at zero and
// optional confidence intervals.
type Summary struct {
	Pivots    []float64
	PValues   []float64
	Intervals [][2]float64
}

func summarize(sampler *query.AffineGaussianSampler, target query.Target, args SummaryArgs) (*Summary, error) {
	if sampler == nil {
		return nil, ErrNotFitted
	}
	d := DefaultSummaryArgs()
	if args.NDraw <= 0 {
		args.NDraw = d.NDraw
	}
	if args.Burnin < 0 {
		return nil, fmt.Errorf("%w: burnin must be nonnegative", ErrInvalidParameter)
	}
	if args.Level == 0 {
		args.Level = d.Level
	}

	sample, err := sampler.Sample(args.NDraw, args.Burnin)
	if err != nil {
		return nil, fmt.Errorf("sample opt variables: %w", err)
	}
	pivots, err := sampler.CoefficientPValues(target, args.Parameter, sample, nil)
	if err != nil {
		return nil, err
	}
	out := &Summary{Pivots: pivots, PValues: pivots}
	if !allZero(args.Parameter) {
		if out.PValues, err = sampler.CoefficientPValues(target, nil, sample, nil); err != nil {
			return nil, err
		}
	}
	if args.Intervals {
		if out.Intervals, err = sampler.ConfidenceIntervals(target, sample, args.Level); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func allZero(v []float64) bool {
	for _, x := range v {
		if x != 0 {
			return false
		}
	}
	return true
}
