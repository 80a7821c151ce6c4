package simulate

import (
	"context"
	"errors"
	"fmt"
	"math/rand"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	"selectinf/internal/config"
	"selectinf/internal/model"
	"selectinf/internal/query"
	"selectinf/internal/selection"
)

// Replicate is the inference produced on one simulated instance.
type Replicate struct {
	Index int
	Seed  int64
	// Report is nil when selection was degenerate.
	Report *model.InferenceReport
	// Truth is the population value of each selected target.
	Truth []float64
	// Pivots are evaluated at Truth and are Uniform(0, 1) under the model.
	Pivots    []float64
	Intervals [][2]float64
	// NullPValues are selective MLE p-values of selected coordinates with a
	// zero true coefficient, kept only when selection covers the support.
	NullPValues []float64
	Draws       int
}

// RunReplicate simulates replicate index of cfg with seed cfg.Run.Seed+index.
func RunReplicate(ctx context.Context, cfg config.Experiment, index int, logger *zap.Logger) (Replicate, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	seed := cfg.Run.Seed + int64(index)
	rep := Replicate{Index: index, Seed: seed}
	if err := ctx.Err(); err != nil {
		return rep, err
	}
	rng := rand.New(rand.NewSource(seed))
	icfg := InstanceConfig{
		N:      cfg.Instance.N,
		P:      cfg.Instance.P,
		S:      cfg.Instance.S,
		Signal: cfg.Instance.Signal,
		Rho:    cfg.Instance.Rho,
		Sigma:  cfg.Instance.Sigma,
	}

	var (
		inst   *Instance
		sel    selection.SelectionVariable
		target query.Target
		truth  []float64
		active []int
		fitted interface {
			Summary(query.Target, selection.SummaryArgs) (*selection.Summary, error)
		}
		mle func() (*query.MLEResult, error)
		err error
	)
	switch cfg.Procedure {
	case "slope":
		var s *selection.SLOPE
		if cfg.Family == "logistic" {
			inst, err = LogisticInstance(rng, icfg)
		} else {
			inst, err = GaussianInstance(rng, icfg)
		}
		if err != nil {
			return rep, err
		}
		s, err = FitSLOPE(ctx, inst.X, inst.Y, SLOPEConfig{
			Family:           cfg.Family,
			LambdaMultiplier: cfg.Inference.LambdaMultiplier,
			Sigma:            inst.Sigma,
			Ridge:            cfg.Inference.Ridge,
			RandomizerScale:  cfg.Inference.RandomizerScale,
		}, rng, logger)
		if err != nil {
			return rep, err
		}
		sel = s.Selection()
		active = sel.ActiveIndices()
		if target, err = s.SelectedTargets(nil, 1); err != nil {
			return rep, err
		}
		if cfg.Family == "logistic" {
			truth = pick(inst.Beta, active)
		} else if truth, err = projectedTruth(inst.X, inst.Beta, active); err != nil {
			return rep, err
		}
		fitted = s
		mle = func() (*query.MLEResult, error) {
			return s.SelectiveMLE(nil, 1, query.SolveArgs{Level: cfg.Inference.Level})
		}
	case "screening":
		var m *selection.MarginalScreening
		if inst, err = GaussianInstance(rng, icfg); err != nil {
			return rep, err
		}
		m, err = FitScreening(inst.X, inst.Y, ScreeningConfig{
			Sigma:           inst.Sigma,
			RandomizerScale: cfg.Inference.RandomizerScale,
			Level:           cfg.Inference.ScreeningLevel,
		}, rng, logger)
		if err != nil {
			return rep, err
		}
		sel = m.Selection()
		active = sel.ActiveIndices()
		if target, err = m.MarginalTargets(nil); err != nil {
			return rep, err
		}
		truth = pick(ScreeningMean(inst.X, inst.Beta, inst.Sigma), active)
		fitted = m
		mle = func() (*query.MLEResult, error) {
			return m.SelectiveMLE(target, query.SolveArgs{Level: cfg.Inference.Level})
		}
	default:
		return rep, fmt.Errorf("%w: unknown procedure %q", selection.ErrInvalidParameter, cfg.Procedure)
	}
	rep.Truth = truth

	var summary *selection.Summary
	if cfg.Inference.Pivots {
		summary, err = fitted.Summary(target, selection.SummaryArgs{
			Parameter: truth,
			NDraw:     cfg.Inference.NDraw,
			Burnin:    cfg.Inference.Burnin,
			Level:     cfg.Inference.Level,
			Intervals: true,
		})
		if err != nil {
			return rep, fmt.Errorf("summary: %w", err)
		}
		rep.Draws = cfg.Inference.NDraw + cfg.Inference.Burnin
		rep.Pivots = summary.Pivots
		rep.Intervals = summary.Intervals
	}

	var res *query.MLEResult
	if cfg.Inference.MLE {
		if res, err = mle(); err != nil {
			return rep, fmt.Errorf("selective mle: %w", err)
		}
		if coversSupport(active, inst.Support) {
			for a, j := range active {
				if inst.Beta[j] == 0 {
					rep.NullPValues = append(rep.NullPValues, res.PValues[a])
				}
			}
		}
	}

	report := NewReport(cfg.Procedure, seed, cfg.Inference.Level, sel, active, target, truth, summary, res)
	rep.Report = report
	logger.Debug("replicate done",
		zap.Int("index", index),
		zap.Int64("seed", seed),
		zap.Int("active", len(active)),
	)
	return rep, nil
}

// projectedTruth is the population least-squares coefficient of X beta on
// the active columns.
func projectedTruth(x *mat.Dense, beta []float64, active []int) ([]float64, error) {
	n, p := x.Dims()
	xe := mat.NewDense(n, len(active), nil)
	for a, j := range active {
		for i := 0; i < n; i++ {
			xe.Set(i, a, x.At(i, j))
		}
	}
	mu := mat.NewVecDense(n, nil)
	mu.MulVec(x, mat.NewVecDense(p, beta))
	var coef mat.VecDense
	if err := coef.SolveVec(xe, mu); err != nil {
		return nil, fmt.Errorf("%w: active design is rank deficient: %v", selection.ErrDegenerateSelection, err)
	}
	return append([]float64(nil), coef.RawVector().Data...), nil
}

func pick(v []float64, idx []int) []float64 {
	out := make([]float64, len(idx))
	for a, j := range idx {
		out[a] = v[j]
	}
	return out
}

func coversSupport(active, support []int) bool {
	in := make(map[int]bool, len(active))
	for _, j := range active {
		in[j] = true
	}
	for _, j := range support {
		if !in[j] {
			return false
		}
	}
	return true
}

// skippable reports failures that end a replicate without failing the
// experiment.
func skippable(err error) bool {
	return errors.Is(err, selection.ErrDegenerateSelection) ||
		errors.Is(err, selection.ErrFitFailure) ||
		errors.Is(err, query.ErrMLENonConvergence)
}
