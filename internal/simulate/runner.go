package simulate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"selectinf/internal/config"
	"selectinf/internal/metrics"
	"selectinf/internal/model"
	"selectinf/internal/selection"
	"selectinf/internal/stats"
	"selectinf/internal/storage"
)

// Runner executes experiment replicates on a bounded worker pool and
// persists what they produce.
type Runner struct {
	store        storage.Store
	recorder     *metrics.Recorder
	logger       *zap.Logger
	artifactsDir string
	now          func() time.Time
}

type RunnerOption func(*Runner)

// WithStore persists every report and the experiment record.
func WithStore(store storage.Store) RunnerOption {
	return func(r *Runner) { r.store = store }
}

func WithRecorder(rec *metrics.Recorder) RunnerOption {
	return func(r *Runner) { r.recorder = rec }
}

func WithLogger(logger *zap.Logger) RunnerOption {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithArtifactsDir writes JSON and CSV artifacts under dir.
func WithArtifactsDir(dir string) RunnerOption {
	return func(r *Runner) { r.artifactsDir = dir }
}

func NewRunner(opts ...RunnerOption) *Runner {
	r := &Runner{logger: zap.NewNop(), now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Result aggregates an experiment.
type Result struct {
	Record       model.ExperimentRecord
	Reports      []model.InferenceReport
	Pivots       []stats.PivotRow
	NullPValues  []float64
	ArtifactsDir string
}

// Run simulates cfg.Run.Replicates replicates. Replicate i is seeded with
// cfg.Run.Seed+i, so results do not depend on scheduling. Degenerate
// selections and solver failures are counted and skipped; other errors
// cancel the run.
func (r *Runner) Run(ctx context.Context, cfg config.Experiment) (*Result, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	started := r.now()
	reps := make([]Replicate, cfg.Run.Replicates)
	failed := make([]string, cfg.Run.Replicates)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.Run.Workers)
	for i := 0; i < cfg.Run.Replicates; i++ {
		i := i
		g.Go(func() error {
			t0 := time.Now()
			rep, err := RunReplicate(gctx, cfg, i, r.logger)
			if err != nil {
				if !skippable(err) {
					return fmt.Errorf("replicate %d: %w", i, err)
				}
				reason := failureReason(err)
				failed[i] = reason
				r.recorder.ObserveFit(cfg.Procedure, reason, time.Since(t0))
				r.logger.Warn("replicate skipped",
					zap.Int("index", i),
					zap.Int64("seed", rep.Seed),
					zap.String("reason", reason),
					zap.Error(err),
				)
				return nil
			}
			r.recorder.ObserveFit(cfg.Procedure, "ok", time.Since(t0))
			r.recorder.AddDraws(rep.Draws)
			reps[i] = rep
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	experimentID := storage.NewID()
	res := &Result{}
	var (
		pivots    []float64
		intervals [][2]float64
		truths    []float64
		failures  int
	)
	for i, rep := range reps {
		if failed[i] != "" || rep.Report == nil {
			failures++
			continue
		}
		rep.Report.ExperimentID = experimentID
		res.Reports = append(res.Reports, *rep.Report)
		for a, p := range rep.Pivots {
			pivots = append(pivots, p)
			res.Pivots = append(res.Pivots, stats.PivotRow{Replicate: i, Feature: rep.Report.Active[a], Pivot: p})
		}
		intervals = append(intervals, rep.Intervals...)
		if len(rep.Intervals) > 0 {
			truths = append(truths, rep.Truth...)
		}
		res.NullPValues = append(res.NullPValues, rep.NullPValues...)
	}

	uniformity, err := stats.Uniformity(pivots, 1-cfg.Inference.Level)
	if err != nil {
		return nil, fmt.Errorf("summarize pivots: %w", err)
	}
	configMap, err := cfg.Map()
	if err != nil {
		return nil, err
	}
	record := model.ExperimentRecord{
		VersionedRecord: storage.CurrentVersion(),
		ID:              experimentID,
		Name:            cfg.Name,
		Procedure:       cfg.Procedure,
		Family:          cfg.Family,
		CreatedAt:       started.UTC(),
		Replicates:      cfg.Run.Replicates,
		Failures:        failures,
		Uniformity:      uniformity,
		Config:          configMap,
	}
	if cov, length, err := stats.Coverage(intervals, truths); err != nil {
		r.logger.Warn("coverage skipped", zap.Error(err))
	} else {
		record.Coverage, record.MeanLength = cov, length
	}
	for _, rep := range res.Reports {
		record.ReportIDs = append(record.ReportIDs, rep.ID)
	}
	record.ElapsedSecs = r.now().Sub(started).Seconds()
	res.Record = record

	if err := r.persist(ctx, res); err != nil {
		return nil, err
	}
	r.logger.Info("experiment done",
		zap.String("id", record.ID),
		zap.String("procedure", record.Procedure),
		zap.Int("replicates", record.Replicates),
		zap.Int("failures", record.Failures),
		zap.Float64("ks_pvalue", record.Uniformity.KSPValue),
		zap.Float64("coverage", record.Coverage),
	)
	return res, nil
}

func (r *Runner) persist(ctx context.Context, res *Result) error {
	if r.store != nil {
		for _, report := range res.Reports {
			if err := r.store.SaveReport(ctx, report); err != nil {
				return fmt.Errorf("save report %s: %w", report.ID, err)
			}
		}
		if err := r.store.SaveExperiment(ctx, res.Record); err != nil {
			return fmt.Errorf("save experiment %s: %w", res.Record.ID, err)
		}
	}
	if r.artifactsDir == "" {
		return nil
	}
	dir, err := stats.WriteExperimentArtifacts(r.artifactsDir, stats.ExperimentArtifacts{
		Config:  res.Record.Config,
		Record:  res.Record,
		Pivots:  res.Pivots,
		Reports: res.Reports,
	})
	if err != nil {
		return fmt.Errorf("write artifacts: %w", err)
	}
	res.ArtifactsDir = dir
	return stats.AppendRunIndex(r.artifactsDir, stats.RunIndexEntry{
		ExperimentID: res.Record.ID,
		Name:         res.Record.Name,
		Procedure:    res.Record.Procedure,
		Replicates:   res.Record.Replicates,
		KSPValue:     res.Record.Uniformity.KSPValue,
		Coverage:     res.Record.Coverage,
		CreatedAtUTC: res.Record.CreatedAt.Format(time.RFC3339Nano),
	})
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, selection.ErrDegenerateSelection):
		return "degenerate"
	case errors.Is(err, selection.ErrFitFailure):
		return "fit_failure"
	default:
		return "mle_nonconvergence"
	}
}
