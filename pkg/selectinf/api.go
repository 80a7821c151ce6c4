// Package selectinf is the public entry point for randomized selective
// inference: SLOPE and marginal screening fits with persisted reports,
// Simes and Benjamini-Hochberg selection, and simulation experiments.
package selectinf

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"path/filepath"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	"selectinf/internal/config"
	"selectinf/internal/metrics"
	"selectinf/internal/model"
	"selectinf/internal/query"
	"selectinf/internal/selection"
	"selectinf/internal/simulate"
	"selectinf/internal/stats"
	"selectinf/internal/storage"
)

const (
	defaultArtifactsDir = "artifacts"
	defaultExportsDir   = "exports"
	defaultDBPath       = "selectinf.db"
)

type Options struct {
	StoreKind    string
	DBPath       string
	ArtifactsDir string
	ExportsDir   string
	Logger       *zap.Logger
	// Recorder receives fit and draw metrics from experiments; nil disables them.
	Recorder *metrics.Recorder
}

type Client struct {
	store    storage.Store
	logger   *zap.Logger
	recorder *metrics.Recorder

	artifactsDir string
	exportsDir   string
}

// SummaryRequest asks for sampling-based pivots, p-values and intervals.
type SummaryRequest struct {
	// Parameter is the hypothesized target value; nil tests zero.
	Parameter []float64
	NDraw     int
	Burnin    int
	Intervals bool
}

type SLOPERequest struct {
	X      [][]float64
	Y      []float64
	Family string
	// Weights default to the Benjamini-Hochberg sequence.
	Weights          []float64
	LambdaMultiplier float64
	Sigma            float64
	Ridge            float64
	RandomizerScale  float64
	// Features switches to the one-step target on an explicit feature set.
	Features []int
	// Dispersion of zero is estimated by Pearson's X^2.
	Dispersion float64
	Level      float64
	Seed       int64
	Summary    *SummaryRequest
	MLE        bool
}

type ScreeningRequest struct {
	X               [][]float64
	Y               []float64
	Sigma           float64
	RandomizerScale float64
	// ScreeningLevel is the two-sided marginal level; it defaults to 0.1.
	ScreeningLevel float64
	Level          float64
	Seed           int64
	Summary        *SummaryRequest
	MLE            bool
}

type SimesRequest struct {
	PValues []float64
	Alpha   float64
}

type SimesSummary struct {
	Selected bool
	Index    int
	Active   []int
	PValue   float64
	// BH lists two-sided Benjamini-Hochberg rejections at Alpha, ordered by
	// p-value.
	BH []int
}

type ExperimentSummary struct {
	ExperimentID string
	ArtifactsDir string
	Replicates   int
	Failures     int
	Uniformity   model.UniformityStats
	Coverage     float64
	MeanLength   float64
}

type ReportsRequest struct {
	ExperimentID string
	Limit        int
}

type ExperimentsRequest struct {
	Limit int
}

type ExperimentItem struct {
	ExperimentID string
	Name         string
	Procedure    string
	Replicates   int
	KSPValue     float64
	Coverage     float64
	CreatedAtUTC string
}

type ExportRequest struct {
	ExperimentID string
	Latest       bool
	OutDir       string
}

type ExportSummary struct {
	ExperimentID string
	Directory    string
}

func New(opts Options) (*Client, error) {
	storeKind := opts.StoreKind
	if storeKind == "" {
		storeKind = storage.DefaultStoreKind()
	}
	dbPath := opts.DBPath
	if dbPath == "" {
		dbPath = defaultDBPath
	}
	artifactsDir := opts.ArtifactsDir
	if artifactsDir == "" {
		artifactsDir = defaultArtifactsDir
	}
	exportsDir := opts.ExportsDir
	if exportsDir == "" {
		exportsDir = defaultExportsDir
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	store, err := storage.NewStore(storeKind, dbPath)
	if err != nil {
		return nil, err
	}

	return &Client{
		store:        store,
		logger:       logger,
		recorder:     opts.Recorder,
		artifactsDir: artifactsDir,
		exportsDir:   exportsDir,
	}, nil
}

func (c *Client) Close() error {
	return storage.CloseIfSupported(c.store)
}

func (c *Client) Init(ctx context.Context) error {
	return c.store.Init(ctx)
}

// SLOPE fits a randomized SLOPE on the request data, runs the requested
// inference and persists the report.
func (c *Client) SLOPE(ctx context.Context, req SLOPERequest) (model.InferenceReport, error) {
	x, err := denseDesign(req.X)
	if err != nil {
		return model.InferenceReport{}, err
	}
	if req.Family == "" {
		req.Family = "gaussian"
	}
	level := levelOrDefault(req.Level)
	rng := rand.New(rand.NewSource(req.Seed))
	s, err := simulate.FitSLOPE(ctx, x, req.Y, simulate.SLOPEConfig{
		Family:           req.Family,
		Weights:          req.Weights,
		LambdaMultiplier: req.LambdaMultiplier,
		Sigma:            req.Sigma,
		Ridge:            req.Ridge,
		RandomizerScale:  req.RandomizerScale,
	}, rng, c.logger)
	if err != nil {
		return model.InferenceReport{}, err
	}
	target, err := s.SelectedTargets(req.Features, req.Dispersion)
	if err != nil {
		return model.InferenceReport{}, err
	}
	features := req.Features
	if features == nil {
		features = s.Selection().ActiveIndices()
	}

	var summary *selection.Summary
	if req.Summary != nil {
		if summary, err = s.Summary(target, summaryArgs(req.Summary, level)); err != nil {
			return model.InferenceReport{}, fmt.Errorf("summary: %w", err)
		}
	}
	var mle *query.MLEResult
	if req.MLE {
		if mle, err = s.SelectiveMLE(req.Features, req.Dispersion, query.SolveArgs{Level: level}); err != nil {
			return model.InferenceReport{}, fmt.Errorf("selective mle: %w", err)
		}
	}
	report := simulate.NewReport("slope", req.Seed, level, s.Selection(), features, target, nil, summary, mle)
	return c.save(ctx, report)
}

// Screening runs randomized marginal screening of X^T y / (sigma sqrt(n))
// and reports inference on the marginal targets of the selected features.
func (c *Client) Screening(ctx context.Context, req ScreeningRequest) (model.InferenceReport, error) {
	x, err := denseDesign(req.X)
	if err != nil {
		return model.InferenceReport{}, err
	}
	if req.ScreeningLevel == 0 {
		req.ScreeningLevel = 0.1
	}
	level := levelOrDefault(req.Level)
	rng := rand.New(rand.NewSource(req.Seed))
	m, err := simulate.FitScreening(x, req.Y, simulate.ScreeningConfig{
		Sigma:           req.Sigma,
		RandomizerScale: req.RandomizerScale,
		Level:           req.ScreeningLevel,
	}, rng, c.logger)
	if err != nil {
		return model.InferenceReport{}, err
	}
	target, err := m.MarginalTargets(nil)
	if err != nil {
		return model.InferenceReport{}, err
	}

	var summary *selection.Summary
	if req.Summary != nil {
		if summary, err = m.Summary(target, summaryArgs(req.Summary, level)); err != nil {
			return model.InferenceReport{}, fmt.Errorf("summary: %w", err)
		}
	}
	var mle *query.MLEResult
	if req.MLE {
		if mle, err = m.SelectiveMLE(target, query.SolveArgs{Level: level}); err != nil {
			return model.InferenceReport{}, fmt.Errorf("selective mle: %w", err)
		}
	}
	sel := m.Selection()
	report := simulate.NewReport("screening", req.Seed, level, sel, sel.ActiveIndices(), target, nil, summary, mle)
	return c.save(ctx, report)
}

// Simes runs the Simes sieve and the Benjamini-Hochberg procedure on the
// same p-values.
func (c *Client) Simes(_ context.Context, req SimesRequest) (SimesSummary, error) {
	if req.Alpha == 0 {
		req.Alpha = 0.1
	}
	res, err := selection.SimesSelection(req.PValues, req.Alpha)
	if err != nil {
		return SimesSummary{}, err
	}
	bh, _ := selection.BHQ(req.PValues, req.Alpha)
	return SimesSummary{
		Selected: res.Selected,
		Index:    res.Index,
		Active:   res.Active,
		PValue:   res.PValue,
		BH:       bh,
	}, nil
}

// Experiment runs a simulation experiment. An empty storage section in cfg
// uses the client's store and artifacts directory.
func (c *Client) Experiment(ctx context.Context, cfg config.Experiment) (ExperimentSummary, error) {
	if cfg.Storage.ArtifactsDir == "" {
		cfg.Storage.ArtifactsDir = c.artifactsDir
	}
	runner := simulate.NewRunner(
		simulate.WithStore(c.store),
		simulate.WithRecorder(c.recorder),
		simulate.WithLogger(c.logger),
		simulate.WithArtifactsDir(cfg.Storage.ArtifactsDir),
	)
	res, err := runner.Run(ctx, cfg)
	if err != nil {
		return ExperimentSummary{}, err
	}
	return ExperimentSummary{
		ExperimentID: res.Record.ID,
		ArtifactsDir: res.ArtifactsDir,
		Replicates:   res.Record.Replicates,
		Failures:     res.Record.Failures,
		Uniformity:   res.Record.Uniformity,
		Coverage:     res.Record.Coverage,
		MeanLength:   res.Record.MeanLength,
	}, nil
}

// Reports lists stored reports, oldest first.
func (c *Client) Reports(ctx context.Context, req ReportsRequest) ([]model.InferenceReport, error) {
	if req.Limit < 0 {
		return nil, errors.New("limit must be >= 0")
	}
	reports, err := c.store.ListReports(ctx, req.ExperimentID)
	if err != nil {
		return nil, err
	}
	if req.Limit > 0 && len(reports) > req.Limit {
		reports = reports[:req.Limit]
	}
	return reports, nil
}

func (c *Client) Report(ctx context.Context, id string) (model.InferenceReport, bool, error) {
	return c.store.GetReport(ctx, id)
}

// Experiments lists indexed experiments, newest first.
func (c *Client) Experiments(_ context.Context, req ExperimentsRequest) ([]ExperimentItem, error) {
	if req.Limit <= 0 {
		req.Limit = 20
	}

	entries, err := stats.ListRunIndex(c.artifactsDir)
	if err != nil {
		return nil, err
	}
	if len(entries) > req.Limit {
		entries = entries[:req.Limit]
	}

	out := make([]ExperimentItem, 0, len(entries))
	for _, e := range entries {
		out = append(out, ExperimentItem{
			ExperimentID: e.ExperimentID,
			Name:         e.Name,
			Procedure:    e.Procedure,
			Replicates:   e.Replicates,
			KSPValue:     e.KSPValue,
			Coverage:     e.Coverage,
			CreatedAtUTC: e.CreatedAtUTC,
		})
	}
	return out, nil
}

func (c *Client) Export(_ context.Context, req ExportRequest) (ExportSummary, error) {
	if req.ExperimentID != "" && req.Latest {
		return ExportSummary{}, errors.New("use either experiment id or latest")
	}
	if req.ExperimentID == "" && !req.Latest {
		return ExportSummary{}, errors.New("export requires experiment id or latest")
	}
	if req.OutDir == "" {
		req.OutDir = c.exportsDir
	}

	id := req.ExperimentID
	if req.Latest {
		entries, err := stats.ListRunIndex(c.artifactsDir)
		if err != nil {
			return ExportSummary{}, err
		}
		if len(entries) == 0 {
			return ExportSummary{}, errors.New("no experiments available to export")
		}
		id = entries[0].ExperimentID
	}

	exportedDir, err := stats.ExportExperimentArtifacts(c.artifactsDir, id, req.OutDir)
	if err != nil {
		return ExportSummary{}, err
	}
	return ExportSummary{ExperimentID: id, Directory: filepath.Clean(exportedDir)}, nil
}

func (c *Client) save(ctx context.Context, report *model.InferenceReport) (model.InferenceReport, error) {
	if err := c.store.SaveReport(ctx, *report); err != nil {
		return model.InferenceReport{}, fmt.Errorf("save report %s: %w", report.ID, err)
	}
	c.logger.Info("report saved",
		zap.String("id", report.ID),
		zap.String("procedure", report.Procedure),
		zap.Int("active", len(report.Active)),
	)
	return *report, nil
}

func denseDesign(rows [][]float64) (*mat.Dense, error) {
	if len(rows) == 0 || len(rows[0]) == 0 {
		return nil, fmt.Errorf("%w: design is empty", selection.ErrInvalidParameter)
	}
	n, p := len(rows), len(rows[0])
	data := make([]float64, 0, n*p)
	for i, row := range rows {
		if len(row) != p {
			return nil, fmt.Errorf("%w: row %d has %d columns, want %d", selection.ErrInvalidParameter, i, len(row), p)
		}
		data = append(data, row...)
	}
	return mat.NewDense(n, p, data), nil
}

func summaryArgs(req *SummaryRequest, level float64) selection.SummaryArgs {
	args := selection.DefaultSummaryArgs()
	args.Parameter = req.Parameter
	args.Level = level
	args.Intervals = req.Intervals
	if req.NDraw > 0 {
		args.NDraw = req.NDraw
	}
	if req.Burnin > 0 {
		args.Burnin = req.Burnin
	}
	return args
}

func levelOrDefault(level float64) float64 {
	if level == 0 {
		return 0.9
	}
	return level
}
