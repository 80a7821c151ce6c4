package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"selectinf/internal/config"
	"selectinf/internal/logging"
	"selectinf/internal/metrics"
	"selectinf/internal/storage"
	api "selectinf/pkg/selectinf"
)

type globalFlags struct {
	storeKind    string
	dbPath       string
	artifactsDir string
	exportsDir   string
	logLevel     string
	development  bool
	jsonOutput   bool
}

type cli struct {
	out      io.Writer
	flags    globalFlags
	logger   *zap.Logger
	registry *prometheus.Registry
}

func newRootCmd(out io.Writer) *cobra.Command {
	c := &cli{out: out, logger: zap.NewNop()}
	root := &cobra.Command{
		Use:           "selectinfctl",
		Short:         "Randomized selective inference for SLOPE and marginal screening",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logger, err := logging.New(c.flags.logLevel, c.flags.development)
			if err != nil {
				return err
			}
			c.logger = logger
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			_ = c.logger.Sync()
		},
	}
	root.SetOut(out)

	pf := root.PersistentFlags()
	pf.StringVar(&c.flags.storeKind, "store", storage.DefaultStoreKind(), "report store backend: memory|sqlite")
	pf.StringVar(&c.flags.dbPath, "db-path", "selectinf.db", "sqlite database path")
	pf.StringVar(&c.flags.artifactsDir, "artifacts-dir", "artifacts", "experiment artifacts directory")
	pf.StringVar(&c.flags.exportsDir, "exports-dir", "exports", "export output directory")
	pf.StringVar(&c.flags.logLevel, "log-level", "warn", "log level")
	pf.BoolVar(&c.flags.development, "dev", false, "human-readable development logging")
	pf.BoolVar(&c.flags.jsonOutput, "json", false, "print full JSON output")

	root.AddCommand(
		c.slopeCmd(),
		c.screeningCmd(),
		c.simesCmd(),
		c.experimentCmd(),
		c.reportsCmd(),
		c.experimentsCmd(),
		c.exportCmd(),
	)
	return root
}

func (c *cli) client(cmd *cobra.Command) (*api.Client, error) {
	var rec *metrics.Recorder
	if c.registry != nil {
		rec = metrics.New(c.registry)
	}
	client, err := api.New(api.Options{
		StoreKind:    c.flags.storeKind,
		DBPath:       c.flags.dbPath,
		ArtifactsDir: c.flags.artifactsDir,
		ExportsDir:   c.flags.exportsDir,
		Logger:       c.logger,
		Recorder:     rec,
	})
	if err != nil {
		return nil, err
	}
	if err := client.Init(cmd.Context()); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

type inferenceFlags struct {
	data        string
	response    string
	drop        []string
	standardize bool
	center      bool
	seed        int64
	level       float64
	sigma       float64
	scale       float64
	pivots      bool
	ndraw       int
	burnin      int
	intervals   bool
	mle         bool
}

func (f *inferenceFlags) register(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.StringVar(&f.data, "data", "", "CSV file with a header row, or a JSON table file")
	fl.StringVar(&f.response, "response", "", "response column (defaults to the last column)")
	fl.StringSliceVar(&f.drop, "drop", nil, "columns to ignore")
	fl.BoolVar(&f.standardize, "standardize", true, "scale design columns to mean zero and unit variance")
	fl.BoolVar(&f.center, "center", false, "center the response")
	fl.Int64Var(&f.seed, "seed", 1, "random seed for the randomizer and sampler")
	fl.Float64Var(&f.level, "level", 0.9, "confidence level")
	fl.Float64Var(&f.sigma, "sigma", 1, "gaussian noise level")
	fl.Float64Var(&f.scale, "randomizer-scale", 0, "randomizer scale (0 uses the default)")
	fl.BoolVar(&f.pivots, "pivots", true, "sample pivots and p-values")
	fl.IntVar(&f.ndraw, "ndraw", 2000, "sampler draws")
	fl.IntVar(&f.burnin, "burnin", 500, "sampler burn-in")
	fl.BoolVar(&f.intervals, "intervals", false, "compute selective confidence intervals")
	fl.BoolVar(&f.mle, "mle", true, "compute the selective MLE")
	_ = cmd.MarkFlagRequired("data")
}

func (f *inferenceFlags) summary() *api.SummaryRequest {
	if !f.pivots {
		return nil
	}
	return &api.SummaryRequest{NDraw: f.ndraw, Burnin: f.burnin, Intervals: f.intervals}
}

func (c *cli) slopeCmd() *cobra.Command {
	var (
		inf        inferenceFlags
		family     string
		lambda     float64
		ridge      float64
		features   []int
		dispersion float64
	)
	cmd := &cobra.Command{
		Use:   "slope",
		Short: "Fit a randomized SLOPE and report inference on the selected coefficients",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			x, y, err := loadDesign(inf)
			if err != nil {
				return err
			}
			client, err := c.client(cmd)
			if err != nil {
				return err
			}
			defer client.Close()

			report, err := client.SLOPE(cmd.Context(), api.SLOPERequest{
				X:                x,
				Y:                y,
				Family:           family,
				LambdaMultiplier: lambda,
				Sigma:            inf.sigma,
				Ridge:            ridge,
				RandomizerScale:  inf.scale,
				Features:         features,
				Dispersion:       dispersion,
				Level:            inf.level,
				Seed:             inf.seed,
				Summary:          inf.summary(),
				MLE:              inf.mle,
			})
			if err != nil {
				return err
			}
			return c.printReport(report)
		},
	}
	inf.register(cmd)
	fl := cmd.Flags()
	fl.StringVar(&family, "family", "gaussian", "response family: gaussian|logistic")
	fl.Float64Var(&lambda, "lambda-multiplier", 1, "scale of the Benjamini-Hochberg weights")
	fl.Float64Var(&ridge, "ridge", 0, "ridge term (0 uses the default)")
	fl.IntSliceVar(&features, "features", nil, "explicit feature set for the one-step target")
	fl.Float64Var(&dispersion, "dispersion", 0, "dispersion (0 estimates it by Pearson's X^2)")
	return cmd
}

func (c *cli) screeningCmd() *cobra.Command {
	var (
		inf            inferenceFlags
		screeningLevel float64
	)
	cmd := &cobra.Command{
		Use:   "screening",
		Short: "Run randomized marginal screening and report inference on the selected features",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			x, y, err := loadDesign(inf)
			if err != nil {
				return err
			}
			client, err := c.client(cmd)
			if err != nil {
				return err
			}
			defer client.Close()

			report, err := client.Screening(cmd.Context(), api.ScreeningRequest{
				X:               x,
				Y:               y,
				Sigma:           inf.sigma,
				RandomizerScale: inf.scale,
				ScreeningLevel:  screeningLevel,
				Level:           inf.level,
				Seed:            inf.seed,
				Summary:         inf.summary(),
				MLE:             inf.mle,
			})
			if err != nil {
				return err
			}
			return c.printReport(report)
		},
	}
	inf.register(cmd)
	cmd.Flags().Float64Var(&screeningLevel, "screening-level", 0.1, "two-sided marginal screening level")
	return cmd
}

func (c *cli) simesCmd() *cobra.Command {
	var (
		alpha   float64
		pvalues []float64
		file    string
	)
	cmd := &cobra.Command{
		Use:   "simes",
		Short: "Run the Simes sieve and Benjamini-Hochberg on a family of p-values",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if file != "" {
				if len(pvalues) > 0 {
					return errors.New("use either --pvalues or --file")
				}
				var err error
				if pvalues, err = readColumn(file); err != nil {
					return err
				}
			}
			client, err := c.client(cmd)
			if err != nil {
				return err
			}
			defer client.Close()

			summary, err := client.Simes(cmd.Context(), api.SimesRequest{PValues: pvalues, Alpha: alpha})
			if err != nil {
				return err
			}
			if c.flags.jsonOutput {
				return c.printJSON(summary)
			}
			fmt.Fprintf(c.out, "selected=%t index=%d simes_pvalue=%g active=%v bh=%v\n",
				summary.Selected, summary.Index, summary.PValue, summary.Active, summary.BH)
			return nil
		},
	}
	fl := cmd.Flags()
	fl.Float64Var(&alpha, "alpha", 0.1, "level of the sieve")
	fl.Float64SliceVar(&pvalues, "pvalues", nil, "comma separated p-values")
	fl.StringVar(&file, "file", "", "file with one p-value per line")
	return cmd
}

func (c *cli) experimentCmd() *cobra.Command {
	var (
		path        string
		showMetrics bool
	)
	cmd := &cobra.Command{
		Use:   "experiment",
		Short: "Simulate replicates from a YAML config and check pivot uniformity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.Default()
			if path != "" {
				var err error
				if cfg, err = config.Load(path); err != nil {
					return err
				}
			}
			flags := cmd.Flags()
			if flags.Changed("artifacts-dir") || cfg.Storage.ArtifactsDir == "" {
				cfg.Storage.ArtifactsDir = c.flags.artifactsDir
			}
			if !flags.Changed("store") && cfg.Storage.Kind != "" {
				c.flags.storeKind = cfg.Storage.Kind
				if cfg.Storage.DBPath != "" {
					c.flags.dbPath = cfg.Storage.DBPath
				}
			}
			if showMetrics {
				c.registry = prometheus.NewRegistry()
			}
			client, err := c.client(cmd)
			if err != nil {
				return err
			}
			defer client.Close()

			summary, err := client.Experiment(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			if c.flags.jsonOutput {
				if err := c.printJSON(summary); err != nil {
					return err
				}
			} else {
				fmt.Fprintf(c.out, "experiment_id=%s replicates=%d failures=%d pivots=%d ks=%.4f ks_pvalue=%.4f coverage=%.4f mean_length=%.4f artifacts=%s\n",
					summary.ExperimentID,
					summary.Replicates,
					summary.Failures,
					summary.Uniformity.Count,
					summary.Uniformity.KS,
					summary.Uniformity.KSPValue,
					summary.Coverage,
					summary.MeanLength,
					summary.ArtifactsDir,
				)
			}
			if showMetrics {
				return c.writeMetrics()
			}
			return nil
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&path, "config", "", "experiment YAML file (defaults when empty)")
	fl.BoolVar(&showMetrics, "metrics", false, "print fit and draw counters after the run")
	return cmd
}

func (c *cli) reportsCmd() *cobra.Command {
	var (
		experimentID string
		limit        int
	)
	cmd := &cobra.Command{
		Use:   "reports",
		Short: "List stored inference reports",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := c.client(cmd)
			if err != nil {
				return err
			}
			defer client.Close()

			reports, err := client.Reports(cmd.Context(), api.ReportsRequest{ExperimentID: experimentID, Limit: limit})
			if err != nil {
				return err
			}
			if c.flags.jsonOutput {
				return c.printJSON(reports)
			}
			if len(reports) == 0 {
				fmt.Fprintln(c.out, "no reports")
				return nil
			}
			for _, r := range reports {
				fmt.Fprintf(c.out, "id=%s procedure=%s experiment=%s seed=%d active=%v\n",
					r.ID, r.Procedure, r.ExperimentID, r.Seed, r.Active)
			}
			return nil
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&experimentID, "experiment", "", "only reports of this experiment")
	fl.IntVar(&limit, "limit", 0, "maximum reports to list (0 lists all)")
	return cmd
}

func (c *cli) experimentsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "experiments",
		Short: "List indexed experiments, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := c.client(cmd)
			if err != nil {
				return err
			}
			defer client.Close()

			items, err := client.Experiments(cmd.Context(), api.ExperimentsRequest{Limit: limit})
			if err != nil {
				return err
			}
			if c.flags.jsonOutput {
				return c.printJSON(items)
			}
			if len(items) == 0 {
				fmt.Fprintln(c.out, "no experiments")
				return nil
			}
			for _, item := range items {
				fmt.Fprintf(c.out, "experiment_id=%s created_at=%s name=%s procedure=%s replicates=%d ks_pvalue=%.4f coverage=%.4f\n",
					item.ExperimentID, item.CreatedAtUTC, item.Name, item.Procedure, item.Replicates, item.KSPValue, item.Coverage)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "max experiments to list")
	return cmd
}

func (c *cli) exportCmd() *cobra.Command {
	var (
		id     string
		latest bool
		outDir string
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Copy an experiment's artifacts into the exports directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := c.client(cmd)
			if err != nil {
				return err
			}
			defer client.Close()

			summary, err := client.Export(cmd.Context(), api.ExportRequest{ExperimentID: id, Latest: latest, OutDir: outDir})
			if err != nil {
				return err
			}
			fmt.Fprintf(c.out, "exported experiment_id=%s to=%s\n", summary.ExperimentID, summary.Directory)
			return nil
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&id, "id", "", "experiment id")
	fl.BoolVar(&latest, "latest", false, "export the most recent experiment from the run index")
	fl.StringVar(&outDir, "out", "", "export output directory (defaults to --exports-dir)")
	return cmd
}

func (c *cli) writeMetrics() error {
	families, err := c.registry.Gather()
	if err != nil {
		return err
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(c.out, mf); err != nil {
			return err
		}
	}
	return nil
}
