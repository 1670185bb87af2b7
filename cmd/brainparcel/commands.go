package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"brainparcel/pkg/config"
	"brainparcel/pkg/metrics"
	"brainparcel/pkg/segment"
)

// globalFlags are shared by every segmentation command.
type globalFlags struct {
	configPath    string
	outputDir     string
	workers       int
	verbose       bool
	extractSlices bool
	sliceAxis     string
	metricsOut    string
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:   "brainparcel",
		Short: "Parcellate brain volumes by normalized cut or watershed",
		Long: `brainparcel segments NIfTI brain images into regions, either by recursive
normalized graph cuts over a voxel neighbourhood graph or by a marker-based
watershed, and writes label volumes with their region adjacency.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&g.configPath, "config", "config.yaml", "Path to the YAML configuration file")
	pf.StringVarP(&g.outputDir, "output-dir", "o", "", "Directory for label volumes and neighbour maps")
	pf.IntVarP(&g.workers, "workers", "j", 0, "Number of volumes processed concurrently (default: from config)")
	pf.BoolVarP(&g.verbose, "verbose", "v", false, "Enable debug logging")
	pf.BoolVar(&g.extractSlices, "extract-slices", false, "Save colour-coded label slices as PNG")
	pf.StringVar(&g.sliceAxis, "slice-axis", "", "Axis for extracted slices: x, y or z")
	pf.StringVar(&g.metricsOut, "metrics-out", "", "Write Prometheus text metrics to this file after the run")

	rootCmd.AddCommand(newNCutCmd(g), newWatershedCmd(g), newConfigCmd(g))
	return rootCmd
}

func newNCutCmd(g *globalFlags) *cobra.Command {
	var parcels int
	var thresh float64

	cmd := &cobra.Command{
		Use:   "ncut [file or directory...]",
		Short: "Parcellate by recursive normalized cuts",
		Long: `Builds a neighbourhood graph over the in-mask voxels of each volume and splits
it by normalized cuts. With --parcels the largest subgraph is cut until the
requested count is reached; otherwise cuts are accepted while their cost is
below --thresh.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, g)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("parcels") {
				cfg.NCut.Parcels = parcels
			}
			if cmd.Flags().Changed("thresh") {
				cfg.NCut.Threshold = thresh
				cfg.NCut.Parcels = 0
			}
			return run(cmd, g, cfg, &segment.Params{Inputs: args, Method: segment.MethodNCut})
		},
	}
	cmd.Flags().IntVarP(&parcels, "parcels", "n", 0, "Number of parcels to produce")
	cmd.Flags().Float64VarP(&thresh, "thresh", "t", 0, "Largest accepted cut cost")
	cmd.MarkFlagsMutuallyExclusive("parcels", "thresh")
	return cmd
}

func newWatershedCmd(g *globalFlags) *cobra.Command {
	var sigma, thresh float64
	var transform, seeds string
	var physical bool

	cmd := &cobra.Command{
		Use:   "watershed [file or directory...]",
		Short: "Segment by marker-based watershed",
		Long: `Smooths each volume, seeds regions at local maxima (or from --seeds) and
floods the selected cost surface inside the intensity mask.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, g)
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("sigma") {
				cfg.Watershed.Sigma = sigma
			}
			if flags.Changed("thresh") {
				cfg.Watershed.Threshold = thresh
			}
			if flags.Changed("transform") {
				cfg.Watershed.SegmentFunction = transform
			}
			if flags.Changed("physical-spacing") {
				cfg.Watershed.UsePhysicalSpacing = physical
			}
			return run(cmd, g, cfg, &segment.Params{Inputs: args, Method: segment.MethodWatershed, SeedsFile: seeds})
		},
	}
	cmd.Flags().Float64VarP(&sigma, "sigma", "s", 1, "Gaussian smoothing width in voxels")
	cmd.Flags().Float64VarP(&thresh, "thresh", "t", 0, "Mask threshold")
	cmd.Flags().StringVar(&transform, "transform", "inverse", "Cost surface: inverse, gradient or distance")
	cmd.Flags().StringVar(&seeds, "seeds", "", "Label image whose non-zero voxels seed the flood")
	cmd.Flags().BoolVar(&physical, "physical-spacing", false, "Measure the distance cost in millimetres")
	return cmd
}

func newConfigCmd(g *globalFlags) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the configuration file",
	}
	initCmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write a configuration file with default values",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := g.configPath
			if len(args) == 1 {
				path = args[0]
			}
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := config.CreateDefaultConfigFile(path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Default configuration written to %s\n", path)
			return nil
		},
	}
	configCmd.AddCommand(initCmd)
	return configCmd
}

// loadConfig reads the config file and applies the global flag overrides.
func loadConfig(cmd *cobra.Command, g *globalFlags) (*config.Config, error) {
	cfg, err := config.LoadConfig(g.configPath)
	if err != nil {
		return nil, err
	}
	flags := cmd.Flags()
	if flags.Changed("output-dir") {
		cfg.Output.Dir = g.outputDir
	}
	if flags.Changed("workers") {
		cfg.Processing.NumWorkers = g.workers
	}
	if flags.Changed("verbose") {
		cfg.Output.Verbose = g.verbose
	}
	if flags.Changed("extract-slices") {
		cfg.Output.ExtractSlices = g.extractSlices
	}
	if flags.Changed("slice-axis") {
		cfg.Output.SliceAxis = g.sliceAxis
	}
	if flags.Changed("metrics-out") {
		cfg.Output.MetricsFile = g.metricsOut
	}
	return cfg, nil
}

func newLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func run(cmd *cobra.Command, g *globalFlags, cfg *config.Config, params *segment.Params) error {
	logger, err := newLogger(cfg.Output.Verbose)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Sync()

	params.Config = cfg
	rec := metrics.New()
	runner, err := segment.NewRunner(params, logger, rec)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	startTime := time.Now()
	reports, runErr := runner.Process(ctx)
	processingTime := time.Since(startTime)

	fmt.Fprintf(out, "\nProcessed %d volume(s) with %s in %.2f seconds\n", len(reports), params.Method, processingTime.Seconds())
	for _, rep := range reports {
		if rep.Err != nil {
			fmt.Fprintf(out, "- %s: FAILED: %v\n", rep.Input, rep.Err)
			continue
		}
		fmt.Fprintf(out, "- %s: %d regions (mean size %.1f voxels) -> %s\n",
			rep.Input, rep.Regions, rep.Sizes.Mean, rep.LabelsPath)
	}

	if cfg.Output.MetricsFile != "" {
		if err := writeMetrics(rec, cfg.Output.MetricsFile); err != nil {
			logger.Warn("failed to write metrics", zap.Error(err))
		}
	}
	return runErr
}

func writeMetrics(rec *metrics.Recorder, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return rec.WriteText(f)
}
