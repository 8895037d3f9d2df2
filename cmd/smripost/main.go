package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"smripostlinc/pkg/config"
	"smripostlinc/pkg/errors"
	"smripostlinc/pkg/logger"
	"smripostlinc/pkg/pipeline"
	"smripostlinc/pkg/report"
)

var (
	configFile  string
	derivatives []string
	datasets    []string
)

var rootCmd = &cobra.Command{
	Use:   "smripost <bids_dir> <output_dir> participant",
	Short: "Atlas parcellation of FreeSurfer morphometry",
	Long: `smripost maps brain atlases onto each subject's FreeSurfer surfaces and
writes per-region morphometry tables as a BIDS derivatives dataset.

Atlases are looked up by name in BIDS-Atlas datasets, brought onto the
fsaverage surface, converted to FreeSurfer annotations and projected onto
each subject's native surface.

Examples:
  smripost /data/bids /data/out participant \
    --derivatives smriprep=/data/smriprep \
    --fs-subjects-dir /data/freesurfer \
    --datasets atlaspack=/data/atlaspack --atlases Glasser,Gordon`,
	Args:          cobra.ExactArgs(3),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          run,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), pipeline.Pipeline.Name, pipeline.Version)
	},
}

var initConfigCmd = &cobra.Command{
	Use:   "init-config <path>",
	Short: "Write a configuration file with the default values",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return config.CreateDefaultConfigFile(args[0])
	},
}

func init() {
	f := rootCmd.Flags()
	f.StringVarP(&configFile, "config", "c", "", "YAML configuration file")
	f.StringSliceVar(&derivatives, "derivatives", nil, "preprocessed derivatives as key=path")
	f.StringSliceVar(&datasets, "datasets", nil, "atlas datasets as key=path, searched in order")
	f.StringSlice("atlases", nil, "atlas names to process")
	f.StringSlice("participant-label", nil, "subjects to process (default: all)")
	f.String("work-dir", "", "directory for intermediate results")
	f.String("fs-subjects-dir", "", "FreeSurfer subjects directory")
	f.String("templates-dir", "", "TemplateFlow directory (default: $TEMPLATEFLOW_HOME)")
	f.String("bids-database-dir", "", "directory to cache dataset indexes in")
	f.Bool("reindex", false, "ignore cached dataset indexes")
	f.String("query-spec", "", "YAML file replacing the built-in derivatives queries")
	f.StringSlice("output-spaces", nil, "standard output spaces, e.g. MNI152NLin6Asym:res-2")
	f.StringSlice("measures", nil, "morphometric measures to summarise (default: all)")
	f.Bool("allow-multiple", false, "keep every match of ambiguous queries")
	f.Int("nprocs", 0, "maximum number of concurrent tasks")
	f.Int("omp-nthreads", 0, "threads per external tool")
	f.Duration("task-timeout", 0, "time limit of each external tool call")
	f.Float64("area-tolerance", 0, "allowed surface area mismatch between FreeSurfer tables (mm²)")
	f.CountP("verbose", "v", "increase output verbosity")
	f.Bool("log-json", false, "log as JSON")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(initConfigCmd)
}

func run(cmd *cobra.Command, args []string) error {
	if args[2] != "participant" {
		return errors.Mark(errors.Newf("unsupported analysis level %q", args[2]), errors.ErrConfiguration)
	}

	cfg, err := config.LoadConfig(configFile, cmd.Flags())
	if err != nil {
		return err
	}
	cfg.Execution.InputDir = args[0]
	cfg.Execution.OutputDir = args[1]
	if len(derivatives) > 0 {
		if cfg.Execution.Derivatives, err = config.ParseDatasetRefs(derivatives); err != nil {
			return err
		}
	}
	if len(datasets) > 0 {
		if cfg.Execution.AtlasDatasets, err = config.ParseDatasetRefs(datasets); err != nil {
			return err
		}
	}

	if err := logger.Initialize(cfg.Output.LogJSON, cfg.Output.Verbosity); err != nil {
		return errors.Wrap(err, "initializing logger")
	}
	defer logger.Sync()

	rc, err := config.Build(cfg)
	if err != nil {
		return err
	}
	logger.Logger.Infow("Starting run", "run_uuid", rc.RunID(), "version", pipeline.Version)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	driver, err := pipeline.NewDriver(pipeline.Params{Config: rc, Logger: logger.Logger})
	if err != nil {
		return err
	}
	summary, err := driver.Process(ctx)
	if err != nil {
		return err
	}
	if err := report.RenderSummary(cmd.OutOrStdout(), summary); err != nil {
		return err
	}
	return summary.Err()
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		for _, hint := range errors.GetAllHints(err) {
			fmt.Fprintf(os.Stderr, "Hint: %s\n", hint)
		}
		if errors.IsConfiguration(err) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}
