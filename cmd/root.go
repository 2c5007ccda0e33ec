package cmd

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/impurity-sim/impurity-sim/qmc"
	"github.com/impurity-sim/impurity-sim/qmc/measure"
	"github.com/impurity-sim/impurity-sim/qmc/model"
)

var (
	logLevel       string // Log verbosity level
	paramFile      string // YAML parameter file path
	checkpointPath string // checkpoint file to write (run) or read (resume)
	seedOverride   int64  // CLI override of the configured seed
	sweepsOverride int64  // CLI override of the production sweep count
	outputOverride string // CLI override of the measurement output path
)

// rootCmd is the base command for the CLI
var rootCmd = &cobra.Command{
	Use:   "impurity-sim",
	Short: "Continuous-time hybridization-expansion impurity solver",
}

// runCmd samples a fresh Markov chain from the parameter file.
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the sampler from scratch",
	Run: func(cmd *cobra.Command, args []string) {
		setupLogging()
		cfg := loadAndValidate()
		lm, hyb, set, err := cfg.Build()
		if err != nil {
			logrus.Fatalf("invalid parameters: %v", err)
		}
		s, err := qmc.NewSimulator(lm, hyb, set)
		if err != nil {
			logrus.Fatalf("constructing simulator: %v", err)
		}
		execute(cfg, lm, s)
	},
}

// resumeCmd restores the chain from a checkpoint and continues sampling.
var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume the sampler from a checkpoint",
	Run: func(cmd *cobra.Command, args []string) {
		setupLogging()
		if checkpointPath == "" {
			logrus.Fatalf("resume requires --checkpoint")
		}
		cfg := loadAndValidate()
		lm, hyb, set, err := cfg.Build()
		if err != nil {
			logrus.Fatalf("invalid parameters: %v", err)
		}
		s, err := qmc.ResumeSimulator(lm, hyb, set, checkpointPath)
		if err != nil {
			logrus.Fatalf("resuming: %v", err)
		}
		execute(cfg, lm, s)
	},
}

func setupLogging() {
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		logrus.Fatalf("Invalid log level: %s", logLevel)
	}
	logrus.SetLevel(level)
}

func loadAndValidate() *Config {
	cfg := DefaultConfig()
	if paramFile != "" {
		loaded, err := LoadConfig(paramFile)
		if err != nil {
			logrus.Fatalf("loading parameters: %v", err)
		}
		cfg = loaded
	}
	if seedOverride >= 0 {
		cfg.Sampling.Seed = seedOverride
	}
	if sweepsOverride >= 0 {
		cfg.Sampling.Sweeps = sweepsOverride
	}
	if outputOverride != "" {
		cfg.Measure.Output = outputOverride
	}
	if err := cfg.Validate(); err != nil {
		logrus.Fatalf("invalid parameters: %v", err)
	}
	return cfg
}

func execute(cfg *Config, lm *model.LocalModel, s *qmc.Simulator) {
	acc := measure.NewAccumulator(lm.Beta, lm.Flavors,
		cfg.Measure.TauBins, cfg.Measure.LegendreOrder, s.SpaceMachine().Hist)
	s.SetMeasurer(acc)

	logrus.Infof("Starting sampler: beta=%g flavors=%d therm=%d sweeps=%d window=%d",
		lm.Beta, lm.Flavors, cfg.Sampling.ThermSweeps, cfg.Sampling.Sweeps,
		cfg.Sampling.WindowSegments)
	if err := s.Run(); err != nil {
		logrus.Fatalf("sampling failed: %v", err)
	}

	acc.Report()
	if cfg.Measure.Output != "" {
		if err := acc.WriteJSON(cfg.Measure.Output); err != nil {
			logrus.Fatalf("writing results: %v", err)
		}
		logrus.Infof("results written to %s", cfg.Measure.Output)
	}
	if checkpointPath != "" {
		if err := s.SaveCheckpoint(checkpointPath); err != nil {
			logrus.Fatalf("writing checkpoint: %v", err)
		}
		logrus.Infof("checkpoint written to %s", checkpointPath)
	}
	logrus.Info("Sampling complete.")
}

// Execute runs the CLI root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// init sets up CLI flags and subcommands
func init() {
	for _, c := range []*cobra.Command{runCmd, resumeCmd} {
		c.Flags().StringVar(&logLevel, "log", "info", "Log level (trace, debug, info, warn, error, fatal, panic)")
		c.Flags().StringVar(&paramFile, "params", "", "YAML parameter file (built-in defaults when omitted)")
		c.Flags().StringVar(&checkpointPath, "checkpoint", "", "Checkpoint file to write at run end (and read on resume)")
		c.Flags().Int64Var(&seedOverride, "seed", -1, "Override the configured RNG seed")
		c.Flags().Int64Var(&sweepsOverride, "sweeps", -1, "Override the configured production sweep count")
		c.Flags().StringVar(&outputOverride, "output", "", "Override the measurement output path")
	}
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(resumeCmd)
}
