// Package cmd provides the CLI commands for factline.
package cmd

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/factline/factline/internal/config"
	"github.com/factline/factline/internal/logging"
	"github.com/factline/factline/internal/profiling"
	"github.com/factline/factline/pkg/version"
)

var (
	flagConfigDir string
	flagDebug     bool
	flagJSON      bool

	profileCPU   string
	profileMem   string
	profileTrace string

	profiler       = profiling.NewProfiler()
	cpuCleanup     func()
	traceCleanup   func()
	loggingCleanup func()
)

// NewRootCmd creates the root command for the factline CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "factline",
		Short: "Derived-fact storage for content-addressed artifacts",
		Long: `Factline stores facts derived from content-addressed artifacts,
keyed by subject and extraction tool so work is never redone for the
same tool version. It bundles the storage server, batch indexing jobs,
journal consumers, and maintenance commands in one binary.`,
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	cmd.SetVersionTemplate("factline version {{.Version}}\n")

	cmd.PersistentFlags().StringVar(&flagConfigDir, "config-dir", ".", "Directory to resolve .factline.yaml from")
	cmd.PersistentFlags().BoolVar(&flagDebug, "debug", false, "Enable debug logging")
	cmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "Force JSON output")
	cmd.PersistentFlags().StringVar(&profileCPU, "profile-cpu", "", "Write CPU profile to file")
	cmd.PersistentFlags().StringVar(&profileMem, "profile-mem", "", "Write memory profile to file")
	cmd.PersistentFlags().StringVar(&profileTrace, "profile-trace", "", "Write execution trace to file")

	cmd.PersistentPreRunE = startLoggingAndProfiling
	cmd.PersistentPostRunE = stopLoggingAndProfiling

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newIndexCmd())
	cmd.AddCommand(newConsumeCmd())
	cmd.AddCommand(newScanCmd())
	cmd.AddCommand(newGetCmd())
	cmd.AddCommand(newDeleteCmd())
	cmd.AddCommand(newToolsCmd())
	cmd.AddCommand(newJournalCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newInitCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}

func startLoggingAndProfiling(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		// Commands that do not need config still get stderr logging.
		cfg = config.NewConfig()
	}

	level := cfg.Logging.Level
	if flagDebug {
		level = "debug"
	}

	logger, cleanup, err := logging.Setup(logging.Config{
		Level:    level,
		FilePath: cfg.Logging.File,
		ToStderr: true,
	})
	if err != nil {
		return err
	}
	loggingCleanup = cleanup
	slog.SetDefault(logger)

	if profileCPU != "" {
		cpuCleanup, err = profiler.StartCPU(profileCPU)
		if err != nil {
			return err
		}
	}
	if profileTrace != "" {
		traceCleanup, err = profiler.StartTrace(profileTrace)
		if err != nil {
			if cpuCleanup != nil {
				cpuCleanup()
			}
			return err
		}
	}
	return nil
}

func stopLoggingAndProfiling(_ *cobra.Command, _ []string) error {
	if cpuCleanup != nil {
		cpuCleanup()
		cpuCleanup = nil
	}
	if traceCleanup != nil {
		traceCleanup()
		traceCleanup = nil
	}
	if profileMem != "" {
		if err := profiler.WriteHeap(profileMem); err != nil {
			return err
		}
	}
	if loggingCleanup != nil {
		loggingCleanup()
		loggingCleanup = nil
	}
	return nil
}

func loadConfig() (*config.Config, error) {
	dir := flagConfigDir
	if dir == "" {
		dir, _ = os.Getwd()
	}
	return config.Load(dir)
}
