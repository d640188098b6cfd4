package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/okian/irtengine/internal/config"
	"github.com/okian/irtengine/pkg/logger"
)

var rootCmd = &cobra.Command{
	Use:   "irtengine",
	Short: "IRT ability estimation and adaptive item selection",
	Long: "irtengine keeps per-topic 3PL ability estimates for students, rolls them up to\n" +
		"subjects and an overall score, and picks the most informative next item.",
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Path to a YAML config file (overrides "+config.EnvConfigFile+")")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: debug, info, warn, error (overrides the config)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(recomputeCmd)
	rootCmd.AddCommand(simulateCmd)
	rootCmd.AddCommand(percentileCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadConfig resolves the config file from --config, then IRT_CONFIG, and
// layers the environment on top.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		path = os.Getenv(config.EnvConfigFile)
	}
	cfg, err := config.LoadFile(path)
	if err != nil {
		return nil, err
	}
	if lvl, _ := cmd.Flags().GetString("log-level"); lvl != "" {
		cfg.LogLevel = lvl
	}
	return cfg, nil
}

// setupLogging initializes the global logger on stderr so command output on
// stdout stays machine readable.
func setupLogging(ctx context.Context, cfg *config.Config) error {
	if err := logger.InitWithOptions(logger.Options{Format: cfg.LogFormat, Writer: os.Stderr, Source: true}); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	if err := logger.SetLevelString(cfg.LogLevel); err != nil {
		logger.Get().Warn(ctx, "invalid log_level; falling back to info",
			logger.String("log_level", cfg.LogLevel), logger.Error(err))
		_ = logger.SetLevelString("info")
	}
	return nil
}
