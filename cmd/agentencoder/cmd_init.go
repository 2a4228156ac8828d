package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/golangast/agentencoder/internal/config"
	"github.com/golangast/agentencoder/internal/logging"
	"github.com/golangast/agentencoder/neural/encoder"
	"github.com/golangast/agentencoder/neural/gobs"
)

var (
	configPath string
	modelPath  string
)

// initCmd creates a freshly initialised encoder checkpoint
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a randomly initialised encoder checkpoint",
	Long: `Builds an encoder from a YAML config (or the defaults) and writes it as a
gob checkpoint.

Example:
  agentencoder init --config encoder.yaml --out models/encoder.gob`,
	Args: cobra.NoArgs,
	RunE: runInit,
}

func loadConfig() (*config.Config, error) {
	if configPath == "" {
		return config.Default(), nil
	}
	return config.Load(configPath)
}

// applyLogging rebuilds the logger from the config's logging section unless
// --log-level was given explicitly.
func applyLogging(cmd *cobra.Command, cfg *config.Config) error {
	if configPath == "" || cmd.Flags().Changed("log-level") {
		return nil
	}
	l, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	logger = l
	return nil
}

func runInit(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := applyLogging(cmd, cfg); err != nil {
		return err
	}

	enc, err := encoder.New(cfg.Model,
		encoder.WithSeed(cfg.Runtime.Seed),
		encoder.WithParallel(cfg.Runtime.Parallel),
		encoder.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("failed to build encoder: %w", err)
	}

	cp, err := gobs.SaveEncoderToGOB(enc, modelPath)
	if err != nil {
		return fmt.Errorf("failed to save encoder: %w", err)
	}
	logger.Info("Encoder checkpoint written",
		zap.String("path", modelPath),
		zap.String("run_id", cp.RunID),
		zap.Int("parameters", enc.ParameterCount()))

	fmt.Fprintf(cmd.OutOrStdout(), "%s\n", cp.RunID)
	return nil
}
