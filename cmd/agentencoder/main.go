// Command agentencoder builds, inspects and runs multi-agent encoders.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/golangast/agentencoder/internal/config"
	"github.com/golangast/agentencoder/internal/logging"
)

var (
	// Global flags
	logLevel string

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "agentencoder",
	Short: "Multi-agent contextual sequence encoder",
	Long: `agentencoder splits a token sequence between several agents, encodes each
part with a shared BiLSTM and refines every agent's encoding over several
contextual layers using the mean of the other agents' last states.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		logger, err = logging.New(config.LoggingConfig{Level: logLevel})
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "log level (debug, info, warn, error)")

	initCmd.Flags().StringVar(&configPath, "config", "", "YAML config file (defaults are used when empty)")
	initCmd.Flags().StringVar(&modelPath, "out", "models/encoder.gob", "where to write the checkpoint")

	encodeCmd.Flags().StringVar(&modelPath, "model", "models/encoder.gob", "checkpoint to load")
	encodeCmd.Flags().StringVar(&inputPath, "input", "-", "JSON file of token id rows, or - for stdin")
	encodeCmd.Flags().BoolVar(&allLayers, "all-layers", false, "include the local and every contextual layer")
	encodeCmd.Flags().BoolVar(&sequential, "sequential", false, "encode agents one after another")

	inspectCmd.Flags().StringVar(&modelPath, "model", "models/encoder.gob", "checkpoint to inspect")

	rootCmd.AddCommand(initCmd, encodeCmd, inspectCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
