// Package cli wires the configured components into the docrag command line.
package cli

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"docrag/internal/config"
	"docrag/internal/logging"
)

// configDir is where config.yaml, config.json and .env are looked up.
var configDir string

var rootCmd = &cobra.Command{
	Use:   "docrag",
	Short: "Multi-tenant document search and chat",
	Long: `docrag stores PDF documents in a per-tenant virtual directory tree, indexes
them as embedded chunks and answers questions about them with a local language model.

Running docrag without a subcommand starts the HTTP API.`,
	SilenceUsage: true,
	RunE:         runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir", ".", "Directory holding config.yaml, config.json and .env")
}

// Execute runs the command line with ctx as the root context.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

// loadConfig reads the configuration and builds the logger it describes.
func loadConfig() (*config.Config, *zerolog.Logger, error) {
	cfg, err := config.LoadFrom(configDir)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	logger := logging.New(cfg.App.LogLevel, cfg.App.LogFormat)
	logging.SetGlobal(logger)
	return cfg, &logger, nil
}
