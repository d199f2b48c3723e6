package cli

import (
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	a, err := newApp(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	logger.Info().
		Str("environment", cfg.App.Environment).
		Str("vector_backend", cfg.Storage.VectorBackend).
		Str("ownership_backend", cfg.Security.OwnershipBackend).
		Str("auth_mode", cfg.Security.AuthMode).
		Msg("starting docrag")

	return a.server().Run(cmd.Context())
}
