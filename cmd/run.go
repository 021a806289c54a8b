package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/listing-pipeline/internal/server"
)

// newRunCmd creates the 'run' subcommand, which starts every stage and the HTTP API.
func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the pipeline stages and the HTTP API",
		Long: `Launches the browser pool, starts the collection, transformation and
processing stages with their configured worker counts, and serves the HTTP API
until SIGINT or SIGTERM.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd.Context())
			if err != nil {
				return err
			}
			app, err := server.Build(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("build pipeline: %w", err)
			}
			if err := app.Run(cmd.Context()); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("run pipeline: %w", err)
			}
			app.Logger().Info("pipeline stopped")
			return nil
		},
	}
}
