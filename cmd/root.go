// Package cmd defines the CLI commands of the pipeline executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/listing-pipeline/internal/config"
)

// cfgKeyType is the key for storing the loaded Config in the command context.
type cfgKeyType string

const cfgKey cfgKeyType = "config"

// newRootCmd creates the root command and its subcommands.
func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "pipeline",
		Short: "A three-stage listing ingestion pipeline.",
		Long: `pipeline collects listing pages, extracts structured entities from them and
upserts those entities into a store. Stages talk only through named queues and
slow down on their own when a downstream queue backs up.`,
		SilenceUsage: true,

		// Runs before every subcommand so they all share one loaded config.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), cfgKey, cfg))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML, TOML or JSON); env vars use the PIPELINE_ prefix")

	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newEnqueueCmd())
	cmd.AddCommand(newQueuesCmd())
	return cmd
}

func resolveConfig(ctx context.Context) (config.Config, error) {
	cfg, ok := ctx.Value(cfgKey).(config.Config)
	if !ok {
		return config.Config{}, errors.New("configuration not loaded")
	}
	return cfg, nil
}

// Execute runs the root command with ctx and exits non-zero on failure.
func Execute(ctx context.Context) {
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
