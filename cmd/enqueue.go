package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-pipeline/internal/server"
	"github.com/JakeFAU/listing-pipeline/internal/stage"
)

// newEnqueueCmd creates the 'enqueue' subcommand, which seeds one URL onto the
// collection queue of a shared queue store.
func newEnqueueCmd() *cobra.Command {
	var req stage.SeedRequest
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Seed a URL onto the collection queue",
		Long: `Creates a pending context for the given URL and pushes it onto the collection
queue (or the dynamic queue with --dynamic). Use a postgres or sqlite queue
backend so a running pipeline can pick it up.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd.Context())
			if err != nil {
				return err
			}
			app, err := server.Build(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("build pipeline: %w", err)
			}
			defer app.Close()
			if cfg.Queue.Backend == "memory" {
				app.Logger().Warn("the memory queue backend does not outlive this command")
			}

			item, err := app.Seeder().Seed(cmd.Context(), req)
			if err != nil {
				return fmt.Errorf("enqueue: %w", err)
			}
			app.Logger().Info("context enqueued", zap.String("context_id", item.ID), zap.String("url", req.URL))
			_, err = fmt.Fprintln(cmd.OutOrStdout(), item.ID)
			return err
		},
	}
	cmd.Flags().StringVar(&req.URL, "url", "", "absolute http(s) URL to collect")
	cmd.Flags().StringVar(&req.Sku, "sku", "listing", "sku that selects the collector, transformer and processor")
	cmd.Flags().StringVar(&req.JobID, "job", "adhoc", "job id the context belongs to")
	cmd.Flags().StringVar(&req.ExecutionID, "execution", "", "execution id within the job")
	cmd.Flags().BoolVar(&req.Dynamic, "dynamic", false, "route to the priority collection queue")
	cmd.Flags().StringToStringVar(&req.Tags, "tag", nil, "metadata tag as key=value (repeatable)")
	_ = cmd.MarkFlagRequired("url")
	return cmd
}
