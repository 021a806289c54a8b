package cmd

import (
	"fmt"
	"strconv"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"github.com/JakeFAU/listing-pipeline/internal/health"
	"github.com/JakeFAU/listing-pipeline/internal/server"
)

// newQueuesCmd creates the 'queues' subcommand, which prints queue depths.
func newQueuesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "queues",
		Short: "Show the depth and health of every pipeline queue",
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

			tw := table.NewWriter()
			tw.SetStyle(table.StyleRounded)
			tw.AppendHeader(table.Row{"Queue", "Depth", "Status", "Warning", "Critical"})
			keys := cfg.Queue.Keys.All()
			if cfg.Queue.Keys.Failed != "" {
				keys = append(keys, cfg.Queue.Keys.Failed)
			}
			for _, key := range keys {
				depth, err := app.Monitor().Depth(cmd.Context(), key)
				if err != nil {
					return err
				}
				status, warning, critical := "-", "-", "-"
				if th, ok := cfg.Thresholds[key]; ok {
					status = health.Classify(depth, th.Warning, th.Critical).String()
					warning = strconv.FormatInt(th.Warning, 10)
					critical = strconv.FormatInt(th.Critical, 10)
				}
				tw.AppendRow(table.Row{key, depth, status, warning, critical})
			}
			tw.SetColumnConfigs([]table.ColumnConfig{
				{Number: 2, Align: text.AlignRight, AlignHeader: text.AlignLeft},
				{Number: 4, Align: text.AlignRight, AlignHeader: text.AlignLeft},
				{Number: 5, Align: text.AlignRight, AlignHeader: text.AlignLeft},
			})
			_, err = fmt.Fprintln(cmd.OutOrStdout(), tw.Render())
			return err
		},
	}
}
