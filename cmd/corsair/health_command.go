package main

import (
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

func newHealthCommand(cctx *commandContext) *cobra.Command {
	var verbose bool

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Probe the search service and transport daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cctx.init(); err != nil {
				return err
			}

			snapshots := cctx.monitor.CheckAll(cmd.Context())

			t := table.NewWriter()
			t.SetOutputMirror(cmd.OutOrStdout())
			t.SetStyle(table.StyleLight)
			t.AppendHeader(table.Row{"Service", "State", "Latency", "Error"})
			for _, name := range []string{"search", "transport"} {
				snap := snapshots[name]
				t.AppendRow(table.Row{
					name,
					snap.State,
					snap.Latency.Round(time.Millisecond),
					snap.LastError,
				})
			}
			t.Render()

			if !verbose {
				return nil
			}

			// The search service exposes its own per-indexer health.
			out := cmd.OutOrStdout()
			if status, err := cctx.searchAPI.Health(cmd.Context()); err == nil {
				fmt.Fprintf(out, "\nSearch service: %s (%d/%d indexers healthy",
					status.Status, status.HealthyCount, status.TotalIndexers)
				if status.Uptime != "" {
					fmt.Fprintf(out, ", up %s", status.Uptime)
				}
				fmt.Fprintln(out, ")")
			}
			if indexers, err := cctx.searchAPI.Indexers(cmd.Context()); err == nil && len(indexers) > 0 {
				it := table.NewWriter()
				it.SetOutputMirror(out)
				it.SetStyle(table.StyleLight)
				it.AppendHeader(table.Row{"Indexer", "Healthy"})
				for _, idx := range indexers {
					it.AppendRow(table.Row{idx.Name, idx.Healthy})
				}
				it.Render()
			}
			if stats, err := cctx.searchAPI.Stats(cmd.Context()); err == nil && stats.Version != "" {
				fmt.Fprintf(out, "Server %s, %d MB memory, %d cached entries\n",
					stats.Version, stats.MemoryMB, stats.CacheSize)
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Show per-indexer detail and server stats")
	return cmd
}
