package main

import (
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/corsair-dl/corsair/internal/format"
)

func newHistoryCommand(cctx *commandContext) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show completed, failed, and removed downloads",
		RunE: func(cmd *cobra.Command, args []string) error {
			orch, err := cctx.orchestrator()
			if err != nil {
				return err
			}

			records := orch.History(limit)
			if len(records) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "History is empty.")
				return nil
			}

			t := table.NewWriter()
			t.SetOutputMirror(cmd.OutOrStdout())
			t.SetStyle(table.StyleLight)
			t.AppendHeader(table.Row{"ID", "Name", "Kind", "Status", "Size", "Finished"})
			// Newest first.
			for i := len(records) - 1; i >= 0; i-- {
				rec := records[i]
				t.AppendRow(table.Row{
					shortID(rec.Job.ID),
					rec.Job.Name,
					rec.Job.Kind,
					rec.Job.Status,
					format.Bytes(rec.Job.Size),
					format.Ago(rec.ArchivedAt),
				})
			}
			t.Render()
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 30, "Maximum records to show (0 for all)")
	return cmd
}
