package main

import (
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/corsair-dl/corsair/internal/format"
	"github.com/corsair-dl/corsair/internal/store"
)

func newSearchCommand(ctx *commandContext) *cobra.Command {
	var category string
	var limit int

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search the federated indexes",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := ctx.init(); err != nil {
				return err
			}

			query := ""
			for i, a := range args {
				if i > 0 {
					query += " "
				}
				query += a
			}

			results, err := ctx.searchAPI.Search(cmd.Context(), query, category, limit)
			if err != nil {
				return err
			}
			if len(results) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No results.")
				return nil
			}

			// Cache results so `corsair get <n>` can reference them by index.
			if err := ctx.st.Save(store.DocLastResults, results); err != nil {
				ctx.log.Warn().Err(err).Msg("could not cache search results")
			}

			t := table.NewWriter()
			t.SetOutputMirror(cmd.OutOrStdout())
			t.SetStyle(table.StyleLight)
			t.AppendHeader(table.Row{"#", "Title", "Type", "Size", "Seeders", "Source"})
			for i, r := range results {
				size := r.Size
				if size == "" && r.SizeBytes > 0 {
					size = format.Bytes(r.SizeBytes)
				}
				t.AppendRow(table.Row{i + 1, r.Title, r.Type, size, r.Seeders, r.Source})
			}
			t.Render()
			return nil
		},
	}

	cmd.Flags().StringVar(&category, "category", "", "Restrict to a category")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum number of results")
	return cmd
}
