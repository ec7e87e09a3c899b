package main

import (
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/corsair-dl/corsair/internal/format"
	"github.com/corsair-dl/corsair/internal/queue"
)

// parseTrigger accepts either an absolute RFC 3339 timestamp or a
// relative duration from now.
func parseTrigger(s string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339, s); err == nil {
		return ts.UTC(), nil
	}
	if d, err := time.ParseDuration(s); err == nil && d > 0 {
		return time.Now().UTC().Add(d), nil
	}
	return time.Time{}, fmt.Errorf("invalid --at value %q: want RFC 3339 time or duration", s)
}

func newScheduleCommand(cctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Manage downloads waiting for capacity",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	var at string
	addCmd := &cobra.Command{
		Use:   "add <magnet|url>",
		Short: "Queue a download without starting it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			orch, err := cctx.lockedOrchestrator()
			if err != nil {
				return err
			}
			spec := queue.JobSpec{Source: args[0], Defer: true}
			if at != "" {
				notBefore, err := parseTrigger(at)
				if err != nil {
					return err
				}
				spec.NotBefore = &notBefore
			}
			job, err := orch.Enqueue(cmd.Context(), spec)
			if err != nil {
				return err
			}
			if job.NotBefore != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "Scheduled %s (%s) for %s\n",
					job.Name, shortID(job.ID), job.NotBefore.Local().Format(time.RFC1123))
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "Scheduled %s (%s)\n", job.Name, shortID(job.ID))
			}
			return nil
		},
	}
	addCmd.Flags().StringVar(&at, "at", "", "start time: RFC 3339 timestamp or a delay like 2h30m")
	cmd.AddCommand(addCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List scheduled downloads",
		RunE: func(cmd *cobra.Command, args []string) error {
			orch, err := cctx.orchestrator()
			if err != nil {
				return err
			}
			snap := orch.Snapshot()
			if len(snap.Queued) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "Nothing scheduled.")
				return nil
			}

			t := table.NewWriter()
			t.SetOutputMirror(cmd.OutOrStdout())
			t.SetStyle(table.StyleLight)
			t.AppendHeader(table.Row{"ID", "Name", "Kind", "Added", "Starts"})
			for _, job := range snap.Queued {
				starts := "when capacity frees"
				if job.NotBefore != nil {
					starts = job.NotBefore.Local().Format("2006-01-02 15:04")
				}
				t.AppendRow(table.Row{shortID(job.ID), job.Name, job.Kind, format.Ago(job.CreatedAt), starts})
			}
			t.Render()
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "remove <id>",
		Short: "Drop a scheduled download",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			orch, err := cctx.lockedOrchestrator()
			if err != nil {
				return err
			}
			job, err := matchJob(orch, args[0])
			if err != nil {
				return err
			}
			if job.Status != queue.StatusQueued {
				return fmt.Errorf("job %s is %s, not scheduled", shortID(job.ID), job.Status)
			}
			if err := orch.Remove(cmd.Context(), job.ID, false); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Dropped %s (%s)\n", job.Name, shortID(job.ID))
			return nil
		},
	})

	return cmd
}
