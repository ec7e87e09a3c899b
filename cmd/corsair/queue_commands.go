package main

import (
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/corsair-dl/corsair/internal/format"
	"github.com/corsair-dl/corsair/internal/queue"
)

func newQueueCommand(cctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "queue",
		Short: "List active, queued, and paused downloads",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cctx.init(); err != nil {
				return err
			}

			// Refresh from the daemon and promote before listing so the
			// view reflects work finished since the last invocation. When
			// another process holds the state lock its ticks already keep
			// the documents fresh, so fall back to a plain read.
			ticks, err := cctx.st.TryLock()
			if err != nil {
				return err
			}
			orch, err := cctx.orchestrator()
			if err != nil {
				return err
			}
			if ticks {
				orch.PollTick(cmd.Context())
				orch.SchedulerTick(cmd.Context())
			}

			snap := orch.Snapshot()
			if len(snap.Active)+len(snap.Queued)+len(snap.Paused) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No downloads.")
				return nil
			}

			t := table.NewWriter()
			t.SetOutputMirror(cmd.OutOrStdout())
			t.SetStyle(table.StyleLight)
			t.AppendHeader(table.Row{"ID", "Name", "Kind", "Status", "Progress", "Size", "Speed", "ETA"})
			for _, group := range [][]queue.Job{snap.Active, snap.Queued, snap.Paused} {
				for _, job := range group {
					t.AppendRow(table.Row{
						shortID(job.ID),
						job.Name,
						job.Kind,
						job.Status,
						format.Percent(job.Progress),
						format.Bytes(job.Size),
						format.Speed(job.DownloadSpeed),
						format.ETA(job.ETA),
					})
				}
			}
			t.Render()
			return nil
		},
	}
}

func newRemoveCommand(cctx *commandContext) *cobra.Command {
	var purge bool

	cmd := &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove a download from the queue",
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
			if err := orch.Remove(cmd.Context(), job.ID, purge); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %s (%s)\n", job.Name, shortID(job.ID))
			return nil
		},
	}

	cmd.Flags().BoolVar(&purge, "purge", false, "Also delete downloaded files")
	return cmd
}

func newPauseCommand(cctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "pause <id>",
		Short: "Pause an active download",
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
			if err := orch.Pause(cmd.Context(), job.ID); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Paused %s (%s)\n", job.Name, shortID(job.ID))
			return nil
		},
	}
}

func newResumeCommand(cctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "resume <id>",
		Short: "Resume a paused download",
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
			if err := orch.Resume(cmd.Context(), job.ID); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Resumed %s (%s)\n", job.Name, shortID(job.ID))
			return nil
		},
	}
}
