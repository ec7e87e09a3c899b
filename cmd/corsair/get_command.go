package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/corsair-dl/corsair/internal/format"
	"github.com/corsair-dl/corsair/internal/queue"
	"github.com/corsair-dl/corsair/internal/searchapi"
	"github.com/corsair-dl/corsair/internal/store"
)

func newGetCommand(cctx *commandContext) *cobra.Command {
	var deferStart bool

	cmd := &cobra.Command{
		Use:   "get <result#|magnet|url>",
		Short: "Download a search result or a raw locator",
		Long: "Download by last-search result number, magnet link, or direct URL.\n" +
			"Torrent jobs are handed to the transport daemon; direct downloads\n" +
			"stream in the foreground with resume support.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cctx.init(); err != nil {
				return err
			}

			spec, err := resolveSpec(cmd.Context(), cctx, args[0])
			if err != nil {
				return err
			}
			spec.Defer = deferStart

			orch, err := cctx.lockedOrchestrator()
			if err != nil {
				return err
			}

			job, err := orch.Enqueue(cmd.Context(), spec)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			switch job.Status {
			case queue.StatusActive:
				fmt.Fprintf(out, "Started %s (%s)\n", job.Name, shortID(job.ID))
			case queue.StatusQueued:
				fmt.Fprintf(out, "Queued %s (%s)\n", job.Name, shortID(job.ID))
			case queue.StatusFailed:
				return fmt.Errorf("job failed: %s", job.Error)
			}

			// Torrent transfers keep running inside the daemon after we
			// exit; a direct download only makes progress while this
			// process lives, so follow it to completion.
			if job.Kind == queue.KindDirect && job.Status == queue.StatusActive {
				return followDirect(cmd.Context(), cmd, orch, job.ID)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&deferStart, "defer", false, "Queue without starting; the scheduler starts it later")
	return cmd
}

// resolveSpec turns the user's argument into a job spec. A small integer
// refers to the cached results of the last search; anything else is taken
// as a raw locator.
func resolveSpec(ctx context.Context, cctx *commandContext, arg string) (queue.JobSpec, error) {
	arg = strings.TrimSpace(arg)

	n, err := strconv.Atoi(arg)
	if err != nil {
		return queue.JobSpec{Source: arg}, nil
	}

	var results []searchapi.Result
	if err := cctx.st.Load(store.DocLastResults, &results); err != nil {
		return queue.JobSpec{}, err
	}
	if n < 1 || n > len(results) {
		return queue.JobSpec{}, fmt.Errorf("result %d out of range (last search had %d results)", n, len(results))
	}

	r := results[n-1]
	source := r.DownloadURL
	if r.Type == searchapi.ResultTypeDirect && r.InfoHash != "" {
		// Book-style results carry a content hash the search service can
		// resolve to a fresher mirror than the cached locator.
		if src, err := cctx.searchAPI.ResolveDirect(ctx, r.InfoHash, r.Source); err == nil {
			source = src.URL()
		}
	}

	return queue.JobSpec{Source: source, Name: r.Title}, nil
}

// followDirect polls a foreground direct download until it reaches a
// terminal state, printing progress on each poll.
func followDirect(ctx context.Context, cmd *cobra.Command, orch *queue.Orchestrator, id string) error {
	out := cmd.OutOrStdout()
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Flush the last confirmed offset so the next run resumes.
			if err := orch.Pause(context.Background(), id); err == nil {
				fmt.Fprintln(out, "\nInterrupted; progress saved")
			}
			return ctx.Err()
		case <-ticker.C:
		}

		orch.PollTick(ctx)

		job, err := orch.Get(id)
		if err != nil {
			// Job left the live sets; find its terminal record.
			for _, rec := range orch.History(10) {
				if rec.Job.ID == id {
					if rec.Job.Status == queue.StatusFailed {
						return fmt.Errorf("download failed: %s", rec.Job.Error)
					}
					fmt.Fprintf(out, "\nDone: %s (%s)\n", rec.Job.Name, format.Bytes(rec.Job.BytesReceived))
					return nil
				}
			}
			return nil
		}

		if job.Size > 0 {
			fmt.Fprintf(out, "\r%s  %s / %s (%s)",
				format.Percent(job.Progress),
				format.Bytes(job.BytesReceived),
				format.Bytes(job.Size),
				job.Name)
		} else {
			fmt.Fprintf(out, "\r%s received (%s)", format.Bytes(job.BytesReceived), job.Name)
		}
	}
}
