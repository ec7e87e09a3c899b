package main

import (
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/corsair-dl/corsair/internal/dashboard"
)

const dashboardRefresh = time.Second

func newDashboardCommand(cctx *commandContext) *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "dashboard",
		Short: "Live view of downloads and service health",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cctx.init(); err != nil {
				return err
			}
			useColor := colored()
			out := cmd.OutOrStdout()

			// Piped output gets a single frame instead of a refresh loop.
			// Inline ticks only run when no other process holds the state
			// lock; a running daemon already keeps the documents fresh.
			if once || !useColor {
				ticks, err := cctx.st.TryLock()
				if err != nil {
					return err
				}
				orch, err := cctx.orchestrator()
				if err != nil {
					return err
				}
				cctx.monitor.CheckAll(cmd.Context())
				if ticks {
					orch.PollTick(cmd.Context())
					orch.SchedulerTick(cmd.Context())
				}
				feed := dashboard.NewFeed(orch, cctx.monitor)
				fmt.Fprint(out, dashboard.Render(feed.Frame(), useColor))
				return nil
			}

			orch, err := cctx.lockedOrchestrator()
			if err != nil {
				return err
			}
			feed := dashboard.NewFeed(orch, cctx.monitor)

			sched, err := startTicks(cctx, orch)
			if err != nil {
				return err
			}
			defer stopTicks(cctx, sched)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			ticker := time.NewTicker(dashboardRefresh)
			defer ticker.Stop()

			for {
				frame := feed.Frame()
				if useColor {
					// Clear screen and home the cursor between frames.
					fmt.Fprint(out, "\x1b[2J\x1b[H")
				}
				fmt.Fprint(out, dashboard.Render(frame, useColor))
				fmt.Fprintf(out, "\n%s  (Ctrl-C to exit)\n", frame.At.Format("15:04:05"))

				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
				}
			}
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "render a single frame and exit")
	return cmd
}
