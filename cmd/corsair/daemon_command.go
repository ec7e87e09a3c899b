package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/corsair-dl/corsair/internal/queue"
	"github.com/corsair-dl/corsair/internal/scheduler"
)

func newDaemonCommand(cctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run the background ticks headless until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			orch, err := cctx.lockedOrchestrator()
			if err != nil {
				return err
			}

			sched, err := startTicks(cctx, orch)
			if err != nil {
				return err
			}
			defer stopTicks(cctx, sched)

			fmt.Fprintln(cmd.OutOrStdout(), "corsair daemon running; Ctrl-C to stop")

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			<-ctx.Done()
			return nil
		},
	}
}

// startTicks takes the state-directory lock (a no-op when the caller
// already holds it) and registers the periodic background tasks. Poll and
// promotion run as one task so a job completing in a poll is promoted-for
// in the same cycle.
func startTicks(cctx *commandContext, orch *queue.Orchestrator) (*scheduler.Scheduler, error) {
	ok, err := cctx.st.TryLock()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("another corsair process is already running ticks against %s", cctx.st.Dir())
	}

	sched, err := scheduler.New(cctx.log.Logger)
	if err != nil {
		cctx.st.Unlock()
		return nil, err
	}

	tasks := []scheduler.TaskConfig{
		{
			ID:         "queue-cycle",
			Name:       "poll and promote",
			Interval:   cctx.cfg.PollEvery(),
			RunOnStart: true,
			Func: func(ctx context.Context) error {
				orch.PollTick(ctx)
				orch.SchedulerTick(ctx)
				return nil
			},
		},
		{
			ID:         "health-check",
			Name:       "probe external services",
			Interval:   cctx.cfg.HealthCheckEvery(),
			RunOnStart: true,
			Func: func(ctx context.Context) error {
				cctx.monitor.CheckAll(ctx)
				return nil
			},
		},
		{
			ID:       "schedule-sweep",
			Name:     "promote deferred jobs",
			Interval: cctx.cfg.ScheduleCheckEvery(),
			Func: func(ctx context.Context) error {
				orch.SchedulerTick(ctx)
				return nil
			},
		},
	}
	for _, task := range tasks {
		if err := sched.RegisterTask(task); err != nil {
			cctx.st.Unlock()
			return nil, err
		}
	}

	if err := sched.Start(); err != nil {
		cctx.st.Unlock()
		return nil, err
	}
	return sched, nil
}

func stopTicks(cctx *commandContext, sched *scheduler.Scheduler) {
	if err := sched.Stop(); err != nil {
		cctx.log.Warn().Err(err).Msg("scheduler shutdown")
	}
	if err := cctx.st.Unlock(); err != nil {
		cctx.log.Warn().Err(err).Msg("release state lock")
	}
}
