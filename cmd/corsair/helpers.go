package main

import (
	"fmt"
	"strings"

	"github.com/corsair-dl/corsair/internal/queue"
)

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// matchJob resolves a possibly-abbreviated job ID against the live sets.
func matchJob(orch *queue.Orchestrator, arg string) (queue.Job, error) {
	snap := orch.Snapshot()

	all := make([]queue.Job, 0, len(snap.Active)+len(snap.Queued)+len(snap.Paused))
	all = append(all, snap.Active...)
	all = append(all, snap.Queued...)
	all = append(all, snap.Paused...)

	var matches []queue.Job
	for _, job := range all {
		if job.ID == arg {
			return job, nil
		}
		if strings.HasPrefix(job.ID, arg) {
			matches = append(matches, job)
		}
	}

	switch len(matches) {
	case 1:
		return matches[0], nil
	case 0:
		return queue.Job{}, fmt.Errorf("%w: %s", queue.ErrNotFound, arg)
	default:
		return queue.Job{}, fmt.Errorf("ambiguous job ID %q matches %d jobs", arg, len(matches))
	}
}
