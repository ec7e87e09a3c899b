// Package dashboard assembles orchestrator and health state into a
// render-ready frame. It owns no state of its own; every frame is a pure
// read over the current snapshots.
package dashboard

import (
	"sort"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/corsair-dl/corsair/internal/format"
	"github.com/corsair-dl/corsair/internal/health"
	"github.com/corsair-dl/corsair/internal/queue"
)

// Frame is one composite view of jobs and service health.
type Frame struct {
	At     time.Time
	Jobs   queue.Snapshot
	Health map[string]health.Snapshot
}

// Feed produces frames on demand. Either source may be momentarily stale;
// the feed never blocks waiting for a tick.
type Feed struct {
	orch    *queue.Orchestrator
	monitor *health.Monitor
}

// NewFeed creates a Feed over the given sources.
func NewFeed(orch *queue.Orchestrator, monitor *health.Monitor) *Feed {
	return &Feed{orch: orch, monitor: monitor}
}

// Frame assembles the current composite view.
func (f *Feed) Frame() Frame {
	return Frame{
		At:     time.Now(),
		Jobs:   f.orch.Snapshot(),
		Health: f.monitor.Snapshots(),
	}
}

// Render formats a frame as terminal text. Color codes are emitted only
// when colored is set, so piped output stays clean.
func Render(frame Frame, colored bool) string {
	var b strings.Builder

	b.WriteString(renderHealth(frame.Health, colored))
	b.WriteString("\n")
	b.WriteString(renderJobs(frame.Jobs, colored))

	if len(frame.Jobs.RecentHistory) > 0 {
		b.WriteString("\n")
		b.WriteString(renderHistory(frame.Jobs.RecentHistory))
	}

	return b.String()
}

func renderHealth(snapshots map[string]health.Snapshot, colored bool) string {
	names := make([]string, 0, len(snapshots))
	for name := range snapshots {
		names = append(names, name)
	}
	sort.Strings(names)

	t := table.NewWriter()
	t.SetStyle(table.StyleLight)
	t.SetTitle("Services")
	t.AppendHeader(table.Row{"Service", "State", "Latency", "Failures", "Checked"})
	for _, name := range names {
		snap := snapshots[name]
		state := string(snap.State)
		if colored {
			switch snap.State {
			case health.StateUp:
				state = text.FgGreen.Sprint(state)
			case health.StateDegraded:
				state = text.FgYellow.Sprint(state)
			case health.StateDown:
				state = text.FgRed.Sprint(state)
			}
		}
		checked := "-"
		if !snap.LastChecked.IsZero() {
			checked = format.Ago(snap.LastChecked)
		}
		t.AppendRow(table.Row{name, state, snap.Latency.Round(time.Millisecond), snap.ConsecutiveFailures, checked})
	}
	return t.Render() + "\n"
}

func renderJobs(snap queue.Snapshot, colored bool) string {
	t := table.NewWriter()
	t.SetStyle(table.StyleLight)
	t.SetTitle("Downloads")
	t.AppendHeader(table.Row{"ID", "Name", "Kind", "Status", "Progress", "Size", "Speed", "ETA"})

	appendJob := func(job queue.Job) {
		status := string(job.Status)
		if colored && job.Status == queue.StatusActive {
			status = text.FgGreen.Sprint(status)
		}
		t.AppendRow(table.Row{
			shortID(job.ID),
			truncate(job.Name, 40),
			job.Kind,
			status,
			format.Percent(job.Progress),
			format.Bytes(job.Size),
			format.Speed(job.DownloadSpeed),
			format.ETA(job.ETA),
		})
	}

	for _, job := range snap.Active {
		appendJob(job)
	}
	for _, job := range snap.Queued {
		appendJob(job)
	}
	for _, job := range snap.Paused {
		appendJob(job)
	}

	if len(snap.Active)+len(snap.Queued)+len(snap.Paused) == 0 {
		t.AppendRow(table.Row{"-", "no downloads", "", "", "", "", "", ""})
	}

	return t.Render() + "\n"
}

func renderHistory(records []queue.HistoryRecord) string {
	t := table.NewWriter()
	t.SetStyle(table.StyleLight)
	t.SetTitle("Recent History")
	t.AppendHeader(table.Row{"Name", "Status", "Finished"})

	// Newest first for display.
	for i := len(records) - 1; i >= 0; i-- {
		rec := records[i]
		t.AppendRow(table.Row{
			truncate(rec.Job.Name, 40),
			rec.Job.Status,
			format.Ago(rec.ArchivedAt),
		})
	}
	return t.Render() + "\n"
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
