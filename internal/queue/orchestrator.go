// Package queue implements the download orchestrator: the single writer
// of job and history state. User commands and background ticks are
// serialized against one mutex, so a job is never observed mid-mutation.
package queue

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/corsair-dl/corsair/internal/direct"
	"github.com/corsair-dl/corsair/internal/store"
	"github.com/corsair-dl/corsair/internal/transport"
)

// pollFailThreshold is the number of consecutive unreachable poll
// outcomes after which an active job is failed.
const pollFailThreshold = 3

// recentHistoryLimit bounds the history slice handed out in snapshots.
const recentHistoryLimit = 20

// HealthGate reports whether the transport daemon is admitting new work.
type HealthGate interface {
	TransportDown() bool
}

// DirectTransferer runs direct HTTP transfers on the orchestrator's
// behalf. Satisfied by direct.Manager.
type DirectTransferer interface {
	Start(id, url, dest string, offset int64) error
	Status(id string) (direct.Progress, bool)
	Forget(id string)
}

var _ DirectTransferer = (*direct.Manager)(nil)

// Options configures an Orchestrator.
type Options struct {
	MaxActive           int
	AutoRemoveCompleted bool
	DownloadDir         string
	DirectDownloadDir   string
}

// Snapshot is a consistent point-in-time view of orchestrator state.
type Snapshot struct {
	Active        []Job
	Queued        []Job
	Paused        []Job
	RecentHistory []HistoryRecord
}

// Orchestrator owns the active and queued job sets and the history log.
type Orchestrator struct {
	mu      sync.Mutex
	opts    Options
	store   *store.Store
	gateway transport.Gateway
	direct  DirectTransferer
	gate    HealthGate
	logger  zerolog.Logger

	jobs    map[string]*Job
	history []HistoryRecord
	offsets map[string]int64 // source -> last confirmed byte offset
}

// New creates an Orchestrator and loads persisted queue, history, and
// offset state. Direct jobs that were active when the previous process
// exited are demoted to Queued so the scheduler restarts them with their
// recorded offsets; torrent jobs stay Active because the daemon kept
// running them.
func New(opts Options, st *store.Store, gw transport.Gateway, dm DirectTransferer, gate HealthGate, logger zerolog.Logger) (*Orchestrator, error) {
	o := &Orchestrator{
		opts:    opts,
		store:   st,
		gateway: gw,
		direct:  dm,
		gate:    gate,
		logger:  logger.With().Str("component", "queue").Logger(),
		jobs:    make(map[string]*Job),
		offsets: make(map[string]int64),
	}

	var persisted []Job
	if err := st.Load(store.DocQueue, &persisted); err != nil {
		return nil, fmt.Errorf("load queue: %w", err)
	}
	for i := range persisted {
		job := persisted[i]
		if job.Kind == KindDirect && job.Status == StatusActive {
			job.Status = StatusQueued
		}
		o.jobs[job.ID] = &job
	}

	if err := st.Load(store.DocHistory, &o.history); err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	if err := st.Load(store.DocOffsets, &o.offsets); err != nil {
		return nil, fmt.Errorf("load offsets: %w", err)
	}

	return o, nil
}

// Enqueue constructs a new job from spec. The job activates immediately
// when a capacity slot is free (and, for torrent jobs, the transport
// daemon is not Down); otherwise it stays Queued for the scheduler.
func (o *Orchestrator) Enqueue(ctx context.Context, spec JobSpec) (Job, error) {
	kind, err := classifySource(spec.Source)
	if err != nil {
		return Job{}, fmt.Errorf("%w: %q", ErrInvalidSource, spec.Source)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	job := &Job{
		ID:        uuid.NewString(),
		Kind:      kind,
		Source:    spec.Source,
		Name:      spec.Name,
		Status:    StatusQueued,
		NotBefore: spec.NotBefore,
		CreatedAt: time.Now().UTC(),
	}
	if job.Name == "" {
		job.Name = displayName(kind, spec.Source)
	}
	o.jobs[job.ID] = job

	if !spec.Defer && o.activeCountLocked() < o.opts.MaxActive && o.admissibleLocked(job) {
		o.activateLocked(ctx, job)
	}

	if err := o.persistQueueLocked(); err != nil {
		delete(o.jobs, job.ID)
		return Job{}, err
	}

	o.logger.Info().Str("id", job.ID).Str("kind", string(kind)).
		Str("status", string(job.Status)).Msg("job enqueued")
	return *job, nil
}

// PollTick queries progress for every active job, in creation order.
// Terminal outcomes archive the job; a single unreachable gateway never
// fails a job outright.
func (o *Orchestrator) PollTick(ctx context.Context) {
	o.mu.Lock()
	defer o.mu.Unlock()

	changed := false
	for _, job := range o.orderedLocked(StatusActive) {
		switch job.Kind {
		case KindTorrent:
			if o.pollTorrentLocked(ctx, job) {
				changed = true
			}
		case KindDirect:
			if o.pollDirectLocked(job) {
				changed = true
			}
		}
	}

	if changed {
		if err := o.persistQueueLocked(); err != nil {
			o.logger.Error().Err(err).Msg("persist queue after poll")
		}
		if err := o.store.Save(store.DocOffsets, o.offsets); err != nil {
			o.logger.Error().Err(err).Msg("persist offsets after poll")
		}
	}
}

func (o *Orchestrator) pollTorrentLocked(ctx context.Context, job *Job) bool {
	transfer, err := o.gateway.Get(ctx, job.TransferID)
	if err != nil {
		switch {
		case errors.Is(err, transport.ErrUnreachable):
			job.pollFailures++
			o.logger.Warn().Str("id", job.ID).Int("failures", job.pollFailures).
				Msg("poll unreachable")
			if job.pollFailures >= pollFailThreshold {
				o.failLocked(job, fmt.Sprintf("transport unreachable %d polls in a row", job.pollFailures))
				return true
			}
			return false
		case errors.Is(err, transport.ErrNotFound):
			o.failLocked(job, "transfer disappeared from transport daemon")
			return true
		default:
			o.failLocked(job, err.Error())
			return true
		}
	}

	job.pollFailures = 0
	prev := job.Progress
	if transfer.Progress > job.Progress {
		job.Progress = transfer.Progress
	}
	job.Size = transfer.Size
	job.DownloadSpeed = transfer.DownloadSpeed
	job.ETA = transfer.ETA
	if job.Name == "" || job.Name == job.Source {
		if transfer.Name != "" {
			job.Name = transfer.Name
		}
	}

	if transfer.Done() {
		o.completeLocked(job)
		if o.opts.AutoRemoveCompleted {
			// Keep files; only drop the daemon-side entry.
			if err := o.gateway.Remove(ctx, job.TransferID, false); err != nil {
				o.logger.Warn().Str("id", job.ID).Err(err).
					Msg("auto-remove of completed transfer failed")
			}
		}
		return true
	}

	return job.Progress != prev
}

func (o *Orchestrator) pollDirectLocked(job *Job) bool {
	progress, ok := o.direct.Status(job.ID)
	if !ok {
		o.failLocked(job, "direct transfer not running")
		return true
	}

	if progress.Err != nil {
		o.offsets[job.Source] = progress.BytesReceived
		o.failLocked(job, progress.Err.Error())
		o.direct.Forget(job.ID)
		return true
	}

	prev := job.BytesReceived
	job.BytesReceived = progress.BytesReceived
	o.offsets[job.Source] = progress.BytesReceived
	if progress.TotalBytes > 0 {
		job.Size = progress.TotalBytes
		// A range-rejected fallback restarts the stream from zero;
		// displayed progress stays monotone while the job is active.
		if p := float64(progress.BytesReceived) / float64(progress.TotalBytes); p > job.Progress {
			job.Progress = p
		}
	}

	if progress.Done {
		job.Progress = 1
		o.completeLocked(job)
		delete(o.offsets, job.Source)
		o.direct.Forget(job.ID)
		return true
	}

	return job.BytesReceived != prev
}

// SchedulerTick promotes queued jobs while capacity allows, strictly in
// creation order. Torrent jobs are skipped while the transport daemon is
// Down; direct jobs are never gated by transport health.
func (o *Orchestrator) SchedulerTick(ctx context.Context) {
	o.mu.Lock()
	defer o.mu.Unlock()

	promoted := false
	for _, job := range o.orderedLocked(StatusQueued) {
		if o.activeCountLocked() >= o.opts.MaxActive {
			break
		}
		if !o.admissibleLocked(job) {
			continue
		}
		o.activateLocked(ctx, job)
		promoted = true
	}

	if promoted {
		if err := o.persistQueueLocked(); err != nil {
			o.logger.Error().Err(err).Msg("persist queue after promotion")
		}
	}
}

// admissibleLocked reports whether a queued job may be promoted now.
func (o *Orchestrator) admissibleLocked(job *Job) bool {
	if job.NotBefore != nil && time.Now().Before(*job.NotBefore) {
		return false
	}
	if job.Kind == KindTorrent && o.gate != nil && o.gate.TransportDown() {
		return false
	}
	return true
}

// activateLocked submits the job to its gateway/manager. Submission
// failures leave torrent jobs Queued on unreachable (the health monitor
// will gate further attempts) and fail them on definitive rejection.
func (o *Orchestrator) activateLocked(ctx context.Context, job *Job) {
	switch job.Kind {
	case KindTorrent:
		transferID, err := o.gateway.AddMagnet(ctx, job.Source, transport.AddOptions{
			DownloadDir: o.opts.DownloadDir,
		})
		if err != nil {
			if errors.Is(err, transport.ErrUnreachable) {
				o.logger.Warn().Str("id", job.ID).Err(err).
					Msg("transport unreachable, job stays queued")
				return
			}
			o.failLocked(job, err.Error())
			return
		}
		job.TransferID = transferID
		job.Status = StatusActive

	case KindDirect:
		dest := job.Destination
		if dest == "" {
			dest = filepath.Join(o.opts.DirectDownloadDir, safeFilename(job))
			job.Destination = dest
		}
		offset := o.offsets[job.Source]
		if err := o.direct.Start(job.ID, job.Source, dest, offset); err != nil {
			o.failLocked(job, err.Error())
			return
		}
		job.Status = StatusActive
	}

	o.logger.Info().Str("id", job.ID).Str("kind", string(job.Kind)).Msg("job activated")
}

// Remove takes a job out of whichever set holds it, stopping its transfer
// first when active. Always archives a Removed record. A second Remove of
// the same ID reports ErrNotFound.
func (o *Orchestrator) Remove(ctx context.Context, id string, purgeFiles bool) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	job, ok := o.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	if job.Status == StatusActive || job.Status == StatusPaused {
		switch job.Kind {
		case KindTorrent:
			if job.TransferID != "" {
				if err := o.gateway.Remove(ctx, job.TransferID, purgeFiles); err != nil {
					o.logger.Warn().Str("id", id).Err(err).Msg("gateway remove failed")
				}
			}
		case KindDirect:
			o.direct.Forget(job.ID)
		}
	}

	// Queued direct jobs can also hold a partial file and offset: a job
	// that was active in a previous process is demoted to Queued on
	// restart. Purge cleans up regardless of current status.
	if job.Kind == KindDirect && purgeFiles {
		delete(o.offsets, job.Source)
		if job.Destination != "" {
			if err := os.Remove(job.Destination); err != nil && !os.IsNotExist(err) {
				o.logger.Warn().Str("id", id).Err(err).Msg("purge partial file failed")
			}
		}
	}

	job.Status = StatusRemoved
	now := time.Now().UTC()
	job.CompletedAt = &now
	if err := o.archiveLocked(job); err != nil {
		return err
	}

	if err := o.store.Save(store.DocOffsets, o.offsets); err != nil {
		o.logger.Error().Err(err).Msg("persist offsets after remove")
	}

	o.logger.Info().Str("id", id).Bool("purge", purgeFiles).Msg("job removed")
	return nil
}

// Pause suspends an active job without giving up its history. A paused
// job frees its capacity slot.
func (o *Orchestrator) Pause(ctx context.Context, id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	job, ok := o.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if job.Status != StatusActive {
		return fmt.Errorf("job %s is %s, not active", id, job.Status)
	}

	switch job.Kind {
	case KindTorrent:
		if err := o.gateway.Pause(ctx, job.TransferID); err != nil {
			return err
		}
	case KindDirect:
		// Cancel flushes the last confirmed offset through the partial
		// file; the recorded offset lets Resume pick up where it left off.
		if progress, ok := o.direct.Status(job.ID); ok {
			job.BytesReceived = progress.BytesReceived
			o.offsets[job.Source] = progress.BytesReceived
		}
		o.direct.Forget(job.ID)
	}

	job.Status = StatusPaused
	if err := o.persistQueueLocked(); err != nil {
		return err
	}
	if err := o.store.Save(store.DocOffsets, o.offsets); err != nil {
		o.logger.Error().Err(err).Msg("persist offsets after pause")
	}
	return nil
}

// Resume reactivates a paused job when a capacity slot is free; otherwise
// it rejoins the queue in its original creation order.
func (o *Orchestrator) Resume(ctx context.Context, id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	job, ok := o.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if job.Status != StatusPaused {
		return fmt.Errorf("job %s is %s, not paused", id, job.Status)
	}

	if o.activeCountLocked() >= o.opts.MaxActive || !o.admissibleLocked(job) {
		job.Status = StatusQueued
		return o.persistQueueLocked()
	}

	switch job.Kind {
	case KindTorrent:
		if err := o.gateway.Resume(ctx, job.TransferID); err != nil {
			return err
		}
		job.Status = StatusActive
	case KindDirect:
		job.Status = StatusQueued
		o.activateLocked(ctx, job)
	}

	return o.persistQueueLocked()
}

// Get returns a copy of one job from the live sets.
func (o *Orchestrator) Get(id string) (Job, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	job, ok := o.jobs[id]
	if !ok {
		return Job{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return *job, nil
}

// Snapshot returns a consistent point-in-time copy of all live jobs and
// recent history for display.
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()

	snap := Snapshot{}
	for _, job := range o.orderedLocked(StatusActive) {
		snap.Active = append(snap.Active, *job)
	}
	for _, job := range o.orderedLocked(StatusQueued) {
		snap.Queued = append(snap.Queued, *job)
	}
	for _, job := range o.orderedLocked(StatusPaused) {
		snap.Paused = append(snap.Paused, *job)
	}

	n := len(o.history)
	start := n - recentHistoryLimit
	if start < 0 {
		start = 0
	}
	snap.RecentHistory = append(snap.RecentHistory, o.history[start:]...)
	return snap
}

// History returns the most recent limit records, newest last; limit <= 0
// returns everything.
func (o *Orchestrator) History(limit int) []HistoryRecord {
	o.mu.Lock()
	defer o.mu.Unlock()

	start := 0
	if limit > 0 && len(o.history) > limit {
		start = len(o.history) - limit
	}
	out := make([]HistoryRecord, len(o.history)-start)
	copy(out, o.history[start:])
	return out
}

// completeLocked transitions a job to Completed and archives it.
func (o *Orchestrator) completeLocked(job *Job) {
	job.Status = StatusCompleted
	now := time.Now().UTC()
	job.CompletedAt = &now
	if err := o.archiveLocked(job); err != nil {
		o.logger.Error().Str("id", job.ID).Err(err).Msg("archive completed job")
	}
	o.logger.Info().Str("id", job.ID).Str("name", job.Name).Msg("job completed")
}

// failLocked transitions a job to Failed and archives it.
func (o *Orchestrator) failLocked(job *Job, reason string) {
	job.Status = StatusFailed
	job.Error = reason
	now := time.Now().UTC()
	job.CompletedAt = &now
	if err := o.archiveLocked(job); err != nil {
		o.logger.Error().Str("id", job.ID).Err(err).Msg("archive failed job")
	}
	o.logger.Warn().Str("id", job.ID).Str("reason", reason).Msg("job failed")
}

// archiveLocked appends exactly one history record for the job and drops
// it from the live sets. History is append-only.
func (o *Orchestrator) archiveLocked(job *Job) error {
	o.history = append(o.history, HistoryRecord{
		Job:        *job,
		ArchivedAt: time.Now().UTC(),
	})
	delete(o.jobs, job.ID)

	if err := o.store.Save(store.DocHistory, o.history); err != nil {
		return err
	}
	return o.persistQueueLocked()
}

// persistQueueLocked writes the live job sets to disk.
func (o *Orchestrator) persistQueueLocked() error {
	jobs := make([]Job, 0, len(o.jobs))
	for _, job := range o.orderedAllLocked() {
		jobs = append(jobs, *job)
	}
	return o.store.Save(store.DocQueue, jobs)
}

func (o *Orchestrator) activeCountLocked() int {
	n := 0
	for _, job := range o.jobs {
		if job.Status == StatusActive {
			n++
		}
	}
	return n
}

// orderedLocked returns live jobs with the given status in promotion order.
func (o *Orchestrator) orderedLocked(status Status) []*Job {
	out := make([]*Job, 0, len(o.jobs))
	for _, job := range o.jobs {
		if job.Status == status {
			out = append(out, job)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].before(out[j]) })
	return out
}

func (o *Orchestrator) orderedAllLocked() []*Job {
	out := make([]*Job, 0, len(o.jobs))
	for _, job := range o.jobs {
		out = append(out, job)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].before(out[j]) })
	return out
}

// displayName derives a readable name from a locator.
func displayName(kind Kind, source string) string {
	if kind == KindTorrent {
		if u, err := url.Parse(source); err == nil {
			if dn := u.Query().Get("dn"); dn != "" {
				return dn
			}
		}
		return source
	}
	if u, err := url.Parse(source); err == nil && u.Path != "" {
		if base := path.Base(u.Path); base != "/" && base != "." {
			return base
		}
	}
	return source
}

// safeFilename picks a destination filename for a direct job.
func safeFilename(job *Job) string {
	name := job.Name
	if name == "" || name == job.Source {
		name = displayName(KindDirect, job.Source)
	}
	name = filepath.Base(name)
	if name == "" || name == "." || name == string(filepath.Separator) {
		name = job.ID
	}
	return name
}
