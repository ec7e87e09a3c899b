package queue

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/corsair-dl/corsair/internal/direct"
	"github.com/corsair-dl/corsair/internal/store"
	"github.com/corsair-dl/corsair/internal/transport"
)

// fakeGateway is an in-memory transport daemon.
type fakeGateway struct {
	mu        sync.Mutex
	transfers map[string]*transport.Transfer
	nextID    int
	addErr    error
	getErr    error
	removed   []string
	paused    []string
	resumed   []string
	addOrder  []string
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{transfers: make(map[string]*transport.Transfer)}
}

func (f *fakeGateway) Probe(ctx context.Context) error { return nil }

func (f *fakeGateway) AddMagnet(ctx context.Context, magnet string, opts transport.AddOptions) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.addErr != nil {
		return "", f.addErr
	}
	f.nextID++
	id := fmt.Sprintf("hash%04d", f.nextID)
	f.transfers[id] = &transport.Transfer{
		ID:     id,
		Status: transport.StatusDownloading,
	}
	f.addOrder = append(f.addOrder, magnet)
	return id, nil
}

func (f *fakeGateway) Get(ctx context.Context, id string) (*transport.Transfer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	tr, ok := f.transfers[id]
	if !ok {
		return nil, transport.ErrNotFound
	}
	cp := *tr
	return &cp, nil
}

func (f *fakeGateway) List(ctx context.Context) ([]transport.Transfer, error) {
	return nil, nil
}

func (f *fakeGateway) Remove(ctx context.Context, id string, deleteFiles bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.transfers, id)
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeGateway) Pause(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused = append(f.paused, id)
	if tr, ok := f.transfers[id]; ok {
		tr.Status = transport.StatusPaused
	}
	return nil
}

func (f *fakeGateway) Resume(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resumed = append(f.resumed, id)
	if tr, ok := f.transfers[id]; ok {
		tr.Status = transport.StatusDownloading
	}
	return nil
}

func (f *fakeGateway) finish(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if tr, ok := f.transfers[id]; ok {
		tr.Status = transport.StatusSeeding
		tr.Progress = 1.0
	}
}

type fakeGate struct{ down bool }

func (g *fakeGate) TransportDown() bool { return g.down }

// fakeDirect is an in-memory direct transfer manager.
type fakeDirect struct {
	mu       sync.Mutex
	progress map[string]direct.Progress
	starts   map[string]int64 // id -> offset passed to Start
}

func newFakeDirect() *fakeDirect {
	return &fakeDirect{
		progress: make(map[string]direct.Progress),
		starts:   make(map[string]int64),
	}
}

func (f *fakeDirect) Start(id, url, dest string, offset int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts[id] = offset
	f.progress[id] = direct.Progress{BytesReceived: offset, TotalBytes: -1}
	return nil
}

func (f *fakeDirect) Status(id string) (direct.Progress, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.progress[id]
	return p, ok
}

func (f *fakeDirect) Forget(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.progress, id)
}

func (f *fakeDirect) set(id string, p direct.Progress) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.progress[id] = p
}

func newTestOrchestrator(t *testing.T, maxActive int, gw transport.Gateway, gate HealthGate) *Orchestrator {
	t.Helper()
	return newTestOrchestratorDirect(t, maxActive, gw, direct.NewManager(zerolog.Nop()), gate)
}

func newTestOrchestratorDirect(t *testing.T, maxActive int, gw transport.Gateway, dm DirectTransferer, gate HealthGate) *Orchestrator {
	t.Helper()
	dir := t.TempDir()
	st, err := store.New(dir, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	o, err := New(Options{
		MaxActive:         maxActive,
		DownloadDir:       dir,
		DirectDownloadDir: dir,
	}, st, gw, dm, gate, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	return o
}

func enqueueMagnet(t *testing.T, o *Orchestrator, name string) Job {
	t.Helper()
	job, err := o.Enqueue(context.Background(), JobSpec{
		Source: "magnet:?xt=urn:btih:" + name,
		Name:   name,
	})
	if err != nil {
		t.Fatalf("Enqueue %s: %v", name, err)
	}
	return job
}

func TestEnqueueInvalidSource(t *testing.T) {
	o := newTestOrchestrator(t, 2, newFakeGateway(), &fakeGate{})

	_, err := o.Enqueue(context.Background(), JobSpec{Source: "ftp://nope"})
	if !errors.Is(err, ErrInvalidSource) {
		t.Fatalf("err = %v, want ErrInvalidSource", err)
	}
}

func TestCapNeverExceeded(t *testing.T) {
	gw := newFakeGateway()
	o := newTestOrchestrator(t, 2, gw, &fakeGate{})

	for i := 0; i < 6; i++ {
		enqueueMagnet(t, o, fmt.Sprintf("job%d", i))
		snap := o.Snapshot()
		if len(snap.Active) > 2 {
			t.Fatalf("active = %d after enqueue %d, cap is 2", len(snap.Active), i)
		}
	}
	o.SchedulerTick(context.Background())

	snap := o.Snapshot()
	if len(snap.Active) != 2 {
		t.Errorf("active = %d, want 2", len(snap.Active))
	}
	if len(snap.Queued) != 4 {
		t.Errorf("queued = %d, want 4", len(snap.Queued))
	}
}

func TestFIFOPromotion(t *testing.T) {
	gw := newFakeGateway()
	o := newTestOrchestrator(t, 1, gw, &fakeGate{})

	names := []string{"aaa", "bbb", "ccc", "ddd"}
	for _, n := range names {
		enqueueMagnet(t, o, n)
	}

	// Only the first job should be active; drain the rest one at a time.
	for i := 0; i < len(names); i++ {
		snap := o.Snapshot()
		if len(snap.Active) != 1 {
			t.Fatalf("active = %d, want 1", len(snap.Active))
		}
		if snap.Active[0].Name != names[i] {
			t.Fatalf("active job = %q, want %q", snap.Active[0].Name, names[i])
		}
		gw.finish(snap.Active[0].TransferID)
		o.PollTick(context.Background())
		o.SchedulerTick(context.Background())
	}

	if got := len(o.History(0)); got != len(names) {
		t.Errorf("history = %d records, want %d", got, len(names))
	}
}

func TestPromotionTieBreakByID(t *testing.T) {
	now := time.Now().UTC()
	a := &Job{ID: "bbb", CreatedAt: now}
	b := &Job{ID: "aaa", CreatedAt: now}
	if a.before(b) {
		t.Error("tie-break should order by ID: bbb is not before aaa")
	}
	if !b.before(a) {
		t.Error("tie-break should order by ID: aaa is before bbb")
	}
}

func TestCompletionPromotesQueued(t *testing.T) {
	gw := newFakeGateway()
	o := newTestOrchestrator(t, 2, gw, &fakeGate{})

	jobA := enqueueMagnet(t, o, "A")
	enqueueMagnet(t, o, "B")
	enqueueMagnet(t, o, "C")

	snap := o.Snapshot()
	if len(snap.Active) != 2 || len(snap.Queued) != 1 {
		t.Fatalf("active/queued = %d/%d, want 2/1", len(snap.Active), len(snap.Queued))
	}
	if snap.Queued[0].Name != "C" {
		t.Fatalf("queued job = %q, want C", snap.Queued[0].Name)
	}

	gw.finish(jobA.TransferID)
	o.PollTick(context.Background())
	o.SchedulerTick(context.Background())

	snap = o.Snapshot()
	if len(snap.Active) != 2 {
		t.Fatalf("active = %d after promotion, want 2", len(snap.Active))
	}
	gotNames := map[string]bool{}
	for _, j := range snap.Active {
		gotNames[j.Name] = true
	}
	if !gotNames["B"] || !gotNames["C"] {
		t.Errorf("active jobs = %v, want B and C", gotNames)
	}

	hist := o.History(0)
	if len(hist) != 1 || hist[0].Job.Name != "A" || hist[0].Job.Status != StatusCompleted {
		t.Errorf("history = %+v, want one completed record for A", hist)
	}
}

func TestTransportDownGatesPromotion(t *testing.T) {
	gw := newFakeGateway()
	gate := &fakeGate{down: true}
	o := newTestOrchestrator(t, 2, gw, gate)

	job := enqueueMagnet(t, o, "gated")
	if job.Status != StatusQueued {
		t.Fatalf("status = %q with transport down, want queued", job.Status)
	}

	o.SchedulerTick(context.Background())
	snap := o.Snapshot()
	if len(snap.Active) != 0 {
		t.Fatalf("active = %d with transport down, want 0", len(snap.Active))
	}

	gate.down = false
	o.SchedulerTick(context.Background())
	snap = o.Snapshot()
	if len(snap.Active) != 1 {
		t.Fatalf("active = %d after recovery, want 1", len(snap.Active))
	}
}

func TestNotBeforeHoldsJobBack(t *testing.T) {
	gw := newFakeGateway()
	o := newTestOrchestrator(t, 2, gw, &fakeGate{})

	future := time.Now().Add(time.Hour)
	job, err := o.Enqueue(context.Background(), JobSpec{
		Source:    "magnet:?xt=urn:btih:later",
		Name:      "later",
		NotBefore: &future,
	})
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != StatusQueued {
		t.Fatalf("status = %q before trigger time, want queued", job.Status)
	}

	o.SchedulerTick(context.Background())
	if snap := o.Snapshot(); len(snap.Active) != 0 {
		t.Fatal("job promoted before its trigger time")
	}

	past := time.Now().Add(-time.Minute)
	o.mu.Lock()
	o.jobs[job.ID].NotBefore = &past
	o.mu.Unlock()

	o.SchedulerTick(context.Background())
	if snap := o.Snapshot(); len(snap.Active) != 1 {
		t.Fatal("job not promoted after its trigger time passed")
	}
}

func TestDirectJobsNotGatedByTransport(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("payload"))
	}))
	t.Cleanup(server.Close)

	o := newTestOrchestrator(t, 2, newFakeGateway(), &fakeGate{down: true})

	job, err := o.Enqueue(context.Background(), JobSpec{Source: server.URL + "/file.bin"})
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != StatusActive {
		t.Fatalf("direct job status = %q with transport down, want active", job.Status)
	}
}

func TestPollUnreachableToleratedThenFails(t *testing.T) {
	gw := newFakeGateway()
	o := newTestOrchestrator(t, 1, gw, &fakeGate{})
	enqueueMagnet(t, o, "flaky")

	gw.getErr = fmt.Errorf("%w: connection refused", transport.ErrUnreachable)

	o.PollTick(context.Background())
	o.PollTick(context.Background())
	if snap := o.Snapshot(); len(snap.Active) != 1 {
		t.Fatalf("job failed after only 2 unreachable polls")
	}

	o.PollTick(context.Background())
	snap := o.Snapshot()
	if len(snap.Active) != 0 {
		t.Fatal("job still active after 3 unreachable polls")
	}
	hist := o.History(0)
	if len(hist) != 1 || hist[0].Job.Status != StatusFailed {
		t.Fatalf("history = %+v, want one failed record", hist)
	}
}

func TestPollRecoveryResetsFailureCount(t *testing.T) {
	gw := newFakeGateway()
	o := newTestOrchestrator(t, 1, gw, &fakeGate{})
	enqueueMagnet(t, o, "flaky")

	unreachable := fmt.Errorf("%w: connection refused", transport.ErrUnreachable)
	gw.getErr = unreachable
	o.PollTick(context.Background())
	o.PollTick(context.Background())
	gw.getErr = nil
	o.PollTick(context.Background())
	gw.getErr = unreachable
	o.PollTick(context.Background())
	o.PollTick(context.Background())

	if snap := o.Snapshot(); len(snap.Active) != 1 {
		t.Fatal("failure count did not reset on successful poll")
	}
}

func TestVanishedTransferFailsJob(t *testing.T) {
	gw := newFakeGateway()
	o := newTestOrchestrator(t, 1, gw, &fakeGate{})
	job := enqueueMagnet(t, o, "gone")

	gw.mu.Lock()
	delete(gw.transfers, job.TransferID)
	gw.mu.Unlock()

	o.PollTick(context.Background())
	hist := o.History(0)
	if len(hist) != 1 || hist[0].Job.Status != StatusFailed {
		t.Fatalf("history = %+v, want one failed record", hist)
	}
}

func TestRemoveIdempotence(t *testing.T) {
	gw := newFakeGateway()
	o := newTestOrchestrator(t, 2, gw, &fakeGate{})
	job := enqueueMagnet(t, o, "victim")

	if err := o.Remove(context.Background(), job.ID, false); err != nil {
		t.Fatalf("first Remove: %v", err)
	}
	err := o.Remove(context.Background(), job.ID, false)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("second Remove err = %v, want ErrNotFound", err)
	}

	hist := o.History(0)
	if len(hist) != 1 {
		t.Fatalf("history = %d records after double remove, want 1", len(hist))
	}
	if hist[0].Job.Status != StatusRemoved {
		t.Errorf("record status = %q, want removed", hist[0].Job.Status)
	}
	if len(gw.removed) != 1 {
		t.Errorf("gateway remove calls = %d, want 1", len(gw.removed))
	}
}

func TestHistoryAppendOnly(t *testing.T) {
	gw := newFakeGateway()
	o := newTestOrchestrator(t, 1, gw, &fakeGate{})

	prev := 0
	for i := 0; i < 5; i++ {
		enqueueMagnet(t, o, fmt.Sprintf("job%d", i))
		snap := o.Snapshot()
		gw.finish(snap.Active[0].TransferID)
		o.PollTick(context.Background())
		o.SchedulerTick(context.Background())

		n := len(o.History(0))
		if n < prev {
			t.Fatalf("history shrank from %d to %d", prev, n)
		}
		if n != prev+1 {
			t.Fatalf("history = %d after completion %d, want %d", n, i, prev+1)
		}
		prev = n
	}
}

func TestPauseFreesSlotAndResume(t *testing.T) {
	gw := newFakeGateway()
	o := newTestOrchestrator(t, 1, gw, &fakeGate{})
	jobA := enqueueMagnet(t, o, "A")
	enqueueMagnet(t, o, "B")

	if err := o.Pause(context.Background(), jobA.ID); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if len(gw.paused) != 1 {
		t.Fatalf("gateway pause calls = %d, want 1", len(gw.paused))
	}

	o.SchedulerTick(context.Background())
	snap := o.Snapshot()
	if len(snap.Active) != 1 || snap.Active[0].Name != "B" {
		t.Fatalf("B not promoted into the freed slot: %+v", snap.Active)
	}
	if len(snap.Paused) != 1 {
		t.Fatalf("paused = %d, want 1", len(snap.Paused))
	}

	// Cap is full again, so resume re-queues instead of activating.
	if err := o.Resume(context.Background(), jobA.ID); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	got, err := o.Get(jobA.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusQueued {
		t.Errorf("resumed-at-capacity status = %q, want queued", got.Status)
	}
}

func TestAutoRemoveCompletedKeepsFiles(t *testing.T) {
	gw := newFakeGateway()
	dir := t.TempDir()
	st, err := store.New(dir, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	o, err := New(Options{
		MaxActive:           1,
		AutoRemoveCompleted: true,
		DownloadDir:         dir,
		DirectDownloadDir:   dir,
	}, st, gw, direct.NewManager(zerolog.Nop()), &fakeGate{}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}

	job, err := o.Enqueue(context.Background(), JobSpec{Source: "magnet:?xt=urn:btih:x", Name: "x"})
	if err != nil {
		t.Fatal(err)
	}
	gw.finish(job.TransferID)
	o.PollTick(context.Background())

	if len(gw.removed) != 1 {
		t.Fatalf("gateway remove calls = %d, want 1 (auto-remove)", len(gw.removed))
	}
}

func TestStateSurvivesRestart(t *testing.T) {
	gw := newFakeGateway()
	dir := t.TempDir()
	st, err := store.New(dir, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	opts := Options{MaxActive: 1, DownloadDir: dir, DirectDownloadDir: dir}

	o, err := New(opts, st, gw, direct.NewManager(zerolog.Nop()), &fakeGate{}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	jobA, err := o.Enqueue(context.Background(), JobSpec{Source: "magnet:?xt=urn:btih:a", Name: "a"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := o.Enqueue(context.Background(), JobSpec{Source: "magnet:?xt=urn:btih:b", Name: "b"}); err != nil {
		t.Fatal(err)
	}

	o2, err := New(opts, st, gw, direct.NewManager(zerolog.Nop()), &fakeGate{}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	snap := o2.Snapshot()
	if len(snap.Active) != 1 || len(snap.Queued) != 1 {
		t.Fatalf("reloaded active/queued = %d/%d, want 1/1", len(snap.Active), len(snap.Queued))
	}
	if snap.Active[0].ID != jobA.ID {
		t.Errorf("reloaded active job = %q, want %q", snap.Active[0].ID, jobA.ID)
	}
	if snap.Active[0].TransferID != jobA.TransferID {
		t.Errorf("transfer ID lost across restart")
	}
}

func TestDirectProgressMonotoneAcrossRestart(t *testing.T) {
	dm := newFakeDirect()
	o := newTestOrchestratorDirect(t, 1, newFakeGateway(), dm, &fakeGate{})

	job, err := o.Enqueue(context.Background(), JobSpec{Source: "http://mirror.test/file.bin"})
	if err != nil {
		t.Fatal(err)
	}

	dm.set(job.ID, direct.Progress{BytesReceived: 800, TotalBytes: 1000})
	o.PollTick(context.Background())
	got, err := o.Get(job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Progress != 0.8 {
		t.Fatalf("progress = %v, want 0.8", got.Progress)
	}

	// The stream restarted from zero (range fallback); displayed progress
	// must not move backwards.
	dm.set(job.ID, direct.Progress{BytesReceived: 100, TotalBytes: 1000})
	o.PollTick(context.Background())
	got, err = o.Get(job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Progress != 0.8 {
		t.Errorf("progress = %v after restart, want 0.8 held", got.Progress)
	}
	if got.BytesReceived != 100 {
		t.Errorf("bytes = %d, want the real count 100", got.BytesReceived)
	}

	dm.set(job.ID, direct.Progress{BytesReceived: 900, TotalBytes: 1000})
	o.PollTick(context.Background())
	got, _ = o.Get(job.ID)
	if got.Progress != 0.9 {
		t.Errorf("progress = %v once past the high-water mark, want 0.9", got.Progress)
	}
}

func TestPurgeQueuedDirectJob(t *testing.T) {
	dm := newFakeDirect()
	o := newTestOrchestratorDirect(t, 1, newFakeGateway(), dm, &fakeGate{})

	job, err := o.Enqueue(context.Background(), JobSpec{
		Source: "http://mirror.test/file.bin",
		Defer:  true,
	})
	if err != nil {
		t.Fatal(err)
	}

	// A job that was active in a previous process sits Queued after the
	// restart demotion, still holding its partial file and offset.
	partial := filepath.Join(t.TempDir(), "file.bin")
	if err := os.WriteFile(partial, []byte("part"), 0o644); err != nil {
		t.Fatal(err)
	}
	o.mu.Lock()
	o.jobs[job.ID].Destination = partial
	o.offsets[job.Source] = 4
	o.mu.Unlock()

	if err := o.Remove(context.Background(), job.ID, true); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	if _, err := os.Stat(partial); !os.IsNotExist(err) {
		t.Error("partial file survived purge of a queued job")
	}
	o.mu.Lock()
	_, offsetKept := o.offsets[job.Source]
	o.mu.Unlock()
	if offsetKept {
		t.Error("offset survived purge of a queued job")
	}
}

func TestDirectJobLifecycle(t *testing.T) {
	content := []byte("the direct payload")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(content)
	}))
	t.Cleanup(server.Close)

	o := newTestOrchestrator(t, 1, newFakeGateway(), &fakeGate{})
	job, err := o.Enqueue(context.Background(), JobSpec{Source: server.URL + "/file.bin"})
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != StatusActive {
		t.Fatalf("status = %q, want active", job.Status)
	}
	if job.Name != "file.bin" {
		t.Errorf("derived name = %q, want file.bin", job.Name)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		o.PollTick(context.Background())
		hist := o.History(0)
		if len(hist) == 1 {
			if hist[0].Job.Status != StatusCompleted {
				t.Fatalf("record status = %q, want completed", hist[0].Job.Status)
			}
			if hist[0].Job.BytesReceived != int64(len(content)) {
				t.Errorf("bytes = %d, want %d", hist[0].Job.BytesReceived, len(content))
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("direct job never completed")
}
