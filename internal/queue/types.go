package queue

import (
	"errors"
	"strings"
	"time"
)

// Kind distinguishes how a job's bytes are fetched.
type Kind string

const (
	KindTorrent Kind = "torrent"
	KindDirect  Kind = "direct"
)

// Status is the lifecycle state of a job. Completed, Failed, and Removed
// are terminal; a job in a terminal state lives only in history.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusRemoved   Status = "removed"
)

// Job is one tracked download. Source is never mutated after creation.
type Job struct {
	ID            string     `json:"id"`
	Kind          Kind       `json:"kind"`
	Source        string     `json:"source"`
	Name          string     `json:"name"`
	Status        Status     `json:"status"`
	Progress      float64    `json:"progress"` // 0-1
	Size          int64      `json:"size,omitempty"`
	BytesReceived int64      `json:"bytes_received,omitempty"` // direct jobs only
	Destination   string     `json:"destination,omitempty"`    // direct jobs only
	TransferID    string     `json:"transfer_id,omitempty"` // torrent jobs only
	DownloadSpeed int64      `json:"-"`
	ETA           int64      `json:"-"`
	NotBefore     *time.Time `json:"not_before,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	Error         string     `json:"error,omitempty"`

	// pollFailures counts consecutive unreachable poll outcomes; it is
	// process-local and resets on any successful poll.
	pollFailures int
}

// before orders jobs for deterministic FIFO promotion: strictly by
// creation time, ties broken by ID.
func (j *Job) before(other *Job) bool {
	if !j.CreatedAt.Equal(other.CreatedAt) {
		return j.CreatedAt.Before(other.CreatedAt)
	}
	return j.ID < other.ID
}

// HistoryRecord is an immutable archival copy of a job at the moment it
// left the active/queued sets.
type HistoryRecord struct {
	Job        Job       `json:"job"`
	ArchivedAt time.Time `json:"archived_at"`
}

// JobSpec is the user-supplied input to Enqueue. Defer keeps the job
// Queued even when a capacity slot is free, leaving activation to a later
// scheduler tick. NotBefore additionally holds the job back until the
// given time has passed.
type JobSpec struct {
	Source    string
	Name      string
	Defer     bool
	NotBefore *time.Time
}

// Orchestrator error classification.
var (
	// ErrInvalidSource marks a locator that is neither a magnet link nor
	// an HTTP(S) URL.
	ErrInvalidSource = errors.New("invalid download source")
	// ErrNotFound marks an unknown job ID.
	ErrNotFound = errors.New("job not found")
)

// classifySource maps a locator onto a job kind.
func classifySource(source string) (Kind, error) {
	switch {
	case strings.HasPrefix(source, "magnet:"):
		return KindTorrent, nil
	case strings.HasPrefix(source, "http://"), strings.HasPrefix(source, "https://"):
		return KindDirect, nil
	default:
		return "", ErrInvalidSource
	}
}
