// Package transport defines the remote-control gateway to the torrent
// transport daemon. The daemon owns the peer protocol; this package only
// issues control calls and reads replies.
package transport

import (
	"context"
	"errors"
)

// Status represents the daemon-reported state of a transfer.
type Status string

const (
	StatusQueued      Status = "queued"
	StatusDownloading Status = "downloading"
	StatusSeeding     Status = "seeding"
	StatusPaused      Status = "paused"
	StatusWarning     Status = "warning"
	StatusUnknown     Status = "unknown"
)

// Transfer is the daemon's view of one torrent.
type Transfer struct {
	ID            string
	Name          string
	Status        Status
	Progress      float64 // 0-1
	Size          int64
	Downloaded    int64
	DownloadSpeed int64
	UploadSpeed   int64
	ETA           int64 // seconds, negative when unknown
	DownloadDir   string
	Error         string
}

// Done reports whether the daemon considers the transfer finished.
// Seeding counts as done; so does a paused transfer at 100%, which is what
// a ratio-limited daemon leaves behind.
func (t *Transfer) Done() bool {
	if t.Status == StatusSeeding {
		return true
	}
	return t.Status == StatusPaused && t.Progress >= 1.0
}

// AddOptions carries optional parameters for adding a transfer.
type AddOptions struct {
	DownloadDir string
	Paused      bool
}

// Gateway is the remote-control surface the orchestrator depends on.
// Implementations classify failures with the sentinel errors below and
// apply no retry policy of their own.
type Gateway interface {
	// Probe verifies connectivity and authentication.
	Probe(ctx context.Context) error
	// AddMagnet submits a magnet link and returns the daemon's transfer ID.
	AddMagnet(ctx context.Context, magnet string, opts AddOptions) (string, error)
	// Get fetches one transfer by ID.
	Get(ctx context.Context, id string) (*Transfer, error)
	// List fetches all transfers known to the daemon.
	List(ctx context.Context) ([]Transfer, error)
	// Remove deletes a transfer; deleteFiles controls local data removal.
	Remove(ctx context.Context, id string, deleteFiles bool) error
	// Pause stops a transfer without removing it.
	Pause(ctx context.Context, id string) error
	// Resume restarts a paused transfer.
	Resume(ctx context.Context, id string) error
}

// Gateway error classification.
var (
	// ErrUnreachable marks transient connection or timeout failures.
	ErrUnreachable = errors.New("transport daemon unreachable")
	// ErrRejected marks definitive remote failures (malformed request,
	// RPC-level error result).
	ErrRejected = errors.New("transport daemon rejected request")
	// ErrAuthFailed marks credential rejection.
	ErrAuthFailed = errors.New("transport daemon authentication failed")
	// ErrNotFound marks an unknown transfer ID.
	ErrNotFound = errors.New("transfer not found")
)
