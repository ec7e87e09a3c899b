// Package direct streams files over plain HTTP with byte-offset
// resumability, for downloads that do not go through the transport daemon.
package direct

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrRangeNotSupported marks a resume attempt the remote server refused.
// The manager falls back to a full restart rather than failing the job,
// so callers only see this error in logs.
var ErrRangeNotSupported = errors.New("server does not support range requests")

const copyBufferSize = 128 * 1024

// Progress is the current view of one streaming transfer. TotalBytes is
// negative when the server advertised no length.
type Progress struct {
	BytesReceived int64
	TotalBytes    int64
	Done          bool
	Err           error
}

type transfer struct {
	cancel context.CancelFunc
	state  Progress
}

// Manager runs direct-file transfers in the background and exposes their
// progress for the orchestrator's poll tick.
type Manager struct {
	mu         sync.Mutex
	transfers  map[string]*transfer
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewManager creates a Manager. The HTTP client carries no total timeout;
// large files legitimately stream for hours. Stalls surface through the
// dial/response-header timeouts.
func NewManager(logger zerolog.Logger) *Manager {
	return &Manager{
		transfers: make(map[string]*transfer),
		httpClient: &http.Client{
			Transport: &http.Transport{
				ResponseHeaderTimeout: 30 * time.Second,
			},
		},
		logger: logger.With().Str("component", "direct").Logger(),
	}
}

// Start begins streaming url to dest, resuming from offset when a usable
// partial file exists. The recorded offset lags the file when the writer
// died mid-chunk, so a file that ran ahead is truncated back to the last
// confirmed offset; only a file shorter than the offset forces a restart
// from zero. Returns immediately; progress is read via Status.
func (m *Manager) Start(id, url, dest string, offset int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.transfers[id]; exists {
		return fmt.Errorf("transfer %s already running", id)
	}

	if offset > 0 {
		info, err := os.Stat(dest)
		switch {
		case err != nil || info.Size() < offset:
			// Partial file is missing or shorter than the confirmed
			// offset; a resume would corrupt the output.
			offset = 0
		case info.Size() > offset:
			// Unconfirmed tail past the offset; drop it and resume from
			// the bytes we know are good.
			if err := os.Truncate(dest, offset); err != nil {
				offset = 0
			}
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	tr := &transfer{
		cancel: cancel,
		state:  Progress{BytesReceived: offset, TotalBytes: -1},
	}
	m.transfers[id] = tr

	go m.run(ctx, id, url, dest, offset)
	return nil
}

func (m *Manager) run(ctx context.Context, id, url, dest string, offset int64) {
	err := m.stream(ctx, id, url, dest, offset)
	if errors.Is(err, ErrRangeNotSupported) {
		m.logger.Warn().Str("id", id).Msg("resume rejected, restarting from zero")
		m.setOffset(id, 0)
		err = m.stream(ctx, id, url, dest, 0)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	tr, ok := m.transfers[id]
	if !ok {
		return
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		tr.state.Err = err
		m.logger.Error().Str("id", id).Err(err).Msg("transfer failed")
		return
	}
	if err == nil {
		tr.state.Done = true
		m.logger.Info().Str("id", id).Int64("bytes", tr.state.BytesReceived).Msg("transfer complete")
	}
}

func (m *Manager) stream(ctx context.Context, id, url, dest string, offset int64) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case offset > 0 && (resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusRequestedRangeNotSatisfiable):
		return ErrRangeNotSupported
	case offset > 0 && resp.StatusCode != http.StatusPartialContent:
		return fmt.Errorf("unexpected status %d on range request", resp.StatusCode)
	case offset == 0 && resp.StatusCode != http.StatusOK:
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	total := int64(-1)
	if resp.ContentLength >= 0 {
		total = offset + resp.ContentLength
	}
	m.setTotal(id, total)

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("create destination dir: %w", err)
	}

	flags := os.O_CREATE | os.O_WRONLY
	if offset > 0 {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	out, err := os.OpenFile(dest, flags, 0o644)
	if err != nil {
		return fmt.Errorf("open destination: %w", err)
	}
	defer out.Close()

	buf := make([]byte, copyBufferSize)
	received := offset
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, err := out.Write(buf[:n]); err != nil {
				return fmt.Errorf("write destination: %w", err)
			}
			received += int64(n)
			m.setOffset(id, received)
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read body: %w", readErr)
		}
	}

	if total >= 0 && received < total {
		return fmt.Errorf("stream ended early: %d of %d bytes", received, total)
	}
	return out.Sync()
}

func (m *Manager) setOffset(id string, n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tr, ok := m.transfers[id]; ok {
		tr.state.BytesReceived = n
	}
}

func (m *Manager) setTotal(id string, n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tr, ok := m.transfers[id]; ok {
		tr.state.TotalBytes = n
	}
}

// Status returns the current progress of a transfer.
func (m *Manager) Status(id string) (Progress, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tr, ok := m.transfers[id]
	if !ok {
		return Progress{}, false
	}
	return tr.state, true
}

// Cancel stops a running transfer. The bytes already written stay on disk
// so a later Start with the recorded offset resumes where it left off.
func (m *Manager) Cancel(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tr, ok := m.transfers[id]; ok {
		tr.cancel()
	}
}

// Forget drops a finished or cancelled transfer from the tracking table.
func (m *Manager) Forget(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tr, ok := m.transfers[id]; ok {
		tr.cancel()
		delete(m.transfers, id)
	}
}
