// Package store implements crash-safe persistence of the client's
// JSON state documents.
//
// Every document is written via a temp-file-and-rename sequence so a
// concurrent reader (or a crash mid-write) never observes a partially
// written file. The store has no opinion on document semantics; it only
// knows names and bytes.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog"
)

// ErrPersistence wraps any failure to durably write a document. The prior
// on-disk version is guaranteed to survive such a failure.
var ErrPersistence = errors.New("persistence failure")

// Document names used by the client.
const (
	DocConfig      = "config"
	DocHistory     = "history"
	DocQueue       = "queue"
	DocLastResults = "last"
	DocOffsets     = "offsets"
)

// Store reads and writes named JSON documents under a single state
// directory.
type Store struct {
	dir    string
	lock   *flock.Flock
	logger zerolog.Logger
}

// New creates a Store rooted at dir, creating the directory if needed.
func New(dir string, logger zerolog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	return &Store{
		dir:    dir,
		lock:   flock.New(filepath.Join(dir, ".lock")),
		logger: logger.With().Str("component", "store").Logger(),
	}, nil
}

// Dir returns the state directory path.
func (s *Store) Dir() string {
	return s.dir
}

// Lock takes the advisory state-directory lock. A second corsair process
// mutating the same state dir blocks here until the first releases it.
func (s *Store) Lock() error {
	if err := s.lock.Lock(); err != nil {
		return fmt.Errorf("lock state dir: %w", err)
	}
	return nil
}

// TryLock attempts the state-directory lock without blocking.
func (s *Store) TryLock() (bool, error) {
	ok, err := s.lock.TryLock()
	if err != nil {
		return false, fmt.Errorf("lock state dir: %w", err)
	}
	return ok, nil
}

// Unlock releases the state-directory lock.
func (s *Store) Unlock() error {
	return s.lock.Unlock()
}

func (s *Store) path(name string) string {
	return filepath.Join(s.dir, name+".json")
}

// Load reads the named document into v. A missing file leaves v untouched
// and returns no error, so callers get their documented defaults.
func (s *Store) Load(name string, v any) error {
	data, err := os.ReadFile(s.path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read %s: %w", name, err)
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", name, err)
	}
	return nil
}

// Save writes the named document atomically: marshal to a temp file in the
// same directory, fsync, then rename over the target.
func (s *Store) Save(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: encode %s: %v", ErrPersistence, name, err)
	}

	target := s.path(name)
	tmp, err := os.CreateTemp(s.dir, name+".*.tmp")
	if err != nil {
		return fmt.Errorf("%w: create temp for %s: %v", ErrPersistence, name, err)
	}
	tmpName := tmp.Name()

	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("%w: write %s: %v", ErrPersistence, name, err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("%w: sync %s: %v", ErrPersistence, name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: close %s: %v", ErrPersistence, name, err)
	}

	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: rename %s: %v", ErrPersistence, name, err)
	}

	s.logger.Debug().Str("doc", name).Int("bytes", len(data)).Msg("document saved")
	return nil
}
