// Package cachefile persists the credential record: the signed-in account
// identifier plus the serialized token cache handed back by the auth layer.
// The cache blob is opaque here — this package only stores and compares it.
// It is a leaf package so both auth/ and the CLI can use it without cycles.
package cachefile

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// FilePerms restricts the credential file to owner-only read/write.
const FilePerms = 0o600

// DirPerms is used when creating the credential directory.
const DirPerms = 0o700

// Record is the on-disk format. Account identifies the signed-in identity,
// Cache is the full serialized token cache (access + refresh tokens), and
// Meta holds display metadata cached from token claims.
type Record struct {
	Account string            `json:"account"`
	Cache   json.RawMessage   `json:"cache"`
	Meta    map[string]string `json:"meta,omitempty"`
}

// Store reads and writes the credential record at a fixed path. Writes are
// serialized by an internal mutex so overlapping save calls from concurrent
// goroutines cannot interleave. Cross-process races are mitigated only by
// the atomic rename — there is no file locking.
type Store struct {
	path   string
	logger *slog.Logger

	mu sync.Mutex
	// last is the serialized form most recently loaded or written by this
	// store. SaveIfChanged diffs against it to skip redundant writes.
	last []byte
}

// NewStore creates a store for the credential record at path.
func NewStore(path string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}

	return &Store{path: path, logger: logger}
}

// Path returns the store's file path.
func (s *Store) Path() string {
	return s.path
}

// Load reads the credential record from disk. Returns (nil, nil) if the
// file does not exist. A file that exists but does not parse is an error —
// the operator must clear it explicitly.
func (s *Store) Load() (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		s.last = nil
		return nil, nil //nolint:nilnil // sentinel for "not found"
	}

	if err != nil {
		return nil, fmt.Errorf("cachefile: reading %s: %w", s.path, err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("cachefile: decoding %s: %w", s.path, err)
	}

	if rec.Account == "" || len(rec.Cache) == 0 {
		return nil, fmt.Errorf("cachefile: %s missing account or cache (re-login required)", s.path)
	}

	s.last = data

	return &rec, nil
}

// SaveIfChanged serializes rec and writes it to disk atomically, but only
// when the serialized form differs from the last state this store loaded or
// wrote. Returns whether a write happened. Concurrent calls are FIFO
// serialized by the store mutex.
func (s *Store) SaveIfChanged(rec *Record) (bool, error) {
	if rec == nil {
		return false, errors.New("cachefile: nil record")
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return false, fmt.Errorf("cachefile: encoding: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if bytes.Equal(data, s.last) {
		s.logger.Debug("credential record unchanged, skipping write",
			slog.String("path", s.path),
		)

		return false, nil
	}

	if err := s.writeAtomic(data); err != nil {
		return false, err
	}

	s.last = data

	s.logger.Debug("credential record written",
		slog.String("path", s.path),
		slog.String("account", rec.Account),
	)

	return true, nil
}

// Clear removes the credential file. Returns nil if it does not exist.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.last = nil

	err := os.Remove(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}

	if err != nil {
		return fmt.Errorf("cachefile: removing %s: %w", s.path, err)
	}

	return nil
}

// writeAtomic writes data to the store path via a temp file in the same
// directory plus rename, with 0600 permissions. Same directory guarantees
// same filesystem for rename(2). Caller holds s.mu.
func (s *Store) writeAtomic(data []byte) error {
	dir := filepath.Dir(s.path)
	if mkErr := os.MkdirAll(dir, DirPerms); mkErr != nil {
		return fmt.Errorf("cachefile: creating directory %s: %w", dir, mkErr)
	}

	tmp, err := os.CreateTemp(dir, ".credentials-*.tmp")
	if err != nil {
		return fmt.Errorf("cachefile: creating temp file: %w", err)
	}

	tmpPath := tmp.Name()

	// Clean up temp file on any error path.
	success := false
	defer func() {
		if !success {
			_ = os.Remove(tmpPath)
		}
	}()

	if err := os.Chmod(tmpPath, FilePerms); err != nil {
		tmp.Close()
		return fmt.Errorf("cachefile: setting permissions: %w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("cachefile: writing: %w", err)
	}

	// Flush to stable storage before rename so a crash between close and
	// rename cannot leave an empty or partial record at the final path.
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("cachefile: syncing: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("cachefile: closing: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("cachefile: renaming: %w", err)
	}

	success = true

	return nil
}
