// Package storage is the persistence collaborator for the auth core: one
// versioned JSON document per storage key, written with atomic
// replace-on-write and a debounced delay-save so bursts of mutations
// collapse into a single disk write.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ErrCorrupt reports that a storage file exists but could not be decoded.
var ErrCorrupt = errors.New("storage: corrupt data")

// Store owns one storage key. All methods are safe for concurrent use.
type Store struct {
	logger  *slog.Logger
	path    string
	key     string
	version int

	mu       sync.Mutex
	timer    *time.Timer
	deadline time.Time
	producer func() any
}

// envelope is the on-disk wrapper. Version travels with the data so loads
// can migrate old shapes.
type envelope struct {
	Version int             `json:"version"`
	Key     string          `json:"key"`
	Data    json.RawMessage `json:"data"`
}

// NewStore returns a store for the given key under dir. Nothing is touched
// on disk until Load or a save.
func NewStore(dir, key string, version int, logger *slog.Logger) *Store {
	return &Store{
		logger:  logger.With("storage_key", key),
		path:    filepath.Join(dir, key),
		key:     key,
		version: version,
	}
}

// Path returns the backing file path.
func (s *Store) Path() string { return s.path }

// Load reads the stored document. It returns (nil, 0, nil) when no file
// exists yet, and ErrCorrupt when the file cannot be decoded. The stored
// version is returned alongside the raw data so callers can migrate.
func (s *Store) Load() (json.RawMessage, int, error) {
	raw, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("storage: read %s: %w", s.path, err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, 0, fmt.Errorf("%w: %s: %v", ErrCorrupt, s.path, err)
	}
	if env.Key != s.key {
		s.logger.Warn("storage key mismatch", "expected", s.key, "found", env.Key)
	}
	return env.Data, env.Version, nil
}

// Save cancels any pending delayed save and writes data immediately.
func (s *Store) Save(data any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelLocked()
	return s.writeLocked(data)
}

// DelaySave schedules a debounced save. The producer runs when the timer
// fires, so it captures the state at write time, not at schedule time.
// Scheduling while a save is pending keeps the earlier of the two deadlines
// rather than stacking timers.
func (s *Store) DelaySave(producer func() any, delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deadline := time.Now().Add(delay)
	s.producer = producer

	if s.timer != nil {
		if s.deadline.Before(deadline) {
			return
		}
		s.timer.Stop()
	}
	s.deadline = deadline
	s.timer = time.AfterFunc(delay, s.fire)
}

func (s *Store) fire() {
	s.mu.Lock()
	producer := s.producer
	s.timer = nil
	s.producer = nil
	if producer == nil {
		s.mu.Unlock()
		return
	}
	err := s.writeLocked(producer())
	s.mu.Unlock()
	if err != nil {
		s.logger.Error("delayed save failed", "error", err)
	}
}

// Flush executes a pending delayed save right away. No-op when nothing is
// pending.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.timer == nil {
		return nil
	}
	s.timer.Stop()
	producer := s.producer
	s.timer = nil
	s.producer = nil
	return s.writeLocked(producer())
}

func (s *Store) cancelLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
		s.producer = nil
	}
}

// writeLocked serializes the envelope and atomically replaces the file.
func (s *Store) writeLocked(data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("storage: encode %s: %w", s.key, err)
	}
	out, err := json.MarshalIndent(envelope{Version: s.version, Key: s.key, Data: raw}, "", "  ")
	if err != nil {
		return fmt.Errorf("storage: encode %s: %w", s.key, err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("storage: mkdir for %s: %w", s.key, err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, out, 0o600); err != nil {
		return fmt.Errorf("storage: write %s: %w", s.key, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("storage: replace %s: %w", s.key, err)
	}
	return nil
}
