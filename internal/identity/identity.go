// Package identity owns the stable, persisted id of the local instance.
package identity

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sheetpub/sheetpub/internal/logging"
)

// Record is the on-disk identity document
type Record struct {
	InstanceID string    `json:"instanceId"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Store resolves the instance id once and caches it for the process lifetime
type Store struct {
	path   string
	logger *logging.Logger

	mu     sync.Mutex
	record *Record
}

// NewStore creates a store backed by the file at path
func NewStore(path string, logger *logging.Logger) *Store {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Store{path: path, logger: logger}
}

// InstanceID returns the persisted id, generating and persisting a new one on
// first use. A failure to persist is returned to the caller and must be
// treated as fatal, since a second run would otherwise pick a different id.
func (s *Store) InstanceID() (string, error) {
	rec, err := s.Load()
	if err != nil {
		return "", err
	}
	return rec.InstanceID, nil
}

// Load returns the full identity record
func (s *Store) Load() (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.record != nil {
		return *s.record, nil
	}

	rec, err := s.read()
	switch {
	case err == nil:
		s.record = rec
		s.logger.Info("Loaded instance identity", "instance_id", rec.InstanceID, "path", s.path)
		return *rec, nil
	case !errors.Is(err, os.ErrNotExist):
		// the id must never change silently; the operator repairs or removes the file
		return Record{}, fmt.Errorf("failed to load instance identity from %s: %w", s.path, err)
	}

	now := time.Now().UTC()
	rec = &Record{
		InstanceID: uuid.New().String(),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.write(rec); err != nil {
		return Record{}, fmt.Errorf("failed to persist instance identity: %w", err)
	}

	s.record = rec
	s.logger.Info("Generated instance identity", "instance_id", rec.InstanceID, "path", s.path)
	return *rec, nil
}

func (s *Store) read() (*Record, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, err
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode identity record: %w", err)
	}
	if rec.InstanceID == "" {
		return nil, fmt.Errorf("identity record has empty instanceId")
	}
	return &rec, nil
}

// write persists rec atomically: temp file, fsync, rename
func (s *Store) write(rec *Record) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create identity directory: %w", err)
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode identity record: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".identity-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("failed to rename identity file: %w", err)
	}
	return nil
}
