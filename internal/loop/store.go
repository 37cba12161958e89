package loop

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// Store persists the single loop state record as a pretty-printed JSON
// file at a fixed path, keeping it human-inspectable. Save is atomic
// from a reader's perspective (temp file + rename), so a concurrent
// Load never observes a partially written record.
//
// The single-slot constraint is a documented invariant of this store:
// one record, one path, at most one loop. A future multi-loop version
// becomes a keyed store without changing the controller's contract.
type Store struct {
	path string
}

// NewStore creates a store for the record at path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the record's location on disk.
func (s *Store) Path() string {
	return s.path
}

// Load reads the persisted record. Returns (nil, nil) when no record
// exists. A corrupt or unreadable record returns (nil, err); callers on
// the event path treat that as "no state" so a damaged file can never
// crash idle handling.
func (s *Store) Load() (*State, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read state: %w", err)
	}

	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	return &st, nil
}

// Save overwrites the record. The content is written to a temp file in
// the same directory and renamed into place.
func (s *Store) Save(st *State) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".ralph-loop-state-*")
	if err != nil {
		return fmt.Errorf("create temp state: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp state: %w", err)
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace state: %w", err)
	}
	return nil
}

// Delete removes the record. Idempotent: deleting an absent record is
// not an error.
func (s *Store) Delete() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete state: %w", err)
	}
	return nil
}
