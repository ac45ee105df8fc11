package raft

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
)

// PersistentStore stores the metadata record of a server (term, vote,
// snapshot boundary, membership). Writes go to a temporary file which is
// synced and renamed over the previous one, so a crash can never leave a
// half-written record behind.
type PersistentStore struct {
	filePath string
}

func NewPersistentStore(filePath string) *PersistentStore {
	return &PersistentStore{
		filePath: filePath,
	}
}

// Open loads the current metadata record, writing a default one if the
// file does not exist yet.
func (s *PersistentStore) Open(state *PersistentState) error {
	data, err := os.ReadFile(s.filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			*state = PersistentState{}
			return s.Write(*state)
		}

		return fmt.Errorf("cannot read %q: %w", s.filePath, err)
	}

	if err := json.Unmarshal(data, state); err != nil {
		return fmt.Errorf("cannot decode %q: %w", s.filePath, err)
	}

	return nil
}

func (s *PersistentStore) Close() {
}

// Write durably replaces the metadata record. On return, the record
// survives a process crash.
func (s *PersistentStore) Write(state PersistentState) error {
	data, err := json.Marshal(&state)
	if err != nil {
		return fmt.Errorf("cannot encode state: %w", err)
	}

	tmpPath := s.filePath + ".tmp"

	file, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC,
		0600)
	if err != nil {
		return fmt.Errorf("cannot open %q: %w", tmpPath, err)
	}

	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("cannot write %q: %w", tmpPath, err)
	}

	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("cannot sync %q: %w", tmpPath, err)
	}

	file.Close()

	if err := os.Rename(tmpPath, s.filePath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("cannot rename %q: %w", tmpPath, err)
	}

	return syncDirectory(path.Dir(s.filePath))
}
