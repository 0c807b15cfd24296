// Package state persists the small bits of runtime state that must survive a
// restart, currently the last report timestamp.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// State is the persisted document.
type State struct {
	LastReportAt time.Time `json:"lastReportAt"`
}

// File reads and writes the state document atomically.
type File struct {
	path string
}

// NewFile points at the state file; the file may not exist yet.
func NewFile(path string) *File {
	return &File{path: path}
}

// Load reads the state. A missing file returns a zero state, not an error.
func (f *File) Load() (State, error) {
	var s State
	raw, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return s, fmt.Errorf("read state: %w", err)
	}
	if err := json.Unmarshal(raw, &s); err != nil {
		return State{}, fmt.Errorf("decode state: %w", err)
	}
	return s, nil
}

// Save writes the state via a temp file and rename so a crash mid-write
// never leaves a truncated document.
func (f *File) Save(s State) error {
	raw, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(f.path)
	tmp, err := os.CreateTemp(dir, ".state-*")
	if err != nil {
		return fmt.Errorf("temp state: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, f.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("commit state: %w", err)
	}
	return nil
}
