package registry

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"gopkg.in/yaml.v3"
)

// Journal persists the mounted sessions of a running daemon so the next
// start can find mounts that were never torn down.
type Journal struct {
	path string
	lock *flock.Flock
}

type journalFile struct {
	Mounts []Record `yaml:"mounts"`
}

// NewJournal creates a journal at path, creating its directory.
func NewJournal(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}
	return &Journal{
		path: path,
		lock: flock.New(path + ".lock"),
	}, nil
}

// Path returns the journal file path.
func (j *Journal) Path() string {
	return j.path
}

// Load returns the recorded mounts. A missing journal is empty.
func (j *Journal) Load() ([]Record, error) {
	if err := j.lock.RLock(); err != nil {
		return nil, fmt.Errorf("failed to lock journal: %w", err)
	}
	defer j.lock.Unlock()

	data, err := os.ReadFile(j.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read journal: %w", err)
	}

	var f journalFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse journal %s: %w", j.path, err)
	}
	return f.Mounts, nil
}

// Save replaces the journal contents atomically.
func (j *Journal) Save(records []Record) error {
	if err := j.lock.Lock(); err != nil {
		return fmt.Errorf("failed to lock journal: %w", err)
	}
	defer j.lock.Unlock()

	data, err := yaml.Marshal(journalFile{Mounts: records})
	if err != nil {
		return fmt.Errorf("failed to encode journal: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(j.path), ".journal-*")
	if err != nil {
		return fmt.Errorf("failed to create journal: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write journal: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync journal: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close journal: %w", err)
	}
	if err := os.Rename(tmp.Name(), j.path); err != nil {
		return fmt.Errorf("failed to replace journal: %w", err)
	}
	return nil
}

// Clear empties the journal.
func (j *Journal) Clear() error {
	return j.Save(nil)
}
