// Package settings persists the user's list of known disks.
package settings

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/nace/ved/internal/container"
	"gopkg.in/yaml.v3"
)

// Store loads and saves the known-disk list.
type Store interface {
	LoadKnownDisks() ([]container.VirtualDisk, error)
	SaveKnownDisks(disks []container.VirtualDisk) error
}

// FileStore keeps the list in a YAML file.
type FileStore struct {
	path string
}

type document struct {
	Disks []container.VirtualDisk `yaml:"disks"`
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) Path() string {
	return s.path
}

// LoadKnownDisks returns the stored disks. A missing file is an empty list.
func (s *FileStore) LoadKnownDisks() ([]container.VirtualDisk, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return []container.VirtualDisk{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read settings: %w", err)
	}

	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse settings %s: %w", s.path, err)
	}
	if doc.Disks == nil {
		doc.Disks = []container.VirtualDisk{}
	}
	return doc.Disks, nil
}

// SaveKnownDisks replaces the stored list. Mount state is not persisted.
func (s *FileStore) SaveKnownDisks(disks []container.VirtualDisk) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("failed to create settings directory: %w", err)
	}
	data, err := yaml.Marshal(document{Disks: disks})
	if err != nil {
		return fmt.Errorf("failed to encode settings: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write settings: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace settings: %w", err)
	}
	return nil
}

// Add registers disk, replacing an entry with the same path.
func Add(s Store, disk container.VirtualDisk) error {
	disks, err := s.LoadKnownDisks()
	if err != nil {
		return err
	}
	out := disks[:0]
	for _, d := range disks {
		if d.Path != disk.Path {
			out = append(out, d)
		}
	}
	out = append(out, disk)
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return s.SaveKnownDisks(out)
}

// Remove forgets the disk at path. It reports whether an entry was removed.
func Remove(s Store, path string) (bool, error) {
	disks, err := s.LoadKnownDisks()
	if err != nil {
		return false, err
	}
	out := disks[:0]
	for _, d := range disks {
		if d.Path != path {
			out = append(out, d)
		}
	}
	if len(out) == len(disks) {
		return false, nil
	}
	return true, s.SaveKnownDisks(out)
}
