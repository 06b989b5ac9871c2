// Package registry tracks mount sessions. It is the single owner of every
// session and the sector key held inside it.
//
// A session moves through Attaching, Mounted and Detaching. At most one
// session exists per container path and per drive letter, whatever its
// state, so concurrent mounts of the same container or letter cannot both
// reach the driver.
package registry

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nace/ved/internal/errs"
	"github.com/nace/ved/internal/sector"
	"github.com/nace/ved/internal/system"
)

// State is the lifecycle state of a session.
type State int

const (
	Unmounted State = iota
	Attaching
	Mounted
	Detaching
)

func (s State) String() string {
	switch s {
	case Unmounted:
		return "unmounted"
	case Attaching:
		return "attaching"
	case Mounted:
		return "mounted"
	case Detaching:
		return "detaching"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// MarshalText lets State appear by name in JSON and YAML.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name.
func (s *State) UnmarshalText(text []byte) error {
	for _, v := range []State{Unmounted, Attaching, Mounted, Detaching} {
		if v.String() == string(text) {
			*s = v
			return nil
		}
	}
	return fmt.Errorf("unknown session state %q", text)
}

// Attachment is whatever the driver keeps for a live mount.
type Attachment interface {
	DevicePath() string
}

// Session is one mounted (or mounting) container.
type Session struct {
	ID            uuid.UUID
	ContainerPath string
	DriveLetter   string
	State         State
	Cipher        sector.Cipher
	SizeBytes     uint64
	Device        string
	MountedAt     time.Time

	// Key is the sector key. It is owned by the registry and destroyed
	// when the session is removed. Copies returned by Lookup and
	// BeginDetach leave it nil.
	Key        *system.SecureBytes
	Attachment Attachment
}

// Record is a session without key material.
type Record struct {
	ID        string    `json:"id" yaml:"id"`
	Path      string    `json:"path" yaml:"path"`
	Letter    string    `json:"driveLetter" yaml:"letter"`
	State     State     `json:"state" yaml:"state"`
	Cipher    string    `json:"cipher" yaml:"cipher"`
	SizeBytes uint64    `json:"sizeBytes" yaml:"sizeBytes"`
	Device    string    `json:"device,omitempty" yaml:"device,omitempty"`
	MountedAt time.Time `json:"mountedAt,omitempty" yaml:"mountedAt,omitempty"`
	PID       int       `json:"pid,omitempty" yaml:"pid,omitempty"`
}

// Record returns the session without key material.
func (s *Session) Record() Record {
	return Record{
		ID:        s.ID.String(),
		Path:      s.ContainerPath,
		Letter:    s.DriveLetter,
		State:     s.State,
		Cipher:    s.Cipher.String(),
		SizeBytes: s.SizeBytes,
		Device:    s.Device,
		MountedAt: s.MountedAt,
		PID:       os.Getpid(),
	}
}

// Registry holds all sessions under one mutex.
type Registry struct {
	mu       sync.Mutex
	byID     map[uuid.UUID]*Session
	byPath   map[string]*Session
	byLetter map[string]*Session
	closed   bool

	journal *Journal
	log     *slog.Logger
}

// Option customises a Registry.
type Option func(*Registry)

// WithJournal mirrors mounted sessions to j.
func WithJournal(j *Journal) Option {
	return func(r *Registry) {
		r.journal = j
	}
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(r *Registry) {
		r.log = log
	}
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		byID:     make(map[uuid.UUID]*Session),
		byPath:   make(map[string]*Session),
		byLetter: make(map[string]*Session),
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Reserve claims path and letter for a new session in the Attaching state.
// path must already be absolute and letter normalised.
func (r *Registry) Reserve(path, letter string) (uuid.UUID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return uuid.Nil, errs.New(errs.KindConflict, errs.ShuttingDown, "engine is shutting down")
	}
	if s, ok := r.byPath[path]; ok {
		return uuid.Nil, errs.New(errs.KindConflict, errs.AlreadyMounted,
			"%s is already mounted on %s:", path, s.DriveLetter)
	}
	if s, ok := r.byLetter[letter]; ok {
		return uuid.Nil, errs.New(errs.KindConflict, errs.LetterInUse,
			"drive letter %s: is already used by %s", letter, s.ContainerPath)
	}

	s := &Session{
		ID:            uuid.New(),
		ContainerPath: path,
		DriveLetter:   letter,
		State:         Attaching,
	}
	r.byID[s.ID] = s
	r.byPath[path] = s
	r.byLetter[letter] = s
	return s.ID, nil
}

// Activate moves an Attaching session to Mounted and hands it the key. On
// error the key has not been taken and the caller still owns it. Once Close
// has been called no session becomes Mounted.
func (r *Registry) Activate(id uuid.UUID, att Attachment, key *system.SecureBytes, c sector.Cipher, size uint64) (Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return Record{}, errs.New(errs.KindConflict, errs.ShuttingDown, "engine is shutting down")
	}
	s, ok := r.byID[id]
	if !ok || s.State != Attaching {
		return Record{}, fmt.Errorf("activate session %s: not attaching", id)
	}

	s.State = Mounted
	s.Attachment = att
	s.Device = att.DevicePath()
	s.Cipher = c
	s.SizeBytes = size
	s.MountedAt = time.Now().UTC()

	if err := r.syncJournalLocked(); err != nil {
		s.State = Attaching
		s.Attachment = nil
		s.Device = ""
		return Record{}, fmt.Errorf("activate session %s: %w", id, err)
	}
	s.Key = key
	return s.Record(), nil
}

// BeginDetach moves the Mounted session named by identifier (letter or
// absolute path) to Detaching and returns a copy of it without the key.
func (r *Registry) BeginDetach(identifier string) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.lookupLocked(identifier)
	if s == nil || s.State != Mounted {
		return Session{}, errs.New(errs.KindNotMounted, errs.NotMounted, "%s is not mounted", identifier)
	}
	s.State = Detaching
	return s.copyLocked(), nil
}

// CancelDetach returns a Detaching session to Mounted after a failed detach.
func (r *Registry) CancelDetach(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.byID[id]; ok && s.State == Detaching {
		s.State = Mounted
	}
}

// Abort drops an Attaching session.
func (r *Registry) Abort(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.byID[id]; ok && s.State == Attaching {
		r.deleteLocked(s)
	}
}

// Remove drops a session and destroys its key.
func (r *Registry) Remove(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.byID[id]
	if !ok {
		return
	}
	r.deleteLocked(s)
	if err := r.syncJournalLocked(); err != nil {
		r.log.Warn("Failed to update mount journal", "err", err)
	}
}

func (r *Registry) deleteLocked(s *Session) {
	delete(r.byID, s.ID)
	delete(r.byPath, s.ContainerPath)
	delete(r.byLetter, s.DriveLetter)
	s.Key.Zeroize()
	s.Key = nil
	s.State = Unmounted
}

// Lookup returns a copy of the session named by identifier. The copy never
// carries the key.
func (r *Registry) Lookup(identifier string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.lookupLocked(identifier)
	if s == nil {
		return Session{}, false
	}
	return s.copyLocked(), true
}

// copyLocked returns s without its key.
func (s *Session) copyLocked() Session {
	cp := *s
	cp.Key = nil
	return cp
}

// Attaching is the number of sessions still in the Attaching state.
func (r *Registry) Attaching() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, s := range r.byID {
		if s.State == Attaching {
			n++
		}
	}
	return n
}

func (r *Registry) lookupLocked(identifier string) *Session {
	if filepath.IsAbs(identifier) {
		return r.byPath[filepath.Clean(identifier)]
	}
	letter, err := system.ParseDriveLetter(identifier)
	if err != nil {
		return nil
	}
	return r.byLetter[letter]
}

// Records lists all sessions, ordered by drive letter.
func (r *Registry) Records() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recordsLocked(func(*Session) bool { return true })
}

func (r *Registry) recordsLocked(keep func(*Session) bool) []Record {
	records := make([]Record, 0, len(r.byID))
	for _, s := range r.byID {
		if keep(s) {
			records = append(records, s.Record())
		}
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].Letter < records[j].Letter
	})
	return records
}

func (r *Registry) syncJournalLocked() error {
	if r.journal == nil {
		return nil
	}
	return r.journal.Save(r.recordsLocked(func(s *Session) bool {
		return s.State == Mounted || s.State == Detaching
	}))
}

// Close rejects further reservations. Existing sessions are unaffected.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
}

// Closed reports whether Close was called.
func (r *Registry) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Len is the number of sessions in any state.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}

// MarshalRecords encodes records as a JSON array.
func MarshalRecords(records []Record) ([]byte, error) {
	if records == nil {
		records = []Record{}
	}
	return json.Marshal(records)
}
