// Package engine is the synchronous API front ends use: create container
// files, mount and unmount them, and list what is mounted.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/nace/ved/internal/container"
	"github.com/nace/ved/internal/driver"
	"github.com/nace/ved/internal/metrics"
	"github.com/nace/ved/internal/registry"
	"github.com/nace/ved/internal/sector"
	"github.com/nace/ved/internal/system"
)

// Config wires an Engine. Facility and Containers are required.
type Config struct {
	Facility   driver.Facility
	Containers *container.Manager
	Journal    *registry.Journal
	Metrics    *metrics.Metrics
	Log        *slog.Logger
}

// Engine owns the mount registry for the lifetime of the process.
type Engine struct {
	containers *container.Manager
	registry   *registry.Registry
	bridge     *driver.Bridge
	facility   driver.Facility
	log        *slog.Logger
}

// KnownDiskLoader is the read side of the settings collaborator.
type KnownDiskLoader interface {
	LoadKnownDisks() ([]container.VirtualDisk, error)
}

func New(cfg Config) (*Engine, error) {
	if cfg.Facility == nil || cfg.Containers == nil {
		return nil, errors.New("engine needs a facility and a container manager")
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	opts := []registry.Option{registry.WithLogger(log)}
	if cfg.Journal != nil {
		opts = append(opts, registry.WithJournal(cfg.Journal))
	}
	reg := registry.New(opts...)

	bridge, err := driver.NewBridge(driver.BridgeConfig{
		Facility:   cfg.Facility,
		Registry:   reg,
		Containers: cfg.Containers,
		Journal:    cfg.Journal,
		Metrics:    cfg.Metrics,
		Log:        log,
	})
	if err != nil {
		return nil, err
	}

	return &Engine{
		containers: cfg.Containers,
		registry:   reg,
		bridge:     bridge,
		facility:   cfg.Facility,
		log:        log,
	}, nil
}

// guard moves password into locked memory. The caller's slice is wiped.
func guard(password []byte) *system.SecureBytes {
	return system.NewSecureBytes(password)
}

// CreateDiskFile creates a new container. password is wiped.
func (e *Engine) CreateDiskFile(path string, sizeBytes uint64, password []byte, c sector.Cipher) error {
	pw := guard(password)
	defer pw.Zeroize()

	_, err := e.containers.Create(path, sizeBytes, pw.Bytes(), c)
	return err
}

// Mount unlocks the container at path and attaches it under letter.
// password is wiped.
func (e *Engine) Mount(path string, password []byte, letter string) error {
	_, err := e.MountSession(path, password, letter)
	return err
}

// MountSession is Mount returning the new session.
func (e *Engine) MountSession(path string, password []byte, letter string) (registry.Record, error) {
	pw := guard(password)
	defer pw.Zeroize()

	return e.bridge.Mount(path, pw.Bytes(), letter)
}

// Unmount detaches the disk mounted under letter. A container path is
// accepted too.
func (e *Engine) Unmount(letter string) error {
	return e.bridge.Unmount(letter)
}

// MountedDisks lists the mounted disks.
func (e *Engine) MountedDisks() []container.VirtualDisk {
	return e.bridge.ListMounted()
}

// GetMountedDisks returns MountedDisks as a JSON array of
// {path, sizeBytes, isMounted, driveLetter}.
func (e *Engine) GetMountedDisks() ([]byte, error) {
	return json.Marshal(e.MountedDisks())
}

// Sessions lists every session, including ones attaching or detaching.
func (e *Engine) Sessions() []registry.Record {
	return e.bridge.Sessions()
}

// Stats returns the IO counters of a mounted disk.
func (e *Engine) Stats(letter string) (driver.Stats, error) {
	return e.bridge.Stats(letter)
}

// Inspect describes a container without unlocking it.
func (e *Engine) Inspect(path string) (*container.Info, error) {
	return e.containers.Inspect(path)
}

// KnownDisks merges the stored disk list with the mounted disks. Stored
// entries that are mounted are flagged; mounted disks missing from the
// store are appended.
func (e *Engine) KnownDisks(store KnownDiskLoader) ([]container.VirtualDisk, error) {
	known, err := store.LoadKnownDisks()
	if err != nil {
		return nil, err
	}
	return MergeDisks(known, e.MountedDisks()), nil
}

// MergeDisks overlays mounted state onto known disks, matched by path.
func MergeDisks(known, mounted []container.VirtualDisk) []container.VirtualDisk {
	byPath := make(map[string]container.VirtualDisk, len(mounted))
	for _, d := range mounted {
		byPath[d.Path] = d
	}

	out := make([]container.VirtualDisk, 0, len(known)+len(mounted))
	seen := make(map[string]bool, len(known))
	for _, d := range known {
		if m, ok := byPath[d.Path]; ok {
			d.IsMounted = true
			d.DriveLetter = m.DriveLetter
			d.SizeBytes = m.SizeBytes
		} else {
			d.IsMounted = false
			d.DriveLetter = ""
		}
		seen[d.Path] = true
		out = append(out, d)
	}
	for _, d := range mounted {
		if !seen[d.Path] {
			out = append(out, d)
		}
	}
	return out
}

// Reconcile clears mounts left by a previous process. Call it once before
// the first Mount.
func (e *Engine) Reconcile() ([]registry.Record, error) {
	return e.bridge.Reconcile()
}

// Shutdown force-unmounts everything and refuses further mounts.
func (e *Engine) Shutdown(ctx context.Context) error {
	return e.bridge.Shutdown(ctx)
}

// FacilityName names the block device facility in use.
func (e *Engine) FacilityName() string {
	return e.facility.Name()
}
