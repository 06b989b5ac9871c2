package driver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/nace/ved/internal/container"
	"github.com/nace/ved/internal/errs"
	"github.com/nace/ved/internal/metrics"
	"github.com/nace/ved/internal/registry"
	"github.com/nace/ved/internal/system"
)

// BridgeConfig wires a Bridge to its collaborators. Facility, Registry and
// Containers are required.
type BridgeConfig struct {
	Facility   Facility
	Registry   *registry.Registry
	Containers *container.Manager
	Journal    *registry.Journal
	Metrics    *metrics.Metrics
	Log        *slog.Logger
}

// Bridge runs the mount and unmount protocol.
type Bridge struct {
	facility   Facility
	registry   *registry.Registry
	containers *container.Manager
	journal    *registry.Journal
	metrics    *metrics.Metrics
	log        *slog.Logger
}

// attachment is what a Mounted session holds on to.
type attachment struct {
	handle Handle
	dev    *BlockDevice
	lock   *flock.Flock
}

func (a *attachment) DevicePath() string {
	return a.handle.DevicePath()
}

func NewBridge(cfg BridgeConfig) (*Bridge, error) {
	if cfg.Facility == nil || cfg.Registry == nil || cfg.Containers == nil {
		return nil, errors.New("bridge needs a facility, a registry and a container manager")
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &Bridge{
		facility:   cfg.Facility,
		registry:   cfg.Registry,
		containers: cfg.Containers,
		journal:    cfg.Journal,
		metrics:    cfg.Metrics,
		log:        log.With("facility", cfg.Facility.Name()),
	}, nil
}

// Mount unlocks the container at path and attaches it under letter.
func (b *Bridge) Mount(path string, password []byte, letter string) (registry.Record, error) {
	rec, err := b.mount(path, password, letter)
	if err != nil {
		b.metrics.MountResult(resultLabel(err))
		return registry.Record{}, err
	}
	b.metrics.MountResult("ok")
	b.metrics.SetMounted(b.registry.Len())
	return rec, nil
}

func (b *Bridge) mount(path string, password []byte, letter string) (registry.Record, error) {
	absPath, err := system.ResolveContainerPath(path)
	if err != nil {
		return registry.Record{}, errs.Wrap(errs.KindIO, errs.IOFailed, err, "cannot mount %s", path)
	}
	letter, err = system.ParseDriveLetter(letter)
	if err != nil {
		return registry.Record{}, errs.Wrap(errs.KindInput, errs.InvalidLetter, err, "cannot mount %s", absPath)
	}
	if b.registry.Closed() {
		return registry.Record{}, errs.New(errs.KindConflict, errs.ShuttingDown, "engine is shutting down")
	}

	h, err := b.containers.ReadHeader(absPath)
	if err != nil {
		return registry.Record{}, err
	}
	start := time.Now()
	key, err := b.containers.VerifyPassword(h, password)
	b.metrics.ObserveKDF(time.Since(start))
	if err != nil {
		return registry.Record{}, err
	}

	cleanup := system.NewCleanupStack()
	defer func() {
		if err := cleanup.Execute(); err != nil {
			b.log.Warn("Rollback of failed mount incomplete", "path", absPath, "letter", letter, "err", err)
		}
	}()
	cleanup.Add(func() error {
		key.Zeroize()
		return nil
	})

	id, err := b.registry.Reserve(absPath, letter)
	if err != nil {
		return registry.Record{}, err
	}
	cleanup.Add(func() error {
		b.registry.Abort(id)
		return nil
	})

	lock, err := container.LockContainer(absPath)
	if err != nil {
		return registry.Record{}, err
	}
	cleanup.Add(lock.Unlock)

	dev, err := OpenBlockDevice(absPath, h, key, b.metrics)
	if err != nil {
		return registry.Record{}, err
	}
	cleanup.Add(dev.Close)

	handle, err := b.facility.Attach(AttachRequest{
		Path:      absPath,
		Letter:    letter,
		SizeBytes: h.PayloadSize,
		Device:    dev,
	})
	if err != nil {
		return registry.Record{}, driverError(errs.AttachFailed, err, "attach %s as %s:", absPath, letter)
	}
	cleanup.Add(func() error {
		return b.facility.Detach(handle)
	})

	att := &attachment{handle: handle, dev: dev, lock: lock}
	rec, err := b.registry.Activate(id, att, key, h.Cipher, h.PayloadSize)
	if err != nil {
		if errs.KindOf(err) != "" {
			return registry.Record{}, err
		}
		return registry.Record{}, errs.Wrap(errs.KindIO, errs.IOFailed, err, "record mount of %s", absPath)
	}
	cleanup.Clear()

	b.log.Info("Mounted container", "path", absPath, "letter", letter, "device", handle.DevicePath(),
		"cipher", h.Cipher.String())
	return rec, nil
}

// Unmount detaches the session named by identifier, a drive letter or a
// container path.
func (b *Bridge) Unmount(identifier string) error {
	err := b.unmount(normaliseIdentifier(identifier), false)
	if err != nil {
		b.metrics.UnmountResult(resultLabel(err))
		return err
	}
	b.metrics.UnmountResult("ok")
	b.metrics.SetMounted(b.registry.Len())
	return nil
}

// unmount tears down one session. With force, a failing flush or detach
// is logged and the session is removed anyway.
func (b *Bridge) unmount(identifier string, force bool) error {
	s, err := b.registry.BeginDetach(identifier)
	if err != nil {
		return err
	}
	att, ok := s.Attachment.(*attachment)
	if !ok {
		b.registry.CancelDetach(s.ID)
		return fmt.Errorf("session %s has foreign attachment %T", s.ID, s.Attachment)
	}
	log := b.log.With("path", s.ContainerPath, "letter", s.DriveLetter, "device", s.Device)

	var failures []error
	if err := att.dev.Flush(); err != nil {
		if !force {
			b.registry.CancelDetach(s.ID)
			return err
		}
		failures = append(failures, err)
	}
	if err := b.facility.Detach(att.handle); err != nil {
		err = driverError(errs.DetachFailed, err, "detach %s:", s.DriveLetter)
		if !force {
			b.registry.CancelDetach(s.ID)
			return err
		}
		failures = append(failures, err)
	}
	if err := att.dev.Close(); err != nil {
		failures = append(failures, errs.Wrap(errs.KindIO, errs.IOFailed, err, "close container"))
	}
	if err := att.lock.Unlock(); err != nil {
		failures = append(failures, errs.Wrap(errs.KindIO, errs.IOFailed, err, "unlock container"))
	}
	b.registry.Remove(s.ID)

	if err := errors.Join(failures...); err != nil {
		log.Error("Unmounted with errors", "err", err)
		return err
	}
	log.Info("Unmounted container")
	return nil
}

// ListMounted returns the Mounted sessions as disk views.
func (b *Bridge) ListMounted() []container.VirtualDisk {
	records := b.registry.Records()
	disks := make([]container.VirtualDisk, 0, len(records))
	for _, r := range records {
		if r.State != registry.Mounted {
			continue
		}
		disks = append(disks, container.VirtualDisk{
			Path:        r.Path,
			SizeBytes:   r.SizeBytes,
			IsMounted:   true,
			DriveLetter: r.Letter,
		})
	}
	return disks
}

// Sessions returns every session without key material.
func (b *Bridge) Sessions() []registry.Record {
	return b.registry.Records()
}

// Stats returns the IO counters of the device mounted under identifier.
func (b *Bridge) Stats(identifier string) (Stats, error) {
	s, ok := b.registry.Lookup(normaliseIdentifier(identifier))
	if !ok || s.State != registry.Mounted {
		return Stats{}, errs.New(errs.KindNotMounted, errs.NotMounted, "%s is not mounted", identifier)
	}
	att, ok := s.Attachment.(*attachment)
	if !ok {
		return Stats{}, fmt.Errorf("session %s has foreign attachment %T", s.ID, s.Attachment)
	}
	return att.dev.Stats(), nil
}

// Shutdown stops new mounts and force-unmounts every session. A mount
// that is still attaching is refused activation and rolls itself back;
// Shutdown waits for that to finish or for ctx to expire.
func (b *Bridge) Shutdown(ctx context.Context) error {
	b.registry.Close()

	var failures []error
	for _, r := range b.registry.Records() {
		if err := ctx.Err(); err != nil {
			failures = append(failures, fmt.Errorf("shutdown interrupted: %w", err))
			break
		}
		if r.State != registry.Mounted {
			continue
		}
		if err := b.unmount(r.Letter, true); err != nil {
			failures = append(failures, fmt.Errorf("unmount %s: %w", r.Letter, err))
		}
	}
	if err := b.awaitAttaching(ctx); err != nil {
		failures = append(failures, err)
	}
	b.metrics.SetMounted(b.registry.Len())

	err := errors.Join(failures...)
	if err != nil {
		b.log.Error("Shutdown completed with errors", "err", err)
	} else {
		b.log.Info("All containers unmounted")
	}
	return err
}

func (b *Bridge) awaitAttaching(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for b.registry.Attaching() > 0 {
		select {
		case <-ctx.Done():
			return fmt.Errorf("%d mounts still attaching: %w", b.registry.Attaching(), ctx.Err())
		case <-ticker.C:
		}
	}
	return nil
}

// Reconcile handles mounts recorded by a previous process that exited
// without unmounting. It must run before the first Mount. It returns the
// stale records it found.
func (b *Bridge) Reconcile() ([]registry.Record, error) {
	if b.journal == nil {
		return nil, nil
	}
	stale, err := b.journal.Load()
	if err != nil {
		return nil, err
	}
	if len(stale) == 0 {
		return nil, nil
	}

	reconciler, canForce := b.facility.(Reconciler)
	var failures []error
	for _, r := range stale {
		b.metrics.StaleSession()
		b.log.Error("Found stale mount from previous run",
			"path", r.Path, "letter", r.Letter, "device", r.Device, "pid", r.PID, "mountedAt", r.MountedAt)
		if !canForce {
			continue
		}
		if err := reconciler.ForceDetach(r.Letter, r.Device); err != nil {
			failures = append(failures, fmt.Errorf("force detach %s: %w", r.Device, err))
		}
	}
	if err := b.journal.Clear(); err != nil {
		failures = append(failures, err)
	}
	return stale, errors.Join(failures...)
}

func normaliseIdentifier(identifier string) string {
	if letter, err := system.ParseDriveLetter(identifier); err == nil {
		return letter
	}
	if abs, err := filepath.Abs(identifier); err == nil {
		if resolved, err := filepath.EvalSymlinks(abs); err == nil {
			return resolved
		}
		return abs
	}
	return identifier
}

// driverError keeps an existing Driver error from the facility and wraps
// anything else.
func driverError(code errs.Code, err error, format string, args ...any) error {
	if errs.IsKind(err, errs.KindDriver) {
		return err
	}
	return errs.Wrap(errs.KindDriver, code, err, format, args...)
}

func resultLabel(err error) string {
	if kind := errs.KindOf(err); kind != "" {
		return string(kind)
	}
	return "error"
}
