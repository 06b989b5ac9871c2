// Package nbd exposes mounted containers as Linux network block devices.
//
// Drive letter A maps to /dev/nbd0, B to /dev/nbd1 and so on. The kernel
// talks to an in-process server over a socketpair, so no network is
// involved.
package nbd

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nace/ved/internal/driver"
	"github.com/nace/ved/internal/errs"
	"github.com/nace/ved/internal/system"
)

// Config configures the NBD facility.
type Config struct {
	// Autoload runs "modprobe nbd" when the module is missing.
	Autoload bool

	// Timeout is the kernel request timeout and the time Detach waits
	// for the device to drain.
	Timeout time.Duration

	// DevRoot and SysRoot default to /dev and /sys.
	DevRoot string
	SysRoot string

	Executor *system.Executor
	Log      *slog.Logger
}

// Facility attaches BlockIO devices to /dev/nbdN.
type Facility struct {
	cfg Config
	log *slog.Logger

	mu       sync.Mutex
	attached map[string]*Device
}

// Device is an attached NBD device.
type Device struct {
	letter string
	path   string
	file   *os.File
	sock   *os.File
	conn   net.Conn

	doItDone chan error
	served   chan error
}

func (d *Device) DevicePath() string {
	return d.path
}

func New(cfg Config) *Facility {
	if cfg.DevRoot == "" {
		cfg.DevRoot = "/dev"
	}
	if cfg.SysRoot == "" {
		cfg.SysRoot = "/sys"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.Executor == nil {
		cfg.Executor = system.NewExecutor(cfg.Log)
	}
	return &Facility{
		cfg:      cfg,
		log:      cfg.Log.With("facility", "nbd"),
		attached: make(map[string]*Device),
	}
}

func (f *Facility) Name() string {
	return "nbd"
}

// DeviceName returns "nbdN" for a drive letter.
func DeviceName(letter string) (string, error) {
	letter, err := system.ParseDriveLetter(letter)
	if err != nil {
		return "", errs.Wrap(errs.KindInput, errs.InvalidLetter, err, "no nbd device for letter")
	}
	return "nbd" + strconv.Itoa(int(letter[0]-'A')), nil
}

func (f *Facility) devicePath(name string) string {
	return filepath.Join(f.cfg.DevRoot, name)
}

// inUse reports whether the kernel already has a server for the device.
func (f *Facility) inUse(name string) bool {
	data, err := os.ReadFile(filepath.Join(f.cfg.SysRoot, "block", name, "pid"))
	return err == nil && strings.TrimSpace(string(data)) != ""
}

func (f *Facility) ensureModule() error {
	if _, err := os.Stat(filepath.Join(f.cfg.SysRoot, "module", "nbd")); err == nil {
		return nil
	}
	if !f.cfg.Autoload {
		return errs.New(errs.KindDriver, errs.DriverUnavailable, "nbd kernel module is not loaded")
	}
	f.log.Info("Loading nbd kernel module")
	if err := f.cfg.Executor.Run("modprobe", "nbd", "nbds_max=26"); err != nil {
		return errs.Wrap(errs.KindDriver, errs.DriverUnavailable, err, "load nbd kernel module")
	}
	return nil
}

// Attach exposes req.Device under the letter's nbd device.
func (f *Facility) Attach(req driver.AttachRequest) (driver.Handle, error) {
	name, err := DeviceName(req.Letter)
	if err != nil {
		return nil, err
	}
	if err := f.ensureModule(); err != nil {
		return nil, err
	}
	path := f.devicePath(name)
	if _, err := os.Stat(path); err != nil {
		return nil, errs.Wrap(errs.KindDriver, errs.DriverUnavailable, err, "no device %s", path)
	}
	if f.inUse(name) {
		return nil, errs.New(errs.KindDriver, errs.LetterInUse, "%s is already connected", path)
	}

	cleanup := system.NewCleanupStack()
	defer func() {
		if err := cleanup.Execute(); err != nil {
			f.log.Warn("Rollback of failed attach incomplete", "device", path, "err", err)
		}
	}()

	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, errs.Wrap(errs.KindDriver, errs.AttachFailed, err, "open %s", path)
	}
	cleanup.Add(file.Close)

	kernelSock, serverSock, err := socketPair()
	if err != nil {
		return nil, errs.Wrap(errs.KindDriver, errs.AttachFailed, err, "connect %s", path)
	}
	cleanup.Add(kernelSock.Close)

	conn, err := net.FileConn(serverSock)
	serverSock.Close()
	if err != nil {
		return nil, errs.Wrap(errs.KindDriver, errs.AttachFailed, err, "connect %s", path)
	}
	cleanup.Add(conn.Close)

	if err := configure(file, kernelSock, req.SizeBytes, uint32(req.Device.SectorSize()), f.cfg.Timeout); err != nil {
		return nil, errs.Wrap(errs.KindDriver, errs.AttachFailed, err, "configure %s", path)
	}
	cleanup.Clear()

	d := &Device{
		letter:   req.Letter,
		path:     path,
		file:     file,
		sock:     kernelSock,
		conn:     conn,
		doItDone: make(chan error, 1),
		served:   make(chan error, 1),
	}
	server := NewServer(req.Device, f.log.With("device", path))
	go func() {
		d.served <- server.Serve(conn)
	}()
	go func() {
		d.doItDone <- doIt(file)
	}()

	f.mu.Lock()
	f.attached[req.Letter] = d
	f.mu.Unlock()

	f.log.Info("Attached device", "device", path, "path", req.Path, "size", req.SizeBytes)
	return d, nil
}

// Detach disconnects the device and waits for the kernel to release it.
func (f *Facility) Detach(h driver.Handle) error {
	d, ok := h.(*Device)
	if !ok {
		return errs.New(errs.KindDriver, errs.DetachFailed, "foreign handle %T", h)
	}

	if err := disconnect(d.file); err != nil {
		return errs.Wrap(errs.KindDriver, errs.DetachFailed, err, "disconnect %s", d.path)
	}

	var failures []error
	select {
	case err := <-d.doItDone:
		if err != nil {
			f.log.Debug("NBD_DO_IT returned", "device", d.path, "err", err)
		}
	case <-time.After(f.cfg.Timeout):
		return errs.New(errs.KindDriver, errs.DetachFailed, "%s did not disconnect within %s", d.path, f.cfg.Timeout)
	}

	d.conn.Close()
	if err := <-d.served; err != nil {
		failures = append(failures, err)
	}
	d.sock.Close()
	if err := d.file.Close(); err != nil {
		failures = append(failures, err)
	}

	f.mu.Lock()
	delete(f.attached, d.letter)
	f.mu.Unlock()

	if err := errors.Join(failures...); err != nil {
		return errs.Wrap(errs.KindDriver, errs.DetachFailed, err, "release %s", d.path)
	}
	f.log.Info("Detached device", "device", d.path)
	return nil
}

// ForceDetach disconnects a device left connected by a previous process.
func (f *Facility) ForceDetach(letter, device string) error {
	if device == "" {
		name, err := DeviceName(letter)
		if err != nil {
			return err
		}
		device = f.devicePath(name)
	}
	name := filepath.Base(device)
	if !f.inUse(name) {
		f.log.Info("Stale device already released", "device", device)
		return nil
	}

	file, err := os.OpenFile(device, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("open %s: %w", device, err)
	}
	defer file.Close()

	if err := disconnect(file); err != nil {
		return err
	}
	if err := clearSock(file); err != nil {
		return err
	}
	f.log.Warn("Force-detached stale device", "device", device, "letter", letter)
	return nil
}
