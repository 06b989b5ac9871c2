package container

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/nace/ved/internal/errs"
	"github.com/nace/ved/internal/kdf"
	"github.com/nace/ved/internal/sector"
	"github.com/nace/ved/internal/system"
)

// Manager creates containers and unlocks their headers.
type Manager struct {
	params     kdf.Params
	sectorSize uint32
	log        *slog.Logger
}

// Option customises a Manager.
type Option func(*Manager) error

// WithKDF sets the key derivation parameters used for new containers.
func WithKDF(p kdf.Params) Option {
	return func(m *Manager) error {
		if err := p.Validate(); err != nil {
			return err
		}
		m.params = p
		return nil
	}
}

// WithSectorSize sets the sector size used for new containers.
func WithSectorSize(n uint32) Option {
	return func(m *Manager) error {
		if !sector.ValidSectorSize(int(n)) {
			return errs.New(errs.KindInput, errs.InvalidParams, "invalid sector size %d", n)
		}
		m.sectorSize = n
		return nil
	}
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(m *Manager) error {
		m.log = log
		return nil
	}
}

// NewManager creates a Manager with default KDF and sector size.
func NewManager(opts ...Option) (*Manager, error) {
	m := &Manager{
		params:     kdf.DefaultParams(),
		sectorSize: sector.DefaultSectorSize,
		log:        slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(m); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Create writes a new container of sizeBytes logical capacity. The payload
// is allocated sparsely; unwritten sectors read as zeros.
func (m *Manager) Create(path string, sizeBytes uint64, password []byte, c sector.Cipher) (*Header, error) {
	if sizeBytes == 0 {
		return nil, errs.New(errs.KindCapacity, errs.InvalidSize, "container size must be greater than zero")
	}
	if !c.Valid() {
		return nil, errs.New(errs.KindInput, errs.UnknownCipher, "unknown cipher %d", uint8(c))
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, errs.Wrap(errs.KindIO, errs.IOFailed, err, "invalid path %s", path)
	}

	h := &Header{
		Magic:       Magic,
		Version:     Version,
		Cipher:      c,
		KDF:         m.params,
		SectorSize:  m.sectorSize,
		PayloadSize: sizeBytes,
	}
	if h.oversized() {
		return nil, errs.New(errs.KindCapacity, errs.InvalidSize, "container size %d is too large", sizeBytes)
	}
	if err := m.checkSpace(absPath, uint64(h.PhysicalSize())); err != nil {
		return nil, err
	}
	if _, err := rand.Read(h.Salt[:]); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	if err := m.seal(h, password); err != nil {
		return nil, err
	}

	m.log.Info("Creating container", "path", absPath, "size", sizeBytes, "cipher", c.String(), "kdf", h.KDF.Algorithm.String())

	cleanup := system.NewCleanupStack()
	defer func() {
		if err := cleanup.Execute(); err != nil {
			m.log.Warn("Cleanup after failed create", "path", absPath, "err", err)
		}
	}()

	file, err := os.OpenFile(absPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		if os.IsExist(err) {
			return nil, errs.Wrap(errs.KindIO, errs.PathExists, err, "file already exists: %s", absPath)
		}
		return nil, errs.Wrap(errs.KindIO, errs.IOFailed, err, "create %s", absPath)
	}
	cleanup.Add(func() error {
		return os.Remove(absPath)
	})

	if err := writeHeader(file, h); err != nil {
		file.Close()
		return nil, err
	}
	if err := file.Truncate(h.PhysicalSize()); err != nil {
		file.Close()
		return nil, errs.Wrap(errs.KindIO, errs.IOFailed, err, "allocate payload")
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return nil, errs.Wrap(errs.KindIO, errs.IOFailed, err, "sync %s", absPath)
	}
	if err := file.Close(); err != nil {
		return nil, errs.Wrap(errs.KindIO, errs.IOFailed, err, "close %s", absPath)
	}

	cleanup.Clear()
	return h, nil
}

// ReadHeader reads and validates the header of the container at path.
func (m *Manager) ReadHeader(path string) (*Header, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errs.Wrap(errs.KindIO, errs.IOFailed, err, "open container")
	}
	defer file.Close()

	return ReadHeaderFrom(file)
}

// VerifyPassword checks password against the header's verification token
// and returns the sector key on success. The payload is never read. The
// caller must Zeroize the returned key.
func (m *Manager) VerifyPassword(h *Header, password []byte) (*system.SecureBytes, error) {
	master, err := kdf.DeriveKey(password, h.Salt[:], h.KDF)
	if err != nil {
		return nil, err
	}
	defer kdf.Wipe(master)

	token, err := kdf.VerificationToken(master, h.Salt[:])
	if err != nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare(token, h.Token[:]) != 1 {
		return nil, errs.New(errs.KindPassword, errs.WrongPassword, "wrong password")
	}

	key, err := kdf.SectorKey(master, h.Salt[:])
	if err != nil {
		return nil, err
	}
	return system.NewSecureBytes(key), nil
}

// Unlock reads the header at path and verifies password in one step.
func (m *Manager) Unlock(path string, password []byte) (*Header, *system.SecureBytes, error) {
	h, err := m.ReadHeader(path)
	if err != nil {
		return nil, nil, err
	}
	key, err := m.VerifyPassword(h, password)
	if err != nil {
		return nil, nil, err
	}
	return h, key, nil
}

// Inspect describes the container without a password.
func (m *Manager) Inspect(path string) (*Info, error) {
	h, err := m.ReadHeader(path)
	if err != nil {
		return nil, err
	}
	st, err := os.Stat(path)
	if err != nil {
		return nil, errs.Wrap(errs.KindIO, errs.IOFailed, err, "stat container")
	}
	return &Info{
		Path:         path,
		Version:      h.Version,
		Cipher:       h.Cipher.String(),
		KDF:          h.KDF.Algorithm.String(),
		KDFTime:      h.KDF.Time,
		KDFMemory:    h.KDF.Memory,
		KDFThreads:   h.KDF.Threads,
		SectorSize:   h.SectorSize,
		SizeBytes:    h.PayloadSize,
		PhysicalSize: h.PhysicalSize(),
		FileSize:     st.Size(),
	}, nil
}

// Describe registers an existing container file as a VirtualDisk.
func (m *Manager) Describe(path string) (VirtualDisk, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return VirtualDisk{}, errs.Wrap(errs.KindIO, errs.IOFailed, err, "invalid path %s", path)
	}
	h, err := m.ReadHeader(absPath)
	if err != nil {
		return VirtualDisk{}, err
	}
	return VirtualDisk{Path: absPath, SizeBytes: h.PayloadSize}, nil
}

// Resize grows the container to newSize. Shrinking is refused because it
// would drop written sectors. The container must not be mounted.
func (m *Manager) Resize(path string, password []byte, newSize uint64) (*Header, error) {
	lock, err := LockContainer(path)
	if err != nil {
		return nil, err
	}
	defer lock.Unlock()

	h, key, err := m.Unlock(path, password)
	if err != nil {
		return nil, err
	}
	key.Zeroize()

	if newSize < h.PayloadSize {
		return nil, errs.New(errs.KindCapacity, errs.InvalidSize,
			"cannot shrink container from %d to %d bytes", h.PayloadSize, newSize)
	}
	if newSize == h.PayloadSize {
		return h, nil
	}

	oldPhysical := h.PhysicalSize()
	h.PayloadSize = newSize
	if h.oversized() {
		return nil, errs.New(errs.KindCapacity, errs.InvalidSize, "container size %d is too large", newSize)
	}
	if grow := h.PhysicalSize() - oldPhysical; grow > 0 {
		if err := m.checkSpace(path, uint64(grow)); err != nil {
			return nil, err
		}
	}

	file, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return nil, errs.Wrap(errs.KindIO, errs.IOFailed, err, "open container")
	}
	defer file.Close()

	if err := file.Truncate(h.PhysicalSize()); err != nil {
		return nil, errs.Wrap(errs.KindIO, errs.IOFailed, err, "extend payload")
	}
	if err := writeHeader(file, h); err != nil {
		return nil, err
	}
	if err := file.Sync(); err != nil {
		return nil, errs.Wrap(errs.KindIO, errs.IOFailed, err, "sync container")
	}

	m.log.Info("Resized container", "path", path, "size", newSize)
	return h, nil
}

// ChangePassword re-encrypts every written sector under a key derived from
// newPassword and a fresh salt. The new container is built in a temporary
// file next to the original and renamed over it, so a crash leaves the old
// container intact. The container must not be mounted.
func (m *Manager) ChangePassword(path string, oldPassword, newPassword []byte) error {
	lock, err := LockContainer(path)
	if err != nil {
		return err
	}
	defer lock.Unlock()

	oldHeader, oldKey, err := m.Unlock(path, oldPassword)
	if err != nil {
		return err
	}
	defer oldKey.Zeroize()

	newHeader := *oldHeader
	newHeader.KDF = m.params
	if _, err := rand.Read(newHeader.Salt[:]); err != nil {
		return fmt.Errorf("generate salt: %w", err)
	}
	newKey, err := m.sealWithKey(&newHeader, newPassword)
	if err != nil {
		return err
	}
	defer newKey.Zeroize()

	if err := m.checkSpace(path, uint64(newHeader.PhysicalSize())); err != nil {
		return err
	}

	src, err := os.Open(path)
	if err != nil {
		return errs.Wrap(errs.KindIO, errs.IOFailed, err, "open container")
	}
	defer src.Close()

	tmp, err := os.CreateTemp(filepath.Dir(path), ".ved-rekey-*")
	if err != nil {
		return errs.Wrap(errs.KindIO, errs.IOFailed, err, "create temporary container")
	}
	cleanup := system.NewCleanupStack()
	defer func() {
		if err := cleanup.Execute(); err != nil {
			m.log.Warn("Cleanup after failed password change", "path", path, "err", err)
		}
	}()
	cleanup.Add(func() error { return os.Remove(tmp.Name()) })
	cleanup.Add(tmp.Close)

	if err := tmp.Chmod(0600); err != nil {
		return errs.Wrap(errs.KindIO, errs.IOFailed, err, "chmod temporary container")
	}
	if err := writeHeader(tmp, &newHeader); err != nil {
		return err
	}
	if err := tmp.Truncate(newHeader.PhysicalSize()); err != nil {
		return errs.Wrap(errs.KindIO, errs.IOFailed, err, "allocate payload")
	}

	slot := make([]byte, oldHeader.SlotSize())
	var plain, out []byte
	for i := uint64(0); i < oldHeader.SectorCount(); i++ {
		if _, err := src.ReadAt(slot, oldHeader.SlotOffset(i)); err != nil {
			return errs.Wrap(errs.KindIO, errs.IOFailed, err, "read sector %d", i)
		}
		if sector.IsUnwritten(slot) {
			continue
		}
		plain, err = sector.Decrypt(plain[:0], oldKey.Bytes(), oldHeader.Cipher, i, slot)
		if err != nil {
			return err
		}
		out, err = sector.Encrypt(out[:0], newKey.Bytes(), newHeader.Cipher, i, plain)
		kdf.Wipe(plain)
		if err != nil {
			return err
		}
		if _, err := tmp.WriteAt(out, newHeader.SlotOffset(i)); err != nil {
			return errs.Wrap(errs.KindIO, errs.IOFailed, err, "write sector %d", i)
		}
	}

	if err := tmp.Sync(); err != nil {
		return errs.Wrap(errs.KindIO, errs.IOFailed, err, "sync temporary container")
	}
	if err := tmp.Close(); err != nil {
		return errs.Wrap(errs.KindIO, errs.IOFailed, err, "close temporary container")
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return errs.Wrap(errs.KindIO, errs.IOFailed, err, "replace container")
	}

	cleanup.Clear()
	m.log.Info("Changed container password", "path", path)
	return nil
}

// seal fills Token from password, discarding the sector key.
func (m *Manager) seal(h *Header, password []byte) error {
	key, err := m.sealWithKey(h, password)
	if err != nil {
		return err
	}
	key.Zeroize()
	return nil
}

func (m *Manager) sealWithKey(h *Header, password []byte) (*system.SecureBytes, error) {
	master, err := kdf.DeriveKey(password, h.Salt[:], h.KDF)
	if err != nil {
		return nil, err
	}
	defer kdf.Wipe(master)

	token, err := kdf.VerificationToken(master, h.Salt[:])
	if err != nil {
		return nil, err
	}
	copy(h.Token[:], token)

	key, err := kdf.SectorKey(master, h.Salt[:])
	if err != nil {
		return nil, err
	}
	return system.NewSecureBytes(key), nil
}

func (m *Manager) checkSpace(path string, need uint64) error {
	avail, err := system.GetAvailableSpace(path)
	if err != nil {
		return errs.Wrap(errs.KindIO, errs.IOFailed, err, "check free space for %s", path)
	}
	if avail < need {
		return errs.New(errs.KindCapacity, errs.DiskFull,
			"not enough free space: need %s, have %s", system.FormatSize(need), system.FormatSize(avail))
	}
	return nil
}

func writeHeader(w io.WriterAt, h *Header) error {
	data, err := h.MarshalBinary()
	if err != nil {
		return fmt.Errorf("encode header: %w", err)
	}
	if _, err := w.WriteAt(data, 0); err != nil {
		return errs.Wrap(errs.KindIO, errs.IOFailed, err, "write header")
	}
	return nil
}

// LockContainer takes an exclusive advisory lock on the container file so
// no other mount or offline operation can use it concurrently.
func LockContainer(path string) (*flock.Flock, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, errs.Wrap(errs.KindIO, errs.IOFailed, err, "open container")
	}
	lock := flock.New(path)
	ok, err := lock.TryLock()
	if err != nil {
		return nil, errs.Wrap(errs.KindIO, errs.IOFailed, err, "lock container")
	}
	if !ok {
		return nil, errs.New(errs.KindConflict, errs.Busy, "container is in use: %s", path)
	}
	return lock, nil
}

