package driver

import (
	"errors"
	"io"
	"os"
	"sync"

	"github.com/nace/ved/internal/container"
	"github.com/nace/ved/internal/errs"
	"github.com/nace/ved/internal/metrics"
	"github.com/nace/ved/internal/sector"
	"github.com/nace/ved/internal/system"
	"go.uber.org/atomic"
)

const lockStripes = 64

// BlockDevice encrypts and decrypts container sectors on every access.
// Concurrent IO is safe; accesses to the same sector are serialised so a
// partial write (read-modify-write) never interleaves with another.
type BlockDevice struct {
	file       *os.File
	header     *container.Header
	key        *system.SecureBytes
	sectorSize int64
	slotSize   int64
	size       int64

	stripes [lockStripes]sync.Mutex
	closed  atomic.Bool

	bytesRead    atomic.Uint64
	bytesWritten atomic.Uint64
	authFailures atomic.Uint64

	metrics *metrics.Metrics
}

// Stats are cumulative IO counters of a BlockDevice.
type Stats struct {
	BytesRead    uint64 `json:"bytesRead"`
	BytesWritten uint64 `json:"bytesWritten"`
	AuthFailures uint64 `json:"authFailures"`
}

// OpenBlockDevice opens the container at path for sector IO. key is
// borrowed; the caller keeps ownership and must not destroy it before Close.
func OpenBlockDevice(path string, h *container.Header, key *system.SecureBytes, m *metrics.Metrics) (*BlockDevice, error) {
	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, errs.Wrap(errs.KindIO, errs.IOFailed, err, "open container")
	}
	st, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, errs.Wrap(errs.KindIO, errs.IOFailed, err, "stat container")
	}
	if st.Size() < h.PhysicalSize() {
		file.Close()
		return nil, errs.New(errs.KindFormat, errs.Truncated,
			"container payload truncated: %d of %d bytes", st.Size(), h.PhysicalSize())
	}
	return &BlockDevice{
		file:       file,
		header:     h,
		key:        key,
		sectorSize: int64(h.SectorSize),
		slotSize:   h.SlotSize(),
		size:       int64(h.PayloadSize),
		metrics:    m,
	}, nil
}

func (d *BlockDevice) Size() int64 {
	return d.size
}

func (d *BlockDevice) SectorSize() int {
	return int(d.sectorSize)
}

// Cipher returns the container's sector cipher.
func (d *BlockDevice) Cipher() sector.Cipher {
	return d.header.Cipher
}

func (d *BlockDevice) Stats() Stats {
	return Stats{
		BytesRead:    d.bytesRead.Load(),
		BytesWritten: d.bytesWritten.Load(),
		AuthFailures: d.authFailures.Load(),
	}
}

func (d *BlockDevice) check(off int64, n int) error {
	if d.closed.Load() {
		return errs.New(errs.KindIO, errs.IOFailed, "device is closed")
	}
	if off < 0 || off+int64(n) > d.size {
		return errs.New(errs.KindCapacity, errs.OutOfRange,
			"access [%d, %d) outside device of %d bytes", off, off+int64(n), d.size)
	}
	return nil
}

func (d *BlockDevice) lock(index uint64) *sync.Mutex {
	return &d.stripes[index%lockStripes]
}

// ReadAt implements io.ReaderAt. Unwritten sectors read as zeros.
func (d *BlockDevice) ReadAt(p []byte, off int64) (int, error) {
	if err := d.check(off, len(p)); err != nil {
		return 0, err
	}

	slot := make([]byte, d.slotSize)
	plain := make([]byte, 0, d.sectorSize)
	done := 0
	for done < len(p) {
		pos := off + int64(done)
		index := uint64(pos / d.sectorSize)
		within := pos % d.sectorSize
		n := min(int(d.sectorSize-within), len(p)-done)

		mu := d.lock(index)
		mu.Lock()
		var err error
		plain, err = d.readSector(plain[:0], slot, index)
		mu.Unlock()
		if err != nil {
			return done, err
		}

		copy(p[done:done+n], plain[within:])
		done += n
	}
	d.bytesRead.Add(uint64(done))
	d.metrics.AddIO("read", done)
	return done, nil
}

// WriteAt implements io.WriterAt. Partial sectors are read, patched and
// re-encrypted.
func (d *BlockDevice) WriteAt(p []byte, off int64) (int, error) {
	if err := d.check(off, len(p)); err != nil {
		return 0, err
	}

	slot := make([]byte, d.slotSize)
	plain := make([]byte, 0, d.sectorSize)
	done := 0
	for done < len(p) {
		pos := off + int64(done)
		index := uint64(pos / d.sectorSize)
		within := pos % d.sectorSize
		n := min(int(d.sectorSize-within), len(p)-done)

		mu := d.lock(index)
		mu.Lock()
		err := d.patchSector(plain[:0], slot, index, within, p[done:done+n])
		mu.Unlock()
		if err != nil {
			return done, err
		}
		done += n
	}
	d.bytesWritten.Add(uint64(done))
	d.metrics.AddIO("write", done)
	return done, nil
}

func (d *BlockDevice) patchSector(plain, slot []byte, index uint64, within int64, data []byte) error {
	var err error
	if within == 0 && int64(len(data)) == d.sectorSize {
		plain = append(plain, data...)
	} else {
		plain, err = d.readSector(plain, slot, index)
		if err != nil {
			return err
		}
		copy(plain[within:], data)
	}

	out, err := sector.Encrypt(slot[:0], d.key.Bytes(), d.header.Cipher, index, plain)
	if err != nil {
		return err
	}
	if _, err := d.file.WriteAt(out, d.header.SlotOffset(index)); err != nil {
		return errs.Wrap(errs.KindIO, errs.IOFailed, err, "write sector %d", index)
	}
	return nil
}

// readSector appends the plaintext of sector index to dst, using slot as
// scratch space.
func (d *BlockDevice) readSector(dst, slot []byte, index uint64) ([]byte, error) {
	n, err := d.file.ReadAt(slot, d.header.SlotOffset(index))
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, errs.Wrap(errs.KindIO, errs.IOFailed, err, "read sector %d", index)
	}
	clear(slot[n:])

	if sector.IsUnwritten(slot) {
		return append(dst, make([]byte, d.sectorSize)...), nil
	}
	out, err := sector.Decrypt(dst, d.key.Bytes(), d.header.Cipher, index, slot)
	if err != nil {
		if errs.IsKind(err, errs.KindIntegrity) {
			d.authFailures.Inc()
			d.metrics.AuthFailure()
		}
		return nil, err
	}
	return out, nil
}

// Trim discards whole sectors inside the range. Partially covered sectors
// at either end are left untouched.
func (d *BlockDevice) Trim(off, length int64) error {
	if err := d.check(off, int(length)); err != nil {
		return err
	}
	first := (off + d.sectorSize - 1) / d.sectorSize
	end := (off + length) / d.sectorSize
	if off+length == d.size {
		end = int64(d.header.SectorCount())
	}

	zero := make([]byte, d.slotSize)
	for i := first; i < end; i++ {
		index := uint64(i)
		mu := d.lock(index)
		mu.Lock()
		_, err := d.file.WriteAt(zero, d.header.SlotOffset(index))
		mu.Unlock()
		if err != nil {
			return errs.Wrap(errs.KindIO, errs.IOFailed, err, "trim sector %d", index)
		}
	}
	return nil
}

// Flush syncs the container file.
func (d *BlockDevice) Flush() error {
	if d.closed.Load() {
		return errs.New(errs.KindIO, errs.IOFailed, "device is closed")
	}
	if err := d.file.Sync(); err != nil {
		return errs.Wrap(errs.KindIO, errs.IOFailed, err, "flush container")
	}
	return nil
}

// Close releases the file. The key is not touched.
func (d *BlockDevice) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	return d.file.Close()
}
