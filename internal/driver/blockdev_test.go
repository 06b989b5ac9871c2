package driver

import (
	"bytes"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/nace/ved/internal/container"
	"github.com/nace/ved/internal/errs"
	"github.com/nace/ved/internal/kdf"
	"github.com/nace/ved/internal/sector"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newManager(t *testing.T) *container.Manager {
	t.Helper()
	m, err := container.NewManager(
		container.WithKDF(kdf.Params{Algorithm: kdf.Argon2id, Time: 1, Memory: 64, Threads: 1}),
		container.WithSectorSize(512),
		container.WithLogger(discardLogger()),
	)
	require.NoError(t, err)
	return m
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func createContainer(t *testing.T, m *container.Manager, size uint64, password string, c sector.Cipher) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "disk.ved")
	_, err := m.Create(path, size, []byte(password), c)
	require.NoError(t, err)
	return path
}

func openDevice(t *testing.T, c sector.Cipher, size uint64) (*BlockDevice, string) {
	t.Helper()
	m := newManager(t)
	path := createContainer(t, m, size, "pw", c)
	h, key, err := m.Unlock(path, []byte("pw"))
	require.NoError(t, err)
	t.Cleanup(key.Zeroize)

	dev, err := OpenBlockDevice(path, h, key, nil)
	require.NoError(t, err)
	t.Cleanup(func() { dev.Close() })
	return dev, path
}

func TestBlockDevice_UnwrittenReadsZero(t *testing.T) {
	dev, _ := openDevice(t, sector.AES256GCM, 4096)

	buf := bytes.Repeat([]byte{0xFF}, 1000)
	n, err := dev.ReadAt(buf, 100)
	require.NoError(t, err)
	assert.Equal(t, 1000, n)
	assert.Equal(t, make([]byte, 1000), buf)
}

func TestBlockDevice_PartialWrites(t *testing.T) {
	for _, c := range []sector.Cipher{sector.AES256GCM, sector.LegacyStream} {
		t.Run(c.String(), func(t *testing.T) {
			dev, _ := openDevice(t, c, 4096)

			// Spans the end of sector 0, all of sector 1 and the start of sector 2.
			data := bytes.Repeat([]byte("0123456789"), 80)
			n, err := dev.WriteAt(data, 300)
			require.NoError(t, err)
			assert.Equal(t, len(data), n)

			_, err = dev.WriteAt([]byte("XY"), 310)
			require.NoError(t, err)

			got := make([]byte, 4096)
			_, err = dev.ReadAt(got, 0)
			require.NoError(t, err)

			want := make([]byte, 4096)
			copy(want[300:], data)
			copy(want[310:], "XY")
			assert.Equal(t, want, got)

			stats := dev.Stats()
			assert.Equal(t, uint64(802), stats.BytesWritten)
			assert.Equal(t, uint64(4096), stats.BytesRead)
		})
	}
}

func TestBlockDevice_OutOfRange(t *testing.T) {
	dev, _ := openDevice(t, sector.AES256GCM, 1000)

	assert.Equal(t, int64(1000), dev.Size())
	assert.Equal(t, 512, dev.SectorSize())

	_, err := dev.ReadAt(make([]byte, 10), 995)
	assert.Equal(t, errs.OutOfRange, errs.CodeOf(err))
	assert.True(t, errs.IsKind(err, errs.KindCapacity))

	_, err = dev.WriteAt([]byte{1}, -1)
	assert.Equal(t, errs.OutOfRange, errs.CodeOf(err))

	// Last sector is only partially inside the device.
	_, err = dev.WriteAt([]byte("tail"), 996)
	require.NoError(t, err)
	got := make([]byte, 4)
	_, err = dev.ReadAt(got, 996)
	require.NoError(t, err)
	assert.Equal(t, []byte("tail"), got)
}

func TestBlockDevice_TamperDetected(t *testing.T) {
	dev, path := openDevice(t, sector.AES256GCM, 4096)

	_, err := dev.WriteAt(bytes.Repeat([]byte{7}, 512), 512)
	require.NoError(t, err)
	require.NoError(t, dev.Flush())

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	require.NoError(t, err)
	off := dev.header.SlotOffset(1) + 40
	b := make([]byte, 1)
	_, err = f.ReadAt(b, off)
	require.NoError(t, err)
	b[0] ^= 0x01
	_, err = f.WriteAt(b, off)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = dev.ReadAt(make([]byte, 512), 512)
	assert.ErrorIs(t, err, errs.ErrAuthFailed)
	assert.Equal(t, uint64(1), dev.Stats().AuthFailures)

	// Neighbouring sectors are unaffected.
	_, err = dev.ReadAt(make([]byte, 512), 0)
	assert.NoError(t, err)
}

func TestBlockDevice_Trim(t *testing.T) {
	dev, _ := openDevice(t, sector.AES256GCM, 2048)

	data := bytes.Repeat([]byte{9}, 2048)
	_, err := dev.WriteAt(data, 0)
	require.NoError(t, err)

	// Covers sector 1 fully and sector 2 partially.
	require.NoError(t, dev.Trim(512, 700))

	got := make([]byte, 2048)
	_, err = dev.ReadAt(got, 0)
	require.NoError(t, err)
	assert.Equal(t, data[:512], got[:512])
	assert.Equal(t, make([]byte, 512), got[512:1024])
	assert.Equal(t, data[1024:], got[1024:])
}

func TestBlockDevice_ConcurrentWriters(t *testing.T) {
	dev, _ := openDevice(t, sector.AES256GCM, 512)

	// 32 writers each own 16 bytes of the same sector.
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := dev.WriteAt(bytes.Repeat([]byte{byte(i + 1)}, 16), int64(i*16))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	got := make([]byte, 512)
	_, err := dev.ReadAt(got, 0)
	require.NoError(t, err)
	for i := 0; i < 32; i++ {
		assert.Equal(t, bytes.Repeat([]byte{byte(i + 1)}, 16), got[i*16:(i+1)*16])
	}
}

func TestBlockDevice_Closed(t *testing.T) {
	dev, _ := openDevice(t, sector.AES256GCM, 512)
	require.NoError(t, dev.Close())
	require.NoError(t, dev.Close())

	_, err := dev.ReadAt(make([]byte, 1), 0)
	assert.True(t, errs.IsKind(err, errs.KindIO))
	assert.Error(t, dev.Flush())
}

func TestOpenBlockDevice_Truncated(t *testing.T) {
	m := newManager(t)
	path := createContainer(t, m, 4096, "pw", sector.AES256GCM)
	h, key, err := m.Unlock(path, []byte("pw"))
	require.NoError(t, err)
	defer key.Zeroize()

	require.NoError(t, os.Truncate(path, container.HeaderSize+10))
	_, err = OpenBlockDevice(path, h, key, nil)
	assert.Equal(t, errs.Truncated, errs.CodeOf(err))
}

var _ BlockIO = (*BlockDevice)(nil)
