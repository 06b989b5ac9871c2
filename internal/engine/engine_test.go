package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/nace/ved/internal/container"
	"github.com/nace/ved/internal/driver"
	"github.com/nace/ved/internal/errs"
	"github.com/nace/ved/internal/kdf"
	"github.com/nace/ved/internal/sector"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEngine(t *testing.T) (*Engine, *driver.MemoryFacility) {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	containers, err := container.NewManager(
		container.WithKDF(kdf.Params{Algorithm: kdf.Argon2id, Time: 1, Memory: 64, Threads: 1}),
		container.WithLogger(log),
	)
	require.NoError(t, err)

	facility := driver.NewMemoryFacility()
	e, err := New(Config{Facility: facility, Containers: containers, Log: log})
	require.NoError(t, err)
	t.Cleanup(func() { e.Shutdown(context.Background()) })
	return e, facility
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

var ciphers = []sector.Cipher{sector.AES256GCM, sector.LegacyStream}

func TestEngine_RoundTrip(t *testing.T) {
	for _, c := range ciphers {
		t.Run(c.String(), func(t *testing.T) {
			e, facility := newEngine(t)
			path := filepath.Join(t.TempDir(), "secret.ved")

			require.NoError(t, e.CreateDiskFile(path, 10<<20, []byte("abc123"), c))
			require.NoError(t, e.Mount(path, []byte("abc123"), "P"))

			dev, ok := facility.Open("P")
			require.True(t, ok)
			data := bytes.Repeat([]byte{0xA5, 0x5A}, 8192)
			_, err := dev.WriteAt(data, 5<<20)
			require.NoError(t, err)

			disks := e.MountedDisks()
			require.Len(t, disks, 1)
			assert.Equal(t, "P", disks[0].DriveLetter)
			assert.True(t, disks[0].IsMounted)
			assert.Equal(t, uint64(10<<20), disks[0].SizeBytes)

			require.NoError(t, e.Unmount("P"))
			assert.Empty(t, e.MountedDisks())

			require.NoError(t, e.Mount(path, []byte("abc123"), "P"))
			dev, ok = facility.Open("P")
			require.True(t, ok)
			got := make([]byte, len(data))
			_, err = dev.ReadAt(got, 5<<20)
			require.NoError(t, err)
			assert.Equal(t, data, got)
		})
	}
}

func TestEngine_WrongPassword(t *testing.T) {
	for _, c := range ciphers {
		t.Run(c.String(), func(t *testing.T) {
			e, facility := newEngine(t)
			path := filepath.Join(t.TempDir(), "secret.ved")
			require.NoError(t, e.CreateDiskFile(path, 1<<20, []byte("abc123"), c))

			err := e.Mount(path, []byte("abc124"), "P")
			assert.ErrorIs(t, err, errs.ErrWrongPassword)
			assert.Empty(t, e.Sessions())
			assert.Empty(t, e.MountedDisks())
			assert.Equal(t, 0, facility.Attached())

			err = e.Mount(path, nil, "P")
			assert.Equal(t, errs.EmptyPassword, errs.CodeOf(err))

			// The right password still works afterwards.
			require.NoError(t, e.Mount(path, []byte("abc123"), "P"))
		})
	}
}

func TestEngine_FirstSectorSurvivesRemount(t *testing.T) {
	for _, c := range ciphers {
		t.Run(c.String(), func(t *testing.T) {
			e, facility := newEngine(t)
			path := filepath.Join(t.TempDir(), "disk.ved")
			require.NoError(t, e.CreateDiskFile(path, 10<<20, []byte("abc123"), c))

			require.NoError(t, e.Mount(path, []byte("abc123"), "P"))
			dev, ok := facility.Open("P")
			require.True(t, ok)
			want := bytes.Repeat([]byte{0xAA}, 512)
			_, err := dev.WriteAt(want, 0)
			require.NoError(t, err)
			require.NoError(t, e.Unmount("P"))

			require.NoError(t, e.Mount(path, []byte("abc123"), "P"))
			dev, ok = facility.Open("P")
			require.True(t, ok)
			got := make([]byte, 512)
			_, err = dev.ReadAt(got, 0)
			require.NoError(t, err)
			assert.Equal(t, want, got)
			require.NoError(t, e.Unmount("P"))

			err = e.Mount(path, []byte("wrong"), "P")
			assert.ErrorIs(t, err, errs.ErrWrongPassword)
			assert.Empty(t, e.MountedDisks())
			assert.Empty(t, e.Sessions())
		})
	}
}

func TestEngine_PasswordIsWiped(t *testing.T) {
	e, _ := newEngine(t)
	path := filepath.Join(t.TempDir(), "secret.ved")
	password := []byte("abc123")

	require.NoError(t, e.CreateDiskFile(path, 1<<20, password, sector.AES256GCM))
	assert.Equal(t, make([]byte, 6), password)
}

func TestEngine_ConcurrentMountUniqueness(t *testing.T) {
	e, facility := newEngine(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "shared.ved")
	require.NoError(t, e.CreateDiskFile(path, 1<<20, []byte("pw"), sector.AES256GCM))

	letters := []string{"D", "E", "F", "G", "H", "I"}
	var wg sync.WaitGroup
	results := make(chan error, len(letters))
	for _, l := range letters {
		wg.Add(1)
		go func(l string) {
			defer wg.Done()
			results <- e.Mount(path, []byte("pw"), l)
		}(l)
	}
	wg.Wait()
	close(results)

	var ok, already int
	for err := range results {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, errs.ErrAlreadyMounted):
			already++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, len(letters)-1, already)
	assert.Equal(t, 1, facility.Attached())
	assert.Len(t, e.MountedDisks(), 1)
}

func TestEngine_UnmountIdempotence(t *testing.T) {
	e, facility := newEngine(t)
	path := filepath.Join(t.TempDir(), "secret.ved")
	require.NoError(t, e.CreateDiskFile(path, 1<<20, []byte("pw"), sector.AES256GCM))
	require.NoError(t, e.Mount(path, []byte("pw"), "P"))

	require.NoError(t, e.Unmount("P"))
	assert.ErrorIs(t, e.Unmount("P"), errs.ErrNotMounted)
	assert.Equal(t, 1, facility.DetachCalls())
}

func tamper(t *testing.T, path string, off int64) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	require.NoError(t, err)
	defer f.Close()

	b := make([]byte, 1)
	_, err = f.ReadAt(b, off)
	require.NoError(t, err)
	b[0] ^= 0x80
	_, err = f.WriteAt(b, off)
	require.NoError(t, err)
}

func TestEngine_TamperDetection(t *testing.T) {
	tests := []struct {
		cipher   sector.Cipher
		detected bool
	}{
		{sector.AES256GCM, true},
		{sector.LegacyStream, false},
	}
	for _, tt := range tests {
		t.Run(tt.cipher.String(), func(t *testing.T) {
			e, facility := newEngine(t)
			path := filepath.Join(t.TempDir(), "secret.ved")
			require.NoError(t, e.CreateDiskFile(path, 64<<10, []byte("pw"), tt.cipher))
			require.NoError(t, e.Mount(path, []byte("pw"), "T"))

			dev, _ := facility.Open("T")
			data := bytes.Repeat([]byte{0x33}, 4096)
			_, err := dev.WriteAt(data, 4096)
			require.NoError(t, err)
			require.NoError(t, e.Unmount("T"))

			h, err := container.ReadHeaderFrom(mustOpen(t, path))
			require.NoError(t, err)
			tamper(t, path, h.SlotOffset(1)+100)

			require.NoError(t, e.Mount(path, []byte("pw"), "T"))
			dev, _ = facility.Open("T")
			got := make([]byte, 4096)
			_, err = dev.ReadAt(got, 4096)
			if tt.detected {
				assert.True(t, errs.IsKind(err, errs.KindIntegrity))
				assert.Equal(t, errs.AuthFailed, errs.CodeOf(err))
			} else {
				require.NoError(t, err)
				assert.NotEqual(t, data, got)
			}
		})
	}
}

func mustOpen(t *testing.T, path string) *os.File {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	return f
}

func TestEngine_GetMountedDisks(t *testing.T) {
	e, _ := newEngine(t)
	data, err := e.GetMountedDisks()
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, string(data))

	path := filepath.Join(t.TempDir(), "secret.ved")
	require.NoError(t, e.CreateDiskFile(path, 1<<20, []byte("pw"), sector.AES256GCM))
	require.NoError(t, e.Mount(path, []byte("pw"), "k"))

	data, err = e.GetMountedDisks()
	require.NoError(t, err)
	var disks []map[string]any
	require.NoError(t, json.Unmarshal(data, &disks))
	require.Len(t, disks, 1)
	assert.Equal(t, path, disks[0]["path"])
	assert.Equal(t, float64(1<<20), disks[0]["sizeBytes"])
	assert.Equal(t, true, disks[0]["isMounted"])
	assert.Equal(t, "K", disks[0]["driveLetter"])
}

type staticStore []container.VirtualDisk

func (s staticStore) LoadKnownDisks() ([]container.VirtualDisk, error) {
	return s, nil
}

func TestEngine_KnownDisks(t *testing.T) {
	e, _ := newEngine(t)
	dir := t.TempDir()
	a := filepath.Join(dir, "a.ved")
	b := filepath.Join(dir, "b.ved")
	c := filepath.Join(dir, "c.ved")
	for _, p := range []string{a, b, c} {
		require.NoError(t, e.CreateDiskFile(p, 1<<20, []byte("pw"), sector.AES256GCM))
	}
	require.NoError(t, e.Mount(a, []byte("pw"), "A"))
	require.NoError(t, e.Mount(c, []byte("pw"), "C"))

	store := staticStore{
		{Path: a, SizeBytes: 1 << 20},
		{Path: b, SizeBytes: 1 << 20, IsMounted: true, DriveLetter: "B"},
	}
	disks, err := e.KnownDisks(store)
	require.NoError(t, err)
	require.Len(t, disks, 3)
	assert.Equal(t, container.VirtualDisk{Path: a, SizeBytes: 1 << 20, IsMounted: true, DriveLetter: "A"}, disks[0])
	assert.Equal(t, container.VirtualDisk{Path: b, SizeBytes: 1 << 20}, disks[1])
	assert.Equal(t, c, disks[2].Path)
	assert.True(t, disks[2].IsMounted)
}

func TestEngine_ShutdownUnmountsAll(t *testing.T) {
	e, facility := newEngine(t)
	dir := t.TempDir()
	for i, l := range []string{"X", "Y"} {
		p := filepath.Join(dir, l+".ved")
		require.NoError(t, e.CreateDiskFile(p, 1<<20, []byte("pw"), sector.AES256GCM), i)
		require.NoError(t, e.Mount(p, []byte("pw"), l))
	}

	require.NoError(t, e.Shutdown(context.Background()))
	assert.Empty(t, e.Sessions())
	assert.Equal(t, 0, facility.Attached())
	assert.Equal(t, "memory", e.FacilityName())
}
