package settings

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/nace/ved/internal/container"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStore_MissingIsEmpty(t *testing.T) {
	s := NewFileStore(filepath.Join(t.TempDir(), "disks.yaml"))
	disks, err := s.LoadKnownDisks()
	require.NoError(t, err)
	assert.Empty(t, disks)
	assert.NotNil(t, disks)
}

func TestFileStore_SaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "disks.yaml")
	s := NewFileStore(path)

	in := []container.VirtualDisk{
		{Path: "/data/a.ved", SizeBytes: 1 << 20, IsMounted: true, DriveLetter: "P"},
		{Path: "/data/b.ved", SizeBytes: 2 << 20},
	}
	require.NoError(t, s.SaveKnownDisks(in))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "isMounted")

	out, err := s.LoadKnownDisks()
	require.NoError(t, err)
	assert.Equal(t, []container.VirtualDisk{
		{Path: "/data/a.ved", SizeBytes: 1 << 20},
		{Path: "/data/b.ved", SizeBytes: 2 << 20},
	}, out)
}

func TestAddRemove(t *testing.T) {
	s := NewFileStore(filepath.Join(t.TempDir(), "disks.yaml"))

	require.NoError(t, Add(s, container.VirtualDisk{Path: "/data/b.ved", SizeBytes: 1}))
	require.NoError(t, Add(s, container.VirtualDisk{Path: "/data/a.ved", SizeBytes: 1}))
	require.NoError(t, Add(s, container.VirtualDisk{Path: "/data/b.ved", SizeBytes: 2}))

	disks, err := s.LoadKnownDisks()
	require.NoError(t, err)
	require.Len(t, disks, 2)
	assert.Equal(t, "/data/a.ved", disks[0].Path)
	assert.Equal(t, uint64(2), disks[1].SizeBytes)

	removed, err := Remove(s, "/data/a.ved")
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = Remove(s, "/data/zzz.ved")
	require.NoError(t, err)
	assert.False(t, removed)

	disks, err = s.LoadKnownDisks()
	require.NoError(t, err)
	assert.Len(t, disks, 1)
}

func TestFileStore_Corrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disks.yaml")
	require.NoError(t, os.WriteFile(path, []byte("disks: [unterminated"), 0600))
	_, err := NewFileStore(path).LoadKnownDisks()
	assert.Error(t, err)
}
