package config

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nace/ved/internal/errs"
	"github.com/nace/ved/internal/kdf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(New(), filepath.Join(t.TempDir(), "absent.yaml"), false)
	require.NoError(t, err)

	assert.Equal(t, DefaultSocket, cfg.Socket)
	assert.Equal(t, FacilityNBD, cfg.Facility)
	assert.True(t, cfg.NBD.Autoload)
	assert.Equal(t, uint32(4096), cfg.SectorSize)
	assert.Equal(t, 30*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, filepath.Join(DefaultStateDir, "mounts.yaml"), cfg.JournalPath())

	p, err := cfg.KDFParams()
	require.NoError(t, err)
	assert.Equal(t, kdf.DefaultParams(), p)
}

func TestLoad_ExplicitMissingFile(t *testing.T) {
	_, err := Load(New(), filepath.Join(t.TempDir(), "absent.yaml"), true)
	assert.Error(t, err)
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
facility: memory
sector_size: 512
kdf:
  algorithm: scrypt
  time: 14
  memory_kib: 8
  threads: 2
log:
  json: true
shutdown_timeout: 5s
`), 0600))
	t.Setenv("VED_SOCKET", "/tmp/ved-test.sock")
	t.Setenv("VED_NBD_AUTOLOAD", "false")

	cfg, err := Load(New(), path, true)
	require.NoError(t, err)
	assert.Equal(t, FacilityMemory, cfg.Facility)
	assert.Equal(t, "/tmp/ved-test.sock", cfg.Socket)
	assert.False(t, cfg.NBD.Autoload)
	assert.True(t, cfg.Log.JSON)
	assert.Equal(t, 5*time.Second, cfg.ShutdownTimeout)

	p, err := cfg.KDFParams()
	require.NoError(t, err)
	assert.Equal(t, kdf.Params{Algorithm: kdf.Scrypt, Time: 14, Memory: 8, Threads: 2}, p)
}

func TestKDFParams_ScryptDefaults(t *testing.T) {
	cfg := &Config{KDF: KDFConfig{Algorithm: "scrypt", Time: 3, MemoryKiB: 64 * 1024, Threads: 4}}
	p, err := cfg.KDFParams()
	require.NoError(t, err)
	assert.Equal(t, kdf.DefaultScryptParams(), p)
}

func TestValidate(t *testing.T) {
	v := New()
	v.Set("facility", "floppy")
	_, err := Load(v, "", false)
	assert.Equal(t, errs.InvalidParams, errs.CodeOf(err))

	v = New()
	v.Set("sector_size", 1000)
	_, err = Load(v, "", false)
	assert.Equal(t, errs.InvalidParams, errs.CodeOf(err))
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	log := newLogger(&buf, LogConfig{JSON: true, Service: "ved", UID: true})
	log.Debug("hidden")
	log.Info("hello", "letter", "P")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "hello", line["msg"])
	assert.Equal(t, "ved", line["service"])
	assert.Equal(t, "P", line["letter"])
	assert.NotEmpty(t, line["uid"])
}
