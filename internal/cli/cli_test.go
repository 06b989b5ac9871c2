package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nace/ved/internal/config"
	"github.com/nace/ved/internal/container"
	"github.com/nace/ved/internal/errs"
	"github.com/nace/ved/internal/registry"
	"github.com/nace/ved/internal/sector"
	"github.com/nace/ved/internal/system"
	"github.com/nace/ved/internal/ui"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCipherValue(t *testing.T) {
	var c sector.Cipher
	v := newCipherValue(&c, sector.AES256GCM)
	assert.Equal(t, "aes-256-gcm", v.String())

	require.NoError(t, v.Set("legacy"))
	assert.Equal(t, sector.LegacyStream, c)

	err := v.Set("rot13")
	assert.Equal(t, errs.UnknownCipher, errs.CodeOf(err))
	assert.Equal(t, sector.LegacyStream, c)
}

func TestSizeValue(t *testing.T) {
	var n uint64
	v := newSizeValue(&n)
	assert.Equal(t, "", v.String())

	require.NoError(t, v.Set("10M"))
	assert.Equal(t, uint64(10<<20), n)
	assert.Equal(t, "10.0 MB", v.String())
	assert.Error(t, v.Set("ten"))
}

func TestFreeLetter(t *testing.T) {
	l, err := freeLetter(nil)
	require.NoError(t, err)
	assert.Equal(t, "A", l)

	l, err = freeLetter([]registry.Record{{Letter: "A"}, {Letter: "C"}})
	require.NoError(t, err)
	assert.Equal(t, "B", l)

	all := make([]registry.Record, 0, 26)
	for c := 'A'; c <= 'Z'; c++ {
		all = append(all, registry.Record{Letter: string(c)})
	}
	_, err = freeLetter(all)
	assert.Error(t, err)
}

func TestFindSession(t *testing.T) {
	dir := t.TempDir()
	sessions := []registry.Record{
		{Letter: "P", Path: filepath.Join(dir, "a.ved")},
		{Letter: "Q", Path: filepath.Join(dir, "b.ved")},
	}

	rec, ok := findSession(sessions, "p:")
	require.True(t, ok)
	assert.Equal(t, "P", rec.Letter)

	rec, ok = findSession(sessions, filepath.Join(dir, "b.ved"))
	require.True(t, ok)
	assert.Equal(t, "Q", rec.Letter)

	_, ok = findSession(sessions, "R")
	assert.False(t, ok)
	_, ok = findSession(sessions, filepath.Join(dir, "c.ved"))
	assert.False(t, ok)
}

type harness struct {
	t   *testing.T
	ctx *GlobalContext
}

// startDaemon runs "serve" with the memory facility until the test ends.
func startDaemon(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	procMounts = filepath.Join(dir, "mounts")

	v := config.New()
	v.Set("socket", filepath.Join(dir, "ved.sock"))
	v.Set("state_dir", filepath.Join(dir, "state"))
	v.Set("settings_file", filepath.Join(dir, "disks.yaml"))
	v.Set("facility", config.FacilityMemory)
	v.Set("kdf.time", 1)
	v.Set("kdf.memory_kib", 64)
	v.Set("kdf.threads", 1)
	v.Set("sector_size", 512)
	v.Set("shutdown_timeout", 5*time.Second)

	gctx := &GlobalContext{
		Viper:    v,
		Executor: system.NewExecutor(nil),
		Logger:   ui.NewLoggerTo(io.Discard, false, true, true),
		Log:      config.NewLogger(config.LogConfig{}),
	}
	gctx.Log = gctx.Log.With("test", t.Name())

	runCtx, cancel := context.WithCancel(context.Background())
	serve := &ServeCommand{ctx: gctx, ready: make(chan struct{})}
	done := make(chan error, 1)
	go func() { done <- serve.serve(runCtx) }()

	select {
	case <-serve.ready:
	case err := <-done:
		cancel()
		t.Fatalf("daemon exited: %v", err)
	case <-time.After(10 * time.Second):
		cancel()
		t.Fatal("daemon did not start")
	}
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
	})
	return &harness{t: t, ctx: gctx}
}

// run executes a command with stdin and returns its stdout.
func (h *harness) run(newCmd func(*GlobalContext) *cobra.Command, stdin string, args ...string) (string, error) {
	h.t.Helper()
	h.ctx.Stdin = strings.NewReader(stdin)
	h.ctx.stdin = nil

	var out bytes.Buffer
	cmd := newCmd(h.ctx)
	cmd.SetArgs(args)
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SilenceUsage = true
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCLI_EndToEnd(t *testing.T) {
	h := startDaemon(t)
	path := filepath.Join(t.TempDir(), "disk.ved")

	_, err := h.run(NewCreateCommand, "secret\n", path, "--size", "1M", "--password-stdin", "--remember")
	require.NoError(t, err)

	out, err := h.run(NewInfoCommand, "", path, "--json")
	require.NoError(t, err)
	var info container.Info
	require.NoError(t, json.Unmarshal([]byte(out), &info))
	assert.Equal(t, "aes-256-gcm", info.Cipher)
	assert.Equal(t, uint64(1<<20), info.SizeBytes)
	assert.Equal(t, uint32(512), info.SectorSize)

	_, err = h.run(NewMountCommand, "wrong\n", path, "--password-stdin")
	assert.ErrorIs(t, err, errs.ErrWrongPassword)

	out, err = h.run(NewMountCommand, "secret\n", path, "--password-stdin")
	require.NoError(t, err)
	assert.Equal(t, "mem:A\n", out)

	out, err = h.run(NewListCommand, "", "--json")
	require.NoError(t, err)
	var disks []container.VirtualDisk
	require.NoError(t, json.Unmarshal([]byte(out), &disks))
	assert.Equal(t, []container.VirtualDisk{{Path: path, SizeBytes: 1 << 20, IsMounted: true, DriveLetter: "A"}}, disks)

	out, err = h.run(NewListCommand, "")
	require.NoError(t, err)
	assert.Contains(t, out, "A:")
	assert.Contains(t, out, path)

	out, err = h.run(NewListCommand, "", "--stats")
	require.NoError(t, err)
	assert.Contains(t, out, "AUTH FAILURES")
	assert.Contains(t, out, "0 B")

	_, err = h.run(NewResizeCommand, "secret\n", path, "2M", "--password-stdin")
	assert.Equal(t, errs.Busy, errs.CodeOf(err))

	_, err = h.run(NewUnmountCommand, "", "a")
	require.NoError(t, err)
	_, err = h.run(NewUnmountCommand, "", path)
	require.NoError(t, err)

	out, err = h.run(NewListCommand, "")
	require.NoError(t, err)
	assert.Equal(t, "No mounted containers found\n", out)

	_, err = h.run(NewResizeCommand, "secret\n", path, "--size", "2M", "--password-stdin")
	require.NoError(t, err)

	_, err = h.run(NewPasswordCommand, "secret\nrotated\n", path, "--password-stdin")
	require.NoError(t, err)

	_, err = h.run(NewMountCommand, "secret\n", path, "P", "--password-stdin")
	assert.ErrorIs(t, err, errs.ErrWrongPassword)

	out, err = h.run(NewMountCommand, "rotated\n", path, "P", "--password-stdin")
	require.NoError(t, err)
	assert.Equal(t, "mem:P\n", out)

	out, err = h.run(NewListCommand, "", "--all", "--json")
	require.NoError(t, err)
	disks = nil
	require.NoError(t, json.Unmarshal([]byte(out), &disks))
	assert.Equal(t, []container.VirtualDisk{{Path: path, SizeBytes: 2 << 20, IsMounted: true, DriveLetter: "P"}}, disks)
}

func TestCLI_MountFlagValidation(t *testing.T) {
	h := startDaemon(t)

	_, err := h.run(NewMountCommand, "pw\n", "/tmp/x.ved", "--mkfs", "ext4")
	assert.ErrorContains(t, err, "--mkfs requires --mount-point")

	_, err = h.run(NewMountCommand, "pw\n", filepath.Join(t.TempDir(), "missing.ved"), "--password-stdin")
	assert.True(t, errs.IsKind(err, errs.KindIO))
}

func TestCLI_Disks(t *testing.T) {
	h := startDaemon(t)
	dir := t.TempDir()
	a := filepath.Join(dir, "a.ved")
	b := filepath.Join(dir, "b.ved")

	_, err := h.run(NewCreateCommand, "pw\n", a, "-s", "64K", "--password-stdin", "-c", "legacy")
	require.NoError(t, err)
	_, err = h.run(NewCreateCommand, "pw\n", b, "-s", "128K", "--password-stdin")
	require.NoError(t, err)

	out, err := h.run(NewDisksCommand, "", "list")
	require.NoError(t, err)
	assert.Equal(t, "No known containers\n", out)

	_, err = h.run(NewDisksCommand, "", "add", b)
	require.NoError(t, err)
	_, err = h.run(NewDisksCommand, "", "add", a)
	require.NoError(t, err)

	out, err = h.run(NewDisksCommand, "", "list")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[1], a)
	assert.Contains(t, lines[1], "unmounted")
	assert.Contains(t, lines[2], b)

	_, err = h.run(NewDisksCommand, "", "remove", a)
	require.NoError(t, err)
	_, err = h.run(NewDisksCommand, "", "remove", a)
	assert.ErrorContains(t, err, "not a known container")

	_, err = h.run(NewDisksCommand, "", "add", filepath.Join(dir, "missing.ved"))
	assert.Error(t, err)
}

func TestServe_SecondDaemonRefused(t *testing.T) {
	h := startDaemon(t)

	second := &ServeCommand{ctx: &GlobalContext{
		Viper:    h.ctx.Viper,
		Executor: h.ctx.Executor,
		Logger:   h.ctx.Logger,
		Log:      h.ctx.Log,
	}}
	err := second.serve(context.Background())
	assert.ErrorContains(t, err, "another ved daemon is running")
}
