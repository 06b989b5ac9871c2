package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/nace/ved/internal/errs"
	"github.com/nace/ved/internal/registry"
	"github.com/nace/ved/internal/system"
	"github.com/nace/ved/internal/ui"
	"github.com/spf13/cobra"
)

// procMounts is read to find filesystems mounted from a ved device.
var procMounts = "/proc/mounts"

// UnmountCommand handles container unmounting
type UnmountCommand struct {
	ctx   *GlobalContext
	force bool
}

// NewUnmountCommand creates the unmount command
func NewUnmountCommand(ctx *GlobalContext) *cobra.Command {
	cmd := &UnmountCommand{ctx: ctx}

	cobraCmd := &cobra.Command{
		Use:   "unmount <drive-letter|container-path>",
		Short: "Unmount an encrypted container",
		Long: `Unmount the filesystem on a ved device, if any, then ask the daemon to
flush and detach the device and forget the key.`,
		Args: cobra.MaximumNArgs(1),
		RunE: cmd.Run,
	}

	cobraCmd.Flags().BoolVarP(&cmd.force, "force", "f", false, "Lazily unmount a busy filesystem (umount -l)")

	return cobraCmd
}

// Run executes the unmount command
func (c *UnmountCommand) Run(cmd *cobra.Command, args []string) error {
	cfg, err := c.ctx.Config()
	if err != nil {
		return err
	}

	var identifier string
	if len(args) > 0 {
		identifier = args[0]
	} else {
		identifier = ui.PromptString("Drive letter or container path")
	}

	client := c.ctx.Client(cfg)
	sessions, err := client.Sessions(cmd.Context())
	if err != nil {
		return err
	}
	rec, ok := findSession(sessions, identifier)
	if !ok {
		// Unmounting something that is not mounted is not a failure.
		c.ctx.Logger.Info("Nothing is mounted under %s", identifier)
		return nil
	}

	if mountPoint := findMountPoint(rec.Device); mountPoint != "" {
		if err := system.RequireRoot(); err != nil {
			return err
		}
		args := []string{mountPoint}
		if c.force {
			args = []string{"-l", mountPoint}
		}
		c.ctx.Logger.Info("Unmounting filesystem at %s...", mountPoint)
		if err := c.ctx.Executor.Run("umount", args...); err != nil {
			return fmt.Errorf("failed to unmount filesystem (try --force): %w", err)
		}
	}

	c.ctx.Logger.Info("Detaching %s: (%s)...", rec.Letter, rec.Device)
	if err := client.Unmount(cmd.Context(), rec.Letter); err != nil {
		if errs.IsKind(err, errs.KindNotMounted) {
			return nil
		}
		return err
	}

	c.ctx.Logger.Success("Container unmounted: %s", rec.Path)
	return nil
}

// findSession matches identifier as a drive letter or a container path.
func findSession(sessions []registry.Record, identifier string) (registry.Record, bool) {
	if letter, err := system.ParseDriveLetter(identifier); err == nil {
		for _, s := range sessions {
			if s.Letter == letter {
				return s, true
			}
		}
		return registry.Record{}, false
	}

	path, err := filepath.Abs(identifier)
	if err != nil {
		return registry.Record{}, false
	}
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		path = resolved
	}
	for _, s := range sessions {
		if s.Path == path {
			return s, true
		}
	}
	return registry.Record{}, false
}

// findMountPoint returns where device is mounted, or "".
func findMountPoint(device string) string {
	data, err := os.ReadFile(procMounts)
	if err != nil {
		return ""
	}
	return system.ParseProcMounts(string(data))[device].MountPoint
}
