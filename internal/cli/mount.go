package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/nace/ved/internal/registry"
	"github.com/nace/ved/internal/system"
	"github.com/spf13/cobra"
)

// MountCommand handles container mounting
type MountCommand struct {
	ctx           *GlobalContext
	letter        string
	mountPoint    string
	mkfs          string
	readonly      bool
	passwordStdin bool
}

// NewMountCommand creates the mount command
func NewMountCommand(ctx *GlobalContext) *cobra.Command {
	cmd := &MountCommand{ctx: ctx}

	cobraCmd := &cobra.Command{
		Use:   "mount <container-path> [drive-letter]",
		Short: "Mount an encrypted container",
		Long: `Ask the ved daemon to unlock a container and expose it as a block device
under a drive letter (A is /dev/nbd0). Without a letter the first free one
is used.

With --mount-point the device's filesystem is also mounted; --mkfs creates
that filesystem first.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: cmd.Run,
	}

	cobraCmd.Flags().StringVarP(&cmd.letter, "letter", "l", "", "Drive letter (A-Z)")
	cobraCmd.Flags().StringVarP(&cmd.mountPoint, "mount-point", "m", "", "Mount the device's filesystem here")
	cobraCmd.Flags().StringVar(&cmd.mkfs, "mkfs", "", "Create a filesystem first (ext4, xfs, btrfs)")
	cobraCmd.Flags().BoolVarP(&cmd.readonly, "readonly", "r", false, "Mount the filesystem read-only")
	cobraCmd.Flags().BoolVar(&cmd.passwordStdin, "password-stdin", false, "Read password from stdin (for automation)")

	return cobraCmd
}

// Run executes the mount command
func (c *MountCommand) Run(cmd *cobra.Command, args []string) error {
	cfg, err := c.ctx.Config()
	if err != nil {
		return err
	}

	containerPath, err := absPath(args[0])
	if err != nil {
		return err
	}
	if len(args) > 1 {
		c.letter = args[1]
	}

	if c.mkfs != "" && c.mountPoint == "" {
		return fmt.Errorf("--mkfs requires --mount-point")
	}
	if c.mountPoint != "" {
		if err := system.RequireRoot(); err != nil {
			return err
		}
		deps := []string{"mount", "umount"}
		if c.mkfs != "" {
			if c.mkfs != "ext4" && c.mkfs != "xfs" && c.mkfs != "btrfs" {
				return fmt.Errorf("unsupported filesystem: %s (use ext4, xfs, or btrfs)", c.mkfs)
			}
			deps = append(deps, "mkfs."+c.mkfs)
		}
		if err := c.ctx.CheckDependencies(deps...); err != nil {
			return err
		}
		if c.mountPoint, err = filepath.Abs(c.mountPoint); err != nil {
			return fmt.Errorf("invalid mount point: %w", err)
		}
	}

	client := c.ctx.Client(cfg)
	if c.letter == "" {
		sessions, err := client.Sessions(cmd.Context())
		if err != nil {
			return err
		}
		if c.letter, err = freeLetter(sessions); err != nil {
			return err
		}
		c.ctx.Logger.Debug("Using free drive letter %s", c.letter)
	}

	password, err := c.ctx.ReadPassword("Enter passphrase", c.passwordStdin, false)
	if err != nil {
		return err
	}

	c.ctx.Logger.Info("Unlocking %s...", containerPath)
	rec, err := client.Mount(cmd.Context(), containerPath, password.Bytes(), c.letter)
	password.Zeroize()
	if err != nil {
		return err
	}

	cleanup := system.NewCleanupStack()
	defer func() {
		if err := cleanup.Execute(); err != nil {
			c.ctx.Logger.Warning("Cleanup errors occurred: %v", err)
		}
	}()
	cleanup.Add(func() error {
		return client.Unmount(cmd.Context(), rec.Letter)
	})

	if c.mkfs != "" {
		c.ctx.Logger.Info("Creating %s filesystem on %s...", c.mkfs, rec.Device)
		if err := c.ctx.Executor.Run("mkfs."+c.mkfs, rec.Device); err != nil {
			return err
		}
	}

	if c.mountPoint != "" {
		if err := os.MkdirAll(c.mountPoint, 0755); err != nil {
			return fmt.Errorf("failed to create mount point: %w", err)
		}
		mountArgs := []string{rec.Device, c.mountPoint}
		if c.readonly {
			mountArgs = append([]string{"-o", "ro"}, mountArgs...)
		}
		c.ctx.Logger.Info("Mounting filesystem...")
		if err := c.ctx.Executor.Run("mount", mountArgs...); err != nil {
			return err
		}
	}

	cleanup.Clear()

	c.ctx.Logger.Success("Container mounted as %s: (%s)", rec.Letter, rec.Device)
	if c.mountPoint != "" {
		c.ctx.Logger.Info("Filesystem mounted at: %s", c.mountPoint)
	}
	fmt.Fprintln(cmd.OutOrStdout(), rec.Device)
	return nil
}

// freeLetter returns the first drive letter no session uses.
func freeLetter(sessions []registry.Record) (string, error) {
	used := make(map[string]bool, len(sessions))
	for _, s := range sessions {
		used[s.Letter] = true
	}
	for l := 'A'; l <= 'Z'; l++ {
		if !used[string(l)] {
			return string(l), nil
		}
	}
	return "", fmt.Errorf("all drive letters are in use")
}
