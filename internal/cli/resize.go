package cli

import (
	"github.com/nace/ved/internal/system"
	"github.com/nace/ved/internal/ui"
	"github.com/spf13/cobra"
)

// ResizeCommand handles container resizing
type ResizeCommand struct {
	ctx           *GlobalContext
	size          uint64
	passwordStdin bool
}

// NewResizeCommand creates the resize command
func NewResizeCommand(ctx *GlobalContext) *cobra.Command {
	cmd := &ResizeCommand{ctx: ctx}

	cobraCmd := &cobra.Command{
		Use:   "resize <container-path> [new-size]",
		Short: "Grow an encrypted container",
		Long: `Grow the logical size of a container. Existing sectors are kept; the new
space reads as zeros. The container must be unmounted, and shrinking is
refused.

Grow the filesystem inside afterwards (e.g., resize2fs) once it is mounted.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: cmd.Run,
	}

	cobraCmd.Flags().VarP(newSizeValue(&cmd.size), "size", "s", "New disk size (e.g., 20G, 500M)")
	cobraCmd.Flags().BoolVar(&cmd.passwordStdin, "password-stdin", false, "Read password from stdin (for automation)")

	return cobraCmd
}

// Run executes the resize command
func (c *ResizeCommand) Run(cmd *cobra.Command, args []string) error {
	cfg, err := c.ctx.Config()
	if err != nil {
		return err
	}

	containerPath, err := system.ResolveContainerPath(args[0])
	if err != nil {
		return err
	}

	size := newSizeValue(&c.size)
	if len(args) > 1 {
		if err := size.Set(args[1]); err != nil {
			return err
		}
	}
	if c.size == 0 {
		if err := size.Set(ui.PromptString("New disk size (e.g., 20G, 500M)")); err != nil {
			return err
		}
	}

	manager, err := c.ctx.Containers(cfg)
	if err != nil {
		return err
	}

	password, err := c.ctx.ReadPassword("Enter passphrase", c.passwordStdin, false)
	if err != nil {
		return err
	}
	defer password.Zeroize()

	c.ctx.Logger.Info("Resizing encrypted container: %s", containerPath)
	h, err := manager.Resize(containerPath, password.Bytes(), c.size)
	if err != nil {
		return err
	}

	c.ctx.Logger.Success("Container resized to %s", system.FormatSize(h.PayloadSize))
	return nil
}
