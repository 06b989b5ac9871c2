package cli

import (
	"fmt"

	"github.com/nace/ved/internal/settings"
	"github.com/spf13/cobra"
)

// DisksCommand manages the known disks list
type DisksCommand struct {
	ctx *GlobalContext
}

// NewDisksCommand creates the disks command and its subcommands
func NewDisksCommand(ctx *GlobalContext) *cobra.Command {
	cmd := &DisksCommand{ctx: ctx}

	cobraCmd := &cobra.Command{
		Use:   "disks",
		Short: "Manage the list of known containers",
		Long: `Known containers are remembered in a YAML file so front ends can offer
them for mounting. The list never affects what is mounted.`,
	}

	cobraCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List known containers",
		Args:  cobra.NoArgs,
		RunE:  cmd.List,
	})
	cobraCmd.AddCommand(&cobra.Command{
		Use:   "add <container-path>",
		Short: "Remember a container",
		Args:  cobra.ExactArgs(1),
		RunE:  cmd.Add,
	})
	cobraCmd.AddCommand(&cobra.Command{
		Use:   "remove <container-path>",
		Short: "Forget a container (the file is kept)",
		Args:  cobra.ExactArgs(1),
		RunE:  cmd.Remove,
	})

	return cobraCmd
}

// List prints the known disks without asking the daemon.
func (c *DisksCommand) List(cmd *cobra.Command, args []string) error {
	cfg, err := c.ctx.Config()
	if err != nil {
		return err
	}
	disks, err := c.ctx.Store(cfg).LoadKnownDisks()
	if err != nil {
		return err
	}
	printDisks(cmd, disks)
	return nil
}

// Add reads the container header and stores its path and size.
func (c *DisksCommand) Add(cmd *cobra.Command, args []string) error {
	cfg, err := c.ctx.Config()
	if err != nil {
		return err
	}
	manager, err := c.ctx.Containers(cfg)
	if err != nil {
		return err
	}

	disk, err := manager.Describe(args[0])
	if err != nil {
		return err
	}
	if err := settings.Add(c.ctx.Store(cfg), disk); err != nil {
		return err
	}
	c.ctx.Logger.Success("Remembered %s", disk.Path)
	return nil
}

// Remove forgets a container path.
func (c *DisksCommand) Remove(cmd *cobra.Command, args []string) error {
	cfg, err := c.ctx.Config()
	if err != nil {
		return err
	}
	path, err := absPath(args[0])
	if err != nil {
		return err
	}

	removed, err := settings.Remove(c.ctx.Store(cfg), path)
	if err != nil {
		return err
	}
	if !removed {
		return fmt.Errorf("not a known container: %s", path)
	}
	c.ctx.Logger.Success("Forgot %s", path)
	return nil
}
