package cli

import (
	"github.com/nace/ved/internal/container"
	"github.com/nace/ved/internal/sector"
	"github.com/nace/ved/internal/settings"
	"github.com/nace/ved/internal/system"
	"github.com/nace/ved/internal/ui"
	"github.com/spf13/cobra"
)

// CreateCommand handles container creation
type CreateCommand struct {
	ctx           *GlobalContext
	size          uint64
	cipher        sector.Cipher
	remember      bool
	passwordStdin bool
}

// NewCreateCommand creates the create command
func NewCreateCommand(ctx *GlobalContext) *cobra.Command {
	cmd := &CreateCommand{ctx: ctx}

	cobraCmd := &cobra.Command{
		Use:   "create <container-path>",
		Short: "Create a new encrypted container",
		Long: `Create a new encrypted container file of the given logical size.

The file holds a 4 KiB header followed by one encrypted slot per sector.
Sectors are authenticated with AES-256-GCM unless --cipher legacy is given.`,
		Args: cobra.MaximumNArgs(1),
		RunE: cmd.Run,
	}

	cobraCmd.Flags().VarP(newSizeValue(&cmd.size), "size", "s", "Logical disk size (e.g., 1G, 100M)")
	cobraCmd.Flags().VarP(newCipherValue(&cmd.cipher, sector.AES256GCM), "cipher", "c", "Sector cipher (aes, legacy)")
	cobraCmd.Flags().BoolVar(&cmd.remember, "remember", false, "Add the container to the known disks list")
	cobraCmd.Flags().BoolVar(&cmd.passwordStdin, "password-stdin", false, "Read password from stdin (for automation)")

	return cobraCmd
}

// Run executes the create command
func (c *CreateCommand) Run(cmd *cobra.Command, args []string) error {
	cfg, err := c.ctx.Config()
	if err != nil {
		return err
	}

	containerPath, err := pathArg(args, "Container file path")
	if err != nil {
		return err
	}

	if c.size == 0 {
		if err := newSizeValue(&c.size).Set(ui.PromptString("Disk size (e.g., 1G, 10G)")); err != nil {
			return err
		}
	}

	manager, err := c.ctx.Containers(cfg)
	if err != nil {
		return err
	}

	password, err := c.ctx.ReadPassword("Enter passphrase", c.passwordStdin, true)
	if err != nil {
		return err
	}
	defer password.Zeroize()

	c.ctx.Logger.Info("Creating %s %s container: %s", system.FormatSize(c.size), c.cipher, containerPath)
	if c.cipher == sector.LegacyStream {
		c.ctx.Logger.Warning("The legacy cipher cannot detect tampering or corruption")
	}

	h, err := manager.Create(containerPath, c.size, password.Bytes(), c.cipher)
	if err != nil {
		return err
	}

	if c.remember {
		disk := container.VirtualDisk{Path: containerPath, SizeBytes: h.PayloadSize}
		if err := settings.Add(c.ctx.Store(cfg), disk); err != nil {
			c.ctx.Logger.Warning("Could not remember container: %v", err)
		}
	}

	c.ctx.Logger.Success("Container created successfully: %s", containerPath)
	c.ctx.Logger.Info("Size: %s, on disk: %s", system.FormatSize(h.PayloadSize), system.FormatSize(uint64(h.PhysicalSize())))
	return nil
}
