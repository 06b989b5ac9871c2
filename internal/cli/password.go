package cli

import (
	"github.com/nace/ved/internal/system"
	"github.com/spf13/cobra"
)

// PasswordCommand handles changing a container passphrase
type PasswordCommand struct {
	ctx           *GlobalContext
	passwordStdin bool
}

// NewPasswordCommand creates a new password command
func NewPasswordCommand(ctx *GlobalContext) *cobra.Command {
	cmd := &PasswordCommand{ctx: ctx}

	cobraCmd := &cobra.Command{
		Use:   "password <container-path>",
		Short: "Change a container passphrase",
		Long: `Change the passphrase of a container. Every written sector is re-encrypted
under a new key into a temporary file that replaces the container once
complete, so an interrupted change leaves the old container usable.

The container must be unmounted before changing credentials.
With --password-stdin the current and new passphrases are read as two lines.`,
		Args: cobra.ExactArgs(1),
		RunE: cmd.Run,
	}

	cobraCmd.Flags().BoolVar(&cmd.passwordStdin, "password-stdin", false,
		"Read passphrases from stdin (for automation)")

	return cobraCmd
}

// Run executes the password command
func (c *PasswordCommand) Run(cmd *cobra.Command, args []string) error {
	cfg, err := c.ctx.Config()
	if err != nil {
		return err
	}

	containerPath, err := system.ResolveContainerPath(args[0])
	if err != nil {
		return err
	}

	manager, err := c.ctx.Containers(cfg)
	if err != nil {
		return err
	}

	oldPassword, err := c.ctx.ReadPassword("Current passphrase", c.passwordStdin, false)
	if err != nil {
		return err
	}
	defer oldPassword.Zeroize()

	newPassword, err := c.ctx.ReadPassword("New passphrase", c.passwordStdin, true)
	if err != nil {
		return err
	}
	defer newPassword.Zeroize()

	c.ctx.Logger.Info("Re-encrypting %s...", containerPath)
	if err := manager.ChangePassword(containerPath, oldPassword.Bytes(), newPassword.Bytes()); err != nil {
		return err
	}

	c.ctx.Logger.Success("Passphrase changed: %s", containerPath)
	return nil
}
