package cli

import (
	"fmt"

	"github.com/nace/ved/internal/system"
	"github.com/nace/ved/internal/ui"
	"github.com/spf13/cobra"
)

// InfoCommand prints a container header
type InfoCommand struct {
	ctx  *GlobalContext
	json bool
}

// NewInfoCommand creates the info command
func NewInfoCommand(ctx *GlobalContext) *cobra.Command {
	cmd := &InfoCommand{ctx: ctx}

	cobraCmd := &cobra.Command{
		Use:   "info <container-path>",
		Short: "Show container header details",
		Long:  `Print the cipher, key derivation parameters and sizes of a container. No password is needed.`,
		Args:  cobra.ExactArgs(1),
		RunE:  cmd.Run,
	}

	cobraCmd.Flags().BoolVarP(&cmd.json, "json", "j", false, "JSON output")

	return cobraCmd
}

// Run executes the info command
func (c *InfoCommand) Run(cmd *cobra.Command, args []string) error {
	cfg, err := c.ctx.Config()
	if err != nil {
		return err
	}
	manager, err := c.ctx.Containers(cfg)
	if err != nil {
		return err
	}

	containerPath, err := absPath(args[0])
	if err != nil {
		return err
	}
	info, err := manager.Inspect(containerPath)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if c.json {
		return ui.FprintJSON(out, info)
	}

	fmt.Fprintf(out, "Container: %s\n", info.Path)
	ui.Field(out, "Version", info.Version)
	ui.Field(out, "Cipher", info.Cipher)
	ui.Field(out, "KDF", fmt.Sprintf("%s (time=%d memory=%d threads=%d)", info.KDF, info.KDFTime, info.KDFMemory, info.KDFThreads))
	ui.Field(out, "Sector size", info.SectorSize)
	ui.Field(out, "Disk size", system.FormatSize(info.SizeBytes))
	ui.Field(out, "On disk", system.FormatSize(uint64(info.PhysicalSize)))
	if info.FileSize != info.PhysicalSize {
		c.ctx.Logger.Warning("File is %d bytes, header expects %d", info.FileSize, info.PhysicalSize)
	}
	return nil
}
