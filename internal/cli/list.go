package cli

import (
	"fmt"
	"strings"

	"github.com/nace/ved/internal/container"
	"github.com/nace/ved/internal/engine"
	"github.com/nace/ved/internal/registry"
	"github.com/nace/ved/internal/system"
	"github.com/nace/ved/internal/ui"
	"github.com/spf13/cobra"
)

// ListCommand handles listing containers
type ListCommand struct {
	ctx  *GlobalContext
	all   bool
	json  bool
	stats bool
}

// NewListCommand creates the list command
func NewListCommand(ctx *GlobalContext) *cobra.Command {
	cmd := &ListCommand{ctx: ctx}

	cobraCmd := &cobra.Command{
		Use:   "list",
		Short: "List mounted encrypted containers",
		Long: `List the containers the ved daemon has mounted. With --all, known disks
that are not mounted are included.`,
		Args: cobra.NoArgs,
		RunE: cmd.Run,
	}

	cobraCmd.Flags().BoolVarP(&cmd.all, "all", "a", false, "Include known disks that are not mounted")
	cobraCmd.Flags().BoolVarP(&cmd.json, "json", "j", false, "JSON output")
	cobraCmd.Flags().BoolVar(&cmd.stats, "stats", false, "Include IO counters of each device")

	return cobraCmd
}

// Run executes the list command
func (c *ListCommand) Run(cmd *cobra.Command, args []string) error {
	cfg, err := c.ctx.Config()
	if err != nil {
		return err
	}
	client := c.ctx.Client(cfg)
	out := cmd.OutOrStdout()

	if c.all {
		mounted, err := client.MountedDisks(cmd.Context())
		if err != nil {
			return err
		}
		known, err := c.ctx.Store(cfg).LoadKnownDisks()
		if err != nil {
			return err
		}
		disks := engine.MergeDisks(known, mounted)
		if c.json {
			return ui.FprintJSON(out, disks)
		}
		printDisks(cmd, disks)
		return nil
	}

	if c.json {
		disks, err := client.MountedDisks(cmd.Context())
		if err != nil {
			return err
		}
		if disks == nil {
			disks = []container.VirtualDisk{}
		}
		return ui.FprintJSON(out, disks)
	}

	sessions, err := client.Sessions(cmd.Context())
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Fprintln(out, "No mounted containers found")
		return nil
	}
	if !c.stats {
		printSessions(cmd, sessions)
		return nil
	}

	table := ui.NewTable("LETTER", "DEVICE", "READ", "WRITTEN", "AUTH FAILURES", "CONTAINER")
	for _, s := range sessions {
		stats, err := client.Stats(cmd.Context(), s.Letter)
		if err != nil {
			c.ctx.Logger.Debug("No stats for %s: %v", s.Letter, err)
			continue
		}
		table.AddRow(
			s.Letter+":",
			s.Device,
			system.FormatSize(stats.BytesRead),
			system.FormatSize(stats.BytesWritten),
			fmt.Sprint(stats.AuthFailures),
			s.Path,
		)
	}
	table.Fprint(out)
	return nil
}

func printSessions(cmd *cobra.Command, sessions []registry.Record) {
	table := ui.NewTable("LETTER", "DEVICE", "SIZE", "CIPHER", "MOUNTED", "CONTAINER")
	for _, s := range sessions {
		table.AddRow(
			s.Letter+":",
			s.Device,
			system.FormatSize(s.SizeBytes),
			s.Cipher,
			s.MountedAt.Local().Format("2006-01-02 15:04"),
			s.Path,
		)
	}
	table.Fprint(cmd.OutOrStdout())
}

func printDisks(cmd *cobra.Command, disks []container.VirtualDisk) {
	if len(disks) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No known containers")
		return
	}
	table := ui.NewTable("LETTER", "SIZE", "STATUS", "CONTAINER")
	for _, d := range disks {
		letter, status := "-", "unmounted"
		if d.IsMounted {
			letter, status = d.DriveLetter+":", "mounted"
		}
		table.AddRow(letter, system.FormatSize(d.SizeBytes), status, d.Path)
	}
	table.Fprint(cmd.OutOrStdout())
}

// letters joins the drive letters of sessions for log lines.
func letters(sessions []registry.Record) string {
	out := make([]string, len(sessions))
	for i, s := range sessions {
		out[i] = s.Letter + ":"
	}
	return strings.Join(out, " ")
}
