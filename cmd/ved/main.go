package main

import (
	"os"
	"sync"

	"github.com/nace/ved/internal/cli"
	"github.com/nace/ved/internal/config"
	"github.com/nace/ved/internal/system"
	"github.com/nace/ved/internal/ui"
	"github.com/spf13/cobra"
)

var (
	verbose    bool
	quiet      bool
	noColor    bool
	debug      bool
	configFile string

	ctx  *cli.GlobalContext
	once sync.Once
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		ctx.Report(err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "ved",
	Short: "ved - virtual encrypted disk engine",
	Long: `ved stores an encrypted virtual disk in a single container file and
exposes it as a block device while mounted.

Container files are created, inspected, resized and re-keyed locally.
Mounting is done by the ved daemon ("ved serve"), which keeps the keys in
locked memory and serves the device until it is unmounted.`,
	Version:       config.Version,
	SilenceErrors: true,
	SilenceUsage:  true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// Update context components with parsed flag values
		once.Do(func() {
			log := config.NewLogger(config.LogConfig{Debug: debug})
			ctx.Log = log
			ctx.Executor = system.NewExecutor(log)
			ctx.Logger = ui.NewLogger(verbose, quiet, noColor)
			ctx.ConfigFile = configFile
			ctx.ConfigExplicit = cmd.Flags().Changed("config")
		})
	},
}

func init() {
	v := config.New()

	// Global flags
	flags := rootCmd.PersistentFlags()
	flags.BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	flags.BoolVarP(&quiet, "quiet", "q", false, "Quiet mode (suppress non-error output)")
	flags.BoolVar(&noColor, "no-color", false, "Disable color output")
	flags.BoolVar(&debug, "debug", false, "Debug mode (show commands)")
	flags.StringVar(&configFile, "config", config.DefaultConfigFile, "Config file")
	flags.String("socket", config.DefaultSocket, "Daemon control socket")
	v.BindPFlag("socket", flags.Lookup("socket"))

	// Will be updated in PersistentPreRun with parsed flag values
	ctx = cli.NewGlobalContext(v, false, false, false, false)

	// Register commands
	rootCmd.AddCommand(cli.NewCreateCommand(ctx))
	rootCmd.AddCommand(cli.NewMountCommand(ctx))
	rootCmd.AddCommand(cli.NewUnmountCommand(ctx))
	rootCmd.AddCommand(cli.NewListCommand(ctx))
	rootCmd.AddCommand(cli.NewInfoCommand(ctx))
	rootCmd.AddCommand(cli.NewResizeCommand(ctx))
	rootCmd.AddCommand(cli.NewPasswordCommand(ctx))
	rootCmd.AddCommand(cli.NewDisksCommand(ctx))
	rootCmd.AddCommand(cli.NewServeCommand(ctx))

	rootCmd.SetHelpCommand(&cobra.Command{
		Use:    "no-help",
		Hidden: true,
	})

	rootCmd.CompletionOptions.DisableDefaultCmd = true
}
