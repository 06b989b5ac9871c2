package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofrs/flock"
	"github.com/nace/ved/internal/api"
	"github.com/nace/ved/internal/config"
	"github.com/nace/ved/internal/container"
	"github.com/nace/ved/internal/driver"
	"github.com/nace/ved/internal/driver/nbd"
	"github.com/nace/ved/internal/engine"
	"github.com/nace/ved/internal/metrics"
	"github.com/nace/ved/internal/registry"
	"github.com/nace/ved/internal/system"
	"github.com/spf13/cobra"
)

// ServeCommand runs the daemon that owns mounted devices
type ServeCommand struct {
	ctx *GlobalContext

	// ready is closed once the control API accepts requests.
	ready chan struct{}
}

// NewServeCommand creates the serve command
func NewServeCommand(ctx *GlobalContext) *cobra.Command {
	cmd := &ServeCommand{ctx: ctx}

	cobraCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the ved daemon",
		Long: `Run the daemon that unlocks containers and serves their block devices.
Other ved commands reach it over the control socket.

Mounts left behind by a previous daemon are detached on start. On SIGINT or
SIGTERM every mounted container is flushed and detached before exit.`,
		Args: cobra.NoArgs,
		RunE: cmd.Run,
	}

	flags := cobraCmd.Flags()
	flags.String("facility", config.FacilityNBD, "Block device facility (nbd, memory)")
	flags.String("state-dir", config.DefaultStateDir, "Directory for the daemon lock and mount journal")
	flags.Bool("log-json", false, "Log as JSON")
	ctx.Viper.BindPFlag("facility", flags.Lookup("facility"))
	ctx.Viper.BindPFlag("state_dir", flags.Lookup("state-dir"))
	ctx.Viper.BindPFlag("log.json", flags.Lookup("log-json"))

	return cobraCmd
}

// Run executes the serve command
func (c *ServeCommand) Run(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return c.serve(ctx)
}

func (c *ServeCommand) serve(ctx context.Context) error {
	cfg, err := c.ctx.Config()
	if err != nil {
		return err
	}
	if c.ctx.Logger.Verbose {
		cfg.Log.Debug = true
	}
	log := config.NewLogger(cfg.Log)
	defer system.PurgeSecrets()

	if cfg.Facility == config.FacilityNBD {
		if err := system.RequireRoot(); err != nil {
			return err
		}
	}

	if err := os.MkdirAll(cfg.StateDir, 0700); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	lock := flock.New(cfg.LockPath())
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to lock %s: %w", cfg.LockPath(), err)
	}
	if !locked {
		return fmt.Errorf("another ved daemon is running (lock %s is held)", cfg.LockPath())
	}
	defer lock.Unlock()

	journal, err := registry.NewJournal(cfg.JournalPath())
	if err != nil {
		return err
	}
	params, err := cfg.KDFParams()
	if err != nil {
		return err
	}
	containers, err := container.NewManager(
		container.WithKDF(params),
		container.WithSectorSize(cfg.SectorSize),
		container.WithLogger(log),
	)
	if err != nil {
		return err
	}

	m := metrics.New()
	eng, err := engine.New(engine.Config{
		Facility:   newFacility(cfg, c.ctx.Executor, log),
		Containers: containers,
		Journal:    journal,
		Metrics:    m,
		Log:        log,
	})
	if err != nil {
		return err
	}

	stale, err := eng.Reconcile()
	if err != nil {
		return err
	}
	if len(stale) > 0 {
		log.Warn("Cleared mounts left by a previous daemon", "letters", letters(stale))
	}

	srv, err := api.NewServer(&api.ServerConfig{
		SocketPath:               cfg.Socket,
		Log:                      log,
		Metrics:                  m,
		GracefulShutdownDuration: cfg.ShutdownTimeout,
	}, api.NewHandler(eng, log))
	if err != nil {
		return err
	}
	if err := srv.Listen(); err != nil {
		return err
	}
	srv.RunInBackground()
	log.Info("ved daemon started", "facility", eng.FacilityName(), "socket", cfg.Socket, "stateDir", cfg.StateDir)
	if c.ready != nil {
		close(c.ready)
	}

	<-ctx.Done()
	log.Info("Shutting down")

	srv.Shutdown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := eng.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("Some containers could not be detached cleanly", "err", err)
		return err
	}
	log.Info("ved daemon stopped")
	return nil
}

func newFacility(cfg *config.Config, executor *system.Executor, log *slog.Logger) driver.Facility {
	if cfg.Facility == config.FacilityMemory {
		return driver.NewMemoryFacility()
	}
	return nbd.New(nbd.Config{
		Autoload: cfg.NBD.Autoload,
		Timeout:  cfg.NBD.Timeout,
		Executor: executor,
		Log:      log,
	})
}
