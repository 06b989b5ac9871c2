// Package cli implements the ved subcommands.
package cli

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/nace/ved/internal/api"
	"github.com/nace/ved/internal/config"
	"github.com/nace/ved/internal/container"
	"github.com/nace/ved/internal/errs"
	"github.com/nace/ved/internal/settings"
	"github.com/nace/ved/internal/system"
	"github.com/nace/ved/internal/ui"
	"github.com/spf13/viper"
)

// GlobalContext holds shared resources for all commands
type GlobalContext struct {
	Viper    *viper.Viper
	Executor *system.Executor
	Logger   *ui.Logger
	Log      *slog.Logger

	// ConfigFile is read on first use; ConfigExplicit makes a missing file
	// an error.
	ConfigFile     string
	ConfigExplicit bool

	// Stdin supplies --password-stdin input.
	Stdin io.Reader

	stdin *bufio.Reader
	cfg   *config.Config
}

// NewGlobalContext creates a new global context
func NewGlobalContext(v *viper.Viper, verbose, quiet, noColor, debug bool) *GlobalContext {
	log := config.NewLogger(config.LogConfig{Debug: debug})
	return &GlobalContext{
		Viper:    v,
		Executor: system.NewExecutor(log),
		Logger:   ui.NewLogger(verbose, quiet, noColor),
		Log:      log,
		Stdin:    os.Stdin,
	}
}

// Config loads and caches the merged configuration.
func (ctx *GlobalContext) Config() (*config.Config, error) {
	if ctx.cfg != nil {
		return ctx.cfg, nil
	}
	cfg, err := config.Load(ctx.Viper, ctx.ConfigFile, ctx.ConfigExplicit)
	if err != nil {
		return nil, err
	}
	ctx.cfg = cfg
	return cfg, nil
}

// Containers returns a format manager configured from cfg.
func (ctx *GlobalContext) Containers(cfg *config.Config) (*container.Manager, error) {
	params, err := cfg.KDFParams()
	if err != nil {
		return nil, err
	}
	return container.NewManager(
		container.WithKDF(params),
		container.WithSectorSize(cfg.SectorSize),
		container.WithLogger(ctx.Log),
	)
}

// Client returns a control API client for the daemon socket.
func (ctx *GlobalContext) Client(cfg *config.Config) *api.Client {
	return api.NewClient(cfg.Socket)
}

// Store returns the known-disk list.
func (ctx *GlobalContext) Store(cfg *config.Config) *settings.FileStore {
	return settings.NewFileStore(cfg.SettingsFile)
}

// CheckDependencies checks for required system commands
func (ctx *GlobalContext) CheckDependencies(deps ...string) error {
	return ctx.Executor.CheckDependencies(deps)
}

// ReadPassword reads a password from stdin when fromStdin is set or stdin
// is not a terminal, and prompts otherwise. confirm asks twice on a
// terminal. The caller must Zeroize the result.
func (ctx *GlobalContext) ReadPassword(prompt string, fromStdin, confirm bool) (*system.SecureBytes, error) {
	if fromStdin || ctx.Stdin != os.Stdin || !ui.StdinIsTerminal() {
		if ctx.stdin == nil {
			ctx.stdin = bufio.NewReader(ctx.Stdin)
		}
		pw, err := ui.ReadPasswordLine(ctx.stdin)
		if err != nil {
			return nil, errs.Wrap(errs.KindInput, errs.EmptyPassword, err, "failed to read passphrase")
		}
		return pw, nil
	}

	var (
		pw  *system.SecureBytes
		err error
	)
	if confirm {
		pw, err = ui.PromptNewPassword(prompt)
	} else {
		pw, err = ui.PromptPassword(prompt)
	}
	if errors.Is(err, ui.ErrPasswordMismatch) {
		return nil, errs.Wrap(errs.KindInput, errs.InvalidParams, err, "failed to read passphrase")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read passphrase: %w", err)
	}
	if pw.Len() == 0 {
		pw.Zeroize()
		return nil, errs.New(errs.KindPassword, errs.EmptyPassword, "passphrase must not be empty")
	}
	return pw, nil
}

// Report prints err with the remediation hint for its kind.
func (ctx *GlobalContext) Report(err error) {
	ctx.Logger.Error("%v", err)
	ctx.Logger.Hint(errs.Hint(err))
}

// absPath resolves a container path argument without requiring the file to
// exist yet.
func absPath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("invalid path: %w", err)
	}
	return abs, nil
}

// pathArg returns args[0] or prompts for it.
func pathArg(args []string, prompt string) (string, error) {
	if len(args) > 0 {
		return absPath(args[0])
	}
	return absPath(ui.PromptString(prompt))
}
