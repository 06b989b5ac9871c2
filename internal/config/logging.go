package config

import (
	"io"
	"log/slog"
	"os"

	"github.com/google/uuid"
)

// Version is set at build time.
var Version = "dev"

// NewLogger builds the structured logger for the daemon.
func NewLogger(c LogConfig) *slog.Logger {
	return newLogger(os.Stderr, c)
}

func newLogger(w io.Writer, c LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if c.Debug {
		opts.Level = slog.LevelDebug
	}

	var handler slog.Handler
	if c.JSON {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	log := slog.New(handler)
	if c.Service != "" {
		log = log.With("service", c.Service, "version", Version)
	}
	if c.UID {
		log = log.With("uid", uuid.Must(uuid.NewRandom()).String())
	}
	return log
}
