package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/flashbots/go-utils/httplogger"
	"github.com/go-chi/chi/v5"
	"github.com/nace/ved/internal/metrics"
	"go.uber.org/atomic"
)

type ServerConfig struct {
	SocketPath string
	Log        *slog.Logger
	Metrics    *metrics.Metrics

	GracefulShutdownDuration time.Duration
	ReadTimeout              time.Duration
	WriteTimeout             time.Duration
}

type Server struct {
	cfg     *ServerConfig
	isReady atomic.Bool
	log     *slog.Logger

	srv      *http.Server
	handler  *Handler
	listener net.Listener
}

func NewServer(cfg *ServerConfig, handler *Handler) (*Server, error) {
	if cfg.Log == nil {
		return nil, errors.New("server needs a logger")
	}
	srv := &Server{
		cfg:     cfg,
		log:     cfg.Log,
		handler: handler,
	}
	srv.srv = &http.Server{
		Handler:      srv.Router(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return srv, nil
}

// Router returns the HTTP routes.
func (srv *Server) Router() http.Handler {
	mux := chi.NewRouter()

	mux.With(srv.httpLogger).Post("/v1/disks", srv.handler.HandleCreateDisk)
	mux.With(srv.httpLogger).Post("/v1/mounts", srv.handler.HandleMount)
	mux.With(srv.httpLogger).Delete("/v1/mounts/{letter}", srv.handler.HandleUnmount)
	mux.With(srv.httpLogger).Get("/v1/mounts", srv.handler.HandleListMounts)
	mux.With(srv.httpLogger).Get("/v1/mounts/{letter}/stats", srv.handler.HandleStats)
	mux.With(srv.httpLogger).Get("/v1/sessions", srv.handler.HandleSessions)

	mux.Get("/livez", srv.handleLivenessCheck)
	mux.Get("/readyz", srv.handleReadinessCheck)
	mux.Handle("/metrics", srv.cfg.Metrics.Handler())
	return mux
}

func (srv *Server) httpLogger(next http.Handler) http.Handler {
	return httplogger.LoggingMiddlewareSlog(srv.log, next)
}

func (srv *Server) handleLivenessCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"alive"}`))
}

func (srv *Server) handleReadinessCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if !srv.isReady.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"status":"not ready"}`))
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ready"}`))
}

// SetReady flips the readiness probe.
func (srv *Server) SetReady(ready bool) {
	srv.isReady.Store(ready)
}

// Listen binds the unix socket, replacing a stale one, and restricts it to
// the owner.
func (srv *Server) Listen() error {
	path := srv.cfg.SocketPath
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create socket directory: %w", err)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove stale socket: %w", err)
	}
	l, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", path, err)
	}
	if err := os.Chmod(path, 0600); err != nil {
		l.Close()
		return fmt.Errorf("failed to restrict socket: %w", err)
	}
	srv.listener = l
	return nil
}

// RunInBackground serves on the socket bound by Listen.
func (srv *Server) RunInBackground() {
	srv.SetReady(true)
	go func() {
		srv.log.Info("Starting control API", "socket", srv.cfg.SocketPath)
		if err := srv.srv.Serve(srv.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srv.log.Error("Control API failed", "err", err)
		}
	}()
}

func (srv *Server) Shutdown() {
	srv.SetReady(false)

	ctx, cancel := context.WithTimeout(context.Background(), srv.cfg.GracefulShutdownDuration)
	defer cancel()
	if err := srv.srv.Shutdown(ctx); err != nil {
		srv.log.Error("Graceful control API shutdown failed", "err", err)
	} else {
		srv.log.Info("Control API gracefully stopped")
	}
	os.Remove(srv.cfg.SocketPath)
}
