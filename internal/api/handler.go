package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/nace/ved/internal/container"
	"github.com/nace/ved/internal/driver"
	"github.com/nace/ved/internal/errs"
	"github.com/nace/ved/internal/registry"
	"github.com/nace/ved/internal/sector"
)

// maxBodySize bounds request bodies; they only carry paths and passwords.
const maxBodySize = 64 << 10

// Engine is the part of the engine the API serves.
type Engine interface {
	CreateDiskFile(path string, sizeBytes uint64, password []byte, c sector.Cipher) error
	MountSession(path string, password []byte, letter string) (registry.Record, error)
	Unmount(letter string) error
	MountedDisks() []container.VirtualDisk
	Sessions() []registry.Record
	Stats(letter string) (driver.Stats, error)
}

// Handler implements the /v1 endpoints.
type Handler struct {
	engine Engine
	log    *slog.Logger
}

func NewHandler(engine Engine, log *slog.Logger) *Handler {
	return &Handler{engine: engine, log: log}
}

// HandleCreateDisk creates a container file.
func (h *Handler) HandleCreateDisk(w http.ResponseWriter, r *http.Request) {
	var req CreateDiskRequest
	if !h.decode(w, r, &req) {
		return
	}

	c := sector.AES256GCM
	if req.Cipher != "" {
		var err error
		c, err = sector.ParseCipher(req.Cipher)
		if err != nil {
			h.writeError(w, err)
			return
		}
	}

	if err := h.engine.CreateDiskFile(req.Path, req.SizeBytes, req.Password, c); err != nil {
		h.writeError(w, err)
		return
	}
	h.log.Info("Created container", "path", req.Path, "size", req.SizeBytes, "cipher", c.String())

	writeJSON(w, http.StatusCreated, container.VirtualDisk{Path: req.Path, SizeBytes: req.SizeBytes})
}

// HandleMount mounts a container.
func (h *Handler) HandleMount(w http.ResponseWriter, r *http.Request) {
	var req MountRequest
	if !h.decode(w, r, &req) {
		return
	}

	rec, err := h.engine.MountSession(req.Path, req.Password, req.Letter)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

// HandleUnmount unmounts the disk under the {letter} URL parameter.
func (h *Handler) HandleUnmount(w http.ResponseWriter, r *http.Request) {
	letter := chi.URLParam(r, "letter")
	if err := h.engine.Unmount(letter); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleListMounts lists mounted disks.
func (h *Handler) HandleListMounts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.MountedDisks())
}

// HandleSessions lists sessions with their device paths.
func (h *Handler) HandleSessions(w http.ResponseWriter, r *http.Request) {
	sessions := h.engine.Sessions()
	if sessions == nil {
		sessions = []registry.Record{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

// HandleStats returns the IO counters of the disk under {letter}.
func (h *Handler) HandleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.engine.Stats(chi.URLParam(r, "letter"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		h.writeError(w, errs.Wrap(errs.KindInput, errs.InvalidParams, err, "invalid request body"))
		return false
	}
	return true
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	kind := errs.KindOf(err)
	code := errs.CodeOf(err)
	if kind == "" {
		kind = errs.KindIO
		code = errs.IOFailed
	}
	status := StatusFor(kind)
	if status >= http.StatusInternalServerError {
		h.log.Error("Request failed", "kind", kind, "code", code, "err", err)
	} else {
		h.log.Debug("Request rejected", "kind", kind, "code", code, "err", err)
	}
	writeJSON(w, status, ErrorResponse{Kind: kind, Code: code, Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
