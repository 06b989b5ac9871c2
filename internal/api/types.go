// Package api exposes the engine to other processes as JSON over HTTP on a
// unix socket.
package api

import (
	"net/http"

	"github.com/nace/ved/internal/errs"
)

// CreateDiskRequest is the body of POST /v1/disks. Password is base64 in
// JSON.
type CreateDiskRequest struct {
	Path      string `json:"path"`
	SizeBytes uint64 `json:"sizeBytes"`
	Password  []byte `json:"password"`
	Cipher    string `json:"cipher,omitempty"`
}

// MountRequest is the body of POST /v1/mounts.
type MountRequest struct {
	Path     string `json:"path"`
	Password []byte `json:"password"`
	Letter   string `json:"letter"`
}

// ErrorResponse is returned with every non-2xx status.
type ErrorResponse struct {
	Kind  errs.Kind `json:"kind"`
	Code  errs.Code `json:"code"`
	Error string    `json:"error"`
}

// StatusFor maps an error kind to an HTTP status.
func StatusFor(kind errs.Kind) int {
	switch kind {
	case errs.KindFormat, errs.KindCapacity, errs.KindInput:
		return http.StatusBadRequest
	case errs.KindPassword:
		return http.StatusUnauthorized
	case errs.KindIntegrity:
		return http.StatusUnprocessableEntity
	case errs.KindConflict:
		return http.StatusConflict
	case errs.KindNotMounted:
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}
