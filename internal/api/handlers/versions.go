package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/Harshitk-cp/markovtune/internal/domain"
	"github.com/Harshitk-cp/markovtune/internal/service"
	"github.com/go-chi/chi/v5"
)

type VersionHandler struct {
	versions *service.VersionManager
}

func NewVersionHandler(versions *service.VersionManager) *VersionHandler {
	return &VersionHandler{versions: versions}
}

type versionListResponse struct {
	ActiveVersionID int64                 `json:"active_version_id"`
	Versions        []domain.ModelVersion `json:"versions"`
}

type versionResponse struct {
	*domain.ModelVersion
	Active bool `json:"active"`
}

// List handles GET /v1/versions
func (h *VersionHandler) List(w http.ResponseWriter, r *http.Request) {
	versions, err := h.versions.List(r.Context(), queryLimit(r, 50, 500))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list versions")
		return
	}
	if versions == nil {
		versions = []domain.ModelVersion{}
	}
	activeID, _, _ := h.versions.Active()
	writeJSON(w, http.StatusOK, versionListResponse{ActiveVersionID: activeID, Versions: versions})
}

// Get handles GET /v1/versions/{id}
func (h *VersionHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := versionID(w, r)
	if !ok {
		return
	}
	v, err := h.versions.Get(r.Context(), id)
	if err != nil {
		h.writeVersionError(w, err)
		return
	}
	activeID, _, _ := h.versions.Active()
	writeJSON(w, http.StatusOK, versionResponse{ModelVersion: v, Active: v.ID == activeID})
}

// Rollback handles POST /v1/versions/{id}/rollback
func (h *VersionHandler) Rollback(w http.ResponseWriter, r *http.Request) {
	id, ok := versionID(w, r)
	if !ok {
		return
	}
	v, err := h.versions.Rollback(r.Context(), id)
	if err != nil {
		h.writeVersionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, versionResponse{ModelVersion: v, Active: true})
}

func (h *VersionHandler) writeVersionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrVersionNotFound):
		writeError(w, http.StatusNotFound, "version not found")
	case errors.Is(err, service.ErrConcurrentFineTune):
		writeError(w, http.StatusConflict, "a fine-tuning run is in progress")
	case errors.Is(err, service.ErrSnapshotMismatch):
		writeError(w, http.StatusInternalServerError, "stored snapshot failed verification")
	default:
		writeError(w, http.StatusInternalServerError, "version operation failed")
	}
}

func versionID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid version id")
		return 0, false
	}
	return id, true
}
