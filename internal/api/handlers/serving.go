package handlers

import (
	"net/http"
	"strconv"

	"github.com/Harshitk-cp/markovtune/internal/domain"
	"github.com/Harshitk-cp/markovtune/internal/service"
)

type ServingHandler struct {
	svc *service.ServingService
}

func NewServingHandler(svc *service.ServingService) *ServingHandler {
	return &ServingHandler{svc: svc}
}

// Distribution handles GET /v1/distribution/{state}
func (h *ServingHandler) Distribution(w http.ResponseWriter, r *http.Request) {
	state := pathParam(r, "state")
	if state == "" {
		writeError(w, http.StatusBadRequest, "state is required")
		return
	}
	writeJSON(w, http.StatusOK, h.svc.Distribution(domain.State(state)))
}

// Suggestions handles GET /v1/suggestions/{state}?k=
func (h *ServingHandler) Suggestions(w http.ResponseWriter, r *http.Request) {
	state := pathParam(r, "state")
	if state == "" {
		writeError(w, http.StatusBadRequest, "state is required")
		return
	}
	k := 0
	if raw := r.URL.Query().Get("k"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "k must be a positive integer")
			return
		}
		k = n
	}
	writeJSON(w, http.StatusOK, h.svc.Suggestions(domain.State(state), k))
}
