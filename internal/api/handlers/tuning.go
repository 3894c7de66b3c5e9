package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/Harshitk-cp/markovtune/internal/domain"
	"github.com/Harshitk-cp/markovtune/internal/service"
)

const defaultRunTimeout = 5 * time.Minute

type TuningHandler struct {
	tuner      *service.FineTuner
	runStore   domain.RunStore
	runTimeout time.Duration
}

func NewTuningHandler(tuner *service.FineTuner, runStore domain.RunStore, runTimeout time.Duration) *TuningHandler {
	if runTimeout <= 0 {
		runTimeout = defaultRunTimeout
	}
	return &TuningHandler{tuner: tuner, runStore: runStore, runTimeout: runTimeout}
}

type runErrorResponse struct {
	Error string                `json:"error"`
	Run   *domain.FineTuningRun `json:"run,omitempty"`
}

// Trigger handles POST /v1/admin/fine-tune. The run executes in the request
// but does not stop when the client goes away.
func (h *TuningHandler) Trigger(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.runContext(r.Context())
	defer cancel()

	run, err := h.tuner.Run(ctx, domain.RunTriggerManual)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrConcurrentFineTune):
			writeError(w, http.StatusConflict, "a fine-tuning run is already in progress")
		case service.IsRunConflict(err):
			writeJSON(w, http.StatusConflict, runErrorResponse{Error: err.Error(), Run: run})
		default:
			writeJSON(w, http.StatusInternalServerError, runErrorResponse{Error: err.Error(), Run: run})
		}
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// runContext keeps request values but drops its cancellation, and bounds the
// run the same way scheduled runs are bounded.
func (h *TuningHandler) runContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(parent), h.runTimeout)
}

// ListRuns handles GET /v1/admin/runs
func (h *TuningHandler) ListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := h.runStore.List(r.Context(), queryLimit(r, 20, 200))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	if runs == nil {
		runs = []domain.FineTuningRun{}
	}
	writeJSON(w, http.StatusOK, runs)
}
