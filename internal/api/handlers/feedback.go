package handlers

import (
	"errors"
	"net/http"

	"github.com/Harshitk-cp/markovtune/internal/domain"
	"github.com/Harshitk-cp/markovtune/internal/service"
)

type FeedbackHandler struct {
	svc *service.FeedbackIngestor
}

func NewFeedbackHandler(svc *service.FeedbackIngestor) *FeedbackHandler {
	return &FeedbackHandler{svc: svc}
}

type feedbackResponse struct {
	Status         domain.IngestResult `json:"status"`
	ID             string              `json:"id"`
	IdempotencyKey string              `json:"idempotency_key"`
	FeedbackType   domain.FeedbackType `json:"feedback_type"`
	Weight         float64             `json:"weight"`
}

// Create handles POST /v1/feedback
func (h *FeedbackHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req domain.FeedbackInput
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ev, result, err := h.svc.Ingest(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrUnknownFeedbackType):
			writeError(w, http.StatusBadRequest, "unknown feedback type")
		case errors.Is(err, domain.ErrInvalidFeedback):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, "failed to record feedback")
		}
		return
	}

	status := http.StatusCreated
	if result == domain.IngestDuplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, feedbackResponse{
		Status:         result,
		ID:             ev.ID.String(),
		IdempotencyKey: ev.IdempotencyKey,
		FeedbackType:   ev.Type,
		Weight:         ev.Weight,
	})
}
