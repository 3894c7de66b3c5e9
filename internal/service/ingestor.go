package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Harshitk-cp/markovtune/internal/domain"
	"github.com/Harshitk-cp/markovtune/internal/observability"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrFeedbackConversationMissing = fmt.Errorf("%w: conversationId is required", domain.ErrInvalidFeedback)
	ErrFeedbackTraceTooShort       = fmt.Errorf("%w: stateSequence needs at least two states", domain.ErrInvalidFeedback)
	ErrFeedbackEmptyState          = fmt.Errorf("%w: stateSequence contains an empty state", domain.ErrInvalidFeedback)
)

// FeedbackIngestor validates raw feedback and records it exactly once per
// idempotency key.
type FeedbackIngestor struct {
	feedbackStore domain.FeedbackStore
	logger        *zap.Logger
	now           func() time.Time
}

func NewFeedbackIngestor(fs domain.FeedbackStore, logger *zap.Logger) *FeedbackIngestor {
	return &FeedbackIngestor{
		feedbackStore: fs,
		logger:        logger,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// Ingest records one feedback event. A resubmitted event (same idempotency
// key) is a no-op that reports IngestDuplicate with a nil error; the returned
// event then carries the id of the stored original.
func (s *FeedbackIngestor) Ingest(ctx context.Context, in domain.FeedbackInput) (*domain.FeedbackEvent, domain.IngestResult, error) {
	ev, err := s.build(in)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrUnknownFeedbackType):
			observability.IngestTotal.WithLabelValues("unknown_type").Inc()
		default:
			observability.IngestTotal.WithLabelValues("invalid").Inc()
		}
		s.logger.Debug("feedback rejected",
			zap.String("conversation_id", in.ConversationID),
			zap.String("feedback_type", in.FeedbackType),
			zap.Error(err))
		return nil, "", err
	}

	created, err := s.feedbackStore.Create(ctx, ev)
	if err != nil {
		observability.IngestTotal.WithLabelValues("error").Inc()
		return nil, "", fmt.Errorf("record feedback: %w", err)
	}
	if !created {
		observability.IngestTotal.WithLabelValues("duplicate").Inc()
		s.logger.Debug("duplicate feedback ignored",
			zap.String("conversation_id", ev.ConversationID),
			zap.String("idempotency_key", ev.IdempotencyKey))
		return ev, domain.IngestDuplicate, nil
	}

	observability.IngestTotal.WithLabelValues("created").Inc()
	return ev, domain.IngestCreated, nil
}

func (s *FeedbackIngestor) build(in domain.FeedbackInput) (*domain.FeedbackEvent, error) {
	ft, err := domain.ResolveFeedbackType(in.FeedbackType, in.RawSignal)
	if err != nil {
		return nil, err
	}
	weight, _ := domain.WeightOf(ft)

	conversationID := strings.TrimSpace(in.ConversationID)
	if conversationID == "" {
		return nil, ErrFeedbackConversationMissing
	}
	if len(in.StateSequence) < 2 {
		return nil, ErrFeedbackTraceTooShort
	}
	trace := make([]domain.State, len(in.StateSequence))
	for i, st := range in.StateSequence {
		if st == "" {
			return nil, ErrFeedbackEmptyState
		}
		trace[i] = st
	}

	now := s.now()
	occurred := now
	if in.Timestamp != nil && !in.Timestamp.IsZero() {
		occurred = in.Timestamp.UTC()
	}

	eventID := strings.TrimSpace(in.EventID)
	return &domain.FeedbackEvent{
		ID:             uuid.New(),
		ConversationID: conversationID,
		EventID:        eventID,
		Trace:          trace,
		Type:           ft,
		Weight:         weight,
		RawSignal:      in.RawSignal,
		IdempotencyKey: IdempotencyKey(conversationID, eventID, ft, occurred, trace),
		OccurredAt:     occurred,
		RecordedAt:     now,
	}, nil
}

// IdempotencyKey derives the dedup key from the caller's conversation and
// event identity. Without an event id the type, timestamp and trace stand in
// for it.
func IdempotencyKey(conversationID, eventID string, ft domain.FeedbackType, occurred time.Time, trace []domain.State) string {
	h := sha256.New()
	write := func(s string) {
		h.Write([]byte(s))
		h.Write([]byte{0x1f})
	}
	write(conversationID)
	if eventID != "" {
		write("event")
		write(eventID)
	} else {
		write("derived")
		write(string(ft))
		write(occurred.UTC().Format(time.RFC3339Nano))
		for _, st := range trace {
			write(string(st))
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}
