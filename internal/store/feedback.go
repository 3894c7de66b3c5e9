package store

import (
	"context"
	"errors"
	"time"

	"github.com/Harshitk-cp/markovtune/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type FeedbackStore struct {
	db *pgxpool.Pool
}

func NewFeedbackStore(db *pgxpool.Pool) *FeedbackStore {
	return &FeedbackStore{db: db}
}

func (s *FeedbackStore) Create(ctx context.Context, e *domain.FeedbackEvent) (bool, error) {
	err := s.db.QueryRow(ctx,
		`INSERT INTO feedback_events (id, conversation_id, event_id, trace, feedback_type, weight, raw_signal, idempotency_key, occurred_at, recorded_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (idempotency_key) DO NOTHING
		 RETURNING recorded_at`,
		e.ID, e.ConversationID, e.EventID, traceToText(e.Trace), string(e.Type), e.Weight, e.RawSignal, e.IdempotencyKey, e.OccurredAt, e.RecordedAt,
	).Scan(&e.RecordedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, s.loadStored(ctx, e)
		}
		return false, err
	}
	return true, nil
}

// loadStored points a duplicate at the event already recorded under its key.
func (s *FeedbackStore) loadStored(ctx context.Context, e *domain.FeedbackEvent) error {
	return s.db.QueryRow(ctx,
		`SELECT id, recorded_at FROM feedback_events WHERE idempotency_key = $1`,
		e.IdempotencyKey,
	).Scan(&e.ID, &e.RecordedAt)
}

func (s *FeedbackStore) ListUnconsumed(ctx context.Context, recordedBefore time.Time, limit int) ([]domain.FeedbackEvent, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, conversation_id, event_id, trace, feedback_type, weight, raw_signal, idempotency_key, occurred_at, recorded_at
		 FROM feedback_events
		 WHERE consumed_by IS NULL AND recorded_at <= $1
		 ORDER BY recorded_at, id
		 LIMIT $2`,
		recordedBefore, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.FeedbackEvent
	for rows.Next() {
		var (
			e     domain.FeedbackEvent
			trace []string
			ft    string
		)
		if err := rows.Scan(&e.ID, &e.ConversationID, &e.EventID, &trace, &ft, &e.Weight, &e.RawSignal, &e.IdempotencyKey, &e.OccurredAt, &e.RecordedAt); err != nil {
			return nil, err
		}
		e.Type = domain.FeedbackType(ft)
		e.Trace = textToTrace(trace)
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *FeedbackStore) CountUnconsumed(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM feedback_events WHERE consumed_by IS NULL`,
	).Scan(&count)
	return count, err
}

func traceToText(trace []domain.State) []string {
	out := make([]string, len(trace))
	for i, s := range trace {
		out[i] = string(s)
	}
	return out
}

func textToTrace(trace []string) []domain.State {
	out := make([]domain.State, len(trace))
	for i, s := range trace {
		out[i] = domain.State(s)
	}
	return out
}
