package store

import (
	"context"

	"github.com/Harshitk-cp/markovtune/internal/domain"
	"github.com/jackc/pgx/v5/pgxpool"
)

type RunStore struct {
	db *pgxpool.Pool
}

func NewRunStore(db *pgxpool.Pool) *RunStore {
	return &RunStore{db: db}
}

func (s *RunStore) Create(ctx context.Context, r *domain.FineTuningRun) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO fine_tuning_runs (id, trigger, status, parent_version_id, window_end, started_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		r.ID, string(r.Trigger), string(r.Status), r.ParentVersionID, r.WindowEnd, r.StartedAt,
	)
	return err
}

func (s *RunStore) Finish(ctx context.Context, r *domain.FineTuningRun) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE fine_tuning_runs
		 SET status = $2, window_start = $3, consumed_events = $4, result_version_id = $5,
		     drift_score = $6, promoted = $7, error = $8, finished_at = $9
		 WHERE id = $1`,
		r.ID, string(r.Status), r.WindowStart, r.ConsumedEvents, r.ResultVersionID,
		r.DriftScore, r.Promoted, r.Error, r.FinishedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *RunStore) List(ctx context.Context, limit int) ([]domain.FineTuningRun, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, trigger, status, parent_version_id, window_start, window_end, consumed_events,
		        result_version_id, drift_score, promoted, error, started_at, finished_at
		 FROM fine_tuning_runs
		 ORDER BY started_at DESC
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []domain.FineTuningRun
	for rows.Next() {
		var (
			r               domain.FineTuningRun
			trigger, status string
		)
		if err := rows.Scan(&r.ID, &trigger, &status, &r.ParentVersionID, &r.WindowStart, &r.WindowEnd, &r.ConsumedEvents,
			&r.ResultVersionID, &r.DriftScore, &r.Promoted, &r.Error, &r.StartedAt, &r.FinishedAt); err != nil {
			return nil, err
		}
		r.Trigger = domain.RunTrigger(trigger)
		r.Status = domain.RunStatus(status)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
