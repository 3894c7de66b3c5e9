package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Harshitk-cp/markovtune/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type VersionStore struct {
	db *pgxpool.Pool
}

func NewVersionStore(db *pgxpool.Pool) *VersionStore {
	return &VersionStore{db: db}
}

// CreateGenesis inserts the root version and points active and head at it. It fails
// with ErrStaleParent when another process already created one.
func (s *VersionStore) CreateGenesis(ctx context.Context, v *domain.ModelVersion, snapshot []byte) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := insertVersion(ctx, tx, v, snapshot); err != nil {
		return err
	}
	tag, err := tx.Exec(ctx,
		`INSERT INTO active_version (singleton, version_id, head_version_id) VALUES (TRUE, $1, $1)
		 ON CONFLICT (singleton) DO NOTHING`,
		v.ID,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleParent
	}
	return tx.Commit(ctx)
}

// Commit runs the whole version transition in one transaction. The pointer
// row is locked first, so concurrent commits against the same head serialize
// and the loser sees ErrStaleParent.
func (s *VersionStore) Commit(ctx context.Context, c *domain.VersionCommit) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var headID int64
	err = tx.QueryRow(ctx,
		`SELECT head_version_id FROM active_version WHERE singleton FOR UPDATE`,
	).Scan(&headID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrStaleParent
		}
		return err
	}
	if c.Version.ParentID == nil || *c.Version.ParentID != headID {
		return ErrStaleParent
	}

	if err := insertVersion(ctx, tx, c.Version, c.Snapshot); err != nil {
		return err
	}

	if c.Run != nil && len(c.EventIDs) > 0 {
		tag, err := tx.Exec(ctx,
			`UPDATE feedback_events SET consumed_by = $1, consumed_at = NOW()
			 WHERE id = ANY($2::uuid[]) AND consumed_by IS NULL`,
			c.Run.ID, uuidStrings(c.EventIDs),
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() != int64(len(c.EventIDs)) {
			return fmt.Errorf("%w: claimed %d of %d", ErrEventsClaimed, tag.RowsAffected(), len(c.EventIDs))
		}
	}

	if c.Run != nil {
		c.Run.ResultVersionID = &c.Version.ID
		tag, err := tx.Exec(ctx,
			`UPDATE fine_tuning_runs
			 SET status = $2, window_start = $3, consumed_events = $4, result_version_id = $5,
			     drift_score = $6, promoted = $7, error = $8, finished_at = $9
			 WHERE id = $1 AND status = 'pending'`,
			c.Run.ID, string(c.Run.Status), c.Run.WindowStart, c.Run.ConsumedEvents, c.Run.ResultVersionID,
			c.Run.DriftScore, c.Run.Promoted, c.Run.Error, c.Run.FinishedAt,
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("run %s: %w", c.Run.ID, ErrNotFound)
		}
	}

	if _, err := tx.Exec(ctx,
		`UPDATE active_version
		 SET head_version_id = $1,
		     version_id = CASE WHEN $2 THEN $1 ELSE version_id END,
		     updated_at = NOW()
		 WHERE singleton`,
		c.Version.ID, c.Activate,
	); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func insertVersion(ctx context.Context, tx pgx.Tx, v *domain.ModelVersion, snapshot []byte) error {
	summary, err := json.Marshal(v.Summary)
	if err != nil {
		return err
	}
	return tx.QueryRow(ctx,
		`INSERT INTO model_versions (parent_id, snapshot_digest, snapshot, drift_score, promoted, diff_summary, run_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING id, created_at`,
		v.ParentID, v.SnapshotDigest, snapshot, v.DriftScore, v.Promoted, summary, v.RunID,
	).Scan(&v.ID, &v.CreatedAt)
}

const versionColumns = `id, parent_id, snapshot_digest, drift_score, promoted, diff_summary, run_id, created_at`

func scanVersion(row pgx.Row) (*domain.ModelVersion, error) {
	var (
		v       domain.ModelVersion
		summary []byte
	)
	if err := row.Scan(&v.ID, &v.ParentID, &v.SnapshotDigest, &v.DriftScore, &v.Promoted, &summary, &v.RunID, &v.CreatedAt); err != nil {
		return nil, err
	}
	if len(summary) > 0 {
		if err := json.Unmarshal(summary, &v.Summary); err != nil {
			return nil, fmt.Errorf("decode diff summary of version %d: %w", v.ID, err)
		}
	}
	return &v, nil
}

func (s *VersionStore) GetByID(ctx context.Context, id int64) (*domain.ModelVersion, error) {
	v, err := scanVersion(s.db.QueryRow(ctx,
		`SELECT `+versionColumns+` FROM model_versions WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return v, nil
}

func (s *VersionStore) GetSnapshot(ctx context.Context, id int64) (string, []byte, error) {
	var (
		digest string
		data   []byte
	)
	err := s.db.QueryRow(ctx,
		`SELECT snapshot_digest, snapshot FROM model_versions WHERE id = $1`, id,
	).Scan(&digest, &data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil, ErrNotFound
		}
		return "", nil, err
	}
	return digest, data, nil
}

func (s *VersionStore) List(ctx context.Context, limit int) ([]domain.ModelVersion, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+versionColumns+` FROM model_versions ORDER BY id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []domain.ModelVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		versions = append(versions, *v)
	}
	return versions, rows.Err()
}

func (s *VersionStore) Count(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM model_versions`).Scan(&count)
	return count, err
}

func (s *VersionStore) GetActiveID(ctx context.Context) (int64, error) {
	var id int64
	err := s.db.QueryRow(ctx,
		`SELECT version_id FROM active_version WHERE singleton`,
	).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, err
	}
	return id, nil
}

func (s *VersionStore) GetHeadID(ctx context.Context) (int64, error) {
	var id int64
	err := s.db.QueryRow(ctx,
		`SELECT head_version_id FROM active_version WHERE singleton`,
	).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, err
	}
	return id, nil
}

// SetActive serves id and branches the chain from it, so runs after a
// rollback build on the restored version.
func (s *VersionStore) SetActive(ctx context.Context, id int64) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE active_version SET version_id = $1, head_version_id = $1, updated_at = NOW()
		 WHERE singleton AND EXISTS (SELECT 1 FROM model_versions WHERE id = $1)`,
		id,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}
