package store

import (
	"context"
	"hash/fnv"

	"github.com/jackc/pgx/v5/pgxpool"
)

// AdvisoryLock is a session-level Postgres advisory lock. The lock lives on
// one pooled connection, which is held until unlock.
type AdvisoryLock struct {
	db  *pgxpool.Pool
	key int64
}

func NewAdvisoryLock(db *pgxpool.Pool, name string) *AdvisoryLock {
	return &AdvisoryLock{db: db, key: advisoryKey(name)}
}

func (l *AdvisoryLock) TryLock(ctx context.Context) (func(), bool, error) {
	conn, err := l.db.Acquire(ctx)
	if err != nil {
		return nil, false, err
	}
	var ok bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, l.key).Scan(&ok); err != nil {
		conn.Release()
		return nil, false, err
	}
	if !ok {
		conn.Release()
		return nil, false, nil
	}
	return func() {
		// A failed unlock is released with the session; destroy the connection
		// instead of returning it to the pool still holding the lock.
		if _, err := conn.Exec(context.Background(), `SELECT pg_advisory_unlock($1)`, l.key); err != nil {
			_ = conn.Conn().Close(context.Background())
		}
		conn.Release()
	}, true, nil
}

func advisoryKey(name string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte("markovtune:"))
	_, _ = h.Write([]byte(name))
	return int64(h.Sum64())
}
