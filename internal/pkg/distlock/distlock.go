// Package distlock serializes workers that contend for the same batch.
// Redis is the preferred backend; when it is not configured the lock falls
// back to Postgres advisory locks on the tracking database, so a single-node
// deployment still gets mutual exclusion without extra infrastructure.
package distlock

import (
	"context"
	"database/sql"
	"hash/fnv"
	"time"

	"github.com/redis/go-redis/v9"
)

// DistLock guards a batch against concurrent senders. An instance belongs to
// one goroutine; two workers contending for the same key each build their own.
type DistLock interface {
	// Acquire reports whether the caller now holds the lock. A false with
	// a nil error means another holder got there first.
	Acquire(ctx context.Context) (bool, error)
	// Release frees the lock if the caller still owns it.
	Release(ctx context.Context) error
}

// NewLock picks a backend for the given key: Redis when a client is
// available, otherwise a Postgres advisory lock on db. ttl only applies to
// the Redis backend; advisory locks live for the session.
func NewLock(redisClient *redis.Client, db *sql.DB, key string, ttl time.Duration) DistLock {
	if redisClient != nil {
		return NewRedisLock(redisClient, key, ttl)
	}
	return NewPGAdvisoryLock(db, key)
}

// PGAdvisoryLock is the fallback backend. Advisory locks are session-scoped,
// so a crashed worker's lock disappears with its connection, which is the
// same self-healing a Redis TTL gives.
type PGAdvisoryLock struct {
	db     *sql.DB
	lockID int64
}

// NewPGAdvisoryLock derives a deterministic 64-bit lock id from key so every
// worker hashing the same batch key contends on the same advisory lock.
func NewPGAdvisoryLock(db *sql.DB, key string) *PGAdvisoryLock {
	h := fnv.New64a()
	h.Write([]byte(key))
	return &PGAdvisoryLock{
		db:     db,
		lockID: int64(h.Sum64()),
	}
}

// Acquire is non-blocking; pg_try_advisory_lock answers immediately.
func (l *PGAdvisoryLock) Acquire(ctx context.Context) (bool, error) {
	var acquired bool
	err := l.db.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", l.lockID).Scan(&acquired)
	return acquired, err
}

// Release frees the advisory lock for this session.
func (l *PGAdvisoryLock) Release(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", l.lockID)
	return err
}
