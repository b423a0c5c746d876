package distlock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	return mr, redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func TestRedisLockMutualExclusion(t *testing.T) {
	_, client := newTestRedis(t)
	ctx := context.Background()

	a := NewRedisLock(client, "send:batch_x", time.Minute)
	b := NewRedisLock(client, "send:batch_x", time.Minute)

	ok, err := a.Acquire(ctx)
	if err != nil || !ok {
		t.Fatalf("first acquire: ok=%v err=%v", ok, err)
	}
	ok, err = b.Acquire(ctx)
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if ok {
		t.Fatal("second holder acquired a held lock")
	}

	if err := a.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	ok, err = b.Acquire(ctx)
	if err != nil || !ok {
		t.Fatalf("acquire after release: ok=%v err=%v", ok, err)
	}
}

func TestRedisLockReleaseOnlyByOwner(t *testing.T) {
	_, client := newTestRedis(t)
	ctx := context.Background()

	owner := NewRedisLock(client, "send:batch_y", time.Minute)
	thief := NewRedisLock(client, "send:batch_y", time.Minute)

	if ok, _ := owner.Acquire(ctx); !ok {
		t.Fatal("owner acquire failed")
	}
	// A non-owner release must not free the lock.
	if err := thief.Release(ctx); err != nil {
		t.Fatalf("thief release: %v", err)
	}
	if ok, _ := thief.Acquire(ctx); ok {
		t.Fatal("lock freed by non-owner release")
	}
}

func TestRedisLockDistinctKeys(t *testing.T) {
	_, client := newTestRedis(t)
	ctx := context.Background()

	a := NewRedisLock(client, "send:batch_1", time.Minute)
	b := NewRedisLock(client, "send:batch_2", time.Minute)

	if ok, _ := a.Acquire(ctx); !ok {
		t.Fatal("acquire batch_1 failed")
	}
	if ok, _ := b.Acquire(ctx); !ok {
		t.Fatal("distinct keys must not contend")
	}
}

func TestRedisLockExtend(t *testing.T) {
	mr, client := newTestRedis(t)
	ctx := context.Background()

	l := NewRedisLock(client, "send:batch_z", 30*time.Second)
	if ok, _ := l.Acquire(ctx); !ok {
		t.Fatal("acquire failed")
	}
	if err := l.Extend(ctx, 5*time.Minute); err != nil {
		t.Fatalf("extend while held: %v", err)
	}
	// Past the original TTL the extended lock is still in place.
	mr.FastForward(time.Minute)
	if ok, _ := NewRedisLock(client, "send:batch_z", time.Minute).Acquire(ctx); ok {
		t.Fatal("extended lock was lost at the original TTL")
	}

	if err := l.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := l.Extend(ctx, time.Minute); !errors.Is(err, ErrNotHeld) {
		t.Fatalf("extend after release: got %v, want ErrNotHeld", err)
	}
}

func TestRedisLockExtendByNonOwner(t *testing.T) {
	_, client := newTestRedis(t)
	ctx := context.Background()

	owner := NewRedisLock(client, "send:batch_w", time.Minute)
	thief := NewRedisLock(client, "send:batch_w", time.Minute)

	if ok, _ := owner.Acquire(ctx); !ok {
		t.Fatal("owner acquire failed")
	}
	if err := thief.Extend(ctx, time.Hour); !errors.Is(err, ErrNotHeld) {
		t.Fatalf("non-owner extend: got %v, want ErrNotHeld", err)
	}
}

func TestPGAdvisoryLock(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	l := NewPGAdvisoryLock(db, "send:batch_pg")

	mock.ExpectQuery("SELECT pg_try_advisory_lock").
		WithArgs(l.lockID).
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(true))
	ok, err := l.Acquire(context.Background())
	if err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}

	mock.ExpectExec("SELECT pg_advisory_unlock").
		WithArgs(l.lockID).
		WillReturnResult(sqlmock.NewResult(0, 0))
	if err := l.Release(context.Background()); err != nil {
		t.Fatalf("release: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPGAdvisoryLockContended(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	l := NewPGAdvisoryLock(db, "send:batch_pg")
	mock.ExpectQuery("SELECT pg_try_advisory_lock").
		WithArgs(l.lockID).
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(false))

	ok, err := l.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if ok {
		t.Fatal("acquired a lock held by another session")
	}
}

func TestPGAdvisoryLockDeterministicID(t *testing.T) {
	a := NewPGAdvisoryLock(nil, "send:batch_a")
	b := NewPGAdvisoryLock(nil, "send:batch_a")
	c := NewPGAdvisoryLock(nil, "send:batch_b")

	if a.lockID != b.lockID {
		t.Fatal("same key must hash to the same lock id")
	}
	if a.lockID == c.lockID {
		t.Fatal("distinct keys hashed to the same lock id")
	}
}

func TestNewLockBackendSelection(t *testing.T) {
	_, client := newTestRedis(t)
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	if _, ok := NewLock(client, db, "k", time.Minute).(*RedisLock); !ok {
		t.Fatal("redis client available but lock is not redis-backed")
	}
	if _, ok := NewLock(nil, db, "k", time.Minute).(*PGAdvisoryLock); !ok {
		t.Fatal("no redis client but lock is not advisory-backed")
	}
}
