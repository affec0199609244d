// internal/repository/postgres/idempotency_repo.go
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"subsync-service/internal/domain/idempotency"
	xerrors "subsync-service/internal/pkg/errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type IdempotencyRepository struct {
	db *pgxpool.Pool
}

func NewIdempotencyRepository(db *pgxpool.Pool) *IdempotencyRepository {
	return &IdempotencyRepository{db: db}
}

// AcquireLock inserts the lock row, taking over an existing row only when it has
// expired. It reports false when a live lock is held by someone else.
func (r *IdempotencyRepository) AcquireLock(ctx context.Context, lock *idempotency.Lock, now time.Time) (bool, error) {
	query := `
		INSERT INTO idempotency_locks (lock_key, owner, expires_at, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (lock_key) DO UPDATE
		SET owner = EXCLUDED.owner,
		    expires_at = EXCLUDED.expires_at,
		    created_at = EXCLUDED.created_at
		WHERE idempotency_locks.expires_at <= $4
		RETURNING lock_key
	`

	var key string
	err := r.db.QueryRow(ctx, query, lock.LockKey, lock.Owner, lock.ExpiresAt, now).Scan(&key)
	if errors.Is(err, pgx.ErrNoRows) {
		// Conflict with a live row: the DO UPDATE guard filtered it out.
		return false, nil
	}
	if xerrors.IsUniqueViolation(err) {
		// Lost a race with a concurrent insert of the same key.
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock: %w", err)
	}
	return true, nil
}

// ReleaseLock deletes the lock only while it still belongs to owner.
func (r *IdempotencyRepository) ReleaseLock(ctx context.Context, lockKey, owner string) error {
	query := `DELETE FROM idempotency_locks WHERE lock_key = $1 AND owner = $2`
	if _, err := r.db.Exec(ctx, query, lockKey, owner); err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}

func (r *IdempotencyRepository) GetResult(ctx context.Context, key string, now time.Time) (*idempotency.StoredResult, error) {
	query := `
		SELECT idempotency_key, result, expires_at, created_at
		FROM idempotency_results
		WHERE idempotency_key = $1 AND expires_at > $2
	`

	var res idempotency.StoredResult
	var raw []byte
	err := r.db.QueryRow(ctx, query, key, now).Scan(&res.Key, &raw, &res.ExpiresAt, &res.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, xerrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get idempotency result: %w", err)
	}
	res.Result = raw
	return &res, nil
}

// SaveResult upserts so a result that expired and was recomputed replaces the old row.
func (r *IdempotencyRepository) SaveResult(ctx context.Context, res *idempotency.StoredResult) error {
	query := `
		INSERT INTO idempotency_results (idempotency_key, result, expires_at, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (idempotency_key) DO UPDATE
		SET result = EXCLUDED.result,
		    expires_at = EXCLUDED.expires_at,
		    created_at = EXCLUDED.created_at
	`

	var raw []byte
	if len(res.Result) > 0 {
		raw = res.Result
	}
	if _, err := r.db.Exec(ctx, query, res.Key, raw, res.ExpiresAt, res.CreatedAt); err != nil {
		return fmt.Errorf("failed to save idempotency result: %w", err)
	}
	return nil
}

func (r *IdempotencyRepository) DeleteExpiredLocks(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM idempotency_locks WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired locks: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *IdempotencyRepository) DeleteExpiredResults(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM idempotency_results WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired results: %w", err)
	}
	return tag.RowsAffected(), nil
}
