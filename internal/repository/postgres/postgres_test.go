package postgres

import (
	"context"
	"database/sql"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"subsync-service/internal/domain/idempotency"
	"subsync-service/internal/domain/subscription"
	xerrors "subsync-service/internal/pkg/errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testPool connects to SUBSYNC_TEST_DATABASE_URL and applies the schema. Tests
// that need it are skipped when the variable is unset.
func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	url := os.Getenv("SUBSYNC_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("SUBSYNC_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, url)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, NewDB(pool).EnsureSchema(ctx))
	return pool
}

func TestEscapeLike(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"buyer@example.com", "buyer@example.com"},
		{"first_last@example.com", `first\_last@example.com`},
		{"100%@example.com", `100\%@example.com`},
		{`back\slash@example.com`, `back\\slash@example.com`},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, escapeLike(tt.in))
		})
	}
}

func TestIdempotencyRepository_AcquireLock(t *testing.T) {
	pool := testPool(t)
	repo := NewIdempotencyRepository(pool)
	ctx := context.Background()

	key := "lock-" + uuid.NewString()
	t.Cleanup(func() {
		_, _ = pool.Exec(context.Background(), `DELETE FROM idempotency_locks WHERE lock_key = $1`, key)
	})

	now := time.Now().UTC().Truncate(time.Microsecond)
	lockFor := func(owner string, at time.Time) *idempotency.Lock {
		return &idempotency.Lock{LockKey: key, Owner: owner, ExpiresAt: at.Add(time.Minute), CreatedAt: at}
	}

	ok, err := repo.AcquireLock(ctx, lockFor("a", now), now)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.AcquireLock(ctx, lockFor("b", now), now)
	require.NoError(t, err)
	assert.False(t, ok, "live lock must not be taken over")

	later := now.Add(2 * time.Minute)
	ok, err = repo.AcquireLock(ctx, lockFor("b", later), later)
	require.NoError(t, err)
	assert.True(t, ok, "expired lock must be taken over")

	require.NoError(t, repo.ReleaseLock(ctx, key, "a"))
	ok, err = repo.AcquireLock(ctx, lockFor("c", later), later)
	require.NoError(t, err)
	assert.False(t, ok, "a stale owner must not release the new holder's lock")

	require.NoError(t, repo.ReleaseLock(ctx, key, "b"))
	ok, err = repo.AcquireLock(ctx, lockFor("c", later), later)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestIdempotencyRepository_AcquireLockConcurrent(t *testing.T) {
	pool := testPool(t)
	repo := NewIdempotencyRepository(pool)

	key := "race-" + uuid.NewString()
	t.Cleanup(func() {
		_, _ = pool.Exec(context.Background(), `DELETE FROM idempotency_locks WHERE lock_key = $1`, key)
	})

	now := time.Now().UTC()
	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lock := &idempotency.Lock{LockKey: key, Owner: uuid.NewString(), ExpiresAt: now.Add(time.Minute), CreatedAt: now}
			ok, err := repo.AcquireLock(context.Background(), lock, now)
			assert.NoError(t, err)
			if ok {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), atomic.LoadInt32(&wins))
}

func TestIdempotencyRepository_Results(t *testing.T) {
	pool := testPool(t)
	repo := NewIdempotencyRepository(pool)
	ctx := context.Background()

	key := "result-" + uuid.NewString()
	t.Cleanup(func() {
		_, _ = pool.Exec(context.Background(), `DELETE FROM idempotency_results WHERE idempotency_key = $1`, key)
	})

	now := time.Now().UTC().Truncate(time.Microsecond)
	require.NoError(t, repo.SaveResult(ctx, &idempotency.StoredResult{
		Key: key, Result: []byte(`{"id":7}`), ExpiresAt: now.Add(time.Minute), CreatedAt: now,
	}))

	got, err := repo.GetResult(ctx, key, now)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":7}`, string(got.Result))

	_, err = repo.GetResult(ctx, key, now.Add(2*time.Minute))
	assert.ErrorIs(t, err, xerrors.ErrNotFound)
}

func TestSubscriptionRepository_ApplySync(t *testing.T) {
	pool := testPool(t)
	repo := NewSubscriptionRepository(pool)
	ctx := context.Background()

	userID := time.Now().UnixNano()
	t.Cleanup(func() {
		_, _ = pool.Exec(context.Background(), `DELETE FROM unified_subscriptions WHERE user_id = $1`, userID)
	})

	sub := &subscription.Subscription{
		UserID:           userID,
		ProductID:        7,
		SubscriptionType: subscription.FrequencyMonthly,
		Frequency:        1,
		Status:           subscription.StatusPending,
		Metadata: subscription.Metadata{
			PaymentID: "1",
			Extra:     map[string]any{"campaign": "spring"},
		},
	}
	require.NoError(t, repo.Create(ctx, sub))

	start := time.Now().UTC().Truncate(time.Second)
	next := start.AddDate(0, 1, 0)
	ref := "SUB-applied"
	updated, err := repo.ApplySync(ctx, sub.ID, &subscription.SyncUpdate{
		Status:            subscription.StatusActive,
		Metadata:          subscription.Metadata{PaymentID: "2"},
		ExternalReference: &ref,
		StartDate:         &start,
		NextBillingDate:   &next,
	})
	require.NoError(t, err)

	assert.Equal(t, subscription.StatusActive, updated.Status)
	assert.Equal(t, "2", updated.Metadata.PaymentID)
	assert.Equal(t, "spring", updated.Metadata.Extra["campaign"], "keys not in the update must survive")
	assert.Equal(t, sql.NullString{String: ref, Valid: true}, updated.ExternalReference)
	require.True(t, updated.StartDate.Valid)
	assert.True(t, start.Equal(updated.StartDate.Time))

	otherRef := "SUB-ignored"
	laterStart := start.Add(time.Hour)
	again, err := repo.ApplySync(ctx, sub.ID, &subscription.SyncUpdate{
		Status:            subscription.StatusActive,
		ExternalReference: &otherRef,
		StartDate:         &laterStart,
	})
	require.NoError(t, err)
	assert.Equal(t, ref, again.ExternalReference.String, "reference is only filled when empty")
	assert.True(t, start.Equal(again.StartDate.Time), "start date is only filled when empty")
	assert.True(t, next.Equal(again.NextBillingDate.Time))
}

func TestSubscriptionRepository_FindByEmailAndProductIsLiteral(t *testing.T) {
	pool := testPool(t)
	repo := NewSubscriptionRepository(pool)
	ctx := context.Background()

	userID := time.Now().UnixNano()
	t.Cleanup(func() {
		_, _ = pool.Exec(context.Background(), `DELETE FROM unified_subscriptions WHERE user_id = $1`, userID)
	})

	productID := userID % 1_000_000
	require.NoError(t, repo.Create(ctx, &subscription.Subscription{
		UserID:           userID,
		ProductID:        productID,
		SubscriptionType: subscription.FrequencyMonthly,
		Frequency:        1,
		Status:           subscription.StatusPending,
		CustomerData:     subscription.CustomerData{Email: "axb@example.com"},
	}))
	statuses := []subscription.Status{subscription.StatusPending}

	_, err := repo.FindByEmailAndProduct(ctx, "a_b@example.com", productID, statuses)
	assert.ErrorIs(t, err, xerrors.ErrNotFound)

	_, err = repo.FindByEmailAndProduct(ctx, "%@example.com", productID, statuses)
	assert.ErrorIs(t, err, xerrors.ErrNotFound)

	found, err := repo.FindByEmailAndProduct(ctx, "xb@example", productID, statuses)
	require.NoError(t, err)
	assert.Equal(t, userID, found.UserID)
}
