// internal/service/idempotency/idempotency_service.go
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"subsync-service/internal/domain/idempotency"
	"subsync-service/internal/domain/subscription"
	"subsync-service/internal/domain/synclog"
	"subsync-service/internal/pkg/correlation"
	xerrors "subsync-service/internal/pkg/errors"
	"subsync-service/internal/pkg/metrics"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	baseBackoff = 1000 * time.Millisecond
	stepBackoff = 500 * time.Millisecond
)

// Store persists lock rows and cached results. AcquireLock must return false
// (not an error) when an unexpired lock with the same key exists.
type Store interface {
	AcquireLock(ctx context.Context, lock *idempotency.Lock, now time.Time) (bool, error)
	ReleaseLock(ctx context.Context, lockKey, owner string) error
	GetResult(ctx context.Context, key string, now time.Time) (*idempotency.StoredResult, error)
	SaveResult(ctx context.Context, result *idempotency.StoredResult) error
	DeleteExpiredLocks(ctx context.Context, now time.Time) (int64, error)
	DeleteExpiredResults(ctx context.Context, now time.Time) (int64, error)
}

type DuplicateFinder interface {
	FindDuplicate(ctx context.Context, criteria subscription.DuplicateCriteria) (*subscription.Subscription, error)
}

type AuditLog interface {
	Append(ctx context.Context, event *synclog.Event) error
}

// ResultCache is an optional fast path in front of Store. A miss is (nil, nil).
type ResultCache interface {
	Get(ctx context.Context, key string) (json.RawMessage, error)
	Set(ctx context.Context, key string, value json.RawMessage, ttl time.Duration) error
}

type Defaults struct {
	TTLSeconds          int
	MaxRetries          int
	EnablePreValidation bool
}

type Service struct {
	store      Store
	duplicates DuplicateFinder
	audit      AuditLog
	cache      ResultCache
	defaults   Defaults
	logger     *zap.Logger

	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
	newOwner func() string
}

func NewService(
	store Store,
	duplicates DuplicateFinder,
	audit AuditLog,
	cache ResultCache,
	defaults Defaults,
	logger *zap.Logger,
) *Service {
	return &Service{
		store:      store,
		duplicates: duplicates,
		audit:      audit,
		cache:      cache,
		defaults:   defaults,
		logger:     logger,
		now:        time.Now,
		sleep:      sleepContext,
		newOwner:   func() string { return uuid.NewString() },
	}
}

// NewConfig returns a Config carrying the service defaults for the given key.
func (s *Service) NewConfig(key string, corr idempotency.CorrelationData) idempotency.Config {
	return idempotency.Config{
		IdempotencyKey:      key,
		TTLSeconds:          s.defaults.TTLSeconds,
		MaxRetries:          s.defaults.MaxRetries,
		EnablePreValidation: s.defaults.EnablePreValidation,
		CorrelationData:     corr,
	}
}

// ExecuteWithIdempotency runs operation at most once per idempotency key.
//
// Order: pre-validation, cached result, lock acquisition with backoff, cached
// result again, final duplicate scan, execute, persist result, release lock.
// The lock is always released once acquired, even when operation fails or panics.
func (s *Service) ExecuteWithIdempotency(ctx context.Context, operation idempotency.Operation, cfg idempotency.Config) (*idempotency.Result, error) {
	start := s.now()
	if cfg.IdempotencyKey == "" {
		return &idempotency.Result{ValidationErrors: []string{"idempotency key is required"}}, xerrors.ErrValidation
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = s.defaults.MaxRetries
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = idempotency.DefaultMaxRetries
	}
	if cfg.TTLSeconds <= 0 {
		cfg.TTLSeconds = s.defaults.TTLSeconds
	}

	corr := cfg.CorrelationData
	lockKey := correlation.LockKey(cfg.IdempotencyKey, corr.UserID, corr.ProductID, corr.ExternalReference)
	ev := eventContext{key: cfg.IdempotencyKey, lockKey: lockKey, start: start}

	s.record(ctx, ev, synclog.EventIdempotencyAttempt, nil, map[string]any{
		"pre_validation": cfg.EnablePreValidation,
		"ttl_seconds":    cfg.TTL().Seconds(),
		"max_retries":    cfg.MaxRetries,
	})

	if cfg.EnablePreValidation {
		if !corr.HasStrongKey() {
			msg := "externalReference or userId is required"
			s.finish(ctx, ev, synclog.EventIdempotencyFailure, "validation", nil, map[string]any{"error": msg})
			return &idempotency.Result{ValidationErrors: []string{msg}}, xerrors.ErrValidation
		}

		dup, err := s.findDuplicate(ctx, corr)
		if err != nil {
			s.finish(ctx, ev, synclog.EventIdempotencyFailure, "error", nil, map[string]any{"error": err.Error(), "stage": "pre_validation"})
			return nil, fmt.Errorf("pre-validation duplicate scan: %w", err)
		}
		if dup != nil {
			return s.duplicateResult(ctx, ev, dup, false), nil
		}
	}

	cached, err := s.lookupResult(ctx, cfg.IdempotencyKey)
	if err != nil {
		s.finish(ctx, ev, synclog.EventIdempotencyFailure, "error", nil, map[string]any{"error": err.Error(), "stage": "cache_lookup"})
		return nil, err
	}
	if cached != nil {
		s.finish(ctx, ev, synclog.EventIdempotencyCached, "cached", nil, nil)
		return &idempotency.Result{IsProcessed: true, Result: cached}, nil
	}

	owner := s.newOwner()
	acquired, cached, err := s.acquireLock(ctx, cfg, lockKey, owner)
	if err != nil {
		s.finish(ctx, ev, synclog.EventIdempotencyFailure, "error", nil, map[string]any{"error": err.Error(), "stage": "lock"})
		return nil, err
	}
	if cached != nil {
		s.finish(ctx, ev, synclog.EventIdempotencyCached, "cached", nil, map[string]any{"resolved_while_waiting": true})
		return &idempotency.Result{IsProcessed: true, Result: cached}, nil
	}
	if !acquired {
		s.finish(ctx, ev, synclog.EventIdempotencyFailure, "lock_contention", nil, map[string]any{
			"error":    idempotency.LockRetryFailedMessage,
			"attempts": cfg.MaxRetries,
		})
		return &idempotency.Result{ValidationErrors: []string{idempotency.LockRetryFailedMessage}}, xerrors.ErrLockContention
	}
	defer s.releaseLock(ctx, lockKey, owner)

	// Another caller may have finished between the first lookup and our lock.
	cached, err = s.lookupResult(ctx, cfg.IdempotencyKey)
	if err != nil {
		s.finish(ctx, ev, synclog.EventIdempotencyFailure, "error", nil, map[string]any{"error": err.Error(), "stage": "post_lock_lookup"})
		return nil, err
	}
	if cached != nil {
		s.finish(ctx, ev, synclog.EventIdempotencyCached, "cached", nil, map[string]any{"resolved_before_lock": true})
		return &idempotency.Result{IsProcessed: true, Result: cached, LockAcquired: true}, nil
	}

	if cfg.EnablePreValidation {
		dup, err := s.findDuplicate(ctx, corr)
		if err != nil {
			s.finish(ctx, ev, synclog.EventIdempotencyFailure, "error", nil, map[string]any{"error": err.Error(), "stage": "final_check"})
			return nil, fmt.Errorf("final duplicate scan: %w", err)
		}
		if dup != nil {
			res := s.duplicateResult(ctx, ev, dup, true)
			res.LockAcquired = true
			return res, nil
		}
	}

	value, opErr := s.run(ctx, ev, operation)
	if opErr != nil {
		s.finish(ctx, ev, synclog.EventIdempotencyFailure, "operation_failed", nil, map[string]any{"error": opErr.Error()})
		return &idempotency.Result{LockAcquired: true}, fmt.Errorf("%w: %w", xerrors.ErrOperationFailed, opErr)
	}

	raw, err := json.Marshal(value)
	if err != nil {
		// The side effect already happened; the result just cannot be replayed.
		s.logger.Error("failed to encode operation result",
			zap.String("idempotency_key", cfg.IdempotencyKey),
			zap.Error(err),
		)
		raw = nil
	} else {
		s.persistResult(ctx, cfg, raw)
	}

	s.finish(ctx, ev, synclog.EventIdempotencySuccess, "processed", nil, nil)
	return &idempotency.Result{IsProcessed: true, Result: raw, LockAcquired: true}, nil
}

// CleanupExpired deletes expired lock and result rows. Correctness never depends
// on it running; expiry is enforced at read and insert time.
func (s *Service) CleanupExpired(ctx context.Context) (idempotency.CleanupStats, error) {
	now := s.now()
	var stats idempotency.CleanupStats

	locks, err := s.store.DeleteExpiredLocks(ctx, now)
	if err != nil {
		return stats, fmt.Errorf("failed to delete expired locks: %w", err)
	}
	stats.LocksDeleted = locks

	results, err := s.store.DeleteExpiredResults(ctx, now)
	if err != nil {
		return stats, fmt.Errorf("failed to delete expired results: %w", err)
	}
	stats.ResultsDeleted = results

	metrics.CleanupDeleted.WithLabelValues("idempotency_locks").Add(float64(locks))
	metrics.CleanupDeleted.WithLabelValues("idempotency_results").Add(float64(results))

	s.logger.Info("expired idempotency rows cleaned up",
		zap.Int64("locks_deleted", locks),
		zap.Int64("results_deleted", results),
	)
	return stats, nil
}

// run records a failure event for a panicking operation before re-panicking.
// The caller's deferred release still frees the lock.
func (s *Service) run(ctx context.Context, ev eventContext, operation idempotency.Operation) (any, error) {
	defer func() {
		if r := recover(); r != nil {
			s.finish(ctx, ev, synclog.EventIdempotencyFailure, "panic", nil, map[string]any{"error": fmt.Sprint(r)})
			panic(r)
		}
	}()
	return operation(ctx)
}

func (s *Service) acquireLock(ctx context.Context, cfg idempotency.Config, lockKey, owner string) (bool, json.RawMessage, error) {
	ok, err := s.tryLock(ctx, cfg, lockKey, owner)
	if err != nil || ok {
		return ok, nil, err
	}

	for i := 0; i < cfg.MaxRetries; i++ {
		metrics.LockRetries.Inc()
		wait := baseBackoff + time.Duration(i)*stepBackoff
		s.logger.Debug("lock busy, waiting",
			zap.String("lock_key", lockKey),
			zap.Int("attempt", i+1),
			zap.Duration("wait", wait),
		)
		if err := s.sleep(ctx, wait); err != nil {
			return false, nil, err
		}

		cached, err := s.lookupResult(ctx, cfg.IdempotencyKey)
		if err != nil {
			return false, nil, err
		}
		if cached != nil {
			return false, cached, nil
		}

		ok, err := s.tryLock(ctx, cfg, lockKey, owner)
		if err != nil || ok {
			return ok, nil, err
		}
	}
	return false, nil, nil
}

func (s *Service) tryLock(ctx context.Context, cfg idempotency.Config, lockKey, owner string) (bool, error) {
	now := s.now()
	lock := &idempotency.Lock{
		LockKey:   lockKey,
		Owner:     owner,
		ExpiresAt: now.Add(cfg.TTL()),
		CreatedAt: now,
	}
	ok, err := s.store.AcquireLock(ctx, lock, now)
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock: %w", err)
	}
	return ok, nil
}

func (s *Service) releaseLock(ctx context.Context, lockKey, owner string) {
	// Release even when the caller's context is already cancelled.
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err := s.store.ReleaseLock(releaseCtx, lockKey, owner); err != nil {
		s.logger.Warn("failed to release idempotency lock; it will expire",
			zap.String("lock_key", lockKey),
			zap.Error(err),
		)
	}
}

func (s *Service) lookupResult(ctx context.Context, key string) (json.RawMessage, error) {
	if s.cache != nil {
		raw, err := s.cache.Get(ctx, key)
		if err != nil {
			s.logger.Warn("result cache read failed, falling back to database",
				zap.String("idempotency_key", key),
				zap.Error(err),
			)
		} else if raw != nil {
			return raw, nil
		}
	}

	now := s.now()
	stored, err := s.store.GetResult(ctx, key, now)
	if errors.Is(err, xerrors.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read idempotency result: %w", err)
	}
	if stored == nil || !stored.ExpiresAt.After(now) {
		return nil, nil
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, key, stored.Result, stored.ExpiresAt.Sub(now)); err != nil {
			s.logger.Warn("result cache backfill failed", zap.String("idempotency_key", key), zap.Error(err))
		}
	}
	if stored.Result == nil {
		return json.RawMessage("null"), nil
	}
	return stored.Result, nil
}

func (s *Service) persistResult(ctx context.Context, cfg idempotency.Config, raw json.RawMessage) {
	now := s.now()
	stored := &idempotency.StoredResult{
		Key:       cfg.IdempotencyKey,
		Result:    raw,
		ExpiresAt: now.Add(cfg.TTL()),
		CreatedAt: now,
	}
	if err := s.store.SaveResult(ctx, stored); err != nil {
		s.logger.Error("failed to persist idempotency result",
			zap.String("idempotency_key", cfg.IdempotencyKey),
			zap.Error(err),
		)
	}
	if s.cache != nil {
		if err := s.cache.Set(ctx, cfg.IdempotencyKey, raw, cfg.TTL()); err != nil {
			s.logger.Warn("result cache write failed", zap.String("idempotency_key", cfg.IdempotencyKey), zap.Error(err))
		}
	}
}

func (s *Service) findDuplicate(ctx context.Context, corr idempotency.CorrelationData) (*subscription.Subscription, error) {
	if s.duplicates == nil {
		return nil, nil
	}
	sub, err := s.duplicates.FindDuplicate(ctx, subscription.DuplicateCriteria{
		ExternalReference: corr.ExternalReference,
		UserID:            corr.UserID,
		ProductID:         corr.ProductID,
		PayerEmail:        corr.PayerEmail,
	})
	if errors.Is(err, xerrors.ErrNotFound) {
		return nil, nil
	}
	return sub, err
}

func (s *Service) duplicateResult(ctx context.Context, ev eventContext, dup *subscription.Subscription, postLock bool) *idempotency.Result {
	id := dup.ID
	s.finish(ctx, ev, synclog.EventIdempotencyDuplicate, "duplicate", &id, map[string]any{
		"existing_status":    string(dup.Status),
		"external_reference": dup.Reference(),
		"post_lock":          postLock,
	})
	return &idempotency.Result{DuplicateFound: true, ExistingSubscriptionID: &id}
}

type eventContext struct {
	key     string
	lockKey string
	start   time.Time
}

func (s *Service) finish(ctx context.Context, ev eventContext, eventType synclog.EventType, outcome string, subscriptionID *int64, details map[string]any) {
	elapsed := s.now().Sub(ev.start)
	metrics.IdempotencyOutcomes.WithLabelValues(outcome).Inc()
	metrics.OperationDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())

	if details == nil {
		details = make(map[string]any, 2)
	}
	details["outcome"] = outcome
	details["execution_time_ms"] = elapsed.Milliseconds()
	s.record(ctx, ev, eventType, subscriptionID, details)

	fields := []zap.Field{
		zap.String("idempotency_key", ev.key),
		zap.String("outcome", outcome),
		zap.Duration("elapsed", elapsed),
	}
	if eventType == synclog.EventIdempotencyFailure {
		s.logger.Warn("guarded operation not completed", fields...)
		return
	}
	s.logger.Info("guarded operation finished", fields...)
}

func (s *Service) record(ctx context.Context, ev eventContext, eventType synclog.EventType, subscriptionID *int64, details map[string]any) {
	if s.audit == nil {
		return
	}
	err := s.audit.Append(ctx, &synclog.Event{
		EventType:      eventType,
		IdempotencyKey: ev.key,
		LockKey:        ev.lockKey,
		SubscriptionID: subscriptionID,
		Details:        details,
		CreatedAt:      s.now(),
	})
	if err != nil {
		s.logger.Warn("failed to write sync log event",
			zap.String("event_type", string(eventType)),
			zap.String("idempotency_key", ev.key),
			zap.Error(err),
		)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
