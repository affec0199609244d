// internal/domain/idempotency/entity.go
package idempotency

import (
	"context"
	"encoding/json"
	"time"
)

const (
	DefaultTTLSeconds = 300
	DefaultMaxRetries = 3

	LockRetryFailedMessage = "Failed to acquire lock after retries"
)

// Operation performs the durable side effect guarded by the engine.
type Operation func(ctx context.Context) (any, error)

type CorrelationData struct {
	UserID            *int64 `json:"user_id,omitempty"`
	ProductID         *int64 `json:"product_id,omitempty"`
	ExternalReference string `json:"external_reference,omitempty"`
	PayerEmail        string `json:"payer_email,omitempty"`
	PlanID            string `json:"plan_id,omitempty"`
}

// HasStrongKey reports whether an external reference or a user id is present.
func (c CorrelationData) HasStrongKey() bool {
	return c.ExternalReference != "" || c.UserID != nil
}

type Config struct {
	IdempotencyKey      string
	TTLSeconds          int
	MaxRetries          int
	EnablePreValidation bool
	CorrelationData     CorrelationData
}

// TTL returns the configured lifetime, falling back to DefaultTTLSeconds.
func (c Config) TTL() time.Duration {
	if c.TTLSeconds <= 0 {
		return DefaultTTLSeconds * time.Second
	}
	return time.Duration(c.TTLSeconds) * time.Second
}

// Result is the outcome of one guarded execution.
type Result struct {
	IsProcessed            bool            `json:"is_processed"`
	Result                 json.RawMessage `json:"result,omitempty"`
	LockAcquired           bool            `json:"lock_acquired"`
	DuplicateFound         bool            `json:"duplicate_found"`
	ValidationErrors       []string        `json:"validation_errors,omitempty"`
	ExistingSubscriptionID *int64          `json:"existing_subscription_id,omitempty"`
}

// Decode unmarshals the stored operation result into v.
func (r *Result) Decode(v any) error {
	if r == nil || len(r.Result) == 0 {
		return nil
	}
	return json.Unmarshal(r.Result, v)
}

// Lock is a row in idempotency_locks. At most one unexpired row exists per LockKey.
type Lock struct {
	LockKey   string    `json:"lock_key" db:"lock_key"`
	Owner     string    `json:"owner" db:"owner"`
	ExpiresAt time.Time `json:"expires_at" db:"expires_at"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// StoredResult is a row in idempotency_results.
type StoredResult struct {
	Key       string          `json:"key" db:"idempotency_key"`
	Result    json.RawMessage `json:"result" db:"result"`
	ExpiresAt time.Time       `json:"expires_at" db:"expires_at"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

type CleanupStats struct {
	LocksDeleted   int64 `json:"locks_deleted"`
	ResultsDeleted int64 `json:"results_deleted"`
}
