// internal/domain/synclog/entity.go
package synclog

import "time"

type EventType string

const (
	EventIdempotencyAttempt   EventType = "idempotency_attempt"
	EventIdempotencySuccess   EventType = "idempotency_success"
	EventIdempotencyDuplicate EventType = "idempotency_duplicate"
	EventIdempotencyCached    EventType = "idempotency_cached"
	EventIdempotencyFailure   EventType = "idempotency_failure"

	EventSyncUpdated EventType = "subscription_sync_updated"
	EventSyncCreated EventType = "subscription_sync_created"
	EventSyncFound   EventType = "subscription_sync_found"
	EventSyncFailed  EventType = "subscription_sync_failed"
)

// Event is one append-only audit entry. Nothing in the reconciliation path reads it back.
type Event struct {
	ID             string         `json:"id" db:"id"`
	EventType      EventType      `json:"event_type" db:"event_type"`
	IdempotencyKey string         `json:"idempotency_key,omitempty" db:"idempotency_key"`
	LockKey        string         `json:"lock_key,omitempty" db:"lock_key"`
	SubscriptionID *int64         `json:"subscription_id,omitempty" db:"subscription_id"`
	Details        map[string]any `json:"details,omitempty" db:"details"`
	CreatedAt      time.Time      `json:"created_at" db:"created_at"`
}

type ListFilters struct {
	EventType *EventType `form:"event_type"`
	Limit     int        `form:"limit" binding:"omitempty,min=1,max=500"`
}
