// internal/repository/postgres/sync_log_repo.go
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"subsync-service/internal/domain/synclog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"
)

const defaultSyncLogLimit = 50

type SyncLogRepository struct {
	db *pgxpool.Pool
}

func NewSyncLogRepository(db *pgxpool.Pool) *SyncLogRepository {
	return &SyncLogRepository{db: db}
}

// Append inserts one audit event, assigning a ULID when the event has no id.
func (r *SyncLogRepository) Append(ctx context.Context, e *synclog.Event) error {
	if e.ID == "" {
		e.ID = ulid.Make().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}

	details, err := json.Marshal(e.Details)
	if err != nil {
		return fmt.Errorf("failed to marshal sync log details: %w", err)
	}
	if e.Details == nil {
		details = []byte("{}")
	}

	query := `
		INSERT INTO sync_logs (id, event_type, idempotency_key, lock_key, subscription_id, details, created_at)
		VALUES ($1, $2, NULLIF($3::text, ''), NULLIF($4::text, ''), $5, $6, $7)
	`
	_, err = r.db.Exec(ctx, query,
		e.ID, string(e.EventType), e.IdempotencyKey, e.LockKey, e.SubscriptionID, details, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append sync log: %w", err)
	}
	return nil
}

// List returns the most recent events, newest first.
func (r *SyncLogRepository) List(ctx context.Context, f synclog.ListFilters) ([]*synclog.Event, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = defaultSyncLogLimit
	}

	var eventType *string
	if f.EventType != nil {
		s := string(*f.EventType)
		eventType = &s
	}

	query := `
		SELECT id, event_type, COALESCE(idempotency_key, ''), COALESCE(lock_key, ''),
		       subscription_id, details, created_at
		FROM sync_logs
		WHERE ($1::text IS NULL OR event_type = $1)
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := r.db.Query(ctx, query, eventType, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sync logs: %w", err)
	}
	defer rows.Close()

	var events []*synclog.Event
	for rows.Next() {
		var e synclog.Event
		var eventTypeStr string
		var details []byte
		if err := rows.Scan(&e.ID, &eventTypeStr, &e.IdempotencyKey, &e.LockKey, &e.SubscriptionID, &details, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan sync log: %w", err)
		}
		e.EventType = synclog.EventType(eventTypeStr)
		if len(details) > 0 {
			if err := json.Unmarshal(details, &e.Details); err != nil {
				return nil, fmt.Errorf("failed to unmarshal sync log details: %w", err)
			}
		}
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sync logs: %w", err)
	}
	return events, nil
}
