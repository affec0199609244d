// internal/repository/postgres/subscription_repo.go
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"subsync-service/internal/domain/subscription"
	xerrors "subsync-service/internal/pkg/errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const subscriptionColumns = `
	id, external_reference, user_id, product_id, subscription_type, frequency, status,
	price, currency, start_date, next_billing_date, customer_data, metadata,
	created_at, updated_at`

type SubscriptionRepository struct {
	db *pgxpool.Pool
}

func NewSubscriptionRepository(db *pgxpool.Pool) *SubscriptionRepository {
	return &SubscriptionRepository{db: db}
}

// Create inserts a subscription. A second live row for the same user and product
// is rejected with xerrors.ErrConflict.
func (r *SubscriptionRepository) Create(ctx context.Context, sub *subscription.Subscription) error {
	query := `
		INSERT INTO unified_subscriptions (
			external_reference, user_id, product_id, subscription_type, frequency, status,
			price, currency, start_date, next_billing_date, customer_data, metadata
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id, created_at, updated_at
	`

	customerJSON, err := json.Marshal(sub.CustomerData)
	if err != nil {
		return fmt.Errorf("failed to marshal customer data: %w", err)
	}
	metadataJSON, err := json.Marshal(sub.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	err = r.db.QueryRow(
		ctx, query,
		sub.ExternalReference, sub.UserID, sub.ProductID, string(sub.SubscriptionType), sub.Frequency, string(sub.Status),
		sub.Price, sub.Currency, sub.StartDate, sub.NextBillingDate, customerJSON, metadataJSON,
	).Scan(&sub.ID, &sub.CreatedAt, &sub.UpdatedAt)

	if xerrors.IsUniqueViolation(err) {
		return fmt.Errorf("failed to create subscription: %w", xerrors.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("failed to create subscription: %w", err)
	}
	return nil
}

// FindByExternalReference returns the most recently updated row when the
// reference is not unique.
func (r *SubscriptionRepository) FindByExternalReference(ctx context.Context, ref string) (*subscription.Subscription, error) {
	query := `
		SELECT ` + subscriptionColumns + `
		FROM unified_subscriptions
		WHERE external_reference = $1
		ORDER BY updated_at DESC
		LIMIT 1
	`
	return r.queryOne(ctx, query, ref)
}

func (r *SubscriptionRepository) FindByUserAndProduct(ctx context.Context, userID, productID int64, statuses []subscription.Status) (*subscription.Subscription, error) {
	query := `
		SELECT ` + subscriptionColumns + `
		FROM unified_subscriptions
		WHERE user_id = $1 AND product_id = $2 AND status = ANY($3)
		ORDER BY updated_at DESC
		LIMIT 1
	`
	return r.queryOne(ctx, query, userID, productID, statusStrings(statuses))
}

// FindByEmailAndProduct matches when the stored payer email contains email.
func (r *SubscriptionRepository) FindByEmailAndProduct(ctx context.Context, email string, productID int64, statuses []subscription.Status) (*subscription.Subscription, error) {
	query := `
		SELECT ` + subscriptionColumns + `
		FROM unified_subscriptions
		WHERE customer_data->>'email' ILIKE '%' || $1::text || '%' ESCAPE '\'
		  AND product_id = $2 AND status = ANY($3)
		ORDER BY updated_at DESC
		LIMIT 1
	`
	return r.queryOne(ctx, query, escapeLike(email), productID, statusStrings(statuses))
}

func (r *SubscriptionRepository) FindByProviderIDs(ctx context.Context, collectionID, paymentID string) (*subscription.Subscription, error) {
	query := `
		SELECT ` + subscriptionColumns + `
		FROM unified_subscriptions
		WHERE ($1 <> '' AND metadata->>'collection_id' = $1)
		   OR ($2 <> '' AND metadata->>'payment_id' = $2)
		ORDER BY updated_at DESC
		LIMIT 1
	`
	return r.queryOne(ctx, query, collectionID, paymentID)
}

func (r *SubscriptionRepository) FindByPreferenceID(ctx context.Context, preferenceID string) (*subscription.Subscription, error) {
	query := `
		SELECT ` + subscriptionColumns + `
		FROM unified_subscriptions
		WHERE metadata->>'preference_id' = $1
		ORDER BY updated_at DESC
		LIMIT 1
	`
	return r.queryOne(ctx, query, preferenceID)
}

// FindDuplicate runs the pre-flight scan: an exact reference among live or
// completed rows first, then the user and product pair among live rows.
func (r *SubscriptionRepository) FindDuplicate(ctx context.Context, c subscription.DuplicateCriteria) (*subscription.Subscription, error) {
	if c.ExternalReference != "" {
		query := `
			SELECT ` + subscriptionColumns + `
			FROM unified_subscriptions
			WHERE external_reference = $1 AND status IN ('active', 'processing', 'completed')
			ORDER BY updated_at DESC
			LIMIT 1
		`
		sub, err := r.queryOne(ctx, query, c.ExternalReference)
		if err == nil || !errors.Is(err, xerrors.ErrNotFound) {
			return sub, err
		}
	}

	if c.UserID == nil || c.ProductID == nil {
		return nil, xerrors.ErrNotFound
	}

	query := `
		SELECT ` + subscriptionColumns + `
		FROM unified_subscriptions
		WHERE user_id = $1 AND product_id = $2 AND status IN ('active', 'processing')
		  AND ($3::text = '' OR customer_data->>'email' ILIKE '%' || $3::text || '%' ESCAPE '\')
		ORDER BY updated_at DESC
		LIMIT 1
	`
	return r.queryOne(ctx, query, *c.UserID, *c.ProductID, escapeLike(c.PayerEmail))
}

// ApplySync writes one reconciliation update atomically. Metadata is merged with
// the jsonb concatenation operator so keys written by other components survive,
// and the external reference and start date are only filled when empty.
func (r *SubscriptionRepository) ApplySync(ctx context.Context, id int64, u *subscription.SyncUpdate) (*subscription.Subscription, error) {
	query := `
		UPDATE unified_subscriptions
		SET status = $2,
		    metadata = COALESCE(metadata, '{}'::jsonb) || $3::jsonb,
		    external_reference = COALESCE(external_reference, $4::text),
		    next_billing_date = CASE
		        WHEN start_date IS NULL AND $5::timestamptz IS NOT NULL THEN $6::timestamptz
		        ELSE next_billing_date
		    END,
		    start_date = COALESCE(start_date, $5::timestamptz),
		    updated_at = NOW()
		WHERE id = $1
		RETURNING ` + subscriptionColumns

	metadataJSON, err := json.Marshal(u.Metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}

	sub, err := r.queryOne(ctx, query, id, string(u.Status), metadataJSON, u.ExternalReference, u.StartDate, u.NextBillingDate)
	if xerrors.IsUniqueViolation(err) {
		return nil, fmt.Errorf("failed to update subscription %d: %w", id, xerrors.ErrConflict)
	}
	return sub, err
}

// ListReconcileCandidates returns pending or processing rows untouched since
// updatedBefore that carry something the provider can be asked about.
func (r *SubscriptionRepository) ListReconcileCandidates(ctx context.Context, updatedBefore time.Time, limit int) ([]*subscription.Subscription, error) {
	query := `
		SELECT ` + subscriptionColumns + `
		FROM unified_subscriptions
		WHERE status IN ('pending', 'processing')
		  AND updated_at < $1
		  AND (metadata->>'payment_id' IS NOT NULL OR external_reference IS NOT NULL)
		ORDER BY updated_at ASC
		LIMIT $2
	`

	rows, err := r.db.Query(ctx, query, updatedBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list reconcile candidates: %w", err)
	}
	defer rows.Close()

	var subs []*subscription.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate reconcile candidates: %w", err)
	}
	return subs, nil
}

func (r *SubscriptionRepository) queryOne(ctx context.Context, query string, args ...any) (*subscription.Subscription, error) {
	sub, err := scanSubscription(r.db.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, xerrors.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func scanSubscription(row pgx.Row) (*subscription.Subscription, error) {
	var sub subscription.Subscription
	var subType, status string
	var customerJSON, metadataJSON []byte

	err := row.Scan(
		&sub.ID, &sub.ExternalReference, &sub.UserID, &sub.ProductID, &subType, &sub.Frequency, &status,
		&sub.Price, &sub.Currency, &sub.StartDate, &sub.NextBillingDate, &customerJSON, &metadataJSON,
		&sub.CreatedAt, &sub.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan subscription: %w", err)
	}

	sub.SubscriptionType = subscription.Frequency(subType)
	sub.Status = subscription.Status(status)
	if len(customerJSON) > 0 {
		if err := json.Unmarshal(customerJSON, &sub.CustomerData); err != nil {
			return nil, fmt.Errorf("failed to unmarshal customer data: %w", err)
		}
	}
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &sub.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	return &sub, nil
}

func statusStrings(statuses []subscription.Status) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// escapeLike makes value match itself literally inside a LIKE pattern.
func escapeLike(value string) string {
	return likeEscaper.Replace(value)
}
