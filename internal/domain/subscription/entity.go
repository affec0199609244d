// internal/domain/subscription/entity.go
package subscription

import (
	"database/sql"
	"time"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusActive     Status = "active"
	StatusCancelled  Status = "cancelled"
	StatusFailed     Status = "failed"

	// StatusCompleted is only written by legacy checkout code; duplicate scans treat it as live.
	StatusCompleted Status = "completed"
)

// IsTerminal reports whether the status must not be overwritten by a stale pending/processing event.
func (s Status) IsTerminal() bool {
	return s == StatusCancelled
}

type Frequency string

const (
	FrequencyWeekly     Frequency = "weekly"
	FrequencyBiweekly   Frequency = "biweekly"
	FrequencyMonthly    Frequency = "monthly"
	FrequencyQuarterly  Frequency = "quarterly"
	FrequencySemiannual Frequency = "semiannual"
	FrequencyAnnual     Frequency = "annual"
)

var frequencyDays = map[Frequency]int{
	FrequencyWeekly:     7,
	FrequencyBiweekly:   14,
	FrequencyMonthly:    30,
	FrequencyQuarterly:  90,
	FrequencySemiannual: 180,
	FrequencyAnnual:     365,
}

// Days returns the fixed day count of one billing period. Unknown types bill monthly.
func (f Frequency) Days() int {
	if d, ok := frequencyDays[f]; ok {
		return d
	}
	return frequencyDays[FrequencyMonthly]
}

type Subscription struct {
	ID                int64          `json:"id" db:"id"`
	ExternalReference sql.NullString `json:"external_reference,omitempty" db:"external_reference"`

	// Classification
	UserID           int64     `json:"user_id" db:"user_id"`
	ProductID        int64     `json:"product_id" db:"product_id"`
	SubscriptionType Frequency `json:"subscription_type" db:"subscription_type"`
	Frequency        int       `json:"frequency" db:"frequency"`
	Status           Status    `json:"status" db:"status"`

	// Billing
	Price           float64      `json:"price" db:"price"`
	Currency        string       `json:"currency" db:"currency"`
	StartDate       sql.NullTime `json:"start_date,omitempty" db:"start_date"`
	NextBillingDate sql.NullTime `json:"next_billing_date,omitempty" db:"next_billing_date"`

	// Correlation aids
	CustomerData CustomerData `json:"customer_data" db:"customer_data"`
	Metadata     Metadata     `json:"metadata" db:"metadata"`

	// Timestamps
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Reference returns the external reference or "" when unset.
func (s *Subscription) Reference() string {
	if !s.ExternalReference.Valid {
		return ""
	}
	return s.ExternalReference.String
}

// DuplicateCriteria drives the pre-flight duplicate scan of the idempotency engine.
type DuplicateCriteria struct {
	ExternalReference string
	UserID            *int64
	ProductID         *int64
	PayerEmail        string
}

// SyncUpdate is the set of columns written by one reconciliation update.
// Metadata is merged into the stored bag; nil pointers leave the column untouched
// and ExternalReference is only written when the row has none.
type SyncUpdate struct {
	Status            Status
	Metadata          Metadata
	ExternalReference *string
	StartDate         *time.Time
	NextBillingDate   *time.Time
}
