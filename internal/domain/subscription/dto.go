// internal/domain/subscription/dto.go
package subscription

import "time"

// SyncCriteria is everything extractable from an inbound payment notification.
type SyncCriteria struct {
	ExternalReference string `json:"external_reference,omitempty"`
	UserID            *int64 `json:"user_id,omitempty"`
	ProductID         *int64 `json:"product_id,omitempty"`
	PayerEmail        string `json:"payer_email,omitempty"`
	CollectionID      string `json:"collection_id,omitempty"`
	PaymentID         string `json:"payment_id,omitempty"`
	PreferenceID      string `json:"preference_id,omitempty"`
}

// ProviderData is the status the billing provider reports for a payment.
type ProviderData struct {
	Status            string     `json:"status"`
	CollectionID      string     `json:"collection_id,omitempty"`
	PaymentID         string     `json:"payment_id,omitempty"`
	PreferenceID      string     `json:"preference_id,omitempty"`
	PaymentType       string     `json:"payment_type,omitempty"`
	SiteID            string     `json:"site_id,omitempty"`
	ExternalReference string     `json:"external_reference,omitempty"`
	EventTime         *time.Time `json:"event_time,omitempty"`
}

type Action string

const (
	ActionFound   Action = "found"
	ActionCreated Action = "created"
	ActionUpdated Action = "updated"
	ActionFailed  Action = "failed"
)

type ConfidenceBand string

const (
	BandHigh   ConfidenceBand = "high"
	BandMedium ConfidenceBand = "medium"
	BandLow    ConfidenceBand = "low"
)

// BandFor classifies a match score: high >= 80, medium 60-79, low < 60.
func BandFor(score int) ConfidenceBand {
	switch {
	case score >= 80:
		return BandHigh
	case score >= 60:
		return BandMedium
	default:
		return BandLow
	}
}

type SyncResult struct {
	Success      bool           `json:"success"`
	Subscription *Subscription  `json:"subscription,omitempty"`
	Action       Action         `json:"action"`
	Criteria     string         `json:"criteria"`
	Confidence   int            `json:"confidence,omitempty"`
	Band         ConfidenceBand `json:"band,omitempty"`
	Errors       []string       `json:"errors,omitempty"`

	// StatusChanged is set when the sync moved the stored status or started billing.
	StatusChanged bool `json:"status_changed,omitempty"`

	// Replayed is set when the outcome came from the idempotency result cache.
	Replayed bool `json:"-"`
}

// Publishable reports whether the outcome is news to downstream consumers.
func (r *SyncResult) Publishable() bool {
	if r == nil || r.Replayed || !r.StatusChanged {
		return false
	}
	return r.Action == ActionCreated || r.Action == ActionUpdated
}
