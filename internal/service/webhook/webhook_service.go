// internal/service/webhook/webhook_service.go
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"subsync-service/internal/domain/subscription"
	"subsync-service/internal/pkg/correlation"
	xerrors "subsync-service/internal/pkg/errors"
	"subsync-service/internal/pkg/metrics"
	"subsync-service/internal/pkg/provider"

	"go.uber.org/zap"
)

type Syncer interface {
	SyncWithIdempotency(ctx context.Context, key string, criteria subscription.SyncCriteria, data subscription.ProviderData) (*subscription.SyncResult, error)
}

type PaymentFetcher interface {
	GetPayment(ctx context.Context, paymentID string) (*provider.Payment, error)
}

type Publisher interface {
	PublishSynced(ctx context.Context, res *subscription.SyncResult) error
}

// Notification accepts both the provider's envelope ({type, data:{id}}) and a
// direct payload that already carries the payment state.
type Notification struct {
	Type   string `json:"type"`
	Topic  string `json:"topic"`
	Action string `json:"action"`
	Data   struct {
		ID flexibleID `json:"id"`
	} `json:"data"`

	ExternalReference string     `json:"external_reference"`
	UserID            flexibleID `json:"user_id"`
	ProductID         flexibleID `json:"product_id"`
	PayerEmail        string     `json:"payer_email"`
	Status            string     `json:"status"`
	PaymentID         flexibleID `json:"payment_id"`
	CollectionID      flexibleID `json:"collection_id"`
	PreferenceID      string     `json:"preference_id"`
	PaymentType       string     `json:"payment_type"`
	SiteID            string     `json:"site_id"`
	EventTime         *time.Time `json:"event_time"`
}

// Outcome is what the webhook answers with. Ignored notifications carry no result.
type Outcome struct {
	Key     string                   `json:"key"`
	Ignored bool                     `json:"ignored,omitempty"`
	Reason  string                   `json:"reason,omitempty"`
	Result  *subscription.SyncResult `json:"result,omitempty"`
}

type Service struct {
	syncer    Syncer
	payments  PaymentFetcher
	publisher Publisher
	logger    *zap.Logger
}

func NewService(syncer Syncer, payments PaymentFetcher, publisher Publisher, logger *zap.Logger) *Service {
	return &Service{
		syncer:    syncer,
		payments:  payments,
		publisher: publisher,
		logger:    logger,
	}
}

// HandleNotification reconciles one provider delivery, keyed by a hash of the raw
// body so redeliveries replay the first outcome.
func (s *Service) HandleNotification(ctx context.Context, body []byte) (*Outcome, error) {
	out := &Outcome{Key: correlation.NotificationKey(body)}

	var n Notification
	if err := json.Unmarshal(body, &n); err != nil {
		metrics.WebhookNotifications.WithLabelValues("invalid").Inc()
		return out, fmt.Errorf("%w: malformed notification: %v", xerrors.ErrInvalidInput, err)
	}

	criteria, data, reason, err := s.extract(ctx, &n)
	if err != nil {
		metrics.WebhookNotifications.WithLabelValues("provider_error").Inc()
		return out, err
	}
	if reason != "" {
		metrics.WebhookNotifications.WithLabelValues("ignored").Inc()
		out.Ignored = true
		out.Reason = reason
		s.logger.Info("notification ignored", zap.String("key", out.Key), zap.String("reason", reason))
		return out, nil
	}

	res, err := s.syncer.SyncWithIdempotency(ctx, out.Key, criteria, data)
	out.Result = res
	if err != nil {
		metrics.WebhookNotifications.WithLabelValues("failed").Inc()
		s.logger.Error("notification sync failed",
			zap.String("key", out.Key),
			zap.String("external_reference", criteria.ExternalReference),
			zap.String("payment_id", data.PaymentID),
			zap.Error(err),
		)
		return out, err
	}

	outcome := string(res.Action)
	if res.Replayed {
		outcome = "replayed"
	}
	metrics.WebhookNotifications.WithLabelValues(outcome).Inc()

	if res.Publishable() {
		if err := s.publisher.PublishSynced(ctx, res); err != nil {
			s.logger.Warn("failed to publish sync event", zap.String("key", out.Key), zap.Error(err))
		}
	}
	return out, nil
}

// extract returns a non-empty reason when the notification is not about a payment.
func (s *Service) extract(ctx context.Context, n *Notification) (subscription.SyncCriteria, subscription.ProviderData, string, error) {
	kind := strings.ToLower(firstNonEmpty(n.Type, n.Topic))

	if id := n.Data.ID.String(); id != "" {
		if kind != "" && kind != "payment" {
			return subscription.SyncCriteria{}, subscription.ProviderData{}, fmt.Sprintf("unsupported notification type %q", kind), nil
		}
		payment, err := s.payments.GetPayment(ctx, id)
		if errors.Is(err, xerrors.ErrNotFound) {
			return subscription.SyncCriteria{}, subscription.ProviderData{}, fmt.Sprintf("payment %s not found at provider", id), nil
		}
		if err != nil {
			return subscription.SyncCriteria{}, subscription.ProviderData{}, "", fmt.Errorf("fetch payment %s: %w", id, err)
		}
		criteria, data := payment.SyncInput()
		return criteria, data, "", nil
	}

	if n.Status == "" {
		return subscription.SyncCriteria{}, subscription.ProviderData{}, "notification carries no payment id or status", nil
	}

	criteria := subscription.SyncCriteria{
		ExternalReference: strings.TrimSpace(n.ExternalReference),
		UserID:            n.UserID.Int64(),
		ProductID:         n.ProductID.Int64(),
		PayerEmail:        strings.TrimSpace(n.PayerEmail),
		CollectionID:      n.CollectionID.String(),
		PaymentID:         n.PaymentID.String(),
		PreferenceID:      n.PreferenceID,
	}
	data := subscription.ProviderData{
		Status:            n.Status,
		CollectionID:      criteria.CollectionID,
		PaymentID:         criteria.PaymentID,
		PreferenceID:      criteria.PreferenceID,
		PaymentType:       n.PaymentType,
		SiteID:            n.SiteID,
		ExternalReference: criteria.ExternalReference,
		EventTime:         n.EventTime,
	}
	return criteria, data, "", nil
}

// flexibleID decodes ids sent either as JSON strings or numbers.
type flexibleID string

func (f *flexibleID) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*f = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexibleID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexibleID(n.String())
	return nil
}

func (f flexibleID) String() string { return string(f) }

func (f flexibleID) Int64() *int64 {
	if f == "" {
		return nil
	}
	v, err := strconv.ParseInt(string(f), 10, 64)
	if err != nil {
		return nil
	}
	return &v
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
