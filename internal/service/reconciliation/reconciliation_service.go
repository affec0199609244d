// internal/service/reconciliation/reconciliation_service.go
package reconciliation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"subsync-service/internal/domain/idempotency"
	"subsync-service/internal/domain/subscription"
	"subsync-service/internal/domain/synclog"
	"subsync-service/internal/pkg/correlation"
	xerrors "subsync-service/internal/pkg/errors"
	"subsync-service/internal/pkg/metrics"

	"go.uber.org/zap"
)

const criteriaExternalReference = "external_reference"

type SubscriptionRepository interface {
	FindByExternalReference(ctx context.Context, ref string) (*subscription.Subscription, error)
	FindByUserAndProduct(ctx context.Context, userID, productID int64, statuses []subscription.Status) (*subscription.Subscription, error)
	FindByEmailAndProduct(ctx context.Context, email string, productID int64, statuses []subscription.Status) (*subscription.Subscription, error)
	FindByProviderIDs(ctx context.Context, collectionID, paymentID string) (*subscription.Subscription, error)
	FindByPreferenceID(ctx context.Context, preferenceID string) (*subscription.Subscription, error)
	ApplySync(ctx context.Context, id int64, update *subscription.SyncUpdate) (*subscription.Subscription, error)
	Create(ctx context.Context, sub *subscription.Subscription) error
}

// Executor gates a mutating operation behind the idempotency engine.
type Executor interface {
	ExecuteWithIdempotency(ctx context.Context, op idempotency.Operation, cfg idempotency.Config) (*idempotency.Result, error)
	NewConfig(key string, corr idempotency.CorrelationData) idempotency.Config
}

type AuditLog interface {
	Append(ctx context.Context, event *synclog.Event) error
}

type Service struct {
	subs     SubscriptionRepository
	executor Executor
	audit    AuditLog
	logger   *zap.Logger
	now      func() time.Time
}

func NewService(subs SubscriptionRepository, executor Executor, audit AuditLog, logger *zap.Logger) *Service {
	return &Service{
		subs:     subs,
		executor: executor,
		audit:    audit,
		logger:   logger,
		now:      time.Now,
	}
}

// SyncSubscription locates the subscription a payment notification refers to and
// applies the provider status to it, creating one when the evidence is strong
// enough. Datastore failures are returned as errors; an unresolvable notification
// is a failed result with a nil error.
func (s *Service) SyncSubscription(ctx context.Context, criteria subscription.SyncCriteria, data subscription.ProviderData) (*subscription.SyncResult, error) {
	start := s.now()
	criteria = normalizeCriteria(criteria, data)

	res, err := s.resolve(ctx, criteria, data)
	if err != nil {
		s.recordOutcome(ctx, start, &subscription.SyncResult{Action: subscription.ActionFailed, Errors: []string{err.Error()}}, nil)
		return nil, err
	}
	s.recordOutcome(ctx, start, res.result, res.candidate)
	return res.result, nil
}

type resolution struct {
	result    *subscription.SyncResult
	candidate *match
}

func (s *Service) resolve(ctx context.Context, criteria subscription.SyncCriteria, data subscription.ProviderData) (*resolution, error) {
	if criteria.ExternalReference != "" {
		sub, err := s.subs.FindByExternalReference(ctx, criteria.ExternalReference)
		if err != nil && !errors.Is(err, xerrors.ErrNotFound) {
			return nil, fmt.Errorf("find by external reference: %w", err)
		}
		if sub != nil && err == nil {
			updated, action, changed, err := s.applyUpdate(ctx, sub, criteria, data)
			if err != nil {
				return nil, err
			}
			return &resolution{result: &subscription.SyncResult{
				Success:       true,
				Subscription:  updated,
				Action:        action,
				StatusChanged: changed,
				Criteria:      criteriaExternalReference,
				Confidence:    100,
				Band:          subscription.BandHigh,
			}}, nil
		}
	}

	best, err := bestMatch(ctx, s.subs, criteria)
	if err != nil {
		return nil, fmt.Errorf("alternative criteria search: %w", err)
	}
	if best != nil && subscription.BandFor(best.score) == subscription.BandHigh {
		updated, action, changed, err := s.applyUpdate(ctx, best.subscription, criteria, data)
		if err != nil {
			return nil, err
		}
		return &resolution{result: &subscription.SyncResult{
			Success:       true,
			Subscription:  updated,
			Action:        action,
			StatusChanged: changed,
			Criteria:      best.criteria(),
			Confidence:    best.score,
			Band:          subscription.BandHigh,
		}}, nil
	}

	var weak []string
	if best != nil {
		weak = append(weak, fmt.Sprintf("weak match ignored: subscription %d via %s (confidence %d)",
			best.subscription.ID, best.criteria(), best.score))
		s.logger.Warn("weak subscription match needs manual review",
			zap.Int64("candidate_id", best.subscription.ID),
			zap.String("criteria", best.criteria()),
			zap.Int("confidence", best.score),
		)
	}

	if missing := creationGaps(criteria, data); len(missing) > 0 {
		errs := append(weak, fmt.Sprintf("%s: cannot create subscription without %s",
			xerrors.ErrReconciliationAmbiguous.Error(), strings.Join(missing, ", ")))
		return &resolution{
			result: &subscription.SyncResult{
				Success:  false,
				Action:   subscription.ActionFailed,
				Criteria: "none",
				Errors:   errs,
			},
			candidate: best,
		}, nil
	}

	res, err := s.create(ctx, criteria, data)
	if err != nil {
		return nil, err
	}
	res.Errors = append(weak, res.Errors...)
	return &resolution{result: res, candidate: best}, nil
}

// applyUpdate writes the provider state onto sub in one statement. The returned
// action is found when a guard kept the status unchanged; changed reports whether
// the status moved or billing started.
func (s *Service) applyUpdate(ctx context.Context, sub *subscription.Subscription, criteria subscription.SyncCriteria, data subscription.ProviderData) (*subscription.Subscription, subscription.Action, bool, error) {
	now := s.now()
	mapped := MapProviderStatus(data.Status)
	target := mapped
	action := subscription.ActionUpdated

	switch {
	case sub.Status.IsTerminal() && (mapped == subscription.StatusPending || mapped == subscription.StatusProcessing):
		target = sub.Status
		action = subscription.ActionFound
		s.logger.Info("ignoring non-terminal status for terminal subscription",
			zap.Int64("subscription_id", sub.ID),
			zap.String("current", string(sub.Status)),
			zap.String("reported", string(mapped)),
		)
	case isStale(sub, data):
		target = sub.Status
		action = subscription.ActionFound
		s.logger.Info("ignoring stale provider event",
			zap.Int64("subscription_id", sub.ID),
			zap.Time("event_time", *data.EventTime),
			zap.Time("last_event_time", *sub.Metadata.LastProviderEventAt),
		)
	}

	update := &subscription.SyncUpdate{
		Status:   target,
		Metadata: providerMetadata(criteria, data, now),
	}
	if action == subscription.ActionFound {
		// Keep the newer event time when discarding a stale status.
		update.Metadata.LastProviderEventAt = nil
	}

	if !sub.ExternalReference.Valid {
		if ref := firstNonEmpty(criteria.ExternalReference, data.ExternalReference); ref != "" {
			update.ExternalReference = &ref
		}
	}
	if target == subscription.StatusActive && !sub.StartDate.Valid {
		next := NextBillingDate(now, sub.SubscriptionType, sub.Frequency)
		update.StartDate = &now
		update.NextBillingDate = &next
	}

	changed := target != sub.Status || update.StartDate != nil

	updated, err := s.subs.ApplySync(ctx, sub.ID, update)
	if err != nil {
		return nil, subscription.ActionFailed, false, fmt.Errorf("apply sync to subscription %d: %w", sub.ID, err)
	}
	return updated, action, changed, nil
}

func (s *Service) create(ctx context.Context, criteria subscription.SyncCriteria, data subscription.ProviderData) (*subscription.SyncResult, error) {
	now := s.now()
	status := MapProviderStatus(data.Status)

	meta := providerMetadata(criteria, data, now)
	meta.CreatedFromSync = true

	sub := &subscription.Subscription{
		ExternalReference: sql.NullString{String: criteria.ExternalReference, Valid: true},
		UserID:            *criteria.UserID,
		ProductID:         *criteria.ProductID,
		SubscriptionType:  subscription.FrequencyMonthly,
		Frequency:         1,
		Status:            status,
		CustomerData:      subscription.CustomerData{Email: criteria.PayerEmail},
		Metadata:          meta,
	}
	if status == subscription.StatusActive {
		sub.StartDate = sql.NullTime{Time: now, Valid: true}
		sub.NextBillingDate = sql.NullTime{Time: NextBillingDate(now, sub.SubscriptionType, sub.Frequency), Valid: true}
	}

	err := s.subs.Create(ctx, sub)
	if errors.Is(err, xerrors.ErrConflict) {
		// A live subscription for the pair already exists; report it instead of a second one.
		existing, findErr := s.subs.FindByUserAndProduct(ctx, sub.UserID, sub.ProductID,
			[]subscription.Status{subscription.StatusActive, subscription.StatusProcessing})
		if findErr != nil {
			return nil, fmt.Errorf("create subscription: %w", err)
		}
		return &subscription.SyncResult{
			Success:      true,
			Subscription: existing,
			Action:       subscription.ActionFound,
			Criteria:     "user_id,product_id",
			Confidence:   scoreUserProduct,
			Band:         subscription.BandHigh,
			Errors:       []string{xerrors.ErrDuplicateDetected.Error()},
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("create subscription: %w", err)
	}

	return &subscription.SyncResult{
		Success:       true,
		Subscription:  sub,
		Action:        subscription.ActionCreated,
		Criteria:      "external_reference,user_id,product_id",
		Confidence:    100,
		Band:          subscription.BandHigh,
		StatusChanged: true,
	}, nil
}

// SyncWithIdempotency runs SyncSubscription behind the idempotency engine. An empty
// key is derived from the reference, payment id and status. Unresolved notifications
// are returned together with an error and are never cached, so a redelivery retries.
func (s *Service) SyncWithIdempotency(ctx context.Context, key string, criteria subscription.SyncCriteria, data subscription.ProviderData) (*subscription.SyncResult, error) {
	criteria = normalizeCriteria(criteria, data)
	if key == "" {
		key = correlation.GenerateKey("sync", criteria.ExternalReference, data.PaymentID, data.CollectionID, strings.ToLower(data.Status))
	}

	cfg := s.executor.NewConfig(key, idempotency.CorrelationData{
		UserID:            criteria.UserID,
		ProductID:         criteria.ProductID,
		ExternalReference: criteria.ExternalReference,
		PayerEmail:        criteria.PayerEmail,
	})
	// A pre-flight duplicate scan would match the pending row this sync activates.
	cfg.EnablePreValidation = false

	var fresh *subscription.SyncResult
	idem, err := s.executor.ExecuteWithIdempotency(ctx, func(ctx context.Context) (any, error) {
		res, err := s.SyncSubscription(ctx, criteria, data)
		if err != nil {
			return nil, err
		}
		fresh = res
		if !res.Success {
			return nil, fmt.Errorf("%w: %s", xerrors.ErrReconciliationAmbiguous, strings.Join(res.Errors, "; "))
		}
		return res, nil
	}, cfg)
	if err != nil {
		return fresh, err
	}
	if fresh != nil {
		return fresh, nil
	}
	if idem.DuplicateFound {
		return &subscription.SyncResult{
			Success:  true,
			Action:   subscription.ActionFound,
			Criteria: "duplicate",
			Errors:   []string{xerrors.ErrDuplicateDetected.Error()},
			Replayed: true,
		}, nil
	}

	var replay subscription.SyncResult
	if err := idem.Decode(&replay); err != nil {
		return nil, fmt.Errorf("decode cached sync result: %w", err)
	}
	replay.Replayed = true
	return &replay, nil
}

func (s *Service) recordOutcome(ctx context.Context, start time.Time, res *subscription.SyncResult, candidate *match) {
	band := string(res.Band)
	if band == "" {
		band = "none"
	}
	metrics.SyncActions.WithLabelValues(string(res.Action), band).Inc()

	details := map[string]any{
		"action":            string(res.Action),
		"criteria":          res.Criteria,
		"confidence":        res.Confidence,
		"execution_time_ms": s.now().Sub(start).Milliseconds(),
	}
	if len(res.Errors) > 0 {
		details["errors"] = res.Errors
	}
	if candidate != nil {
		details["candidate_id"] = candidate.subscription.ID
		details["candidate_confidence"] = candidate.score
		details["candidate_criteria"] = candidate.criteria()
	}

	var subID *int64
	if res.Subscription != nil {
		id := res.Subscription.ID
		subID = &id
	}

	if res.Action == subscription.ActionFailed {
		s.logger.Warn("subscription sync failed", zap.Strings("errors", res.Errors))
	} else {
		s.logger.Info("subscription synced",
			zap.String("action", string(res.Action)),
			zap.String("criteria", res.Criteria),
			zap.Int("confidence", res.Confidence),
		)
	}

	if s.audit == nil {
		return
	}
	if err := s.audit.Append(ctx, &synclog.Event{
		EventType:      eventTypeFor(res.Action),
		SubscriptionID: subID,
		Details:        details,
		CreatedAt:      s.now(),
	}); err != nil {
		s.logger.Warn("failed to write sync log event", zap.Error(err))
	}
}

func eventTypeFor(action subscription.Action) synclog.EventType {
	switch action {
	case subscription.ActionCreated:
		return synclog.EventSyncCreated
	case subscription.ActionUpdated:
		return synclog.EventSyncUpdated
	case subscription.ActionFound:
		return synclog.EventSyncFound
	default:
		return synclog.EventSyncFailed
	}
}

// normalizeCriteria fills gaps from the provider payload and from a parsable
// external reference.
func normalizeCriteria(c subscription.SyncCriteria, data subscription.ProviderData) subscription.SyncCriteria {
	c.ExternalReference = strings.TrimSpace(firstNonEmpty(c.ExternalReference, data.ExternalReference))
	c.CollectionID = firstNonEmpty(c.CollectionID, data.CollectionID)
	c.PaymentID = firstNonEmpty(c.PaymentID, data.PaymentID)
	c.PreferenceID = firstNonEmpty(c.PreferenceID, data.PreferenceID)
	c.PayerEmail = strings.TrimSpace(c.PayerEmail)

	if c.UserID == nil || c.ProductID == nil {
		if user, product, ok := correlation.ParseExternalReference(c.ExternalReference); ok {
			if c.UserID == nil {
				c.UserID = &user
			}
			if c.ProductID == nil {
				c.ProductID = &product
			}
		}
	}
	return c
}

func creationGaps(c subscription.SyncCriteria, data subscription.ProviderData) []string {
	var missing []string
	if c.ExternalReference == "" {
		missing = append(missing, "externalReference")
	}
	if c.UserID == nil {
		missing = append(missing, "userId")
	}
	if c.ProductID == nil {
		missing = append(missing, "productId")
	}
	if strings.ToLower(strings.TrimSpace(data.Status)) != "approved" {
		missing = append(missing, "approved status")
	}
	return missing
}

func providerMetadata(c subscription.SyncCriteria, data subscription.ProviderData, now time.Time) subscription.Metadata {
	return subscription.Metadata{
		CollectionID:        firstNonEmpty(data.CollectionID, c.CollectionID),
		PaymentID:           firstNonEmpty(data.PaymentID, c.PaymentID),
		PreferenceID:        firstNonEmpty(data.PreferenceID, c.PreferenceID),
		PaymentType:         data.PaymentType,
		SiteID:              data.SiteID,
		LastSyncAt:          &now,
		LastProviderEventAt: data.EventTime,
	}
}

func isStale(sub *subscription.Subscription, data subscription.ProviderData) bool {
	last := sub.Metadata.LastProviderEventAt
	return data.EventTime != nil && last != nil && data.EventTime.Before(*last)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
