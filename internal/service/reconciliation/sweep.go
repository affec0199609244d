package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"subsync-service/internal/domain/subscription"
	xerrors "subsync-service/internal/pkg/errors"
	"subsync-service/internal/pkg/metrics"
	"subsync-service/internal/pkg/provider"

	"go.uber.org/zap"
)

const (
	defaultSweepBatch = 100
	maxSweepBatch     = 500
)

// PaymentSource reads payment state from the billing provider.
type PaymentSource interface {
	GetPayment(ctx context.Context, paymentID string) (*provider.Payment, error)
	SearchByExternalReference(ctx context.Context, ref string) (*provider.Payment, error)
}

type CandidateLister interface {
	ListReconcileCandidates(ctx context.Context, updatedBefore time.Time, limit int) ([]*subscription.Subscription, error)
}

// SyncPublisher is told about every sweep or webhook outcome that changed state.
type SyncPublisher interface {
	PublishSynced(ctx context.Context, res *subscription.SyncResult) error
}

type SweepStats struct {
	Checked int `json:"checked"`
	Synced  int `json:"synced"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

type Sweeper struct {
	sync      *Service
	lister    CandidateLister
	payments  PaymentSource
	publisher SyncPublisher
	minAge    time.Duration
	batchSize int
	logger    *zap.Logger
	now       func() time.Time
}

func NewSweeper(sync *Service, lister CandidateLister, payments PaymentSource, publisher SyncPublisher, minAge time.Duration, batchSize int, logger *zap.Logger) *Sweeper {
	if batchSize <= 0 {
		batchSize = defaultSweepBatch
	}
	if batchSize > maxSweepBatch {
		batchSize = maxSweepBatch
	}
	return &Sweeper{
		sync:      sync,
		lister:    lister,
		payments:  payments,
		publisher: publisher,
		minAge:    minAge,
		batchSize: batchSize,
		logger:    logger,
		now:       time.Now,
	}
}

// ReconcilePending re-reads provider state for pending and processing subscriptions
// that have not moved for minAge. One bad row never aborts the sweep.
func (w *Sweeper) ReconcilePending(ctx context.Context) (SweepStats, error) {
	var stats SweepStats

	candidates, err := w.lister.ListReconcileCandidates(ctx, w.now().Add(-w.minAge), w.batchSize)
	if err != nil {
		return stats, fmt.Errorf("list reconcile candidates: %w", err)
	}

	for _, sub := range candidates {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		stats.Checked++

		payment, err := w.lookupPayment(ctx, sub)
		if errors.Is(err, xerrors.ErrNotFound) {
			stats.Skipped++
			continue
		}
		if err != nil {
			stats.Failed++
			w.logger.Warn("provider lookup failed during sweep",
				zap.Int64("subscription_id", sub.ID),
				zap.Error(err),
			)
			continue
		}

		criteria, data := payment.SyncInput()
		if criteria.UserID == nil {
			criteria.UserID = &sub.UserID
		}
		if criteria.ProductID == nil {
			criteria.ProductID = &sub.ProductID
		}

		res, err := w.sync.SyncWithIdempotency(ctx, "", criteria, data)
		if err != nil {
			stats.Failed++
			w.logger.Warn("sweep sync failed",
				zap.Int64("subscription_id", sub.ID),
				zap.String("payment_id", data.PaymentID),
				zap.Error(err),
			)
			continue
		}
		if !res.Publishable() {
			stats.Skipped++
			continue
		}

		stats.Synced++
		if w.publisher != nil {
			if err := w.publisher.PublishSynced(ctx, res); err != nil {
				w.logger.Warn("failed to publish sync event", zap.Int64("subscription_id", sub.ID), zap.Error(err))
			}
		}
	}

	metrics.SweepItems.WithLabelValues("synced").Add(float64(stats.Synced))
	metrics.SweepItems.WithLabelValues("skipped").Add(float64(stats.Skipped))
	metrics.SweepItems.WithLabelValues("failed").Add(float64(stats.Failed))

	w.logger.Info("reconcile sweep finished",
		zap.Int("checked", stats.Checked),
		zap.Int("synced", stats.Synced),
		zap.Int("skipped", stats.Skipped),
		zap.Int("failed", stats.Failed),
	)
	return stats, nil
}

func (w *Sweeper) lookupPayment(ctx context.Context, sub *subscription.Subscription) (*provider.Payment, error) {
	if id := sub.Metadata.PaymentID; id != "" {
		return w.payments.GetPayment(ctx, id)
	}
	if ref := sub.Reference(); ref != "" {
		return w.payments.SearchByExternalReference(ctx, ref)
	}
	return nil, xerrors.ErrNotFound
}
