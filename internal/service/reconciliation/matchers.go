package reconciliation

import (
	"context"
	"errors"
	"strings"

	"subsync-service/internal/domain/subscription"
	xerrors "subsync-service/internal/pkg/errors"
)

const (
	scoreUserProduct  = 90
	scoreEmailProduct = 75
	scoreProviderIDs  = 60
	scorePreference   = 50
)

// reconcilableStatuses are the states a secondary-signal match may move forward.
var reconcilableStatuses = []subscription.Status{
	subscription.StatusPending,
	subscription.StatusProcessing,
}

type match struct {
	subscription *subscription.Subscription
	score        int
	fields       []string
}

func (m *match) criteria() string {
	return strings.Join(m.fields, ",")
}

// matcher evaluates one secondary signal. It returns nil when the signal is
// absent from the criteria or matches nothing.
type matcher func(ctx context.Context, repo SubscriptionRepository, c subscription.SyncCriteria) (*match, error)

// matchers is ordered by score; ties keep the earlier entry.
var matchers = []matcher{
	matchUserProduct,
	matchEmailProduct,
	matchProviderIDs,
	matchPreference,
}

func matchUserProduct(ctx context.Context, repo SubscriptionRepository, c subscription.SyncCriteria) (*match, error) {
	if c.UserID == nil || c.ProductID == nil {
		return nil, nil
	}
	sub, err := repo.FindByUserAndProduct(ctx, *c.UserID, *c.ProductID, reconcilableStatuses)
	return wrapMatch(sub, err, scoreUserProduct, "user_id", "product_id")
}

func matchEmailProduct(ctx context.Context, repo SubscriptionRepository, c subscription.SyncCriteria) (*match, error) {
	if c.PayerEmail == "" || c.ProductID == nil {
		return nil, nil
	}
	sub, err := repo.FindByEmailAndProduct(ctx, c.PayerEmail, *c.ProductID, reconcilableStatuses)
	return wrapMatch(sub, err, scoreEmailProduct, "payer_email", "product_id")
}

func matchProviderIDs(ctx context.Context, repo SubscriptionRepository, c subscription.SyncCriteria) (*match, error) {
	if c.CollectionID == "" && c.PaymentID == "" {
		return nil, nil
	}
	sub, err := repo.FindByProviderIDs(ctx, c.CollectionID, c.PaymentID)

	var fields []string
	if c.CollectionID != "" {
		fields = append(fields, "collection_id")
	}
	if c.PaymentID != "" {
		fields = append(fields, "payment_id")
	}
	return wrapMatch(sub, err, scoreProviderIDs, fields...)
}

func matchPreference(ctx context.Context, repo SubscriptionRepository, c subscription.SyncCriteria) (*match, error) {
	if c.PreferenceID == "" {
		return nil, nil
	}
	sub, err := repo.FindByPreferenceID(ctx, c.PreferenceID)
	return wrapMatch(sub, err, scorePreference, "preference_id")
}

func wrapMatch(sub *subscription.Subscription, err error, score int, fields ...string) (*match, error) {
	if errors.Is(err, xerrors.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, nil
	}
	return &match{subscription: sub, score: score, fields: fields}, nil
}

// bestMatch runs every matcher and keeps the highest score.
func bestMatch(ctx context.Context, repo SubscriptionRepository, c subscription.SyncCriteria) (*match, error) {
	var best *match
	for _, m := range matchers {
		candidate, err := m(ctx, repo, c)
		if err != nil {
			return nil, err
		}
		if candidate != nil && (best == nil || candidate.score > best.score) {
			best = candidate
		}
	}
	return best, nil
}
