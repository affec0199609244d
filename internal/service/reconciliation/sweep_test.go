package reconciliation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"subsync-service/internal/domain/subscription"
	xerrors "subsync-service/internal/pkg/errors"
	"subsync-service/internal/pkg/provider"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubPayments struct {
	byID  map[string]*provider.Payment
	byRef map[string]*provider.Payment
	err   error
}

func (s stubPayments) GetPayment(_ context.Context, id string) (*provider.Payment, error) {
	if s.err != nil {
		return nil, s.err
	}
	if p, ok := s.byID[id]; ok {
		return p, nil
	}
	return nil, xerrors.ErrNotFound
}

func (s stubPayments) SearchByExternalReference(_ context.Context, ref string) (*provider.Payment, error) {
	if s.err != nil {
		return nil, s.err
	}
	if p, ok := s.byRef[ref]; ok {
		return p, nil
	}
	return nil, xerrors.ErrNotFound
}

type recordingPublisher struct {
	published []*subscription.SyncResult
}

func (p *recordingPublisher) PublishSynced(_ context.Context, res *subscription.SyncResult) error {
	p.published = append(p.published, res)
	return nil
}

func TestReconcilePending(t *testing.T) {
	repo := &memRepo{}

	byPayment := pendingSub(10, 1)
	byPayment.Metadata = subscription.Metadata{PaymentID: "9001"}
	byPayment = repo.add(byPayment)

	byRef := pendingSub(11, 1)
	byRef.ExternalReference = sql.NullString{String: "SUB-11-1-aa", Valid: true}
	byRef = repo.add(byRef)

	unknown := repo.add(pendingSub(12, 1))

	stillPending := pendingSub(13, 1)
	stillPending.Metadata = subscription.Metadata{PaymentID: "9003"}
	stillPending = repo.add(stillPending)

	payments := stubPayments{
		byID: map[string]*provider.Payment{
			"9001": {ID: json.Number("9001"), Status: "approved"},
			"9003": {ID: json.Number("9003"), Status: "in_process"},
		},
		byRef: map[string]*provider.Payment{
			"SUB-11-1-aa": {ID: json.Number("9002"), Status: "approved", ExternalReference: "SUB-11-1-aa"},
		},
	}

	svc, _, _ := newTestService(repo)
	pub := &recordingPublisher{}
	sweeper := NewSweeper(svc, repo, payments, pub, 10*time.Minute, 50, zap.NewNop())

	stats, err := sweeper.ReconcilePending(context.Background())
	require.NoError(t, err)

	assert.Equal(t, SweepStats{Checked: 4, Synced: 3, Skipped: 1, Failed: 0}, stats)
	assert.Equal(t, subscription.StatusActive, repo.get(byPayment.ID).Status)
	assert.Equal(t, subscription.StatusActive, repo.get(byRef.ID).Status)
	assert.Equal(t, subscription.StatusPending, repo.get(unknown.ID).Status)
	assert.Equal(t, subscription.StatusPending, repo.get(stillPending.ID).Status)
	assert.Len(t, pub.published, 3)
}

func TestReconcilePending_ProviderErrorsDoNotAbort(t *testing.T) {
	repo := &memRepo{}
	for i := int64(1); i <= 3; i++ {
		sub := pendingSub(i, 1)
		sub.Metadata = subscription.Metadata{PaymentID: "p"}
		repo.add(sub)
	}

	svc, _, _ := newTestService(repo)
	sweeper := NewSweeper(svc, repo, stubPayments{err: errors.New("provider down")}, nil, time.Minute, 0, zap.NewNop())

	stats, err := sweeper.ReconcilePending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Checked)
	assert.Equal(t, 3, stats.Failed)
}

func TestReconcilePending_UnchangedStatusIsNotPublished(t *testing.T) {
	repo := &memRepo{}
	waiting := pendingSub(20, 1)
	waiting.Status = subscription.StatusProcessing
	waiting.Metadata = subscription.Metadata{PaymentID: "9100"}
	waiting = repo.add(waiting)

	payments := stubPayments{byID: map[string]*provider.Payment{
		"9100": {ID: json.Number("9100"), Status: "pending"},
	}}
	pub := &recordingPublisher{}

	// A fresh service per run stands in for the cached result having expired.
	for i := 0; i < 3; i++ {
		svc, _, _ := newTestService(repo)
		sweeper := NewSweeper(svc, repo, payments, pub, 10*time.Minute, 50, zap.NewNop())

		stats, err := sweeper.ReconcilePending(context.Background())
		require.NoError(t, err)
		assert.Equal(t, SweepStats{Checked: 1, Skipped: 1}, stats)
	}

	assert.Equal(t, subscription.StatusProcessing, repo.get(waiting.ID).Status)
	assert.Empty(t, pub.published)
}
