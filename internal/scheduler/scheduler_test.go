package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"subsync-service/internal/domain/idempotency"
	"subsync-service/internal/service/reconciliation"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type countingCleaner struct {
	calls atomic.Int32
	err   error
}

func (c *countingCleaner) CleanupExpired(ctx context.Context) (idempotency.CleanupStats, error) {
	c.calls.Add(1)
	if _, ok := ctx.Deadline(); !ok {
		return idempotency.CleanupStats{}, errors.New("job context has no deadline")
	}
	return idempotency.CleanupStats{LocksDeleted: 1}, c.err
}

type countingSweeper struct{ calls atomic.Int32 }

func (s *countingSweeper) ReconcilePending(context.Context) (reconciliation.SweepStats, error) {
	s.calls.Add(1)
	return reconciliation.SweepStats{}, nil
}

type panickingSweeper struct{}

func (panickingSweeper) ReconcilePending(context.Context) (reconciliation.SweepStats, error) {
	panic("sweep exploded")
}

func TestStart_InvalidSchedule(t *testing.T) {
	s := NewScheduler(&countingCleaner{}, &countingSweeper{}, Config{CleanupSchedule: "not a schedule"}, zap.NewNop())
	assert.Error(t, s.Start())
}

func TestStart_EmptyScheduleDisablesJob(t *testing.T) {
	s := NewScheduler(&countingCleaner{}, &countingSweeper{}, Config{}, zap.NewNop())
	require.NoError(t, s.Start())
	assert.Empty(t, s.cron.Entries())
	<-s.Stop().Done()
}

func TestJobsRunOnSchedule(t *testing.T) {
	cleaner := &countingCleaner{}
	sweeper := &countingSweeper{}
	s := NewScheduler(cleaner, sweeper, Config{
		CleanupSchedule:   "@every 1s",
		ReconcileSchedule: "@every 1s",
	}, zap.NewNop())

	require.NoError(t, s.Start())
	assert.Len(t, s.cron.Entries(), 2)

	assert.Eventually(t, func() bool {
		return cleaner.calls.Load() > 0 && sweeper.calls.Load() > 0
	}, 3*time.Second, 50*time.Millisecond)
	<-s.Stop().Done()
}

func TestRunCleanup_ErrorIsLoggedNotPanicked(t *testing.T) {
	cleaner := &countingCleaner{err: errors.New("db down")}
	s := NewScheduler(cleaner, &countingSweeper{}, Config{}, zap.NewNop())

	assert.NotPanics(t, s.RunCleanup)
	assert.Equal(t, int32(1), cleaner.calls.Load())
}

func TestRecoverWrapsPanickingJob(t *testing.T) {
	s := NewScheduler(&countingCleaner{}, panickingSweeper{}, Config{ReconcileSchedule: "@every 1s"}, zap.NewNop())
	require.NoError(t, s.Start())

	// The scheduler keeps running after the job panics.
	time.Sleep(1500 * time.Millisecond)
	assert.Len(t, s.cron.Entries(), 1)
	<-s.Stop().Done()
}
