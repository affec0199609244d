// Package scheduler runs the periodic idempotency cleanup and reconcile sweeps.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"subsync-service/internal/domain/idempotency"
	"subsync-service/internal/service/reconciliation"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const jobTimeout = 5 * time.Minute

type Cleaner interface {
	CleanupExpired(ctx context.Context) (idempotency.CleanupStats, error)
}

type Sweeper interface {
	ReconcilePending(ctx context.Context) (reconciliation.SweepStats, error)
}

type Config struct {
	CleanupSchedule   string
	ReconcileSchedule string
}

type Scheduler struct {
	cron    *cron.Cron
	cleaner Cleaner
	sweeper Sweeper
	cfg     Config
	logger  *zap.Logger
}

func NewScheduler(cleaner Cleaner, sweeper Sweeper, cfg Config, logger *zap.Logger) *Scheduler {
	cl := cronLogger{logger.Sugar()}
	c := cron.New(cron.WithLogger(cl), cron.WithChain(
		cron.Recover(cl),
		cron.SkipIfStillRunning(cl),
	))

	return &Scheduler{
		cron:    c,
		cleaner: cleaner,
		sweeper: sweeper,
		cfg:     cfg,
		logger:  logger,
	}
}

// Start registers the jobs and starts the cron scheduler. An empty schedule
// disables that job.
func (s *Scheduler) Start() error {
	if err := s.add("idempotency cleanup", s.cfg.CleanupSchedule, s.RunCleanup); err != nil {
		return err
	}
	if err := s.add("reconcile sweep", s.cfg.ReconcileSchedule, s.RunReconcile); err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop stops scheduling and returns a context done when running jobs finish.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

func (s *Scheduler) add(name, schedule string, job func()) error {
	if schedule == "" {
		s.logger.Info("job disabled", zap.String("job", name))
		return nil
	}
	if _, err := s.cron.AddFunc(schedule, job); err != nil {
		return fmt.Errorf("failed to schedule %s job: %w", name, err)
	}
	s.logger.Info("scheduled job", zap.String("job", name), zap.String("schedule", schedule))
	return nil
}

func (s *Scheduler) RunCleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	stats, err := s.cleaner.CleanupExpired(ctx)
	if err != nil {
		s.logger.Error("idempotency cleanup failed", zap.Error(err))
		return
	}
	s.logger.Info("idempotency cleanup finished",
		zap.Int64("locks_deleted", stats.LocksDeleted),
		zap.Int64("results_deleted", stats.ResultsDeleted),
	)
}

func (s *Scheduler) RunReconcile() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	if _, err := s.sweeper.ReconcilePending(ctx); err != nil {
		s.logger.Error("reconcile sweep failed", zap.Error(err))
	}
}

// cronLogger routes cron's own logging through zap.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
