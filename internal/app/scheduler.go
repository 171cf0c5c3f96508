/**
 * @description
 * The polling driver for due executions. A cron job claims batches of due
 * transfers under short leases and fans them out to the execution engine,
 * with a weighted semaphore bounding how many attempts run at once.
 *
 * @dependencies
 * - github.com/robfig/cron/v3: Schedule management for the polling job.
 * - golang.org/x/sync/semaphore: Worker bound for the fan-out.
 * - internal/store: Due-transfer claiming.
 */

package app

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/semaphore"

	"github.com/transfa/recurring-transfer-service/internal/config"
	"github.com/transfa/recurring-transfer-service/internal/domain"
	"github.com/transfa/recurring-transfer-service/internal/store"
)

// Scheduler owns the cron instance that drives due-transfer execution.
type Scheduler struct {
	cron     *cron.Cron
	repo     store.Repository
	executor *Executor
	clock    domain.Clock
	workers  *semaphore.Weighted
	logger   *slog.Logger
	cfg      config.Config
}

// NewScheduler creates the polling driver. Panics inside a poll cycle are
// recovered by the cron chain so one bad cycle cannot kill the process.
func NewScheduler(repo store.Repository, executor *Executor, clock domain.Clock, logger *slog.Logger, cfg config.Config) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))

	workerCount := cfg.ExecutionWorkerCount
	if workerCount < 1 {
		workerCount = 1
	}

	return &Scheduler{
		cron:     cron.New(cron.WithChain(cron.Recover(cronLogger))),
		repo:     repo,
		executor: executor,
		clock:    clock,
		workers:  semaphore.NewWeighted(int64(workerCount)),
		logger:   logger,
		cfg:      cfg,
	}
}

// Start registers the poll job and starts the cron scheduler in its own
// goroutine.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.cfg.ExecutionPollSchedule, s.RunDueCycle); err != nil {
		return err
	}
	s.cron.Start()
	s.logger.Info("execution scheduler started",
		"schedule", s.cfg.ExecutionPollSchedule,
		"batch_size", s.cfg.ExecutionBatchSize,
		"workers", s.cfg.ExecutionWorkerCount)
	return nil
}

// Stop stops the cron scheduler and waits for any in-flight poll cycle to
// finish before returning.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("execution scheduler stopped")
}

// RunDueCycle claims one batch of due transfers and executes each claimed
// transfer on a bounded pool of goroutines. The cycle returns once every
// claimed transfer has been attempted.
func (s *Scheduler) RunDueCycle() {
	ctx := context.Background()
	now := s.clock.Now()

	leaseTTL := time.Duration(s.cfg.ExecutionLeaseSeconds) * time.Second
	claimed, err := s.repo.ClaimDueTransfers(ctx, now, leaseTTL, s.cfg.ExecutionBatchSize)
	if err != nil {
		s.logger.Error("failed to claim due transfers", "error", err)
		return
	}
	if len(claimed) == 0 {
		return
	}
	s.logger.Info("claimed due transfers", "count", len(claimed))

	var wg sync.WaitGroup
	for _, transfer := range claimed {
		if err := s.workers.Acquire(ctx, 1); err != nil {
			s.logger.Error("failed to acquire execution worker", "error", err)
			break
		}
		wg.Add(1)
		go func(t domain.RecurringTransfer) {
			defer wg.Done()
			defer s.workers.Release(1)
			s.executor.ExecuteDue(ctx, t)
		}(transfer)
	}
	wg.Wait()
}
