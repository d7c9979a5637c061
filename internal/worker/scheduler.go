package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zombor/receipt-intake/internal/job"
)

// JobProcessor runs a claimed job to an outcome.
type JobProcessor interface {
	Process(ctx context.Context, j *job.Job) error
}

// Scheduler polls the store for pending jobs and processes up to
// MaxConcurrentJobs of them at once. Several schedulers may share a store;
// the store's claim keeps them from processing the same job.
type Scheduler struct {
	store     job.Store
	processor JobProcessor
	cfg       Config
	clock     job.Clock
	pool      *Pool
	logger    *slog.Logger

	ticking atomic.Bool
	ticks   sync.WaitGroup
}

// NewScheduler validates cfg and creates a Scheduler.
func NewScheduler(store job.Store, processor JobProcessor, cfg Config, clock job.Clock, logger *slog.Logger) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if clock == nil {
		clock = job.SystemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:     store,
		processor: processor,
		cfg:       cfg,
		clock:     clock,
		pool:      NewPool(cfg.MaxConcurrentJobs),
		logger:    logger,
	}, nil
}

// Run polls until ctx is done, then waits for in-flight jobs to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("Scheduler started",
		"poll_interval", s.cfg.PollInterval(),
		"max_concurrent_jobs", s.cfg.MaxConcurrentJobs,
		"max_attempts", s.cfg.MaxAttempts,
	)

	poll := time.NewTicker(s.cfg.PollInterval())
	defer poll.Stop()
	retention := time.NewTicker(s.cfg.RetentionInterval)
	defer retention.Stop()

	s.cleanup(ctx)
	s.dispatch(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Scheduler stopping, waiting for in-flight jobs", "in_flight", s.pool.InFlight())
			s.ticks.Wait()
			return nil
		case <-poll.C:
			s.dispatch(ctx)
		case <-retention.C:
			s.cleanup(ctx)
		}
	}
}

// InFlight is the number of jobs currently being processed.
func (s *Scheduler) InFlight() int {
	return s.pool.InFlight()
}

func (s *Scheduler) dispatch(ctx context.Context) {
	s.ticks.Add(1)
	go func() {
		defer s.ticks.Done()
		s.Tick(ctx)
	}()
}

// Tick claims as many jobs as there are free slots and processes them
// concurrently, returning once all of them finish. It is a no-op while a
// previous tick is still draining. Returns the number of jobs dispatched.
func (s *Scheduler) Tick(ctx context.Context) int {
	if !s.ticking.CompareAndSwap(false, true) {
		return 0
	}
	defer s.ticking.Store(false)

	slots := s.pool.Free()
	if slots <= 0 || ctx.Err() != nil {
		return 0
	}

	claimed, err := s.store.ClaimNextBatch(ctx, slots)
	if err != nil {
		s.logger.Error("Failed to claim jobs", "error", err)
	}
	if len(claimed) == 0 {
		return 0
	}
	s.logger.Debug("Claimed jobs", "count", len(claimed), "slots", slots)

	// Claimed jobs run to an outcome even when ctx is cancelled mid-flight;
	// per-stage timeouts bound them.
	jobCtx := context.WithoutCancel(ctx)

	var g errgroup.Group
	dispatched := 0
	for _, j := range claimed {
		if !s.pool.TryAcquire() {
			// cannot happen while ticks are serialized; release the claim rather than strand it
			s.logger.Warn("No free slot for claimed job", "job_id", j.ID)
			if _, err := s.store.FailOrRetry(jobCtx, j.ID, "no free worker slot", s.cfg.MaxAttempts); err != nil {
				s.logger.Error("Failed to requeue job", "job_id", j.ID, "error", err)
			}
			continue
		}
		dispatched++

		g.Go(func() error {
			defer s.pool.Release()
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("Job processing panicked", "job_id", j.ID, "panic", r)
					if _, err := s.store.FailOrRetry(jobCtx, j.ID, fmt.Sprintf("panic: %v", r), s.cfg.MaxAttempts); err != nil {
						s.logger.Error("Failed to record panic", "job_id", j.ID, "error", err)
					}
				}
			}()
			// errors are recorded on the job, siblings are unaffected
			_ = s.processor.Process(jobCtx, j)
			return nil
		})
	}
	_ = g.Wait()
	return dispatched
}

// CleanupRetention deletes completed and failed jobs older than their
// retention horizons. Pending and processing jobs are never touched.
func (s *Scheduler) CleanupRetention(ctx context.Context) (int, error) {
	now := s.clock.Now()

	completed, err := s.store.DeleteFinishedBefore(ctx, job.StatusCompleted, now.Add(-s.cfg.completedRetention()))
	if err != nil {
		return 0, fmt.Errorf("cleaning completed jobs: %w", err)
	}
	failed, err := s.store.DeleteFinishedBefore(ctx, job.StatusFailed, now.Add(-s.cfg.failedRetention()))
	if err != nil {
		return completed, fmt.Errorf("cleaning failed jobs: %w", err)
	}

	if completed+failed > 0 {
		s.logger.Info("Retention cleanup", "completed_deleted", completed, "failed_deleted", failed)
	}
	return completed + failed, nil
}

func (s *Scheduler) cleanup(ctx context.Context) {
	if _, err := s.CleanupRetention(ctx); err != nil {
		s.logger.Error("Retention cleanup failed", "error", err)
	}
}
