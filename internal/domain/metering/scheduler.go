package metering

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/uniedit/metering/internal/port/outbound"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Sweep names, used for lease keys, metrics and the internal trigger route.
const (
	SweepRetry          = "retry"
	SweepExpiry         = "expiry"
	SweepReconciliation = "reconciliation"
)

// SweepReport summarizes one sweep run.
type SweepReport struct {
	Sweep     string        `json:"sweep"`
	Skipped   bool          `json:"skipped"`
	Scanned   int           `json:"scanned"`
	Settled   int           `json:"settled"`
	Retried   int           `json:"retried"`
	Exhausted int           `json:"exhausted"`
	Errors    int           `json:"errors"`
	Duration  time.Duration `json:"duration"`
}

// Scheduler runs the retry, expiry and reconciliation sweeps on timers.
// Each sweep takes a lease so only one replica runs it at a time.
type Scheduler struct {
	domain *Domain
	locker outbound.LockPort
	config *SchedulerConfig
	logger *zap.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewScheduler creates a scheduler. A nil locker runs sweeps without a lease.
func NewScheduler(domain *Domain, locker outbound.LockPort, config *SchedulerConfig, logger *zap.Logger) *Scheduler {
	if config == nil {
		config = DefaultSchedulerConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		domain: domain,
		locker: locker,
		config: config,
		logger: logger.Named("metering-scheduler"),
		stopCh: make(chan struct{}),
	}
}

// Start launches the sweep loops. They run until Stop is called or ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info("starting scheduler",
		zap.Duration("retry_interval", s.config.RetrySweepInterval),
		zap.Duration("expiry_interval", s.config.ExpirySweepInterval),
		zap.Duration("reconciliation_interval", s.config.ReconciliationInterval))

	s.loop(ctx, SweepRetry, s.config.RetrySweepInterval, func(ctx context.Context) (*SweepReport, error) {
		return s.RunRetrySweep(ctx)
	})
	s.loop(ctx, SweepExpiry, s.config.ExpirySweepInterval, func(ctx context.Context) (*SweepReport, error) {
		return s.RunExpirySweep(ctx)
	})
	s.loop(ctx, SweepReconciliation, s.config.ReconciliationInterval, func(ctx context.Context) (*SweepReport, error) {
		report, err := s.RunReconciliation(ctx)
		if report == nil {
			return nil, err
		}
		return &report.SweepReport, err
	})
}

// Stop stops the sweep loops and waits for running sweeps to return.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		s.logger.Info("stopping scheduler")
		close(s.stopCh)
	})
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, name string, interval time.Duration, run func(context.Context) (*SweepReport, error)) {
	if interval <= 0 {
		s.logger.Info("sweep disabled", zap.String("sweep", name))
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-s.stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				report, err := run(ctx)
				if err != nil {
					s.logger.Error("sweep failed", zap.String("sweep", name), zap.Error(err))
					continue
				}
				if report != nil && !report.Skipped && report.Scanned > 0 {
					s.logger.Info("sweep finished",
						zap.String("sweep", name),
						zap.Int("scanned", report.Scanned),
						zap.Int("settled", report.Settled),
						zap.Int("retried", report.Retried),
						zap.Int("exhausted", report.Exhausted),
						zap.Int("errors", report.Errors),
						zap.Duration("duration", report.Duration))
				}
			}
		}
	}()
}

// Run triggers one sweep by name.
func (s *Scheduler) Run(ctx context.Context, sweep string) (any, error) {
	switch sweep {
	case SweepRetry:
		return s.RunRetrySweep(ctx)
	case SweepExpiry:
		return s.RunExpirySweep(ctx)
	case SweepReconciliation:
		return s.RunReconciliation(ctx)
	default:
		return nil, fmt.Errorf("%w: unknown sweep %q", ErrInvalidRequest, sweep)
	}
}

// RunRetrySweep polls submitted tasks whose next poll time has passed.
// Transient poll failures count toward the task's retry budget.
func (s *Scheduler) RunRetrySweep(ctx context.Context) (*SweepReport, error) {
	return s.withLease(ctx, SweepRetry, func(ctx context.Context, report *SweepReport) error {
		d := s.domain
		due, err := d.tasks.ListDueForPoll(ctx, d.now(), s.config.BatchSize)
		if err != nil {
			return fmt.Errorf("list due tasks: %w", err)
		}
		report.Scanned = len(due)

		var settled, retried, exhausted, failed atomic.Int64
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(s.concurrency())
		for _, t := range due {
			taskID := t.TaskID
			g.Go(func() error {
				pollCtx, cancel := context.WithTimeout(gctx, s.config.PollTimeout)
				result, err := d.Poll(pollCtx, taskID)
				cancel()

				switch {
				case err == nil && result.Status.IsTerminal():
					settled.Add(1)
				case err == nil:
					if err := d.schedulePoll(gctx, taskID); err != nil {
						failed.Add(1)
						s.logger.Warn("failed to schedule next poll", zap.String("task_id", taskID), zap.Error(err))
					}
				case IsTransient(err) || errors.Is(err, context.DeadlineExceeded):
					done, ferr := d.recordPollFailure(gctx, taskID, s.config.Backoff, err)
					switch {
					case ferr != nil:
						failed.Add(1)
						s.logger.Warn("failed to record poll failure", zap.String("task_id", taskID), zap.Error(ferr))
					case done:
						exhausted.Add(1)
					default:
						retried.Add(1)
					}
				default:
					failed.Add(1)
					s.logger.Warn("poll failed", zap.String("task_id", taskID), zap.Error(err))
				}
				return nil
			})
		}
		_ = g.Wait()

		report.Settled = int(settled.Load())
		report.Retried = int(retried.Load())
		report.Exhausted = int(exhausted.Load())
		report.Errors = int(failed.Load())
		return nil
	})
}

// RunExpirySweep fails and refunds reserved or submitted tasks past their deadline,
// whatever their retry count.
func (s *Scheduler) RunExpirySweep(ctx context.Context) (*SweepReport, error) {
	return s.withLease(ctx, SweepExpiry, func(ctx context.Context, report *SweepReport) error {
		d := s.domain
		expired, err := d.tasks.ListExpired(ctx, d.now(), s.config.BatchSize)
		if err != nil {
			return fmt.Errorf("list expired tasks: %w", err)
		}
		report.Scanned = len(expired)

		for _, t := range expired {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			before := t.Status
			if _, err := d.Expire(ctx, t.TaskID); err != nil {
				report.Errors++
				s.logger.Warn("failed to expire task", zap.String("task_id", t.TaskID), zap.Error(err))
				continue
			}
			report.Settled++
			s.logger.Debug("task expired",
				zap.String("task_id", t.TaskID),
				zap.String("previous_status", string(before)))
		}
		return nil
	})
}

func (s *Scheduler) withLease(ctx context.Context, sweep string, fn func(context.Context, *SweepReport) error) (*SweepReport, error) {
	report := &SweepReport{Sweep: sweep}
	start := time.Now()

	if s.locker != nil {
		release, acquired, err := s.locker.Acquire(ctx, leaseKey(sweep), s.config.LockTTL)
		if err != nil {
			return nil, fmt.Errorf("acquire %s lease: %w", sweep, err)
		}
		if !acquired {
			report.Skipped = true
			return report, nil
		}
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, outbound.ErrLockNotHeld) {
				s.logger.Warn("failed to release lease", zap.String("sweep", sweep), zap.Error(err))
			}
		}()
	}

	err := fn(ctx, report)
	report.Duration = time.Since(start)
	s.domain.metrics.RecordSweep(sweep, report.Scanned, report.Duration)
	if err != nil {
		return report, err
	}
	return report, nil
}

func (s *Scheduler) concurrency() int {
	if s.config.PollConcurrency <= 0 {
		return 1
	}
	return s.config.PollConcurrency
}

func leaseKey(sweep string) string {
	return "sweep:" + sweep
}
