// Package metering implements the asynchronous task credit-metering engine:
// pricing and free-quota decisions, at-most-once charge and refund, provider
// status polling, and the retry/expiry/reconciliation scheduler.
package metering

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/uniedit/metering/internal/infra/events"
	"github.com/uniedit/metering/internal/model"
	"github.com/uniedit/metering/internal/port/outbound"
	"go.uber.org/zap"
)

// Stores groups the persistence ports the engine writes through.
type Stores struct {
	Tx       outbound.TransactionPort
	Tasks    outbound.TaskRegistryPort
	Ledgers  outbound.LedgerDatabasePort
	Balances outbound.BalanceDatabasePort
}

// Domain implements the charge/refund engine.
type Domain struct {
	tx        outbound.TransactionPort
	tasks     outbound.TaskRegistryPort
	ledgers   outbound.LedgerDatabasePort
	balances  outbound.BalanceDatabasePort
	providers outbound.ProviderRegistryPort
	cache     outbound.LedgerSummaryCachePort
	metrics   outbound.MeteringMetricsPort
	publisher EventPublisher

	catalog  *Catalog
	resolver Resolver
	cfg      *Config
	locks    *keyedMutex
	now      func() time.Time
	newID    func() string
	logger   *zap.Logger
}

// Option configures optional Domain collaborators.
type Option func(*Domain)

// WithSummaryCache serves ledger summaries through a cache.
func WithSummaryCache(cache outbound.LedgerSummaryCachePort) Option {
	return func(d *Domain) { d.cache = cache }
}

// WithMetrics records engine metrics.
func WithMetrics(m outbound.MeteringMetricsPort) Option {
	return func(d *Domain) {
		if m != nil {
			d.metrics = m
		}
	}
}

// WithPublisher publishes domain events after commit.
func WithPublisher(p EventPublisher) Option {
	return func(d *Domain) {
		if p != nil {
			d.publisher = p
		}
	}
}

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(d *Domain) { d.now = now }
}

// WithIDGenerator overrides engine-generated task IDs.
func WithIDGenerator(fn func() string) Option {
	return func(d *Domain) { d.newID = fn }
}

// NewMeteringDomain creates the metering engine.
func NewMeteringDomain(
	stores Stores,
	providers outbound.ProviderRegistryPort,
	catalog *Catalog,
	cfg *Config,
	logger *zap.Logger,
	opts ...Option,
) *Domain {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Domain{
		tx:        stores.Tx,
		tasks:     stores.Tasks,
		ledgers:   stores.Ledgers,
		balances:  stores.Balances,
		providers: providers,
		metrics:   nopMetrics{},
		publisher: nopPublisher{},
		catalog:   catalog,
		cfg:       cfg,
		locks:     newKeyedMutex(),
		now:       func() time.Time { return time.Now().UTC() },
		newID:     func() string { return uuid.NewString() },
		logger:    logger.Named("metering"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// AuthorizeRequest is the input of Authorize.
type AuthorizeRequest struct {
	TaskID  string         `json:"task_id,omitempty"`
	UserID  uuid.UUID      `json:"user_id"`
	Feature string         `json:"feature"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Authorization is the outcome of a successful Authorize.
type Authorization struct {
	TaskID     string    `json:"task_id"`
	CreditCost int64     `json:"credit_cost"`
	IsFree     bool      `json:"is_free"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Authorize prices a task, fixes its free/paid classification and creates the
// record in reserved state. It never touches the balance.
func (d *Domain) Authorize(ctx context.Context, req *AuthorizeRequest) (*Authorization, error) {
	if req == nil || req.UserID == uuid.Nil {
		return nil, fmt.Errorf("%w: user id is required", ErrInvalidRequest)
	}
	feature, err := d.catalog.Lookup(req.Feature)
	if err != nil {
		d.metrics.RecordAuthorize(req.Feature, "invalid_feature")
		return nil, err
	}

	taskID := strings.TrimSpace(req.TaskID)
	if taskID == "" {
		taskID = d.newID()
	}

	unlock := d.locks.Lock(taskID)
	defer unlock()

	now := d.now()
	var record *model.TaskRecord

	err = d.tx.RunInTransaction(ctx, func(txCtx context.Context) error {
		// A retried task id must answer the same way whatever the ledger looks like now.
		_, err := d.tasks.Get(txCtx, taskID)
		switch {
		case err == nil:
			return fmt.Errorf("%w: %s", ErrDuplicateTaskID, taskID)
		case !errors.Is(err, outbound.ErrRecordNotFound):
			return fmt.Errorf("load task: %w", err)
		}

		ledger, err := d.ledgers.GetOrCreateForUpdate(txCtx, req.UserID, feature.Name, feature.FreeUses)
		if err != nil {
			return fmt.Errorf("load ledger: %w", err)
		}

		cost, isFree, err := d.resolver.Resolve(feature, req.Payload, ledger)
		if err != nil {
			return err
		}

		if !isFree {
			balance, err := d.balances.Get(txCtx, req.UserID)
			if err != nil {
				return fmt.Errorf("load balance: %w", err)
			}
			if required := feature.MinimumRequired(cost); balance.Credits < required {
				return fmt.Errorf("%w: balance %d, required %d", ErrInsufficientFunds, balance.Credits, required)
			}
		}

		record = &model.TaskRecord{
			TaskID:       taskID,
			UserID:       req.UserID,
			Feature:      feature.Name,
			Status:       model.TaskStatusReserved,
			Provider:     feature.Provider,
			Payload:      req.Payload,
			ChargePolicy: feature.ChargePolicy,
			CreditCost:   cost,
			IsFree:       isFree,
			MaxRetries:   feature.Retries(),
			CreatedAt:    now,
			UpdatedAt:    now,
			ExpiresAt:    now.Add(feature.ReservationTTL),
		}
		if err := d.tasks.Create(txCtx, record); err != nil {
			if errors.Is(err, outbound.ErrDuplicateRecord) {
				return fmt.Errorf("%w: %s", ErrDuplicateTaskID, taskID)
			}
			return fmt.Errorf("create task: %w", err)
		}

		if isFree {
			if err := d.ledgers.AdjustFreeUses(txCtx, req.UserID, feature.Name, 1); err != nil {
				return fmt.Errorf("consume free use: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		d.metrics.RecordAuthorize(feature.Name, authorizeResult(err))
		if IsRejection(err) {
			d.logger.Debug("authorize rejected",
				zap.String("task_id", taskID),
				zap.String("user_id", req.UserID.String()),
				zap.String("feature", feature.Name),
				zap.Error(err))
		}
		return nil, err
	}

	d.metrics.RecordAuthorize(feature.Name, "ok")
	d.invalidateSummary(ctx, record)
	d.publish(newTaskEvent(EventTaskAuthorized, record, record.CreditCost, "", now))
	d.logger.Info("task authorized",
		zap.String("task_id", taskID),
		zap.String("user_id", req.UserID.String()),
		zap.String("feature", feature.Name),
		zap.Int64("credit_cost", record.CreditCost),
		zap.Bool("is_free", record.IsFree))

	return &Authorization{
		TaskID:     taskID,
		CreditCost: record.CreditCost,
		IsFree:     record.IsFree,
		ExpiresAt:  record.ExpiresAt,
	}, nil
}

// AttachProviderJob records the provider's job id and moves the task to submitted.
// Up-front features are debited here. Attaching the same job id twice is a no-op.
func (d *Domain) AttachProviderJob(ctx context.Context, taskID, providerJobID string) error {
	providerJobID = strings.TrimSpace(providerJobID)
	if taskID == "" || providerJobID == "" {
		return fmt.Errorf("%w: task id and provider job id are required", ErrInvalidRequest)
	}

	unlock := d.locks.Lock(taskID)
	defer unlock()

	now := d.now()
	var (
		record   *model.TaskRecord
		attached bool
		debited  int64
	)

	err := d.tx.RunInTransaction(ctx, func(txCtx context.Context) error {
		t, err := d.getForUpdate(txCtx, taskID)
		if err != nil {
			return err
		}
		record = t

		if t.Status == model.TaskStatusSubmitted && t.ProviderJobID == providerJobID {
			return nil
		}
		if t.Status != model.TaskStatusReserved {
			return fmt.Errorf("%w: cannot attach job to %s task", ErrInvalidTransition, t.Status)
		}
		if !now.Before(t.ExpiresAt) {
			return fmt.Errorf("%w: task %s", ErrReservationLapsed, taskID)
		}

		feature, err := d.catalog.Lookup(t.Feature)
		if err != nil {
			return err
		}
		expiresAt := now.Add(feature.ExecutionTimeout)
		ok, err := d.tasks.AttachProviderJob(txCtx, taskID, providerJobID, now, expiresAt, now.Add(d.cfg.PollInterval))
		if err != nil {
			return fmt.Errorf("attach provider job: %w", err)
		}
		if !ok {
			return fmt.Errorf("%w: task %s changed concurrently", ErrInvalidTransition, taskID)
		}
		attached = true
		t.Status = model.TaskStatusSubmitted
		t.ProviderJobID = providerJobID
		t.SubmittedAt = &now
		t.ExpiresAt = expiresAt

		if t.ChargePolicy == model.ChargePolicyUpFront && !t.IsFree {
			debited, err = d.applyCharge(txCtx, t, t.CreditCost)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if !attached {
		return nil
	}

	d.publish(newTaskEvent(EventTaskSubmitted, record, 0, "", now))
	if record.Charged {
		d.invalidateSummary(ctx, record)
		d.metrics.RecordCharge(record.Feature, record.ChargedCredits)
		d.publish(newTaskEvent(EventTaskCharged, record, record.ChargedCredits, "", now))
	}
	d.logger.Info("provider job attached",
		zap.String("task_id", taskID),
		zap.String("provider", record.Provider),
		zap.String("provider_job_id", providerJobID),
		zap.Bool("charged_up_front", record.Charged),
		zap.Int64("debited", debited))
	return nil
}

// Charge settles a task whose provider job succeeded. actualCost overrides the
// authorize-time price for on-completion features. It reports whether this call
// performed the transition; a task already charged, refunded or terminal is a no-op.
func (d *Domain) Charge(ctx context.Context, taskID string, actualCost *int64) (bool, error) {
	if actualCost != nil && *actualCost < 0 {
		return false, fmt.Errorf("%w: actual cost must be >= 0", ErrInvalidRequest)
	}

	unlock := d.locks.Lock(taskID)
	defer unlock()

	now := d.now()
	var (
		record     *model.TaskRecord
		newlyDebit bool
	)

	err := d.tx.RunInTransaction(ctx, func(txCtx context.Context) error {
		t, err := d.getForUpdate(txCtx, taskID)
		if err != nil {
			return err
		}
		if t.Refunded || t.IsTerminal() {
			return nil
		}

		if !t.IsFree && !t.Charged {
			cost := t.CreditCost
			if actualCost != nil {
				cost = *actualCost
			}
			if _, err := d.applyCharge(txCtx, t, cost); err != nil {
				return err
			}
			newlyDebit = true
		}

		ok, err := d.tasks.UpdateStatus(txCtx, taskID, activeStatuses, model.TaskStatusSucceeded, nil, now)
		if err != nil {
			return fmt.Errorf("update status: %w", err)
		}
		if !ok {
			return fmt.Errorf("%w: task %s changed concurrently", ErrInvalidTransition, taskID)
		}
		t.Status = model.TaskStatusSucceeded
		t.CompletedAt = &now
		record = t
		return nil
	})
	if err != nil {
		return false, err
	}
	if record == nil {
		return false, nil
	}

	d.invalidateSummary(ctx, record)
	if newlyDebit {
		d.metrics.RecordCharge(record.Feature, record.ChargedCredits)
		d.publish(newTaskEvent(EventTaskCharged, record, record.ChargedCredits, "", now))
	}
	d.publish(newTaskEvent(EventTaskSucceeded, record, record.ChargedCredits, "", now))
	d.logger.Info("task succeeded",
		zap.String("task_id", taskID),
		zap.String("user_id", record.UserID.String()),
		zap.String("feature", record.Feature),
		zap.Bool("is_free", record.IsFree),
		zap.Int64("charged", record.ChargedCredits),
		zap.Int64("debited", record.DebitedCredits))
	return true, nil
}

// Refund ends a task as failed and returns whatever it holds: debited credits
// or a free-quota slot. It reports whether credits or a slot moved.
func (d *Domain) Refund(ctx context.Context, taskID, reason string) (bool, error) {
	if strings.TrimSpace(reason) == "" {
		reason = "task failed"
	}
	return d.settleFailure(ctx, taskID, reason, model.TaskStatusFailed, nil)
}

// ReleaseReservation gives back a reserved task that never reached its provider,
// for callers whose submission failed before a job existed. A submitted task is
// settled only by polling or the scheduler, so releasing one is rejected.
// Releasing a task that already ended reports false.
func (d *Domain) ReleaseReservation(ctx context.Context, taskID, reason string) (bool, error) {
	if strings.TrimSpace(reason) == "" {
		reason = ReasonReleased
	}
	var status model.TaskStatus
	moved, err := d.settleFailure(ctx, taskID, reason, model.TaskStatusFailed, func(t *model.TaskRecord) bool {
		status = t.Status
		return t.Status == model.TaskStatusReserved
	})
	if err != nil {
		return false, err
	}
	if status == model.TaskStatusSubmitted {
		return false, fmt.Errorf("%w: task %s is already running at its provider", ErrInvalidTransition, taskID)
	}
	return moved, nil
}

// Expire ends an overdue reserved or submitted task as expired and refunds it.
// A task whose deadline moved past now in the meantime is left alone.
func (d *Domain) Expire(ctx context.Context, taskID string) (bool, error) {
	now := d.now()
	return d.settleFailure(ctx, taskID, ReasonExpired, model.TaskStatusExpired, func(t *model.TaskRecord) bool {
		return t.IsActive() && !t.ExpiresAt.After(now)
	})
}

// Failure reasons written by the engine.
const (
	ReasonExpired           = "task expired before completion"
	ReasonRetriesExhausted  = "max retries exceeded"
	ReasonReleased          = "reservation released"
	reasonProviderFailedFmt = "provider reported %s"
)

var activeStatuses = []model.TaskStatus{model.TaskStatusReserved, model.TaskStatusSubmitted}

// settleFailure is the single refund path. guard, when set, must hold on the
// locked record for anything to change.
func (d *Domain) settleFailure(
	ctx context.Context,
	taskID, reason string,
	outcome model.TaskStatus,
	guard func(*model.TaskRecord) bool,
) (bool, error) {
	unlock := d.locks.Lock(taskID)
	defer unlock()

	now := d.now()
	var (
		record       *model.TaskRecord
		transitioned bool
		moved        bool
	)

	err := d.tx.RunInTransaction(ctx, func(txCtx context.Context) error {
		t, err := d.getForUpdate(txCtx, taskID)
		if err != nil {
			return err
		}
		if guard != nil && !guard(t) {
			return nil
		}
		record = t
		transitioned, moved, err = d.settleFailureTx(txCtx, t, reason, outcome, now)
		return err
	})
	if err != nil {
		return false, err
	}
	if record == nil {
		return false, nil
	}
	d.afterFailure(ctx, record, transitioned, moved, reason, now)
	return moved, nil
}

// settleFailureTx moves an active task to outcome and releases what it holds.
// It runs inside the caller's transaction on a locked record.
func (d *Domain) settleFailureTx(
	txCtx context.Context,
	t *model.TaskRecord,
	reason string,
	outcome model.TaskStatus,
	now time.Time,
) (transitioned, moved bool, err error) {
	if t.Refunded {
		return false, false, nil
	}
	if t.Status == model.TaskStatusSucceeded {
		d.logger.Warn("refund ignored for succeeded task",
			zap.String("task_id", t.TaskID),
			zap.String("reason", reason))
		return false, false, nil
	}

	if t.IsActive() {
		ok, err := d.tasks.UpdateStatus(txCtx, t.TaskID, activeStatuses, outcome, &reason, now)
		if err != nil {
			return false, false, fmt.Errorf("update status: %w", err)
		}
		if !ok {
			return false, false, fmt.Errorf("%w: task %s changed concurrently", ErrInvalidTransition, t.TaskID)
		}
		t.Status = outcome
		t.FailureReason = &reason
		t.CompletedAt = &now
		transitioned = true
	}

	switch {
	case t.IsFree:
		if err := d.ledgers.AdjustFreeUses(txCtx, t.UserID, t.Feature, -1); err != nil {
			return false, false, fmt.Errorf("return free use: %w", err)
		}
	case t.Charged:
		if t.DebitedCredits > 0 {
			if err := d.balances.Credit(txCtx, t.UserID, t.DebitedCredits); err != nil {
				return false, false, fmt.Errorf("credit balance: %w", err)
			}
		}
		if err := d.ledgers.AdjustCreditsCharged(txCtx, t.UserID, t.Feature, -t.ChargedCredits); err != nil {
			return false, false, fmt.Errorf("adjust ledger: %w", err)
		}
	default:
		return transitioned, false, nil
	}

	ok, err := d.tasks.MarkRefunded(txCtx, t.TaskID)
	if err != nil {
		return false, false, fmt.Errorf("mark refunded: %w", err)
	}
	if !ok {
		return false, false, fmt.Errorf("%w: task %s already refunded", ErrInvalidTransition, t.TaskID)
	}
	t.Refunded = true
	return transitioned, true, nil
}

func (d *Domain) afterFailure(ctx context.Context, t *model.TaskRecord, transitioned, moved bool, reason string, now time.Time) {
	if !transitioned && !moved {
		return
	}
	d.invalidateSummary(ctx, t)
	outcome := string(t.Status)
	if moved {
		credits := t.DebitedCredits
		if t.IsFree {
			credits = 0
		}
		d.metrics.RecordRefund(t.Feature, outcome, credits)
		d.publish(newTaskEvent(EventTaskRefunded, t, credits, reason, now))
	} else {
		d.publish(newTaskEvent(EventTaskFailed, t, 0, reason, now))
	}
	d.logger.Info("task ended without success",
		zap.String("task_id", t.TaskID),
		zap.String("user_id", t.UserID.String()),
		zap.String("feature", t.Feature),
		zap.String("status", outcome),
		zap.String("reason", reason),
		zap.Bool("refunded", moved),
		zap.Bool("is_free", t.IsFree),
		zap.Int64("credits_returned", t.DebitedCredits))
}

// applyCharge debits min(cost, balance), flags the record and counts cost on the ledger.
func (d *Domain) applyCharge(txCtx context.Context, t *model.TaskRecord, cost int64) (int64, error) {
	debited, err := d.balances.Debit(txCtx, t.UserID, cost)
	if err != nil {
		return 0, fmt.Errorf("debit balance: %w", err)
	}
	ok, err := d.tasks.MarkCharged(txCtx, t.TaskID, cost, debited)
	if err != nil {
		return 0, fmt.Errorf("mark charged: %w", err)
	}
	if !ok {
		return 0, fmt.Errorf("%w: task %s already settled", ErrInvalidTransition, t.TaskID)
	}
	if err := d.ledgers.AdjustCreditsCharged(txCtx, t.UserID, t.Feature, cost); err != nil {
		return 0, fmt.Errorf("adjust ledger: %w", err)
	}
	t.Charged = true
	t.ChargedCredits = cost
	t.DebitedCredits = debited
	if debited < cost {
		d.logger.Warn("charge exceeded balance, shortfall accepted",
			zap.String("task_id", t.TaskID),
			zap.String("user_id", t.UserID.String()),
			zap.Int64("cost", cost),
			zap.Int64("debited", debited))
	}
	return debited, nil
}

// GetTask returns a task record without locking.
func (d *Domain) GetTask(ctx context.Context, taskID string) (*model.TaskRecord, error) {
	t, err := d.tasks.Get(ctx, taskID)
	if err != nil {
		if errors.Is(err, outbound.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
		}
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// GetBalance returns a user's credit balance.
func (d *Domain) GetBalance(ctx context.Context, userID uuid.UUID) (*model.Balance, error) {
	return d.balances.Get(ctx, userID)
}

// GetLedgerSummary returns the free quota, credits charged and recent tasks for
// a user and feature. Reads are lock-free and may lag a concurrent transition.
func (d *Domain) GetLedgerSummary(ctx context.Context, userID uuid.UUID, feature string) (*model.LedgerSummary, error) {
	f, err := d.catalog.Lookup(feature)
	if err != nil {
		return nil, err
	}

	if d.cache != nil {
		summary, err := d.cache.Get(ctx, userID, f.Name)
		if err == nil {
			return summary, nil
		}
		if !errors.Is(err, outbound.ErrCacheMiss) {
			d.logger.Warn("failed to read summary cache", zap.Error(err))
		}
	}

	summary := &model.LedgerSummary{
		UserID:            userID,
		Feature:           f.Name,
		FreeUsesGranted:   f.FreeUses,
		FreeUsesRemaining: f.FreeUses,
		RecentTasks:       []*model.TaskSummary{},
	}
	ledger, err := d.ledgers.Get(ctx, userID, f.Name)
	switch {
	case err == nil:
		summary.FreeUsesGranted = ledger.FreeUsesGranted
		summary.FreeUsesRemaining = ledger.FreeUsesRemaining()
		summary.TotalCreditsCharged = ledger.TotalCreditsCharged
	case errors.Is(err, outbound.ErrRecordNotFound):
	default:
		return nil, fmt.Errorf("get ledger: %w", err)
	}

	name := f.Name
	tasks, err := d.tasks.List(ctx, &model.TaskFilter{UserID: &userID, Feature: &name, Limit: d.cfg.RecentTasksLimit})
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	for _, t := range tasks {
		summary.RecentTasks = append(summary.RecentTasks, model.NewTaskSummary(t))
	}

	if d.cache != nil {
		if err := d.cache.Set(ctx, summary, d.cfg.SummaryCacheTTL); err != nil {
			d.logger.Warn("failed to write summary cache", zap.Error(err))
		}
	}
	return summary, nil
}

// Catalog returns the feature catalog.
func (d *Domain) Catalog() *Catalog {
	return d.catalog
}

func (d *Domain) getForUpdate(txCtx context.Context, taskID string) (*model.TaskRecord, error) {
	t, err := d.tasks.GetForUpdate(txCtx, taskID)
	if err != nil {
		if errors.Is(err, outbound.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
		}
		return nil, fmt.Errorf("lock task: %w", err)
	}
	return t, nil
}

func (d *Domain) invalidateSummary(ctx context.Context, t *model.TaskRecord) {
	if d.cache == nil {
		return
	}
	if err := d.cache.Invalidate(ctx, t.UserID, t.Feature); err != nil {
		d.logger.Warn("failed to invalidate summary cache",
			zap.String("user_id", t.UserID.String()),
			zap.String("feature", t.Feature),
			zap.Error(err))
	}
}

func (d *Domain) publish(event events.Event) {
	d.publisher.Publish(event)
}

func authorizeResult(err error) string {
	switch {
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ErrDuplicateTaskID):
		return "duplicate_task_id"
	case errors.Is(err, ErrInvalidPayload):
		return "invalid_payload"
	default:
		return "error"
	}
}

type nopMetrics struct{}

func (nopMetrics) RecordAuthorize(string, string)         {}
func (nopMetrics) RecordCharge(string, int64)             {}
func (nopMetrics) RecordRefund(string, string, int64)     {}
func (nopMetrics) RecordPoll(string, string)              {}
func (nopMetrics) RecordSweep(string, int, time.Duration) {}
func (nopMetrics) RecordDiscrepancy(string)               {}
