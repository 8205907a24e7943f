package outbound

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/uniedit/metering/internal/model"
)

// Store-level errors returned by metering persistence adapters.
var (
	ErrRecordNotFound  = errors.New("record not found")
	ErrDuplicateRecord = errors.New("duplicate record")
	ErrLockNotHeld     = errors.New("lock not held")
	ErrCacheMiss       = errors.New("cache miss")
)

// TransactionPort runs a unit of work atomically.
// Persistence ports called with the context passed to fn take part in the transaction.
type TransactionPort interface {
	RunInTransaction(ctx context.Context, fn func(txCtx context.Context) error) error
}

// BalanceDatabasePort defines credit balance persistence operations.
type BalanceDatabasePort interface {
	// Get returns the balance; a user without a row has zero credits.
	Get(ctx context.Context, userID uuid.UUID) (*model.Balance, error)

	// GetForUpdate returns the balance and locks it for the enclosing transaction.
	GetForUpdate(ctx context.Context, userID uuid.UUID) (*model.Balance, error)

	// Debit decrements the balance by min(amount, credits) and returns the amount removed.
	Debit(ctx context.Context, userID uuid.UUID, amount int64) (int64, error)

	// Credit increments the balance, creating the row if needed.
	Credit(ctx context.Context, userID uuid.UUID, amount int64) error
}

// LedgerDatabasePort defines per-user, per-feature ledger persistence operations.
type LedgerDatabasePort interface {
	// Get returns the ledger or ErrRecordNotFound.
	Get(ctx context.Context, userID uuid.UUID, feature string) (*model.Ledger, error)

	// GetOrCreateForUpdate lazily creates the ledger and locks it for the enclosing transaction.
	GetOrCreateForUpdate(ctx context.Context, userID uuid.UUID, feature string, freeUsesGranted int) (*model.Ledger, error)

	// AdjustFreeUses adds delta to free_uses_consumed.
	AdjustFreeUses(ctx context.Context, userID uuid.UUID, feature string, delta int) error

	// AdjustCreditsCharged adds delta to total_credits_charged.
	AdjustCreditsCharged(ctx context.Context, userID uuid.UUID, feature string, delta int64) error
}

// TaskRegistryPort defines task record persistence operations.
// Mutating calls are conditional updates and report whether a row changed.
type TaskRegistryPort interface {
	// Create inserts a record or returns ErrDuplicateRecord.
	Create(ctx context.Context, task *model.TaskRecord) error

	// Get returns a record or ErrRecordNotFound.
	Get(ctx context.Context, taskID string) (*model.TaskRecord, error)

	// GetForUpdate returns a record locked for the enclosing transaction.
	GetForUpdate(ctx context.Context, taskID string) (*model.TaskRecord, error)

	// AttachProviderJob moves a reserved record to submitted.
	AttachProviderJob(ctx context.Context, taskID, providerJobID string, submittedAt, expiresAt, nextPollAt time.Time) (bool, error)

	// UpdateStatus moves a record whose status is one of from to the target status.
	UpdateStatus(ctx context.Context, taskID string, from []model.TaskStatus, to model.TaskStatus, failureReason *string, at time.Time) (bool, error)

	// MarkCharged sets charged=true if neither charged nor refunded is set.
	MarkCharged(ctx context.Context, taskID string, chargedCredits, debitedCredits int64) (bool, error)

	// MarkRefunded sets refunded=true if it is not set.
	MarkRefunded(ctx context.Context, taskID string) (bool, error)

	// ScheduleRetry records a poll outcome on a submitted record.
	ScheduleRetry(ctx context.Context, taskID string, retryCount int, nextRetryAt time.Time) (bool, error)

	// MarkReconciled stamps the last reconciliation time.
	MarkReconciled(ctx context.Context, taskID string, at time.Time) error

	// List lists records, newest first.
	List(ctx context.Context, filter *model.TaskFilter) ([]*model.TaskRecord, error)

	// ListDueForPoll lists submitted records whose next_retry_at has passed.
	ListDueForPoll(ctx context.Context, now time.Time, limit int) ([]*model.TaskRecord, error)

	// ListExpired lists reserved or submitted records whose expires_at has passed.
	ListExpired(ctx context.Context, now time.Time, limit int) ([]*model.TaskRecord, error)

	// ListForReconciliation lists terminal records completed between completedAfter
	// and reconciledBefore that were not reconciled since reconciledBefore.
	ListForReconciliation(ctx context.Context, completedAfter, reconciledBefore time.Time, limit int) ([]*model.TaskRecord, error)

	// SumOutstandingCharges sums charged_credits over charged, unrefunded records.
	SumOutstandingCharges(ctx context.Context, userID uuid.UUID, feature string) (int64, error)
}

// ProviderStatusPort queries one external provider's job-status API.
type ProviderStatusPort interface {
	// Name returns the provider name used in task records.
	Name() string

	// GetJobStatus returns the provider's raw view of a job.
	GetJobStatus(ctx context.Context, jobID string) (*model.ProviderJobState, error)
}

// ProviderRegistryPort resolves provider status clients by name.
type ProviderRegistryPort interface {
	Get(name string) (ProviderStatusPort, error)
}

// LockPort hands out short-lived leases shared across replicas.
type LockPort interface {
	// Acquire tries to take the lease. It returns acquired=false when another holder has it.
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(context.Context) error, acquired bool, err error)
}

// LedgerSummaryCachePort caches ledger summaries (Redis).
type LedgerSummaryCachePort interface {
	// Get returns a cached summary or ErrCacheMiss.
	Get(ctx context.Context, userID uuid.UUID, feature string) (*model.LedgerSummary, error)

	// Set stores a summary.
	Set(ctx context.Context, summary *model.LedgerSummary, ttl time.Duration) error

	// Invalidate drops the cached summary.
	Invalidate(ctx context.Context, userID uuid.UUID, feature string) error
}

// MeteringMetricsPort records engine metrics.
type MeteringMetricsPort interface {
	RecordAuthorize(feature, result string)
	RecordCharge(feature string, credits int64)
	RecordRefund(feature, outcome string, credits int64)
	RecordPoll(provider, status string)
	RecordSweep(sweep string, processed int, duration time.Duration)
	RecordDiscrepancy(kind string)
}
