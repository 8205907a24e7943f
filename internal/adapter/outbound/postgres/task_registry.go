package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/uniedit/metering/internal/model"
	"github.com/uniedit/metering/internal/port/outbound"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// taskRegistryAdapter implements outbound.TaskRegistryPort.
type taskRegistryAdapter struct {
	db *gorm.DB
}

// NewTaskRegistryAdapter creates a new task registry adapter.
func NewTaskRegistryAdapter(db *gorm.DB) outbound.TaskRegistryPort {
	return &taskRegistryAdapter{db: db}
}

func (a *taskRegistryAdapter) Create(ctx context.Context, task *model.TaskRecord) error {
	return translate(conn(ctx, a.db).Create(task).Error)
}

func (a *taskRegistryAdapter) Get(ctx context.Context, taskID string) (*model.TaskRecord, error) {
	return a.get(conn(ctx, a.db), taskID)
}

func (a *taskRegistryAdapter) GetForUpdate(ctx context.Context, taskID string) (*model.TaskRecord, error) {
	return a.get(conn(ctx, a.db).Clauses(clause.Locking{Strength: "UPDATE"}), taskID)
}

func (a *taskRegistryAdapter) get(db *gorm.DB, taskID string) (*model.TaskRecord, error) {
	var task model.TaskRecord
	if err := db.Where("task_id = ?", taskID).Take(&task).Error; err != nil {
		return nil, translate(err)
	}
	return &task, nil
}

func (a *taskRegistryAdapter) AttachProviderJob(ctx context.Context, taskID, providerJobID string, submittedAt, expiresAt, nextPollAt time.Time) (bool, error) {
	return a.update(ctx, taskID, "status = ?", []any{model.TaskStatusReserved}, map[string]any{
		"status":          model.TaskStatusSubmitted,
		"provider_job_id": providerJobID,
		"submitted_at":    submittedAt,
		"expires_at":      expiresAt,
		"next_retry_at":   nextPollAt,
		"retry_count":     0,
		"updated_at":      submittedAt,
	})
}

func (a *taskRegistryAdapter) UpdateStatus(ctx context.Context, taskID string, from []model.TaskStatus, to model.TaskStatus, failureReason *string, at time.Time) (bool, error) {
	values := map[string]any{
		"status":     to,
		"updated_at": at,
	}
	if failureReason != nil {
		values["failure_reason"] = *failureReason
	}
	if to.IsTerminal() {
		values["completed_at"] = at
		values["next_retry_at"] = nil
	}
	return a.update(ctx, taskID, "status IN ?", []any{from}, values)
}

func (a *taskRegistryAdapter) MarkCharged(ctx context.Context, taskID string, chargedCredits, debitedCredits int64) (bool, error) {
	return a.update(ctx, taskID, "charged = ? AND refunded = ?", []any{false, false}, map[string]any{
		"charged":         true,
		"charged_credits": chargedCredits,
		"debited_credits": debitedCredits,
		"updated_at":      time.Now(),
	})
}

func (a *taskRegistryAdapter) MarkRefunded(ctx context.Context, taskID string) (bool, error) {
	return a.update(ctx, taskID, "refunded = ?", []any{false}, map[string]any{
		"refunded":   true,
		"updated_at": time.Now(),
	})
}

func (a *taskRegistryAdapter) ScheduleRetry(ctx context.Context, taskID string, retryCount int, nextRetryAt time.Time) (bool, error) {
	return a.update(ctx, taskID, "status = ?", []any{model.TaskStatusSubmitted}, map[string]any{
		"retry_count":   retryCount,
		"next_retry_at": nextRetryAt,
		"updated_at":    time.Now(),
	})
}

func (a *taskRegistryAdapter) MarkReconciled(ctx context.Context, taskID string, at time.Time) error {
	result := conn(ctx, a.db).
		Model(&model.TaskRecord{}).
		Where("task_id = ?", taskID).
		UpdateColumn("reconciled_at", at)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return outbound.ErrRecordNotFound
	}
	return nil
}

// update applies values to the record when cond holds and reports whether a row changed.
func (a *taskRegistryAdapter) update(ctx context.Context, taskID, cond string, args []any, values map[string]any) (bool, error) {
	result := conn(ctx, a.db).
		Model(&model.TaskRecord{}).
		Where("task_id = ?", taskID).
		Where(cond, args...).
		UpdateColumns(values)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (a *taskRegistryAdapter) List(ctx context.Context, filter *model.TaskFilter) ([]*model.TaskRecord, error) {
	query := conn(ctx, a.db).Model(&model.TaskRecord{})
	if filter != nil {
		if filter.UserID != nil {
			query = query.Where("user_id = ?", *filter.UserID)
		}
		if filter.Feature != nil {
			query = query.Where("feature = ?", *filter.Feature)
		}
		if len(filter.Statuses) > 0 {
			query = query.Where("status IN ?", filter.Statuses)
		}
		if filter.Limit > 0 {
			query = query.Limit(filter.Limit)
		}
	}

	var tasks []*model.TaskRecord
	err := query.Order("created_at DESC, task_id DESC").Find(&tasks).Error
	return tasks, err
}

func (a *taskRegistryAdapter) ListDueForPoll(ctx context.Context, now time.Time, limit int) ([]*model.TaskRecord, error) {
	var tasks []*model.TaskRecord
	err := conn(ctx, a.db).
		Where("status = ? AND next_retry_at IS NOT NULL AND next_retry_at <= ?", model.TaskStatusSubmitted, now).
		Order("next_retry_at ASC").
		Limit(limit).
		Find(&tasks).Error
	return tasks, err
}

func (a *taskRegistryAdapter) ListExpired(ctx context.Context, now time.Time, limit int) ([]*model.TaskRecord, error) {
	var tasks []*model.TaskRecord
	err := conn(ctx, a.db).
		Where("status IN ? AND expires_at <= ?",
			[]model.TaskStatus{model.TaskStatusReserved, model.TaskStatusSubmitted}, now).
		Order("expires_at ASC").
		Limit(limit).
		Find(&tasks).Error
	return tasks, err
}

func (a *taskRegistryAdapter) ListForReconciliation(ctx context.Context, completedAfter, reconciledBefore time.Time, limit int) ([]*model.TaskRecord, error) {
	var tasks []*model.TaskRecord
	err := conn(ctx, a.db).
		Where("status IN ?", []model.TaskStatus{
			model.TaskStatusSucceeded, model.TaskStatusFailed,
			model.TaskStatusRefunded, model.TaskStatusExpired,
		}).
		Where("completed_at BETWEEN ? AND ?", completedAfter, reconciledBefore).
		Where("(reconciled_at IS NULL OR reconciled_at < ?)", reconciledBefore).
		Order("completed_at ASC").
		Limit(limit).
		Find(&tasks).Error
	return tasks, err
}

func (a *taskRegistryAdapter) SumOutstandingCharges(ctx context.Context, userID uuid.UUID, feature string) (int64, error) {
	var sum int64
	err := conn(ctx, a.db).
		Model(&model.TaskRecord{}).
		Select("COALESCE(SUM(charged_credits), 0)").
		Where("user_id = ? AND feature = ? AND charged = ? AND refunded = ?", userID, feature, true, false).
		Scan(&sum).Error
	return sum, err
}

// Compile-time check
var _ outbound.TaskRegistryPort = (*taskRegistryAdapter)(nil)
