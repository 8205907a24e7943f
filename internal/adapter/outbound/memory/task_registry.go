package memory

import (
	"context"
	"slices"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/uniedit/metering/internal/model"
	"github.com/uniedit/metering/internal/port/outbound"
)

// TaskStore implements outbound.TaskRegistryPort.
type TaskStore struct {
	store *Store
}

var _ outbound.TaskRegistryPort = (*TaskStore)(nil)

func (r *TaskStore) Create(ctx context.Context, task *model.TaskRecord) error {
	return r.store.write(ctx, func(st *state) error {
		if _, exists := st.tasks[task.TaskID]; exists {
			return outbound.ErrDuplicateRecord
		}
		st.tasks[task.TaskID] = task.Clone()
		return nil
	})
}

func (r *TaskStore) Get(ctx context.Context, taskID string) (*model.TaskRecord, error) {
	var out *model.TaskRecord
	err := r.store.read(ctx, func(st *state) error {
		t, ok := st.tasks[taskID]
		if !ok {
			return outbound.ErrRecordNotFound
		}
		out = t.Clone()
		return nil
	})
	return out, err
}

func (r *TaskStore) GetForUpdate(ctx context.Context, taskID string) (*model.TaskRecord, error) {
	return r.Get(ctx, taskID)
}

func (r *TaskStore) AttachProviderJob(ctx context.Context, taskID, providerJobID string, submittedAt, expiresAt, nextPollAt time.Time) (bool, error) {
	return r.update(ctx, taskID, func(t *model.TaskRecord) bool {
		if t.Status != model.TaskStatusReserved {
			return false
		}
		t.Status = model.TaskStatusSubmitted
		t.ProviderJobID = providerJobID
		t.SubmittedAt = &submittedAt
		t.ExpiresAt = expiresAt
		t.NextRetryAt = &nextPollAt
		t.RetryCount = 0
		t.UpdatedAt = submittedAt
		return true
	})
}

func (r *TaskStore) UpdateStatus(ctx context.Context, taskID string, from []model.TaskStatus, to model.TaskStatus, failureReason *string, at time.Time) (bool, error) {
	return r.update(ctx, taskID, func(t *model.TaskRecord) bool {
		if !slices.Contains(from, t.Status) {
			return false
		}
		t.Status = to
		if failureReason != nil {
			reason := *failureReason
			t.FailureReason = &reason
		}
		if to.IsTerminal() {
			t.CompletedAt = &at
			t.NextRetryAt = nil
		}
		t.UpdatedAt = at
		return true
	})
}

func (r *TaskStore) MarkCharged(ctx context.Context, taskID string, chargedCredits, debitedCredits int64) (bool, error) {
	return r.update(ctx, taskID, func(t *model.TaskRecord) bool {
		if t.Charged || t.Refunded {
			return false
		}
		t.Charged = true
		t.ChargedCredits = chargedCredits
		t.DebitedCredits = debitedCredits
		t.UpdatedAt = r.store.now()
		return true
	})
}

func (r *TaskStore) MarkRefunded(ctx context.Context, taskID string) (bool, error) {
	return r.update(ctx, taskID, func(t *model.TaskRecord) bool {
		if t.Refunded {
			return false
		}
		t.Refunded = true
		t.UpdatedAt = r.store.now()
		return true
	})
}

func (r *TaskStore) ScheduleRetry(ctx context.Context, taskID string, retryCount int, nextRetryAt time.Time) (bool, error) {
	return r.update(ctx, taskID, func(t *model.TaskRecord) bool {
		if t.Status != model.TaskStatusSubmitted {
			return false
		}
		t.RetryCount = retryCount
		t.NextRetryAt = &nextRetryAt
		t.UpdatedAt = r.store.now()
		return true
	})
}

func (r *TaskStore) MarkReconciled(ctx context.Context, taskID string, at time.Time) error {
	_, err := r.update(ctx, taskID, func(t *model.TaskRecord) bool {
		t.ReconciledAt = &at
		return true
	})
	return err
}

func (r *TaskStore) update(ctx context.Context, taskID string, fn func(*model.TaskRecord) bool) (bool, error) {
	var changed bool
	err := r.store.write(ctx, func(st *state) error {
		t, ok := st.tasks[taskID]
		if !ok {
			return outbound.ErrRecordNotFound
		}
		changed = fn(t)
		return nil
	})
	return changed, err
}

func (r *TaskStore) List(ctx context.Context, filter *model.TaskFilter) ([]*model.TaskRecord, error) {
	if filter == nil {
		filter = &model.TaskFilter{}
	}
	out, err := r.collect(ctx, func(t *model.TaskRecord) bool {
		if filter.UserID != nil && t.UserID != *filter.UserID {
			return false
		}
		if filter.Feature != nil && t.Feature != *filter.Feature {
			return false
		}
		return len(filter.Statuses) == 0 || slices.Contains(filter.Statuses, t.Status)
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].TaskID > out[j].TaskID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return limit(out, filter.Limit), nil
}

func (r *TaskStore) ListDueForPoll(ctx context.Context, now time.Time, n int) ([]*model.TaskRecord, error) {
	out, err := r.collect(ctx, func(t *model.TaskRecord) bool {
		return t.Status == model.TaskStatusSubmitted && t.NextRetryAt != nil && !t.NextRetryAt.After(now)
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].NextRetryAt.Before(*out[j].NextRetryAt) })
	return limit(out, n), nil
}

func (r *TaskStore) ListExpired(ctx context.Context, now time.Time, n int) ([]*model.TaskRecord, error) {
	out, err := r.collect(ctx, func(t *model.TaskRecord) bool {
		return t.IsActive() && !t.ExpiresAt.After(now)
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return limit(out, n), nil
}

func (r *TaskStore) ListForReconciliation(ctx context.Context, completedAfter, reconciledBefore time.Time, n int) ([]*model.TaskRecord, error) {
	out, err := r.collect(ctx, func(t *model.TaskRecord) bool {
		if !t.IsTerminal() || t.CompletedAt == nil {
			return false
		}
		if t.CompletedAt.Before(completedAfter) || t.CompletedAt.After(reconciledBefore) {
			return false
		}
		return t.ReconciledAt == nil || t.ReconciledAt.Before(reconciledBefore)
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CompletedAt.Before(*out[j].CompletedAt) })
	return limit(out, n), nil
}

func (r *TaskStore) SumOutstandingCharges(ctx context.Context, userID uuid.UUID, feature string) (int64, error) {
	var sum int64
	err := r.store.read(ctx, func(st *state) error {
		for _, t := range st.tasks {
			if t.UserID == userID && t.Feature == feature && t.HoldsCharge() {
				sum += t.ChargedCredits
			}
		}
		return nil
	})
	return sum, err
}

func (r *TaskStore) collect(ctx context.Context, match func(*model.TaskRecord) bool) ([]*model.TaskRecord, error) {
	var out []*model.TaskRecord
	err := r.store.read(ctx, func(st *state) error {
		for _, t := range st.tasks {
			if match(t) {
				out = append(out, t.Clone())
			}
		}
		return nil
	})
	return out, err
}

func limit(tasks []*model.TaskRecord, n int) []*model.TaskRecord {
	if n > 0 && len(tasks) > n {
		return tasks[:n]
	}
	return tasks
}
