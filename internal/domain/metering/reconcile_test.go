package metering

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/uniedit/metering/internal/model"
)

func discrepancyKinds(report *ReconciliationReport) []string {
	kinds := make([]string, 0, len(report.Discrepancies))
	for _, d := range report.Discrepancies {
		kinds = append(kinds, d.Kind)
	}
	return kinds
}

func TestScheduler_Reconciliation(t *testing.T) {
	ctx := context.Background()

	t.Run("consistent records", func(t *testing.T) {
		env := newTestEnv(t)
		sched := NewScheduler(env.domain, nil, testSchedulerConfig(), nil)
		userID := uuid.New()
		env.fund(t, userID, 100)
		env.authorize(t, userID, "free", "upscale", nil)
		env.submit(t, userID, "paid", "upscale", "job-paid")
		_, err := env.domain.Refund(ctx, "free", "cancelled")
		require.NoError(t, err)
		_, err = env.domain.Charge(ctx, "paid", nil)
		require.NoError(t, err)
		env.media.On("GetJobStatus", mock.Anything, "job-paid").Return(jobState("job-paid", "succeeded"), nil)

		// Too recent to reconcile.
		report, err := sched.RunReconciliation(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, report.Scanned)

		env.clock.Advance(2 * time.Hour)
		report, err = sched.RunReconciliation(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, report.Scanned)
		assert.Equal(t, 2, report.Settled)
		assert.Empty(t, report.Discrepancies)
		assert.NotNil(t, env.task(t, "paid").ReconciledAt)

		// Already reconciled.
		report, err = sched.RunReconciliation(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, report.Scanned)
	})

	t.Run("provider disagrees with a refunded task", func(t *testing.T) {
		env := newTestEnv(t)
		sched := NewScheduler(env.domain, nil, testSchedulerConfig(), nil)
		userID := uuid.New()
		env.submit(t, userID, "free", "upscale", "job-1")
		env.media.On("GetJobStatus", mock.Anything, "job-1").Return(jobState("job-1", "failed"), nil).Once()
		_, err := env.domain.Poll(ctx, "free")
		require.NoError(t, err)

		env.media.On("GetJobStatus", mock.Anything, "job-1").Return(jobState("job-1", "completed"), nil)
		env.clock.Advance(2 * time.Hour)
		report, err := sched.RunReconciliation(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{DiscrepancyProviderReportsSuccess}, discrepancyKinds(report))

		// Reporting never changes the record.
		task := env.task(t, "free")
		assert.Equal(t, model.TaskStatusFailed, task.Status)
		assert.True(t, task.Refunded)
		assert.Equal(t, 1, env.metrics.discrepancies[DiscrepancyProviderReportsSuccess])
		assert.Contains(t, env.publisher.types(), EventDiscrepancyDetected)
	})

	t.Run("record and ledger drift", func(t *testing.T) {
		env := newTestEnv(t)
		sched := NewScheduler(env.domain, nil, testSchedulerConfig(), nil)
		userID := uuid.New()
		env.fund(t, userID, 100)
		env.authorize(t, userID, "free", "upscale", nil)
		env.authorize(t, userID, "paid", "upscale", nil)

		// Force a succeeded record that was never charged, and skew the ledger.
		_, err := env.store.Tasks().UpdateStatus(ctx, "paid", activeStatuses, model.TaskStatusSucceeded, nil, env.clock.Now())
		require.NoError(t, err)
		require.NoError(t, env.store.Ledgers().AdjustCreditsCharged(ctx, userID, "upscale", 5))

		env.clock.Advance(2 * time.Hour)
		report, err := sched.RunReconciliation(ctx)
		require.NoError(t, err)
		assert.ElementsMatch(t,
			[]string{DiscrepancySucceededUncharged, DiscrepancyLedgerDrift},
			discrepancyKinds(report))
		assert.Equal(t, int64(100), env.balance(t, userID))
	})
}

func TestCheckRecord(t *testing.T) {
	base := model.TaskRecord{TaskID: "t", UserID: uuid.New(), Feature: "upscale", CreditCost: 30}

	tests := []struct {
		name   string
		modify func(*model.TaskRecord)
		want   []string
	}{
		{"charged success", func(r *model.TaskRecord) { r.Status = model.TaskStatusSucceeded; r.Charged = true }, nil},
		{"free success", func(r *model.TaskRecord) { r.Status = model.TaskStatusSucceeded; r.IsFree = true }, nil},
		{"uncharged success", func(r *model.TaskRecord) { r.Status = model.TaskStatusSucceeded }, []string{DiscrepancySucceededUncharged}},
		{"unrefunded charge", func(r *model.TaskRecord) { r.Status = model.TaskStatusFailed; r.Charged = true }, []string{DiscrepancyUnrefundedCharge}},
		{"unreturned slot", func(r *model.TaskRecord) { r.Status = model.TaskStatusExpired; r.IsFree = true }, []string{DiscrepancyUnreturnedFreeSlot}},
		{"uncharged failure", func(r *model.TaskRecord) { r.Status = model.TaskStatusFailed }, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := base
			tt.modify(&r)
			var kinds []string
			for _, d := range checkRecord(&r) {
				kinds = append(kinds, d.Kind)
			}
			assert.Equal(t, tt.want, kinds)
		})
	}
}
