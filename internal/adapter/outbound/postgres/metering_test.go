package postgres

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uniedit/metering/internal/domain/metering"
	"github.com/uniedit/metering/internal/model"
	"github.com/uniedit/metering/internal/port/outbound"
	"github.com/uniedit/metering/internal/testutil"
)

func newTask(userID uuid.UUID, id string, now time.Time) *model.TaskRecord {
	return &model.TaskRecord{
		TaskID:       id,
		UserID:       userID,
		Feature:      "upscale",
		Status:       model.TaskStatusReserved,
		Provider:     "media",
		Payload:      map[string]any{"width": 1024.0},
		ChargePolicy: model.ChargePolicyOnCompletion,
		CreditCost:   30,
		MaxRetries:   3,
		CreatedAt:    now,
		UpdatedAt:    now,
		ExpiresAt:    now.Add(15 * time.Minute),
	}
}

func TestBalanceAdapter(t *testing.T) {
	db := testutil.NewPostgres(t)
	ctx := context.Background()
	balances := NewBalanceAdapter(db)
	userID := uuid.New()

	b, err := balances.Get(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), b.Credits)

	debited, err := balances.Debit(ctx, userID, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(0), debited)

	require.NoError(t, balances.Credit(ctx, userID, 40))
	debited, err = balances.Debit(ctx, userID, 25)
	require.NoError(t, err)
	assert.Equal(t, int64(25), debited)

	debited, err = balances.Debit(ctx, userID, 25)
	require.NoError(t, err)
	assert.Equal(t, int64(15), debited)

	b, err = balances.Get(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), b.Credits)
}

func TestLedgerAdapter(t *testing.T) {
	db := testutil.NewPostgres(t)
	ctx := context.Background()
	ledgers := NewLedgerAdapter(db)
	userID := uuid.New()

	_, err := ledgers.Get(ctx, userID, "upscale")
	assert.ErrorIs(t, err, outbound.ErrRecordNotFound)

	l, err := ledgers.GetOrCreateForUpdate(ctx, userID, "upscale", 2)
	require.NoError(t, err)
	assert.Equal(t, 2, l.FreeUsesGranted)

	// The grant is fixed when the ledger is created.
	l, err = ledgers.GetOrCreateForUpdate(ctx, userID, "upscale", 5)
	require.NoError(t, err)
	assert.Equal(t, 2, l.FreeUsesGranted)

	require.NoError(t, ledgers.AdjustFreeUses(ctx, userID, "upscale", 1))
	require.NoError(t, ledgers.AdjustCreditsCharged(ctx, userID, "upscale", 30))
	require.NoError(t, ledgers.AdjustCreditsCharged(ctx, userID, "upscale", -10))

	l, err = ledgers.Get(ctx, userID, "upscale")
	require.NoError(t, err)
	assert.Equal(t, 1, l.FreeUsesConsumed)
	assert.Equal(t, int64(20), l.TotalCreditsCharged)
	assert.Equal(t, 1, l.FreeUsesRemaining())
}

func TestTaskRegistryAdapter(t *testing.T) {
	db := testutil.NewPostgres(t)
	ctx := context.Background()
	tasks := NewTaskRegistryAdapter(db)
	userID := uuid.New()
	now := time.Now().UTC().Truncate(time.Microsecond)

	require.NoError(t, tasks.Create(ctx, newTask(userID, "t-1", now)))
	err := tasks.Create(ctx, newTask(userID, "t-1", now))
	assert.ErrorIs(t, err, outbound.ErrDuplicateRecord)

	got, err := tasks.Get(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, 1024.0, got.Payload["width"])

	_, err = tasks.Get(ctx, "missing")
	assert.ErrorIs(t, err, outbound.ErrRecordNotFound)

	ok, err := tasks.AttachProviderJob(ctx, "t-1", "job-1", now, now.Add(time.Hour), now.Add(10*time.Second))
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = tasks.AttachProviderJob(ctx, "t-1", "job-2", now, now.Add(time.Hour), now.Add(10*time.Second))
	require.NoError(t, err)
	assert.False(t, ok)

	due, err := tasks.ListDueForPoll(ctx, now.Add(10*time.Second), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "job-1", due[0].ProviderJobID)

	ok, err = tasks.ScheduleRetry(ctx, "t-1", 1, now.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)
	due, err = tasks.ListDueForPoll(ctx, now.Add(10*time.Second), 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	ok, err = tasks.MarkCharged(ctx, "t-1", 30, 30)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = tasks.MarkCharged(ctx, "t-1", 30, 30)
	require.NoError(t, err)
	assert.False(t, ok)

	sum, err := tasks.SumOutstandingCharges(ctx, userID, "upscale")
	require.NoError(t, err)
	assert.Equal(t, int64(30), sum)

	reason := "boom"
	ok, err = tasks.UpdateStatus(ctx, "t-1", []model.TaskStatus{model.TaskStatusSubmitted}, model.TaskStatusFailed, &reason, now)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = tasks.MarkRefunded(ctx, "t-1")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = tasks.MarkRefunded(ctx, "t-1")
	require.NoError(t, err)
	assert.False(t, ok)

	sum, err = tasks.SumOutstandingCharges(ctx, userID, "upscale")
	require.NoError(t, err)
	assert.Equal(t, int64(0), sum)

	got, err = tasks.Get(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusRefunded, got.EffectiveStatus())
	require.NotNil(t, got.FailureReason)
	assert.Equal(t, "boom", *got.FailureReason)

	recon, err := tasks.ListForReconciliation(ctx, now.Add(-time.Hour), now.Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, recon, 1)
	require.NoError(t, tasks.MarkReconciled(ctx, "t-1", now.Add(2*time.Minute)))
	recon, err = tasks.ListForReconciliation(ctx, now.Add(-time.Hour), now.Add(time.Minute), 10)
	require.NoError(t, err)
	assert.Empty(t, recon)

	require.NoError(t, tasks.Create(ctx, newTask(userID, "t-2", now.Add(time.Second))))
	feature := "upscale"
	list, err := tasks.List(ctx, &model.TaskFilter{UserID: &userID, Feature: &feature, Limit: 10})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "t-2", list[0].TaskID)

	expired, err := tasks.ListExpired(ctx, now.Add(time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "t-2", expired[0].TaskID)
}

func TestTransactionAdapter_Rollback(t *testing.T) {
	db := testutil.NewPostgres(t)
	ctx := context.Background()
	tx := NewTransactionAdapter(db)
	balances := NewBalanceAdapter(db)
	userID := uuid.New()
	errAbort := errors.New("abort")

	err := tx.RunInTransaction(ctx, func(txCtx context.Context) error {
		if err := balances.Credit(txCtx, userID, 100); err != nil {
			return err
		}
		return errAbort
	})
	assert.ErrorIs(t, err, errAbort)

	b, err := balances.Get(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), b.Credits)
}

type staticRegistry struct{}

func (staticRegistry) Get(name string) (outbound.ProviderStatusPort, error) {
	return nil, errors.New("no providers in this test")
}

func TestMeteringDomain_ConcurrentOnPostgres(t *testing.T) {
	db := testutil.NewPostgres(t)
	ctx := context.Background()

	catalog, err := metering.NewCatalog([]metering.Feature{
		{Name: "upscale", Pricing: metering.PricingFixed, FixedCost: 30, FreeUses: 1, Provider: "media"},
	}, nil)
	require.NoError(t, err)

	stores := metering.Stores{
		Tx:       NewTransactionAdapter(db),
		Tasks:    NewTaskRegistryAdapter(db),
		Ledgers:  NewLedgerAdapter(db),
		Balances: NewBalanceAdapter(db),
	}
	userID := uuid.New()
	require.NoError(t, stores.Balances.Credit(ctx, userID, 100))

	// Two engines share the database the way two replicas would.
	engines := []*metering.Domain{
		metering.NewMeteringDomain(stores, staticRegistry{}, catalog, nil, nil),
		metering.NewMeteringDomain(stores, staticRegistry{}, catalog, nil, nil),
	}

	_, err = engines[0].Authorize(ctx, &metering.AuthorizeRequest{TaskID: "free", UserID: userID, Feature: "upscale"})
	require.NoError(t, err)
	_, err = engines[0].Authorize(ctx, &metering.AuthorizeRequest{TaskID: "paid", UserID: userID, Feature: "upscale"})
	require.NoError(t, err)
	require.NoError(t, engines[1].AttachProviderJob(ctx, "paid", "job-1"))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		d := engines[i%2]
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = d.Charge(ctx, "paid", nil)
		}()
		go func() {
			defer wg.Done()
			_, _ = d.Refund(ctx, "paid", "race")
		}()
	}
	wg.Wait()

	task, err := engines[0].GetTask(ctx, "paid")
	require.NoError(t, err)
	balance, err := engines[0].GetBalance(ctx, userID)
	require.NoError(t, err)

	switch task.Status {
	case model.TaskStatusSucceeded:
		assert.Equal(t, int64(70), balance.Credits)
	case model.TaskStatusFailed:
		assert.Equal(t, int64(100), balance.Credits)
	default:
		t.Fatalf("unexpected status %s", task.Status)
	}
}
