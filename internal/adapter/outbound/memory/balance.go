package memory

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/uniedit/metering/internal/model"
	"github.com/uniedit/metering/internal/port/outbound"
)

// BalanceStore implements outbound.BalanceDatabasePort.
type BalanceStore struct {
	store *Store
}

var _ outbound.BalanceDatabasePort = (*BalanceStore)(nil)

func (b *BalanceStore) Get(ctx context.Context, userID uuid.UUID) (*model.Balance, error) {
	var out *model.Balance
	err := b.store.read(ctx, func(st *state) error {
		if v, ok := st.balances[userID]; ok {
			c := *v
			out = &c
			return nil
		}
		out = &model.Balance{UserID: userID}
		return nil
	})
	return out, err
}

func (b *BalanceStore) GetForUpdate(ctx context.Context, userID uuid.UUID) (*model.Balance, error) {
	return b.Get(ctx, userID)
}

func (b *BalanceStore) Debit(ctx context.Context, userID uuid.UUID, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, nil
	}
	var debited int64
	err := b.store.write(ctx, func(st *state) error {
		v, ok := st.balances[userID]
		if !ok {
			return nil
		}
		debited = min(amount, v.Credits)
		v.Credits -= debited
		v.UpdatedAt = b.store.now()
		return nil
	})
	return debited, err
}

func (b *BalanceStore) Credit(ctx context.Context, userID uuid.UUID, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("credit amount must be >= 0, got %d", amount)
	}
	return b.store.write(ctx, func(st *state) error {
		now := b.store.now()
		v, ok := st.balances[userID]
		if !ok {
			v = &model.Balance{UserID: userID, CreatedAt: now}
			st.balances[userID] = v
		}
		v.Credits += amount
		v.UpdatedAt = now
		return nil
	})
}
