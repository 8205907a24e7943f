package memory

import (
	"context"

	"github.com/google/uuid"
	"github.com/uniedit/metering/internal/model"
	"github.com/uniedit/metering/internal/port/outbound"
)

// LedgerStore implements outbound.LedgerDatabasePort.
type LedgerStore struct {
	store *Store
}

var _ outbound.LedgerDatabasePort = (*LedgerStore)(nil)

func (l *LedgerStore) Get(ctx context.Context, userID uuid.UUID, feature string) (*model.Ledger, error) {
	var out *model.Ledger
	err := l.store.read(ctx, func(st *state) error {
		v, ok := st.ledgers[ledgerKey{userID: userID, feature: feature}]
		if !ok {
			return outbound.ErrRecordNotFound
		}
		c := *v
		out = &c
		return nil
	})
	return out, err
}

func (l *LedgerStore) GetOrCreateForUpdate(ctx context.Context, userID uuid.UUID, feature string, freeUsesGranted int) (*model.Ledger, error) {
	var out *model.Ledger
	err := l.store.write(ctx, func(st *state) error {
		key := ledgerKey{userID: userID, feature: feature}
		v, ok := st.ledgers[key]
		if !ok {
			now := l.store.now()
			v = &model.Ledger{
				UserID:          userID,
				Feature:         feature,
				FreeUsesGranted: freeUsesGranted,
				CreatedAt:       now,
				UpdatedAt:       now,
			}
			st.ledgers[key] = v
		}
		c := *v
		out = &c
		return nil
	})
	return out, err
}

func (l *LedgerStore) AdjustFreeUses(ctx context.Context, userID uuid.UUID, feature string, delta int) error {
	return l.adjust(ctx, userID, feature, func(v *model.Ledger) {
		v.FreeUsesConsumed += delta
	})
}

func (l *LedgerStore) AdjustCreditsCharged(ctx context.Context, userID uuid.UUID, feature string, delta int64) error {
	return l.adjust(ctx, userID, feature, func(v *model.Ledger) {
		v.TotalCreditsCharged += delta
	})
}

func (l *LedgerStore) adjust(ctx context.Context, userID uuid.UUID, feature string, fn func(*model.Ledger)) error {
	return l.store.write(ctx, func(st *state) error {
		v, ok := st.ledgers[ledgerKey{userID: userID, feature: feature}]
		if !ok {
			return outbound.ErrRecordNotFound
		}
		fn(v)
		v.UpdatedAt = l.store.now()
		return nil
	})
}
