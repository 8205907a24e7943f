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

// ledgerAdapter implements outbound.LedgerDatabasePort.
type ledgerAdapter struct {
	db *gorm.DB
}

// NewLedgerAdapter creates a new ledger database adapter.
func NewLedgerAdapter(db *gorm.DB) outbound.LedgerDatabasePort {
	return &ledgerAdapter{db: db}
}

func (a *ledgerAdapter) Get(ctx context.Context, userID uuid.UUID, feature string) (*model.Ledger, error) {
	var ledger model.Ledger
	err := conn(ctx, a.db).
		Where("user_id = ? AND feature = ?", userID, feature).
		Take(&ledger).Error
	if err != nil {
		return nil, translate(err)
	}
	return &ledger, nil
}

func (a *ledgerAdapter) GetOrCreateForUpdate(ctx context.Context, userID uuid.UUID, feature string, freeUsesGranted int) (*model.Ledger, error) {
	db := conn(ctx, a.db)
	now := time.Now()
	seed := &model.Ledger{
		UserID:          userID,
		Feature:         feature,
		FreeUsesGranted: freeUsesGranted,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(seed).Error; err != nil {
		return nil, err
	}

	var ledger model.Ledger
	err := db.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ? AND feature = ?", userID, feature).
		Take(&ledger).Error
	if err != nil {
		return nil, translate(err)
	}
	return &ledger, nil
}

func (a *ledgerAdapter) AdjustFreeUses(ctx context.Context, userID uuid.UUID, feature string, delta int) error {
	return a.adjust(ctx, userID, feature, "free_uses_consumed", delta)
}

func (a *ledgerAdapter) AdjustCreditsCharged(ctx context.Context, userID uuid.UUID, feature string, delta int64) error {
	return a.adjust(ctx, userID, feature, "total_credits_charged", delta)
}

func (a *ledgerAdapter) adjust(ctx context.Context, userID uuid.UUID, feature, column string, delta any) error {
	result := conn(ctx, a.db).
		Model(&model.Ledger{}).
		Where("user_id = ? AND feature = ?", userID, feature).
		UpdateColumns(map[string]any{
			column:       gorm.Expr(column+" + ?", delta),
			"updated_at": time.Now(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return outbound.ErrRecordNotFound
	}
	return nil
}

// Compile-time check
var _ outbound.LedgerDatabasePort = (*ledgerAdapter)(nil)
