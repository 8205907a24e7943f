package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/uniedit/metering/internal/model"
	"github.com/uniedit/metering/internal/port/outbound"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// balanceAdapter implements outbound.BalanceDatabasePort.
type balanceAdapter struct {
	db *gorm.DB
}

// NewBalanceAdapter creates a new balance database adapter.
func NewBalanceAdapter(db *gorm.DB) outbound.BalanceDatabasePort {
	return &balanceAdapter{db: db}
}

func (a *balanceAdapter) Get(ctx context.Context, userID uuid.UUID) (*model.Balance, error) {
	return a.get(conn(ctx, a.db), userID)
}

func (a *balanceAdapter) GetForUpdate(ctx context.Context, userID uuid.UUID) (*model.Balance, error) {
	return a.get(conn(ctx, a.db).Clauses(clause.Locking{Strength: "UPDATE"}), userID)
}

func (a *balanceAdapter) get(db *gorm.DB, userID uuid.UUID) (*model.Balance, error) {
	var bal model.Balance
	err := db.Where("user_id = ?", userID).Take(&bal).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return &model.Balance{UserID: userID}, nil
		}
		return nil, err
	}
	return &bal, nil
}

func (a *balanceAdapter) Debit(ctx context.Context, userID uuid.UUID, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, nil
	}
	var debited int64
	err := conn(ctx, a.db).Transaction(func(tx *gorm.DB) error {
		var bal model.Balance
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("user_id = ?", userID).
			Take(&bal).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return err
		}
		debited = min(amount, bal.Credits)
		if debited == 0 {
			return nil
		}
		return tx.Model(&model.Balance{}).
			Where("user_id = ?", userID).
			UpdateColumns(map[string]any{
				"credits":    gorm.Expr("credits - ?", debited),
				"updated_at": time.Now(),
			}).Error
	})
	if err != nil {
		return 0, err
	}
	return debited, nil
}

func (a *balanceAdapter) Credit(ctx context.Context, userID uuid.UUID, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("credit amount must be >= 0, got %d", amount)
	}
	now := time.Now()
	bal := &model.Balance{UserID: userID, Credits: amount, CreatedAt: now, UpdatedAt: now}
	return conn(ctx, a.db).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.Assignments(map[string]any{
			"credits":    gorm.Expr("balances.credits + EXCLUDED.credits"),
			"updated_at": now,
		}),
	}).Create(bal).Error
}

// Compile-time check
var _ outbound.BalanceDatabasePort = (*balanceAdapter)(nil)
