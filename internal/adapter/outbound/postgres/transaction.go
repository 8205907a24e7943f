package postgres

import (
	"context"
	"errors"

	"github.com/uniedit/metering/internal/port/outbound"
	"gorm.io/gorm"
)

// TransactionAdapter implements outbound.TransactionPort.
type TransactionAdapter struct {
	db *gorm.DB
}

// NewTransactionAdapter creates a new transaction adapter.
func NewTransactionAdapter(db *gorm.DB) *TransactionAdapter {
	return &TransactionAdapter{db: db}
}

func (a *TransactionAdapter) RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txContextKey).(*gorm.DB); ok {
		return fn(ctx)
	}
	return a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Store tx in context for nested operations
		txCtx := context.WithValue(ctx, txContextKey, tx)
		return fn(txCtx)
	})
}

// txContextKey is used to store transaction in context.
type txContextKeyType struct{}

var txContextKey = txContextKeyType{}

// conn returns the transaction stored in ctx, or db.
func conn(ctx context.Context, db *gorm.DB) *gorm.DB {
	if tx, ok := ctx.Value(txContextKey).(*gorm.DB); ok {
		return tx.WithContext(ctx)
	}
	return db.WithContext(ctx)
}

// translate maps gorm errors onto the outbound store errors.
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return outbound.ErrRecordNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return outbound.ErrDuplicateRecord
	default:
		return err
	}
}

var _ outbound.TransactionPort = (*TransactionAdapter)(nil)
