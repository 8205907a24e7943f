// Package memory provides in-process implementations of the metering
// persistence ports. Transactions are serialized and run on a private copy of
// the state that replaces the committed state only when fn returns nil.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/uniedit/metering/internal/model"
	"github.com/uniedit/metering/internal/port/outbound"
)

type ledgerKey struct {
	userID  uuid.UUID
	feature string
}

type state struct {
	balances map[uuid.UUID]*model.Balance
	ledgers  map[ledgerKey]*model.Ledger
	tasks    map[string]*model.TaskRecord
}

func newState() *state {
	return &state{
		balances: make(map[uuid.UUID]*model.Balance),
		ledgers:  make(map[ledgerKey]*model.Ledger),
		tasks:    make(map[string]*model.TaskRecord),
	}
}

func (s *state) clone() *state {
	c := &state{
		balances: make(map[uuid.UUID]*model.Balance, len(s.balances)),
		ledgers:  make(map[ledgerKey]*model.Ledger, len(s.ledgers)),
		tasks:    make(map[string]*model.TaskRecord, len(s.tasks)),
	}
	for k, v := range s.balances {
		b := *v
		c.balances[k] = &b
	}
	for k, v := range s.ledgers {
		l := *v
		c.ledgers[k] = &l
	}
	for k, v := range s.tasks {
		c.tasks[k] = v.Clone()
	}
	return c
}

// Store holds balances, ledgers and task records in memory.
type Store struct {
	txMu      sync.Mutex
	mu        sync.RWMutex
	committed *state
	now       func() time.Time
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		committed: newState(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

type txContextKey struct{}

type txState struct {
	st *state
}

func txFrom(ctx context.Context) *txState {
	tx, _ := ctx.Value(txContextKey{}).(*txState)
	return tx
}

// RunInTransaction runs fn on a private copy of the state. Nested calls join the outer transaction.
func (s *Store) RunInTransaction(ctx context.Context, fn func(txCtx context.Context) error) error {
	if txFrom(ctx) != nil {
		return fn(ctx)
	}

	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.RLock()
	work := s.committed.clone()
	s.mu.RUnlock()

	if err := fn(context.WithValue(ctx, txContextKey{}, &txState{st: work})); err != nil {
		return err
	}

	s.mu.Lock()
	s.committed = work
	s.mu.Unlock()
	return nil
}

func (s *Store) read(ctx context.Context, fn func(*state) error) error {
	if tx := txFrom(ctx); tx != nil {
		return fn(tx.st)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(s.committed)
}

func (s *Store) write(ctx context.Context, fn func(*state) error) error {
	if tx := txFrom(ctx); tx != nil {
		return fn(tx.st)
	}
	s.txMu.Lock()
	defer s.txMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.committed)
}

// Balances returns the balance port backed by this store.
func (s *Store) Balances() *BalanceStore {
	return &BalanceStore{store: s}
}

// Ledgers returns the ledger port backed by this store.
func (s *Store) Ledgers() *LedgerStore {
	return &LedgerStore{store: s}
}

// Tasks returns the task registry port backed by this store.
func (s *Store) Tasks() *TaskStore {
	return &TaskStore{store: s}
}

var _ outbound.TransactionPort = (*Store)(nil)
