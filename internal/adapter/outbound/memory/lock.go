package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/uniedit/metering/internal/port/outbound"
)

// Locker is a single-process LockPort with expiring leases.
type Locker struct {
	mu     sync.Mutex
	leases map[string]lease
	now    func() time.Time
}

type lease struct {
	token     string
	expiresAt time.Time
}

// NewLocker creates an in-process lease manager.
func NewLocker() *Locker {
	return &Locker{
		leases: make(map[string]lease),
		now:    time.Now,
	}
}

var _ outbound.LockPort = (*Locker)(nil)

// Acquire takes the lease for key unless an unexpired holder has it.
func (l *Locker) Acquire(_ context.Context, key string, ttl time.Duration) (func(context.Context) error, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if cur, ok := l.leases[key]; ok && now.Before(cur.expiresAt) {
		return nil, false, nil
	}
	token := uuid.NewString()
	l.leases[key] = lease{token: token, expiresAt: now.Add(ttl)}

	release := func(context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		if cur, ok := l.leases[key]; !ok || cur.token != token {
			return outbound.ErrLockNotHeld
		}
		delete(l.leases, key)
		return nil
	}
	return release, true, nil
}
