package keeper

import (
	"context"
	"sync"
	"time"

	"github.com/alanyoungcy/oraclemarket/internal/domain"
)

// LocalLocks is an in-process domain.LockManager for single-node runs
// without Redis. TTLs are ignored; a lock is held until released.
type LocalLocks struct {
	mu   sync.Mutex
	held map[string]bool
}

// NewLocalLocks creates an empty lock table.
func NewLocalLocks() *LocalLocks {
	return &LocalLocks{held: make(map[string]bool)}
}

// Acquire implements domain.LockManager.
func (l *LocalLocks) Acquire(_ context.Context, key string, _ time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return nil, domain.ErrLockHeld
	}
	l.held[key] = true
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
	}, nil
}
