package common

import (
	"context"
	"sync"
)

// NamedLock serializes callers sharing a name while letting callers with
// different names proceed concurrently. Entries are dropped once no caller
// holds or waits for them.
type NamedLock struct {
	mu    sync.Mutex
	locks map[string]*namedLockEntry
}

type namedLockEntry struct {
	sem  chan struct{}
	refs int
}

// NewNamedLock creates an empty lock set.
func NewNamedLock() *NamedLock {
	return &NamedLock{locks: make(map[string]*namedLockEntry)}
}

// Lock blocks until name is free or ctx is done. The returned function
// releases the lock and must be called exactly once.
func (l *NamedLock) Lock(ctx context.Context, name string) (func(), error) {
	l.mu.Lock()
	entry, ok := l.locks[name]
	if !ok {
		entry = &namedLockEntry{sem: make(chan struct{}, 1)}
		l.locks[name] = entry
	}
	entry.refs++
	l.mu.Unlock()

	select {
	case entry.sem <- struct{}{}:
	case <-ctx.Done():
		l.release(name, entry)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-entry.sem
			l.release(name, entry)
		})
	}, nil
}

// WithLock runs fn while holding name.
func (l *NamedLock) WithLock(ctx context.Context, name string, fn func() error) error {
	unlock, err := l.Lock(ctx, name)
	if err != nil {
		return err
	}
	defer unlock()
	return fn()
}

// Size returns the number of names currently held or waited for.
func (l *NamedLock) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

func (l *NamedLock) release(name string, entry *namedLockEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry.refs--
	if entry.refs == 0 {
		delete(l.locks, name)
	}
}

// OwnerLockName is the lock name guarding read-modify-write cycles on the
// published record of a data owner.
func OwnerLockName(ownerID string) string {
	return "owner:" + ownerID
}

// ExchangeLockName is the lock name guarding creation of exchange data for
// a delegator and delegate pair.
func ExchangeLockName(delegatorID, delegateID string) string {
	return "exchange:" + delegatorID + ">" + delegateID
}

// VerificationLockName is the lock name guarding updates of the locally
// saved key verification status of a data owner.
func VerificationLockName(ownerID string) string {
	return "verification:" + ownerID
}
