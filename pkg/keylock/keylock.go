// Package keylock provides per-key mutual exclusion.
// Critical sections for the same key are serialized; different keys
// proceed fully in parallel. Entries are reference counted and removed
// as soon as the last holder or waiter leaves, so the key space does
// not grow with traffic.
package keylock

import (
	"context"
	"sync"
)

// KeyLock serializes critical sections per key.
// The zero value is not usable; construct with New.
type KeyLock struct {
	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	// sem has capacity 1; holding the token is holding the lock.
	sem  chan struct{}
	refs int
}

// New creates an empty KeyLock.
func New() *KeyLock {
	return &KeyLock{
		entries: make(map[string]*entry),
	}
}

// WithLock runs fn while holding the lock for key.
// It blocks until the lock is acquired or ctx is done. Waiters on the
// same key are admitted one at a time in channel wakeup order.
func (l *KeyLock) WithLock(ctx context.Context, key string, fn func() error) error {
	e := l.retain(key)

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		l.release(key, e)
		return ctx.Err()
	}

	defer func() {
		<-e.sem
		l.release(key, e)
	}()

	return fn()
}

// TryLock attempts to acquire the lock for key without blocking.
// On success it returns a release function and true; the caller must
// invoke release exactly once.
func (l *KeyLock) TryLock(key string) (func(), bool) {
	e := l.retain(key)

	select {
	case e.sem <- struct{}{}:
	default:
		l.release(key, e)
		return nil, false
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.sem
			l.release(key, e)
		})
	}, true
}

// Len reports how many keys currently have holders or waiters.
func (l *KeyLock) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func (l *KeyLock) retain(key string) *entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[key]
	if !ok {
		e = &entry{sem: make(chan struct{}, 1)}
		l.entries[key] = e
	}
	e.refs++
	return e
}

func (l *KeyLock) release(key string, e *entry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e.refs--
	if e.refs == 0 {
		delete(l.entries, key)
	}
}
