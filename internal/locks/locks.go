// Package locks provides per-record try-locks so that only one writer at a
// time drives an improvement through a transition.
package locks

import (
	"context"
	"errors"
	"sync"
)

// ErrHeld is returned by TryLock when another holder owns the key.
var ErrHeld = errors.New("lock held by another writer")

// Locker hands out exclusive, non-blocking locks keyed by string.
type Locker interface {
	// TryLock acquires key or fails immediately with ErrHeld. The returned
	// function releases the lock and is safe to call more than once.
	TryLock(ctx context.Context, key string) (unlock func(), err error)
}

// Registry is an in-process Locker. It is created once at start-up and
// shared by reference; there is no package-level state.
type Registry struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{held: make(map[string]struct{})}
}

var _ Locker = (*Registry)(nil)

// TryLock implements Locker.
func (r *Registry) TryLock(_ context.Context, key string) (func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.held[key]; ok {
		return nil, ErrHeld
	}
	r.held[key] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.held, key)
			r.mu.Unlock()
		})
	}, nil
}

// Held reports the number of keys currently locked.
func (r *Registry) Held() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.held)
}
