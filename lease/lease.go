// Package lease provides exclusive per-key leases. The lifecycle coordinator
// holds one per dispute for the duration of a transition and its effects.
package lease

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNotAcquired is returned when the context ends before the lease is free.
var ErrNotAcquired = errors.New("lease: not acquired")

// Release frees a lease. Calling it more than once is harmless.
type Release func()

// Locker grants exclusive leases. Holders of the same key queue; different
// keys never block each other. A lease stays held until released, even when
// the holder outlives ttl; ttl only bounds how long a crashed holder blocks
// others.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (Release, error)
}

type localEntry struct {
	ch   chan struct{}
	refs int
}

// Local is an in-process Locker. The ttl is ignored: a lease lives until
// released.
type Local struct {
	mu    sync.Mutex
	locks map[string]*localEntry
}

func NewLocal() *Local {
	return &Local{locks: make(map[string]*localEntry)}
}

func (l *Local) Acquire(ctx context.Context, key string, _ time.Duration) (Release, error) {
	l.mu.Lock()
	e, ok := l.locks[key]
	if !ok {
		e = &localEntry{ch: make(chan struct{}, 1)}
		l.locks[key] = e
	}
	e.refs++
	l.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		l.unref(key, e)
		return nil, errors.Join(ErrNotAcquired, ctx.Err())
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			l.unref(key, e)
		})
	}, nil
}

func (l *Local) unref(key string, e *localEntry) {
	l.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(l.locks, key)
	}
	l.mu.Unlock()
}

// Held reports how many keys currently have holders or waiters.
func (l *Local) Held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
