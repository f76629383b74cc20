// Package lock provides keyed mutual exclusion so that compound registry operations on the same
// module never interleave.
package lock

import (
	"context"
	"sync"
)

// Locker acquires exclusive locks on string keys.  The returned function releases the lock and is
// safe to call more than once.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// Local is an in-process [Locker].  Entries are reference counted and discarded once no caller holds
// or waits on the key, so the set of keys can grow without bound over the life of the process.
type Local struct {
	mu    sync.Mutex
	locks map[string]*entry
}

type entry struct {
	// a buffered channel of size 1 rather than a sync.Mutex so that waiters can give up when their
	// context ends
	sem  chan struct{}
	refs int
}

// ensure Local satisfies the Locker interface
var _ Locker = (*Local)(nil)

// NewLocal constructs an empty in-process locker.
func NewLocal() *Local {
	return &Local{locks: make(map[string]*entry)}
}

// Lock blocks until the lock on key is acquired or ctx ends.
func (l *Local) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	e, ok := l.locks[key]
	if !ok {
		e = &entry{sem: make(chan struct{}, 1)}
		l.locks[key] = e
	}
	e.refs++
	l.mu.Unlock()

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		l.deref(key, e)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.sem
			l.deref(key, e)
		})
	}, nil
}

func (l *Local) deref(key string, e *entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.locks, key)
	}
}

// size returns the number of live entries
func (l *Local) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
