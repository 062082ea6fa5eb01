// ABOUTME: Per-conversation critical sections for router, lock manager and escalation writes
// ABOUTME: Local keeps in-process semaphores; Redis spans multiple gateway replicas

package guard

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Lock after the guard has been closed.
var ErrClosed = errors.New("guard closed")

// Guard serializes work on a single key. Lock blocks until the key is free or ctx ends;
// the returned unlock must be called exactly once.
type Guard interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
	Close() error
}

// entry is a one-slot semaphore shared by everyone waiting on the same key.
type entry struct {
	sem  chan struct{}
	refs int
}

// Local is an in-process Guard. Entries are reference counted and dropped once
// nobody holds or waits on the key, so memory tracks active conversations only.
type Local struct {
	mu      sync.Mutex
	entries map[string]*entry
	closed  bool
}

// NewLocal creates an in-process guard.
func NewLocal() *Local {
	return &Local{entries: make(map[string]*entry)}
}

// Lock acquires the critical section for key.
func (l *Local) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil, ErrClosed
	}
	e, ok := l.entries[key]
	if !ok {
		e = &entry{sem: make(chan struct{}, 1)}
		l.entries[key] = e
	}
	e.refs++
	l.mu.Unlock()

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		l.release(key, e)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.sem
			l.release(key, e)
		})
	}, nil
}

func (l *Local) release(key string, e *entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.entries, key)
	}
}

// Active returns the number of keys currently held or waited on.
func (l *Local) Active() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Close rejects future Lock calls. Held sections stay valid until unlocked.
func (l *Local) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

var _ Guard = (*Local)(nil)
