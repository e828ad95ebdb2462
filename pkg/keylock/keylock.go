// Package keylock provides mutual exclusion per string key. Entries are
// reference counted and dropped once nobody holds or waits on them, so the
// map only grows with the number of keys in flight.
package keylock

import (
	"context"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"
)

type entry struct {
	ch   chan struct{}
	refs int
}

type Locker struct {
	entries *xsync.MapOf[string, *entry]
}

func New() *Locker {
	return &Locker{entries: xsync.NewMapOf[string, *entry]()}
}

// Lock blocks until key is free or ctx is done. The returned func releases
// the key and must be called exactly once.
func (l *Locker) Lock(ctx context.Context, key string) (func(), error) {
	e := l.acquire(key)

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(key)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			l.release(key)
		})
	}, nil
}

func (l *Locker) acquire(key string) *entry {
	e, _ := l.entries.Compute(key, func(old *entry, loaded bool) (*entry, bool) {
		if !loaded {
			old = &entry{ch: make(chan struct{}, 1)}
		}
		old.refs++
		return old, false
	})
	return e
}

func (l *Locker) release(key string) {
	l.entries.Compute(key, func(old *entry, loaded bool) (*entry, bool) {
		if !loaded {
			return nil, true
		}
		old.refs--
		return old, old.refs <= 0
	})
}

// Len reports the number of keys currently held or waited on.
func (l *Locker) Len() int {
	return l.entries.Size()
}
