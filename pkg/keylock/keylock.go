// Package keylock serializes critical sections per key while unrelated keys
// proceed in parallel. Entries are minted on first use and dropped as soon
// as the last holder or waiter is gone, so a table only ever holds the keys
// with in-flight work.
package keylock

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"
)

// ErrTimeout - the lock could not be acquired before the context expired.
var ErrTimeout = errors.New("keylock: acquire timed out")

// Table - a map of per-key semaphores.
type Table[K comparable] struct {
	mu      sync.Mutex
	entries map[K]*entry
}

type entry struct {
	sem  *semaphore.Weighted
	refs int
}

func NewTable[K comparable]() *Table[K] {
	return &Table[K]{entries: make(map[K]*entry)}
}

// Acquire blocks until the caller is the sole holder for key or ctx is
// done. The returned guard must be released on every exit path.
func (t *Table[K]) Acquire(ctx context.Context, key K) (*Guard[K], error) {
	t.mu.Lock()
	e, ok := t.entries[key]
	if !ok {
		e = &entry{sem: semaphore.NewWeighted(1)}
		t.entries[key] = e
	}
	e.refs++
	t.mu.Unlock()

	if err := e.sem.Acquire(ctx, 1); err != nil {
		t.unref(key, e)
		return nil, fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return &Guard[K]{table: t, key: key, entry: e}, nil
}

func (t *Table[K]) unref(key K, e *entry) {
	t.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(t.entries, key)
	}
	t.mu.Unlock()
}

// Len reports how many keys currently have a holder or waiters.
func (t *Table[K]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Guard - ownership of one key's lock.
type Guard[K comparable] struct {
	table *Table[K]
	key   K
	entry *entry
	once  sync.Once
}

// Release hands the lock to the next waiter. Safe to call more than once.
func (g *Guard[K]) Release() {
	g.once.Do(func() {
		g.entry.sem.Release(1)
		g.table.unref(g.key, g.entry)
	})
}
