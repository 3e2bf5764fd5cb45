// Package subscriber fans events out to a dynamic set of callbacks.
package subscriber

import "sync"

// Pool - a set of subscribers sharing one event stream.
type Pool[T any] struct {
	mu   sync.RWMutex
	next uint64
	subs map[uint64]func(T)
}

func NewPool[T any]() *Pool[T] {
	return &Pool[T]{subs: make(map[uint64]func(T))}
}

// Subscribe registers fn and returns the function that removes it again.
func (p *Pool[T]) Subscribe(fn func(T)) func() {
	p.mu.Lock()
	id := p.next
	p.next++
	p.subs[id] = fn
	p.mu.Unlock()
	return func() {
		p.mu.Lock()
		delete(p.subs, id)
		p.mu.Unlock()
	}
}

// Notify calls every subscriber with ev on the caller's goroutine; order is
// unspecified. Subscribers must not block.
func (p *Pool[T]) Notify(ev T) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, fn := range p.subs {
		fn(ev)
	}
}

// Len reports the number of active subscribers.
func (p *Pool[T]) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.subs)
}
