// Package shard routes protocol phases to the shard owning a key's token.
// Each shard runs a dispatcher goroutine and owns the lock table
// serializing rounds for its tokens, so two rounds for one key always
// contend on the same locks no matter which goroutine started them.
package shard

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/numberly/paxoskv/pkg/ballot"
	"github.com/numberly/paxoskv/pkg/keylock"
	"github.com/numberly/paxoskv/pkg/mutation"
	"github.com/numberly/paxoskv/pkg/paxos"
)

// ErrUnreachable - the owning shard is not taking work, the group was
// closed.
var ErrUnreachable = errors.New("shard: unreachable")

// TASK_BACKLOG - queued tasks per shard before submitters block.
const TASK_BACKLOG = 1024

type shard struct {
	id    int
	locks *paxos.Locks
	tasks chan func()
}

// Group - a fixed pool of shards in front of one coordinator. The pool size
// is set at startup and never changes, so token routing stays stable for
// the lifetime of the process.
type Group struct {
	coord  *paxos.Coordinator
	shards []*shard
	done   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
	log    *zap.Logger
}

// NewGroup starts n shards over coord. logger may be nil.
func NewGroup(n int, coord *paxos.Coordinator, logger *zap.Logger) *Group {
	if n <= 0 {
		n = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &Group{coord: coord, done: make(chan struct{}), log: logger.Named("shard")}
	for i := 0; i < n; i++ {
		s := &shard{
			id:    i,
			locks: keylock.NewTable[mutation.Token](),
			tasks: make(chan func(), TASK_BACKLOG),
		}
		g.shards = append(g.shards, s)
		g.wg.Add(1)
		go g.run(s)
	}
	g.log.Debug("group started", zap.Int("shards", n))
	return g
}

// run drains one shard's queue. Tasks run on their own goroutines and rely
// on the shard's lock table for per-key ordering, so a slow key never
// stalls the rest of the shard.
func (g *Group) run(s *shard) {
	defer g.wg.Done()
	for {
		select {
		case task := <-s.tasks:
			go task()
		case <-g.done:
			return
		}
	}
}

// Shards reports the pool size.
func (g *Group) Shards() int {
	return len(g.shards)
}

// ShardOf maps a token to its owning shard.
func (g *Group) ShardOf(tok mutation.Token) int {
	return int(tok % mutation.Token(len(g.shards)))
}

// invoke submits fn to the owning shard and waits for its result. fn's
// captures must be owned by the task: callers hand over clones, never
// aliases, since nothing may be shared across the shard boundary.
func invoke[T any](ctx context.Context, g *Group, id int, fn func(s *shard) (T, error)) (T, error) {
	var zero T
	s := g.shards[id]
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	task := func() {
		v, err := fn(s)
		ch <- result{v, err}
	}
	select {
	case s.tasks <- task:
	case <-g.done:
		return zero, fmt.Errorf("%w: shard %d", ErrUnreachable, id)
	case <-ctx.Done():
		return zero, ctx.Err()
	}
	select {
	case r := <-ch:
		return r.v, r.err
	case <-g.done:
		return zero, fmt.Errorf("%w: shard %d", ErrUnreachable, id)
	}
}

// Prepare runs the promise phase on the shard owning key's token.
func (g *Group) Prepare(ctx context.Context, schema *mutation.Schema, key mutation.Key, b ballot.Ballot) (paxos.PrepareResponse, error) {
	key = key.Clone()
	return invoke(ctx, g, g.ShardOf(key.Token()), func(s *shard) (paxos.PrepareResponse, error) {
		return g.coord.Prepare(ctx, s.locks, schema, key, b)
	})
}

// Accept runs the accept phase on the shard owning the proposal's key.
func (g *Group) Accept(ctx context.Context, schema *mutation.Schema, p paxos.Proposal) (bool, error) {
	p = p.Clone()
	return invoke(ctx, g, g.ShardOf(p.Update.Key.Token()), func(s *shard) (bool, error) {
		return g.coord.Accept(ctx, s.locks, schema, p)
	})
}

// Learn commits a decision. It is not routed: the apply is a blind
// idempotent write ordered by cell timestamps and takes no key lock, so any
// goroutine may run it directly.
func (g *Group) Learn(ctx context.Context, schema *mutation.Schema, decision paxos.Proposal) error {
	select {
	case <-g.done:
		return ErrUnreachable
	default:
	}
	return g.coord.Learn(ctx, schema, decision)
}

// Close stops the shards. In-flight tasks finish; queued and future calls
// fail with ErrUnreachable.
func (g *Group) Close() {
	g.once.Do(func() { close(g.done) })
	g.wg.Wait()
}
