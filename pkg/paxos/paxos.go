// Package paxos implements the single-decree protocol that orders
// conditional writes per partition key. Each key runs its own instance:
// prepare promotes a ballot to the key's promise, accept stores the
// proposal the round may decide on, and learn applies a decided proposal to
// the replica and records it as the most recent commit.
//
// The coordinator itself is stateless; all round state lives in a
// RecordStore and every phase re-reads it under the key's lock, so one
// coordinator instance serves any number of shards.
package paxos

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/numberly/paxoskv/pkg/ballot"
	"github.com/numberly/paxoskv/pkg/keylock"
	"github.com/numberly/paxoskv/pkg/mutation"
)

// Locks - the per-shard table serializing rounds by token. Prepare and
// accept for one key must always run against the same table.
type Locks = keylock.Table[mutation.Token]

// RecordStore - durable per-key paxos metadata. Load returns the zero
// Record for a key with no live state at the given horizon (unix seconds);
// expired promises, proposals and commits are invisible. Saves replace
// state only when not superseded by a newer write, so replays and stale
// retransmissions are harmless.
type RecordStore interface {
	Load(ctx context.Context, schema *mutation.Schema, key mutation.Key, horizon int64) (Record, error)
	SavePromise(ctx context.Context, schema *mutation.Schema, key mutation.Key, b ballot.Ballot) error
	SaveProposal(ctx context.Context, schema *mutation.Schema, p Proposal) error
	SaveDecision(ctx context.Context, schema *mutation.Schema, decision Proposal) error
	// TruncatedAt reports the table's latest truncation time in unix
	// microseconds, zero if it was never truncated.
	TruncatedAt(ctx context.Context, table uuid.UUID) (int64, error)
}

// Applier - the replica side: applies a decided mutation to the data rows.
// Apply must be idempotent, learn retries replay it.
type Applier interface {
	Apply(ctx context.Context, schema *mutation.Schema, m mutation.Mutation) error
}

// Coordinator runs the three phases against one record store and one
// replica.
type Coordinator struct {
	store   RecordStore
	applier Applier
	stats   *Stats
	log     *zap.Logger
}

// NewCoordinator wires the protocol to its store and replica. stats and
// logger may be nil.
func NewCoordinator(store RecordStore, applier Applier, stats *Stats, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{store: store, applier: applier, stats: stats, log: logger.Named("paxos")}
}

// Prepare runs the promise phase for one key. The ballot is promoted iff
// its timestamp is strictly newer than the current promise, and the new
// promise is durable before the response is returned. A successful response
// carries the previously accepted proposal and the most recent commit so
// the proposer can repair them; a rejection carries the promised ballot the
// proposer has to exceed.
//
// State is loaded at the ballot's own timestamp, not at local time, so
// every retry of the same round sees the same expiry horizon.
func (c *Coordinator) Prepare(ctx context.Context, locks *Locks, schema *mutation.Schema, key mutation.Key, b ballot.Ballot) (PrepareResponse, error) {
	defer c.stats.observe(opPrepare, time.Now())

	guard, err := locks.Acquire(ctx, key.Token())
	if err != nil {
		return PrepareResponse{}, err
	}
	defer guard.Release()

	rec, err := c.store.Load(ctx, schema, key, b.UnixSec())
	if err != nil {
		return PrepareResponse{}, fmt.Errorf("load paxos state for %s: %w", key, err)
	}
	if b.Timestamp() > rec.Promised.Timestamp() {
		c.log.Debug("promising ballot", zap.Stringer("ballot", b), zap.Stringer("key", key))
		if err := c.store.SavePromise(ctx, schema, key, b); err != nil {
			return PrepareResponse{}, fmt.Errorf("save promise for %s: %w", key, err)
		}
		return PrepareResponse{
			Promised:         true,
			Accepted:         rec.Accepted,
			MostRecentCommit: rec.MostRecentCommit,
		}, nil
	}
	c.log.Debug("promise rejected; ballot is not sufficiently newer than promised",
		zap.Stringer("ballot", b), zap.Stringer("promised", rec.Promised), zap.Stringer("key", key))
	return PrepareResponse{InProgress: rec.Promised}, nil
}

// Accept runs the accept phase. The proposal is stored iff its ballot is
// the promised one or carries a strictly newer timestamp; the relaxed
// newer-than check lets a proposal land even when the promise expired
// between phases.
func (c *Coordinator) Accept(ctx context.Context, locks *Locks, schema *mutation.Schema, p Proposal) (bool, error) {
	defer c.stats.observe(opAccept, time.Now())

	guard, err := locks.Acquire(ctx, p.Update.Key.Token())
	if err != nil {
		return false, err
	}
	defer guard.Release()

	rec, err := c.store.Load(ctx, schema, p.Update.Key, p.Ballot.UnixSec())
	if err != nil {
		return false, fmt.Errorf("load paxos state for %s: %w", p.Update.Key, err)
	}
	if p.Ballot == rec.Promised || p.Ballot.Timestamp() > rec.Promised.Timestamp() {
		c.log.Debug("accepting proposal", zap.Stringer("proposal", p))
		if err := c.store.SaveProposal(ctx, schema, p); err != nil {
			return false, fmt.Errorf("save proposal for %s: %w", p.Update.Key, err)
		}
		return true, nil
	}
	c.log.Debug("rejecting proposal because in progress promise is newer",
		zap.Stringer("proposal", p), zap.Stringer("promised", rec.Promised))
	return false, nil
}

// Learn commits a decided proposal: the mutation is applied to the replica
// unless the table was truncated after the round's ballot was minted, and
// the decision is recorded either way. No per-key lock is taken; the apply
// is a blind idempotent write arbitrated by cell timestamps, and recording
// the decision also clears any accepted proposal it supersedes.
func (c *Coordinator) Learn(ctx context.Context, schema *mutation.Schema, decision Proposal) error {
	defer c.stats.observe(opLearn, time.Now())

	truncatedAt, err := c.store.TruncatedAt(ctx, schema.ID)
	if err != nil {
		return fmt.Errorf("read truncation time of %s: %w", schema, err)
	}
	if decision.Ballot.Timestamp() >= truncatedAt {
		c.log.Debug("committing decision", zap.Stringer("decision", decision))
		if err := c.applier.Apply(ctx, schema, decision.Update); err != nil {
			return fmt.Errorf("apply decision for %s: %w", decision.Update.Key, err)
		}
	} else {
		c.log.Debug("not committing decision; ballot timestamp predates last truncation",
			zap.Stringer("decision", decision), zap.Int64("truncated_at", truncatedAt))
	}
	if err := c.store.SaveDecision(ctx, schema, decision); err != nil {
		return fmt.Errorf("save decision for %s: %w", decision.Update.Key, err)
	}
	return nil
}
