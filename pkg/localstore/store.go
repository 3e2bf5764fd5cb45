// Package localstore persists paxos metadata and replica rows in badger.
// Every value is one json-encoded cell carrying the write timestamp that
// arbitrates conflicts: the newer timestamp wins, and on a tie a tombstone
// beats a value. All writes go through that rule, so replayed and stale
// saves are harmless no matter the order they arrive in.
//
// Key layout, one namespace per concern:
//
//	paxos/<table>/<key-hex>/{promise,proposal,commit}
//	trunc/<table>
//	data/<table>/<key-hex>/<column>
package localstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/numberly/paxoskv/pkg/ballot"
	"github.com/numberly/paxoskv/pkg/mutation"
	"github.com/numberly/paxoskv/pkg/paxos"
)

const (
	paxosPrefix = "paxos"
	truncPrefix = "trunc"
	dataPrefix  = "data"

	promiseField  = "promise"
	proposalField = "proposal"
	commitField   = "commit"
)

func paxosKey(table uuid.UUID, key mutation.Key, field string) []byte {
	return []byte(fmt.Sprintf("%s/%s/%x/%s", paxosPrefix, table, key, field))
}

func truncKey(table uuid.UUID) []byte {
	return []byte(fmt.Sprintf("%s/%s", truncPrefix, table))
}

func dataKey(table uuid.UUID, key mutation.Key, column string) []byte {
	return []byte(fmt.Sprintf("%s/%s/%x/%s", dataPrefix, table, key, column))
}

func dataKeyPrefix(table uuid.UUID, key mutation.Key) []byte {
	return []byte(fmt.Sprintf("%s/%s/%x/", dataPrefix, table, key))
}

// cell - the stored form of every value. Exactly one of Ballot, Proposal
// and Value is set depending on the namespace.
type cell struct {
	Ts        int64           `json:"ts"`
	Expiry    int64           `json:"expiry,omitempty"`
	Tombstone bool            `json:"tombstone,omitempty"`
	Ballot    *ballot.Ballot  `json:"ballot,omitempty"`
	Proposal  *paxos.Proposal `json:"proposal,omitempty"`
	Value     []byte          `json:"value,omitempty"`
}

// live defers to the data-plane liveness rule so the store and the replica
// rows cannot drift on what expiry and tombstones mean.
func (c cell) live(horizon int64) bool {
	return mutation.Cell{Ts: c.Ts, Expiry: c.Expiry, Tombstone: c.Tombstone}.Live(horizon)
}

func readCell(txn *badger.Txn, key []byte) (cell, bool, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return cell{}, false, nil
	}
	if err != nil {
		return cell{}, false, err
	}
	var c cell
	if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &c) }); err != nil {
		return cell{}, false, err
	}
	return c, true, nil
}

// writeCell stores c at key unless the existing cell supersedes it: a
// strictly newer timestamp always wins, and on a timestamp tie a stored
// tombstone beats an incoming value.
func writeCell(txn *badger.Txn, key []byte, c cell, ttl time.Duration) error {
	cur, ok, err := readCell(txn, key)
	if err != nil {
		return err
	}
	if ok && (cur.Ts > c.Ts || (cur.Ts == c.Ts && cur.Tombstone && !c.Tombstone)) {
		return nil
	}
	buf, err := json.Marshal(c)
	if err != nil {
		return err
	}
	e := badger.NewEntry(key, buf)
	if ttl > 0 {
		e = e.WithTTL(ttl)
	}
	return txn.SetEntry(e)
}

// update runs fn in a read-write transaction, retrying while badger aborts
// the commit because a concurrent transaction touched the same keys. The
// learn path writes without holding the per-key lock, so such overlaps are
// normal; every write here is a timestamp-arbitrated merge, and rerunning
// the closure against the winner's state converges on the same outcome.
func update(ctx context.Context, db *badger.DB, fn func(txn *badger.Txn) error) error {
	for {
		err := db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

// expiry computes a cell's expiry from the ballot's own clock rather than
// local time, so every participant in a round judges liveness identically.
func expiry(schema *mutation.Schema, b ballot.Ballot) int64 {
	if schema.GCGrace <= 0 {
		return 0
	}
	return b.UnixSec() + int64(schema.GCGrace/time.Second)
}

// Store - the paxos system table. One Store serves every shard: the
// per-key locks already serialize conflicting rounds, and each save runs in
// its own transaction.
type Store struct {
	db *badger.DB
}

var _ paxos.RecordStore = (*Store)(nil)

func NewStore(db *badger.DB) *Store {
	return &Store{db: db}
}

// Load reads the key's record, dropping anything not live at horizon (unix
// seconds). A key with no live state loads as the zero record.
func (s *Store) Load(ctx context.Context, schema *mutation.Schema, key mutation.Key, horizon int64) (paxos.Record, error) {
	if err := ctx.Err(); err != nil {
		return paxos.Record{}, err
	}
	var rec paxos.Record
	err := s.db.View(func(txn *badger.Txn) error {
		c, ok, err := readCell(txn, paxosKey(schema.ID, key, promiseField))
		if err != nil {
			return err
		}
		if ok && c.live(horizon) && c.Ballot != nil {
			rec.Promised = *c.Ballot
		}
		c, ok, err = readCell(txn, paxosKey(schema.ID, key, proposalField))
		if err != nil {
			return err
		}
		if ok && c.live(horizon) && c.Proposal != nil {
			rec.Accepted = c.Proposal
		}
		c, ok, err = readCell(txn, paxosKey(schema.ID, key, commitField))
		if err != nil {
			return err
		}
		if ok && c.live(horizon) && c.Proposal != nil {
			rec.MostRecentCommit = c.Proposal
		}
		return nil
	})
	if err != nil {
		return paxos.Record{}, fmt.Errorf("localstore: load %s: %w", key, err)
	}
	return rec, nil
}

// SavePromise makes b the key's promised ballot, durable before return.
func (s *Store) SavePromise(ctx context.Context, schema *mutation.Schema, key mutation.Key, b ballot.Ballot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c := cell{Ts: b.Timestamp(), Expiry: expiry(schema, b), Ballot: &b}
	err := update(ctx, s.db, func(txn *badger.Txn) error {
		return writeCell(txn, paxosKey(schema.ID, key, promiseField), c, schema.GCGrace)
	})
	if err != nil {
		return fmt.Errorf("localstore: save promise for %s: %w", key, err)
	}
	return nil
}

// SaveProposal stores p as the key's accepted proposal.
func (s *Store) SaveProposal(ctx context.Context, schema *mutation.Schema, p paxos.Proposal) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c := cell{Ts: p.Ballot.Timestamp(), Expiry: expiry(schema, p.Ballot), Proposal: &p}
	err := update(ctx, s.db, func(txn *badger.Txn) error {
		return writeCell(txn, paxosKey(schema.ID, p.Update.Key, proposalField), c, schema.GCGrace)
	})
	if err != nil {
		return fmt.Errorf("localstore: save proposal for %s: %w", p.Update.Key, err)
	}
	return nil
}

// SaveDecision records the decided proposal as the key's most recent
// commit. The same write doubles as the deletion of the accepted proposal:
// a tombstone at the decision's timestamp erases any proposal at or below
// it while losing to a newer one, so a late retransmission of the decided
// round cannot resurrect the proposal.
func (s *Store) SaveDecision(ctx context.Context, schema *mutation.Schema, decision paxos.Proposal) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ts := decision.Ballot.Timestamp()
	exp := expiry(schema, decision.Ballot)
	err := update(ctx, s.db, func(txn *badger.Txn) error {
		shadow := cell{Ts: ts, Expiry: exp, Tombstone: true}
		if err := writeCell(txn, paxosKey(schema.ID, decision.Update.Key, proposalField), shadow, schema.GCGrace); err != nil {
			return err
		}
		c := cell{Ts: ts, Expiry: exp, Proposal: &decision}
		return writeCell(txn, paxosKey(schema.ID, decision.Update.Key, commitField), c, schema.GCGrace)
	})
	if err != nil {
		return fmt.Errorf("localstore: save decision for %s: %w", decision.Update.Key, err)
	}
	return nil
}

// TruncatedAt reports the table's latest truncation time in unix
// microseconds, zero if never truncated.
func (s *Store) TruncatedAt(ctx context.Context, table uuid.UUID) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var at int64
	err := s.db.View(func(txn *badger.Txn) error {
		c, ok, err := readCell(txn, truncKey(table))
		if err != nil {
			return err
		}
		if ok {
			at = c.Ts
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("localstore: truncation time of %s: %w", table, err)
	}
	return at, nil
}
