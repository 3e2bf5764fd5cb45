package localstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/numberly/paxoskv/pkg/mutation"
	"github.com/numberly/paxoskv/pkg/paxos"
	"github.com/numberly/paxoskv/pkg/subscriber"
)

// ApplyEvent - one mutation that reached the data rows.
type ApplyEvent struct {
	Schema *mutation.Schema
	Update mutation.Mutation
}

// Replica - the local data rows decided mutations land in.
type Replica struct {
	db   *badger.DB
	subs *subscriber.Pool[ApplyEvent]
}

var _ paxos.Applier = (*Replica)(nil)

func NewReplica(db *badger.DB) *Replica {
	return &Replica{db: db, subs: subscriber.NewPool[ApplyEvent]()}
}

// Apply writes every cell of m, each arbitrated by its own timestamp, then
// notifies watchers. Replays are absorbed by the timestamp rule.
func (r *Replica) Apply(ctx context.Context, schema *mutation.Schema, m mutation.Mutation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := update(ctx, r.db, func(txn *badger.Txn) error {
		for column, mc := range m.Cells {
			c := cell{Ts: mc.Ts, Expiry: mc.Expiry, Tombstone: mc.Tombstone, Value: mc.Value}
			if err := writeCell(txn, dataKey(schema.ID, m.Key, column), c, 0); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("localstore: apply to %s: %w", m.Key, err)
	}
	r.subs.Notify(ApplyEvent{Schema: schema, Update: m.Clone()})
	return nil
}

// Watch subscribes fn to applied mutations; the returned function cancels
// the subscription. fn runs on the applying goroutine and must not block.
func (r *Replica) Watch(fn func(ApplyEvent)) func() {
	return r.subs.Subscribe(fn)
}

// Read returns the key's visible row at the current wall clock, nil when no
// live cell exists.
func (r *Replica) Read(ctx context.Context, schema *mutation.Schema, key mutation.Key) (mutation.Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	horizon := time.Now().Unix()
	prefix := dataKeyPrefix(schema.ID, key)
	row := mutation.Row{}
	err := r.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			var c cell
			if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &c) }); err != nil {
				return err
			}
			if !c.live(horizon) {
				continue
			}
			column := string(item.Key()[len(prefix):])
			row[column] = append([]byte(nil), c.Value...)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("localstore: read %s: %w", key, err)
	}
	if len(row) == 0 {
		return nil, nil
	}
	return row, nil
}

// Truncate drops every data row of the table and records at as its new
// truncation time; decisions whose ballots predate it no longer apply.
func (r *Replica) Truncate(ctx context.Context, schema *mutation.Schema, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	prefix := []byte(fmt.Sprintf("%s/%s/", dataPrefix, schema.ID))
	err := update(ctx, r.db, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		var keys [][]byte
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		it.Close()
		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return writeCell(txn, truncKey(schema.ID), cell{Ts: at.UnixMicro()}, 0)
	})
	if err != nil {
		return fmt.Errorf("localstore: truncate %s: %w", schema, err)
	}
	return nil
}
