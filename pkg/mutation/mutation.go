// Package mutation holds the data-plane types: schemas, partition keys and
// the cell-level writes the paxos rounds decide on.
package mutation

import (
	"fmt"
	"hash/fnv"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Token - the 64-bit hash of a partition key. Shard routing and per-key
// locking both work on tokens, so everything derived from one key lands on
// the same shard.
type Token uint64

// Key - a partition key. Keys are owned byte slices; anything crossing a
// shard boundary carries a Clone.
type Key []byte

// Token hashes the key with FNV-1a.
func (k Key) Token() Token {
	h := fnv.New64a()
	h.Write(k)
	return Token(h.Sum64())
}

// Clone returns an independently owned copy of the key.
func (k Key) Clone() Key {
	if k == nil {
		return nil
	}
	return append(Key(nil), k...)
}

func (k Key) String() string {
	return strconv.Quote(string(k))
}

// Schema describes one table: identity, naming and how long paxos metadata
// for its keys may linger before it is garbage collected. Schemas are
// immutable once built and safe to share across shards.
type Schema struct {
	ID       uuid.UUID     `json:"id"`
	Keyspace string        `json:"keyspace"`
	Name     string        `json:"name"`
	GCGrace  time.Duration `json:"gc_grace"`
}

// NewSchema builds a schema. The id is derived from keyspace and name, so
// reopening a table resumes its persisted state. A zero gcGrace keeps paxos
// metadata forever.
func NewSchema(keyspace, name string, gcGrace time.Duration) *Schema {
	id := uuid.NewSHA1(uuid.NameSpaceOID, []byte(keyspace+"."+name))
	return &Schema{ID: id, Keyspace: keyspace, Name: name, GCGrace: gcGrace}
}

func (s *Schema) String() string {
	return s.Keyspace + "." + s.Name
}

// Cell - one column value plus the metadata arbitrating concurrent writes:
// the write timestamp in unix microseconds, an optional expiry in unix
// seconds (zero means live forever) and the tombstone marker. On conflict
// the higher timestamp wins; on a timestamp tie a tombstone beats a value.
type Cell struct {
	Value     []byte `json:"value,omitempty"`
	Ts        int64  `json:"ts"`
	Expiry    int64  `json:"expiry,omitempty"`
	Tombstone bool   `json:"tombstone,omitempty"`
}

// Live reports whether the cell holds a visible value at the given horizon
// (unix seconds).
func (c Cell) Live(horizon int64) bool {
	return !c.Tombstone && (c.Expiry == 0 || c.Expiry > horizon)
}

// Row - the visible column values of one key.
type Row map[string][]byte

// Mutation - a set of cell writes against one key, applied atomically by
// the replica.
type Mutation struct {
	Key   Key             `json:"key"`
	Cells map[string]Cell `json:"cells"`
}

// NewMutation starts an empty mutation for key.
func NewMutation(key Key) Mutation {
	return Mutation{Key: key.Clone(), Cells: make(map[string]Cell)}
}

// Set records a column write. The timestamp is stamped later, when the
// mutation is bound to a ballot.
func (m *Mutation) Set(column string, value []byte) {
	m.Cells[column] = Cell{Value: append([]byte(nil), value...)}
}

// Delete records a column deletion as a tombstone cell.
func (m *Mutation) Delete(column string) {
	m.Cells[column] = Cell{Tombstone: true}
}

// WithTimestamp returns a copy of the mutation with every cell stamped at
// ts.
func (m Mutation) WithTimestamp(ts int64) Mutation {
	out := m.Clone()
	for column, cell := range out.Cells {
		cell.Ts = ts
		out.Cells[column] = cell
	}
	return out
}

// Clone returns a deep copy sharing no memory with the original.
func (m Mutation) Clone() Mutation {
	out := Mutation{Key: m.Key.Clone()}
	if m.Cells != nil {
		out.Cells = make(map[string]Cell, len(m.Cells))
		for column, cell := range m.Cells {
			cell.Value = append([]byte(nil), cell.Value...)
			out.Cells[column] = cell
		}
	}
	return out
}

func (m Mutation) String() string {
	return fmt.Sprintf("mutation{key: %s, cells: %d}", m.Key, len(m.Cells))
}
