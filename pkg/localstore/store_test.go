package localstore

import (
	"bytes"
	"context"
	"testing"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/numberly/paxoskv/pkg/ballot"
	"github.com/numberly/paxoskv/pkg/keylock"
	"github.com/numberly/paxoskv/pkg/mutation"
	"github.com/numberly/paxoskv/pkg/paxos"
)

func openTestDB(t *testing.T) *badger.DB {
	t.Helper()
	opts := badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func proposalAt(key mutation.Key, b ballot.Ballot, value string) paxos.Proposal {
	m := mutation.NewMutation(key)
	m.Set("v", []byte(value))
	return paxos.Proposal{Ballot: b, Update: m.WithTimestamp(b.Timestamp())}
}

func TestLoadEmptyRecord(t *testing.T) {
	store := NewStore(openTestDB(t))
	schema := mutation.NewSchema("ks", "tbl", time.Hour)

	rec, err := store.Load(context.Background(), schema, mutation.Key("nope"), time.Now().Unix())
	if err != nil {
		t.Fatal(err)
	}
	if !rec.Promised.IsZero() || rec.Accepted != nil || rec.MostRecentCommit != nil {
		t.Fatalf("empty key loaded non-zero record: %+v", rec)
	}
}

func TestPromiseRoundTrip(t *testing.T) {
	store := NewStore(openTestDB(t))
	schema := mutation.NewSchema("ks", "tbl", time.Hour)
	key := mutation.Key("k")
	ctx := context.Background()

	now := time.Now()
	b := ballot.AtTime(now)
	if err := store.SavePromise(ctx, schema, key, b); err != nil {
		t.Fatal(err)
	}
	rec, err := store.Load(ctx, schema, key, b.UnixSec())
	if err != nil {
		t.Fatal(err)
	}
	if rec.Promised != b {
		t.Fatalf("loaded promise %s, want %s", rec.Promised, b)
	}

	// A stale retransmission of an older promise must not regress the
	// stored one.
	older := ballot.AtTime(now.Add(-time.Minute))
	if err := store.SavePromise(ctx, schema, key, older); err != nil {
		t.Fatal(err)
	}
	rec, err = store.Load(ctx, schema, key, b.UnixSec())
	if err != nil {
		t.Fatal(err)
	}
	if rec.Promised != b {
		t.Fatalf("older save regressed the promise to %s", rec.Promised)
	}
}

func TestDecisionClearsProposal(t *testing.T) {
	store := NewStore(openTestDB(t))
	schema := mutation.NewSchema("ks", "tbl", time.Hour)
	key := mutation.Key("k")
	ctx := context.Background()

	now := time.Now()
	b1 := ballot.AtTime(now)
	p1 := proposalAt(key, b1, "one")

	if err := store.SaveProposal(ctx, schema, p1); err != nil {
		t.Fatal(err)
	}
	rec, err := store.Load(ctx, schema, key, b1.UnixSec())
	if err != nil {
		t.Fatal(err)
	}
	if rec.Accepted == nil || rec.Accepted.Ballot != b1 {
		t.Fatalf("proposal not stored: %+v", rec.Accepted)
	}

	if err := store.SaveDecision(ctx, schema, p1); err != nil {
		t.Fatal(err)
	}
	rec, err = store.Load(ctx, schema, key, b1.UnixSec())
	if err != nil {
		t.Fatal(err)
	}
	if rec.Accepted != nil {
		t.Fatalf("decision left the proposal in place: %+v", rec.Accepted)
	}
	if rec.MostRecentCommit == nil || rec.MostRecentCommit.Ballot != b1 {
		t.Fatalf("commit not recorded: %+v", rec.MostRecentCommit)
	}

	// A late retransmission of the decided proposal stays dead behind the
	// decision's tombstone.
	if err := store.SaveProposal(ctx, schema, p1); err != nil {
		t.Fatal(err)
	}
	rec, err = store.Load(ctx, schema, key, b1.UnixSec())
	if err != nil {
		t.Fatal(err)
	}
	if rec.Accepted != nil {
		t.Fatal("retransmitted proposal resurrected after the decision")
	}

	// A genuinely newer proposal overrides the tombstone.
	b2 := ballot.AtTime(now.Add(time.Second))
	p2 := proposalAt(key, b2, "two")
	if err := store.SaveProposal(ctx, schema, p2); err != nil {
		t.Fatal(err)
	}
	rec, err = store.Load(ctx, schema, key, b2.UnixSec())
	if err != nil {
		t.Fatal(err)
	}
	if rec.Accepted == nil || rec.Accepted.Ballot != b2 {
		t.Fatalf("newer proposal lost to the decision tombstone: %+v", rec.Accepted)
	}
}

func TestDecisionKeepsNewest(t *testing.T) {
	store := NewStore(openTestDB(t))
	schema := mutation.NewSchema("ks", "tbl", time.Hour)
	key := mutation.Key("k")
	ctx := context.Background()

	now := time.Now()
	b1 := ballot.AtTime(now.Add(-time.Second))
	b2 := ballot.AtTime(now)

	if err := store.SaveDecision(ctx, schema, proposalAt(key, b2, "new")); err != nil {
		t.Fatal(err)
	}
	if err := store.SaveDecision(ctx, schema, proposalAt(key, b1, "old")); err != nil {
		t.Fatal(err)
	}
	rec, err := store.Load(ctx, schema, key, b2.UnixSec())
	if err != nil {
		t.Fatal(err)
	}
	if rec.MostRecentCommit == nil || rec.MostRecentCommit.Ballot != b2 {
		t.Fatalf("older decision replaced the newer commit: %+v", rec.MostRecentCommit)
	}
}

func TestUpdateRetriesOnConflict(t *testing.T) {
	db := openTestDB(t)
	key := []byte("conflict/k")

	var attempts int
	err := update(context.Background(), db, func(txn *badger.Txn) error {
		attempts++
		if _, _, err := readCell(txn, key); err != nil {
			return err
		}
		if attempts == 1 {
			// A rival transaction lands on the same key while this one
			// is open, invalidating its read set at commit time.
			rival := cell{Ts: 1, Value: []byte("rival")}
			if err := db.Update(func(other *badger.Txn) error {
				return writeCell(other, key, rival, 0)
			}); err != nil {
				return err
			}
		}
		return writeCell(txn, key, cell{Ts: 2, Value: []byte("mine")}, 0)
	})
	if err != nil {
		t.Fatalf("update surfaced the transaction conflict: %v", err)
	}
	if attempts != 2 {
		t.Fatalf("closure ran %d times, want 2", attempts)
	}

	var got cell
	var ok bool
	err = db.View(func(txn *badger.Txn) error {
		var err error
		got, ok, err = readCell(txn, key)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	if !ok || got.Ts != 2 || !bytes.Equal(got.Value, []byte("mine")) {
		t.Fatalf("rerun did not arbitrate by timestamp: %+v", got)
	}
}

func TestConcurrentDecisionAndProposalSaves(t *testing.T) {
	store := NewStore(openTestDB(t))
	schema := mutation.NewSchema("ks", "tbl", time.Hour)
	key := mutation.Key("hot")
	ctx := context.Background()

	// The commit path saves decisions without the per-key lock, so a
	// decision and the next round's proposal can hit the same key in
	// overlapping transactions. Neither save may fail.
	var last, lastNext ballot.Ballot
	for round := 0; round < 64; round++ {
		b := ballot.AtTime(time.Date(2024, 6, 1, 0, 0, round, 0, time.UTC))
		next := ballot.AtTime(time.Date(2024, 6, 1, 0, 0, round, int(time.Millisecond), time.UTC))
		decision := proposalAt(key, b, "decided")
		prop := proposalAt(key, next, "pending")
		last, lastNext = b, next

		start := make(chan struct{})
		errs := make(chan error, 2)
		go func() {
			<-start
			errs <- store.SaveDecision(ctx, schema, decision)
		}()
		go func() {
			<-start
			errs <- store.SaveProposal(ctx, schema, prop)
		}()
		close(start)
		for i := 0; i < 2; i++ {
			if err := <-errs; err != nil {
				t.Fatalf("round %d: concurrent save failed: %v", round, err)
			}
		}
	}

	// Timestamp arbitration converges the same way no matter which save
	// committed first: the newest proposal outlives the decision tombstone
	// and the newest decision holds the commit cell.
	rec, err := store.Load(ctx, schema, key, last.UnixSec())
	if err != nil {
		t.Fatal(err)
	}
	if rec.Accepted == nil || rec.Accepted.Ballot != lastNext {
		t.Fatalf("accepted proposal = %+v, want ballot %s", rec.Accepted, lastNext)
	}
	if rec.MostRecentCommit == nil || rec.MostRecentCommit.Ballot != last {
		t.Fatalf("commit = %+v, want ballot %s", rec.MostRecentCommit, last)
	}
}

func TestExpiryHorizon(t *testing.T) {
	store := NewStore(openTestDB(t))
	schema := mutation.NewSchema("ks", "tbl", time.Hour)
	key := mutation.Key("k")
	ctx := context.Background()

	b := ballot.New()
	if err := store.SavePromise(ctx, schema, key, b); err != nil {
		t.Fatal(err)
	}
	if err := store.SaveProposal(ctx, schema, proposalAt(key, b, "v")); err != nil {
		t.Fatal(err)
	}

	// Within the grace period the state is visible.
	rec, err := store.Load(ctx, schema, key, b.UnixSec()+1800)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Promised != b || rec.Accepted == nil {
		t.Fatalf("state invisible before its expiry: %+v", rec)
	}

	// Past it the record loads as if the key were new.
	rec, err = store.Load(ctx, schema, key, b.UnixSec()+3601)
	if err != nil {
		t.Fatal(err)
	}
	if !rec.Promised.IsZero() || rec.Accepted != nil {
		t.Fatalf("expired state still visible: %+v", rec)
	}
}

func TestApplyReadLastWriteWins(t *testing.T) {
	replica := NewReplica(openTestDB(t))
	schema := mutation.NewSchema("ks", "tbl", time.Hour)
	key := mutation.Key("k")
	ctx := context.Background()

	newer := mutation.NewMutation(key)
	newer.Set("v", []byte("second"))
	if err := replica.Apply(ctx, schema, newer.WithTimestamp(2000)); err != nil {
		t.Fatal(err)
	}
	older := mutation.NewMutation(key)
	older.Set("v", []byte("first"))
	if err := replica.Apply(ctx, schema, older.WithTimestamp(1000)); err != nil {
		t.Fatal(err)
	}

	row, err := replica.Read(ctx, schema, key)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(row["v"], []byte("second")) {
		t.Fatalf("row[v] = %q, want the newer write", row["v"])
	}

	// A newer tombstone removes the column; the row disappears with its
	// last live cell.
	del := mutation.NewMutation(key)
	del.Delete("v")
	if err := replica.Apply(ctx, schema, del.WithTimestamp(3000)); err != nil {
		t.Fatal(err)
	}
	row, err = replica.Read(ctx, schema, key)
	if err != nil {
		t.Fatal(err)
	}
	if row != nil {
		t.Fatalf("row still visible after deletion: %v", row)
	}
}

func TestReadSkipsExpiredCells(t *testing.T) {
	replica := NewReplica(openTestDB(t))
	schema := mutation.NewSchema("ks", "tbl", time.Hour)
	key := mutation.Key("k")
	ctx := context.Background()

	m := mutation.NewMutation(key)
	m.Cells["gone"] = mutation.Cell{Value: []byte("x"), Ts: 1000, Expiry: time.Now().Unix() - 1}
	m.Cells["here"] = mutation.Cell{Value: []byte("y"), Ts: 1000}
	if err := replica.Apply(ctx, schema, m); err != nil {
		t.Fatal(err)
	}

	row, err := replica.Read(ctx, schema, key)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := row["gone"]; ok {
		t.Fatal("expired cell visible")
	}
	if !bytes.Equal(row["here"], []byte("y")) {
		t.Fatalf("live cell missing: %v", row)
	}
}

func TestTruncate(t *testing.T) {
	db := openTestDB(t)
	store, replica := NewStore(db), NewReplica(db)
	schema := mutation.NewSchema("ks", "tbl", time.Hour)
	key := mutation.Key("k")
	ctx := context.Background()

	at, err := store.TruncatedAt(ctx, schema.ID)
	if err != nil {
		t.Fatal(err)
	}
	if at != 0 {
		t.Fatalf("fresh table reports truncation at %d", at)
	}

	m := mutation.NewMutation(key)
	m.Set("v", []byte("x"))
	if err := replica.Apply(ctx, schema, m.WithTimestamp(1000)); err != nil {
		t.Fatal(err)
	}

	cut := time.Now()
	if err := replica.Truncate(ctx, schema, cut); err != nil {
		t.Fatal(err)
	}
	if row, err := replica.Read(ctx, schema, key); err != nil || row != nil {
		t.Fatalf("row survived truncation: row = %v, err = %v", row, err)
	}
	at, err = store.TruncatedAt(ctx, schema.ID)
	if err != nil {
		t.Fatal(err)
	}
	if at != cut.UnixMicro() {
		t.Fatalf("TruncatedAt = %d, want %d", at, cut.UnixMicro())
	}

	// Truncating with an older time must not move the watermark back.
	if err := replica.Truncate(ctx, schema, cut.Add(-time.Hour)); err != nil {
		t.Fatal(err)
	}
	at, err = store.TruncatedAt(ctx, schema.ID)
	if err != nil {
		t.Fatal(err)
	}
	if at != cut.UnixMicro() {
		t.Fatalf("older truncation regressed the watermark to %d", at)
	}
}

func TestWatch(t *testing.T) {
	replica := NewReplica(openTestDB(t))
	schema := mutation.NewSchema("ks", "tbl", time.Hour)
	ctx := context.Background()

	var events []ApplyEvent
	cancel := replica.Watch(func(ev ApplyEvent) { events = append(events, ev) })

	m := mutation.NewMutation(mutation.Key("k"))
	m.Set("v", []byte("x"))
	if err := replica.Apply(ctx, schema, m.WithTimestamp(1000)); err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || string(events[0].Update.Key) != "k" {
		t.Fatalf("events = %+v, want one for key k", events)
	}

	cancel()
	if err := replica.Apply(ctx, schema, m.WithTimestamp(2000)); err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Fatal("cancelled watcher still notified")
	}
}

// TestFullRoundOnBadger drives the whole protocol against the real store.
func TestFullRoundOnBadger(t *testing.T) {
	db := openTestDB(t)
	store, replica := NewStore(db), NewReplica(db)
	coord := paxos.NewCoordinator(store, replica, nil, nil)
	locks := keylock.NewTable[mutation.Token]()
	schema := mutation.NewSchema("ks", "tbl", 3*time.Hour)
	key := mutation.Key("answer")
	ctx := context.Background()

	b := ballot.New()
	resp, err := coord.Prepare(ctx, locks, schema, key, b)
	if err != nil || !resp.Promised {
		t.Fatalf("prepare: resp = %+v, err = %v", resp, err)
	}
	decision := proposalAt(key, b, "42")
	if ok, err := coord.Accept(ctx, locks, schema, decision); err != nil || !ok {
		t.Fatalf("accept: ok = %v, err = %v", ok, err)
	}
	if err := coord.Learn(ctx, schema, decision); err != nil {
		t.Fatal(err)
	}

	row, err := replica.Read(ctx, schema, key)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(row["v"], []byte("42")) {
		t.Fatalf("row[v] = %q after commit, want 42", row["v"])
	}

	next, err := coord.Prepare(ctx, locks, schema, key, ballot.Newer(b))
	if err != nil || !next.Promised {
		t.Fatalf("second prepare: resp = %+v, err = %v", next, err)
	}
	if next.Accepted != nil {
		t.Fatal("decided proposal still reported in flight")
	}
	if next.MostRecentCommit == nil || next.MostRecentCommit.Ballot != b {
		t.Fatalf("most recent commit = %+v, want ballot %s", next.MostRecentCommit, b)
	}
}
