package ballot

import (
	"testing"
	"time"
)

func TestNewCarriesWallClock(t *testing.T) {
	before := time.Now().Add(-time.Second).UnixMicro()
	b := New()
	after := time.Now().Add(time.Second).UnixMicro()
	if b.Timestamp() < before || b.Timestamp() > after {
		t.Fatalf("timestamp %d outside [%d, %d]", b.Timestamp(), before, after)
	}
	if b.IsZero() {
		t.Fatal("minted ballot reported as zero")
	}
}

func TestZeroSortsFirst(t *testing.T) {
	if !Zero.IsZero() {
		t.Fatal("Zero.IsZero() = false")
	}
	if Zero.Timestamp() != 0 {
		t.Fatalf("Zero.Timestamp() = %d, want 0", Zero.Timestamp())
	}
	if New().Compare(Zero) <= 0 {
		t.Fatal("minted ballot does not sort after Zero")
	}
}

func TestOrderFollowsTime(t *testing.T) {
	t0 := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	older := AtTime(t0)
	newer := AtTime(t0.Add(time.Millisecond))
	if older.Compare(newer) >= 0 {
		t.Fatalf("ballot at %v does not sort before ballot at %v", t0, t0.Add(time.Millisecond))
	}
	if got := newer.Timestamp() - older.Timestamp(); got != 1000 {
		t.Fatalf("timestamp delta = %dus, want 1000", got)
	}
	if older.UnixSec() != t0.Unix() {
		t.Fatalf("UnixSec() = %d, want %d", older.UnixSec(), t0.Unix())
	}
}

func TestSameInstantTieBreaks(t *testing.T) {
	t0 := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	a, b := AtTime(t0), AtTime(t0)
	if a.Timestamp() != b.Timestamp() {
		t.Fatal("ballots minted at the same instant differ in timestamp")
	}
	if a == b {
		t.Fatal("two minted ballots compare equal")
	}
	if a.Compare(b) == 0 {
		t.Fatal("Compare treats distinct ballots as equal")
	}
}

func TestNewerExceedsFutureBallot(t *testing.T) {
	ahead := AtTime(time.Now().Add(time.Hour))
	next := Newer(ahead)
	if next.Timestamp() <= ahead.Timestamp() {
		t.Fatalf("Newer timestamp %d not above %d", next.Timestamp(), ahead.Timestamp())
	}

	// Against a ballot in the past the wall clock already wins.
	behind := AtTime(time.Now().Add(-time.Hour))
	next = Newer(behind)
	if next.Timestamp() <= behind.Timestamp() {
		t.Fatal("Newer did not exceed a past ballot")
	}
}
