// Package ballot provides the totally ordered round identifiers used by the
// paxos protocol. A ballot is a UUIDv7: the 48 most significant bits carry a
// unix-millisecond wall-clock timestamp and the remainder is random, so byte
// order equals (timestamp, tie-break) order and two distinct ballots never
// compare equal.
package ballot

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"io"
	"time"

	"github.com/google/uuid"
)

// Ballot - one round identifier. The zero value sorts before every minted
// ballot and carries timestamp zero.
type Ballot struct {
	uuid.UUID
}

// Zero - the ballot of a key that has never seen a round.
var Zero Ballot

// New mints a ballot at the current wall-clock time.
func New() Ballot {
	return Ballot{uuid.Must(uuid.NewV7())}
}

// Newer mints a ballot guaranteed to carry a strictly greater timestamp than
// prev. It is used after a rejection, where the proposer learned the ballot
// it has to exceed.
func Newer(prev Ballot) Ballot {
	b := New()
	if b.Timestamp() > prev.Timestamp() {
		return b
	}
	return AtTime(time.UnixMilli(prev.unixMilli() + 1))
}

// AtTime mints a ballot with an explicit timestamp. Useful in tests and when
// rebuilding a ballot ordered relative to a known one.
func AtTime(t time.Time) Ballot {
	var u uuid.UUID
	if _, err := io.ReadFull(rand.Reader, u[6:]); err != nil {
		panic(err)
	}
	ms := uint64(t.UnixMilli())
	u[0] = byte(ms >> 40)
	u[1] = byte(ms >> 32)
	u[2] = byte(ms >> 24)
	u[3] = byte(ms >> 16)
	u[4] = byte(ms >> 8)
	u[5] = byte(ms)
	u[6] = (u[6] & 0x0f) | 0x70 // version 7
	u[8] = (u[8] & 0x3f) | 0x80 // RFC 4122 variant
	return Ballot{u}
}

func (b Ballot) unixMilli() int64 {
	var buf [8]byte
	copy(buf[2:], b.UUID[:6])
	return int64(binary.BigEndian.Uint64(buf[:]))
}

// Timestamp returns the ballot's embedded wall-clock time in unix
// microseconds. Protocol ordering and cell write timestamps both use this
// value, so the arbitration order visible in stored data is the ballot order.
func (b Ballot) Timestamp() int64 {
	return b.unixMilli() * 1000
}

// UnixSec returns the ballot's embedded wall-clock time in unix seconds;
// expiry horizons are computed from it rather than from local time so every
// participant in a round judges liveness identically.
func (b Ballot) UnixSec() int64 {
	return b.unixMilli() / 1000
}

// Compare orders ballots bytewise: first by timestamp, then by the random
// tie-break. Returns -1, 0 or 1.
func (b Ballot) Compare(o Ballot) int {
	return bytes.Compare(b.UUID[:], o.UUID[:])
}

// IsZero reports whether b is the never-promised ballot.
func (b Ballot) IsZero() bool {
	return b.UUID == uuid.Nil
}
