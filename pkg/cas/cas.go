// Package cas drives complete compare-and-set rounds over the per-key
// protocol: mint a ballot, obtain the promise, repair any round left in
// flight by a crashed proposer, evaluate the request's condition against
// the current row, then push the mutation through accept and learn. On
// contention it backs off and retries with a newer ballot until the
// context's deadline runs out.
package cas

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/numberly/paxoskv/pkg/ballot"
	"github.com/numberly/paxoskv/pkg/keylock"
	"github.com/numberly/paxoskv/pkg/mutation"
	"github.com/numberly/paxoskv/pkg/paxos"
)

const (
	BACKOFF_MIN_TIME = 10 * time.Millisecond
	BACKOFF_MAX_TIME = 1000 * time.Millisecond
)

// Consensus - the three protocol phases, routed to the key's owning shard.
type Consensus interface {
	Prepare(ctx context.Context, schema *mutation.Schema, key mutation.Key, b ballot.Ballot) (paxos.PrepareResponse, error)
	Accept(ctx context.Context, schema *mutation.Schema, p paxos.Proposal) (bool, error)
	Learn(ctx context.Context, schema *mutation.Schema, decision paxos.Proposal) error
}

// Reader - where the current row comes from when a request's condition is
// evaluated.
type Reader interface {
	Read(ctx context.Context, schema *mutation.Schema, key mutation.Key) (mutation.Row, error)
}

// Request - one conditional write. Apply inspects the current row and
// returns the mutation to propose, or nil when the condition is not met and
// the round must finish without writing.
type Request interface {
	Apply(current mutation.Row) (*mutation.Mutation, error)
}

// RequestFunc adapts a function to the Request interface.
type RequestFunc func(current mutation.Row) (*mutation.Mutation, error)

func (f RequestFunc) Apply(current mutation.Row) (*mutation.Mutation, error) {
	return f(current)
}

// ContentionError - the deadline ran out before any round went through.
type ContentionError struct {
	Key          mutation.Key
	LastPromised ballot.Ballot
}

func (e *ContentionError) Error() string {
	return fmt.Sprintf("could not achieve consensus for key %s, last known promised ballot %s", e.Key, e.LastPromised)
}

// Executor runs CAS operations against one consensus group and replica.
type Executor struct {
	group   Consensus
	replica Reader
	log     *zap.Logger
}

// NewExecutor wires the driver. logger may be nil.
func NewExecutor(group Consensus, replica Reader, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{group: group, replica: replica, log: logger.Named("cas")}
}

// CAS linearizes one conditional write on key. It returns whether the
// request's mutation was applied; when the condition was not met, the row
// it was evaluated against comes back so the caller can see what it lost
// to. The context's deadline bounds the whole operation, retries included.
func (e *Executor) CAS(ctx context.Context, schema *mutation.Schema, key mutation.Key, req Request) (bool, mutation.Row, error) {
	key = key.Clone()
	var lastPromised ballot.Ballot
	b := ballot.New()
	wait := BACKOFF_MIN_TIME

	// backoff sleeps a jittered, doubling interval; once ctx is done the
	// whole operation resolves to a contention failure.
	backoff := func() error {
		timer := time.NewTimer(time.Duration(rand.Int63n(int64(wait)) + 1))
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return &ContentionError{Key: key, LastPromised: lastPromised}
		case <-timer.C:
		}
		wait *= 2
		if wait > BACKOFF_MAX_TIME {
			wait = BACKOFF_MAX_TIME
		}
		return nil
	}

	for attempt := 1; ; attempt++ {
		resp, err := e.group.Prepare(ctx, schema, key, b)
		if err != nil {
			next, cerr := e.retry(ctx, key, b, lastPromised, err, backoff)
			if cerr != nil {
				return false, nil, cerr
			}
			b = next
			continue
		}
		if !resp.Promised {
			lastPromised = resp.InProgress
			e.log.Debug("promise rejected, retrying",
				zap.Stringer("key", key), zap.Stringer("ballot", b),
				zap.Stringer("in_progress", resp.InProgress), zap.Int("attempt", attempt))
			if err := backoff(); err != nil {
				return false, nil, err
			}
			b = ballot.Newer(resp.InProgress)
			continue
		}

		// A proposal accepted in an earlier round but never committed must
		// be finished first; it may already be the decided value.
		if orphan := inFlight(resp); orphan != nil {
			repair := paxos.Proposal{Ballot: b, Update: orphan.Update.Clone()}
			ok, err := e.group.Accept(ctx, schema, repair)
			if err != nil {
				next, cerr := e.retry(ctx, key, b, lastPromised, err, backoff)
				if cerr != nil {
					return false, nil, cerr
				}
				b = next
				continue
			}
			if ok {
				if err := e.group.Learn(ctx, schema, repair); err != nil {
					return false, nil, err
				}
				e.log.Debug("repaired in-flight proposal",
					zap.Stringer("key", key), zap.Stringer("orphan", orphan.Ballot), zap.Stringer("ballot", b))
			}
			if err := backoff(); err != nil {
				return false, nil, err
			}
			b = ballot.Newer(b)
			continue
		}

		current, err := e.replica.Read(ctx, schema, key)
		if err != nil {
			return false, nil, err
		}
		update, err := req.Apply(current)
		if err != nil {
			return false, nil, err
		}
		if update == nil {
			return false, current, nil
		}
		bound, err := bind(*update, key)
		if err != nil {
			return false, nil, err
		}

		proposal := paxos.Proposal{Ballot: b, Update: bound.WithTimestamp(b.Timestamp())}
		ok, err := e.group.Accept(ctx, schema, proposal)
		if err != nil {
			next, cerr := e.retry(ctx, key, b, lastPromised, err, backoff)
			if cerr != nil {
				return false, nil, cerr
			}
			b = next
			continue
		}
		if !ok {
			e.log.Debug("proposal rejected, retrying",
				zap.Stringer("key", key), zap.Stringer("ballot", b), zap.Int("attempt", attempt))
			if err := backoff(); err != nil {
				return false, nil, err
			}
			b = ballot.Newer(b)
			continue
		}
		if err := e.group.Learn(ctx, schema, proposal); err != nil {
			return false, nil, err
		}
		return true, nil, nil
	}
}

// retry classifies a phase error: contention signals cost a backoff and a
// fresh ballot, deadline exhaustion resolves to ContentionError, anything
// else is a genuine fault handed back untouched.
func (e *Executor) retry(ctx context.Context, key mutation.Key, b ballot.Ballot, lastPromised ballot.Ballot, err error, backoff func() error) (ballot.Ballot, error) {
	if errors.Is(err, keylock.ErrTimeout) {
		if ctx.Err() != nil {
			return b, &ContentionError{Key: key, LastPromised: lastPromised}
		}
		e.log.Debug("key lock contended, retrying", zap.Stringer("key", key), zap.Error(err))
		if berr := backoff(); berr != nil {
			return b, berr
		}
		return ballot.Newer(b), nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return b, &ContentionError{Key: key, LastPromised: lastPromised}
	}
	return b, err
}

// inFlight picks the accepted proposal out of a promise when it is newer
// than the most recent commit, meaning its round never finished.
func inFlight(resp paxos.PrepareResponse) *paxos.Proposal {
	if resp.Accepted == nil {
		return nil
	}
	var commitTs int64
	if resp.MostRecentCommit != nil {
		commitTs = resp.MostRecentCommit.Ballot.Timestamp()
	}
	if resp.Accepted.Ballot.Timestamp() > commitTs {
		return resp.Accepted
	}
	return nil
}

// bind attaches the operation key to a request-built mutation.
func bind(m mutation.Mutation, key mutation.Key) (mutation.Mutation, error) {
	if len(m.Key) == 0 {
		m.Key = key.Clone()
		return m, nil
	}
	if !bytes.Equal(m.Key, key) {
		return mutation.Mutation{}, fmt.Errorf("cas: mutation key %s does not match operation key %s", m.Key, key)
	}
	return m, nil
}

// Write - a Request made of plain column operations behind an optional
// condition.
type Write struct {
	Set    map[string][]byte
	Delete []string
	// If is evaluated against the current row; nil applies unconditionally.
	If func(current mutation.Row) bool
}

func (w Write) Apply(current mutation.Row) (*mutation.Mutation, error) {
	if w.If != nil && !w.If(current) {
		return nil, nil
	}
	m := mutation.NewMutation(nil)
	for column, value := range w.Set {
		m.Set(column, value)
	}
	for _, column := range w.Delete {
		m.Delete(column)
	}
	return &m, nil
}

// IfNotExists is met when the key has no visible row.
func IfNotExists(current mutation.Row) bool {
	return len(current) == 0
}

// IfValue is met when column currently holds want.
func IfValue(column string, want []byte) func(mutation.Row) bool {
	return func(current mutation.Row) bool {
		got, ok := current[column]
		return ok && bytes.Equal(got, want)
	}
}
