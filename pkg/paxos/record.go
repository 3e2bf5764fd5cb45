package paxos

import (
	"fmt"

	"github.com/numberly/paxoskv/pkg/ballot"
	"github.com/numberly/paxoskv/pkg/mutation"
)

// Proposal - a mutation tagged with the ballot under which it is being
// pushed through a round. The same type carries accepted proposals and
// committed decisions.
type Proposal struct {
	Ballot ballot.Ballot     `json:"ballot"`
	Update mutation.Mutation `json:"update"`
}

// Clone returns a proposal sharing no memory with the original.
func (p Proposal) Clone() Proposal {
	return Proposal{Ballot: p.Ballot, Update: p.Update.Clone()}
}

func (p Proposal) String() string {
	return fmt.Sprintf("proposal{ballot: %s, key: %s, cells: %d}", p.Ballot, p.Update.Key, len(p.Update.Cells))
}

// Record - the durable paxos state of one key. The zero value is the state
// of a key that has never seen a round: nothing promised, nothing accepted,
// nothing committed.
type Record struct {
	Promised         ballot.Ballot
	Accepted         *Proposal
	MostRecentCommit *Proposal
}

// PrepareResponse - the outcome of a promise request.
type PrepareResponse struct {
	// Promised reports whether the ballot was promoted to the key's new
	// promise.
	Promised bool
	// Accepted and MostRecentCommit carry the key's prior state on success,
	// so the proposer can finish an in-flight round before starting its own.
	Accepted         *Proposal
	MostRecentCommit *Proposal
	// InProgress is the promised ballot a rejected proposer has to exceed.
	InProgress ballot.Ballot
}
