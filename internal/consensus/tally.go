package consensus

import "github.com/echenim/Bedrock/finality/internal/types"

// TallyResult is the outcome of recording one vote.
type TallyResult int

const (
	Accepted TallyResult = iota
	DuplicateIgnored
	Equivocation
)

func (r TallyResult) String() string {
	switch r {
	case Accepted:
		return "accepted"
	case DuplicateIgnored:
		return "duplicate"
	case Equivocation:
		return "equivocation"
	default:
		return "unknown"
	}
}

type tallyVote struct {
	hash types.Hash
	sig  types.Signature
}

// VoteTally accounts the votes of one phase at one height. Each validator
// has at most one vote; its first vote stands.
type VoteTally struct {
	subject types.Hash
	votes   map[types.ValidatorID]tallyVote
	counts  map[types.Hash]int
}

// NewVoteTally creates a tally whose quorum is measured for subject.
func NewVoteTally(subject types.Hash) *VoteTally {
	return &VoteTally{
		subject: subject,
		votes:   make(map[types.ValidatorID]tallyVote),
		counts:  make(map[types.Hash]int),
	}
}

// Subject returns the hash this tally certifies.
func (t *VoteTally) Subject() types.Hash { return t.subject }

// RecordVote records a vote. A repeat vote for the same hash is a no-op; a
// vote for a different hash is equivocation and is not recorded.
func (t *VoteTally) RecordVote(id types.ValidatorID, hash types.Hash, sig types.Signature) TallyResult {
	if prev, ok := t.votes[id]; ok {
		if prev.hash == hash {
			return DuplicateIgnored
		}
		return Equivocation
	}
	t.votes[id] = tallyVote{hash: hash, sig: sig.Clone()}
	t.counts[hash]++
	return Accepted
}

// Count returns the number of validators that voted for the subject.
func (t *VoteTally) Count() int { return t.counts[t.subject] }

// CountFor returns the number of validators that voted for hash.
func (t *VoteTally) CountFor(hash types.Hash) int { return t.counts[hash] }

// Voters returns the number of distinct validators recorded for any hash.
func (t *VoteTally) Voters() int { return len(t.votes) }

// Vote returns the recorded vote of id.
func (t *VoteTally) Vote(id types.ValidatorID) (types.Hash, types.Signature, bool) {
	v, ok := t.votes[id]
	return v.hash, v.sig, ok
}
