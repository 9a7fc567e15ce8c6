package consensus

import (
	"fmt"

	"github.com/echenim/Bedrock/finality/internal/types"
)

// RoundState is the decision state of a single height. It is replaced, never
// reused, when the height advances.
type RoundState struct {
	Height uint64
	Round  uint64
	Phase  Phase

	Candidate     *types.Block
	CandidateHash types.Hash

	// Nil until a candidate is accepted.
	Prepare *VoteTally
	Commit  *VoteTally
}

// NewRoundState creates an IDLE state for height.
func NewRoundState(height uint64) *RoundState {
	return &RoundState{Height: height, Phase: PhaseIdle}
}

// Propose accepts a candidate block: IDLE -> PROPOSED. Both tallies are
// created for the block's hash.
func (rs *RoundState) Propose(block *types.Block, hash types.Hash) error {
	if rs.Phase != PhaseIdle {
		return fmt.Errorf("%w: propose in %s", ErrIllegalTransition, rs.Phase)
	}
	if block.Height != rs.Height {
		return fmt.Errorf("%w: block %d, round state %d", ErrWrongHeight, block.Height, rs.Height)
	}
	rs.Candidate = block
	rs.CandidateHash = hash
	rs.Prepare = NewVoteTally(hash)
	rs.Commit = NewVoteTally(hash)
	rs.Phase = PhaseProposed
	return nil
}

// Advance moves to the next phase. Phases only move forward one step at a
// time.
func (rs *RoundState) Advance(to Phase) error {
	if rs.Phase == PhaseIdle || to != rs.Phase+1 || to > PhaseFinalized {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, rs.Phase, to)
	}
	rs.Phase = to
	return nil
}

// Tally returns the tally for a vote type, or nil before a candidate exists.
func (rs *RoundState) Tally(t types.MessageType) *VoteTally {
	switch t {
	case types.MsgPrepare:
		return rs.Prepare
	case types.MsgCommit:
		return rs.Commit
	default:
		return nil
	}
}

// HasCandidate reports whether a block has been accepted for this height.
func (rs *RoundState) HasCandidate() bool { return rs.Candidate != nil }
