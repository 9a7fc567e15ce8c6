package types

import (
	"errors"
	"fmt"
)

// ValidatorSet is the fixed roster of validators for a height.
// Membership never changes mid-height; a new set is built between heights.
type ValidatorSet struct {
	members []ValidatorID
	index   map[ValidatorID]int
}

// NewValidatorSet creates a ValidatorSet from an ordered list of ids.
// The order is significant for round-robin proposer selection. No minimum
// size is enforced; sets smaller than four tolerate no faulty validator.
func NewValidatorSet(ids []ValidatorID) (*ValidatorSet, error) {
	if len(ids) == 0 {
		return nil, errors.New("validator set must not be empty")
	}

	index := make(map[ValidatorID]int, len(ids))
	members := make([]ValidatorID, len(ids))
	for i, id := range ids {
		if id == "" {
			return nil, fmt.Errorf("validator %d has empty id", i)
		}
		if _, dup := index[id]; dup {
			return nil, fmt.Errorf("duplicate validator %s", id)
		}
		index[id] = i
		members[i] = id
	}

	return &ValidatorSet{members: members, index: index}, nil
}

// Size returns the number of validators.
func (vs *ValidatorSet) Size() int {
	return len(vs.members)
}

// QuorumThreshold returns floor(2n/3)+1.
func (vs *ValidatorSet) QuorumThreshold() int {
	return 2*len(vs.members)/3 + 1
}

// FaultTolerance returns f = floor((n-1)/3), the number of byzantine
// validators the set can absorb.
func (vs *ValidatorSet) FaultTolerance() int {
	return (len(vs.members) - 1) / 3
}

// HasQuorum checks if count >= QuorumThreshold().
func (vs *ValidatorSet) HasQuorum(count int) bool {
	return count >= vs.QuorumThreshold()
}

// IsMember reports whether id belongs to the set.
func (vs *ValidatorSet) IsMember(id ValidatorID) bool {
	_, ok := vs.index[id]
	return ok
}

// Members returns a copy of the ordered roster.
func (vs *ValidatorSet) Members() []ValidatorID {
	out := make([]ValidatorID, len(vs.members))
	copy(out, vs.members)
	return out
}

// ProposerFor returns the proposer for a height.
// Deterministic rotation: proposer_index = (height - 1) % len(validators), so
// the first member proposes height 1.
func (vs *ValidatorSet) ProposerFor(height uint64) ValidatorID {
	if height == 0 {
		return vs.members[0]
	}
	return vs.members[(height-1)%uint64(len(vs.members))]
}
