package consensus

import (
	"sort"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/echenim/Bedrock/finality/internal/types"
)

type bufferKey struct {
	height    uint64
	typ       types.MessageType
	validator types.ValidatorID
	hash      types.Hash
}

type bufferedMessage struct {
	seq uint64
	msg *types.ConsensusMessage
}

// FutureBuffer holds validated votes that arrived before this engine could
// apply them: votes for a later height, or for the current height before a
// candidate block exists. It is bounded; the least recently added entries
// are evicted first. Not safe for concurrent use; the engine serializes
// access.
type FutureBuffer struct {
	votes     *lru.Cache[bufferKey, bufferedMessage]
	proposals map[uint64]*types.Block
	seq       uint64
}

// NewFutureBuffer creates a buffer holding at most size votes.
func NewFutureBuffer(size int) (*FutureBuffer, error) {
	cache, err := lru.New[bufferKey, bufferedMessage](size)
	if err != nil {
		return nil, err
	}
	return &FutureBuffer{
		votes:     cache,
		proposals: make(map[uint64]*types.Block),
	}, nil
}

// Add buffers a vote. Returns false if an identical vote is already held.
func (fb *FutureBuffer) Add(msg *types.ConsensusMessage) bool {
	key := bufferKey{height: msg.Height, typ: msg.Type, validator: msg.ValidatorID, hash: msg.BlockHash}
	if fb.votes.Contains(key) {
		return false
	}
	fb.seq++
	fb.votes.Add(key, bufferedMessage{seq: fb.seq, msg: msg})
	return true
}

// Take removes and returns the votes for height in arrival order.
func (fb *FutureBuffer) Take(height uint64) []*types.ConsensusMessage {
	var found []bufferedMessage
	for _, key := range fb.votes.Keys() {
		if key.height != height {
			continue
		}
		if bm, ok := fb.votes.Peek(key); ok {
			found = append(found, bm)
		}
		fb.votes.Remove(key)
	}
	sort.Slice(found, func(i, j int) bool { return found[i].seq < found[j].seq })

	out := make([]*types.ConsensusMessage, len(found))
	for i, bm := range found {
		out[i] = bm.msg
	}
	return out
}

// AddProposal holds a candidate block for a later height. The first proposal
// seen for a height is kept.
func (fb *FutureBuffer) AddProposal(block *types.Block) bool {
	if _, ok := fb.proposals[block.Height]; ok {
		return false
	}
	fb.proposals[block.Height] = block
	return true
}

// TakeProposal removes and returns the held proposal for height, if any.
func (fb *FutureBuffer) TakeProposal(height uint64) *types.Block {
	b := fb.proposals[height]
	delete(fb.proposals, height)
	return b
}

// PurgeBelow drops everything held for heights below height.
func (fb *FutureBuffer) PurgeBelow(height uint64) {
	for _, key := range fb.votes.Keys() {
		if key.height < height {
			fb.votes.Remove(key)
		}
	}
	for h := range fb.proposals {
		if h < height {
			delete(fb.proposals, h)
		}
	}
}

// Len returns the number of buffered votes.
func (fb *FutureBuffer) Len() int { return fb.votes.Len() }
