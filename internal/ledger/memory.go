package ledger

import (
	"context"
	"fmt"
	"sync"

	"github.com/echenim/Bedrock/finality/internal/types"
)

// MemLedger keeps finalized blocks in memory. It backs simulations and the
// "memory" storage backend.
type MemLedger struct {
	mu     sync.RWMutex
	hasher Hasher
	blocks map[uint64]*types.Block
	hashes map[uint64]types.Hash
	head   Head
}

// NewMemLedger creates an empty in-memory ledger.
func NewMemLedger(hasher Hasher) *MemLedger {
	return &MemLedger{
		hasher: hasher,
		blocks: make(map[uint64]*types.Block),
		hashes: make(map[uint64]types.Hash),
	}
}

// Append stores block as the new head.
func (m *MemLedger) Append(ctx context.Context, block *types.Block) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	hash := m.hasher.Hash(block)

	m.mu.Lock()
	defer m.mu.Unlock()

	if block.Height <= m.head.Height {
		if block.Height == m.head.Height && hash == m.head.Hash {
			return nil
		}
		if block.Height == m.head.Height {
			return fmt.Errorf("%w: %d", ErrConflict, block.Height)
		}
		return fmt.Errorf("%w: %d <= %d", ErrNonMonotonic, block.Height, m.head.Height)
	}
	m.blocks[block.Height] = block
	m.hashes[block.Height] = hash
	m.head = Head{Height: block.Height, Hash: hash}
	return nil
}

// LatestFinalizedHeight returns the head height, 0 when empty.
func (m *MemLedger) LatestFinalizedHeight() (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.head.Height, nil
}

// LatestFinalizedHash returns the head hash, zero when empty.
func (m *MemLedger) LatestFinalizedHash() (types.Hash, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.head.Hash, nil
}

// Head returns the current head.
func (m *MemLedger) Head() Head {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.head
}

// Block returns the block stored at height.
func (m *MemLedger) Block(height uint64) (*types.Block, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.blocks[height]
	if !ok {
		return nil, fmt.Errorf("%w: block %d", ErrNotFound, height)
	}
	return b, nil
}

// Hash returns the hash of the block stored at height.
func (m *MemLedger) Hash(height uint64) (types.Hash, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.hashes[height]
	if !ok {
		return types.ZeroHash, fmt.Errorf("%w: hash %d", ErrNotFound, height)
	}
	return h, nil
}

// Len returns the number of stored blocks.
func (m *MemLedger) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.blocks)
}

// Close is a no-op.
func (m *MemLedger) Close() error { return nil }
