// Package ledger stores finalized blocks for the consensus engine.
//
// Heights must strictly increase but may skip: a node that catches up on a
// higher NEW_ROUND never sees the blocks finalized while it was behind.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/echenim/Bedrock/finality/internal/types"
)

var (
	ErrNotFound       = errors.New("ledger: not found")
	ErrNonMonotonic   = errors.New("ledger: height does not extend the head")
	ErrConflict       = errors.New("ledger: different block already stored at height")
	ErrClosed         = errors.New("ledger: closed")
	ErrUnknownBackend = errors.New("ledger: unknown backend")
)

// Hasher identifies blocks; it must match the engine's hasher.
type Hasher interface {
	Hash(block *types.Block) types.Hash
}

// Head is the most recently finalized block.
type Head struct {
	Height uint64     `json:"height"`
	Hash   types.Hash `json:"hash"`
}

// Store is a ledger the node can query and close.
type Store interface {
	Append(ctx context.Context, block *types.Block) error
	LatestFinalizedHeight() (uint64, error)
	LatestFinalizedHash() (types.Hash, error)
	Head() Head
	Block(height uint64) (*types.Block, error)
	Close() error
}

// Open returns the ledger for a storage backend: "pebble" or "memory".
func Open(backend, dir string, hasher Hasher, logger *zap.Logger) (Store, error) {
	switch backend {
	case "pebble":
		return OpenPebble(dir, hasher, PebbleOptions{Logger: logger})
	case "memory":
		return NewMemLedger(hasher), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, backend)
	}
}
