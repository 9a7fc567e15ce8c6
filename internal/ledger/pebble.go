package ledger

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"go.uber.org/zap"

	"github.com/echenim/Bedrock/finality/internal/types"
)

var (
	prefixBlock = []byte("b/")
	prefixHash  = []byte("h/")
	keyHead     = []byte("head")
)

const headSize = 8 + types.HashSize

// PebbleOptions configures a PebbleLedger.
type PebbleOptions struct {
	// FS overrides the filesystem; tests use vfs.NewMem().
	FS        vfs.FS
	CacheSize int64
	Logger    *zap.Logger
}

// PebbleLedger persists finalized blocks in pebble. Each append writes the
// block, its hash index and the head record in one synced batch.
type PebbleLedger struct {
	mu     sync.RWMutex
	db     *pebble.DB
	hasher Hasher
	head   Head
	closed bool
	logger *zap.Logger
}

// OpenPebble opens (or creates) a ledger in dir.
func OpenPebble(dir string, hasher Hasher, opts PebbleOptions) (*PebbleLedger, error) {
	if opts.CacheSize <= 0 {
		opts.CacheSize = 8 << 20
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	cache := pebble.NewCache(opts.CacheSize)
	defer cache.Unref()
	pOpts := &pebble.Options{Cache: cache}
	if opts.FS != nil {
		pOpts.FS = opts.FS
	}

	db, err := pebble.Open(dir, pOpts)
	if err != nil {
		return nil, fmt.Errorf("ledger: open %s: %w", dir, err)
	}

	l := &PebbleLedger{db: db, hasher: hasher, logger: logger.Named("ledger")}
	head, err := l.readHead()
	if err != nil && !errors.Is(err, ErrNotFound) {
		_ = db.Close()
		return nil, err
	}
	l.head = head
	l.logger.Info("ledger opened",
		zap.String("dir", dir),
		zap.Uint64("height", head.Height),
		zap.String("hash", head.Hash.Short()),
	)
	return l, nil
}

func heightKey(prefix []byte, height uint64) []byte {
	k := make([]byte, len(prefix)+8)
	copy(k, prefix)
	binary.BigEndian.PutUint64(k[len(prefix):], height)
	return k
}

func (l *PebbleLedger) readHead() (Head, error) {
	val, closer, err := l.db.Get(keyHead)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return Head{}, ErrNotFound
		}
		return Head{}, fmt.Errorf("ledger: read head: %w", err)
	}
	defer closer.Close()

	if len(val) != headSize {
		return Head{}, fmt.Errorf("ledger: corrupt head record (%d bytes)", len(val))
	}
	var h Head
	h.Height = binary.BigEndian.Uint64(val[:8])
	copy(h.Hash[:], val[8:])
	return h, nil
}

// Append stores block as the new head. Re-appending the current head is a
// no-op.
func (l *PebbleLedger) Append(ctx context.Context, block *types.Block) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	hash := l.hasher.Hash(block)

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrClosed
	}
	if block.Height <= l.head.Height {
		if block.Height == l.head.Height && hash == l.head.Hash {
			return nil
		}
		if block.Height == l.head.Height {
			return fmt.Errorf("%w: %d", ErrConflict, block.Height)
		}
		return fmt.Errorf("%w: %d <= %d", ErrNonMonotonic, block.Height, l.head.Height)
	}

	headVal := make([]byte, headSize)
	binary.BigEndian.PutUint64(headVal[:8], block.Height)
	copy(headVal[8:], hash[:])

	batch := l.db.NewBatch()
	defer batch.Close()
	if err := batch.Set(heightKey(prefixBlock, block.Height), block.Marshal(), nil); err != nil {
		return fmt.Errorf("ledger: stage block: %w", err)
	}
	if err := batch.Set(heightKey(prefixHash, block.Height), hash[:], nil); err != nil {
		return fmt.Errorf("ledger: stage hash: %w", err)
	}
	if err := batch.Set(keyHead, headVal, nil); err != nil {
		return fmt.Errorf("ledger: stage head: %w", err)
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("ledger: commit height %d: %w", block.Height, err)
	}

	if gap := block.Height - l.head.Height; gap > 1 {
		l.logger.Info("ledger skipped heights finalized elsewhere",
			zap.Uint64("from", l.head.Height+1),
			zap.Uint64("to", block.Height-1),
		)
	}
	l.head = Head{Height: block.Height, Hash: hash}
	return nil
}

// LatestFinalizedHeight returns the head height, 0 when empty.
func (l *PebbleLedger) LatestFinalizedHeight() (uint64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.head.Height, nil
}

// LatestFinalizedHash returns the head hash, zero when empty.
func (l *PebbleLedger) LatestFinalizedHash() (types.Hash, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.head.Hash, nil
}

// Head returns the current head.
func (l *PebbleLedger) Head() Head {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.head
}

// Block loads the block stored at height.
func (l *PebbleLedger) Block(height uint64) (*types.Block, error) {
	val, closer, err := l.db.Get(heightKey(prefixBlock, height))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, fmt.Errorf("%w: block %d", ErrNotFound, height)
		}
		return nil, fmt.Errorf("ledger: read block %d: %w", height, err)
	}
	defer closer.Close()

	block, err := types.UnmarshalBlock(val)
	if err != nil {
		return nil, fmt.Errorf("ledger: decode block %d: %w", height, err)
	}
	return block, nil
}

// Hash returns the hash of the block stored at height.
func (l *PebbleLedger) Hash(height uint64) (types.Hash, error) {
	val, closer, err := l.db.Get(heightKey(prefixHash, height))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return types.ZeroHash, fmt.Errorf("%w: hash %d", ErrNotFound, height)
		}
		return types.ZeroHash, fmt.Errorf("ledger: read hash %d: %w", height, err)
	}
	defer closer.Close()
	return types.HashFromBytes(val)
}

// Heights returns the stored heights in [from, to], ascending.
func (l *PebbleLedger) Heights(from, to uint64) ([]uint64, error) {
	if to < from {
		return nil, nil
	}
	upper := heightKey(prefixHash, to)
	upper = append(upper, 0)
	it, err := l.db.NewIter(&pebble.IterOptions{
		LowerBound: heightKey(prefixHash, from),
		UpperBound: upper,
	})
	if err != nil {
		return nil, fmt.Errorf("ledger: iterate: %w", err)
	}
	defer it.Close()

	var out []uint64
	for it.First(); it.Valid(); it.Next() {
		out = append(out, binary.BigEndian.Uint64(it.Key()[len(prefixHash):]))
	}
	return out, it.Error()
}

// Close flushes and closes the database.
func (l *PebbleLedger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.db.Close()
}
