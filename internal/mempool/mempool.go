package mempool

import (
	"sync"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"go.uber.org/zap"

	"github.com/echenim/Bedrock/finality/internal/config"
	"github.com/echenim/Bedrock/finality/internal/telemetry"
	"github.com/echenim/Bedrock/finality/internal/types"
)

// Mempool holds transactions waiting to be proposed. Transactions are
// identified by ID, which is also the uniqueness key inside a block, and
// reaped in arrival order.
type Mempool struct {
	mu sync.Mutex
	// pending is never filled past capacity and never read with Get, so its
	// recency order is the arrival order.
	pending   *simplelru.LRU[string, types.Transaction]
	committed *CommittedCache
	bytes     int

	cfg     config.MempoolConfig
	metrics *telemetry.Metrics
	logger  *zap.Logger
}

// New creates a mempool.
func New(cfg config.MempoolConfig, metrics *telemetry.Metrics, logger *zap.Logger) (*Mempool, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = telemetry.NopMetrics()
	}
	pending, err := simplelru.NewLRU[string, types.Transaction](cfg.MaxSize, nil)
	if err != nil {
		return nil, err
	}
	committed, err := NewCommittedCache(cfg.CacheSize)
	if err != nil {
		return nil, err
	}
	return &Mempool{
		pending:   pending,
		committed: committed,
		cfg:       cfg,
		metrics:   metrics,
		logger:    logger.Named("mempool"),
	}, nil
}

// Add validates tx and queues it for proposal.
func (m *Mempool) Add(tx types.Transaction) error {
	if err := ValidateTx(&tx, m.cfg.MaxTxBytes); err != nil {
		m.reject(tx.ID, err)
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pending.Contains(tx.ID) {
		m.reject(tx.ID, ErrDuplicateTx)
		return ErrDuplicateTx
	}
	if m.committed.Contains(tx.ID) {
		m.reject(tx.ID, ErrRecentlyCommitted)
		return ErrRecentlyCommitted
	}
	if m.pending.Len() >= m.cfg.MaxSize {
		m.reject(tx.ID, ErrMempoolFull)
		return ErrMempoolFull
	}

	tx.Payload = append([]byte(nil), tx.Payload...)
	tx.Signature = tx.Signature.Clone()
	m.pending.Add(tx.ID, tx)
	m.bytes += TxSize(&tx)

	m.metrics.TxsAccepted.Inc()
	m.metrics.MempoolSize.Set(float64(m.pending.Len()))
	m.logger.Debug("transaction added", zap.String("id", tx.ID), zap.Int("size", m.pending.Len()))
	return nil
}

func (m *Mempool) reject(id string, err error) {
	m.metrics.TxsRejected.Inc()
	m.logger.Debug("transaction rejected", zap.String("id", id), zap.Error(err))
}

// Reap returns up to maxTxs transactions in arrival order whose combined
// encoded size fits maxBytes. A non-positive limit disables it. Reaped
// transactions stay in the pool until Update removes them.
func (m *Mempool) Reap(maxTxs, maxBytes int) []types.Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()

	var (
		out   []types.Transaction
		total int
	)
	for _, id := range m.pending.Keys() {
		if maxTxs > 0 && len(out) >= maxTxs {
			break
		}
		tx, ok := m.pending.Peek(id)
		if !ok {
			continue
		}
		size := TxSize(&tx)
		if maxBytes > 0 && total+size > maxBytes {
			// Smaller transactions further back may still fit.
			continue
		}
		total += size
		out = append(out, tx)
	}
	return out
}

// Update removes the transactions of a finalized block and remembers their
// IDs so they are not accepted again.
func (m *Mempool) Update(block *types.Block) {
	if block == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for i := range block.Transactions {
		id := block.Transactions[i].ID
		if tx, ok := m.pending.Peek(id); ok {
			m.bytes -= TxSize(&tx)
			m.pending.Remove(id)
			removed++
		}
		m.committed.Add(id)
	}
	m.metrics.MempoolSize.Set(float64(m.pending.Len()))
	if removed > 0 {
		m.logger.Debug("committed transactions removed",
			zap.Uint64("height", block.Height),
			zap.Int("removed", removed),
			zap.Int("remaining", m.pending.Len()),
		)
	}
}

// Has reports whether a transaction with id is pending.
func (m *Mempool) Has(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending.Contains(id)
}

// Get returns the pending transaction with id.
func (m *Mempool) Get(id string) (types.Transaction, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending.Peek(id)
}

// Size returns the number of pending transactions.
func (m *Mempool) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending.Len()
}

// SizeBytes returns the combined encoded size of pending transactions.
func (m *Mempool) SizeBytes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bytes
}

// Flush drops every pending transaction. The committed cache is kept.
func (m *Mempool) Flush() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending.Purge()
	m.bytes = 0
	m.metrics.MempoolSize.Set(0)
}
