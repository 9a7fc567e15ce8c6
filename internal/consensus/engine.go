package consensus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gammazero/workerpool"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/echenim/Bedrock/finality/internal/telemetry"
	"github.com/echenim/Bedrock/finality/internal/types"
)

// Engine drives PREPARE/COMMIT agreement for one validator. All round state
// is guarded by mu. Collaborator calls that may block (signature checks,
// broadcasts, subscriber notifications) run outside the lock; the ledger
// append runs inside it so no height can advance past a failed append.
type Engine struct {
	mu sync.Mutex

	id          types.ValidatorID
	valSet      *types.ValidatorSet
	quorum      int
	signer      Signer
	hasher      Hasher
	network     Network
	proposals   ProposalBroadcaster // nil when the network cannot carry blocks
	ledger      Ledger
	proposerFor func(height uint64) types.ValidatorID
	validator   *MessageValidator

	round         *RoundState
	prevHash      types.Hash // hash finalized at round.Height-1
	lastFinalized time.Time
	ledgerFailed  bool
	announcement  *types.ConsensusMessage // own NEW_ROUND for round.Height

	buffer           *FutureBuffer
	maxFutureHeights uint64
	evidence         *EvidencePool

	finalizeCh chan FinalizeEvent
	heightCh   chan uint64

	// Async inbound path. submitMu orders enqueues against Stop so no task
	// is sent to a stopped pool.
	submitMu   sync.RWMutex
	workers    int
	maxPending int
	pool       *workerpool.WorkerPool
	runCtx     context.Context
	cancel     context.CancelFunc

	clock   clockwork.Clock
	metrics *telemetry.Metrics
	logger  *zap.Logger
}

// outbox collects side effects produced under the lock. They are released
// by flush once the lock is dropped.
type outbox struct {
	proposals []*types.Block
	messages  []*types.ConsensusMessage
	finalized []FinalizeEvent
	heights   []uint64
}

// NewEngine creates a consensus engine from the given config. The starting
// height is one above the ledger's latest finalized height.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.ValSet == nil {
		return nil, fmt.Errorf("%w: validator set", ErrMissingCollaborator)
	}
	switch {
	case cfg.Signer == nil:
		return nil, fmt.Errorf("%w: signer", ErrMissingCollaborator)
	case cfg.Verifier == nil:
		return nil, fmt.Errorf("%w: verifier", ErrMissingCollaborator)
	case cfg.Hasher == nil:
		return nil, fmt.Errorf("%w: hasher", ErrMissingCollaborator)
	case cfg.Network == nil:
		return nil, fmt.Errorf("%w: network", ErrMissingCollaborator)
	case cfg.Ledger == nil:
		return nil, fmt.Errorf("%w: ledger", ErrMissingCollaborator)
	}
	if !cfg.ValSet.IsMember(cfg.ID) {
		return nil, fmt.Errorf("%w: %q", ErrNotValidator, cfg.ID)
	}

	defaults := DefaultEngineConfig()
	if cfg.FutureBufferSize <= 0 {
		cfg.FutureBufferSize = defaults.FutureBufferSize
	}
	if cfg.MaxFutureHeights == 0 {
		cfg.MaxFutureHeights = defaults.MaxFutureHeights
	}
	if cfg.VerifyWorkers <= 0 {
		cfg.VerifyWorkers = defaults.VerifyWorkers
	}
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = defaults.MaxPending
	}
	if cfg.ProposerFor == nil {
		cfg.ProposerFor = cfg.ValSet.ProposerFor
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("consensus").With(zap.String("validator", cfg.ID.String()))

	metrics := cfg.Metrics
	if metrics == nil {
		metrics = telemetry.NopMetrics()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	latest, err := cfg.Ledger.LatestFinalizedHeight()
	if err != nil {
		return nil, fmt.Errorf("consensus: read ledger height: %w", err)
	}
	var prevHash types.Hash
	if hl, ok := cfg.Ledger.(HashLedger); ok && latest > 0 {
		if prevHash, err = hl.LatestFinalizedHash(); err != nil {
			return nil, fmt.Errorf("consensus: read ledger head: %w", err)
		}
	}

	buffer, err := NewFutureBuffer(cfg.FutureBufferSize)
	if err != nil {
		return nil, fmt.Errorf("consensus: future buffer: %w", err)
	}

	e := &Engine{
		id:               cfg.ID,
		valSet:           cfg.ValSet,
		quorum:           cfg.ValSet.QuorumThreshold(),
		signer:           cfg.Signer,
		hasher:           cfg.Hasher,
		network:          cfg.Network,
		ledger:           cfg.Ledger,
		proposerFor:      cfg.ProposerFor,
		validator:        NewMessageValidator(cfg.Verifier),
		round:            NewRoundState(latest + 1),
		prevHash:         prevHash,
		buffer:           buffer,
		maxFutureHeights: cfg.MaxFutureHeights,
		evidence:         NewEvidencePool(),
		finalizeCh:       make(chan FinalizeEvent, 64),
		heightCh:         make(chan uint64, 16),
		workers:          cfg.VerifyWorkers,
		maxPending:       cfg.MaxPending,
		clock:            clock,
		metrics:          metrics,
		logger:           logger,
	}
	if pb, ok := cfg.Network.(ProposalBroadcaster); ok {
		e.proposals = pb
	}

	if f := cfg.ValSet.FaultTolerance(); f == 0 {
		logger.Warn("validator set has no byzantine tolerance",
			zap.Int("validators", cfg.ValSet.Size()),
			zap.Int("quorum", e.quorum),
		)
	}
	logger.Info("consensus engine created",
		zap.Uint64("height", e.round.Height),
		zap.Int("validators", cfg.ValSet.Size()),
		zap.Int("quorum", e.quorum),
		zap.Int("f", cfg.ValSet.FaultTolerance()),
	)
	e.observeLocked()
	return e, nil
}

// Start launches the async inbound worker pool.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.pool != nil {
		return nil
	}
	e.runCtx, e.cancel = context.WithCancel(ctx)
	e.pool = workerpool.New(e.workers)
	e.logger.Info("consensus engine started", zap.Int("workers", e.workers))
	return nil
}

// Stop drains queued deliveries and shuts down the worker pool.
func (e *Engine) Stop() error {
	e.submitMu.Lock()
	e.mu.Lock()
	pool, cancel := e.pool, e.cancel
	e.pool = nil
	e.mu.Unlock()
	e.submitMu.Unlock()

	if pool == nil {
		return nil
	}
	pool.StopWait()
	cancel()
	e.logger.Info("consensus engine stopped")
	return nil
}

// SubscribeFinalized returns the channel of heights this engine finalized.
// Events are dropped when the channel is full.
func (e *Engine) SubscribeFinalized() <-chan FinalizeEvent {
	return e.finalizeCh
}

// SubscribeHeights returns a channel that receives each height the engine
// enters, whether by finalization or catch-up.
func (e *Engine) SubscribeHeights() <-chan uint64 {
	return e.heightCh
}

// ID returns the local validator identity.
func (e *Engine) ID() types.ValidatorID { return e.id }

// ValidatorSet returns the engine's validator set.
func (e *Engine) ValidatorSet() *types.ValidatorSet { return e.valSet }

// Evidence returns the equivocation evidence pool.
func (e *Engine) Evidence() *EvidencePool { return e.evidence }

// Height returns the height currently being decided.
func (e *Engine) Height() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.round.Height
}

// Phase returns the current phase.
func (e *Engine) Phase() Phase {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.round.Phase
}

// IsProposer reports whether this validator proposes height.
func (e *Engine) IsProposer(height uint64) bool {
	return e.proposerFor(height) == e.id
}

// Status returns a snapshot of the engine state.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	rs := e.round
	st := Status{
		Validator:       e.id,
		Height:          rs.Height,
		Round:           rs.Round,
		Phase:           rs.Phase.String(),
		Quorum:          e.quorum,
		FaultTolerance:  e.valSet.FaultTolerance(),
		Buffered:        e.buffer.Len(),
		Evidence:        e.evidence.Size(),
		LedgerRetryable: e.ledgerFailed,
	}
	if rs.HasCandidate() {
		st.Candidate = rs.CandidateHash.String()
		st.PrepareVotes = rs.Prepare.Count()
		st.CommitVotes = rs.Commit.Count()
	}
	if !e.prevHash.IsZero() {
		st.LastFinalized = e.prevHash.String()
	}
	return st
}

// flush releases side effects collected under the lock. Must be called
// without holding mu.
func (e *Engine) flush(out *outbox) {
	for _, b := range out.proposals {
		if e.proposals == nil {
			break
		}
		if err := e.proposals.BroadcastProposal(b); err != nil {
			e.logger.Warn("failed to broadcast proposal", zap.Uint64("height", b.Height), zap.Error(err))
		}
	}
	for _, msg := range out.messages {
		if err := e.network.Broadcast(msg); err != nil {
			e.logger.Warn("failed to broadcast message",
				zap.Stringer("type", msg.Type),
				zap.Uint64("height", msg.Height),
				zap.Error(err),
			)
		}
	}
	for _, ev := range out.finalized {
		select {
		case e.finalizeCh <- ev:
		default:
			// Don't block if no one is listening.
		}
	}
	for _, h := range out.heights {
		select {
		case e.heightCh <- h:
		default:
		}
	}
}

// observeLocked publishes the round gauges.
func (e *Engine) observeLocked() {
	e.metrics.ConsensusHeight.Set(float64(e.round.Height))
	e.metrics.ConsensusRound.Set(float64(e.round.Round))
	e.metrics.ConsensusPhase.Set(float64(e.round.Phase))
	e.metrics.BufferedMessages.Set(float64(e.buffer.Len()))
}
