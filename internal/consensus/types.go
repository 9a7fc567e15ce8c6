package consensus

import (
	"context"

	"github.com/echenim/Bedrock/finality/internal/telemetry"
	"github.com/echenim/Bedrock/finality/internal/types"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// Phase is the step of the round state machine for one height.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseProposed
	PhasePreparing
	PhasePrepared
	PhaseCommitting
	PhaseFinalized
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "IDLE"
	case PhaseProposed:
		return "PROPOSED"
	case PhasePreparing:
		return "PREPARING"
	case PhasePrepared:
		return "PREPARED"
	case PhaseCommitting:
		return "COMMITTING"
	case PhaseFinalized:
		return "FINALIZED"
	default:
		return "UNKNOWN"
	}
}

// Signer produces this validator's signature over canonical bytes.
type Signer interface {
	Sign(payload []byte) (types.Signature, error)
}

// Verifier checks a signature attributed to a validator.
type Verifier interface {
	Verify(payload []byte, sig types.Signature, id types.ValidatorID) bool
}

// Hasher computes a block's content hash. Implementations must ignore the
// block's signatures.
type Hasher interface {
	Hash(block *types.Block) types.Hash
}

// Network broadcasts consensus messages. Delivery is at-least-once and may
// reorder or duplicate.
type Network interface {
	Broadcast(msg *types.ConsensusMessage) error
}

// ProposalBroadcaster is optionally implemented by a Network that can also
// carry candidate blocks to peers.
type ProposalBroadcaster interface {
	BroadcastProposal(block *types.Block) error
}

// Ledger stores finalized blocks.
type Ledger interface {
	Append(ctx context.Context, block *types.Block) error
	LatestFinalizedHeight() (uint64, error)
}

// HashLedger is optionally implemented by a Ledger that can report the hash
// of its head block, so a restarted engine can chain new proposals.
type HashLedger interface {
	LatestFinalizedHash() (types.Hash, error)
}

// FinalizeEvent is emitted once per height this engine finalizes itself.
// Observed events report a candidate that peers finalized while this engine
// caught up past it; that block was not appended to the ledger.
type FinalizeEvent struct {
	Height   uint64
	Round    uint64
	Hash     types.Hash
	Block    *types.Block
	Observed bool
}

// Status is a point-in-time view of the engine for operators and the
// watchdog.
type Status struct {
	Validator       types.ValidatorID `json:"validator"`
	Height          uint64            `json:"height"`
	Round           uint64            `json:"round"`
	Phase           string            `json:"phase"`
	Candidate       string            `json:"candidate,omitempty"`
	PrepareVotes    int               `json:"prepare_votes"`
	CommitVotes     int               `json:"commit_votes"`
	Quorum          int               `json:"quorum"`
	FaultTolerance  int               `json:"fault_tolerance"`
	Buffered        int               `json:"buffered"`
	Evidence        int               `json:"evidence"`
	LastFinalized   string            `json:"last_finalized,omitempty"`
	LedgerRetryable bool              `json:"ledger_retryable"`
}

// EngineConfig holds configuration for the consensus engine.
type EngineConfig struct {
	ID       types.ValidatorID
	ValSet   *types.ValidatorSet
	Signer   Signer
	Verifier Verifier
	Hasher   Hasher
	Network  Network
	Ledger   Ledger

	// ProposerFor selects the proposer of a height. Defaults to
	// ValSet.ProposerFor.
	ProposerFor func(height uint64) types.ValidatorID

	Logger  *zap.Logger
	Metrics *telemetry.Metrics
	Clock   clockwork.Clock

	FutureBufferSize int    // buffered early messages (default: 1024)
	MaxFutureHeights uint64 // heights ahead that may be buffered (default: 8)
	VerifyWorkers    int    // workers on the async inbound path (default: 4)
	MaxPending       int    // queued deliveries before Submit drops (default: 4096)
}

// DefaultEngineConfig returns an EngineConfig with default limits.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		FutureBufferSize: 1024,
		MaxFutureHeights: 8,
		VerifyWorkers:    4,
		MaxPending:       4096,
	}
}
