package consensus

import "errors"

var (
	// ErrLedgerAppend is the only failure HandleMessage propagates. The
	// engine stays COMMITTING at the same height until an append succeeds.
	ErrLedgerAppend = errors.New("consensus: ledger append failed")

	ErrNotValidator        = errors.New("consensus: local identity is not in the validator set")
	ErrNotProposer         = errors.New("consensus: not the proposer for this height")
	ErrAlreadyProposed     = errors.New("consensus: height already has a candidate block")
	ErrConflictingProposal = errors.New("consensus: conflicting proposal for height")
	ErrWrongHeight         = errors.New("consensus: proposal height does not match")
	ErrWrongPrevHash       = errors.New("consensus: proposal does not extend the last finalized block")
	ErrInvalidProposal     = errors.New("consensus: invalid proposal")
	ErrIllegalTransition   = errors.New("consensus: illegal phase transition")
	ErrSigning             = errors.New("consensus: signing failed")
	ErrMissingCollaborator = errors.New("consensus: missing collaborator")
	ErrEngineNotRunning    = errors.New("consensus: engine not running")
	ErrInboundQueueFull    = errors.New("consensus: inbound queue full")
)
