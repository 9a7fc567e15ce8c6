package consensus

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/echenim/Bedrock/finality/internal/types"
)

// ProposeBlock builds a block for the current height from txs, accepts it as
// the candidate and emits this validator's PREPARE. Only the designated
// proposer of the height may call it. The block is returned even when a
// single-validator set finalizes it immediately and the append fails.
func (e *Engine) ProposeBlock(ctx context.Context, txs []types.Transaction) (*types.Block, error) {
	out := &outbox{}
	e.mu.Lock()
	block, err := e.proposeLocked(ctx, txs, out)
	e.observeLocked()
	e.mu.Unlock()

	e.flush(out)
	return block, err
}

func (e *Engine) proposeLocked(ctx context.Context, txs []types.Transaction, out *outbox) (*types.Block, error) {
	rs := e.round
	if rs.Phase != PhaseIdle {
		return nil, fmt.Errorf("%w: height %d is %s", ErrAlreadyProposed, rs.Height, rs.Phase)
	}
	if proposer := e.proposerFor(rs.Height); proposer != e.id {
		return nil, fmt.Errorf("%w: height %d belongs to %s", ErrNotProposer, rs.Height, proposer)
	}

	block := types.NewBlock(rs.Height, e.prevHash, txs, e.clock.Now().UnixMilli(), e.id)
	if err := block.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidProposal, err)
	}

	e.logger.Info("proposing block",
		zap.Uint64("height", block.Height),
		zap.Int("txs", len(txs)),
	)
	out.proposals = append(out.proposals, block)
	return block, e.acceptCandidateLocked(ctx, block, out)
}

// HandleProposal accepts a candidate block observed from the network. Blocks
// a few heights ahead are held until the engine reaches their height.
func (e *Engine) HandleProposal(ctx context.Context, block *types.Block) error {
	if block == nil {
		return fmt.Errorf("%w: nil block", ErrInvalidProposal)
	}

	out := &outbox{}
	e.mu.Lock()
	err := e.acceptProposalLocked(ctx, block, out)
	e.observeLocked()
	e.mu.Unlock()

	e.flush(out)
	return err
}

func (e *Engine) acceptProposalLocked(ctx context.Context, block *types.Block, out *outbox) error {
	rs := e.round
	if err := block.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidProposal, err)
	}
	if proposer := e.proposerFor(block.Height); block.Proposer != proposer {
		return fmt.Errorf("%w: height %d proposed by %s, expected %s",
			ErrInvalidProposal, block.Height, block.Proposer, proposer)
	}

	switch {
	case block.Height < rs.Height:
		return fmt.Errorf("%w: proposal %d below height %d", ErrWrongHeight, block.Height, rs.Height)

	case block.Height > rs.Height:
		if block.Height-rs.Height > e.maxFutureHeights {
			return fmt.Errorf("%w: proposal %d too far ahead of %d", ErrWrongHeight, block.Height, rs.Height)
		}
		if e.buffer.AddProposal(block) {
			e.logger.Debug("holding proposal for later height", zap.Uint64("block_height", block.Height))
		}
		return nil
	}

	hash := e.hasher.Hash(block)
	if rs.HasCandidate() {
		if hash == rs.CandidateHash {
			return nil
		}
		e.logger.Warn("conflicting proposal",
			zap.Uint64("height", rs.Height),
			zap.String("proposer", block.Proposer.String()),
			zap.String("have", rs.CandidateHash.Short()),
			zap.String("got", hash.Short()),
		)
		return fmt.Errorf("%w: %d", ErrConflictingProposal, rs.Height)
	}
	if block.PreviousHash != e.prevHash {
		return fmt.Errorf("%w: got %s, want %s", ErrWrongPrevHash, block.PreviousHash.Short(), e.prevHash.Short())
	}
	return e.acceptCandidateLocked(ctx, block, out)
}

// acceptCandidateLocked moves IDLE -> PROPOSED -> PREPARING for block and
// replays any votes that arrived before it.
func (e *Engine) acceptCandidateLocked(ctx context.Context, block *types.Block, out *outbox) error {
	rs := e.round
	hash := e.hasher.Hash(block)
	if err := rs.Propose(block, hash); err != nil {
		return err
	}
	e.logger.Debug("candidate accepted",
		zap.Uint64("height", rs.Height),
		zap.String("block", hash.Short()),
		zap.String("proposer", block.Proposer.String()),
	)

	if err := e.progressLocked(ctx, out); err != nil {
		return err
	}

	height := rs.Height
	for _, msg := range e.buffer.Take(height) {
		// Replayed votes were validated on arrival. Stop if the height moved.
		if e.round.Height != height {
			break
		}
		if err := e.applyVoteLocked(ctx, msg, out); err != nil {
			return err
		}
	}
	return nil
}

// logProposalError swallows proposal rejections after logging them, but
// keeps ledger failures visible to the caller.
func (e *Engine) logProposalError(block *types.Block, err error) error {
	if errors.Is(err, ErrLedgerAppend) {
		return err
	}
	e.logger.Warn("held proposal rejected", zap.Uint64("block_height", block.Height), zap.Error(err))
	return nil
}
