package consensus

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/echenim/Bedrock/finality/internal/types"
)

// progressLocked runs every transition the current tallies allow. Each phase
// is entered at most once per height, so a quorum crossing acts once.
func (e *Engine) progressLocked(ctx context.Context, out *outbox) error {
	rs := e.round
	for {
		switch rs.Phase {
		case PhaseProposed:
			if !e.emitVoteLocked(types.MsgPrepare, out) {
				return nil
			}
			e.mustAdvance(PhasePreparing)

		case PhasePreparing:
			if !e.valSet.HasQuorum(rs.Prepare.Count()) {
				return nil
			}
			e.mustAdvance(PhasePrepared)
			e.logger.Info("prepare quorum reached",
				zap.Uint64("height", rs.Height),
				zap.String("block", rs.CandidateHash.Short()),
				zap.Int("votes", rs.Prepare.Count()),
			)

		case PhasePrepared:
			if !e.emitVoteLocked(types.MsgCommit, out) {
				return nil
			}
			e.mustAdvance(PhaseCommitting)

		case PhaseCommitting:
			return e.finalizeLocked(ctx, out)

		default:
			return nil
		}
	}
}

func (e *Engine) mustAdvance(to Phase) {
	if err := e.round.Advance(to); err != nil {
		// progressLocked only requests successor phases.
		panic(err)
	}
	e.logger.Debug("phase transition",
		zap.Uint64("height", e.round.Height),
		zap.Stringer("phase", to),
	)
}

// emitVoteLocked signs this validator's vote for the candidate, records it
// in the matching tally and queues the broadcast. Returns false if signing
// failed; the phase is then left unchanged so a later call can retry.
func (e *Engine) emitVoteLocked(t types.MessageType, out *outbox) bool {
	rs := e.round
	msg, err := e.signLocked(t, rs.Height, rs.CandidateHash)
	if err != nil {
		e.logger.Error("failed to sign vote", zap.Stringer("type", t), zap.Error(err))
		return false
	}

	if res := rs.Tally(t).RecordVote(e.id, msg.BlockHash, msg.Signature); res == Accepted {
		e.metrics.VotesAccepted.WithLabelValues(t.String()).Inc()
	}
	if t == types.MsgCommit {
		rs.Candidate.AddSignature(e.id, msg.Signature)
	}
	out.messages = append(out.messages, msg)
	return true
}

func (e *Engine) signLocked(t types.MessageType, height uint64, hash types.Hash) (*types.ConsensusMessage, error) {
	msg := &types.ConsensusMessage{
		Type:        t,
		Height:      height,
		BlockHash:   hash,
		ValidatorID: e.id,
	}
	sig, err := e.signer.Sign(msg.SigningPayload())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSigning, err)
	}
	msg.Signature = sig
	return msg, nil
}

// finalizeLocked appends the candidate once COMMIT reaches quorum, then
// announces and enters the next height. On append failure the engine stays
// COMMITTING.
func (e *Engine) finalizeLocked(ctx context.Context, out *outbox) error {
	rs := e.round
	if rs.Phase != PhaseCommitting || !e.valSet.HasQuorum(rs.Commit.Count()) {
		return nil
	}

	if err := e.ledger.Append(ctx, rs.Candidate); err != nil {
		e.ledgerFailed = true
		e.metrics.LedgerFailures.Inc()
		e.logger.Error("ledger append failed",
			zap.Uint64("height", rs.Height),
			zap.String("block", rs.CandidateHash.Short()),
			zap.Error(err),
		)
		return fmt.Errorf("%w: height %d: %w", ErrLedgerAppend, rs.Height, err)
	}
	e.ledgerFailed = false
	e.mustAdvance(PhaseFinalized)

	now := e.clock.Now()
	if !e.lastFinalized.IsZero() {
		e.metrics.BlockTime.Observe(now.Sub(e.lastFinalized).Seconds())
	}
	e.lastFinalized = now
	e.metrics.BlocksFinalized.Inc()

	e.logger.Info("block finalized",
		zap.Uint64("height", rs.Height),
		zap.String("block", rs.CandidateHash.Short()),
		zap.Int("txs", len(rs.Candidate.Transactions)),
		zap.Int("signatures", rs.Candidate.SignatureCount()),
		zap.Uint64("round", rs.Round),
	)
	out.finalized = append(out.finalized, FinalizeEvent{
		Height: rs.Height,
		Round:  rs.Round,
		Hash:   rs.CandidateHash,
		Block:  rs.Candidate,
	})

	next := rs.Height + 1
	announce, err := e.signLocked(types.MsgNewRound, next, rs.CandidateHash)
	if err != nil {
		e.logger.Error("failed to sign new round", zap.Error(err))
		announce = nil
	} else {
		out.messages = append(out.messages, announce)
	}
	err = e.advanceLocked(ctx, next, rs.CandidateHash, out)
	if e.round.Height == next {
		e.announcement = announce
	}
	return err
}

// advanceLocked replaces the round state with a fresh IDLE state for height.
// Tallies of the old height are dropped with it.
func (e *Engine) advanceLocked(ctx context.Context, height uint64, prevHash types.Hash, out *outbox) error {
	e.round = NewRoundState(height)
	e.prevHash = prevHash
	e.announcement = nil
	e.ledgerFailed = false
	e.buffer.PurgeBelow(height)
	if height > EvidenceRetention {
		if n := e.evidence.PruneBelow(height - EvidenceRetention); n > 0 {
			e.logger.Debug("pruned old evidence", zap.Int("items", n), zap.Uint64("height", height))
		}
	}
	out.heights = append(out.heights, height)

	e.logger.Debug("entered height", zap.Uint64("height", height), zap.String("prev", prevHash.Short()))

	if block := e.buffer.TakeProposal(height); block != nil {
		if err := e.acceptProposalLocked(ctx, block, out); err != nil {
			return e.logProposalError(block, err)
		}
	}
	return nil
}
