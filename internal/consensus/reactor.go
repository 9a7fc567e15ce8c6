package consensus

import (
	"context"

	"github.com/gammazero/workerpool"
	"go.uber.org/zap"

	"github.com/echenim/Bedrock/finality/internal/telemetry"
	"github.com/echenim/Bedrock/finality/internal/types"
)

// HandleMessage validates an inbound message and applies it. It is safe for
// concurrent use. Rejected messages are logged and counted, never returned;
// the only error is a wrapped ErrLedgerAppend from a finalization attempt.
func (e *Engine) HandleMessage(ctx context.Context, msg *types.ConsensusMessage) error {
	// Signature verification runs outside the lock against a height snapshot.
	height := e.Height()
	if verdict := e.validator.Validate(msg, height, e.valSet); verdict != Valid {
		e.reject(msg, verdict)
		return nil
	}

	out := &outbox{}
	e.mu.Lock()
	err := e.applyLocked(ctx, msg, out)
	e.observeLocked()
	e.mu.Unlock()

	e.flush(out)
	return err
}

// applyLocked routes a validated message.
func (e *Engine) applyLocked(ctx context.Context, msg *types.ConsensusMessage, out *outbox) error {
	// The height may have advanced while the signature was checked.
	if msg.Height < e.round.Height {
		e.reject(msg, Stale)
		return nil
	}

	if msg.Type == types.MsgNewRound {
		return e.handleNewRoundLocked(ctx, msg, out)
	}

	if msg.Height > e.round.Height {
		if msg.Height-e.round.Height > e.maxFutureHeights {
			e.metrics.MessagesRejected.WithLabelValues(telemetry.ReasonTooFar).Inc()
			e.logger.Debug("dropping message beyond buffer window",
				zap.Stringer("type", msg.Type),
				zap.Uint64("msg_height", msg.Height),
				zap.Uint64("height", e.round.Height),
			)
			return nil
		}
		e.bufferLocked(msg)
		return nil
	}

	if !e.round.HasCandidate() {
		e.bufferLocked(msg)
		return nil
	}
	return e.applyVoteLocked(ctx, msg, out)
}

// handleNewRoundLocked jumps to a higher height. A NEW_ROUND for the current
// height carries nothing new.
func (e *Engine) handleNewRoundLocked(ctx context.Context, msg *types.ConsensusMessage, out *outbox) error {
	if msg.Height == e.round.Height {
		return nil
	}

	e.logger.Info("catching up to higher height",
		zap.Uint64("from", e.round.Height),
		zap.Uint64("to", msg.Height),
		zap.Stringer("phase", e.round.Phase),
		zap.String("from_validator", msg.ValidatorID.String()),
	)
	e.metrics.CatchUps.Inc()

	// Peers finalized the block this engine was deciding. It is not stored
	// without a local COMMIT quorum, but subscribers still learn its
	// transactions are taken.
	rs := e.round
	if msg.Height == rs.Height+1 && rs.HasCandidate() && msg.BlockHash == rs.CandidateHash {
		out.finalized = append(out.finalized, FinalizeEvent{
			Height:   rs.Height,
			Round:    rs.Round,
			Hash:     rs.CandidateHash,
			Block:    rs.Candidate,
			Observed: true,
		})
	}
	return e.advanceLocked(ctx, msg.Height, msg.BlockHash, out)
}

func (e *Engine) bufferLocked(msg *types.ConsensusMessage) {
	if e.buffer.Add(msg) {
		e.logger.Debug("buffered early message",
			zap.Stringer("type", msg.Type),
			zap.Uint64("msg_height", msg.Height),
			zap.String("from", msg.ValidatorID.String()),
		)
	}
}

// applyVoteLocked records a PREPARE or COMMIT for the current candidate and
// drives any resulting transitions.
func (e *Engine) applyVoteLocked(ctx context.Context, msg *types.ConsensusMessage, out *outbox) error {
	tally := e.round.Tally(msg.Type)

	switch tally.RecordVote(msg.ValidatorID, msg.BlockHash, msg.Signature) {
	case Equivocation:
		e.recordEquivocationLocked(tally, msg)
		return nil

	case DuplicateIgnored:
		// A repeated COMMIT is a chance to retry a failed append.
		if msg.Type == types.MsgCommit && e.ledgerFailed {
			return e.progressLocked(ctx, out)
		}
		return nil
	}

	e.metrics.VotesAccepted.WithLabelValues(msg.Type.String()).Inc()
	if msg.Type == types.MsgCommit && msg.BlockHash == e.round.CandidateHash {
		e.round.Candidate.AddSignature(msg.ValidatorID, msg.Signature)
	}
	e.logger.Debug("vote recorded",
		zap.Stringer("type", msg.Type),
		zap.Uint64("height", msg.Height),
		zap.String("from", msg.ValidatorID.String()),
		zap.Int("count", tally.Count()),
		zap.Int("quorum", e.quorum),
	)
	return e.progressLocked(ctx, out)
}

func (e *Engine) recordEquivocationLocked(tally *VoteTally, msg *types.ConsensusMessage) {
	first, firstSig, _ := tally.Vote(msg.ValidatorID)
	ev := &types.EquivocationEvidence{
		Type:      msg.Type,
		Height:    msg.Height,
		Validator: msg.ValidatorID,
		First:     first,
		Second:    msg.BlockHash,
		FirstSig:  firstSig,
		SecondSig: msg.Signature.Clone(),
	}
	added, err := e.evidence.AddEvidence(ev)
	if err != nil {
		e.logger.Error("failed to record evidence", zap.Error(err))
		return
	}
	e.metrics.MessagesRejected.WithLabelValues(telemetry.ReasonEquivocation).Inc()
	if added {
		e.metrics.Equivocations.Inc()
		e.logger.Warn("equivocation detected",
			zap.String("validator", msg.ValidatorID.String()),
			zap.Stringer("type", msg.Type),
			zap.Uint64("height", msg.Height),
			zap.String("first", first.Short()),
			zap.String("second", msg.BlockHash.Short()),
		)
	}
}

// reject counts and logs a message the validator refused.
func (e *Engine) reject(msg *types.ConsensusMessage, verdict Verdict) {
	var reason string
	switch verdict {
	case Stale:
		reason = telemetry.ReasonStale
	case UnknownValidator:
		reason = telemetry.ReasonUnknownValidator
	case BadSignature:
		reason = telemetry.ReasonBadSignature
	default:
		reason = telemetry.ReasonMalformed
	}
	e.metrics.MessagesRejected.WithLabelValues(reason).Inc()

	if msg == nil {
		e.logger.Warn("rejected nil message")
		return
	}
	fields := []zap.Field{
		zap.String("reason", reason),
		zap.Stringer("type", msg.Type),
		zap.Uint64("msg_height", msg.Height),
		zap.String("from", msg.ValidatorID.String()),
	}
	if verdict == Stale {
		e.logger.Debug("dropping stale message", fields...)
		return
	}
	e.logger.Warn("rejected message", fields...)
}

// Submit queues a message for asynchronous handling on the worker pool.
// Messages from a single sender may be applied out of order, which the
// protocol already tolerates from the network.
func (e *Engine) Submit(msg *types.ConsensusMessage) error {
	e.submitMu.RLock()
	defer e.submitMu.RUnlock()

	pool, ctx, err := e.running()
	if err != nil {
		return err
	}
	pool.Submit(func() {
		if err := e.HandleMessage(ctx, msg); err != nil {
			e.logger.Error("finalization failed", zap.Error(err))
		}
	})
	return nil
}

// SubmitProposal queues a candidate block for asynchronous handling.
func (e *Engine) SubmitProposal(block *types.Block) error {
	e.submitMu.RLock()
	defer e.submitMu.RUnlock()

	pool, ctx, err := e.running()
	if err != nil {
		return err
	}
	pool.Submit(func() {
		if err := e.HandleProposal(ctx, block); err != nil {
			e.logger.Debug("proposal not accepted", zap.Error(err))
		}
	})
	return nil
}

// running returns the live pool. Callers hold submitMu for reading until
// their task is queued.
func (e *Engine) running() (*workerpool.WorkerPool, context.Context, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.pool == nil {
		return nil, nil, ErrEngineNotRunning
	}
	if e.pool.WaitingQueueSize() >= e.maxPending {
		e.logger.Warn("inbound queue full, dropping delivery", zap.Int("pending", e.pool.WaitingQueueSize()))
		return nil, nil, ErrInboundQueueFull
	}
	return e.pool, e.runCtx, nil
}
