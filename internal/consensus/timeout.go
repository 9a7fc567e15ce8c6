package consensus

import (
	"context"

	"go.uber.org/zap"

	"github.com/echenim/Bedrock/finality/internal/types"
)

// OnTimeout is the hook for an external watchdog. If height is still being
// decided, the local round counter is incremented and this validator's
// votes (and its proposal, when it is the proposer) are broadcast again so
// peers that missed them can catch up. The NEW_ROUND this validator sent on
// entering height is repeated as well. It does not change the proposer.
func (e *Engine) OnTimeout(ctx context.Context, height uint64) error {
	out := &outbox{}
	e.mu.Lock()
	err := e.timeoutLocked(ctx, height, out)
	e.observeLocked()
	e.mu.Unlock()

	e.flush(out)
	return err
}

func (e *Engine) timeoutLocked(ctx context.Context, height uint64, out *outbox) error {
	rs := e.round
	if height != rs.Height || rs.Phase == PhaseFinalized {
		return nil
	}

	rs.Round++
	e.metrics.TimeoutsTriggered.Inc()
	e.logger.Info("round timed out",
		zap.Uint64("height", rs.Height),
		zap.Uint64("round", rs.Round),
		zap.Stringer("phase", rs.Phase),
	)

	// Peers still deciding the previous height need the NEW_ROUND to move on.
	if a := e.announcement; a != nil && a.Height == rs.Height {
		out.messages = append(out.messages, a)
	}

	if !rs.HasCandidate() {
		return nil
	}
	if rs.Candidate.Proposer == e.id {
		out.proposals = append(out.proposals, rs.Candidate)
	}
	for _, t := range []types.MessageType{types.MsgPrepare, types.MsgCommit} {
		hash, sig, ok := rs.Tally(t).Vote(e.id)
		if !ok {
			continue
		}
		out.messages = append(out.messages, &types.ConsensusMessage{
			Type:        t,
			Height:      rs.Height,
			BlockHash:   hash,
			ValidatorID: e.id,
			Signature:   sig,
		})
	}

	// A phase left behind by a signing failure or a failed append is retried.
	return e.progressLocked(ctx, out)
}

// RetryFinalize re-attempts the ledger append for a candidate that already
// has a COMMIT quorum. It is a no-op unless the engine is COMMITTING.
func (e *Engine) RetryFinalize(ctx context.Context) error {
	out := &outbox{}
	e.mu.Lock()
	var err error
	if e.round.Phase == PhaseCommitting {
		err = e.finalizeLocked(ctx, out)
	}
	e.observeLocked()
	e.mu.Unlock()

	e.flush(out)
	return err
}
