package consensus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/echenim/Bedrock/finality/internal/crypto"
	"github.com/echenim/Bedrock/finality/internal/types"
)

// --- Construction ---

func TestNewEngineRequiresCollaborators(t *testing.T) {
	c := newTestCluster(t, 4)
	if _, err := NewEngine(EngineConfig{ID: "validator1", ValSet: c.valSet}); !errors.Is(err, ErrMissingCollaborator) {
		t.Fatalf("expected ErrMissingCollaborator, got %v", err)
	}

	cfg := EngineConfig{
		ID:       "mallory",
		ValSet:   c.valSet,
		Signer:   c.signers["validator1"],
		Verifier: c.keyRing,
		Hasher:   crypto.SHA256Hasher{},
		Network:  &mockNetwork{},
		Ledger:   &mockLedger{},
	}
	if _, err := NewEngine(cfg); !errors.Is(err, ErrNotValidator) {
		t.Fatalf("expected ErrNotValidator, got %v", err)
	}
}

func TestNewEngineStartsAboveLedgerHead(t *testing.T) {
	c := newTestCluster(t, 4)
	ledger := &mockLedger{blocks: []*types.Block{types.NewBlock(7, types.ZeroHash, nil, 0, "validator3")}}
	e, _, _ := c.newEngine(t, "validator1", withLedger(ledger))
	if e.Height() != 8 {
		t.Fatalf("height = %d, want 8", e.Height())
	}
}

func TestNewEngineWarnsWithoutByzantineTolerance(t *testing.T) {
	c := newTestCluster(t, 3)
	core, logs := observer.New(zapcore.WarnLevel)
	c.newEngine(t, "validator1", withLogger(zap.New(core)))

	if logs.FilterMessage("validator set has no byzantine tolerance").Len() != 1 {
		t.Fatal("expected a warning for f = 0")
	}
}

// --- Proposals ---

func TestProposeBlockEmitsPrepare(t *testing.T) {
	c := newTestCluster(t, 4)
	e, network, _ := c.newEngine(t, "validator1")

	block, err := e.ProposeBlock(context.Background(), testTxs(2))
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if block.Height != 1 || block.Proposer != "validator1" || !block.PreviousHash.IsZero() {
		t.Fatalf("unexpected block header: %+v", block)
	}
	if e.Phase() != PhasePreparing {
		t.Fatalf("phase = %s, want PREPARING", e.Phase())
	}
	if e.round.Prepare.Count() != 1 {
		t.Fatalf("prepare count = %d, want 1", e.round.Prepare.Count())
	}
	prepares := network.ofType(types.MsgPrepare)
	if len(prepares) != 1 || prepares[0].BlockHash != e.round.CandidateHash {
		t.Fatal("expected one PREPARE for the candidate")
	}
	if len(network.proposals) != 1 {
		t.Fatalf("expected proposal broadcast, got %d", len(network.proposals))
	}
}

func TestProposeBlockRejections(t *testing.T) {
	c := newTestCluster(t, 4)
	e, _, _ := c.newEngine(t, "validator2")
	if _, err := e.ProposeBlock(context.Background(), nil); !errors.Is(err, ErrNotProposer) {
		t.Fatalf("expected ErrNotProposer, got %v", err)
	}

	p, _, _ := c.newEngine(t, "validator1")
	if _, err := p.ProposeBlock(context.Background(), nil); err != nil {
		t.Fatalf("propose: %v", err)
	}
	if _, err := p.ProposeBlock(context.Background(), nil); !errors.Is(err, ErrAlreadyProposed) {
		t.Fatalf("expected ErrAlreadyProposed, got %v", err)
	}

	q, _, _ := c.newEngine(t, "validator1")
	dup := []types.Transaction{{ID: "a"}, {ID: "a"}}
	if _, err := q.ProposeBlock(context.Background(), dup); !errors.Is(err, ErrInvalidProposal) {
		t.Fatalf("expected ErrInvalidProposal, got %v", err)
	}
}

func TestHandleProposalRules(t *testing.T) {
	c := newTestCluster(t, 4)
	ctx := context.Background()
	e, network, _ := c.newEngine(t, "validator2")

	wrongProposer := types.NewBlock(1, types.ZeroHash, nil, 10, "validator3")
	if err := e.HandleProposal(ctx, wrongProposer); !errors.Is(err, ErrInvalidProposal) {
		t.Fatalf("expected ErrInvalidProposal, got %v", err)
	}

	wrongPrev := types.NewBlock(1, types.Hash{9}, nil, 10, "validator1")
	if err := e.HandleProposal(ctx, wrongPrev); !errors.Is(err, ErrWrongPrevHash) {
		t.Fatalf("expected ErrWrongPrevHash, got %v", err)
	}

	block := types.NewBlock(1, types.ZeroHash, testTxs(1), 10, "validator1")
	if err := e.HandleProposal(ctx, block); err != nil {
		t.Fatalf("handle proposal: %v", err)
	}
	if e.Phase() != PhasePreparing {
		t.Fatalf("phase = %s, want PREPARING", e.Phase())
	}
	if len(network.ofType(types.MsgPrepare)) != 1 {
		t.Fatal("accepting a proposal must emit this validator's PREPARE")
	}

	if err := e.HandleProposal(ctx, block); err != nil {
		t.Fatalf("re-delivered proposal should be ignored, got %v", err)
	}
	other := types.NewBlock(1, types.ZeroHash, nil, 11, "validator1")
	if err := e.HandleProposal(ctx, other); !errors.Is(err, ErrConflictingProposal) {
		t.Fatalf("expected ErrConflictingProposal, got %v", err)
	}
	if len(network.ofType(types.MsgPrepare)) != 1 {
		t.Fatal("duplicate or conflicting proposals must not emit votes")
	}
}

// --- Votes ---

func TestEquivocationKeepsFirstVote(t *testing.T) {
	c := newTestCluster(t, 4)
	core, logs := observer.New(zapcore.WarnLevel)
	e, _, _ := c.newEngine(t, "validator1", withLogger(zap.New(core)))

	if _, err := e.ProposeBlock(context.Background(), nil); err != nil {
		t.Fatalf("propose: %v", err)
	}
	hash := e.round.CandidateHash
	other := types.Hash{0xee}

	mustHandle(t, e, c.vote(t, "validator2", types.MsgPrepare, 1, hash))
	mustHandle(t, e, c.vote(t, "validator2", types.MsgPrepare, 1, other))

	if e.round.Prepare.CountFor(hash) != 2 {
		t.Fatalf("count for candidate = %d, want 2", e.round.Prepare.CountFor(hash))
	}
	if e.round.Prepare.CountFor(other) != 0 {
		t.Fatal("conflicting vote must not be recorded")
	}
	if len(e.Evidence().ForValidator("validator2")) != 1 {
		t.Fatal("expected equivocation evidence")
	}
	if logs.FilterMessage("equivocation detected").Len() != 1 {
		t.Fatal("expected equivocation warning")
	}
}

func TestRejectedMessagesAreLogged(t *testing.T) {
	c := newTestCluster(t, 4)
	core, logs := observer.New(zapcore.WarnLevel)
	e, _, _ := c.newEngine(t, "validator1", withLogger(zap.New(core)))
	if _, err := e.ProposeBlock(context.Background(), nil); err != nil {
		t.Fatalf("propose: %v", err)
	}
	hash := e.round.CandidateHash

	outsider := c.vote(t, "validator2", types.MsgPrepare, 1, hash)
	outsider.ValidatorID = "mallory"
	mustHandle(t, e, outsider)

	forged := c.vote(t, "validator3", types.MsgPrepare, 1, hash)
	forged.Signature[0] ^= 0xff
	mustHandle(t, e, forged)

	if e.round.Prepare.Count() != 1 {
		t.Fatalf("rejected messages changed the tally: %d", e.round.Prepare.Count())
	}
	reasons := map[string]bool{}
	for _, entry := range logs.FilterMessage("rejected message").All() {
		reasons[entry.ContextMap()["reason"].(string)] = true
	}
	if !reasons["unknown_validator"] || !reasons["bad_signature"] {
		t.Fatalf("expected both rejection reasons to be logged, got %v", reasons)
	}
}

func TestStaleMessagesNeverMutateState(t *testing.T) {
	c := newTestCluster(t, 4)
	e, _, ledger := c.newEngine(t, "validator1")
	finalizeHeight(t, c, e, 1)

	for _, typ := range []types.MessageType{types.MsgPrepare, types.MsgCommit, types.MsgNewRound} {
		for _, id := range []types.ValidatorID{"validator2", "validator3", "validator4"} {
			mustHandle(t, e, c.vote(t, id, typ, 1, types.Hash{byte(typ), 1}))
		}
	}

	if e.Height() != 2 || e.Phase() != PhaseIdle {
		t.Fatalf("stale messages moved the engine: height=%d phase=%s", e.Height(), e.Phase())
	}
	if e.round.HasCandidate() || e.buffer.Len() != 0 {
		t.Fatal("stale messages must not be tallied or buffered")
	}
	if len(ledger.appended()) != 1 {
		t.Fatal("stale messages must not reach the ledger")
	}
}

func TestEarlyVotesReplayOnProposal(t *testing.T) {
	c := newTestCluster(t, 4)
	e, network, _ := c.newEngine(t, "validator2")

	block := types.NewBlock(1, types.ZeroHash, testTxs(3), 1000, "validator1")
	hash := crypto.SHA256Hasher{}.Hash(block)

	mustHandle(t, e, c.vote(t, "validator1", types.MsgPrepare, 1, hash))
	mustHandle(t, e, c.vote(t, "validator3", types.MsgPrepare, 1, hash))
	mustHandle(t, e, c.vote(t, "validator3", types.MsgPrepare, 2, types.Hash{2}))
	if st := e.Status(); st.Buffered != 3 || st.Phase != "IDLE" {
		t.Fatalf("expected 3 buffered votes while IDLE, got %+v", st)
	}

	if err := e.HandleProposal(context.Background(), block); err != nil {
		t.Fatalf("handle proposal: %v", err)
	}
	if e.Phase() != PhaseCommitting {
		t.Fatalf("phase = %s, want COMMITTING after replay", e.Phase())
	}
	if len(network.ofType(types.MsgCommit)) != 1 {
		t.Fatal("expected one COMMIT after replayed quorum")
	}
	if e.buffer.Len() != 1 {
		t.Fatalf("future-height vote should stay buffered, len=%d", e.buffer.Len())
	}
}

func TestFutureVotesBeyondWindowDropped(t *testing.T) {
	c := newTestCluster(t, 4)
	e, _, _ := c.newEngine(t, "validator1", withMaxFutureHeights(2))

	mustHandle(t, e, c.vote(t, "validator2", types.MsgPrepare, 3, types.Hash{3}))
	mustHandle(t, e, c.vote(t, "validator2", types.MsgPrepare, 4, types.Hash{4}))
	if e.buffer.Len() != 1 {
		t.Fatalf("buffered = %d, want 1", e.buffer.Len())
	}
}

// --- Height changes ---

func TestCatchUpOnHigherNewRound(t *testing.T) {
	c := newTestCluster(t, 4)
	ctx := context.Background()
	e, _, ledger := c.newEngine(t, "validator1")
	heights := e.SubscribeHeights()

	if _, err := e.ProposeBlock(ctx, nil); err != nil {
		t.Fatalf("propose: %v", err)
	}
	finalizedAt2 := types.Hash{0x22}
	mustHandle(t, e, c.vote(t, "validator2", types.MsgNewRound, 3, finalizedAt2))

	if e.Height() != 3 || e.Phase() != PhaseIdle {
		t.Fatalf("height=%d phase=%s, want 3 IDLE", e.Height(), e.Phase())
	}
	if e.round.Prepare != nil || e.round.Commit != nil {
		t.Fatal("tallies must be cleared")
	}
	if len(ledger.appended()) != 0 {
		t.Fatal("catch-up must not append blocks it did not finalize")
	}
	select {
	case h := <-heights:
		if h != 3 {
			t.Fatalf("height notification = %d, want 3", h)
		}
	default:
		t.Fatal("expected a height notification")
	}

	next := types.NewBlock(3, finalizedAt2, nil, 1, "validator3")
	if err := e.HandleProposal(ctx, next); err != nil {
		t.Fatalf("proposal chained on the caught-up hash: %v", err)
	}
}

func TestAdvancePrunesOldEvidence(t *testing.T) {
	c := newTestCluster(t, 4)
	e, _, _ := c.newEngine(t, "validator1")

	if _, err := e.ProposeBlock(context.Background(), nil); err != nil {
		t.Fatalf("propose: %v", err)
	}
	hash := e.round.CandidateHash
	mustHandle(t, e, c.vote(t, "validator2", types.MsgPrepare, 1, hash))
	mustHandle(t, e, c.vote(t, "validator2", types.MsgPrepare, 1, types.Hash{0xee}))
	if e.Evidence().Size() != 1 {
		t.Fatal("expected equivocation evidence at height 1")
	}

	mustHandle(t, e, c.vote(t, "validator3", types.MsgNewRound, EvidenceRetention+1, types.Hash{0x1}))
	if e.Evidence().Size() != 1 {
		t.Fatal("evidence inside the retention window must be kept")
	}
	mustHandle(t, e, c.vote(t, "validator3", types.MsgNewRound, EvidenceRetention+2, types.Hash{0x2}))
	if e.Evidence().Size() != 0 {
		t.Fatal("evidence older than the retention window must be pruned")
	}
}

func TestCatchUpPastOwnCandidateReportsObservedBlock(t *testing.T) {
	c := newTestCluster(t, 4)
	ctx := context.Background()
	e, _, ledger := c.newEngine(t, "validator1")

	block, err := e.ProposeBlock(ctx, testTxs(2))
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	hash := e.round.CandidateHash
	mustHandle(t, e, c.vote(t, "validator2", types.MsgPrepare, 1, hash))
	mustHandle(t, e, c.vote(t, "validator3", types.MsgPrepare, 1, hash))
	if e.Phase() != PhaseCommitting {
		t.Fatalf("phase = %s, want COMMITTING", e.Phase())
	}

	// Peers collected the COMMIT quorum first.
	mustHandle(t, e, c.vote(t, "validator2", types.MsgNewRound, 2, hash))

	if e.Height() != 2 {
		t.Fatalf("height = %d, want 2", e.Height())
	}
	if len(ledger.appended()) != 0 {
		t.Fatal("an observed block must not be appended")
	}
	select {
	case ev := <-e.SubscribeFinalized():
		if !ev.Observed || ev.Height != 1 || ev.Hash != hash {
			t.Fatalf("unexpected event: %+v", ev)
		}
		if ev.Block != block || len(ev.Block.Transactions) != 2 {
			t.Fatal("event must carry the candidate and its transactions")
		}
	default:
		t.Fatal("expected an observed finalize event")
	}
}

func TestCatchUpPastOtherBlockReportsNothing(t *testing.T) {
	c := newTestCluster(t, 4)
	ctx := context.Background()
	e, _, _ := c.newEngine(t, "validator1")

	if _, err := e.ProposeBlock(ctx, testTxs(1)); err != nil {
		t.Fatalf("propose: %v", err)
	}
	mustHandle(t, e, c.vote(t, "validator2", types.MsgNewRound, 2, types.Hash{0x42}))

	select {
	case ev := <-e.SubscribeFinalized():
		t.Fatalf("no event expected for a block this engine never held: %+v", ev)
	default:
	}
}

func TestNewRoundForCurrentHeightIgnored(t *testing.T) {
	c := newTestCluster(t, 4)
	e, _, _ := c.newEngine(t, "validator1")
	if _, err := e.ProposeBlock(context.Background(), nil); err != nil {
		t.Fatalf("propose: %v", err)
	}
	mustHandle(t, e, c.vote(t, "validator2", types.MsgNewRound, 1, types.Hash{1}))
	if e.Height() != 1 || e.Phase() != PhasePreparing {
		t.Fatal("NEW_ROUND for the current height must not reset the round")
	}
}

func TestHeldProposalAcceptedOnAdvance(t *testing.T) {
	c := newTestCluster(t, 4)
	ctx := context.Background()
	e, _, _ := c.newEngine(t, "validator1")

	prev := types.Hash{0x11}
	held := types.NewBlock(2, prev, nil, 5, "validator2")
	if err := e.HandleProposal(ctx, held); err != nil {
		t.Fatalf("future proposal: %v", err)
	}
	if e.Phase() != PhaseIdle {
		t.Fatal("future proposal must not touch the current round")
	}

	mustHandle(t, e, c.vote(t, "validator3", types.MsgNewRound, 2, prev))
	if e.Height() != 2 || e.Phase() != PhasePreparing {
		t.Fatalf("held proposal should be accepted at height 2, phase=%s", e.Phase())
	}
}

// --- Ledger failure ---

func TestLedgerFailureKeepsHeight(t *testing.T) {
	c := newTestCluster(t, 4)
	ctx := context.Background()
	ledger := &mockLedger{failures: 2}
	e, network, _ := c.newEngine(t, "validator1", withLedger(ledger))

	if _, err := e.ProposeBlock(ctx, nil); err != nil {
		t.Fatalf("propose: %v", err)
	}
	hash := e.round.CandidateHash
	mustHandle(t, e, c.vote(t, "validator2", types.MsgPrepare, 1, hash))
	mustHandle(t, e, c.vote(t, "validator3", types.MsgPrepare, 1, hash))
	mustHandle(t, e, c.vote(t, "validator2", types.MsgCommit, 1, hash))

	last := c.vote(t, "validator3", types.MsgCommit, 1, hash)
	err := e.HandleMessage(ctx, last)
	if !errors.Is(err, ErrLedgerAppend) || !errors.Is(err, errDiskFull) {
		t.Fatalf("expected wrapped ErrLedgerAppend, got %v", err)
	}
	if e.Height() != 1 || e.Phase() != PhaseCommitting {
		t.Fatalf("height=%d phase=%s, want 1 COMMITTING", e.Height(), e.Phase())
	}
	if !e.Status().LedgerRetryable {
		t.Fatal("status should report a retryable append")
	}
	if len(network.ofType(types.MsgNewRound)) != 0 {
		t.Fatal("NEW_ROUND must wait for a successful append")
	}

	// A re-delivered COMMIT retries the append.
	if err := e.HandleMessage(ctx, last); !errors.Is(err, ErrLedgerAppend) {
		t.Fatalf("expected second failure, got %v", err)
	}

	if err := e.RetryFinalize(ctx); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if e.Height() != 2 || len(ledger.appended()) != 1 {
		t.Fatalf("expected height 2 after retry, got %d", e.Height())
	}
	if err := e.RetryFinalize(ctx); err != nil {
		t.Fatalf("retry while IDLE should be a no-op: %v", err)
	}
}

// --- Timeouts ---

func TestOnTimeoutRebroadcastsOwnVotes(t *testing.T) {
	c := newTestCluster(t, 4)
	ctx := context.Background()
	e, network, _ := c.newEngine(t, "validator1")

	if _, err := e.ProposeBlock(ctx, nil); err != nil {
		t.Fatalf("propose: %v", err)
	}
	network.reset()

	if err := e.OnTimeout(ctx, 1); err != nil {
		t.Fatalf("timeout: %v", err)
	}
	if st := e.Status(); st.Round != 1 || st.Phase != "PREPARING" {
		t.Fatalf("unexpected status after timeout: %+v", st)
	}
	if len(network.proposals) != 1 || len(network.ofType(types.MsgPrepare)) != 1 {
		t.Fatal("timeout should re-broadcast the proposal and own PREPARE")
	}

	network.reset()
	if err := e.OnTimeout(ctx, 7); err != nil {
		t.Fatalf("timeout: %v", err)
	}
	if len(network.messages) != 0 || e.Status().Round != 1 {
		t.Fatal("timeout for another height must be ignored")
	}
}

// --- Async path ---

func TestSubmitRequiresStart(t *testing.T) {
	c := newTestCluster(t, 4)
	e, _, _ := c.newEngine(t, "validator1")
	if err := e.Submit(c.vote(t, "validator2", types.MsgPrepare, 1, types.Hash{})); !errors.Is(err, ErrEngineNotRunning) {
		t.Fatalf("expected ErrEngineNotRunning, got %v", err)
	}
}

func TestAsyncSubmitFinalizes(t *testing.T) {
	c := newTestCluster(t, 4)
	ctx := context.Background()
	e, _, ledger := c.newEngine(t, "validator1")
	if err := e.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer e.Stop()

	if _, err := e.ProposeBlock(ctx, testTxs(1)); err != nil {
		t.Fatalf("propose: %v", err)
	}
	hash := e.Status().Candidate
	h, _ := types.HashFromHex(hash)

	for _, id := range []types.ValidatorID{"validator2", "validator3"} {
		for _, typ := range []types.MessageType{types.MsgCommit, types.MsgPrepare} {
			if err := e.Submit(c.vote(t, id, typ, 1, h)); err != nil {
				t.Fatalf("submit: %v", err)
			}
		}
	}

	select {
	case ev := <-e.SubscribeFinalized():
		if ev.Height != 1 || ev.Hash != h {
			t.Fatalf("unexpected finalize event: %+v", ev)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for finalization")
	}
	if len(ledger.appended()) != 1 {
		t.Fatal("expected exactly one append")
	}
}

func TestStopWhileSubmitting(t *testing.T) {
	c := newTestCluster(t, 4)
	e, _, _ := c.newEngine(t, "validator1")
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	msg := c.vote(t, "validator2", types.MsgPrepare, 1, types.Hash{0x1})

	var (
		wg     sync.WaitGroup
		queued atomic.Int64
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				err := e.Submit(msg)
				switch {
				case err == nil:
					queued.Add(1)
				case errors.Is(err, ErrEngineNotRunning):
					return
				case !errors.Is(err, ErrInboundQueueFull):
					t.Errorf("submit: %v", err)
					return
				}
			}
		}()
	}

	deadline := time.Now().Add(5 * time.Second)
	for queued.Load() < 100 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if err := e.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	wg.Wait()

	if err := e.Submit(msg); !errors.Is(err, ErrEngineNotRunning) {
		t.Fatalf("submit after stop: %v", err)
	}
	if err := e.SubmitProposal(types.NewBlock(1, types.ZeroHash, nil, 1, "validator1")); !errors.Is(err, ErrEngineNotRunning) {
		t.Fatalf("submit proposal after stop: %v", err)
	}
}

func TestOnTimeoutRepeatsNewRound(t *testing.T) {
	c := newTestCluster(t, 4)
	ctx := context.Background()
	e, network, _ := c.newEngine(t, "validator1")

	hash := finalizeHeight(t, c, e, 1)
	network.reset()

	if err := e.OnTimeout(ctx, 2); err != nil {
		t.Fatalf("timeout: %v", err)
	}
	announced := network.ofType(types.MsgNewRound)
	if len(announced) != 1 {
		t.Fatalf("expected the NEW_ROUND to be repeated, got %d", len(announced))
	}
	if announced[0].Height != 2 || announced[0].BlockHash != hash {
		t.Fatalf("repeated NEW_ROUND is for height %d, want 2", announced[0].Height)
	}
}
