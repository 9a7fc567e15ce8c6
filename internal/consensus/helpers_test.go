package consensus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/echenim/Bedrock/finality/internal/crypto"
	"github.com/echenim/Bedrock/finality/internal/types"
)

// --- Test helpers ---

type testCluster struct {
	ids     []types.ValidatorID
	signers map[types.ValidatorID]*crypto.Ed25519Signer
	keyRing *crypto.KeyRing
	valSet  *types.ValidatorSet
}

func newTestCluster(t *testing.T, n int) *testCluster {
	t.Helper()
	c := &testCluster{
		signers: make(map[types.ValidatorID]*crypto.Ed25519Signer, n),
		keyRing: crypto.NewKeyRing(),
	}
	for i := 0; i < n; i++ {
		id := types.ValidatorID(fmt.Sprintf("validator%d", i+1))
		pub, priv, err := crypto.GenerateKeypair()
		if err != nil {
			t.Fatalf("generate keypair: %v", err)
		}
		signer, err := crypto.NewEd25519Signer(priv)
		if err != nil {
			t.Fatalf("new signer: %v", err)
		}
		if err := c.keyRing.Add(id, pub); err != nil {
			t.Fatalf("add key: %v", err)
		}
		c.ids = append(c.ids, id)
		c.signers[id] = signer
	}
	vs, err := types.NewValidatorSet(c.ids)
	if err != nil {
		t.Fatalf("new validator set: %v", err)
	}
	c.valSet = vs
	return c
}

// vote builds a message signed by id.
func (c *testCluster) vote(t *testing.T, id types.ValidatorID, typ types.MessageType, height uint64, hash types.Hash) *types.ConsensusMessage {
	t.Helper()
	msg := &types.ConsensusMessage{Type: typ, Height: height, BlockHash: hash, ValidatorID: id}
	signer, ok := c.signers[id]
	if !ok {
		t.Fatalf("no signer for %s", id)
	}
	sig, err := signer.Sign(msg.SigningPayload())
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	msg.Signature = sig
	return msg
}

type engineOption func(*EngineConfig)

func withLogger(l *zap.Logger) engineOption { return func(c *EngineConfig) { c.Logger = l } }

func withLedger(l Ledger) engineOption { return func(c *EngineConfig) { c.Ledger = l } }

func withMaxFutureHeights(h uint64) engineOption {
	return func(c *EngineConfig) { c.MaxFutureHeights = h }
}

func (c *testCluster) newEngine(t *testing.T, id types.ValidatorID, opts ...engineOption) (*Engine, *mockNetwork, *mockLedger) {
	t.Helper()
	network := &mockNetwork{}
	ledger := &mockLedger{}
	cfg := DefaultEngineConfig()
	cfg.ID = id
	cfg.ValSet = c.valSet
	cfg.Signer = c.signers[id]
	cfg.Verifier = c.keyRing
	cfg.Hasher = crypto.SHA256Hasher{}
	cfg.Network = network
	cfg.Ledger = ledger
	cfg.Logger = zap.NewNop()
	for _, opt := range opts {
		opt(&cfg)
	}
	engine, err := NewEngine(cfg)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return engine, network, ledger
}

func mustHandle(t *testing.T, e *Engine, msg *types.ConsensusMessage) {
	t.Helper()
	if err := e.HandleMessage(context.Background(), msg); err != nil {
		t.Fatalf("handle %s from %s: %v", msg.Type, msg.ValidatorID, err)
	}
}

func testTxs(n int) []types.Transaction {
	txs := make([]types.Transaction, n)
	for i := range txs {
		txs[i] = types.Transaction{ID: fmt.Sprintf("tx%d", i), Payload: []byte{byte(i)}}
	}
	return txs
}

// mockNetwork records broadcast calls.
type mockNetwork struct {
	mu        sync.Mutex
	messages  []*types.ConsensusMessage
	proposals []*types.Block
}

func (m *mockNetwork) Broadcast(msg *types.ConsensusMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, msg)
	return nil
}

func (m *mockNetwork) BroadcastProposal(b *types.Block) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.proposals = append(m.proposals, b)
	return nil
}

func (m *mockNetwork) ofType(t types.MessageType) []*types.ConsensusMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.ConsensusMessage
	for _, msg := range m.messages {
		if msg.Type == t {
			out = append(out, msg)
		}
	}
	return out
}

func (m *mockNetwork) reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = nil
	m.proposals = nil
}

// mockLedger records appended blocks and can be told to fail.
type mockLedger struct {
	mu       sync.Mutex
	blocks   []*types.Block
	failures int
}

var errDiskFull = errors.New("disk full")

func (m *mockLedger) Append(_ context.Context, b *types.Block) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failures > 0 {
		m.failures--
		return errDiskFull
	}
	m.blocks = append(m.blocks, b)
	return nil
}

func (m *mockLedger) LatestFinalizedHeight() (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.blocks) == 0 {
		return 0, nil
	}
	return m.blocks[len(m.blocks)-1].Height, nil
}

func (m *mockLedger) appended() []*types.Block {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*types.Block, len(m.blocks))
	copy(out, m.blocks)
	return out
}
