package rpc

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/echenim/Bedrock/finality/internal/config"
	"github.com/echenim/Bedrock/finality/internal/consensus"
	"github.com/echenim/Bedrock/finality/internal/crypto"
	"github.com/echenim/Bedrock/finality/internal/ledger"
	"github.com/echenim/Bedrock/finality/internal/mempool"
	"github.com/echenim/Bedrock/finality/internal/types"
)

// --- Test helpers ---

type fakeConsensus struct {
	status consensus.Status
	valSet *types.ValidatorSet
}

func (f *fakeConsensus) Status() consensus.Status          { return f.status }
func (f *fakeConsensus) ValidatorSet() *types.ValidatorSet { return f.valSet }

type panicConsensus struct{ fakeConsensus }

func (p *panicConsensus) Status() consensus.Status { panic("status exploded") }

func testNodeService(t *testing.T) (*NodeService, *mempool.Mempool, *ledger.MemLedger) {
	t.Helper()

	led := ledger.NewMemLedger(crypto.SHA256Hasher{})
	block := types.NewBlock(1, types.ZeroHash, []types.Transaction{
		{ID: "tx1", Payload: []byte("one")},
		{ID: "tx2", Payload: []byte("two")},
	}, 100, "validator1")
	block.AddSignature("validator1", types.Signature("sig"))
	if err := led.Append(context.Background(), block); err != nil {
		t.Fatalf("append: %v", err)
	}

	mp, err := mempool.New(config.MempoolConfig{
		MaxSize:    2,
		MaxTxBytes: 1024,
		CacheSize:  100,
	}, nil, nil)
	if err != nil {
		t.Fatalf("mempool: %v", err)
	}

	valSet, err := types.NewValidatorSet([]types.ValidatorID{"validator1", "validator2", "validator3", "validator4"})
	if err != nil {
		t.Fatalf("validator set: %v", err)
	}

	svc := NewNodeService(NodeServiceConfig{
		Consensus: &fakeConsensus{
			status: consensus.Status{Validator: "validator1", Height: 2, Phase: "IDLE", Quorum: 3},
			valSet: valSet,
		},
		Mempool: mp,
		Ledger:  led,
		Moniker: "test-moniker",
		ChainID: "test-chain",
	})
	return svc, mp, led
}

func startTestServer(t *testing.T, svc NodeServiceServer) *Server {
	t.Helper()
	server := NewServer(config.RPCConfig{GRPCAddr: "127.0.0.1:0"}, nil)
	server.RegisterNodeService(svc)

	if err := server.Start(context.Background()); err != nil {
		t.Fatalf("start server: %v", err)
	}
	t.Cleanup(func() { server.Stop() })
	return server
}

func dialGRPC(t *testing.T, addr string) *grpc.ClientConn {
	t.Helper()
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("dial grpc: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// --- NodeService unit tests ---

func TestGetStatusReturnsNodeInfo(t *testing.T) {
	svc, _, _ := testNodeService(t)

	resp, err := svc.GetStatus(context.Background(), &emptypb.Empty{})
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	m := resp.AsMap()
	if m["moniker"] != "test-moniker" || m["chain_id"] != "test-chain" {
		t.Errorf("unexpected identity: %v", m)
	}
	if m["validator"] != "validator1" || m["phase"] != "IDLE" {
		t.Errorf("unexpected consensus fields: %v", m)
	}
	if m["height"] != float64(2) {
		t.Errorf("expected height=2, got %v", m["height"])
	}
	if m["latest_block_height"] != float64(1) {
		t.Errorf("expected latest_block_height=1, got %v", m["latest_block_height"])
	}
	if m["mempool_size"] != float64(0) {
		t.Errorf("expected mempool_size=0, got %v", m["mempool_size"])
	}
}

func TestGetStatusWithoutSubsystems(t *testing.T) {
	svc := NewNodeService(NodeServiceConfig{Moniker: "bare"})
	resp, err := svc.GetStatus(context.Background(), &emptypb.Empty{})
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if _, ok := resp.AsMap()["height"]; ok {
		t.Error("height must be absent without consensus")
	}
}

func TestGetBlock(t *testing.T) {
	svc, _, _ := testNodeService(t)

	resp, err := svc.GetBlock(context.Background(), wrapperspb.UInt64(1))
	if err != nil {
		t.Fatalf("GetBlock: %v", err)
	}
	block, err := types.UnmarshalBlock(resp.GetValue())
	if err != nil {
		t.Fatalf("decode block: %v", err)
	}
	if block.Height != 1 || len(block.Transactions) != 2 {
		t.Fatalf("unexpected block: height=%d txs=%d", block.Height, len(block.Transactions))
	}
	if block.SignatureCount() != 1 {
		t.Fatalf("expected finalized signatures to survive, got %d", block.SignatureCount())
	}
}

func TestGetBlockLatest(t *testing.T) {
	svc, _, _ := testNodeService(t)

	resp, err := svc.GetBlock(context.Background(), wrapperspb.UInt64(0))
	if err != nil {
		t.Fatalf("GetBlock: %v", err)
	}
	block, err := types.UnmarshalBlock(resp.GetValue())
	if err != nil {
		t.Fatalf("decode block: %v", err)
	}
	if block.Height != 1 {
		t.Fatalf("expected head height 1, got %d", block.Height)
	}
}

func TestGetBlockNotFound(t *testing.T) {
	svc, _, _ := testNodeService(t)

	_, err := svc.GetBlock(context.Background(), wrapperspb.UInt64(99))
	if status.Code(err) != codes.NotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}

	empty := NewNodeService(NodeServiceConfig{Ledger: ledger.NewMemLedger(crypto.SHA256Hasher{})})
	_, err = empty.GetBlock(context.Background(), wrapperspb.UInt64(0))
	if status.Code(err) != codes.NotFound {
		t.Fatalf("expected NotFound on empty ledger, got %v", err)
	}
}

func TestSubmitTransactionValid(t *testing.T) {
	svc, mp, _ := testNodeService(t)

	tx := types.Transaction{ID: "tx-new", Payload: []byte("payload")}
	resp, err := svc.SubmitTransaction(context.Background(), wrapperspb.Bytes(tx.Marshal()))
	if err != nil {
		t.Fatalf("SubmitTransaction: %v", err)
	}
	if resp.GetValue() != "tx-new" {
		t.Fatalf("expected id tx-new, got %q", resp.GetValue())
	}
	if !mp.Has("tx-new") {
		t.Fatal("transaction not in mempool")
	}
}

func TestSubmitTransactionErrors(t *testing.T) {
	svc, mp, _ := testNodeService(t)
	if err := mp.Add(types.Transaction{ID: "dup"}); err != nil {
		t.Fatalf("seed mempool: %v", err)
	}

	noID := types.Transaction{Payload: []byte("p")}
	dup := types.Transaction{ID: "dup"}
	tests := []struct {
		name string
		raw  []byte
		want codes.Code
	}{
		{"empty", nil, codes.InvalidArgument},
		{"garbage", []byte{0xff, 0xff, 0xff}, codes.InvalidArgument},
		{"missing id", noID.Marshal(), codes.InvalidArgument},
		{"duplicate", dup.Marshal(), codes.AlreadyExists},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.SubmitTransaction(context.Background(), wrapperspb.Bytes(tt.raw))
			if got := status.Code(err); got != tt.want {
				t.Fatalf("code = %v, want %v (%v)", got, tt.want, err)
			}
		})
	}
}

func TestSubmitTransactionFullAndCommitted(t *testing.T) {
	svc, mp, _ := testNodeService(t)

	for _, id := range []string{"a", "b"} {
		if err := mp.Add(types.Transaction{ID: id}); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	full := types.Transaction{ID: "c"}
	if _, err := svc.SubmitTransaction(context.Background(), wrapperspb.Bytes(full.Marshal())); status.Code(err) != codes.ResourceExhausted {
		t.Fatalf("expected ResourceExhausted, got %v", err)
	}

	mp.Update(types.NewBlock(2, types.ZeroHash, []types.Transaction{{ID: "a"}}, 0, "validator2"))
	again := types.Transaction{ID: "a"}
	if _, err := svc.SubmitTransaction(context.Background(), wrapperspb.Bytes(again.Marshal())); status.Code(err) != codes.AlreadyExists {
		t.Fatalf("expected AlreadyExists, got %v", err)
	}
}

func TestUnavailableWithoutSubsystems(t *testing.T) {
	svc := NewNodeService(NodeServiceConfig{})
	tx := types.Transaction{ID: "x"}
	if _, err := svc.SubmitTransaction(context.Background(), wrapperspb.Bytes(tx.Marshal())); status.Code(err) != codes.Unavailable {
		t.Fatalf("submit: expected Unavailable, got %v", err)
	}
	if _, err := svc.GetBlock(context.Background(), wrapperspb.UInt64(1)); status.Code(err) != codes.Unavailable {
		t.Fatalf("block: expected Unavailable, got %v", err)
	}
	if _, err := svc.GetValidators(context.Background(), &emptypb.Empty{}); status.Code(err) != codes.Unavailable {
		t.Fatalf("validators: expected Unavailable, got %v", err)
	}
}

func TestGetValidators(t *testing.T) {
	svc, _, _ := testNodeService(t)

	resp, err := svc.GetValidators(context.Background(), &emptypb.Empty{})
	if err != nil {
		t.Fatalf("GetValidators: %v", err)
	}
	m := resp.AsMap()
	vals, ok := m["validators"].([]any)
	if !ok || len(vals) != 4 || vals[0] != "validator1" {
		t.Fatalf("unexpected validators: %v", m["validators"])
	}
	if m["quorum"] != float64(3) || m["fault_tolerance"] != float64(1) {
		t.Fatalf("unexpected quorum fields: %v", m)
	}
}

// --- gRPC integration tests ---

func TestGRPCRoundTrip(t *testing.T) {
	svc, _, _ := testNodeService(t)
	server := startTestServer(t, svc)
	client := NewClient(dialGRPC(t, server.GRPCAddr()))
	ctx := testContext(t)

	st, err := client.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st["moniker"] != "test-moniker" {
		t.Errorf("unexpected moniker %v", st["moniker"])
	}

	id, err := client.SubmitTransaction(ctx, types.Transaction{ID: "via-grpc", Payload: []byte("p")})
	if err != nil {
		t.Fatalf("SubmitTransaction: %v", err)
	}
	if id != "via-grpc" {
		t.Fatalf("expected via-grpc, got %q", id)
	}

	block, err := client.Block(ctx, 1)
	if err != nil {
		t.Fatalf("Block: %v", err)
	}
	if block.Height != 1 || block.Transactions[0].ID != "tx1" {
		t.Fatalf("unexpected block %d", block.Height)
	}

	vals, err := client.Validators(ctx)
	if err != nil {
		t.Fatalf("Validators: %v", err)
	}
	if vals["size"] != float64(4) {
		t.Fatalf("unexpected size %v", vals["size"])
	}

	if _, err := client.Block(ctx, 42); status.Code(err) != codes.NotFound {
		t.Fatalf("expected NotFound over the wire, got %v", err)
	}
}

func TestGRPCHealth(t *testing.T) {
	svc, _, _ := testNodeService(t)
	server := startTestServer(t, svc)
	hc := healthpb.NewHealthClient(dialGRPC(t, server.GRPCAddr()))
	ctx := testContext(t)

	for _, service := range []string{"", NodeServiceName} {
		resp, err := hc.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
		if err != nil {
			t.Fatalf("health check %q: %v", service, err)
		}
		if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
			t.Fatalf("health %q = %v, want SERVING", service, resp.GetStatus())
		}
	}
}

func TestGRPCRecoversFromPanic(t *testing.T) {
	svc := NewNodeService(NodeServiceConfig{Consensus: &panicConsensus{}})
	server := startTestServer(t, svc)
	client := NewClient(dialGRPC(t, server.GRPCAddr()))
	ctx := testContext(t)

	_, err := client.Status(ctx)
	if status.Code(err) != codes.Internal {
		t.Fatalf("expected Internal, got %v", err)
	}
	// The server keeps serving after a recovered panic.
	if _, err := client.Status(ctx); status.Code(err) != codes.Internal {
		t.Fatalf("expected Internal on second call, got %v", err)
	}
}

func TestLoggingInterceptorEscalatesNodeFaults(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	intercept := LoggingUnaryInterceptor(zap.New(core))
	info := &grpc.UnaryServerInfo{FullMethod: "/finality.v1.NodeService/GetBlock"}

	tests := []struct {
		name  string
		err   error
		level zapcore.Level
	}{
		{"ok", nil, zapcore.DebugLevel},
		{"caller error", status.Error(codes.NotFound, "no block"), zapcore.DebugLevel},
		{"node fault", status.Error(codes.Unavailable, "no ledger"), zapcore.WarnLevel},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logs.TakeAll()
			_, err := intercept(context.Background(), nil, info, func(context.Context, any) (any, error) {
				return nil, tt.err
			})
			if err != tt.err {
				t.Fatalf("interceptor changed the error: %v", err)
			}
			entries := logs.TakeAll()
			if len(entries) != 1 || entries[0].Level != tt.level {
				t.Fatalf("expected one %s entry, got %+v", tt.level, entries)
			}
			if entries[0].ContextMap()["method"] != info.FullMethod {
				t.Fatal("entry must carry the method")
			}
		})
	}
}

func TestRecoveryInterceptorReturnsInternal(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	intercept := RecoveryUnaryInterceptor(zap.New(core))
	info := &grpc.UnaryServerInfo{FullMethod: "/finality.v1.NodeService/GetStatus"}

	_, err := intercept(context.Background(), nil, info, func(context.Context, any) (any, error) {
		panic("boom")
	})
	if status.Code(err) != codes.Internal {
		t.Fatalf("expected Internal, got %v", err)
	}
	if logs.FilterMessage("grpc panic recovered").Len() != 1 {
		t.Fatal("expected the panic to be logged")
	}
}

func TestServerStartStop(t *testing.T) {
	server := NewServer(config.RPCConfig{GRPCAddr: "127.0.0.1:0"}, nil)
	if err := server.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if server.GRPCAddr() == "127.0.0.1:0" {
		t.Fatal("expected resolved listen address")
	}
	if err := server.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestServerStartFailsOnBadAddr(t *testing.T) {
	server := NewServer(config.RPCConfig{GRPCAddr: "not-an-address"}, nil)
	if err := server.Start(context.Background()); err == nil {
		t.Fatal("expected listen error")
	}
}

func TestServerName(t *testing.T) {
	server := NewServer(config.RPCConfig{}, nil)
	if server.Name() != "rpc" {
		t.Fatalf("expected name rpc, got %s", server.Name())
	}
}
