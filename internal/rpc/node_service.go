package rpc

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/echenim/Bedrock/finality/internal/consensus"
	"github.com/echenim/Bedrock/finality/internal/ledger"
	"github.com/echenim/Bedrock/finality/internal/mempool"
	"github.com/echenim/Bedrock/finality/internal/types"
)

// NodeServiceName is the fully qualified gRPC service name.
const NodeServiceName = "finality.v1.NodeService"

// NodeServiceServer is the server API of the node service. Messages are the
// protobuf well-known types; blocks and transactions travel in their
// canonical encoding.
type NodeServiceServer interface {
	GetStatus(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	SubmitTransaction(context.Context, *wrapperspb.BytesValue) (*wrapperspb.StringValue, error)
	GetBlock(context.Context, *wrapperspb.UInt64Value) (*wrapperspb.BytesValue, error)
	GetValidators(context.Context, *emptypb.Empty) (*structpb.Struct, error)
}

// NodeServiceDesc describes the node service for grpc.Server.RegisterService.
var NodeServiceDesc = grpc.ServiceDesc{
	ServiceName: NodeServiceName,
	HandlerType: (*NodeServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod("GetStatus", NodeServiceServer.GetStatus),
		unaryMethod("SubmitTransaction", NodeServiceServer.SubmitTransaction),
		unaryMethod("GetBlock", NodeServiceServer.GetBlock),
		unaryMethod("GetValidators", NodeServiceServer.GetValidators),
	},
	Streams: []grpc.StreamDesc{},
}

func fullMethod(name string) string {
	return "/" + NodeServiceName + "/" + name
}

func unaryMethod[Req, Resp any](name string, call func(NodeServiceServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(NodeServiceServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(NodeServiceServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// ConsensusReader is the part of the engine the node service reads.
type ConsensusReader interface {
	Status() consensus.Status
	ValidatorSet() *types.ValidatorSet
}

// TxPool accepts client transactions.
type TxPool interface {
	Add(tx types.Transaction) error
	Size() int
}

// BlockReader serves finalized blocks.
type BlockReader interface {
	Head() ledger.Head
	Block(height uint64) (*types.Block, error)
}

// NodeService implements NodeServiceServer.
type NodeService struct {
	consensus ConsensusReader
	mempool   TxPool
	ledger    BlockReader
	moniker   string
	chainID   string
	logger    *zap.Logger
}

// NodeServiceConfig holds configuration for the NodeService.
type NodeServiceConfig struct {
	Consensus ConsensusReader
	Mempool   TxPool
	Ledger    BlockReader
	Moniker   string
	ChainID   string
	Logger    *zap.Logger
}

// NewNodeService creates the gRPC node service implementation.
func NewNodeService(cfg NodeServiceConfig) *NodeService {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &NodeService{
		consensus: cfg.Consensus,
		mempool:   cfg.Mempool,
		ledger:    cfg.Ledger,
		moniker:   cfg.Moniker,
		chainID:   cfg.ChainID,
		logger:    cfg.Logger,
	}
}

// GetStatus returns node identity, consensus progress and the ledger head.
func (s *NodeService) GetStatus(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	fields := map[string]any{
		"moniker":  s.moniker,
		"chain_id": s.chainID,
	}
	if s.consensus != nil {
		st := s.consensus.Status()
		fields["validator"] = string(st.Validator)
		fields["height"] = st.Height
		fields["round"] = st.Round
		fields["phase"] = st.Phase
		fields["candidate"] = st.Candidate
		fields["prepare_votes"] = st.PrepareVotes
		fields["commit_votes"] = st.CommitVotes
		fields["quorum"] = st.Quorum
		fields["evidence"] = st.Evidence
	}
	if s.ledger != nil {
		head := s.ledger.Head()
		fields["latest_block_height"] = head.Height
		fields["latest_block_hash"] = head.Hash.String()
	}
	if s.mempool != nil {
		fields["mempool_size"] = s.mempool.Size()
	}

	out, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode status: %v", err)
	}
	return out, nil
}

// SubmitTransaction decodes a canonically encoded transaction and adds it
// to the mempool. Returns the transaction ID.
func (s *NodeService) SubmitTransaction(ctx context.Context, req *wrapperspb.BytesValue) (*wrapperspb.StringValue, error) {
	if s.mempool == nil {
		return nil, status.Error(codes.Unavailable, "mempool not available")
	}
	if len(req.GetValue()) == 0 {
		return nil, status.Error(codes.InvalidArgument, "empty transaction")
	}

	tx, err := types.UnmarshalTransaction(req.GetValue())
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decode transaction: %v", err)
	}

	if err := s.mempool.Add(tx); err != nil {
		switch {
		case errors.Is(err, mempool.ErrDuplicateTx), errors.Is(err, mempool.ErrRecentlyCommitted):
			return nil, status.Error(codes.AlreadyExists, err.Error())
		case errors.Is(err, mempool.ErrMempoolFull):
			return nil, status.Error(codes.ResourceExhausted, err.Error())
		default:
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
	}

	s.logger.Debug("transaction submitted", zap.String("id", tx.ID))
	return wrapperspb.String(tx.ID), nil
}

// GetBlock returns the canonical encoding of the finalized block at the
// requested height, or of the ledger head when the height is zero.
func (s *NodeService) GetBlock(ctx context.Context, req *wrapperspb.UInt64Value) (*wrapperspb.BytesValue, error) {
	if s.ledger == nil {
		return nil, status.Error(codes.Unavailable, "ledger not available")
	}

	height := req.GetValue()
	if height == 0 {
		height = s.ledger.Head().Height
		if height == 0 {
			return nil, status.Error(codes.NotFound, "no finalized blocks")
		}
	}

	block, err := s.ledger.Block(height)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return nil, status.Errorf(codes.NotFound, "block %d not found", height)
		}
		return nil, status.Errorf(codes.Internal, "load block %d: %v", height, err)
	}
	return wrapperspb.Bytes(block.Marshal()), nil
}

// GetValidators returns the validator roster and its quorum parameters.
func (s *NodeService) GetValidators(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	if s.consensus == nil {
		return nil, status.Error(codes.Unavailable, "consensus not available")
	}

	vs := s.consensus.ValidatorSet()
	members := vs.Members()
	ids := make([]any, len(members))
	for i, id := range members {
		ids[i] = string(id)
	}

	out, err := structpb.NewStruct(map[string]any{
		"validators":      ids,
		"size":            vs.Size(),
		"quorum":          vs.QuorumThreshold(),
		"fault_tolerance": vs.FaultTolerance(),
	})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode validators: %v", err)
	}
	return out, nil
}
