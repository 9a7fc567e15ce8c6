package rpc

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/echenim/Bedrock/finality/internal/types"
)

// Client calls the node service of a running node.
type Client struct {
	conn *grpc.ClientConn
	cc   grpc.ClientConnInterface
}

// Dial connects to a node's gRPC address without transport security; the
// operator endpoint is expected on a trusted network.
func Dial(addr string) (*Client, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("rpc: dial %s: %w", addr, err)
	}
	return &Client{conn: conn, cc: conn}, nil
}

// NewClient wraps an existing connection. Close is a no-op for it.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Close releases the connection created by Dial.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// Status returns the node status as a JSON-compatible map.
func (c *Client) Status(ctx context.Context) (map[string]any, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, fullMethod("GetStatus"), &emptypb.Empty{}, out); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

// SubmitTransaction sends tx to the node's mempool and returns its ID.
func (c *Client) SubmitTransaction(ctx context.Context, tx types.Transaction) (string, error) {
	out := new(wrapperspb.StringValue)
	if err := c.cc.Invoke(ctx, fullMethod("SubmitTransaction"), wrapperspb.Bytes(tx.Marshal()), out); err != nil {
		return "", err
	}
	return out.GetValue(), nil
}

// Block fetches the finalized block at height; zero asks for the head.
func (c *Client) Block(ctx context.Context, height uint64) (*types.Block, error) {
	out := new(wrapperspb.BytesValue)
	if err := c.cc.Invoke(ctx, fullMethod("GetBlock"), wrapperspb.UInt64(height), out); err != nil {
		return nil, err
	}
	return types.UnmarshalBlock(out.GetValue())
}

// Validators returns the roster as a JSON-compatible map.
func (c *Client) Validators(ctx context.Context) (map[string]any, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, fullMethod("GetValidators"), &emptypb.Empty{}, out); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}
