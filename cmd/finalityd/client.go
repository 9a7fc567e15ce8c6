package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/echenim/Bedrock/finality/internal/rpc"
	"github.com/echenim/Bedrock/finality/internal/types"
)

const rpcTimeout = 10 * time.Second

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print the status of a running node",
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, _ := cmd.Flags().GetString("rpc")
			return withClient(cmd, addr, func(ctx context.Context, c *rpc.Client) error {
				st, err := c.Status(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd, st)
			})
		},
	}
	cmd.Flags().String("rpc", "127.0.0.1:26657", "gRPC address of the node")
	return cmd
}

func newTxCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tx [id] [payload]",
		Short: "Submit a transaction to a running node",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, _ := cmd.Flags().GetString("rpc")
			return withClient(cmd, addr, func(ctx context.Context, c *rpc.Client) error {
				id, err := c.SubmitTransaction(ctx, types.Transaction{ID: args[0], Payload: []byte(args[1])})
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "accepted %s\n", id)
				return nil
			})
		},
	}
	cmd.Flags().String("rpc", "127.0.0.1:26657", "gRPC address of the node")
	return cmd
}

func withClient(cmd *cobra.Command, addr string, fn func(context.Context, *rpc.Client) error) error {
	client, err := rpc.Dial(addr)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), rpcTimeout)
	defer cancel()
	return fn(ctx, client)
}

func printJSON(cmd *cobra.Command, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}
