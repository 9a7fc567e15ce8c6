package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/echenim/Bedrock/finality/internal/config"
	"github.com/echenim/Bedrock/finality/internal/crypto"
	"github.com/echenim/Bedrock/finality/internal/p2p"
)

func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init [moniker]",
		Short: "Initialize a single-validator node",
		Args:  cobra.ExactArgs(1),
		RunE:  runInit,
	}

	cmd.Flags().String("home", defaultHome(), "node home directory")
	cmd.Flags().String("chain-id", "finality-devnet", "chain ID")
	cmd.Flags().String("validator-id", "validator1", "validator identity")

	return cmd
}

func runInit(cmd *cobra.Command, args []string) error {
	homeDir, _ := cmd.Flags().GetString("home")
	chainID, _ := cmd.Flags().GetString("chain-id")
	validatorID, _ := cmd.Flags().GetString("validator-id")

	cfg := config.DefaultConfig()
	cfg.Moniker = args[0]
	cfg.ChainID = chainID
	cfg.ValidatorID = validatorID

	pub, priv, err := crypto.GenerateKeypair()
	if err != nil {
		return fmt.Errorf("generate keypair: %w", err)
	}
	genesis := &config.GenesisDoc{
		ChainID:     chainID,
		GenesisTime: time.Now().UTC(),
		Validators:  []config.GenesisValidator{{ID: validatorID, PubKey: hex.EncodeToString(pub)}},
	}

	if err := writeHome(homeDir, cfg, priv, genesis); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Initialized finality node\n")
	fmt.Fprintf(out, "  Home:       %s\n", homeDir)
	fmt.Fprintf(out, "  Validator:  %s\n", validatorID)
	fmt.Fprintf(out, "  Public Key: %s\n", hex.EncodeToString(pub))
	fmt.Fprintf(out, "  Chain:      %s\n", chainID)
	fmt.Fprintf(out, "\nStart with: finalityd start --home %s\n", homeDir)
	return nil
}

// writeHome lays out a node home: config, key, genesis and data directory.
func writeHome(homeDir string, cfg *config.Config, priv crypto.PrivateKey, genesis *config.GenesisDoc) error {
	for _, dir := range []string{
		homeDir,
		filepath.Join(homeDir, "config"),
		filepath.Join(homeDir, "data"),
	} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	if err := config.WriteKey(resolve(homeDir, cfg.KeyFile), priv); err != nil {
		return err
	}
	if err := config.WriteGenesis(resolve(homeDir, cfg.GenesisFile), genesis); err != nil {
		return err
	}
	return config.WriteFile(filepath.Join(homeDir, "config", "config.toml"), cfg)
}

func newTestnetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "testnet",
		Short: "Generate home directories for a local multi-validator network",
		RunE:  runTestnet,
	}

	cmd.Flags().Int("validators", 4, "number of validators")
	cmd.Flags().String("output", "./testnet", "directory that receives one home per validator")
	cmd.Flags().String("chain-id", "finality-testnet", "chain ID")
	cmd.Flags().Int("base-port", 26656, "first p2p port; each validator uses base-port + 10*i")
	cmd.Flags().String("host", "127.0.0.1", "IP address the validators listen on")

	return cmd
}

func runTestnet(cmd *cobra.Command, args []string) error {
	n, _ := cmd.Flags().GetInt("validators")
	output, _ := cmd.Flags().GetString("output")
	chainID, _ := cmd.Flags().GetString("chain-id")
	basePort, _ := cmd.Flags().GetInt("base-port")
	ip, _ := cmd.Flags().GetString("host")

	if n < 1 {
		return fmt.Errorf("validators must be >= 1, got %d", n)
	}

	genesis := &config.GenesisDoc{ChainID: chainID, GenesisTime: time.Now().UTC()}
	keys := make([]crypto.PrivateKey, n)
	cfgs := make([]*config.Config, n)

	for i := 0; i < n; i++ {
		pub, priv, err := crypto.GenerateKeypair()
		if err != nil {
			return fmt.Errorf("generate keypair: %w", err)
		}
		pid, err := p2p.PeerIDFromPublicKey(pub)
		if err != nil {
			return err
		}
		port := basePort + 10*i
		id := fmt.Sprintf("validator%d", i+1)

		cfg := config.DefaultConfig()
		cfg.Moniker = id
		cfg.ChainID = chainID
		cfg.ValidatorID = id
		cfg.P2P.ListenAddr = fmt.Sprintf("/ip4/%s/tcp/%d", ip, port)
		cfg.RPC.GRPCAddr = fmt.Sprintf("%s:%d", ip, port+1)
		cfg.RPC.AdminAddr = fmt.Sprintf("%s:%d", ip, port+2)
		cfg.Telemetry.Addr = fmt.Sprintf("%s:%d", ip, port+4)

		genesis.Validators = append(genesis.Validators, config.GenesisValidator{
			ID:      id,
			PubKey:  hex.EncodeToString(pub),
			P2PAddr: fmt.Sprintf("%s/p2p/%s", cfg.P2P.ListenAddr, pid),
		})
		keys[i] = priv
		cfgs[i] = cfg
	}

	out := cmd.OutOrStdout()
	for i, cfg := range cfgs {
		home := filepath.Join(output, cfg.ValidatorID)
		if err := writeHome(home, cfg, keys[i], genesis); err != nil {
			return err
		}
		fmt.Fprintf(out, "%s  p2p=%s  grpc=%s  home=%s\n", cfg.ValidatorID, cfg.P2P.ListenAddr, cfg.RPC.GRPCAddr, home)
	}
	return nil
}
