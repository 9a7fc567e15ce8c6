package main

import (
	"encoding/hex"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/echenim/Bedrock/finality/internal/config"
	"github.com/echenim/Bedrock/finality/internal/crypto"
	"github.com/echenim/Bedrock/finality/internal/p2p"
)

func newKeysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Key management commands",
	}

	cmd.AddCommand(keysGenerateCmd())
	cmd.AddCommand(keysShowCmd())

	return cmd
}

func keysGenerateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate a new Ed25519 keypair",
		RunE: func(cmd *cobra.Command, args []string) error {
			output, _ := cmd.Flags().GetString("output")

			pubKey, privKey, err := crypto.GenerateKeypair()
			if err != nil {
				return fmt.Errorf("generate keypair: %w", err)
			}

			out := cmd.OutOrStdout()
			if output != "" {
				if err := config.WriteKey(output, privKey); err != nil {
					return err
				}
				fmt.Fprintf(out, "Key saved to %s\n", output)
			}
			return printKey(cmd, pubKey)
		},
	}

	cmd.Flags().String("output", "", "file path to save the hex-encoded seed")

	return cmd
}

func keysShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the validator key of a node home",
		RunE: func(cmd *cobra.Command, args []string) error {
			homeDir, _ := cmd.Flags().GetString("home")

			keyPath := resolve(homeDir, config.DefaultConfig().KeyFile)
			if cfg, err := config.LoadFile(filepath.Join(homeDir, "config", "config.toml")); err == nil {
				keyPath = resolve(homeDir, cfg.KeyFile)
			}

			privKey, err := config.LoadKey(keyPath)
			if err != nil {
				return err
			}
			signer, err := crypto.NewEd25519Signer(privKey)
			if err != nil {
				return err
			}
			return printKey(cmd, signer.PublicKey())
		},
	}

	cmd.Flags().String("home", defaultHome(), "node home directory")

	return cmd
}

func printKey(cmd *cobra.Command, pub crypto.PublicKey) error {
	pid, err := p2p.PeerIDFromPublicKey(pub)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Public Key:  %s\n", hex.EncodeToString(pub))
	fmt.Fprintf(out, "Peer ID:     %s\n", pid)
	return nil
}
