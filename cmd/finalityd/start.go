package main

import (
	"fmt"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/echenim/Bedrock/finality/internal/config"
	"github.com/echenim/Bedrock/finality/internal/node"
	"github.com/echenim/Bedrock/finality/internal/telemetry"
)

func newStartCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the validator node",
		RunE:  runStart,
	}

	cmd.Flags().String("home", defaultHome(), "node home directory")
	cmd.Flags().String("config", "", "path to config file (default: <home>/config/config.toml)")
	cmd.Flags().String("log-mode", "", "override log mode: development or production")
	cmd.Flags().String("log-level", "", "override log level: debug, info, warn or error")
	cmd.Flags().String("log-file", "", "override log file, relative to home")

	return cmd
}

// loadNodeConfig reads the config of a node home and resolves its relative
// paths against the home directory.
func loadNodeConfig(homeDir, configPath string) (*config.Config, error) {
	if configPath == "" {
		configPath = filepath.Join(homeDir, "config", "config.toml")
	}
	cfg, err := config.LoadFile(configPath)
	if err != nil {
		return nil, err
	}
	cfg.KeyFile = resolve(homeDir, cfg.KeyFile)
	cfg.GenesisFile = resolve(homeDir, cfg.GenesisFile)
	cfg.Log.File = resolve(homeDir, cfg.Log.File)
	if cfg.Storage.Backend == "pebble" {
		cfg.Storage.DBPath = resolve(homeDir, cfg.Storage.DBPath)
	}
	return cfg, nil
}

func runStart(cmd *cobra.Command, args []string) error {
	homeDir, _ := cmd.Flags().GetString("home")
	configPath, _ := cmd.Flags().GetString("config")

	cfg, err := loadNodeConfig(homeDir, configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if mode, _ := cmd.Flags().GetString("log-mode"); mode != "" {
		cfg.Log.Mode = mode
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.Log.Level = level
	}
	if file, _ := cmd.Flags().GetString("log-file"); file != "" {
		cfg.Log.File = resolve(homeDir, file)
	}

	// Setup logger.
	logger, err := telemetry.NewLogger(cfg.Log.Mode, cfg.Log.Level, telemetry.WithFile(telemetry.FileConfig{
		Path:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	}))
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer logger.Sync()

	privKey, err := config.LoadKey(cfg.KeyFile)
	if err != nil {
		return fmt.Errorf("load validator key: %w", err)
	}
	genesis, err := config.LoadGenesis(cfg.GenesisFile)
	if err != nil {
		return fmt.Errorf("load genesis: %w", err)
	}

	n, err := node.NewNode(cfg, privKey, genesis, logger)
	if err != nil {
		return fmt.Errorf("create node: %w", err)
	}

	// Handle OS signals for graceful shutdown.
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := n.Start(ctx); err != nil {
		n.Stop()
		return fmt.Errorf("start node: %w", err)
	}

	logger.Info("node running, press Ctrl+C to stop",
		zap.String("validator", cfg.ValidatorID),
		zap.String("home", homeDir),
	)

	<-ctx.Done()
	logger.Info("shutdown signal received")

	return n.Stop()
}
