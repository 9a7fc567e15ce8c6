package config

import (
	"errors"
	"fmt"
	"time"
)

// Duration wraps time.Duration to support TOML string unmarshaling (e.g. "3s").
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler for TOML duration strings.
func (d *Duration) UnmarshalText(text []byte) error {
	dur, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = dur
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config represents the full node configuration.
type Config struct {
	Moniker     string `toml:"moniker"`
	ChainID     string `toml:"chain_id"`
	ValidatorID string `toml:"validator_id"`
	// KeyFile holds the hex-encoded Ed25519 seed of this validator.
	KeyFile string `toml:"key_file"`
	// GenesisFile is the JSON roster shared by every validator.
	GenesisFile string `toml:"genesis_file"`

	Consensus ConsensusConfig `toml:"consensus"`
	P2P       P2PConfig       `toml:"p2p"`
	Mempool   MempoolConfig   `toml:"mempool"`
	Storage   StorageConfig   `toml:"storage"`
	RPC       RPCConfig       `toml:"rpc"`
	Telemetry TelemetryConfig `toml:"telemetry"`
	Log       LogConfig       `toml:"log"`
}

// ConsensusConfig holds engine limits and watchdog timing.
type ConsensusConfig struct {
	FutureBufferSize int      `toml:"future_buffer_size"`
	MaxFutureHeights uint64   `toml:"max_future_heights"`
	VerifyWorkers    int      `toml:"verify_workers"`
	MaxPending       int      `toml:"max_pending"`
	TimeoutBase      Duration `toml:"timeout_base"`
	TimeoutMax       Duration `toml:"timeout_max"`
	MaxBlockTxs      int      `toml:"max_block_txs"`
	// BlockInterval is how long a proposer waits after entering a height
	// before proposing.
	BlockInterval Duration `toml:"block_interval"`
}

// P2PConfig holds peer-to-peer networking parameters.
type P2PConfig struct {
	ListenAddr     string   `toml:"listen_addr"`
	Seeds          []string `toml:"seeds"`
	MaxPeers       int      `toml:"max_peers"`
	DedupCacheSize int      `toml:"dedup_cache_size"`
}

// MempoolConfig holds mempool parameters.
type MempoolConfig struct {
	MaxSize    int `toml:"max_size"`
	MaxTxBytes int `toml:"max_tx_bytes"`
	CacheSize  int `toml:"cache_size"`
}

// StorageConfig holds ledger storage parameters.
type StorageConfig struct {
	DBPath  string `toml:"db_path"`
	Backend string `toml:"backend"`
}

// RPCConfig holds operator surface addresses. An empty address disables
// the corresponding server.
type RPCConfig struct {
	GRPCAddr  string `toml:"grpc_addr"`
	AdminAddr string `toml:"admin_addr"`
}

// TelemetryConfig holds metrics exporter parameters.
type TelemetryConfig struct {
	Enabled   bool   `toml:"enabled"`
	Addr      string `toml:"addr"`
	Namespace string `toml:"namespace"`
}

// LogConfig selects the zap preset and minimum level. A non-empty File also
// writes JSON entries to a size-rotated file.
type LogConfig struct {
	Mode       string `toml:"mode"`
	Level      string `toml:"level"`
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Moniker:     "finality-node",
		ChainID:     "finality-devnet",
		ValidatorID: "validator1",
		KeyFile:     "config/validator_key.txt",
		GenesisFile: "config/genesis.json",
		Consensus: ConsensusConfig{
			FutureBufferSize: 1024,
			MaxFutureHeights: 8,
			VerifyWorkers:    4,
			MaxPending:       4096,
			TimeoutBase:      Duration{3 * time.Second},
			TimeoutMax:       Duration{60 * time.Second},
			MaxBlockTxs:      500,
			BlockInterval:    Duration{time.Second},
		},
		P2P: P2PConfig{
			ListenAddr:     "/ip4/0.0.0.0/tcp/26656",
			MaxPeers:       50,
			DedupCacheSize: 8192,
		},
		Mempool: MempoolConfig{
			MaxSize:    10000,
			MaxTxBytes: 1024 * 1024, // 1 MB
			CacheSize:  10000,
		},
		Storage: StorageConfig{
			DBPath:  "data/ledger",
			Backend: "pebble",
		},
		RPC: RPCConfig{
			GRPCAddr:  "0.0.0.0:26657",
			AdminAddr: "127.0.0.1:26658",
		},
		Telemetry: TelemetryConfig{
			Enabled:   false,
			Addr:      "0.0.0.0:26660",
			Namespace: "finality",
		},
		Log: LogConfig{
			Mode:       "production",
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 10,
			MaxAgeDays: 14,
		},
	}
}

// Validate checks config for invalid values.
func (c *Config) Validate() error {
	if c.Moniker == "" {
		return errors.New("config: moniker must not be empty")
	}
	if c.ChainID == "" {
		return errors.New("config: chain_id must not be empty")
	}
	if c.ValidatorID == "" {
		return errors.New("config: validator_id must not be empty")
	}

	// Consensus.
	if c.Consensus.FutureBufferSize <= 0 {
		return errors.New("config: consensus.future_buffer_size must be > 0")
	}
	if c.Consensus.VerifyWorkers <= 0 {
		return errors.New("config: consensus.verify_workers must be > 0")
	}
	if c.Consensus.MaxPending <= 0 {
		return errors.New("config: consensus.max_pending must be > 0")
	}
	if c.Consensus.TimeoutBase.Duration <= 0 {
		return errors.New("config: consensus.timeout_base must be > 0")
	}
	if c.Consensus.TimeoutMax.Duration < c.Consensus.TimeoutBase.Duration {
		return errors.New("config: consensus.timeout_max must be >= timeout_base")
	}
	if c.Consensus.MaxBlockTxs <= 0 {
		return errors.New("config: consensus.max_block_txs must be > 0")
	}
	if c.Consensus.BlockInterval.Duration < 0 {
		return errors.New("config: consensus.block_interval must be >= 0")
	}

	// P2P.
	if c.P2P.ListenAddr == "" {
		return errors.New("config: p2p.listen_addr must not be empty")
	}
	if c.P2P.MaxPeers <= 0 {
		return errors.New("config: p2p.max_peers must be > 0")
	}

	// Mempool.
	if c.Mempool.MaxSize <= 0 {
		return errors.New("config: mempool.max_size must be > 0")
	}
	if c.Mempool.MaxTxBytes <= 0 {
		return errors.New("config: mempool.max_tx_bytes must be > 0")
	}

	// Storage.
	switch c.Storage.Backend {
	case "pebble":
		if c.Storage.DBPath == "" {
			return errors.New("config: storage.db_path must not be empty")
		}
	case "memory":
	default:
		return fmt.Errorf("config: storage.backend must be 'pebble' or 'memory', got %q", c.Storage.Backend)
	}

	// Log.
	switch c.Log.Mode {
	case "dev", "development", "prod", "production":
	default:
		return fmt.Errorf("config: log.mode must be 'development' or 'production', got %q", c.Log.Mode)
	}
	if c.Log.File != "" && c.Log.MaxSizeMB <= 0 {
		return errors.New("config: log.max_size_mb must be > 0")
	}

	return nil
}
