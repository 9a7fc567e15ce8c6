package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "FINALITY_"

// LoadFile reads and parses a TOML config file, applies environment variable
// overrides, and validates the result.
// Config precedence: Environment variables → File → Defaults.
func LoadFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read file: %w", err)
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse TOML: %w", err)
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// WriteFile serializes cfg as TOML.
func WriteFile(path string, cfg *Config) error {
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("config: write file: %w", err)
	}
	return nil
}

type envOverride struct {
	key   string
	apply func(v string) error
}

func str(dst *string) func(string) error {
	return func(v string) error { *dst = v; return nil }
}

func integer(dst *int) func(string) error {
	return func(v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*dst = n
		return nil
	}
}

func uinteger(dst *uint64) func(string) error {
	return func(v string) error {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return err
		}
		*dst = n
		return nil
	}
}

func duration(dst *Duration) func(string) error {
	return func(v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		dst.Duration = d
		return nil
	}
}

func boolean(dst *bool) func(string) error {
	return func(v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*dst = b
		return nil
	}
}

func list(dst *[]string) func(string) error {
	return func(v string) error {
		var out []string
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
		*dst = out
		return nil
	}
}

// applyEnvOverrides applies FINALITY_* environment variable overrides.
// Env var format: FINALITY_<SECTION>_<FIELD> (e.g., FINALITY_P2P_LISTEN_ADDR).
// A malformed value is an error rather than being silently ignored.
func applyEnvOverrides(cfg *Config) error {
	overrides := []envOverride{
		{"MONIKER", str(&cfg.Moniker)},
		{"CHAIN_ID", str(&cfg.ChainID)},
		{"VALIDATOR_ID", str(&cfg.ValidatorID)},
		{"KEY_FILE", str(&cfg.KeyFile)},
		{"GENESIS_FILE", str(&cfg.GenesisFile)},

		{"CONSENSUS_FUTURE_BUFFER_SIZE", integer(&cfg.Consensus.FutureBufferSize)},
		{"CONSENSUS_MAX_FUTURE_HEIGHTS", uinteger(&cfg.Consensus.MaxFutureHeights)},
		{"CONSENSUS_VERIFY_WORKERS", integer(&cfg.Consensus.VerifyWorkers)},
		{"CONSENSUS_MAX_PENDING", integer(&cfg.Consensus.MaxPending)},
		{"CONSENSUS_TIMEOUT_BASE", duration(&cfg.Consensus.TimeoutBase)},
		{"CONSENSUS_TIMEOUT_MAX", duration(&cfg.Consensus.TimeoutMax)},
		{"CONSENSUS_MAX_BLOCK_TXS", integer(&cfg.Consensus.MaxBlockTxs)},
		{"CONSENSUS_BLOCK_INTERVAL", duration(&cfg.Consensus.BlockInterval)},

		{"P2P_LISTEN_ADDR", str(&cfg.P2P.ListenAddr)},
		{"P2P_SEEDS", list(&cfg.P2P.Seeds)},
		{"P2P_MAX_PEERS", integer(&cfg.P2P.MaxPeers)},
		{"P2P_DEDUP_CACHE_SIZE", integer(&cfg.P2P.DedupCacheSize)},

		{"MEMPOOL_MAX_SIZE", integer(&cfg.Mempool.MaxSize)},
		{"MEMPOOL_MAX_TX_BYTES", integer(&cfg.Mempool.MaxTxBytes)},
		{"MEMPOOL_CACHE_SIZE", integer(&cfg.Mempool.CacheSize)},

		{"STORAGE_DB_PATH", str(&cfg.Storage.DBPath)},
		{"STORAGE_BACKEND", str(&cfg.Storage.Backend)},

		{"RPC_GRPC_ADDR", str(&cfg.RPC.GRPCAddr)},
		{"RPC_ADMIN_ADDR", str(&cfg.RPC.AdminAddr)},

		{"TELEMETRY_ENABLED", boolean(&cfg.Telemetry.Enabled)},
		{"TELEMETRY_ADDR", str(&cfg.Telemetry.Addr)},
		{"TELEMETRY_NAMESPACE", str(&cfg.Telemetry.Namespace)},

		{"LOG_MODE", str(&cfg.Log.Mode)},
		{"LOG_LEVEL", str(&cfg.Log.Level)},
		{"LOG_FILE", str(&cfg.Log.File)},
	}

	for _, o := range overrides {
		v, ok := os.LookupEnv(EnvPrefix + o.key)
		if !ok || v == "" {
			continue
		}
		if err := o.apply(v); err != nil {
			return fmt.Errorf("config: %s%s=%q: %w", EnvPrefix, o.key, v, err)
		}
	}
	return nil
}
