package config_test

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/echenim/Bedrock/finality/internal/config"
	"github.com/echenim/Bedrock/finality/internal/crypto"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := config.DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("DefaultConfig should be valid: %v", err)
	}
}

func TestDefaultConfigValues(t *testing.T) {
	cfg := config.DefaultConfig()

	if cfg.Moniker != "finality-node" {
		t.Errorf("expected moniker 'finality-node', got %q", cfg.Moniker)
	}
	if cfg.Consensus.TimeoutBase.Duration.String() != "3s" {
		t.Errorf("expected timeout_base 3s, got %v", cfg.Consensus.TimeoutBase)
	}
	if cfg.Consensus.MaxFutureHeights != 8 {
		t.Errorf("expected max_future_heights 8, got %d", cfg.Consensus.MaxFutureHeights)
	}
	if cfg.P2P.MaxPeers != 50 {
		t.Errorf("expected max_peers 50, got %d", cfg.P2P.MaxPeers)
	}
	if cfg.Storage.Backend != "pebble" {
		t.Errorf("expected backend 'pebble', got %q", cfg.Storage.Backend)
	}
	if cfg.Log.Mode != "production" {
		t.Errorf("expected log mode 'production', got %q", cfg.Log.Mode)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"empty moniker", func(c *config.Config) { c.Moniker = "" }},
		{"empty validator id", func(c *config.Config) { c.ValidatorID = "" }},
		{"invalid backend", func(c *config.Config) { c.Storage.Backend = "sqlite" }},
		{"pebble without path", func(c *config.Config) { c.Storage.DBPath = "" }},
		{"zero timeout", func(c *config.Config) { c.Consensus.TimeoutBase = config.Duration{} }},
		{"max below base", func(c *config.Config) { c.Consensus.TimeoutMax = config.Duration{Duration: time.Second} }},
		{"negative block interval", func(c *config.Config) { c.Consensus.BlockInterval = config.Duration{Duration: -time.Second} }},
		{"zero workers", func(c *config.Config) { c.Consensus.VerifyWorkers = 0 }},
		{"zero buffer", func(c *config.Config) { c.Consensus.FutureBufferSize = 0 }},
		{"empty listen addr", func(c *config.Config) { c.P2P.ListenAddr = "" }},
		{"zero mempool", func(c *config.Config) { c.Mempool.MaxSize = 0 }},
		{"bad log mode", func(c *config.Config) { c.Log.Mode = "verbose" }},
		{"log file without size", func(c *config.Config) { c.Log.File = "node.log"; c.Log.MaxSizeMB = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestMemoryBackendNeedsNoPath(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Storage.Backend = "memory"
	cfg.Storage.DBPath = ""
	if err := cfg.Validate(); err != nil {
		t.Fatalf("memory backend should not need a path: %v", err)
	}
}

func TestLoadFileFromTOML(t *testing.T) {
	tomlContent := `
moniker = "my-validator"
chain_id = "finality-main"
validator_id = "validator3"

[consensus]
future_buffer_size = 2048
max_future_heights = 4
verify_workers = 8
timeout_base = "5s"
timeout_max = "2m"

[p2p]
listen_addr = "/ip4/0.0.0.0/tcp/26656"
seeds = ["/ip4/10.0.0.1/tcp/26656/p2p/12D3KooWQYhTNQdmr3ArTeUHRYzFg94BKyTkoWBDWez9kSCVe2Xo"]
max_peers = 100

[mempool]
max_size = 5000
max_tx_bytes = 524288

[storage]
db_path = "data/mystore"
backend = "pebble"

[rpc]
grpc_addr = "0.0.0.0:9090"
admin_addr = "127.0.0.1:8080"

[telemetry]
enabled = true
addr = "0.0.0.0:9100"

[log]
mode = "development"
level = "debug"
file = "logs/node.log"
`
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte(tomlContent), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := config.LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}

	if cfg.Moniker != "my-validator" {
		t.Errorf("expected moniker 'my-validator', got %q", cfg.Moniker)
	}
	if cfg.ValidatorID != "validator3" {
		t.Errorf("expected validator_id 'validator3', got %q", cfg.ValidatorID)
	}
	if cfg.Consensus.TimeoutBase.Duration != 5*time.Second {
		t.Errorf("expected timeout_base 5s, got %v", cfg.Consensus.TimeoutBase)
	}
	if cfg.Consensus.TimeoutMax.Duration != 2*time.Minute {
		t.Errorf("expected timeout_max 2m, got %v", cfg.Consensus.TimeoutMax)
	}
	if cfg.Consensus.MaxFutureHeights != 4 {
		t.Errorf("expected max_future_heights 4, got %d", cfg.Consensus.MaxFutureHeights)
	}
	if len(cfg.P2P.Seeds) != 1 {
		t.Errorf("expected 1 seed, got %d", len(cfg.P2P.Seeds))
	}
	if cfg.RPC.AdminAddr != "127.0.0.1:8080" {
		t.Errorf("expected admin_addr '127.0.0.1:8080', got %q", cfg.RPC.AdminAddr)
	}
	if !cfg.Telemetry.Enabled {
		t.Error("expected telemetry enabled")
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("expected log level 'debug', got %q", cfg.Log.Level)
	}
	if cfg.Log.File != "logs/node.log" || cfg.Log.MaxSizeMB != 100 {
		t.Errorf("unexpected log file settings: %+v", cfg.Log)
	}
	// Unset keys keep their defaults.
	if cfg.Consensus.MaxPending != 4096 {
		t.Errorf("expected default max_pending, got %d", cfg.Consensus.MaxPending)
	}
}

func TestLoadFileEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte("moniker = \"original\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("FINALITY_MONIKER", "env-override")
	t.Setenv("FINALITY_P2P_MAX_PEERS", "200")
	t.Setenv("FINALITY_P2P_SEEDS", "a, b,")
	t.Setenv("FINALITY_TELEMETRY_ENABLED", "true")
	t.Setenv("FINALITY_CONSENSUS_TIMEOUT_BASE", "500ms")
	t.Setenv("FINALITY_CONSENSUS_BLOCK_INTERVAL", "250ms")

	cfg, err := config.LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}

	if cfg.Moniker != "env-override" {
		t.Errorf("env override failed for moniker: got %q", cfg.Moniker)
	}
	if cfg.P2P.MaxPeers != 200 {
		t.Errorf("env override failed for max_peers: got %d", cfg.P2P.MaxPeers)
	}
	if len(cfg.P2P.Seeds) != 2 || cfg.P2P.Seeds[1] != "b" {
		t.Errorf("env override failed for seeds: got %v", cfg.P2P.Seeds)
	}
	if !cfg.Telemetry.Enabled {
		t.Error("env override failed for telemetry.enabled")
	}
	if cfg.Consensus.TimeoutBase.Duration != 500*time.Millisecond {
		t.Errorf("env override failed for timeout_base: got %v", cfg.Consensus.TimeoutBase)
	}
	if cfg.Consensus.BlockInterval.Duration != 250*time.Millisecond {
		t.Errorf("env override failed for block_interval: got %v", cfg.Consensus.BlockInterval)
	}
}

func TestLoadFileRejectsMalformedEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte(""), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("FINALITY_P2P_MAX_PEERS", "lots")
	if _, err := config.LoadFile(path); err == nil {
		t.Fatal("should reject a non-numeric override")
	}
}

func TestLoadFileRejectsInvalid(t *testing.T) {
	if _, err := config.LoadFile("/nonexistent/config.toml"); err == nil {
		t.Fatal("should reject missing file")
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "bad.toml")
	if err := os.WriteFile(path, []byte("{{invalid toml"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := config.LoadFile(path); err == nil {
		t.Fatal("should reject invalid TOML")
	}
}

func TestWriteFileRoundTrip(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Moniker = "written"
	cfg.Consensus.TimeoutMax = config.Duration{Duration: 90 * time.Second}

	path := filepath.Join(t.TempDir(), "config.toml")
	if err := config.WriteFile(path, cfg); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	got, err := config.LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if got.Moniker != "written" || got.Consensus.TimeoutMax.Duration != 90*time.Second {
		t.Fatalf("round trip lost values: %+v", got)
	}
}

// --- Genesis ---

func writeTestGenesis(t *testing.T, n int) (string, []crypto.PrivateKey) {
	t.Helper()
	gen := &config.GenesisDoc{
		ChainID:     "finality-test",
		GenesisTime: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	var keys []crypto.PrivateKey
	for i := 0; i < n; i++ {
		pub, priv, err := crypto.GenerateKeypair()
		if err != nil {
			t.Fatal(err)
		}
		keys = append(keys, priv)
		gen.Validators = append(gen.Validators, config.GenesisValidator{
			ID:     "validator" + string(rune('1'+i)),
			PubKey: hex.EncodeToString(pub),
		})
	}
	gen.Validators[0].P2PAddr = "/ip4/10.0.0.1/tcp/26656/p2p/12D3KooWQYhTNQdmr3ArTeUHRYzFg94BKyTkoWBDWez9kSCVe2Xo"

	path := filepath.Join(t.TempDir(), "genesis.json")
	if err := config.WriteGenesis(path, gen); err != nil {
		t.Fatalf("WriteGenesis: %v", err)
	}
	return path, keys
}

func TestLoadGenesis(t *testing.T) {
	path, _ := writeTestGenesis(t, 4)
	gen, err := config.LoadGenesis(path)
	if err != nil {
		t.Fatalf("LoadGenesis: %v", err)
	}
	if gen.ChainID != "finality-test" {
		t.Errorf("expected chain_id 'finality-test', got %q", gen.ChainID)
	}
	if len(gen.Validators) != 4 {
		t.Fatalf("expected 4 validators, got %d", len(gen.Validators))
	}
	if seeds := gen.Seeds("validator2"); len(seeds) != 1 {
		t.Errorf("expected 1 seed, got %v", seeds)
	}
	if seeds := gen.Seeds("validator1"); len(seeds) != 0 {
		t.Errorf("own address should be excluded, got %v", seeds)
	}
}

func TestGenesisValidatorSet(t *testing.T) {
	path, keys := writeTestGenesis(t, 4)
	gen, err := config.LoadGenesis(path)
	if err != nil {
		t.Fatalf("LoadGenesis: %v", err)
	}

	vs, ring, err := gen.ValidatorSet()
	if err != nil {
		t.Fatalf("ValidatorSet: %v", err)
	}
	if vs.Size() != 4 || vs.QuorumThreshold() != 3 {
		t.Fatalf("size=%d quorum=%d, want 4/3", vs.Size(), vs.QuorumThreshold())
	}
	if ring.Len() != 4 {
		t.Fatalf("key ring has %d keys, want 4", ring.Len())
	}

	signer, err := crypto.NewEd25519Signer(keys[1])
	if err != nil {
		t.Fatal(err)
	}
	sig, err := signer.Sign([]byte("payload"))
	if err != nil {
		t.Fatal(err)
	}
	if !ring.Verify([]byte("payload"), sig, "validator2") {
		t.Fatal("key ring should verify validator2's signature")
	}
	if ring.Verify([]byte("payload"), sig, "validator1") {
		t.Fatal("signature must not verify under another validator's key")
	}
}

func TestGenesisValidateRejects(t *testing.T) {
	valid := func() *config.GenesisDoc {
		return &config.GenesisDoc{
			ChainID:     "c",
			GenesisTime: time.Now(),
			Validators: []config.GenesisValidator{
				{ID: "a", PubKey: hex.EncodeToString(make([]byte, 32))},
			},
		}
	}
	tests := []struct {
		name   string
		mutate func(*config.GenesisDoc)
	}{
		{"empty chain id", func(g *config.GenesisDoc) { g.ChainID = "" }},
		{"zero time", func(g *config.GenesisDoc) { g.GenesisTime = time.Time{} }},
		{"no validators", func(g *config.GenesisDoc) { g.Validators = nil }},
		{"empty id", func(g *config.GenesisDoc) { g.Validators[0].ID = "" }},
		{"bad key hex", func(g *config.GenesisDoc) { g.Validators[0].PubKey = "zz" }},
		{"short key", func(g *config.GenesisDoc) { g.Validators[0].PubKey = "abcd" }},
		{"duplicate id", func(g *config.GenesisDoc) {
			g.Validators = append(g.Validators, g.Validators[0])
		}},
	}
	if err := valid().Validate(); err != nil {
		t.Fatalf("baseline genesis should be valid: %v", err)
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := valid()
			tt.mutate(g)
			if err := g.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestKeyFileRoundTrip(t *testing.T) {
	_, priv, err := crypto.GenerateKeypair()
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "validator_key.txt")
	if err := config.WriteKey(path, priv); err != nil {
		t.Fatalf("WriteKey: %v", err)
	}
	got, err := config.LoadKey(path)
	if err != nil {
		t.Fatalf("LoadKey: %v", err)
	}
	if !got.Equal(priv) {
		t.Fatal("loaded key differs from written key")
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("key file mode = %o, want 600", info.Mode().Perm())
	}
}
