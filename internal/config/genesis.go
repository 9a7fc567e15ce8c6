package config

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/echenim/Bedrock/finality/internal/crypto"
	"github.com/echenim/Bedrock/finality/internal/types"
)

// GenesisDoc is the validator roster every node starts from.
type GenesisDoc struct {
	ChainID     string             `json:"chain_id"`
	GenesisTime time.Time          `json:"genesis_time"`
	Validators  []GenesisValidator `json:"validators"`
}

// GenesisValidator describes a validator in the genesis roster.
type GenesisValidator struct {
	ID     string `json:"id"`
	PubKey string `json:"pub_key"` // hex-encoded Ed25519 public key
	// P2PAddr is an optional seed multiaddr for this validator.
	P2PAddr string `json:"p2p_addr,omitempty"`
}

// LoadGenesis reads and validates a genesis file from the given path.
func LoadGenesis(path string) (*GenesisDoc, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("genesis: read file: %w", err)
	}

	var gen GenesisDoc
	if err := json.Unmarshal(data, &gen); err != nil {
		return nil, fmt.Errorf("genesis: parse JSON: %w", err)
	}

	if err := gen.Validate(); err != nil {
		return nil, fmt.Errorf("genesis: %w", err)
	}

	return &gen, nil
}

// WriteGenesis writes g as indented JSON.
func WriteGenesis(path string, g *GenesisDoc) error {
	data, err := json.MarshalIndent(g, "", "  ")
	if err != nil {
		return fmt.Errorf("genesis: marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("genesis: write file: %w", err)
	}
	return nil
}

// Validate checks the genesis document for structural validity.
func (g *GenesisDoc) Validate() error {
	if g.ChainID == "" {
		return errors.New("chain_id must not be empty")
	}
	if g.GenesisTime.IsZero() {
		return errors.New("genesis_time must not be zero")
	}
	if len(g.Validators) == 0 {
		return errors.New("must have at least one validator")
	}

	seen := make(map[string]bool, len(g.Validators))
	for i, v := range g.Validators {
		if v.ID == "" {
			return fmt.Errorf("validator %d: id must not be empty", i)
		}
		if seen[v.ID] {
			return fmt.Errorf("validator %d: duplicate id %q", i, v.ID)
		}
		seen[v.ID] = true
		if _, err := crypto.PubKeyFromHex(v.PubKey); err != nil {
			return fmt.Errorf("validator %d: %w", i, err)
		}
	}
	return nil
}

// ValidatorSet builds the runtime validator set and the key ring used to
// verify their signatures.
func (g *GenesisDoc) ValidatorSet() (*types.ValidatorSet, *crypto.KeyRing, error) {
	ids := make([]types.ValidatorID, 0, len(g.Validators))
	ring := crypto.NewKeyRing()
	for i, gv := range g.Validators {
		pub, err := crypto.PubKeyFromHex(gv.PubKey)
		if err != nil {
			return nil, nil, fmt.Errorf("validator %d: %w", i, err)
		}
		id := types.ValidatorID(gv.ID)
		if err := ring.Add(id, pub); err != nil {
			return nil, nil, fmt.Errorf("validator %d: %w", i, err)
		}
		ids = append(ids, id)
	}
	vs, err := types.NewValidatorSet(ids)
	if err != nil {
		return nil, nil, err
	}
	return vs, ring, nil
}

// PublicKeys returns every validator's public key by ID.
func (g *GenesisDoc) PublicKeys() (map[types.ValidatorID]crypto.PublicKey, error) {
	out := make(map[types.ValidatorID]crypto.PublicKey, len(g.Validators))
	for i, gv := range g.Validators {
		pub, err := crypto.PubKeyFromHex(gv.PubKey)
		if err != nil {
			return nil, fmt.Errorf("validator %d: %w", i, err)
		}
		out[types.ValidatorID(gv.ID)] = pub
	}
	return out, nil
}

// Seeds returns the p2p addresses listed in the roster, excluding self.
func (g *GenesisDoc) Seeds(self string) []string {
	var out []string
	for _, gv := range g.Validators {
		if gv.ID != self && gv.P2PAddr != "" {
			out = append(out, gv.P2PAddr)
		}
	}
	return out
}

// LoadKey reads a hex-encoded Ed25519 seed from path.
func LoadKey(path string) (crypto.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("key: read file: %w", err)
	}
	priv, err := crypto.PrivKeyFromSeedHex(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("key: %w", err)
	}
	return priv, nil
}

// WriteKey stores the seed of priv, hex-encoded, readable only by the owner.
func WriteKey(path string, priv crypto.PrivateKey) error {
	seed := hex.EncodeToString(priv.Seed())
	if err := os.WriteFile(path, []byte(seed+"\n"), 0o600); err != nil {
		return fmt.Errorf("key: write file: %w", err)
	}
	return nil
}
