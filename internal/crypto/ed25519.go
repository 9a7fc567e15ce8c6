package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/echenim/Bedrock/finality/internal/types"
)

// PrivateKey is an Ed25519 private key (64 bytes).
type PrivateKey = ed25519.PrivateKey

// PublicKey is an Ed25519 public key (32 bytes).
type PublicKey = ed25519.PublicKey

// GenerateKeypair creates a new Ed25519 key pair.
func GenerateKeypair() (PublicKey, PrivateKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate keypair: %w", err)
	}
	return pub, priv, nil
}

// Sign signs a message with an Ed25519 private key.
func Sign(privKey PrivateKey, message []byte) []byte {
	return ed25519.Sign(privKey, message)
}

// Verify checks an Ed25519 signature against a public key and message.
func Verify(pubKey PublicKey, message, signature []byte) bool {
	if len(pubKey) != ed25519.PublicKeySize || len(signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pubKey, message, signature)
}

// PrivKeyFromSeedHex decodes a hex-encoded 32-byte seed into a private key.
func PrivKeyFromSeedHex(s string) (PrivateKey, error) {
	seed, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode seed: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

// PubKeyFromHex decodes a hex-encoded public key.
func PubKeyFromHex(s string) (PublicKey, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	if len(b) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key must be %d bytes, got %d", ed25519.PublicKeySize, len(b))
	}
	return PublicKey(b), nil
}

// Ed25519Signer signs consensus payloads with a single validator key.
type Ed25519Signer struct {
	priv PrivateKey
}

// NewEd25519Signer wraps a private key.
func NewEd25519Signer(priv PrivateKey) (*Ed25519Signer, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, errors.New("invalid ed25519 private key")
	}
	return &Ed25519Signer{priv: priv}, nil
}

// Sign implements consensus.Signer.
func (s *Ed25519Signer) Sign(payload []byte) (types.Signature, error) {
	return types.Signature(ed25519.Sign(s.priv, payload)), nil
}

// PublicKey returns the signer's public key.
func (s *Ed25519Signer) PublicKey() PublicKey {
	return s.priv.Public().(ed25519.PublicKey)
}

// KeyRing maps validator identities to their public keys and verifies
// signatures on their behalf.
type KeyRing struct {
	mu   sync.RWMutex
	keys map[types.ValidatorID]PublicKey
}

// NewKeyRing creates an empty key ring.
func NewKeyRing() *KeyRing {
	return &KeyRing{keys: make(map[types.ValidatorID]PublicKey)}
}

// Add registers or replaces the public key for a validator.
func (kr *KeyRing) Add(id types.ValidatorID, pub PublicKey) error {
	if len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("validator %s: invalid public key length %d", id, len(pub))
	}
	kr.mu.Lock()
	defer kr.mu.Unlock()
	kr.keys[id] = pub
	return nil
}

// PublicKey looks up the key registered for id.
func (kr *KeyRing) PublicKey(id types.ValidatorID) (PublicKey, bool) {
	kr.mu.RLock()
	defer kr.mu.RUnlock()
	pub, ok := kr.keys[id]
	return pub, ok
}

// Len returns the number of registered keys.
func (kr *KeyRing) Len() int {
	kr.mu.RLock()
	defer kr.mu.RUnlock()
	return len(kr.keys)
}

// Verify implements consensus.Verifier. Unknown validators never verify.
func (kr *KeyRing) Verify(payload []byte, sig types.Signature, id types.ValidatorID) bool {
	pub, ok := kr.PublicKey(id)
	if !ok {
		return false
	}
	return Verify(pub, payload, sig)
}
