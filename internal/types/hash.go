package types

import (
	"encoding/hex"
	"fmt"
)

// HashSize is the length of a Hash in bytes (SHA-256).
const HashSize = 32

// Hash is a 32-byte block digest. It is the subject of every vote.
type Hash [HashSize]byte

// ZeroHash is the zero-value hash.
var ZeroHash Hash

// Bytes returns the hash as a byte slice.
func (h Hash) Bytes() []byte { return h[:] }

// IsZero returns true if the hash is all zeros.
func (h Hash) IsZero() bool { return h == ZeroHash }

// String returns the hex-encoded hash.
func (h Hash) String() string { return hex.EncodeToString(h[:]) }

// Short returns the first 8 hex characters, for log fields.
func (h Hash) Short() string { return hex.EncodeToString(h[:4]) }

// HashFromBytes creates a Hash from a byte slice, returning an error if
// the slice is not exactly 32 bytes.
func HashFromBytes(b []byte) (Hash, error) {
	if len(b) != HashSize {
		return ZeroHash, fmt.Errorf("invalid hash length: got %d, want %d", len(b), HashSize)
	}
	var h Hash
	copy(h[:], b)
	return h, nil
}

// HashFromHex decodes a hex string into a Hash.
func HashFromHex(s string) (Hash, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return ZeroHash, fmt.Errorf("invalid hex: %w", err)
	}
	return HashFromBytes(b)
}

// MarshalText encodes the hash as lowercase hex.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText decodes a hex-encoded hash.
func (h *Hash) UnmarshalText(text []byte) error {
	v, err := HashFromHex(string(text))
	if err != nil {
		return err
	}
	*h = v
	return nil
}

// ValidatorID identifies a validator within a ValidatorSet.
type ValidatorID string

func (id ValidatorID) String() string { return string(id) }

// Signature is an opaque authentication tag. Only the Signer and Verifier
// look inside it.
type Signature []byte

// Clone returns a copy of the signature bytes.
func (s Signature) Clone() Signature {
	if s == nil {
		return nil
	}
	out := make(Signature, len(s))
	copy(out, s)
	return out
}
