package crypto

import (
	"crypto/sha256"

	"github.com/echenim/Bedrock/finality/internal/types"
)

// HashSHA256 computes the SHA-256 hash of data.
func HashSHA256(data []byte) types.Hash {
	return sha256.Sum256(data)
}

// Merkle node prefixes keep leaves and inner nodes in separate domains.
const (
	leafPrefix  byte = 0x00
	innerPrefix byte = 0x01
)

// ComputeTxRoot computes the Merkle root of a list of transactions.
// If the list is empty, returns the zero hash.
func ComputeTxRoot(txs []types.Transaction) types.Hash {
	if len(txs) == 0 {
		return types.ZeroHash
	}
	leaves := make([]types.Hash, len(txs))
	for i := range txs {
		leaves[i] = LeafHash(txs[i].Marshal())
	}
	return ComputeMerkleRoot(leaves)
}

// LeafHash hashes data as a Merkle leaf.
func LeafHash(data []byte) types.Hash {
	buf := make([]byte, 0, 1+len(data))
	buf = append(buf, leafPrefix)
	return HashSHA256(append(buf, data...))
}

func innerHash(left, right types.Hash) types.Hash {
	var buf [1 + 2*types.HashSize]byte
	buf[0] = innerPrefix
	copy(buf[1:1+types.HashSize], left[:])
	copy(buf[1+types.HashSize:], right[:])
	return HashSHA256(buf[:])
}

// ComputeMerkleRoot computes a binary Merkle tree root over leaf hashes.
// A node without a sibling is carried to the next level unchanged, so no
// two leaf lists of different length share a root.
func ComputeMerkleRoot(leaves []types.Hash) types.Hash {
	if len(leaves) == 0 {
		return types.ZeroHash
	}

	level := make([]types.Hash, len(leaves))
	copy(level, leaves)
	for len(level) > 1 {
		next := make([]types.Hash, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 == len(level) {
				next = append(next, level[i])
				continue
			}
			next = append(next, innerHash(level[i], level[i+1]))
		}
		level = next
	}
	return level[0]
}

// SHA256Hasher hashes a block header: height, previous hash, merkle root of
// the transactions, timestamp and proposer. Signatures are excluded.
type SHA256Hasher struct{}

// Hash implements consensus.Hasher.
func (SHA256Hasher) Hash(b *types.Block) types.Hash {
	return HashSHA256(b.HeaderPayload(ComputeTxRoot(b.Transactions)))
}
