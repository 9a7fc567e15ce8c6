package types

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"google.golang.org/protobuf/encoding/protowire"
)

// Transaction is an opaque payload carried by a block. The core never
// interprets Payload.
type Transaction struct {
	ID        string
	Payload   []byte
	Signature Signature
}

// Block is a proposed batch of transactions at a height. Everything except
// the signature map is fixed at proposal time; signatures accumulate as
// COMMIT votes arrive and do not affect the block hash.
type Block struct {
	Height       uint64
	PreviousHash Hash
	Transactions []Transaction
	Timestamp    int64
	Proposer     ValidatorID

	mu         sync.RWMutex
	signatures map[ValidatorID]Signature
}

// NewBlock creates a block with an empty signature map.
func NewBlock(height uint64, prev Hash, txs []Transaction, timestamp int64, proposer ValidatorID) *Block {
	return &Block{
		Height:       height,
		PreviousHash: prev,
		Transactions: txs,
		Timestamp:    timestamp,
		Proposer:     proposer,
		signatures:   make(map[ValidatorID]Signature),
	}
}

// AddSignature records a validator's signature. Last write wins per
// validator, so replays are idempotent.
func (b *Block) AddSignature(id ValidatorID, sig Signature) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.signatures == nil {
		b.signatures = make(map[ValidatorID]Signature)
	}
	b.signatures[id] = sig.Clone()
}

// Signatures returns a copy of the accumulated signatures.
func (b *Block) Signatures() map[ValidatorID]Signature {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[ValidatorID]Signature, len(b.signatures))
	for id, sig := range b.signatures {
		out[id] = sig.Clone()
	}
	return out
}

// SignatureCount returns the number of validators that have signed.
func (b *Block) SignatureCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.signatures)
}

// Validate checks structural validity of the block.
func (b *Block) Validate() error {
	if b.Height == 0 {
		return errors.New("block height must be > 0")
	}
	if b.Proposer == "" {
		return errors.New("block proposer must not be empty")
	}
	seen := make(map[string]struct{}, len(b.Transactions))
	for i, tx := range b.Transactions {
		if tx.ID == "" {
			return fmt.Errorf("transaction %d has empty id", i)
		}
		if _, dup := seen[tx.ID]; dup {
			return fmt.Errorf("duplicate transaction %s", tx.ID)
		}
		seen[tx.ID] = struct{}{}
	}
	return nil
}

// Field numbers shared by the header and stored-block encodings.
const (
	blockFieldHeight    protowire.Number = 1
	blockFieldPrevHash  protowire.Number = 2
	blockFieldTxRoot    protowire.Number = 3
	blockFieldTimestamp protowire.Number = 4
	blockFieldProposer  protowire.Number = 5
	blockFieldTx        protowire.Number = 6
	blockFieldSignature protowire.Number = 7

	txFieldID        protowire.Number = 1
	txFieldPayload   protowire.Number = 2
	txFieldSignature protowire.Number = 3

	sigFieldValidator protowire.Number = 1
	sigFieldBytes     protowire.Number = 2
)

// Marshal returns the canonical encoding of a transaction. It is the leaf
// input of the transaction merkle root.
func (tx *Transaction) Marshal() []byte {
	b := make([]byte, 0, 16+len(tx.ID)+len(tx.Payload)+len(tx.Signature))
	b = protowire.AppendTag(b, txFieldID, protowire.BytesType)
	b = protowire.AppendString(b, tx.ID)
	b = protowire.AppendTag(b, txFieldPayload, protowire.BytesType)
	b = protowire.AppendBytes(b, tx.Payload)
	b = protowire.AppendTag(b, txFieldSignature, protowire.BytesType)
	b = protowire.AppendBytes(b, tx.Signature)
	return b
}

// HeaderPayload returns the deterministic bytes a Hasher digests: height,
// previous hash, transaction root, timestamp and proposer. The signature map
// is excluded.
func (b *Block) HeaderPayload(txRoot Hash) []byte {
	out := make([]byte, 0, 96+len(b.Proposer))
	out = protowire.AppendTag(out, blockFieldHeight, protowire.VarintType)
	out = protowire.AppendVarint(out, b.Height)
	out = protowire.AppendTag(out, blockFieldPrevHash, protowire.BytesType)
	out = protowire.AppendBytes(out, b.PreviousHash[:])
	out = protowire.AppendTag(out, blockFieldTxRoot, protowire.BytesType)
	out = protowire.AppendBytes(out, txRoot[:])
	out = protowire.AppendTag(out, blockFieldTimestamp, protowire.VarintType)
	out = protowire.AppendVarint(out, protowire.EncodeZigZag(b.Timestamp))
	out = protowire.AppendTag(out, blockFieldProposer, protowire.BytesType)
	out = protowire.AppendString(out, string(b.Proposer))
	return out
}

// Marshal encodes the whole block, transactions and signatures included,
// for storage and gossip. Signatures are written sorted by validator id.
func (b *Block) Marshal() []byte {
	out := make([]byte, 0, 256)
	out = protowire.AppendTag(out, blockFieldHeight, protowire.VarintType)
	out = protowire.AppendVarint(out, b.Height)
	out = protowire.AppendTag(out, blockFieldPrevHash, protowire.BytesType)
	out = protowire.AppendBytes(out, b.PreviousHash[:])
	out = protowire.AppendTag(out, blockFieldTimestamp, protowire.VarintType)
	out = protowire.AppendVarint(out, protowire.EncodeZigZag(b.Timestamp))
	out = protowire.AppendTag(out, blockFieldProposer, protowire.BytesType)
	out = protowire.AppendString(out, string(b.Proposer))
	for i := range b.Transactions {
		out = protowire.AppendTag(out, blockFieldTx, protowire.BytesType)
		out = protowire.AppendBytes(out, b.Transactions[i].Marshal())
	}

	sigs := b.Signatures()
	ids := make([]string, 0, len(sigs))
	for id := range sigs {
		ids = append(ids, string(id))
	}
	sort.Strings(ids)
	for _, id := range ids {
		var entry []byte
		entry = protowire.AppendTag(entry, sigFieldValidator, protowire.BytesType)
		entry = protowire.AppendString(entry, id)
		entry = protowire.AppendTag(entry, sigFieldBytes, protowire.BytesType)
		entry = protowire.AppendBytes(entry, sigs[ValidatorID(id)])
		out = protowire.AppendTag(out, blockFieldSignature, protowire.BytesType)
		out = protowire.AppendBytes(out, entry)
	}
	return out
}

// UnmarshalBlock decodes a block produced by Block.Marshal.
func UnmarshalBlock(data []byte) (*Block, error) {
	if len(data) == 0 {
		return nil, errors.New("empty block")
	}

	b := NewBlock(0, ZeroHash, nil, 0, "")
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("block tag: %w", protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case num == blockFieldHeight && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("height: %w", protowire.ParseError(n))
			}
			b.Height = v
			data = data[n:]

		case num == blockFieldPrevHash && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("previous_hash: %w", protowire.ParseError(n))
			}
			h, err := HashFromBytes(v)
			if err != nil {
				return nil, fmt.Errorf("previous_hash: %w", err)
			}
			b.PreviousHash = h
			data = data[n:]

		case num == blockFieldTimestamp && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("timestamp: %w", protowire.ParseError(n))
			}
			b.Timestamp = protowire.DecodeZigZag(v)
			data = data[n:]

		case num == blockFieldProposer && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return nil, fmt.Errorf("proposer: %w", protowire.ParseError(n))
			}
			b.Proposer = ValidatorID(v)
			data = data[n:]

		case num == blockFieldTx && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("transaction: %w", protowire.ParseError(n))
			}
			tx, err := UnmarshalTransaction(v)
			if err != nil {
				return nil, fmt.Errorf("transaction %d: %w", len(b.Transactions), err)
			}
			b.Transactions = append(b.Transactions, tx)
			data = data[n:]

		case num == blockFieldSignature && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("signature: %w", protowire.ParseError(n))
			}
			id, sig, err := unmarshalSignatureEntry(v)
			if err != nil {
				return nil, err
			}
			b.AddSignature(id, sig)
			data = data[n:]

		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	return b, nil
}

// UnmarshalTransaction decodes a transaction produced by Transaction.Marshal.
func UnmarshalTransaction(data []byte) (Transaction, error) {
	var tx Transaction
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return tx, protowire.ParseError(n)
		}
		data = data[n:]

		if typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return tx, protowire.ParseError(n)
			}
			data = data[n:]
			continue
		}

		v, n := protowire.ConsumeBytes(data)
		if n < 0 {
			return tx, protowire.ParseError(n)
		}
		switch num {
		case txFieldID:
			tx.ID = string(v)
		case txFieldPayload:
			tx.Payload = append([]byte(nil), v...)
		case txFieldSignature:
			tx.Signature = Signature(v).Clone()
		}
		data = data[n:]
	}
	return tx, nil
}

func unmarshalSignatureEntry(data []byte) (ValidatorID, Signature, error) {
	var (
		id  ValidatorID
		sig Signature
	)
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return "", nil, fmt.Errorf("signature entry: %w", protowire.ParseError(n))
		}
		if typ != protowire.BytesType {
			return "", nil, fmt.Errorf("signature entry field %d: unexpected wire type %d", num, typ)
		}
		data = data[n:]
		v, n := protowire.ConsumeBytes(data)
		if n < 0 {
			return "", nil, fmt.Errorf("signature entry: %w", protowire.ParseError(n))
		}
		switch num {
		case sigFieldValidator:
			id = ValidatorID(v)
		case sigFieldBytes:
			sig = Signature(v).Clone()
		}
		data = data[n:]
	}
	if id == "" {
		return "", nil, errors.New("signature entry missing validator id")
	}
	return id, sig, nil
}
