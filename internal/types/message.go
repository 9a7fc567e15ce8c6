package types

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// MessageType is the kind of a ConsensusMessage.
type MessageType uint8

const (
	MsgPrepare  MessageType = 1
	MsgCommit   MessageType = 2
	MsgNewRound MessageType = 3
)

func (t MessageType) String() string {
	switch t {
	case MsgPrepare:
		return "PREPARE"
	case MsgCommit:
		return "COMMIT"
	case MsgNewRound:
		return "NEW_ROUND"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(t))
	}
}

// MarshalText renders the type name in JSON output.
func (t MessageType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// Valid reports whether t is one of the three known message types.
func (t MessageType) Valid() bool {
	return t == MsgPrepare || t == MsgCommit || t == MsgNewRound
}

// ConsensusMessage is a signed vote or round signal. It is transient: the
// engine folds it into a tally and discards it.
//
// For NEW_ROUND, Height is the height being entered and BlockHash is the hash
// of the block finalized at Height-1.
type ConsensusMessage struct {
	Type        MessageType
	Height      uint64
	BlockHash   Hash
	ValidatorID ValidatorID
	Signature   Signature
}

// Field numbers of the canonical message encoding.
const (
	msgFieldType      protowire.Number = 1
	msgFieldHeight    protowire.Number = 2
	msgFieldBlockHash protowire.Number = 3
	msgFieldValidator protowire.Number = 4
	msgFieldSignature protowire.Number = 5
)

// SigningPayload returns the canonical bytes to sign for this message:
// the protobuf wire encoding of (type, height, block_hash, validator_id) with
// fields in ascending order. The signature itself is excluded.
func (m *ConsensusMessage) SigningPayload() []byte {
	buf := make([]byte, 0, 64+len(m.ValidatorID))
	return m.appendSigned(buf)
}

func (m *ConsensusMessage) appendSigned(b []byte) []byte {
	b = protowire.AppendTag(b, msgFieldType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Type))
	b = protowire.AppendTag(b, msgFieldHeight, protowire.VarintType)
	b = protowire.AppendVarint(b, m.Height)
	b = protowire.AppendTag(b, msgFieldBlockHash, protowire.BytesType)
	b = protowire.AppendBytes(b, m.BlockHash[:])
	b = protowire.AppendTag(b, msgFieldValidator, protowire.BytesType)
	b = protowire.AppendString(b, string(m.ValidatorID))
	return b
}

// Marshal encodes the full message, signature included, for the wire.
func (m *ConsensusMessage) Marshal() []byte {
	b := m.appendSigned(make([]byte, 0, 128+len(m.ValidatorID)))
	b = protowire.AppendTag(b, msgFieldSignature, protowire.BytesType)
	b = protowire.AppendBytes(b, m.Signature)
	return b
}

// UnmarshalConsensusMessage decodes a message produced by Marshal. Unknown
// fields are skipped.
func UnmarshalConsensusMessage(data []byte) (*ConsensusMessage, error) {
	if len(data) == 0 {
		return nil, errors.New("empty consensus message")
	}

	m := &ConsensusMessage{}
	var haveHash bool
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("consensus message tag: %w", protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case num == msgFieldType && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("type: %w", protowire.ParseError(n))
			}
			if v > 0xff {
				return nil, fmt.Errorf("type out of range: %d", v)
			}
			m.Type = MessageType(v)
			data = data[n:]

		case num == msgFieldHeight && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("height: %w", protowire.ParseError(n))
			}
			m.Height = v
			data = data[n:]

		case num == msgFieldBlockHash && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("block_hash: %w", protowire.ParseError(n))
			}
			h, err := HashFromBytes(v)
			if err != nil {
				return nil, fmt.Errorf("block_hash: %w", err)
			}
			m.BlockHash = h
			haveHash = true
			data = data[n:]

		case num == msgFieldValidator && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return nil, fmt.Errorf("validator_id: %w", protowire.ParseError(n))
			}
			m.ValidatorID = ValidatorID(v)
			data = data[n:]

		case num == msgFieldSignature && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("signature: %w", protowire.ParseError(n))
			}
			m.Signature = Signature(v).Clone()
			data = data[n:]

		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}

	if !m.Type.Valid() {
		return nil, fmt.Errorf("unknown message type %d", uint8(m.Type))
	}
	if !haveHash {
		return nil, errors.New("missing block_hash")
	}
	if m.ValidatorID == "" {
		return nil, errors.New("missing validator_id")
	}
	return m, nil
}
