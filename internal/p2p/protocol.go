package p2p

import (
	"errors"
	"fmt"

	"github.com/echenim/Bedrock/finality/internal/types"
)

// MessageType identifies the payload carried by an Envelope.
type MessageType byte

const (
	MsgProposal  MessageType = 0x01
	MsgConsensus MessageType = 0x02
)

// MaxMessageSize is the maximum allowed message size (4 MB).
const MaxMessageSize = 4 * 1024 * 1024

var (
	ErrEmptyMessage   = errors.New("p2p: empty message")
	ErrMessageTooBig  = errors.New("p2p: message too large")
	ErrUnknownMessage = errors.New("p2p: unknown message type")
)

func (mt MessageType) String() string {
	switch mt {
	case MsgProposal:
		return "proposal"
	case MsgConsensus:
		return "consensus"
	default:
		return fmt.Sprintf("unknown(0x%02x)", byte(mt))
	}
}

// Envelope wraps a typed payload for wire encoding.
type Envelope struct {
	Type    MessageType
	Payload []byte
}

// Encode serializes the envelope as [type_byte | payload].
func (e *Envelope) Encode() []byte {
	buf := make([]byte, 1+len(e.Payload))
	buf[0] = byte(e.Type)
	copy(buf[1:], e.Payload)
	return buf
}

// DecodeEnvelope parses a wire-format message into an Envelope.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	if len(data) == 0 {
		return nil, ErrEmptyMessage
	}
	if len(data) > MaxMessageSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrMessageTooBig, len(data), MaxMessageSize)
	}
	return &Envelope{
		Type:    MessageType(data[0]),
		Payload: data[1:],
	}, nil
}

// EncodeConsensusMessage wraps a PREPARE, COMMIT or NEW_ROUND message.
func EncodeConsensusMessage(msg *types.ConsensusMessage) []byte {
	env := &Envelope{Type: MsgConsensus, Payload: msg.Marshal()}
	return env.Encode()
}

// EncodeProposal wraps a candidate block.
func EncodeProposal(block *types.Block) []byte {
	env := &Envelope{Type: MsgProposal, Payload: block.Marshal()}
	return env.Encode()
}

// Decoded is the result of DecodeMessage. Exactly one of Message or Block
// is set, according to Type.
type Decoded struct {
	Type    MessageType
	Message *types.ConsensusMessage
	Block   *types.Block
}

// DecodeMessage decodes a wire-format message into fresh domain objects.
// The returned values never alias data.
func DecodeMessage(data []byte) (*Decoded, error) {
	env, err := DecodeEnvelope(data)
	if err != nil {
		return nil, err
	}

	switch env.Type {
	case MsgConsensus:
		msg, err := types.UnmarshalConsensusMessage(env.Payload)
		if err != nil {
			return nil, fmt.Errorf("p2p: decode consensus message: %w", err)
		}
		return &Decoded{Type: MsgConsensus, Message: msg}, nil
	case MsgProposal:
		block, err := types.UnmarshalBlock(env.Payload)
		if err != nil {
			return nil, fmt.Errorf("p2p: decode proposal: %w", err)
		}
		return &Decoded{Type: MsgProposal, Block: block}, nil
	default:
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownMessage, byte(env.Type))
	}
}
