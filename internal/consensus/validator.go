package consensus

import "github.com/echenim/Bedrock/finality/internal/types"

// Verdict is the MessageValidator's classification of an inbound message.
type Verdict int

const (
	Valid Verdict = iota
	Stale
	UnknownValidator
	BadSignature
	Malformed
)

func (v Verdict) String() string {
	switch v {
	case Valid:
		return "valid"
	case Stale:
		return "stale"
	case UnknownValidator:
		return "unknown_validator"
	case BadSignature:
		return "bad_signature"
	case Malformed:
		return "malformed"
	default:
		return "unknown"
	}
}

// MessageValidator gates inbound messages. It holds no mutable state and is
// safe for concurrent use.
type MessageValidator struct {
	verifier Verifier
}

// NewMessageValidator creates a validator backed by verifier.
func NewMessageValidator(verifier Verifier) *MessageValidator {
	return &MessageValidator{verifier: verifier}
}

// Validate classifies msg against the current height and validator set.
// Checks run cheapest first; the signature is verified last.
// Messages above currentHeight are not stale.
func (mv *MessageValidator) Validate(msg *types.ConsensusMessage, currentHeight uint64, vs *types.ValidatorSet) Verdict {
	if msg == nil || !msg.Type.Valid() || msg.Height == 0 {
		return Malformed
	}
	if msg.Height < currentHeight {
		return Stale
	}
	if !vs.IsMember(msg.ValidatorID) {
		return UnknownValidator
	}
	if len(msg.Signature) == 0 || !mv.verifier.Verify(msg.SigningPayload(), msg.Signature, msg.ValidatorID) {
		return BadSignature
	}
	return Valid
}
