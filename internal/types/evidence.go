package types

import "fmt"

// EquivocationEvidence records two conflicting votes from one validator in
// the same phase and height. The first vote is the one that was counted.
type EquivocationEvidence struct {
	Type      MessageType `json:"type"`
	Height    uint64      `json:"height"`
	Validator ValidatorID `json:"validator"`
	First     Hash        `json:"first"`
	Second    Hash        `json:"second"`
	FirstSig  Signature   `json:"first_sig"`
	SecondSig Signature   `json:"second_sig"`
}

func (ev *EquivocationEvidence) String() string {
	return fmt.Sprintf("%s equivocated on %s at height %d: %s vs %s",
		ev.Validator, ev.Type, ev.Height, ev.First.Short(), ev.Second.Short())
}
