package consensus

import (
	"fmt"
	"sort"
	"sync"

	"github.com/echenim/Bedrock/finality/internal/types"
)

// EvidenceRetention is how many heights below the current one the engine
// keeps equivocation evidence for.
const EvidenceRetention = 256

type evidenceKey struct {
	height    uint64
	typ       types.MessageType
	validator types.ValidatorID
}

// EvidencePool records equivocation evidence for audit. It is per engine and
// never drives punishment.
type EvidencePool struct {
	mu       sync.Mutex
	evidence map[evidenceKey]*types.EquivocationEvidence
}

// NewEvidencePool creates a new EvidencePool.
func NewEvidencePool() *EvidencePool {
	return &EvidencePool{
		evidence: make(map[evidenceKey]*types.EquivocationEvidence),
	}
}

// AddEvidence records the first conflicting pair seen per (height, phase,
// validator). Returns true if the evidence was new.
func (ep *EvidencePool) AddEvidence(ev *types.EquivocationEvidence) (bool, error) {
	if ev == nil {
		return false, fmt.Errorf("nil evidence")
	}
	if ev.First == ev.Second {
		return false, fmt.Errorf("evidence from %s does not conflict", ev.Validator)
	}

	ep.mu.Lock()
	defer ep.mu.Unlock()

	key := evidenceKey{height: ev.Height, typ: ev.Type, validator: ev.Validator}
	if _, exists := ep.evidence[key]; exists {
		return false, nil
	}
	ep.evidence[key] = ev
	return true, nil
}

// List returns all evidence ordered by height, then validator.
func (ep *EvidencePool) List() []*types.EquivocationEvidence {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	result := make([]*types.EquivocationEvidence, 0, len(ep.evidence))
	for _, ev := range ep.evidence {
		result = append(result, ev)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Height != result[j].Height {
			return result[i].Height < result[j].Height
		}
		if result[i].Validator != result[j].Validator {
			return result[i].Validator < result[j].Validator
		}
		return result[i].Type < result[j].Type
	})
	return result
}

// ForValidator returns the evidence against id, ordered like List. The
// result is never nil.
func (ep *EvidencePool) ForValidator(id types.ValidatorID) []*types.EquivocationEvidence {
	all := ep.List()
	out := make([]*types.EquivocationEvidence, 0, len(all))
	for _, ev := range all {
		if ev.Validator == id {
			out = append(out, ev)
		}
	}
	return out
}

// PruneBelow drops evidence for heights below height and returns how many
// items were removed.
func (ep *EvidencePool) PruneBelow(height uint64) int {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	removed := 0
	for key := range ep.evidence {
		if key.height < height {
			delete(ep.evidence, key)
			removed++
		}
	}
	return removed
}

// Size returns the number of evidence items.
func (ep *EvidencePool) Size() int {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	return len(ep.evidence)
}
