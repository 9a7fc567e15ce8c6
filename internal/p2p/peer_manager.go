package p2p

import (
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"

	"github.com/echenim/Bedrock/finality/internal/types"
)

// PeerDirection indicates whether we initiated or received the connection.
type PeerDirection int

const (
	Inbound PeerDirection = iota
	Outbound
)

// PeerInfo tracks metadata about a connected peer.
type PeerInfo struct {
	ID          peer.ID
	Addrs       []multiaddr.Multiaddr
	Direction   PeerDirection
	ConnectedAt time.Time
	Validator   types.ValidatorID // empty for non-validators
}

// IsValidator reports whether the peer has been bound to a validator identity.
func (pi *PeerInfo) IsValidator() bool { return pi.Validator != "" }

// PeerManager tracks connected peers and enforces the connection limit.
// Seed peers are marked as validators and are exempt from the limit.
type PeerManager struct {
	mu         sync.RWMutex
	peers      map[peer.ID]*PeerInfo
	validators map[peer.ID]types.ValidatorID
	maxPeers   int
	scoring    *PeerScoring
}

// NewPeerManager creates a PeerManager with the given limit.
func NewPeerManager(maxPeers int, scoring *PeerScoring) *PeerManager {
	return &PeerManager{
		peers:      make(map[peer.ID]*PeerInfo),
		validators: make(map[peer.ID]types.ValidatorID),
		maxPeers:   maxPeers,
		scoring:    scoring,
	}
}

// AddPeer registers a connected peer.
func (pm *PeerManager) AddPeer(info *PeerInfo) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if id, ok := pm.validators[info.ID]; ok {
		info.Validator = id
	}
	pm.peers[info.ID] = info
}

func (pm *PeerManager) RemovePeer(pid peer.ID) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	delete(pm.peers, pid)
}

func (pm *PeerManager) GetPeer(pid peer.ID) (*PeerInfo, bool) {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	info, ok := pm.peers[pid]
	return info, ok
}

func (pm *PeerManager) PeerCount() int {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return len(pm.peers)
}

// ConnectedPeers returns a snapshot of all connected peer IDs.
func (pm *PeerManager) ConnectedPeers() []peer.ID {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	pids := make([]peer.ID, 0, len(pm.peers))
	for pid := range pm.peers {
		pids = append(pids, pid)
	}
	return pids
}

// MarkValidator binds a libp2p peer to a validator identity. The binding
// survives reconnects.
func (pm *PeerManager) MarkValidator(pid peer.ID, id types.ValidatorID) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.validators[pid] = id
	if info, ok := pm.peers[pid]; ok {
		info.Validator = id
	}
}

// ShouldAcceptConnection decides whether a new connection from pid is kept.
// Banned peers are always rejected and known validators always accepted.
func (pm *PeerManager) ShouldAcceptConnection(pid peer.ID) bool {
	if pm.scoring != nil && pm.scoring.IsBanned(pid) {
		return false
	}

	pm.mu.RLock()
	defer pm.mu.RUnlock()

	if _, ok := pm.peers[pid]; ok {
		return true
	}
	if _, ok := pm.validators[pid]; ok {
		return true
	}
	return len(pm.peers) < pm.maxPeers
}

// EvictWorstPeer returns the lowest-scored non-validator peer, or "" when
// every peer is a validator.
func (pm *PeerManager) EvictWorstPeer() peer.ID {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	if pm.scoring == nil {
		return ""
	}

	var (
		worst      peer.ID
		worstScore float64
		first      = true
	)
	for pid, info := range pm.peers {
		if info.IsValidator() {
			continue
		}
		score := pm.scoring.Score(pid)
		if first || score < worstScore {
			worst, worstScore, first = pid, score, false
		}
	}
	return worst
}
