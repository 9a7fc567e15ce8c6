package p2p

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/libp2p/go-libp2p/core/peer"
)

const (
	validMessageScore   = 1.0
	invalidMessageScore = -10.0
	banThreshold        = -100.0
	defaultBanDuration  = 10 * time.Minute
)

// BanEntry records a peer ban with expiry.
type BanEntry struct {
	Reason  string
	Expires time.Time
}

// PeerScoring tracks gossip reputation per peer. Peers whose score drops
// to banThreshold are banned for defaultBanDuration.
type PeerScoring struct {
	mu     sync.RWMutex
	scores map[peer.ID]float64
	bans   map[peer.ID]BanEntry
	clock  clockwork.Clock
}

// NewPeerScoring creates a PeerScoring. A nil clock uses the wall clock.
func NewPeerScoring(clock clockwork.Clock) *PeerScoring {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &PeerScoring{
		scores: make(map[peer.ID]float64),
		bans:   make(map[peer.ID]BanEntry),
		clock:  clock,
	}
}

func (ps *PeerScoring) RecordValidMessage(pid peer.ID) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.scores[pid] += validMessageScore
}

// RecordInvalidMessage penalizes pid and reports whether this call banned it.
func (ps *PeerScoring) RecordInvalidMessage(pid peer.ID, reason string) bool {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.scores[pid] += invalidMessageScore
	if ps.scores[pid] > banThreshold {
		return false
	}
	if entry, ok := ps.bans[pid]; ok && ps.clock.Now().Before(entry.Expires) {
		return false
	}
	ps.bans[pid] = BanEntry{Reason: reason, Expires: ps.clock.Now().Add(defaultBanDuration)}
	return true
}

func (ps *PeerScoring) Score(pid peer.ID) float64 {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return ps.scores[pid]
}

func (ps *PeerScoring) IsBanned(pid peer.ID) bool {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	entry, ok := ps.bans[pid]
	return ok && ps.clock.Now().Before(entry.Expires)
}

// Ban bans pid for duration regardless of its score.
func (ps *PeerScoring) Ban(pid peer.ID, reason string, duration time.Duration) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.bans[pid] = BanEntry{Reason: reason, Expires: ps.clock.Now().Add(duration)}
}

// Unban lifts a ban and resets the peer's score.
func (ps *PeerScoring) Unban(pid peer.ID) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	delete(ps.bans, pid)
	ps.scores[pid] = 0
}

// CleanupExpiredBans removes expired ban entries and returns the number removed.
func (ps *PeerScoring) CleanupExpiredBans() int {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	now := ps.clock.Now()
	removed := 0
	for pid, entry := range ps.bans {
		if !now.Before(entry.Expires) {
			delete(ps.bans, pid)
			removed++
		}
	}
	return removed
}

func (ps *PeerScoring) BannedCount() int {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	now := ps.clock.Now()
	count := 0
	for _, entry := range ps.bans {
		if now.Before(entry.Expires) {
			count++
		}
	}
	return count
}
