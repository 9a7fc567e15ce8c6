package p2p

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/libp2p/go-libp2p/core/peer"
	"golang.org/x/time/rate"
)

// RateLimitConfig defines per-peer rate limits.
type RateLimitConfig struct {
	ProposalRate    float64 // proposals per second
	ConsensusRate   float64 // votes and NEW_ROUND per second
	GlobalRate      float64 // total messages per second per peer
	BurstMultiplier float64 // burst capacity = rate * multiplier
}

// DefaultRateLimitConfig returns sensible defaults.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		ProposalRate:    2,
		ConsensusRate:   40,
		GlobalRate:      60,
		BurstMultiplier: 3,
	}
}

func (c RateLimitConfig) limiter(r float64) *rate.Limiter {
	burst := int(r * c.BurstMultiplier)
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(r), burst)
}

type peerLimiters struct {
	global    *rate.Limiter
	proposal  *rate.Limiter
	consensus *rate.Limiter
	lastSeen  time.Time
}

// RateLimiter tracks per-peer, per-type token buckets.
type RateLimiter struct {
	mu     sync.Mutex
	peers  map[peer.ID]*peerLimiters
	config RateLimitConfig
	clock  clockwork.Clock
}

// NewRateLimiter creates a RateLimiter with the given config. A nil clock
// uses the wall clock.
func NewRateLimiter(cfg RateLimitConfig, clock clockwork.Clock) *RateLimiter {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &RateLimiter{
		peers:  make(map[peer.ID]*peerLimiters),
		config: cfg,
		clock:  clock,
	}
}

func (rl *RateLimiter) getOrCreate(pid peer.ID, now time.Time) *peerLimiters {
	pl, ok := rl.peers[pid]
	if !ok {
		pl = &peerLimiters{
			global:    rl.config.limiter(rl.config.GlobalRate),
			proposal:  rl.config.limiter(rl.config.ProposalRate),
			consensus: rl.config.limiter(rl.config.ConsensusRate),
		}
		rl.peers[pid] = pl
	}
	pl.lastSeen = now
	return pl
}

// Allow reports whether a message of the given type from pid may pass.
func (rl *RateLimiter) Allow(pid peer.ID, msgType MessageType) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clock.Now()
	pl := rl.getOrCreate(pid, now)

	if !pl.global.AllowN(now, 1) {
		return false
	}
	switch msgType {
	case MsgProposal:
		return pl.proposal.AllowN(now, 1)
	case MsgConsensus:
		return pl.consensus.AllowN(now, 1)
	default:
		return true
	}
}

// Cleanup drops limiters for peers not seen within staleAfter and returns
// how many were removed.
func (rl *RateLimiter) Cleanup(staleAfter time.Duration) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	cutoff := rl.clock.Now().Add(-staleAfter)
	removed := 0
	for pid, pl := range rl.peers {
		if pl.lastSeen.Before(cutoff) {
			delete(rl.peers, pid)
			removed++
		}
	}
	return removed
}
