// Package watchdog detects stalled consensus heights and fires the engine's
// timeout hook with exponential backoff.
package watchdog

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/echenim/Bedrock/finality/internal/consensus"
)

// Target is the engine surface the watchdog observes.
type Target interface {
	Status() consensus.Status
	OnTimeout(ctx context.Context, height uint64) error
}

// Config holds the backoff settings.
type Config struct {
	Base time.Duration // first stall deadline (default: 3s)
	Max  time.Duration // cap on the deadline (default: 60s)
}

// Watchdog fires Target.OnTimeout when a height makes no progress for
// Base * 2^k, where k counts consecutive timeouts at that height.
type Watchdog struct {
	target Target
	base   time.Duration
	max    time.Duration
	clock  clockwork.Clock
	logger *zap.Logger
}

// New creates a watchdog. A nil clock uses the real clock.
func New(target Target, cfg Config, clock clockwork.Clock, logger *zap.Logger) *Watchdog {
	if cfg.Base <= 0 {
		cfg.Base = 3 * time.Second
	}
	if cfg.Max <= 0 {
		cfg.Max = 60 * time.Second
	}
	if cfg.Max < cfg.Base {
		cfg.Max = cfg.Base
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watchdog{
		target: target,
		base:   cfg.Base,
		max:    cfg.Max,
		clock:  clock,
		logger: logger.Named("watchdog"),
	}
}

// TimeoutDuration returns the deadline after k consecutive timeouts.
func (w *Watchdog) TimeoutDuration(k uint) time.Duration {
	// Cap exponent to prevent overflow.
	if k > 20 {
		k = 20
	}
	d := w.base * (1 << k)
	if d > w.max || d <= 0 {
		d = w.max
	}
	return d
}

type progress struct {
	height  uint64
	phase   string
	prepare int
	commit  int
}

func progressOf(st consensus.Status) progress {
	return progress{height: st.Height, phase: st.Phase, prepare: st.PrepareVotes, commit: st.CommitVotes}
}

// Run watches the target until ctx is cancelled.
func (w *Watchdog) Run(ctx context.Context) error {
	last := progressOf(w.target.Status())
	var strikes uint

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-w.clock.After(w.TimeoutDuration(strikes)):
		}

		now := progressOf(w.target.Status())
		if now != last {
			if now.height != last.height {
				strikes = 0
			}
			last = now
			continue
		}

		w.logger.Info("consensus stalled",
			zap.Uint64("height", now.height),
			zap.String("phase", now.phase),
			zap.Uint("strikes", strikes),
		)
		if err := w.target.OnTimeout(ctx, now.height); err != nil {
			w.logger.Error("timeout hook failed", zap.Uint64("height", now.height), zap.Error(err))
		}
		strikes++
		last = progressOf(w.target.Status())
	}
}
