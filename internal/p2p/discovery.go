package p2p

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"
)

const (
	reconnectInterval = 30 * time.Second
	connectTimeout    = 10 * time.Second

	// A seed that is not up yet is retried from dialBackoffBase up to
	// dialBackoffMax between attempts, for at most one reconnect interval.
	dialBackoffBase = 250 * time.Millisecond
	dialBackoffMax  = 5 * time.Second
)

// Discovery dials a fixed set of seed peers and redials any that drop.
// Validator sets are small and known up front, so no DHT is used.
type Discovery struct {
	host   host.Host
	seeds  []peer.AddrInfo
	clock  clockwork.Clock
	logger *zap.Logger
}

// NewDiscovery creates a Discovery instance with the given seed addresses.
func NewDiscovery(h host.Host, seeds []peer.AddrInfo, clock clockwork.Clock, logger *zap.Logger) *Discovery {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Discovery{host: h, seeds: seeds, clock: clock, logger: logger}
}

// ParseSeedAddrs parses multiaddr strings into peer.AddrInfo structs.
// Each string must be a full multiaddr including the /p2p/<peer-id> component.
func ParseSeedAddrs(addrs []string) ([]peer.AddrInfo, error) {
	infos := make([]peer.AddrInfo, 0, len(addrs))
	for _, s := range addrs {
		ma, err := multiaddr.NewMultiaddr(s)
		if err != nil {
			return nil, fmt.Errorf("p2p: invalid seed addr %q: %w", s, err)
		}
		info, err := peer.AddrInfoFromP2pAddr(ma)
		if err != nil {
			return nil, fmt.Errorf("p2p: parse seed addr %q: %w", s, err)
		}
		infos = append(infos, *info)
	}
	return infos, nil
}

// Start dials the seeds in the background and keeps redialing any that
// drop until ctx is cancelled.
func (d *Discovery) Start(ctx context.Context) {
	go func() {
		d.connectToSeeds(ctx)
		d.reconnectLoop(ctx)
	}()
}

// connectToSeeds dials every disconnected seed concurrently and waits for
// the attempts to settle.
func (d *Discovery) connectToSeeds(ctx context.Context) {
	var wg sync.WaitGroup
	for _, seed := range d.seeds {
		if seed.ID == d.host.ID() {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := d.dial(ctx, seed); err != nil {
				d.logger.Warn("failed to connect to seed",
					zap.Stringer("peer", seed.ID),
					zap.Error(err),
				)
			}
		}()
	}
	wg.Wait()
}

func (d *Discovery) dial(ctx context.Context, seed peer.AddrInfo) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = dialBackoffBase
	b.MaxInterval = dialBackoffMax
	b.MaxElapsedTime = reconnectInterval

	attempts := 0
	return backoff.Retry(func() error {
		if d.host.Network().Connectedness(seed.ID) == network.Connected {
			return nil
		}
		attempts++
		connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
		defer cancel()
		if err := d.host.Connect(connectCtx, seed); err != nil {
			d.logger.Debug("seed dial failed",
				zap.Stringer("peer", seed.ID),
				zap.Int("attempt", attempts),
				zap.Error(err),
			)
			return err
		}
		d.logger.Info("connected to seed", zap.Stringer("peer", seed.ID), zap.Int("attempts", attempts))
		return nil
	}, backoff.WithContext(b, ctx))
}

func (d *Discovery) reconnectLoop(ctx context.Context) {
	ticker := d.clock.NewTicker(reconnectInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			d.connectToSeeds(ctx)
		}
	}
}
