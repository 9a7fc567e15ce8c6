package p2p

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	libp2p "github.com/libp2p/go-libp2p"
	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"github.com/echenim/Bedrock/finality/internal/crypto"
	"github.com/echenim/Bedrock/finality/internal/telemetry"
	"github.com/echenim/Bedrock/finality/internal/types"
)

// HostConfig holds configuration for creating a P2P Host.
type HostConfig struct {
	// PrivateKey is the node's Ed25519 key. The libp2p peer ID is derived from it.
	PrivateKey crypto.PrivateKey
	// ListenAddr is a multiaddr string (e.g. "/ip4/0.0.0.0/tcp/26656").
	ListenAddr string
	// MaxPeers is the maximum number of non-validator connections.
	MaxPeers int
	// Seeds are full multiaddrs, including /p2p/<peer-id>.
	Seeds []string
	// Validators maps validator identities to their public keys so that
	// their peer IDs can be recognised and exempted from the peer limit.
	Validators map[types.ValidatorID]crypto.PublicKey
	RateLimit  RateLimitConfig
	// DedupCacheSize bounds the duplicate-delivery cache of the consensus
	// topic. Zero uses DefaultSeenCacheSize.
	DedupCacheSize int
	Clock          clockwork.Clock
	Logger         *zap.Logger
	Metrics        *telemetry.Metrics
}

// Host wraps a libp2p host with peer management and gossip.
type Host struct {
	host        host.Host
	gossip      *GossipManager
	discovery   *Discovery
	peerMgr     *PeerManager
	scoring     *PeerScoring
	rateLimiter *RateLimiter
	clock       clockwork.Clock
	dedupSize   int
	metrics     *telemetry.Metrics
	logger      *zap.Logger

	cancel context.CancelFunc
}

const maintenanceInterval = time.Minute

// PeerIDFromPublicKey derives the libp2p peer ID for an Ed25519 key.
func PeerIDFromPublicKey(pub crypto.PublicKey) (peer.ID, error) {
	pk, err := libp2pcrypto.UnmarshalEd25519PublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("p2p: unmarshal public key: %w", err)
	}
	return peer.IDFromPublicKey(pk)
}

// NewHost creates a libp2p host with an Ed25519 identity and wires peer
// tracking, scoring, rate limiting and GossipSub onto it.
func NewHost(ctx context.Context, cfg HostConfig) (*Host, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("p2p")
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = telemetry.NopMetrics()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	rl := cfg.RateLimit
	if rl == (RateLimitConfig{}) {
		rl = DefaultRateLimitConfig()
	}

	privKey, err := libp2pcrypto.UnmarshalEd25519PrivateKey(cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("p2p: unmarshal private key: %w", err)
	}

	listenAddr, err := multiaddr.NewMultiaddr(cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("p2p: invalid listen address %q: %w", cfg.ListenAddr, err)
	}

	seeds, err := ParseSeedAddrs(cfg.Seeds)
	if err != nil {
		return nil, fmt.Errorf("p2p: parse seeds: %w", err)
	}

	h, err := libp2p.New(
		libp2p.Identity(privKey),
		libp2p.ListenAddrs(listenAddr),
	)
	if err != nil {
		return nil, fmt.Errorf("p2p: create host: %w", err)
	}

	scoring := NewPeerScoring(clock)
	rateLimiter := NewRateLimiter(rl, clock)

	dedupSize := cfg.DedupCacheSize
	if dedupSize <= 0 {
		dedupSize = DefaultSeenCacheSize
	}

	maxPeers := cfg.MaxPeers
	if maxPeers <= 0 {
		maxPeers = 50
	}
	peerMgr := NewPeerManager(maxPeers, scoring)
	for id, pub := range cfg.Validators {
		pid, err := PeerIDFromPublicKey(pub)
		if err != nil {
			h.Close()
			return nil, fmt.Errorf("p2p: validator %s: %w", id, err)
		}
		peerMgr.MarkValidator(pid, id)
	}

	gossip, err := NewGossipManager(ctx, h, scoring, rateLimiter, metrics, logger)
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("p2p: create gossip: %w", err)
	}

	bh := &Host{
		host:        h,
		gossip:      gossip,
		discovery:   NewDiscovery(h, seeds, clock, logger),
		peerMgr:     peerMgr,
		scoring:     scoring,
		rateLimiter: rateLimiter,
		clock:       clock,
		dedupSize:   dedupSize,
		metrics:     metrics,
		logger:      logger,
	}

	h.Network().Notify(&network.NotifyBundle{
		ConnectedF: func(n network.Network, conn network.Conn) {
			pid := conn.RemotePeer()
			if !peerMgr.ShouldAcceptConnection(pid) {
				logger.Debug("refusing peer", zap.Stringer("peer", pid))
				go conn.Close()
				return
			}
			dir := Inbound
			if conn.Stat().Direction == network.DirOutbound {
				dir = Outbound
			}
			peerMgr.AddPeer(&PeerInfo{
				ID:        pid,
				Addrs:     []multiaddr.Multiaddr{conn.RemoteMultiaddr()},
				Direction: dir,
			})
			metrics.PeerCount.Set(float64(peerMgr.PeerCount()))
			logger.Debug("peer connected", zap.Stringer("peer", pid))
		},
		DisconnectedF: func(n network.Network, conn network.Conn) {
			pid := conn.RemotePeer()
			if n.Connectedness(pid) == network.Connected {
				return
			}
			peerMgr.RemovePeer(pid)
			metrics.PeerCount.Set(float64(peerMgr.PeerCount()))
			logger.Debug("peer disconnected", zap.Stringer("peer", pid))
		},
	})

	return bh, nil
}

// Start joins the consensus topic and begins seed discovery.
func (bh *Host) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	bh.cancel = cancel

	if _, err := bh.gossip.JoinTopic(TopicConsensus); err != nil {
		return fmt.Errorf("p2p: join consensus topic: %w", err)
	}
	if err := bh.gossip.RegisterConsensusValidator(); err != nil {
		return fmt.Errorf("p2p: register consensus validator: %w", err)
	}

	bh.discovery.Start(ctx)
	go bh.maintain(ctx)

	bh.logger.Info("p2p host started",
		zap.Stringer("peer_id", bh.host.ID()),
		zap.Any("listen_addrs", bh.host.Addrs()),
	)
	return nil
}

// maintain expires bans and forgets rate limiters of departed peers.
func (bh *Host) maintain(ctx context.Context) {
	ticker := bh.clock.NewTicker(maintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			bh.scoring.CleanupExpiredBans()
			bh.rateLimiter.Cleanup(10 * maintenanceInterval)
			bh.metrics.PeersBanned.Set(float64(bh.scoring.BannedCount()))
		}
	}
}

// Stop shuts down gossip and the libp2p host.
func (bh *Host) Stop() error {
	if bh.cancel != nil {
		bh.cancel()
	}
	bh.gossip.Close()
	return bh.host.Close()
}

func (bh *Host) ID() peer.ID { return bh.host.ID() }

func (bh *Host) Addrs() []multiaddr.Multiaddr { return bh.host.Addrs() }

// FullAddrs returns the listen addresses with the /p2p/<id> suffix, suitable
// for use as seeds by other nodes.
func (bh *Host) FullAddrs() ([]string, error) {
	addrs, err := peer.AddrInfoToP2pAddrs(&peer.AddrInfo{ID: bh.host.ID(), Addrs: bh.host.Addrs()})
	if err != nil {
		return nil, fmt.Errorf("p2p: full addrs: %w", err)
	}
	out := make([]string, len(addrs))
	for i, a := range addrs {
		out[i] = a.String()
	}
	return out, nil
}

// LibP2PHost returns the underlying libp2p host.
func (bh *Host) LibP2PHost() host.Host { return bh.host }

func (bh *Host) Gossip() *GossipManager { return bh.gossip }

func (bh *Host) PeerMgr() *PeerManager { return bh.peerMgr }

func (bh *Host) Scoring() *PeerScoring { return bh.scoring }
