package p2p

import (
	"context"
	"fmt"
	"sync"
	"time"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"go.uber.org/zap"

	"github.com/echenim/Bedrock/finality/internal/consensus"
	"github.com/echenim/Bedrock/finality/internal/telemetry"
	"github.com/echenim/Bedrock/finality/internal/types"
)

var (
	_ consensus.Network             = (*GossipNetwork)(nil)
	_ consensus.ProposalBroadcaster = (*GossipNetwork)(nil)
)

const publishTimeout = 5 * time.Second

// GossipNetwork carries consensus traffic over the GossipSub consensus topic.
type GossipNetwork struct {
	host    *Host
	metrics *telemetry.Metrics
	logger  *zap.Logger

	mu     sync.Mutex
	router *Router
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewGossipNetwork creates a network bound to a started Host. Inbound
// delivery begins with Start.
func NewGossipNetwork(host *Host) *GossipNetwork {
	return &GossipNetwork{
		host:    host,
		metrics: host.metrics,
		logger:  host.logger,
	}
}

// Broadcast publishes a PREPARE, COMMIT or NEW_ROUND message.
func (g *GossipNetwork) Broadcast(msg *types.ConsensusMessage) error {
	return g.publish(MsgConsensus, EncodeConsensusMessage(msg))
}

// BroadcastProposal publishes a candidate block.
func (g *GossipNetwork) BroadcastProposal(block *types.Block) error {
	return g.publish(MsgProposal, EncodeProposal(block))
}

func (g *GossipNetwork) publish(t MessageType, data []byte) error {
	g.mu.Lock()
	router := g.router
	g.mu.Unlock()
	if router != nil {
		router.MarkSeen(data)
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := g.host.gossip.Publish(ctx, TopicConsensus, data); err != nil {
		return fmt.Errorf("p2p: publish %s: %w", t, err)
	}
	g.metrics.MessagesSent.WithLabelValues(t.String()).Inc()
	return nil
}

// Start subscribes to the consensus topic and delivers every message from
// another peer to sink.
func (g *GossipNetwork) Start(ctx context.Context, sink Sink) error {
	router, err := NewRouter(sink, g.host.dedupSize, g.metrics, g.logger)
	if err != nil {
		return err
	}
	sub, err := g.host.gossip.Subscribe(TopicConsensus)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	g.mu.Lock()
	g.router = router
	g.cancel = cancel
	g.mu.Unlock()

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		g.readLoop(ctx, sub, router)
	}()
	return nil
}

// Stop ends the read loop and waits for it to exit.
func (g *GossipNetwork) Stop() {
	g.mu.Lock()
	cancel := g.cancel
	g.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	g.wg.Wait()
}

func (g *GossipNetwork) readLoop(ctx context.Context, sub *pubsub.Subscription, router *Router) {
	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			if ctx.Err() == nil {
				g.logger.Warn("gossip subscription error", zap.Error(err))
			}
			return
		}
		if msg.ReceivedFrom == g.host.ID() {
			continue
		}
		router.Deliver(msg.Data)
	}
}
