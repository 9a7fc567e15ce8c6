package p2p

import (
	"context"
	"fmt"
	"sync"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	pubsubpb "github.com/libp2p/go-libp2p-pubsub/pb"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/zap"

	"github.com/echenim/Bedrock/finality/internal/crypto"
	"github.com/echenim/Bedrock/finality/internal/telemetry"
)

// TopicConsensus carries proposals and votes.
const TopicConsensus = "/finality/consensus/v1"

// GossipManager manages GossipSub topics and subscriptions.
type GossipManager struct {
	ps          *pubsub.PubSub
	host        host.Host
	scoring     *PeerScoring
	rateLimiter *RateLimiter
	metrics     *telemetry.Metrics
	logger      *zap.Logger

	mu     sync.RWMutex
	topics map[string]*pubsub.Topic
	subs   map[string]*pubsub.Subscription
}

// NewGossipManager creates a GossipSub router with flood publishing, so a
// vote reaches every subscribed validator in one hop.
func NewGossipManager(ctx context.Context, h host.Host, scoring *PeerScoring, rateLimiter *RateLimiter, metrics *telemetry.Metrics, logger *zap.Logger) (*GossipManager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = telemetry.NopMetrics()
	}

	// Consensus messages carry their own validator signatures. Unsigned
	// gossip has no sender seqno, so message IDs are content hashes.
	ps, err := pubsub.NewGossipSub(ctx, h,
		pubsub.WithFloodPublish(true),
		pubsub.WithMessageSignaturePolicy(pubsub.StrictNoSign),
		pubsub.WithMessageIdFn(contentID),
		pubsub.WithMaxMessageSize(MaxMessageSize),
	)
	if err != nil {
		return nil, fmt.Errorf("p2p: create gossipsub: %w", err)
	}

	return &GossipManager{
		ps:          ps,
		host:        h,
		scoring:     scoring,
		rateLimiter: rateLimiter,
		metrics:     metrics,
		logger:      logger,
		topics:      make(map[string]*pubsub.Topic),
		subs:        make(map[string]*pubsub.Subscription),
	}, nil
}

func contentID(m *pubsubpb.Message) string {
	return string(crypto.HashSHA256(m.GetData()).Bytes())
}

// JoinTopic joins a GossipSub topic once and caches the handle.
func (gm *GossipManager) JoinTopic(topicName string) (*pubsub.Topic, error) {
	gm.mu.Lock()
	defer gm.mu.Unlock()

	if t, ok := gm.topics[topicName]; ok {
		return t, nil
	}
	topic, err := gm.ps.Join(topicName)
	if err != nil {
		return nil, fmt.Errorf("p2p: join topic %s: %w", topicName, err)
	}
	gm.topics[topicName] = topic
	return topic, nil
}

// Subscribe subscribes to a joined topic.
func (gm *GossipManager) Subscribe(topicName string) (*pubsub.Subscription, error) {
	gm.mu.Lock()
	defer gm.mu.Unlock()

	if sub, ok := gm.subs[topicName]; ok {
		return sub, nil
	}
	topic, ok := gm.topics[topicName]
	if !ok {
		return nil, fmt.Errorf("p2p: topic %s not joined", topicName)
	}
	sub, err := topic.Subscribe()
	if err != nil {
		return nil, fmt.Errorf("p2p: subscribe to %s: %w", topicName, err)
	}
	gm.subs[topicName] = sub
	return sub, nil
}

// Publish publishes data to a joined topic.
func (gm *GossipManager) Publish(ctx context.Context, topicName string, data []byte) error {
	gm.mu.RLock()
	topic, ok := gm.topics[topicName]
	gm.mu.RUnlock()

	if !ok {
		return fmt.Errorf("p2p: topic %s not joined", topicName)
	}
	return topic.Publish(ctx, data)
}

// RegisterConsensusValidator installs the first-stage gossip filter for the
// consensus topic: ban check, size check, rate limit and envelope decode.
// Signature and membership checks stay with the engine.
func (gm *GossipManager) RegisterConsensusValidator() error {
	return gm.ps.RegisterTopicValidator(TopicConsensus, gm.validate)
}

func (gm *GossipManager) validate(_ context.Context, from peer.ID, msg *pubsub.Message) pubsub.ValidationResult {
	if from == gm.host.ID() {
		return pubsub.ValidationAccept
	}
	if gm.scoring.IsBanned(from) {
		gm.metrics.GossipRejected.WithLabelValues("banned").Inc()
		return pubsub.ValidationReject
	}
	if len(msg.Data) == 0 || len(msg.Data) > MaxMessageSize {
		gm.penalize(from, "bad_size")
		return pubsub.ValidationReject
	}
	if !gm.rateLimiter.Allow(from, MessageType(msg.Data[0])) {
		gm.metrics.GossipRejected.WithLabelValues("rate_limited").Inc()
		return pubsub.ValidationIgnore
	}
	if _, err := DecodeMessage(msg.Data); err != nil {
		gm.penalize(from, "decode_error")
		return pubsub.ValidationReject
	}
	gm.scoring.RecordValidMessage(from)
	return pubsub.ValidationAccept
}

func (gm *GossipManager) penalize(from peer.ID, reason string) {
	gm.metrics.GossipRejected.WithLabelValues(reason).Inc()
	if gm.scoring.RecordInvalidMessage(from, reason) {
		gm.metrics.PeersBanned.Set(float64(gm.scoring.BannedCount()))
		gm.logger.Warn("peer banned", zap.Stringer("peer", from), zap.String("reason", reason))
	}
}

// Close cancels all subscriptions and leaves all topics.
func (gm *GossipManager) Close() {
	gm.mu.Lock()
	defer gm.mu.Unlock()

	for name, sub := range gm.subs {
		sub.Cancel()
		delete(gm.subs, name)
	}
	for name, topic := range gm.topics {
		if err := topic.Close(); err != nil {
			gm.logger.Debug("close topic", zap.String("topic", name), zap.Error(err))
		}
		delete(gm.topics, name)
	}
}
