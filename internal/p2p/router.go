package p2p

import (
	"errors"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/echenim/Bedrock/finality/internal/crypto"
	"github.com/echenim/Bedrock/finality/internal/telemetry"
	"github.com/echenim/Bedrock/finality/internal/types"
)

// DefaultSeenCacheSize bounds the duplicate-suppression cache.
const DefaultSeenCacheSize = 8192

// Sink receives decoded messages. *consensus.Engine implements it.
type Sink interface {
	Submit(msg *types.ConsensusMessage) error
	SubmitProposal(block *types.Block) error
}

// Router decodes inbound wire messages, suppresses duplicates and hands
// the result to a Sink. It is shared by every transport in this package.
type Router struct {
	sink    Sink
	seen    *lru.Cache[types.Hash, struct{}]
	metrics *telemetry.Metrics
	logger  *zap.Logger
}

// NewRouter creates a Router delivering to sink.
func NewRouter(sink Sink, seenSize int, metrics *telemetry.Metrics, logger *zap.Logger) (*Router, error) {
	if sink == nil {
		return nil, errors.New("p2p: router requires a sink")
	}
	if seenSize <= 0 {
		seenSize = DefaultSeenCacheSize
	}
	seen, err := lru.New[types.Hash, struct{}](seenSize)
	if err != nil {
		return nil, fmt.Errorf("p2p: seen cache: %w", err)
	}
	if metrics == nil {
		metrics = telemetry.NopMetrics()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{sink: sink, seen: seen, metrics: metrics, logger: logger}, nil
}

// Deliver routes a single wire message. It returns false when the message
// was a duplicate or could not be decoded.
func (r *Router) Deliver(data []byte) bool {
	key := crypto.HashSHA256(data)
	if ok, _ := r.seen.ContainsOrAdd(key, struct{}{}); ok {
		r.metrics.GossipRejected.WithLabelValues("duplicate").Inc()
		return false
	}

	decoded, err := DecodeMessage(data)
	if err != nil {
		r.metrics.GossipRejected.WithLabelValues("decode_error").Inc()
		r.logger.Debug("failed to decode message", zap.Error(err))
		return false
	}
	r.metrics.MessagesReceived.WithLabelValues(decoded.Type.String()).Inc()

	switch decoded.Type {
	case MsgConsensus:
		err = r.sink.Submit(decoded.Message)
	case MsgProposal:
		err = r.sink.SubmitProposal(decoded.Block)
	}
	if err != nil {
		r.logger.Warn("engine refused delivery",
			zap.Stringer("type", decoded.Type),
			zap.Error(err),
		)
	}
	return true
}

// MarkSeen records an outbound message so that an echo from the network
// is not handed back to the local engine.
func (r *Router) MarkSeen(data []byte) {
	r.seen.Add(crypto.HashSHA256(data), struct{}{})
}
