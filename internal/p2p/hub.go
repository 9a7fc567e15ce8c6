package p2p

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/echenim/Bedrock/finality/internal/consensus"
	"github.com/echenim/Bedrock/finality/internal/telemetry"
	"github.com/echenim/Bedrock/finality/internal/types"
)

var (
	_ consensus.Network             = (*HubEndpoint)(nil)
	_ consensus.ProposalBroadcaster = (*HubEndpoint)(nil)
)

var (
	ErrHubClosed      = errors.New("p2p: hub closed")
	ErrDuplicateJoin  = errors.New("p2p: validator already joined")
	ErrAlreadyStarted = errors.New("p2p: endpoint already started")
)

// DefaultInboxSize is the per-endpoint delivery queue length.
const DefaultInboxSize = 4096

// DropFunc decides whether a message from one validator to another is lost.
// It is used to simulate partitions and lossy links.
type DropFunc func(from, to types.ValidatorID, t MessageType) bool

// Hub is an in-process network connecting validators that share one address
// space. Each endpoint receives the wire encoding of every message broadcast
// by the others, in per-sender FIFO order, and decodes its own copy.
type Hub struct {
	metrics *telemetry.Metrics
	logger  *zap.Logger

	mu        sync.RWMutex
	endpoints map[types.ValidatorID]*HubEndpoint
	order     []types.ValidatorID
	drop      DropFunc
	closed    bool
	done      chan struct{}
	wg        sync.WaitGroup
}

// NewHub creates an empty hub.
func NewHub(metrics *telemetry.Metrics, logger *zap.Logger) *Hub {
	if metrics == nil {
		metrics = telemetry.NopMetrics()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		metrics:   metrics,
		logger:    logger.Named("hub"),
		endpoints: make(map[types.ValidatorID]*HubEndpoint),
		done:      make(chan struct{}),
	}
}

// Join registers a validator and returns its endpoint. The endpoint queues
// inbound traffic until Start attaches a sink.
func (h *Hub) Join(id types.ValidatorID) (*HubEndpoint, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, ErrHubClosed
	}
	if _, ok := h.endpoints[id]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateJoin, id)
	}
	ep := &HubEndpoint{
		hub:   h,
		id:    id,
		inbox: make(chan []byte, DefaultInboxSize),
	}
	h.endpoints[id] = ep
	h.order = append(h.order, id)
	return ep, nil
}

// SetDropFilter installs f, or clears the filter when f is nil.
func (h *Hub) SetDropFilter(f DropFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.drop = f
}

// Partition drops all traffic between the two groups until Heal is called.
func (h *Hub) Partition(a, b []types.ValidatorID) {
	side := make(map[types.ValidatorID]int, len(a)+len(b))
	for _, id := range a {
		side[id] = 1
	}
	for _, id := range b {
		side[id] = 2
	}
	h.SetDropFilter(func(from, to types.ValidatorID, _ MessageType) bool {
		sf, st := side[from], side[to]
		return sf != 0 && st != 0 && sf != st
	})
}

// Heal removes any partition or drop filter.
func (h *Hub) Heal() { h.SetDropFilter(nil) }

// Close stops delivery and waits for all endpoint loops to exit.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	close(h.done)
	h.mu.Unlock()
	h.wg.Wait()
}

func (h *Hub) broadcast(from types.ValidatorID, t MessageType, data []byte) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.closed {
		return ErrHubClosed
	}
	h.metrics.MessagesSent.WithLabelValues(t.String()).Inc()
	for _, id := range h.order {
		if id == from {
			continue
		}
		if h.drop != nil && h.drop(from, id, t) {
			h.metrics.GossipRejected.WithLabelValues("dropped").Inc()
			continue
		}
		select {
		case h.endpoints[id].inbox <- data:
		default:
			h.metrics.GossipRejected.WithLabelValues("queue_full").Inc()
			h.logger.Warn("inbox full, dropping message",
				zap.Stringer("to", id),
				zap.Stringer("type", t),
			)
		}
	}
	return nil
}

// HubEndpoint is one validator's attachment to a Hub. It implements
// consensus.Network and consensus.ProposalBroadcaster.
type HubEndpoint struct {
	hub   *Hub
	id    types.ValidatorID
	inbox chan []byte

	startOnce sync.Once
}

// ID returns the validator this endpoint belongs to.
func (ep *HubEndpoint) ID() types.ValidatorID { return ep.id }

// Broadcast sends msg to every other endpoint.
func (ep *HubEndpoint) Broadcast(msg *types.ConsensusMessage) error {
	return ep.hub.broadcast(ep.id, MsgConsensus, EncodeConsensusMessage(msg))
}

// BroadcastProposal sends block to every other endpoint.
func (ep *HubEndpoint) BroadcastProposal(block *types.Block) error {
	return ep.hub.broadcast(ep.id, MsgProposal, EncodeProposal(block))
}

// Start begins delivering queued and future traffic to sink.
func (ep *HubEndpoint) Start(sink Sink) error {
	router, err := NewRouter(sink, DefaultSeenCacheSize, ep.hub.metrics, ep.hub.logger.With(zap.Stringer("validator", ep.id)))
	if err != nil {
		return err
	}

	ep.hub.mu.Lock()
	defer ep.hub.mu.Unlock()
	if ep.hub.closed {
		return ErrHubClosed
	}

	started := false
	ep.startOnce.Do(func() {
		started = true
		ep.hub.wg.Add(1)
		go ep.deliverLoop(router)
	})
	if !started {
		return ErrAlreadyStarted
	}
	return nil
}

func (ep *HubEndpoint) deliverLoop(router *Router) {
	defer ep.hub.wg.Done()
	for {
		select {
		case <-ep.hub.done:
			return
		case data := <-ep.inbox:
			router.Deliver(data)
		}
	}
}
