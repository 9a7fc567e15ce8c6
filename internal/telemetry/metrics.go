package telemetry

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Rejection reasons used as the "reason" label of MessagesRejected.
const (
	ReasonStale            = "stale"
	ReasonUnknownValidator = "unknown_validator"
	ReasonBadSignature     = "bad_signature"
	ReasonEquivocation     = "equivocation"
	ReasonTooFar           = "too_far_ahead"
	ReasonMalformed        = "malformed"
)

// Metrics holds the node's Prometheus collectors.
type Metrics struct {
	// Consensus.
	ConsensusHeight   prometheus.Gauge
	ConsensusRound    prometheus.Gauge
	ConsensusPhase    prometheus.Gauge
	BlockTime         prometheus.Histogram
	VotesAccepted     *prometheus.CounterVec // by message type
	MessagesRejected  *prometheus.CounterVec // by reason
	Equivocations     prometheus.Counter
	BlocksFinalized   prometheus.Counter
	LedgerFailures    prometheus.Counter
	BufferedMessages  prometheus.Gauge
	TimeoutsTriggered prometheus.Counter
	CatchUps          prometheus.Counter

	// P2P.
	PeerCount        prometheus.Gauge
	PeersBanned      prometheus.Gauge
	MessagesSent     *prometheus.CounterVec // by envelope type
	MessagesReceived *prometheus.CounterVec // by envelope type
	GossipRejected   *prometheus.CounterVec // by reason

	// Mempool.
	MempoolSize prometheus.Gauge
	TxsAccepted prometheus.Counter
	TxsRejected prometheus.Counter

	registry *prometheus.Registry
}

// NewMetrics creates all collectors and registers them, together with the
// Go and process collectors, on a private registry.
func NewMetrics(namespace string) *Metrics {
	m := buildMetrics(namespace)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(
		m.ConsensusHeight, m.ConsensusRound, m.ConsensusPhase, m.BlockTime,
		m.VotesAccepted, m.MessagesRejected, m.Equivocations,
		m.BlocksFinalized, m.LedgerFailures, m.BufferedMessages,
		m.TimeoutsTriggered, m.CatchUps,
		m.PeerCount, m.PeersBanned, m.MessagesSent, m.MessagesReceived, m.GossipRejected,
		m.MempoolSize, m.TxsAccepted, m.TxsRejected,
	)
	m.registry = reg
	return m
}

// NopMetrics returns a Metrics instance whose collectors are never exported.
func NopMetrics() *Metrics {
	m := buildMetrics("nop")
	m.registry = prometheus.NewRegistry()
	return m
}

func buildMetrics(ns string) *Metrics {
	gauge := func(sub, name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{Namespace: ns, Subsystem: sub, Name: name, Help: help})
	}
	counter := func(sub, name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{Namespace: ns, Subsystem: sub, Name: name, Help: help})
	}

	return &Metrics{
		ConsensusHeight: gauge("consensus", "height", "Height the engine is currently deciding."),
		ConsensusRound:  gauge("consensus", "round", "Local round counter for the current height."),
		ConsensusPhase:  gauge("consensus", "phase", "Current round phase (0=idle .. 5=finalized)."),
		BlockTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns,
			Subsystem: "consensus",
			Name:      "block_time_seconds",
			Help:      "Time between consecutive finalizations.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		VotesAccepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: "consensus",
			Name:      "votes_accepted_total",
			Help:      "Votes recorded in a tally, by message type.",
		}, []string{"type"}),
		MessagesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: "consensus",
			Name:      "messages_rejected_total",
			Help:      "Inbound consensus messages dropped, by reason.",
		}, []string{"reason"}),
		Equivocations:     counter("consensus", "equivocations_total", "Conflicting votes detected."),
		BlocksFinalized:   counter("consensus", "blocks_finalized_total", "Blocks finalized and appended to the ledger."),
		LedgerFailures:    counter("consensus", "ledger_append_failures_total", "Failed ledger appends."),
		BufferedMessages:  gauge("consensus", "buffered_messages", "Messages held for a future height."),
		TimeoutsTriggered: counter("consensus", "timeouts_triggered_total", "Round timeouts delivered to the engine."),
		CatchUps:          counter("consensus", "catch_ups_total", "Height jumps triggered by a higher NEW_ROUND."),

		PeerCount:   gauge("p2p", "peers_connected", "Number of connected peers."),
		PeersBanned: gauge("p2p", "peers_banned", "Number of currently banned peers."),
		MessagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: "p2p",
			Name:      "messages_sent_total",
			Help:      "Total number of messages published, by type.",
		}, []string{"type"}),
		MessagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: "p2p",
			Name:      "messages_received_total",
			Help:      "Total number of messages delivered to the engine, by type.",
		}, []string{"type"}),
		GossipRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: "p2p",
			Name:      "messages_rejected_total",
			Help:      "Gossip messages dropped before reaching the engine, by reason.",
		}, []string{"reason"}),

		MempoolSize: gauge("mempool", "size", "Current number of transactions in the mempool."),
		TxsAccepted: counter("mempool", "txs_accepted_total", "Total transactions accepted into the mempool."),
		TxsRejected: counter("mempool", "txs_rejected_total", "Total transactions rejected from the mempool."),
	}
}

// Registry returns the Prometheus registry for this metrics instance.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler exposing the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// MetricsServer serves Prometheus metrics via HTTP.
type MetricsServer struct {
	server *http.Server
	logger *zap.Logger
}

// NewMetricsServer creates a metrics HTTP server.
func NewMetricsServer(addr string, metrics *Metrics, logger *zap.Logger) *MetricsServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())

	return &MetricsServer{
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger.Named("metrics"),
	}
}

// Start serves on the configured address until Stop is called.
func (ms *MetricsServer) Start() error {
	lis, err := net.Listen("tcp", ms.server.Addr)
	if err != nil {
		return err
	}
	return ms.Serve(lis)
}

// Serve serves on an existing listener until Stop is called.
func (ms *MetricsServer) Serve(lis net.Listener) error {
	ms.logger.Info("metrics server starting", zap.String("addr", lis.Addr().String()))
	if err := ms.server.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully shuts down the metrics server.
func (ms *MetricsServer) Stop(ctx context.Context) error {
	return ms.server.Shutdown(ctx)
}
