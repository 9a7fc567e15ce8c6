package node

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/echenim/Bedrock/finality/internal/admin"
	"github.com/echenim/Bedrock/finality/internal/config"
	"github.com/echenim/Bedrock/finality/internal/consensus"
	"github.com/echenim/Bedrock/finality/internal/crypto"
	"github.com/echenim/Bedrock/finality/internal/ledger"
	"github.com/echenim/Bedrock/finality/internal/mempool"
	"github.com/echenim/Bedrock/finality/internal/p2p"
	"github.com/echenim/Bedrock/finality/internal/rpc"
	"github.com/echenim/Bedrock/finality/internal/telemetry"
	"github.com/echenim/Bedrock/finality/internal/types"
	"github.com/echenim/Bedrock/finality/internal/watchdog"
)

var (
	ErrChainIDMismatch = errors.New("node: config chain_id does not match genesis")
	ErrNotInGenesis    = errors.New("node: validator not in genesis")
	ErrKeyMismatch     = errors.New("node: private key does not match genesis public key")
	ErrAlreadyStarted  = errors.New("node: already started")
)

// maxBlockBytes keeps a proposal, with its header and signatures, inside a
// single gossip message.
const maxBlockBytes = p2p.MaxMessageSize - 64<<10

// Node is the top-level finality node that owns and manages all subsystems.
type Node struct {
	cfg    *config.Config
	id     types.ValidatorID
	valSet *types.ValidatorSet
	clock  clockwork.Clock

	// Subsystems.
	ledger      ledger.Store
	host        *p2p.Host
	network     *p2p.GossipNetwork
	engine      *consensus.Engine
	watchdog    *watchdog.Watchdog
	mempool     *mempool.Mempool
	rpcServer   *rpc.Server
	adminServer *admin.Server
	metrics     *telemetry.Metrics
	metricsSrv  *telemetry.MetricsServer

	svcMgr *ServiceManager
	logger *zap.Logger

	// hostCancel bounds the lifetime of the gossip router, which libp2p ties
	// to the context it was created with.
	hostCancel context.CancelFunc

	mu       sync.Mutex
	started  bool
	cancel   context.CancelFunc
	group    *errgroup.Group
	stopOnce sync.Once
	stopErr  error
	done     chan struct{}
}

// NewNode creates and wires all subsystems without starting them.
func NewNode(
	cfg *config.Config,
	privKey crypto.PrivateKey,
	genesis *config.GenesisDoc,
	logger *zap.Logger,
) (*Node, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	id := types.ValidatorID(cfg.ValidatorID)

	// 1. Identity and roster.
	if genesis.ChainID != cfg.ChainID {
		return nil, fmt.Errorf("%w: %q vs %q", ErrChainIDMismatch, cfg.ChainID, genesis.ChainID)
	}
	valSet, keyRing, err := genesis.ValidatorSet()
	if err != nil {
		return nil, fmt.Errorf("node: genesis validator set: %w", err)
	}
	pub, ok := keyRing.PublicKey(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotInGenesis, id)
	}
	signer, err := crypto.NewEd25519Signer(privKey)
	if err != nil {
		return nil, fmt.Errorf("node: signer: %w", err)
	}
	if !pub.Equal(signer.PublicKey()) {
		return nil, fmt.Errorf("%w: %s", ErrKeyMismatch, id)
	}
	pubKeys, err := genesis.PublicKeys()
	if err != nil {
		return nil, fmt.Errorf("node: genesis keys: %w", err)
	}

	// 2. Metrics.
	metrics := telemetry.NopMetrics()
	var metricsSrv *telemetry.MetricsServer
	if cfg.Telemetry.Enabled {
		metrics = telemetry.NewMetrics(cfg.Telemetry.Namespace)
		metricsSrv = telemetry.NewMetricsServer(cfg.Telemetry.Addr, metrics, logger)
	}

	// 3. Ledger.
	hasher := crypto.SHA256Hasher{}
	store, err := ledger.Open(cfg.Storage.Backend, cfg.Storage.DBPath, hasher, logger)
	if err != nil {
		return nil, fmt.Errorf("node: open ledger: %w", err)
	}

	// 4. P2P.
	hostCtx, hostCancel := context.WithCancel(context.Background())
	host, err := p2p.NewHost(hostCtx, p2p.HostConfig{
		PrivateKey:     privKey,
		ListenAddr:     cfg.P2P.ListenAddr,
		MaxPeers:       cfg.P2P.MaxPeers,
		Seeds:          append(append([]string(nil), cfg.P2P.Seeds...), genesis.Seeds(cfg.ValidatorID)...),
		Validators:     pubKeys,
		DedupCacheSize: cfg.P2P.DedupCacheSize,
		Logger:         logger,
		Metrics:        metrics,
	})
	if err != nil {
		hostCancel()
		store.Close()
		return nil, fmt.Errorf("node: create p2p host: %w", err)
	}
	network := p2p.NewGossipNetwork(host)

	// 5. Consensus engine.
	ecfg := consensus.DefaultEngineConfig()
	ecfg.ID = id
	ecfg.ValSet = valSet
	ecfg.Signer = signer
	ecfg.Verifier = keyRing
	ecfg.Hasher = hasher
	ecfg.Network = network
	ecfg.Ledger = store
	ecfg.Logger = logger
	ecfg.Metrics = metrics
	ecfg.FutureBufferSize = cfg.Consensus.FutureBufferSize
	ecfg.MaxFutureHeights = cfg.Consensus.MaxFutureHeights
	ecfg.VerifyWorkers = cfg.Consensus.VerifyWorkers
	ecfg.MaxPending = cfg.Consensus.MaxPending

	engine, err := consensus.NewEngine(ecfg)
	if err != nil {
		host.Stop()
		hostCancel()
		store.Close()
		return nil, fmt.Errorf("node: create consensus engine: %w", err)
	}

	// 6. Watchdog.
	wd := watchdog.New(engine, watchdog.Config{
		Base: cfg.Consensus.TimeoutBase.Duration,
		Max:  cfg.Consensus.TimeoutMax.Duration,
	}, nil, logger)

	// 7. Mempool.
	mp, err := mempool.New(cfg.Mempool, metrics, logger)
	if err != nil {
		host.Stop()
		hostCancel()
		store.Close()
		return nil, fmt.Errorf("node: create mempool: %w", err)
	}

	n := &Node{
		cfg:        cfg,
		id:         id,
		valSet:     valSet,
		clock:      clockwork.NewRealClock(),
		ledger:     store,
		host:       host,
		network:    network,
		engine:     engine,
		watchdog:   wd,
		mempool:    mp,
		metrics:    metrics,
		metricsSrv: metricsSrv,
		svcMgr:     NewServiceManager(logger),
		logger:     logger,
		hostCancel: hostCancel,
		done:       make(chan struct{}),
	}

	// 8. Operator surfaces.
	if cfg.RPC.GRPCAddr != "" {
		n.rpcServer = rpc.NewServer(cfg.RPC, logger)
		n.rpcServer.RegisterNodeService(rpc.NewNodeService(rpc.NodeServiceConfig{
			Consensus: engine,
			Mempool:   mp,
			Ledger:    store,
			Moniker:   cfg.Moniker,
			ChainID:   cfg.ChainID,
			Logger:    logger.Named("rpc"),
		}))
	}
	if cfg.RPC.AdminAddr != "" {
		n.adminServer = admin.NewServer(cfg.RPC.AdminAddr, engine, mp, store, logger)
	}

	n.registerServices()
	return n, nil
}

// registerServices lists subsystems in start order; they stop in reverse.
func (n *Node) registerServices() {
	n.svcMgr.Add(&funcService{
		name:  "p2p",
		start: n.host.Start,
		stop:  n.host.Stop,
	})
	n.svcMgr.Add(&funcService{
		name:  "consensus",
		start: n.engine.Start,
		stop:  n.engine.Stop,
	})
	n.svcMgr.Add(&funcService{
		name: "gossip",
		start: func(ctx context.Context) error {
			return n.network.Start(ctx, n.engine)
		},
		stop: func() error {
			n.network.Stop()
			return nil
		},
	})
	if n.rpcServer != nil {
		n.svcMgr.Add(n.rpcServer)
	}
	if n.adminServer != nil {
		n.svcMgr.Add(n.adminServer)
	}
	if n.metricsSrv != nil {
		n.svcMgr.Add(&funcService{
			name: "metrics",
			start: func(ctx context.Context) error {
				go func() {
					if err := n.metricsSrv.Start(); err != nil {
						n.logger.Error("metrics server error", zap.Error(err))
					}
				}()
				return nil
			},
			stop: func() error {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return n.metricsSrv.Stop(ctx)
			},
		})
	}
}

// Start boots all subsystems in dependency order, then runs the proposer,
// finalize and watchdog loops until Stop.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.started {
		return ErrAlreadyStarted
	}

	n.logger.Info("node starting",
		zap.Stringer("validator", n.id),
		zap.String("moniker", n.cfg.Moniker),
		zap.String("chain_id", n.cfg.ChainID),
		zap.Int("validators", n.valSet.Size()),
		zap.Uint64("height", n.engine.Height()),
	)

	ctx, cancel := context.WithCancel(ctx)
	if err := n.svcMgr.StartAll(ctx); err != nil {
		cancel()
		return fmt.Errorf("node: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return n.watchdog.Run(gctx) })
	g.Go(func() error { return n.proposerLoop(gctx) })
	g.Go(func() error { return n.finalizeLoop(gctx) })

	n.cancel = cancel
	n.group = g
	n.started = true

	fields := []zap.Field{zap.Stringer("peer_id", n.host.ID())}
	if n.rpcServer != nil {
		fields = append(fields, zap.String("grpc_addr", n.rpcServer.GRPCAddr()))
	}
	n.logger.Info("node started successfully", fields...)
	return nil
}

// proposerLoop proposes a block, filled from the mempool, whenever this
// validator is the proposer of the height the engine enters.
func (n *Node) proposerLoop(ctx context.Context) error {
	heights := n.engine.SubscribeHeights()
	if h := n.engine.Height(); n.engine.IsProposer(h) {
		n.propose(ctx, h)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case h := <-heights:
			if n.engine.IsProposer(h) {
				n.propose(ctx, h)
			}
		}
	}
}

func (n *Node) propose(ctx context.Context, height uint64) {
	if interval := n.cfg.Consensus.BlockInterval.Duration; interval > 0 {
		select {
		case <-ctx.Done():
			return
		case <-n.clock.After(interval):
		}
	}
	if n.engine.Height() != height {
		return
	}

	txs := n.mempool.Reap(n.cfg.Consensus.MaxBlockTxs, maxBlockBytes)
	block, err := n.engine.ProposeBlock(ctx, txs)
	switch {
	case err == nil:
	case errors.Is(err, consensus.ErrAlreadyProposed), errors.Is(err, consensus.ErrNotProposer):
		n.logger.Debug("proposal skipped", zap.Uint64("height", height), zap.Error(err))
		return
	case errors.Is(err, consensus.ErrLedgerAppend):
		// The block was accepted; the watchdog and RetryFinalize recover.
		n.logger.Error("proposal finalized but not stored", zap.Uint64("height", height), zap.Error(err))
		return
	default:
		n.logger.Warn("proposal failed", zap.Uint64("height", height), zap.Error(err))
		return
	}
	n.logger.Debug("proposed block", zap.Uint64("height", block.Height), zap.Int("txs", len(block.Transactions)))
}

// finalizeLoop removes finalized transactions from the mempool, including
// those of blocks the engine only observed while catching up.
func (n *Node) finalizeLoop(ctx context.Context) error {
	events := n.engine.SubscribeFinalized()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-events:
			n.applyFinalized(ev)
		}
	}
}

func (n *Node) applyFinalized(ev consensus.FinalizeEvent) {
	if ev.Block == nil {
		return
	}
	n.mempool.Update(ev.Block)

	msg := "block finalized"
	if ev.Observed {
		msg = "block finalized by peers"
	}
	n.logger.Info(msg,
		zap.Uint64("height", ev.Height),
		zap.Uint64("round", ev.Round),
		zap.String("hash", ev.Hash.Short()),
		zap.Int("txs", len(ev.Block.Transactions)),
		zap.Int("mempool", n.mempool.Size()),
	)
}

// Stop gracefully shuts down all subsystems in reverse order. It is safe to
// call more than once and without Start.
func (n *Node) Stop() error {
	n.stopOnce.Do(func() {
		n.logger.Info("node stopping")

		n.mu.Lock()
		cancel, group := n.cancel, n.group
		n.mu.Unlock()

		var errs error
		if cancel != nil {
			cancel()
			errs = multierr.Append(errs, group.Wait())
		}
		errs = multierr.Append(errs, n.svcMgr.StopAll())
		if cancel == nil {
			// Never started: the host is open but not managed yet.
			errs = multierr.Append(errs, n.host.Stop())
		}
		n.hostCancel()
		errs = multierr.Append(errs, n.ledger.Close())

		n.stopErr = errs
		n.logger.Info("node stopped", zap.Error(errs))
		close(n.done)
	})
	return n.stopErr
}

// Wait blocks until the node is stopped.
func (n *Node) Wait() error {
	<-n.done
	return n.stopErr
}

// Ledger returns the node's finalized block store.
func (n *Node) Ledger() ledger.Store {
	return n.ledger
}

// Engine returns the consensus engine.
func (n *Node) Engine() *consensus.Engine {
	return n.engine
}

// Mempool returns the transaction pool.
func (n *Node) Mempool() *mempool.Mempool {
	return n.mempool
}

// Host returns the p2p host.
func (n *Node) Host() *p2p.Host {
	return n.host
}

// RPCServer returns the RPC server, nil when disabled.
func (n *Node) RPCServer() *rpc.Server {
	return n.rpcServer
}

// AdminServer returns the admin server, nil when disabled.
func (n *Node) AdminServer() *admin.Server {
	return n.adminServer
}
