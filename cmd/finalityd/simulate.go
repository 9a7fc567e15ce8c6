package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/echenim/Bedrock/finality/internal/consensus"
	"github.com/echenim/Bedrock/finality/internal/crypto"
	"github.com/echenim/Bedrock/finality/internal/ledger"
	"github.com/echenim/Bedrock/finality/internal/p2p"
	"github.com/echenim/Bedrock/finality/internal/telemetry"
	"github.com/echenim/Bedrock/finality/internal/types"
	"github.com/echenim/Bedrock/finality/internal/watchdog"
)

var (
	errSimulationTimeout = errors.New("simulate: heights not finalized before deadline")
	errLedgersDiverged   = errors.New("simulate: ledgers diverged")
)

type simOptions struct {
	Validators  int
	Heights     uint64
	TxsPerBlock int
	DropRate    float64
	TimeoutBase time.Duration
	Deadline    time.Duration
	Seed        uint64
}

func newSimulateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run an in-process cluster over a lossy network and check agreement",
		RunE: func(cmd *cobra.Command, args []string) error {
			var opts simOptions
			f := cmd.Flags()
			opts.Validators, _ = f.GetInt("validators")
			opts.Heights, _ = f.GetUint64("heights")
			opts.TxsPerBlock, _ = f.GetInt("txs")
			opts.DropRate, _ = f.GetFloat64("drop-rate")
			opts.TimeoutBase, _ = f.GetDuration("timeout")
			opts.Deadline, _ = f.GetDuration("deadline")
			opts.Seed, _ = f.GetUint64("seed")
			logLevel, _ := f.GetString("log-level")

			logger, err := telemetry.NewLogger("development", logLevel)
			if err != nil {
				return err
			}
			defer logger.Sync()

			return runSimulation(cmd.Context(), opts, cmd.OutOrStdout(), logger)
		},
	}

	cmd.Flags().Int("validators", 4, "number of validators")
	cmd.Flags().Uint64("heights", 10, "heights every validator must finalize")
	cmd.Flags().Int("txs", 5, "synthetic transactions per block")
	cmd.Flags().Float64("drop-rate", 0, "probability in [0,1) that a message is dropped")
	cmd.Flags().Duration("timeout", 200*time.Millisecond, "watchdog base timeout")
	cmd.Flags().Duration("deadline", time.Minute, "overall simulation deadline")
	cmd.Flags().Uint64("seed", 1, "seed for the drop filter")
	cmd.Flags().String("log-level", "warn", "log level")

	return cmd
}

type simNode struct {
	id       types.ValidatorID
	engine   *consensus.Engine
	ledger   *ledger.MemLedger
	watchdog *watchdog.Watchdog
	heights  <-chan uint64
}

// runSimulation runs opts.Validators engines over an in-memory hub until
// each has finalized opts.Heights blocks, then checks that their ledgers
// agree and prints a summary to out.
func runSimulation(ctx context.Context, opts simOptions, out io.Writer, logger *zap.Logger) error {
	if opts.Validators <= 0 {
		return errors.New("simulate: validators must be > 0")
	}
	if opts.Heights == 0 {
		return errors.New("simulate: heights must be > 0")
	}
	if opts.DropRate < 0 || opts.DropRate >= 1 {
		return errors.New("simulate: drop-rate must be in [0,1)")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ids := make([]types.ValidatorID, 0, opts.Validators)
	signers := make(map[types.ValidatorID]*crypto.Ed25519Signer, opts.Validators)
	keyRing := crypto.NewKeyRing()
	for i := 0; i < opts.Validators; i++ {
		id := types.ValidatorID(fmt.Sprintf("validator%d", i+1))
		pub, priv, err := crypto.GenerateKeypair()
		if err != nil {
			return err
		}
		signer, err := crypto.NewEd25519Signer(priv)
		if err != nil {
			return err
		}
		if err := keyRing.Add(id, pub); err != nil {
			return err
		}
		ids = append(ids, id)
		signers[id] = signer
	}
	valSet, err := types.NewValidatorSet(ids)
	if err != nil {
		return err
	}

	hub := p2p.NewHub(nil, logger)
	defer hub.Close()
	if opts.DropRate > 0 {
		var mu sync.Mutex
		rng := rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x9e3779b97f4a7c15))
		hub.SetDropFilter(func(_, _ types.ValidatorID, _ p2p.MessageType) bool {
			mu.Lock()
			defer mu.Unlock()
			return rng.Float64() < opts.DropRate
		})
	}

	runCtx, stopRun := context.WithCancel(ctx)
	defer stopRun()

	nodes := make([]*simNode, 0, len(ids))
	defer func() {
		// Deliveries stop before the engines they feed.
		hub.Close()
		for _, n := range nodes {
			n.engine.Stop()
		}
	}()
	for _, id := range ids {
		ep, err := hub.Join(id)
		if err != nil {
			return err
		}
		led := ledger.NewMemLedger(crypto.SHA256Hasher{})

		cfg := consensus.DefaultEngineConfig()
		cfg.ID = id
		cfg.ValSet = valSet
		cfg.Signer = signers[id]
		cfg.Verifier = keyRing
		cfg.Hasher = crypto.SHA256Hasher{}
		cfg.Network = ep
		cfg.Ledger = led
		cfg.Logger = logger
		engine, err := consensus.NewEngine(cfg)
		if err != nil {
			return fmt.Errorf("simulate: engine %s: %w", id, err)
		}
		n := &simNode{
			id:       id,
			engine:   engine,
			ledger:   led,
			watchdog: watchdog.New(engine, watchdog.Config{Base: opts.TimeoutBase, Max: 8 * opts.TimeoutBase}, nil, logger),
			heights:  engine.SubscribeHeights(),
		}
		if err := engine.Start(runCtx); err != nil {
			return err
		}
		if err := ep.Start(engine); err != nil {
			return err
		}
		nodes = append(nodes, n)
	}

	loops, loopCtx := errgroup.WithContext(runCtx)
	for _, n := range nodes {
		loops.Go(func() error { return n.watchdog.Run(loopCtx) })
		loops.Go(func() error { return n.proposerLoop(loopCtx, opts.TxsPerBlock, logger) })
	}

	deadline := opts.Deadline
	if deadline <= 0 {
		deadline = time.Minute
	}
	waitCtx, cancelWait := context.WithTimeout(ctx, deadline)
	defer cancelWait()

	start := time.Now()
	var waiters errgroup.Group
	for _, n := range nodes {
		waiters.Go(func() error { return n.awaitHeight(waitCtx, opts.Heights) })
	}
	waitErr := waiters.Wait()
	elapsed := time.Since(start)

	stopRun()
	if err := loops.Wait(); err != nil {
		return err
	}
	if waitErr != nil {
		return waitErr
	}

	if err := checkAgreement(nodes, opts.Heights); err != nil {
		return err
	}
	return printSummary(out, nodes, opts, elapsed)
}

func (n *simNode) proposerLoop(ctx context.Context, txsPerBlock int, logger *zap.Logger) error {
	if h := n.engine.Height(); n.engine.IsProposer(h) {
		n.propose(ctx, h, txsPerBlock, logger)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case h := <-n.heights:
			if n.engine.IsProposer(h) {
				n.propose(ctx, h, txsPerBlock, logger)
			}
		}
	}
}

func (n *simNode) propose(ctx context.Context, height uint64, txsPerBlock int, logger *zap.Logger) {
	txs := make([]types.Transaction, 0, txsPerBlock)
	for i := 0; i < txsPerBlock; i++ {
		txs = append(txs, types.Transaction{
			ID:      fmt.Sprintf("sim-%d-%d", height, i),
			Payload: []byte(fmt.Sprintf("payload %d/%d", height, i)),
		})
	}
	if _, err := n.engine.ProposeBlock(ctx, txs); err != nil {
		logger.Debug("simulated proposal failed",
			zap.String("validator", string(n.id)),
			zap.Uint64("height", height),
			zap.Error(err),
		)
	}
}

// awaitHeight returns once the engine has moved past target, either by
// finalizing it or by catching up on a peer's NEW_ROUND.
func (n *simNode) awaitHeight(ctx context.Context, target uint64) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for n.engine.Height() <= target {
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %s at height %d", errSimulationTimeout, n.id, n.engine.Height())
		case <-ticker.C:
		}
	}
	return nil
}

// gaps counts the heights up to target this node skipped while catching up.
func (n *simNode) gaps(target uint64) int {
	missing := 0
	for h := uint64(1); h <= target; h++ {
		if _, err := n.ledger.Hash(h); err != nil {
			missing++
		}
	}
	return missing
}

// checkAgreement verifies that every stored block at each height has the same
// hash and that each height was stored somewhere. Nodes that caught up over
// a height hold no block for it.
func checkAgreement(nodes []*simNode, heights uint64) error {
	for h := uint64(1); h <= heights; h++ {
		var (
			want  types.Hash
			owner types.ValidatorID
		)
		for _, n := range nodes {
			got, err := n.ledger.Hash(h)
			if errors.Is(err, ledger.ErrNotFound) {
				continue
			}
			if err != nil {
				return fmt.Errorf("simulate: %s height %d: %w", n.id, h, err)
			}
			if owner == "" {
				want, owner = got, n.id
				continue
			}
			if got != want {
				return fmt.Errorf("%w at height %d: %s has %s, %s has %s",
					errLedgersDiverged, h, owner, want.Short(), n.id, got.Short())
			}
		}
		if owner == "" {
			return fmt.Errorf("simulate: no ledger stored height %d", h)
		}
	}
	return nil
}

func printSummary(out io.Writer, nodes []*simNode, opts simOptions, elapsed time.Duration) error {
	fmt.Fprintf(out, "finalized %d heights on %d validators in %s (drop rate %.2f)\n",
		opts.Heights, len(nodes), elapsed.Round(time.Millisecond), opts.DropRate)

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "VALIDATOR\tHEIGHT\tROUND\tGAPS\tEVIDENCE\tHASH")
	for _, n := range nodes {
		st := n.engine.Status()
		head := n.ledger.Head()
		hash, _ := n.ledger.Hash(opts.Heights)
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%s\n",
			n.id, head.Height, st.Round, n.gaps(opts.Heights), st.Evidence, hash.Short())
	}
	return tw.Flush()
}
