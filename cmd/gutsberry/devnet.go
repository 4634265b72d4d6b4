package main

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/blockberries/gutsberry/genesis"
	"github.com/blockberries/gutsberry/logging"
	"github.com/blockberries/gutsberry/node"
	"github.com/blockberries/gutsberry/privval"
	"github.com/blockberries/gutsberry/types"
)

var (
	devnetValidators int
	devnetDuration   time.Duration
	devnetTxRate     int
	devnetBlockTime  uint64
	devnetStatusAddr string
)

func init() {
	devnetCmd.Flags().IntVarP(&devnetValidators, "validators", "n", 4, "Number of validators")
	devnetCmd.Flags().DurationVar(&devnetDuration, "duration", 0, "Stop after this long; 0 runs until interrupted")
	devnetCmd.Flags().IntVar(&devnetTxRate, "tx-rate", 10, "Synthetic transactions submitted per second; 0 disables")
	devnetCmd.Flags().Uint64Var(&devnetBlockTime, "block-time-ms", 200, "Target block time")
	devnetCmd.Flags().StringVar(&devnetStatusAddr, "status-addr", "127.0.0.1:26660", "Status endpoint of the first validator; empty disables")
}

var devnetCmd = &cobra.Command{
	Use:   "devnet",
	Short: "Run an in-memory network of validators in this process",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		gen, keys := genesis.GenerateDevnet(devnetValidators)
		gen.Consensus.BlockTimeMs = devnetBlockTime
		gen.Consensus.MinValidators = 1
		if err := gen.Validate(); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		if devnetDuration > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, devnetDuration)
			defer cancel()
		}

		net := node.NewLocalNetwork(log)
		nodes := make([]*node.Node, 0, len(keys))
		for i, key := range keys {
			cfg := node.DefaultConfig()
			cfg.InMemory = true
			cfg.StatusAddr = ""
			if i == 0 {
				cfg.StatusAddr = devnetStatusAddr
			}
			n, err := node.New(cfg, gen, privval.NewMemoryPV(key), nil, log)
			if err != nil {
				return err
			}
			if err := net.Attach(n); err != nil {
				return err
			}
			nodes = append(nodes, n)
		}

		log.WithFields(logging.Fields{
			"network":    gen.NetworkID(),
			"validators": len(nodes),
		}).Info("devnet starting")
		err := runNodes(ctx, nodes, func(ctx context.Context) error {
			return generateLoad(ctx, nodes, devnetTxRate)
		})
		reportHeights(nodes)
		return err
	},
}

// runNodes runs every node and the extra tasks until ctx ends or one of
// them fails.
func runNodes(ctx context.Context, nodes []*node.Node, extra ...func(context.Context) error) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, n := range nodes {
		n := n
		g.Go(func() error {
			if err := n.Run(gctx); err != nil {
				return fmt.Errorf("%s: %w", n.Name(), err)
			}
			return nil
		})
	}
	for _, task := range extra {
		task := task
		g.Go(func() error { return task(gctx) })
	}
	return g.Wait()
}

// generateLoad submits signed repository creations round-robin across
// nodes.
func generateLoad(ctx context.Context, nodes []*node.Node, rate int) error {
	if rate <= 0 {
		<-ctx.Done()
		return nil
	}
	seed := make([]byte, ed25519.SeedSize)
	copy(seed, "guts-devnet-load")
	author := ed25519.NewKeyFromSeed(seed)
	pk, err := types.NewPublicKey(author.Public().(ed25519.PublicKey))
	if err != nil {
		return err
	}

	ticker := time.NewTicker(time.Second / time.Duration(rate))
	defer ticker.Stop()
	var nonce uint64
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		nonce++
		tx := types.NewTransaction(pk, nonce, types.Payload{
			Kind: types.TxKindCreateRepository,
			Repository: &types.Repository{
				Owner:         "devnet",
				Name:          fmt.Sprintf("repo-%d", nonce),
				DefaultBranch: "main",
			},
		})
		tx.Sign(author)
		target := nodes[nonce%uint64(len(nodes))]
		if err := target.SubmitTransaction(tx); err != nil {
			log.WithFields(logging.Fields{"node": target.Name()}).Warnf("transaction rejected: %v", err)
		}
	}
}

func reportHeights(nodes []*node.Node) {
	for _, n := range nodes {
		st := n.Engine().Status()
		log.WithFields(logging.Fields{
			"node":     n.Name(),
			"height":   st.FinalizedHeight,
			"round":    st.Round,
			"evidence": st.Evidence,
		}).Info("final state")
	}
}
