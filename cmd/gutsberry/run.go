package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/blockberries/gutsberry/genesis"
	"github.com/blockberries/gutsberry/node"
	"github.com/blockberries/gutsberry/privval"
)

var (
	runGenesis    string
	runHome       string
	runValidators []string
	runFollower   bool
	runStatusAddr string
)

func init() {
	runCmd.Flags().StringVarP(&runGenesis, "genesis", "g", "genesis.yaml", "Genesis document")
	runCmd.Flags().StringVar(&runHome, "home", "gutsberry-data", "Data directory; each validator uses <home>/<name>")
	runCmd.Flags().StringSliceVar(&runValidators, "validator", nil, "Validator to run, by genesis name; repeatable")
	runCmd.Flags().BoolVar(&runFollower, "follower", false, "Also run a non-voting node")
	runCmd.Flags().StringVar(&runStatusAddr, "status-addr", "127.0.0.1:26660", "Status endpoint of the first node; empty disables")
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run persistent nodes of a genesis network in this process",
	Long: `Run starts one node per --validator, each with its block store, WAL and
signer files under <home>/<name>, connected in process. Key files are those
written by "genesis generate --keys-dir <home>".`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		gen, err := genesis.LoadFile(runGenesis)
		if err != nil {
			return err
		}
		if len(runValidators) == 0 && !runFollower {
			return fmt.Errorf("nothing to run: pass --validator or --follower")
		}

		net := node.NewLocalNetwork(log)
		var nodes []*node.Node
		addNode := func(dir string, signer privval.PrivValidator) error {
			cfg := node.DefaultConfig()
			cfg.Home = dir
			cfg.StatusAddr = ""
			if len(nodes) == 0 {
				cfg.StatusAddr = runStatusAddr
			}
			n, err := node.New(cfg, gen, signer, nil, log)
			if err != nil {
				return err
			}
			if err := net.Attach(n); err != nil {
				n.Store().Close()
				return err
			}
			nodes = append(nodes, n)
			return nil
		}
		closeAll := func() {
			for _, n := range nodes {
				n.Store().Close()
			}
		}

		for _, name := range runValidators {
			dir := filepath.Join(runHome, name)
			keyPath, statePath := keyFiles(dir)
			if _, err := os.Stat(keyPath); err != nil {
				closeAll()
				return fmt.Errorf("validator %s: %w", name, err)
			}
			pv, err := privval.NewFilePV(keyPath, statePath)
			if err != nil {
				closeAll()
				return fmt.Errorf("validator %s: %w", name, err)
			}
			if err := addNode(dir, pv); err != nil {
				closeAll()
				return fmt.Errorf("validator %s: %w", name, err)
			}
		}
		if runFollower {
			if err := addNode(filepath.Join(runHome, "follower"), nil); err != nil {
				closeAll()
				return err
			}
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		err = runNodes(ctx, nodes)
		reportHeights(nodes)
		return err
	},
}
