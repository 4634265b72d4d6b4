// Package node wires one participant of a network: block store, WAL,
// mempool, signer, metrics and the consensus engine, plus an HTTP
// endpoint for status and metrics. LocalNetwork connects several nodes of
// one process for simulations and devnets.
package node

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/blockberries/gutsberry/app"
	"github.com/blockberries/gutsberry/engine"
	"github.com/blockberries/gutsberry/genesis"
	"github.com/blockberries/gutsberry/logging"
	"github.com/blockberries/gutsberry/mempool"
	"github.com/blockberries/gutsberry/metrics"
	"github.com/blockberries/gutsberry/privval"
	"github.com/blockberries/gutsberry/store"
	"github.com/blockberries/gutsberry/types"
	"github.com/blockberries/gutsberry/wal"
)

// Node is one participant of a network.
type Node struct {
	name    string
	config  Config
	genesis *genesis.Genesis

	engine   *engine.Engine
	mempool  *mempool.Mempool
	store    store.BlockStore
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	log      logging.Logger
}

// New builds a node from a validated genesis. signer is nil for a node
// that follows the chain without voting; application defaults to
// app.NopApplication.
func New(cfg Config, gen *genesis.Genesis, signer privval.PrivValidator, application app.Application, log logging.Logger) (*Node, error) {
	if err := cfg.ValidateBasic(); err != nil {
		return nil, err
	}
	if gen == nil {
		return nil, fmt.Errorf("%w: nil document", genesis.ErrInvalidGenesis)
	}
	if err := gen.Validate(); err != nil {
		return nil, err
	}
	vals, err := gen.ValidatorSet()
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = logging.Base()
	}
	if application == nil {
		application = app.NopApplication{}
	}

	name := "follower"
	if signer != nil {
		v := vals.GetByPublicKey(signer.PubKey())
		if v == nil {
			return nil, fmt.Errorf("key %s is not in the validator set", signer.PubKey().Short())
		}
		name = v.Name
	}
	log = log.With("node", name)

	registry := prometheus.NewRegistry()
	m, err := metrics.New(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	pool, err := mempool.New(cfg.Mempool, application, m, log)
	if err != nil {
		return nil, err
	}

	var (
		blocks store.BlockStore
		w      wal.WAL
	)
	if cfg.InMemory {
		blocks = store.NewMemStore()
	} else {
		pebbleStore, err := store.OpenPebble(filepath.Join(cfg.Home, "data"), false)
		if err != nil {
			return nil, fmt.Errorf("failed to open block store: %w", err)
		}
		fileWAL, err := wal.NewFileWAL(filepath.Join(cfg.Home, "wal"), log)
		if err != nil {
			pebbleStore.Close()
			return nil, fmt.Errorf("failed to create WAL: %w", err)
		}
		blocks, w = pebbleStore, fileWAL
	}

	engineCfg := engine.NewConfigFromParams(gen.NetworkID(), gen.Consensus)
	engineCfg.WALSync = cfg.WALSync && !cfg.InMemory
	eng, err := engine.NewEngine(engineCfg, vals, signer, pool, application, blocks, w,
		engine.WithMetrics(m), engine.WithLogger(log))
	if err != nil {
		blocks.Close()
		return nil, err
	}

	return &Node{
		name:     name,
		config:   cfg,
		genesis:  gen,
		engine:   eng,
		mempool:  pool,
		store:    blocks,
		registry: registry,
		metrics:  m,
		log:      log.With("module", "node"),
	}, nil
}

// Name returns the validator name, or "follower"
func (n *Node) Name() string {
	return n.name
}

// Engine returns the consensus engine
func (n *Node) Engine() *engine.Engine {
	return n.engine
}

// Mempool returns the mempool
func (n *Node) Mempool() *mempool.Mempool {
	return n.mempool
}

// Store returns the block store
func (n *Node) Store() store.BlockStore {
	return n.store
}

// Registry returns the prometheus registry holding the node's metrics
func (n *Node) Registry() *prometheus.Registry {
	return n.registry
}

// SubmitTransaction admits a client transaction and gossips it.
func (n *Node) SubmitTransaction(tx *types.Transaction) error {
	return n.engine.SubmitTransaction(tx)
}

// HandleMessage accepts a message from a peer.
func (n *Node) HandleMessage(peer string, msg types.Message) error {
	return n.engine.HandleMessage(peer, msg)
}

// Run starts the engine and blocks until ctx is canceled or a component
// fails, then shuts everything down and closes the store.
func (n *Node) Run(ctx context.Context) error {
	if err := n.engine.Start(ctx); err != nil {
		n.store.Close()
		return err
	}
	n.log.WithFields(logging.Fields{
		"chain_id": n.engine.ChainID(),
		"height":   n.store.Height(),
	}).Info("node running")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		n.evictLoop(gctx)
		return nil
	})
	if n.config.StatusAddr != "" {
		g.Go(func() error {
			return n.serveStatus(gctx)
		})
	}
	err := g.Wait()

	if stopErr := n.engine.Stop(); stopErr != nil {
		err = errors.Join(err, stopErr)
	}
	if closeErr := n.store.Close(); closeErr != nil {
		err = errors.Join(err, fmt.Errorf("failed to close block store: %w", closeErr))
	}
	n.log.Info("node stopped")
	return err
}

// evictLoop drops mempool entries older than the configured age.
func (n *Node) evictLoop(ctx context.Context) {
	if n.config.Mempool.MaxTxAge <= 0 {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(n.config.EvictInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if evicted := n.mempool.EvictOlderThan(n.config.Mempool.MaxTxAge); evicted > 0 {
				n.log.WithFields(logging.Fields{"evicted": evicted}).Debug("evicted stale transactions")
			}
		}
	}
}

// serveStatus serves the status router until ctx is canceled.
func (n *Node) serveStatus(ctx context.Context) error {
	srv := &http.Server{
		Addr:              n.config.StatusAddr,
		Handler:           n.StatusHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	n.log.WithFields(logging.Fields{"addr": n.config.StatusAddr}).Info("status endpoint listening")

	select {
	case err := <-errCh:
		return fmt.Errorf("status endpoint: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
