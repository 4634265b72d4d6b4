package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/algorand/go-deadlock"

	"github.com/blockberries/gutsberry/app"
	"github.com/blockberries/gutsberry/evidence"
	"github.com/blockberries/gutsberry/logging"
	"github.com/blockberries/gutsberry/mempool"
	"github.com/blockberries/gutsberry/metrics"
	"github.com/blockberries/gutsberry/privval"
	"github.com/blockberries/gutsberry/store"
	"github.com/blockberries/gutsberry/types"
	"github.com/blockberries/gutsberry/wal"
)

// Option configures optional collaborators of an Engine.
type Option func(*engineOptions)

type engineOptions struct {
	metrics  *metrics.Metrics
	logger   logging.Logger
	evidence evidence.Config
}

// WithMetrics records engine activity in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *engineOptions) { o.metrics = m }
}

// WithLogger sets the logger of the engine and its components.
func WithLogger(log logging.Logger) Option {
	return func(o *engineOptions) { o.logger = log }
}

// WithEvidenceConfig overrides the evidence pool configuration.
func WithEvidenceConfig(cfg evidence.Config) Option {
	return func(o *engineOptions) { o.evidence = cfg }
}

// Engine is the main consensus engine. It owns the state machine, the
// ordered delivery of finalized blocks to the application, and the WAL
// lifecycle.
type Engine struct {
	mu deadlock.RWMutex

	config  *Config
	vals    *types.ValidatorSet
	privVal privval.PrivValidator

	state     *ConsensusState
	mempool   *mempool.Mempool
	app       app.Application
	deliverer *app.Deliverer
	store     store.BlockStore
	wal       wal.WAL
	evidence  *evidence.Pool
	log       logging.Logger

	broadcast func(types.Message)

	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewEngine creates a consensus engine. signer may be nil for a node that
// follows the chain without voting; application and w default to
// NopApplication and NopWAL.
func NewEngine(
	config *Config,
	vals *types.ValidatorSet,
	signer privval.PrivValidator,
	pool *mempool.Mempool,
	application app.Application,
	blocks store.BlockStore,
	w wal.WAL,
	opts ...Option,
) (*Engine, error) {
	o := engineOptions{evidence: evidence.DefaultConfig()}
	for _, opt := range opts {
		opt(&o)
	}
	log := o.logger
	if log == nil {
		log = logging.Base()
	}
	if config == nil {
		return nil, fmt.Errorf("%w: nil config", ErrInvalidConfig)
	}
	if vals == nil || pool == nil || blocks == nil {
		return nil, fmt.Errorf("%w: validator set, mempool and store are required", ErrInvalidConfig)
	}
	if application == nil {
		application = app.NopApplication{}
	}
	if w == nil {
		w = &wal.NopWAL{}
	}

	// The application may lag the store after a crash; the gap is
	// redelivered on Start.
	after := blocks.Height()
	if hr, ok := application.(app.HeightReporter); ok && hr.LastHeight() < after {
		after = hr.LastHeight()
	}
	deliverer := app.NewDeliverer(application, after, o.metrics, log)

	evPool, err := evidence.NewPool(o.evidence, config.ChainID, vals, o.metrics, log)
	if err != nil {
		return nil, err
	}

	state, err := NewConsensusState(config, vals, Components{
		Signer:    signer,
		Mempool:   pool,
		App:       application,
		Deliverer: deliverer,
		Store:     blocks,
		WAL:       w,
		Evidence:  evPool,
		Metrics:   o.metrics,
		Logger:    log,
	})
	if err != nil {
		return nil, err
	}

	return &Engine{
		config:    config,
		vals:      vals,
		privVal:   signer,
		state:     state,
		mempool:   pool,
		app:       application,
		deliverer: deliverer,
		store:     blocks,
		wal:       w,
		evidence:  evPool,
		log:       log.With("module", "engine"),
		broadcast: func(types.Message) {},
	}, nil
}

// SetBroadcaster sets the function used to send a message to all peers
func (e *Engine) SetBroadcaster(fn func(types.Message)) {
	e.mu.Lock()
	e.broadcast = fn
	e.mu.Unlock()
	e.state.SetBroadcaster(fn)
}

// SetSender sets the function used to send a message to one peer
func (e *Engine) SetSender(fn func(peer string, msg types.Message)) {
	e.state.SetSender(fn)
}

// Start opens the WAL, resumes delivery of stored blocks the application
// has not applied, and starts the state machine.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.started {
		return ErrAlreadyStarted
	}
	if err := e.wal.Start(); err != nil {
		return fmt.Errorf("failed to start WAL: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.deliverer.Run(ctx); err != nil {
			e.log.Errorf("deliverer stopped: %v", err)
		}
	}()

	if err := e.redeliver(); err != nil {
		cancel()
		e.wg.Wait()
		e.wal.Stop()
		return err
	}

	if err := e.state.Start(ctx); err != nil {
		cancel()
		e.wg.Wait()
		e.wal.Stop()
		return fmt.Errorf("failed to start consensus state: %w", err)
	}

	e.cancel = cancel
	e.started = true
	e.log.WithFields(logging.Fields{
		"chain_id":  e.config.ChainID,
		"height":    e.store.Height(),
		"validator": e.state.isValidator,
	}).Info("consensus engine started")
	return nil
}

// redeliver hands stored blocks above the application's height to the
// deliverer.
func (e *Engine) redeliver() error {
	applied, _ := e.deliverer.Applied()
	top := e.store.Height()
	for h := applied + 1; h <= top; h++ {
		fb, err := e.store.LoadBlock(h)
		if err != nil {
			return fmt.Errorf("load block %d for delivery: %w", h, err)
		}
		if err := e.deliverer.Deliver(fb); err != nil {
			return err
		}
	}
	if top > applied {
		e.log.WithFields(logging.Fields{"from": applied + 1, "to": top}).Info("redelivering stored blocks")
	}
	return nil
}

// Stop stops the state machine and the deliverer, then closes the WAL.
func (e *Engine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.started {
		return ErrNotStarted
	}
	e.started = false

	var errs []error
	if err := e.state.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("failed to stop consensus state: %w", err))
	}
	e.cancel()
	e.wg.Wait()
	if err := e.wal.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("failed to stop WAL: %w", err))
	}
	return errors.Join(errs...)
}

// HandleMessage accepts a message from peer. Transactions go to the
// mempool; consensus and sync messages are queued for the state machine.
func (e *Engine) HandleMessage(peer string, msg types.Message) error {
	if msg == nil {
		return fmt.Errorf("%w: nil message", ErrUnknownMessageType)
	}
	if tx, ok := msg.(*types.Transaction); ok {
		err := e.mempool.Admit(tx)
		if mempool.ReasonOf(err) == mempool.RejectDuplicateID {
			// Gossip echoes are expected
			return nil
		}
		return err
	}
	return e.state.Enqueue(peer, msg)
}

// SubmitTransaction admits a client transaction and gossips it. Rejections
// carry a *mempool.RejectedError with the reason.
func (e *Engine) SubmitTransaction(tx *types.Transaction) error {
	if tx != nil {
		if h, ok := e.store.TxHeight(tx.ID()); ok {
			return &mempool.RejectedError{
				Reason: mempool.RejectDuplicateID,
				ID:     tx.ID(),
				Err:    fmt.Errorf("finalized at height %d", h),
			}
		}
	}
	if err := e.mempool.Admit(tx); err != nil {
		return err
	}
	e.mu.RLock()
	broadcast := e.broadcast
	e.mu.RUnlock()
	broadcast(tx)
	return nil
}

// Status returns a snapshot of the state machine
func (e *Engine) Status() Status {
	return e.state.GetStatus()
}

// Subscribe returns a stream of consensus events and a function that
// cancels the subscription. Slow subscribers miss events rather than
// stalling consensus.
func (e *Engine) Subscribe() (<-chan Event, func()) {
	return e.state.events.subscribe()
}

// Evidence returns the evidence pool
func (e *Engine) Evidence() *evidence.Pool {
	return e.evidence
}

// ValidatorSet returns the validator set
func (e *Engine) ValidatorSet() *types.ValidatorSet {
	return e.vals
}

// IsValidator returns true if the local node votes
func (e *Engine) IsValidator() bool {
	return e.state.isValidator
}

// ChainID returns the network ID signed into every vote
func (e *Engine) ChainID() string {
	return e.config.ChainID
}

// Store returns the finalized block store
func (e *Engine) Store() store.BlockStore {
	return e.store
}

// AppliedHeight returns the height of the last block the application
// applied.
func (e *Engine) AppliedHeight() uint64 {
	h, _ := e.deliverer.Applied()
	return h
}

// WaitForHeight blocks until the application applied height or the timeout
// passes.
func (e *Engine) WaitForHeight(height uint64, timeout time.Duration) bool {
	return e.deliverer.WaitFor(height, timeout)
}
