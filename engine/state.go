package engine

import (
	"context"
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

// EngineState is the coarse mode of the engine.
type EngineState uint8

const (
	StateStarting EngineState = iota
	StateSyncing
	StateActive
	StateFollowing
	StateStopped
)

func (s EngineState) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateSyncing:
		return "syncing"
	case StateActive:
		return "active"
	case StateFollowing:
		return "following"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// peerMessage is an inbound message and the peer it came from. Peer is
// empty for messages originating locally.
type peerMessage struct {
	peer string
	msg  types.Message
}

// outbound is a message queued for sending once the state lock is
// released. An empty peer means broadcast.
type outbound struct {
	peer string
	msg  types.Message
}

// tipRef describes a block a proposal can extend.
type tipRef struct {
	id        types.BlockID
	height    uint64
	nextRound uint64
	timestamp int64
}

// Components are the collaborators of the state machine.
type Components struct {
	Signer    privval.PrivValidator // nil for a non-validating node
	Mempool   *mempool.Mempool
	App       app.Application
	Deliverer *app.Deliverer
	Store     store.BlockStore
	WAL       wal.WAL
	Evidence  *evidence.Pool
	Metrics   *metrics.Metrics
	Logger    logging.Logger
}

// ConsensusState runs the Simplex state machine for one validator set.
// All state is guarded by mu and mutated only from receiveRoutine, replay
// and the constructor.
type ConsensusState struct {
	mu deadlock.Mutex

	config *Config
	vals   *types.ValidatorSet

	signer      privval.PrivValidator
	self        types.PublicKey
	isValidator bool

	mempool   *mempool.Mempool
	app       app.Application
	deliverer *app.Deliverer
	store     store.BlockStore
	wal       wal.WAL
	evidence  *evidence.Pool
	metrics   *metrics.Metrics
	log       logging.Logger

	votes  *VoteCollector
	peers  *PeerSet
	ticker *TimeoutTicker
	events *eventBus
	now    func() time.Time

	state  EngineState
	round  uint64
	rounds map[uint64]*roundState
	// proposals above the finalized tip, by block ID
	blocks map[types.BlockID]*pendingBlock
	// proposals that could not be voted on yet
	waiting map[uint64]*types.Proposal

	finalized tipRef
	// highest Finalize quorum whose chain is not yet known
	finalizeTarget *types.QuorumCertificate

	nullifyStreak uint64

	syncPeer   string
	syncSentAt time.Time
	replaying  bool

	outbox    []outbound
	broadcast func(types.Message)
	send      func(peer string, msg types.Message)

	msgCh   chan peerMessage
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewConsensusState creates a state machine positioned after the stored
// finalized tip.
func NewConsensusState(config *Config, vals *types.ValidatorSet, c Components) (*ConsensusState, error) {
	if err := config.ValidateBasic(); err != nil {
		return nil, err
	}
	if c.Mempool == nil || c.Store == nil || c.Deliverer == nil {
		return nil, fmt.Errorf("%w: mempool, store and deliverer are required", ErrInvalidConfig)
	}
	log := c.Logger
	if log == nil {
		log = logging.Base()
	}
	application := c.App
	if application == nil {
		application = app.NopApplication{}
	}
	w := c.WAL
	if w == nil {
		w = &wal.NopWAL{}
	}
	pool := c.Evidence
	if pool == nil {
		var err error
		pool, err = evidence.NewPool(evidence.DefaultConfig(), config.ChainID, vals, c.Metrics, log)
		if err != nil {
			return nil, err
		}
	}

	cs := &ConsensusState{
		config:    config,
		vals:      vals,
		signer:    c.Signer,
		mempool:   c.Mempool,
		app:       application,
		deliverer: c.Deliverer,
		store:     c.Store,
		wal:       w,
		evidence:  pool,
		metrics:   c.Metrics,
		log:       log.With("module", "consensus"),
		votes:     NewVoteCollector(config.ChainID, vals),
		peers:     NewPeerSet(),
		ticker:    NewTimeoutTicker(config.Timeouts, log),
		events:    newEventBus(config.EventBufferSize),
		now:       time.Now,
		state:     StateStarting,
		rounds:    make(map[uint64]*roundState),
		blocks:    make(map[types.BlockID]*pendingBlock),
		waiting:   make(map[uint64]*types.Proposal),
		msgCh:     make(chan peerMessage, config.MessageQueueSize),
		broadcast: func(types.Message) {},
		send:      func(string, types.Message) {},
	}
	if c.Signer != nil {
		cs.self = c.Signer.PubKey()
		cs.isValidator = vals.IsValidator(cs.self)
	}
	if err := cs.loadTip(); err != nil {
		return nil, err
	}
	return cs, nil
}

// loadTip positions the state after the highest stored block.
func (cs *ConsensusState) loadTip() error {
	cs.finalized = tipRef{id: types.GenesisID}
	height := cs.store.Height()
	if height > 0 {
		fb, err := cs.store.LoadBlock(height)
		if err != nil {
			return fmt.Errorf("load finalized tip: %w", err)
		}
		cs.finalized = tipRef{
			id:        fb.Block.ID(),
			height:    height,
			nextRound: fb.Round() + 1,
			timestamp: fb.Block.Header.Timestamp,
		}
	}
	cs.round = cs.finalized.nextRound
	cs.pruneVotes()
	cs.evidence.Update(cs.round)
	return nil
}

// Start replays the WAL and starts the receive loop.
func (cs *ConsensusState) Start(ctx context.Context) error {
	cs.mu.Lock()
	if cs.started {
		cs.mu.Unlock()
		return ErrAlreadyStarted
	}
	cs.started = true
	ctx, cs.cancel = context.WithCancel(ctx)
	cs.ticker.Start()

	if err := cs.replayWAL(); err != nil {
		cs.started = false
		cs.cancel()
		cs.mu.Unlock()
		cs.ticker.Stop()
		return err
	}
	if cs.isValidator {
		cs.state = StateActive
	} else {
		cs.state = StateFollowing
	}
	cs.resume()
	cs.ticker.ScheduleTimeout(TimeoutInfo{Kind: TimeoutStatus, Duration: cs.config.statusInterval()})
	out := cs.takeOutbox()
	cs.mu.Unlock()
	cs.flush(out)

	cs.wg.Add(1)
	go cs.receiveRoutine(ctx)
	return nil
}

// Stop stops the receive loop and timers.
func (cs *ConsensusState) Stop() error {
	cs.mu.Lock()
	if !cs.started {
		cs.mu.Unlock()
		return ErrNotStarted
	}
	cs.started = false
	cs.state = StateStopped
	cancel := cs.cancel
	cs.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	cs.wg.Wait()
	cs.ticker.Stop()
	cs.events.close()
	return nil
}

// SetBroadcaster sets the function used to send a message to all peers.
func (cs *ConsensusState) SetBroadcaster(fn func(types.Message)) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.broadcast = fn
}

// SetSender sets the function used to send a message to one peer.
func (cs *ConsensusState) SetSender(fn func(peer string, msg types.Message)) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.send = fn
}

// Enqueue queues an inbound message without blocking.
func (cs *ConsensusState) Enqueue(peer string, msg types.Message) error {
	select {
	case cs.msgCh <- peerMessage{peer: peer, msg: msg}:
		return nil
	default:
		cs.log.WithFields(logging.Fields{"peer": peer, "type": msg.Type().String()}).Warn("dropped message, queue full")
		return ErrQueueFull
	}
}

func (cs *ConsensusState) receiveRoutine(ctx context.Context) {
	defer cs.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return

		case pm := <-cs.msgCh:
			cs.mu.Lock()
			if err := cs.handleMessage(pm); err != nil {
				cs.log.WithFields(logging.Fields{
					"peer": pm.peer,
					"type": pm.msg.Type().String(),
				}).Debugf("message not accepted: %v", err)
			}
			out := cs.takeOutbox()
			cs.mu.Unlock()
			cs.flush(out)

		case ti := <-cs.ticker.Chan():
			cs.mu.Lock()
			cs.handleTimeout(ti)
			out := cs.takeOutbox()
			cs.mu.Unlock()
			cs.flush(out)
		}
	}
}

func (cs *ConsensusState) handleMessage(pm peerMessage) error {
	switch msg := pm.msg.(type) {
	case *types.Proposal:
		return cs.handleProposal(msg, pm.peer)
	case *types.Vote:
		if pm.peer != "" {
			cs.peers.AddPeer(pm.peer).ApplyRound(msg.Round)
		}
		return cs.handleVote(msg, pm.peer)
	case *types.SyncRequest:
		return cs.handleSyncRequest(msg, pm.peer)
	case *types.SyncResponse:
		return cs.handleSyncResponse(msg, pm.peer)
	case *types.Status:
		return cs.handleStatus(msg, pm.peer)
	default:
		return fmt.Errorf("%w: %s", ErrUnknownMessageType, pm.msg.Type())
	}
}

func (cs *ConsensusState) handleTimeout(ti TimeoutInfo) {
	switch ti.Kind {
	case TimeoutStatus:
		cs.onStatusTick()
		cs.ticker.ScheduleTimeout(TimeoutInfo{Kind: TimeoutStatus, Duration: cs.config.statusInterval()})

	case TimeoutPropose:
		if ti.Round != cs.round {
			return
		}
		cs.propose(ti.Round)

	case TimeoutRound:
		if ti.Round != cs.round {
			return
		}
		rs := cs.roundState(ti.Round)
		if rs.notarized || rs.finalized {
			return
		}
		cs.log.WithFields(logging.Fields{"round": ti.Round, "leader": rs.leader.Short()}).Info("round timed out")
		cs.castNullify(rs)
		// Keep nudging peers until the round resolves
		cs.ticker.ScheduleTimeout(TimeoutInfo{Round: ti.Round, Kind: TimeoutRound, Streak: cs.nullifyStreak + 1})
	}
}

// roundState returns the state of round r, creating it on first use.
func (cs *ConsensusState) roundState(r uint64) *roundState {
	rs := cs.rounds[r]
	if rs == nil {
		rs = newRoundState(r, cs.vals.Leader(r), cs.now())
		cs.rounds[r] = rs
	}
	return rs
}

// advanceTo enters round r if it is past the current round.
func (cs *ConsensusState) advanceTo(r uint64) {
	if r <= cs.round {
		return
	}
	cs.enterRound(r)
}

// enterRound makes r the current round and arms its timers.
func (cs *ConsensusState) enterRound(r uint64) {
	cs.round = r
	rs := cs.roundState(r)
	rs.startedAt = cs.now()
	if rs.phase == PhaseIdle {
		rs.setPhase(PhaseProposing)
	}

	cs.metrics.SetRound(r)
	cs.evidence.Update(r)
	cs.emit(Event{Type: EventRoundChanged, Round: r})

	if cs.replaying {
		cs.retryWaiting()
		return
	}

	cs.log.WithFields(logging.Fields{
		"round":  r,
		"leader": rs.leader.Short(),
		"streak": cs.nullifyStreak,
	}).Debug("entering round")

	if !rs.notarized && !rs.nullified {
		cs.ticker.ScheduleTimeout(TimeoutInfo{Round: r, Kind: TimeoutRound, Streak: cs.nullifyStreak})
	}
	if cs.isValidator && rs.leader == cs.self && rs.proposal == nil {
		cs.ticker.ScheduleTimeout(TimeoutInfo{Round: r, Kind: TimeoutPropose})
	}
	cs.retryWaiting()
}

// resume re-arms the current round after replay and casts any vote a
// crash may have prevented.
func (cs *ConsensusState) resume() {
	for r := cs.finalized.nextRound; r <= cs.round; r++ {
		rs := cs.rounds[r]
		if rs == nil || !rs.notarized || rs.finalized {
			continue
		}
		cs.castFinalize(rs)
	}
	cs.enterRound(cs.round)
	if rs := cs.rounds[cs.round]; rs != nil && rs.proposal != nil {
		cs.castNotarize(rs)
	}
}

// pruneVotes drops votes of rounds before the finalized block's round.
func (cs *ConsensusState) pruneVotes() {
	if cs.finalized.nextRound >= 2 {
		cs.votes.Prune(cs.finalized.nextRound - 2)
	}
}

func (cs *ConsensusState) emit(ev Event) {
	if cs.replaying {
		return
	}
	ev.Time = cs.now()
	cs.events.publish(ev)
}

func (cs *ConsensusState) queueBroadcast(msg types.Message) {
	if cs.replaying {
		return
	}
	cs.outbox = append(cs.outbox, outbound{msg: msg})
}

func (cs *ConsensusState) queueSend(peer string, msg types.Message) {
	if cs.replaying || peer == "" {
		return
	}
	cs.outbox = append(cs.outbox, outbound{peer: peer, msg: msg})
}

func (cs *ConsensusState) takeOutbox() []outbound {
	out := cs.outbox
	cs.outbox = nil
	return out
}

// flush sends queued messages. Must be called without holding mu.
func (cs *ConsensusState) flush(out []outbound) {
	if len(out) == 0 {
		return
	}
	cs.mu.Lock()
	broadcast, send := cs.broadcast, cs.send
	cs.mu.Unlock()

	for _, o := range out {
		if o.peer == "" {
			broadcast(o.msg)
		} else {
			send(o.peer, o.msg)
		}
	}
}

// writeWAL logs msg, syncing for messages this node signed.
func (cs *ConsensusState) writeWAL(msg *wal.Message, own bool) {
	if cs.replaying {
		return
	}
	var err error
	if own && cs.config.WALSync {
		err = cs.wal.WriteSync(msg)
	} else {
		err = cs.wal.Write(msg)
	}
	if err != nil {
		cs.log.WithFields(logging.Fields{"type": msg.Type.String(), "round": msg.Round}).Errorf("WAL write failed: %v", err)
	}
}

func (cs *ConsensusState) reportEvidence(ev *evidence.Evidence) {
	if ev == nil || cs.replaying {
		return
	}
	if err := cs.evidence.AddEvidence(ev); err != nil {
		cs.log.WithFields(logging.Fields{"kind": ev.Kind.String(), "round": ev.Round}).Debugf("evidence not added: %v", err)
	}
}

// Status is a snapshot of the engine.
type Status struct {
	State           EngineState
	Round           uint64
	Phase           Phase
	Leader          types.PublicKey
	FinalizedHeight uint64
	FinalizedID     types.BlockID
	IsValidator     bool
	Validators      int
	PendingBlocks   int
	Peers           int
	MempoolSize     int
	Evidence        int
	DroppedEvents   uint64
}

// GetStatus returns a snapshot of the engine.
func (cs *ConsensusState) GetStatus() Status {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	st := Status{
		State:           cs.state,
		Round:           cs.round,
		Leader:          cs.vals.Leader(cs.round),
		FinalizedHeight: cs.finalized.height,
		FinalizedID:     cs.finalized.id,
		IsValidator:     cs.isValidator,
		Validators:      cs.vals.Size(),
		PendingBlocks:   len(cs.blocks),
		Peers:           cs.peers.Size(),
		MempoolSize:     cs.mempool.Size(),
		Evidence:        cs.evidence.Size(),
		DroppedEvents:   cs.events.droppedEvents(),
	}
	if rs := cs.rounds[cs.round]; rs != nil {
		st.Phase = rs.phase
	}
	return st
}

// RoundPhase returns the phase of round r as seen by this node.
func (cs *ConsensusState) RoundPhase(r uint64) Phase {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if rs := cs.rounds[r]; rs != nil {
		return rs.phase
	}
	return PhaseIdle
}
