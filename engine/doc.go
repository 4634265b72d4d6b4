// Package engine implements the Simplex-style BFT consensus state machine.
//
// Every round has one leader, chosen round-robin from the validator set.
// A round moves through these phases:
//
//	Idle → Proposing → AwaitingNotarizeVotes → Notarized → AwaitingFinalizeVotes → Finalized
//	                   AwaitingNotarizeVotes → Nullifying → Nullified
//
// # Core Components
//
// Engine: Facade owning the state machine, the WAL lifecycle and ordered
// delivery of finalized blocks to the application.
//
// ConsensusState: The state machine. A single goroutine applies proposals,
// votes, sync messages and timeouts under one mutex.
//
// VoteCollector: Weighted tallies of Notarize, Finalize and Nullify votes per
// round. Equivocating voters are excluded from every tally they touched.
//
// TimeoutTicker: Per-kind timers for proposing, round expiry and status
// broadcasts. The round timer backs off linearly with consecutive
// nullified rounds.
//
// PeerState: What each peer last reported, used to pick a sync source.
//
// Sync: Finalized blocks and the certificates past the finalized tip are
// fetched from a peer that is ahead, verified, then applied.
//
// Replay: Crash recovery from the write-ahead log. Own votes are restored
// before the node signs anything.
//
// # Protocol
//
// A Notarize certificate for a block in round r moves every node to round
// r+1 with that block as parent; nodes that did not nullify r also vote to
// finalize it. A Finalize certificate commits the block together with its
// notarized, unfinalized ancestors. A round whose timer expires before
// notarization is nullified, and the next leader extends the same parent.
//
// # Usage Example
//
//	vals, _ := types.NewValidatorSet(validators)
//	cfg := engine.NewConfigFromParams(gen.NetworkID(), gen.Consensus)
//	eng, err := engine.NewEngine(cfg, vals, privVal, pool, app, blockStore, w)
//	if err != nil {
//	    return err
//	}
//	eng.SetBroadcaster(transport.Broadcast)
//	eng.SetSender(transport.Send)
//	if err := eng.Start(ctx); err != nil {
//	    return err
//	}
//	defer eng.Stop()
//
//	// Network messages
//	eng.HandleMessage(peerID, msg)
//
// # Thread Safety
//
// All public methods are safe for concurrent use.
//
// # Consensus Properties
//
// Safety: Both Notarize and Finalize use the same quorum, so two
// conflicting blocks can never be certified in one round, and nothing is
// finalized without a verified Finalize certificate covering it.
//
// Liveness: Guaranteed under partial synchrony while more than two thirds
// of the weight is honest and online. Silent leaders cost one round timer.
package engine
