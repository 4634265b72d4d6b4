package engine

import (
	"errors"
	"fmt"

	"github.com/blockberries/gutsberry/evidence"
	"github.com/blockberries/gutsberry/logging"
	"github.com/blockberries/gutsberry/types"
	"github.com/blockberries/gutsberry/wal"
)

var errChainIncomplete = errors.New("finalized chain incomplete")

// handleVote records a peer's vote and acts on any quorum it completes.
func (cs *ConsensusState) handleVote(v *types.Vote, peer string) error {
	if !cs.replaying && v.Round > cs.round+cs.config.MaxRoundLookahead {
		cs.requestSync(peer)
		return fmt.Errorf("%w: round %d, current %d", ErrRoundTooFar, v.Round, cs.round)
	}
	outcome := cs.addVote(v)
	if outcome == VoteAccepted && v.Voter != cs.self {
		cs.writeWAL(wal.NewVoteMessage(cs.finalized.height, v), false)
	}
	if outcome == VoteAccepted || outcome == VoteDuplicateIgnored || outcome == VoteEquivocation {
		return nil
	}
	return fmt.Errorf("vote %s: %s", v, outcome)
}

// addVote feeds a verified or own vote into the collector.
func (cs *ConsensusState) addVote(v *types.Vote) VoteOutcome {
	outcome, prior := cs.votes.Record(v)
	if !cs.replaying {
		cs.metrics.ObserveVote(v.Kind.String(), outcome.String())
	}

	switch outcome {
	case VoteAccepted:
		if v.Voter == cs.self && cs.isValidator {
			cs.roundState(v.Round).ownVotes[v.Kind] = v
		}
		cs.checkQuorum(v.Kind, v.Round, v.BlockID)
	case VoteEquivocation:
		cs.log.WithFields(logging.Fields{
			"round": v.Round,
			"voter": v.Voter.Short(),
			"kind":  v.Kind.String(),
		}).Warn("equivocating vote")
		cs.reportEvidence(evidence.NewVoteEvidence(prior, v))
	}
	return outcome
}

// castVote signs, logs, broadcasts and records a vote of this node. The
// signer refuses anything that would equivocate.
func (cs *ConsensusState) castVote(rs *roundState, kind types.VoteKind, blockID types.BlockID) *types.Vote {
	if !cs.isValidator || cs.replaying {
		return nil
	}
	if v := rs.own(kind); v != nil {
		return v
	}
	vote := &types.Vote{Kind: kind, Round: rs.round, BlockID: blockID}
	if err := cs.signer.SignVote(cs.config.ChainID, vote); err != nil {
		cs.log.WithFields(logging.Fields{"round": rs.round, "kind": kind.String()}).Warnf("refused to sign vote: %v", err)
		return nil
	}
	rs.ownVotes[kind] = vote
	cs.writeWAL(wal.NewVoteMessage(cs.finalized.height, vote), true)
	cs.queueBroadcast(vote)
	cs.addVote(vote)
	return vote
}

func (cs *ConsensusState) castNotarize(rs *roundState) {
	if rs.proposal == nil || rs.round != cs.round || rs.own(types.VoteKindNullify) != nil {
		return
	}
	if cs.castVote(rs, types.VoteKindNotarize, rs.proposal.Block.ID()) != nil && !rs.notarized {
		rs.setPhase(PhaseAwaitingNotarizeVotes)
	}
}

// castFinalize votes to finalize the notarized block of rs, unless this
// node already nullified the round.
func (cs *ConsensusState) castFinalize(rs *roundState) {
	if !rs.notarized || rs.own(types.VoteKindNullify) != nil || rs.round < cs.finalized.nextRound {
		return
	}
	if cs.castVote(rs, types.VoteKindFinalize, rs.notarizedID) != nil && !rs.finalized {
		rs.setPhase(PhaseAwaitingFinalizeVotes)
	}
}

// castNullify votes to skip rs, or rebroadcasts the existing vote.
func (cs *ConsensusState) castNullify(rs *roundState) {
	if v := rs.own(types.VoteKindNullify); v != nil {
		cs.queueBroadcast(v)
		if n := rs.own(types.VoteKindNotarize); n != nil {
			cs.queueBroadcast(n)
		}
		return
	}
	if rs.own(types.VoteKindFinalize) != nil {
		return
	}
	if cs.castVote(rs, types.VoteKindNullify, types.BlockID{}) != nil && !rs.nullified && !rs.notarized {
		rs.setPhase(PhaseNullifying)
	}
}

// checkQuorum acts on a certificate for kind, round and blockID if the
// collector has one.
func (cs *ConsensusState) checkQuorum(kind types.VoteKind, round uint64, blockID types.BlockID) {
	if round < cs.finalized.nextRound {
		return
	}
	if !cs.votes.HasQuorum(round, blockID, kind, cs.vals) {
		return
	}
	switch kind {
	case types.VoteKindNotarize:
		cs.onNotarized(round, blockID)
	case types.VoteKindFinalize:
		cs.onFinalizeQuorum(round, blockID)
	case types.VoteKindNullify:
		cs.onNullified(round)
	}
}

// onNotarized handles a Notarize certificate: the node votes to finalize
// (unless it nullified the round) and moves to the next round.
func (cs *ConsensusState) onNotarized(round uint64, id types.BlockID) {
	rs := cs.roundState(round)
	if rs.notarized {
		return
	}
	rs.notarized = true
	rs.notarizedID = id
	if !rs.nullified {
		rs.setPhase(PhaseNotarized)
	}

	var height uint64
	if pb := cs.blocks[id]; pb != nil {
		pb.notarized = true
		height = pb.height()
	}
	cs.log.WithFields(logging.Fields{"round": round, "block": id.Short(), "height": height}).Debug("block notarized")
	cs.emit(Event{Type: EventBlockNotarized, Round: round, Height: height, BlockID: id})

	if round == cs.round {
		cs.ticker.Cancel(TimeoutRound)
		cs.ticker.Cancel(TimeoutPropose)
	}
	if round >= cs.round {
		cs.nullifyStreak = 0
	}
	// Our own Finalize vote may complete the quorum and advance the round
	cs.castFinalize(rs)

	if round >= cs.round {
		cs.advanceTo(round + 1)
	} else {
		cs.retryWaiting()
	}
	cs.checkQuorum(types.VoteKindFinalize, round, id)
}

// onNullified handles a Nullify certificate by moving past the round.
func (cs *ConsensusState) onNullified(round uint64) {
	rs := cs.roundState(round)
	if rs.nullified {
		return
	}
	rs.nullified = true
	if !rs.notarized {
		rs.setPhase(PhaseNullified)
	}
	if !cs.replaying {
		cs.metrics.ObserveNullified()
	}
	cs.log.WithFields(logging.Fields{"round": round, "leader": rs.leader.Short()}).Info("round nullified")
	cs.emit(Event{Type: EventRoundNullified, Round: round})

	if round >= cs.round {
		if !rs.notarized {
			cs.nullifyStreak++
		}
		cs.advanceTo(round + 1)
	} else {
		cs.retryWaiting()
	}
}

// onFinalizeQuorum finalizes the certified block and every unfinalized
// ancestor. Missing blocks are fetched through sync first.
func (cs *ConsensusState) onFinalizeQuorum(round uint64, id types.BlockID) {
	rs := cs.roundState(round)
	if rs.finalized {
		return
	}
	qc, ok := cs.votes.CertificateFor(round, id, types.VoteKindFinalize)
	if !ok {
		return
	}
	if err := cs.finalizeChain(qc); err != nil {
		if errors.Is(err, errChainIncomplete) {
			if cs.finalizeTarget == nil || cs.finalizeTarget.Round < round {
				cs.finalizeTarget = qc
			}
			cs.log.WithFields(logging.Fields{"round": round, "block": id.Short()}).Infof("finalize quorum ahead of local chain: %v", err)
			cs.requestSync("")
			return
		}
		cs.log.WithFields(logging.Fields{"round": round, "block": id.Short()}).Errorf("failed to finalize: %v", err)
		return
	}
	cs.advanceTo(round + 1)
}

// retryFinalizeTarget resumes a finalization that was waiting on blocks.
func (cs *ConsensusState) retryFinalizeTarget() {
	if qc := cs.finalizeTarget; qc != nil {
		cs.finalizeTarget = nil
		cs.onFinalizeQuorum(qc.Round, qc.BlockID)
	}
}

// finalizeChain commits the block certified by qc and its unfinalized
// ancestors, lowest first. Ancestors are committed with their Notarize
// certificates.
func (cs *ConsensusState) finalizeChain(qc *types.QuorumCertificate) error {
	var chain []*pendingBlock
	for id := qc.BlockID; id != cs.finalized.id; {
		pb := cs.blocks[id]
		if pb == nil {
			return fmt.Errorf("%w: block %s unknown", errChainIncomplete, id.Short())
		}
		if pb.height() <= cs.finalized.height {
			return fmt.Errorf("block %s at height %d conflicts with finalized height %d",
				id.Short(), pb.height(), cs.finalized.height)
		}
		chain = append(chain, pb)
		id = pb.parent()
	}

	certs := make([]*types.QuorumCertificate, len(chain))
	for i, pb := range chain {
		if i == 0 {
			certs[i] = qc
			continue
		}
		notarize, ok := cs.votes.CertificateFor(pb.round(), pb.id, types.VoteKindNotarize)
		if !ok {
			return fmt.Errorf("%w: no notarization for %s", errChainIncomplete, pb.id.Short())
		}
		certs[i] = notarize
	}

	for i := len(chain) - 1; i >= 0; i-- {
		pb := chain[i]
		fb := &types.FinalizedBlock{
			Block:        pb.proposal.Block,
			Transactions: pb.proposal.Transactions,
			Certificate:  *certs[i],
		}
		if err := cs.commitBlock(fb); err != nil {
			return err
		}
	}
	cs.afterCommit()
	return nil
}

// commitBlock persists and delivers one finalized block and moves the
// finalized tip to it.
func (cs *ConsensusState) commitBlock(fb *types.FinalizedBlock) error {
	if err := cs.store.SaveBlock(fb); err != nil {
		return fmt.Errorf("save block %d: %w", fb.Height(), err)
	}
	id := fb.Block.ID()
	height, round := fb.Height(), fb.Round()
	cs.finalized = tipRef{
		id:        id,
		height:    height,
		nextRound: round + 1,
		timestamp: fb.Block.Header.Timestamp,
	}
	cs.writeWAL(wal.NewEndHeightMessage(height, round), true)

	if err := cs.deliverer.Deliver(fb); err != nil {
		cs.log.WithFields(logging.Fields{"height": height}).Errorf("delivery failed: %v", err)
	}
	cs.mempool.RemoveFinalized(fb.Block.TxIDs)

	rs := cs.roundState(round)
	rs.finalized = true
	rs.notarized = true
	rs.notarizedID = id
	rs.setPhase(PhaseFinalized)
	if !cs.replaying {
		cs.metrics.ObserveFinalized(height, len(fb.Transactions), cs.now().Sub(rs.startedAt))
	}
	delete(cs.blocks, id)

	cs.log.WithFields(logging.Fields{
		"height": height,
		"round":  round,
		"block":  id.Short(),
		"txs":    len(fb.Transactions),
		"cert":   fb.Certificate.Kind.String(),
	}).Info("finalized block")
	cs.emit(Event{Type: EventBlockFinalized, Round: round, Height: height, BlockID: id, TxCount: len(fb.Transactions)})
	return nil
}

// walCheckpointInterval is how many heights pass between WAL checkpoints.
const walCheckpointInterval = 100

// afterCommit drops state made irrelevant by the new finalized tip.
func (cs *ConsensusState) afterCommit() {
	for id, pb := range cs.blocks {
		if pb.height() <= cs.finalized.height || pb.round() < cs.finalized.nextRound {
			delete(cs.blocks, id)
		}
	}
	for r := range cs.rounds {
		if r+1 < cs.finalized.nextRound {
			delete(cs.rounds, r)
		}
	}
	for r := range cs.waiting {
		if r < cs.finalized.nextRound {
			delete(cs.waiting, r)
		}
	}
	if cs.finalizeTarget != nil && cs.finalizeTarget.Round < cs.finalized.nextRound {
		cs.finalizeTarget = nil
	}
	cs.pruneVotes()
	cs.evidence.Update(cs.round)

	if !cs.replaying {
		cs.metrics.SetMempool(cs.mempool.Size(), cs.mempool.Bytes())
		if h := cs.finalized.height; h%walCheckpointInterval == 0 && h > 2 {
			if err := cs.wal.Checkpoint(h - 2); err != nil {
				cs.log.Warnf("WAL checkpoint failed: %v", err)
			}
		}
	}
}
