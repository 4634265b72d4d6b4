package engine

import (
	"errors"
	"fmt"

	"github.com/blockberries/gutsberry/evidence"
	"github.com/blockberries/gutsberry/logging"
	"github.com/blockberries/gutsberry/types"
	"github.com/blockberries/gutsberry/wal"
)

// handleProposal checks a proposal's origin and either votes on it, keeps
// it for later, or rejects it.
func (cs *ConsensusState) handleProposal(p *types.Proposal, peer string) error {
	r := p.Round()
	if r < cs.finalized.nextRound {
		return ErrStaleRound
	}
	if !cs.replaying && r > cs.round+cs.config.MaxRoundLookahead {
		cs.requestSync(peer)
		return fmt.Errorf("%w: round %d, current %d", ErrRoundTooFar, r, cs.round)
	}
	if err := p.ValidateBasic(); err != nil {
		return err
	}
	if err := p.Verify(cs.config.ChainID); err != nil {
		return err
	}
	if p.Proposer() != cs.vals.Leader(r) {
		if cs.vals.IsValidator(p.Proposer()) {
			cs.reportEvidence(evidence.NewNonLeaderProposalEvidence(p))
		}
		return fmt.Errorf("%w: round %d", ErrNotLeader, r)
	}
	if ev := cs.evidence.CheckProposal(p); ev != nil {
		cs.reportEvidence(ev)
		return fmt.Errorf("%w: leader of round %d equivocated", ErrInvalidProposal, r)
	}
	if peer != "" {
		cs.peers.AddPeer(peer).ApplyRound(r)
	}

	id := p.Block.ID()
	if _, known := cs.blocks[id]; !known && p.Proposer() != cs.self {
		cs.writeWAL(wal.NewProposalMessage(cs.finalized.height, p), false)
	}
	cs.registerBlock(p)
	cs.retryFinalizeTarget()

	if r > cs.round {
		cs.waiting[r] = p
		return nil
	}
	if r < cs.round {
		// Too late to vote, but the block may still be certified
		return nil
	}
	err := cs.tryProposal(p)
	if errors.Is(err, ErrUnknownParent) {
		cs.requestSync(peer)
	}
	return err
}

// registerBlock remembers a signed leader proposal so that a later
// certificate for it can be acted on.
func (cs *ConsensusState) registerBlock(p *types.Proposal) *pendingBlock {
	id := p.Block.ID()
	if pb, ok := cs.blocks[id]; ok {
		return pb
	}
	pb := &pendingBlock{proposal: p, id: id}
	pb.notarized = cs.votes.HasQuorum(p.Round(), id, types.VoteKindNotarize, cs.vals)
	cs.blocks[id] = pb
	return pb
}

// tryProposal validates the proposal of the current round and casts a
// Notarize vote for it. Proposals that depend on certificates not seen yet
// are kept and retried.
func (cs *ConsensusState) tryProposal(p *types.Proposal) error {
	r := p.Round()
	rs := cs.roundState(r)
	if rs.proposal != nil {
		return nil
	}

	err := cs.validateProposal(p)
	switch {
	case errors.Is(err, ErrUnknownParent),
		errors.Is(err, ErrParentNotNotarized),
		errors.Is(err, ErrMissingNullify):
		cs.waiting[r] = p
		return err
	case err != nil:
		delete(cs.waiting, r)
		cs.log.WithFields(logging.Fields{
			"round":    r,
			"block":    p.Block.ID().Short(),
			"proposer": p.Proposer().Short(),
		}).Warnf("rejected proposal: %v", err)
		return err
	}

	delete(cs.waiting, r)
	rs.proposal = p
	// Same ID, possibly different signatures: commit the copy that validated.
	if pb := cs.blocks[p.Block.ID()]; pb != nil {
		pb.proposal = p
	}
	cs.emit(Event{Type: EventBlockProposed, Round: r, Height: p.Block.Header.Height, BlockID: p.Block.ID()})
	if r == cs.round {
		cs.castNotarize(rs)
	}
	return nil
}

// retryWaiting re-evaluates the kept proposal of the current round.
func (cs *ConsensusState) retryWaiting() {
	for r := range cs.waiting {
		if r < cs.finalized.nextRound {
			delete(cs.waiting, r)
		}
	}
	if p := cs.waiting[cs.round]; p != nil {
		_ = cs.tryProposal(p)
	}
}

// parentOf resolves the block a proposal extends.
func (cs *ConsensusState) parentOf(parentID types.BlockID) (tipRef, error) {
	if parentID == cs.finalized.id {
		return cs.finalized, nil
	}
	pb := cs.blocks[parentID]
	if pb == nil {
		if _, err := cs.store.LoadBlockByID(parentID); err == nil {
			return tipRef{}, fmt.Errorf("%w: parent below finalized tip", ErrInvalidProposal)
		}
		return tipRef{}, ErrUnknownParent
	}
	if pb.height() <= cs.finalized.height {
		return tipRef{}, fmt.Errorf("%w: parent conflicts with finalized chain", ErrInvalidProposal)
	}
	if !pb.notarized {
		if !cs.votes.HasQuorum(pb.round(), pb.id, types.VoteKindNotarize, cs.vals) {
			return tipRef{}, ErrParentNotNotarized
		}
		pb.notarized = true
	}
	return tipRef{
		id:        pb.id,
		height:    pb.height(),
		nextRound: pb.round() + 1,
		timestamp: pb.proposal.Block.Header.Timestamp,
	}, nil
}

// validateProposal checks that p extends a notarized block, that every
// round it skips was nullified, and that its transactions are new, valid
// and within limits.
func (cs *ConsensusState) validateProposal(p *types.Proposal) error {
	hdr := &p.Block.Header

	parent, err := cs.parentOf(hdr.ParentID)
	if err != nil {
		return err
	}
	if hdr.Height != parent.height+1 {
		return fmt.Errorf("%w: height %d on parent at %d", ErrInvalidProposal, hdr.Height, parent.height)
	}
	if hdr.Round < parent.nextRound {
		return fmt.Errorf("%w: round %d not after parent", ErrInvalidProposal, hdr.Round)
	}
	for k := parent.nextRound; k < hdr.Round; k++ {
		if !cs.votes.HasQuorum(k, types.BlockID{}, types.VoteKindNullify, cs.vals) {
			return fmt.Errorf("%w: round %d", ErrMissingNullify, k)
		}
	}
	if hdr.Timestamp < parent.timestamp {
		return fmt.Errorf("%w: timestamp before parent", ErrInvalidProposal)
	}

	if len(p.Transactions) > cs.config.MaxTxsPerBlock {
		return fmt.Errorf("%w: %d transactions", ErrBlockTooLarge, len(p.Transactions))
	}
	size := 0
	for _, tx := range p.Transactions {
		size += tx.Size()
	}
	if size > cs.config.MaxBlockBytes {
		return fmt.Errorf("%w: %d bytes", ErrBlockTooLarge, size)
	}

	ancestors := cs.pendingTxIDs(hdr.ParentID)
	for _, tx := range p.Transactions {
		id := tx.ID()
		if ancestors[id] {
			return fmt.Errorf("%w: %s in pending ancestor", ErrDuplicateTx, id.Short())
		}
		if _, ok := cs.store.TxHeight(id); ok {
			return fmt.Errorf("%w: %s", ErrDuplicateTx, id.Short())
		}
		// The ID does not cover the signature, so a pooled copy proves nothing
		// about the body shipped here.
		if err := tx.ValidateBasic(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidProposal, err)
		}
		if err := tx.VerifySignature(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidProposal, err)
		}
		if !cs.app.Validate(tx) {
			return fmt.Errorf("%w: %s", ErrRejectedTx, id.Short())
		}
	}
	return nil
}

// pendingTxIDs collects the transactions of the unfinalized ancestors of
// id, id included.
func (cs *ConsensusState) pendingTxIDs(id types.BlockID) map[types.TransactionID]bool {
	out := make(map[types.TransactionID]bool)
	for id != cs.finalized.id {
		pb := cs.blocks[id]
		if pb == nil {
			break
		}
		for _, txID := range pb.proposal.Block.TxIDs {
			out[txID] = true
		}
		id = pb.parent()
	}
	return out
}

// selectParent finds the block a proposal for round r extends: the
// notarized block of the latest round before r, provided every round in
// between was nullified.
func (cs *ConsensusState) selectParent(r uint64) (tipRef, bool) {
	for k := r; k > cs.finalized.nextRound; k-- {
		prev := k - 1
		if rs := cs.rounds[prev]; rs != nil && rs.notarized {
			parent, err := cs.parentOf(rs.notarizedID)
			if err != nil {
				return tipRef{}, false
			}
			return parent, true
		}
		if !cs.votes.HasQuorum(prev, types.BlockID{}, types.VoteKindNullify, cs.vals) {
			return tipRef{}, false
		}
	}
	return cs.finalized, true
}

// propose builds, signs and broadcasts the block of round r.
func (cs *ConsensusState) propose(r uint64) {
	rs := cs.roundState(r)
	if !cs.isValidator || rs.leader != cs.self || rs.proposal != nil || rs.notarized || rs.own(types.VoteKindNullify) != nil {
		return
	}
	log := cs.log.With("round", r)

	parent, ok := cs.selectParent(r)
	if !ok {
		log.Debug("no certified parent yet, delaying proposal")
		cs.ticker.ScheduleTimeout(TimeoutInfo{Round: r, Kind: TimeoutPropose, Duration: cs.config.Timeouts.Round / 20})
		return
	}

	ancestors := cs.pendingTxIDs(parent.id)
	skip := func(id types.TransactionID) bool {
		if ancestors[id] {
			return true
		}
		_, ok := cs.store.TxHeight(id)
		return ok
	}
	candidates := cs.mempool.DrainForProposal(cs.config.MaxTxsPerBlock, cs.config.MaxBlockBytes, skip)
	txs := make([]*types.Transaction, 0, len(candidates))
	ids := make([]types.TransactionID, 0, len(candidates))
	for _, tx := range candidates {
		if !cs.app.Validate(tx) {
			continue
		}
		txs = append(txs, tx)
		ids = append(ids, tx.ID())
	}

	ts := cs.now().UnixMilli()
	if ts < parent.timestamp {
		ts = parent.timestamp
	}
	block := types.NewBlock(parent.height+1, r, parent.id, cs.self, ts, ids)
	prop := types.NewProposal(block, txs)
	if err := cs.signer.SignProposal(cs.config.ChainID, prop); err != nil {
		log.Errorf("failed to sign proposal: %v", err)
		return
	}
	cs.writeWAL(wal.NewProposalMessage(cs.finalized.height, prop), true)

	log.WithFields(logging.Fields{
		"height": block.Header.Height,
		"block":  block.ID().Short(),
		"parent": parent.id.Short(),
		"txs":    len(txs),
	}).Info("proposing block")

	cs.queueBroadcast(prop)
	cs.registerBlock(prop)
	if err := cs.tryProposal(prop); err != nil {
		log.Errorf("own proposal rejected: %v", err)
	}
}
