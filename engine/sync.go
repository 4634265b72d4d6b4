package engine

import (
	"fmt"
	"sort"

	"github.com/blockberries/gutsberry/logging"
	"github.com/blockberries/gutsberry/store"
	"github.com/blockberries/gutsberry/types"
)

const (
	// maxSyncRounds bounds how many rounds of certificates one response carries.
	maxSyncRounds = 1024
	// silentPeerIntervals is how many status intervals a peer may stay
	// quiet before it is forgotten.
	silentPeerIntervals = 30
)

// onStatusTick advertises our progress and retries a stalled sync.
func (cs *ConsensusState) onStatusTick() {
	cs.queueBroadcast(&types.Status{Height: cs.finalized.height, Round: cs.round})
	cs.metrics.SetMempool(cs.mempool.Size(), cs.mempool.Bytes())

	if best := cs.peers.Highest(); best != nil {
		prs := best.GetRoundState()
		if prs.Height > cs.finalized.height || prs.Round > cs.round+1 {
			cs.requestSync(best.PeerID())
		} else if cs.state == StateSyncing {
			cs.finishSync()
		}
	}
	if cs.finalizeTarget != nil {
		cs.requestSync("")
	}
	cs.serveLaggingPeers()
}

// serveLaggingPeers forgets silent peers and pushes blocks to those whose
// last status was behind our finalized tip.
func (cs *ConsensusState) serveLaggingPeers() {
	now := cs.now()
	for _, p := range cs.peers.AllPeers() {
		if now.Sub(p.LastSeen()) > silentPeerIntervals*cs.config.statusInterval() {
			cs.log.WithFields(logging.Fields{"peer": p.PeerID()}).Debug("forgetting silent peer")
			cs.peers.RemovePeer(p.PeerID())
		}
	}
	for _, p := range cs.peers.CatchingUpPeers() {
		if from := p.Height() + 1; from <= cs.finalized.height {
			if err := cs.serveSync(p.PeerID(), from, cs.config.SyncBatchSize); err != nil {
				cs.log.WithFields(logging.Fields{"peer": p.PeerID()}).Warnf("failed to push blocks: %v", err)
			}
		}
	}
}

// handleStatus records a peer's progress and syncs from it if it is ahead.
func (cs *ConsensusState) handleStatus(st *types.Status, peer string) error {
	if peer == "" {
		return nil
	}
	ps := cs.peers.AddPeer(peer)
	ps.ApplyStatus(st.Height, st.Round)
	cs.peers.MarkPeerCatchingUp(peer, cs.finalized.height)

	if st.Height > cs.finalized.height || st.Round > cs.round+1 {
		cs.requestSync(peer)
	}
	return nil
}

// requestSync asks peer, or the most advanced known peer, for blocks past
// our finalized tip. At most one request is outstanding per status
// interval.
func (cs *ConsensusState) requestSync(peer string) {
	if cs.replaying {
		return
	}
	if peer == "" {
		if best := cs.peers.Highest(); best != nil {
			peer = best.PeerID()
		}
	}
	if peer == "" {
		return
	}
	now := cs.now()
	if cs.syncPeer != "" && now.Sub(cs.syncSentAt) < cs.config.statusInterval() {
		return
	}
	if ps := cs.peers.GetPeer(peer); ps != nil && ps.Height() > cs.finalized.height && cs.state != StateStopped {
		cs.state = StateSyncing
	}
	cs.syncPeer = peer
	cs.syncSentAt = now

	cs.log.WithFields(logging.Fields{"peer": peer, "from": cs.finalized.height + 1}).Debug("requesting sync")
	cs.metrics.ObserveSync(true, 0)
	cs.queueSend(peer, &types.SyncRequest{
		FromHeight: cs.finalized.height + 1,
		MaxBlocks:  cs.config.SyncBatchSize,
	})
}

// finishSync leaves the syncing state.
func (cs *ConsensusState) finishSync() {
	cs.syncPeer = ""
	if cs.state != StateSyncing {
		return
	}
	if cs.isValidator {
		cs.state = StateActive
	} else {
		cs.state = StateFollowing
	}
	cs.log.WithFields(logging.Fields{"height": cs.finalized.height, "round": cs.round}).Info("caught up")
}

// handleSyncRequest serves finalized blocks and, once the range reaches our
// tip, the certificates and proposals of the rounds past it.
func (cs *ConsensusState) handleSyncRequest(req *types.SyncRequest, peer string) error {
	if peer == "" {
		return nil
	}
	max := req.MaxBlocks
	if max == 0 || max > cs.config.SyncBatchSize {
		max = cs.config.SyncBatchSize
	}
	return cs.serveSync(peer, req.FromHeight, max)
}

// serveSync sends peer up to max finalized blocks starting at from.
func (cs *ConsensusState) serveSync(peer string, from uint64, max uint32) error {
	blocks, err := store.LoadRange(cs.store, from, int(max))
	if err != nil {
		return fmt.Errorf("load sync range: %w", err)
	}
	resp := &types.SyncResponse{Blocks: blocks}

	if len(blocks) < int(max) {
		first := cs.finalized.nextRound
		if cs.round > maxSyncRounds && first < cs.round-maxSyncRounds {
			first = cs.round - maxSyncRounds
		}
		for r := first; r <= cs.round; r++ {
			rs := cs.rounds[r]
			if rs == nil {
				continue
			}
			if rs.notarized && !rs.finalized {
				if qc, ok := cs.votes.CertificateFor(r, rs.notarizedID, types.VoteKindNotarize); ok {
					resp.Certificates = append(resp.Certificates, qc)
				}
				if qc, ok := cs.votes.CertificateFor(r, rs.notarizedID, types.VoteKindFinalize); ok {
					resp.Certificates = append(resp.Certificates, qc)
				}
				if pb := cs.blocks[rs.notarizedID]; pb != nil {
					resp.Proposals = append(resp.Proposals, pb.proposal)
				}
			}
			if rs.nullified {
				if qc, ok := cs.votes.CertificateFor(r, types.BlockID{}, types.VoteKindNullify); ok {
					resp.Certificates = append(resp.Certificates, qc)
				}
			}
		}
		// The current round's proposal lets a lagging peer vote in time
		if rs := cs.rounds[cs.round]; rs != nil && rs.proposal != nil {
			resp.Proposals = append(resp.Proposals, rs.proposal)
		}
	}

	cs.log.WithFields(logging.Fields{
		"peer":   peer,
		"from":   from,
		"blocks": len(resp.Blocks),
		"certs":  len(resp.Certificates),
	}).Debug("serving sync")
	cs.queueSend(peer, resp)
	return nil
}

// handleSyncResponse commits the finalized blocks of a response and
// imports its certificates. A block is only committed when it carries a
// Finalize certificate or a later block in the same response does.
func (cs *ConsensusState) handleSyncResponse(resp *types.SyncResponse, peer string) error {
	if peer == cs.syncPeer {
		cs.syncPeer = ""
	}

	committed, err := cs.commitSyncedBlocks(resp.Blocks)
	cs.metrics.ObserveSync(false, committed)
	if err != nil {
		cs.log.WithFields(logging.Fields{"peer": peer}).Warnf("bad sync response: %v", err)
		return err
	}
	if committed > 0 {
		cs.afterCommit()
		cs.advanceTo(cs.finalized.nextRound)
	}

	for _, p := range resp.Proposals {
		if err := cs.acceptSyncedProposal(p); err != nil {
			cs.log.WithFields(logging.Fields{"peer": peer}).Debugf("sync proposal ignored: %v", err)
		}
	}

	certs := make([]*types.QuorumCertificate, 0, len(resp.Certificates))
	for _, qc := range resp.Certificates {
		if qc != nil && qc.Round >= cs.finalized.nextRound {
			certs = append(certs, qc)
		}
	}
	sort.SliceStable(certs, func(i, j int) bool {
		if certs[i].Round != certs[j].Round {
			return certs[i].Round < certs[j].Round
		}
		return certs[i].Kind < certs[j].Kind
	})
	for _, qc := range certs {
		if err := qc.Verify(cs.config.ChainID, cs.vals); err != nil {
			cs.log.WithFields(logging.Fields{"peer": peer, "round": qc.Round}).Warnf("bad certificate in sync: %v", err)
			continue
		}
		cs.votes.ImportCertificate(qc)
		cs.checkQuorum(qc.Kind, qc.Round, qc.BlockID)
	}
	cs.retryFinalizeTarget()
	cs.retryWaiting()

	if len(resp.Blocks) >= int(cs.config.SyncBatchSize) {
		cs.requestSync(peer)
	} else if ps := cs.peers.GetPeer(peer); ps == nil || ps.Height() <= cs.finalized.height {
		cs.finishSync()
	}
	return nil
}

// commitSyncedBlocks verifies the whole usable prefix before committing any
// of it.
func (cs *ConsensusState) commitSyncedBlocks(blocks []*types.FinalizedBlock) (int, error) {
	last := -1
	for i, fb := range blocks {
		if fb != nil && fb.Certificate.Kind == types.VoteKindFinalize {
			last = i
		}
	}
	if last < 0 {
		return 0, nil
	}

	var usable []*types.FinalizedBlock
	tip := cs.finalized
	for _, fb := range blocks[:last+1] {
		if fb == nil {
			return 0, fmt.Errorf("%w: empty block", ErrInvalidSyncData)
		}
		if fb.Height() <= cs.finalized.height {
			continue
		}
		if err := fb.ValidateBasic(); err != nil {
			return 0, fmt.Errorf("%w: height %d: %v", ErrInvalidSyncData, fb.Height(), err)
		}
		hdr := &fb.Block.Header
		if hdr.Height != tip.height+1 || hdr.ParentID != tip.id || hdr.Round < tip.nextRound {
			return 0, fmt.Errorf("%w: height %d does not extend %s", ErrInvalidSyncData, hdr.Height, tip.id.Short())
		}
		if err := fb.Certificate.Verify(cs.config.ChainID, cs.vals); err != nil {
			return 0, fmt.Errorf("%w: height %d: %v", ErrInvalidSyncData, hdr.Height, err)
		}
		usable = append(usable, fb)
		tip = tipRef{id: fb.Block.ID(), height: hdr.Height, nextRound: hdr.Round + 1, timestamp: hdr.Timestamp}
	}

	for i, fb := range usable {
		if err := cs.commitBlock(fb); err != nil {
			return i, err
		}
	}
	return len(usable), nil
}

// acceptSyncedProposal registers a proposal received through sync.
func (cs *ConsensusState) acceptSyncedProposal(p *types.Proposal) error {
	if p == nil {
		return ErrInvalidSyncData
	}
	r := p.Round()
	if r < cs.finalized.nextRound {
		return ErrStaleRound
	}
	if err := p.ValidateBasic(); err != nil {
		return err
	}
	if p.Proposer() != cs.vals.Leader(r) {
		return ErrNotLeader
	}
	if err := p.Verify(cs.config.ChainID); err != nil {
		return err
	}
	if ev := cs.evidence.CheckProposal(p); ev != nil {
		cs.reportEvidence(ev)
		return fmt.Errorf("%w: leader of round %d equivocated", ErrInvalidProposal, r)
	}
	cs.registerBlock(p)
	if r >= cs.round {
		cs.waiting[r] = p
	}
	return nil
}
