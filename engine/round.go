package engine

import (
	"fmt"
	"time"

	"github.com/blockberries/gutsberry/types"
)

// Phase is the progress of a single round as seen by this node.
type Phase uint8

const (
	PhaseIdle Phase = iota
	PhaseProposing
	PhaseAwaitingNotarizeVotes
	PhaseNotarized
	PhaseAwaitingFinalizeVotes
	PhaseFinalized
	PhaseNullifying
	PhaseNullified
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseProposing:
		return "proposing"
	case PhaseAwaitingNotarizeVotes:
		return "awaiting_notarize"
	case PhaseNotarized:
		return "notarized"
	case PhaseAwaitingFinalizeVotes:
		return "awaiting_finalize"
	case PhaseFinalized:
		return "finalized"
	case PhaseNullifying:
		return "nullifying"
	case PhaseNullified:
		return "nullified"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(p))
	}
}

// roundState is what this node knows and did in one round.
type roundState struct {
	round  uint64
	leader types.PublicKey
	phase  Phase

	startedAt time.Time

	// first valid proposal from the leader
	proposal *types.Proposal

	// block certified by a Notarize certificate, if any
	notarized   bool
	notarizedID types.BlockID
	nullified   bool
	finalized   bool

	// votes this node signed, by kind
	ownVotes map[types.VoteKind]*types.Vote
}

func newRoundState(round uint64, leader types.PublicKey, now time.Time) *roundState {
	return &roundState{
		round:     round,
		leader:    leader,
		phase:     PhaseIdle,
		startedAt: now,
		ownVotes:  make(map[types.VoteKind]*types.Vote, 3),
	}
}

func (rs *roundState) own(kind types.VoteKind) *types.Vote {
	return rs.ownVotes[kind]
}

// setPhase moves the round forward. Finalized is terminal; certificates
// are tracked by the flags regardless of phase.
func (rs *roundState) setPhase(p Phase) {
	if rs.phase == PhaseFinalized {
		return
	}
	rs.phase = p
}

// pendingBlock is a validated or certified block above the finalized tip.
type pendingBlock struct {
	proposal *types.Proposal
	id       types.BlockID
	// certified by a Notarize certificate
	notarized bool
}

func (pb *pendingBlock) height() uint64 { return pb.proposal.Block.Header.Height }
func (pb *pendingBlock) round() uint64  { return pb.proposal.Block.Header.Round }
func (pb *pendingBlock) parent() types.BlockID {
	return pb.proposal.Block.Header.ParentID
}
