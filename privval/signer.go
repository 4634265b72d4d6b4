package privval

import (
	"errors"
	"fmt"
	"sort"

	"github.com/blockberries/gutsberry/types"
)

// Errors
var (
	ErrDoubleSign       = errors.New("double sign attempt")
	ErrRoundRegression  = errors.New("round regression")
	ErrInvalidVoteKind  = errors.New("invalid vote kind")
	ErrInvalidStateFile = errors.New("invalid sign state file")
)

// PrivValidator signs consensus messages and refuses to sign anything that
// would make the validator equivocate.
type PrivValidator interface {
	// PubKey returns the public key
	PubKey() types.PublicKey

	// SignVote fills in Voter and Signature of vote
	SignVote(chainID string, vote *types.Vote) error

	// SignProposal fills in the proposal signature
	SignProposal(chainID string, proposal *types.Proposal) error
}

// DefaultSignWindow is how many rounds behind the highest signed round are
// still remembered. Requests for older rounds are refused.
const DefaultSignWindow = 256

// RoundSignState records what was signed in one round.
type RoundSignState struct {
	Round    uint64        `codec:"round"`
	Proposal types.BlockID `codec:"proposal"`
	Notarize types.BlockID `codec:"notarize"`
	Finalize types.BlockID `codec:"finalize"`
	Nullify  bool          `codec:"nullify"`
}

// LastSignState tracks recent signatures for double-sign prevention.
// Within a round a validator signs at most one proposal, one Notarize and
// one Finalize, and never both Finalize and Nullify.
type LastSignState struct {
	Rounds map[uint64]*RoundSignState
	// MaxRound is the highest round anything was signed for
	MaxRound uint64
	Window   uint64
}

func newLastSignState(window uint64) LastSignState {
	return LastSignState{Rounds: make(map[uint64]*RoundSignState), Window: window}
}

func (lss *LastSignState) floor() uint64 {
	if lss.MaxRound < lss.Window {
		return 0
	}
	return lss.MaxRound - lss.Window
}

// CheckVote returns nil if the vote may be signed, errAlreadySigned if
// exactly this vote was signed before, or an error.
func (lss *LastSignState) CheckVote(kind types.VoteKind, round uint64, blockID types.BlockID) error {
	if !kind.IsValid() {
		return fmt.Errorf("%w: %s", ErrInvalidVoteKind, kind)
	}
	if len(lss.Rounds) > 0 && round < lss.floor() {
		return fmt.Errorf("%w: round %d below %d", ErrRoundRegression, round, lss.floor())
	}
	rs := lss.Rounds[round]
	if rs == nil {
		return nil
	}
	switch kind {
	case types.VoteKindNotarize:
		if !rs.Notarize.IsZero() {
			if rs.Notarize == blockID {
				return errAlreadySigned
			}
			return fmt.Errorf("%w: notarize %s after %s in round %d", ErrDoubleSign, blockID.Short(), rs.Notarize.Short(), round)
		}
	case types.VoteKindFinalize:
		if rs.Nullify {
			return fmt.Errorf("%w: finalize after nullify in round %d", ErrDoubleSign, round)
		}
		if !rs.Finalize.IsZero() {
			if rs.Finalize == blockID {
				return errAlreadySigned
			}
			return fmt.Errorf("%w: finalize %s after %s in round %d", ErrDoubleSign, blockID.Short(), rs.Finalize.Short(), round)
		}
	case types.VoteKindNullify:
		if !rs.Finalize.IsZero() {
			return fmt.Errorf("%w: nullify after finalize in round %d", ErrDoubleSign, round)
		}
		if rs.Nullify {
			return errAlreadySigned
		}
	}
	return nil
}

// CheckProposal returns nil if a proposal for blockID may be signed.
func (lss *LastSignState) CheckProposal(round uint64, blockID types.BlockID) error {
	if len(lss.Rounds) > 0 && round < lss.floor() {
		return fmt.Errorf("%w: round %d below %d", ErrRoundRegression, round, lss.floor())
	}
	if rs := lss.Rounds[round]; rs != nil && !rs.Proposal.IsZero() {
		if rs.Proposal == blockID {
			return errAlreadySigned
		}
		return fmt.Errorf("%w: second proposal in round %d", ErrDoubleSign, round)
	}
	return nil
}

var errAlreadySigned = errors.New("already signed")

func (lss *LastSignState) round(r uint64) *RoundSignState {
	rs := lss.Rounds[r]
	if rs == nil {
		rs = &RoundSignState{Round: r}
		lss.Rounds[r] = rs
	}
	if r > lss.MaxRound {
		lss.MaxRound = r
	}
	return rs
}

// RecordVote stores a signed vote.
func (lss *LastSignState) RecordVote(kind types.VoteKind, round uint64, blockID types.BlockID) {
	rs := lss.round(round)
	switch kind {
	case types.VoteKindNotarize:
		rs.Notarize = blockID
	case types.VoteKindFinalize:
		rs.Finalize = blockID
	case types.VoteKindNullify:
		rs.Nullify = true
	}
	lss.prune()
}

// RecordProposal stores a signed proposal.
func (lss *LastSignState) RecordProposal(round uint64, blockID types.BlockID) {
	lss.round(round).Proposal = blockID
	lss.prune()
}

func (lss *LastSignState) prune() {
	f := lss.floor()
	for r := range lss.Rounds {
		if r < f {
			delete(lss.Rounds, r)
		}
	}
}

// sorted returns the remembered rounds in order, for persistence.
func (lss *LastSignState) sorted() []*RoundSignState {
	out := make([]*RoundSignState, 0, len(lss.Rounds))
	for _, rs := range lss.Rounds {
		out = append(out, rs)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Round < out[j].Round })
	return out
}
