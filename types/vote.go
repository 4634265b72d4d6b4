package types

import (
	"errors"
	"fmt"
)

// VoteKind is the kind of a consensus vote.
type VoteKind uint8

const (
	VoteKindUnknown VoteKind = iota
	// VoteKindNotarize ratifies a proposal.
	VoteKindNotarize
	// VoteKindFinalize makes a notarized block irreversible.
	VoteKindFinalize
	// VoteKindNullify skips a round that produced no notarized block.
	VoteKindNullify
)

func (k VoteKind) String() string {
	switch k {
	case VoteKindNotarize:
		return "notarize"
	case VoteKindFinalize:
		return "finalize"
	case VoteKindNullify:
		return "nullify"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// IsValid returns true for the three protocol vote kinds.
func (k VoteKind) IsValid() bool {
	return k >= VoteKindNotarize && k <= VoteKindNullify
}

// Errors
var (
	ErrInvalidVote          = errors.New("invalid vote")
	ErrInvalidVoteSignature = errors.New("invalid vote signature")
)

// Vote is a signed vote of one validator. BlockID is zero for Nullify.
type Vote struct {
	_struct struct{} `codec:",omitempty,omitemptyarray"`

	Kind      VoteKind  `codec:"k"`
	Round     uint64    `codec:"r"`
	BlockID   BlockID   `codec:"b"`
	Voter     PublicKey `codec:"v"`
	Signature Signature `codec:"sig"`
}

type voteBody struct {
	_struct struct{} `codec:",omitempty,omitemptyarray"`

	ChainID string   `codec:"chain"`
	Kind    VoteKind `codec:"k"`
	Round   uint64   `codec:"r"`
	BlockID BlockID  `codec:"b"`
}

const voteSignPrefix = "gutsberry/vote"

// VoteSignBytes returns the bytes a validator signs for a vote. The chain ID
// is part of the signed body, so votes never verify across networks.
func VoteSignBytes(chainID string, kind VoteKind, round uint64, blockID BlockID) []byte {
	body := voteBody{ChainID: chainID, Kind: kind, Round: round, BlockID: blockID}
	return append([]byte(voteSignPrefix), Encode(&body)...)
}

// SignBytes returns the signed bytes of v.
func (v *Vote) SignBytes(chainID string) []byte {
	return VoteSignBytes(chainID, v.Kind, v.Round, v.BlockID)
}

// ValidateBasic checks the vote shape without verifying its signature.
func (v *Vote) ValidateBasic() error {
	if v == nil {
		return ErrInvalidVote
	}
	if !v.Kind.IsValid() {
		return fmt.Errorf("%w: kind %s", ErrInvalidVote, v.Kind)
	}
	if v.Kind == VoteKindNullify && !v.BlockID.IsZero() {
		return fmt.Errorf("%w: nullify with block id", ErrInvalidVote)
	}
	if v.Kind != VoteKindNullify && v.BlockID.IsZero() {
		return fmt.Errorf("%w: %s without block id", ErrInvalidVote, v.Kind)
	}
	if v.Voter.IsZero() {
		return fmt.Errorf("%w: missing voter", ErrInvalidVote)
	}
	return nil
}

// Verify checks the signature of v against its voter.
func (v *Vote) Verify(chainID string) error {
	if err := v.ValidateBasic(); err != nil {
		return err
	}
	if !v.Voter.Verify(v.SignBytes(chainID), v.Signature) {
		return ErrInvalidVoteSignature
	}
	return nil
}

// ConflictsWith returns true if v and other are signed by the same voter
// for the same round but cannot both come from an honest validator: two
// Notarize or two Finalize votes for different blocks, or a Finalize and a
// Nullify.
func (v *Vote) ConflictsWith(other *Vote) bool {
	if v.Voter != other.Voter || v.Round != other.Round {
		return false
	}
	if v.Kind == other.Kind {
		return v.Kind != VoteKindNullify && v.BlockID != other.BlockID
	}
	pair := map[VoteKind]bool{v.Kind: true, other.Kind: true}
	return pair[VoteKindFinalize] && pair[VoteKindNullify]
}

func (v *Vote) String() string {
	return fmt.Sprintf("Vote{%s r=%d b=%s v=%s}", v.Kind, v.Round, v.BlockID.Short(), v.Voter.Short())
}
