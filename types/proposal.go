package types

import (
	"errors"
	"fmt"
)

// ErrInvalidProposal is returned for malformed or badly signed proposals
var ErrInvalidProposal = errors.New("invalid proposal")

// Proposal is a leader's block for a round, shipped with the bodies of the
// transactions it references so that voters can validate them.
type Proposal struct {
	_struct struct{} `codec:",omitempty,omitemptyarray"`

	Block        Block          `codec:"blk"`
	Transactions []*Transaction `codec:"txs"`
	Signature    Signature      `codec:"sig"`
}

const proposalSignPrefix = "gutsberry/propose"

// ProposalSignBytes returns the bytes the leader signs. The block ID
// already commits to the round, parent and proposer.
func ProposalSignBytes(chainID string, blockID BlockID) []byte {
	out := make([]byte, 0, len(proposalSignPrefix)+len(chainID)+HashSize)
	out = append(out, proposalSignPrefix...)
	out = append(out, chainID...)
	return append(out, blockID[:]...)
}

// NewProposal creates an unsigned proposal.
func NewProposal(block *Block, txs []*Transaction) *Proposal {
	return &Proposal{Block: *block, Transactions: txs}
}

// Round returns the round of the proposed block.
func (p *Proposal) Round() uint64 {
	return p.Block.Header.Round
}

// Proposer returns the key of the proposing validator.
func (p *Proposal) Proposer() PublicKey {
	return p.Block.Header.Proposer
}

// SignBytes returns the signed bytes of p.
func (p *Proposal) SignBytes(chainID string) []byte {
	return ProposalSignBytes(chainID, p.Block.ID())
}

// ValidateBasic checks the block and that the bodies match its tx IDs.
func (p *Proposal) ValidateBasic() error {
	if p == nil {
		return ErrInvalidProposal
	}
	if err := p.Block.ValidateBasic(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidProposal, err)
	}
	if err := p.Block.CheckTransactions(p.Transactions); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidProposal, err)
	}
	return nil
}

// Verify checks the proposer's signature.
func (p *Proposal) Verify(chainID string) error {
	if !p.Proposer().Verify(p.SignBytes(chainID), p.Signature) {
		return fmt.Errorf("%w: bad signature", ErrInvalidProposal)
	}
	return nil
}
