package types

import (
	"errors"
	"fmt"
)

// Block errors
var (
	ErrInvalidBlock       = errors.New("invalid block")
	ErrTxRootMismatch     = errors.New("transaction root mismatch")
	ErrDuplicateTxInBlock = errors.New("duplicate transaction in block")
	ErrMissingTransaction = errors.New("missing transaction body")
)

// BlockHeader carries the metadata hashed into a block's ID.
type BlockHeader struct {
	_struct struct{} `codec:",omitempty,omitemptyarray"`

	Height    uint64    `codec:"h"`
	Round     uint64    `codec:"r"`
	ParentID  BlockID   `codec:"p"`
	Proposer  PublicKey `codec:"prop"`
	Timestamp int64     `codec:"ts"`
	TxRoot    Hash      `codec:"txr"`
	TxCount   uint32    `codec:"txn"`
}

const blockHashPrefix = "gutsberry/block"

// ID returns the hash of the header fields.
func (h *BlockHeader) ID() BlockID {
	return BlockID(HashBytes([]byte(blockHashPrefix), Encode(h)))
}

// Block is a leader's ordered list of transaction references.
type Block struct {
	_struct struct{} `codec:",omitempty,omitemptyarray"`

	Header BlockHeader     `codec:"hdr"`
	TxIDs  []TransactionID `codec:"txs"`
}

// NewBlock builds a block on top of parent and fills in the tx root.
func NewBlock(height, round uint64, parent BlockID, proposer PublicKey, timestamp int64, txIDs []TransactionID) *Block {
	return &Block{
		Header: BlockHeader{
			Height:    height,
			Round:     round,
			ParentID:  parent,
			Proposer:  proposer,
			Timestamp: timestamp,
			TxRoot:    TxRoot(txIDs),
			TxCount:   uint32(len(txIDs)),
		},
		TxIDs: txIDs,
	}
}

// ID returns the block ID, the hash of its header.
func (b *Block) ID() BlockID {
	return b.Header.ID()
}

// ValidateBasic checks internal consistency of the block.
func (b *Block) ValidateBasic() error {
	if b == nil {
		return ErrInvalidBlock
	}
	if b.Header.Height == 0 {
		return fmt.Errorf("%w: height 0 is reserved for genesis", ErrInvalidBlock)
	}
	if b.Header.Proposer.IsZero() {
		return fmt.Errorf("%w: missing proposer", ErrInvalidBlock)
	}
	if int(b.Header.TxCount) != len(b.TxIDs) {
		return fmt.Errorf("%w: header counts %d txs, body has %d", ErrInvalidBlock, b.Header.TxCount, len(b.TxIDs))
	}
	seen := make(map[TransactionID]bool, len(b.TxIDs))
	for _, id := range b.TxIDs {
		if seen[id] {
			return fmt.Errorf("%w: %s", ErrDuplicateTxInBlock, id.Short())
		}
		seen[id] = true
	}
	if TxRoot(b.TxIDs) != b.Header.TxRoot {
		return ErrTxRootMismatch
	}
	return nil
}

// CheckTransactions verifies that txs are exactly the bodies of b.TxIDs, in order.
func (b *Block) CheckTransactions(txs []*Transaction) error {
	if len(txs) != len(b.TxIDs) {
		return fmt.Errorf("%w: %d bodies for %d ids", ErrMissingTransaction, len(txs), len(b.TxIDs))
	}
	for i, tx := range txs {
		if tx == nil || tx.ID() != b.TxIDs[i] {
			return fmt.Errorf("%w: position %d", ErrMissingTransaction, i)
		}
	}
	return nil
}

func (b *Block) String() string {
	return fmt.Sprintf("Block{h=%d r=%d id=%s parent=%s txs=%d}",
		b.Header.Height, b.Header.Round, b.ID().Short(), b.Header.ParentID.Short(), len(b.TxIDs))
}

// TxRoot computes the binary SHA-256 Merkle root of ids. Odd levels
// duplicate their last node; the root of an empty list is the zero hash.
func TxRoot(ids []TransactionID) Hash {
	if len(ids) == 0 {
		return Hash{}
	}
	level := make([]Hash, len(ids))
	for i, id := range ids {
		level[i] = Hash(id)
	}
	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		next := make([]Hash, len(level)/2)
		for i := range next {
			next[i] = HashBytes(level[2*i][:], level[2*i+1][:])
		}
		level = next
	}
	return level[0]
}

// FinalizedBlock is a block together with its transactions and the
// certificate that finalized it. Certificate is the block's own Finalize
// certificate, or its Notarize certificate when the block was finalized by
// a finalized descendant.
type FinalizedBlock struct {
	_struct struct{} `codec:",omitempty,omitemptyarray"`

	Block        Block             `codec:"blk"`
	Transactions []*Transaction    `codec:"txs"`
	Certificate  QuorumCertificate `codec:"qc"`
}

// Height returns the block height.
func (fb *FinalizedBlock) Height() uint64 {
	return fb.Block.Header.Height
}

// Round returns the round the block was proposed in.
func (fb *FinalizedBlock) Round() uint64 {
	return fb.Block.Header.Round
}

// ValidateBasic checks that the block, bodies and certificate agree.
func (fb *FinalizedBlock) ValidateBasic() error {
	if err := fb.Block.ValidateBasic(); err != nil {
		return err
	}
	if err := fb.Block.CheckTransactions(fb.Transactions); err != nil {
		return err
	}
	if fb.Certificate.Kind != VoteKindFinalize && fb.Certificate.Kind != VoteKindNotarize {
		return fmt.Errorf("%w: certificate kind %s", ErrInvalidCertificate, fb.Certificate.Kind)
	}
	if fb.Certificate.BlockID != fb.Block.ID() || fb.Certificate.Round != fb.Block.Header.Round {
		return fmt.Errorf("%w: certificate does not cover block", ErrInvalidCertificate)
	}
	return nil
}
