// Package store persists finalized blocks.
//
// Blocks are stored contiguously by height, starting at 1. Each block is
// kept together with its transactions and finalizing certificate so that a
// lagging node can be served from the store alone. A transaction index
// answers whether a transaction ID is already part of the finalized chain.
package store

import (
	"errors"

	"github.com/blockberries/gutsberry/types"
)

// Errors
var (
	ErrNotFound       = errors.New("not found")
	ErrNonContiguous  = errors.New("block height is not contiguous")
	ErrParentMismatch = errors.New("block parent does not match stored tip")
	ErrClosed         = errors.New("store closed")
)

// BlockStore is the finalized chain as seen by the engine.
type BlockStore interface {
	// SaveBlock appends fb. Its height must be Height()+1 and its parent
	// the current tip.
	SaveBlock(fb *types.FinalizedBlock) error

	// LoadBlock returns the block at height.
	LoadBlock(height uint64) (*types.FinalizedBlock, error)

	// LoadBlockByID returns the block with the given ID.
	LoadBlockByID(id types.BlockID) (*types.FinalizedBlock, error)

	// Height returns the highest stored height, 0 when empty.
	Height() uint64

	// Tip returns the ID of the highest block, or types.GenesisID.
	Tip() types.BlockID

	// TxHeight returns the height a transaction was finalized at.
	TxHeight(id types.TransactionID) (uint64, bool)

	Close() error
}

// checkAppend validates that fb extends a chain with the given tip.
func checkAppend(fb *types.FinalizedBlock, height uint64, tip types.BlockID) error {
	if fb.Height() != height+1 {
		return ErrNonContiguous
	}
	if fb.Block.Header.ParentID != tip {
		return ErrParentMismatch
	}
	return fb.ValidateBasic()
}

// LoadRange returns up to max consecutive blocks starting at from.
func LoadRange(s BlockStore, from uint64, max int) ([]*types.FinalizedBlock, error) {
	if from == 0 {
		from = 1
	}
	var out []*types.FinalizedBlock
	for h := from; h <= s.Height() && len(out) < max; h++ {
		fb, err := s.LoadBlock(h)
		if err != nil {
			return out, err
		}
		out = append(out, fb)
	}
	return out, nil
}
