// Package app defines the boundary between consensus and the platform's
// state stores.
//
// The engine consults Application.Validate before admitting or voting on a
// transaction, and hands every finalized block to Application.Apply exactly
// once, in height order, through a Deliverer running on its own goroutine.
package app

import (
	"github.com/blockberries/gutsberry/types"
)

// ApplyResult reports the outcome of applying a finalized block.
type ApplyResult struct {
	// StateRoot is the application state commitment after the block, if any
	StateRoot types.Hash
	// Err is non-nil if the application could not apply the block
	Err error
}

// Application is implemented by the repository, collaboration and auth
// stores that consume finalized blocks.
type Application interface {
	// Validate reports whether tx is semantically acceptable, e.g. whether
	// the author holds the needed permission. It must not block for long.
	Validate(tx *types.Transaction) bool

	// Apply is called once per finalized block, in height order.
	Apply(block *types.FinalizedBlock) ApplyResult
}

// HeightReporter is optionally implemented by applications that persist
// their progress. Delivery resumes after LastHeight on restart.
type HeightReporter interface {
	LastHeight() uint64
}

// NopApplication accepts every transaction and ignores finalized blocks.
type NopApplication struct{}

var _ Application = NopApplication{}

// Validate accepts tx.
func (NopApplication) Validate(*types.Transaction) bool { return true }

// Apply does nothing.
func (NopApplication) Apply(*types.FinalizedBlock) ApplyResult { return ApplyResult{} }
