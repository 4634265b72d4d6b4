package engine

import "errors"

// Consensus errors
var (
	ErrInvalidConfig      = errors.New("invalid engine config")
	ErrInvalidProposal    = errors.New("invalid proposal")
	ErrNotLeader          = errors.New("proposer is not the leader for this round")
	ErrUnknownParent      = errors.New("proposal parent unknown")
	ErrParentNotNotarized = errors.New("proposal parent not notarized")
	ErrMissingNullify     = errors.New("skipped round not nullified")
	ErrStaleRound         = errors.New("round already finalized")
	ErrRoundTooFar        = errors.New("round beyond lookahead")
	ErrDuplicateTx        = errors.New("transaction already in chain")
	ErrRejectedTx         = errors.New("transaction rejected by application")
	ErrBlockTooLarge      = errors.New("block exceeds size limits")
	ErrInvalidSyncData    = errors.New("invalid sync response")
	ErrWALReplay          = errors.New("WAL replay failed")
	ErrAlreadyStarted     = errors.New("consensus already started")
	ErrNotStarted         = errors.New("consensus not started")
	ErrUnknownMessageType = errors.New("unknown consensus message type")
	ErrQueueFull          = errors.New("message queue full")
)
