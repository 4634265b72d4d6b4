// Package wal implements a write-ahead log for consensus crash recovery.
//
// Every proposal and vote a node accepts or produces is written to the WAL
// before it takes effect, and an EndHeight record is written once a height
// is finalized and stored. After a restart the engine replays everything
// after EndHeight(h), where h is the stored height, to rebuild the vote
// tallies and notarized blocks of rounds still in flight.
//
// # Format
//
// The log is a directory of segments named wal-00000, wal-00001, ...
// Each record is framed as
//
//	uint32 length | msgpack(Message) | uint32 crc32(body)
//
// A segment is rotated once it reaches its size limit. Checkpoint removes
// segments whose records all belong to finalized heights.
//
// # Message Types
//
//	MsgTypeProposal   a proposal, with its transactions
//	MsgTypeVote       a Notarize, Finalize or Nullify vote
//	MsgTypeEndHeight  height finalized and stored
//
// A record cut short by a crash is reported as ErrWALCorrupted; replay
// treats it as the end of the log.
package wal
