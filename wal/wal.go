package wal

import (
	"errors"
	"fmt"
	"io"

	"github.com/blockberries/gutsberry/types"
)

// Errors
var (
	ErrWALClosed    = errors.New("WAL is closed")
	ErrWALCorrupted = errors.New("WAL is corrupted")
	ErrWALNotFound  = errors.New("WAL file not found")
	ErrWrongType    = errors.New("unexpected WAL message type")
)

// MessageType identifies the type of WAL message
type MessageType uint8

const (
	MsgTypeUnknown MessageType = iota
	// MsgTypeProposal is a proposal accepted or produced by this node.
	MsgTypeProposal
	// MsgTypeVote is a vote accepted or cast by this node.
	MsgTypeVote
	// MsgTypeEndHeight marks that a height was finalized and stored.
	MsgTypeEndHeight
)

func (t MessageType) String() string {
	switch t {
	case MsgTypeProposal:
		return "proposal"
	case MsgTypeVote:
		return "vote"
	case MsgTypeEndHeight:
		return "end_height"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// Message is one WAL record. Height is the finalized height when the record
// was written; everything after EndHeight(h) belongs to heights above h.
type Message struct {
	_struct struct{} `codec:",omitempty,omitemptyarray"`

	Type   MessageType `codec:"t"`
	Height uint64      `codec:"h"`
	Round  uint64      `codec:"r"`
	Data   []byte      `codec:"d"`
}

// WAL is the write-ahead log of consensus messages.
type WAL interface {
	// Write writes a message to the WAL
	Write(msg *Message) error

	// WriteSync writes a message and ensures it's synced to disk
	WriteSync(msg *Message) error

	// FlushAndSync flushes and syncs all pending writes
	FlushAndSync() error

	// SearchForEndHeight returns a Reader positioned after the EndHeight
	// message for height, or false if there is none.
	SearchForEndHeight(height uint64) (Reader, bool, error)

	// Checkpoint drops segments holding only heights <= height.
	Checkpoint(height uint64) error

	// Start opens the WAL
	Start() error

	// Stop flushes and closes the WAL
	Stop() error
}

// Reader interface for reading from WAL
type Reader interface {
	// Read reads the next message from the WAL
	Read() (*Message, error)

	// Close closes the reader
	Close() error
}

// Group describes the segment files of a WAL directory.
type Group struct {
	Dir      string
	Prefix   string
	MaxSize  int64
	MinIndex int
	MaxIndex int
}

// NewProposalMessage creates a WAL message for a proposal
func NewProposalMessage(height uint64, proposal *types.Proposal) *Message {
	return &Message{
		Type:   MsgTypeProposal,
		Height: height,
		Round:  proposal.Round(),
		Data:   types.Encode(proposal),
	}
}

// NewVoteMessage creates a WAL message for a vote
func NewVoteMessage(height uint64, vote *types.Vote) *Message {
	return &Message{
		Type:   MsgTypeVote,
		Height: height,
		Round:  vote.Round,
		Data:   types.Encode(vote),
	}
}

// NewEndHeightMessage creates a WAL message marking end of height
func NewEndHeightMessage(height, round uint64) *Message {
	return &Message{
		Type:   MsgTypeEndHeight,
		Height: height,
		Round:  round,
	}
}

// DecodeProposal decodes the proposal in a MsgTypeProposal message
func (m *Message) DecodeProposal() (*types.Proposal, error) {
	if m.Type != MsgTypeProposal {
		return nil, fmt.Errorf("%w: %s", ErrWrongType, m.Type)
	}
	var p types.Proposal
	if err := types.Decode(m.Data, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// DecodeVote decodes the vote in a MsgTypeVote message
func (m *Message) DecodeVote() (*types.Vote, error) {
	if m.Type != MsgTypeVote {
		return nil, fmt.Errorf("%w: %s", ErrWrongType, m.Type)
	}
	var v types.Vote
	if err := types.Decode(m.Data, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// NopWAL is a no-op WAL implementation for testing
type NopWAL struct{}

func (w *NopWAL) Write(msg *Message) error                               { return nil }
func (w *NopWAL) WriteSync(msg *Message) error                           { return nil }
func (w *NopWAL) FlushAndSync() error                                    { return nil }
func (w *NopWAL) SearchForEndHeight(height uint64) (Reader, bool, error) { return nil, false, nil }
func (w *NopWAL) Checkpoint(height uint64) error                         { return nil }
func (w *NopWAL) Start() error                                           { return nil }
func (w *NopWAL) Stop() error                                            { return nil }

// Ensure NopWAL implements WAL
var _ WAL = (*NopWAL)(nil)

// NopReader is a no-op reader
type NopReader struct{}

func (r *NopReader) Read() (*Message, error) { return nil, io.EOF }
func (r *NopReader) Close() error            { return nil }

var _ Reader = (*NopReader)(nil)
