package types

import (
	"errors"
	"fmt"
)

// ErrUnknownMessage is returned when decoding an unknown message type
var ErrUnknownMessage = errors.New("unknown message type")

// MessageType is the one-byte prefix of every wire message.
type MessageType uint8

const (
	MsgTypeUnknown MessageType = iota
	MsgTypePropose
	MsgTypeNotarize
	MsgTypeFinalize
	MsgTypeNullify
	MsgTypeSyncRequest
	MsgTypeSyncResponse
	MsgTypeTransaction
	MsgTypeStatus
)

func (t MessageType) String() string {
	switch t {
	case MsgTypePropose:
		return "propose"
	case MsgTypeNotarize:
		return "notarize"
	case MsgTypeFinalize:
		return "finalize"
	case MsgTypeNullify:
		return "nullify"
	case MsgTypeSyncRequest:
		return "sync_request"
	case MsgTypeSyncResponse:
		return "sync_response"
	case MsgTypeTransaction:
		return "transaction"
	case MsgTypeStatus:
		return "status"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// Channel identifiers used by transports to prioritise traffic.
const (
	ChannelConsensus   byte = 0
	ChannelTransaction byte = 2
	ChannelSync        byte = 3
)

// Channel returns the transport channel a message type travels on.
func (t MessageType) Channel() byte {
	switch t {
	case MsgTypeTransaction:
		return ChannelTransaction
	case MsgTypeSyncRequest, MsgTypeSyncResponse, MsgTypeStatus:
		return ChannelSync
	default:
		return ChannelConsensus
	}
}

// Message is any wire message.
type Message interface {
	Type() MessageType
}

// Type returns MsgTypePropose.
func (p *Proposal) Type() MessageType { return MsgTypePropose }

// Type maps the vote kind to its message type.
func (v *Vote) Type() MessageType {
	switch v.Kind {
	case VoteKindNotarize:
		return MsgTypeNotarize
	case VoteKindFinalize:
		return MsgTypeFinalize
	case VoteKindNullify:
		return MsgTypeNullify
	}
	return MsgTypeUnknown
}

// Type returns MsgTypeTransaction.
func (tx *Transaction) Type() MessageType { return MsgTypeTransaction }

// SyncRequest asks a peer for finalized blocks starting at FromHeight.
type SyncRequest struct {
	_struct struct{} `codec:",omitempty,omitemptyarray"`

	FromHeight uint64 `codec:"from"`
	MaxBlocks  uint32 `codec:"max"`
}

// Type returns MsgTypeSyncRequest.
func (r *SyncRequest) Type() MessageType { return MsgTypeSyncRequest }

// SyncResponse carries finalized blocks in height order, plus the
// certificates (and the proposals they certify) for rounds past the
// responder's finalized tip.
type SyncResponse struct {
	_struct struct{} `codec:",omitempty,omitemptyarray"`

	Blocks       []*FinalizedBlock    `codec:"blks"`
	Certificates []*QuorumCertificate `codec:"qcs"`
	Proposals    []*Proposal          `codec:"props"`
}

// Type returns MsgTypeSyncResponse.
func (r *SyncResponse) Type() MessageType { return MsgTypeSyncResponse }

// Status advertises a node's finalized height and current round.
type Status struct {
	_struct struct{} `codec:",omitempty,omitemptyarray"`

	Height uint64 `codec:"h"`
	Round  uint64 `codec:"r"`
}

// Type returns MsgTypeStatus.
func (s *Status) Type() MessageType { return MsgTypeStatus }

// EncodeMessage prefixes the canonical encoding of msg with its type byte.
func EncodeMessage(msg Message) []byte {
	body := Encode(msg)
	out := make([]byte, 0, len(body)+1)
	out = append(out, byte(msg.Type()))
	return append(out, body...)
}

// DecodeMessage decodes a type-prefixed wire message.
func DecodeMessage(data []byte) (Message, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty message", ErrInvalidEncoding)
	}
	var msg Message
	switch MessageType(data[0]) {
	case MsgTypePropose:
		msg = &Proposal{}
	case MsgTypeNotarize, MsgTypeFinalize, MsgTypeNullify:
		msg = &Vote{}
	case MsgTypeSyncRequest:
		msg = &SyncRequest{}
	case MsgTypeSyncResponse:
		msg = &SyncResponse{}
	case MsgTypeTransaction:
		msg = &Transaction{}
	case MsgTypeStatus:
		msg = &Status{}
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownMessage, data[0])
	}
	if err := Decode(data[1:], msg); err != nil {
		return nil, err
	}
	if msg.Type() != MessageType(data[0]) {
		return nil, fmt.Errorf("%w: prefix %s, body %s", ErrInvalidEncoding, MessageType(data[0]), msg.Type())
	}
	return msg, nil
}
