package engine

import (
	"errors"
	"fmt"
	"io"

	"github.com/blockberries/gutsberry/logging"
	"github.com/blockberries/gutsberry/wal"
)

// WALReplayResult summarizes a WAL replay
type WALReplayResult struct {
	// Round the state machine resumed in
	Round uint64
	// Finalized height after replay
	Height uint64
	// Number of messages replayed
	MessagesReplayed int
	Proposals        int
	Votes            int
	// Messages for rounds already finalized
	Skipped int
	// The log ended in a torn record
	Truncated bool
}

// replayWAL feeds the retained log back through the state machine without
// signing or sending anything. Own votes found in the log are restored so
// that the node never signs a conflicting vote after a restart. The caller
// holds mu.
func (cs *ConsensusState) replayWAL() error {
	result, err := cs.replay()
	if err != nil {
		return err
	}
	if result.MessagesReplayed > 0 || result.Truncated {
		cs.log.WithFields(logging.Fields{
			"messages":  result.MessagesReplayed,
			"proposals": result.Proposals,
			"votes":     result.Votes,
			"skipped":   result.Skipped,
			"round":     result.Round,
			"height":    result.Height,
			"truncated": result.Truncated,
		}).Info("replayed WAL")
	}
	return nil
}

func (cs *ConsensusState) replay() (*WALReplayResult, error) {
	result := &WALReplayResult{}

	// Height 0 reads every retained segment; checkpoints keep this bounded
	reader, found, err := cs.wal.SearchForEndHeight(0)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWALReplay, err)
	}
	if !found || reader == nil {
		result.Round, result.Height = cs.round, cs.finalized.height
		return result, nil
	}
	defer reader.Close()

	cs.replaying = true
	defer func() { cs.replaying = false }()

	for {
		msg, err := reader.Read()
		if err == io.EOF {
			break
		}
		if errors.Is(err, wal.ErrWALCorrupted) {
			// A crash mid-write leaves a torn tail
			result.Truncated = true
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrWALReplay, err)
		}
		if msg.Round < cs.finalized.nextRound && msg.Type != wal.MsgTypeEndHeight {
			result.Skipped++
			continue
		}
		if err := cs.replayMessage(msg, result); err != nil {
			cs.log.WithFields(logging.Fields{"type": msg.Type.String(), "round": msg.Round}).Debugf("replayed message not applied: %v", err)
		}
		result.MessagesReplayed++
	}

	result.Round, result.Height = cs.round, cs.finalized.height
	return result, nil
}

// replayMessage replays a single WAL message
func (cs *ConsensusState) replayMessage(msg *wal.Message, result *WALReplayResult) error {
	switch msg.Type {
	case wal.MsgTypeProposal:
		p, err := msg.DecodeProposal()
		if err != nil {
			return err
		}
		result.Proposals++
		return cs.handleProposal(p, "")

	case wal.MsgTypeVote:
		v, err := msg.DecodeVote()
		if err != nil {
			return err
		}
		result.Votes++
		return cs.handleVote(v, "")

	case wal.MsgTypeEndHeight:
		// The store is authoritative for finalized blocks
		return nil

	default:
		// Unknown message types are ignored for forward compatibility
		return nil
	}
}
