package engine

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/blockberries/gutsberry/logging"
	"github.com/blockberries/gutsberry/types"
	"github.com/blockberries/gutsberry/wal"
)

func startTestWAL(t *testing.T, dir string) *wal.FileWAL {
	w, err := wal.NewFileWAL(dir, logging.NewNop())
	require.NoError(t, err)
	require.NoError(t, w.Start())
	t.Cleanup(func() { w.Stop() })
	return w
}

func TestReplayNoWAL(t *testing.T) {
	vs, keys := makeTestValidatorSet(t, 1, 1, 1, 1)
	cs := newTestState(t, vs, keys[1], nil)

	cs.mu.Lock()
	defer cs.mu.Unlock()

	result, err := cs.replay()
	require.NoError(t, err)
	require.Zero(t, result.MessagesReplayed)
	require.Zero(t, result.Round)
	require.False(t, cs.replaying)
}

func TestReplayEmptyWAL(t *testing.T) {
	vs, keys := makeTestValidatorSet(t, 1, 1, 1, 1)
	w := startTestWAL(t, t.TempDir())
	cs := newTestState(t, vs, keys[1], w)

	cs.mu.Lock()
	defer cs.mu.Unlock()

	result, err := cs.replay()
	require.NoError(t, err)
	require.Zero(t, result.MessagesReplayed)
	require.False(t, result.Truncated)
}

func TestReplayRestoresOwnVotes(t *testing.T) {
	vs, keys := makeTestValidatorSet(t, 1, 1, 1, 1)
	w := startTestWAL(t, t.TempDir())

	// Before the crash: validator 1 nullified round 0, then the proposal
	// arrived.
	own := signTestVote(keys[1], types.VoteKindNullify, 0, types.BlockID{})
	require.NoError(t, w.WriteSync(wal.NewVoteMessage(0, own)))
	p := signTestProposal(t, keys[0], 0, 1, types.GenesisID)
	require.NoError(t, w.Write(wal.NewProposalMessage(0, p)))
	require.NoError(t, w.FlushAndSync())

	cs := newTestState(t, vs, keys[1], w)
	cs.mu.Lock()
	defer cs.mu.Unlock()

	result, err := cs.replay()
	require.NoError(t, err)
	require.Equal(t, 2, result.MessagesReplayed)
	require.Equal(t, 1, result.Votes)
	require.Equal(t, 1, result.Proposals)
	require.Empty(t, cs.outbox, "replay must not send")

	rs := cs.rounds[0]
	require.NotNil(t, rs.own(types.VoteKindNullify))
	require.NotNil(t, rs.proposal)
	require.Equal(t, p.Block.ID(), rs.proposal.Block.ID())

	// Resuming must not notarize a round this node already nullified
	cs.resume()
	require.Nil(t, rs.own(types.VoteKindNotarize))
	require.Empty(t, sentVotes(cs))
}

func TestReplayResumesPendingNotarize(t *testing.T) {
	vs, keys := makeTestValidatorSet(t, 1, 1, 1, 1)
	w := startTestWAL(t, t.TempDir())

	// The node logged the proposal but crashed before voting on it
	p := signTestProposal(t, keys[0], 0, 1, types.GenesisID)
	require.NoError(t, w.WriteSync(wal.NewProposalMessage(0, p)))

	cs := newTestState(t, vs, keys[1], w)
	cs.mu.Lock()
	defer cs.mu.Unlock()

	require.NoError(t, cs.replayWAL())
	require.Nil(t, cs.rounds[0].own(types.VoteKindNotarize))

	cs.resume()
	votes := sentVotes(cs)
	require.Len(t, votes, 1)
	require.Equal(t, types.VoteKindNotarize, votes[0].Kind)
	require.Equal(t, p.Block.ID(), votes[0].BlockID)
}

func TestReplayRebuildsRounds(t *testing.T) {
	vs, keys := makeTestValidatorSet(t, 1, 1, 1, 1)
	w := startTestWAL(t, t.TempDir())

	for _, i := range []int{0, 2, 3} {
		v := signTestVote(keys[i], types.VoteKindNullify, 0, types.BlockID{})
		require.NoError(t, w.Write(wal.NewVoteMessage(0, v)))
	}
	require.NoError(t, w.FlushAndSync())

	cs := newTestState(t, vs, keys[1], w)
	cs.mu.Lock()
	defer cs.mu.Unlock()

	result, err := cs.replay()
	require.NoError(t, err)
	require.Equal(t, 3, result.Votes)
	require.Equal(t, uint64(1), result.Round)
	require.True(t, cs.rounds[0].nullified)
	require.Equal(t, uint64(1), cs.nullifyStreak)
	require.Empty(t, cs.outbox)
}

func TestReplayStopsAtTornRecord(t *testing.T) {
	vs, keys := makeTestValidatorSet(t, 1, 1, 1, 1)
	dir := t.TempDir()
	w, err := wal.NewFileWAL(dir, logging.NewNop())
	require.NoError(t, err)
	require.NoError(t, w.Start())
	v := signTestVote(keys[0], types.VoteKindNullify, 0, types.BlockID{})
	require.NoError(t, w.WriteSync(wal.NewVoteMessage(0, v)))
	require.NoError(t, w.Stop())

	segments, err := filepath.Glob(filepath.Join(dir, "wal-*"))
	require.NoError(t, err)
	require.Len(t, segments, 1)
	f, err := os.OpenFile(segments[0], os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = f.Write([]byte{0, 0, 0, 40, 1, 2, 3})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	// A reader opened directly sees the torn record
	cs := newTestState(t, vs, keys[1], &tornWAL{dir: dir})
	cs.mu.Lock()
	defer cs.mu.Unlock()

	result, err := cs.replay()
	require.NoError(t, err)
	require.True(t, result.Truncated)
	require.Equal(t, 1, result.Votes)
}

// tornWAL reads a WAL directory as left on disk, without the repair
// FileWAL.Start performs.
type tornWAL struct {
	wal.NopWAL
	dir string
}

func (w *tornWAL) SearchForEndHeight(uint64) (wal.Reader, bool, error) {
	r, err := wal.OpenWALForReading(w.dir)
	if err != nil {
		return nil, false, err
	}
	return r, true, nil
}
