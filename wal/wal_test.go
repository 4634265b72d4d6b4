package wal

import (
	"crypto/ed25519"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/blockberries/gutsberry/types"
)

func testVote(round uint64) *types.Vote {
	s := make([]byte, ed25519.SeedSize)
	binary.BigEndian.PutUint64(s, 1)
	priv := ed25519.NewKeyFromSeed(s)
	v := &types.Vote{Kind: types.VoteKindNotarize, Round: round, BlockID: types.BlockID(types.HashBytes([]byte("b")))}
	copy(v.Voter[:], priv.Public().(ed25519.PublicKey))
	copy(v.Signature[:], ed25519.Sign(priv, v.SignBytes("test-chain")))
	return v
}

func startWAL(t *testing.T, dir string, segSize int64) *FileWAL {
	w, err := NewFileWALWithOptions(dir, segSize, nil)
	require.NoError(t, err)
	require.NoError(t, w.Start())
	return w
}

func readAll(t *testing.T, r Reader) []*Message {
	var out []*Message
	for {
		msg, err := r.Read()
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
		out = append(out, msg)
	}
}

func TestFileWALReadWrite(t *testing.T) {
	dir := t.TempDir()
	w := startWAL(t, dir, 0)

	vote := testVote(3)
	require.NoError(t, w.Write(NewVoteMessage(0, vote)))
	require.NoError(t, w.WriteSync(NewEndHeightMessage(1, 3)))
	require.NoError(t, w.Stop())

	_, err := os.Stat(filepath.Join(dir, "wal-00000"))
	require.NoError(t, err)

	r, err := OpenWALForReading(dir)
	require.NoError(t, err)
	defer r.Close()
	msgs := readAll(t, r)
	require.Len(t, msgs, 2)

	decoded, err := msgs[0].DecodeVote()
	require.NoError(t, err)
	require.Equal(t, *vote, *decoded)
	require.NoError(t, decoded.Verify("test-chain"))

	_, err = msgs[0].DecodeProposal()
	require.ErrorIs(t, err, ErrWrongType)
	require.Equal(t, MsgTypeEndHeight, msgs[1].Type)
	require.Equal(t, uint64(1), msgs[1].Height)
}

func TestFileWALProposalMessage(t *testing.T) {
	s := make([]byte, ed25519.SeedSize)
	priv := ed25519.NewKeyFromSeed(s)
	var pub types.PublicKey
	copy(pub[:], priv.Public().(ed25519.PublicKey))

	tx := types.NewTransaction(pub, 1, types.Payload{
		Kind:       types.TxKindCreateRepository,
		Repository: &types.Repository{Owner: "alice", Name: "guts", DefaultBranch: "main"},
	})
	tx.Sign(priv)
	prop := types.NewProposal(types.NewBlock(1, 4, types.GenesisID, pub, 1, []types.TransactionID{tx.ID()}), []*types.Transaction{tx})

	msg := NewProposalMessage(0, prop)
	require.Equal(t, uint64(4), msg.Round)
	decoded, err := msg.DecodeProposal()
	require.NoError(t, err)
	require.Equal(t, prop.Block.ID(), decoded.Block.ID())
	require.NoError(t, decoded.ValidateBasic())
}

func TestFileWALSearchForEndHeight(t *testing.T) {
	dir := t.TempDir()
	w := startWAL(t, dir, 0)
	defer w.Stop()

	require.NoError(t, w.Write(NewVoteMessage(0, testVote(0))))
	require.NoError(t, w.Write(NewEndHeightMessage(1, 0)))
	require.NoError(t, w.Write(NewVoteMessage(1, testVote(1))))
	require.NoError(t, w.Write(NewVoteMessage(1, testVote(2))))

	r, found, err := w.SearchForEndHeight(1)
	require.NoError(t, err)
	require.True(t, found)
	msgs := readAll(t, r)
	r.Close()
	require.Len(t, msgs, 2)
	require.Equal(t, uint64(1), msgs[0].Round)

	// Height 0 means the whole log
	r, found, err = w.SearchForEndHeight(0)
	require.NoError(t, err)
	require.True(t, found)
	require.Len(t, readAll(t, r), 4)
	r.Close()

	_, found, err = w.SearchForEndHeight(7)
	require.NoError(t, err)
	require.False(t, found)
}

func TestFileWALRotationAndCheckpoint(t *testing.T) {
	dir := t.TempDir()
	// Tiny segments force a rotation after every record
	w := startWAL(t, dir, 1)

	for h := uint64(0); h < 5; h++ {
		require.NoError(t, w.Write(NewVoteMessage(h, testVote(h))))
		require.NoError(t, w.Write(NewEndHeightMessage(h+1, h)))
	}
	require.NoError(t, w.FlushAndSync())
	for i := 0; i <= 5; i++ {
		_, err := os.Stat(segmentPath(dir, i))
		require.NoError(t, err, "segment %d", i)
	}

	r, found, err := w.SearchForEndHeight(3)
	require.NoError(t, err)
	require.True(t, found)
	require.Len(t, readAll(t, r), 4)
	r.Close()

	require.NoError(t, w.Checkpoint(3))
	_, err = os.Stat(segmentPath(dir, 0))
	require.True(t, os.IsNotExist(err))

	// Heights after the checkpoint are still searchable
	r, found, err = w.SearchForEndHeight(4)
	require.NoError(t, err)
	require.True(t, found)
	require.Len(t, readAll(t, r), 2)
	r.Close()
	require.NoError(t, w.Stop())

	// A restart rebuilds the index from the remaining segments
	w = startWAL(t, dir, 1)
	defer w.Stop()
	_, found, err = w.SearchForEndHeight(5)
	require.NoError(t, err)
	require.True(t, found)
}

func TestFileWALTruncatedTail(t *testing.T) {
	dir := t.TempDir()
	w := startWAL(t, dir, 0)
	require.NoError(t, w.WriteSync(NewVoteMessage(0, testVote(0))))
	require.NoError(t, w.WriteSync(NewVoteMessage(0, testVote(1))))
	require.NoError(t, w.Stop())

	path := segmentPath(dir, 0)
	info, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, info.Size()-3))

	r, err := OpenWALForReading(dir)
	require.NoError(t, err)
	defer r.Close()
	_, err = r.Read()
	require.NoError(t, err)
	_, err = r.Read()
	require.ErrorIs(t, err, ErrWALCorrupted)
}

func TestFileWALRepairsTornTailOnStart(t *testing.T) {
	dir := t.TempDir()
	w := startWAL(t, dir, 0)
	require.NoError(t, w.WriteSync(NewVoteMessage(0, testVote(0))))
	require.NoError(t, w.WriteSync(NewVoteMessage(0, testVote(1))))
	require.NoError(t, w.Stop())

	path := segmentPath(dir, 0)
	info, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, info.Size()-3))

	w = startWAL(t, dir, 0)
	require.NoError(t, w.WriteSync(NewVoteMessage(0, testVote(2))))
	require.NoError(t, w.Stop())

	r, err := OpenWALForReading(dir)
	require.NoError(t, err)
	defer r.Close()
	msgs := readAll(t, r)
	require.Len(t, msgs, 2)
	require.Equal(t, uint64(0), msgs[0].Round)
	require.Equal(t, uint64(2), msgs[1].Round)
}

func TestFileWALClosed(t *testing.T) {
	w, err := NewFileWAL(t.TempDir(), nil)
	require.NoError(t, err)
	require.ErrorIs(t, w.Write(NewEndHeightMessage(1, 0)), ErrWALClosed)

	require.NoError(t, w.Start())
	require.NoError(t, w.Start())
	require.NoError(t, w.Stop())
	require.NoError(t, w.Stop())
	require.ErrorIs(t, w.FlushAndSync(), ErrWALClosed)
}

func TestOpenWALNotFound(t *testing.T) {
	_, err := OpenWALForReading(t.TempDir())
	require.ErrorIs(t, err, ErrWALNotFound)
}
