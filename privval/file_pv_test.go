package privval

import (
	"crypto/ed25519"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/blockberries/gutsberry/types"
)

const testChainID = "test-chain"

func testKey(seed uint64) ed25519.PrivateKey {
	s := make([]byte, ed25519.SeedSize)
	binary.BigEndian.PutUint64(s, seed+1)
	return ed25519.NewKeyFromSeed(s)
}

func testPaths(t *testing.T) (string, string) {
	dir := t.TempDir()
	return filepath.Join(dir, "priv_validator_key.json"), filepath.Join(dir, "priv_validator_state.json")
}

func blockID(name string) types.BlockID {
	return types.BlockID(types.HashBytes([]byte(name)))
}

func vote(kind types.VoteKind, round uint64, id types.BlockID) *types.Vote {
	return &types.Vote{Kind: kind, Round: round, BlockID: id}
}

func TestNewFilePVGeneratesAndReloads(t *testing.T) {
	keyPath, statePath := testPaths(t)

	pv1, err := NewFilePV(keyPath, statePath)
	require.NoError(t, err)
	require.False(t, pv1.PubKey().IsZero())

	info, err := os.Stat(keyPath)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(keyFilePerm), info.Mode().Perm())

	pv2, err := NewFilePV(keyPath, statePath)
	require.NoError(t, err)
	require.Equal(t, pv1.PubKey(), pv2.PubKey())
}

func TestFilePVSignVote(t *testing.T) {
	pv := NewMemoryPV(testKey(0))

	v := vote(types.VoteKindNotarize, 3, blockID("a"))
	require.NoError(t, pv.SignVote(testChainID, v))
	require.Equal(t, pv.PubKey(), v.Voter)
	require.NoError(t, v.Verify(testChainID))
}

func TestFilePVDoubleSignPrevention(t *testing.T) {
	pv := NewMemoryPV(testKey(0))

	require.NoError(t, pv.SignVote(testChainID, vote(types.VoteKindNotarize, 5, blockID("a"))))
	require.ErrorIs(t, pv.SignVote(testChainID, vote(types.VoteKindNotarize, 5, blockID("b"))), ErrDoubleSign)

	require.NoError(t, pv.SignVote(testChainID, vote(types.VoteKindFinalize, 5, blockID("a"))))
	require.ErrorIs(t, pv.SignVote(testChainID, vote(types.VoteKindFinalize, 5, blockID("b"))), ErrDoubleSign)

	// Other rounds are unaffected
	require.NoError(t, pv.SignVote(testChainID, vote(types.VoteKindNotarize, 6, blockID("b"))))
}

func TestFilePVFinalizeNullifyExclusive(t *testing.T) {
	pv := NewMemoryPV(testKey(0))

	require.NoError(t, pv.SignVote(testChainID, vote(types.VoteKindNotarize, 1, blockID("a"))))
	require.NoError(t, pv.SignVote(testChainID, vote(types.VoteKindNullify, 1, types.BlockID{})))
	require.ErrorIs(t, pv.SignVote(testChainID, vote(types.VoteKindFinalize, 1, blockID("a"))), ErrDoubleSign)

	require.NoError(t, pv.SignVote(testChainID, vote(types.VoteKindFinalize, 2, blockID("c"))))
	require.ErrorIs(t, pv.SignVote(testChainID, vote(types.VoteKindNullify, 2, types.BlockID{})), ErrDoubleSign)
}

func TestFilePVFinalizeAfterLaterRound(t *testing.T) {
	pv := NewMemoryPV(testKey(0))

	require.NoError(t, pv.SignVote(testChainID, vote(types.VoteKindNotarize, 4, blockID("a"))))
	require.NoError(t, pv.SignVote(testChainID, vote(types.VoteKindNotarize, 5, blockID("b"))))
	require.NoError(t, pv.SignVote(testChainID, vote(types.VoteKindFinalize, 4, blockID("a"))))
}

func TestFilePVIdempotentSign(t *testing.T) {
	pv := NewMemoryPV(testKey(0))

	v1 := vote(types.VoteKindNotarize, 2, blockID("a"))
	require.NoError(t, pv.SignVote(testChainID, v1))
	v2 := vote(types.VoteKindNotarize, 2, blockID("a"))
	require.NoError(t, pv.SignVote(testChainID, v2))
	require.Equal(t, v1.Signature, v2.Signature)

	n1 := vote(types.VoteKindNullify, 3, types.BlockID{})
	require.NoError(t, pv.SignVote(testChainID, n1))
	n2 := vote(types.VoteKindNullify, 3, types.BlockID{})
	require.NoError(t, pv.SignVote(testChainID, n2))
	require.Equal(t, n1.Signature, n2.Signature)
}

func TestFilePVSignProposal(t *testing.T) {
	priv := testKey(0)
	pv := NewMemoryPV(priv)

	block := types.NewBlock(1, 0, types.GenesisID, pv.PubKey(), 1700000000000, nil)
	prop := types.NewProposal(block, nil)
	require.NoError(t, pv.SignProposal(testChainID, prop))
	require.NoError(t, prop.Verify(testChainID))

	// Same block again is fine, another block in the same round is not
	require.NoError(t, pv.SignProposal(testChainID, types.NewProposal(block, nil)))
	other := types.NewBlock(1, 0, types.GenesisID, pv.PubKey(), 1700000000001, nil)
	require.ErrorIs(t, pv.SignProposal(testChainID, types.NewProposal(other, nil)), ErrDoubleSign)

	// Proposals naming someone else are refused
	stranger := types.NewBlock(1, 1, types.GenesisID, NewMemoryPV(testKey(1)).PubKey(), 1, nil)
	require.Error(t, pv.SignProposal(testChainID, types.NewProposal(stranger, nil)))
}

func TestFilePVRoundRegression(t *testing.T) {
	pv := NewMemoryPV(testKey(0))

	require.NoError(t, pv.SignVote(testChainID, vote(types.VoteKindNotarize, DefaultSignWindow+10, blockID("a"))))
	require.ErrorIs(t, pv.SignVote(testChainID, vote(types.VoteKindNotarize, 5, blockID("b"))), ErrRoundRegression)
	// Inside the window is still allowed
	require.NoError(t, pv.SignVote(testChainID, vote(types.VoteKindNullify, 20, types.BlockID{})))
}

func TestFilePVStatePersists(t *testing.T) {
	keyPath, statePath := testPaths(t)
	priv := testKey(0)

	pv1, err := NewFilePVWithKey(priv, keyPath, statePath)
	require.NoError(t, err)
	require.NoError(t, pv1.SignVote(testChainID, vote(types.VoteKindFinalize, 7, blockID("a"))))

	// A restarted signer still refuses to conflict
	pv2, err := NewFilePV(keyPath, statePath)
	require.NoError(t, err)
	require.Equal(t, pv1.PubKey(), pv2.PubKey())
	require.ErrorIs(t, pv2.SignVote(testChainID, vote(types.VoteKindNullify, 7, types.BlockID{})), ErrDoubleSign)
	require.ErrorIs(t, pv2.SignVote(testChainID, vote(types.VoteKindFinalize, 7, blockID("b"))), ErrDoubleSign)
	require.NoError(t, pv2.SignVote(testChainID, vote(types.VoteKindFinalize, 7, blockID("a"))))
}

func TestFilePVReset(t *testing.T) {
	keyPath, statePath := testPaths(t)
	pv, err := GenerateFilePV(keyPath, statePath)
	require.NoError(t, err)

	require.NoError(t, pv.SignVote(testChainID, vote(types.VoteKindNotarize, 1, blockID("a"))))
	require.NoError(t, pv.Reset())
	require.NoError(t, pv.SignVote(testChainID, vote(types.VoteKindNotarize, 1, blockID("b"))))
}

func TestFilePVCorruptState(t *testing.T) {
	keyPath, statePath := testPaths(t)
	_, err := GenerateFilePV(keyPath, statePath)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(statePath, []byte("{not json"), 0600))
	_, err = NewFilePV(keyPath, statePath)
	require.ErrorIs(t, err, ErrInvalidStateFile)
}

func TestLastSignStateCheckVote(t *testing.T) {
	lss := newLastSignState(4)
	a, b := blockID("a"), blockID("b")

	require.NoError(t, lss.CheckVote(types.VoteKindNotarize, 10, a))
	lss.RecordVote(types.VoteKindNotarize, 10, a)

	require.ErrorIs(t, lss.CheckVote(types.VoteKindNotarize, 10, a), errAlreadySigned)
	require.ErrorIs(t, lss.CheckVote(types.VoteKindNotarize, 10, b), ErrDoubleSign)
	require.ErrorIs(t, lss.CheckVote(types.VoteKindUnknown, 10, a), ErrInvalidVoteKind)
	require.ErrorIs(t, lss.CheckVote(types.VoteKindNotarize, 5, a), ErrRoundRegression)
	require.NoError(t, lss.CheckVote(types.VoteKindNotarize, 6, a))

	lss.RecordVote(types.VoteKindNullify, 20, types.BlockID{})
	require.Len(t, lss.Rounds, 1, "rounds below the window are pruned")
}
