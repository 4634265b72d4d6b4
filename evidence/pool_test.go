package evidence

import (
	"crypto/ed25519"
	"encoding/binary"
	"fmt"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/blockberries/gutsberry/metrics"
	"github.com/blockberries/gutsberry/types"
)

const testChainID = "test-chain"

func makeTestKey(seed uint64) ed25519.PrivateKey {
	s := make([]byte, ed25519.SeedSize)
	binary.BigEndian.PutUint64(s, seed+1)
	return ed25519.NewKeyFromSeed(s)
}

func pubKeyOf(priv ed25519.PrivateKey) types.PublicKey {
	var pk types.PublicKey
	copy(pk[:], priv.Public().(ed25519.PublicKey))
	return pk
}

func makeTestValidatorSet(t *testing.T, n int) (*types.ValidatorSet, []ed25519.PrivateKey) {
	vals := make([]*types.Validator, n)
	privs := make([]ed25519.PrivateKey, n)
	for i := range vals {
		privs[i] = makeTestKey(uint64(i))
		vals[i] = &types.Validator{Name: fmt.Sprintf("validator-%d", i), PublicKey: pubKeyOf(privs[i]), Weight: 100}
	}
	vs, err := types.NewValidatorSet(vals)
	require.NoError(t, err)
	return vs, privs
}

func signVote(priv ed25519.PrivateKey, kind types.VoteKind, round uint64, blockID types.BlockID) *types.Vote {
	v := &types.Vote{Kind: kind, Round: round, BlockID: blockID, Voter: pubKeyOf(priv)}
	copy(v.Signature[:], ed25519.Sign(priv, v.SignBytes(testChainID)))
	return v
}

func signProposal(priv ed25519.PrivateKey, round uint64, ts int64) *types.Proposal {
	block := types.NewBlock(1, round, types.GenesisID, pubKeyOf(priv), ts, nil)
	p := types.NewProposal(block, nil)
	copy(p.Signature[:], ed25519.Sign(priv, p.SignBytes(testChainID)))
	return p
}

func blockID(name string) types.BlockID {
	return types.BlockID(types.HashBytes([]byte(name)))
}

func newTestPool(t *testing.T, vs *types.ValidatorSet) (*Pool, *metrics.Metrics) {
	m, err := metrics.New(prometheus.NewRegistry())
	require.NoError(t, err)
	pool, err := NewPool(DefaultConfig(), testChainID, vs, m, nil)
	require.NoError(t, err)
	return pool, m
}

func TestDuplicateVoteEvidence(t *testing.T) {
	vs, privs := makeTestValidatorSet(t, 4)
	pool, m := newTestPool(t, vs)

	a := signVote(privs[3], types.VoteKindNotarize, 5, blockID("a"))
	b := signVote(privs[3], types.VoteKindNotarize, 5, blockID("b"))

	ev := NewVoteEvidence(a, b)
	require.Equal(t, KindDuplicateVote, ev.Kind)
	require.Equal(t, uint64(5), ev.Round)
	require.Equal(t, pubKeyOf(privs[3]), ev.Offender)
	require.NoError(t, ev.Verify(testChainID, vs))

	// Order of discovery does not change the evidence
	require.Equal(t, ev.Key(), NewVoteEvidence(b, a).Key())

	require.NoError(t, pool.AddEvidence(ev))
	require.ErrorIs(t, pool.AddEvidence(NewVoteEvidence(b, a)), ErrDuplicateEvidence)
	require.Equal(t, 1, pool.Size())
	require.Equal(t, []types.PublicKey{pubKeyOf(privs[3])}, pool.Offenders())
	require.Equal(t, 1.0, testutil.ToFloat64(m.EvidenceRecorded.WithLabelValues("duplicate_vote")))
}

func TestFinalizeNullifyEvidence(t *testing.T) {
	vs, privs := makeTestValidatorSet(t, 4)

	fin := signVote(privs[1], types.VoteKindFinalize, 2, blockID("a"))
	null := signVote(privs[1], types.VoteKindNullify, 2, types.BlockID{})

	ev := NewVoteEvidence(null, fin)
	require.Equal(t, KindFinalizeNullify, ev.Kind)
	require.Equal(t, types.VoteKindFinalize, ev.VoteA.Kind)
	require.NoError(t, ev.Verify(testChainID, vs))
}

func TestVoteEvidenceVerifyRejects(t *testing.T) {
	vs, privs := makeTestValidatorSet(t, 4)
	a := signVote(privs[0], types.VoteKindNotarize, 5, blockID("a"))

	// Same block is not a conflict
	same := NewVoteEvidence(a, signVote(privs[0], types.VoteKindNotarize, 5, blockID("a")))
	require.ErrorIs(t, same.Verify(testChainID, vs), ErrNotConflicting)

	// Notarize and Nullify together are allowed
	ok := NewVoteEvidence(a, signVote(privs[0], types.VoteKindNullify, 5, types.BlockID{}))
	require.ErrorIs(t, ok.Verify(testChainID, vs), ErrNotConflicting)

	rounds := &Evidence{Kind: KindDuplicateVote, Round: 5, Offender: a.Voter, VoteA: a,
		VoteB: signVote(privs[0], types.VoteKindNotarize, 6, blockID("b"))}
	require.ErrorIs(t, rounds.Verify(testChainID, vs), ErrInvalidVoteRound)

	voters := &Evidence{Kind: KindDuplicateVote, Round: 5, Offender: a.Voter, VoteA: a,
		VoteB: signVote(privs[1], types.VoteKindNotarize, 5, blockID("b"))}
	require.ErrorIs(t, voters.Verify(testChainID, vs), ErrInvalidValidator)

	forged := NewVoteEvidence(a, signVote(privs[0], types.VoteKindNotarize, 5, blockID("b")))
	forged.VoteB.Signature[0] ^= 0xff
	require.Error(t, forged.Verify(testChainID, vs))

	stranger := makeTestKey(42)
	outsider := NewVoteEvidence(
		signVote(stranger, types.VoteKindNotarize, 5, blockID("a")),
		signVote(stranger, types.VoteKindNotarize, 5, blockID("b")),
	)
	require.ErrorIs(t, outsider.Verify(testChainID, vs), ErrUnknownOffender)

	pool, _ := newTestPool(t, vs)
	require.Error(t, pool.AddEvidence(forged))
	require.Equal(t, 0, pool.Size())
}

func TestCheckProposal(t *testing.T) {
	vs, privs := makeTestValidatorSet(t, 4)
	pool, _ := newTestPool(t, vs)

	// Leader of round 1 is validator 1
	first := signProposal(privs[1], 1, 1000)
	require.Nil(t, pool.CheckProposal(first))
	require.Nil(t, pool.CheckProposal(first))

	second := signProposal(privs[1], 1, 2000)
	ev := pool.CheckProposal(second)
	require.NotNil(t, ev)
	require.Equal(t, KindDuplicateProposal, ev.Kind)
	require.NoError(t, ev.Verify(testChainID, vs))
	require.NoError(t, pool.AddEvidence(ev))
}

func TestNonLeaderProposalEvidence(t *testing.T) {
	vs, privs := makeTestValidatorSet(t, 4)

	// Validator 2 is not the leader of round 1
	ev := NewNonLeaderProposalEvidence(signProposal(privs[2], 1, 1000))
	require.NoError(t, ev.Verify(testChainID, vs))

	leader := NewNonLeaderProposalEvidence(signProposal(privs[1], 1, 1000))
	require.ErrorIs(t, leader.Verify(testChainID, vs), ErrNotConflicting)
}

func TestPoolExpiry(t *testing.T) {
	vs, privs := makeTestValidatorSet(t, 4)
	cfg := DefaultConfig()
	cfg.MaxAgeRounds = 10
	pool, err := NewPool(cfg, testChainID, vs, nil, nil)
	require.NoError(t, err)

	ev := NewVoteEvidence(
		signVote(privs[0], types.VoteKindNotarize, 3, blockID("a")),
		signVote(privs[0], types.VoteKindNotarize, 3, blockID("b")),
	)
	require.NoError(t, pool.AddEvidence(ev))

	pool.Update(13)
	require.Equal(t, 1, pool.Size())
	pool.Update(14)
	require.Equal(t, 0, pool.Size())

	// Too old to be accepted, and remembered as seen anyway
	old := NewVoteEvidence(
		signVote(privs[1], types.VoteKindNotarize, 2, blockID("a")),
		signVote(privs[1], types.VoteKindNotarize, 2, blockID("b")),
	)
	require.ErrorIs(t, pool.AddEvidence(old), ErrEvidenceExpired)
	require.ErrorIs(t, pool.AddEvidence(ev), ErrDuplicateEvidence)
}

func TestPoolPendingOrderAndCap(t *testing.T) {
	vs, privs := makeTestValidatorSet(t, 4)
	cfg := DefaultConfig()
	cfg.MaxPending = 2
	pool, err := NewPool(cfg, testChainID, vs, nil, nil)
	require.NoError(t, err)

	for _, round := range []uint64{9, 4, 7} {
		require.NoError(t, pool.AddEvidence(NewVoteEvidence(
			signVote(privs[0], types.VoteKindNotarize, round, blockID("a")),
			signVote(privs[0], types.VoteKindNotarize, round, blockID("b")),
		)))
	}
	pending := pool.Pending(0)
	require.Len(t, pending, 2)
	require.Equal(t, uint64(4), pending[0].Round)
	require.Equal(t, uint64(7), pending[1].Round)
	require.Len(t, pool.Pending(1), 1)
}
