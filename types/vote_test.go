package types

import (
	"crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

const testChainID = "test-chain"

func signTestVote(priv ed25519.PrivateKey, kind VoteKind, round uint64, blockID BlockID) *Vote {
	v := &Vote{Kind: kind, Round: round, BlockID: blockID}
	copy(v.Voter[:], priv.Public().(ed25519.PublicKey))
	copy(v.Signature[:], ed25519.Sign(priv, v.SignBytes(testChainID)))
	return v
}

func TestVoteVerify(t *testing.T) {
	priv, _ := makeTestKey(0)
	blockID := BlockID(HashBytes([]byte("block")))

	v := signTestVote(priv, VoteKindNotarize, 3, blockID)
	require.NoError(t, v.Verify(testChainID))

	// Another chain never accepts the signature
	require.ErrorIs(t, v.Verify("other-chain"), ErrInvalidVoteSignature)

	// Any signed field change breaks the signature
	tampered := *v
	tampered.Round = 4
	require.ErrorIs(t, tampered.Verify(testChainID), ErrInvalidVoteSignature)

	tampered = *v
	tampered.Kind = VoteKindFinalize
	require.ErrorIs(t, tampered.Verify(testChainID), ErrInvalidVoteSignature)
}

func TestVoteValidateBasic(t *testing.T) {
	priv, _ := makeTestKey(0)
	blockID := BlockID(HashBytes([]byte("block")))

	require.NoError(t, signTestVote(priv, VoteKindNullify, 1, BlockID{}).ValidateBasic())
	require.ErrorIs(t, signTestVote(priv, VoteKindNullify, 1, blockID).ValidateBasic(), ErrInvalidVote)
	require.ErrorIs(t, signTestVote(priv, VoteKindNotarize, 1, BlockID{}).ValidateBasic(), ErrInvalidVote)
	require.ErrorIs(t, signTestVote(priv, VoteKindUnknown, 1, blockID).ValidateBasic(), ErrInvalidVote)

	v := signTestVote(priv, VoteKindFinalize, 1, blockID)
	v.Voter = PublicKey{}
	require.ErrorIs(t, v.ValidateBasic(), ErrInvalidVote)
}

func TestVoteConflictsWith(t *testing.T) {
	priv, _ := makeTestKey(0)
	other, _ := makeTestKey(1)
	a := BlockID(HashBytes([]byte("a")))
	b := BlockID(HashBytes([]byte("b")))

	require.True(t, signTestVote(priv, VoteKindNotarize, 5, a).ConflictsWith(signTestVote(priv, VoteKindNotarize, 5, b)))
	require.True(t, signTestVote(priv, VoteKindFinalize, 5, a).ConflictsWith(signTestVote(priv, VoteKindNullify, 5, BlockID{})))
	require.True(t, signTestVote(priv, VoteKindNullify, 5, BlockID{}).ConflictsWith(signTestVote(priv, VoteKindFinalize, 5, a)))

	// Same block, other round, other voter, or notarize+nullify are all fine
	require.False(t, signTestVote(priv, VoteKindNotarize, 5, a).ConflictsWith(signTestVote(priv, VoteKindNotarize, 5, a)))
	require.False(t, signTestVote(priv, VoteKindNotarize, 5, a).ConflictsWith(signTestVote(priv, VoteKindNotarize, 6, b)))
	require.False(t, signTestVote(priv, VoteKindNotarize, 5, a).ConflictsWith(signTestVote(other, VoteKindNotarize, 5, b)))
	require.False(t, signTestVote(priv, VoteKindNotarize, 5, a).ConflictsWith(signTestVote(priv, VoteKindNullify, 5, BlockID{})))
}

func makeTestCertificate(t *testing.T, kind VoteKind, round uint64, blockID BlockID, seeds ...uint64) *QuorumCertificate {
	votes := make([]*Vote, len(seeds))
	for i, s := range seeds {
		priv, _ := makeTestKey(s)
		votes[i] = signTestVote(priv, kind, round, blockID)
	}
	return NewQuorumCertificate(kind, round, blockID, votes)
}

func TestQuorumCertificateVerify(t *testing.T) {
	vs := makeTestValidatorSet(t, 100, 100, 100, 100)
	blockID := BlockID(HashBytes([]byte("block")))

	qc := makeTestCertificate(t, VoteKindFinalize, 0, blockID, 0, 1, 2)
	require.NoError(t, qc.Verify(testChainID, vs))
	require.NoError(t, qc.VerifyKind(testChainID, vs, VoteKindFinalize))
	require.ErrorIs(t, qc.VerifyKind(testChainID, vs, VoteKindNotarize), ErrCertificateKindMismatch)
	require.Equal(t, uint64(300), qc.Weight(vs))

	// Two of four is below 267
	weak := makeTestCertificate(t, VoteKindFinalize, 0, blockID, 0, 1)
	require.ErrorIs(t, weak.Verify(testChainID, vs), ErrInsufficientWeight)

	// Padding with a repeated signer does not help
	dup := makeTestCertificate(t, VoteKindFinalize, 0, blockID, 0, 1, 1)
	require.ErrorIs(t, dup.Verify(testChainID, vs), ErrDuplicateCertSigner)

	stranger := makeTestCertificate(t, VoteKindFinalize, 0, blockID, 0, 1, 2, 42)
	require.ErrorIs(t, stranger.Verify(testChainID, vs), ErrUnknownCertSigner)

	bad := makeTestCertificate(t, VoteKindFinalize, 0, blockID, 0, 1, 2)
	bad.Signatures[1].Signature[0] ^= 0xff
	require.ErrorIs(t, bad.Verify(testChainID, vs), ErrInvalidCertSignature)

	// A certificate for another round or block does not carry over
	moved := makeTestCertificate(t, VoteKindFinalize, 0, blockID, 0, 1, 2)
	moved.Round = 1
	require.ErrorIs(t, moved.Verify(testChainID, vs), ErrInvalidCertSignature)

	nullify := makeTestCertificate(t, VoteKindNullify, 7, BlockID{}, 1, 2, 3)
	require.NoError(t, nullify.Verify(testChainID, vs))
}

func TestQuorumCertificateVotesRoundTrip(t *testing.T) {
	blockID := BlockID(HashBytes([]byte("block")))
	qc := makeTestCertificate(t, VoteKindNotarize, 2, blockID, 3, 1, 2)

	votes := qc.Votes()
	require.Len(t, votes, 3)
	for _, v := range votes {
		require.NoError(t, v.Verify(testChainID))
	}

	var decoded QuorumCertificate
	require.NoError(t, Decode(Encode(qc), &decoded))
	require.Equal(t, *qc, decoded)
}

// Two certificates for different blocks in the same round must share a
// signer. With honest signers never signing twice, at most one block per
// round can be certified.
func TestCertificatesOverlap(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		weights := rapid.SliceOfN(rapid.Uint64Range(1, 10), 1, 10).Draw(rt, "weights")
		vs := makeTestValidatorSet(t, weights...)
		vals := vs.Validators()
		quorum := vs.QuorumWeight()

		inA := rapid.SliceOfN(rapid.Bool(), len(vals), len(vals)).Draw(rt, "inA")
		inB := rapid.SliceOfN(rapid.Bool(), len(vals), len(vals)).Draw(rt, "inB")

		var wA, wB uint64
		overlap := false
		for i, v := range vals {
			if inA[i] {
				wA += v.Weight
			}
			if inB[i] {
				wB += v.Weight
			}
			if inA[i] && inB[i] {
				overlap = true
			}
		}
		if wA >= quorum && wB >= quorum && !overlap {
			rt.Fatalf("disjoint quorums %d and %d of total %d", wA, wB, vs.TotalWeight())
		}
	})
}

func TestCertificatesOverlapWeightTen(t *testing.T) {
	vs := makeTestValidatorSet(t, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1)
	require.Equal(t, uint64(7), vs.QuorumWeight())

	rapid.Check(t, func(rt *rapid.T) {
		perm := rapid.Permutation([]int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}).Draw(rt, "perm")
		a := perm[:7]
		b := rapid.SliceOfNDistinct(rapid.IntRange(0, 9), 7, 7, rapid.ID[int]).Draw(rt, "b")

		members := make(map[int]bool)
		for _, i := range a {
			members[i] = true
		}
		shared := 0
		for _, i := range b {
			if members[i] {
				shared++
			}
		}
		// 7 + 7 - 10 = 4 shared voters at least
		if shared < 4 {
			rt.Fatalf("7-weight sets %v and %v share only %d voters", a, b, shared)
		}
	})
}

func signBytes(priv ed25519.PrivateKey, msg []byte) []byte {
	return ed25519.Sign(priv, msg)
}
