package engine

import (
	"crypto/ed25519"
	"encoding/binary"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/blockberries/gutsberry/app"
	"github.com/blockberries/gutsberry/logging"
	"github.com/blockberries/gutsberry/mempool"
	"github.com/blockberries/gutsberry/privval"
	"github.com/blockberries/gutsberry/store"
	"github.com/blockberries/gutsberry/types"
	"github.com/blockberries/gutsberry/wal"
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

// makeTestValidatorSet returns a set with one validator per weight, in
// index order, and the matching private keys.
func makeTestValidatorSet(t testing.TB, weights ...uint64) (*types.ValidatorSet, []ed25519.PrivateKey) {
	vals := make([]*types.Validator, len(weights))
	keys := make([]ed25519.PrivateKey, len(weights))
	for i, w := range weights {
		keys[i] = makeTestKey(uint64(i))
		vals[i] = &types.Validator{
			Name:      fmt.Sprintf("validator-%d", i),
			PublicKey: pubKeyOf(keys[i]),
			Weight:    w,
		}
	}
	vs, err := types.NewValidatorSet(vals)
	require.NoError(t, err)
	return vs, keys
}

func signTestVote(priv ed25519.PrivateKey, kind types.VoteKind, round uint64, blockID types.BlockID) *types.Vote {
	v := &types.Vote{Kind: kind, Round: round, BlockID: blockID, Voter: pubKeyOf(priv)}
	copy(v.Signature[:], ed25519.Sign(priv, v.SignBytes(testChainID)))
	return v
}

func testBlockID(name string) types.BlockID {
	return types.BlockID(types.HashBytes([]byte(name)))
}

func makeTestTx(seed, nonce uint64) *types.Transaction {
	priv := makeTestKey(1000 + seed)
	tx := types.NewTransaction(pubKeyOf(priv), nonce, types.Payload{
		Kind: types.TxKindCreateRepository,
		Repository: &types.Repository{
			Owner:         "alice",
			Name:          fmt.Sprintf("repo-%d-%d", seed, nonce),
			DefaultBranch: "main",
		},
	})
	tx.Sign(priv)
	return tx
}

func signTestProposal(t testing.TB, priv ed25519.PrivateKey, round, height uint64, parent types.BlockID, txs ...*types.Transaction) *types.Proposal {
	ids := make([]types.TransactionID, len(txs))
	for i, tx := range txs {
		ids[i] = tx.ID()
	}
	block := types.NewBlock(height, round, parent, pubKeyOf(priv), time.Now().UnixMilli(), ids)
	p := types.NewProposal(block, txs)
	require.NoError(t, privval.NewMemoryPV(priv).SignProposal(testChainID, p))
	return p
}

// testConfig returns timeouts short enough for in-process networks.
func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.ChainID = testChainID
	cfg.WALSync = false
	cfg.Timeouts = TimeoutConfig{
		Round:          400 * time.Millisecond,
		RoundBackoff:   100 * time.Millisecond,
		MaxRound:       2 * time.Second,
		ProposeDelay:   20 * time.Millisecond,
		StatusInterval: 200 * time.Millisecond,
	}
	return cfg
}

func newTestMempool(t testing.TB) *mempool.Mempool {
	pool, err := mempool.New(mempool.DefaultConfig(), nil, nil, logging.NewNop())
	require.NoError(t, err)
	return pool
}

// newTestState builds a state machine that is not started, so tests drive
// it directly. key may be nil for a non-validator.
func newTestState(t testing.TB, vs *types.ValidatorSet, key ed25519.PrivateKey, w wal.WAL) *ConsensusState {
	var signer privval.PrivValidator
	if key != nil {
		signer = privval.NewMemoryPV(key)
	}
	cs, err := NewConsensusState(testConfig(), vs, Components{
		Signer:    signer,
		Mempool:   newTestMempool(t),
		Deliverer: app.NewDeliverer(app.NopApplication{}, 0, nil, logging.NewNop()),
		Store:     store.NewMemStore(),
		WAL:       w,
		Logger:    logging.NewNop(),
	})
	require.NoError(t, err)
	return cs
}

// sentVotes returns the votes waiting in the outbox.
func sentVotes(cs *ConsensusState) []*types.Vote {
	var out []*types.Vote
	for _, o := range cs.outbox {
		if v, ok := o.msg.(*types.Vote); ok {
			out = append(out, v)
		}
	}
	return out
}
