package mempool

import (
	"crypto/ed25519"
	"encoding/binary"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/blockberries/gutsberry/logging"
	"github.com/blockberries/gutsberry/types"
)

func makeTestTx(seed, nonce uint64) *types.Transaction {
	s := make([]byte, ed25519.SeedSize)
	binary.BigEndian.PutUint64(s, seed+1)
	priv := ed25519.NewKeyFromSeed(s)
	var author types.PublicKey
	copy(author[:], priv.Public().(ed25519.PublicKey))

	tx := types.NewTransaction(author, nonce, types.Payload{
		Kind: types.TxKindCreateRepository,
		Repository: &types.Repository{
			Owner:         "alice",
			Name:          fmt.Sprintf("repo-%d", nonce),
			Description:   "A test",
			DefaultBranch: "main",
		},
	})
	tx.Sign(priv)
	return tx
}

func newTestMempool(t *testing.T, cfg Config, v TxValidator) *Mempool {
	mp, err := New(cfg, v, nil, logging.NewNop())
	require.NoError(t, err)
	return mp
}

type denyValidator struct{}

func (denyValidator) Validate(*types.Transaction) bool { return false }

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func TestMempoolAdmitAndGet(t *testing.T) {
	mp := newTestMempool(t, DefaultConfig(), nil)
	tx := makeTestTx(1, 1)

	require.NoError(t, mp.Admit(tx))
	got, ok := mp.Get(tx.ID())
	require.True(t, ok)
	require.Equal(t, tx, got)
	require.True(t, mp.Has(tx.ID()))
	require.Equal(t, 1, mp.Size())
	require.Equal(t, tx.Size(), mp.Bytes())
}

func TestMempoolRejects(t *testing.T) {
	cfg := DefaultConfig()
	mp := newTestMempool(t, cfg, nil)
	tx := makeTestTx(1, 1)
	require.NoError(t, mp.Admit(tx))

	err := mp.Admit(tx)
	require.ErrorIs(t, err, ErrRejected)
	require.Equal(t, RejectDuplicateID, ReasonOf(err))

	forged := makeTestTx(1, 2)
	forged.Signature[0] ^= 0xff
	require.Equal(t, RejectBadSignature, ReasonOf(mp.Admit(forged)))

	require.Equal(t, RejectMalformed, ReasonOf(mp.Admit(nil)))
	empty := makeTestTx(1, 3)
	empty.Payload = types.Payload{}
	require.Equal(t, RejectMalformed, ReasonOf(mp.Admit(empty)))

	cfg.MaxTxBytes = 64
	small := newTestMempool(t, cfg, nil)
	require.Equal(t, RejectTooLarge, ReasonOf(small.Admit(makeTestTx(1, 4))))

	deny := newTestMempool(t, DefaultConfig(), denyValidator{})
	err = deny.Admit(makeTestTx(1, 5))
	require.Equal(t, RejectInvalid, ReasonOf(err))
	require.True(t, strings.Contains(err.Error(), "invalid"))

	// Nothing but the first admission changed the pool
	require.Equal(t, 1, mp.Size())
}

func TestMempoolIdempotent(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		mp := newTestMempool(t, DefaultConfig(), nil)
		nonces := rapid.SliceOfN(rapid.Uint64Range(0, 20), 1, 50).Draw(rt, "nonces")

		distinct := make(map[uint64]bool)
		for _, n := range nonces {
			err := mp.Admit(makeTestTx(0, n))
			if distinct[n] {
				if ReasonOf(err) != RejectDuplicateID {
					rt.Fatalf("second admission of %d: %v", n, err)
				}
			} else if err != nil {
				rt.Fatalf("first admission of %d: %v", n, err)
			}
			distinct[n] = true
			if mp.Size() != len(distinct) {
				rt.Fatalf("size %d, want %d", mp.Size(), len(distinct))
			}
		}
	})
}

func TestMempoolDrainOrder(t *testing.T) {
	mp := newTestMempool(t, DefaultConfig(), nil)
	var txs []*types.Transaction
	for i := uint64(0); i < 5; i++ {
		tx := makeTestTx(i%2, i)
		txs = append(txs, tx)
		require.NoError(t, mp.Admit(tx))
	}

	got := mp.DrainForProposal(3, 1<<20, nil)
	require.Equal(t, txs[:3], got)

	// Draining does not remove
	require.Equal(t, 5, mp.Size())
	require.Equal(t, txs, mp.DrainForProposal(10, 1<<20, nil))

	// Byte bound stops at the first entry that does not fit
	size := txs[0].Size()
	require.Len(t, mp.DrainForProposal(10, 2*size+size/2, nil), 2)

	skip := map[types.TransactionID]bool{txs[0].ID(): true, txs[2].ID(): true}
	got = mp.DrainForProposal(10, 1<<20, func(id types.TransactionID) bool { return skip[id] })
	require.Equal(t, []*types.Transaction{txs[1], txs[3], txs[4]}, got)

	stats := mp.Stats()
	require.Equal(t, 5, stats.Count)
	require.Greater(t, stats.AverageProposeCount, 1.0)
}

func TestMempoolRemoveFinalized(t *testing.T) {
	mp := newTestMempool(t, DefaultConfig(), nil)
	a, b, c := makeTestTx(0, 1), makeTestTx(0, 2), makeTestTx(0, 3)
	for _, tx := range []*types.Transaction{a, b, c} {
		require.NoError(t, mp.Admit(tx))
	}

	mp.RemoveFinalized([]types.TransactionID{a.ID(), c.ID()})
	require.Equal(t, 1, mp.Size())
	require.Equal(t, b.Size(), mp.Bytes())
	require.Equal(t, []*types.Transaction{b}, mp.DrainForProposal(10, 1<<20, nil))

	// A finalized transaction cannot come back
	require.Equal(t, RejectDuplicateID, ReasonOf(mp.Admit(a)))

	// Finalized IDs that were never pending are remembered too
	d := makeTestTx(0, 4)
	mp.RemoveFinalized([]types.TransactionID{d.ID()})
	require.Equal(t, RejectDuplicateID, ReasonOf(mp.Admit(d)))
}

func TestMempoolEvictOlderThan(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	mp := newTestMempool(t, DefaultConfig(), nil)
	mp.now = clock.Now

	old := makeTestTx(0, 1)
	require.NoError(t, mp.Admit(old))
	clock.now = clock.now.Add(time.Minute)
	fresh := makeTestTx(0, 2)
	require.NoError(t, mp.Admit(fresh))
	clock.now = clock.now.Add(30 * time.Second)

	require.Equal(t, 90*time.Second, mp.Stats().OldestAge)
	require.Equal(t, 1, mp.EvictOlderThan(time.Minute))
	require.False(t, mp.Has(old.ID()))
	require.True(t, mp.Has(fresh.ID()))
	require.Zero(t, mp.EvictOlderThan(time.Minute))

	// Evicted (not finalized) transactions may be resubmitted
	require.NoError(t, mp.Admit(old))
}

func TestMempoolDrainSkipsExpired(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	cfg := DefaultConfig()
	cfg.MaxTxAge = time.Minute
	mp := newTestMempool(t, cfg, nil)
	mp.now = clock.Now

	old := makeTestTx(0, 1)
	require.NoError(t, mp.Admit(old))
	clock.now = clock.now.Add(2 * time.Minute)
	fresh := makeTestTx(0, 2)
	require.NoError(t, mp.Admit(fresh))

	require.Equal(t, []*types.Transaction{fresh}, mp.DrainForProposal(10, 1<<20, nil))
}

func TestMempoolCapacityEvictsOldest(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxTransactions = 3
	mp := newTestMempool(t, cfg, nil)

	var txs []*types.Transaction
	for i := uint64(0); i < 5; i++ {
		tx := makeTestTx(0, i)
		txs = append(txs, tx)
		require.NoError(t, mp.Admit(tx))
	}
	require.Equal(t, 3, mp.Size())
	require.Equal(t, txs[2:], mp.DrainForProposal(10, 1<<20, nil))
}

func TestMempoolFlush(t *testing.T) {
	mp := newTestMempool(t, DefaultConfig(), nil)
	require.NoError(t, mp.Admit(makeTestTx(0, 1)))
	mp.Flush()
	require.Zero(t, mp.Size())
	require.Zero(t, mp.Bytes())
	require.Empty(t, mp.DrainForProposal(10, 1<<20, nil))
}

func TestMempoolConcurrent(t *testing.T) {
	mp := newTestMempool(t, DefaultConfig(), nil)

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				tx := makeTestTx(uint64(w), uint64(i))
				_ = mp.Admit(tx)
				_ = mp.Admit(tx)
				mp.DrainForProposal(10, 1<<20, nil)
				if i%5 == 0 {
					mp.RemoveFinalized([]types.TransactionID{tx.ID()})
				}
			}
		}(w)
	}
	wg.Wait()
	require.Equal(t, 4*20, mp.Size())
}

func TestConfigValidateBasic(t *testing.T) {
	require.NoError(t, DefaultConfig().ValidateBasic())
	cfg := DefaultConfig()
	cfg.MaxTransactions = 0
	require.Error(t, cfg.ValidateBasic())
	_, err := New(cfg, nil, nil, nil)
	require.Error(t, err)
}
