package store

import (
	"crypto/ed25519"
	"encoding/binary"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/blockberries/gutsberry/types"
)

func makeTestTx(seed, nonce uint64) *types.Transaction {
	s := make([]byte, ed25519.SeedSize)
	binary.BigEndian.PutUint64(s, seed+1)
	priv := ed25519.NewKeyFromSeed(s)
	var author types.PublicKey
	copy(author[:], priv.Public().(ed25519.PublicKey))
	tx := types.NewTransaction(author, nonce, types.Payload{
		Kind:       types.TxKindCreateRepository,
		Repository: &types.Repository{Owner: "alice", Name: "guts", DefaultBranch: "main"},
	})
	tx.Sign(priv)
	return tx
}

// makeChain builds n linked finalized blocks with one transaction each.
func makeChain(n int) []*types.FinalizedBlock {
	var out []*types.FinalizedBlock
	parent := types.GenesisID
	for i := 1; i <= n; i++ {
		tx := makeTestTx(0, uint64(i))
		block := types.NewBlock(uint64(i), uint64(2*i), parent, types.PublicKey{1}, int64(i), []types.TransactionID{tx.ID()})
		id := block.ID()
		out = append(out, &types.FinalizedBlock{
			Block:        *block,
			Transactions: []*types.Transaction{tx},
			Certificate:  *types.NewQuorumCertificate(types.VoteKindFinalize, block.Header.Round, id, nil),
		})
		parent = id
	}
	return out
}

func testStores(t *testing.T) map[string]BlockStore {
	ps, err := OpenPebble(filepath.Join(t.TempDir(), "blocks"), true)
	require.NoError(t, err)
	t.Cleanup(func() { ps.Close() })
	return map[string]BlockStore{
		"mem":    NewMemStore(),
		"pebble": ps,
	}
}

func TestStoreSaveAndLoad(t *testing.T) {
	chain := makeChain(5)
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			require.Equal(t, uint64(0), s.Height())
			require.Equal(t, types.GenesisID, s.Tip())

			for _, fb := range chain {
				require.NoError(t, s.SaveBlock(fb))
			}
			require.Equal(t, uint64(5), s.Height())
			require.Equal(t, chain[4].Block.ID(), s.Tip())

			fb, err := s.LoadBlock(3)
			require.NoError(t, err)
			require.Equal(t, chain[2].Block.ID(), fb.Block.ID())
			require.Len(t, fb.Transactions, 1)

			byID, err := s.LoadBlockByID(chain[1].Block.ID())
			require.NoError(t, err)
			require.Equal(t, uint64(2), byID.Height())

			h, ok := s.TxHeight(chain[3].Block.TxIDs[0])
			require.True(t, ok)
			require.Equal(t, uint64(4), h)
			_, ok = s.TxHeight(makeTestTx(9, 9).ID())
			require.False(t, ok)

			_, err = s.LoadBlock(6)
			require.ErrorIs(t, err, ErrNotFound)
			_, err = s.LoadBlock(0)
			require.ErrorIs(t, err, ErrNotFound)

			blocks, err := LoadRange(s, 2, 2)
			require.NoError(t, err)
			require.Len(t, blocks, 2)
			require.Equal(t, uint64(3), blocks[1].Height())
		})
	}
}

func TestStoreRejectsGaps(t *testing.T) {
	chain := makeChain(3)
	other := makeChain(2)
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			require.ErrorIs(t, s.SaveBlock(chain[1]), ErrNonContiguous)
			require.NoError(t, s.SaveBlock(chain[0]))
			require.ErrorIs(t, s.SaveBlock(chain[0]), ErrNonContiguous)

			// Height 2 of another chain does not extend this tip
			forked := *other[1]
			forked.Block.Header.ParentID = types.BlockID(types.HashBytes([]byte("elsewhere")))
			require.ErrorIs(t, s.SaveBlock(&forked), ErrParentMismatch)

			require.NoError(t, s.SaveBlock(chain[1]))
		})
	}
}

func TestPebbleStoreReopen(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "blocks")
	chain := makeChain(3)

	s, err := OpenPebble(dir, false)
	require.NoError(t, err)
	for _, fb := range chain {
		require.NoError(t, s.SaveBlock(fb))
	}
	require.NoError(t, s.Close())
	require.ErrorIs(t, s.SaveBlock(chain[0]), ErrClosed)

	s, err = OpenPebble(dir, false)
	require.NoError(t, err)
	defer s.Close()
	require.Equal(t, uint64(3), s.Height())
	require.Equal(t, chain[2].Block.ID(), s.Tip())

	fb, err := s.LoadBlock(2)
	require.NoError(t, err)
	require.NoError(t, fb.ValidateBasic())
	require.Equal(t, chain[1].Transactions[0].ID(), fb.Transactions[0].ID())
}
