package store

import (
	"github.com/algorand/go-deadlock"

	"github.com/blockberries/gutsberry/types"
)

// MemStore is an in-memory BlockStore.
type MemStore struct {
	mu deadlock.RWMutex

	blocks []*types.FinalizedBlock
	byID   map[types.BlockID]uint64
	txs    map[types.TransactionID]uint64
	closed bool
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		byID: make(map[types.BlockID]uint64),
		txs:  make(map[types.TransactionID]uint64),
	}
}

// SaveBlock implements BlockStore.
func (s *MemStore) SaveBlock(fb *types.FinalizedBlock) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if err := checkAppend(fb, uint64(len(s.blocks)), s.tip()); err != nil {
		return err
	}
	s.blocks = append(s.blocks, fb)
	h := uint64(len(s.blocks))
	s.byID[fb.Block.ID()] = h
	for _, id := range fb.Block.TxIDs {
		s.txs[id] = h
	}
	return nil
}

// LoadBlock implements BlockStore.
func (s *MemStore) LoadBlock(height uint64) (*types.FinalizedBlock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if height == 0 || height > uint64(len(s.blocks)) {
		return nil, ErrNotFound
	}
	return s.blocks[height-1], nil
}

// LoadBlockByID implements BlockStore.
func (s *MemStore) LoadBlockByID(id types.BlockID) (*types.FinalizedBlock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s.blocks[h-1], nil
}

// Height implements BlockStore.
func (s *MemStore) Height() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return uint64(len(s.blocks))
}

// Tip implements BlockStore.
func (s *MemStore) Tip() types.BlockID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tip()
}

func (s *MemStore) tip() types.BlockID {
	if len(s.blocks) == 0 {
		return types.GenesisID
	}
	return s.blocks[len(s.blocks)-1].Block.ID()
}

// TxHeight implements BlockStore.
func (s *MemStore) TxHeight(id types.TransactionID) (uint64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.txs[id]
	return h, ok
}

// Close implements BlockStore.
func (s *MemStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

var _ BlockStore = (*MemStore)(nil)
