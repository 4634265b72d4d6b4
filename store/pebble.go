package store

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/algorand/go-deadlock"
	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/bloom"
	"github.com/cockroachdb/pebble/vfs"

	"github.com/blockberries/gutsberry/types"
)

// Key layout:
//
//	b/<height>  encoded FinalizedBlock
//	i/<blockID> height
//	t/<txID>    height
//	m/height    highest stored height
var (
	prefixBlock = []byte("b/")
	prefixBlkID = []byte("i/")
	prefixTx    = []byte("t/")
	keyMetaTip  = []byte("m/height")
)

// PebbleStore is a BlockStore on top of a pebble database.
type PebbleStore struct {
	mu deadlock.RWMutex

	db *pebble.DB
	wo *pebble.WriteOptions

	height uint64
	tip    types.BlockID
}

// OpenPebble opens or creates a store in dir. With inMem the database lives
// in memory and dir is only used as a name.
func OpenPebble(dir string, inMem bool) (*PebbleStore, error) {
	cache := pebble.NewCache(64 << 20)
	defer cache.Unref()
	opts := &pebble.Options{
		Cache:                       cache,
		L0CompactionThreshold:       2,
		L0StopWritesThreshold:       1000,
		LBaseMaxBytes:               64 << 20,
		Levels:                      make([]pebble.LevelOptions, 7),
		MaxConcurrentCompactions:    func() int { return 2 },
		MemTableSize:                16 << 20,
		MemTableStopWritesThreshold: 4,
	}
	for i := 0; i < len(opts.Levels); i++ {
		l := &opts.Levels[i]
		l.BlockSize = 32 << 10
		l.IndexBlockSize = 256 << 10
		l.FilterPolicy = bloom.FilterPolicy(10)
		l.FilterType = pebble.TableFilter
		if i > 0 {
			l.TargetFileSize = opts.Levels[i-1].TargetFileSize * 2
		}
		l.EnsureDefaults()
	}
	opts.Levels[6].FilterPolicy = nil
	if inMem {
		opts.FS = vfs.NewMem()
	}

	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, fmt.Errorf("open block store: %w", err)
	}
	s := &PebbleStore{db: db, wo: pebble.Sync, tip: types.GenesisID}
	if err := s.loadTip(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PebbleStore) loadTip() error {
	v, err := s.get(keyMetaTip)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(v) != 8 {
		return fmt.Errorf("corrupt block store tip record")
	}
	s.height = binary.BigEndian.Uint64(v)
	fb, err := s.LoadBlock(s.height)
	if err != nil {
		return fmt.Errorf("load tip block %d: %w", s.height, err)
	}
	s.tip = fb.Block.ID()
	return nil
}

func (s *PebbleStore) get(key []byte) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return nil, ErrClosed
	}
	v, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	ret := make([]byte, len(v))
	copy(ret, v)
	closer.Close()
	return ret, nil
}

func heightBytes(h uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], h)
	return b[:]
}

func key(prefix []byte, suffix []byte) []byte {
	k := make([]byte, 0, len(prefix)+len(suffix))
	return append(append(k, prefix...), suffix...)
}

// SaveBlock implements BlockStore.
func (s *PebbleStore) SaveBlock(fb *types.FinalizedBlock) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return ErrClosed
	}
	if err := checkAppend(fb, s.height, s.tip); err != nil {
		return err
	}
	h := fb.Height()
	id := fb.Block.ID()
	hb := heightBytes(h)

	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Set(key(prefixBlock, hb), types.Encode(fb), nil); err != nil {
		return err
	}
	if err := b.Set(key(prefixBlkID, id[:]), hb, nil); err != nil {
		return err
	}
	for _, txID := range fb.Block.TxIDs {
		if err := b.Set(key(prefixTx, txID[:]), hb, nil); err != nil {
			return err
		}
	}
	if err := b.Set(keyMetaTip, hb, nil); err != nil {
		return err
	}
	if err := b.Commit(s.wo); err != nil {
		return fmt.Errorf("commit block %d: %w", h, err)
	}
	s.height = h
	s.tip = id
	return nil
}

// LoadBlock implements BlockStore.
func (s *PebbleStore) LoadBlock(height uint64) (*types.FinalizedBlock, error) {
	v, err := s.get(key(prefixBlock, heightBytes(height)))
	if err != nil {
		return nil, err
	}
	var fb types.FinalizedBlock
	if err := types.Decode(v, &fb); err != nil {
		return nil, fmt.Errorf("decode block %d: %w", height, err)
	}
	return &fb, nil
}

// LoadBlockByID implements BlockStore.
func (s *PebbleStore) LoadBlockByID(id types.BlockID) (*types.FinalizedBlock, error) {
	v, err := s.get(key(prefixBlkID, id[:]))
	if err != nil {
		return nil, err
	}
	return s.LoadBlock(binary.BigEndian.Uint64(v))
}

// Height implements BlockStore.
func (s *PebbleStore) Height() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.height
}

// Tip implements BlockStore.
func (s *PebbleStore) Tip() types.BlockID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tip
}

// TxHeight implements BlockStore.
func (s *PebbleStore) TxHeight(id types.TransactionID) (uint64, bool) {
	v, err := s.get(key(prefixTx, id[:]))
	if err != nil {
		return 0, false
	}
	return binary.BigEndian.Uint64(v), true
}

// Close implements BlockStore.
func (s *PebbleStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

var _ BlockStore = (*PebbleStore)(nil)
