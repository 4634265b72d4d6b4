// Package mempool holds signed transactions waiting to be proposed.
//
// Entries are kept in admission order. A leader drains a prefix of that
// order into its proposal; entries leave the pool only once finalized or
// evicted, so transactions of a nullified round are proposed again.
package mempool

import (
	"errors"
	"fmt"
	"time"

	"github.com/algorand/go-deadlock"
	"github.com/google/btree"
	lru "github.com/hashicorp/golang-lru"

	"github.com/blockberries/gutsberry/logging"
	"github.com/blockberries/gutsberry/metrics"
	"github.com/blockberries/gutsberry/types"
)

// RejectReason says why a transaction was not admitted.
type RejectReason uint8

const (
	// RejectDuplicateID: already pending or recently finalized.
	RejectDuplicateID RejectReason = iota + 1
	// RejectBadSignature: the signature does not verify against the author.
	RejectBadSignature
	// RejectTooLarge: the encoded transaction exceeds MaxTxBytes.
	RejectTooLarge
	// RejectInvalid: the application refused it.
	RejectInvalid
	// RejectMalformed: the transaction shape is wrong.
	RejectMalformed
)

func (r RejectReason) String() string {
	switch r {
	case RejectDuplicateID:
		return "duplicate_id"
	case RejectBadSignature:
		return "bad_signature"
	case RejectTooLarge:
		return "too_large"
	case RejectInvalid:
		return "invalid"
	case RejectMalformed:
		return "malformed"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(r))
	}
}

// ErrRejected is matched by every *RejectedError.
var ErrRejected = errors.New("transaction rejected")

// RejectedError reports a refused admission.
type RejectedError struct {
	Reason RejectReason
	ID     types.TransactionID
	Err    error
}

func (e *RejectedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transaction %s rejected: %s: %v", e.ID.Short(), e.Reason, e.Err)
	}
	return fmt.Sprintf("transaction %s rejected: %s", e.ID.Short(), e.Reason)
}

// Is makes errors.Is(err, ErrRejected) hold.
func (e *RejectedError) Is(target error) bool {
	return target == ErrRejected
}

func (e *RejectedError) Unwrap() error {
	return e.Err
}

// ReasonOf returns the reject reason wrapped in err, or 0.
func ReasonOf(err error) RejectReason {
	var re *RejectedError
	if errors.As(err, &re) {
		return re.Reason
	}
	return 0
}

// TxValidator is the application check consulted before admission.
type TxValidator interface {
	Validate(tx *types.Transaction) bool
}

type entry struct {
	tx           *types.Transaction
	id           types.TransactionID
	size         int
	admittedAt   time.Time
	seq          uint64
	proposeCount uint32
}

func entryLess(a, b *entry) bool {
	return a.seq < b.seq
}

const treeDegree = 16

// Mempool is a concurrent set of pending transactions keyed by ID.
type Mempool struct {
	mu deadlock.RWMutex

	config    Config
	validator TxValidator
	log       logging.Logger
	metrics   *metrics.Metrics
	now       func() time.Time

	byID      map[types.TransactionID]*entry
	order     *btree.BTreeG[*entry]
	finalized *lru.Cache
	nextSeq   uint64
	bytes     int
}

// New creates an empty pool. validator and m may be nil.
func New(config Config, validator TxValidator, m *metrics.Metrics, log logging.Logger) (*Mempool, error) {
	if err := config.ValidateBasic(); err != nil {
		return nil, err
	}
	finalized, err := lru.New(config.FinalizedCacheSize)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = logging.Base()
	}
	return &Mempool{
		config:    config,
		validator: validator,
		log:       log.With("module", "mempool"),
		metrics:   m,
		now:       time.Now,
		byID:      make(map[types.TransactionID]*entry),
		order:     btree.NewG(treeDegree, entryLess),
		finalized: finalized,
	}, nil
}

// Admit validates tx and adds it to the pool. A refused transaction
// yields a *RejectedError carrying the reason.
func (mp *Mempool) Admit(tx *types.Transaction) error {
	if tx == nil {
		return mp.reject(&RejectedError{Reason: RejectMalformed})
	}
	id := tx.ID()
	if err := tx.ValidateBasic(); err != nil {
		return mp.reject(&RejectedError{Reason: RejectMalformed, ID: id, Err: err})
	}
	size := tx.Size()
	if size > mp.config.MaxTxBytes {
		return mp.reject(&RejectedError{
			Reason: RejectTooLarge, ID: id,
			Err: fmt.Errorf("%d bytes > %d", size, mp.config.MaxTxBytes),
		})
	}
	if mp.Has(id) || mp.finalized.Contains(id) {
		return mp.reject(&RejectedError{Reason: RejectDuplicateID, ID: id})
	}

	// Signature and application checks run without the lock
	if err := tx.VerifySignature(); err != nil {
		return mp.reject(&RejectedError{Reason: RejectBadSignature, ID: id, Err: err})
	}
	if mp.validator != nil && !mp.validator.Validate(tx) {
		return mp.reject(&RejectedError{Reason: RejectInvalid, ID: id})
	}

	mp.mu.Lock()
	if _, ok := mp.byID[id]; ok || mp.finalized.Contains(id) {
		mp.mu.Unlock()
		return mp.reject(&RejectedError{Reason: RejectDuplicateID, ID: id})
	}
	evicted := 0
	for len(mp.byID) >= mp.config.MaxTransactions {
		oldest, ok := mp.order.Min()
		if !ok {
			break
		}
		mp.removeLocked(oldest)
		evicted++
	}
	e := &entry{tx: tx, id: id, size: size, admittedAt: mp.now(), seq: mp.nextSeq}
	mp.nextSeq++
	mp.byID[id] = e
	mp.order.ReplaceOrInsert(e)
	mp.bytes += size
	count, total := len(mp.byID), mp.bytes
	mp.mu.Unlock()

	if evicted > 0 {
		mp.log.WithFields(logging.Fields{"evicted": evicted}).Debug("evicted transactions due to mempool capacity")
		mp.metrics.ObserveEvicted(evicted)
	}
	mp.metrics.SetMempool(count, total)
	mp.log.WithFields(logging.Fields{"tx": id.Short(), "kind": tx.Kind().String()}).Debug("admitted transaction")
	return nil
}

func (mp *Mempool) reject(err *RejectedError) error {
	mp.metrics.ObserveRejected(err.Reason.String())
	return err
}

// removeLocked drops e. mp.mu must be held.
func (mp *Mempool) removeLocked(e *entry) {
	delete(mp.byID, e.id)
	mp.order.Delete(e)
	mp.bytes -= e.size
}

// DrainForProposal returns pending transactions in admission order,
// stopping before maxCount or maxBytes would be exceeded. IDs for which
// skip returns true are passed over. Entries stay in the pool.
func (mp *Mempool) DrainForProposal(maxCount, maxBytes int, skip func(types.TransactionID) bool) []*types.Transaction {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	now := mp.now()
	var (
		out   []*types.Transaction
		bytes int
	)
	mp.order.Ascend(func(e *entry) bool {
		if len(out) >= maxCount {
			return false
		}
		if mp.config.MaxTxAge > 0 && now.Sub(e.admittedAt) > mp.config.MaxTxAge {
			return true
		}
		if skip != nil && skip(e.id) {
			return true
		}
		if bytes+e.size > maxBytes {
			return false
		}
		bytes += e.size
		e.proposeCount++
		out = append(out, e.tx)
		return true
	})
	return out
}

// RemoveFinalized drops the given IDs and remembers them so that late
// copies are rejected as duplicates.
func (mp *Mempool) RemoveFinalized(ids []types.TransactionID) {
	mp.mu.Lock()
	removed := 0
	for _, id := range ids {
		mp.finalized.Add(id, struct{}{})
		if e, ok := mp.byID[id]; ok {
			mp.removeLocked(e)
			removed++
		}
	}
	count, total := len(mp.byID), mp.bytes
	mp.mu.Unlock()

	if removed > 0 {
		mp.log.WithFields(logging.Fields{"count": removed}).Debug("removed finalized transactions")
	}
	mp.metrics.SetMempool(count, total)
}

// EvictOlderThan drops entries admitted more than age ago and returns how
// many were dropped.
func (mp *Mempool) EvictOlderThan(age time.Duration) int {
	mp.mu.Lock()
	cutoff := mp.now().Add(-age)
	var expired []*entry
	mp.order.Ascend(func(e *entry) bool {
		if !e.admittedAt.Before(cutoff) {
			// admission order is also time order
			return false
		}
		expired = append(expired, e)
		return true
	})
	for _, e := range expired {
		mp.removeLocked(e)
	}
	count, total := len(mp.byID), mp.bytes
	mp.mu.Unlock()

	if len(expired) > 0 {
		mp.log.WithFields(logging.Fields{"count": len(expired)}).Debug("evicted expired transactions")
		mp.metrics.ObserveEvicted(len(expired))
	}
	mp.metrics.SetMempool(count, total)
	return len(expired)
}

// Get returns a pending transaction.
func (mp *Mempool) Get(id types.TransactionID) (*types.Transaction, bool) {
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	e, ok := mp.byID[id]
	if !ok {
		return nil, false
	}
	return e.tx, true
}

// Has returns true if id is pending.
func (mp *Mempool) Has(id types.TransactionID) bool {
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	_, ok := mp.byID[id]
	return ok
}

// Size returns the number of pending transactions.
func (mp *Mempool) Size() int {
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	return len(mp.byID)
}

// Bytes returns the encoded size of all pending transactions.
func (mp *Mempool) Bytes() int {
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	return mp.bytes
}

// Stats summarizes the pool.
type Stats struct {
	Count               int
	Bytes               int
	OldestAge           time.Duration
	AverageProposeCount float64
}

// Stats returns a snapshot of pool statistics.
func (mp *Mempool) Stats() Stats {
	mp.mu.RLock()
	defer mp.mu.RUnlock()

	s := Stats{Count: len(mp.byID), Bytes: mp.bytes}
	if oldest, ok := mp.order.Min(); ok {
		s.OldestAge = mp.now().Sub(oldest.admittedAt)
	}
	if s.Count > 0 {
		var proposed uint64
		for _, e := range mp.byID {
			proposed += uint64(e.proposeCount)
		}
		s.AverageProposeCount = float64(proposed) / float64(s.Count)
	}
	return s
}

// Flush drops every pending transaction.
func (mp *Mempool) Flush() {
	mp.mu.Lock()
	mp.byID = make(map[types.TransactionID]*entry)
	mp.order.Clear(false)
	mp.bytes = 0
	mp.mu.Unlock()
	mp.metrics.SetMempool(0, 0)
}
