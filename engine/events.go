package engine

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/algorand/go-deadlock"

	"github.com/blockberries/gutsberry/types"
)

// EventType identifies a consensus event.
type EventType uint8

const (
	EventBlockProposed EventType = iota + 1
	EventBlockNotarized
	EventBlockFinalized
	EventRoundNullified
	EventRoundChanged
)

func (t EventType) String() string {
	switch t {
	case EventBlockProposed:
		return "block_proposed"
	case EventBlockNotarized:
		return "block_notarized"
	case EventBlockFinalized:
		return "block_finalized"
	case EventRoundNullified:
		return "round_nullified"
	case EventRoundChanged:
		return "round_changed"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// Event is published to subscribers as consensus progresses. Height and
// BlockID are zero when not known or not applicable.
type Event struct {
	Type    EventType
	Round   uint64
	Height  uint64
	BlockID types.BlockID
	// TxCount is set for finalized blocks
	TxCount int
	Time    time.Time
}

// eventBus fans events out to subscribers. Slow subscribers lose events
// rather than stall consensus.
type eventBus struct {
	mu      deadlock.Mutex
	subs    map[int]chan Event
	next    int
	size    int
	closed  bool
	dropped uint64
}

func newEventBus(size int) *eventBus {
	if size <= 0 {
		size = 1
	}
	return &eventBus{subs: make(map[int]chan Event), size: size}
}

func (b *eventBus) subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.size)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.next
	b.next++
	b.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
	}
}

func (b *eventBus) publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			atomic.AddUint64(&b.dropped, 1)
		}
	}
}

func (b *eventBus) close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}

func (b *eventBus) droppedEvents() uint64 {
	return atomic.LoadUint64(&b.dropped)
}
