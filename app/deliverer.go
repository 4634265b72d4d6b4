package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/algorand/go-deadlock"

	"github.com/blockberries/gutsberry/logging"
	"github.com/blockberries/gutsberry/metrics"
	"github.com/blockberries/gutsberry/types"
)

var (
	// ErrOutOfOrder is returned when a block does not extend the delivered
	// sequence.
	ErrOutOfOrder = errors.New("finalized block out of order")
	// ErrApplicationPanic wraps a panic raised by Application.Apply.
	ErrApplicationPanic = errors.New("application panicked")
)

// Deliverer queues finalized blocks and applies them on its own goroutine,
// so a slow application never stalls vote processing.
type Deliverer struct {
	mu deadlock.Mutex

	app     Application
	log     logging.Logger
	metrics *metrics.Metrics

	queue    []*types.FinalizedBlock
	enqueued uint64 // height of the last queued block
	applied  uint64 // height of the last applied block
	lastRoot types.Hash

	signal    chan struct{}
	appliedCh chan struct{}
}

// NewDeliverer creates a Deliverer whose next expected block is at height
// after+1.
func NewDeliverer(application Application, after uint64, m *metrics.Metrics, log logging.Logger) *Deliverer {
	if log == nil {
		log = logging.Base()
	}
	return &Deliverer{
		app:       application,
		log:       log.With("module", "deliverer"),
		metrics:   m,
		enqueued:  after,
		applied:   after,
		signal:    make(chan struct{}, 1),
		appliedCh: make(chan struct{}),
	}
}

// Deliver queues fb. Blocks at or below the last queued height are
// ignored, which keeps delivery exactly-once across replays.
func (d *Deliverer) Deliver(fb *types.FinalizedBlock) error {
	d.mu.Lock()
	h := fb.Height()
	switch {
	case h <= d.enqueued:
		d.mu.Unlock()
		return nil
	case h != d.enqueued+1:
		want := d.enqueued + 1
		d.mu.Unlock()
		d.log.WithFields(logging.Fields{"height": h, "want": want}).Error("dropping out of order block")
		return ErrOutOfOrder
	}
	d.queue = append(d.queue, fb)
	d.enqueued = h
	d.mu.Unlock()

	select {
	case d.signal <- struct{}{}:
	default:
	}
	return nil
}

// Run applies queued blocks until ctx is done.
func (d *Deliverer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-d.signal:
		}
		for {
			fb := d.pop()
			if fb == nil {
				break
			}
			d.apply(fb)
			if ctx.Err() != nil {
				return nil
			}
		}
	}
}

func (d *Deliverer) pop() *types.FinalizedBlock {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.queue) == 0 {
		return nil
	}
	fb := d.queue[0]
	d.queue[0] = nil
	d.queue = d.queue[1:]
	return fb
}

// safeApply hands fb to the application, turning a panic into a failed
// result so the delivery goroutine survives it.
func (d *Deliverer) safeApply(fb *types.FinalizedBlock) (res ApplyResult) {
	defer func() {
		if r := recover(); r != nil {
			res = ApplyResult{Err: fmt.Errorf("%w: %v", ErrApplicationPanic, r)}
		}
	}()
	return d.app.Apply(fb)
}

func (d *Deliverer) apply(fb *types.FinalizedBlock) {
	res := d.safeApply(fb)
	if res.Err != nil {
		d.metrics.ObserveApplyFailure()
		d.log.WithFields(logging.Fields{
			"height": fb.Height(),
			"block":  fb.Block.ID().Short(),
			"err":    res.Err,
		}).Error("application failed to apply block")
	}

	d.mu.Lock()
	d.applied = fb.Height()
	if res.Err == nil {
		d.lastRoot = res.StateRoot
	}
	ch := d.appliedCh
	d.appliedCh = make(chan struct{})
	d.mu.Unlock()
	close(ch)
}

// Applied returns the height of the last block handed to the application
// and the last state root it reported.
func (d *Deliverer) Applied() (uint64, types.Hash) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.applied, d.lastRoot
}

// Pending returns the number of queued blocks.
func (d *Deliverer) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

// WaitFor blocks until height has been applied or the timeout passes.
func (d *Deliverer) WaitFor(height uint64, timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		d.mu.Lock()
		done := d.applied >= height
		ch := d.appliedCh
		d.mu.Unlock()
		if done {
			return true
		}
		select {
		case <-ch:
		case <-deadline.C:
			return false
		}
	}
}
