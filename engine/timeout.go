package engine

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/algorand/go-deadlock"

	"github.com/blockberries/gutsberry/logging"
)

const (
	// timeoutChannelSize is the buffer size for timeout channels
	timeoutChannelSize = 100
)

// TimeoutKind selects one of the independent timers of the state machine.
type TimeoutKind uint8

const (
	// TimeoutPropose fires when the leader should build its block
	TimeoutPropose TimeoutKind = iota + 1
	// TimeoutRound fires when a round made no progress and must be nullified
	TimeoutRound
	// TimeoutStatus fires periodically to advertise status and retry sync
	TimeoutStatus
)

func (k TimeoutKind) String() string {
	switch k {
	case TimeoutPropose:
		return "propose"
	case TimeoutRound:
		return "round"
	case TimeoutStatus:
		return "status"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// TimeoutInfo represents a timeout event
type TimeoutInfo struct {
	Duration time.Duration
	Round    uint64
	Kind     TimeoutKind
	// Streak is the number of consecutive nullified rounds before Round
	Streak uint64
}

// TimeoutConfig holds timeout configuration
type TimeoutConfig struct {
	// Round is the base round timer
	Round time.Duration
	// RoundBackoff is added for every consecutive nullified round
	RoundBackoff time.Duration
	// MaxRound caps the round timer
	MaxRound time.Duration
	// ProposeDelay is how long a leader waits before building its block
	ProposeDelay time.Duration
	// StatusInterval is the period of status broadcasts
	StatusInterval time.Duration
}

// DefaultTimeoutConfig returns default timeout configuration
func DefaultTimeoutConfig() TimeoutConfig {
	return TimeoutConfig{
		Round:          4000 * time.Millisecond,
		RoundBackoff:   2000 * time.Millisecond,
		MaxRound:       32000 * time.Millisecond,
		ProposeDelay:   2000 * time.Millisecond,
		StatusInterval: 4000 * time.Millisecond,
	}
}

// ValidateBasic checks the timeouts.
func (tc TimeoutConfig) ValidateBasic() error {
	switch {
	case tc.Round <= 0:
		return fmt.Errorf("%w: round timeout must be positive", ErrInvalidConfig)
	case tc.RoundBackoff < 0 || tc.ProposeDelay < 0 || tc.StatusInterval < 0:
		return fmt.Errorf("%w: negative timeout", ErrInvalidConfig)
	case tc.MaxRound != 0 && tc.MaxRound < tc.Round:
		return fmt.Errorf("%w: max round timeout below round timeout", ErrInvalidConfig)
	case tc.ProposeDelay >= tc.Round:
		return fmt.Errorf("%w: propose delay must be shorter than the round timeout", ErrInvalidConfig)
	}
	return nil
}

// RoundTimeout returns the round timer after streak consecutive
// nullifications.
func (tc TimeoutConfig) RoundTimeout(streak uint64) time.Duration {
	d := tc.Round + time.Duration(streak)*tc.RoundBackoff
	if tc.MaxRound > 0 && (d > tc.MaxRound || d < tc.Round) {
		return tc.MaxRound
	}
	return d
}

// TimeoutTicker manages timeouts for the consensus state machine. Each
// kind has one pending timer; scheduling a kind replaces its timer.
type TimeoutTicker struct {
	mu     deadlock.Mutex
	config TimeoutConfig
	log    logging.Logger

	timers  map[TimeoutKind]*time.Timer
	tickCh  chan TimeoutInfo
	tockCh  chan TimeoutInfo
	stopCh  chan struct{}
	doneCh  chan struct{}
	running bool

	droppedTimeouts uint64
}

// NewTimeoutTicker creates a new TimeoutTicker
func NewTimeoutTicker(config TimeoutConfig, log logging.Logger) *TimeoutTicker {
	if log == nil {
		log = logging.Base()
	}
	return &TimeoutTicker{
		config: config,
		log:    log.With("module", "timeout"),
		timers: make(map[TimeoutKind]*time.Timer, 3),
		tickCh: make(chan TimeoutInfo, timeoutChannelSize),
		tockCh: make(chan TimeoutInfo, timeoutChannelSize),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start starts the timeout ticker
func (tt *TimeoutTicker) Start() {
	tt.mu.Lock()
	defer tt.mu.Unlock()

	if tt.running {
		return
	}
	tt.running = true

	go tt.run()
}

// Stop stops the timeout ticker and waits for its goroutine.
func (tt *TimeoutTicker) Stop() {
	tt.mu.Lock()
	if !tt.running {
		tt.mu.Unlock()
		return
	}
	tt.running = false
	close(tt.stopCh)
	for kind, t := range tt.timers {
		t.Stop()
		delete(tt.timers, kind)
	}
	tt.mu.Unlock()

	<-tt.doneCh
}

// Chan returns the channel that delivers timeout events
func (tt *TimeoutTicker) Chan() <-chan TimeoutInfo {
	return tt.tockCh
}

// ScheduleTimeout schedules a new timeout, replacing the pending one of
// the same kind. A zero Duration is filled in from the config.
func (tt *TimeoutTicker) ScheduleTimeout(ti TimeoutInfo) {
	select {
	case tt.tickCh <- ti:
	case <-tt.stopCh:
	}
}

// Cancel stops the pending timer of kind, if any.
func (tt *TimeoutTicker) Cancel(kind TimeoutKind) {
	tt.mu.Lock()
	defer tt.mu.Unlock()

	if t, ok := tt.timers[kind]; ok {
		t.Stop()
		delete(tt.timers, kind)
	}
}

func (tt *TimeoutTicker) run() {
	defer close(tt.doneCh)
	for {
		select {
		case <-tt.stopCh:
			return

		case ti := <-tt.tickCh:
			tt.mu.Lock()
			if !tt.running {
				tt.mu.Unlock()
				return
			}
			if t, ok := tt.timers[ti.Kind]; ok {
				t.Stop()
			}
			if ti.Duration == 0 {
				ti.Duration = tt.calculateDuration(ti)
			}
			tiCopy := ti

			tt.timers[ti.Kind] = time.AfterFunc(ti.Duration, func() {
				select {
				case tt.tockCh <- tiCopy:
				case <-tt.stopCh:
					// Ticker stopped, don't send
				default:
					count := atomic.AddUint64(&tt.droppedTimeouts, 1)
					tt.log.WithFields(logging.Fields{
						"kind":          tiCopy.Kind.String(),
						"round":         tiCopy.Round,
						"total_dropped": count,
					}).Warn("dropped timeout due to full channel")
				}
			})
			tt.mu.Unlock()
		}
	}
}

func (tt *TimeoutTicker) calculateDuration(ti TimeoutInfo) time.Duration {
	switch ti.Kind {
	case TimeoutPropose:
		return tt.config.ProposeDelay
	case TimeoutRound:
		return tt.config.RoundTimeout(ti.Streak)
	case TimeoutStatus:
		if tt.config.StatusInterval > 0 {
			return tt.config.StatusInterval
		}
		return time.Second
	default:
		return time.Second
	}
}

// DroppedTimeouts returns the number of timeouts dropped due to full channel
func (tt *TimeoutTicker) DroppedTimeouts() uint64 {
	return atomic.LoadUint64(&tt.droppedTimeouts)
}
