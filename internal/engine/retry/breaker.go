package retry

import (
	"context"
	"sync"
	"time"

	"github.com/minhvu/mapflow/internal/core/domain"
	"github.com/minhvu/mapflow/internal/engine/events"
)

// BreakerState is the circuit breaker state.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// BreakerConfig tunes the circuit breaker.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	MinimumRequests  int           `yaml:"minimum_requests"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
	CounterInterval  time.Duration `yaml:"counter_interval"`
}

// DefaultBreakerConfig provides sensible defaults.
var DefaultBreakerConfig = BreakerConfig{
	FailureThreshold: 5,
	MinimumRequests:  5,
	ResetTimeout:     60 * time.Second,
	CounterInterval:  10 * time.Second,
}

// BreakerStats is a snapshot of breaker counters.
type BreakerStats struct {
	State           BreakerState
	Failures        int
	Successes       int
	Requests        int
	LastFailureTime time.Time
	NextAttemptTime time.Time
}

// StateChange is the payload of stateChange events.
type StateChange struct {
	From BreakerState
	To   BreakerState
}

// CircuitBreaker is a shared three-state guard preventing cascading calls
// when a dependency is failing. All state is mutex-guarded.
type CircuitBreaker struct {
	mu  sync.Mutex
	cfg BreakerConfig
	bus *events.Bus
	now func() time.Time

	state           BreakerState
	failures        int
	successes       int
	requests        int
	lastFailureTime time.Time
	nextAttemptTime time.Time
}

// NewCircuitBreaker creates a closed breaker. A nil bus disables events.
func NewCircuitBreaker(cfg BreakerConfig, bus *events.Bus) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultBreakerConfig.FailureThreshold
	}
	if cfg.MinimumRequests <= 0 {
		cfg.MinimumRequests = DefaultBreakerConfig.MinimumRequests
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = DefaultBreakerConfig.ResetTimeout
	}
	if cfg.CounterInterval <= 0 {
		cfg.CounterInterval = DefaultBreakerConfig.CounterInterval
	}
	return &CircuitBreaker{
		cfg:   cfg,
		bus:   bus,
		now:   time.Now,
		state: BreakerClosed,
	}
}

// breakerEvent is an event captured under the lock and emitted after it is
// released, so handlers may call back into the breaker.
type breakerEvent struct {
	event   events.Event
	payload any
}

// CanExecute reports whether a call may proceed. Returns ErrCircuitOpen when
// the breaker is open and the probe window has not arrived yet.
func (cb *CircuitBreaker) CanExecute() error {
	cb.mu.Lock()

	var pending []breakerEvent
	var err error
	if cb.state == BreakerOpen {
		if cb.now().Before(cb.nextAttemptTime) {
			err = domain.ErrCircuitOpen
		} else {
			pending = cb.transition(BreakerHalfOpen)
		}
	}
	cb.mu.Unlock()

	cb.emit(pending)
	return err
}

// RecordSuccess registers a successful call.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()

	cb.requests++
	cb.successes++

	var pending []breakerEvent
	if cb.state == BreakerHalfOpen {
		cb.failures = 0
		cb.successes = 0
		cb.requests = 0
		pending = cb.transition(BreakerClosed)
	}
	cb.mu.Unlock()

	cb.emit(pending)
}

// RecordFailure registers a failed call and opens the breaker when the
// thresholds are crossed.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()

	cb.requests++
	cb.failures++
	cb.lastFailureTime = cb.now()

	var pending []breakerEvent
	switch cb.state {
	case BreakerHalfOpen:
		pending = cb.open()
	case BreakerClosed:
		if cb.requests >= cb.cfg.MinimumRequests && cb.failures >= cb.cfg.FailureThreshold {
			pending = cb.open()
		}
	}
	cb.mu.Unlock()

	cb.emit(pending)
}

func (cb *CircuitBreaker) open() []breakerEvent {
	cb.nextAttemptTime = cb.now().Add(cb.cfg.ResetTimeout)
	pending := cb.transition(BreakerOpen)
	return append(pending, breakerEvent{events.Open, cb.statsLocked()})
}

func (cb *CircuitBreaker) transition(to BreakerState) []breakerEvent {
	if cb.state == to {
		return nil
	}
	from := cb.state
	cb.state = to
	return []breakerEvent{{events.StateChange, StateChange{From: from, To: to}}}
}

func (cb *CircuitBreaker) emit(pending []breakerEvent) {
	if cb.bus == nil {
		return
	}
	for _, e := range pending {
		cb.bus.Emit(e.event, e.payload)
	}
}

// State returns the current breaker state.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats returns a snapshot of the breaker counters.
func (cb *CircuitBreaker) Stats() BreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.statsLocked()
}

func (cb *CircuitBreaker) statsLocked() BreakerStats {
	return BreakerStats{
		State:           cb.state,
		Failures:        cb.failures,
		Successes:       cb.successes,
		Requests:        cb.requests,
		LastFailureTime: cb.lastFailureTime,
		NextAttemptTime: cb.nextAttemptTime,
	}
}

// ResetCounters zeroes the rolling counters while the breaker is closed.
func (cb *CircuitBreaker) ResetCounters() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == BreakerClosed {
		cb.failures = 0
		cb.successes = 0
		cb.requests = 0
	}
}

// Run periodically resets counters while closed, until ctx is done.
func (cb *CircuitBreaker) Run(ctx context.Context) {
	ticker := time.NewTicker(cb.cfg.CounterInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cb.ResetCounters()
		}
	}
}
