package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"regexp"
	"strings"
	"time"

	"github.com/minhvu/mapflow/internal/core/domain"
	"github.com/minhvu/mapflow/internal/engine/events"
	"github.com/minhvu/mapflow/internal/metrics"
)

// Policy names the delay calculation between attempts.
type Policy string

const (
	PolicyExponentialBackoff Policy = "exponential_backoff"
	PolicyLinearBackoff      Policy = "linear_backoff"
	PolicyFixedDelay         Policy = "fixed_delay"
	PolicyFibonacciBackoff   Policy = "fibonacci_backoff"
	PolicyCustom             Policy = "custom"
)

// Op is the unit of work executed under retry.
type Op func(ctx context.Context) (any, error)

// Options configures a single Execute call.
type Options struct {
	MaxRetries    int           `yaml:"max_retries"`
	Policy        Policy        `yaml:"policy"`
	InitialDelay  time.Duration `yaml:"initial_delay"`
	MaxDelay      time.Duration `yaml:"max_delay"`
	Factor        float64       `yaml:"factor"`
	DisableJitter bool          `yaml:"disable_jitter"`
	Timeout       time.Duration `yaml:"timeout"`

	// CustomDelay is required when Policy is PolicyCustom.
	CustomDelay func(attempt int) time.Duration `yaml:"-"`

	// IsRetryable overrides the default predicate when set.
	IsRetryable func(err error) bool `yaml:"-"`

	// RetryableErrors is a list of substrings or regexes matched against the
	// error message when IsRetryable is not set.
	RetryableErrors []string `yaml:"retryable_errors"`
}

// DefaultOptions provides sensible retry defaults.
var DefaultOptions = Options{
	MaxRetries:   3,
	Policy:       PolicyExponentialBackoff,
	InitialDelay: time.Second,
	MaxDelay:     60 * time.Second,
	Factor:       2.0,
}

// retryableSubstrings is the default predicate's match set.
var retryableSubstrings = []string{
	"connection refused",
	"econnrefused",
	"timed out",
	"etimedout",
	"name not resolved",
	"no such host",
	"network unreachable",
	"enetunreach",
	"try again",
	"eagain",
	"timeout",
	"network",
}

// RetryEvent is the payload of retry events.
type RetryEvent struct {
	Attempt int
	Delay   time.Duration
	Err     error
}

// SuccessEvent is the payload of retrySuccess events.
type SuccessEvent struct {
	TotalAttempts int
}

// ExhaustedEvent is the payload of retryExhausted events.
type ExhaustedEvent struct {
	Attempts int
	Err      error
}

// Manager executes operations with bounded retries, backoff and an optional
// shared circuit breaker.
type Manager struct {
	defaults Options
	breaker  *CircuitBreaker
	bus      *events.Bus
	logger   *slog.Logger

	// injectable for tests
	randFloat func() float64
	sleep     func(ctx context.Context, d time.Duration) error
}

// NewManager creates a retry manager. breaker and bus may be nil.
func NewManager(defaults Options, breaker *CircuitBreaker, bus *events.Bus, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		defaults:  normalize(defaults),
		breaker:   breaker,
		bus:       bus,
		logger:    logger,
		randFloat: rand.Float64,
		sleep:     sleepCtx,
	}
}

func normalize(o Options) Options {
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.Policy == "" {
		o.Policy = DefaultOptions.Policy
	}
	if o.InitialDelay <= 0 {
		o.InitialDelay = DefaultOptions.InitialDelay
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = DefaultOptions.MaxDelay
	}
	if o.Factor <= 0 {
		o.Factor = DefaultOptions.Factor
	}
	return o
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Execute runs op up to MaxRetries+1 times. Non-retryable errors return
// immediately; exhaustion returns a *domain.RetryExhaustedError. A rejection
// by the circuit breaker bypasses retry entirely.
func (m *Manager) Execute(ctx context.Context, op Op, opts Options) (any, error) {
	o := m.merge(opts)

	var lastErr error
	for attempt := 0; attempt <= o.MaxRetries; attempt++ {
		if m.breaker != nil {
			if err := m.breaker.CanExecute(); err != nil {
				metrics.RetryBreakerRejections.Inc()
				return nil, err
			}
		}

		result, err := m.attempt(ctx, op, o.Timeout)
		if err == nil {
			if m.breaker != nil {
				m.breaker.RecordSuccess()
			}
			if attempt > 0 {
				metrics.RetrySuccesses.Inc()
				if m.bus != nil {
					m.bus.Emit(events.RetrySuccess, SuccessEvent{TotalAttempts: attempt + 1})
				}
			}
			return result, nil
		}

		lastErr = err
		if errors.Is(err, domain.ErrCircuitOpen) {
			return nil, err
		}

		retryable := isRetryable(err, o)
		if m.breaker != nil && retryable {
			// Only transient failures count toward opening the breaker.
			m.breaker.RecordFailure()
		}
		if !retryable {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if attempt == o.MaxRetries {
			break
		}

		delay := m.delay(attempt, o)
		metrics.RetryAttempts.Inc()
		if m.bus != nil {
			m.bus.Emit(events.Retry, RetryEvent{Attempt: attempt + 1, Delay: delay, Err: err})
		}
		m.logger.Debug("retrying operation", "attempt", attempt+1, "delay", delay, "error", err)

		if err := m.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}

	exhausted := &domain.RetryExhaustedError{Attempts: o.MaxRetries + 1, Err: lastErr}
	metrics.RetryExhaustions.Inc()
	if m.bus != nil {
		m.bus.Emit(events.RetryExhausted, ExhaustedEvent{Attempts: exhausted.Attempts, Err: lastErr})
	}
	return nil, exhausted
}

// merge fills unset fields of o from the manager defaults, so a caller may
// override a single knob without restating the rest. MaxRetries < 0 forces a
// single attempt.
func (m *Manager) merge(o Options) Options {
	if o.MaxRetries == 0 {
		o.MaxRetries = m.defaults.MaxRetries
	}
	if o.Policy == "" {
		o.Policy = m.defaults.Policy
	}
	if o.InitialDelay <= 0 {
		o.InitialDelay = m.defaults.InitialDelay
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = m.defaults.MaxDelay
	}
	if o.Factor <= 0 {
		o.Factor = m.defaults.Factor
	}
	if o.Timeout <= 0 {
		o.Timeout = m.defaults.Timeout
	}
	if o.CustomDelay == nil {
		o.CustomDelay = m.defaults.CustomDelay
	}
	if o.IsRetryable == nil {
		o.IsRetryable = m.defaults.IsRetryable
	}
	if len(o.RetryableErrors) == 0 {
		o.RetryableErrors = m.defaults.RetryableErrors
	}
	o.DisableJitter = o.DisableJitter || m.defaults.DisableJitter
	return normalize(o)
}

// attempt races op against the per-attempt timeout when one is configured.
func (m *Manager) attempt(ctx context.Context, op Op, timeout time.Duration) (any, error) {
	if timeout <= 0 {
		return op(ctx)
	}

	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		value any
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		v, err := op(actx)
		done <- outcome{v, err}
	}()

	select {
	case out := <-done:
		return out.value, out.err
	case <-actx.Done():
		return nil, fmt.Errorf("attempt timed out after %s: %w", timeout, actx.Err())
	}
}

// delay computes the wait before the next attempt. attempt is 0-indexed by
// the number of failures so far.
func (m *Manager) delay(attempt int, o Options) time.Duration {
	var d time.Duration
	switch o.Policy {
	case PolicyLinearBackoff:
		d = time.Duration(float64(o.InitialDelay) * float64(attempt+1))
	case PolicyFixedDelay:
		d = o.InitialDelay
	case PolicyFibonacciBackoff:
		d = time.Duration(fib(attempt+1)) * o.InitialDelay
	case PolicyCustom:
		if o.CustomDelay != nil {
			d = o.CustomDelay(attempt)
		} else {
			d = o.InitialDelay
		}
	default: // exponential
		d = time.Duration(float64(o.InitialDelay) * math.Pow(o.Factor, float64(attempt)))
	}

	if d > o.MaxDelay {
		d = o.MaxDelay
	}
	if !o.DisableJitter {
		// multiply into [0.9, 1.1]
		d = time.Duration(float64(d) * (0.9 + 0.2*m.randFloat()))
	}
	return d
}

func fib(n int) int64 {
	a, b := int64(0), int64(1)
	for i := 0; i < n; i++ {
		a, b = b, a+b
	}
	return a
}

func isRetryable(err error, o Options) bool {
	if o.IsRetryable != nil {
		return o.IsRetryable(err)
	}

	msg := strings.ToLower(err.Error())
	if len(o.RetryableErrors) > 0 {
		for _, pattern := range o.RetryableErrors {
			if strings.Contains(msg, strings.ToLower(pattern)) {
				return true
			}
			if re, reErr := regexp.Compile(pattern); reErr == nil && re.MatchString(msg) {
				return true
			}
		}
		return false
	}

	for _, sub := range retryableSubstrings {
		if strings.Contains(msg, sub) {
			return true
		}
	}
	return false
}
