package retry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/minhvu/mapflow/internal/core/domain"
	"github.com/minhvu/mapflow/internal/engine/events"
)

// =============================================================================
// Helpers
// =============================================================================

// newTestManager wires a manager with jitter pinned to 1.0 and a recording
// sleep so tests never actually wait.
func newTestManager(breaker *CircuitBreaker, bus *events.Bus) (*Manager, *[]time.Duration) {
	m := NewManager(DefaultOptions, breaker, bus, nil)
	var delays []time.Duration
	m.randFloat = func() float64 { return 0.5 } // 0.9 + 0.2*0.5 = 1.0
	m.sleep = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}
	return m, &delays
}

// =============================================================================
// Execute Tests
// =============================================================================

func TestExecute_SucceedsAfterTransientFailures(t *testing.T) {
	m, delays := newTestManager(nil, nil)

	calls := 0
	op := func(ctx context.Context) (any, error) {
		calls++
		if calls < 3 {
			return nil, errors.New("connection refused")
		}
		return "ok", nil
	}

	result, err := m.Execute(context.Background(), op, Options{
		MaxRetries:   3,
		Policy:       PolicyExponentialBackoff,
		InitialDelay: 10 * time.Millisecond,
		Factor:       2.0,
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result != "ok" {
		t.Errorf("expected ok, got %v", result)
	}
	if calls != 3 {
		t.Errorf("expected 3 attempts, got %d", calls)
	}

	// 10 * 2^0, 10 * 2^1
	want := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}
	if len(*delays) != len(want) {
		t.Fatalf("expected %d delays, got %d", len(want), len(*delays))
	}
	for i, d := range want {
		if (*delays)[i] != d {
			t.Errorf("delay %d: expected %v, got %v", i, d, (*delays)[i])
		}
	}
}

func TestExecute_NonRetryableReturnsImmediately(t *testing.T) {
	m, delays := newTestManager(nil, nil)

	calls := 0
	op := func(ctx context.Context) (any, error) {
		calls++
		return nil, errors.New("validation failed")
	}

	_, err := m.Execute(context.Background(), op, Options{MaxRetries: 3, InitialDelay: time.Millisecond})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("expected 1 attempt, got %d", calls)
	}
	if len(*delays) != 0 {
		t.Errorf("expected no delays, got %v", *delays)
	}
}

func TestExecute_Exhaustion(t *testing.T) {
	bus := events.NewBus()
	var exhausted []ExhaustedEvent
	bus.Subscribe(events.RetryExhausted, func(payload any) {
		exhausted = append(exhausted, payload.(ExhaustedEvent))
	})

	m, _ := newTestManager(nil, bus)

	cause := errors.New("timeout")
	op := func(ctx context.Context) (any, error) {
		return nil, cause
	}

	_, err := m.Execute(context.Background(), op, Options{MaxRetries: 2, InitialDelay: time.Millisecond})

	var rex *domain.RetryExhaustedError
	if !errors.As(err, &rex) {
		t.Fatalf("expected RetryExhaustedError, got %v", err)
	}
	if rex.Attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", rex.Attempts)
	}
	if !errors.Is(err, cause) {
		t.Error("exhausted error should wrap the last cause")
	}
	if len(exhausted) != 1 {
		t.Errorf("expected 1 exhausted event, got %d", len(exhausted))
	}
}

func TestExecute_CustomRetryablePredicate(t *testing.T) {
	m, _ := newTestManager(nil, nil)

	calls := 0
	op := func(ctx context.Context) (any, error) {
		calls++
		if calls < 2 {
			return nil, errors.New("weird domain error")
		}
		return 42, nil
	}

	result, err := m.Execute(context.Background(), op, Options{
		MaxRetries:   2,
		InitialDelay: time.Millisecond,
		IsRetryable:  func(err error) bool { return true },
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result != 42 {
		t.Errorf("expected 42, got %v", result)
	}
}

func TestExecute_RetryableErrorsList(t *testing.T) {
	m, _ := newTestManager(nil, nil)

	calls := 0
	op := func(ctx context.Context) (any, error) {
		calls++
		return nil, errors.New("flux capacitor overload")
	}

	_, err := m.Execute(context.Background(), op, Options{
		MaxRetries:      2,
		InitialDelay:    time.Millisecond,
		RetryableErrors: []string{"flux capacitor"},
	})

	var rex *domain.RetryExhaustedError
	if !errors.As(err, &rex) {
		t.Fatalf("expected exhaustion, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 attempts, got %d", calls)
	}
}

func TestExecute_AttemptTimeout(t *testing.T) {
	m, _ := newTestManager(nil, nil)

	op := func(ctx context.Context) (any, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Second):
			return "late", nil
		}
	}

	_, err := m.Execute(context.Background(), op, Options{
		MaxRetries:   -1,
		InitialDelay: time.Millisecond,
		Timeout:      5 * time.Millisecond,
	})
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestExecute_LonePredicateOptionHonored(t *testing.T) {
	m, delays := newTestManager(nil, nil)

	calls := 0
	op := func(ctx context.Context) (any, error) {
		calls++
		return nil, errors.New("timeout")
	}

	_, err := m.Execute(context.Background(), op, Options{
		IsRetryable: func(err error) bool { return false },
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("expected 1 attempt, got %d", calls)
	}
	if len(*delays) != 0 {
		t.Errorf("expected no delays, got %v", *delays)
	}
}

func TestMerge_FillsUnsetFieldsFromDefaults(t *testing.T) {
	m := NewManager(Options{
		MaxRetries:   5,
		Policy:       PolicyFixedDelay,
		InitialDelay: 7 * time.Millisecond,
	}, nil, nil, nil)

	merged := m.merge(Options{RetryableErrors: []string{"overload"}})
	if merged.MaxRetries != 5 {
		t.Errorf("expected default MaxRetries 5, got %d", merged.MaxRetries)
	}
	if merged.Policy != PolicyFixedDelay {
		t.Errorf("expected default policy, got %s", merged.Policy)
	}
	if merged.InitialDelay != 7*time.Millisecond {
		t.Errorf("expected default initial delay, got %v", merged.InitialDelay)
	}
	if len(merged.RetryableErrors) != 1 || merged.RetryableErrors[0] != "overload" {
		t.Errorf("caller retryable list lost: %v", merged.RetryableErrors)
	}

	merged = m.merge(Options{MaxRetries: 1})
	if merged.MaxRetries != 1 {
		t.Errorf("expected caller MaxRetries 1, got %d", merged.MaxRetries)
	}

	merged = m.merge(Options{MaxRetries: -1})
	if merged.MaxRetries != 0 {
		t.Errorf("expected negative MaxRetries to mean a single attempt, got %d", merged.MaxRetries)
	}
}

func TestExecute_ContextCancelStopsRetry(t *testing.T) {
	m := NewManager(DefaultOptions, nil, nil, nil)
	m.randFloat = func() float64 { return 0.5 }

	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	op := func(c context.Context) (any, error) {
		calls++
		cancel()
		return nil, errors.New("timeout")
	}

	_, err := m.Execute(ctx, op, Options{MaxRetries: 5, InitialDelay: time.Millisecond})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 attempt, got %d", calls)
	}
}

// =============================================================================
// Breaker Integration Tests
// =============================================================================

func TestExecute_BreakerOpenBypassesRetry(t *testing.T) {
	breaker := NewCircuitBreaker(BreakerConfig{FailureThreshold: 1, MinimumRequests: 1, ResetTimeout: time.Hour}, nil)
	m, _ := newTestManager(breaker, nil)

	// First call trips the breaker with a transient failure.
	_, err := m.Execute(context.Background(), func(ctx context.Context) (any, error) {
		return nil, errors.New("timeout")
	}, Options{MaxRetries: -1, InitialDelay: time.Millisecond})
	if err == nil {
		t.Fatal("expected error")
	}
	if breaker.State() != BreakerOpen {
		t.Fatalf("expected open breaker, got %s", breaker.State())
	}

	// Second call is rejected without invoking the op.
	calls := 0
	_, err = m.Execute(context.Background(), func(ctx context.Context) (any, error) {
		calls++
		return "ok", nil
	}, Options{MaxRetries: 3, InitialDelay: time.Millisecond})

	if !errors.Is(err, domain.ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if calls != 0 {
		t.Errorf("op should not run while breaker is open, ran %d times", calls)
	}
}

func TestExecute_NonRetryableDoesNotTripBreaker(t *testing.T) {
	breaker := NewCircuitBreaker(BreakerConfig{FailureThreshold: 1, MinimumRequests: 1, ResetTimeout: time.Hour}, nil)
	m, _ := newTestManager(breaker, nil)

	for i := 0; i < 3; i++ {
		_, err := m.Execute(context.Background(), func(ctx context.Context) (any, error) {
			return nil, errors.New("validation failed")
		}, Options{MaxRetries: 2, InitialDelay: time.Millisecond})
		if err == nil {
			t.Fatal("expected error")
		}
	}

	if breaker.State() != BreakerClosed {
		t.Fatalf("expected closed breaker after permanent failures, got %s", breaker.State())
	}
	if stats := breaker.Stats(); stats.Failures != 0 {
		t.Errorf("expected no recorded failures, got %d", stats.Failures)
	}
}

// =============================================================================
// Delay Policy Tests
// =============================================================================

func TestDelay_Policies(t *testing.T) {
	m, _ := newTestManager(nil, nil)

	base := Options{InitialDelay: 10 * time.Millisecond, MaxDelay: time.Minute, Factor: 2.0, DisableJitter: true}

	exp := base
	exp.Policy = PolicyExponentialBackoff
	for i, want := range []time.Duration{10, 20, 40, 80} {
		if d := m.delay(i, exp); d != want*time.Millisecond {
			t.Errorf("exponential attempt %d: expected %vms, got %v", i, want, d)
		}
	}

	lin := base
	lin.Policy = PolicyLinearBackoff
	for i, want := range []time.Duration{10, 20, 30} {
		if d := m.delay(i, lin); d != want*time.Millisecond {
			t.Errorf("linear attempt %d: expected %vms, got %v", i, want, d)
		}
	}

	fixed := base
	fixed.Policy = PolicyFixedDelay
	for i := 0; i < 3; i++ {
		if d := m.delay(i, fixed); d != 10*time.Millisecond {
			t.Errorf("fixed attempt %d: expected 10ms, got %v", i, d)
		}
	}

	fibo := base
	fibo.Policy = PolicyFibonacciBackoff
	for i, want := range []time.Duration{10, 10, 20, 30, 50} {
		if d := m.delay(i, fibo); d != want*time.Millisecond {
			t.Errorf("fibonacci attempt %d: expected %vms, got %v", i, want, d)
		}
	}

	custom := base
	custom.Policy = PolicyCustom
	custom.CustomDelay = func(attempt int) time.Duration { return time.Duration(attempt+1) * 7 * time.Millisecond }
	if d := m.delay(2, custom); d != 21*time.Millisecond {
		t.Errorf("custom attempt 2: expected 21ms, got %v", d)
	}
}

func TestDelay_CapsAtMaxDelay(t *testing.T) {
	m, _ := newTestManager(nil, nil)

	o := Options{
		Policy:        PolicyExponentialBackoff,
		InitialDelay:  10 * time.Millisecond,
		MaxDelay:      50 * time.Millisecond,
		Factor:        2.0,
		DisableJitter: true,
	}
	if d := m.delay(10, o); d != 50*time.Millisecond {
		t.Errorf("expected cap at 50ms, got %v", d)
	}
}

func TestDelay_JitterBounds(t *testing.T) {
	m := NewManager(DefaultOptions, nil, nil, nil)

	o := Options{Policy: PolicyFixedDelay, InitialDelay: 100 * time.Millisecond, MaxDelay: time.Minute, Factor: 2.0}

	m.randFloat = func() float64 { return 0 }
	if d := m.delay(0, o); d != 90*time.Millisecond {
		t.Errorf("expected lower bound 90ms, got %v", d)
	}

	m.randFloat = func() float64 { return 1 }
	if d := m.delay(0, o); d != 110*time.Millisecond {
		t.Errorf("expected upper bound 110ms, got %v", d)
	}
}

// =============================================================================
// Event Tests
// =============================================================================

func TestExecute_EmitsRetryEvents(t *testing.T) {
	bus := events.NewBus()

	var mu sync.Mutex
	var retries []RetryEvent
	var successes []SuccessEvent
	bus.Subscribe(events.Retry, func(payload any) {
		mu.Lock()
		defer mu.Unlock()
		retries = append(retries, payload.(RetryEvent))
	})
	bus.Subscribe(events.RetrySuccess, func(payload any) {
		mu.Lock()
		defer mu.Unlock()
		successes = append(successes, payload.(SuccessEvent))
	})

	m, _ := newTestManager(nil, bus)

	calls := 0
	_, err := m.Execute(context.Background(), func(ctx context.Context) (any, error) {
		calls++
		if calls < 2 {
			return nil, errors.New("timeout")
		}
		return nil, nil
	}, Options{MaxRetries: 3, InitialDelay: time.Millisecond})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(retries) != 1 {
		t.Fatalf("expected 1 retry event, got %d", len(retries))
	}
	if retries[0].Attempt != 1 {
		t.Errorf("expected attempt 1, got %d", retries[0].Attempt)
	}
	if len(successes) != 1 || successes[0].TotalAttempts != 2 {
		t.Errorf("expected success event with 2 attempts, got %+v", successes)
	}
}
