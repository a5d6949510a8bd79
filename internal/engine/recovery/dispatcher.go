package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/minhvu/mapflow/internal/core/domain"
	"github.com/minhvu/mapflow/internal/engine/classify"
	"github.com/minhvu/mapflow/internal/engine/dlq"
	"github.com/minhvu/mapflow/internal/engine/events"
	"github.com/minhvu/mapflow/internal/engine/retry"
	"github.com/minhvu/mapflow/internal/metrics"
)

// Retrier re-executes the failed operation.
type Retrier interface {
	Retry(ctx context.Context) (any, error)
}

// FallbackProvider produces a substitute value for a failed operation.
type FallbackProvider interface {
	Fallback(ctx context.Context, cause error) (any, error)
}

// RollbackProvider undoes the side effects of a failed operation.
type RollbackProvider interface {
	Rollback(ctx context.Context, cause error) error
}

// ErrorContext carries the failed record and the caller's capabilities. Hooks
// may implement any subset of Retrier, FallbackProvider and RollbackProvider;
// a strategy that needs a missing capability fails with Unsupported.
type ErrorContext struct {
	Record      any
	Stage       string
	MappingID   string
	ExecutionID string

	Hooks any

	// FallbackValue is used by the fallback strategy when Hooks does not
	// implement FallbackProvider.
	FallbackValue    any
	HasFallbackValue bool

	// SkipDLQ suppresses dead-letter capture for this error.
	SkipDLQ bool

	// RetryOptions overrides the manager defaults for retry strategies.
	RetryOptions *retry.Options
}

// Result is the structured outcome of a recovery attempt.
type Result struct {
	Success        bool
	Value          any
	Err            error
	Strategy       domain.RecoveryStrategy
	Classification domain.Classification

	Skipped                    bool
	Logged                     bool
	UsedFallback               bool
	RolledBack                 bool
	CircuitBreakerOpen         bool
	NoRecoveryPossible         bool
	Unsupported                bool
	RequiresManualIntervention bool

	DLQEntryID string
}

// Metrics are the dispatcher's lifetime counters.
type Metrics struct {
	TotalErrors      int64
	RecoveredErrors  int64
	FailedRecoveries int64
	RetriedErrors    int64
	DLQEntries       int64
	ByType           map[domain.ErrorType]int64
	BySeverity       map[domain.Severity]int64
	ByStrategy       map[domain.RecoveryStrategy]int64
}

// Dispatcher routes classified errors to the matching recovery handler.
type Dispatcher struct {
	classifier *classify.Classifier
	retries    *retry.Manager
	queue      *dlq.Queue
	bus        *events.Bus
	logger     *slog.Logger

	mu    sync.Mutex
	stats Metrics
}

// NewDispatcher wires the classifier, retry manager and dead-letter queue
// together. queue and bus may be nil.
func NewDispatcher(classifier *classify.Classifier, retries *retry.Manager, queue *dlq.Queue, bus *events.Bus, logger *slog.Logger) *Dispatcher {
	if classifier == nil {
		classifier = classify.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		classifier: classifier,
		retries:    retries,
		queue:      queue,
		bus:        bus,
		logger:     logger,
		stats: Metrics{
			ByType:     make(map[domain.ErrorType]int64),
			BySeverity: make(map[domain.Severity]int64),
			ByStrategy: make(map[domain.RecoveryStrategy]int64),
		},
	}
}

// HandleError classifies err and drives the selected recovery strategy.
func (d *Dispatcher) HandleError(ctx context.Context, cause error, ectx ErrorContext) Result {
	cl := d.classifier.Classify(cause, classify.Context{
		Stage:       ectx.Stage,
		MappingID:   ectx.MappingID,
		ExecutionID: ectx.ExecutionID,
	})

	d.mu.Lock()
	d.stats.TotalErrors++
	d.stats.ByType[cl.Type]++
	d.stats.BySeverity[cl.Severity]++
	d.stats.ByStrategy[cl.RecoveryStrategy]++
	d.mu.Unlock()

	metrics.ErrorsClassified.WithLabelValues(string(cl.Type), string(cl.Severity)).Inc()
	if d.bus != nil {
		d.bus.Emit(events.ErrorClassified, cl)
	}
	d.logClassified(cause, cl)

	result := d.dispatch(ctx, cause, cl, ectx)
	result.Strategy = cl.RecoveryStrategy
	result.Classification = cl

	outcome := "recovered"
	d.mu.Lock()
	if result.Success {
		d.stats.RecoveredErrors++
	} else {
		d.stats.FailedRecoveries++
		outcome = "failed"
	}
	d.mu.Unlock()
	metrics.RecoveryOutcomes.WithLabelValues(string(cl.RecoveryStrategy), outcome).Inc()

	if d.bus != nil {
		if result.Success {
			d.bus.Emit(events.ErrorRecovered, result)
		} else {
			d.bus.Emit(events.RecoveryFailed, result)
		}
	}
	return result
}

func (d *Dispatcher) logClassified(cause error, cl domain.Classification) {
	attrs := []any{
		"type", string(cl.Type),
		"severity", string(cl.Severity),
		"strategy", string(cl.RecoveryStrategy),
		"error", cause,
	}
	switch cl.Severity {
	case domain.SeverityCritical:
		d.logger.Error("critical error classified", append(attrs, "fatal", true)...)
	case domain.SeverityHigh:
		d.logger.Error("error classified", attrs...)
	case domain.SeverityMedium:
		d.logger.Warn("error classified", attrs...)
	case domain.SeverityLow:
		d.logger.Info("error classified", attrs...)
	default:
		d.logger.Debug("error classified", attrs...)
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, cause error, cl domain.Classification, ectx ErrorContext) Result {
	switch cl.RecoveryStrategy {
	case domain.StrategyRetry, domain.StrategyRetryWithBackoff:
		return d.handleRetry(ctx, cause, cl, ectx)
	case domain.StrategySkip:
		d.logger.Info("skipping failed record", "stage", ectx.Stage, "error", cause)
		return Result{Success: true, Skipped: true}
	case domain.StrategySkipAndLog:
		return d.handleSkipAndLog(ctx, cause, cl, ectx)
	case domain.StrategyFallback:
		return d.handleFallback(ctx, cause, ectx)
	case domain.StrategyRollback:
		return d.handleRollback(ctx, cause, ectx)
	case domain.StrategyCircuitBreak:
		// Deliberately not dead-lettered: the record is not at fault.
		return Result{Success: false, Err: cause, CircuitBreakerOpen: true}
	case domain.StrategyManualIntervention:
		return d.handleManualIntervention(ctx, cause, cl, ectx)
	default:
		return Result{Success: false, Err: cause, NoRecoveryPossible: true}
	}
}

func (d *Dispatcher) handleRetry(ctx context.Context, cause error, cl domain.Classification, ectx ErrorContext) Result {
	retrier, ok := ectx.Hooks.(Retrier)
	if !ok {
		return Result{
			Success:     false,
			Err:         fmt.Errorf("retry strategy unsupported: context provides no retry capability: %w", cause),
			Unsupported: true,
		}
	}
	if d.retries == nil {
		return Result{Success: false, Err: fmt.Errorf("retry strategy unavailable: no retry manager configured: %w", cause), Unsupported: true}
	}

	d.mu.Lock()
	d.stats.RetriedErrors++
	d.mu.Unlock()

	opts := retry.Options{}
	if ectx.RetryOptions != nil {
		opts = *ectx.RetryOptions
	}
	if cl.RecoveryStrategy == domain.StrategyRetry && ectx.RetryOptions == nil {
		// Plain retry keeps the bounded attempt count but no growing delay.
		opts = retry.DefaultOptions
		opts.Policy = retry.PolicyFixedDelay
	}

	value, err := d.retries.Execute(ctx, func(c context.Context) (any, error) {
		return retrier.Retry(c)
	}, opts)
	if err == nil {
		return Result{Success: true, Value: value}
	}

	result := Result{Success: false, Err: err}
	if errors.Is(err, domain.ErrCircuitOpen) {
		result.CircuitBreakerOpen = true
		return result
	}
	if !ectx.SkipDLQ {
		result.DLQEntryID = d.enqueue(ctx, cause, cl, ectx, false)
	}
	return result
}

func (d *Dispatcher) handleSkipAndLog(ctx context.Context, cause error, cl domain.Classification, ectx ErrorContext) Result {
	d.logger.Warn("skipping failed record, captured to dead-letter queue",
		"stage", ectx.Stage, "mapping_id", ectx.MappingID, "error", cause)

	result := Result{Success: true, Skipped: true, Logged: true}
	if !ectx.SkipDLQ {
		result.DLQEntryID = d.enqueue(ctx, cause, cl, ectx, false)
	}
	return result
}

func (d *Dispatcher) handleFallback(ctx context.Context, cause error, ectx ErrorContext) Result {
	if provider, ok := ectx.Hooks.(FallbackProvider); ok {
		value, err := provider.Fallback(ctx, cause)
		if err != nil {
			if d.bus != nil {
				d.bus.Emit(events.RecoveryError, err)
			}
			return Result{Success: false, Err: fmt.Errorf("fallback failed: %w", err)}
		}
		return Result{Success: true, Value: value, UsedFallback: true}
	}
	if ectx.HasFallbackValue {
		return Result{Success: true, Value: ectx.FallbackValue, UsedFallback: true}
	}
	return Result{
		Success:     false,
		Err:         fmt.Errorf("fallback strategy unsupported: context provides no fallback capability: %w", cause),
		Unsupported: true,
	}
}

func (d *Dispatcher) handleRollback(ctx context.Context, cause error, ectx ErrorContext) Result {
	provider, ok := ectx.Hooks.(RollbackProvider)
	if !ok {
		return Result{
			Success:     false,
			Err:         fmt.Errorf("rollback strategy unsupported: context provides no rollback capability: %w", cause),
			Unsupported: true,
		}
	}
	if err := provider.Rollback(ctx, cause); err != nil {
		if d.bus != nil {
			d.bus.Emit(events.RecoveryError, err)
		}
		return Result{Success: false, Err: fmt.Errorf("rollback failed: %w", err)}
	}
	return Result{Success: true, RolledBack: true}
}

func (d *Dispatcher) handleManualIntervention(ctx context.Context, cause error, cl domain.Classification, ectx ErrorContext) Result {
	result := Result{Success: false, Err: cause, RequiresManualIntervention: true}
	if !ectx.SkipDLQ {
		result.DLQEntryID = d.enqueue(ctx, cause, cl, ectx, true)
	}
	if d.bus != nil {
		d.bus.Emit(events.ManualInterventionRequired, result)
	}
	return result
}

func (d *Dispatcher) enqueue(ctx context.Context, cause error, cl domain.Classification, ectx ErrorContext, manual bool) string {
	if d.queue == nil {
		return ""
	}
	id, err := d.queue.Enqueue(ctx, ectx.Record, cause, domain.EntryContext{
		MappingID:      ectx.MappingID,
		ExecutionID:    ectx.ExecutionID,
		Classification: &cl,
		ManualReview:   manual,
	})
	if err != nil {
		d.logger.Error("failed to enqueue dead-letter entry", "error", err)
		if d.bus != nil {
			d.bus.Emit(events.RecoveryError, err)
		}
		return ""
	}
	d.mu.Lock()
	d.stats.DLQEntries++
	d.mu.Unlock()
	return id
}

// Stats returns a copy of the dispatcher counters.
func (d *Dispatcher) Stats() Metrics {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := d.stats
	out.ByType = make(map[domain.ErrorType]int64, len(d.stats.ByType))
	for k, v := range d.stats.ByType {
		out.ByType[k] = v
	}
	out.BySeverity = make(map[domain.Severity]int64, len(d.stats.BySeverity))
	for k, v := range d.stats.BySeverity {
		out.BySeverity[k] = v
	}
	out.ByStrategy = make(map[domain.RecoveryStrategy]int64, len(d.stats.ByStrategy))
	for k, v := range d.stats.ByStrategy {
		out.ByStrategy[k] = v
	}
	return out
}
