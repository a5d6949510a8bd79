package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/minhvu/mapflow/internal/engine/events"
	"github.com/minhvu/mapflow/internal/metrics"
)

// ErrAborted is returned when the cancellation signal fires mid-pipeline.
var ErrAborted = fmt.Errorf("pipeline execution aborted")

// Phase names the middleware hook points.
type Phase string

const (
	PhaseBefore Phase = "before"
	PhaseAfter  Phase = "after"
)

// Middleware runs around the whole pipeline. Returning an error from the
// before phase aborts the execution.
type Middleware func(phase Phase, ectx *Context, data any) error

// HandlerResult tells the executor what to do after a stage error.
type HandlerResult struct {
	Continue bool
	Data     any
}

// StageErrorHandler is consulted when a stage of its registered type fails.
type StageErrorHandler func(ectx *Context, stage Stage, err error) HandlerResult

// ExecOptions configures a single execution.
type ExecOptions struct {
	Metadata map[string]any
	Progress ProgressFunc
}

// ExecResult is the outcome of one pipeline execution.
type ExecResult struct {
	Data          any
	Context       *Context
	ExecutionTime time.Duration
	Success       bool
	Err           error
}

// BatchOptions configures ExecuteBatch.
type BatchOptions struct {
	BatchSize       int
	Parallelism     int
	ContinueOnError bool
}

// BatchError ties a failed item to its input index.
type BatchError struct {
	Index int
	Err   error
}

// BatchResult aggregates a batch execution.
type BatchResult struct {
	Results        []any
	Errors         []BatchError
	TotalProcessed int
	SuccessCount   int
	ErrorCount     int
}

// Executor runs a pipeline's stages in order with context, progress and
// middleware hooks, in single-record or batched mode.
type Executor struct {
	pipeline      *Pipeline
	middleware    []Middleware
	errorHandlers map[StageType]StageErrorHandler
	bus           *events.Bus
	logger        *slog.Logger
}

// NewExecutor binds a validated pipeline. bus may be nil.
func NewExecutor(p *Pipeline, bus *events.Bus, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		pipeline:      p,
		errorHandlers: make(map[StageType]StageErrorHandler),
		bus:           bus,
		logger:        logger,
	}
}

// Use appends a middleware.
func (e *Executor) Use(mw Middleware) {
	e.middleware = append(e.middleware, mw)
}

// OnStageError registers the error handler for a stage type.
func (e *Executor) OnStageError(typ StageType, handler StageErrorHandler) {
	e.errorHandlers[typ] = handler
}

// Pipeline returns the bound pipeline.
func (e *Executor) Pipeline() *Pipeline { return e.pipeline }

// Execute runs every stage in order over record.
func (e *Executor) Execute(ctx context.Context, record any, opts ExecOptions) *ExecResult {
	ectx := NewContext(ctx, opts.Metadata)
	ectx.Progress = opts.Progress
	start := time.Now()

	if e.bus != nil {
		e.bus.Emit(events.PipelineStart, ectx)
	}

	data, err := e.run(ectx, record)
	elapsed := time.Since(start)

	result := &ExecResult{
		Data:          data,
		Context:       ectx,
		ExecutionTime: elapsed,
		Success:       err == nil,
		Err:           err,
	}

	if err != nil {
		metrics.PipelineExecutions.WithLabelValues("error").Inc()
		if e.bus != nil {
			e.bus.Emit(events.PipelineError, result)
		}
		return result
	}

	metrics.PipelineExecutions.WithLabelValues("success").Inc()
	if e.bus != nil {
		e.bus.Emit(events.PipelineComplete, result)
	}
	return result
}

func (e *Executor) run(ectx *Context, record any) (any, error) {
	for _, mw := range e.middleware {
		if err := mw(PhaseBefore, ectx, record); err != nil {
			return nil, fmt.Errorf("middleware rejected execution: %w", err)
		}
	}

	stages := e.pipeline.Stages()
	data := record
	for i, stage := range stages {
		if ectx.Aborted() {
			stage.UpdateMetrics(0, false)
			return nil, ErrAborted
		}
		if ectx.Progress != nil {
			ectx.Progress(i, len(stages), stage.Name())
		}
		if e.bus != nil {
			e.bus.Emit(events.StageStart, stage.Name())
		}

		stageStart := time.Now()
		out, err := stage.Execute(ectx, data)
		stage.UpdateMetrics(time.Since(stageStart), err == nil)

		if err != nil {
			ectx.AddError(stage.Name(), err)
			if e.bus != nil {
				e.bus.Emit(events.StageError, StageError{Err: err, Message: err.Error(), Stage: stage.Name(), Timestamp: time.Now()})
			}
			if handler, ok := e.errorHandlers[stage.Type()]; ok {
				if hr := handler(ectx, stage, err); hr.Continue {
					e.logger.Warn("stage error handled, continuing", "stage", stage.Name(), "error", err)
					data = hr.Data
					continue
				}
			}
			return nil, fmt.Errorf("stage %q failed: %w", stage.Name(), err)
		}

		data = out
		if e.bus != nil {
			e.bus.Emit(events.StageComplete, stage.Name())
		}
	}

	for _, mw := range e.middleware {
		if err := mw(PhaseAfter, ectx, data); err != nil {
			return nil, fmt.Errorf("middleware failed after execution: %w", err)
		}
	}
	return data, nil
}

// ExecuteBatch partitions items into batches and fans each batch out over
// parallelism sub-batches. Items within a sub-batch run sequentially.
func (e *Executor) ExecuteBatch(ctx context.Context, items []any, opts BatchOptions) *BatchResult {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = 1
	}
	metrics.BatchSize.Observe(float64(len(items)))

	agg := &BatchResult{Results: make([]any, len(items))}
	failed := make([]bool, len(items))

	for batchStart := 0; batchStart < len(items); batchStart += opts.BatchSize {
		batchEnd := min(batchStart+opts.BatchSize, len(items))
		e.runBatch(ctx, items, batchStart, batchEnd, opts.Parallelism, agg, failed)

		if agg.ErrorCount > 0 && !opts.ContinueOnError {
			break
		}
	}

	// Compact results to successful outputs in input order.
	compact := make([]any, 0, agg.SuccessCount)
	for i, r := range agg.Results {
		if i < agg.TotalProcessed && !failed[i] {
			compact = append(compact, r)
		}
	}
	agg.Results = compact
	return agg
}

func (e *Executor) runBatch(ctx context.Context, items []any, start, end, parallelism int, agg *BatchResult, failed []bool) {
	n := end - start
	chunk := (n + parallelism - 1) / parallelism

	var mu sync.Mutex
	var wg sync.WaitGroup
	for sub := start; sub < end; sub += chunk {
		subEnd := min(sub+chunk, end)
		wg.Add(1)
		go func(from, to int) {
			defer wg.Done()
			for i := from; i < to; i++ {
				result := e.Execute(ctx, items[i], ExecOptions{})
				mu.Lock()
				agg.TotalProcessed++
				if result.Success {
					agg.Results[i] = result.Data
					agg.SuccessCount++
				} else {
					failed[i] = true
					agg.Errors = append(agg.Errors, BatchError{Index: i, Err: result.Err})
					agg.ErrorCount++
				}
				mu.Unlock()
			}
		}(sub, subEnd)
	}
	wg.Wait()
}
