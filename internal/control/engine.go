package control

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/minhvu/mapflow/internal/core/config"
	"github.com/minhvu/mapflow/internal/core/domain"
	"github.com/minhvu/mapflow/internal/engine/classify"
	"github.com/minhvu/mapflow/internal/engine/dlq"
	"github.com/minhvu/mapflow/internal/engine/events"
	"github.com/minhvu/mapflow/internal/engine/recovery"
	"github.com/minhvu/mapflow/internal/engine/retry"
	"github.com/minhvu/mapflow/internal/engine/rollback"
	"github.com/minhvu/mapflow/internal/infra/dlqstore"
	"github.com/minhvu/mapflow/internal/pipeline"
)

// Engine is the main application struct that wires the pipeline, the retry
// manager, the dead-letter queue and the recovery dispatcher together.
type Engine struct {
	cfg        *config.AppConfig
	bus        *events.Bus
	queue      *dlq.Queue
	breaker    *retry.CircuitBreaker
	retries    *retry.Manager
	rollbacks  *rollback.Manager
	dispatcher *recovery.Dispatcher
	executor   *pipeline.Executor
	metricsSrv *http.Server
	log        *slog.Logger
	cancel     context.CancelFunc
}

// NewEngine creates a new Engine instance with all dependencies initialized.
func NewEngine(ctx context.Context, cfg *config.AppConfig) (*Engine, error) {
	log := slog.Default()
	bus := events.NewBus()

	// 1. Initialize DLQ Storage
	store, err := newStore(ctx, cfg.DLQ.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to init dlq storage: %w", err)
	}
	slog.Info("Using DLQ storage", "type", cfg.DLQ.Storage.Type)

	queue, err := dlq.New(ctx, cfg.DLQ.Config, store, bus, log)
	if err != nil {
		return nil, fmt.Errorf("failed to init dlq: %w", err)
	}

	// 2. Initialize Shared Components
	breaker := retry.NewCircuitBreaker(cfg.Breaker, bus)
	retries := retry.NewManager(cfg.Retry, breaker, bus, log)
	rollbacks := rollback.NewManager(cfg.Rollback, bus, log)
	dispatcher := recovery.NewDispatcher(classify.New(), retries, queue, bus, log)

	// 3. Build Pipeline from config
	built, err := buildStages(cfg.Pipeline)
	if err != nil {
		return nil, fmt.Errorf("failed to build stages: %w", err)
	}
	p, err := pipeline.NewPipeline(built...)
	if err != nil {
		return nil, fmt.Errorf("failed to build pipeline: %w", err)
	}
	executor := pipeline.NewExecutor(p, bus, log)

	// 4. Metrics Endpoint
	var metricsSrv *http.Server
	if cfg.Metrics.Port > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.Metrics.Port),
			Handler: mux,
		}
	}

	return &Engine{
		cfg:        cfg,
		bus:        bus,
		queue:      queue,
		breaker:    breaker,
		retries:    retries,
		rollbacks:  rollbacks,
		dispatcher: dispatcher,
		executor:   executor,
		metricsSrv: metricsSrv,
		log:        log,
	}, nil
}

// newStore selects the DLQ persistence backend.
func newStore(ctx context.Context, cfg config.StorageConfig) (dlqstore.Store, error) {
	switch cfg.Type {
	case "", "memory":
		return dlqstore.NewMemoryStore(), nil
	case "file":
		return dlqstore.NewFileStore(cfg.Directory, cfg.Fsync)
	case "redis":
		return dlqstore.NewRedisStore(ctx, cfg.Redis)
	case "sql":
		return dlqstore.NewSQLStore(ctx, cfg.SQL)
	default:
		return nil, fmt.Errorf("unknown dlq storage type: %s", cfg.Type)
	}
}

// OpenQueue builds a standalone queue over the configured storage backend.
// CLI inspection commands use this without assembling a full engine.
func OpenQueue(ctx context.Context, cfg *config.AppConfig) (*dlq.Queue, error) {
	store, err := newStore(ctx, cfg.DLQ.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to init dlq storage: %w", err)
	}
	return dlq.New(ctx, cfg.DLQ.Config, store, events.NewBus(), slog.Default())
}

// Start starts the engine's background workers.
func (e *Engine) Start(ctx context.Context) error {
	ctx, e.cancel = context.WithCancel(ctx)

	go e.breaker.Run(ctx)
	go e.queue.Run(ctx)
	go e.rollbacks.Run(ctx)

	if e.metricsSrv != nil {
		go func() {
			if err := e.metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				e.log.Error("Metrics server failed", "error", err)
			}
		}()
		e.log.Info("Metrics server started", "addr", e.metricsSrv.Addr)
	}

	return nil
}

// Stop stops the engine and flushes the DLQ store.
func (e *Engine) Stop(ctx context.Context) error {
	e.log.Info("Stopping Engine...")

	if e.cancel != nil {
		e.cancel()
	}

	if e.metricsSrv != nil {
		if err := e.metricsSrv.Shutdown(ctx); err != nil {
			e.log.Warn("Failed to stop metrics server", "error", err)
		}
	}

	return e.queue.Close()
}

// Bus exposes the event bus for subscribers.
func (e *Engine) Bus() *events.Bus { return e.bus }

// Queue exposes the dead-letter queue.
func (e *Engine) Queue() *dlq.Queue { return e.queue }

// Executor exposes the pipeline executor.
func (e *Engine) Executor() *pipeline.Executor { return e.executor }

// Rollbacks exposes the rollback manager.
func (e *Engine) Rollbacks() *rollback.Manager { return e.rollbacks }

// BatchReport summarises one ProcessBatch run.
type BatchReport struct {
	Total     int
	Succeeded int
	Failed    int
	Recovered int
	Duration  time.Duration
	Results   []any
	Outcomes  []recovery.Result
}

// ProcessBatch executes the pipeline over the records and routes every
// failure through the recovery dispatcher.
func (e *Engine) ProcessBatch(ctx context.Context, records []domain.Record, mappingID string, opts pipeline.BatchOptions) *BatchReport {
	start := time.Now()

	items := make([]any, len(records))
	for i, r := range records {
		items[i] = r
	}
	opts.ContinueOnError = true

	batch := e.executor.ExecuteBatch(ctx, items, opts)

	report := &BatchReport{
		Total:     batch.TotalProcessed,
		Succeeded: batch.SuccessCount,
		Results:   batch.Results,
	}

	for _, batchErr := range batch.Errors {
		outcome := e.dispatcher.HandleError(ctx, batchErr.Err, recovery.ErrorContext{
			Record:    items[batchErr.Index],
			MappingID: mappingID,
		})
		report.Outcomes = append(report.Outcomes, outcome)
		if outcome.Success {
			report.Recovered++
		} else {
			report.Failed++
		}
	}

	report.Duration = time.Since(start)
	return report
}
