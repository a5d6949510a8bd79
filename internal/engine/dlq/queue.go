package dlq

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/minhvu/mapflow/internal/core/domain"
	"github.com/minhvu/mapflow/internal/engine/events"
	"github.com/minhvu/mapflow/internal/infra/dlqstore"
	"github.com/minhvu/mapflow/internal/metrics"
)

const (
	baseCooldown = time.Minute
	maxCooldown  = time.Hour
)

// Config tunes the dead-letter queue.
type Config struct {
	MaxSize         int           `yaml:"max_size"`
	RetentionPeriod time.Duration `yaml:"retention_period"`
	FlushInterval   time.Duration `yaml:"flush_interval"`
}

// DefaultConfig provides sensible defaults.
var DefaultConfig = Config{
	MaxSize:         1000,
	RetentionPeriod: 7 * 24 * time.Hour,
	FlushInterval:   time.Minute,
}

// DequeueOptions controls Dequeue.
type DequeueOptions struct {
	Limit            int
	Filter           func(*domain.Entry) bool
	MarkAsProcessing bool
}

// SearchCriteria filters entries in Search.
type SearchCriteria struct {
	Status       domain.EntryStatus
	MappingID    string
	From, To     time.Time
	ErrorPattern string
	Limit        int
}

// Stats summarises the queue.
type Stats struct {
	Size             int                        `json:"size"`
	ByStatus         map[domain.EntryStatus]int `json:"by_status"`
	ByMappingID      map[string]int             `json:"by_mapping_id"`
	OldestEnqueuedAt *time.Time                 `json:"oldest_enqueued_at,omitempty"`
	NewestEnqueuedAt *time.Time                 `json:"newest_enqueued_at,omitempty"`
	TotalEnqueued    int64                      `json:"total_enqueued"`
	TotalReprocessed int64                      `json:"total_reprocessed"`
	TotalExpired     int64                      `json:"total_expired"`
	TotalFailed      int64                      `json:"total_failed"`
}

// BulkResult partitions a bulk operation's outcomes.
type BulkResult struct {
	Resolved []string `json:"resolved"`
	NotFound []string `json:"not_found"`
}

// Queue is a bounded FIFO store of failed records with durable persistence,
// reprocessing cooldowns and retention-based expiry. The queue and its index
// are mutated under a single writer lock; readers observe a consistent
// snapshot per call. Events are emitted after the lock is released, so
// handlers may call back into the queue.
type Queue struct {
	mu     sync.Mutex
	cfg    Config
	store  dlqstore.Store
	bus    *events.Bus
	logger *slog.Logger
	now    func() time.Time

	entries []*domain.Entry          // insertion order
	index   map[string]*domain.Entry // id → entry

	totalEnqueued    int64
	totalReprocessed int64
	totalExpired     int64
	totalFailed      int64

	clearing bool // re-entrancy guard for ClearExpired
}

// New builds a queue and reconstitutes state from the store.
func New(ctx context.Context, cfg Config, store dlqstore.Store, bus *events.Bus, logger *slog.Logger) (*Queue, error) {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultConfig.MaxSize
	}
	if cfg.RetentionPeriod <= 0 {
		cfg.RetentionPeriod = DefaultConfig.RetentionPeriod
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultConfig.FlushInterval
	}
	if store == nil {
		store = dlqstore.NewMemoryStore()
	}
	if logger == nil {
		logger = slog.Default()
	}

	q := &Queue{
		cfg:    cfg,
		store:  store,
		bus:    bus,
		logger: logger,
		now:    time.Now,
		index:  make(map[string]*domain.Entry),
	}

	persisted, err := store.LoadAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load dlq entries: %w", err)
	}
	for _, entry := range persisted {
		// A crash may have left entries mid-reprocess; resume them as pending.
		if entry.Status == domain.EntryStatusProcessing {
			entry.Status = domain.EntryStatusPending
		}
		q.entries = append(q.entries, entry)
		q.index[entry.ID] = entry
	}
	metrics.DLQSize.Set(float64(len(q.entries)))

	return q, nil
}

// newEntryID carries a monotonic timestamp prefix so file-backed stores can
// reconstruct enqueue order from ids alone.
func (q *Queue) newEntryID() string {
	return fmt.Sprintf("dlq-%d-%s", q.now().UnixNano(), uuid.New().String()[:8])
}

// Enqueue parks a failed record. At capacity the oldest entry is evicted.
func (q *Queue) Enqueue(ctx context.Context, record any, cause error, ectx domain.EntryContext) (string, error) {
	q.mu.Lock()

	var evicted *domain.Entry
	var sizeAfterEviction int
	if len(q.entries) >= q.cfg.MaxSize {
		evicted = q.entries[0]
		q.removeLocked(ctx, evicted.ID)
		sizeAfterEviction = len(q.entries)
		q.logger.Warn("dead-letter queue full, evicted oldest entry", "evicted_id", evicted.ID)
	}

	now := q.now()
	if ectx.EnqueuedAt.IsZero() {
		ectx.EnqueuedAt = now
	}
	entry := &domain.Entry{
		ID:        q.newEntryID(),
		Record:    record,
		Error:     errMessage(cause),
		ErrorCode: domain.ErrorCode(cause),
		Context:   ectx,
		Status:    domain.EntryStatusPending,
	}

	q.entries = append(q.entries, entry)
	q.index[entry.ID] = entry
	q.totalEnqueued++
	metrics.DLQEnqueued.Inc()
	metrics.DLQSize.Set(float64(len(q.entries)))

	if err := q.store.Save(ctx, entry); err != nil {
		q.logger.Error("failed to persist dlq entry", "id", entry.ID, "error", err)
	}
	q.mu.Unlock()

	if q.bus != nil {
		if evicted != nil {
			q.bus.Emit(events.QueueFull, Stats{Size: sizeAfterEviction})
			q.bus.Emit(events.EntryRemoved, evicted)
		}
		q.bus.Emit(events.EntryEnqueued, entry)
	}
	return entry.ID, nil
}

// Dequeue yields up to limit entries in enqueue order, skipping entries that
// are already processing or still cooling down from a previous attempt.
func (q *Queue) Dequeue(ctx context.Context, opts DequeueOptions) ([]*domain.Entry, error) {
	if opts.Limit <= 0 {
		opts.Limit = 1
	}

	q.mu.Lock()

	now := q.now()
	var selected []*domain.Entry
	for _, entry := range q.entries {
		if len(selected) >= opts.Limit {
			break
		}
		if entry.Status == domain.EntryStatusProcessing {
			continue
		}
		if opts.Filter != nil && !opts.Filter(entry) {
			continue
		}
		if entry.LastAttempt != nil {
			cool := cooldown(len(entry.Attempts))
			if now.Before(entry.LastAttempt.Add(cool)) {
				continue
			}
		}
		selected = append(selected, entry)
	}

	if opts.MarkAsProcessing {
		for _, entry := range selected {
			entry.Status = domain.EntryStatusProcessing
			at := now
			entry.LastAttempt = &at
			if err := q.store.Save(ctx, entry); err != nil {
				q.logger.Error("failed to persist dlq entry", "id", entry.ID, "error", err)
			}
		}
	}
	q.mu.Unlock()

	if q.bus != nil && len(selected) > 0 {
		q.bus.Emit(events.EntriesDequeued, selected)
	}
	return selected, nil
}

// cooldown is the exponential delay between reprocessing attempts, capped at
// one hour.
func cooldown(attempts int) time.Duration {
	d := baseCooldown
	for i := 0; i < attempts; i++ {
		d *= 2
		if d >= maxCooldown {
			return maxCooldown
		}
	}
	return d
}

// MarkResolved finalises an entry and removes it from the queue.
func (q *Queue) MarkResolved(ctx context.Context, id string, result any) error {
	q.mu.Lock()
	entry, err := q.markResolvedLocked(ctx, id, result)
	q.mu.Unlock()

	if err != nil {
		return err
	}
	if q.bus != nil {
		q.bus.Emit(events.EntryResolved, entry)
	}
	return nil
}

func (q *Queue) markResolvedLocked(ctx context.Context, id string, result any) (*domain.Entry, error) {
	entry, ok := q.index[id]
	if !ok {
		return nil, fmt.Errorf("dlq entry not found: %s", id)
	}

	now := q.now()
	entry.Status = domain.EntryStatusResolved
	entry.ResolvedAt = &now
	entry.Result = result

	q.removeLocked(ctx, id)
	q.totalReprocessed++
	metrics.DLQResolved.Inc()
	metrics.DLQSize.Set(float64(len(q.entries)))
	return entry, nil
}

// MarkFailed records a failed reprocessing attempt. With shouldRetry the
// entry returns to pending; otherwise it stays failed until it expires.
func (q *Queue) MarkFailed(ctx context.Context, id string, cause error, shouldRetry bool) error {
	q.mu.Lock()

	entry, ok := q.index[id]
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("dlq entry not found: %s", id)
	}

	now := q.now()
	entry.Attempts = append(entry.Attempts, domain.Attempt{Timestamp: now, Error: errMessage(cause)})
	entry.LastAttempt = &now

	if shouldRetry {
		entry.Status = domain.EntryStatusPending
	} else {
		entry.Status = domain.EntryStatusFailed
		entry.FailedAt = &now
		q.totalFailed++
	}

	if err := q.store.Save(ctx, entry); err != nil {
		q.logger.Error("failed to persist dlq entry", "id", entry.ID, "error", err)
	}
	q.mu.Unlock()

	if q.bus != nil {
		q.bus.Emit(events.EntryFailed, entry)
	}
	return nil
}

// Search filters entries by status, mapping, date range and error pattern.
func (q *Queue) Search(criteria SearchCriteria) ([]*domain.Entry, error) {
	var re *regexp.Regexp
	if criteria.ErrorPattern != "" {
		var err error
		re, err = regexp.Compile(criteria.ErrorPattern)
		if err != nil {
			return nil, fmt.Errorf("invalid error pattern: %w", err)
		}
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	var out []*domain.Entry
	for _, entry := range q.entries {
		if criteria.Limit > 0 && len(out) >= criteria.Limit {
			break
		}
		if criteria.Status != "" && entry.Status != criteria.Status {
			continue
		}
		if criteria.MappingID != "" && entry.Context.MappingID != criteria.MappingID {
			continue
		}
		if !criteria.From.IsZero() && entry.Context.EnqueuedAt.Before(criteria.From) {
			continue
		}
		if !criteria.To.IsZero() && entry.Context.EnqueuedAt.After(criteria.To) {
			continue
		}
		if re != nil && !re.MatchString(entry.Error) && !re.MatchString(entry.ErrorCode) {
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}

// ClearExpired removes entries past the retention period. Safe to call
// concurrently; overlapping calls are collapsed.
func (q *Queue) ClearExpired(ctx context.Context) (int, error) {
	q.mu.Lock()
	if q.clearing {
		q.mu.Unlock()
		return 0, nil
	}
	q.clearing = true
	defer func() {
		q.mu.Lock()
		q.clearing = false
		q.mu.Unlock()
	}()

	now := q.now()
	var expired []*domain.Entry
	kept := q.entries[:0]
	for _, entry := range q.entries {
		if now.Sub(entry.Context.EnqueuedAt) > q.cfg.RetentionPeriod {
			expired = append(expired, entry)
			delete(q.index, entry.ID)
		} else {
			kept = append(kept, entry)
		}
	}
	q.entries = kept
	q.totalExpired += int64(len(expired))
	metrics.DLQSize.Set(float64(len(q.entries)))
	q.mu.Unlock()

	for _, entry := range expired {
		if err := q.store.Delete(ctx, entry.ID); err != nil {
			q.logger.Error("failed to delete expired dlq entry", "id", entry.ID, "error", err)
		}
		metrics.DLQExpired.Inc()
	}

	if q.bus != nil && len(expired) > 0 {
		q.bus.Emit(events.EntriesExpired, expired)
	}
	return len(expired), nil
}

// BulkResolve resolves ids best-effort, partitioning the outcome.
func (q *Queue) BulkResolve(ctx context.Context, ids []string) BulkResult {
	q.mu.Lock()

	result := BulkResult{}
	var resolved []*domain.Entry
	for _, id := range ids {
		entry, err := q.markResolvedLocked(ctx, id, nil)
		if err != nil {
			result.NotFound = append(result.NotFound, id)
		} else {
			result.Resolved = append(result.Resolved, id)
			resolved = append(resolved, entry)
		}
	}
	q.mu.Unlock()

	if q.bus != nil {
		for _, entry := range resolved {
			q.bus.Emit(events.EntryResolved, entry)
		}
	}
	return result
}

// Size returns the number of active entries.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Get returns the entry with the given id.
func (q *Queue) Get(id string) (*domain.Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	entry, ok := q.index[id]
	return entry, ok
}

// Stats summarises the current queue contents and lifetime counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.statsLocked()
}

func (q *Queue) statsLocked() Stats {
	s := Stats{
		Size:             len(q.entries),
		ByStatus:         make(map[domain.EntryStatus]int),
		ByMappingID:      make(map[string]int),
		TotalEnqueued:    q.totalEnqueued,
		TotalReprocessed: q.totalReprocessed,
		TotalExpired:     q.totalExpired,
		TotalFailed:      q.totalFailed,
	}
	for _, entry := range q.entries {
		s.ByStatus[entry.Status]++
		if entry.Context.MappingID != "" {
			s.ByMappingID[entry.Context.MappingID]++
		}
		at := entry.Context.EnqueuedAt
		if s.OldestEnqueuedAt == nil || at.Before(*s.OldestEnqueuedAt) {
			t := at
			s.OldestEnqueuedAt = &t
		}
		if s.NewestEnqueuedAt == nil || at.After(*s.NewestEnqueuedAt) {
			t := at
			s.NewestEnqueuedAt = &t
		}
	}
	return s
}

// Run expires old entries on the flush interval until ctx is done.
func (q *Queue) Run(ctx context.Context) {
	ticker := time.NewTicker(q.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := q.ClearExpired(ctx); err != nil {
				q.logger.Error("failed to clear expired dlq entries", "error", err)
			}
		}
	}
}

// Close releases the storage backend.
func (q *Queue) Close() error {
	return q.store.Close()
}

// removeLocked detaches an entry from the queue and its backing record.
func (q *Queue) removeLocked(ctx context.Context, id string) {
	delete(q.index, id)
	for i, entry := range q.entries {
		if entry.ID == id {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			break
		}
	}
	if err := q.store.Delete(ctx, id); err != nil {
		q.logger.Error("failed to delete dlq entry", "id", id, "error", err)
	}
}

func errMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
