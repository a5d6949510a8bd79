package rollback

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/minhvu/mapflow/internal/core/domain"
	"github.com/minhvu/mapflow/internal/engine/events"
	"github.com/minhvu/mapflow/internal/metrics"
)

// Config tunes the rollback manager.
type Config struct {
	SnapshotInterval int                     `yaml:"snapshot_interval"`
	ReapAfter        time.Duration           `yaml:"reap_after"`
	ReapInterval     time.Duration           `yaml:"reap_interval"`
	DefaultStrategy  domain.RollbackStrategy `yaml:"default_strategy"`
}

// DefaultConfig provides sensible defaults.
var DefaultConfig = Config{
	SnapshotInterval: 100,
	ReapAfter:        24 * time.Hour,
	ReapInterval:     time.Hour,
	DefaultStrategy:  domain.RollbackSequential,
}

// Options controls a single rollback.
type Options struct {
	// Strategy overrides the transaction's strategy when set.
	Strategy domain.RollbackStrategy

	// SkipErrors keeps going past individual action failures.
	SkipErrors bool

	// FromAction/ToAction select a slice of the action log (inclusive,
	// 0-indexed). Negative values mean "unset".
	FromAction int
	ToAction   int
}

// ActionResult reports the outcome of undoing one action.
type ActionResult struct {
	ActionID string
	Err      error
}

// Result summarises a rollback.
type Result struct {
	TransactionID string
	State         domain.TransactionState
	Results       []ActionResult
	Errors        int
}

// Manager records reversible actions inside transactions and replays them in
// reverse (or compensates) on abort.
type Manager struct {
	mu     sync.Mutex
	cfg    Config
	bus    *events.Bus
	logger *slog.Logger
	now    func() time.Time

	transactions map[string]*domain.Transaction
}

// NewManager creates a rollback manager. bus may be nil.
func NewManager(cfg Config, bus *events.Bus, logger *slog.Logger) *Manager {
	if cfg.SnapshotInterval <= 0 {
		cfg.SnapshotInterval = DefaultConfig.SnapshotInterval
	}
	if cfg.ReapAfter <= 0 {
		cfg.ReapAfter = DefaultConfig.ReapAfter
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = DefaultConfig.ReapInterval
	}
	if cfg.DefaultStrategy == "" {
		cfg.DefaultStrategy = DefaultConfig.DefaultStrategy
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:          cfg,
		bus:          bus,
		logger:       logger,
		now:          time.Now,
		transactions: make(map[string]*domain.Transaction),
	}
}

// Begin opens a transaction. An empty strategy uses the configured default.
func (m *Manager) Begin(strategy domain.RollbackStrategy) *domain.Transaction {
	if strategy == "" {
		strategy = m.cfg.DefaultStrategy
	}
	tx := &domain.Transaction{
		ID:        uuid.New().String(),
		StartTime: m.now(),
		State:     domain.TxActive,
		Strategy:  strategy,
		Metadata:  make(map[string]any),
	}

	m.mu.Lock()
	m.transactions[tx.ID] = tx
	m.mu.Unlock()

	if m.bus != nil {
		m.bus.Emit(events.TransactionStarted, tx)
	}
	return tx
}

// Get returns a transaction by id.
func (m *Manager) Get(txID string) (*domain.Transaction, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.transactions[txID]
	return tx, ok
}

// RecordAction appends an action to an active transaction. A snapshot is
// taken automatically every SnapshotInterval actions.
func (m *Manager) RecordAction(txID string, action *domain.Action) error {
	m.mu.Lock()

	tx, ok := m.transactions[txID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("transaction not found: %s", txID)
	}
	if tx.State != domain.TxActive {
		state := tx.State
		m.mu.Unlock()
		return fmt.Errorf("transaction %s is %s, cannot record actions", txID, state)
	}

	if action.ID == "" {
		action.ID = uuid.New().String()
	}
	if action.Timestamp.IsZero() {
		action.Timestamp = m.now()
	}
	if !action.Reversible() {
		m.logger.Warn("recorded irreversible action", "transaction", txID, "action", action.ID, "type", action.Type)
	}

	tx.Actions = append(tx.Actions, action)

	var snap *domain.Snapshot
	if len(tx.Actions)%m.cfg.SnapshotInterval == 0 {
		snap = &domain.Snapshot{
			ID:          uuid.New().String(),
			Timestamp:   m.now(),
			ActionCount: len(tx.Actions),
		}
		tx.Snapshots = append(tx.Snapshots, snap)
	}
	m.mu.Unlock()

	// Emitted after unlocking so handlers may call back into the manager.
	if m.bus != nil {
		m.bus.Emit(events.ActionRecorded, action)
		if snap != nil {
			m.bus.Emit(events.SnapshotTaken, snap)
		}
	}
	return nil
}

// Commit finalises an active transaction.
func (m *Manager) Commit(txID string) error {
	m.mu.Lock()

	tx, ok := m.transactions[txID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("transaction not found: %s", txID)
	}
	if tx.State != domain.TxActive {
		state := tx.State
		m.mu.Unlock()
		return fmt.Errorf("transaction %s is %s, cannot commit", txID, state)
	}

	tx.State = domain.TxCommitted
	end := m.now()
	tx.EndTime = &end
	m.mu.Unlock()

	if m.bus != nil {
		m.bus.Emit(events.TransactionCommitted, tx)
	}
	return nil
}

// CreateSavepoint records the current action count under a name.
func (m *Manager) CreateSavepoint(txID, name string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.transactions[txID]
	if !ok {
		return "", fmt.Errorf("transaction not found: %s", txID)
	}
	if tx.State != domain.TxActive {
		return "", fmt.Errorf("transaction %s is %s, cannot create savepoint", txID, tx.State)
	}

	if name == "" {
		name = fmt.Sprintf("sp-%d", len(tx.Savepoints)+1)
	}
	tx.Savepoints = append(tx.Savepoints, &domain.Savepoint{
		Name:        name,
		ActionCount: len(tx.Actions),
		CreatedAt:   m.now(),
	})
	return name, nil
}

// RollbackToSavepoint partially rolls back every action recorded after the
// savepoint's position.
func (m *Manager) RollbackToSavepoint(ctx context.Context, txID, name string) (*Result, error) {
	m.mu.Lock()
	tx, ok := m.transactions[txID]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("transaction not found: %s", txID)
	}
	var sp *domain.Savepoint
	for _, s := range tx.Savepoints {
		if s.Name == name {
			sp = s
			break
		}
	}
	m.mu.Unlock()

	if sp == nil {
		return nil, fmt.Errorf("savepoint not found: %s", name)
	}
	return m.Rollback(ctx, txID, Options{FromAction: sp.ActionCount, ToAction: -1})
}

// RestoreSnapshot partially rolls back every action recorded after the
// snapshot was taken.
func (m *Manager) RestoreSnapshot(ctx context.Context, txID, snapID string) (*Result, error) {
	m.mu.Lock()
	tx, ok := m.transactions[txID]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("transaction not found: %s", txID)
	}
	var snap *domain.Snapshot
	for _, s := range tx.Snapshots {
		if s.ID == snapID {
			snap = s
			break
		}
	}
	m.mu.Unlock()

	if snap == nil {
		return nil, fmt.Errorf("snapshot not found: %s", snapID)
	}

	result, err := m.Rollback(ctx, txID, Options{FromAction: snap.ActionCount, ToAction: -1})
	if err == nil && m.bus != nil {
		m.bus.Emit(events.SnapshotRestored, snap)
	}
	return result, err
}

// Rollback undoes a transaction's recorded actions using its strategy.
// Only active transactions can be rolled back.
func (m *Manager) Rollback(ctx context.Context, txID string, opts Options) (*Result, error) {
	m.mu.Lock()
	tx, ok := m.transactions[txID]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("transaction not found: %s", txID)
	}
	if tx.State != domain.TxActive {
		m.mu.Unlock()
		return nil, fmt.Errorf("transaction %s is %s, cannot roll back", txID, tx.State)
	}
	tx.State = domain.TxRollingBack

	selected := selectActions(tx.Actions, opts)
	strategy := tx.Strategy
	if opts.Strategy != "" {
		strategy = opts.Strategy
	}
	m.mu.Unlock()

	ordered := sortForRollback(selected)

	var results []ActionResult
	var aborted bool
	switch strategy {
	case domain.RollbackParallel:
		results, aborted = m.rollbackParallel(ctx, ordered, opts.SkipErrors)
	case domain.RollbackCompensating:
		results, aborted = m.rollbackCompensating(ctx, selected, opts.SkipErrors)
	default:
		results, aborted = m.rollbackSequential(ctx, ordered, opts.SkipErrors)
	}

	errCount := 0
	for _, r := range results {
		if r.Err != nil {
			errCount++
		}
	}

	state := domain.TxRolledBack
	switch {
	case aborted:
		state = domain.TxRollbackFailed
	case errCount > 0:
		state = domain.TxPartiallyRolledBack
	}

	m.mu.Lock()
	tx.State = state
	end := m.now()
	tx.EndTime = &end
	m.mu.Unlock()

	metrics.RollbacksTotal.WithLabelValues(string(state)).Inc()
	result := &Result{TransactionID: txID, State: state, Results: results, Errors: errCount}
	if m.bus != nil {
		m.bus.Emit(events.TransactionRolledBack, result)
	}
	return result, nil
}

// selectActions picks all actions or the inclusive [from, to] slice.
func selectActions(actions []*domain.Action, opts Options) []*domain.Action {
	from, to := opts.FromAction, opts.ToAction
	if from < 0 {
		from = 0
	}
	if to < 0 || to >= len(actions) {
		to = len(actions) - 1
	}
	if from > to {
		return nil
	}
	out := make([]*domain.Action, to-from+1)
	copy(out, actions[from:to+1])
	return out
}

// sortForRollback orders actions by priority descending, stable over record
// order. Dependency constraints are applied at execution time.
func sortForRollback(actions []*domain.Action) []*domain.Action {
	out := make([]*domain.Action, len(actions))
	copy(out, actions)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Priority > out[j].Priority
	})
	return out
}

// undo executes one action's rollback. The rollback function receives the
// recorded rollback data; a compensating action receives the forward data.
func (m *Manager) undo(ctx context.Context, a *domain.Action) error {
	switch {
	case a.RollbackFunc != nil:
		data := a.RollbackData
		if data == nil {
			data = a.Data
		}
		return a.RollbackFunc(ctx, data)
	case a.CompensatingAction != nil:
		return a.CompensatingAction(ctx, a.Data)
	default:
		return fmt.Errorf("action %s (%s) has no rollback function or compensating action", a.ID, a.Type)
	}
}

// rollbackSequential undoes actions one at a time in reverse order. An action
// listing dependencies is deferred until those dependencies have been undone.
func (m *Manager) rollbackSequential(ctx context.Context, ordered []*domain.Action, skipErrors bool) ([]ActionResult, bool) {
	execOrder := sequentialOrder(ordered)

	var results []ActionResult
	for _, a := range execOrder {
		err := m.undo(ctx, a)
		results = append(results, ActionResult{ActionID: a.ID, Err: err})
		if err != nil {
			m.logger.Error("rollback action failed", "action", a.ID, "type", a.Type, "error", err)
			if !skipErrors {
				return results, true
			}
		}
	}
	return results, false
}

// sequentialOrder reverses the priority-sorted selection, then defers any
// action whose listed dependencies have not been undone yet.
func sequentialOrder(ordered []*domain.Action) []*domain.Action {
	reversed := make([]*domain.Action, 0, len(ordered))
	for i := len(ordered) - 1; i >= 0; i-- {
		reversed = append(reversed, ordered[i])
	}

	inSelection := make(map[string]bool, len(reversed))
	for _, a := range reversed {
		inSelection[a.ID] = true
	}

	done := make(map[string]bool, len(reversed))
	out := make([]*domain.Action, 0, len(reversed))
	remaining := reversed
	for len(remaining) > 0 {
		progressed := false
		next := remaining[:0]
		for _, a := range remaining {
			ready := true
			for _, dep := range a.Dependencies {
				if inSelection[dep] && !done[dep] {
					ready = false
					break
				}
			}
			if ready {
				out = append(out, a)
				done[a.ID] = true
				progressed = true
			} else {
				next = append(next, a)
			}
		}
		remaining = next
		if !progressed {
			// Dependency cycle: fall back to the remaining order as-is.
			out = append(out, remaining...)
			break
		}
	}
	return out
}

// rollbackParallel groups actions into dependency levels: a level contains
// actions whose dependencies are all in earlier levels. Levels run in order;
// actions within a level run concurrently.
func (m *Manager) rollbackParallel(ctx context.Context, ordered []*domain.Action, skipErrors bool) ([]ActionResult, bool) {
	levels := dependencyLevels(ordered)

	var results []ActionResult
	for _, level := range levels {
		levelResults := make([]ActionResult, len(level))
		var wg sync.WaitGroup
		for i, a := range level {
			wg.Add(1)
			go func(i int, a *domain.Action) {
				defer wg.Done()
				levelResults[i] = ActionResult{ActionID: a.ID, Err: m.undo(ctx, a)}
			}(i, a)
		}
		wg.Wait()

		failed := false
		for _, r := range levelResults {
			if r.Err != nil {
				m.logger.Error("rollback action failed", "action", r.ActionID, "error", r.Err)
				failed = true
			}
		}
		results = append(results, levelResults...)
		if failed && !skipErrors {
			return results, true
		}
	}
	return results, false
}

// dependencyLevels partitions actions so that every action's dependencies sit
// in an earlier level.
func dependencyLevels(actions []*domain.Action) [][]*domain.Action {
	inSelection := make(map[string]bool, len(actions))
	for _, a := range actions {
		inSelection[a.ID] = true
	}

	placed := make(map[string]bool, len(actions))
	var levels [][]*domain.Action
	remaining := actions
	for len(remaining) > 0 {
		var level []*domain.Action
		var next []*domain.Action
		for _, a := range remaining {
			ready := true
			for _, dep := range a.Dependencies {
				if inSelection[dep] && !placed[dep] {
					ready = false
					break
				}
			}
			if ready {
				level = append(level, a)
			} else {
				next = append(next, a)
			}
		}
		if len(level) == 0 {
			// Dependency cycle: dump the rest into one final level.
			levels = append(levels, next)
			break
		}
		for _, a := range level {
			placed[a.ID] = true
		}
		levels = append(levels, level)
		remaining = next
	}
	return levels
}

// rollbackCompensating runs each action's compensating action over its
// forward data, in the original record order.
func (m *Manager) rollbackCompensating(ctx context.Context, selected []*domain.Action, skipErrors bool) ([]ActionResult, bool) {
	var results []ActionResult
	for _, a := range selected {
		var err error
		if a.CompensatingAction != nil {
			err = a.CompensatingAction(ctx, a.Data)
		} else {
			err = fmt.Errorf("action %s (%s) has no compensating action", a.ID, a.Type)
		}
		results = append(results, ActionResult{ActionID: a.ID, Err: err})
		if err != nil {
			m.logger.Error("compensating action failed", "action", a.ID, "type", a.Type, "error", err)
			if !skipErrors {
				return results, true
			}
		}
	}
	return results, false
}

// Reap removes transactions that ended more than ReapAfter ago.
func (m *Manager) Reap() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-m.cfg.ReapAfter)
	removed := 0
	for id, tx := range m.transactions {
		if tx.EndTime != nil && tx.EndTime.Before(cutoff) {
			delete(m.transactions, id)
			removed++
		}
	}
	return removed
}

// Run reaps old transactions on an interval until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.Reap(); n > 0 {
				m.logger.Debug("reaped old transactions", "count", n)
			}
		}
	}
}
