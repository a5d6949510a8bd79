package rollback

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

// undoRecorder captures the order actions are undone in, safe for parallel
// strategies.
type undoRecorder struct {
	mu    sync.Mutex
	order []string
}

func (r *undoRecorder) fn(id string) domain.RollbackFunc {
	return func(ctx context.Context, data any) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.order = append(r.order, id)
		return nil
	}
}

func (r *undoRecorder) got() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

func record(t *testing.T, m *Manager, txID string, a *domain.Action) {
	t.Helper()
	if err := m.RecordAction(txID, a); err != nil {
		t.Fatalf("RecordAction failed: %v", err)
	}
}

// =============================================================================
// Lifecycle Tests
// =============================================================================

func TestManager_BeginRecordCommit(t *testing.T) {
	m := NewManager(DefaultConfig, nil, nil)

	tx := m.Begin("")
	if tx.State != domain.TxActive {
		t.Fatalf("expected active, got %s", tx.State)
	}
	if tx.Strategy != domain.RollbackSequential {
		t.Errorf("expected default strategy sequential, got %s", tx.Strategy)
	}

	rec := &undoRecorder{}
	record(t, m, tx.ID, &domain.Action{Type: "insert", RollbackFunc: rec.fn("a1")})
	record(t, m, tx.ID, &domain.Action{Type: "update", RollbackFunc: rec.fn("a2")})

	if len(tx.Actions) != 2 {
		t.Fatalf("expected 2 actions, got %d", len(tx.Actions))
	}
	if tx.Actions[0].ID == "" || tx.Actions[0].Timestamp.IsZero() {
		t.Error("expected generated id and timestamp")
	}

	if err := m.Commit(tx.ID); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if tx.State != domain.TxCommitted {
		t.Errorf("expected committed, got %s", tx.State)
	}
	if tx.EndTime == nil {
		t.Error("expected end time")
	}

	// Committed transactions accept no further actions or rollbacks.
	if err := m.RecordAction(tx.ID, &domain.Action{Type: "late"}); err == nil {
		t.Error("expected error recording into committed transaction")
	}
	if _, err := m.Rollback(context.Background(), tx.ID, Options{ToAction: -1}); err == nil {
		t.Error("expected error rolling back committed transaction")
	}
}

func TestManager_UnknownTransaction(t *testing.T) {
	m := NewManager(DefaultConfig, nil, nil)

	if err := m.RecordAction("nope", &domain.Action{}); err == nil {
		t.Error("expected error for unknown transaction")
	}
	if err := m.Commit("nope"); err == nil {
		t.Error("expected error for unknown transaction")
	}
	if _, err := m.Rollback(context.Background(), "nope", Options{ToAction: -1}); err == nil {
		t.Error("expected error for unknown transaction")
	}
}

// =============================================================================
// Sequential Rollback Tests
// =============================================================================

func TestRollback_SequentialReverseOrder(t *testing.T) {
	m := NewManager(DefaultConfig, nil, nil)
	tx := m.Begin(domain.RollbackSequential)

	rec := &undoRecorder{}
	for _, id := range []string{"a1", "a2", "a3"} {
		record(t, m, tx.ID, &domain.Action{ID: id, Type: "insert", RollbackFunc: rec.fn(id)})
	}

	result, err := m.Rollback(context.Background(), tx.ID, Options{ToAction: -1})
	if err != nil {
		t.Fatalf("Rollback failed: %v", err)
	}
	if result.State != domain.TxRolledBack {
		t.Fatalf("expected rolled_back, got %s", result.State)
	}

	want := []string{"a3", "a2", "a1"}
	got := rec.got()
	for i, id := range want {
		if got[i] != id {
			t.Fatalf("expected order %v, got %v", want, got)
		}
	}
}

func TestRollback_PriorityBeforeRecordOrder(t *testing.T) {
	m := NewManager(DefaultConfig, nil, nil)
	tx := m.Begin(domain.RollbackSequential)

	rec := &undoRecorder{}
	record(t, m, tx.ID, &domain.Action{ID: "low", Priority: 1, RollbackFunc: rec.fn("low")})
	record(t, m, tx.ID, &domain.Action{ID: "high", Priority: 10, RollbackFunc: rec.fn("high")})
	record(t, m, tx.ID, &domain.Action{ID: "mid", Priority: 5, RollbackFunc: rec.fn("mid")})

	if _, err := m.Rollback(context.Background(), tx.ID, Options{ToAction: -1}); err != nil {
		t.Fatalf("Rollback failed: %v", err)
	}

	// Sorted by priority desc: high, mid, low; executed reversed.
	want := []string{"low", "mid", "high"}
	got := rec.got()
	for i, id := range want {
		if got[i] != id {
			t.Fatalf("expected order %v, got %v", want, got)
		}
	}
}

func TestRollback_SequentialDefersDependents(t *testing.T) {
	m := NewManager(DefaultConfig, nil, nil)
	tx := m.Begin(domain.RollbackSequential)

	rec := &undoRecorder{}
	// a2 depends on a1 and a3: both must be undone before a2.
	record(t, m, tx.ID, &domain.Action{ID: "a1", RollbackFunc: rec.fn("a1")})
	record(t, m, tx.ID, &domain.Action{ID: "a2", Dependencies: []string{"a1", "a3"}, RollbackFunc: rec.fn("a2")})
	record(t, m, tx.ID, &domain.Action{ID: "a3", RollbackFunc: rec.fn("a3")})

	if _, err := m.Rollback(context.Background(), tx.ID, Options{ToAction: -1}); err != nil {
		t.Fatalf("Rollback failed: %v", err)
	}

	got := rec.got()
	pos := make(map[string]int, len(got))
	for i, id := range got {
		pos[id] = i
	}
	if pos["a2"] < pos["a1"] || pos["a2"] < pos["a3"] {
		t.Errorf("a2 must be undone after its dependencies, got %v", got)
	}
}

func TestRollback_StopsOnErrorWithoutSkip(t *testing.T) {
	m := NewManager(DefaultConfig, nil, nil)
	tx := m.Begin(domain.RollbackSequential)

	rec := &undoRecorder{}
	record(t, m, tx.ID, &domain.Action{ID: "a1", RollbackFunc: rec.fn("a1")})
	record(t, m, tx.ID, &domain.Action{ID: "a2", RollbackFunc: func(ctx context.Context, data any) error {
		return errors.New("undo failed")
	}})
	record(t, m, tx.ID, &domain.Action{ID: "a3", RollbackFunc: rec.fn("a3")})

	result, err := m.Rollback(context.Background(), tx.ID, Options{ToAction: -1})
	if err != nil {
		t.Fatalf("Rollback failed: %v", err)
	}
	if result.State != domain.TxRollbackFailed {
		t.Fatalf("expected rollback_failed, got %s", result.State)
	}

	// a3 undone first, then a2 fails, a1 never runs.
	got := rec.got()
	if len(got) != 1 || got[0] != "a3" {
		t.Errorf("expected only a3 undone, got %v", got)
	}
}

func TestRollback_SkipErrorsYieldsPartial(t *testing.T) {
	m := NewManager(DefaultConfig, nil, nil)
	tx := m.Begin(domain.RollbackSequential)

	rec := &undoRecorder{}
	record(t, m, tx.ID, &domain.Action{ID: "a1", RollbackFunc: rec.fn("a1")})
	record(t, m, tx.ID, &domain.Action{ID: "a2", RollbackFunc: func(ctx context.Context, data any) error {
		return errors.New("undo failed")
	}})
	record(t, m, tx.ID, &domain.Action{ID: "a3", RollbackFunc: rec.fn("a3")})

	result, err := m.Rollback(context.Background(), tx.ID, Options{SkipErrors: true, ToAction: -1})
	if err != nil {
		t.Fatalf("Rollback failed: %v", err)
	}
	if result.State != domain.TxPartiallyRolledBack {
		t.Fatalf("expected partially_rolled_back, got %s", result.State)
	}
	if result.Errors != 1 {
		t.Errorf("expected 1 error, got %d", result.Errors)
	}
	if len(result.Results) != 3 {
		t.Errorf("expected all 3 actions attempted, got %d", len(result.Results))
	}
}

func TestRollback_IrreversibleActionFails(t *testing.T) {
	m := NewManager(DefaultConfig, nil, nil)
	tx := m.Begin(domain.RollbackSequential)

	record(t, m, tx.ID, &domain.Action{ID: "a1", Type: "external_call"})

	result, err := m.Rollback(context.Background(), tx.ID, Options{ToAction: -1})
	if err != nil {
		t.Fatalf("Rollback failed: %v", err)
	}
	if result.State != domain.TxRollbackFailed {
		t.Errorf("expected rollback_failed for irreversible action, got %s", result.State)
	}
}

func TestRollback_UsesRollbackDataOverData(t *testing.T) {
	m := NewManager(DefaultConfig, nil, nil)
	tx := m.Begin(domain.RollbackSequential)

	var seen any
	record(t, m, tx.ID, &domain.Action{
		ID:           "a1",
		Data:         "forward",
		RollbackData: "undo",
		RollbackFunc: func(ctx context.Context, data any) error {
			seen = data
			return nil
		},
	})

	if _, err := m.Rollback(context.Background(), tx.ID, Options{ToAction: -1}); err != nil {
		t.Fatalf("Rollback failed: %v", err)
	}
	if seen != "undo" {
		t.Errorf("expected rollback data, got %v", seen)
	}
}

// =============================================================================
// Parallel Rollback Tests
// =============================================================================

func TestRollback_ParallelDependencyLevels(t *testing.T) {
	m := NewManager(DefaultConfig, nil, nil)
	tx := m.Begin(domain.RollbackParallel)

	rec := &undoRecorder{}
	record(t, m, tx.ID, &domain.Action{ID: "a1", RollbackFunc: rec.fn("a1")})
	record(t, m, tx.ID, &domain.Action{ID: "a2", Dependencies: []string{"a1", "a3"}, RollbackFunc: rec.fn("a2")})
	record(t, m, tx.ID, &domain.Action{ID: "a3", RollbackFunc: rec.fn("a3")})

	result, err := m.Rollback(context.Background(), tx.ID, Options{ToAction: -1})
	if err != nil {
		t.Fatalf("Rollback failed: %v", err)
	}
	if result.State != domain.TxRolledBack {
		t.Fatalf("expected rolled_back, got %s", result.State)
	}

	// Level 1 is {a1, a3} in some order, level 2 is {a2}.
	got := rec.got()
	if len(got) != 3 {
		t.Fatalf("expected 3 undos, got %v", got)
	}
	if got[2] != "a2" {
		t.Errorf("a2 must run after its dependencies, got %v", got)
	}
}

// =============================================================================
// Compensating Rollback Tests
// =============================================================================

func TestRollback_CompensatingRunsForwardOrder(t *testing.T) {
	m := NewManager(DefaultConfig, nil, nil)
	tx := m.Begin(domain.RollbackCompensating)

	rec := &undoRecorder{}
	for _, id := range []string{"a1", "a2", "a3"} {
		record(t, m, tx.ID, &domain.Action{ID: id, CompensatingAction: rec.fn(id)})
	}

	result, err := m.Rollback(context.Background(), tx.ID, Options{ToAction: -1})
	if err != nil {
		t.Fatalf("Rollback failed: %v", err)
	}
	if result.State != domain.TxRolledBack {
		t.Fatalf("expected rolled_back, got %s", result.State)
	}

	want := []string{"a1", "a2", "a3"}
	got := rec.got()
	for i, id := range want {
		if got[i] != id {
			t.Fatalf("expected forward order %v, got %v", want, got)
		}
	}
}

// =============================================================================
// Savepoint / Snapshot Tests
// =============================================================================

func TestRollbackToSavepoint(t *testing.T) {
	m := NewManager(DefaultConfig, nil, nil)
	tx := m.Begin(domain.RollbackSequential)

	rec := &undoRecorder{}
	record(t, m, tx.ID, &domain.Action{ID: "before", RollbackFunc: rec.fn("before")})

	name, err := m.CreateSavepoint(tx.ID, "checkpoint")
	if err != nil {
		t.Fatalf("CreateSavepoint failed: %v", err)
	}
	if name != "checkpoint" {
		t.Errorf("expected checkpoint, got %s", name)
	}

	record(t, m, tx.ID, &domain.Action{ID: "after1", RollbackFunc: rec.fn("after1")})
	record(t, m, tx.ID, &domain.Action{ID: "after2", RollbackFunc: rec.fn("after2")})

	result, err := m.RollbackToSavepoint(context.Background(), tx.ID, "checkpoint")
	if err != nil {
		t.Fatalf("RollbackToSavepoint failed: %v", err)
	}
	if result.State != domain.TxRolledBack {
		t.Fatalf("expected rolled_back, got %s", result.State)
	}

	want := []string{"after2", "after1"}
	got := rec.got()
	if len(got) != 2 {
		t.Fatalf("expected only post-savepoint actions undone, got %v", got)
	}
	for i, id := range want {
		if got[i] != id {
			t.Fatalf("expected order %v, got %v", want, got)
		}
	}
}

func TestRollbackToSavepoint_UnknownName(t *testing.T) {
	m := NewManager(DefaultConfig, nil, nil)
	tx := m.Begin("")

	if _, err := m.RollbackToSavepoint(context.Background(), tx.ID, "ghost"); err == nil {
		t.Error("expected error for unknown savepoint")
	}
}

func TestRecordAction_AutoSnapshot(t *testing.T) {
	m := NewManager(Config{SnapshotInterval: 2}, nil, nil)
	tx := m.Begin("")

	for i := 0; i < 5; i++ {
		record(t, m, tx.ID, &domain.Action{Type: "insert", RollbackFunc: func(ctx context.Context, data any) error { return nil }})
	}

	if len(tx.Snapshots) != 2 {
		t.Fatalf("expected 2 snapshots at interval 2, got %d", len(tx.Snapshots))
	}
	if tx.Snapshots[0].ActionCount != 2 || tx.Snapshots[1].ActionCount != 4 {
		t.Errorf("unexpected snapshot positions: %d, %d", tx.Snapshots[0].ActionCount, tx.Snapshots[1].ActionCount)
	}
}

func TestRestoreSnapshot(t *testing.T) {
	m := NewManager(Config{SnapshotInterval: 2}, nil, nil)
	tx := m.Begin(domain.RollbackSequential)

	rec := &undoRecorder{}
	record(t, m, tx.ID, &domain.Action{ID: "a1", RollbackFunc: rec.fn("a1")})
	record(t, m, tx.ID, &domain.Action{ID: "a2", RollbackFunc: rec.fn("a2")})
	record(t, m, tx.ID, &domain.Action{ID: "a3", RollbackFunc: rec.fn("a3")})

	if len(tx.Snapshots) != 1 {
		t.Fatalf("expected 1 snapshot, got %d", len(tx.Snapshots))
	}

	result, err := m.RestoreSnapshot(context.Background(), tx.ID, tx.Snapshots[0].ID)
	if err != nil {
		t.Fatalf("RestoreSnapshot failed: %v", err)
	}
	if result.State != domain.TxRolledBack {
		t.Fatalf("expected rolled_back, got %s", result.State)
	}

	got := rec.got()
	if len(got) != 1 || got[0] != "a3" {
		t.Errorf("expected only a3 undone, got %v", got)
	}
}

// =============================================================================
// Event / Reap Tests
// =============================================================================

func TestRollback_EmitsEvents(t *testing.T) {
	bus := events.NewBus()
	var started, recorded, rolledBack int
	bus.Subscribe(events.TransactionStarted, func(payload any) { started++ })
	bus.Subscribe(events.ActionRecorded, func(payload any) { recorded++ })
	bus.Subscribe(events.TransactionRolledBack, func(payload any) { rolledBack++ })

	m := NewManager(DefaultConfig, bus, nil)
	tx := m.Begin("")
	record(t, m, tx.ID, &domain.Action{RollbackFunc: func(ctx context.Context, data any) error { return nil }})
	if _, err := m.Rollback(context.Background(), tx.ID, Options{ToAction: -1}); err != nil {
		t.Fatalf("Rollback failed: %v", err)
	}

	if started != 1 || recorded != 1 || rolledBack != 1 {
		t.Errorf("unexpected event counts: started=%d recorded=%d rolledBack=%d", started, recorded, rolledBack)
	}
}

func TestReap_RemovesOldFinishedTransactions(t *testing.T) {
	m := NewManager(Config{ReapAfter: time.Hour}, nil, nil)

	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	old := m.Begin("")
	if err := m.Commit(old.ID); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	now = now.Add(2 * time.Hour)
	fresh := m.Begin("")

	if n := m.Reap(); n != 1 {
		t.Fatalf("expected 1 reaped, got %d", n)
	}
	if _, ok := m.Get(old.ID); ok {
		t.Error("old transaction should be reaped")
	}
	if _, ok := m.Get(fresh.ID); !ok {
		t.Error("active transaction must survive reaping")
	}
}
