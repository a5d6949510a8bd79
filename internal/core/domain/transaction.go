package domain

import (
	"context"
	"time"
)

// TransactionState is the lifecycle state of a transaction.
type TransactionState string

const (
	TxActive              TransactionState = "active"
	TxCommitted           TransactionState = "committed"
	TxRollingBack         TransactionState = "rolling_back"
	TxRolledBack          TransactionState = "rolled_back"
	TxPartiallyRolledBack TransactionState = "partially_rolled_back"
	TxRollbackFailed      TransactionState = "rollback_failed"
)

// RollbackStrategy selects how recorded actions are undone.
type RollbackStrategy string

const (
	RollbackSequential   RollbackStrategy = "sequential"
	RollbackParallel     RollbackStrategy = "parallel"
	RollbackCompensating RollbackStrategy = "compensating"
)

// RollbackFunc undoes a forward action given its recorded data.
type RollbackFunc func(ctx context.Context, data any) error

// Action is one reversible side effect recorded inside a transaction.
// At least one of RollbackFunc / CompensatingAction must be present for the
// action to be reversible; otherwise rollback fails loudly.
type Action struct {
	ID                 string       `json:"id"`
	Type               string       `json:"type"`
	Timestamp          time.Time    `json:"timestamp"`
	Description        string       `json:"description,omitempty"`
	Data               any          `json:"data,omitempty"`
	RollbackFunc       RollbackFunc `json:"-"`
	RollbackData       any          `json:"rollback_data,omitempty"`
	CompensatingAction RollbackFunc `json:"-"`
	Priority           int          `json:"priority"`
	Dependencies       []string     `json:"dependencies,omitempty"`
}

// Reversible reports whether the action can be undone at all.
func (a *Action) Reversible() bool {
	return a.RollbackFunc != nil || a.CompensatingAction != nil
}

// Snapshot is a checkpoint bound to a transaction. Restoring it rolls back
// every action recorded after ActionCount.
type Snapshot struct {
	ID          string    `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	ActionCount int       `json:"action_count"`
	Data        any       `json:"data,omitempty"`
	Compressed  bool      `json:"compressed"`
}

// Savepoint is a named marker enabling partial rollback to its position.
type Savepoint struct {
	Name        string    `json:"name"`
	ActionCount int       `json:"action_count"`
	CreatedAt   time.Time `json:"created_at"`
}

// Transaction groups reversible actions with a single commit or rollback outcome.
type Transaction struct {
	ID         string           `json:"id"`
	StartTime  time.Time        `json:"start_time"`
	EndTime    *time.Time       `json:"end_time,omitempty"`
	State      TransactionState `json:"state"`
	Actions    []*Action        `json:"actions"`
	Snapshots  []*Snapshot      `json:"snapshots,omitempty"`
	Savepoints []*Savepoint     `json:"savepoints,omitempty"`
	Strategy   RollbackStrategy `json:"rollback_strategy"`
	Metadata   map[string]any   `json:"metadata,omitempty"`
}
