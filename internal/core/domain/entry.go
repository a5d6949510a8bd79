package domain

import "time"

// EntryStatus is the lifecycle state of a dead-letter entry.
// Transitions: pending → processing → (resolved | pending | failed).
type EntryStatus string

const (
	EntryStatusPending    EntryStatus = "pending"
	EntryStatusProcessing EntryStatus = "processing"
	EntryStatusResolved   EntryStatus = "resolved"
	EntryStatusFailed     EntryStatus = "failed"
)

// Attempt records one reprocessing try of a dead-letter entry.
type Attempt struct {
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error"`
}

// EntryContext carries the execution context a record failed in.
type EntryContext struct {
	EnqueuedAt     time.Time       `json:"enqueued_at"`
	RetryCount     int             `json:"retry_count"`
	MappingID      string          `json:"mapping_id,omitempty"`
	ExecutionID    string          `json:"execution_id,omitempty"`
	Classification *Classification `json:"classification,omitempty"`
	ManualReview   bool            `json:"manual_review,omitempty"`
}

// Entry is a failed record parked in the dead-letter queue.
// An entry is uniquely addressable by ID.
type Entry struct {
	ID          string       `json:"id"`
	Record      any          `json:"record"`
	Error       string       `json:"error"`
	ErrorCode   string       `json:"error_code,omitempty"`
	Context     EntryContext `json:"context"`
	Status      EntryStatus  `json:"status"`
	Attempts    []Attempt    `json:"attempts,omitempty"`
	LastAttempt *time.Time   `json:"last_attempt,omitempty"`
	ResolvedAt  *time.Time   `json:"resolved_at,omitempty"`
	FailedAt    *time.Time   `json:"failed_at,omitempty"`
	Result      any          `json:"result,omitempty"`
}
