package events

import "sync"

// Event is a well-known event name.
type Event string

// Stable event names emitted by the engine.
const (
	PipelineStart    Event = "pipelineStart"
	StageStart       Event = "stageStart"
	StageComplete    Event = "stageComplete"
	StageError       Event = "stageError"
	PipelineComplete Event = "pipelineComplete"
	PipelineError    Event = "pipelineError"

	Retry          Event = "retry"
	RetrySuccess   Event = "retrySuccess"
	RetryExhausted Event = "retryExhausted"
	Open           Event = "open"
	StateChange    Event = "stateChange"

	EntryEnqueued   Event = "entryEnqueued"
	EntriesDequeued Event = "entriesDequeued"
	EntryResolved   Event = "entryResolved"
	EntryFailed     Event = "entryFailed"
	EntriesExpired  Event = "entriesExpired"
	QueueFull       Event = "queueFull"
	EntryRemoved    Event = "entryRemoved"

	TransactionStarted    Event = "transactionStarted"
	ActionRecorded        Event = "actionRecorded"
	TransactionCommitted  Event = "transactionCommitted"
	TransactionRolledBack Event = "transactionRolledBack"
	SnapshotTaken         Event = "snapshotTaken"
	SnapshotRestored      Event = "snapshotRestored"

	ErrorClassified            Event = "errorClassified"
	ErrorRecovered             Event = "errorRecovered"
	RecoveryFailed             Event = "recoveryFailed"
	RecoveryError              Event = "recoveryError"
	ManualInterventionRequired Event = "manualInterventionRequired"
)

// Handler receives the payload of an emitted event.
type Handler func(payload any)

// Bus is a synchronous in-process publisher. Handlers run on the emitting
// goroutine, so emission order is causal relative to the triggering operation.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Event][]subscription
	nextID   int
}

type subscription struct {
	id int
	fn Handler
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{handlers: make(map[Event][]subscription)}
}

// Subscribe registers a handler and returns an unsubscribe function.
func (b *Bus) Subscribe(ev Event, fn Handler) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.handlers[ev] = append(b.handlers[ev], subscription{id: id, fn: fn})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.handlers[ev]
		for i, s := range subs {
			if s.id == id {
				b.handlers[ev] = append(subs[:i:i], subs[i+1:]...)
				break
			}
		}
	}
}

// Emit calls every handler subscribed to ev, synchronously.
func (b *Bus) Emit(ev Event, payload any) {
	b.mu.RLock()
	subs := b.handlers[ev]
	b.mu.RUnlock()

	for _, s := range subs {
		s.fn(payload)
	}
}
