package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// StageError is one failure or warning recorded against an execution.
type StageError struct {
	Err       error     `json:"-"`
	Message   string    `json:"message"`
	Stage     string    `json:"stage"`
	Timestamp time.Time `json:"timestamp"`
}

// ProgressFunc reports stage progress: current index (0-based), total stage
// count and the stage name about to run.
type ProgressFunc func(current, total int, stage string)

// Context is per-execution scratch state. A Context is not safe for
// concurrent writers; each concurrent execution owns its own.
type Context struct {
	ID        string
	StartTime time.Time
	Metadata  map[string]any
	Progress  ProgressFunc

	ctx context.Context

	mu       sync.Mutex
	state    map[string]any
	errors   []StageError
	warnings []StageError
}

// NewContext creates an execution context bound to a cancellation signal.
func NewContext(ctx context.Context, metadata map[string]any) *Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if metadata == nil {
		metadata = make(map[string]any)
	}
	return &Context{
		ID:        uuid.New().String(),
		StartTime: time.Now(),
		Metadata:  metadata,
		ctx:       ctx,
		state:     make(map[string]any),
	}
}

// Ctx exposes the cancellation signal for stages that block.
func (c *Context) Ctx() context.Context { return c.ctx }

// Aborted reports whether the execution's cancellation signal fired.
func (c *Context) Aborted() bool {
	select {
	case <-c.ctx.Done():
		return true
	default:
		return false
	}
}

// SetState stores a key in the execution's mutable scratch map.
func (c *Context) SetState(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state[key] = value
}

// State reads a key from the scratch map.
func (c *Context) State(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.state[key]
	return v, ok
}

// AddError appends to the execution's error log.
func (c *Context) AddError(stage string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errors = append(c.errors, StageError{Err: err, Message: err.Error(), Stage: stage, Timestamp: time.Now()})
}

// AddWarning appends to the execution's warning log.
func (c *Context) AddWarning(stage, message string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.warnings = append(c.warnings, StageError{Message: message, Stage: stage, Timestamp: time.Now()})
}

// Errors returns a copy of the error log.
func (c *Context) Errors() []StageError {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]StageError, len(c.errors))
	copy(out, c.errors)
	return out
}

// Warnings returns a copy of the warning log.
func (c *Context) Warnings() []StageError {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]StageError, len(c.warnings))
	copy(out, c.warnings)
	return out
}
