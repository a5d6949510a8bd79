package pipeline

import (
	"sync"
	"time"

	"github.com/minhvu/mapflow/internal/metrics"
)

// StageType orders stages canonically:
// preprocess ≤ transform ≤ validate ≤ postprocess.
type StageType string

const (
	Preprocess  StageType = "preprocess"
	Transform   StageType = "transform"
	Validate    StageType = "validate"
	Postprocess StageType = "postprocess"
)

func (t StageType) rank() int {
	switch t {
	case Preprocess:
		return 0
	case Transform:
		return 1
	case Validate:
		return 2
	case Postprocess:
		return 3
	default:
		return -1
	}
}

// Valid reports whether t is one of the four canonical types.
func (t StageType) Valid() bool { return t.rank() >= 0 }

// StageMetrics is a snapshot of one stage's counters.
type StageMetrics struct {
	Executions int64         `json:"executions"`
	Errors     int64         `json:"errors"`
	TotalTime  time.Duration `json:"total_time"`
	LastTime   time.Duration `json:"last_time"`
	LastRun    time.Time     `json:"last_run"`
}

// Stage is a named unit of work in a pipeline.
type Stage interface {
	Name() string
	Type() StageType

	// Validate checks the stage configuration before any execution.
	Validate() error

	// Execute transforms input into output. Failures are returned as errors,
	// never panics.
	Execute(ctx *Context, input any) (any, error)

	// Metrics returns a snapshot of the stage counters.
	Metrics() StageMetrics

	// UpdateMetrics records one execution's duration and outcome.
	UpdateMetrics(d time.Duration, success bool)
}

// BaseStage supplies the name/type/metrics bookkeeping shared by all stages.
type BaseStage struct {
	name string
	typ  StageType

	mu sync.Mutex
	m  StageMetrics
}

// NewBaseStage builds the embedded base for a concrete stage.
func NewBaseStage(name string, typ StageType) BaseStage {
	return BaseStage{name: name, typ: typ}
}

func (s *BaseStage) Name() string    { return s.name }
func (s *BaseStage) Type() StageType { return s.typ }

// Metrics returns a snapshot of the stage counters.
func (s *BaseStage) Metrics() StageMetrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.m
}

// UpdateMetrics records one execution.
func (s *BaseStage) UpdateMetrics(d time.Duration, success bool) {
	s.mu.Lock()
	s.m.Executions++
	s.m.TotalTime += d
	s.m.LastTime = d
	s.m.LastRun = time.Now()
	if !success {
		s.m.Errors++
	}
	s.mu.Unlock()

	outcome := "success"
	if !success {
		outcome = "error"
	}
	metrics.StageExecutions.WithLabelValues(s.name, string(s.typ), outcome).Inc()
	metrics.StageDuration.WithLabelValues(s.name, string(s.typ)).Observe(d.Seconds())
}
