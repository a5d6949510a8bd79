package pipeline

import "fmt"

// Pipeline is an ordered, validated list of stages.
type Pipeline struct {
	stages []Stage
}

// NewPipeline validates the stage list: non-empty, unique names, every stage
// validates, and types appear in canonical order.
func NewPipeline(stages ...Stage) (*Pipeline, error) {
	if len(stages) == 0 {
		return nil, fmt.Errorf("pipeline must contain at least one stage")
	}

	seen := make(map[string]bool, len(stages))
	lastRank := -1
	for _, s := range stages {
		if s.Name() == "" {
			return nil, fmt.Errorf("stage name must not be empty")
		}
		if seen[s.Name()] {
			return nil, fmt.Errorf("duplicate stage name: %q", s.Name())
		}
		seen[s.Name()] = true

		if !s.Type().Valid() {
			return nil, fmt.Errorf("stage %q has unknown type %q", s.Name(), s.Type())
		}
		if r := s.Type().rank(); r < lastRank {
			return nil, fmt.Errorf("stage %q of type %s appears after a later stage type", s.Name(), s.Type())
		} else {
			lastRank = r
		}

		if err := s.Validate(); err != nil {
			return nil, fmt.Errorf("stage %q is invalid: %w", s.Name(), err)
		}
	}

	return &Pipeline{stages: stages}, nil
}

// Stages returns the ordered stage list.
func (p *Pipeline) Stages() []Stage { return p.stages }

// Stage looks a stage up by name.
func (p *Pipeline) Stage(name string) (Stage, bool) {
	for _, s := range p.stages {
		if s.Name() == name {
			return s, true
		}
	}
	return nil, false
}
