package stages

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/minhvu/mapflow/internal/core/domain"
	"github.com/minhvu/mapflow/internal/pipeline"
)

// EnrichmentRule writes one extra field to the record.
type EnrichmentRule struct {
	// Type is one of timestamp, id, metadata, lookup.
	Type    string         `yaml:"type"`
	Target  string         `yaml:"target"`
	Source  string         `yaml:"source"`
	Options map[string]any `yaml:"options"`
}

// EnrichmentStage adds derived fields after transformation: timestamps,
// generated ids, execution metadata and lookup values.
type EnrichmentStage struct {
	pipeline.BaseStage
	rules []EnrichmentRule
	now   func() time.Time
}

// NewEnrichmentStage builds a postprocess enrichment stage.
func NewEnrichmentStage(name string, rules []EnrichmentRule) *EnrichmentStage {
	return &EnrichmentStage{
		BaseStage: pipeline.NewBaseStage(name, pipeline.Postprocess),
		rules:     rules,
		now:       time.Now,
	}
}

func (s *EnrichmentStage) Validate() error {
	for i, rule := range s.rules {
		if rule.Target == "" {
			return fmt.Errorf("enrichment rule %d has no target", i)
		}
		switch rule.Type {
		case "timestamp", "id", "metadata", "lookup":
		default:
			return fmt.Errorf("enrichment rule %d has unknown type %q", i, rule.Type)
		}
	}
	return nil
}

func (s *EnrichmentStage) Execute(ectx *pipeline.Context, input any) (any, error) {
	record, err := asRecord(input)
	if err != nil {
		return nil, err
	}

	out := record.Clone()
	for _, rule := range s.rules {
		switch rule.Type {
		case "timestamp":
			domain.SetPath(out, rule.Target, s.now().Format(time.RFC3339))
		case "id":
			domain.SetPath(out, rule.Target, uuid.New().String())
		case "metadata":
			key, _ := rule.Options["key"].(string)
			if key == "" {
				key = rule.Source
			}
			if v, ok := ectx.Metadata[key]; ok {
				domain.SetPath(out, rule.Target, v)
			}
		case "lookup":
			table, _ := rule.Options["table"].(map[string]any)
			v, ok := domain.GetPath(out, rule.Source)
			if !ok {
				continue
			}
			if mapped, found := table[fmt.Sprintf("%v", v)]; found {
				domain.SetPath(out, rule.Target, mapped)
			}
		}
	}
	return out, nil
}
