package control

import (
	"fmt"

	"github.com/minhvu/mapflow/internal/core/config"
	"github.com/minhvu/mapflow/internal/pipeline"
	"github.com/minhvu/mapflow/internal/pipeline/stages"
)

// buildStages converts stage configs into built-in stage instances.
func buildStages(cfg config.PipelineConfig) ([]pipeline.Stage, error) {
	built := make([]pipeline.Stage, 0, len(cfg.Stages))
	for _, sc := range cfg.Stages {
		stage, err := buildStage(sc, cfg.Strict)
		if err != nil {
			return nil, fmt.Errorf("stage %q: %w", sc.Name, err)
		}
		built = append(built, stage)
	}
	return built, nil
}

func buildStage(sc config.StageConfig, strict bool) (pipeline.Stage, error) {
	switch sc.Kind {
	case "validation":
		schema := make([]stages.SchemaRule, 0, len(sc.Rules))
		for _, r := range sc.Rules {
			schema = append(schema, stages.SchemaRule{
				Field:    r.Field,
				Required: r.Required,
				Type:     r.Type,
				Pattern:  r.Pattern,
				Min:      r.Min,
				Max:      r.Max,
			})
		}
		return stages.NewValidationStage(sc.Name, schema, nil, strict), nil

	case "sanitization":
		rules := make([]stages.SanitizeRule, 0, len(sc.Rules))
		for _, r := range sc.Rules {
			rules = append(rules, stages.SanitizeRule{Type: r.Type, Fields: r.Fields})
		}
		return stages.NewSanitizationStage(sc.Name, rules), nil

	case "field_mapping":
		rules := make([]stages.MappingRule, 0, len(sc.Rules))
		for _, r := range sc.Rules {
			rules = append(rules, stages.MappingRule{
				Type:      r.Type,
				Source:    r.Source,
				Sources:   r.Sources,
				Target:    r.Target,
				Transform: r.Transform,
				Options:   r.Options,
			})
		}
		return stages.NewFieldMappingStage(sc.Name, rules, nil, strict), nil

	case "aggregation":
		aggs := make([]stages.Aggregation, 0, len(sc.Rules))
		for _, r := range sc.Rules {
			aggs = append(aggs, stages.Aggregation{
				Type:        r.Type,
				SourceField: r.Source,
				TargetField: r.Target,
			})
		}
		return stages.NewAggregationStage(sc.Name, sc.GroupBy, aggs), nil

	case "quality_check":
		rules := make([]stages.QualityRule, 0, len(sc.Rules))
		for _, r := range sc.Rules {
			rules = append(rules, stages.QualityRule{
				Type:    r.Type,
				Field:   r.Field,
				Options: r.Options,
			})
		}
		return stages.NewQualityCheckStage(sc.Name, rules, sc.Threshold), nil

	case "enrichment":
		rules := make([]stages.EnrichmentRule, 0, len(sc.Rules))
		for _, r := range sc.Rules {
			rules = append(rules, stages.EnrichmentRule{
				Type:    r.Type,
				Target:  r.Target,
				Source:  r.Source,
				Options: r.Options,
			})
		}
		return stages.NewEnrichmentStage(sc.Name, rules), nil

	default:
		return nil, fmt.Errorf("unknown stage kind %q", sc.Kind)
	}
}
