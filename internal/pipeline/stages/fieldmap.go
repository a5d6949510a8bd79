package stages

import (
	"fmt"
	"strings"

	"github.com/minhvu/mapflow/internal/core/domain"
	"github.com/minhvu/mapflow/internal/engine/transform"
	"github.com/minhvu/mapflow/internal/pipeline"
)

// MappingRule moves one (or more) source fields to a target field.
type MappingRule struct {
	// Type is one of direct, transform, concat, split, lookup, formula,
	// conditional.
	Type      string         `yaml:"type"`
	Source    string         `yaml:"source"`
	Sources   []string       `yaml:"sources"`
	Target    string         `yaml:"target"`
	Transform string         `yaml:"transform"`
	Options   map[string]any `yaml:"options"`
}

// FieldMappingStage builds a target record by applying mapping rules in
// order. In non-strict mode missing sources map to nothing and unknown
// transform types fall through to identity.
type FieldMappingStage struct {
	pipeline.BaseStage
	rules    []MappingRule
	registry *transform.Registry
	strict   bool
}

// NewFieldMappingStage builds a transform stage over the given registry.
// A nil registry uses the built-in transforms.
func NewFieldMappingStage(name string, rules []MappingRule, registry *transform.Registry, strict bool) *FieldMappingStage {
	if registry == nil {
		registry = transform.NewRegistry()
	}
	return &FieldMappingStage{
		BaseStage: pipeline.NewBaseStage(name, pipeline.Transform),
		rules:     rules,
		registry:  registry,
		strict:    strict,
	}
}

func (s *FieldMappingStage) Validate() error {
	for i, rule := range s.rules {
		if rule.Target == "" {
			return fmt.Errorf("mapping rule %d has no target", i)
		}
		switch rule.Type {
		case "direct", "transform", "concat", "split", "lookup", "formula", "conditional":
		default:
			return fmt.Errorf("mapping rule %d has unknown type %q", i, rule.Type)
		}
	}
	return nil
}

func (s *FieldMappingStage) Execute(_ *pipeline.Context, input any) (any, error) {
	record, err := asRecord(input)
	if err != nil {
		return nil, err
	}

	out := domain.Record{}
	for _, rule := range s.rules {
		if err := s.apply(rule, record, out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *FieldMappingStage) apply(rule MappingRule, in, out domain.Record) error {
	switch rule.Type {
	case "direct":
		value, ok := s.source(rule, in)
		if !ok {
			return s.missing(rule)
		}
		domain.SetPath(out, rule.Target, value)

	case "transform":
		value, ok := s.source(rule, in)
		if !ok {
			return s.missing(rule)
		}
		transformed, err := s.registry.Apply(rule.Transform, value, rule.Options)
		if err != nil {
			if s.strict {
				return fmt.Errorf("transform failed on %s: %w", rule.Target, err)
			}
			transformed = value // identity fall-through
		}
		domain.SetPath(out, rule.Target, transformed)

	case "concat":
		sep, _ := rule.Options["separator"].(string)
		parts := make([]string, 0, len(rule.Sources))
		for _, src := range rule.Sources {
			v, ok := domain.GetPath(in, src)
			if !ok {
				if s.strict {
					return fmt.Errorf("required field missing: %s", src)
				}
				continue
			}
			parts = append(parts, fmt.Sprintf("%v", v))
		}
		domain.SetPath(out, rule.Target, strings.Join(parts, sep))

	case "split":
		value, ok := s.source(rule, in)
		if !ok {
			return s.missing(rule)
		}
		sep, _ := rule.Options["separator"].(string)
		if sep == "" {
			sep = ","
		}
		pieces := strings.Split(fmt.Sprintf("%v", value), sep)
		if idx, hasIdx := rule.Options["index"]; hasIdx {
			i, isInt := toIndex(idx)
			if !isInt || i < 0 || i >= len(pieces) {
				if s.strict {
					return fmt.Errorf("invalid value: split index %v out of range on %s", idx, rule.Target)
				}
				return nil
			}
			domain.SetPath(out, rule.Target, pieces[i])
			return nil
		}
		arr := make([]any, len(pieces))
		for i, p := range pieces {
			arr[i] = p
		}
		domain.SetPath(out, rule.Target, arr)

	case "lookup":
		value, ok := s.source(rule, in)
		if !ok {
			return s.missing(rule)
		}
		table, _ := rule.Options["table"].(map[string]any)
		key := fmt.Sprintf("%v", value)
		if mapped, found := table[key]; found {
			domain.SetPath(out, rule.Target, mapped)
		} else if def, hasDefault := rule.Options["default"]; hasDefault {
			domain.SetPath(out, rule.Target, def)
		} else if s.strict {
			return fmt.Errorf("invalid value: lookup key %q not found for %s", key, rule.Target)
		}

	case "formula":
		operator, _ := rule.Options["operator"].(string)
		result, err := s.formula(operator, rule.Sources, in)
		if err != nil {
			if s.strict {
				return err
			}
			return nil
		}
		domain.SetPath(out, rule.Target, result)

	case "conditional":
		field, _ := rule.Options["field"].(string)
		if field == "" {
			field = rule.Source
		}
		value, _ := domain.GetPath(in, field)
		matched := fmt.Sprintf("%v", value) == fmt.Sprintf("%v", rule.Options["equals"])
		if matched {
			if then, ok := rule.Options["then"]; ok {
				domain.SetPath(out, rule.Target, then)
			}
		} else if otherwise, ok := rule.Options["else"]; ok {
			domain.SetPath(out, rule.Target, otherwise)
		}
	}
	return nil
}

// source resolves the rule's single source field.
func (s *FieldMappingStage) source(rule MappingRule, in domain.Record) (any, bool) {
	return domain.GetPath(in, rule.Source)
}

func (s *FieldMappingStage) missing(rule MappingRule) error {
	if s.strict {
		return fmt.Errorf("required field missing: %s", rule.Source)
	}
	return nil
}

// formula evaluates an arithmetic combination of source fields.
func (s *FieldMappingStage) formula(operator string, sources []string, in domain.Record) (float64, error) {
	if len(sources) == 0 {
		return 0, fmt.Errorf("invalid expression: formula has no operands")
	}

	values := make([]float64, 0, len(sources))
	for _, src := range sources {
		raw, ok := domain.GetPath(in, src)
		if !ok {
			return 0, fmt.Errorf("required field missing: %s", src)
		}
		n, isNum := numeric(raw)
		if !isNum {
			return 0, fmt.Errorf("type mismatch: formula operand %s is not numeric", src)
		}
		values = append(values, n)
	}

	result := values[0]
	for _, v := range values[1:] {
		switch operator {
		case "", "+", "sum":
			result += v
		case "-":
			result -= v
		case "*":
			result *= v
		case "/":
			if v == 0 {
				return 0, fmt.Errorf("invalid expression: division by zero")
			}
			result /= v
		default:
			return 0, fmt.Errorf("invalid expression: unknown operator %q", operator)
		}
	}
	return result, nil
}

func toIndex(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}
