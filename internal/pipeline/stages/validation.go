package stages

import (
	"fmt"
	"regexp"

	"github.com/minhvu/mapflow/internal/core/domain"
	"github.com/minhvu/mapflow/internal/pipeline"
)

// SchemaRule constrains a single field.
type SchemaRule struct {
	Field    string   `yaml:"field"`
	Required bool     `yaml:"required"`
	Type     string   `yaml:"type"` // string, number, boolean, object, array
	Pattern  string   `yaml:"pattern"`
	Min      *float64 `yaml:"min"`
	Max      *float64 `yaml:"max"`

	compiled *regexp.Regexp
}

// BusinessRule is an arbitrary record-level check.
type BusinessRule struct {
	Name  string
	Check func(record domain.Record) (ok bool, message string)
}

// ValidationStage runs schema and business rules against each record.
// Schema errors always fail the stage; business rule failures fail only in
// strict mode and are recorded as warnings otherwise.
type ValidationStage struct {
	pipeline.BaseStage
	schema   []SchemaRule
	business []BusinessRule
	strict   bool
}

// NewValidationStage builds a preprocess validation stage.
func NewValidationStage(name string, schema []SchemaRule, business []BusinessRule, strict bool) *ValidationStage {
	return &ValidationStage{
		BaseStage: pipeline.NewBaseStage(name, pipeline.Preprocess),
		schema:    schema,
		business:  business,
		strict:    strict,
	}
}

// Validate compiles patterns and rejects unknown type names.
func (s *ValidationStage) Validate() error {
	for i := range s.schema {
		rule := &s.schema[i]
		if rule.Field == "" {
			return fmt.Errorf("schema rule %d has no field", i)
		}
		switch rule.Type {
		case "", "string", "number", "boolean", "object", "array":
		default:
			return fmt.Errorf("schema rule for %q has unknown type %q", rule.Field, rule.Type)
		}
		if rule.Pattern != "" {
			re, err := regexp.Compile(rule.Pattern)
			if err != nil {
				return fmt.Errorf("schema rule for %q has invalid pattern: %w", rule.Field, err)
			}
			rule.compiled = re
		}
	}
	return nil
}

func (s *ValidationStage) Execute(ectx *pipeline.Context, input any) (any, error) {
	record, err := asRecord(input)
	if err != nil {
		return nil, err
	}

	var errs []string
	for _, rule := range s.schema {
		value, present := domain.GetPath(record, rule.Field)
		if !present || value == nil {
			if rule.Required {
				errs = append(errs, fmt.Sprintf("required field missing: %s", rule.Field))
			}
			continue
		}
		if rule.Type != "" && !typeMatches(value, rule.Type) {
			errs = append(errs, fmt.Sprintf("type mismatch on %s: expected %s, got %T", rule.Field, rule.Type, value))
			continue
		}
		if rule.compiled != nil {
			str, ok := value.(string)
			if !ok || !rule.compiled.MatchString(str) {
				errs = append(errs, fmt.Sprintf("invalid format on %s: value does not match pattern", rule.Field))
			}
		}
		if rule.Min != nil || rule.Max != nil {
			if n, ok := numeric(value); ok {
				if rule.Min != nil && n < *rule.Min {
					errs = append(errs, fmt.Sprintf("invalid value on %s: below minimum %v", rule.Field, *rule.Min))
				}
				if rule.Max != nil && n > *rule.Max {
					errs = append(errs, fmt.Sprintf("invalid value on %s: above maximum %v", rule.Field, *rule.Max))
				}
			}
		}
	}

	for _, rule := range s.business {
		ok, message := rule.Check(record)
		if ok {
			continue
		}
		if message == "" {
			message = fmt.Sprintf("business rule failed: %s", rule.Name)
		}
		if s.strict {
			errs = append(errs, message)
		} else {
			ectx.AddWarning(s.Name(), message)
		}
	}

	if len(errs) > 0 {
		return nil, domain.NewCodedError(domain.CodeValidation, "validation failed", errs...)
	}
	return record, nil
}

func typeMatches(value any, typ string) bool {
	switch typ {
	case "string":
		_, ok := value.(string)
		return ok
	case "number":
		_, ok := numeric(value)
		return ok
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "object":
		switch value.(type) {
		case map[string]any, domain.Record:
			return true
		}
		return false
	case "array":
		_, ok := value.([]any)
		return ok
	default:
		return true
	}
}

func numeric(value any) (float64, bool) {
	switch n := value.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}
