package stages

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/minhvu/mapflow/internal/core/domain"
	"github.com/minhvu/mapflow/internal/pipeline"
)

// SanitizerFunc normalises a single string value. Every built-in sanitiser is
// idempotent: applying it twice yields the same output as once.
type SanitizerFunc func(value string) string

// SanitizeRule applies one sanitiser to a set of fields. An empty field list
// applies the sanitiser to every string leaf of the record.
type SanitizeRule struct {
	Type   string   `yaml:"type"` // trim, lowercase, uppercase, strip_html, normalize_whitespace, custom
	Fields []string `yaml:"fields"`
	Custom SanitizerFunc
}

var (
	htmlTagRe    = regexp.MustCompile(`<[^>]*>`)
	whitespaceRe = regexp.MustCompile(`\s+`)
)

var builtinSanitizers = map[string]SanitizerFunc{
	"trim":      strings.TrimSpace,
	"lowercase": strings.ToLower,
	"uppercase": strings.ToUpper,
	"strip_html": func(v string) string {
		return htmlTagRe.ReplaceAllString(v, "")
	},
	"normalize_whitespace": func(v string) string {
		return strings.TrimSpace(whitespaceRe.ReplaceAllString(v, " "))
	},
}

// SanitizationStage applies ordered sanitisers to record fields. It never
// fails unless a custom sanitiser is missing.
type SanitizationStage struct {
	pipeline.BaseStage
	rules []SanitizeRule
}

// NewSanitizationStage builds a preprocess sanitisation stage.
func NewSanitizationStage(name string, rules []SanitizeRule) *SanitizationStage {
	return &SanitizationStage{
		BaseStage: pipeline.NewBaseStage(name, pipeline.Preprocess),
		rules:     rules,
	}
}

func (s *SanitizationStage) Validate() error {
	for i, rule := range s.rules {
		if rule.Type == "custom" {
			if rule.Custom == nil {
				return fmt.Errorf("sanitize rule %d is custom but has no function", i)
			}
			continue
		}
		if _, ok := builtinSanitizers[rule.Type]; !ok {
			return fmt.Errorf("sanitize rule %d has unknown type %q", i, rule.Type)
		}
	}
	return nil
}

func (s *SanitizationStage) Execute(_ *pipeline.Context, input any) (any, error) {
	record, err := asRecord(input)
	if err != nil {
		return nil, err
	}

	out := record.Clone()
	for _, rule := range s.rules {
		fn := rule.Custom
		if fn == nil {
			fn = builtinSanitizers[rule.Type]
		}
		if len(rule.Fields) == 0 {
			sanitizeAll(out, fn)
			continue
		}
		for _, field := range rule.Fields {
			if v, ok := domain.GetPath(out, field); ok {
				if str, isStr := v.(string); isStr {
					domain.SetPath(out, field, fn(str))
				}
			}
		}
	}
	return out, nil
}

// sanitizeAll applies fn to every string leaf, recursing into nested maps
// and slices.
func sanitizeAll(value any, fn SanitizerFunc) {
	switch v := value.(type) {
	case domain.Record:
		for k, item := range v {
			if str, ok := item.(string); ok {
				v[k] = fn(str)
			} else {
				sanitizeAll(item, fn)
			}
		}
	case map[string]any:
		for k, item := range v {
			if str, ok := item.(string); ok {
				v[k] = fn(str)
			} else {
				sanitizeAll(item, fn)
			}
		}
	case []any:
		for i, item := range v {
			if str, ok := item.(string); ok {
				v[i] = fn(str)
			} else {
				sanitizeAll(item, fn)
			}
		}
	}
}
