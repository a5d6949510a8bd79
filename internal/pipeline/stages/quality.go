package stages

import (
	"fmt"
	"regexp"
	"time"

	"github.com/minhvu/mapflow/internal/core/domain"
	"github.com/minhvu/mapflow/internal/pipeline"
)

// QualityRule checks one aspect of record quality.
type QualityRule struct {
	// Type is one of required, format, range, uniqueness, timeliness, custom.
	Type    string         `yaml:"type"`
	Field   string         `yaml:"field"`
	Options map[string]any `yaml:"options"`
	Custom  func(record domain.Record) bool

	compiled *regexp.Regexp
}

// QualityReport summarises a quality check run. It is written to the
// execution context under the "quality_report" state key.
type QualityReport struct {
	TotalRecords  int            `json:"total_records"`
	PassedRecords int            `json:"passed_records"`
	FailedRecords int            `json:"failed_records"`
	Score         float64        `json:"score"`
	RuleFailures  map[string]int `json:"rule_failures"`
}

// QualityStateKey is where the report lands in the execution context.
const QualityStateKey = "quality_report"

// QualityCheckStage evaluates quality rules per record and fails the
// execution when the pass ratio drops below the threshold.
type QualityCheckStage struct {
	pipeline.BaseStage
	rules     []QualityRule
	threshold float64
}

// NewQualityCheckStage builds a validate-type quality stage. threshold is the
// minimum passed/total ratio, defaulting to 1.0.
func NewQualityCheckStage(name string, rules []QualityRule, threshold float64) *QualityCheckStage {
	if threshold <= 0 {
		threshold = 1.0
	}
	return &QualityCheckStage{
		BaseStage: pipeline.NewBaseStage(name, pipeline.Validate),
		rules:     rules,
		threshold: threshold,
	}
}

func (s *QualityCheckStage) Validate() error {
	for i := range s.rules {
		rule := &s.rules[i]
		switch rule.Type {
		case "required", "range", "uniqueness", "timeliness":
		case "format":
			pattern, _ := rule.Options["pattern"].(string)
			if pattern == "" {
				return fmt.Errorf("quality rule %d (format) has no pattern", i)
			}
			re, err := regexp.Compile(pattern)
			if err != nil {
				return fmt.Errorf("quality rule %d has invalid pattern: %w", i, err)
			}
			rule.compiled = re
		case "custom":
			if rule.Custom == nil {
				return fmt.Errorf("quality rule %d is custom but has no function", i)
			}
		default:
			return fmt.Errorf("quality rule %d has unknown type %q", i, rule.Type)
		}
	}
	return nil
}

func (s *QualityCheckStage) Execute(ectx *pipeline.Context, input any) (any, error) {
	records, err := asRecords(input)
	if err != nil {
		return nil, err
	}

	report := QualityReport{
		TotalRecords: len(records),
		RuleFailures: make(map[string]int),
	}

	// Uniqueness needs cross-record state.
	seen := make(map[string]map[string]bool)

	for _, record := range records {
		passed := true
		for i := range s.rules {
			rule := &s.rules[i]
			if !s.check(rule, record, seen) {
				passed = false
				report.RuleFailures[ruleKey(rule)]++
			}
		}
		if passed {
			report.PassedRecords++
		} else {
			report.FailedRecords++
		}
	}

	if report.TotalRecords > 0 {
		report.Score = float64(report.PassedRecords) / float64(report.TotalRecords)
	} else {
		report.Score = 1.0
	}
	ectx.SetState(QualityStateKey, report)

	if report.Score < s.threshold {
		return nil, domain.NewCodedError(
			domain.CodeQualityThreshold,
			fmt.Sprintf("quality threshold not met: %.3f < %.3f", report.Score, s.threshold),
			fmt.Sprintf("passed=%d failed=%d total=%d", report.PassedRecords, report.FailedRecords, report.TotalRecords),
		)
	}
	return input, nil
}

func (s *QualityCheckStage) check(rule *QualityRule, record domain.Record, seen map[string]map[string]bool) bool {
	value, present := domain.GetPath(record, rule.Field)

	switch rule.Type {
	case "required":
		return present && value != nil && value != ""
	case "format":
		str, ok := value.(string)
		return ok && rule.compiled.MatchString(str)
	case "range":
		n, ok := numeric(value)
		if !ok {
			return false
		}
		if minV, has := rule.Options["min"]; has {
			if m, isNum := numeric(minV); isNum && n < m {
				return false
			}
		}
		if maxV, has := rule.Options["max"]; has {
			if m, isNum := numeric(maxV); isNum && n > m {
				return false
			}
		}
		return true
	case "uniqueness":
		key := fmt.Sprintf("%v", value)
		if seen[rule.Field] == nil {
			seen[rule.Field] = make(map[string]bool)
		}
		if seen[rule.Field][key] {
			return false
		}
		seen[rule.Field][key] = true
		return true
	case "timeliness":
		str, ok := value.(string)
		if !ok {
			return false
		}
		t, err := time.Parse(time.RFC3339, str)
		if err != nil {
			return false
		}
		maxAge := 24 * time.Hour
		if raw, has := rule.Options["max_age"]; has {
			if str, isStr := raw.(string); isStr {
				if d, err := time.ParseDuration(str); err == nil {
					maxAge = d
				}
			}
		}
		return time.Since(t) <= maxAge
	case "custom":
		return rule.Custom(record)
	}
	return true
}

func ruleKey(rule *QualityRule) string {
	if rule.Field != "" {
		return rule.Type + ":" + rule.Field
	}
	return rule.Type
}
