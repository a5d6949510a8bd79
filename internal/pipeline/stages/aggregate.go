package stages

import (
	"fmt"
	"strings"

	"github.com/minhvu/mapflow/internal/core/domain"
	"github.com/minhvu/mapflow/internal/pipeline"
)

// Aggregation computes one value per group.
type Aggregation struct {
	Type        string `yaml:"type"` // sum, avg, count, min, max, first, last
	SourceField string `yaml:"source_field"`
	TargetField string `yaml:"target_field"`
}

// AggregationStage groups a record slice by key fields and applies
// aggregations per group. Group order is stable: first-seen wins.
// Null values are excluded from every aggregation.
type AggregationStage struct {
	pipeline.BaseStage
	groupBy      []string
	aggregations []Aggregation
}

// NewAggregationStage builds a transform aggregation stage.
func NewAggregationStage(name string, groupBy []string, aggregations []Aggregation) *AggregationStage {
	return &AggregationStage{
		BaseStage:    pipeline.NewBaseStage(name, pipeline.Transform),
		groupBy:      groupBy,
		aggregations: aggregations,
	}
}

func (s *AggregationStage) Validate() error {
	if len(s.aggregations) == 0 {
		return fmt.Errorf("aggregation stage has no aggregations")
	}
	for i, agg := range s.aggregations {
		switch agg.Type {
		case "sum", "avg", "count", "min", "max", "first", "last":
		default:
			return fmt.Errorf("aggregation %d has unknown type %q", i, agg.Type)
		}
		if agg.TargetField == "" {
			return fmt.Errorf("aggregation %d has no target field", i)
		}
	}
	return nil
}

func (s *AggregationStage) Execute(_ *pipeline.Context, input any) (any, error) {
	records, err := asRecords(input)
	if err != nil {
		return nil, err
	}

	type group struct {
		key    string
		values domain.Record
		items  []domain.Record
	}

	var order []string
	groups := make(map[string]*group)
	for _, record := range records {
		keyParts := make([]string, len(s.groupBy))
		keyValues := domain.Record{}
		for i, field := range s.groupBy {
			v, _ := domain.GetPath(record, field)
			keyParts[i] = fmt.Sprintf("%v", v)
			keyValues[field] = v
		}
		key := strings.Join(keyParts, "\x00")

		g, ok := groups[key]
		if !ok {
			g = &group{key: key, values: keyValues}
			groups[key] = g
			order = append(order, key)
		}
		g.items = append(g.items, record)
	}

	out := make([]domain.Record, 0, len(order))
	for _, key := range order {
		g := groups[key]
		result := g.values.Clone()
		if result == nil {
			result = domain.Record{}
		}
		for _, agg := range s.aggregations {
			value, err := aggregate(agg, g.items)
			if err != nil {
				return nil, err
			}
			domain.SetPath(result, agg.TargetField, value)
		}
		out = append(out, result)
	}
	return out, nil
}

func aggregate(agg Aggregation, items []domain.Record) (any, error) {
	// Collect non-null source values in record order.
	var values []any
	for _, item := range items {
		v, ok := domain.GetPath(item, agg.SourceField)
		if !ok || v == nil {
			continue
		}
		values = append(values, v)
	}

	switch agg.Type {
	case "count":
		return len(values), nil
	case "first":
		if len(values) == 0 {
			return nil, nil
		}
		return values[0], nil
	case "last":
		if len(values) == 0 {
			return nil, nil
		}
		return values[len(values)-1], nil
	}

	nums := make([]float64, 0, len(values))
	for _, v := range values {
		n, ok := numeric(v)
		if !ok {
			return nil, fmt.Errorf("type mismatch: %s aggregation over non-numeric field %s", agg.Type, agg.SourceField)
		}
		nums = append(nums, n)
	}
	if len(nums) == 0 {
		return nil, nil
	}

	switch agg.Type {
	case "sum":
		total := 0.0
		for _, n := range nums {
			total += n
		}
		return total, nil
	case "avg":
		total := 0.0
		for _, n := range nums {
			total += n
		}
		return total / float64(len(nums)), nil
	case "min":
		m := nums[0]
		for _, n := range nums[1:] {
			if n < m {
				m = n
			}
		}
		return m, nil
	case "max":
		m := nums[0]
		for _, n := range nums[1:] {
			if n > m {
				m = n
			}
		}
		return m, nil
	}
	return nil, fmt.Errorf("unknown aggregation type %q", agg.Type)
}
