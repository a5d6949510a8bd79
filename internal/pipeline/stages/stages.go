// Package stages provides the built-in pipeline stages: validation,
// sanitisation, field mapping, aggregation, quality checking and enrichment.
package stages

import (
	"fmt"

	"github.com/minhvu/mapflow/internal/core/domain"
)

// asRecord coerces a stage input into a Record.
func asRecord(input any) (domain.Record, error) {
	switch v := input.(type) {
	case domain.Record:
		return v, nil
	case map[string]any:
		return domain.Record(v), nil
	default:
		return nil, fmt.Errorf("type mismatch: expected a record, got %T", input)
	}
}

// asRecords coerces a stage input into a record slice. A single record is
// treated as a one-element slice.
func asRecords(input any) ([]domain.Record, error) {
	switch v := input.(type) {
	case []domain.Record:
		return v, nil
	case []any:
		out := make([]domain.Record, 0, len(v))
		for _, item := range v {
			r, err := asRecord(item)
			if err != nil {
				return nil, err
			}
			out = append(out, r)
		}
		return out, nil
	default:
		r, err := asRecord(input)
		if err != nil {
			return nil, err
		}
		return []domain.Record{r}, nil
	}
}
