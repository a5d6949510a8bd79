package dlq

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/minhvu/mapflow/internal/core/domain"
)

// ExportOptions narrows what an export contains.
type ExportOptions struct {
	Status    domain.EntryStatus `json:"status,omitempty"`
	MappingID string             `json:"mapping_id,omitempty"`
}

type exportDocument struct {
	ExportedAt time.Time       `json:"exportedAt"`
	Options    ExportOptions   `json:"options"`
	Statistics Stats           `json:"statistics"`
	Entries    []*domain.Entry `json:"entries"`
}

// ExportToFile writes the queue as a single UTF-8 JSON document:
// {exportedAt, options, statistics, entries}.
func (q *Queue) ExportToFile(path string, opts ExportOptions) error {
	q.mu.Lock()
	doc := exportDocument{
		ExportedAt: q.now(),
		Options:    opts,
		Statistics: q.statsLocked(),
	}
	for _, entry := range q.entries {
		if opts.Status != "" && entry.Status != opts.Status {
			continue
		}
		if opts.MappingID != "" && entry.Context.MappingID != opts.MappingID {
			continue
		}
		doc.Entries = append(doc.Entries, entry)
	}
	q.mu.Unlock()

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal export: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write export file: %w", err)
	}
	return nil
}
