package dlq

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/minhvu/mapflow/internal/core/domain"
)

func TestExportToFile(t *testing.T) {
	q := newTestQueue(t, Config{}, nil, nil)
	ctx := context.Background()

	q.Enqueue(ctx, map[string]any{"n": 1}, errors.New("timeout"), domain.EntryContext{MappingID: "m1"})
	q.Enqueue(ctx, map[string]any{"n": 2}, errors.New("validation failed"), domain.EntryContext{MappingID: "m2"})

	path := filepath.Join(t.TempDir(), "export.json")
	if err := q.ExportToFile(path, ExportOptions{MappingID: "m1"}); err != nil {
		t.Fatalf("ExportToFile failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read export: %v", err)
	}

	var doc struct {
		ExportedAt string          `json:"exportedAt"`
		Statistics Stats           `json:"statistics"`
		Entries    []*domain.Entry `json:"entries"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("export is not valid JSON: %v", err)
	}

	if doc.ExportedAt == "" {
		t.Error("expected exportedAt")
	}
	if doc.Statistics.Size != 2 {
		t.Errorf("statistics should cover the whole queue, got size %d", doc.Statistics.Size)
	}
	if len(doc.Entries) != 1 {
		t.Fatalf("expected 1 filtered entry, got %d", len(doc.Entries))
	}
	if doc.Entries[0].Context.MappingID != "m1" {
		t.Errorf("expected m1 entry, got %s", doc.Entries[0].Context.MappingID)
	}
}
