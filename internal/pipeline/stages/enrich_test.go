package stages

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/minhvu/mapflow/internal/core/domain"
	"github.com/minhvu/mapflow/internal/pipeline"
)

func TestEnrichmentStage_Timestamp(t *testing.T) {
	s := NewEnrichmentStage("enrich", []EnrichmentRule{
		{Type: "timestamp", Target: "processed_at"},
	})
	fixed := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	out, err := s.Execute(newEctx(), domain.Record{"n": 1})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	got := out.(domain.Record)["processed_at"]
	if got != fixed.Format(time.RFC3339) {
		t.Errorf("expected fixed timestamp, got %v", got)
	}
}

func TestEnrichmentStage_GeneratedID(t *testing.T) {
	s := NewEnrichmentStage("enrich", []EnrichmentRule{
		{Type: "id", Target: "record_id"},
	})

	first, err := s.Execute(newEctx(), domain.Record{})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	second, _ := s.Execute(newEctx(), domain.Record{})

	a := first.(domain.Record)["record_id"].(string)
	b := second.(domain.Record)["record_id"].(string)
	if _, err := uuid.Parse(a); err != nil {
		t.Errorf("expected a uuid, got %q", a)
	}
	if a == b {
		t.Error("generated ids must be unique per execution")
	}
}

func TestEnrichmentStage_Metadata(t *testing.T) {
	s := NewEnrichmentStage("enrich", []EnrichmentRule{
		{Type: "metadata", Target: "tenant", Options: map[string]any{"key": "tenant_id"}},
		{Type: "metadata", Target: "run", Source: "execution"},
		{Type: "metadata", Target: "absent", Source: "no_such_key"},
	})

	ectx := pipeline.NewContext(context.Background(), map[string]any{
		"tenant_id": "acme",
		"execution": "run-7",
	})
	out, err := s.Execute(ectx, domain.Record{})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	got := out.(domain.Record)
	if got["tenant"] != "acme" {
		t.Errorf("expected acme, got %v", got["tenant"])
	}
	if got["run"] != "run-7" {
		t.Errorf("expected run-7, got %v", got["run"])
	}
	if _, present := got["absent"]; present {
		t.Error("missing metadata key must write nothing")
	}
}

func TestEnrichmentStage_Lookup(t *testing.T) {
	s := NewEnrichmentStage("enrich", []EnrichmentRule{
		{Type: "lookup", Source: "tier", Target: "discount",
			Options: map[string]any{"table": map[string]any{"gold": 0.2, "silver": 0.1}}},
	})

	out, err := s.Execute(newEctx(), domain.Record{"tier": "gold"})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if out.(domain.Record)["discount"] != 0.2 {
		t.Errorf("expected 0.2, got %v", out.(domain.Record)["discount"])
	}

	out, _ = s.Execute(newEctx(), domain.Record{"tier": "bronze"})
	if _, present := out.(domain.Record)["discount"]; present {
		t.Error("lookup miss must write nothing")
	}
}

func TestEnrichmentStage_DoesNotMutateInput(t *testing.T) {
	s := NewEnrichmentStage("enrich", []EnrichmentRule{
		{Type: "timestamp", Target: "processed_at"},
	})

	record := domain.Record{"n": 1}
	if _, err := s.Execute(newEctx(), record); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if _, present := record["processed_at"]; present {
		t.Error("input record was mutated")
	}
}

func TestEnrichmentStage_ValidateRejectsBadRules(t *testing.T) {
	if err := NewEnrichmentStage("e", []EnrichmentRule{{Type: "timestamp"}}).Validate(); err == nil {
		t.Error("expected missing target to be rejected")
	}
	if err := NewEnrichmentStage("e", []EnrichmentRule{{Type: "geoip", Target: "x"}}).Validate(); err == nil {
		t.Error("expected unknown type to be rejected")
	}
}
