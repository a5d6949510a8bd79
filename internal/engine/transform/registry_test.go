package transform

import (
	"strings"
	"testing"
)

func TestRegistry_BuiltinGrid(t *testing.T) {
	r := NewRegistry()

	for _, tc := range []struct {
		name    string
		value   any
		options map[string]any
		want    any
	}{
		{"uppercase", "abc", nil, "ABC"},
		{"lowercase", "ABC", nil, "abc"},
		{"trim", "  x  ", nil, "x"},
		{"string", 42, nil, "42"},
		{"string", 3.5, nil, "3.5"},
		{"string", true, nil, "true"},
		{"number", "12.5", nil, 12.5},
		{"number", 7, nil, 7.0},
		{"boolean", "true", nil, true},
		{"boolean", 0, nil, false},
		{"round", 3.14159, map[string]any{"precision": 2}, 3.14},
		{"round", 2.5, nil, 3.0},
		{"multiply", 6, map[string]any{"factor": 7}, 42.0},
		{"replace", "a-b-c", map[string]any{"old": "-", "new": "."}, "a.b.c"},
		{"prefix", "123", map[string]any{"value": "ID-"}, "ID-123"},
		{"suffix", "file", map[string]any{"value": ".json"}, "file.json"},
	} {
		got, err := r.Apply(tc.name, tc.value, tc.options)
		if err != nil {
			t.Errorf("%s(%v) failed: %v", tc.name, tc.value, err)
			continue
		}
		if got != tc.want {
			t.Errorf("%s(%v): expected %v (%T), got %v (%T)", tc.name, tc.value, tc.want, tc.want, got, got)
		}
	}
}

func TestRegistry_DateFormat(t *testing.T) {
	r := NewRegistry()

	got, err := r.Apply("dateFormat", "2026-08-23T10:30:00Z", map[string]any{"to": "2006-01-02"})
	if err != nil {
		t.Fatalf("dateFormat failed: %v", err)
	}
	if got != "2026-08-23" {
		t.Errorf("expected 2026-08-23, got %v", got)
	}

	got, err = r.Apply("dateFormat", "23/08/2026", map[string]any{"from": "02/01/2006", "to": "2006-01-02"})
	if err != nil {
		t.Fatalf("dateFormat with custom from failed: %v", err)
	}
	if got != "2026-08-23" {
		t.Errorf("expected 2026-08-23, got %v", got)
	}

	if _, err := r.Apply("dateFormat", "not a date", nil); err == nil {
		t.Error("expected parse failure")
	}
}

func TestRegistry_ConversionErrors(t *testing.T) {
	r := NewRegistry()

	if _, err := r.Apply("number", "abc", nil); err == nil {
		t.Error("expected number conversion failure")
	}
	if _, err := r.Apply("boolean", []any{}, nil); err == nil {
		t.Error("expected boolean conversion failure")
	}
	if _, err := r.Apply("multiply", 2, nil); err == nil {
		t.Error("multiply without factor should fail")
	}
}

func TestRegistry_UnknownName(t *testing.T) {
	r := NewRegistry()

	_, err := r.Apply("no_such_transform", "x", nil)
	if err == nil {
		t.Fatal("expected unknown transform error")
	}
	if !strings.Contains(err.Error(), "not found") {
		t.Errorf("unexpected error text: %v", err)
	}
}

func TestRegistry_RegisterCustomAndOverride(t *testing.T) {
	r := NewRegistry()

	r.Register("reverse", func(v any, _ map[string]any) (any, error) {
		s := toString(v)
		runes := []rune(s)
		for i, j := 0, len(runes)-1; i < j; i, j = i+1, j-1 {
			runes[i], runes[j] = runes[j], runes[i]
		}
		return string(runes), nil
	})
	got, err := r.Apply("reverse", "abc", nil)
	if err != nil || got != "cba" {
		t.Errorf("custom transform: got %v, %v", got, err)
	}

	// Re-registering a name replaces the function.
	r.Register("uppercase", func(v any, _ map[string]any) (any, error) { return "fixed", nil })
	if got, _ := r.Apply("uppercase", "abc", nil); got != "fixed" {
		t.Errorf("override not applied: %v", got)
	}
}
