package config

import "testing"

func TestParseCSV(t *testing.T) {
	got := parseCSV("link.events, domain.events, ,qr.events,,")
	if len(got) != 3 {
		t.Fatalf("expected 3 items, got %d", len(got))
	}
	if got[0] != "link.events" || got[1] != "domain.events" || got[2] != "qr.events" {
		t.Fatalf("unexpected values: %#v", got)
	}
}

func TestParseAnyCSV(t *testing.T) {
	raw := []any{"x", " ", "y"}
	got := parseAnyCSV(raw)
	if len(got) != 2 {
		t.Fatalf("expected 2 items, got %d", len(got))
	}
	if got[0] != "x" || got[1] != "y" {
		t.Fatalf("unexpected values: %#v", got)
	}
}

func TestAsBool(t *testing.T) {
	if b, ok := asBool("Yes"); !ok || !b {
		t.Fatalf("expected yes to parse true")
	}
	if _, ok := asBool("maybe"); ok {
		t.Fatalf("expected maybe to be rejected")
	}
}

func TestApplyConfigMapTypes(t *testing.T) {
	cfg := Config{}
	var problems []Problem
	applyConfigMap(&cfg, map[string]any{
		"ACTION_MAX_ATTEMPTS": "not-a-number",
		"EVENT_TOPICS":        []any{"link.events", "domain.events"},
		"AUDIT_ENABLED":       true,
	}, &problems)
	if len(problems) != 1 {
		t.Fatalf("expected 1 problem, got %d: %#v", len(problems), problems)
	}
	if len(cfg.EventTopics) != 2 {
		t.Fatalf("expected 2 topics, got %#v", cfg.EventTopics)
	}
	if !cfg.AuditEnabled {
		t.Fatalf("expected audit enabled")
	}
}
