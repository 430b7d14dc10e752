package rules

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/lnkday/automation-service/automation/internal/models"
)

func validRule() models.AutomationRule {
	return models.AutomationRule{
		RuleID:   uuid.New(),
		TeamID:   uuid.New(),
		Name:     "notify on new link",
		Category: models.CategoryNotification,
		Trigger: models.Trigger{
			Type:   models.TriggerTypeEvent,
			Config: map[string]any{"eventTypes": []any{"link.created"}},
		},
		Conditions: []models.Condition{
			{Field: "link.domain", Operator: models.OpEq, Value: "lnk.example.com"},
		},
		Actions: []models.Action{
			{Type: "send_email", Config: map[string]any{"to": "ops@example.com"}},
		},
		Enabled: true,
	}
}

func TestValidateAcceptsWellFormedRule(t *testing.T) {
	if err := Validate(validRule()); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*models.AutomationRule)
		problem string
	}{
		{"blank name", func(r *models.AutomationRule) { r.Name = "  " }, "name is required"},
		{"unknown category", func(r *models.AutomationRule) { r.Category = "misc" }, "unknown category"},
		{"unknown trigger", func(r *models.AutomationRule) { r.Trigger.Type = "poll" }, "unknown trigger type"},
		{"event trigger without types", func(r *models.AutomationRule) { r.Trigger.Config = map[string]any{} }, "names no event types"},
		{"no actions", func(r *models.AutomationRule) { r.Actions = nil }, "no actions"},
		{"action without type", func(r *models.AutomationRule) { r.Actions[0].Type = "" }, "action 0 has no type"},
		{"guard with rule-level operator", func(r *models.AutomationRule) {
			r.Actions[0].Condition = &models.ActionCondition{Field: "x", Operator: models.OpIn, Value: []any{"a"}}
		}, "unknown guard operator"},
		{"condition without field", func(r *models.AutomationRule) { r.Conditions[0].Field = "" }, "condition 0 has no field"},
		{"condition with unknown operator", func(r *models.AutomationRule) { r.Conditions[0].Operator = "regex" }, "unknown operator"},
		{"condition with unknown logic", func(r *models.AutomationRule) { r.Conditions[0].Logic = "xor" }, "unknown logic"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rule := validRule()
			tc.mutate(&rule)
			err := Validate(rule)
			if !errors.Is(err, ErrInvalidRule) {
				t.Fatalf("err = %v, want invalid rule", err)
			}
			if !strings.Contains(err.Error(), tc.problem) {
				t.Fatalf("err = %q, want mention of %q", err, tc.problem)
			}
		})
	}
}

func TestValidateCollectsAllProblems(t *testing.T) {
	rule := validRule()
	rule.Name = ""
	rule.Actions = nil
	err := Validate(rule)
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "name is required") || !strings.Contains(err.Error(), "no actions") {
		t.Fatalf("err = %q, want both problems reported", err)
	}
}

func TestEventTypes(t *testing.T) {
	cases := []struct {
		name    string
		trigger models.Trigger
		want    []string
	}{
		{
			"list form",
			models.Trigger{Type: models.TriggerTypeEvent, Config: map[string]any{"eventTypes": []any{"link.created", "link.updated"}}},
			[]string{"link.created", "link.updated"},
		},
		{
			"single form",
			models.Trigger{Type: models.TriggerTypeEvent, Config: map[string]any{"eventType": "qr.scanned"}},
			[]string{"qr.scanned"},
		},
		{
			"both forms deduplicated",
			models.Trigger{Type: models.TriggerTypeEvent, Config: map[string]any{
				"eventTypes": []any{"link.created"},
				"eventType":  "link.created",
			}},
			[]string{"link.created"},
		},
		{
			"blank and non-string entries dropped",
			models.Trigger{Type: models.TriggerTypeEvent, Config: map[string]any{"eventTypes": []any{" ", 7, "link.created"}}},
			[]string{"link.created"},
		},
		{
			"non-event trigger",
			models.Trigger{Type: models.TriggerTypeSchedule, Config: map[string]any{"eventTypes": []any{"link.created"}}},
			nil,
		},
		{
			"nil config",
			models.Trigger{Type: models.TriggerTypeEvent},
			nil,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := EventTypes(tc.trigger)
			if len(got) != len(tc.want) {
				t.Fatalf("got %v, want %v", got, tc.want)
			}
			for i := range tc.want {
				if got[i] != tc.want[i] {
					t.Fatalf("got %v, want %v", got, tc.want)
				}
			}
		})
	}
}

func TestScheduleInterval(t *testing.T) {
	trigger := models.Trigger{
		Type:   models.TriggerTypeSchedule,
		Config: map[string]any{"intervalMinutes": 15.0},
	}
	if d, ok := ScheduleInterval(trigger); !ok || d != 15*time.Minute {
		t.Fatalf("got %v, %v", d, ok)
	}

	trigger.Config = map[string]any{"intervalMinutes": 0.0}
	if _, ok := ScheduleInterval(trigger); ok {
		t.Fatal("zero interval should be rejected")
	}
	trigger.Config = map[string]any{"intervalMinutes": "soon"}
	if _, ok := ScheduleInterval(trigger); ok {
		t.Fatal("non-numeric interval should be rejected")
	}
	trigger.Type = models.TriggerTypeEvent
	trigger.Config = map[string]any{"intervalMinutes": 15.0}
	if _, ok := ScheduleInterval(trigger); ok {
		t.Fatal("event trigger has no schedule interval")
	}
}
