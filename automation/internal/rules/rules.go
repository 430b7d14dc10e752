package rules

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lnkday/automation-service/automation/internal/models"
)

// Validation happens once at the store boundary. Rules that fail here are
// excluded from the index and never reach the dispatcher.

var ErrInvalidRule = errors.New("invalid automation rule")

var triggerTypes = map[string]bool{
	models.TriggerTypeEvent:    true,
	models.TriggerTypeSchedule: true,
	models.TriggerTypeManual:   true,
	models.TriggerTypeWebhook:  true,
}

var categories = map[string]bool{
	models.CategoryNotification: true,
	models.CategoryModeration:   true,
	models.CategoryAnalytics:    true,
	models.CategoryIntegration:  true,
	models.CategoryCustom:       true,
}

var conditionOperators = map[string]bool{
	models.OpEq:       true,
	models.OpNe:       true,
	models.OpGt:       true,
	models.OpLt:       true,
	models.OpGte:      true,
	models.OpLte:      true,
	models.OpContains: true,
	models.OpIn:       true,
	models.OpNotIn:    true,
}

var actionOperators = map[string]bool{
	models.OpEq:         true,
	models.OpNe:         true,
	models.OpGt:         true,
	models.OpLt:         true,
	models.OpContains:   true,
	models.OpStartsWith: true,
	models.OpEndsWith:   true,
}

func Validate(rule models.AutomationRule) error {
	var problems []string

	if strings.TrimSpace(rule.Name) == "" {
		problems = append(problems, "name is required")
	}
	if rule.Category != "" && !categories[rule.Category] {
		problems = append(problems, fmt.Sprintf("unknown category %q", rule.Category))
	}
	if !triggerTypes[rule.Trigger.Type] {
		problems = append(problems, fmt.Sprintf("unknown trigger type %q", rule.Trigger.Type))
	}
	if rule.Trigger.Type == models.TriggerTypeEvent && len(EventTypes(rule.Trigger)) == 0 {
		problems = append(problems, "event trigger names no event types")
	}
	if len(rule.Actions) == 0 {
		problems = append(problems, "rule has no actions")
	}
	for i, action := range rule.Actions {
		if strings.TrimSpace(action.Type) == "" {
			problems = append(problems, fmt.Sprintf("action %d has no type", i))
		}
		if action.Condition != nil && !actionOperators[action.Condition.Operator] {
			problems = append(problems, fmt.Sprintf("action %d has unknown guard operator %q", i, action.Condition.Operator))
		}
	}
	for i, cond := range rule.Conditions {
		if strings.TrimSpace(cond.Field) == "" {
			problems = append(problems, fmt.Sprintf("condition %d has no field", i))
		}
		if !conditionOperators[cond.Operator] {
			problems = append(problems, fmt.Sprintf("condition %d has unknown operator %q", i, cond.Operator))
		}
		if cond.Logic != "" && cond.Logic != models.LogicAnd && cond.Logic != models.LogicOr {
			problems = append(problems, fmt.Sprintf("condition %d has unknown logic %q", i, cond.Logic))
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidRule, strings.Join(problems, "; "))
	}
	return nil
}

// EventTypes extracts the event names an event trigger subscribes to. The
// store writes either "eventTypes" (list) or the older "eventType" (single).
func EventTypes(trigger models.Trigger) []string {
	if trigger.Type != models.TriggerTypeEvent || trigger.Config == nil {
		return nil
	}
	var out []string
	seen := map[string]bool{}
	add := func(v any) {
		s, ok := v.(string)
		if !ok {
			return
		}
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			return
		}
		seen[s] = true
		out = append(out, s)
	}
	switch v := trigger.Config["eventTypes"].(type) {
	case []any:
		for _, item := range v {
			add(item)
		}
	case []string:
		for _, item := range v {
			add(item)
		}
	}
	add(trigger.Config["eventType"])
	return out
}

// ScheduleInterval reads the firing interval of a schedule trigger.
func ScheduleInterval(trigger models.Trigger) (time.Duration, bool) {
	if trigger.Type != models.TriggerTypeSchedule || trigger.Config == nil {
		return 0, false
	}
	switch v := trigger.Config["intervalMinutes"].(type) {
	case float64:
		if v > 0 {
			return time.Duration(v) * time.Minute, true
		}
	case int:
		if v > 0 {
			return time.Duration(v) * time.Minute, true
		}
	}
	return 0, false
}
