package engine

import (
	"reflect"
	"strings"

	"github.com/lnkday/automation-service/automation/internal/models"
)

// Matches evaluates a rule's global conditions against an event payload.
// Conditions combine as a left fold: the logic on condition i governs how its
// result joins the accumulated result of conditions 0..i-1. An empty list is
// vacuously true, which is what lets trigger-only rules fire on every event.
func Matches(conditions []models.Condition, payload map[string]any) bool {
	if len(conditions) == 0 {
		return true
	}
	acc := evalCondition(conditions[0], payload)
	for _, cond := range conditions[1:] {
		result := evalCondition(cond, payload)
		if strings.EqualFold(cond.Logic, models.LogicOr) {
			acc = acc || result
		} else {
			acc = acc && result
		}
	}
	return acc
}

func evalCondition(cond models.Condition, payload map[string]any) bool {
	value, present := ResolvePath(payload, cond.Field)
	if !present {
		// Fail closed on absent fields, except ne: absent is not equal
		// to anything.
		return cond.Operator == models.OpNe
	}
	switch cond.Operator {
	case models.OpEq:
		return equalValues(value, cond.Value)
	case models.OpNe:
		return !equalValues(value, cond.Value)
	case models.OpGt:
		return compareNumeric(value, cond.Value, func(a, b float64) bool { return a > b })
	case models.OpLt:
		return compareNumeric(value, cond.Value, func(a, b float64) bool { return a < b })
	case models.OpGte:
		return compareNumeric(value, cond.Value, func(a, b float64) bool { return a >= b })
	case models.OpLte:
		return compareNumeric(value, cond.Value, func(a, b float64) bool { return a <= b })
	case models.OpContains:
		return containsValue(value, cond.Value)
	case models.OpIn:
		return membership(value, cond.Value)
	case models.OpNotIn:
		return !membership(value, cond.Value)
	default:
		return false
	}
}

// GuardMatches evaluates a per-action guard against the dispatch context.
// The operator set is narrower than the rule-level one and stays that way.
func GuardMatches(guard *models.ActionCondition, evalCtx map[string]any) bool {
	if guard == nil {
		return true
	}
	value, present := ResolvePath(evalCtx, guard.Field)
	if !present {
		return guard.Operator == models.OpNe
	}
	switch guard.Operator {
	case models.OpEq:
		return equalValues(value, guard.Value)
	case models.OpNe:
		return !equalValues(value, guard.Value)
	case models.OpGt:
		return compareNumeric(value, guard.Value, func(a, b float64) bool { return a > b })
	case models.OpLt:
		return compareNumeric(value, guard.Value, func(a, b float64) bool { return a < b })
	case models.OpContains:
		return containsValue(value, guard.Value)
	case models.OpStartsWith:
		a, aok := value.(string)
		b, bok := guard.Value.(string)
		return aok && bok && strings.HasPrefix(a, b)
	case models.OpEndsWith:
		a, aok := value.(string)
		b, bok := guard.Value.(string)
		return aok && bok && strings.HasSuffix(a, b)
	default:
		return false
	}
}

// ResolvePath walks a dotted path through nested JSON-style maps. The second
// return reports whether the full path was present.
func ResolvePath(payload map[string]any, path string) (any, bool) {
	path = strings.TrimSpace(path)
	if path == "" || payload == nil {
		return nil, false
	}
	parts := strings.Split(path, ".")
	var current any = payload
	for _, part := range parts {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func equalValues(a any, b any) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}

func compareNumeric(a any, b any, cmp func(float64, float64) bool) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if !aok || !bok {
		return false
	}
	return cmp(af, bf)
}

func containsValue(haystack any, needle any) bool {
	switch h := haystack.(type) {
	case string:
		n, ok := needle.(string)
		return ok && strings.Contains(h, n)
	case []any:
		for _, item := range h {
			if equalValues(item, needle) {
				return true
			}
		}
	}
	return false
}

// membership tests value against an array-valued condition value.
func membership(value any, set any) bool {
	items, ok := set.([]any)
	if !ok {
		return false
	}
	for _, item := range items {
		if equalValues(value, item) {
			return true
		}
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint:
		return float64(t), true
	default:
		return 0, false
	}
}
