package engine

import (
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/lnkday/automation-service/automation/internal/models"
	"github.com/lnkday/automation-service/automation/internal/rules"
)

// Index is the read-mostly lookup from (event type, team) to active rules.
// Readers never block each other; rule lifecycle notifications take the
// write lock briefly.
type Index struct {
	mu      sync.RWMutex
	rules   map[uuid.UUID]models.AutomationRule
	byEvent map[string]map[uuid.UUID][]uuid.UUID
}

func NewIndex() *Index {
	return &Index{
		rules:   make(map[uuid.UUID]models.AutomationRule),
		byEvent: make(map[string]map[uuid.UUID][]uuid.UUID),
	}
}

// ReplaceAll swaps the whole index for a freshly loaded rule set.
func (ix *Index) ReplaceAll(loaded []models.AutomationRule) {
	ruleMap := make(map[uuid.UUID]models.AutomationRule, len(loaded))
	byEvent := make(map[string]map[uuid.UUID][]uuid.UUID)
	for _, rule := range loaded {
		if !indexable(rule) {
			continue
		}
		ruleMap[rule.RuleID] = rule
		for _, eventType := range rules.EventTypes(rule.Trigger) {
			teams := byEvent[eventType]
			if teams == nil {
				teams = make(map[uuid.UUID][]uuid.UUID)
				byEvent[eventType] = teams
			}
			teams[rule.TeamID] = append(teams[rule.TeamID], rule.RuleID)
		}
	}

	ix.mu.Lock()
	ix.rules = ruleMap
	ix.byEvent = byEvent
	ix.mu.Unlock()
}

// Upsert inserts or refreshes one rule. Disabled or non-event rules are
// dropped from the index.
func (ix *Index) Upsert(rule models.AutomationRule) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.removeLocked(rule.RuleID)
	if !indexable(rule) {
		return
	}
	ix.rules[rule.RuleID] = rule
	for _, eventType := range rules.EventTypes(rule.Trigger) {
		teams := ix.byEvent[eventType]
		if teams == nil {
			teams = make(map[uuid.UUID][]uuid.UUID)
			ix.byEvent[eventType] = teams
		}
		teams[rule.TeamID] = append(teams[rule.TeamID], rule.RuleID)
	}
}

func (ix *Index) Remove(ruleID uuid.UUID) {
	ix.mu.Lock()
	ix.removeLocked(ruleID)
	ix.mu.Unlock()
}

func (ix *Index) removeLocked(ruleID uuid.UUID) {
	rule, ok := ix.rules[ruleID]
	if !ok {
		return
	}
	delete(ix.rules, ruleID)
	for _, eventType := range rules.EventTypes(rule.Trigger) {
		teams := ix.byEvent[eventType]
		if teams == nil {
			continue
		}
		ids := teams[rule.TeamID]
		filtered := ids[:0]
		for _, id := range ids {
			if id != ruleID {
				filtered = append(filtered, id)
			}
		}
		if len(filtered) == 0 {
			delete(teams, rule.TeamID)
		} else {
			teams[rule.TeamID] = filtered
		}
		if len(teams) == 0 {
			delete(ix.byEvent, eventType)
		}
	}
}

// Candidates returns the active event-trigger rules for this event type and
// team, oldest first so dispatch order is stable across deliveries.
func (ix *Index) Candidates(eventType string, teamID uuid.UUID) []models.AutomationRule {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	teams := ix.byEvent[eventType]
	if teams == nil {
		return nil
	}
	ids := teams[teamID]
	if len(ids) == 0 {
		return nil
	}
	out := make([]models.AutomationRule, 0, len(ids))
	for _, id := range ids {
		if rule, ok := ix.rules[id]; ok {
			out = append(out, rule)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].RuleID.String() < out[j].RuleID.String()
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Active reports whether a rule is still present, used as the mid-dispatch
// disable check: actions not yet started observe a disable, in-flight ones
// run to completion.
func (ix *Index) Active(ruleID uuid.UUID) bool {
	ix.mu.RLock()
	_, ok := ix.rules[ruleID]
	ix.mu.RUnlock()
	return ok
}

func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.rules)
}

func indexable(rule models.AutomationRule) bool {
	return rule.Enabled && rule.Trigger.Type == models.TriggerTypeEvent && rules.Validate(rule) == nil
}
