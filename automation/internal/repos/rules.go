package repos

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lnkday/automation-service/automation/internal/models"
)

var ErrRuleNotFound = errors.New("rule not found")

type RulesRepo struct {
	pool *pgxpool.Pool
}

func NewRulesRepo(pool *pgxpool.Pool) *RulesRepo {
	return &RulesRepo{pool: pool}
}

const ruleColumns = `
	rule_id, team_id, name, category, trigger, conditions, actions,
	tags, is_favorite, enabled, usage_count, last_used_at, created_at, updated_at
`

// ListEnabled loads every enabled rule across all teams. The worker calls
// this on startup and on periodic reloads to rebuild the in-memory index.
func (r *RulesRepo) ListEnabled(ctx context.Context) ([]models.AutomationRule, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+ruleColumns+`
		FROM automation_rules
		WHERE enabled = TRUE
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []models.AutomationRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

func (r *RulesRepo) GetByID(ctx context.Context, ruleID uuid.UUID) (models.AutomationRule, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+ruleColumns+`
		FROM automation_rules
		WHERE rule_id = $1
	`, ruleID)
	rule, err := scanRule(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.AutomationRule{}, ErrRuleNotFound
	}
	return rule, err
}

// ListScheduled returns enabled rules with a schedule trigger. The scheduler
// scans these to synthesize tick events.
func (r *RulesRepo) ListScheduled(ctx context.Context) ([]models.AutomationRule, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+ruleColumns+`
		FROM automation_rules
		WHERE enabled = TRUE AND trigger->>'type' = $1
		ORDER BY created_at ASC
	`, models.TriggerTypeSchedule)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []models.AutomationRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

// UsageByTeam aggregates fire counts for the reporting API.
func (r *RulesRepo) UsageByTeam(ctx context.Context, teamID uuid.UUID, limit int) ([]models.RuleUsage, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
		SELECT rule_id, name, category, enabled, usage_count, last_used_at
		FROM automation_rules
		WHERE team_id = $1
		ORDER BY usage_count DESC, created_at ASC
		LIMIT $2
	`, teamID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.RuleUsage
	for rows.Next() {
		var u models.RuleUsage
		if err := rows.Scan(&u.RuleID, &u.Name, &u.Category, &u.Enabled, &u.UsageCount, &u.LastUsedAt); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func scanRule(row pgx.Row) (models.AutomationRule, error) {
	var (
		rule                             models.AutomationRule
		triggerRaw, condsRaw, actionsRaw []byte
	)
	err := row.Scan(
		&rule.RuleID, &rule.TeamID, &rule.Name, &rule.Category,
		&triggerRaw, &condsRaw, &actionsRaw,
		&rule.Tags, &rule.IsFavorite, &rule.Enabled,
		&rule.UsageCount, &rule.LastUsedAt, &rule.CreatedAt, &rule.UpdatedAt,
	)
	if err != nil {
		return models.AutomationRule{}, err
	}
	if err := json.Unmarshal(triggerRaw, &rule.Trigger); err != nil {
		return models.AutomationRule{}, fmt.Errorf("rule %s: decode trigger: %w", rule.RuleID, err)
	}
	if len(condsRaw) > 0 {
		if err := json.Unmarshal(condsRaw, &rule.Conditions); err != nil {
			return models.AutomationRule{}, fmt.Errorf("rule %s: decode conditions: %w", rule.RuleID, err)
		}
	}
	if err := json.Unmarshal(actionsRaw, &rule.Actions); err != nil {
		return models.AutomationRule{}, fmt.Errorf("rule %s: decode actions: %w", rule.RuleID, err)
	}
	return rule, nil
}
