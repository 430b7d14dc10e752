package repos

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lnkday/automation-service/automation/internal/models"
	"github.com/lnkday/automation-service/shared/events"
)

var ErrExecutionNotFound = errors.New("execution not found")

// LedgerRepo persists one row per (rule, event) pair in rule_executions.
// The UNIQUE(rule_id, event_id) constraint is what makes redelivered
// events side-effect free.
type LedgerRepo struct {
	pool *pgxpool.Pool
}

func NewLedgerRepo(pool *pgxpool.Pool) *LedgerRepo {
	return &LedgerRepo{pool: pool}
}

// TryBegin atomically claims the (rule, event) pair. The second return is
// true when another delivery already holds the claim; the existing row is
// returned in that case so callers can see its status.
func (r *LedgerRepo) TryBegin(ctx context.Context, rule models.AutomationRule, event events.Envelope) (models.ExecutionRecord, bool, error) {
	record := models.ExecutionRecord{
		RuleID:    rule.RuleID,
		EventID:   event.ID,
		TeamID:    rule.TeamID,
		EventType: event.Type,
		Status:    models.ExecStatusMatched,
		StartedAt: time.Now().UTC(),
	}

	tag, err := r.pool.Exec(ctx, `
		INSERT INTO rule_executions (rule_id, event_id, team_id, event_type, status, started_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (rule_id, event_id) DO NOTHING
	`, record.RuleID, record.EventID, record.TeamID, record.EventType, record.Status, record.StartedAt)
	if err != nil {
		return models.ExecutionRecord{}, false, err
	}
	if tag.RowsAffected() == 0 {
		row := r.pool.QueryRow(ctx, `
			SELECT rule_id, event_id, team_id, event_type, status, actions, started_at, completed_at
			FROM rule_executions
			WHERE rule_id = $1 AND event_id = $2
		`, record.RuleID, record.EventID)
		existing, err := scanExecution(row)
		if err != nil {
			// The row can vanish between the insert and the read if the
			// retention sweep prunes it; the claim outcome still stands.
			if errors.Is(err, pgx.ErrNoRows) {
				return models.ExecutionRecord{}, true, nil
			}
			return models.ExecutionRecord{}, false, err
		}
		return existing, true, nil
	}
	return record, false, nil
}

// Complete writes the terminal status and action outcomes, and bumps the
// rule's usage counters in the same transaction.
func (r *LedgerRepo) Complete(ctx context.Context, record models.ExecutionRecord) error {
	if !models.CanTransitionExecStatus(models.ExecStatusMatched, record.Status) {
		return fmt.Errorf("illegal status transition matched -> %s", record.Status)
	}
	actionsRaw, err := json.Marshal(record.Actions)
	if err != nil {
		return fmt.Errorf("encode action outcomes: %w", err)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE rule_executions
		SET status = $3, actions = $4, completed_at = $5
		WHERE rule_id = $1 AND event_id = $2 AND status = $6
	`, record.RuleID, record.EventID, record.Status, actionsRaw, record.CompletedAt, models.ExecStatusMatched)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrExecutionNotFound
	}

	if _, err := tx.Exec(ctx, `
		UPDATE automation_rules
		SET usage_count = usage_count + 1, last_used_at = NOW()
		WHERE rule_id = $1
	`, record.RuleID); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// RecordSkipped notes that the rule saw the event but its conditions did
// not hold. Conflicts are ignored so redeliveries stay silent.
func (r *LedgerRepo) RecordSkipped(ctx context.Context, rule models.AutomationRule, event events.Envelope) error {
	now := time.Now().UTC()
	_, err := r.pool.Exec(ctx, `
		INSERT INTO rule_executions (rule_id, event_id, team_id, event_type, status, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		ON CONFLICT (rule_id, event_id) DO NOTHING
	`, rule.RuleID, event.ID, rule.TeamID, event.Type, models.ExecStatusSkipped, now)
	return err
}

// PruneOlderThan deletes completed ledger rows past the retention horizon,
// in bounded batches so the sweep never holds long locks. Rows still in
// status "matched" are kept for inspection.
func (r *LedgerRepo) PruneOlderThan(ctx context.Context, cutoff time.Time, batch int) (int64, error) {
	if batch <= 0 {
		batch = 500
	}
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM rule_executions
		WHERE (rule_id, event_id) IN (
			SELECT rule_id, event_id
			FROM rule_executions
			WHERE completed_at IS NOT NULL AND completed_at < $1
			LIMIT $2
		)
	`, cutoff, batch)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

type ExecutionFilter struct {
	RuleID *uuid.UUID
	Status string
	Limit  int
	Offset int
}

func (r *LedgerRepo) ListByTeam(ctx context.Context, teamID uuid.UUID, filter ExecutionFilter) ([]models.ExecutionRecord, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	query := `
		SELECT rule_id, event_id, team_id, event_type, status, actions, started_at, completed_at
		FROM rule_executions
		WHERE team_id = $1
	`
	args := []any{teamID}
	if filter.RuleID != nil {
		args = append(args, *filter.RuleID)
		query += fmt.Sprintf(" AND rule_id = $%d", len(args))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	args = append(args, limit, offset)
	query += fmt.Sprintf(" ORDER BY started_at DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []models.ExecutionRecord
	for rows.Next() {
		record, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

func (r *LedgerRepo) GetByID(ctx context.Context, teamID uuid.UUID, ruleID uuid.UUID, eventID uuid.UUID) (models.ExecutionRecord, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT rule_id, event_id, team_id, event_type, status, actions, started_at, completed_at
		FROM rule_executions
		WHERE team_id = $1 AND rule_id = $2 AND event_id = $3
	`, teamID, ruleID, eventID)
	record, err := scanExecution(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ExecutionRecord{}, ErrExecutionNotFound
	}
	return record, err
}

func scanExecution(row pgx.Row) (models.ExecutionRecord, error) {
	var (
		record     models.ExecutionRecord
		actionsRaw []byte
	)
	err := row.Scan(
		&record.RuleID, &record.EventID, &record.TeamID, &record.EventType,
		&record.Status, &actionsRaw, &record.StartedAt, &record.CompletedAt,
	)
	if err != nil {
		return models.ExecutionRecord{}, err
	}
	if len(actionsRaw) > 0 {
		if err := json.Unmarshal(actionsRaw, &record.Actions); err != nil {
			return models.ExecutionRecord{}, fmt.Errorf("execution %s/%s: decode actions: %w", record.RuleID, record.EventID, err)
		}
	}
	return record, nil
}
