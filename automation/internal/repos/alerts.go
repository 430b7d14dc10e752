package repos

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lnkday/automation-service/automation/internal/models"
)

type AlertsRepo struct {
	pool *pgxpool.Pool
}

func NewAlertsRepo(pool *pgxpool.Pool) *AlertsRepo {
	return &AlertsRepo{pool: pool}
}

func (r *AlertsRepo) Insert(ctx context.Context, alert models.Alert) (models.Alert, error) {
	if alert.AlertID == uuid.Nil {
		alert.AlertID = uuid.New()
	}
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = time.Now().UTC()
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO automation_alerts (alert_id, team_id, rule_id, event_id, severity, title, message, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, alert.AlertID, alert.TeamID, alert.RuleID, alert.EventID,
		alert.Severity, alert.Title, alert.Message, alert.Metadata, alert.CreatedAt)
	if err != nil {
		return models.Alert{}, err
	}
	return alert, nil
}

func (r *AlertsRepo) ListByTeam(ctx context.Context, teamID uuid.UUID, limit int) ([]models.Alert, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
		SELECT alert_id, team_id, rule_id, event_id, severity, title, message, metadata, created_at
		FROM automation_alerts
		WHERE team_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, teamID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var alerts []models.Alert
	for rows.Next() {
		var a models.Alert
		if err := rows.Scan(&a.AlertID, &a.TeamID, &a.RuleID, &a.EventID,
			&a.Severity, &a.Title, &a.Message, &a.Metadata, &a.CreatedAt); err != nil {
			return nil, err
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}
