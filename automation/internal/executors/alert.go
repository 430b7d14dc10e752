package executors

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"

	"github.com/lnkday/automation-service/automation/internal/models"
	"github.com/lnkday/automation-service/automation/internal/repos"
)

// AlertExecutor writes an in-app alert row. Config keys: "title"
// (required), "message", "severity" (info, warning or critical).
type AlertExecutor struct {
	Alerts *repos.AlertsRepo
}

func (e *AlertExecutor) Execute(ctx context.Context, config map[string]any, evalCtx map[string]any) (map[string]any, error) {
	title := stringOpt(config, "title")
	if title == "" {
		return nil, errors.New("create_alert: config missing title")
	}
	severity := stringOpt(config, "severity")
	switch severity {
	case "info", "warning", "critical":
	case "":
		severity = "info"
	default:
		return nil, errors.New("create_alert: invalid severity " + severity)
	}

	teamID, err := uuid.Parse(stringOpt(evalCtx, "teamId"))
	if err != nil {
		return nil, errors.New("create_alert: event payload has no teamId")
	}
	var (
		ruleID, _  = uuid.Parse(stringOpt(evalCtx, "_ruleId"))
		eventID, _ = uuid.Parse(stringOpt(evalCtx, "_eventId"))
	)
	metadata, _ := json.Marshal(evalCtx)

	alert, err := e.Alerts.Insert(ctx, models.Alert{
		TeamID:   teamID,
		RuleID:   ruleID,
		EventID:  eventID,
		Severity: severity,
		Title:    interpolate(title, evalCtx),
		Message:  interpolate(stringOpt(config, "message"), evalCtx),
		Metadata: metadata,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"alertId": alert.AlertID.String(), "severity": severity}, nil
}
