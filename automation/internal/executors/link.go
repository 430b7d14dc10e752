package executors

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/lnkday/automation-service/shared/events"
	"github.com/lnkday/automation-service/shared/mqx"
)

// LinkCommandExecutor publishes an update command for the link service to
// apply. The automation service never mutates links directly; the link
// service owns that table. Config keys: "fields" (required map of columns
// to set). The link id is taken from the event payload.
type LinkCommandExecutor struct {
	Producer *mqx.Producer
	Topic    string
}

type linkCommand struct {
	CommandID string         `json:"commandId"`
	TeamID    string         `json:"teamId"`
	LinkID    string         `json:"linkId"`
	Command   string         `json:"command"`
	Fields    map[string]any `json:"fields"`
	IssuedAt  time.Time      `json:"issuedAt"`
	Source    string         `json:"source"`
}

func (e *LinkCommandExecutor) Execute(ctx context.Context, config map[string]any, evalCtx map[string]any) (map[string]any, error) {
	fields, ok := config["fields"].(map[string]any)
	if !ok || len(fields) == 0 {
		return nil, errors.New("update_link: config missing fields")
	}
	linkID := stringOpt(evalCtx, "linkId")
	if linkID == "" {
		return nil, errors.New("update_link: event payload has no linkId")
	}

	cmd := linkCommand{
		CommandID: uuid.NewString(),
		TeamID:    stringOpt(evalCtx, "teamId"),
		LinkID:    linkID,
		Command:   "update",
		Fields:    fields,
		IssuedAt:  time.Now().UTC(),
		Source:    "automation-service",
	}
	topic := e.Topic
	if topic == "" {
		topic = events.TopicLinkCommands
	}
	if err := e.Producer.PublishJSON(ctx, topic, []byte(linkID), cmd, nil); err != nil {
		return nil, err
	}
	return map[string]any{"commandId": cmd.CommandID, "linkId": linkID}, nil
}
