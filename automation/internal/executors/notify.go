package executors

import (
	"context"
	"errors"
	"fmt"

	"github.com/lnkday/automation-service/shared/clients/notifier"
)

// EmailExecutor sends an email through the notification service. Config
// keys: "to" (required), "subject", "body". Both subject and body support
// {{field}} interpolation against the evaluation context.
type EmailExecutor struct {
	Notifier *notifier.Client
}

func (e *EmailExecutor) Execute(ctx context.Context, config map[string]any, evalCtx map[string]any) (map[string]any, error) {
	to := stringOpt(config, "to")
	if to == "" {
		return nil, errors.New("send_email: config missing to")
	}
	resp, err := e.Notifier.Send(ctx, notifier.SendRequest{
		TeamID:  stringOpt(evalCtx, "teamId"),
		Channel: notifier.ChannelEmail,
		To:      to,
		Subject: interpolate(stringOpt(config, "subject"), evalCtx),
		Body:    interpolate(stringOpt(config, "body"), evalCtx),
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"messageId": resp.MessageID, "accepted": resp.Accepted}, nil
}

// SlackExecutor posts to a Slack channel through the notification service.
// Config keys: "channel" (required), "message".
type SlackExecutor struct {
	Notifier *notifier.Client
}

func (e *SlackExecutor) Execute(ctx context.Context, config map[string]any, evalCtx map[string]any) (map[string]any, error) {
	channel := stringOpt(config, "channel")
	if channel == "" {
		return nil, errors.New("send_slack: config missing channel")
	}
	resp, err := e.Notifier.Send(ctx, notifier.SendRequest{
		TeamID:  stringOpt(evalCtx, "teamId"),
		Channel: notifier.ChannelSlack,
		To:      channel,
		Body:    interpolate(stringOpt(config, "message"), evalCtx),
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"messageId": resp.MessageID, "accepted": resp.Accepted}, nil
}

func stringOpt(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

// interpolate replaces {{field}} placeholders with evaluation-context
// values. Dotted paths are not supported here; templates reference
// top-level fields only.
func interpolate(template string, evalCtx map[string]any) string {
	if template == "" {
		return ""
	}
	out := make([]byte, 0, len(template))
	for i := 0; i < len(template); {
		if i+1 < len(template) && template[i] == '{' && template[i+1] == '{' {
			end := -1
			for j := i + 2; j+1 < len(template); j++ {
				if template[j] == '}' && template[j+1] == '}' {
					end = j
					break
				}
			}
			if end > 0 {
				key := template[i+2 : end]
				if v, ok := evalCtx[key]; ok {
					out = append(out, fmt.Sprintf("%v", v)...)
					i = end + 2
					continue
				}
			}
		}
		out = append(out, template[i])
		i++
	}
	return string(out)
}
