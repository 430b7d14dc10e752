package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/lnkday/automation-service/automation/internal/routing"
	"github.com/lnkday/automation-service/automation/internal/tasks"
	"github.com/lnkday/automation-service/shared/events"
	"github.com/lnkday/automation-service/shared/logx"
	"github.com/lnkday/automation-service/shared/metricsx"
)

// Publisher pushes a raw message onto a kafka topic. *mqx.Producer
// satisfies it.
type Publisher interface {
	Publish(ctx context.Context, topic string, key []byte, value []byte, headers map[string]string) error
}

// Enqueuer hands validated events to the processing queue. *asynq.Client
// satisfies it.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Ingress validates raw event messages and either enqueues them for
// processing or routes them to the dead-letter topic.
type Ingress struct {
	Logger          logx.Logger
	Producer        Publisher
	Queue           Enqueuer
	Routes          routing.Resolver
	DeadLetterTopic string
	MaxAttempts     int
	TaskTimeout     time.Duration
}

// Handle validates one raw message and enqueues it for processing.
// Malformed messages go to the dead-letter topic and return nil so the
// caller commits the offset; only infrastructure failures bubble up.
func (in *Ingress) Handle(ctx context.Context, topic string, raw []byte) error {
	var envelope events.Envelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return in.DeadLetter(ctx, topic, uuid.Nil, raw, "unparseable")
	}
	if err := envelope.Validate(); err != nil {
		return in.DeadLetter(ctx, topic, envelope.ID, raw, "invalid_envelope")
	}
	if _, err := envelope.Payload(); err != nil {
		return in.DeadLetter(ctx, topic, envelope.ID, raw, "invalid_payload")
	}

	timeout := in.TaskTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	task := asynq.NewTask(tasks.TypeEventProcess, raw,
		asynq.Queue(in.Routes.ResolveQueue(envelope.Type)),
		asynq.TaskID(envelope.ID.String()),
		asynq.MaxRetry(in.MaxAttempts),
		asynq.Timeout(timeout),
	)
	if _, err := in.Queue.EnqueueContext(ctx, task); err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			metricsx.IncEventDeduped()
			return nil
		}
		return err
	}
	return nil
}

// DeadLetter publishes an unprocessable event to the dead-letter topic.
// The event id is included in the log line and headers whenever parsing
// got far enough to recover one.
func (in *Ingress) DeadLetter(ctx context.Context, source string, eventID uuid.UUID, raw []byte, reason string) error {
	metricsx.IncEventDeadLettered(reason)
	attrs := []slog.Attr{
		slog.String("source", source),
		slog.String("reason", reason),
	}
	headers := map[string]string{
		"reason":    reason,
		"source":    source,
		"failed_at": time.Now().UTC().Format(time.RFC3339Nano),
	}
	if eventID != uuid.Nil {
		attrs = append(attrs, slog.String("event_id", eventID.String()))
		headers["event_id"] = eventID.String()
	}
	in.Logger.Warn(ctx, "event_deadlettered", "unprocessable event routed to dead-letter topic", attrs...)
	return in.Producer.Publish(ctx, in.DeadLetterTopic, nil, raw, headers)
}
