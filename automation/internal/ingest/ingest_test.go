package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/lnkday/automation-service/automation/internal/routing"
	"github.com/lnkday/automation-service/automation/internal/tasks"
	"github.com/lnkday/automation-service/shared/events"
	"github.com/lnkday/automation-service/shared/logx"
)

type publishedMessage struct {
	topic   string
	value   []byte
	headers map[string]string
}

type fakePublisher struct {
	published []publishedMessage
	err       error
}

func (p *fakePublisher) Publish(ctx context.Context, topic string, key []byte, value []byte, headers map[string]string) error {
	if p.err != nil {
		return p.err
	}
	p.published = append(p.published, publishedMessage{topic: topic, value: value, headers: headers})
	return nil
}

type fakeEnqueuer struct {
	enqueued []*asynq.Task
	err      error
}

func (q *fakeEnqueuer) EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	if q.err != nil {
		return nil, q.err
	}
	q.enqueued = append(q.enqueued, task)
	return &asynq.TaskInfo{}, nil
}

func testIngress(producer *fakePublisher, queue *fakeEnqueuer) *Ingress {
	return &Ingress{
		Logger:          logx.New("ingest-test", "test", "", "error"),
		Producer:        producer,
		Queue:           queue,
		Routes:          routing.Default("automation"),
		DeadLetterTopic: events.TopicDeadLetter,
		MaxAttempts:     3,
	}
}

func rawEnvelope(t *testing.T, env events.Envelope) []byte {
	t.Helper()
	raw, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return raw
}

func TestHandleMalformedGoesToDeadLetter(t *testing.T) {
	withID := events.Envelope{
		ID:        uuid.New(),
		Timestamp: time.Now().UTC(),
		Source:    "link-service",
		Data:      json.RawMessage(`{"teamId":"t"}`),
	}
	badPayload := withID
	badPayload.Type = "link.created"
	badPayload.Data = json.RawMessage(`[1,2]`)

	cases := []struct {
		name       string
		raw        []byte
		reason     string
		wantID     bool
		wantedUUID uuid.UUID
	}{
		{"unparseable", []byte(`{"id":`), "unparseable", false, uuid.Nil},
		{"invalid envelope", rawEnvelope(t, withID), "invalid_envelope", true, withID.ID},
		{"invalid payload", rawEnvelope(t, badPayload), "invalid_payload", true, badPayload.ID},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			producer := &fakePublisher{}
			queue := &fakeEnqueuer{}
			in := testIngress(producer, queue)

			if err := in.Handle(context.Background(), "link.events", tc.raw); err != nil {
				t.Fatalf("Handle: %v", err)
			}
			if len(queue.enqueued) != 0 {
				t.Fatal("malformed event must not be enqueued")
			}
			if len(producer.published) != 1 {
				t.Fatalf("published %d messages, want 1", len(producer.published))
			}
			msg := producer.published[0]
			if msg.topic != events.TopicDeadLetter {
				t.Fatalf("topic = %s", msg.topic)
			}
			if string(msg.value) != string(tc.raw) {
				t.Fatal("dead-letter payload must carry the original bytes")
			}
			if msg.headers["reason"] != tc.reason || msg.headers["source"] != "link.events" {
				t.Fatalf("headers = %v", msg.headers)
			}
			gotID, ok := msg.headers["event_id"]
			if tc.wantID && (!ok || gotID != tc.wantedUUID.String()) {
				t.Fatalf("event_id header = %q, want %s", gotID, tc.wantedUUID)
			}
			if !tc.wantID && ok {
				t.Fatalf("unexpected event_id header %q", gotID)
			}
		})
	}
}

func TestHandleWellFormedEnqueues(t *testing.T) {
	env := events.Envelope{
		ID:        uuid.New(),
		Type:      "link.created",
		Timestamp: time.Now().UTC(),
		Source:    "link-service",
		Data:      json.RawMessage(`{"teamId":"t"}`),
	}
	raw := rawEnvelope(t, env)
	producer := &fakePublisher{}
	queue := &fakeEnqueuer{}
	in := testIngress(producer, queue)

	if err := in.Handle(context.Background(), "link.events", raw); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(producer.published) != 0 {
		t.Fatal("well-formed event must not be dead-lettered")
	}
	if len(queue.enqueued) != 1 {
		t.Fatalf("enqueued %d tasks, want 1", len(queue.enqueued))
	}
	task := queue.enqueued[0]
	if task.Type() != tasks.TypeEventProcess {
		t.Fatalf("task type = %s", task.Type())
	}
	if string(task.Payload()) != string(raw) {
		t.Fatal("task payload must carry the original bytes")
	}
}

func TestHandleDuplicateTaskIDIsDeduped(t *testing.T) {
	env := events.Envelope{
		ID:        uuid.New(),
		Type:      "link.created",
		Timestamp: time.Now().UTC(),
		Source:    "link-service",
		Data:      json.RawMessage(`{"teamId":"t"}`),
	}
	producer := &fakePublisher{}
	queue := &fakeEnqueuer{err: asynq.ErrTaskIDConflict}
	in := testIngress(producer, queue)

	if err := in.Handle(context.Background(), "link.events", rawEnvelope(t, env)); err != nil {
		t.Fatalf("duplicate delivery must commit, got %v", err)
	}
	if len(producer.published) != 0 {
		t.Fatal("duplicate delivery must not be dead-lettered")
	}
}

func TestHandleInfrastructureErrorsPropagate(t *testing.T) {
	env := events.Envelope{
		ID:        uuid.New(),
		Type:      "link.created",
		Timestamp: time.Now().UTC(),
		Source:    "link-service",
		Data:      json.RawMessage(`{"teamId":"t"}`),
	}

	queueDown := errors.New("redis unavailable")
	in := testIngress(&fakePublisher{}, &fakeEnqueuer{err: queueDown})
	if err := in.Handle(context.Background(), "link.events", rawEnvelope(t, env)); !errors.Is(err, queueDown) {
		t.Fatalf("err = %v, want enqueue failure", err)
	}

	// A failed dead-letter publish also bubbles up so the offset stays
	// uncommitted and the message is redelivered.
	kafkaDown := errors.New("broker unavailable")
	in = testIngress(&fakePublisher{err: kafkaDown}, &fakeEnqueuer{})
	if err := in.Handle(context.Background(), "link.events", []byte(`{"id":`)); !errors.Is(err, kafkaDown) {
		t.Fatalf("err = %v, want publish failure", err)
	}
}
