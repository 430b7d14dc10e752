package engine

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/lnkday/automation-service/automation/internal/models"
	"github.com/lnkday/automation-service/shared/events"
	"github.com/lnkday/automation-service/shared/logx"
)

// fakeLedger claims in memory the way the database does with its unique
// index on (rule_id, event_id), and hands back the stored row on conflict.
type fakeLedger struct {
	mu        sync.Mutex
	claims    map[string]models.ExecutionRecord
	conflicts []models.ExecutionRecord
	completed []models.ExecutionRecord
	skipped   []uuid.UUID
	beginErr  error
	complErr  error
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{claims: map[string]models.ExecutionRecord{}}
}

func (l *fakeLedger) key(ruleID uuid.UUID, eventID uuid.UUID) string {
	return ruleID.String() + "/" + eventID.String()
}

func (l *fakeLedger) TryBegin(ctx context.Context, rule models.AutomationRule, event events.Envelope) (models.ExecutionRecord, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.beginErr != nil {
		return models.ExecutionRecord{}, false, l.beginErr
	}
	k := l.key(rule.RuleID, event.ID)
	if existing, ok := l.claims[k]; ok {
		l.conflicts = append(l.conflicts, existing)
		return existing, true, nil
	}
	record := models.ExecutionRecord{
		RuleID:    rule.RuleID,
		EventID:   event.ID,
		TeamID:    rule.TeamID,
		EventType: event.Type,
		Status:    models.ExecStatusMatched,
		StartedAt: time.Now().UTC(),
	}
	l.claims[k] = record
	return record, false, nil
}

func (l *fakeLedger) Complete(ctx context.Context, record models.ExecutionRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.complErr != nil {
		return l.complErr
	}
	l.claims[l.key(record.RuleID, record.EventID)] = record
	l.completed = append(l.completed, record)
	return nil
}

func (l *fakeLedger) RecordSkipped(ctx context.Context, rule models.AutomationRule, event events.Envelope) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.skipped = append(l.skipped, rule.RuleID)
	return nil
}

func newTestEngine(ledger Ledger, ruleSet ...models.AutomationRule) *Engine {
	logger := logx.New("engine-test", "test", "", "error")
	reg := NewRegistry()
	reg.Register("send_webhook", ExecutorFunc(func(ctx context.Context, config map[string]any, evalCtx map[string]any) (map[string]any, error) {
		return map[string]any{"statusCode": 200.0}, nil
	}))
	reg.Register("explode", ExecutorFunc(func(ctx context.Context, config map[string]any, evalCtx map[string]any) (map[string]any, error) {
		panic("executor bug")
	}))
	ix := NewIndex()
	ix.ReplaceAll(ruleSet)
	return &Engine{
		Index:  ix,
		Ledger: ledger,
		Dispatcher: &Dispatcher{
			Registry:    reg,
			Logger:      logger,
			Timeout:     time.Second,
			MaxAttempts: 1,
			sleep:       func(ctx context.Context, d time.Duration) {},
		},
		Logger: logger,
	}
}

func clickEnvelope(teamID uuid.UUID, extra map[string]any) events.Envelope {
	payload := map[string]any{"teamId": teamID.String()}
	for k, v := range extra {
		payload[k] = v
	}
	data, _ := json.Marshal(payload)
	return events.Envelope{
		ID:        uuid.New(),
		Type:      "link.created",
		Timestamp: time.Now().UTC(),
		Source:    "link-service",
		Data:      data,
	}
}

func TestProcessEventCompletesMatchingRule(t *testing.T) {
	team := uuid.New()
	rule := eventRule(team, time.Now(), "link.created")
	ledger := newFakeLedger()
	eng := newTestEngine(ledger, rule)

	env := clickEnvelope(team, nil)
	if err := eng.ProcessEvent(context.Background(), env); err != nil {
		t.Fatalf("ProcessEvent: %v", err)
	}
	if len(ledger.completed) != 1 {
		t.Fatalf("completed %d executions, want 1", len(ledger.completed))
	}
	rec := ledger.completed[0]
	if rec.RuleID != rule.RuleID || rec.EventID != env.ID {
		t.Fatalf("record = %+v", rec)
	}
	if rec.Status != models.ExecStatusCompleted || rec.CompletedAt == nil {
		t.Fatalf("record status = %s completedAt = %v", rec.Status, rec.CompletedAt)
	}
	if len(rec.Actions) != 1 || rec.Actions[0].Status != models.ActionStatusExecuted {
		t.Fatalf("record actions = %+v", rec.Actions)
	}
}

func TestProcessEventRedeliveryIsNoOp(t *testing.T) {
	team := uuid.New()
	rule := eventRule(team, time.Now(), "link.created")
	ledger := newFakeLedger()
	eng := newTestEngine(ledger, rule)

	env := clickEnvelope(team, nil)
	for i := 0; i < 3; i++ {
		if err := eng.ProcessEvent(context.Background(), env); err != nil {
			t.Fatalf("delivery %d: %v", i, err)
		}
	}
	if len(ledger.completed) != 1 {
		t.Fatalf("completed %d executions across redeliveries, want 1", len(ledger.completed))
	}
	// Redeliveries observe the stored record, terminal status included.
	if len(ledger.conflicts) != 2 {
		t.Fatalf("saw %d claim conflicts, want 2", len(ledger.conflicts))
	}
	for _, rec := range ledger.conflicts {
		if rec.Status != models.ExecStatusCompleted {
			t.Fatalf("conflict returned status %q, want completed", rec.Status)
		}
	}
}

func TestProcessEventConcurrentDeliveries(t *testing.T) {
	team := uuid.New()
	rule := eventRule(team, time.Now(), "link.created")
	ledger := newFakeLedger()
	eng := newTestEngine(ledger, rule)

	env := clickEnvelope(team, nil)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = eng.ProcessEvent(context.Background(), env)
		}()
	}
	wg.Wait()
	if len(ledger.completed) != 1 {
		t.Fatalf("completed %d executions under concurrent delivery, want 1", len(ledger.completed))
	}
}

func TestProcessEventRecordsSkipped(t *testing.T) {
	team := uuid.New()
	rule := eventRule(team, time.Now(), "link.created")
	rule.Conditions = []models.Condition{{Field: "clicks", Operator: models.OpGt, Value: 100.0}}
	ledger := newFakeLedger()
	eng := newTestEngine(ledger, rule)

	env := clickEnvelope(team, map[string]any{"clicks": 5.0})
	if err := eng.ProcessEvent(context.Background(), env); err != nil {
		t.Fatalf("ProcessEvent: %v", err)
	}
	if len(ledger.completed) != 0 {
		t.Fatalf("completed %d executions, want 0", len(ledger.completed))
	}
	if len(ledger.skipped) != 1 || ledger.skipped[0] != rule.RuleID {
		t.Fatalf("skipped = %v", ledger.skipped)
	}
}

func TestProcessEventMalformedPayload(t *testing.T) {
	team := uuid.New()
	eng := newTestEngine(newFakeLedger(), eventRule(team, time.Now(), "link.created"))

	env := clickEnvelope(team, nil)
	env.Data = json.RawMessage(`{"teamId": 42}`)
	err := eng.ProcessEvent(context.Background(), env)
	if !errors.Is(err, events.ErrMalformedEnvelope) {
		t.Fatalf("err = %v, want malformed envelope", err)
	}

	env.Data = nil
	if err := eng.ProcessEvent(context.Background(), env); !errors.Is(err, events.ErrMalformedEnvelope) {
		t.Fatalf("missing teamId: err = %v, want malformed envelope", err)
	}
}

func TestProcessEventInvalidEnvelope(t *testing.T) {
	eng := newTestEngine(newFakeLedger())
	env := events.Envelope{Type: "link.created"}
	if err := eng.ProcessEvent(context.Background(), env); !errors.Is(err, events.ErrMalformedEnvelope) {
		t.Fatalf("err = %v, want malformed envelope", err)
	}
}

func TestProcessEventStorageErrorPropagates(t *testing.T) {
	team := uuid.New()
	rule := eventRule(team, time.Now(), "link.created")
	ledger := newFakeLedger()
	ledger.beginErr = errors.New("connection refused")
	eng := newTestEngine(ledger, rule)

	err := eng.ProcessEvent(context.Background(), clickEnvelope(team, nil))
	if err == nil || !strings.Contains(err.Error(), "connection refused") {
		t.Fatalf("err = %v, want storage error", err)
	}
}

func TestProcessEventCompleteFailureLeavesClaim(t *testing.T) {
	team := uuid.New()
	rule := eventRule(team, time.Now(), "link.created")
	ledger := newFakeLedger()
	ledger.complErr = errors.New("write timeout")
	eng := newTestEngine(ledger, rule)

	env := clickEnvelope(team, nil)
	if err := eng.ProcessEvent(context.Background(), env); err == nil {
		t.Fatal("expected completion error to propagate")
	}
	// The claim row stays, so a redelivery does not re-run actions.
	ledger.complErr = nil
	if err := eng.ProcessEvent(context.Background(), env); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if len(ledger.completed) != 0 {
		t.Fatalf("completed %d executions, want 0, claim already taken", len(ledger.completed))
	}
}

func TestProcessEventPanicIsolatedPerRule(t *testing.T) {
	team := uuid.New()
	ts := time.Now()
	bad := eventRule(team, ts, "link.created")
	bad.Actions = []models.Action{{Type: "explode"}}
	good := eventRule(team, ts.Add(time.Second), "link.created")

	ledger := newFakeLedger()
	eng := newTestEngine(ledger, bad, good)

	if err := eng.ProcessEvent(context.Background(), clickEnvelope(team, nil)); err != nil {
		t.Fatalf("ProcessEvent: %v", err)
	}
	// The panicking rule contributes nothing, the sibling still completes.
	found := false
	for _, rec := range ledger.completed {
		if rec.RuleID == good.RuleID {
			found = true
		}
	}
	if !found {
		t.Fatalf("good rule never completed, records = %+v", ledger.completed)
	}
}

func TestRunRuleScheduledTrigger(t *testing.T) {
	team := uuid.New()
	rule := models.AutomationRule{
		RuleID: uuid.New(),
		TeamID: team,
		Name:   "nightly report",
		Trigger: models.Trigger{
			Type:   models.TriggerTypeSchedule,
			Config: map[string]any{"intervalMinutes": 60.0},
		},
		Actions: []models.Action{{Type: "send_webhook"}},
		Enabled: true,
	}
	ledger := newFakeLedger()
	eng := newTestEngine(ledger)

	data, _ := json.Marshal(map[string]any{"teamId": team.String(), "ruleId": rule.RuleID.String()})
	env := events.Envelope{
		ID:        uuid.New(),
		Type:      events.EventScheduleTick,
		Timestamp: time.Now().UTC(),
		Source:    "automation-scheduler",
		Data:      data,
	}
	if err := eng.RunRule(context.Background(), rule, env); err != nil {
		t.Fatalf("RunRule: %v", err)
	}
	if len(ledger.completed) != 1 || ledger.completed[0].RuleID != rule.RuleID {
		t.Fatalf("completed = %+v", ledger.completed)
	}
}

func TestTeamFromPayload(t *testing.T) {
	id := uuid.New()
	got, err := teamFromPayload(map[string]any{"teamId": id.String()})
	if err != nil || got != id {
		t.Fatalf("got %v, %v", got, err)
	}
	for name, payload := range map[string]map[string]any{
		"missing":    {},
		"not string": {"teamId": 7.0},
		"not uuid":   {"teamId": "team-42"},
	} {
		if _, err := teamFromPayload(payload); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}
