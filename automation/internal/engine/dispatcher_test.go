package engine

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/lnkday/automation-service/automation/internal/models"
	"github.com/lnkday/automation-service/shared/events"
	"github.com/lnkday/automation-service/shared/logx"
)

func testDispatcher(reg *Registry) *Dispatcher {
	return &Dispatcher{
		Registry:    reg,
		Logger:      logx.New("dispatcher-test", "test", "", "error"),
		Timeout:     time.Second,
		MaxAttempts: 1,
		Backoff:     time.Millisecond,
		sleep:       func(ctx context.Context, d time.Duration) {},
	}
}

func testEnvelope() events.Envelope {
	return events.Envelope{
		ID:        uuid.New(),
		Type:      "link.click_threshold",
		Timestamp: time.Now().UTC(),
		Source:    "analytics-service",
	}
}

func TestDispatchSequentialOrder(t *testing.T) {
	var order []string
	reg := NewRegistry()
	reg.Register("record", ExecutorFunc(func(ctx context.Context, config map[string]any, evalCtx map[string]any) (map[string]any, error) {
		order = append(order, config["label"].(string))
		return map[string]any{"label": config["label"]}, nil
	}))

	rule := models.AutomationRule{
		RuleID: uuid.New(),
		Actions: []models.Action{
			{Type: "record", Config: map[string]any{"label": "first"}},
			{Type: "record", Config: map[string]any{"label": "second"}},
			{Type: "record", Config: map[string]any{"label": "third"}},
		},
	}

	results, status := testDispatcher(reg).Dispatch(context.Background(), rule, testEnvelope(), map[string]any{})
	if status != models.ExecStatusCompleted {
		t.Fatalf("status = %s, want completed", status)
	}
	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}
	want := []string{"first", "second", "third"}
	for i, label := range want {
		if order[i] != label {
			t.Fatalf("execution order %v, want %v", order, want)
		}
		if results[i].ActionIndex != i || results[i].Status != models.ActionStatusExecuted {
			t.Fatalf("result %d = %+v", i, results[i])
		}
	}
}

func TestDispatchContextAccumulation(t *testing.T) {
	reg := NewRegistry()
	reg.Register("produce", ExecutorFunc(func(ctx context.Context, config map[string]any, evalCtx map[string]any) (map[string]any, error) {
		return map[string]any{"token": "abc"}, nil
	}))
	var seen map[string]any
	reg.Register("consume", ExecutorFunc(func(ctx context.Context, config map[string]any, evalCtx map[string]any) (map[string]any, error) {
		seen = evalCtx
		return nil, nil
	}))

	rule := models.AutomationRule{
		RuleID: uuid.New(),
		Actions: []models.Action{
			{Type: "produce", Name: "lookup"},
			{Type: "produce"},
			{Type: "consume"},
		},
	}
	env := testEnvelope()
	testDispatcher(reg).Dispatch(context.Background(), rule, env, map[string]any{"linkId": "l1"})

	if seen == nil {
		t.Fatal("consume executor never ran")
	}
	if seen["linkId"] != "l1" {
		t.Fatal("payload fields missing from eval context")
	}
	// Named results key by name, anonymous ones by list index.
	named, ok := seen["lookup"].(map[string]any)
	if !ok || named["token"] != "abc" {
		t.Fatalf("named result missing, got %v", seen["lookup"])
	}
	indexed, ok := seen["1"].(map[string]any)
	if !ok || indexed["token"] != "abc" {
		t.Fatalf("indexed result missing, got %v", seen["1"])
	}
	if seen["_ruleId"] != rule.RuleID.String() || seen["_eventId"] != env.ID.String() || seen["_eventType"] != env.Type {
		t.Fatal("meta fields missing from eval context")
	}
}

func TestDispatchRetriesThenSucceeds(t *testing.T) {
	calls := 0
	reg := NewRegistry()
	reg.Register("flaky", ExecutorFunc(func(ctx context.Context, config map[string]any, evalCtx map[string]any) (map[string]any, error) {
		calls++
		if calls < 3 {
			return nil, errors.New("transient")
		}
		return map[string]any{"ok": true}, nil
	}))

	d := testDispatcher(reg)
	d.MaxAttempts = 3
	rule := models.AutomationRule{RuleID: uuid.New(), Actions: []models.Action{{Type: "flaky"}}}

	results, status := d.Dispatch(context.Background(), rule, testEnvelope(), map[string]any{})
	if status != models.ExecStatusCompleted {
		t.Fatalf("status = %s, want completed", status)
	}
	if calls != 3 || results[0].Attempts != 3 {
		t.Fatalf("calls=%d attempts=%d, want 3/3", calls, results[0].Attempts)
	}
}

func TestDispatchRetriesExhausted(t *testing.T) {
	calls := 0
	reg := NewRegistry()
	reg.Register("broken", ExecutorFunc(func(ctx context.Context, config map[string]any, evalCtx map[string]any) (map[string]any, error) {
		calls++
		return nil, errors.New("permanent")
	}))

	d := testDispatcher(reg)
	d.MaxAttempts = 2
	rule := models.AutomationRule{RuleID: uuid.New(), Actions: []models.Action{{Type: "broken"}}}

	results, status := d.Dispatch(context.Background(), rule, testEnvelope(), map[string]any{})
	if status != models.ExecStatusFailed {
		t.Fatalf("status = %s, want failed", status)
	}
	if calls != 2 || results[0].Attempts != 2 {
		t.Fatalf("calls=%d attempts=%d, want 2/2", calls, results[0].Attempts)
	}
	if results[0].LastError != "permanent" {
		t.Fatalf("last error = %q", results[0].LastError)
	}
}

func TestDispatchAttemptsByTypeOverride(t *testing.T) {
	calls := 0
	reg := NewRegistry()
	reg.Register("send_webhook", ExecutorFunc(func(ctx context.Context, config map[string]any, evalCtx map[string]any) (map[string]any, error) {
		calls++
		return nil, errors.New("down")
	}))

	d := testDispatcher(reg)
	d.MaxAttempts = 1
	d.AttemptsByType = map[string]int{"send_webhook": 4}
	rule := models.AutomationRule{RuleID: uuid.New(), Actions: []models.Action{{Type: "send_webhook"}}}

	d.Dispatch(context.Background(), rule, testEnvelope(), map[string]any{})
	if calls != 4 {
		t.Fatalf("calls = %d, want per-type override of 4", calls)
	}
}

func TestDispatchUnsupportedAction(t *testing.T) {
	reg := NewRegistry()
	reg.Register("known", ExecutorFunc(func(ctx context.Context, config map[string]any, evalCtx map[string]any) (map[string]any, error) {
		return nil, nil
	}))

	rule := models.AutomationRule{
		RuleID: uuid.New(),
		Actions: []models.Action{
			{Type: "teleport"},
			{Type: "known"},
		},
	}
	results, status := testDispatcher(reg).Dispatch(context.Background(), rule, testEnvelope(), map[string]any{})
	if status != models.ExecStatusPartial {
		t.Fatalf("status = %s, want partial", status)
	}
	if results[0].Status != models.ActionStatusFailed || !strings.Contains(results[0].LastError, "unsupported action type") {
		t.Fatalf("result 0 = %+v", results[0])
	}
	if results[1].Status != models.ActionStatusExecuted {
		t.Fatalf("sibling should still run, got %+v", results[1])
	}
}

func TestDispatchGuardSkips(t *testing.T) {
	ran := false
	reg := NewRegistry()
	reg.Register("guarded", ExecutorFunc(func(ctx context.Context, config map[string]any, evalCtx map[string]any) (map[string]any, error) {
		ran = true
		return nil, nil
	}))

	rule := models.AutomationRule{
		RuleID: uuid.New(),
		Actions: []models.Action{{
			Type:      "guarded",
			Condition: &models.ActionCondition{Field: "country", Operator: models.OpEq, Value: "FR"},
		}},
	}
	results, status := testDispatcher(reg).Dispatch(context.Background(), rule, testEnvelope(), map[string]any{"country": "DE"})
	if ran {
		t.Fatal("guarded executor should not have run")
	}
	if results[0].Status != models.ActionStatusSkipped {
		t.Fatalf("result = %+v", results[0])
	}
	// A guard skip is not a failure.
	if status != models.ExecStatusCompleted {
		t.Fatalf("status = %s, want completed", status)
	}
}

func TestDispatchGuardSeesPriorResults(t *testing.T) {
	reg := NewRegistry()
	reg.Register("check", ExecutorFunc(func(ctx context.Context, config map[string]any, evalCtx map[string]any) (map[string]any, error) {
		return map[string]any{"verdict": "flagged"}, nil
	}))
	ran := false
	reg.Register("followup", ExecutorFunc(func(ctx context.Context, config map[string]any, evalCtx map[string]any) (map[string]any, error) {
		ran = true
		return nil, nil
	}))

	rule := models.AutomationRule{
		RuleID: uuid.New(),
		Actions: []models.Action{
			{Type: "check", Name: "scan"},
			{
				Type:      "followup",
				Condition: &models.ActionCondition{Field: "scan.verdict", Operator: models.OpEq, Value: "flagged"},
			},
		},
	}
	testDispatcher(reg).Dispatch(context.Background(), rule, testEnvelope(), map[string]any{})
	if !ran {
		t.Fatal("guard on a prior action result should have passed")
	}
}

func TestDispatchDisabledMidRun(t *testing.T) {
	calls := 0
	reg := NewRegistry()
	reg.Register("step", ExecutorFunc(func(ctx context.Context, config map[string]any, evalCtx map[string]any) (map[string]any, error) {
		calls++
		return nil, nil
	}))

	d := testDispatcher(reg)
	d.Active = func(ruleID uuid.UUID) bool { return calls == 0 }
	rule := models.AutomationRule{
		RuleID: uuid.New(),
		Actions: []models.Action{
			{Type: "step"},
			{Type: "step"},
			{Type: "step"},
		},
	}
	results, status := d.Dispatch(context.Background(), rule, testEnvelope(), map[string]any{})
	if calls != 1 {
		t.Fatalf("calls = %d, want 1, only the first action should run", calls)
	}
	if results[1].Status != models.ActionStatusSkipped || results[2].Status != models.ActionStatusSkipped {
		t.Fatalf("remaining actions should be skipped, got %+v", results)
	}
	if status != models.ExecStatusCompleted {
		t.Fatalf("status = %s, want completed", status)
	}
}

func TestDispatchEmptyActions(t *testing.T) {
	rule := models.AutomationRule{RuleID: uuid.New()}
	results, status := testDispatcher(NewRegistry()).Dispatch(context.Background(), rule, testEnvelope(), map[string]any{})
	if len(results) != 0 || status != models.ExecStatusCompleted {
		t.Fatalf("got %v/%s, want empty completed", results, status)
	}
}

func TestDispatchTimeout(t *testing.T) {
	reg := NewRegistry()
	reg.Register("slow", ExecutorFunc(func(ctx context.Context, config map[string]any, evalCtx map[string]any) (map[string]any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))

	d := testDispatcher(reg)
	d.Timeout = 5 * time.Millisecond
	rule := models.AutomationRule{RuleID: uuid.New(), Actions: []models.Action{{Type: "slow"}}}

	results, status := d.Dispatch(context.Background(), rule, testEnvelope(), map[string]any{})
	if status != models.ExecStatusFailed {
		t.Fatalf("status = %s, want failed", status)
	}
	if !strings.Contains(results[0].LastError, "action timed out") {
		t.Fatalf("last error = %q", results[0].LastError)
	}
}

func TestRuleStatusFold(t *testing.T) {
	exec := func(s string) models.ActionExecution { return models.ActionExecution{Status: s} }
	cases := []struct {
		name    string
		results []models.ActionExecution
		want    string
	}{
		{"all executed", []models.ActionExecution{exec(models.ActionStatusExecuted)}, models.ExecStatusCompleted},
		{"all skipped", []models.ActionExecution{exec(models.ActionStatusSkipped)}, models.ExecStatusCompleted},
		{"mixed", []models.ActionExecution{exec(models.ActionStatusExecuted), exec(models.ActionStatusFailed)}, models.ExecStatusPartial},
		{"skipped and failed", []models.ActionExecution{exec(models.ActionStatusSkipped), exec(models.ActionStatusFailed)}, models.ExecStatusPartial},
		{"all failed", []models.ActionExecution{exec(models.ActionStatusFailed), exec(models.ActionStatusFailed)}, models.ExecStatusFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ruleStatus(tc.results); got != tc.want {
				t.Fatalf("got %s, want %s", got, tc.want)
			}
		})
	}
}

func TestRetryBackoffCap(t *testing.T) {
	if d := retryBackoff(time.Second, 1); d != time.Second {
		t.Fatalf("attempt 1 = %v", d)
	}
	if d := retryBackoff(time.Second, 3); d != 4*time.Second {
		t.Fatalf("attempt 3 = %v", d)
	}
	if d := retryBackoff(time.Second, 10); d != 30*time.Second {
		t.Fatalf("cap = %v", d)
	}
}
