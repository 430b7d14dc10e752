package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lnkday/automation-service/automation/internal/models"
	"github.com/lnkday/automation-service/shared/events"
	"github.com/lnkday/automation-service/shared/logx"
	"github.com/lnkday/automation-service/shared/metricsx"
)

var (
	ErrUnsupportedAction = errors.New("unsupported action type")
	ErrActionTimeout     = errors.New("action timed out")
)

// ActionExecutor is the pluggable capability behind one action type. The
// dispatcher treats it as an opaque, retryable, timeout-bounded call.
type ActionExecutor interface {
	Execute(ctx context.Context, config map[string]any, evalCtx map[string]any) (map[string]any, error)
}

type ExecutorFunc func(ctx context.Context, config map[string]any, evalCtx map[string]any) (map[string]any, error)

func (f ExecutorFunc) Execute(ctx context.Context, config map[string]any, evalCtx map[string]any) (map[string]any, error) {
	return f(ctx, config, evalCtx)
}

type Registry struct {
	mu        sync.RWMutex
	executors map[string]ActionExecutor
}

func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]ActionExecutor)}
}

func (r *Registry) Register(actionType string, exec ActionExecutor) {
	r.mu.Lock()
	r.executors[actionType] = exec
	r.mu.Unlock()
}

func (r *Registry) Resolve(actionType string) (ActionExecutor, bool) {
	r.mu.RLock()
	exec, ok := r.executors[actionType]
	r.mu.RUnlock()
	return exec, ok
}

type Dispatcher struct {
	Registry    *Registry
	Logger      logx.Logger
	Timeout     time.Duration
	MaxAttempts int
	Backoff     time.Duration

	// AttemptsByType overrides MaxAttempts for specific action types.
	AttemptsByType map[string]int

	// Active reports whether the rule is still enabled. Checked before each
	// action only; an in-flight invocation always runs to completion.
	Active func(ruleID uuid.UUID) bool

	// sleep is swapped out in tests.
	sleep func(ctx context.Context, d time.Duration)
}

// Dispatch runs a rule's actions strictly in list order. One action's
// terminal failure never blocks its siblings.
func (d *Dispatcher) Dispatch(ctx context.Context, rule models.AutomationRule, event events.Envelope, payload map[string]any) ([]models.ActionExecution, string) {
	start := time.Now()
	defer func() { metricsx.ObserveDispatchLatency(time.Since(start)) }()

	if len(rule.Actions) == 0 {
		// The store rejects rules without actions; re-assert here so a bad
		// row degrades to a no-op instead of a crash.
		d.Logger.Warn(ctx, "rule_without_actions", "rule has no actions",
			slog.String("rule_id", rule.RuleID.String()),
		)
		return nil, models.ExecStatusCompleted
	}

	evalCtx := make(map[string]any, len(payload)+len(rule.Actions)+3)
	for k, v := range payload {
		evalCtx[k] = v
	}
	// Meta fields for executors; underscored so they cannot collide with
	// event payload fields.
	evalCtx["_ruleId"] = rule.RuleID.String()
	evalCtx["_eventId"] = event.ID.String()
	evalCtx["_eventType"] = event.Type

	results := make([]models.ActionExecution, 0, len(rule.Actions))
	disabled := false
	for i, action := range rule.Actions {
		exec := models.ActionExecution{
			ActionIndex: i,
			ActionType:  action.Type,
			ActionName:  action.Name,
		}

		if !disabled && d.Active != nil && !d.Active(rule.RuleID) {
			disabled = true
			d.Logger.Info(ctx, "rule_disabled_mid_dispatch", "rule disabled, skipping remaining actions",
				slog.String("rule_id", rule.RuleID.String()),
				slog.Int("action_index", i),
			)
		}
		if disabled {
			exec.Status = models.ActionStatusSkipped
			results = append(results, exec)
			metricsx.IncActionStatus(action.Type, exec.Status)
			continue
		}

		if !GuardMatches(action.Condition, evalCtx) {
			exec.Status = models.ActionStatusSkipped
			results = append(results, exec)
			metricsx.IncActionStatus(action.Type, exec.Status)
			continue
		}

		executor, ok := d.Registry.Resolve(action.Type)
		if !ok {
			exec.Status = models.ActionStatusFailed
			exec.LastError = fmt.Sprintf("%v: %s", ErrUnsupportedAction, action.Type)
			results = append(results, exec)
			metricsx.IncActionStatus(action.Type, exec.Status)
			d.Logger.Warn(ctx, "action_unsupported", "no executor registered for action type",
				slog.String("rule_id", rule.RuleID.String()),
				slog.String("event_id", event.ID.String()),
				slog.String("action_type", action.Type),
			)
			continue
		}

		result, attempts, err := d.runWithRetry(ctx, executor, action, evalCtx)
		exec.Attempts = attempts
		if err != nil {
			exec.Status = models.ActionStatusFailed
			exec.LastError = err.Error()
			d.Logger.Error(ctx, "action_failed", "action failed after retries",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("rule_id", rule.RuleID.String()),
				slog.String("event_id", event.ID.String()),
				slog.String("action_type", action.Type),
				slog.Int("attempts", attempts),
				slog.String("error", err.Error()),
			)
		} else {
			exec.Status = models.ActionStatusExecuted
			exec.Result = result
			key := action.Name
			if key == "" {
				key = strconv.Itoa(i)
			}
			evalCtx[key] = anyMap(result)
		}
		results = append(results, exec)
		metricsx.IncActionStatus(action.Type, exec.Status)
	}

	return results, ruleStatus(results)
}

func (d *Dispatcher) runWithRetry(ctx context.Context, executor ActionExecutor, action models.Action, evalCtx map[string]any) (map[string]any, int, error) {
	maxAttempts := d.MaxAttempts
	if override, ok := d.AttemptsByType[action.Type]; ok && override > 0 {
		maxAttempts = override
	}
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var lastErr error
	attempts := 0
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attempts = attempt
		result, err := d.runOnce(ctx, executor, action, evalCtx)
		if err == nil {
			return result, attempt, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		if attempt < maxAttempts {
			metricsx.IncActionRetry(action.Type)
			d.wait(ctx, retryBackoff(d.Backoff, attempt))
		}
	}
	return nil, attempts, lastErr
}

func (d *Dispatcher) runOnce(ctx context.Context, executor ActionExecutor, action models.Action, evalCtx map[string]any) (map[string]any, error) {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := executor.Execute(callCtx, action.Config, evalCtx)
	if err != nil {
		// A timeout is treated identically to an executor error.
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s", ErrActionTimeout, action.Type)
		}
		return nil, err
	}
	return result, nil
}

func (d *Dispatcher) wait(ctx context.Context, delay time.Duration) {
	if d.sleep != nil {
		d.sleep(ctx, delay)
		return
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

func retryBackoff(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	delay := base << (attempt - 1)
	if delay > 30*time.Second {
		return 30 * time.Second
	}
	return delay
}

// ruleStatus folds per-action outcomes into the rule-level status:
// completed when nothing failed, failed when everything failed, partial
// otherwise.
func ruleStatus(results []models.ActionExecution) string {
	failed := 0
	for _, exec := range results {
		if exec.Status == models.ActionStatusFailed {
			failed++
		}
	}
	switch {
	case failed == 0:
		return models.ExecStatusCompleted
	case failed == len(results) && len(results) > 0:
		return models.ExecStatusFailed
	default:
		return models.ExecStatusPartial
	}
}

func anyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
