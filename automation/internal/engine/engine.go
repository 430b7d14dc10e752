package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/lnkday/automation-service/automation/internal/models"
	"github.com/lnkday/automation-service/shared/cachex"
	"github.com/lnkday/automation-service/shared/events"
	"github.com/lnkday/automation-service/shared/logx"
	"github.com/lnkday/automation-service/shared/metricsx"
)

// Ledger records one row per (rule, event) pair. TryBegin is the atomic
// claim that keeps redelivered events from re-running side effects; when
// the claim is already held it returns the existing record.
type Ledger interface {
	TryBegin(ctx context.Context, rule models.AutomationRule, event events.Envelope) (models.ExecutionRecord, bool, error)
	Complete(ctx context.Context, record models.ExecutionRecord) error
	RecordSkipped(ctx context.Context, rule models.AutomationRule, event events.Envelope) error
}

// ExecStatsSink receives per-rule execution outcomes for time-series
// reporting. Failures are counted but never fail the event.
type ExecStatsSink interface {
	WriteExecution(ctx context.Context, teamID uuid.UUID, ruleID uuid.UUID, eventType string, status string, latency time.Duration)
}

type Engine struct {
	Index      *Index
	Ledger     Ledger
	Dispatcher *Dispatcher
	Cache      *cachex.Client
	Stats      ExecStatsSink
	Logger     logx.Logger
	DedupTTL   time.Duration
}

// ProcessEvent runs every matching rule for one event. It is safe to call
// again with the same envelope: the ledger claim makes redelivery a no-op
// per rule, and the redis marker short-circuits fully processed events.
// A returned error means a storage fault and the event should be retried.
func (e *Engine) ProcessEvent(ctx context.Context, env events.Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}

	metricsx.IncEventConsumed(env.Type)

	if e.Cache != nil {
		seen, err := e.Cache.HasMarker(ctx, dedupKey(env.ID))
		if err != nil {
			e.Logger.Warn(ctx, "dedup_check_failed", "redis dedup check failed, continuing",
				slog.String("event_id", env.ID.String()),
				slog.String("error", err.Error()),
			)
		} else if seen {
			metricsx.IncEventDeduped()
			return nil
		}
	}

	payload, err := env.Payload()
	if err != nil {
		return err
	}
	teamID, err := teamFromPayload(payload)
	if err != nil {
		return fmt.Errorf("%w: %v", events.ErrMalformedEnvelope, err)
	}

	candidates := e.Index.Candidates(env.Type, teamID)

	var storageErrs []error
	for _, rule := range candidates {
		if err := e.processRule(ctx, rule, env, payload); err != nil {
			storageErrs = append(storageErrs, err)
		}
	}

	if len(storageErrs) > 0 {
		return errors.Join(storageErrs...)
	}

	if e.Cache != nil && e.DedupTTL > 0 {
		if _, err := e.Cache.SetMarker(ctx, dedupKey(env.ID), e.DedupTTL); err != nil {
			e.Logger.Warn(ctx, "dedup_mark_failed", "failed to set redis dedup marker",
				slog.String("event_id", env.ID.String()),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

// RunRule executes a single rule against a synthesized event. The
// scheduler uses this for schedule-trigger rules, which the event index
// never holds.
func (e *Engine) RunRule(ctx context.Context, rule models.AutomationRule, env events.Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}
	payload, err := env.Payload()
	if err != nil {
		return err
	}
	return e.processRule(ctx, rule, env, payload)
}

// processRule isolates one rule: a panic inside evaluation or dispatch is
// recorded as a failure for this rule only, never the whole event.
func (e *Engine) processRule(ctx context.Context, rule models.AutomationRule, env events.Envelope, payload map[string]any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			metricsx.IncRuleMatched("panic")
			e.Logger.Error(ctx, "rule_panic", "recovered panic while processing rule",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("rule_id", rule.RuleID.String()),
				slog.String("event_id", env.ID.String()),
				slog.Any("panic", r),
			)
			err = nil
		}
	}()

	if !Matches(rule.Conditions, payload) {
		metricsx.IncRuleMatched("skipped")
		if err := e.Ledger.RecordSkipped(ctx, rule, env); err != nil {
			return fmt.Errorf("record skipped rule %s: %w", rule.RuleID, err)
		}
		return nil
	}

	record, alreadyClaimed, err := e.Ledger.TryBegin(ctx, rule, env)
	if err != nil {
		return fmt.Errorf("claim execution for rule %s: %w", rule.RuleID, err)
	}
	if alreadyClaimed {
		metricsx.IncLedgerConflict()
		e.Logger.Info(ctx, "execution_deduped", "event already executed for rule",
			slog.String("rule_id", rule.RuleID.String()),
			slog.String("event_id", env.ID.String()),
			slog.String("status", record.Status),
		)
		return nil
	}

	start := time.Now()
	actions, status := e.Dispatcher.Dispatch(ctx, rule, env, payload)
	metricsx.IncRuleMatched(status)

	record.Status = status
	record.Actions = actions
	now := time.Now().UTC()
	record.CompletedAt = &now
	if err := e.Ledger.Complete(ctx, record); err != nil {
		// The claim row stays in status "matched"; the reporting API
		// surfaces those as stuck executions.
		return fmt.Errorf("complete execution for rule %s: %w", rule.RuleID, err)
	}

	if e.Stats != nil {
		e.Stats.WriteExecution(ctx, rule.TeamID, rule.RuleID, env.Type, status, time.Since(start))
	}
	return nil
}

func teamFromPayload(payload map[string]any) (uuid.UUID, error) {
	raw, ok := payload["teamId"]
	if !ok {
		return uuid.Nil, errors.New("payload missing teamId")
	}
	s, ok := raw.(string)
	if !ok {
		return uuid.Nil, errors.New("payload teamId is not a string")
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("payload teamId: %v", err)
	}
	return id, nil
}

func dedupKey(eventID uuid.UUID) string {
	return "automation:event:" + eventID.String()
}
