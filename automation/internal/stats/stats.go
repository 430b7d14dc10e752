package stats

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/lnkday/automation-service/shared/influxx"
	"github.com/lnkday/automation-service/shared/logx"
	"github.com/lnkday/automation-service/shared/metricsx"
)

// InfluxSink writes per-execution outcomes into the analytics bucket.
// A write failure is logged and counted; it never propagates, so influx
// outages cannot make event processing retry.
type InfluxSink struct {
	Influx *influxx.Client
	Logger logx.Logger
}

func (s *InfluxSink) WriteExecution(ctx context.Context, teamID uuid.UUID, ruleID uuid.UUID, eventType string, status string, latency time.Duration) {
	err := s.Influx.WritePoint(ctx, "rule_execution",
		map[string]string{
			"team_id":    teamID.String(),
			"rule_id":    ruleID.String(),
			"event_type": eventType,
			"status":     status,
		},
		map[string]any{
			"count":      int64(1),
			"latency_ms": latency.Milliseconds(),
		},
		time.Now().UTC(),
	)
	if err != nil {
		metricsx.IncInfluxWriteFailure()
		s.Logger.Warn(ctx, "influx_write_failed", "failed to record execution stats",
			slog.String("rule_id", ruleID.String()),
			slog.String("error", err.Error()),
		)
	}
}
