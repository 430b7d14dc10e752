package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/lnkday/automation-service/automation/internal/engine"
	"github.com/lnkday/automation-service/automation/internal/executors"
	"github.com/lnkday/automation-service/automation/internal/ingest"
	"github.com/lnkday/automation-service/automation/internal/models"
	"github.com/lnkday/automation-service/automation/internal/repos"
	"github.com/lnkday/automation-service/automation/internal/routing"
	"github.com/lnkday/automation-service/automation/internal/rules"
	"github.com/lnkday/automation-service/automation/internal/stats"
	"github.com/lnkday/automation-service/automation/internal/tasks"
	"github.com/lnkday/automation-service/shared/cachex"
	"github.com/lnkday/automation-service/shared/clients/notifier"
	"github.com/lnkday/automation-service/shared/config"
	"github.com/lnkday/automation-service/shared/dbx"
	"github.com/lnkday/automation-service/shared/events"
	"github.com/lnkday/automation-service/shared/influxx"
	"github.com/lnkday/automation-service/shared/lockx"
	"github.com/lnkday/automation-service/shared/logx"
	"github.com/lnkday/automation-service/shared/metricsx"
	"github.com/lnkday/automation-service/shared/mqx"
	"github.com/lnkday/automation-service/shared/observability"
)

func main() {
	cfg, problems := config.Load("automation-worker", 8083)
	version := strings.TrimSpace(os.Getenv("VERSION"))
	logger := logx.New(cfg.ServiceName, cfg.Env, version, cfg.LogLevel)

	if cfg.DatabaseURL == "" {
		problems = append(problems, config.Problem{Field: "DATABASE_URL", Message: "DATABASE_URL is required"})
	}
	if cfg.AsynqRedisAddr == "" {
		problems = append(problems, config.Problem{Field: "ASYNQ_REDIS_ADDR", Message: "ASYNQ_REDIS_ADDR is required"})
	}
	if len(cfg.KafkaBrokers) == 0 {
		problems = append(problems, config.Problem{Field: "KAFKA_BROKERS", Message: "KAFKA_BROKERS is required"})
	}
	if cfg.RedisAddr == "" {
		problems = append(problems, config.Problem{Field: "REDIS_ADDR", Message: "REDIS_ADDR is required"})
	}
	if len(problems) > 0 {
		logger.Error(context.Background(), "config_invalid", "invalid config",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.Any("problems", problems),
		)
		os.Exit(1)
	}

	if cfg.OtelEnabled {
		if shutdown, err := observability.InitTracer(context.Background(), observability.TracerConfig{
			ServiceName: cfg.ServiceName,
			Env:         cfg.Env,
			Endpoint:    cfg.OtelEndpoint,
			Insecure:    cfg.OtelInsecure,
			SampleRatio: cfg.OtelSampleRatio,
		}); err == nil {
			defer func() { _ = shutdown(context.Background()) }()
		}
	}

	dbPool, err := dbx.NewPool(cfg)
	if err != nil {
		logger.Error(context.Background(), "db_init_failed", "db init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	defer dbPool.Close()

	cache, err := cachex.New(cfg)
	if err != nil {
		logger.Error(context.Background(), "redis_init_failed", "redis init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	defer cache.Close()

	producer, err := mqx.NewProducer(cfg)
	if err != nil {
		logger.Error(context.Background(), "kafka_init_failed", "kafka producer init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	defer producer.Close()

	rulesRepo := repos.NewRulesRepo(dbPool)
	ledgerRepo := repos.NewLedgerRepo(dbPool)
	alertsRepo := repos.NewAlertsRepo(dbPool)

	index := engine.NewIndex()
	if err := reloadIndex(context.Background(), index, rulesRepo); err != nil {
		logger.Error(context.Background(), "index_load_failed", "initial rule load failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	registry := engine.NewRegistry()
	registry.Register(models.ActionSendWebhook, executors.NewWebhookExecutor(time.Duration(cfg.WebhookTimeoutMS)*time.Millisecond))
	registry.Register(models.ActionUpdateLink, &executors.LinkCommandExecutor{Producer: producer, Topic: cfg.LinkCommandTopic})
	registry.Register(models.ActionCreateAlert, &executors.AlertExecutor{Alerts: alertsRepo})
	if cfg.NotifierURL != "" {
		notify, err := notifier.New(cfg)
		if err != nil {
			logger.Error(context.Background(), "notifier_init_failed", "notifier init failed",
				slog.String("error_code", "FAILED_PRECONDITION"),
				slog.String("error", err.Error()),
			)
			os.Exit(1)
		}
		registry.Register(models.ActionSendEmail, &executors.EmailExecutor{Notifier: notify})
		registry.Register(models.ActionSendSlack, &executors.SlackExecutor{Notifier: notify})
	} else {
		logger.Warn(context.Background(), "notifier_disabled", "NOTIFIER_URL unset, email and slack actions unavailable")
	}

	dispatcher := &engine.Dispatcher{
		Registry:    registry,
		Logger:      logger,
		Timeout:     time.Duration(cfg.ActionTimeoutMS) * time.Millisecond,
		MaxAttempts: cfg.ActionMaxAttempts,
		Backoff:     time.Duration(cfg.ActionBackoffMS) * time.Millisecond,
		Active:      index.Active,
	}

	eng := &engine.Engine{
		Index:      index,
		Ledger:     ledgerRepo,
		Dispatcher: dispatcher,
		Cache:      cache,
		Logger:     logger,
		DedupTTL:   time.Duration(cfg.DedupTTLSec) * time.Second,
	}
	if cfg.AnalyticsEnabled {
		influx, err := influxx.New(cfg)
		if err != nil {
			logger.Warn(context.Background(), "influx_init_failed", "influx init failed, execution stats disabled",
				slog.String("error", err.Error()),
			)
		} else {
			defer influx.Close()
			eng.Stats = &stats.InfluxSink{Influx: influx, Logger: logger}
		}
	}

	routes, err := routing.LoadOrDefault(cfg.QueueRoutesPath, cfg.Env, cfg.AsynqQueue)
	if err != nil {
		logger.Error(context.Background(), "queue_routes_invalid", "queue routes config invalid",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	deadLetters := &ingest.Ingress{
		Logger:          logger,
		Producer:        producer,
		DeadLetterTopic: cfg.DeadLetterTopic,
	}

	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.AsynqRedisAddr,
		Password: cfg.AsynqRedisPass,
		DB:       cfg.AsynqRedisDB,
	}
	server := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: cfg.AsynqConcurrency,
		Queues:      routes.Weights(),
		RetryDelayFunc: func(n int, err error, t *asynq.Task) time.Duration {
			return retryDelay(n)
		},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			retried, _ := asynq.GetRetryCount(ctx)
			maxRetry, _ := asynq.GetMaxRetry(ctx)
			if retried < maxRetry {
				return
			}
			// Terminal failure: asynq archives the task; mirror it onto the
			// dead-letter topic so operators see it next to malformed events.
			var env events.Envelope
			_ = json.Unmarshal(task.Payload(), &env)
			if pubErr := deadLetters.DeadLetter(context.Background(), task.Type(), env.ID, task.Payload(), "retries_exhausted"); pubErr != nil {
				logger.Error(context.Background(), "deadletter_publish_failed", "failed to publish exhausted task",
					slog.String("error_code", "INTERNAL_ERROR"),
					slog.String("error", pubErr.Error()),
				)
			}
		}),
	})
	defer server.Shutdown()

	mux := asynq.NewServeMux()
	mux.HandleFunc(tasks.TypeEventProcess, func(ctx context.Context, t *asynq.Task) error {
		ctx, span := otel.Tracer("asynq").Start(ctx, "event.process")
		span.SetAttributes(attribute.String("queue", cfg.AsynqQueue))
		defer span.End()

		var env events.Envelope
		if err := json.Unmarshal(t.Payload(), &env); err != nil {
			return deadLetters.DeadLetter(ctx, t.Type(), uuid.Nil, t.Payload(), "unparseable")
		}
		err := eng.ProcessEvent(ctx, env)
		if errors.Is(err, events.ErrMalformedEnvelope) {
			// The consumer already filters these; anything left is not
			// going to improve with retries.
			return deadLetters.DeadLetter(ctx, t.Type(), env.ID, t.Payload(), "invalid_envelope")
		}
		return err
	})
	mux.HandleFunc(tasks.TypeLedgerSweep, func(ctx context.Context, t *asynq.Task) error {
		lock, ok, err := lockx.Acquire(ctx, cache.Client(), "automation:sweep", 10*time.Minute)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		defer func() { _ = lockx.Release(ctx, cache.Client(), lock) }()

		cutoff := time.Now().UTC().AddDate(0, 0, -cfg.LedgerRetentionDays)
		pruned, err := ledgerRepo.PruneOlderThan(ctx, cutoff, cfg.LedgerSweepBatch)
		if err != nil {
			return err
		}
		if pruned > 0 {
			logger.Info(ctx, "ledger_swept", "pruned old execution records",
				slog.Int64("pruned", pruned),
				slog.Time("cutoff", cutoff),
			)
		}
		return nil
	})
	mux.HandleFunc(tasks.TypeScheduleScan, func(ctx context.Context, t *asynq.Task) error {
		return scanScheduledRules(ctx, cfg, logger, rulesRepo, cache, eng)
	})

	scheduler := asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{
		Location: time.UTC,
	})
	defer scheduler.Shutdown()
	inspector := asynq.NewInspector(redisOpt)
	defer inspector.Close()
	if _, err := scheduler.Register("@every "+strconv.Itoa(cfg.LedgerSweepSec)+"s", asynq.NewTask(tasks.TypeLedgerSweep, nil, asynq.Queue(cfg.AsynqQueue))); err != nil {
		logger.Error(context.Background(), "scheduler_init_failed", "scheduler init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	if _, err := scheduler.Register("@every "+strconv.Itoa(cfg.ScheduleScanSec)+"s", asynq.NewTask(tasks.TypeScheduleScan, nil, asynq.Queue(cfg.AsynqQueue))); err != nil {
		logger.Error(context.Background(), "scheduler_init_failed", "scheduler init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	if err := scheduler.Start(); err != nil {
		logger.Error(context.Background(), "scheduler_start_failed", "scheduler start failed",
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go watchRuleChanges(ctx, cfg, logger, rulesRepo, index)
	go func() {
		ticker := time.NewTicker(time.Duration(cfg.RuleReloadSec) * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := reloadIndex(ctx, index, rulesRepo); err != nil {
					logger.Error(ctx, "index_reload_failed", "periodic rule reload failed",
						slog.String("error_code", "INTERNAL_ERROR"),
						slog.String("error", err.Error()),
					)
				}
			}
		}
	}()
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for queue := range routes.Weights() {
					info, err := inspector.GetQueueInfo(queue)
					if err != nil {
						continue
					}
					metricsx.SetAsynqQueueDepth(queue, info.Size)
				}
			}
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		logger.Info(context.Background(), "worker_start", "automation worker started",
			slog.String("queue", cfg.AsynqQueue),
			slog.Int("concurrency", cfg.AsynqConcurrency),
		)
		errCh <- server.Run(mux)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info(context.Background(), "shutdown_signal", "received signal", slog.String("signal", sig.String()))
	case err := <-errCh:
		if !errors.Is(err, asynq.ErrServerClosed) {
			logger.Error(context.Background(), "worker_failed", "worker failed",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
			os.Exit(1)
		}
	}

	logger.Info(context.Background(), "worker_stop", "automation worker stopped")
}

func reloadIndex(ctx context.Context, index *engine.Index, rulesRepo *repos.RulesRepo) error {
	loaded, err := rulesRepo.ListEnabled(ctx)
	if err != nil {
		return err
	}
	index.ReplaceAll(loaded)
	metricsx.SetIndexedRules(index.Len())
	return nil
}

// watchRuleChanges applies rule-store change notifications to the index so
// edits take effect without waiting for the periodic reload.
func watchRuleChanges(ctx context.Context, cfg config.Config, logger logx.Logger, rulesRepo *repos.RulesRepo, index *engine.Index) {
	reader, err := mqx.NewConsumer(cfg, []string{cfg.RuleChangeTopic}, cfg.KafkaGroupID+"-rules")
	if err != nil {
		logger.Error(ctx, "rule_watch_init_failed", "rule change consumer init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		return
	}
	defer reader.Close()

	for {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			logger.Error(ctx, "rule_watch_fetch_failed", "failed to read rule change",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
			time.Sleep(time.Second)
			continue
		}

		var change events.RuleChange
		if err := json.Unmarshal(msg.Value, &change); err != nil {
			logger.Warn(ctx, "rule_change_malformed", "skipping malformed rule change",
				slog.String("error", err.Error()),
			)
			continue
		}

		switch change.Action {
		case events.RuleChangeDeleted, events.RuleChangeDisabled:
			index.Remove(change.RuleID)
		case events.RuleChangeCreated, events.RuleChangeUpdated, events.RuleChangeEnabled:
			rule, err := rulesRepo.GetByID(ctx, change.RuleID)
			if err != nil {
				if errors.Is(err, repos.ErrRuleNotFound) {
					index.Remove(change.RuleID)
					continue
				}
				logger.Error(ctx, "rule_change_load_failed", "failed to load changed rule",
					slog.String("error_code", "INTERNAL_ERROR"),
					slog.String("rule_id", change.RuleID.String()),
					slog.String("error", err.Error()),
				)
				continue
			}
			index.Upsert(rule)
		default:
			logger.Warn(ctx, "rule_change_unknown", "unknown rule change action",
				slog.String("action", change.Action),
			)
		}
		metricsx.SetIndexedRules(index.Len())
	}
}

// scanScheduledRules synthesizes a tick event for every schedule rule whose
// interval has elapsed. The redis marker doubles as the per-rule interval
// gate, so multiple workers never double-fire a tick.
func scanScheduledRules(ctx context.Context, cfg config.Config, logger logx.Logger, rulesRepo *repos.RulesRepo, cache *cachex.Client, eng *engine.Engine) error {
	scheduled, err := rulesRepo.ListScheduled(ctx)
	if err != nil {
		return err
	}
	for _, rule := range scheduled {
		interval, ok := rules.ScheduleInterval(rule.Trigger)
		if !ok {
			continue
		}
		acquired, err := cache.SetMarker(ctx, "automation:sched:"+rule.RuleID.String(), interval)
		if err != nil {
			return err
		}
		if !acquired {
			continue
		}

		data, _ := json.Marshal(map[string]any{
			"teamId": rule.TeamID.String(),
			"ruleId": rule.RuleID.String(),
		})
		env := events.Envelope{
			ID:        uuid.New(),
			Type:      events.EventScheduleTick,
			Timestamp: time.Now().UTC(),
			Source:    "automation-scheduler",
			Data:      data,
		}
		if err := eng.RunRule(ctx, rule, env); err != nil {
			logger.Error(ctx, "schedule_run_failed", "scheduled rule run failed",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("rule_id", rule.RuleID.String()),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

func retryDelay(attempt int) time.Duration {
	if attempt <= 0 {
		return 5 * time.Second
	}
	delay := time.Duration(attempt*attempt) * 5 * time.Second
	if delay > 5*time.Minute {
		return 5 * time.Minute
	}
	return delay
}
