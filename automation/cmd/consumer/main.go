package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/lnkday/automation-service/automation/internal/ingest"
	"github.com/lnkday/automation-service/automation/internal/routing"
	"github.com/lnkday/automation-service/shared/config"
	"github.com/lnkday/automation-service/shared/events"
	"github.com/lnkday/automation-service/shared/logx"
	"github.com/lnkday/automation-service/shared/metricsx"
	"github.com/lnkday/automation-service/shared/mqx"
	"github.com/lnkday/automation-service/shared/observability"
)

// The consumer is the ingress edge: it pulls domain events off kafka,
// validates the envelope, dead-letters garbage, and hands well-formed
// events to the worker queue. It never evaluates rules itself.
func main() {
	cfg, problems := config.Load("automation-consumer", 8082)
	version := strings.TrimSpace(os.Getenv("VERSION"))
	logger := logx.New(cfg.ServiceName, cfg.Env, version, cfg.LogLevel)

	if len(cfg.KafkaBrokers) == 0 {
		problems = append(problems, config.Problem{Field: "KAFKA_BROKERS", Message: "KAFKA_BROKERS is required"})
	}
	if cfg.KafkaGroupID == "" {
		problems = append(problems, config.Problem{Field: "KAFKA_CONSUMER_GROUP", Message: "KAFKA_CONSUMER_GROUP is required"})
	}
	if cfg.AsynqRedisAddr == "" {
		problems = append(problems, config.Problem{Field: "ASYNQ_REDIS_ADDR", Message: "ASYNQ_REDIS_ADDR is required"})
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

	topics := cfg.EventTopics
	if len(topics) == 0 {
		topics = events.EventTopics()
	}
	reader, err := mqx.NewConsumer(cfg, topics, cfg.KafkaGroupID)
	if err != nil {
		logger.Error(context.Background(), "kafka_init_failed", "kafka reader init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	defer reader.Close()

	producer, err := mqx.NewProducer(cfg)
	if err != nil {
		logger.Error(context.Background(), "kafka_init_failed", "kafka producer init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	defer producer.Close()

	routes, err := routing.LoadOrDefault(cfg.QueueRoutesPath, cfg.Env, cfg.AsynqQueue)
	if err != nil {
		logger.Error(context.Background(), "queue_routes_invalid", "queue routes config invalid",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	queue := asynq.NewClient(asynq.RedisClientOpt{
		Addr:     cfg.AsynqRedisAddr,
		Password: cfg.AsynqRedisPass,
		DB:       cfg.AsynqRedisDB,
	})
	defer queue.Close()

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	ingress := &ingest.Ingress{
		Logger:          logger,
		Producer:        producer,
		Queue:           queue,
		Routes:          routes,
		DeadLetterTopic: cfg.DeadLetterTopic,
		MaxAttempts:     cfg.IngestMaxAttempts,
	}

	logger.Info(ctx, "consumer_start", "automation event consumer started",
		slog.Any("topics", topics),
		slog.String("group", cfg.KafkaGroupID),
	)

	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				break
			}
			logger.Error(ctx, "kafka_fetch_failed", "failed to fetch message",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
			time.Sleep(500 * time.Millisecond)
			continue
		}

		spanCtx, span := otel.Tracer("mqx").Start(ctx, "kafka.consume")
		span.SetAttributes(
			attribute.String("messaging.system", "kafka"),
			attribute.String("messaging.destination", msg.Topic),
		)
		if err := ingress.Handle(spanCtx, msg.Topic, msg.Value); err != nil {
			span.End()
			logger.Error(ctx, "event_handle_failed", "failed to hand event to queue",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("topic", msg.Topic),
				slog.String("error", err.Error()),
			)
			// Leave the offset uncommitted so the event is redelivered.
			continue
		}
		span.End()
		if err := reader.CommitMessages(ctx, msg); err != nil {
			logger.Error(ctx, "kafka_commit_failed", "failed to commit message",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
		}
		stats := reader.Stats()
		metricsx.SetKafkaLag(stats.Topic, cfg.KafkaGroupID, stats.Lag)
	}

	logger.Info(context.Background(), "consumer_stop", "automation event consumer stopped")
}
