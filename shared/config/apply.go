package config

import (
	"os"
	"strconv"
	"strings"
)

func applyEnv(cfg *Config, problems *[]Problem) {
	setStr := func(key string, dst *string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		v := strings.TrimSpace(os.Getenv(key))
		if v == "" {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			*problems = append(*problems, Problem{Field: key, Message: key + " must be an integer"})
			return
		}
		*dst = n
	}
	setBool := func(key string, dst *bool) {
		v := strings.TrimSpace(os.Getenv(key))
		if v == "" {
			return
		}
		b, ok := asBool(v)
		if !ok {
			*problems = append(*problems, Problem{Field: key, Message: key + " must be a boolean"})
			return
		}
		*dst = b
	}

	setStr("SERVICE_NAME", &cfg.ServiceName)

	portRaw := strings.TrimSpace(os.Getenv("HTTP_PORT"))
	if portRaw == "" {
		portRaw = strings.TrimSpace(os.Getenv("PORT"))
	}
	if portRaw != "" {
		if p, err := strconv.Atoi(portRaw); err != nil || p <= 0 || p > 65535 {
			*problems = append(*problems, Problem{Field: "HTTP_PORT", Message: "HTTP_PORT must be 1-65535"})
		} else {
			cfg.HTTPPort = p
		}
	}

	setStr("LOG_LEVEL", &cfg.LogLevel)
	setInt("REQUEST_TIMEOUT_MS", &cfg.RequestTimeoutMS)

	setStr("OIDC_ISSUER", &cfg.OIDCIssuer)
	setStr("OIDC_AUDIENCE", &cfg.OIDCAudience)
	setStr("OIDC_JWKS_URL", &cfg.OIDCJWKSURL)
	setInt("JWKS_CACHE_TTL_SECONDS", &cfg.JWKSTTLSeconds)
	setInt("JWT_CLOCK_SKEW_SECONDS", &cfg.JWTClockSkewSec)

	setStr("DATABASE_URL", &cfg.DatabaseURL)
	setInt("DB_MAX_CONNS", &cfg.DBMaxConns)
	setInt("DB_MIN_CONNS", &cfg.DBMinConns)
	setInt("DB_CONN_MAX_IDLE_SECONDS", &cfg.DBConnMaxIdleSec)
	setInt("DB_CONN_MAX_LIFETIME_SECONDS", &cfg.DBConnMaxLifeSec)

	setBool("AUDIT_ENABLED", &cfg.AuditEnabled)

	if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_RPS")); v != "" {
		if f, ok := asFloat(v); ok {
			cfg.RateLimitRPS = f
		} else {
			*problems = append(*problems, Problem{Field: "RATE_LIMIT_RPS", Message: "RATE_LIMIT_RPS must be a number"})
		}
	}
	setInt("RATE_LIMIT_BURST", &cfg.RateLimitBurst)
	if v := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS")); v != "" {
		cfg.CORSAllowedOrigins = parseCSV(v)
	}

	if v := strings.TrimSpace(os.Getenv("KAFKA_BROKERS")); v != "" {
		cfg.KafkaBrokers = parseCSV(v)
	}
	setStr("KAFKA_CLIENT_ID", &cfg.KafkaClientID)
	setStr("KAFKA_CONSUMER_GROUP", &cfg.KafkaGroupID)
	setInt("KAFKA_RETRY_MAX", &cfg.KafkaRetryMax)
	setInt("KAFKA_WRITE_TIMEOUT_MS", &cfg.KafkaWriteMS)
	if v := strings.TrimSpace(os.Getenv("EVENT_TOPICS")); v != "" {
		cfg.EventTopics = parseCSV(v)
	}
	setStr("DEAD_LETTER_TOPIC", &cfg.DeadLetterTopic)
	setStr("RULE_CHANGE_TOPIC", &cfg.RuleChangeTopic)
	setStr("LINK_COMMAND_TOPIC", &cfg.LinkCommandTopic)

	setStr("REDIS_ADDR", &cfg.RedisAddr)
	setStr("REDIS_PASSWORD", &cfg.RedisPassword)
	setInt("REDIS_DB", &cfg.RedisDB)

	setStr("ASYNQ_REDIS_ADDR", &cfg.AsynqRedisAddr)
	setStr("ASYNQ_REDIS_PASSWORD", &cfg.AsynqRedisPass)
	setInt("ASYNQ_REDIS_DB", &cfg.AsynqRedisDB)
	setStr("ASYNQ_QUEUE", &cfg.AsynqQueue)
	setInt("ASYNQ_CONCURRENCY", &cfg.AsynqConcurrency)
	setStr("QUEUE_ROUTES_PATH", &cfg.QueueRoutesPath)

	setInt("INGEST_MAX_ATTEMPTS", &cfg.IngestMaxAttempts)
	setInt("DEDUP_TTL_SECONDS", &cfg.DedupTTLSec)

	setInt("ACTION_TIMEOUT_MS", &cfg.ActionTimeoutMS)
	setInt("ACTION_MAX_ATTEMPTS", &cfg.ActionMaxAttempts)
	setInt("ACTION_BACKOFF_MS", &cfg.ActionBackoffMS)

	setInt("LEDGER_RETENTION_DAYS", &cfg.LedgerRetentionDays)
	setInt("LEDGER_SWEEP_INTERVAL_SECONDS", &cfg.LedgerSweepSec)
	setInt("LEDGER_SWEEP_BATCH_SIZE", &cfg.LedgerSweepBatch)

	setInt("RULE_RELOAD_SECONDS", &cfg.RuleReloadSec)
	setInt("SCHEDULE_SCAN_SECONDS", &cfg.ScheduleScanSec)

	setStr("NOTIFIER_URL", &cfg.NotifierURL)
	setInt("NOTIFIER_TIMEOUT_MS", &cfg.NotifierTimeoutMS)
	setInt("WEBHOOK_TIMEOUT_MS", &cfg.WebhookTimeoutMS)

	setStr("INFLUX_URL", &cfg.InfluxURL)
	if v := os.Getenv("INFLUX_TOKEN"); v != "" {
		cfg.InfluxToken = v
	}
	setStr("INFLUX_ORG", &cfg.InfluxOrg)
	setStr("INFLUX_BUCKET", &cfg.InfluxBucket)
	setInt("INFLUX_TIMEOUT_MS", &cfg.InfluxTimeoutMS)
	setBool("ANALYTICS_ENABLED", &cfg.AnalyticsEnabled)

	setBool("OTEL_ENABLED", &cfg.OtelEnabled)
	setStr("OTEL_EXPORTER_OTLP_ENDPOINT", &cfg.OtelEndpoint)
	setBool("OTEL_EXPORTER_OTLP_INSECURE", &cfg.OtelInsecure)
	if v := strings.TrimSpace(os.Getenv("OTEL_SAMPLE_RATIO")); v != "" {
		if f, ok := asFloat(v); ok {
			cfg.OtelSampleRatio = f
		} else {
			*problems = append(*problems, Problem{Field: "OTEL_SAMPLE_RATIO", Message: "OTEL_SAMPLE_RATIO must be a number"})
		}
	}
}

func applyConfigMap(cfg *Config, raw map[string]any, problems *[]Problem) {
	strDst := map[string]*string{
		"SERVICE_NAME":                &cfg.ServiceName,
		"LOG_LEVEL":                   &cfg.LogLevel,
		"OIDC_ISSUER":                 &cfg.OIDCIssuer,
		"OIDC_AUDIENCE":               &cfg.OIDCAudience,
		"OIDC_JWKS_URL":               &cfg.OIDCJWKSURL,
		"DATABASE_URL":                &cfg.DatabaseURL,
		"KAFKA_CLIENT_ID":             &cfg.KafkaClientID,
		"KAFKA_CONSUMER_GROUP":        &cfg.KafkaGroupID,
		"DEAD_LETTER_TOPIC":           &cfg.DeadLetterTopic,
		"RULE_CHANGE_TOPIC":           &cfg.RuleChangeTopic,
		"LINK_COMMAND_TOPIC":          &cfg.LinkCommandTopic,
		"REDIS_ADDR":                  &cfg.RedisAddr,
		"REDIS_PASSWORD":              &cfg.RedisPassword,
		"ASYNQ_REDIS_ADDR":            &cfg.AsynqRedisAddr,
		"ASYNQ_REDIS_PASSWORD":        &cfg.AsynqRedisPass,
		"ASYNQ_QUEUE":                 &cfg.AsynqQueue,
		"QUEUE_ROUTES_PATH":           &cfg.QueueRoutesPath,
		"NOTIFIER_URL":                &cfg.NotifierURL,
		"INFLUX_URL":                  &cfg.InfluxURL,
		"INFLUX_TOKEN":                &cfg.InfluxToken,
		"INFLUX_ORG":                  &cfg.InfluxOrg,
		"INFLUX_BUCKET":               &cfg.InfluxBucket,
		"OTEL_EXPORTER_OTLP_ENDPOINT": &cfg.OtelEndpoint,
		"ENV":                         &cfg.Env,
	}
	intDst := map[string]*int{
		"HTTP_PORT":                     &cfg.HTTPPort,
		"REQUEST_TIMEOUT_MS":            &cfg.RequestTimeoutMS,
		"JWKS_CACHE_TTL_SECONDS":        &cfg.JWKSTTLSeconds,
		"JWT_CLOCK_SKEW_SECONDS":        &cfg.JWTClockSkewSec,
		"DB_MAX_CONNS":                  &cfg.DBMaxConns,
		"DB_MIN_CONNS":                  &cfg.DBMinConns,
		"DB_CONN_MAX_IDLE_SECONDS":      &cfg.DBConnMaxIdleSec,
		"DB_CONN_MAX_LIFETIME_SECONDS":  &cfg.DBConnMaxLifeSec,
		"KAFKA_RETRY_MAX":               &cfg.KafkaRetryMax,
		"KAFKA_WRITE_TIMEOUT_MS":        &cfg.KafkaWriteMS,
		"REDIS_DB":                      &cfg.RedisDB,
		"ASYNQ_REDIS_DB":                &cfg.AsynqRedisDB,
		"ASYNQ_CONCURRENCY":             &cfg.AsynqConcurrency,
		"RATE_LIMIT_BURST":              &cfg.RateLimitBurst,
		"INGEST_MAX_ATTEMPTS":           &cfg.IngestMaxAttempts,
		"DEDUP_TTL_SECONDS":             &cfg.DedupTTLSec,
		"ACTION_TIMEOUT_MS":             &cfg.ActionTimeoutMS,
		"ACTION_MAX_ATTEMPTS":           &cfg.ActionMaxAttempts,
		"ACTION_BACKOFF_MS":             &cfg.ActionBackoffMS,
		"LEDGER_RETENTION_DAYS":         &cfg.LedgerRetentionDays,
		"LEDGER_SWEEP_INTERVAL_SECONDS": &cfg.LedgerSweepSec,
		"LEDGER_SWEEP_BATCH_SIZE":       &cfg.LedgerSweepBatch,
		"RULE_RELOAD_SECONDS":           &cfg.RuleReloadSec,
		"SCHEDULE_SCAN_SECONDS":         &cfg.ScheduleScanSec,
		"NOTIFIER_TIMEOUT_MS":           &cfg.NotifierTimeoutMS,
		"WEBHOOK_TIMEOUT_MS":            &cfg.WebhookTimeoutMS,
		"INFLUX_TIMEOUT_MS":             &cfg.InfluxTimeoutMS,
	}
	boolDst := map[string]*bool{
		"AUDIT_ENABLED":               &cfg.AuditEnabled,
		"ANALYTICS_ENABLED":           &cfg.AnalyticsEnabled,
		"OTEL_ENABLED":                &cfg.OtelEnabled,
		"OTEL_EXPORTER_OTLP_INSECURE": &cfg.OtelInsecure,
	}

	for k, v := range raw {
		key := strings.ToUpper(strings.TrimSpace(k))
		if dst, ok := strDst[key]; ok {
			if s, ok := v.(string); ok {
				if key == "INFLUX_TOKEN" || key == "REDIS_PASSWORD" || key == "ASYNQ_REDIS_PASSWORD" {
					*dst = s
				} else {
					*dst = strings.TrimSpace(s)
				}
			}
			continue
		}
		if dst, ok := intDst[key]; ok {
			if n, ok := asInt(v); ok {
				*dst = n
			} else {
				*problems = append(*problems, Problem{Field: key, Message: key + " must be an integer"})
			}
			continue
		}
		if dst, ok := boolDst[key]; ok {
			switch t := v.(type) {
			case bool:
				*dst = t
			case string:
				if b, ok := asBool(t); ok {
					*dst = b
				} else {
					*problems = append(*problems, Problem{Field: key, Message: key + " must be a boolean"})
				}
			default:
				*problems = append(*problems, Problem{Field: key, Message: key + " must be a boolean"})
			}
			continue
		}
		switch key {
		case "KAFKA_BROKERS":
			switch t := v.(type) {
			case string:
				cfg.KafkaBrokers = parseCSV(t)
			case []any:
				cfg.KafkaBrokers = parseAnyCSV(t)
			default:
				*problems = append(*problems, Problem{Field: key, Message: "KAFKA_BROKERS must be a list or csv string"})
			}
		case "EVENT_TOPICS":
			switch t := v.(type) {
			case string:
				cfg.EventTopics = parseCSV(t)
			case []any:
				cfg.EventTopics = parseAnyCSV(t)
			default:
				*problems = append(*problems, Problem{Field: key, Message: "EVENT_TOPICS must be a list or csv string"})
			}
		case "CORS_ALLOWED_ORIGINS":
			switch t := v.(type) {
			case string:
				cfg.CORSAllowedOrigins = parseCSV(t)
			case []any:
				cfg.CORSAllowedOrigins = parseAnyCSV(t)
			default:
				*problems = append(*problems, Problem{Field: key, Message: "CORS_ALLOWED_ORIGINS must be a list or csv string"})
			}
		case "RATE_LIMIT_RPS":
			if f, ok := asFloat(v); ok {
				cfg.RateLimitRPS = f
			} else {
				*problems = append(*problems, Problem{Field: key, Message: "RATE_LIMIT_RPS must be a number"})
			}
		case "OTEL_SAMPLE_RATIO":
			if f, ok := asFloat(v); ok {
				cfg.OtelSampleRatio = f
			} else {
				*problems = append(*problems, Problem{Field: key, Message: "OTEL_SAMPLE_RATIO must be a number"})
			}
		}
	}
}
