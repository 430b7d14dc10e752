package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type Problem struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type Config struct {
	Env              string
	ServiceName      string
	HTTPPort         int
	LogLevel         string
	ConfigPath       string
	RequestTimeoutMS int
	RequestTimeout   time.Duration

	OIDCIssuer      string
	OIDCAudience    string
	OIDCJWKSURL     string
	JWKSTTLSeconds  int
	JWTClockSkewSec int

	DatabaseURL      string
	DBMaxConns       int
	DBMinConns       int
	DBConnMaxIdleSec int
	DBConnMaxLifeSec int

	AuditEnabled bool

	RateLimitRPS       float64
	RateLimitBurst     int
	CORSAllowedOrigins []string

	KafkaBrokers     []string
	KafkaClientID    string
	KafkaGroupID     string
	KafkaRetryMax    int
	KafkaWriteMS     int
	EventTopics      []string
	DeadLetterTopic  string
	RuleChangeTopic  string
	LinkCommandTopic string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	AsynqRedisAddr   string
	AsynqRedisPass   string
	AsynqRedisDB     int
	AsynqQueue       string
	AsynqConcurrency int
	QueueRoutesPath  string

	IngestMaxAttempts int
	DedupTTLSec       int

	ActionTimeoutMS   int
	ActionMaxAttempts int
	ActionBackoffMS   int

	LedgerRetentionDays int
	LedgerSweepSec      int
	LedgerSweepBatch    int

	RuleReloadSec   int
	ScheduleScanSec int

	NotifierURL       string
	NotifierTimeoutMS int
	WebhookTimeoutMS  int

	InfluxURL        string
	InfluxToken      string
	InfluxOrg        string
	InfluxBucket     string
	InfluxTimeoutMS  int
	AnalyticsEnabled bool

	OtelEnabled     bool
	OtelEndpoint    string
	OtelInsecure    bool
	OtelSampleRatio float64
}

func Load(serviceNameDefault string, httpPortDefault int) (Config, []Problem) {
	envRaw := strings.TrimSpace(os.Getenv("ENV"))
	cfg := Config{
		Env:              envRaw,
		ServiceName:      serviceNameDefault,
		HTTPPort:         httpPortDefault,
		LogLevel:         "info",
		ConfigPath:       strings.TrimSpace(os.Getenv("CONFIG_PATH")),
		RequestTimeoutMS: 30000,

		OIDCIssuer:      strings.TrimSpace(os.Getenv("OIDC_ISSUER")),
		OIDCAudience:    strings.TrimSpace(os.Getenv("OIDC_AUDIENCE")),
		OIDCJWKSURL:     strings.TrimSpace(os.Getenv("OIDC_JWKS_URL")),
		JWKSTTLSeconds:  300,
		JWTClockSkewSec: 60,

		DatabaseURL:      strings.TrimSpace(os.Getenv("DATABASE_URL")),
		DBMaxConns:       10,
		DBMinConns:       1,
		DBConnMaxIdleSec: 300,
		DBConnMaxLifeSec: 1800,

		AuditEnabled: false,

		RateLimitRPS:       10,
		RateLimitBurst:     20,
		CORSAllowedOrigins: nil,

		KafkaBrokers:     nil,
		KafkaClientID:    "",
		KafkaGroupID:     "",
		KafkaRetryMax:    5,
		KafkaWriteMS:     5000,
		EventTopics:      nil,
		DeadLetterTopic:  "automation.deadletter",
		RuleChangeTopic:  "automation.rules",
		LinkCommandTopic: "link.commands",

		RedisAddr:     "",
		RedisPassword: "",
		RedisDB:       0,

		AsynqRedisAddr:   "",
		AsynqRedisPass:   "",
		AsynqRedisDB:     0,
		AsynqQueue:       "automation",
		AsynqConcurrency: 10,
		QueueRoutesPath:  strings.TrimSpace(os.Getenv("QUEUE_ROUTES_PATH")),

		IngestMaxAttempts: 10,
		DedupTTLSec:       86400,

		ActionTimeoutMS:   10000,
		ActionMaxAttempts: 3,
		ActionBackoffMS:   500,

		LedgerRetentionDays: 30,
		LedgerSweepSec:      3600,
		LedgerSweepBatch:    1000,

		RuleReloadSec:   300,
		ScheduleScanSec: 60,

		NotifierURL:       "",
		NotifierTimeoutMS: 5000,
		WebhookTimeoutMS:  10000,

		InfluxURL:        "",
		InfluxToken:      "",
		InfluxOrg:        "",
		InfluxBucket:     "",
		InfluxTimeoutMS:  5000,
		AnalyticsEnabled: false,

		OtelEnabled:     false,
		OtelEndpoint:    "",
		OtelInsecure:    true,
		OtelSampleRatio: 1.0,
	}

	problems := make([]Problem, 0, 4)
	envProvided := envRaw != ""

	if repoRoot, ok := findRepoRoot(); ok && cfg.Env != "" && cfg.ConfigPath == "" {
		cfg.ConfigPath = filepath.Join(repoRoot, "configs", cfg.Env+".json")
	}

	if fileData, fileProblems, ok := loadConfigFile(cfg.ConfigPath, strings.TrimSpace(os.Getenv("CONFIG_PATH")) != ""); ok {
		problems = append(problems, fileProblems...)
		if fileEnv, ok := readStringKey(fileData, "ENV"); ok && strings.TrimSpace(fileEnv) != "" {
			envProvided = true
		}
		applyConfigMap(&cfg, fileData, &problems)
	} else {
		problems = append(problems, fileProblems...)
	}

	applyEnv(&cfg, &problems)

	// Default the JWKS URL from the issuer when not set explicitly.
	if cfg.OIDCIssuer != "" && strings.TrimSpace(cfg.OIDCJWKSURL) == "" {
		cfg.OIDCJWKSURL = strings.TrimRight(cfg.OIDCIssuer, "/") + "/.well-known/jwks.json"
	}

	if cfg.Env == "" {
		cfg.Env = "dev"
	}
	if !envProvided {
		problems = append(problems, Problem{Field: "ENV", Message: "ENV is required"})
	}
	if cfg.HTTPPort <= 0 || cfg.HTTPPort > 65535 {
		problems = append(problems, Problem{Field: "HTTP_PORT", Message: "HTTP_PORT must be 1-65535"})
		cfg.HTTPPort = httpPortDefault
	}
	if cfg.RequestTimeoutMS <= 0 {
		problems = append(problems, Problem{Field: "REQUEST_TIMEOUT_MS", Message: "REQUEST_TIMEOUT_MS must be > 0"})
		cfg.RequestTimeoutMS = 30000
	}
	cfg.RequestTimeout = time.Duration(cfg.RequestTimeoutMS) * time.Millisecond
	if cfg.JWKSTTLSeconds <= 0 {
		problems = append(problems, Problem{Field: "JWKS_CACHE_TTL_SECONDS", Message: "JWKS_CACHE_TTL_SECONDS must be > 0"})
		cfg.JWKSTTLSeconds = 300
	}
	if cfg.JWTClockSkewSec < 0 {
		problems = append(problems, Problem{Field: "JWT_CLOCK_SKEW_SECONDS", Message: "JWT_CLOCK_SKEW_SECONDS must be >= 0"})
		cfg.JWTClockSkewSec = 60
	}
	if cfg.DBMaxConns <= 0 {
		problems = append(problems, Problem{Field: "DB_MAX_CONNS", Message: "DB_MAX_CONNS must be > 0"})
		cfg.DBMaxConns = 10
	}
	if cfg.DBMinConns < 0 {
		problems = append(problems, Problem{Field: "DB_MIN_CONNS", Message: "DB_MIN_CONNS must be >= 0"})
		cfg.DBMinConns = 1
	}
	if cfg.DBMinConns > cfg.DBMaxConns {
		problems = append(problems, Problem{Field: "DB_MIN_CONNS", Message: "DB_MIN_CONNS must be <= DB_MAX_CONNS"})
		cfg.DBMinConns = cfg.DBMaxConns
	}
	if cfg.DBConnMaxIdleSec <= 0 {
		problems = append(problems, Problem{Field: "DB_CONN_MAX_IDLE_SECONDS", Message: "DB_CONN_MAX_IDLE_SECONDS must be > 0"})
		cfg.DBConnMaxIdleSec = 300
	}
	if cfg.DBConnMaxLifeSec <= 0 {
		problems = append(problems, Problem{Field: "DB_CONN_MAX_LIFETIME_SECONDS", Message: "DB_CONN_MAX_LIFETIME_SECONDS must be > 0"})
		cfg.DBConnMaxLifeSec = 1800
	}
	if cfg.RateLimitRPS <= 0 {
		problems = append(problems, Problem{Field: "RATE_LIMIT_RPS", Message: "RATE_LIMIT_RPS must be > 0"})
		cfg.RateLimitRPS = 10
	}
	if cfg.RateLimitBurst <= 0 {
		problems = append(problems, Problem{Field: "RATE_LIMIT_BURST", Message: "RATE_LIMIT_BURST must be > 0"})
		cfg.RateLimitBurst = 20
	}
	if cfg.KafkaRetryMax < 0 {
		problems = append(problems, Problem{Field: "KAFKA_RETRY_MAX", Message: "KAFKA_RETRY_MAX must be >= 0"})
		cfg.KafkaRetryMax = 5
	}
	if cfg.KafkaWriteMS <= 0 {
		problems = append(problems, Problem{Field: "KAFKA_WRITE_TIMEOUT_MS", Message: "KAFKA_WRITE_TIMEOUT_MS must be > 0"})
		cfg.KafkaWriteMS = 5000
	}
	if strings.TrimSpace(cfg.DeadLetterTopic) == "" {
		problems = append(problems, Problem{Field: "DEAD_LETTER_TOPIC", Message: "DEAD_LETTER_TOPIC must not be empty"})
		cfg.DeadLetterTopic = "automation.deadletter"
	}
	if strings.TrimSpace(cfg.RuleChangeTopic) == "" {
		problems = append(problems, Problem{Field: "RULE_CHANGE_TOPIC", Message: "RULE_CHANGE_TOPIC must not be empty"})
		cfg.RuleChangeTopic = "automation.rules"
	}
	if cfg.RedisDB < 0 {
		problems = append(problems, Problem{Field: "REDIS_DB", Message: "REDIS_DB must be >= 0"})
		cfg.RedisDB = 0
	}
	if cfg.AsynqRedisDB < 0 {
		problems = append(problems, Problem{Field: "ASYNQ_REDIS_DB", Message: "ASYNQ_REDIS_DB must be >= 0"})
		cfg.AsynqRedisDB = 0
	}
	if cfg.AsynqConcurrency <= 0 {
		problems = append(problems, Problem{Field: "ASYNQ_CONCURRENCY", Message: "ASYNQ_CONCURRENCY must be > 0"})
		cfg.AsynqConcurrency = 10
	}
	if cfg.IngestMaxAttempts <= 0 {
		problems = append(problems, Problem{Field: "INGEST_MAX_ATTEMPTS", Message: "INGEST_MAX_ATTEMPTS must be > 0"})
		cfg.IngestMaxAttempts = 10
	}
	if cfg.DedupTTLSec <= 0 {
		problems = append(problems, Problem{Field: "DEDUP_TTL_SECONDS", Message: "DEDUP_TTL_SECONDS must be > 0"})
		cfg.DedupTTLSec = 86400
	}
	if cfg.ActionTimeoutMS <= 0 {
		problems = append(problems, Problem{Field: "ACTION_TIMEOUT_MS", Message: "ACTION_TIMEOUT_MS must be > 0"})
		cfg.ActionTimeoutMS = 10000
	}
	if cfg.ActionMaxAttempts <= 0 {
		problems = append(problems, Problem{Field: "ACTION_MAX_ATTEMPTS", Message: "ACTION_MAX_ATTEMPTS must be > 0"})
		cfg.ActionMaxAttempts = 3
	}
	if cfg.ActionBackoffMS <= 0 {
		problems = append(problems, Problem{Field: "ACTION_BACKOFF_MS", Message: "ACTION_BACKOFF_MS must be > 0"})
		cfg.ActionBackoffMS = 500
	}
	if cfg.LedgerRetentionDays <= 0 {
		problems = append(problems, Problem{Field: "LEDGER_RETENTION_DAYS", Message: "LEDGER_RETENTION_DAYS must be > 0"})
		cfg.LedgerRetentionDays = 30
	}
	if cfg.LedgerSweepSec <= 0 {
		problems = append(problems, Problem{Field: "LEDGER_SWEEP_INTERVAL_SECONDS", Message: "LEDGER_SWEEP_INTERVAL_SECONDS must be > 0"})
		cfg.LedgerSweepSec = 3600
	}
	if cfg.LedgerSweepBatch <= 0 {
		problems = append(problems, Problem{Field: "LEDGER_SWEEP_BATCH_SIZE", Message: "LEDGER_SWEEP_BATCH_SIZE must be > 0"})
		cfg.LedgerSweepBatch = 1000
	}
	if cfg.RuleReloadSec <= 0 {
		problems = append(problems, Problem{Field: "RULE_RELOAD_SECONDS", Message: "RULE_RELOAD_SECONDS must be > 0"})
		cfg.RuleReloadSec = 300
	}
	if cfg.ScheduleScanSec <= 0 {
		problems = append(problems, Problem{Field: "SCHEDULE_SCAN_SECONDS", Message: "SCHEDULE_SCAN_SECONDS must be > 0"})
		cfg.ScheduleScanSec = 60
	}
	if cfg.NotifierTimeoutMS <= 0 {
		problems = append(problems, Problem{Field: "NOTIFIER_TIMEOUT_MS", Message: "NOTIFIER_TIMEOUT_MS must be > 0"})
		cfg.NotifierTimeoutMS = 5000
	}
	if cfg.WebhookTimeoutMS <= 0 {
		problems = append(problems, Problem{Field: "WEBHOOK_TIMEOUT_MS", Message: "WEBHOOK_TIMEOUT_MS must be > 0"})
		cfg.WebhookTimeoutMS = 10000
	}
	if cfg.InfluxTimeoutMS <= 0 {
		problems = append(problems, Problem{Field: "INFLUX_TIMEOUT_MS", Message: "INFLUX_TIMEOUT_MS must be > 0"})
		cfg.InfluxTimeoutMS = 5000
	}
	if cfg.OtelSampleRatio < 0 || cfg.OtelSampleRatio > 1 {
		problems = append(problems, Problem{Field: "OTEL_SAMPLE_RATIO", Message: "OTEL_SAMPLE_RATIO must be 0-1"})
		cfg.OtelSampleRatio = 1.0
	}

	return cfg, problems
}

func findRepoRoot() (string, bool) {
	start, err := os.Getwd()
	if err != nil {
		return "", false
	}
	dir := start
	for i := 0; i < 8; i++ {
		candidate := filepath.Join(dir, "configs")
		if fi, err := os.Stat(candidate); err == nil && fi.IsDir() {
			return dir, true
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", false
}

func loadConfigFile(path string, explicit bool) (map[string]any, []Problem, bool) {
	if strings.TrimSpace(path) == "" {
		return nil, nil, false
	}

	b, err := os.ReadFile(path)
	if err != nil {
		if explicit && !errors.Is(err, os.ErrNotExist) {
			return nil, []Problem{{Field: "CONFIG_PATH", Message: fmt.Sprintf("failed to read config file: %v", err)}}, false
		}
		if explicit && errors.Is(err, os.ErrNotExist) {
			return nil, []Problem{{Field: "CONFIG_PATH", Message: "config file not found"}}, false
		}
		return nil, nil, false
	}

	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, []Problem{{Field: "CONFIG_PATH", Message: fmt.Sprintf("invalid json: %v", err)}}, false
	}
	return raw, nil, true
}

func readStringKey(raw map[string]any, key string) (string, bool) {
	for k, v := range raw {
		if strings.EqualFold(strings.TrimSpace(k), key) {
			s, ok := v.(string)
			return s, ok
		}
	}
	return "", false
}

func asInt(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int64:
		return int(t), true
	case float64:
		return int(t), true
	case json.Number:
		i, err := t.Int64()
		return int(i), err == nil
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(t))
		return i, err == nil
	default:
		return 0, false
	}
}

func asBool(v string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "1", "yes", "y":
		return true, true
	case "false", "0", "no", "n":
		return false, true
	default:
		return false, false
	}
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func parseCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseAnyCSV(raw []any) []string {
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			s = strings.TrimSpace(s)
			if s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}
