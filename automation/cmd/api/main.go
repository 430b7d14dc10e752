package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/lnkday/automation-service/automation/internal/middleware"
	"github.com/lnkday/automation-service/automation/internal/repos"
	"github.com/lnkday/automation-service/shared/authx"
	"github.com/lnkday/automation-service/shared/config"
	"github.com/lnkday/automation-service/shared/dbx"
	"github.com/lnkday/automation-service/shared/httpx"
	"github.com/lnkday/automation-service/shared/logx"
	"github.com/lnkday/automation-service/shared/metricsx"
	"github.com/lnkday/automation-service/shared/observability"
	"github.com/lnkday/automation-service/shared/teamx"
)

type statusResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	Env     string `json:"env,omitempty"`
	Version string `json:"version,omitempty"`
}

// The api binary is the read side: execution history, rule usage and
// alerts per team. Rule CRUD lives in the rule-store service, not here.
func main() {
	cfg, readyProblems := config.Load("automation-api", 8080)
	version := strings.TrimSpace(os.Getenv("VERSION"))
	logger := logx.New(cfg.ServiceName, cfg.Env, version, cfg.LogLevel)

	if cfg.DatabaseURL == "" {
		readyProblems = append(readyProblems, config.Problem{Field: "DATABASE_URL", Message: "DATABASE_URL is required"})
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

	var dbPool *pgxpool.Pool
	if cfg.DatabaseURL != "" {
		var err error
		dbPool, err = dbx.NewPool(cfg)
		if err != nil {
			readyProblems = append(readyProblems, config.Problem{Field: "DATABASE_URL", Message: "failed to connect to database"})
			logger.Error(context.Background(), "db_init_failed", "database init failed",
				slog.String("error_code", "FAILED_PRECONDITION"),
				slog.String("error", err.Error()),
			)
		}
	}

	teamsRepo := repos.NewTeamsRepo(dbPool)
	auditRepo := repos.NewAuditRepo(dbPool)
	ledgerRepo := repos.NewLedgerRepo(dbPool)
	rulesRepo := repos.NewRulesRepo(dbPool)
	alertsRepo := repos.NewAlertsRepo(dbPool)

	var verifier *authx.JWTVerifier
	if cfg.OIDCIssuer != "" && cfg.OIDCAudience != "" {
		var err error
		verifier, err = authx.NewJWTVerifier(cfg.OIDCIssuer, cfg.OIDCAudience, cfg.OIDCJWKSURL, cfg.JWKSTTLSeconds, cfg.JWTClockSkewSec)
		if err != nil {
			readyProblems = append(readyProblems, config.Problem{Field: "OIDC_ISSUER", Message: "failed to initialize JWT verifier"})
		}
	}

	metricsx.Register()

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", metricsx.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, statusResponse{
			Status:  "ok",
			Service: cfg.ServiceName,
			Env:     cfg.Env,
			Version: version,
		})
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if len(readyProblems) > 0 {
			httpx.WriteError(
				w,
				r,
				http.StatusServiceUnavailable,
				"FAILED_PRECONDITION",
				"service not ready: invalid configuration",
				map[string]any{"problems": readyProblems},
			)
			return
		}
		if err := dbx.Ping(r.Context(), dbPool); err != nil {
			httpx.WriteError(
				w,
				r,
				http.StatusServiceUnavailable,
				"FAILED_PRECONDITION",
				"service not ready: database unavailable",
				map[string]any{"problem": "db_ping_failed"},
			)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, statusResponse{
			Status:  "ready",
			Service: cfg.ServiceName,
			Env:     cfg.Env,
			Version: version,
		})
	})

	mux.HandleFunc("GET /api/v1/me", func(w http.ResponseWriter, r *http.Request) {
		auth, ok := authx.FromContext(r.Context())
		if !ok {
			httpx.WriteError(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", "missing auth context", nil)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, map[string]any{
			"subject": auth.Subject,
			"email":   auth.Email,
			"name":    auth.Name,
			"roles":   auth.Roles,
			"claims":  auth.Claims,
		})
	})
	mux.HandleFunc("GET /api/v1/teams/current", func(w http.ResponseWriter, r *http.Request) {
		teamID, ok := requestTeamID(w, r)
		if !ok {
			return
		}
		record, err := teamsRepo.GetByID(r.Context(), teamID)
		if err != nil {
			httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "team not found", nil)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, map[string]any{
			"team_id": record.TeamID,
			"slug":    record.Slug,
			"name":    record.Name,
			"plan":    record.Plan,
		})
	})

	mux.HandleFunc("GET /api/v1/executions", func(w http.ResponseWriter, r *http.Request) {
		teamID, ok := requestTeamID(w, r)
		if !ok {
			return
		}
		filter := repos.ExecutionFilter{
			Status: strings.TrimSpace(r.URL.Query().Get("status")),
			Limit:  queryInt(r, "limit"),
			Offset: queryInt(r, "offset"),
		}
		if raw := strings.TrimSpace(r.URL.Query().Get("ruleId")); raw != "" {
			ruleID, err := uuid.Parse(raw)
			if err != nil {
				httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid ruleId", nil)
				return
			}
			filter.RuleID = &ruleID
		}
		records, err := ledgerRepo.ListByTeam(r.Context(), teamID, filter)
		if err != nil {
			logger.Error(r.Context(), "executions_list_failed", "failed to list executions",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
			httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to list executions", nil)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, map[string]any{"executions": records})
	})
	mux.HandleFunc("GET /api/v1/executions/{ruleId}/{eventId}", func(w http.ResponseWriter, r *http.Request) {
		teamID, ok := requestTeamID(w, r)
		if !ok {
			return
		}
		ruleID, err := uuid.Parse(r.PathValue("ruleId"))
		if err != nil {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid ruleId", nil)
			return
		}
		eventID, err := uuid.Parse(r.PathValue("eventId"))
		if err != nil {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid eventId", nil)
			return
		}
		record, err := ledgerRepo.GetByID(r.Context(), teamID, ruleID, eventID)
		if err != nil {
			if errors.Is(err, repos.ErrExecutionNotFound) {
				httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "execution not found", nil)
				return
			}
			logger.Error(r.Context(), "execution_get_failed", "failed to get execution",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
			httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to get execution", nil)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, record)
	})
	mux.HandleFunc("GET /api/v1/rules/usage", func(w http.ResponseWriter, r *http.Request) {
		teamID, ok := requestTeamID(w, r)
		if !ok {
			return
		}
		usage, err := rulesRepo.UsageByTeam(r.Context(), teamID, queryInt(r, "limit"))
		if err != nil {
			logger.Error(r.Context(), "rule_usage_failed", "failed to list rule usage",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
			httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to list rule usage", nil)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, map[string]any{"rules": usage})
	})
	mux.HandleFunc("GET /api/v1/alerts", func(w http.ResponseWriter, r *http.Request) {
		teamID, ok := requestTeamID(w, r)
		if !ok {
			return
		}
		alerts, err := alertsRepo.ListByTeam(r.Context(), teamID, queryInt(r, "limit"))
		if err != nil {
			logger.Error(r.Context(), "alerts_list_failed", "failed to list alerts",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
			httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to list alerts", nil)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, map[string]any{"alerts": alerts})
	})

	notFound := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "route not found", nil)
	})

	skipInfra := func(r *http.Request) bool {
		return r.URL.Path == "/healthz" || r.URL.Path == "/readyz" || r.URL.Path == "/metrics"
	}

	handler := httpx.WrapServeMux(mux, notFound)
	handler = middleware.DBRequiredMiddleware{
		Pool: dbPool,
		Skip: skipInfra,
	}.Wrap(handler)
	handler = middleware.AuditMiddleware{
		Enabled: cfg.AuditEnabled,
		Repo:    auditRepo,
		Logger:  logger,
		Skip:    skipInfra,
	}.Wrap(handler)
	handler = middleware.TeamMiddleware{
		Teams: teamsRepo,
		Skip:  skipInfra,
	}.Wrap(handler)
	handler = middleware.AuthMiddleware{
		Verifier: verifier,
		Skip:     skipInfra,
	}.Wrap(handler)
	handler = middleware.RateLimitMiddleware{
		Limiter: middleware.NewIPRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst, 10*time.Minute),
		Skip:    skipInfra,
	}.Wrap(handler)
	handler = middleware.CORSMiddleware{
		AllowedOrigins: cfg.CORSAllowedOrigins,
		Skip:           skipInfra,
	}.Wrap(handler)
	handler = httpx.WithTimeout(cfg.RequestTimeout, handler)
	handler = metricsx.Instrument(handler)
	handler = httpx.WithRequestID(handler)
	handler = httpx.WithRecover(logger, handler)
	handler = httpx.WithRequestLog(logger, httpx.RequestLogOptions{SkipPaths: map[string]bool{"/healthz": true, "/metrics": true}}, handler)
	if cfg.OtelEnabled {
		handler = otelhttp.NewHandler(handler, "automation-api")
	}

	server := &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(cfg.HTTPPort)),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(context.Background(), "service_start", "starting service",
			slog.String("addr", server.Addr),
			slog.Int("http_port", cfg.HTTPPort),
			slog.String("log_level", cfg.LogLevel),
			slog.Int("request_timeout_ms", cfg.RequestTimeoutMS),
		)
		errCh <- server.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info(context.Background(), "shutdown_signal", "received signal", slog.String("signal", sig.String()))
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error(context.Background(), "server_failed", "server failed",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error(context.Background(), "shutdown_failed", "shutdown failed",
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("error", err.Error()),
		)
	}
	if dbPool != nil {
		dbPool.Close()
	}
	logger.Info(context.Background(), "service_stop", "service stopped")
}

func requestTeamID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	team, ok := teamx.FromContext(r.Context())
	if !ok || team.ID == "" {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "missing team", nil)
		return uuid.Nil, false
	}
	teamID, err := uuid.Parse(team.ID)
	if err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid team id", nil)
		return uuid.Nil, false
	}
	return teamID, true
}

func queryInt(r *http.Request, key string) int {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
