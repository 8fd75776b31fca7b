package main

import (
	"context"
	"errors"
	"io"
	"log"
	"log/slog"
	"net/http"
	"strings"

	"mcpgov/pkg/apierr"
	"mcpgov/pkg/config"
	"mcpgov/pkg/hardening"
	"mcpgov/pkg/httpx"
	"mcpgov/pkg/metrics"
	"mcpgov/pkg/models"
	"mcpgov/pkg/orchestrator"
	"mcpgov/pkg/proxy"
	"mcpgov/pkg/ratelimit"
	"mcpgov/pkg/store"
	"mcpgov/pkg/telemetry"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
)

type Server struct {
	Directory    proxy.Directory
	Forwarder    *proxy.Forwarder
	Orchestrator *orchestrator.Orchestrator
	Limiter      ratelimit.Limiter
	RateLimit    config.RateLimit
	Metrics      *metrics.Registry
	Logger       *slog.Logger
}

// Testable variables for main()
var (
	logFatalf      = log.Fatalf
	initTelemetryG = telemetry.Init
	openRedisFnG   func(context.Context, config.Redis) (*redis.Client, error)
	listenFnG      func(*http.Server) error
)

func main() {
	if err := runGateway(initTelemetryG, openRedisFnG, listenFnG); err != nil {
		logFatalf("gateway: %v", err)
	}
}

func runGateway(
	initTelemetry func(context.Context, string) (func(context.Context) error, error),
	openRedis func(context.Context, config.Redis) (*redis.Client, error),
	listen func(*http.Server) error,
) error {
	if initTelemetry == nil {
		initTelemetry = telemetry.Init
	}
	if openRedis == nil {
		openRedis = store.NewRedis
	}
	if listen == nil {
		listen = func(server *http.Server) error { return server.ListenAndServe() }
	}

	cfg, err := config.LoadGateway()
	if err != nil {
		return err
	}
	logger := telemetry.NewLogger("gateway")
	dir := proxy.ParseDirectory(cfg.Directory, logger)
	table, err := cfg.LoadAllowedPaths()
	if err != nil {
		return err
	}
	guard, err := proxy.NewPathGuard(table)
	if err != nil {
		return err
	}
	if err := hardening.ValidateProduction(hardening.Options{
		Service:            "gateway",
		Runtime:            cfg.Runtime,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		Redis:              &cfg.Redis,
		Requirements: []hardening.Requirement{
			{Name: "MCP_DIRECTORY", Satisfied: dir.Len() > 0},
			{Name: "RATE_LIMIT_ENABLED=true", Satisfied: cfg.RateLimit.Enabled},
		},
	}); err != nil {
		return err
	}

	ctx := context.Background()
	shutdown, err := initTelemetry(ctx, "gateway")
	if err != nil {
		return err
	}
	defer func() { _ = shutdown(context.Background()) }()

	var limiter ratelimit.Limiter
	if cfg.RateLimit.Enabled {
		limiter = ratelimit.NewInMemory(cfg.Window())
		if cfg.Redis.Enabled() {
			client, err := openRedis(ctx, cfg.Redis)
			if err != nil {
				return err
			}
			defer func() { _ = client.Close() }()
			rl := ratelimit.NewRedis(client, cfg.Window())
			rl.Logger = logger
			limiter = rl
		}
	}

	connect, read, write, pool := cfg.UpstreamTimeouts()
	client := proxy.NewHardenedClient(proxy.Timeouts{
		Connect:  connect,
		Read:     read,
		Write:    write,
		Pool:     pool,
		MaxConns: cfg.MaxConns,
	})
	reg := metrics.NewRegistry()
	s := &Server{
		Directory:    dir,
		Forwarder:    &proxy.Forwarder{Directory: dir, Guard: guard, Client: client, Metrics: reg},
		Orchestrator: orchestrator.New(dir, client, logger),
		Limiter:      limiter,
		RateLimit:    cfg.RateLimit,
		Metrics:      reg,
		Logger:       logger,
	}
	logger.Info("gateway listening",
		"addr", cfg.Addr,
		"services", dir.Names(),
		"allowlisted_services", guard.Services(),
		"rate_limited", limiter != nil,
	)
	return listen(cfg.Server(s.Router(cfg.HTTP)))
}

func (s *Server) Router(cfg config.HTTP) http.Handler {
	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(cfg.CORSAllowedOrigins))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(httpx.RequestIDMiddleware(s.Logger))
	r.Use(telemetry.HTTPMiddleware("gateway"))
	r.Use(s.Metrics.Middleware)
	r.Use(httpx.LimitBody(cfg.BodyLimit()))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]bool{"ok": true})
	})
	r.Get("/metrics", s.Metrics.Handler())
	r.Get("/metrics/prometheus", s.Metrics.PrometheusHandler())

	r.Group(func(r chi.Router) {
		r.Use(ratelimit.Middleware(s.Limiter, s.RateLimit.PerMinute, ratelimit.ClientIP))
		r.Get("/mcp", s.listDirectory)
		r.Post("/api/v1/models/register", s.registerModel)
		r.Post("/api/v1/models/infer", s.infer)
		for _, method := range []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete} {
			r.MethodFunc(method, "/{service}/*", s.proxy)
		}
	})
	return r
}

func (s *Server) listDirectory(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"services":  s.Directory.Names(),
		"directory": s.Directory.Map(),
	})
}

func (s *Server) registerModel(w http.ResponseWriter, r *http.Request) {
	var in models.ModelRegistration
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.WriteError(w, err)
		return
	}
	res, err := s.Orchestrator.RegisterModel(r.Context(), in)
	if err != nil {
		s.logFailure(r, "model registration failed", err)
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, res)
}

func (s *Server) infer(w http.ResponseWriter, r *http.Request) {
	var in models.InferenceRequest
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.WriteError(w, err)
		return
	}
	res, err := s.Orchestrator.Infer(r.Context(), in)
	var denied *apierr.PolicyDeniedError
	if errors.As(err, &denied) {
		s.Metrics.IncDecision(false, denied.Gate.Reasons)
		httpx.WriteError(w, err)
		return
	}
	if err != nil {
		s.logFailure(r, "inference failed", err)
		httpx.WriteError(w, err)
		return
	}
	s.Metrics.IncDecision(true, res.Policy.Reasons)
	httpx.WriteJSON(w, http.StatusOK, res)
}

// proxy relays /{service}/{path} upstream. The path is taken from the escaped
// request URI so encoded traversal sequences reach the sanitizer intact.
func (s *Server) proxy(w http.ResponseWriter, r *http.Request) {
	service := chi.URLParam(r, "service")
	path := strings.TrimPrefix(r.URL.EscapedPath(), "/"+service)

	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			httpx.WriteError(w, &apierr.Error{Kind: apierr.KindValidation, Status: http.StatusRequestEntityTooLarge, Code: "request_body_too_large"})
			return
		}
		httpx.WriteError(w, apierr.Validation("invalid_body", "unreadable request body"))
		return
	}
	header := r.Header.Clone()
	if id := httpx.RequestIDFromContext(r.Context()); id != "" {
		header.Set("X-Request-ID", id)
	}

	resp, err := s.Forwarder.Forward(r.Context(), proxy.Request{
		Service:  service,
		Path:     path,
		Method:   r.Method,
		RawQuery: r.URL.RawQuery,
		Header:   header,
		Body:     body,
	})
	if err != nil {
		s.logFailure(r, "proxy request rejected", err, "service", service)
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteRaw(w, resp.Status, "application/json", resp.Body)
}

// logFailure logs client-side rejections at info and everything else at
// error, keeping the cause out of the response.
func (s *Server) logFailure(r *http.Request, msg string, err error, attrs ...any) {
	attrs = append(attrs, "error", err, "code", apierr.CodeOf(err))
	var e *apierr.Error
	if errors.As(err, &e) && e.Status < http.StatusInternalServerError {
		s.Logger.InfoContext(r.Context(), msg, attrs...)
		return
	}
	s.Logger.ErrorContext(r.Context(), msg, attrs...)
}
