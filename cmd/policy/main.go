package main

import (
	"context"
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
	"mcpgov/pkg/policyeval"
	"mcpgov/pkg/policyload"
	"mcpgov/pkg/registry"
	"mcpgov/pkg/store"
	"mcpgov/pkg/telemetry"

	"github.com/go-chi/chi/v5"
)

type Server struct {
	Engine   *policyeval.Engine
	Bundle   policyload.Bundle
	Registry registry.Store
	Metrics  *metrics.Registry
	Logger   *slog.Logger
}

// Testable variables for main()
var (
	logFatalf       = log.Fatalf
	initTelemetryFn = telemetry.Init
	openRegistryFnP func(context.Context, config.Policy) (registry.Store, func(), error)
	loadPoliciesFnP = policyload.LoadDir
	listenFnP       func(*http.Server) error
)

func main() {
	if err := runPolicy(initTelemetryFn, openRegistryFnP, listenFnP); err != nil {
		logFatalf("policy: %v", err)
	}
}

func runPolicy(
	initTelemetry func(context.Context, string) (func(context.Context) error, error),
	openRegistry func(context.Context, config.Policy) (registry.Store, func(), error),
	listen func(*http.Server) error,
) error {
	if initTelemetry == nil {
		initTelemetry = telemetry.Init
	}
	if openRegistry == nil {
		openRegistry = openRegistryStore
	}
	if listen == nil {
		listen = func(server *http.Server) error { return server.ListenAndServe() }
	}

	cfg, err := config.LoadPolicy()
	if err != nil {
		return err
	}
	var redisCfg *config.Redis
	if usesRedis(cfg.RegistryBackend) {
		redisCfg = &cfg.Redis
	}
	if err := hardening.ValidateProduction(hardening.Options{
		Service:            "policy",
		Runtime:            cfg.Runtime,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		Redis:              redisCfg,
		Requirements: []hardening.Requirement{
			{Name: "AIBOM_PUBLIC_KEY_PATH", Satisfied: strings.TrimSpace(cfg.AIBOMPublicKeyPath) != ""},
		},
	}); err != nil {
		return err
	}

	bundle, err := loadPoliciesFnP(cfg.PoliciesDir)
	if err != nil {
		return err
	}

	ctx := context.Background()
	shutdown, err := initTelemetry(ctx, "policy")
	if err != nil {
		return err
	}
	defer func() { _ = shutdown(context.Background()) }()

	reg, closeRegistry, err := openRegistry(ctx, cfg)
	if err != nil {
		return err
	}
	if closeRegistry != nil {
		defer closeRegistry()
	}

	s := &Server{
		Engine:   policyeval.New(policyeval.FileKeySource{Path: cfg.AIBOMPublicKeyPath}, cfg.AIBOMRequired, cfg.GateSLA()),
		Bundle:   bundle,
		Registry: reg,
		Metrics:  metrics.NewRegistry(),
		Logger:   telemetry.NewLogger("policy"),
	}
	s.Logger.Info("policy service listening",
		"addr", cfg.Addr,
		"risk_scheme", bundle.Risk.Scheme.String(),
		"max_risk", bundle.Policy.MaxRisk,
		"aibom_required", cfg.AIBOMRequired,
		"registry", cfg.RegistryBackend,
	)
	return listen(cfg.Server(s.Router(cfg.HTTP)))
}

func usesRedis(backend string) bool {
	return strings.EqualFold(strings.TrimSpace(backend), "redis")
}

func openRegistryStore(ctx context.Context, cfg config.Policy) (registry.Store, func(), error) {
	if !usesRedis(cfg.RegistryBackend) {
		return registry.NewMemoryStore(), nil, nil
	}
	client, err := store.NewRedis(ctx, cfg.Redis)
	if err != nil {
		return nil, nil, err
	}
	return registry.NewRedisStore(client), func() { _ = client.Close() }, nil
}

func (s *Server) Router(cfg config.HTTP) http.Handler {
	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(cfg.CORSAllowedOrigins))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(httpx.RequestIDMiddleware(s.Logger))
	r.Use(telemetry.HTTPMiddleware("policy"))
	r.Use(s.Metrics.Middleware)
	r.Use(httpx.LimitBody(cfg.BodyLimit()))

	health := func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]bool{"ok": true})
	}
	r.Get("/healthz", health)
	r.Get("/health", health)
	r.Get("/metrics", s.Metrics.Handler())
	r.Get("/metrics/prometheus", s.Metrics.PrometheusHandler())
	r.Post("/validate", s.validate)
	r.Route("/api/v1/policies", func(r chi.Router) {
		r.Post("/validate", s.validate)
		r.Post("/register-model", s.registerModel)
		r.Get("/models", s.listModels)
	})
	return r
}

func (s *Server) validate(w http.ResponseWriter, r *http.Request) {
	var in models.ValidateRequest
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.WriteError(w, err)
		return
	}
	if in.Payload == nil {
		in.Payload = map[string]any{}
	}
	gate := s.Engine.Evaluate(in.Payload, s.Bundle.Policy, s.Bundle.Risk)
	s.Metrics.IncDecision(gate.Allowed, gate.Reasons)
	if !gate.WithinSLA {
		s.Logger.WarnContext(r.Context(), "policy evaluation exceeded sla", "elapsed_ms", gate.ElapsedMS)
	}
	httpx.WriteJSON(w, http.StatusOK, gate)
}

func (s *Server) registerModel(w http.ResponseWriter, r *http.Request) {
	var in models.RegisteredModel
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.WriteError(w, err)
		return
	}
	m, err := registry.Normalize(in)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	if err := s.Registry.Put(r.Context(), m); err != nil {
		s.Logger.ErrorContext(r.Context(), "model registry write failed", "model_id", m.ModelID, "error", err)
		httpx.WriteError(w, apierr.Persistence("registry_failed", err))
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"ok": true, "model": m})
}

func (s *Server) listModels(w http.ResponseWriter, r *http.Request) {
	out, err := s.Registry.List(r.Context())
	if err != nil {
		s.Logger.ErrorContext(r.Context(), "model registry read failed", "error", err)
		httpx.WriteError(w, apierr.Persistence("registry_failed", err))
		return
	}
	if out == nil {
		out = []models.RegisteredModel{}
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"models": out})
}
