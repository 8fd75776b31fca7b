package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"

	"mcpgov/pkg/config"
	"mcpgov/pkg/hardening"
	"mcpgov/pkg/httpx"
	"mcpgov/pkg/lineage"
	"mcpgov/pkg/metrics"
	"mcpgov/pkg/models"
	"mcpgov/pkg/store"
	"mcpgov/pkg/telemetry"

	"github.com/go-chi/chi/v5"
)

type Server struct {
	Lineage *lineage.Service
	Metrics *metrics.Registry
	Logger  *slog.Logger
}

// Testable variables for main()
var (
	logFatalf       = log.Fatalf
	initTelemetryFn = telemetry.Init
	openStoreFnL    func(context.Context, config.Lineage) (lineage.Store, func(), error)
	listenFnL       func(*http.Server) error
)

func main() {
	if err := runLineage(initTelemetryFn, openStoreFnL, listenFnL); err != nil {
		logFatalf("lineage: %v", err)
	}
}

func runLineage(
	initTelemetry func(context.Context, string) (func(context.Context) error, error),
	openStore func(context.Context, config.Lineage) (lineage.Store, func(), error),
	listen func(*http.Server) error,
) error {
	if initTelemetry == nil {
		initTelemetry = telemetry.Init
	}
	if openStore == nil {
		openStore = func(ctx context.Context, cfg config.Lineage) (lineage.Store, func(), error) {
			if config.UsesMemory(cfg.StoreBackend) {
				return lineage.NewMemoryStore(), nil, nil
			}
			pool, err := store.NewPostgresPool(ctx, cfg.Database)
			if err != nil {
				return nil, nil, err
			}
			return lineage.NewPostgresStore(pool), pool.Close, nil
		}
	}
	if listen == nil {
		listen = func(server *http.Server) error { return server.ListenAndServe() }
	}

	cfg, err := config.LoadLineage()
	if err != nil {
		return err
	}
	if err := hardening.ValidateProduction(hardening.Options{
		Service:            "lineage",
		Runtime:            cfg.Runtime,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		Database:           &cfg.Database,
		Requirements: []hardening.Requirement{
			{Name: "STORE_BACKEND=postgres", Satisfied: !config.UsesMemory(cfg.StoreBackend)},
		},
	}); err != nil {
		return err
	}

	ctx := context.Background()
	shutdown, err := initTelemetry(ctx, "lineage")
	if err != nil {
		return err
	}
	defer func() { _ = shutdown(context.Background()) }()

	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	if closeStore != nil {
		defer closeStore()
	}

	s := &Server{
		Lineage: lineage.New(st),
		Metrics: metrics.NewRegistry(),
		Logger:  telemetry.NewLogger("lineage"),
	}
	s.Logger.Info("lineage service listening", "addr", cfg.Addr)
	return listen(cfg.Server(s.Router(cfg.HTTP)))
}

func (s *Server) Router(cfg config.HTTP) http.Handler {
	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(cfg.CORSAllowedOrigins))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(httpx.RequestIDMiddleware(s.Logger))
	r.Use(telemetry.HTTPMiddleware("lineage"))
	r.Use(s.Metrics.Middleware)
	r.Use(httpx.LimitBody(cfg.BodyLimit()))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]bool{"ok": true})
	})
	r.Get("/metrics", s.Metrics.Handler())
	r.Get("/metrics/prometheus", s.Metrics.PrometheusHandler())
	r.Post("/register", s.register)
	r.Get("/lineage/{model_id}", s.history)
	return r
}

func (s *Server) register(w http.ResponseWriter, r *http.Request) {
	var in models.ModelRegistration
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.WriteError(w, err)
		return
	}
	rec, err := s.Lineage.Register(r.Context(), in)
	if err != nil {
		s.Logger.ErrorContext(r.Context(), "lineage register failed", "model_id", in.ModelID, "error", err)
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, rec)
}

func (s *Server) history(w http.ResponseWriter, r *http.Request) {
	records, err := s.Lineage.History(r.Context(), chi.URLParam(r, "model_id"))
	if err != nil {
		s.Logger.ErrorContext(r.Context(), "lineage query failed", "error", err)
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, records)
}
