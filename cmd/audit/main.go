package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"mcpgov/pkg/apierr"
	"mcpgov/pkg/config"
	"mcpgov/pkg/eventbus"
	"mcpgov/pkg/hardening"
	"mcpgov/pkg/httpx"
	"mcpgov/pkg/ledger"
	"mcpgov/pkg/metrics"
	"mcpgov/pkg/models"
	"mcpgov/pkg/store"
	"mcpgov/pkg/stream"
	"mcpgov/pkg/telemetry"

	"github.com/go-chi/chi/v5"
)

const publishTimeout = 5 * time.Second

type Server struct {
	Ledger    *ledger.Ledger
	Hub       *stream.Hub
	Publisher eventbus.Publisher
	Metrics   *metrics.Registry
	Logger    *slog.Logger
	// WSOrigins restricts cross-origin websocket upgrades on /events/stream.
	WSOrigins []string
}

// Testable variables for main()
var (
	logFatalf       = log.Fatalf
	initTelemetryFn = telemetry.Init
	openStoreFnA    func(context.Context, config.Audit) (ledger.Store, func(), error)
	openBusFnA      func(config.Kafka) (eventbus.Publisher, error)
	listenFnA       func(*http.Server) error
)

func main() {
	if err := runAudit(initTelemetryFn, openStoreFnA, openBusFnA, listenFnA); err != nil {
		logFatalf("audit: %v", err)
	}
}

func runAudit(
	initTelemetry func(context.Context, string) (func(context.Context) error, error),
	openStore func(context.Context, config.Audit) (ledger.Store, func(), error),
	openBus func(config.Kafka) (eventbus.Publisher, error),
	listen func(*http.Server) error,
) error {
	if initTelemetry == nil {
		initTelemetry = telemetry.Init
	}
	if openStore == nil {
		openStore = func(ctx context.Context, cfg config.Audit) (ledger.Store, func(), error) {
			if config.UsesMemory(cfg.StoreBackend) {
				return ledger.NewMemoryStore(), nil, nil
			}
			pool, err := store.NewPostgresPool(ctx, cfg.Database)
			if err != nil {
				return nil, nil, err
			}
			return ledger.NewPostgresStore(pool, cfg.LedgerKey), pool.Close, nil
		}
	}
	if openBus == nil {
		openBus = func(cfg config.Kafka) (eventbus.Publisher, error) {
			if !cfg.Enabled() {
				return eventbus.Nop{}, nil
			}
			return eventbus.NewKafkaPublisher(eventbus.KafkaConfig{Brokers: cfg.Brokers, Topic: cfg.Topic})
		}
	}
	if listen == nil {
		listen = func(server *http.Server) error { return server.ListenAndServe() }
	}

	cfg, err := config.LoadAudit()
	if err != nil {
		return err
	}
	if err := hardening.ValidateProduction(hardening.Options{
		Service:            "audit",
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
	shutdown, err := initTelemetry(ctx, "audit")
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
	bus, err := openBus(cfg.Kafka)
	if err != nil {
		return err
	}
	defer func() { _ = bus.Close() }()

	s := &Server{
		Ledger:    ledger.New(st),
		Hub:       stream.NewHub(),
		Publisher: bus,
		Metrics:   metrics.NewRegistry(),
		Logger:    telemetry.NewLogger("audit"),
		WSOrigins: stream.OriginPatterns(cfg.WSAllowedOrigins),
	}
	s.Logger.Info("audit service listening", "addr", cfg.Addr, "kafka", cfg.Kafka.Enabled())
	return listen(cfg.Server(s.Router(cfg.HTTP)))
}

func (s *Server) Router(cfg config.HTTP) http.Handler {
	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(cfg.CORSAllowedOrigins))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(httpx.RequestIDMiddleware(s.Logger))
	r.Use(telemetry.HTTPMiddleware("audit"))
	r.Use(s.Metrics.Middleware)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]bool{"ok": true})
	})
	r.Get("/metrics", s.Metrics.Handler())
	r.Get("/metrics/prometheus", s.Metrics.PrometheusHandler())
	r.With(httpx.LimitBody(cfg.BodyLimit())).Post("/log", s.logEvent)
	r.Get("/events", s.listEvents)
	r.Get("/events/stream", stream.Handler(s.Hub, s.WSOrigins, s.Logger))
	r.Get("/export", s.export)
	r.Get("/verify", s.verify)
	return r
}

func (s *Server) logEvent(w http.ResponseWriter, r *http.Request) {
	var in models.AuditInput
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.WriteError(w, err)
		return
	}
	appendIn, err := ledger.Validate(in)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	entry, err := s.Ledger.Append(r.Context(), appendIn)
	if err != nil {
		s.Logger.ErrorContext(r.Context(), "audit append failed", "event_type", in.EventType, "error", err)
		httpx.WriteError(w, err)
		return
	}
	s.Metrics.SetGauge("ledger_last_id", float64(entry.ID))
	s.fanOut(r.Context(), entry)
	httpx.WriteJSON(w, http.StatusOK, entry)
}

// fanOut publishes a committed entry to websocket subscribers and Kafka.
// Failures are logged and never undo the append.
func (s *Server) fanOut(ctx context.Context, entry models.AuditEntry) {
	s.Hub.Publish(stream.NewEvent("audit.appended", entry))
	if s.Publisher == nil {
		return
	}
	value, err := json.Marshal(entry)
	if err != nil {
		s.Logger.WarnContext(ctx, "audit entry not encodable for kafka", "id", entry.ID, "error", err)
		return
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := s.Publisher.Publish(pubCtx, eventbus.Message{Key: []byte(entry.Subject), Value: value}); err != nil {
		s.Logger.WarnContext(ctx, "audit entry publish failed", "id", entry.ID, "error", err)
	}
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, offset, err := ledger.ParsePage(q.Get("limit"), q.Get("offset"))
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	entries, err := s.Ledger.List(r.Context(), limit, offset)
	if err != nil {
		s.Logger.ErrorContext(r.Context(), "audit list failed", "error", err)
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, entries)
}

func (s *Server) export(w http.ResponseWriter, r *http.Request) {
	format := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("fmt")))
	if format == "" {
		format = ledger.FormatJSON
	}
	var buf bytes.Buffer
	if err := s.Ledger.Export(r.Context(), &buf, format); err != nil {
		s.Logger.ErrorContext(r.Context(), "audit export failed", "fmt", format, "error", err)
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteRaw(w, http.StatusOK, ledger.ContentType(format), buf.Bytes())
}

func (s *Server) verify(w http.ResponseWriter, r *http.Request) {
	n, err := s.Ledger.Verify(r.Context())
	var tampered *ledger.TamperError
	if errors.As(err, &tampered) {
		s.Logger.ErrorContext(r.Context(), "audit chain broken", "id", tampered.ID, "reason", tampered.Reason)
		httpx.WriteError(w, apierr.Tamper("chain_broken", tampered.Error()))
		return
	}
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"ok": true, "entries": n})
}
