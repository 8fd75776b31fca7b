package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"

	"mcpgov/pkg/config"
)

func sampleDecision(s sdktrace.Sampler) sdktrace.SamplingDecision {
	return s.ShouldSample(sdktrace.SamplingParameters{
		ParentContext: context.Background(),
		TraceID:       oteltrace.TraceID{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16},
		Name:          "telemetry-test",
	}).Decision
}

func TestParseSampler(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name, sampler, arg string
		want               sdktrace.SamplingDecision
	}{
		{"always off", "always_off", "", sdktrace.Drop},
		{"always on", "ALWAYS_ON", "", sdktrace.RecordAndSample},
		{"ratio clamps high", "traceidratio", "2", sdktrace.RecordAndSample},
		{"ratio clamps low", "traceidratio", "-1", sdktrace.Drop},
		{"parent based zero", "parentbased_traceidratio", "0", sdktrace.Drop},
		{"unknown samples everything", "unknown", "not-a-number", sdktrace.RecordAndSample},
	}
	for _, tc := range cases {
		if got := sampleDecision(parseSampler(tc.sampler, tc.arg)); got != tc.want {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, got)
		}
	}
}

func TestCleanHeaders(t *testing.T) {
	t.Parallel()

	got := cleanHeaders(map[string]string{" k1 ": " v1 ", "": "dropped", "k2": "v2"})
	if len(got) != 2 || got["k1"] != "v1" || got["k2"] != "v2" {
		t.Fatalf("unexpected headers %v", got)
	}
}

func TestInitReadsEnvironment(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	t.Setenv("OTEL_REQUIRED", "false")
	shutdown, err := Init(context.Background(), "telemetry-test")
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}

	t.Setenv("OTEL_EXPORTER_OTLP_TIMEOUT_SEC", "soon")
	if _, err := Init(context.Background(), "telemetry-test"); err == nil {
		t.Fatal("expected config parse error")
	}
}

func TestInstrumentClient(t *testing.T) {
	client := InstrumentClient(nil)
	if client == nil || client.Transport == nil {
		t.Fatal("expected instrumented client with transport")
	}
	existing := &http.Client{Transport: http.DefaultTransport}
	if InstrumentClient(existing) != existing {
		t.Fatal("expected instrumentation to mutate and return same client")
	}
}

func TestHTTPMiddlewarePassesThrough(t *testing.T) {
	var calls atomic.Int64
	handler := HTTPMiddleware("   ")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))

	for _, path := range []string{"/healthz", "/log"} {
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
		if rr.Code != http.StatusNoContent {
			t.Fatalf("%s: expected status 204, got %d", path, rr.Code)
		}
	}
	if calls.Load() != 2 {
		t.Fatalf("filtered requests must still be served, got %d calls", calls.Load())
	}
}

func TestStartWithExporter(t *testing.T) {
	collector := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/v1/traces") {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer collector.Close()

	u, err := url.Parse(collector.URL)
	if err != nil {
		t.Fatalf("parse collector url: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	shutdown, err := Start(ctx, "audit", config.Telemetry{
		Endpoint:   u.Host,
		Headers:    map[string]string{"x-test": "1"},
		TimeoutSec: 1,
		Insecure:   true,
		Required:   true,
	})
	if err != nil {
		t.Fatalf("expected exporter init success, got %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}
}
