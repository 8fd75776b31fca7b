package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"mcpgov/pkg/config"
	"mcpgov/pkg/metrics"
	"mcpgov/pkg/orchestrator"
	"mcpgov/pkg/proxy"
	"mcpgov/pkg/ratelimit"

	"github.com/redis/go-redis/v9"
)

type upstream struct {
	*httptest.Server
	hits    atomic.Int64
	mu      sync.Mutex
	lastReq *http.Request
	body    []byte
}

func newUpstream(t *testing.T, status int, body string) *upstream {
	t.Helper()
	u := &upstream{}
	u.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u.hits.Add(1)
		raw, _ := io.ReadAll(r.Body)
		u.mu.Lock()
		u.lastReq = r.Clone(context.Background())
		u.body = raw
		u.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Set-Cookie", "upstream=1")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(u.Close)
	return u
}

func newGateway(t *testing.T, services map[string]string, table map[string][]string, limiter ratelimit.Limiter) (*Server, *httptest.Server) {
	t.Helper()
	dir := proxy.ResolveDirectory(services)
	guard, err := proxy.NewPathGuard(table)
	if err != nil {
		t.Fatalf("guard: %v", err)
	}
	reg := metrics.NewRegistry()
	client := proxy.NewHardenedClient(proxy.Timeouts{Read: 2 * time.Second})
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	s := &Server{
		Directory:    dir,
		Forwarder:    &proxy.Forwarder{Directory: dir, Guard: guard, Client: client, Metrics: reg},
		Orchestrator: orchestrator.New(dir, client, logger),
		Limiter:      limiter,
		RateLimit:    config.RateLimit{Enabled: limiter != nil, PerMinute: 2},
		Metrics:      reg,
		Logger:       logger,
	}
	srv := httptest.NewServer(s.Router(config.HTTP{}))
	t.Cleanup(srv.Close)
	return s, srv
}

func do(t *testing.T, method, url, body string, header map[string]string) (*http.Response, map[string]any) {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, rdr)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestHealthAndDirectoryListing(t *testing.T) {
	_, srv := newGateway(t, map[string]string{
		"mcp-policy": "http://policy:8082",
		"mcp-audit":  "http://audit:8083",
		"evil":       "file:///etc/passwd",
	}, nil, nil)

	resp, body := do(t, http.MethodGet, srv.URL+"/healthz", "", nil)
	if resp.StatusCode != http.StatusOK || body["ok"] != true {
		t.Fatalf("unexpected healthz %d %v", resp.StatusCode, body)
	}
	_, body = do(t, http.MethodGet, srv.URL+"/mcp", "", nil)
	services, _ := body["services"].([]any)
	if len(services) != 2 || services[0] != "mcp-audit" || services[1] != "mcp-policy" {
		t.Fatalf("expected sorted http services only, got %v", body["services"])
	}
	directory, _ := body["directory"].(map[string]any)
	if directory["mcp-audit"] != "http://audit:8083" || directory["evil"] != nil {
		t.Fatalf("unexpected directory %v", directory)
	}
}

func TestProxyRejectsTraversalWithoutOutboundCall(t *testing.T) {
	audit := newUpstream(t, http.StatusOK, `{}`)
	_, srv := newGateway(t, map[string]string{"mcp-audit": audit.URL}, map[string][]string{"mcp-audit": {`/.*`}}, nil)

	for _, path := range []string{"/mcp-audit/../etc/passwd", "/mcp-audit/%2e%2e/etc", "/mcp-audit//evil.example.com/x", "/mcp-audit/http:%2F%2Fevil"} {
		resp, body := do(t, http.MethodGet, srv.URL+path, "", nil)
		if resp.StatusCode != http.StatusBadRequest || body["error"] != "invalid_path" {
			t.Fatalf("%s: expected 400 invalid_path, got %d %v", path, resp.StatusCode, body)
		}
	}
	if audit.hits.Load() != 0 {
		t.Fatalf("no outbound call may be made, got %d", audit.hits.Load())
	}
}

func TestProxyAllowlistAndForwarding(t *testing.T) {
	audit := newUpstream(t, http.StatusOK, `{"events":[]}`)
	lineage := newUpstream(t, http.StatusOK, `{}`)
	s, srv := newGateway(t,
		map[string]string{"mcp-audit": audit.URL, "mcp-lineage": lineage.URL},
		map[string][]string{"mcp-audit": {`/events`}},
		nil,
	)

	resp, body := do(t, http.MethodGet, srv.URL+"/mcp-audit/events?limit=5&offset=1", "", map[string]string{
		"Authorization": "Bearer secret",
		"Cookie":        "session=1",
		"Accept":        "application/json",
		"X-Request-ID":  "req-42",
	})
	if resp.StatusCode != http.StatusOK || body["events"] == nil {
		t.Fatalf("expected relayed body, got %d %v", resp.StatusCode, body)
	}
	if resp.Header.Get("Set-Cookie") != "" {
		t.Fatal("upstream headers must not be forwarded")
	}
	audit.mu.Lock()
	got := audit.lastReq
	audit.mu.Unlock()
	if got.URL.Path != "/events" || got.URL.RawQuery != "limit=5&offset=1" {
		t.Fatalf("unexpected upstream url %s", got.URL)
	}
	if got.Header.Get("Authorization") != "" || got.Header.Get("Cookie") != "" {
		t.Fatalf("credentials leaked upstream: %v", got.Header)
	}
	if got.Header.Get("X-Request-ID") != "req-42" {
		t.Fatalf("request id not propagated: %v", got.Header)
	}

	if resp, body := do(t, http.MethodGet, srv.URL+"/mcp-audit/export", "", nil); resp.StatusCode != http.StatusForbidden || body["error"] != "unauthorized_path" {
		t.Fatalf("expected 403 for unlisted path, got %d %v", resp.StatusCode, body)
	}
	if resp, body := do(t, http.MethodGet, srv.URL+"/mcp-lineage/lineage/m", "", nil); resp.StatusCode != http.StatusForbidden || body["error"] != "unauthorized_path" {
		t.Fatalf("expected 403 for service without allowlist, got %d %v", resp.StatusCode, body)
	}
	if resp, body := do(t, http.MethodGet, srv.URL+"/mcp-ghost/x", "", nil); resp.StatusCode != http.StatusNotFound || body["error"] != "service_not_found" {
		t.Fatalf("expected 404, got %d %v", resp.StatusCode, body)
	}
	if lineage.hits.Load() != 0 {
		t.Fatal("denied service must not be called")
	}
	if s.Metrics.Snapshot().Upstream["mcp-audit|ok"] != 1 {
		t.Fatalf("expected upstream metric, got %v", s.Metrics.Snapshot().Upstream)
	}
}

func TestProxyPreservesUpstreamStatusAndWrapsText(t *testing.T) {
	upstreamSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = io.WriteString(w, "maintenance")
	}))
	defer upstreamSrv.Close()
	_, srv := newGateway(t, map[string]string{"mcp-policy": upstreamSrv.URL}, map[string][]string{"mcp-policy": {`/health`}}, nil)

	resp, body := do(t, http.MethodGet, srv.URL+"/mcp-policy/health", "", nil)
	if resp.StatusCode != http.StatusServiceUnavailable || body["body"] != "maintenance" || body["status"] != float64(503) {
		t.Fatalf("expected wrapped 503, got %d %v", resp.StatusCode, body)
	}
}

func TestRegisterModelLineageFailureSkipsAudit(t *testing.T) {
	lineage := newUpstream(t, http.StatusInternalServerError, `{"status":500,"error":"registration_failed"}`)
	audit := newUpstream(t, http.StatusOK, `{}`)
	_, srv := newGateway(t, map[string]string{"mcp-lineage": lineage.URL, "mcp-audit": audit.URL}, nil, nil)

	resp, body := do(t, http.MethodPost, srv.URL+"/api/v1/models/register", `{"model_id":"m-1","version":"1","created_by":"ml"}`, nil)
	if resp.StatusCode != http.StatusBadGateway || body["error"] != "lineage_register_failed" {
		t.Fatalf("expected 502 lineage_register_failed, got %d %v", resp.StatusCode, body)
	}
	if audit.hits.Load() != 0 {
		t.Fatal("audit must not be called after a lineage failure")
	}
}

func TestRegisterModelSuccess(t *testing.T) {
	lineage := newUpstream(t, http.StatusOK, `{"id":1,"model_id":"m-1"}`)
	audit := newUpstream(t, http.StatusOK, `{"id":9,"entry_hash":"h"}`)
	_, srv := newGateway(t, map[string]string{"mcp-lineage": lineage.URL, "mcp-audit": audit.URL}, nil, nil)

	resp, body := do(t, http.MethodPost, srv.URL+"/api/v1/models/register", `{"model_id":"m-1","version":"1","created_by":"ml"}`, nil)
	if resp.StatusCode != http.StatusOK || body["status"] != "ok" || body["model_id"] != "m-1" {
		t.Fatalf("unexpected register response %d %v", resp.StatusCode, body)
	}
	if resp, body := do(t, http.MethodPost, srv.URL+"/api/v1/models/register", `{"model_id":"m-1"}`, nil); resp.StatusCode != http.StatusBadRequest || body["error"] != "invalid_version" {
		t.Fatalf("expected validation error, got %d %v", resp.StatusCode, body)
	}
}

func TestInferDeniedAndAllowed(t *testing.T) {
	audit := newUpstream(t, http.StatusOK, `{}`)
	denyPolicy := newUpstream(t, http.StatusOK, `{"allowed":false,"reasons":["aibom_missing_allowed","risk_exceeds:5>4"],"risk_score":5,"within_sla":true}`)
	s, srv := newGateway(t, map[string]string{"mcp-policy": denyPolicy.URL, "mcp-audit": audit.URL}, nil, nil)

	resp, body := do(t, http.MethodPost, srv.URL+"/api/v1/models/infer", `{"model_id":"m","user_id":"u","prompt":"secret prompt","risk":{"model_complexity":3}}`, nil)
	if resp.StatusCode != http.StatusForbidden || body["error"] != "policy_denied" {
		t.Fatalf("expected 403 policy_denied, got %d %v", resp.StatusCode, body)
	}
	policy, _ := body["policy"].(map[string]any)
	if policy["risk_score"] != float64(5) {
		t.Fatalf("denial must carry the gate result, got %v", body)
	}
	denyPolicy.mu.Lock()
	sent := string(denyPolicy.body)
	denyPolicy.mu.Unlock()
	if strings.Contains(sent, "secret prompt") || !strings.Contains(sent, `"prompt_len":13`) {
		t.Fatalf("policy must see prompt length only, got %s", sent)
	}
	if audit.hits.Load() != 1 {
		t.Fatalf("denied inference must be audited, got %d calls", audit.hits.Load())
	}
	if s.Metrics.Snapshot().Decisions["deny"] != 1 {
		t.Fatalf("expected deny metric, got %v", s.Metrics.Snapshot().Decisions)
	}

	allowPolicy := newUpstream(t, http.StatusOK, `{"allowed":true,"reasons":["aibom_missing_allowed"],"risk_score":0,"within_sla":true}`)
	_, srv = newGateway(t, map[string]string{"mcp-policy": allowPolicy.URL, "mcp-audit": audit.URL}, nil, nil)
	resp, body = do(t, http.MethodPost, srv.URL+"/api/v1/models/infer", `{"model_id":"m","user_id":"u","prompt":"hello"}`, nil)
	if resp.StatusCode != http.StatusOK || body["response"] != "[simulated] echo:hello" {
		t.Fatalf("expected echo, got %d %v", resp.StatusCode, body)
	}
}

func TestInferMissingDependency(t *testing.T) {
	_, srv := newGateway(t, map[string]string{}, nil, nil)
	resp, body := do(t, http.MethodPost, srv.URL+"/api/v1/models/infer", `{"model_id":"m","user_id":"u","prompt":"p"}`, nil)
	if resp.StatusCode != http.StatusServiceUnavailable || body["error"] != "dependent_service_unavailable:mcp-policy" {
		t.Fatalf("expected 503, got %d %v", resp.StatusCode, body)
	}
}

func TestRateLimit(t *testing.T) {
	_, srv := newGateway(t, map[string]string{}, nil, ratelimit.NewInMemory(time.Minute))
	for i := 0; i < 2; i++ {
		if resp, _ := do(t, http.MethodGet, srv.URL+"/mcp", "", nil); resp.StatusCode != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, resp.StatusCode)
		}
	}
	resp, body := do(t, http.MethodGet, srv.URL+"/mcp", "", nil)
	if resp.StatusCode != http.StatusTooManyRequests || body["error"] != "rate_limited" || resp.Header.Get("Retry-After") == "" {
		t.Fatalf("expected 429, got %d %v", resp.StatusCode, body)
	}
	if resp, _ := do(t, http.MethodGet, srv.URL+"/healthz", "", nil); resp.StatusCode != http.StatusOK {
		t.Fatal("health checks are not rate limited")
	}
}

func TestMainDirectGateway(t *testing.T) {
	origLogFatalf := logFatalf
	origInit := initTelemetryG
	origRedis := openRedisFnG
	origListen := listenFnG
	defer func() {
		logFatalf = origLogFatalf
		initTelemetryG = origInit
		openRedisFnG = origRedis
		listenFnG = origListen
	}()
	noopTelemetry := func(ctx context.Context, service string) (func(context.Context) error, error) {
		return func(context.Context) error { return nil }, nil
	}

	t.Run("success", func(t *testing.T) {
		t.Setenv("MCP_DIRECTORY", `{"mcp-audit":"http://audit:8083"}`)
		t.Setenv("MCP_ALLOWED_PATHS", `{"mcp-audit":["/events"]}`)
		t.Setenv("UPSTREAM_READ_TIMEOUT_MS", "500")
		fatalCalled := false
		var served *http.Server
		logFatalf = func(format string, args ...any) { fatalCalled = true }
		initTelemetryG = noopTelemetry
		listenFnG = func(server *http.Server) error { served = server; return nil }
		main()
		if fatalCalled || served == nil || served.Addr != ":8080" {
			t.Fatalf("unexpected startup fatal=%v server=%+v", fatalCalled, served)
		}
	})

	t.Run("invalid allowlist pattern", func(t *testing.T) {
		t.Setenv("MCP_ALLOWED_PATHS", `{"mcp-audit":["(unclosed"]}`)
		fatalCalled := false
		logFatalf = func(format string, args ...any) { fatalCalled = true }
		initTelemetryG = noopTelemetry
		main()
		if !fatalCalled {
			t.Fatal("logFatalf should be called for an invalid pattern")
		}
	})

	t.Run("redis open failure", func(t *testing.T) {
		t.Setenv("REDIS_ADDR", "redis:6379")
		err := runGateway(noopTelemetry, func(context.Context, config.Redis) (*redis.Client, error) {
			return nil, errors.New("dial tcp: connection refused")
		}, func(*http.Server) error { return nil })
		if err == nil || !strings.Contains(err.Error(), "connection refused") {
			t.Fatalf("expected redis error, got %v", err)
		}
	})

	t.Run("production requires directory", func(t *testing.T) {
		t.Setenv("ENVIRONMENT", "production")
		t.Setenv("CORS_ALLOWED_ORIGINS", "https://console.example.com")
		t.Setenv("MCP_DIRECTORY", "{}")
		err := runGateway(noopTelemetry, nil, func(*http.Server) error { return nil })
		if err == nil || !strings.Contains(err.Error(), "MCP_DIRECTORY") {
			t.Fatalf("expected hardening error, got %v", err)
		}
	})
}
