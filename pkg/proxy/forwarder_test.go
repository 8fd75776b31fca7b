package proxy

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"mcpgov/pkg/apierr"
	"mcpgov/pkg/metrics"
)

type upstream struct {
	*httptest.Server
	hits    atomic.Int32
	lastReq atomic.Pointer[http.Request]
}

func newUpstream(t *testing.T, h http.HandlerFunc) *upstream {
	t.Helper()
	u := &upstream{}
	u.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u.hits.Add(1)
		u.lastReq.Store(r.Clone(context.Background()))
		h(w, r)
	}))
	t.Cleanup(u.Close)
	return u
}

func newForwarder(t *testing.T, base string, table map[string][]string) *Forwarder {
	t.Helper()
	guard, err := NewPathGuard(table)
	if err != nil {
		t.Fatalf("guard: %v", err)
	}
	return &Forwarder{
		Directory: ResolveDirectory(map[string]string{"mcp-audit": base}),
		Guard:     guard,
		Client:    NewHardenedClient(DefaultTimeouts()),
		Metrics:   metrics.NewRegistry(),
	}
}

func TestForwardRejectsTraversalWithoutCallingUpstream(t *testing.T) {
	up := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {})
	f := newForwarder(t, up.URL, map[string][]string{"mcp-audit": {`.*`}})

	for _, p := range []string{"/../etc", "../etc", "%2e%2e/etc", "//169.254.169.254/", "http://evil"} {
		_, err := f.Forward(context.Background(), Request{Service: "mcp-audit", Path: p, Method: http.MethodGet})
		if apierr.CodeOf(err) != "invalid_path" {
			t.Fatalf("path %q: expected invalid_path, got %v", p, err)
		}
	}
	if up.hits.Load() != 0 {
		t.Fatalf("no outbound call expected, got %d", up.hits.Load())
	}
}

func TestForwardUnknownServiceAndDeniedPaths(t *testing.T) {
	up := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {})
	f := newForwarder(t, up.URL, map[string][]string{"mcp-audit": {`/events`}})

	_, err := f.Forward(context.Background(), Request{Service: "mcp-nope", Path: "/events", Method: http.MethodGet})
	if !apierr.IsKind(err, apierr.KindNotFound) || apierr.CodeOf(err) != "service_not_found" {
		t.Fatalf("expected service_not_found, got %v", err)
	}

	_, err = f.Forward(context.Background(), Request{Service: "mcp-audit", Path: "/export", Method: http.MethodGet})
	if !apierr.IsKind(err, apierr.KindUnauthorizedPath) {
		t.Fatalf("expected unauthorized_path, got %v", err)
	}

	noEntry := newForwarder(t, up.URL, map[string][]string{})
	_, err = noEntry.Forward(context.Background(), Request{Service: "mcp-audit", Path: "/events", Method: http.MethodGet})
	if !apierr.IsKind(err, apierr.KindUnauthorizedPath) {
		t.Fatalf("service without allowlist must be denied, got %v", err)
	}
	if up.hits.Load() != 0 {
		t.Fatalf("no outbound call expected, got %d", up.hits.Load())
	}
}

func TestForwardStripsHeadersAndKeepsQuery(t *testing.T) {
	up := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Set-Cookie", "session=upstream")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"items":[1,2]}`))
	})
	f := newForwarder(t, up.URL+"/", map[string][]string{"mcp-audit": {`/events`}})

	in := http.Header{}
	in.Set("Authorization", "Bearer caller-token")
	in.Set("Cookie", "sid=abc")
	in.Set("Connection", "keep-alive, X-Secret")
	in.Set("X-Secret", "1")
	in.Set("X-Forwarded-For", "10.0.0.1")
	in.Set("Accept", "application/json")
	in.Set("Content-Type", "application/json")
	in.Set("X-Request-ID", "rid-7")

	resp, err := f.Forward(context.Background(), Request{
		Service:  "mcp-audit",
		Path:     "events",
		Method:   http.MethodPost,
		RawQuery: "limit=5&offset=10",
		Header:   in,
		Body:     []byte(`{"q":1}`),
	})
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	if resp.Status != http.StatusCreated || string(resp.Body) != `{"items":[1,2]}` {
		t.Fatalf("unexpected response %d %s", resp.Status, resp.Body)
	}

	got := up.lastReq.Load()
	if got.URL.Path != "/events" || got.URL.RawQuery != "limit=5&offset=10" || got.Method != http.MethodPost {
		t.Fatalf("unexpected upstream request %s %s?%s", got.Method, got.URL.Path, got.URL.RawQuery)
	}
	for _, h := range []string{"Authorization", "Cookie", "X-Secret", "X-Forwarded-For"} {
		if got.Header.Get(h) != "" {
			t.Fatalf("header %s must not be forwarded", h)
		}
	}
	for h, want := range map[string]string{"Accept": "application/json", "Content-Type": "application/json", "X-Request-ID": "rid-7"} {
		if got.Header.Get(h) != want {
			t.Fatalf("header %s = %q, want %q", h, got.Header.Get(h), want)
		}
	}
	if snap := f.Metrics.Snapshot(); snap.Upstream["mcp-audit|ok"] != 1 {
		t.Fatalf("expected upstream ok counter, got %#v", snap.Upstream)
	}
}

func TestForwardWrapsNonJSON(t *testing.T) {
	up := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("upstream down"))
	})
	f := newForwarder(t, up.URL, map[string][]string{"mcp-audit": {`/healthz`}})

	resp, err := f.Forward(context.Background(), Request{Service: "mcp-audit", Path: "/healthz", Method: http.MethodGet})
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	if resp.Status != http.StatusServiceUnavailable {
		t.Fatalf("upstream status must be preserved, got %d", resp.Status)
	}
	var body map[string]any
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		t.Fatalf("wrapped body must be json: %v", err)
	}
	if body["status"] != float64(503) || body["body"] != "upstream down" {
		t.Fatalf("unexpected wrapped body %#v", body)
	}
}

func TestForwardReturnsRedirectWithoutFollowing(t *testing.T) {
	internal := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {})
	up := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", internal.URL+"/admin")
		w.WriteHeader(http.StatusTemporaryRedirect)
	})
	f := newForwarder(t, up.URL, map[string][]string{"mcp-audit": {`/go`}})

	resp, err := f.Forward(context.Background(), Request{Service: "mcp-audit", Path: "/go", Method: http.MethodGet})
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	if resp.Status != http.StatusTemporaryRedirect || internal.hits.Load() != 0 {
		t.Fatalf("redirect must not be followed: status=%d hits=%d", resp.Status, internal.hits.Load())
	}
	if string(resp.Body) != `{"status":307,"body":""}` {
		t.Fatalf("unexpected body %s", resp.Body)
	}
}

func TestForwardUpstreamUnreachable(t *testing.T) {
	up := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {})
	base := up.URL
	up.Close()
	f := newForwarder(t, base, map[string][]string{"mcp-audit": {`/events`}})

	_, err := f.Forward(context.Background(), Request{Service: "mcp-audit", Path: "/events", Method: http.MethodGet})
	if apierr.CodeOf(err) != "upstream_unreachable" {
		t.Fatalf("expected upstream_unreachable, got %v", err)
	}
	if snap := f.Metrics.Snapshot(); snap.Upstream["mcp-audit|error"] != 1 {
		t.Fatalf("expected error counter, got %#v", snap.Upstream)
	}
}

func TestForwardResponseTooLarge(t *testing.T) {
	up := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":"0123456789"}`))
	})
	f := newForwarder(t, up.URL, map[string][]string{"mcp-audit": {`/big`}})
	f.MaxResponseBytes = 8
	_, err := f.Forward(context.Background(), Request{Service: "mcp-audit", Path: "/big", Method: http.MethodGet})
	if apierr.CodeOf(err) != "upstream_response_too_large" {
		t.Fatalf("expected upstream_response_too_large, got %v", err)
	}
}
