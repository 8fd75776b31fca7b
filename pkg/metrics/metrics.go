// Package metrics keeps in-process request, decision and upstream counters
// and exposes them as JSON and Prometheus text.
package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
)

type Registry struct {
	mu         sync.RWMutex
	endpoint   map[string]*EndpointStat
	decision   map[string]int64
	reason     map[string]int64
	upstream   map[string]int64
	gauges     map[string]float64
	Histograms *HistogramRegistry
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

type Snapshot struct {
	GeneratedAt string                  `json:"generated_at"`
	Endpoints   map[string]EndpointStat `json:"endpoints"`
	Decisions   map[string]int64        `json:"decisions"`
	Reasons     map[string]int64        `json:"reasons"`
	Upstream    map[string]int64        `json:"upstream"`
	Gauges      map[string]float64      `json:"gauges"`
	Histograms  []HistogramSnapshot     `json:"histograms,omitempty"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint:   map[string]*EndpointStat{},
		decision:   map[string]int64{},
		reason:     map[string]int64{},
		upstream:   map[string]int64{},
		gauges:     map[string]float64{},
		Histograms: NewHistogramRegistry(),
	}
}

func (r *Registry) ObserveLatency(endpoint string, d time.Duration) {
	r.Histograms.ObserveDuration(endpoint, d)
}

// Observe records one request against endpoint. Statuses >= 400 count as errors.
func (r *Registry) Observe(endpoint string, status int, d time.Duration) {
	millis := d.Milliseconds()
	r.mu.Lock()
	defer r.mu.Unlock()
	stat, ok := r.endpoint[endpoint]
	if !ok {
		stat = &EndpointStat{}
		r.endpoint[endpoint] = stat
	}
	stat.Count++
	if status >= 400 {
		stat.ErrorCount++
	}
	stat.TotalMillis += millis
	if millis > stat.MaxMillis {
		stat.MaxMillis = millis
	}
	stat.LastStatusCode = status
	stat.AverageMillis = float64(stat.TotalMillis) / float64(stat.Count)
}

// IncDecision counts a policy gate outcome and the rule family of each reason.
// Reason families are the text before the first ':' so unbounded values such
// as risk scores do not explode the label space.
func (r *Registry) IncDecision(allowed bool, reasons []string) {
	decision := "deny"
	if allowed {
		decision = "allow"
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decision[decision]++
	for _, reason := range reasons {
		family := reasonFamily(reason)
		if family == "" {
			continue
		}
		r.reason[family]++
	}
}

func reasonFamily(reason string) string {
	reason = strings.TrimSpace(reason)
	if i := strings.IndexByte(reason, ':'); i >= 0 {
		reason = reason[:i]
	}
	return reason
}

// IncUpstream counts a forwarded call to service by outcome
// (ok, error, timeout, pool_timeout, ...).
func (r *Registry) IncUpstream(service, outcome string) {
	service = strings.TrimSpace(service)
	outcome = strings.TrimSpace(outcome)
	if service == "" || outcome == "" {
		return
	}
	r.mu.Lock()
	r.upstream[service+"|"+outcome]++
	r.mu.Unlock()
}

func (r *Registry) SetGauge(name string, value float64) {
	if name == "" {
		return
	}
	r.mu.Lock()
	r.gauges[name] = value
	r.mu.Unlock()
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := Snapshot{
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		Endpoints:   make(map[string]EndpointStat, len(r.endpoint)),
		Decisions:   copyCounts(r.decision),
		Reasons:     copyCounts(r.reason),
		Upstream:    copyCounts(r.upstream),
		Gauges:      make(map[string]float64, len(r.gauges)),
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	for k, v := range r.gauges {
		out.Gauges[k] = v
	}
	out.Histograms = r.Histograms.Snapshots()
	return out
}

func copyCounts(in map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// Middleware records status and latency per chi route pattern, falling back
// to the raw path outside a chi router.
func (r *Registry) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, req)
		elapsed := time.Since(start)
		route := req.URL.Path
		if rctx := chi.RouteContext(req.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		key := req.Method + " " + route
		r.Observe(key, rec.code, elapsed)
		r.ObserveLatency(key, elapsed)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (s *statusRecorder) WriteHeader(statusCode int) {
	s.code = statusCode
	s.ResponseWriter.WriteHeader(statusCode)
}

func (s *statusRecorder) Unwrap() http.ResponseWriter { return s.ResponseWriter }

func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(snap)
	}
}

func (r *Registry) PrometheusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		b := &strings.Builder{}
		writeEndpointSeries(b, "mcpgov_endpoint_count", "total requests by endpoint", "counter", snap, func(s EndpointStat) string { return fmt.Sprint(s.Count) })
		writeEndpointSeries(b, "mcpgov_endpoint_error_count", "total endpoint errors", "counter", snap, func(s EndpointStat) string { return fmt.Sprint(s.ErrorCount) })
		writeEndpointSeries(b, "mcpgov_endpoint_avg_millis", "endpoint average latency in milliseconds", "gauge", snap, func(s EndpointStat) string { return fmt.Sprintf("%.3f", s.AverageMillis) })
		writeEndpointSeries(b, "mcpgov_endpoint_max_millis", "endpoint max latency in milliseconds", "gauge", snap, func(s EndpointStat) string { return fmt.Sprint(s.MaxMillis) })

		b.WriteString("# HELP mcpgov_decision_total policy gate decisions\n")
		b.WriteString("# TYPE mcpgov_decision_total counter\n")
		for _, d := range SortedKeys(snap.Decisions) {
			fmt.Fprintf(b, "mcpgov_decision_total{decision=%q} %d\n", d, snap.Decisions[d])
		}
		b.WriteString("# HELP mcpgov_decision_reason_total policy reasons by rule family\n")
		b.WriteString("# TYPE mcpgov_decision_reason_total counter\n")
		for _, reason := range SortedKeys(snap.Reasons) {
			fmt.Fprintf(b, "mcpgov_decision_reason_total{reason=%q} %d\n", reason, snap.Reasons[reason])
		}
		b.WriteString("# HELP mcpgov_upstream_total forwarded calls by service and outcome\n")
		b.WriteString("# TYPE mcpgov_upstream_total counter\n")
		for _, key := range SortedKeys(snap.Upstream) {
			service, outcome, _ := strings.Cut(key, "|")
			fmt.Fprintf(b, "mcpgov_upstream_total{service=%q,outcome=%q} %d\n", service, outcome, snap.Upstream[key])
		}
		b.WriteString("# HELP mcpgov_gauge operational gauges\n")
		b.WriteString("# TYPE mcpgov_gauge gauge\n")
		for _, name := range SortedKeys(snap.Gauges) {
			fmt.Fprintf(b, "mcpgov_gauge{name=%q} %.3f\n", name, snap.Gauges[name])
		}
		if len(snap.Histograms) > 0 {
			b.WriteString("# HELP mcpgov_latency_seconds latency histogram\n")
			b.WriteString("# TYPE mcpgov_latency_seconds histogram\n")
		}
		for _, h := range snap.Histograms {
			for _, bucket := range h.Buckets {
				fmt.Fprintf(b, "mcpgov_latency_seconds_bucket{endpoint=%q,le=\"%.3f\"} %d\n", h.Name, bucket.Le, bucket.Count)
			}
			fmt.Fprintf(b, "mcpgov_latency_seconds_bucket{endpoint=%q,le=\"+Inf\"} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "mcpgov_latency_seconds_sum{endpoint=%q} %.6f\n", h.Name, h.Sum)
			fmt.Fprintf(b, "mcpgov_latency_seconds_count{endpoint=%q} %d\n", h.Name, h.Count)
		}
		_, _ = w.Write([]byte(b.String()))
	}
}

func writeEndpointSeries(b *strings.Builder, name, help, kind string, snap Snapshot, value func(EndpointStat) string) {
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s %s\n", name, kind)
	for _, ep := range SortedKeys(snap.Endpoints) {
		fmt.Fprintf(b, "%s{endpoint=%q} %s\n", name, ep, value(snap.Endpoints[ep]))
	}
}

func SortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
