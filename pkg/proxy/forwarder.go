package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"mcpgov/pkg/apierr"
	"mcpgov/pkg/metrics"
)

// forwardedHeaders is the complete set of caller headers passed upstream.
// Authorization, cookies and hop-by-hop headers never leave the gateway.
var forwardedHeaders = []string{"Accept", "Content-Type", "X-Request-ID"}

const defaultMaxResponseBytes = 10 << 20

// Request is one proxied call as received from the caller.
type Request struct {
	Service  string
	Path     string
	Method   string
	RawQuery string
	Header   http.Header
	Body     []byte
}

// Response carries the upstream status and a JSON body. Upstream headers are
// not exposed.
type Response struct {
	Status int
	Body   []byte
}

type Forwarder struct {
	Directory        Directory
	Guard            *PathGuard
	Client           *http.Client
	Metrics          *metrics.Registry
	MaxResponseBytes int64
}

// Forward validates req against the directory and allowlist and relays it.
// No outbound call is made unless every check passes.
func (f *Forwarder) Forward(ctx context.Context, req Request) (Response, error) {
	base, ok := f.Directory.Lookup(req.Service)
	if !ok {
		return Response{}, apierr.NotFound("service_not_found")
	}
	path, err := SanitizePath(req.Path)
	if err != nil {
		return Response{}, err
	}
	if err := f.Guard.Authorize(req.Service, path); err != nil {
		return Response{}, err
	}

	target := strings.TrimRight(base, "/") + path
	if req.RawQuery != "" {
		target += "?" + req.RawQuery
	}
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	out, err := http.NewRequestWithContext(ctx, req.Method, target, body)
	if err != nil {
		return Response{}, apierr.Validation("invalid_request", "request could not be built")
	}
	for _, name := range forwardedHeaders {
		for _, v := range req.Header.Values(name) {
			out.Header.Add(name, v)
		}
	}

	resp, err := f.Client.Do(out)
	if err != nil {
		classified := ClassifyError(err)
		f.observe(req.Service, outcome(classified))
		return Response{}, classified
	}
	defer resp.Body.Close()
	limit := f.MaxResponseBytes
	if limit <= 0 {
		limit = defaultMaxResponseBytes
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		classified := ClassifyError(err)
		f.observe(req.Service, outcome(classified))
		return Response{}, classified
	}
	if int64(len(raw)) > limit {
		f.observe(req.Service, "too_large")
		return Response{}, apierr.Upstream("upstream_response_too_large", fmt.Errorf("upstream body exceeds %d bytes", limit))
	}
	f.observe(req.Service, "ok")
	return Response{Status: resp.StatusCode, Body: wrapNonJSON(resp.StatusCode, raw)}, nil
}

// wrapNonJSON passes JSON bodies through and wraps anything else as
// {"status": code, "body": text}.
func wrapNonJSON(status int, raw []byte) []byte {
	if json.Valid(raw) {
		return raw
	}
	wrapped, _ := json.Marshal(struct {
		Status int    `json:"status"`
		Body   string `json:"body"`
	}{Status: status, Body: string(raw)})
	return wrapped
}

func (f *Forwarder) observe(service, result string) {
	if f.Metrics != nil {
		f.Metrics.IncUpstream(service, result)
	}
}

func outcome(err error) string {
	var e *apierr.Error
	if errors.As(err, &e) {
		switch e.Code {
		case "upstream_pool_timeout":
			return "pool_timeout"
		case "upstream_timeout":
			return "timeout"
		}
	}
	return "error"
}
