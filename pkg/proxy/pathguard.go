package proxy

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"mcpgov/pkg/apierr"
)

var schemeMarker = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9+.\-]*://`)

// SanitizePath rejects traversal and scheme injection and returns the path
// with a single leading slash. The raw and percent-decoded forms are both
// checked.
func SanitizePath(raw string) (string, error) {
	forms := []string{raw}
	if decoded, err := url.PathUnescape(raw); err == nil && decoded != raw {
		forms = append(forms, decoded)
	}
	for _, p := range forms {
		if strings.Contains(p, "..") {
			return "", apierr.Validation("invalid_path", "path traversal")
		}
		if strings.Contains(p, `\`) {
			return "", apierr.Validation("invalid_path", "backslash in path")
		}
		if strings.HasPrefix(p, "//") {
			return "", apierr.Validation("invalid_path", "network-path reference")
		}
		rel := strings.TrimPrefix(p, "/")
		if strings.HasPrefix(strings.ToLower(rel), "http") || schemeMarker.MatchString(rel) {
			return "", apierr.Validation("invalid_path", "scheme in path")
		}
	}
	if !strings.HasPrefix(raw, "/") {
		raw = "/" + raw
	}
	return raw, nil
}

// PathGuard holds each service's compiled allowlist. A service without an
// entry is denied every path.
type PathGuard struct {
	table map[string][]*regexp.Regexp
}

// NewPathGuard compiles every pattern anchored at both ends.
func NewPathGuard(table map[string][]string) (*PathGuard, error) {
	compiled := make(map[string][]*regexp.Regexp, len(table))
	for service, patterns := range table {
		list := make([]*regexp.Regexp, 0, len(patterns))
		for _, p := range patterns {
			re, err := regexp.Compile(`^(?:` + p + `)$`)
			if err != nil {
				return nil, fmt.Errorf("allowed path %q for %s: %w", p, service, err)
			}
			list = append(list, re)
		}
		compiled[service] = list
	}
	return &PathGuard{table: compiled}, nil
}

// Authorize returns an unauthorized_path error unless path fully matches one
// of the service's patterns.
func (g *PathGuard) Authorize(service, path string) error {
	if g == nil {
		return apierr.UnauthorizedPath("unauthorized_path")
	}
	patterns, ok := g.table[service]
	if !ok {
		return apierr.UnauthorizedPath("unauthorized_path")
	}
	for _, re := range patterns {
		if re.MatchString(path) {
			return nil
		}
	}
	return apierr.UnauthorizedPath("unauthorized_path")
}

// Services returns how many services have an allowlist entry.
func (g *PathGuard) Services() int {
	if g == nil {
		return 0
	}
	return len(g.table)
}
