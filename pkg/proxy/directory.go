// Package proxy forwards caller requests to internal services behind a
// fixed service directory, a fail-closed path allowlist and a hardened
// HTTP client.
package proxy

import (
	"encoding/json"
	"log/slog"
	"net/url"
	"sort"
	"strings"
)

// Directory maps service names to plain-http base URLs. It is read-only once
// built.
type Directory struct {
	entries map[string]string
}

// ResolveDirectory keeps only entries whose value is an absolute http URL
// with a host. Anything else (https, other schemes, relative or malformed
// URLs) is dropped.
func ResolveDirectory(raw map[string]string) Directory {
	d, _ := resolveDirectory(raw)
	return d
}

func resolveDirectory(raw map[string]string) (Directory, []string) {
	entries := make(map[string]string, len(raw))
	var dropped []string
	for name, base := range raw {
		if !validBase(base) {
			dropped = append(dropped, name)
			continue
		}
		entries[name] = base
	}
	sort.Strings(dropped)
	return Directory{entries: entries}, dropped
}

func validBase(base string) bool {
	if !strings.HasPrefix(base, "http://") {
		return false
	}
	u, err := url.Parse(base)
	if err != nil {
		return false
	}
	return u.Scheme == "http" && u.Host != "" && u.Opaque == ""
}

// ParseDirectory decodes the MCP_DIRECTORY JSON object. Invalid JSON yields an
// empty directory; non-string values are dropped with the non-http entries.
func ParseDirectory(rawJSON string, logger *slog.Logger) Directory {
	if logger == nil {
		logger = slog.Default()
	}
	var doc map[string]any
	if err := json.Unmarshal([]byte(rawJSON), &doc); err != nil {
		logger.Warn("service directory is not a json object, starting empty", "error", err)
		return Directory{entries: map[string]string{}}
	}
	raw := make(map[string]string, len(doc))
	var dropped []string
	for name, v := range doc {
		s, ok := v.(string)
		if !ok {
			dropped = append(dropped, name)
			continue
		}
		raw[name] = s
	}
	d, more := resolveDirectory(raw)
	dropped = append(dropped, more...)
	if len(dropped) > 0 {
		sort.Strings(dropped)
		logger.Warn("service directory entries dropped", "services", dropped)
	}
	return d
}

// Lookup returns the base URL for service.
func (d Directory) Lookup(service string) (string, bool) {
	base, ok := d.entries[service]
	return base, ok
}

// Names returns the service names in sorted order.
func (d Directory) Names() []string {
	names := make([]string, 0, len(d.entries))
	for name := range d.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Map returns a copy of the entries.
func (d Directory) Map() map[string]string {
	out := make(map[string]string, len(d.entries))
	for k, v := range d.entries {
		out[k] = v
	}
	return out
}

func (d Directory) Len() int { return len(d.entries) }
