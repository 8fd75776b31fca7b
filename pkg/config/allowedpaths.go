package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadAllowedPaths reads the service → path-pattern table from file when set,
// otherwise from the inline YAML/JSON document. Neither set yields an empty
// table, which denies every proxied path.
func (g Gateway) LoadAllowedPaths() (map[string][]string, error) {
	if file := strings.TrimSpace(g.AllowedPathsFile); file != "" {
		raw, err := os.ReadFile(filepath.Clean(file))
		if err != nil {
			return nil, fmt.Errorf("read ALLOWED_PATHS_FILE: %w", err)
		}
		return ParseAllowedPaths(raw)
	}
	return ParseAllowedPaths([]byte(g.AllowedPaths))
}

// ParseAllowedPaths decodes a mapping of service name to a list of regex
// patterns. JSON input is accepted as YAML.
func ParseAllowedPaths(raw []byte) (map[string][]string, error) {
	out := map[string][]string{}
	if strings.TrimSpace(string(raw)) == "" {
		return out, nil
	}
	var doc map[string][]string
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse allowed paths: %w", err)
	}
	for service, patterns := range doc {
		service = strings.TrimSpace(service)
		if service == "" {
			return nil, fmt.Errorf("parse allowed paths: empty service name")
		}
		out[service] = append([]string(nil), patterns...)
	}
	return out, nil
}
