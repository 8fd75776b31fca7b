// Package hardening refuses insecure configurations in production-like
// environments.
package hardening

import (
	"fmt"
	"strings"

	"mcpgov/pkg/config"
)

// Requirement is a service-specific precondition, e.g. a non-empty service
// directory for the gateway.
type Requirement struct {
	Name      string
	Satisfied bool
}

type Options struct {
	Service            string
	Runtime            config.Runtime
	CORSAllowedOrigins string
	// Database and Redis are nil for services that do not use them.
	Database     *config.Database
	Redis        *config.Redis
	Requirements []Requirement
}

func ValidateProduction(o Options) error {
	if !IsProductionLike(o.Runtime.Env()) {
		return nil
	}
	if !isTrue(o.Runtime.StrictProdSecurity, true) {
		return nil
	}
	service := strings.TrimSpace(o.Service)
	if service == "" {
		service = "service"
	}
	if o.Database != nil && !o.Database.RequireTLS {
		return fmt.Errorf("%s: strict production hardening requires DATABASE_REQUIRE_TLS=true", service)
	}
	if o.Redis != nil && o.Redis.Enabled() {
		if !o.Redis.RequireTLS {
			return fmt.Errorf("%s: strict production hardening requires REDIS_REQUIRE_TLS=true", service)
		}
		if o.Redis.TLSInsecure || o.Redis.AllowInsecureTLS {
			return fmt.Errorf("%s: strict production hardening forbids REDIS_TLS_INSECURE/REDIS_ALLOW_INSECURE_TLS", service)
		}
	}
	if err := validateCORSOrigins(o.CORSAllowedOrigins, service); err != nil {
		return err
	}
	for _, req := range o.Requirements {
		if strings.TrimSpace(req.Name) == "" {
			continue
		}
		if !req.Satisfied {
			return fmt.Errorf("%s: strict production hardening requires %s", service, req.Name)
		}
	}
	return nil
}

func validateCORSOrigins(raw, service string) error {
	validCount := 0
	for _, origin := range strings.Split(raw, ",") {
		o := strings.TrimSpace(origin)
		if o == "" {
			continue
		}
		validCount++
		lower := strings.ToLower(o)
		if lower == "*" {
			return fmt.Errorf("%s: strict production hardening forbids CORS wildcard origin", service)
		}
		if strings.HasPrefix(lower, "http://localhost") || strings.HasPrefix(lower, "https://localhost") || strings.HasPrefix(lower, "http://127.0.0.1") || strings.HasPrefix(lower, "https://127.0.0.1") {
			return fmt.Errorf("%s: strict production hardening forbids localhost CORS origin %q", service, o)
		}
		if !strings.HasPrefix(lower, "https://") {
			return fmt.Errorf("%s: strict production hardening requires HTTPS CORS origin, got %q", service, o)
		}
	}
	if validCount == 0 {
		return fmt.Errorf("%s: strict production hardening requires explicit CORS_ALLOWED_ORIGINS", service)
	}
	return nil
}

func isTrue(raw string, def bool) bool {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return def
	}
	return strings.EqualFold(trimmed, "true")
}

// IsProductionLike reports whether env names a production or staging tier.
func IsProductionLike(env string) bool {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "prod", "production", "staging", "stage":
		return true
	default:
		return false
	}
}
