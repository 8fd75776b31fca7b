package config

import (
	"strings"
	"time"
)

type Gateway struct {
	Runtime
	HTTP
	Upstream
	RateLimit
	Redis Redis

	Directory        string `env:"MCP_DIRECTORY"      envDefault:"{}"`
	AllowedPathsFile string `env:"ALLOWED_PATHS_FILE"`
	AllowedPaths     string `env:"MCP_ALLOWED_PATHS"`
}

// UpstreamTimeouts converts the millisecond settings to durations.
func (g Gateway) UpstreamTimeouts() (connect, read, write, pool time.Duration) {
	ms := func(v, def int) time.Duration {
		if v <= 0 {
			v = def
		}
		return time.Duration(v) * time.Millisecond
	}
	return ms(g.ConnectTimeoutMS, 2000), ms(g.ReadTimeoutMS, 10000), ms(g.WriteTimeoutMS, 10000), ms(g.PoolTimeoutMS, 2000)
}

func LoadGateway() (Gateway, error) {
	var cfg Gateway
	if err := ParseEnv(&cfg); err != nil {
		return Gateway{}, err
	}
	cfg.defaultAddr(":8080")
	return cfg, nil
}

type Policy struct {
	Runtime
	HTTP
	Redis Redis

	PoliciesDir        string `env:"POLICIES_DIR"          envDefault:"/app/policies"`
	AIBOMPublicKeyPath string `env:"AIBOM_PUBLIC_KEY_PATH" envDefault:"/app/keys/aibom_public_key.pem"`
	AIBOMRequired      bool   `env:"AIBOM_REQUIRED"        envDefault:"false"`
	GateSLAMS          int    `env:"GATE_SLA_MS"           envDefault:"1500"`
	RegistryBackend    string `env:"REGISTRY_BACKEND"      envDefault:"memory"`
}

// GateSLA returns the advisory evaluation budget.
func (p Policy) GateSLA() time.Duration {
	if p.GateSLAMS <= 0 {
		return 1500 * time.Millisecond
	}
	return time.Duration(p.GateSLAMS) * time.Millisecond
}

func LoadPolicy() (Policy, error) {
	var cfg Policy
	if err := ParseEnv(&cfg); err != nil {
		return Policy{}, err
	}
	cfg.defaultAddr(":8082")
	return cfg, nil
}

type Audit struct {
	Runtime
	HTTP
	Database Database
	Kafka    Kafka

	LedgerKey        int64  `env:"AUDIT_LEDGER_LOCK_KEY" envDefault:"7242001"`
	StoreBackend     string `env:"STORE_BACKEND"         envDefault:"postgres"`
	WSAllowedOrigins string `env:"WS_ALLOWED_ORIGINS"`
}

func LoadAudit() (Audit, error) {
	var cfg Audit
	if err := ParseEnv(&cfg); err != nil {
		return Audit{}, err
	}
	cfg.defaultAddr(":8083")
	return cfg, nil
}

type Lineage struct {
	Runtime
	HTTP
	Database Database

	StoreBackend string `env:"STORE_BACKEND" envDefault:"postgres"`
}

func LoadLineage() (Lineage, error) {
	var cfg Lineage
	if err := ParseEnv(&cfg); err != nil {
		return Lineage{}, err
	}
	cfg.defaultAddr(":8084")
	return cfg, nil
}

// UsesMemory reports whether backend selects the in-process store used for
// local runs.
func UsesMemory(backend string) bool {
	return strings.EqualFold(strings.TrimSpace(backend), "memory")
}

type Migrator struct {
	Database      Database
	MigrationsDir string `env:"MIGRATIONS_DIR" envDefault:"migrations"`
}

func LoadMigrator() (Migrator, error) {
	var cfg Migrator
	if err := ParseEnv(&cfg); err != nil {
		return Migrator{}, err
	}
	return cfg, nil
}
