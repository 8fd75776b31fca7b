package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"

	"mcpgov/pkg/config"
)

func TestNewRedisDisabled(t *testing.T) {
	if _, err := NewRedis(context.Background(), config.Redis{}); !errors.Is(err, ErrRedisDisabled) {
		t.Fatalf("expected ErrRedisDisabled, got %v", err)
	}
}

func TestNewRedisConnects(t *testing.T) {
	mr := miniredis.RunT(t)
	client, err := NewRedis(context.Background(), config.Redis{Addr: mr.Addr()})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Close()
	if err := client.Set(context.Background(), "k", "v", 0).Err(); err != nil {
		t.Fatalf("set: %v", err)
	}
	if got, _ := mr.Get("k"); got != "v" {
		t.Fatalf("expected value in miniredis, got %q", got)
	}
}

func TestNewRedisPingFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()
	if _, err := NewRedis(context.Background(), config.Redis{Addr: addr}); err == nil {
		t.Fatal("expected ping failure")
	}
}

func TestNewRedisRequireTLSWithoutTLS(t *testing.T) {
	_, err := NewRedis(context.Background(), config.Redis{Addr: "localhost:6379", RequireTLS: true})
	if err == nil || !strings.Contains(err.Error(), "REDIS_REQUIRE_TLS") {
		t.Fatalf("expected tls requirement error, got %v", err)
	}
}

func TestRedisTLSConfig(t *testing.T) {
	if cfg, err := redisTLSConfig(config.Redis{}); err != nil || cfg != nil {
		t.Fatalf("expected nil config without TLS, got %v %v", cfg, err)
	}
	if _, err := redisTLSConfig(config.Redis{TLS: true, TLSInsecure: true}); err == nil {
		t.Fatal("expected insecure TLS to require explicit allow")
	}
	cfg, err := redisTLSConfig(config.Redis{TLS: true, TLSInsecure: true, AllowInsecureTLS: true, TLSServerName: "redis.internal"})
	if err != nil || !cfg.InsecureSkipVerify || cfg.ServerName != "redis.internal" {
		t.Fatalf("unexpected config %+v err=%v", cfg, err)
	}
	if _, err := redisTLSConfig(config.Redis{TLS: true, CertFile: "only-cert.pem"}); err == nil {
		t.Fatal("expected cert/key pairing error")
	}
	if _, err := redisTLSConfig(config.Redis{TLS: true, CACertFile: filepath.Join(t.TempDir(), "missing.pem")}); err == nil {
		t.Fatal("expected missing CA error")
	}
	bad := filepath.Join(t.TempDir(), "bad.pem")
	if err := os.WriteFile(bad, []byte("not a cert"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := redisTLSConfig(config.Redis{TLS: true, CACertFile: bad}); err == nil || !strings.Contains(err.Error(), "no valid certificates") {
		t.Fatalf("expected parse error, got %v", err)
	}
}
