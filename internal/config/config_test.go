package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadWithBootstrapFields(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.yaml")

	data := []byte(`
server:
  httpAddr: ":8080"
redis:
  addr: "127.0.0.1:6379"
  db: 0
  prefix: "dbd:gw"
  updatesChannel: "dbd_gw_updates"
breaker:
  enabled: true
  errorRatioThreshold: 0.5
  minRequestAmount: 5
  statIntervalMs: 10000
  retryTimeoutMs: 5000
workerPool:
  size: 8
bootstrapFlags:
  - key: "new-checkout"
    enabled: true
    rollout: 50
bootstrapRoutes:
  - routeId: "r1"
    match: "/api"
    methods: ["GET", "POST"]
    client: "user"
    priority: 10
    enabled: true
    backend: "api-pool"
bootstrapBackends:
  - id: "b1"
    addr: "10.0.0.1:9000"
    weight: 5
    healthy: true
`)

	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if !cfg.Breaker.Enabled || cfg.Breaker.MinRequestAmount != 5 {
		t.Fatalf("breaker config not parsed: %+v", cfg.Breaker)
	}
	if cfg.WorkerPool.Size != 8 {
		t.Fatalf("workerPool.size = %d", cfg.WorkerPool.Size)
	}
	if len(cfg.BootstrapFlags) != 1 || cfg.BootstrapFlags[0].Rollout != 50 {
		t.Fatalf("bootstrapFlags not parsed: %+v", cfg.BootstrapFlags)
	}
	if len(cfg.BootstrapRoutes) != 1 {
		t.Fatalf("bootstrapRoutes = %d", len(cfg.BootstrapRoutes))
	}
	route := cfg.BootstrapRoutes[0]
	if route.Priority != 10 || route.Client != "user" || route.Backend != "api-pool" {
		t.Fatalf("route fields not parsed: %+v", route)
	}
	if len(route.Methods) != 2 {
		t.Fatalf("route methods not parsed")
	}
	if len(cfg.BootstrapBackend) != 1 || cfg.BootstrapBackend[0].Addr != "10.0.0.1:9000" {
		t.Fatalf("bootstrapBackends not parsed: %+v", cfg.BootstrapBackend)
	}
}

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("REDIS_PASS", "secret1")

	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.yaml")
	data := []byte(`
redis:
  addr: "127.0.0.1:6379"
  password: "${REDIS_PASS}"
`)
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Redis.Password != "secret1" {
		t.Fatalf("env not expanded: %q", cfg.Redis.Password)
	}
}
