package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Redis.Addr != "localhost:6379" {
		t.Errorf("Redis.Addr = %q", cfg.Redis.Addr)
	}
	if cfg.Scheduler.PhoneHomeWait != 5*time.Minute {
		t.Errorf("PhoneHomeWait = %v", cfg.Scheduler.PhoneHomeWait)
	}
	if cfg.Scheduler.SSHUser != "ubuntu" {
		t.Errorf("SSHUser = %q", cfg.Scheduler.SSHUser)
	}
	if cfg.Daemon.AdminAddr != ":8000" {
		t.Errorf("AdminAddr = %q", cfg.Daemon.AdminAddr)
	}
	if cfg.Daemon.MetadataAddr != ":80" {
		t.Errorf("MetadataAddr = %q", cfg.Daemon.MetadataAddr)
	}
	if cfg.Tracing.Enabled {
		t.Error("tracing enabled by default")
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	doc := `{
  "workdir": "/var/lib/ipd",
  "redis": {"addr": "redis.internal:6379", "db": 2},
  "hypervisors": [
    {"key": "kvm1"},
    {"key": "kvm2", "address": "10.0.0.6", "tls": true}
  ],
  "scheduler": {"ssh_user": "builder"}
}`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	if cfg.Workdir != "/var/lib/ipd" {
		t.Errorf("Workdir = %q", cfg.Workdir)
	}
	if cfg.Redis.Addr != "redis.internal:6379" || cfg.Redis.DB != 2 {
		t.Errorf("Redis = %+v", cfg.Redis)
	}
	if len(cfg.Hypervisors) != 2 || cfg.Hypervisors[1].Address != "10.0.0.6" {
		t.Errorf("Hypervisors = %+v", cfg.Hypervisors)
	}
	if cfg.Scheduler.SSHUser != "builder" {
		t.Errorf("SSHUser = %q", cfg.Scheduler.SSHUser)
	}

	// Untouched fields keep their defaults.
	if cfg.Daemon.AdminAddr != ":8000" {
		t.Errorf("AdminAddr = %q", cfg.Daemon.AdminAddr)
	}
}

func TestLoadFromFileMissing(t *testing.T) {
	if _, err := LoadFromFile(filepath.Join(t.TempDir(), "nope.json")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("IPD_REDIS_ADDR", "envredis:6379")
	t.Setenv("IPD_ADMIN_ADDR", ":9000")
	t.Setenv("IPD_LOG_LEVEL", "debug")

	cfg := DefaultConfig()
	LoadFromEnv(cfg)

	if cfg.Redis.Addr != "envredis:6379" {
		t.Errorf("Redis.Addr = %q", cfg.Redis.Addr)
	}
	if cfg.Daemon.AdminAddr != ":9000" {
		t.Errorf("AdminAddr = %q", cfg.Daemon.AdminAddr)
	}
	if cfg.Daemon.LogLevel != "debug" {
		t.Errorf("LogLevel = %q", cfg.Daemon.LogLevel)
	}
}
