package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadFrom_Defaults(t *testing.T) {
	home := t.TempDir()
	cfg, err := LoadFrom(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.BindAddr != "127.0.0.1:18790" {
		t.Fatalf("bind_addr = %q", cfg.BindAddr)
	}
	if cfg.LogLevel != "info" {
		t.Fatalf("log_level = %q", cfg.LogLevel)
	}
	if cfg.DBPath != filepath.Join(home, "taskgate.db") {
		t.Fatalf("db_path = %q", cfg.DBPath)
	}
	if cfg.Retention.TaskEventsDays != 90 || cfg.Retention.Schedule != "0 3 * * *" {
		t.Fatalf("retention defaults = %+v", cfg.Retention)
	}
	if !cfg.Search.Enabled || cfg.Search.IndexPath != filepath.Join(home, "search.bleve") {
		t.Fatalf("search defaults = %+v", cfg.Search)
	}
	if cfg.MaxRequestBytes != 1<<20 {
		t.Fatalf("max_request_bytes = %d", cfg.MaxRequestBytes)
	}
}

func TestLoadFrom_File(t *testing.T) {
	home := t.TempDir()
	raw := `
bind_addr: "0.0.0.0:9000"
log_level: debug
auth:
  enabled: true
  keys:
    - key: tg_abc123
      user_id: user-1
      label: laptop
rate_limit:
  enabled: true
  requests_per_minute: 120
retention:
  task_events_days: 30
`
	if err := os.WriteFile(ConfigPath(home), []byte(raw), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFrom(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.BindAddr != "0.0.0.0:9000" || cfg.LogLevel != "debug" {
		t.Fatalf("cfg = %+v", cfg)
	}
	if !cfg.Auth.Enabled || len(cfg.Auth.Keys) != 1 {
		t.Fatalf("auth = %+v", cfg.Auth)
	}
	entry, ok := cfg.UserForKey("tg_abc123")
	if !ok || entry.UserID != "user-1" {
		t.Fatalf("UserForKey = %+v, %t", entry, ok)
	}
	if _, ok := cfg.UserForKey("nope"); ok {
		t.Fatal("unknown key resolved")
	}
	if !cfg.RateLimit.Enabled || cfg.RateLimit.RequestsPerMinute != 120 {
		t.Fatalf("rate_limit = %+v", cfg.RateLimit)
	}
	if cfg.Retention.TaskEventsDays != 30 {
		t.Fatalf("retention = %+v", cfg.Retention)
	}
}

func TestLoadFrom_AuthValidation(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"enabled without keys", "auth:\n  enabled: true\n"},
		{"empty key", "auth:\n  keys:\n    - key: \"\"\n      user_id: u\n"},
		{"missing user", "auth:\n  keys:\n    - key: k1\n"},
		{"duplicate key", "auth:\n  keys:\n    - key: k1\n      user_id: a\n    - key: k1\n      user_id: b\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			home := t.TempDir()
			if err := os.WriteFile(ConfigPath(home), []byte(tc.raw), 0o644); err != nil {
				t.Fatal(err)
			}
			if _, err := LoadFrom(home); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestLoadFrom_EnvOverrides(t *testing.T) {
	home := t.TempDir()
	t.Setenv("TASKGATE_BIND_ADDR", "127.0.0.1:7777")
	t.Setenv("TASKGATE_LOG_LEVEL", "warn")
	t.Setenv("TASKGATE_RETENTION_TASK_EVENTS_DAYS", "7")
	t.Setenv("TASKGATE_SEARCH_DISABLED", "true")

	cfg, err := LoadFrom(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.BindAddr != "127.0.0.1:7777" || cfg.LogLevel != "warn" {
		t.Fatalf("env overrides not applied: %+v", cfg)
	}
	if cfg.Retention.TaskEventsDays != 7 {
		t.Fatalf("retention override = %d", cfg.Retention.TaskEventsDays)
	}
	if cfg.Search.Enabled {
		t.Fatal("search should be disabled")
	}
}

func TestFingerprint_Stable(t *testing.T) {
	home := t.TempDir()
	a, err := LoadFrom(home)
	if err != nil {
		t.Fatal(err)
	}
	b, err := LoadFrom(home)
	if err != nil {
		t.Fatal(err)
	}
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatal("fingerprint not stable across identical loads")
	}

	b.BindAddr = "0.0.0.0:1"
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatal("fingerprint unchanged after config change")
	}
}
