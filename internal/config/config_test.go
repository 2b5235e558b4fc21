package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return dir
}

func TestLoad_FileValues(t *testing.T) {
	dir := writeConfig(t, `
api:
  port: 8080
database:
  url: postgres://u:p@localhost:5432/d
scheduler:
  worker_count: 3
  poll_interval: 250ms
smtp:
  host: relay.example.com
ethereal:
  preview_base_url: https://ethereal.email
auth:
  jwt_signing_key: secret
logging:
  level: debug
`)

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.API.Port != 8080 {
		t.Errorf("api port = %d, want 8080", cfg.API.Port)
	}
	if cfg.Database.URL != "postgres://u:p@localhost:5432/d" {
		t.Errorf("database url = %q", cfg.Database.URL)
	}
	if cfg.Scheduler.WorkerCount != 3 {
		t.Errorf("worker count = %d, want 3", cfg.Scheduler.WorkerCount)
	}
	if cfg.Scheduler.PollInterval != 250*time.Millisecond {
		t.Errorf("poll interval = %v, want 250ms", cfg.Scheduler.PollInterval)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("log level = %q, want debug", cfg.Logging.Level)
	}
}

func TestLoad_Defaults(t *testing.T) {
	dir := writeConfig(t, `
database:
  url: postgres://u:p@localhost:5432/d
`)

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.API.Port != 3000 {
		t.Errorf("default api port = %d, want 3000", cfg.API.Port)
	}
	if cfg.Scheduler.WorkerCount != 10 {
		t.Errorf("default worker count = %d, want 10", cfg.Scheduler.WorkerCount)
	}
	if cfg.SMTP.Port != 587 || !cfg.SMTP.StartTLS {
		t.Errorf("smtp defaults = %d/%v", cfg.SMTP.Port, cfg.SMTP.StartTLS)
	}
	if cfg.Scheduler.ReaperInterval != time.Minute {
		t.Errorf("default reaper interval = %v", cfg.Scheduler.ReaperInterval)
	}
	if cfg.Scheduler.ClaimMinIdle != time.Minute {
		t.Errorf("default claim min idle = %v", cfg.Scheduler.ClaimMinIdle)
	}
	if cfg.Database.ConnMaxLifetime != time.Hour {
		t.Errorf("default conn max lifetime = %v", cfg.Database.ConnMaxLifetime)
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	dir := writeConfig(t, `
api:
  port: 8080
`)

	t.Setenv("MAIL_DISPATCH_API_PORT", "9999")

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.API.Port != 9999 {
		t.Errorf("api port = %d, want env override 9999", cfg.API.Port)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(t.TempDir()); err == nil {
		t.Error("Load() succeeded with no config file")
	}
}
