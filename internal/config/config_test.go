package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

func TestGetDefaultConfig(t *testing.T) {
	cfg := GetDefaultConfig()

	if cfg.Server.Port == 0 {
		t.Error("expected Server.Port to be non-zero")
	}
	if cfg.Database.Name == "" {
		t.Error("expected Database.Name to be set")
	}
	if cfg.JWT.Secret == "" {
		t.Error("expected JWT.Secret to be set")
	}
	if cfg.Automation.DelayBackend != "db" {
		t.Errorf("expected db delay backend, got %q", cfg.Automation.DelayBackend)
	}
	if !cfg.Automation.LogDryRuns {
		t.Error("expected dry runs to be logged by default")
	}
	if cfg.Automation.BulkMaxDelay < cfg.Automation.BulkBaseDelay {
		t.Error("bulk max delay should not be below base delay")
	}
	if cfg.Monitoring.Tracing.Enabled {
		t.Error("tracing should be disabled by default")
	}
}

func TestDatabaseDSN(t *testing.T) {
	d := GetDefaultConfig().Database
	want := "host=localhost user=postgres password=password dbname=crmflow port=5432 sslmode=disable TimeZone=UTC"
	if got := d.DSN(); got != want {
		t.Fatalf("DSN() = %q, want %q", got, want)
	}
}

func TestSetupReadsFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yml")
	content := []byte(`
server:
  port: 9090
automation:
  delay_backend: redis
  worker_interval: 10s
security:
  rate_limiting:
    paths:
      - enabled: true
        prefix: /api/automations/webhooks
        requests_per_minute: 600
        burst: 50
`)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CRMFLOW_DATABASE_NAME", "crm_test")

	v := viper.New()
	if err := Setup(v, path); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	cfg, err := Load(v)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("port = %d", cfg.Server.Port)
	}
	if cfg.Automation.DelayBackend != "redis" {
		t.Errorf("delay backend = %q", cfg.Automation.DelayBackend)
	}
	if cfg.Automation.WorkerInterval != 10*time.Second {
		t.Errorf("worker interval = %v", cfg.Automation.WorkerInterval)
	}
	if cfg.Database.Name != "crm_test" {
		t.Errorf("env override not applied: %q", cfg.Database.Name)
	}
	if cfg.Automation.OverdueCheckInterval != 5*time.Minute {
		t.Errorf("default not kept: %v", cfg.Automation.OverdueCheckInterval)
	}
	if len(cfg.Security.RateLimiting.Paths) != 1 || cfg.Security.RateLimiting.Paths[0].Burst != 50 {
		t.Errorf("path limits = %+v", cfg.Security.RateLimiting.Paths)
	}
}

func TestSetupMissingExplicitFile(t *testing.T) {
	if err := Setup(viper.New(), filepath.Join(t.TempDir(), "nope.yml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestConfigureLogger(t *testing.T) {
	tests := []struct {
		name string
		lc   LogConfig
	}{
		{"invalid level falls back to info", LogConfig{Level: "nope", Format: "json", Output: "stdout"}},
		{"text format", LogConfig{Level: "debug", Format: "text", Output: "stdout"}},
		{"file output", LogConfig{Level: "info", Output: "file", FilePath: filepath.Join(t.TempDir(), "logs", "a.log"), MaxSize: 1}},
		{"both outputs", LogConfig{Level: "warn", Output: "both", FilePath: filepath.Join(t.TempDir(), "b.log"), MaxSize: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := logrus.New()
			if err := ConfigureLogger(l, tt.lc); err != nil {
				t.Fatalf("ConfigureLogger: %v", err)
			}
		})
	}

	l := logrus.New()
	_ = ConfigureLogger(l, LogConfig{Level: "nope"})
	if l.GetLevel() != logrus.InfoLevel {
		t.Errorf("level = %v", l.GetLevel())
	}
}

func TestInitLogger_DefaultConfig(t *testing.T) {
	if err := InitLogger(GetDefaultConfig()); err != nil {
		t.Fatalf("InitLogger failed: %v", err)
	}
}
