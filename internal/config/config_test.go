package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Platform.FeeBps != 250 {
		t.Fatalf("fee_bps default = %d, want 250", cfg.Platform.FeeBps)
	}
	if cfg.Sweeper.Schedule != "@every 1m" || !cfg.Sweeper.Enabled {
		t.Fatalf("unexpected sweeper defaults %+v", cfg.Sweeper)
	}
	if cfg.Server.BasePath != "/v1" {
		t.Fatalf("base path default = %q", cfg.Server.BasePath)
	}
	if cfg.Auth.DevLogin {
		t.Fatalf("dev login must default to off")
	}
}

func TestFromYAMLOverridesDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte(`
platform:
  fee_bps: 500
  authority: ops
auth:
  dev_login: true
webhooks:
  - url: http://localhost:9000/hook
    events: [WinnerSelected]
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Platform.FeeBps != 500 || cfg.Platform.Authority != "ops" {
		t.Fatalf("platform not applied: %+v", cfg.Platform)
	}
	if !cfg.Auth.DevLogin {
		t.Fatalf("auth.dev_login not applied")
	}
	if cfg.TreasuryOrAuthority() != "ops" {
		t.Fatalf("treasury should default to authority")
	}
	if cfg.Sweeper.Batch != 100 {
		t.Fatalf("untouched defaults lost: batch=%d", cfg.Sweeper.Batch)
	}
	if len(cfg.Webhooks) != 1 || !cfg.Webhooks[0].IsEnabled() {
		t.Fatalf("webhook not parsed: %+v", cfg.Webhooks)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"fee":      "platform:\n  fee_bps: 10001\n",
		"schedule": "sweeper:\n  schedule: \"not a cron\"\n",
		"exporter": "telemetry:\n  exporter: carrier\n",
		"webhook":  "webhooks:\n  - events: [TaskCreated]\n",
		"base":     "server:\n  base_path: v0\n",
	}
	for name, doc := range cases {
		if _, err := FromYAML([]byte(doc)); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestEnvOverridesSecret(t *testing.T) {
	t.Setenv(EnvJWTSecret, "from-env")
	cfg, err := FromYAML([]byte("auth:\n  jwt_secret: from-file\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Auth.JWTSecret != "from-env" {
		t.Fatalf("jwt secret = %q, want env value", cfg.Auth.JWTSecret)
	}
}

func TestLoadOptionalAndLoad(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	if err != nil || cfg == nil {
		t.Fatalf("LoadOptional on empty dir: %v", err)
	}
	if _, err := Load(dir); err == nil || !strings.Contains(err.Error(), "bl config init") {
		t.Fatalf("expected not found hint, got %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte(GenerateDefault("root")), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err = Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Platform.Authority != "root" {
		t.Fatalf("authority = %q", cfg.Platform.Authority)
	}
}
