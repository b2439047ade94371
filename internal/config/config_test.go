package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadFromDefaults(t *testing.T) {
	home := t.TempDir()
	t.Setenv("WIRECLAW_AUTH_TOKEN", "unit-test-token")

	cfg, err := LoadFrom(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.BindAddr != "127.0.0.1:18790" {
		t.Errorf("bind addr default = %q", cfg.BindAddr)
	}
	if cfg.Auth.Mode != "token" {
		t.Errorf("auth mode default = %q", cfg.Auth.Mode)
	}
	if cfg.Approvals.AutoApproveMax != "low" || cfg.Approvals.RetentionHours != 72 {
		t.Errorf("approvals defaults = %+v", cfg.Approvals)
	}
	if !cfg.RateLimit.Enabled || cfg.RateLimit.RequestsPerMinute != 120 {
		t.Errorf("rate limit defaults = %+v", cfg.RateLimit)
	}
}

func TestLoadFromFile(t *testing.T) {
	home := t.TempDir()
	raw := `
bind_addr: "0.0.0.0:9999"
log_level: debug
auth:
  mode: jwt
  jwt_secret: s3cr3t-signing-key
approvals:
  auto_approve_max: medium
rate_limit:
  enabled: false
`
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(raw), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := LoadFrom(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.BindAddr != "0.0.0.0:9999" || cfg.LogLevel != "debug" {
		t.Errorf("file values not applied: %+v", cfg)
	}
	if cfg.Auth.Mode != "jwt" || cfg.Auth.JWTSecret != "s3cr3t-signing-key" {
		t.Errorf("auth not applied: %+v", cfg.Auth)
	}
	if cfg.Approvals.AutoApproveMax != "medium" {
		t.Errorf("auto_approve_max = %q", cfg.Approvals.AutoApproveMax)
	}
}

func TestEmptyMaintenanceScheduleDisables(t *testing.T) {
	home := t.TempDir()
	raw := `
auth:
  mode: jwt
  jwt_secret: s3cr3t-signing-key
maintenance:
  schedule: ""
`
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(raw), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadFrom(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	// An explicit empty schedule stays empty; the daemon skips scheduling
	// instead of handing cron an expression it cannot parse.
	if cfg.Maintenance.Schedule != "" {
		t.Errorf("schedule = %q, want empty", cfg.Maintenance.Schedule)
	}
}

func TestLoadRejectsBadAuthMode(t *testing.T) {
	home := t.TempDir()
	raw := "auth:\n  mode: kerberos\n"
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(raw), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := LoadFrom(home); err == nil {
		t.Fatal("expected validation error for unknown auth mode")
	}
}

func TestLoadRejectsTokenModeWithoutToken(t *testing.T) {
	home := t.TempDir()
	t.Setenv("WIRECLAW_AUTH_TOKEN", "")
	raw := "auth:\n  mode: token\n"
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(raw), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := LoadFrom(home); err == nil {
		t.Fatal("expected validation error for empty token")
	}
}

func TestFingerprintStable(t *testing.T) {
	home := t.TempDir()
	t.Setenv("WIRECLAW_AUTH_TOKEN", "tok")
	a, err := LoadFrom(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	b, err := LoadFrom(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatal("fingerprint must be stable across identical loads")
	}
	b.BindAddr = "0.0.0.0:1"
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatal("fingerprint must change with bind addr")
	}
}

func TestSetPersistsSettableKey(t *testing.T) {
	home := t.TempDir()
	t.Setenv("WIRECLAW_AUTH_TOKEN", "tok")
	if err := Set(home, "approvals.auto_approve_max", "high"); err != nil {
		t.Fatalf("set: %v", err)
	}
	cfg, err := LoadFrom(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Approvals.AutoApproveMax != "high" {
		t.Errorf("auto_approve_max = %q after Set", cfg.Approvals.AutoApproveMax)
	}
}

func TestSetRejectsUnknownKey(t *testing.T) {
	if err := Set(t.TempDir(), "auth.token", "oops"); err == nil {
		t.Fatal("auth.token must not be settable over RPC")
	}
}
