package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func isolate(t *testing.T) {
	t.Helper()
	t.Setenv("GIFTMARKET_ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
	t.Setenv("GIFTMARKET_CONFIG", "")
}

func TestLoadDefaultsPerService(t *testing.T) {
	isolate(t)
	cfg, err := Load("seller")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTPAddr != ":5001" || cfg.GRPCAddr != ":6001" {
		t.Fatalf("unexpected addrs: %s %s", cfg.HTTPAddr, cfg.GRPCAddr)
	}
	if cfg.OTP.Cooldown != time.Minute || cfg.OTP.TTL != 10*time.Minute || cfg.OTP.MaxAttempts != 5 {
		t.Fatalf("unexpected otp defaults: %+v", cfg.OTP)
	}
}

func TestLoadLayersYAMLThenEnv(t *testing.T) {
	isolate(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")
	yml := []byte("service: corporate\notp:\n  max_attempts: 3\norders:\n  return_window: 48h\n")
	if err := os.WriteFile(path, yml, 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("GIFTMARKET_CONFIG", path)
	t.Setenv("OTP_MAX_ATTEMPTS", "7")
	t.Setenv("AUDIT_KAFKA_BROKERS", "k1:9092, k2:9092")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Service != "corporate" {
		t.Fatalf("expected yaml service, got %s", cfg.Service)
	}
	if cfg.Orders.ReturnWindow != 48*time.Hour {
		t.Fatalf("expected yaml return window, got %s", cfg.Orders.ReturnWindow)
	}
	if cfg.OTP.MaxAttempts != 7 {
		t.Fatalf("expected env override, got %d", cfg.OTP.MaxAttempts)
	}
	if len(cfg.Audit.KafkaBrokers) != 2 || cfg.Audit.KafkaBrokers[1] != "k2:9092" {
		t.Fatalf("unexpected brokers: %v", cfg.Audit.KafkaBrokers)
	}
}

func TestLoadDotEnv(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "gateway.env")
	if err := os.WriteFile(path, []byte("ORDER_AUTO_FULFIL=false\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("GIFTMARKET_ENV_FILE", path)
	t.Cleanup(func() { os.Unsetenv("ORDER_AUTO_FULFIL") })

	cfg, err := Load("main")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Orders.AutoFulfil {
		t.Fatalf("expected .env to disable auto fulfil")
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Env = "production"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected missing secret to fail outside dev")
	}
	cfg.TokenSecret = "0123456789abcdef0123"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cfg.Service = "billing"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected unknown service to fail")
	}
}
