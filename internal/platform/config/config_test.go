package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/wizardbeardstudio/paydesk/internal/platform/gateway"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "paydesk.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PAYDESK_CONFIG", "")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTPAddr != ":8080" || cfg.GRPCAddr != ":8081" {
		t.Fatalf("unexpected addrs: %s %s", cfg.HTTPAddr, cfg.GRPCAddr)
	}
	lc := cfg.LifecycleConfig()
	if lc.MinAmount != 5000 || lc.MaxAmount != 10000000 || lc.VerificationAttemptCap != 2 {
		t.Fatalf("unexpected lifecycle defaults: %+v", lc)
	}
	if lc.BonusMinAmount != 3600 || lc.BonusMaxAmount != 100000 {
		t.Fatalf("unexpected bonus bounds: %+v", lc)
	}
	if lc.Policy.TicketUnit != 30000 || lc.Policy.ReferralRate.String() != "0.001" {
		t.Fatalf("unexpected policy: %+v", lc.Policy)
	}
	if cfg.Gateway.Timeout != gateway.DefaultTimeout || cfg.Session.TTL != 30*time.Minute {
		t.Fatalf("unexpected timeouts: %s %s", cfg.Gateway.Timeout, cfg.Session.TTL)
	}
	if len(cfg.TrustedCIDRs) != 2 {
		t.Fatalf("unexpected cidrs: %v", cfg.TrustedCIDRs)
	}
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	path := writeConfig(t, `
http_addr: ":9090"
lifecycle:
  min_amount: 7000
  bonus_max_amount: 50000
  stale_after: 10m
gateway:
  timeout: 3s
  platforms:
    - name: cashdesk-main
      protocol: cashdesk
      base_url: https://partners.example.test/CashdeskBotAPI
      cashdesk_id: "5"
      api_hash: abc
      cashier_pass: pass
    - name: mbc
      protocol: hmac
      base_url: https://mbc.example.test
      cashdesk_id: "77"
      api_key: api-key:k1
      secret: s3cret
      secondary: true
instruments:
  - ref: card-1
    card_number: "8600123412341234"
    payment_system: uzcard
auth:
  operators:
    op-1: "$2a$10$abcdefghijklmnopqrstuv"
`)
	t.Setenv("PAYDESK_LIFECYCLE_MAX_AMOUNT", "200000")
	t.Setenv("PAYDESK_HTTP_ADDR", ":7070")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTPAddr != ":7070" {
		t.Fatalf("env must override file, got %s", cfg.HTTPAddr)
	}
	if cfg.Lifecycle.MinAmount != 7000 || cfg.Lifecycle.MaxAmount != 200000 || cfg.Lifecycle.StaleAfter != 10*time.Minute {
		t.Fatalf("unexpected lifecycle: %+v", cfg.Lifecycle)
	}
	if cfg.Lifecycle.BonusMinAmount != 3600 || cfg.Lifecycle.BonusMaxAmount != 50000 {
		t.Fatalf("unexpected bonus bounds: %+v", cfg.Lifecycle)
	}
	platforms := cfg.Platforms()
	if len(platforms) != 2 || platforms[1].Protocol != gateway.ProtocolHMAC || !platforms[1].Secondary {
		t.Fatalf("unexpected platforms: %+v", platforms)
	}
	fis := cfg.FundingInstruments()
	if len(fis) != 1 || fis[0].PaymentSystem != "UZCARD" {
		t.Fatalf("unexpected instruments: %+v", fis)
	}
	if _, ok := cfg.Auth.Operators["op-1"]; !ok {
		t.Fatalf("operators not loaded: %v", cfg.Auth.Operators)
	}

	red := cfg.Redacted()
	if red.Gateway.Platforms[0].CashierPass != "***" || red.Auth.Operators["op-1"] != "***" {
		t.Fatalf("secrets not masked: %+v", red)
	}
	if cfg.Gateway.Platforms[0].CashierPass != "pass" {
		t.Fatal("redaction must not touch the original")
	}
}

func TestValidateRejects(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{"bounds", "lifecycle:\n  min_amount: 500\n  max_amount: 100\n", "amount bounds"},
		{"bonus bounds", "lifecycle:\n  bonus_min_amount: 9000\n  bonus_max_amount: 100\n", "bonus amount bounds"},
		{"protocol", "gateway:\n  platforms:\n    - name: x\n      protocol: soap\n", "unknown protocol"},
		{"duplicate", "gateway:\n  platforms:\n    - name: x\n      protocol: hmac\n    - name: x\n      protocol: hmac\n", "duplicate name"},
		{"rate", "lifecycle:\n  referral_rate: lots\n", "referral_rate"},
		{"strict", "strict: true\n", "strict mode requires database_url"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.body))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestStrictAcceptsProductionSettings(t *testing.T) {
	cfg := &Config{
		Strict:      true,
		DatabaseURL: "postgres://x",
		TLS:         TLS{Enabled: true},
		Auth:        Auth{JWTSecret: DevJWTSecret, JWTKeyset: "k1:rotated", Operators: map[string]string{"op-1": "h"}},
		Lifecycle:   Lifecycle{MinAmount: 1, MaxAmount: 2, BonusMinAmount: 1, BonusMaxAmount: 2, VerificationAttemptCap: 1, ReferralRate: "0.001"},
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestLogger(t *testing.T) {
	cfg := &Config{Log: Log{Level: "debug", Format: "json"}}
	l, err := cfg.Logger()
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	if l.GetLevel().String() != "debug" {
		t.Fatalf("unexpected level %s", l.GetLevel())
	}
	if _, err := (&Config{Log: Log{Level: "loud"}}).Logger(); err == nil {
		t.Fatal("expected error for unknown level")
	}
}
