package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/wizardbeardstudio/paydesk/internal/platform/auth"
	"github.com/wizardbeardstudio/paydesk/internal/platform/clock"
	"github.com/wizardbeardstudio/paydesk/internal/platform/config"
)

func TestLoadKeysetPrefersFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keys.yaml")
	body := "active_kid: k2\nkeys:\n  k1: old-secret\n  k2: new-secret\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write keyset: %v", err)
	}
	ks, err := loadKeyset(config.Auth{JWTSecret: "ignored", JWTKeysetFile: path})
	if err != nil {
		t.Fatalf("load keyset: %v", err)
	}
	if ks.ActiveKID != "k2" || len(ks.Keys) != 2 {
		t.Fatalf("unexpected keyset: %+v", ks)
	}
}

func TestLoadKeysetFallsBackToSecret(t *testing.T) {
	ks, err := loadKeyset(config.Auth{JWTSecret: "prod-secret"})
	if err != nil {
		t.Fatalf("load keyset: %v", err)
	}
	if string(ks.Keys[ks.ActiveKID]) != "prod-secret" {
		t.Fatalf("unexpected keyset: %+v", ks)
	}
	if _, err := loadKeyset(config.Auth{JWTKeyset: "k1:a,k2:b"}); err == nil {
		t.Fatal("expected error for multi-key keyset without active kid")
	}
}

func TestOpenBackingInMemory(t *testing.T) {
	cfg := &config.Config{
		Session: config.Session{TTL: time.Minute},
		Instruments: []config.Instrument{
			{Ref: "card-1", CardNumber: "8600123412341234", PaymentSystem: "uzcard"},
		},
	}
	b, err := openBacking(context.Background(), cfg, clock.NewFixedClock(time.Date(2026, 2, 11, 10, 0, 0, 0, time.UTC)))
	if err != nil {
		t.Fatalf("open backing: %v", err)
	}
	defer b.close()
	if b.ping != nil {
		t.Fatal("memory backing has nothing to ping")
	}
	fi, err := b.allocator.Allocate(context.Background())
	if err != nil || fi.Ref != "card-1" {
		t.Fatalf("expected configured instrument, got %+v err=%v", fi, err)
	}
}

func TestGRPCServerAllowsHealthWithoutToken(t *testing.T) {
	ks, err := auth.ParseHMACKeyset("s", "", "")
	if err != nil {
		t.Fatalf("keyset: %v", err)
	}
	srv, hs := newGRPCServer(auth.NewJWTVerifier(ks, "paydesk"), nil)
	defer srv.Stop()
	if _, ok := srv.GetServiceInfo()["grpc.health.v1.Health"]; !ok {
		t.Fatal("health service not registered")
	}
	hs.Shutdown()
	if len(healthMethods) != 2 {
		t.Fatalf("unexpected health allow list: %v", healthMethods)
	}
}
