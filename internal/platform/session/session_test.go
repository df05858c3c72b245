package session

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/wizardbeardstudio/paydesk/internal/platform/clock"
)

func TestMemoryStoreExpiresAfterTTL(t *testing.T) {
	clk := clock.NewFixedClock(time.Date(2026, 2, 11, 0, 0, 0, 0, time.UTC))
	s := NewMemoryStore(clk, 10*time.Minute)
	ctx := context.Background()

	if err := s.Put(ctx, "owner-1", State{RequestID: "req_1", Step: "AWAITING_SETTLEMENT"}); err != nil {
		t.Fatalf("put: %v", err)
	}
	clk.Advance(9 * time.Minute)
	st, ok, err := s.Get(ctx, "owner-1")
	if err != nil || !ok || st.RequestID != "req_1" {
		t.Fatalf("expected live session, got %+v ok=%v err=%v", st, ok, err)
	}
	clk.Advance(time.Minute)
	if _, ok, _ := s.Get(ctx, "owner-1"); ok {
		t.Fatalf("expected session to expire")
	}
}

func TestMemoryStoreClear(t *testing.T) {
	s := NewMemoryStore(nil, 0)
	ctx := context.Background()
	_ = s.Put(ctx, "owner-1", State{RequestID: "req_1"})
	if err := s.Clear(ctx, "owner-1"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if _, ok, _ := s.Get(ctx, "owner-1"); ok {
		t.Fatalf("expected cleared session")
	}
}

func TestRedisStoreRoundTrip(t *testing.T) {
	addr := os.Getenv("PAYDESK_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("set PAYDESK_TEST_REDIS_ADDR to run redis integration tests")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })
	ctx := context.Background()

	s := NewRedisStore(client, time.Minute)
	s.Prefix = "paydesk:test:session:"
	if err := s.Put(ctx, "owner-1", State{RequestID: "req_1", Step: "CREATED", Data: map[string]string{"lang": "uz"}}); err != nil {
		t.Fatalf("put: %v", err)
	}
	st, ok, err := s.Get(ctx, "owner-1")
	if err != nil || !ok || st.Data["lang"] != "uz" {
		t.Fatalf("unexpected session %+v ok=%v err=%v", st, ok, err)
	}
	ttl, err := client.TTL(ctx, "paydesk:test:session:owner-1").Result()
	if err != nil || ttl <= 0 || ttl > time.Minute {
		t.Fatalf("unexpected ttl %s err=%v", ttl, err)
	}
	if err := s.Clear(ctx, "owner-1"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if _, ok, _ := s.Get(ctx, "owner-1"); ok {
		t.Fatalf("expected cleared session")
	}
}
