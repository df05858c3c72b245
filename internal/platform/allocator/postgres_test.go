package allocator

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/wizardbeardstudio/paydesk/internal/platform/ledger"
)

func openAllocatorTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("PAYDESK_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("set PAYDESK_TEST_DATABASE_URL to run postgres integration tests")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	pool, err := ledger.Connect(ctx, dsn)
	if err != nil {
		t.Fatalf("connect postgres: %v", err)
	}
	t.Cleanup(pool.Close)
	if err := ledger.Migrate(ctx, pool); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if _, err := pool.Exec(ctx, `TRUNCATE TABLE funding_instruments`); err != nil {
		t.Fatalf("reset instruments: %v", err)
	}
	return pool
}

func TestPostgresAllocatorWaitsForLockedInstrument(t *testing.T) {
	pool := openAllocatorTestPool(t)
	ctx := context.Background()
	a := NewPostgresAllocator(pool)
	if err := a.Upsert(ctx, FundingInstrument{Ref: "card-1", CardNumber: "8600123412341234", PaymentSystem: PaymentSystemUzcard}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, err := tx.Exec(ctx, `SELECT ref FROM funding_instruments WHERE ref = 'card-1' FOR UPDATE`); err != nil {
		t.Fatalf("lock: %v", err)
	}

	type outcome struct {
		fi  FundingInstrument
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		fi, err := a.Allocate(ctx)
		done <- outcome{fi, err}
	}()

	select {
	case got := <-done:
		t.Fatalf("allocation returned while the only instrument was locked: %+v %v", got.fi, got.err)
	case <-time.After(200 * time.Millisecond):
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
	got := <-done
	if got.err != nil || got.fi.Ref != "card-1" || got.fi.LastUsedAt == nil {
		t.Fatalf("unexpected allocation %+v err=%v", got.fi, got.err)
	}
}

func TestPostgresAllocatorConcurrentAllocationsOnOneInstrument(t *testing.T) {
	pool := openAllocatorTestPool(t)
	ctx := context.Background()
	a := NewPostgresAllocator(pool)
	if err := a.Upsert(ctx, FundingInstrument{Ref: "card-1", CardNumber: "8600123412341234", PaymentSystem: PaymentSystemUzcard}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	const workers = 8
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fi, err := a.Allocate(ctx)
			if err != nil || fi.Ref != "card-1" {
				t.Errorf("allocate: %+v err=%v", fi, err)
			}
		}()
	}
	wg.Wait()

	if err := a.Upsert(ctx, FundingInstrument{Ref: "card-1", CardNumber: "8600123412341234", PaymentSystem: PaymentSystemUzcard, Disabled: true}); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if _, err := a.Allocate(ctx); !errors.Is(err, ErrNoInstrument) {
		t.Fatalf("expected no instrument once disabled, got %v", err)
	}
	fi, err := a.Lookup(ctx, "card-1")
	if err != nil || fi.CardNumber != "8600123412341234" || !fi.Disabled {
		t.Fatalf("lookup: %+v err=%v", fi, err)
	}
}
