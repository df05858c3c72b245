package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/wizardbeardstudio/paydesk/internal/platform/clock"
)

func newTestRequest(id string) Request {
	return Request{
		ID:                id,
		OwnerID:           "owner-1",
		PlatformName:      "alpha",
		PlatformAccountID: "123",
		Currency:          CurrencyPrimary,
		Kind:              KindTopUp,
		Status:            StatusCreated,
		ReservedFunds:     decimal.Zero,
	}
}

func TestMemoryStoreRejectsSecondOpenRequestForTriple(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(clock.NewFixedClock(time.Date(2026, 2, 11, 0, 0, 0, 0, time.UTC)))
	if _, err := s.Create(ctx, newTestRequest("req_1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.Create(ctx, newTestRequest("req_2")); !errors.Is(err, ErrOpenRequestExists) {
		t.Fatalf("expected open request error, got %v", err)
	}

	got, ok, err := s.LatestOpen(ctx, "owner-1", "alpha", "123")
	if err != nil || !ok || got.ID != "req_1" {
		t.Fatalf("unexpected latest open: %+v ok=%v err=%v", got, ok, err)
	}

	if _, err := s.Transition(ctx, "req_1", StatusCreated, StatusCanceled, nil); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := s.Create(ctx, newTestRequest("req_2")); err != nil {
		t.Fatalf("create after terminal: %v", err)
	}
}

func TestMemoryStoreTransitionIsCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(nil)
	if _, err := s.Create(ctx, newTestRequest("req_1")); err != nil {
		t.Fatalf("create: %v", err)
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		wins      int
		conflicts int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Transition(ctx, "req_1", StatusCreated, StatusAwaitingFundingChoice, nil)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, ErrConcurrencyConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	if wins != 1 || conflicts != 15 {
		t.Fatalf("expected exactly one winner, got wins=%d conflicts=%d", wins, conflicts)
	}
}

func TestMemoryStoreTransitionRollsBackOnInsufficientFunds(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(nil)
	r := newTestRequest("req_1")
	r.Kind = KindBonusTransfer
	if _, err := s.Create(ctx, r); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.AdjustBalance(ctx, BalanceOp{OwnerID: "owner-1", Funds: decimal.NewFromInt(100)}); err != nil {
		t.Fatalf("seed balance: %v", err)
	}

	_, err := s.Transition(ctx, "req_1", StatusCreated, StatusAwaitingAdminDecision, func(r *Request) error {
		r.ReservedFunds = decimal.NewFromInt(150)
		return nil
	}, BalanceOp{OwnerID: "owner-1", Funds: decimal.NewFromInt(-150)})
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}

	got, _ := s.Get(ctx, "req_1")
	if got.Status != StatusCreated || !got.ReservedFunds.IsZero() {
		t.Fatalf("request changed despite failed unit: %+v", got)
	}
	b, _ := s.Balance(ctx, "owner-1")
	if !b.Funds.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("balance changed despite failed unit: %s", b.Funds)
	}
}

func TestMemoryStoreRejectsDuplicatePendingAmountOnInstrument(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(nil)
	a := newTestRequest("req_a")
	b := newTestRequest("req_b")
	b.OwnerID = "owner-2"
	for _, r := range []Request{a, b} {
		if _, err := s.Create(ctx, r); err != nil {
			t.Fatalf("create %s: %v", r.ID, err)
		}
	}
	assign := func(amount int64) Mutator {
		return func(r *Request) error {
			r.FundingInstrumentRef = "card-1"
			r.DisambiguationAmount = &amount
			return nil
		}
	}
	if _, err := s.Transition(ctx, "req_a", StatusCreated, StatusAwaitingSettlement, assign(50042)); err != nil {
		t.Fatalf("assign a: %v", err)
	}
	if _, err := s.Transition(ctx, "req_b", StatusCreated, StatusAwaitingSettlement, assign(50042)); !errors.Is(err, ErrAmountTaken) {
		t.Fatalf("expected amount taken, got %v", err)
	}
	if _, err := s.Transition(ctx, "req_b", StatusCreated, StatusAwaitingSettlement, assign(50043)); err != nil {
		t.Fatalf("assign b with other offset: %v", err)
	}
}

func TestMemoryStoreReferralFirstLinkWins(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(nil)
	if _, err := s.LinkReferral(ctx, "u1", "u1"); !errors.Is(err, ErrSelfReferral) {
		t.Fatalf("expected self referral error, got %v", err)
	}
	if ok, err := s.LinkReferral(ctx, "u1", "r1"); err != nil || !ok {
		t.Fatalf("first link: ok=%v err=%v", ok, err)
	}
	if ok, err := s.LinkReferral(ctx, "u1", "r2"); err != nil || ok {
		t.Fatalf("second link should be ignored: ok=%v err=%v", ok, err)
	}
	ref, ok, _ := s.ReferrerOf(ctx, "u1")
	if !ok || ref != "r1" {
		t.Fatalf("unexpected referrer %q", ref)
	}
}

func TestMemoryStoreListOpenOlderThan(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFixedClock(time.Date(2026, 2, 11, 0, 0, 0, 0, time.UTC))
	s := NewMemoryStore(clk)
	if _, err := s.Create(ctx, newTestRequest("req_old")); err != nil {
		t.Fatalf("create: %v", err)
	}
	clk.Advance(time.Hour)
	fresh := newTestRequest("req_new")
	fresh.PlatformAccountID = "456"
	if _, err := s.Create(ctx, fresh); err != nil {
		t.Fatalf("create: %v", err)
	}

	open, err := s.ListOpen(ctx, clk.Now().Add(-30*time.Minute))
	if err != nil {
		t.Fatalf("list open: %v", err)
	}
	if len(open) != 1 || open[0].ID != "req_old" {
		t.Fatalf("unexpected open list: %+v", open)
	}
}

func TestMemoryStoreListPendingEffects(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(nil)
	for _, id := range []string{"req_done", "req_pending", "req_open"} {
		r := newTestRequest(id)
		r.PlatformAccountID = id
		if _, err := s.Create(ctx, r); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
	if _, err := s.Transition(ctx, "req_done", StatusCreated, StatusApproved, func(r *Request) error {
		r.EffectsApplied = true
		return nil
	}); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if _, err := s.Transition(ctx, "req_pending", StatusCreated, StatusBonusApproved, nil); err != nil {
		t.Fatalf("approve: %v", err)
	}

	pending, err := s.ListPendingEffects(ctx)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != "req_pending" {
		t.Fatalf("unexpected pending list: %+v", pending)
	}
}

func TestExchangeRateToSecondaryFloors(t *testing.T) {
	x := ExchangeRate{PrimaryToSecondary: decimal.RequireFromString("7.25")}
	// 50042 * 7.25 / 1000 = 362.8045
	if got := x.ToSecondary(50042); got != 362 {
		t.Fatalf("unexpected conversion: %d", got)
	}

	s := NewMemoryStore(nil)
	if _, err := s.LatestExchangeRate(context.Background()); !errors.Is(err, ErrNoExchangeRate) {
		t.Fatalf("expected no rate, got %v", err)
	}
	_ = s.AddExchangeRate(context.Background(), x)
	_ = s.AddExchangeRate(context.Background(), ExchangeRate{PrimaryToSecondary: decimal.RequireFromString("7.5")})
	latest, err := s.LatestExchangeRate(context.Background())
	if err != nil || !latest.PrimaryToSecondary.Equal(decimal.RequireFromString("7.5")) {
		t.Fatalf("unexpected latest rate %+v err=%v", latest, err)
	}
}
