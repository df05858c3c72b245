package effects

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/wizardbeardstudio/paydesk/internal/platform/ledger"
)

func TestComputeTicketsAndCommission(t *testing.T) {
	cases := []struct {
		name       string
		kind       ledger.Kind
		amount     int64
		referrer   string
		tickets    int64
		commission string
	}{
		{name: "top-up with referrer", kind: ledger.KindTopUp, amount: 90000, referrer: "r1", tickets: 3, commission: "90"},
		{name: "truncates commission", kind: ledger.KindTopUp, amount: 12345, referrer: "r1", tickets: 0, commission: "12.34"},
		{name: "just under one ticket", kind: ledger.KindTopUp, amount: 29999, tickets: 0, commission: "0"},
		{name: "exactly one ticket", kind: ledger.KindTopUp, amount: 30000, tickets: 1, commission: "0"},
		{name: "commission on ten thousand", kind: ledger.KindTopUp, amount: 10000, referrer: "r1", tickets: 0, commission: "10"},
		{name: "self referral pays nothing", kind: ledger.KindTopUp, amount: 90000, referrer: "u1", tickets: 3, commission: "0"},
		{name: "bonus without referrer", kind: ledger.KindBonusTransfer, amount: 60000, tickets: 2, commission: "0"},
		{name: "withdrawal earns nothing", kind: ledger.KindWithdrawal, amount: 90000, referrer: "r1", tickets: 0, commission: "0"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			plan := Compute(ledger.Request{OwnerID: "u1", Kind: tc.kind, RequestedAmount: tc.amount}, DefaultPolicy(), tc.referrer)
			if plan.Tickets != tc.tickets {
				t.Fatalf("tickets: got=%d want=%d", plan.Tickets, tc.tickets)
			}
			if !plan.ReferralCommission.Equal(decimal.RequireFromString(tc.commission)) {
				t.Fatalf("commission: got=%s want=%s", plan.ReferralCommission, tc.commission)
			}
		})
	}
}

func TestApplyIsExactlyOnce(t *testing.T) {
	ctx := context.Background()
	store := ledger.NewMemoryStore(nil)
	if _, err := store.LinkReferral(ctx, "u1", "r1"); err != nil {
		t.Fatalf("link: %v", err)
	}
	req, err := store.Create(ctx, ledger.Request{
		ID:                "req_1",
		OwnerID:           "u1",
		PlatformName:      "alpha",
		PlatformAccountID: "123",
		Kind:              ledger.KindTopUp,
		Status:            ledger.StatusVerified,
		RequestedAmount:   90000,
		ReservedFunds:     decimal.Zero,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	req, err = store.Transition(ctx, req.ID, ledger.StatusVerified, ledger.StatusApproved, nil)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}

	a := Applier{Store: store, Policy: DefaultPolicy()}
	if _, err := a.Apply(ctx, req); err != nil {
		t.Fatalf("first apply: %v", err)
	}
	if _, err := a.Apply(ctx, req); !errors.Is(err, ErrAlreadyApplied) {
		t.Fatalf("expected already applied, got %v", err)
	}

	owner, _ := store.Balance(ctx, "u1")
	if owner.Tickets != 3 || !owner.Funds.IsZero() {
		t.Fatalf("unexpected owner balance %+v", owner)
	}
	ref, _ := store.Balance(ctx, "r1")
	if !ref.Funds.Equal(decimal.NewFromInt(90)) {
		t.Fatalf("unexpected referrer funds %s", ref.Funds)
	}
}

type failingReferrals struct {
	*ledger.MemoryStore
}

func (failingReferrals) ReferrerOf(context.Context, string) (string, bool, error) {
	return "", false, errors.New("referrals unavailable")
}

func TestApplyLeavesRequestUntouchedWhenPlanFails(t *testing.T) {
	ctx := context.Background()
	mem := ledger.NewMemoryStore(nil)
	req, err := mem.Create(ctx, ledger.Request{
		ID:                "req_1",
		OwnerID:           "u1",
		PlatformName:      "alpha",
		PlatformAccountID: "123",
		Kind:              ledger.KindTopUp,
		Status:            ledger.StatusApproved,
		RequestedAmount:   90000,
		ReservedFunds:     decimal.Zero,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	a := Applier{Store: failingReferrals{mem}, Policy: DefaultPolicy()}
	if _, err := a.Apply(ctx, req); err == nil {
		t.Fatal("expected referrer lookup error")
	}
	got, _ := mem.Get(ctx, req.ID)
	if got.EffectsApplied {
		t.Fatal("effects marked applied after a failed plan")
	}
	if bal, _ := mem.Balance(ctx, "u1"); bal.Tickets != 0 {
		t.Fatalf("tickets credited after a failed plan: %d", bal.Tickets)
	}
}
