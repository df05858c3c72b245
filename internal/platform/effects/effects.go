// Package effects computes and applies the balance side-effects of a
// successfully settled request: lottery tickets and referral commission.
package effects

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/wizardbeardstudio/paydesk/internal/platform/ledger"
)

var ErrAlreadyApplied = errors.New("effects already applied")

type Policy struct {
	TicketUnit   int64
	ReferralRate decimal.Decimal
}

func DefaultPolicy() Policy {
	return Policy{TicketUnit: 30000, ReferralRate: decimal.RequireFromString("0.001")}
}

type Plan struct {
	OwnerID            string
	Tickets            int64
	ReferralCommission decimal.Decimal
	ReferrerID         string
}

// Empty reports whether applying the plan would change no balance.
func (p Plan) Empty() bool {
	return p.Tickets == 0 && p.ReferralCommission.IsZero()
}

// Compute derives the plan for a settled request. referrerID is empty when the owner has no referrer.
func Compute(req ledger.Request, policy Policy, referrerID string) Plan {
	plan := Plan{OwnerID: req.OwnerID, ReferralCommission: decimal.Zero}
	if req.Kind == ledger.KindWithdrawal || req.RequestedAmount <= 0 {
		return plan
	}
	if policy.TicketUnit > 0 {
		plan.Tickets = req.RequestedAmount / policy.TicketUnit
	}
	if referrerID != "" && referrerID != req.OwnerID {
		plan.ReferrerID = referrerID
		plan.ReferralCommission = decimal.NewFromInt(req.RequestedAmount).Mul(policy.ReferralRate).Truncate(2)
	}
	return plan
}

// Ops turns the plan into ledger balance increments.
func (p Plan) Ops() []ledger.BalanceOp {
	ops := make([]ledger.BalanceOp, 0, 2)
	if p.Tickets > 0 {
		ops = append(ops, ledger.BalanceOp{OwnerID: p.OwnerID, Funds: decimal.Zero, Tickets: p.Tickets})
	}
	if p.ReferrerID != "" && p.ReferralCommission.IsPositive() {
		ops = append(ops, ledger.BalanceOp{OwnerID: p.ReferrerID, Funds: p.ReferralCommission})
	}
	return ops
}

// Applier applies plans through the request store.
type Applier struct {
	Store  ledger.Store
	Policy Policy
}

// Plan looks up the owner's referrer and computes the plan for req.
func (a Applier) Plan(ctx context.Context, req ledger.Request) (Plan, error) {
	referrer, _, err := a.Store.ReferrerOf(ctx, req.OwnerID)
	if err != nil {
		return Plan{}, fmt.Errorf("lookup referrer: %w", err)
	}
	return Compute(req, a.Policy, referrer), nil
}

// Apply credits the plan and flips EffectsApplied as one unit guarded by the
// terminal status; a second call returns ErrAlreadyApplied and changes nothing.
func (a Applier) Apply(ctx context.Context, req ledger.Request) (Plan, error) {
	if req.Status != ledger.StatusApproved && req.Status != ledger.StatusBonusApproved {
		return Plan{}, fmt.Errorf("apply effects: request %s in status %s", req.ID, req.Status)
	}
	plan, err := a.Plan(ctx, req)
	if err != nil {
		return Plan{}, fmt.Errorf("apply effects: %w", err)
	}

	_, err = a.Store.Transition(ctx, req.ID, req.Status, req.Status, func(r *ledger.Request) error {
		if r.EffectsApplied {
			return ErrAlreadyApplied
		}
		r.EffectsApplied = true
		return nil
	}, plan.Ops()...)
	if err != nil {
		return Plan{}, err
	}
	return plan, nil
}
