package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/wizardbeardstudio/paydesk/internal/platform/audit"
	"github.com/wizardbeardstudio/paydesk/internal/platform/effects"
	"github.com/wizardbeardstudio/paydesk/internal/platform/escalation"
	"github.com/wizardbeardstudio/paydesk/internal/platform/gateway"
	"github.com/wizardbeardstudio/paydesk/internal/platform/ledger"
)

// platformUnits converts a primary minor-unit amount into what the platform
// account is credited in.
func (e *Engine) platformUnits(ctx context.Context, req ledger.Request, amount int64) (int64, error) {
	if req.Currency != ledger.CurrencySecondary {
		return amount, nil
	}
	rate, err := e.store.LatestExchangeRate(ctx)
	if err != nil {
		return 0, fmt.Errorf("convert %d: %w", amount, err)
	}
	return rate.ToSecondary(amount), nil
}

// depositCard names the card the credited money arrived on: the allocated
// instrument for top-ups, the request's own card otherwise.
func (e *Engine) depositCard(ctx context.Context, req ledger.Request) (string, error) {
	if req.Kind != ledger.KindTopUp || req.FundingInstrumentRef == "" {
		return req.DestinationCard, nil
	}
	fi, err := e.allocator.Lookup(ctx, req.FundingInstrumentRef)
	if err != nil {
		return "", fmt.Errorf("resolve instrument %s: %w", req.FundingInstrumentRef, err)
	}
	return fi.CardNumber, nil
}

// settleDeposit credits the platform account for a claimed top-up or bonus
// transfer. A request whose earlier deposit left no reference is checked
// against the cashdesk balance snapshot before anything is re-sent.
func (e *Engine) settleDeposit(ctx context.Context, req ledger.Request, actor Actor, amount int64) (ledger.Request, error) {
	units, err := e.platformUnits(ctx, req, amount)
	if err != nil {
		return e.escalateSettlement(ctx, req, actor, err, false)
	}
	card, err := e.depositCard(ctx, req)
	if err != nil {
		return e.escalateSettlement(ctx, req, actor, err, false)
	}

	if req.SettlementDispatched && req.ExternalTransactionRef == "" && req.BalanceSnapshot != nil {
		cur := e.gateway.Balance(ctx, req.PlatformName)
		if !cur.OK || cur.Balance == nil {
			return e.escalateSettlement(ctx, req, actor, gatewayError("balance", cur), false)
		}
		spent := req.BalanceSnapshot.Sub(*cur.Balance)
		if spent.GreaterThanOrEqual(decimal.NewFromInt(units)) {
			e.log(req).WithFields(logrus.Fields{
				"snapshot": req.BalanceSnapshot.String(),
				"balance":  cur.Balance.String(),
			}).Warn("earlier deposit landed, not re-sending")
			return e.completeSettlement(ctx, req, actor, gateway.Result{OK: true, AmountConfirmed: decimal.NewFromInt(units)})
		}
	}

	snap := e.gateway.Balance(ctx, req.PlatformName)
	if !snap.OK || snap.Balance == nil {
		return e.escalateSettlement(ctx, req, actor, gatewayError("balance", snap), true)
	}
	req, err = e.touch(ctx, req, "dispatch_deposit", actor, func(r *ledger.Request) error {
		r.SettlementDispatched = true
		r.BalanceSnapshot = snap.Balance
		return nil
	})
	if err != nil {
		return req, err
	}

	res := e.gateway.Deposit(ctx, req.PlatformName, req.PlatformAccountID, units, card)
	if !res.OK {
		// Only a transient failure may have reached the platform.
		return e.escalateSettlement(ctx, req, actor, gatewayError("deposit", res), res.Category != gateway.CategoryTransient)
	}
	if res.AmountConfirmed.IsZero() {
		res.AmountConfirmed = decimal.NewFromInt(units)
	}
	return e.completeSettlement(ctx, req, actor, res)
}

// settlePayout asks the platform to release the withdrawal. Payouts are
// never re-sent without a fresh operator approval.
func (e *Engine) settlePayout(ctx context.Context, req ledger.Request, actor Actor) (ledger.Request, error) {
	req, err := e.touch(ctx, req, "dispatch_payout", actor, func(r *ledger.Request) error {
		r.SettlementDispatched = true
		return nil
	})
	if err != nil {
		return req, err
	}
	res := e.gateway.Payout(ctx, req.PlatformName, req.PlatformAccountID, req.PayoutCode)
	if !res.OK {
		return e.escalateSettlement(ctx, req, actor, gatewayError("payout", res), true)
	}
	if res.Message != "" {
		e.log(req).WithField("detail", res.Message).Warn("payout accepted with unreadable amount")
	}
	return e.completeSettlement(ctx, req, actor, res)
}

// completeSettlement records the platform's confirmation. The ledger side
// effects ride in the same transition; if they cannot be planned the request
// still settles and ApplyPendingEffects picks it up later.
func (e *Engine) completeSettlement(ctx context.Context, req ledger.Request, actor Actor, res gateway.Result) (ledger.Request, error) {
	confirmed := res.AmountConfirmed
	plan, perr := e.effects.Plan(ctx, req)
	var ops []ledger.BalanceOp
	if perr == nil {
		ops = plan.Ops()
	}
	next, err := e.apply(ctx, req, CmdSettle, actor, func(r *ledger.Request) error {
		r.ExternalTransactionRef = res.ExternalRef
		r.SettlementAmount = &confirmed
		r.EscalationReason = ""
		r.EffectsApplied = perr == nil
		return nil
	}, ops...)
	if err != nil {
		return next, err
	}

	if perr != nil {
		e.log(next).WithError(perr).Error("ledger side effects deferred")
		return next, nil
	}
	e.log(next).WithFields(logrus.Fields{
		"tickets":    plan.Tickets,
		"commission": plan.ReferralCommission.String(),
		"referrer":   plan.ReferrerID,
	}).Info("ledger side effects applied")
	return next, nil
}

// ApplyPendingEffects credits the side effects of settled requests whose
// settlement could not carry them. It returns how many were applied.
func (e *Engine) ApplyPendingEffects(ctx context.Context) (int, error) {
	pending, err := e.store.ListPendingEffects(ctx)
	if err != nil {
		return 0, fmt.Errorf("list pending effects: %w", err)
	}
	var (
		applied int
		errs    []error
	)
	for _, r := range pending {
		plan, err := e.effects.Apply(ctx, r)
		switch {
		case errors.Is(err, effects.ErrAlreadyApplied), errors.Is(err, ledger.ErrConcurrencyConflict):
		case err != nil:
			e.log(r).WithError(err).Error("ledger side effects still pending")
			errs = append(errs, fmt.Errorf("%s: %w", r.ID, err))
		default:
			applied++
			e.record(ctx, r, r.Status, r.Status, "apply_effects", systemActor, audit.ResultSuccess, "")
			e.log(r).WithFields(logrus.Fields{
				"tickets":    plan.Tickets,
				"commission": plan.ReferralCommission.String(),
				"referrer":   plan.ReferrerID,
			}).Info("pending ledger side effects applied")
		}
	}
	return applied, errors.Join(errs...)
}

// escalateSettlement hands a failed settlement to operators. clearDispatch is
// set when the platform definitely did not execute the operation.
func (e *Engine) escalateSettlement(ctx context.Context, req ledger.Request, actor Actor, cause error, clearDispatch bool) (ledger.Request, error) {
	next, err := e.apply(ctx, req, CmdEscalate, actor, func(r *ledger.Request) error {
		r.EscalationReason = cause.Error()
		if clearDispatch {
			r.SettlementDispatched = false
			r.BalanceSnapshot = nil
		}
		return nil
	})
	if err != nil {
		e.log(req).WithError(err).Error("settlement failed and escalation was not recorded")
		return next, errors.Join(cause, err)
	}
	e.notify(ctx, next, escalation.ReasonSettlementFailed, cause.Error())
	return next, cause
}
