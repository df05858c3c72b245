package lifecycle

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/wizardbeardstudio/paydesk/internal/platform/ledger"
)

// LinkReferral records who referred ownerID. Only the first link counts;
// linked reports whether this call made it.
func (e *Engine) LinkReferral(ctx context.Context, ownerID, referrerID string) (bool, error) {
	ownerID, referrerID = strings.TrimSpace(ownerID), strings.TrimSpace(referrerID)
	switch {
	case ownerID == "":
		return false, invalid("owner_id", "required")
	case referrerID == "":
		return false, invalid("referrer_id", "required")
	case ownerID == referrerID:
		return false, invalid("referrer_id", ledger.ErrSelfReferral.Error())
	}
	linked, err := e.store.LinkReferral(ctx, ownerID, referrerID)
	if err != nil {
		return false, fmt.Errorf("link referral %s: %w", ownerID, err)
	}
	e.logger.WithFields(logrus.Fields{
		"owner_id":    ownerID,
		"referrer_id": referrerID,
		"linked":      linked,
	}).Info("referral link requested")
	return linked, nil
}

// RecordExchangeRate stores a new rate pair; the latest one converts
// secondary-currency settlements from then on.
func (e *Engine) RecordExchangeRate(ctx context.Context, primaryToSecondary, secondaryToPrimary decimal.Decimal, operatorID string) (ledger.ExchangeRate, error) {
	switch {
	case !primaryToSecondary.IsPositive():
		return ledger.ExchangeRate{}, invalid("primary_to_secondary", "must be positive")
	case !secondaryToPrimary.IsPositive():
		return ledger.ExchangeRate{}, invalid("secondary_to_primary", "must be positive")
	}
	rate := ledger.ExchangeRate{
		PrimaryToSecondary: primaryToSecondary,
		SecondaryToPrimary: secondaryToPrimary,
		CreatedAt:          e.clock.Now(),
	}
	if err := e.store.AddExchangeRate(ctx, rate); err != nil {
		return ledger.ExchangeRate{}, fmt.Errorf("record exchange rate: %w", err)
	}
	e.logger.WithFields(logrus.Fields{
		"operator":             operatorID,
		"primary_to_secondary": primaryToSecondary.String(),
		"secondary_to_primary": secondaryToPrimary.String(),
	}).Info("exchange rate recorded")
	return rate, nil
}

func (e *Engine) Balance(ctx context.Context, ownerID string) (ledger.Balance, error) {
	if strings.TrimSpace(ownerID) == "" {
		return ledger.Balance{}, invalid("owner_id", "required")
	}
	return e.store.Balance(ctx, ownerID)
}
