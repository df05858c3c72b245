package ledger

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound            = errors.New("request not found")
	ErrConcurrencyConflict = errors.New("request status changed concurrently")
	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrAmountTaken         = errors.New("disambiguation amount already pending on instrument")
	ErrSelfReferral        = errors.New("owner cannot refer itself")
	ErrNoExchangeRate      = errors.New("no exchange rate recorded")
	ErrOpenRequestExists   = errors.New("open request already exists for account")
)

// Mutator edits the request inside a transition. Returning an error aborts the whole unit.
type Mutator func(r *Request) error

// Store persists requests and balances.
//
// Create fails with ErrOpenRequestExists when the (owner, platform, account)
// triple already has a non-terminal request. Transition is the only way a
// stored request changes: it applies when the stored status equals from and
// fails with ErrConcurrencyConflict otherwise. Balance ops run in the same unit.
// ErrAmountTaken means another open request on the same funding instrument
// already holds the disambiguation amount.
type Store interface {
	Create(ctx context.Context, r Request) (Request, error)
	Get(ctx context.Context, id string) (Request, error)
	LatestOpen(ctx context.Context, ownerID, platform, accountID string) (Request, bool, error)
	ListOpen(ctx context.Context, olderThan time.Time) ([]Request, error)
	// ListPendingEffects returns approved requests whose side effects are not yet applied.
	ListPendingEffects(ctx context.Context) ([]Request, error)
	Transition(ctx context.Context, id string, from, to Status, mutate Mutator, ops ...BalanceOp) (Request, error)

	Balance(ctx context.Context, ownerID string) (Balance, error)
	AdjustBalance(ctx context.Context, op BalanceOp) (Balance, error)

	LinkReferral(ctx context.Context, referredID, referrerID string) (bool, error)
	ReferrerOf(ctx context.Context, ownerID string) (string, bool, error)

	LatestExchangeRate(ctx context.Context) (ExchangeRate, error)
	AddExchangeRate(ctx context.Context, rate ExchangeRate) error
}

func openStatus(s Status) bool {
	return !s.Terminal()
}

func approvedStatus(s Status) bool {
	return s == StatusApproved || s == StatusBonusApproved
}
