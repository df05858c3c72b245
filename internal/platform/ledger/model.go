package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

type Kind string

const (
	KindTopUp         Kind = "TOP_UP"
	KindWithdrawal    Kind = "WITHDRAWAL"
	KindBonusTransfer Kind = "BONUS_TRANSFER"
)

func (k Kind) Valid() bool {
	switch k {
	case KindTopUp, KindWithdrawal, KindBonusTransfer:
		return true
	}
	return false
}

type Status string

const (
	StatusCreated               Status = "CREATED"
	StatusAwaitingFundingChoice Status = "AWAITING_FUNDING_CHOICE"
	StatusAwaitingDestination   Status = "AWAITING_DESTINATION"
	StatusAwaitingSettlement    Status = "AWAITING_SETTLEMENT"
	StatusVerified              Status = "VERIFIED"
	StatusAwaitingAdminDecision Status = "AWAITING_ADMIN_DECISION"
	StatusSettling              Status = "SETTLING"
	StatusEscalatedToAdmin      Status = "ESCALATED_TO_ADMIN"
	StatusApproved              Status = "APPROVED"
	StatusBonusApproved         Status = "BONUS_APPROVED"
	StatusCanceled              Status = "CANCELED"
)

// Terminal reports whether no further transition leaves s.
func (s Status) Terminal() bool {
	switch s {
	case StatusApproved, StatusBonusApproved, StatusCanceled:
		return true
	}
	return false
}

type Currency string

const (
	CurrencyPrimary   Currency = "PRIMARY"
	CurrencySecondary Currency = "SECONDARY"
)

// Request is one monetary request tracked from creation to a terminal status.
// Amounts are minor units of the primary currency unless noted.
type Request struct {
	ID                     string
	OwnerID                string
	PlatformName           string
	PlatformAccountID      string
	AccountHolderName      string
	FundingInstrumentRef   string
	DestinationCard        string
	PayoutCode             string
	RequestedAmount        int64
	SettlementAmount       *decimal.Decimal
	DisambiguationAmount   *int64
	Currency               Currency
	Kind                   Kind
	Status                 Status
	ExternalTransactionRef string
	VerificationAttempts   int
	ReservedFunds          decimal.Decimal
	EscalationReason       string
	SettlementDispatched   bool
	BalanceSnapshot        *decimal.Decimal
	EffectsApplied         bool
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

func (r Request) clone() Request {
	out := r
	if r.SettlementAmount != nil {
		v := *r.SettlementAmount
		out.SettlementAmount = &v
	}
	if r.DisambiguationAmount != nil {
		v := *r.DisambiguationAmount
		out.DisambiguationAmount = &v
	}
	if r.BalanceSnapshot != nil {
		v := *r.BalanceSnapshot
		out.BalanceSnapshot = &v
	}
	return out
}

type Balance struct {
	OwnerID string
	Tickets int64
	Funds   decimal.Decimal
}

// BalanceOp is an in-place balance increment applied inside a transition.
// A negative Funds delta fails with ErrInsufficientFunds when it would drive funds below zero.
type BalanceOp struct {
	OwnerID string
	Funds   decimal.Decimal
	Tickets int64
}

type ExchangeRate struct {
	PrimaryToSecondary decimal.Decimal
	SecondaryToPrimary decimal.Decimal
	CreatedAt          time.Time
}

// ToSecondary converts a primary minor-unit amount into the whole secondary
// units sent to a platform: floor(amount * rate / 1000).
func (x ExchangeRate) ToSecondary(amount int64) int64 {
	return decimal.NewFromInt(amount).Mul(x.PrimaryToSecondary).Div(decimal.NewFromInt(1000)).Floor().IntPart()
}
