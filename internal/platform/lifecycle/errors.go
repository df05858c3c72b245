package lifecycle

import (
	"errors"
	"fmt"

	"github.com/wizardbeardstudio/paydesk/internal/platform/gateway"
	"github.com/wizardbeardstudio/paydesk/internal/platform/ledger"
)

var (
	ErrAccountNotFound      = errors.New("account not found on platform")
	ErrAuth                 = errors.New("platform rejected credentials")
	ErrTransient            = errors.New("platform temporarily unavailable")
	ErrRejectedByPlatform   = errors.New("platform rejected the operation")
	ErrIllegalTransition    = errors.New("illegal status transition")
	ErrNoDisambiguationSlot = errors.New("no free disambiguation amount on instrument")

	ErrConcurrencyConflict = ledger.ErrConcurrencyConflict
	ErrNotFound            = ledger.ErrNotFound
	ErrInsufficientFunds   = ledger.ErrInsufficientFunds
)

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// GatewayError carries a failed platform call; it unwraps to the sentinel of its category.
type GatewayError struct {
	Op       string
	Category gateway.Category
	Message  string
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("gateway %s: %s: %s", e.Op, e.Category, e.Message)
}

func (e *GatewayError) Unwrap() error {
	switch e.Category {
	case gateway.CategoryAuth:
		return ErrAuth
	case gateway.CategoryTransient:
		return ErrTransient
	case gateway.CategoryNotFound:
		return ErrAccountNotFound
	}
	return ErrRejectedByPlatform
}

func gatewayError(op string, res gateway.Result) error {
	return &GatewayError{Op: op, Category: res.Category, Message: res.Message}
}
