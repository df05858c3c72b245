// Package gateway talks to the external settlement platforms. Every outbound
// call yields a Result; transport failures never surface as Go errors.
package gateway

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/shopspring/decimal"
)

type Category string

const (
	CategoryNone      Category = ""
	CategoryAuth      Category = "AUTH"
	CategoryNotFound  Category = "NOT_FOUND"
	CategoryTransient Category = "TRANSIENT"
	CategoryRejected  Category = "REJECTED"

	// CategoryUnknownPlatform means the call never left the process: no
	// platform is configured under the requested name.
	CategoryUnknownPlatform Category = "UNKNOWN_PLATFORM"
)

type Account struct {
	ID         string
	HolderName string
	// Secondary is set when the platform account is held in the secondary currency.
	Secondary bool
}

type Result struct {
	OK              bool
	ExternalRef     string
	AmountConfirmed decimal.Decimal
	Category        Category
	Message         string

	Account *Account
	Balance *decimal.Decimal
}

func ok() Result {
	return Result{OK: true}
}

func failure(c Category, msg string) Result {
	return Result{Category: c, Message: msg}
}

// categorizeStatus maps a non-2xx HTTP status.
func categorizeStatus(code int) Category {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return CategoryAuth
	case code == http.StatusNotFound:
		return CategoryNotFound
	case code >= 500 || code == http.StatusRequestTimeout || code == http.StatusTooManyRequests:
		return CategoryTransient
	}
	return CategoryRejected
}

// transportFailure classifies an error returned by http.Client.Do.
func transportFailure(err error) Result {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return failure(CategoryTransient, "timeout: "+err.Error())
	case errors.As(err, &netErr) && netErr.Timeout():
		return failure(CategoryTransient, "timeout: "+err.Error())
	}
	return failure(CategoryTransient, err.Error())
}

func (r Result) label() string {
	if r.OK {
		return "OK"
	}
	return string(r.Category)
}
