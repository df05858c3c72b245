package server

import (
	"errors"
	"net/http"

	"github.com/wizardbeardstudio/paydesk/internal/platform/allocator"
	"github.com/wizardbeardstudio/paydesk/internal/platform/auth"
	"github.com/wizardbeardstudio/paydesk/internal/platform/evidence"
	"github.com/wizardbeardstudio/paydesk/internal/platform/lifecycle"
)

type errorView struct {
	Error string `json:"error"`
	Code  string `json:"code"`
	Field string `json:"field,omitempty"`
}

// httpError maps engine errors onto status codes.
func httpError(err error) (int, errorView) {
	view := errorView{Error: err.Error()}
	var verr *lifecycle.ValidationError
	switch {
	case errors.As(err, &verr):
		view.Code, view.Field = "invalid_argument", verr.Field
		return http.StatusUnprocessableEntity, view
	case errors.Is(err, evidence.ErrEmpty), errors.Is(err, evidence.ErrTooLarge),
		errors.Is(err, evidence.ErrContentType), errors.Is(err, evidence.ErrDigestMismatch):
		view.Code = "invalid_argument"
		return http.StatusUnprocessableEntity, view
	case errors.Is(err, lifecycle.ErrInsufficientFunds):
		view.Code = "insufficient_funds"
		return http.StatusUnprocessableEntity, view
	case errors.Is(err, lifecycle.ErrNotFound), errors.Is(err, lifecycle.ErrAccountNotFound):
		view.Code = "not_found"
		return http.StatusNotFound, view
	case errors.Is(err, lifecycle.ErrConcurrencyConflict), errors.Is(err, lifecycle.ErrIllegalTransition),
		errors.Is(err, lifecycle.ErrNoDisambiguationSlot):
		view.Code = "conflict"
		return http.StatusConflict, view
	case errors.Is(err, lifecycle.ErrTransient), errors.Is(err, allocator.ErrNoInstrument):
		view.Code = "unavailable"
		return http.StatusServiceUnavailable, view
	case errors.Is(err, lifecycle.ErrAuth), errors.Is(err, lifecycle.ErrRejectedByPlatform):
		view.Code = "bad_gateway"
		return http.StatusBadGateway, view
	case errors.Is(err, auth.ErrBadCredentials):
		view.Code = "unauthenticated"
		return http.StatusUnauthorized, view
	}
	view.Code, view.Error = "internal", "internal error"
	return http.StatusInternalServerError, view
}
