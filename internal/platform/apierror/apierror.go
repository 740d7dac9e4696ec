// Package apierror translates ledger errors into HTTP responses.
package apierror

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/medichain/medichain/internal/ledger"
)

var statuses = []struct {
	err    error
	status int
}{
	{ledger.ErrNotFound, http.StatusNotFound},
	{ledger.ErrDuplicateEmail, http.StatusConflict},
	{ledger.ErrAlreadyRegistered, http.StatusConflict},
	{ledger.ErrAlreadyEnrolled, http.StatusConflict},
	{ledger.ErrAlreadySettled, http.StatusConflict},
	{ledger.ErrInvalidTransition, http.StatusConflict},
	{ledger.ErrInvalidAge, http.StatusUnprocessableEntity},
	{ledger.ErrInvalidAmount, http.StatusUnprocessableEntity},
	{ledger.ErrInvalidInput, http.StatusUnprocessableEntity},
	{ledger.ErrNoActivePolicy, http.StatusUnprocessableEntity},
	{ledger.ErrUnauthorized, http.StatusForbidden},
	{ledger.ErrNotActive, http.StatusForbidden},
	{ledger.ErrInsufficientFunds, http.StatusPaymentRequired},
	{ledger.ErrStorageUnavailable, http.StatusServiceUnavailable},
	{ledger.ErrRateUnavailable, http.StatusBadGateway},
	{context.DeadlineExceeded, http.StatusGatewayTimeout},
	{context.Canceled, statusClientClosedRequest},
}

// statusClientClosedRequest is the non-standard status for a request the
// client abandoned before it completed.
const statusClientClosedRequest = 499

// Status returns the HTTP status for err, 500 for unknown errors.
func Status(err error) int {
	for _, s := range statuses {
		if errors.Is(err, s.err) {
			return s.status
		}
	}
	return http.StatusInternalServerError
}

// From converts a service error into an *echo.HTTPError. Storage and
// unknown failures are reported without their internal detail.
func From(err error) error {
	if err == nil {
		return nil
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he
	}
	status := Status(err)
	msg := err.Error()
	switch status {
	case http.StatusInternalServerError:
		msg = "internal server error"
	case http.StatusServiceUnavailable:
		msg = ledger.ErrStorageUnavailable.Error()
	}
	return echo.NewHTTPError(status, msg).SetInternal(err)
}
