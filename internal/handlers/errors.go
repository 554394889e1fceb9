package handlers

import (
	"errors"
	"net/http"

	"qrauth/internal/status"

	"github.com/pocketbase/pocketbase/apis"
)

// apiError translates service sentinels into API responses. Expired is
// deliberately distinct from NotFound so a browser can render "expired"
// instead of "never existed".
func apiError(err error) error {
	switch {
	case errors.Is(err, status.ErrTicketNotFound),
		errors.Is(err, status.ErrGrantNotFound),
		errors.Is(err, status.ErrDeliveryNotFound):
		return apis.NewNotFoundError("Not found or already consumed", err)

	case errors.Is(err, status.ErrTicketExpired):
		return apis.NewApiError(http.StatusGone, "Ticket expired", err)

	case errors.Is(err, status.ErrInvalidTransition):
		return apis.NewApiError(http.StatusConflict, "Ticket status does not permit this operation", err)

	case errors.Is(err, status.ErrInvalidVerifier):
		return apis.NewBadRequestError("Code verifier does not match", err)

	case errors.Is(err, status.ErrSessionMismatch):
		return apis.NewForbiddenError("Session does not own this ticket", err)

	case errors.Is(err, status.ErrActionFailed):
		// The ticket was rolled back; the same approve can be retried.
		return apis.NewApiError(http.StatusServiceUnavailable, "Approval action failed, please retry", err)

	default:
		return apis.NewApiError(http.StatusInternalServerError, "Something went wrong", err)
	}
}
