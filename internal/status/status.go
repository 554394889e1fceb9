package status

import "errors"

var (
	ErrTicketNotFound    = errors.New("ticket: ticket not found")
	ErrTicketExpired     = errors.New("ticket: ticket expired")
	ErrInvalidTransition = errors.New("ticket: status does not permit this operation")
	ErrInvalidVerifier   = errors.New("pkce: code verifier does not match challenge")
	ErrActionFailed      = errors.New("action: handler execution failed")
	ErrGrantNotFound     = errors.New("grant: grant not found or expired")
	ErrDeliveryNotFound  = errors.New("delivery: delivery code not found or expired")
	ErrSessionMismatch   = errors.New("delivery: web session does not own this ticket")
	ErrRateLimited       = errors.New("rate limit: quota exceeded")
	ErrVersionConflict   = errors.New("ticket: concurrent update detected")
)
