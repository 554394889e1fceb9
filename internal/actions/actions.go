package actions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"qrauth/models"
)

// Context carries everything an action handler may rely on. Payload is
// opaque data captured at ticket creation and is never trusted for
// authorization decisions.
type Context struct {
	TicketID     string
	UserID       string
	Payload      map[string]any
	WebSessionID string
	ApprovedAt   time.Time
}

// Handler is the capability set every authorization action implements.
// Execute performs the real side effect of an approval; it must not
// touch ticket state, that is the ticket service's job. Any error
// aborts the remaining steps and propagates unmodified so the caller
// can roll the ticket back.
type Handler interface {
	Validate(ctx context.Context, actx *Context) error
	Before(ctx context.Context, actx *Context) error
	Execute(ctx context.Context, actx *Context) error
	After(ctx context.Context, actx *Context) error
}

// Registry maps action types to their handlers. It is immutable after
// construction; a missing handler is a startup configuration error, not
// something discovered per request.
type Registry struct {
	handlers map[models.ActionType]Handler
}

func NewRegistry(handlers map[models.ActionType]Handler) (*Registry, error) {
	for _, actionType := range models.ActionTypes {
		if _, ok := handlers[actionType]; !ok {
			return nil, fmt.Errorf("no action handler registered for %s", actionType)
		}
	}
	return &Registry{handlers: handlers}, nil
}

// MustRegistry panics when the registry is incomplete. Call at startup.
func MustRegistry(handlers map[models.ActionType]Handler) *Registry {
	registry, err := NewRegistry(handlers)
	if err != nil {
		panic(err)
	}
	return registry
}

// Run drives one handler through validate, before, execute and after.
func (r *Registry) Run(ctx context.Context, actionType models.ActionType, actx *Context) error {
	handler, ok := r.handlers[actionType]
	if !ok {
		return fmt.Errorf("no action handler registered for %s", actionType)
	}

	if err := validateContext(actx); err != nil {
		return err
	}
	if err := handler.Validate(ctx, actx); err != nil {
		return err
	}
	if err := handler.Before(ctx, actx); err != nil {
		return err
	}
	if err := handler.Execute(ctx, actx); err != nil {
		return err
	}
	return handler.After(ctx, actx)
}

func validateContext(actx *Context) error {
	if actx == nil {
		return errors.New("action context is nil")
	}
	if actx.TicketID == "" {
		return errors.New("action context missing ticket id")
	}
	if actx.UserID == "" {
		return errors.New("action context missing user id")
	}
	if actx.ApprovedAt.IsZero() {
		return errors.New("action context missing approval timestamp")
	}
	return nil
}
