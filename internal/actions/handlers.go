package actions

import (
	"context"
	"errors"
	"log/slog"

	"qrauth/models"
)

// The concrete side effects of each action (token minting, friend graph
// writes, org membership, pairing persistence) belong to their owning
// systems. The handlers here validate what the protocol can validate
// and delegate through narrow callback funcs the host wires in, so the
// registry stays fully populated even when a host only cares about a
// subset of actions.

// nopBase provides no-op hooks for handlers that only need Execute.
type nopBase struct{}

func (nopBase) Validate(ctx context.Context, actx *Context) error { return nil }
func (nopBase) Before(ctx context.Context, actx *Context) error   { return nil }
func (nopBase) After(ctx context.Context, actx *Context) error    { return nil }

// ExecuteFunc is the pluggable side effect of an action.
type ExecuteFunc func(ctx context.Context, actx *Context) error

type LoginHandler struct {
	nopBase
	Exec ExecuteFunc
}

func (h *LoginHandler) Validate(ctx context.Context, actx *Context) error {
	if actx.WebSessionID == "" {
		return errors.New("login approval requires the originating web session")
	}
	return nil
}

func (h *LoginHandler) Execute(ctx context.Context, actx *Context) error {
	if h.Exec == nil {
		slog.Info("login approved", "ticket", actx.TicketID, "user", actx.UserID)
		return nil
	}
	return h.Exec(ctx, actx)
}

type AddFriendHandler struct {
	nopBase
	Exec ExecuteFunc
}

func (h *AddFriendHandler) Validate(ctx context.Context, actx *Context) error {
	target, _ := actx.Payload["target_user_id"].(string)
	if target == "" {
		return errors.New("add friend requires target_user_id in payload")
	}
	if target == actx.UserID {
		return errors.New("cannot add yourself as a friend")
	}
	return nil
}

func (h *AddFriendHandler) Execute(ctx context.Context, actx *Context) error {
	if h.Exec == nil {
		slog.Info("friend add approved", "ticket", actx.TicketID, "user", actx.UserID)
		return nil
	}
	return h.Exec(ctx, actx)
}

type JoinOrgHandler struct {
	nopBase
	Exec ExecuteFunc
}

func (h *JoinOrgHandler) Validate(ctx context.Context, actx *Context) error {
	orgID, _ := actx.Payload["org_id"].(string)
	if orgID == "" {
		return errors.New("org join requires org_id in payload")
	}
	return nil
}

func (h *JoinOrgHandler) Execute(ctx context.Context, actx *Context) error {
	if h.Exec == nil {
		slog.Info("org join approved", "ticket", actx.TicketID, "user", actx.UserID)
		return nil
	}
	return h.Exec(ctx, actx)
}

type PairHandler struct {
	nopBase
	Exec ExecuteFunc
}

func (h *PairHandler) Execute(ctx context.Context, actx *Context) error {
	if h.Exec == nil {
		slog.Info("device pairing approved", "ticket", actx.TicketID, "user", actx.UserID)
		return nil
	}
	return h.Exec(ctx, actx)
}

// DefaultHandlers returns a complete registry mapping with log-only
// side effects, suitable for development and tests.
func DefaultHandlers() map[models.ActionType]Handler {
	return map[models.ActionType]Handler{
		models.ActionLogin:     &LoginHandler{},
		models.ActionAddFriend: &AddFriendHandler{},
		models.ActionJoinOrg:   &JoinOrgHandler{},
		models.ActionPair:      &PairHandler{},
	}
}
