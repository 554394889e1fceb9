package actions

import (
	"context"
	"errors"
	"testing"
	"time"

	"qrauth/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingHandler struct {
	calls       []string
	validateErr error
	beforeErr   error
	executeErr  error
	afterErr    error
}

func (h *recordingHandler) Validate(ctx context.Context, actx *Context) error {
	h.calls = append(h.calls, "validate")
	return h.validateErr
}

func (h *recordingHandler) Before(ctx context.Context, actx *Context) error {
	h.calls = append(h.calls, "before")
	return h.beforeErr
}

func (h *recordingHandler) Execute(ctx context.Context, actx *Context) error {
	h.calls = append(h.calls, "execute")
	return h.executeErr
}

func (h *recordingHandler) After(ctx context.Context, actx *Context) error {
	h.calls = append(h.calls, "after")
	return h.afterErr
}

func fullHandlers(h Handler) map[models.ActionType]Handler {
	handlers := make(map[models.ActionType]Handler, len(models.ActionTypes))
	for _, actionType := range models.ActionTypes {
		handlers[actionType] = h
	}
	return handlers
}

func validActionContext() *Context {
	return &Context{
		TicketID:   "tck-1",
		UserID:     "usr-1",
		ApprovedAt: time.Now(),
	}
}

func TestNewRegistry_MissingHandler(t *testing.T) {
	handlers := fullHandlers(&recordingHandler{})
	delete(handlers, models.ActionPair)

	_, err := NewRegistry(handlers)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "PAIR")
}

func TestMustRegistry_PanicsOnIncomplete(t *testing.T) {
	handlers := fullHandlers(&recordingHandler{})
	delete(handlers, models.ActionLogin)

	assert.Panics(t, func() {
		MustRegistry(handlers)
	})
}

func TestRegistry_Run_Sequence(t *testing.T) {
	handler := &recordingHandler{}
	registry := MustRegistry(fullHandlers(handler))

	err := registry.Run(context.Background(), models.ActionLogin, validActionContext())

	require.NoError(t, err)
	assert.Equal(t, []string{"validate", "before", "execute", "after"}, handler.calls)
}

func TestRegistry_Run_ExecuteFailureAborts(t *testing.T) {
	sentinel := errors.New("downstream unavailable")
	handler := &recordingHandler{executeErr: sentinel}
	registry := MustRegistry(fullHandlers(handler))

	err := registry.Run(context.Background(), models.ActionLogin, validActionContext())

	// The error propagates unmodified so the ticket service can roll back.
	assert.Equal(t, sentinel, err)
	assert.Equal(t, []string{"validate", "before", "execute"}, handler.calls)
}

func TestRegistry_Run_ValidateFailureSkipsHooks(t *testing.T) {
	handler := &recordingHandler{validateErr: errors.New("bad payload")}
	registry := MustRegistry(fullHandlers(handler))

	err := registry.Run(context.Background(), models.ActionAddFriend, validActionContext())

	assert.Error(t, err)
	assert.Equal(t, []string{"validate"}, handler.calls)
}

func TestRegistry_Run_MissingContextFields(t *testing.T) {
	handler := &recordingHandler{}
	registry := MustRegistry(fullHandlers(handler))

	tests := []struct {
		name string
		actx *Context
	}{
		{"nil context", nil},
		{"missing ticket id", &Context{UserID: "u", ApprovedAt: time.Now()}},
		{"missing user id", &Context{TicketID: "t", ApprovedAt: time.Now()}},
		{"missing approval timestamp", &Context{TicketID: "t", UserID: "u"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := registry.Run(context.Background(), models.ActionLogin, tt.actx)
			assert.Error(t, err)
		})
	}

	// Handler was never reached for any of them.
	assert.Empty(t, handler.calls)
}

func TestDefaultHandlers_CoversAllActionTypes(t *testing.T) {
	assert.NotPanics(t, func() {
		MustRegistry(DefaultHandlers())
	})
}

func TestLoginHandler_RequiresWebSession(t *testing.T) {
	handler := &LoginHandler{}

	err := handler.Validate(context.Background(), validActionContext())
	assert.Error(t, err)

	actx := validActionContext()
	actx.WebSessionID = "sess-1"
	assert.NoError(t, handler.Validate(context.Background(), actx))
}

func TestAddFriendHandler_Validate(t *testing.T) {
	handler := &AddFriendHandler{}

	actx := validActionContext()
	assert.Error(t, handler.Validate(context.Background(), actx), "missing target")

	actx.Payload = map[string]any{"target_user_id": actx.UserID}
	assert.Error(t, handler.Validate(context.Background(), actx), "self add")

	actx.Payload = map[string]any{"target_user_id": "usr-2"}
	assert.NoError(t, handler.Validate(context.Background(), actx))
}

func TestJoinOrgHandler_Validate(t *testing.T) {
	handler := &JoinOrgHandler{}

	actx := validActionContext()
	assert.Error(t, handler.Validate(context.Background(), actx))

	actx.Payload = map[string]any{"org_id": "org-9"}
	assert.NoError(t, handler.Validate(context.Background(), actx))
}

func TestHandlers_CustomExec(t *testing.T) {
	called := false
	handler := &PairHandler{Exec: func(ctx context.Context, actx *Context) error {
		called = true
		return nil
	}}

	require.NoError(t, handler.Execute(context.Background(), validActionContext()))
	assert.True(t, called)
}
