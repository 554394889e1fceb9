package handlers

import (
	"net/http"

	"qrauth/config"
	"qrauth/internal/services"
	"qrauth/utils"

	"github.com/pocketbase/pocketbase"
	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"
)

type RealtimeHandler struct {
	app      *pocketbase.PocketBase
	realtime *services.RealtimeService
	tickets  *services.TicketService
	config   *config.Config
}

func NewRealtimeHandler(app *pocketbase.PocketBase, realtime *services.RealtimeService, tickets *services.TicketService, cfg *config.Config) *RealtimeHandler {
	return &RealtimeHandler{
		app:      app,
		realtime: realtime,
		tickets:  tickets,
		config:   cfg,
	}
}

// Subscribe - join a ticket's room. Anonymous callers are the waiting
// browser: they must name an existing ticket and only ever receive
// read-only status pushes. Authenticated callers additionally manage
// rooms for tickets they acted on.
func (h *RealtimeHandler) Subscribe(e *core.RequestEvent) error {
	var req struct {
		TicketID string `json:"ticket_id"`
		ConnID   string `json:"conn_id"`
	}

	if err := e.BindBody(&req); err != nil {
		return apis.NewBadRequestError("Invalid request", err)
	}
	if req.TicketID == "" {
		return apis.NewBadRequestError("Ticket ID required", nil)
	}

	// Subscribing to a nonexistent ticket is refused so the room index
	// cannot be grown arbitrarily.
	if _, err := h.tickets.Get(e.Request.Context(), req.TicketID); err != nil {
		return apiError(err)
	}

	connID := req.ConnID
	if connID == "" {
		generated, err := utils.GenerateToken(8)
		if err != nil {
			return apis.NewInternalServerError("Failed to assign connection ID", err)
		}
		connID = generated
	}

	userID := ""
	if e.Auth != nil {
		userID = e.Auth.Id
	}

	h.realtime.Subscribe(req.TicketID, connID, userID)

	return e.JSON(http.StatusOK, map[string]any{
		"conn_id":       connID,
		"channel":       services.ChannelName(req.TicketID),
		"subscribe_key": h.config.PubNubSubscribeKey,
		"room_size":     h.realtime.RoomSize(req.TicketID),
	})
}

// Unsubscribe - leave a ticket's room. Idempotent.
func (h *RealtimeHandler) Unsubscribe(e *core.RequestEvent) error {
	var req struct {
		TicketID string `json:"ticket_id"`
		ConnID   string `json:"conn_id"`
	}

	if err := e.BindBody(&req); err != nil {
		return apis.NewBadRequestError("Invalid request", err)
	}
	if req.TicketID == "" || req.ConnID == "" {
		return apis.NewBadRequestError("Ticket ID and conn ID required", nil)
	}

	h.realtime.Unsubscribe(req.TicketID, req.ConnID)

	return e.JSON(http.StatusOK, map[string]any{
		"room_size": h.realtime.RoomSize(req.TicketID),
	})
}
