package handlers

import (
	"net/http"

	"qrauth/internal/services"
	"qrauth/models"
	"qrauth/monitoring"

	"github.com/pocketbase/pocketbase"
	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"
)

type TicketHandler struct {
	app     *pocketbase.PocketBase
	tickets *services.TicketService
	monitor *monitoring.Monitor
}

func NewTicketHandler(app *pocketbase.PocketBase, tickets *services.TicketService, monitor *monitoring.Monitor) *TicketHandler {
	return &TicketHandler{
		app:     app,
		tickets: tickets,
		monitor: monitor,
	}
}

// CreateTicket - start a cross-device authorization attempt; returns the
// QR-encodable content. Unauthenticated: the caller is the untrusted
// browser.
func (h *TicketHandler) CreateTicket(e *core.RequestEvent) error {
	var req struct {
		ActionType   string         `json:"action_type"`
		Payload      map[string]any `json:"payload"`
		WebSessionID string         `json:"web_session_id"`
	}

	if err := e.BindBody(&req); err != nil {
		return apis.NewBadRequestError("Invalid request", err)
	}

	actionType := models.ActionType(req.ActionType)
	if !actionType.Valid() {
		return apis.NewBadRequestError("Unknown action type", nil)
	}

	result, err := h.tickets.Create(e.Request.Context(), actionType, req.Payload, req.WebSessionID)
	if err != nil {
		h.monitor.TrackTicketOperation("create", req.ActionType, "error")
		return apiError(err)
	}

	h.monitor.TrackTicketOperation("create", req.ActionType, "success")
	return e.JSON(http.StatusOK, result)
}

// GetPreview - sanitized summary a scanning device shows before approval.
func (h *TicketHandler) GetPreview(e *core.RequestEvent) error {
	ticketID := e.Request.PathValue("ticketId")

	preview, err := h.tickets.GetPreview(e.Request.Context(), ticketID)
	if err != nil {
		return apiError(err)
	}

	return e.JSON(http.StatusOK, preview)
}

// ScanTicket - the approving device acknowledges the QR code.
func (h *TicketHandler) ScanTicket(e *core.RequestEvent) error {
	if e.Auth == nil {
		return apis.NewUnauthorizedError("Unauthorized", nil)
	}

	ticketID := e.Request.PathValue("ticketId")

	ticket, err := h.tickets.Scan(e.Request.Context(), ticketID, e.Auth.Id)
	if err != nil {
		h.monitor.TrackTicketOperation("scan", "", "error")
		return apiError(err)
	}

	h.monitor.TrackTicketOperation("scan", string(ticket.ActionType), "success")
	return e.JSON(http.StatusOK, ticket.Snapshot())
}

// ApproveTicket - requires the PKCE verifier carried by the scanned
// payload. On success the one-time grant or delivery handle is issued.
func (h *TicketHandler) ApproveTicket(e *core.RequestEvent) error {
	if e.Auth == nil {
		return apis.NewUnauthorizedError("Unauthorized", nil)
	}

	var req struct {
		CodeVerifier string `json:"code_verifier"`
		Transport    string `json:"transport"`
	}

	if err := e.BindBody(&req); err != nil {
		return apis.NewBadRequestError("Invalid request", err)
	}
	if req.CodeVerifier == "" {
		return apis.NewBadRequestError("Code verifier required", nil)
	}

	transport := services.TransportPush
	if req.Transport == string(services.TransportPoll) {
		transport = services.TransportPoll
	}

	ticketID := e.Request.PathValue("ticketId")

	handle, err := h.tickets.Approve(e.Request.Context(), ticketID, e.Auth.Id, req.CodeVerifier, transport)
	if err != nil {
		h.monitor.TrackTicketOperation("approve", "", "error")
		return apiError(err)
	}

	h.monitor.TrackTicketOperation("approve", "", "success")
	return e.JSON(http.StatusOK, handle)
}

// RejectTicket - the approving device declines.
func (h *TicketHandler) RejectTicket(e *core.RequestEvent) error {
	if e.Auth == nil {
		return apis.NewUnauthorizedError("Unauthorized", nil)
	}

	ticketID := e.Request.PathValue("ticketId")

	ticket, err := h.tickets.Reject(e.Request.Context(), ticketID, e.Auth.Id)
	if err != nil {
		h.monitor.TrackTicketOperation("reject", "", "error")
		return apiError(err)
	}

	h.monitor.TrackTicketOperation("reject", string(ticket.ActionType), "success")
	return e.JSON(http.StatusOK, ticket.Snapshot())
}

// SimulateApproval - development aid driving the mobile side of the
// flow without a device: scans and approves in one call. Only routed
// when ENVIRONMENT=development.
func (h *TicketHandler) SimulateApproval(e *core.RequestEvent) error {
	var req struct {
		TicketID     string `json:"ticket_id"`
		UserID       string `json:"user_id"`
		CodeVerifier string `json:"code_verifier"`
		Transport    string `json:"transport"`
	}

	if err := e.BindBody(&req); err != nil {
		return apis.NewBadRequestError("Invalid request", err)
	}
	if req.TicketID == "" || req.UserID == "" || req.CodeVerifier == "" {
		return apis.NewBadRequestError("ticket_id, user_id and code_verifier required", nil)
	}

	ctx := e.Request.Context()

	if _, err := h.tickets.Scan(ctx, req.TicketID, req.UserID); err != nil {
		return apiError(err)
	}

	transport := services.TransportPush
	if req.Transport == string(services.TransportPoll) {
		transport = services.TransportPoll
	}

	handle, err := h.tickets.Approve(ctx, req.TicketID, req.UserID, req.CodeVerifier, transport)
	if err != nil {
		return apiError(err)
	}

	return e.JSON(http.StatusOK, handle)
}

// ExchangeGrant - one-time exchange of the push-model grant token for
// the approval result. A repeat exchange always fails.
func (h *TicketHandler) ExchangeGrant(e *core.RequestEvent) error {
	var req struct {
		GrantToken string `json:"grant_token"`
	}

	if err := e.BindBody(&req); err != nil {
		return apis.NewBadRequestError("Invalid request", err)
	}
	if req.GrantToken == "" {
		return apis.NewBadRequestError("Grant token required", nil)
	}

	grant, err := h.tickets.ExchangeGrant(e.Request.Context(), req.GrantToken)
	if err != nil {
		h.monitor.TrackExchange("grant", "error")
		return apiError(err)
	}

	h.monitor.TrackExchange("grant", "success")
	return e.JSON(http.StatusOK, map[string]any{
		"ticket_id":      grant.TicketID,
		"action_type":    grant.ActionType,
		"user_id":        grant.UserID,
		"web_session_id": grant.WebSessionID,
	})
}
