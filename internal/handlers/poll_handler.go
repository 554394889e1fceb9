package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"qrauth/internal/services"
	"qrauth/monitoring"

	"github.com/pocketbase/pocketbase"
	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"
)

type PollHandler struct {
	app     *pocketbase.PocketBase
	polling *services.PollingService
	monitor *monitoring.Monitor
}

func NewPollHandler(app *pocketbase.PocketBase, polling *services.PollingService, monitor *monitoring.Monitor) *PollHandler {
	return &PollHandler{
		app:     app,
		polling: polling,
		monitor: monitor,
	}
}

// sinceVersion extracts the client's last-known version from either the
// since_version query parameter or an If-None-Match ETag of the form
// "ticketId:version".
func sinceVersion(e *core.RequestEvent, ticketID string) int64 {
	if raw := e.Request.URL.Query().Get("since_version"); raw != "" {
		if version, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return version
		}
	}

	etag := strings.Trim(e.Request.Header.Get("If-None-Match"), `"`)
	if suffix, ok := strings.CutPrefix(etag, ticketID+":"); ok {
		if version, err := strconv.ParseInt(suffix, 10, 64); err == nil {
			return version
		}
	}

	return 0
}

// ShortPoll - cheap status check with ETag semantics: 304 when the
// version has not moved, otherwise the fresh snapshot plus the
// suggested next-poll delay.
func (h *PollHandler) ShortPoll(e *core.RequestEvent) error {
	ticketID := e.Request.PathValue("ticketId")
	clientETag := strings.Trim(e.Request.Header.Get("If-None-Match"), `"`)

	result, err := h.polling.ShortPoll(e.Request.Context(), ticketID, clientETag)
	if err != nil {
		return apiError(err)
	}

	e.Response.Header().Set("ETag", `"`+result.ETag+`"`)
	if result.NotModified {
		return e.NoContent(http.StatusNotModified)
	}

	return e.JSON(http.StatusOK, map[string]any{
		"snapshot":     result.Snapshot,
		"next_poll_ms": result.NextPollAfter.Milliseconds(),
	})
}

// LongPoll - held open until the version moves past the client's or the
// wait times out; a timeout returns the unchanged snapshot, never an
// error.
func (h *PollHandler) LongPoll(e *core.RequestEvent) error {
	ticketID := e.Request.PathValue("ticketId")

	snapshot, err := h.polling.LongPoll(e.Request.Context(), ticketID, sinceVersion(e, ticketID))
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			// Client went away while we were parked.
			return nil
		}
		return apiError(err)
	}

	e.Response.Header().Set("ETag", `"`+snapshot.ETag()+`"`)
	return e.JSON(http.StatusOK, snapshot)
}

// GetDelivery - hand the pending one-time code to the owning web
// session. Idempotent until consumed.
func (h *PollHandler) GetDelivery(e *core.RequestEvent) error {
	ticketID := e.Request.PathValue("ticketId")

	webSessionID := e.Request.Header.Get("X-Web-Session")
	if webSessionID == "" {
		webSessionID = e.Request.URL.Query().Get("web_session_id")
	}

	delivery, err := h.polling.TryGetDelivery(e.Request.Context(), ticketID, webSessionID)
	if err != nil {
		return apiError(err)
	}

	return e.JSON(http.StatusOK, map[string]any{
		"delivery_code": delivery.Code,
		"expires_at":    delivery.ExpiresAt,
	})
}

// ConsumeDelivery - burn the code; at most one call ever succeeds.
func (h *PollHandler) ConsumeDelivery(e *core.RequestEvent) error {
	var req struct {
		DeliveryCode string `json:"delivery_code"`
	}

	if err := e.BindBody(&req); err != nil {
		return apis.NewBadRequestError("Invalid request", err)
	}
	if req.DeliveryCode == "" {
		return apis.NewBadRequestError("Delivery code required", nil)
	}

	ticketID := e.Request.PathValue("ticketId")

	delivery, err := h.polling.ValidateAndConsume(e.Request.Context(), ticketID, req.DeliveryCode)
	if err != nil {
		h.monitor.TrackExchange("delivery", "error")
		return apiError(err)
	}

	h.monitor.TrackExchange("delivery", "success")
	return e.JSON(http.StatusOK, map[string]any{
		"ticket_id":      delivery.TicketID,
		"web_session_id": delivery.WebSessionID,
	})
}
