package audit

import (
	"context"
	"log/slog"
	"time"

	"qrauth/models"

	"github.com/pocketbase/dbx"
	"github.com/pocketbase/pocketbase/core"
)

// Recorder appends ticket transitions to the auth_events collection.
// Inserts are fire-and-forget: the trail is diagnostic, a failed write
// must never unwind the transition it describes.
type Recorder struct {
	app core.App
}

func NewRecorder(app core.App) *Recorder {
	return &Recorder{app: app}
}

func (r *Recorder) RecordTransition(ctx context.Context, ticket *models.Ticket, from models.TicketStatus, actor string) {
	_, err := r.app.DB().Insert("auth_events", dbx.Params{
		"ticket":      ticket.ID,
		"action_type": string(ticket.ActionType),
		"from_status": string(from),
		"to_status":   string(ticket.Status),
		"version":     ticket.Version,
		"actor":       actor,
		"recorded":    time.Now().UTC().Format(time.RFC3339),
	}).Execute()
	if err != nil {
		slog.Error("audit insert failed",
			"ticket", ticket.ID,
			"to_status", ticket.Status,
			"error", err,
		)
	}
}
