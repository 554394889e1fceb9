package models

import (
	"time"
)

// Grant is the push-model one-time secret, stored keyed by its own
// token under GRANT:{token}. Exchanging it deletes it.
type Grant struct {
	Token        string     `json:"token"`
	TicketID     string     `json:"ticket_id"`
	ActionType   ActionType `json:"action_type"`
	WebSessionID string     `json:"web_session_id,omitempty"`
	UserID       string     `json:"user_id"`
	CreatedAt    time.Time  `json:"created_at"`
	ExpiresAt    time.Time  `json:"expires_at"`
}

func (g *Grant) Expired(now time.Time) bool {
	return now.After(g.ExpiresAt)
}

// DeliveryCode is the poll-model one-time secret, stored keyed by the
// ticket under DELIVERY:{ticketId} so a poller can look it up without
// knowing the code in advance. Retrieval is gated on the web session
// that created the ticket; consumption deletes the record.
type DeliveryCode struct {
	Code         string    `json:"delivery_code"`
	TicketID     string    `json:"ticket_id"`
	WebSessionID string    `json:"web_session_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

func (d *DeliveryCode) Expired(now time.Time) bool {
	return now.After(d.ExpiresAt)
}
