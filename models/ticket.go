package models

import (
	"strconv"
	"time"
)

type TicketStatus string

const (
	StatusPending  TicketStatus = "PENDING"
	StatusScanned  TicketStatus = "SCANNED"
	StatusApproved TicketStatus = "APPROVED"
	StatusRejected TicketStatus = "REJECTED"
	StatusExpired  TicketStatus = "EXPIRED"
	StatusUsed     TicketStatus = "USED"
)

// Terminal reports whether no further transition is possible from s.
// APPROVED is not terminal: it can still move to USED, or roll back to
// PENDING when the action handler fails.
func (s TicketStatus) Terminal() bool {
	return s == StatusRejected || s == StatusExpired || s == StatusUsed
}

type ActionType string

const (
	ActionLogin     ActionType = "LOGIN"
	ActionAddFriend ActionType = "ADD_FRIEND"
	ActionJoinOrg   ActionType = "JOIN_ORG"
	ActionPair      ActionType = "PAIR"
)

// ActionTypes is the closed set of authorization actions. The action
// registry is checked against this list at startup.
var ActionTypes = []ActionType{ActionLogin, ActionAddFriend, ActionJoinOrg, ActionPair}

func (a ActionType) Valid() bool {
	for _, known := range ActionTypes {
		if a == known {
			return true
		}
	}
	return false
}

// Ticket is one QR authorization attempt. Stored as JSON under
// TICKET:{id} in Redis; Version bumps on every persisted status change.
type Ticket struct {
	ID            string         `json:"id"`
	ActionType    ActionType     `json:"action_type"`
	Status        TicketStatus   `json:"status"`
	CodeChallenge string         `json:"code_challenge"`
	Payload       map[string]any `json:"payload,omitempty"`
	WebSessionID  string         `json:"web_session_id,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	ExpiresAt     time.Time      `json:"expires_at"`
	ScannedBy     string         `json:"scanned_by,omitempty"`
	ScannedAt     *time.Time     `json:"scanned_at,omitempty"`
	ApprovedBy    string         `json:"approved_by,omitempty"`
	ApprovedAt    *time.Time     `json:"approved_at,omitempty"`
	Version       int64          `json:"version"`
}

// DeadlinePassed reports whether the ticket is past its absolute
// deadline at the given instant.
func (t *Ticket) DeadlinePassed(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

// Snapshot is the unit exchanged with polling clients. ETag returns the
// cheap change detector derived from it.
type Snapshot struct {
	TicketID     string       `json:"ticket_id"`
	Status       TicketStatus `json:"status"`
	Version      int64        `json:"version"`
	ExpiresAt    time.Time    `json:"expires_at"`
	ScannedAt    *time.Time   `json:"scanned_at,omitempty"`
	ApprovedAt   *time.Time   `json:"approved_at,omitempty"`
	WebSessionID string       `json:"web_session_id,omitempty"`
}

// ETag is the cheap change detector exchanged with polling clients.
func (s *Snapshot) ETag() string {
	return s.TicketID + ":" + strconv.FormatInt(s.Version, 10)
}

func (t *Ticket) Snapshot() *Snapshot {
	return &Snapshot{
		TicketID:     t.ID,
		Status:       t.Status,
		Version:      t.Version,
		ExpiresAt:    t.ExpiresAt,
		ScannedAt:    t.ScannedAt,
		ApprovedAt:   t.ApprovedAt,
		WebSessionID: t.WebSessionID,
	}
}

// StatusEvent is the message published on STATUS_CHANNEL:{ticketId} and
// pushed to realtime subscribers.
type StatusEvent struct {
	TicketID  string       `json:"tid"`
	Status    TicketStatus `json:"status"`
	Version   int64        `json:"version"`
	Timestamp int64        `json:"timestamp"`
}
