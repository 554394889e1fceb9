package services

import (
	"context"
	"strings"
	"time"

	"qrauth/models"
)

// TicketPreview is the sanitized view a scanning device shows before
// the user approves. The payload is depth- and length-bounded with
// sensitive-looking keys redacted; it must never contain anything the
// approver should not see on screen.
type TicketPreview struct {
	TicketID   string              `json:"ticket_id"`
	ActionType models.ActionType   `json:"action_type"`
	Status     models.TicketStatus `json:"status"`
	ExpiresAt  time.Time           `json:"expires_at"`
	Payload    map[string]any      `json:"payload,omitempty"`
}

const (
	previewMaxDepth     = 3
	previewMaxString    = 64
	previewMaxArrayLen  = 10
	previewRedactedMark = "[REDACTED]"
)

var sensitiveKeyFragments = []string{
	"password", "token", "secret", "key", "auth", "credential", "userid",
}

func (s *TicketService) GetPreview(ctx context.Context, ticketID string) (*TicketPreview, error) {
	ticket, err := s.Get(ctx, ticketID)
	if err != nil {
		return nil, err
	}

	return &TicketPreview{
		TicketID:   ticket.ID,
		ActionType: ticket.ActionType,
		Status:     ticket.Status,
		ExpiresAt:  ticket.ExpiresAt,
		Payload:    sanitizeMap(ticket.Payload, previewMaxDepth),
	}, nil
}

func sensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, fragment := range sensitiveKeyFragments {
		if strings.Contains(lower, fragment) {
			return true
		}
	}
	return false
}

func sanitizeMap(payload map[string]any, depth int) map[string]any {
	if payload == nil {
		return nil
	}
	if depth <= 0 {
		return map[string]any{}
	}

	out := make(map[string]any, len(payload))
	for key, value := range payload {
		if sensitiveKey(key) {
			out[key] = previewRedactedMark
			continue
		}
		out[key] = sanitizeValue(value, depth-1)
	}
	return out
}

func sanitizeValue(value any, depth int) any {
	switch v := value.(type) {
	case string:
		if len(v) > previewMaxString {
			return v[:previewMaxString] + "…"
		}
		return v
	case map[string]any:
		return sanitizeMap(v, depth)
	case []any:
		if depth <= 0 {
			return []any{}
		}
		capped := v
		if len(capped) > previewMaxArrayLen {
			capped = capped[:previewMaxArrayLen]
		}
		out := make([]any, len(capped))
		for i, item := range capped {
			out[i] = sanitizeValue(item, depth-1)
		}
		return out
	default:
		return v
	}
}
