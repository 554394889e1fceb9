package services

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"qrauth/models"
	"qrauth/utils"

	pubnub "github.com/pubnub/go"
)

// RoomMember is one connection waiting in a ticket room. Anonymous
// members (no user id) are browsers waiting for approval; they only
// ever receive read-only status pushes. Events is the local push
// channel; sends never block, a slow consumer just misses the event and
// recovers via polling.
type RoomMember struct {
	ConnID string
	UserID string
	Events chan *models.StatusEvent
}

// RealtimeService is the per-process realtime gateway: an in-memory
// room index keyed by ticket id, plus a PubNub publish per status
// change for connections held outside this process. The local map is
// never assumed globally consistent; cross-process correctness is
// carried by the store's pub/sub channel feeding both transports.
type RealtimeService struct {
	pubnub  *pubnub.PubNub
	breaker *utils.CircuitBreaker

	mu        sync.RWMutex
	rooms     map[string]map[string]*RoomMember
	userRooms map[string]map[string]struct{}
}

func NewRealtimeService(pn *pubnub.PubNub) *RealtimeService {
	return &RealtimeService{
		pubnub:    pn,
		breaker:   utils.NewCircuitBreaker("pubnub-publish"),
		rooms:     make(map[string]map[string]*RoomMember),
		userRooms: make(map[string]map[string]struct{}),
	}
}

// ChannelName is the push channel carrying a ticket's status events.
func ChannelName(ticketID string) string {
	return fmt.Sprintf("ticket-%s", ticketID)
}

// Subscribe adds a connection to a ticket's room and returns the
// member handle holding its local event channel.
func (s *RealtimeService) Subscribe(ticketID, connID, userID string) *RoomMember {
	member := &RoomMember{
		ConnID: connID,
		UserID: userID,
		Events: make(chan *models.StatusEvent, 8),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	room, ok := s.rooms[ticketID]
	if !ok {
		room = make(map[string]*RoomMember)
		s.rooms[ticketID] = room
	}
	room[connID] = member

	if userID != "" {
		tickets, ok := s.userRooms[userID]
		if !ok {
			tickets = make(map[string]struct{})
			s.userRooms[userID] = tickets
		}
		tickets[ticketID] = struct{}{}
	}

	return member
}

// Unsubscribe removes a connection from a ticket's room and closes its
// event channel. Idempotent.
func (s *RealtimeService) Unsubscribe(ticketID, connID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	room, ok := s.rooms[ticketID]
	if !ok {
		return
	}

	member, ok := room[connID]
	if !ok {
		return
	}

	delete(room, connID)
	if len(room) == 0 {
		delete(s.rooms, ticketID)
	}
	if member.UserID != "" {
		if tickets, ok := s.userRooms[member.UserID]; ok {
			delete(tickets, ticketID)
			if len(tickets) == 0 {
				delete(s.userRooms, member.UserID)
			}
		}
	}
	close(member.Events)
}

// RoomSize reports the local membership of a ticket's room.
func (s *RealtimeService) RoomSize(ticketID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rooms[ticketID])
}

// UserRooms lists the ticket rooms an authenticated user currently
// occupies in this process.
func (s *RealtimeService) UserRooms(userID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []string
	for ticketID := range s.userRooms[userID] {
		out = append(out, ticketID)
	}
	return out
}

// BroadcastStatus pushes a status change to every local member of the
// ticket's room and publishes it on the PubNub channel for connections
// elsewhere. Returns the number of local members reached. message, when
// set, carries the legacy push-model grant token to the waiting
// browser.
func (s *RealtimeService) BroadcastStatus(ctx context.Context, ticketID string, ticketStatus models.TicketStatus, version int64, message string) int {
	event := &models.StatusEvent{
		TicketID:  ticketID,
		Status:    ticketStatus,
		Version:   version,
		Timestamp: time.Now().Unix(),
	}

	s.mu.RLock()
	members := make([]*RoomMember, 0, len(s.rooms[ticketID]))
	for _, member := range s.rooms[ticketID] {
		members = append(members, member)
	}
	s.mu.RUnlock()

	reached := 0
	for _, member := range members {
		select {
		case member.Events <- event:
			reached++
		default:
			// Missed push; the member falls back to polling.
		}
	}

	s.publish(ctx, ticketID, ticketStatus, version, message)
	return reached
}

func (s *RealtimeService) publish(ctx context.Context, ticketID string, ticketStatus models.TicketStatus, version int64, message string) {
	if s.pubnub == nil {
		return
	}

	body := map[string]any{
		"type":      "ticket_status",
		"ticket_id": ticketID,
		"status":    string(ticketStatus),
		"version":   version,
	}
	if message != "" {
		body["message"] = message
	}

	_, err := s.breaker.Execute(ctx, func() (any, error) {
		_, pnStatus, err := s.pubnub.Publish().
			Channel(ChannelName(ticketID)).
			Message(body).
			Execute()
		if err != nil {
			return nil, err
		}
		if pnStatus.Error != nil {
			return nil, fmt.Errorf("pubnub publish status %d", pnStatus.StatusCode)
		}
		return nil, nil
	})
	if err != nil {
		slog.Warn("realtime publish failed", "ticket", ticketID, "error", err)
	}
}
