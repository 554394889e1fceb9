package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"qrauth/config"
	"qrauth/internal/status"
	"qrauth/internal/store"
	"qrauth/models"
	"qrauth/utils"

	"github.com/redis/go-redis/v9"
)

// Subscription is a scoped handle on a per-ticket change channel. The
// owner must Close it on every exit path of a wait; a leaked
// subscription is a correctness bug, not just a performance one.
type Subscription interface {
	Events() <-chan *models.StatusEvent
	Close()
}

// SubscribeFunc opens a dedicated subscription for one ticket. The
// default implementation rides the Redis pub/sub channel; tests swap in
// an in-memory one.
type SubscribeFunc func(ctx context.Context, ticketID string) Subscription

// PollingService produces versioned snapshots for short poll, parks
// long-poll waiters on the per-ticket pub/sub channel, and owns the
// delivery-code records of the poll delivery model.
type PollingService struct {
	Store   *store.Store
	Tickets *TicketService
	Config  *config.Config

	subscribe SubscribeFunc
	waiters   int64
}

func NewPollingService(st *store.Store, tickets *TicketService, cfg *config.Config) *PollingService {
	service := &PollingService{
		Store:   st,
		Tickets: tickets,
		Config:  cfg,
	}
	service.subscribe = service.redisSubscribe
	return service
}

// Waiters reports the number of currently parked long-poll calls.
func (s *PollingService) Waiters() int64 {
	return atomic.LoadInt64(&s.waiters)
}

// ReadSnapshot returns the current versioned snapshot, lazily expiring
// the underlying ticket.
func (s *PollingService) ReadSnapshot(ctx context.Context, ticketID string) (*models.Snapshot, error) {
	ticket, err := s.Tickets.Get(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	return ticket.Snapshot(), nil
}

// ShortPollResult carries either a fresh snapshot or a not-modified
// marker plus the suggested delay before the next poll.
type ShortPollResult struct {
	NotModified   bool
	Snapshot      *models.Snapshot
	ETag          string
	NextPollAfter time.Duration
}

func (s *PollingService) ShortPoll(ctx context.Context, ticketID, clientETag string) (*ShortPollResult, error) {
	snapshot, err := s.ReadSnapshot(ctx, ticketID)
	if err != nil {
		return nil, err
	}

	result := &ShortPollResult{
		Snapshot:      snapshot,
		ETag:          snapshot.ETag(),
		NextPollAfter: s.Config.ShortPollInterval,
	}
	result.NotModified = clientETag != "" && clientETag == result.ETag
	return result, nil
}

// LongPoll holds the call open until the ticket's version exceeds
// sinceVersion or the configured timeout elapses, whichever is first.
// On timeout it returns the current snapshot, never an error. All exit
// paths, including cancellation, converge on the deferred subscription
// release. A stalled pub/sub channel degrades to the timeout path.
func (s *PollingService) LongPoll(ctx context.Context, ticketID string, sinceVersion int64) (*models.Snapshot, error) {
	snapshot, err := s.ReadSnapshot(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	if snapshot.Version > sinceVersion {
		return snapshot, nil
	}

	// Subscribe before the re-read so a bump between the two cannot be
	// missed.
	subscription := s.subscribe(ctx, ticketID)
	defer subscription.Close()

	atomic.AddInt64(&s.waiters, 1)
	defer atomic.AddInt64(&s.waiters, -1)

	snapshot, err = s.ReadSnapshot(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	if snapshot.Version > sinceVersion {
		return snapshot, nil
	}

	timer := time.NewTimer(s.Config.LongPollTimeout)
	defer timer.Stop()

	events := subscription.Events()
	for {
		select {
		case event, ok := <-events:
			if !ok {
				// Channel failure: fall back to waiting out the timer
				// instead of surfacing a transport error.
				events = nil
				continue
			}
			if event.Version <= sinceVersion {
				continue
			}
			return s.ReadSnapshot(ctx, ticketID)

		case <-timer.C:
			return s.ReadSnapshot(ctx, ticketID)

		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// NotifyStatusChange publishes the event on the per-ticket channel.
// Fire and forget: a failed publish never blocks the state transition
// that triggered it.
func (s *PollingService) NotifyStatusChange(ctx context.Context, event *models.StatusEvent) {
	if err := s.Store.PublishStatus(ctx, event); err != nil {
		slog.Warn("status publish failed", "ticket", event.TicketID, "error", err)
	}
}

// IssueDeliveryCode creates the poll-model one-time code for a freshly
// approved ticket. Called by the ticket service; this service is the
// sole writer of delivery records.
func (s *PollingService) IssueDeliveryCode(ctx context.Context, ticket *models.Ticket) (*models.DeliveryCode, error) {
	code, err := utils.GenerateCode(16)
	if err != nil {
		return nil, fmt.Errorf("generate delivery code: %w", err)
	}

	now := time.Now()
	delivery := &models.DeliveryCode{
		Code:         code,
		TicketID:     ticket.ID,
		WebSessionID: ticket.WebSessionID,
		CreatedAt:    now,
		ExpiresAt:    now.Add(s.Config.DeliveryTTL),
	}

	if err := s.Store.PutDelivery(ctx, delivery, s.Config.DeliveryTTL); err != nil {
		return nil, err
	}
	return delivery, nil
}

// TryGetDelivery returns the pending delivery code, but only to the web
// session recorded at ticket creation. Reads are idempotent; a poller
// may call this many times before consuming.
func (s *PollingService) TryGetDelivery(ctx context.Context, ticketID, webSessionID string) (*models.DeliveryCode, error) {
	delivery, err := s.Store.GetDelivery(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	if delivery.Expired(time.Now()) {
		return nil, status.ErrDeliveryNotFound
	}
	if delivery.WebSessionID != "" && delivery.WebSessionID != webSessionID {
		return nil, status.ErrSessionMismatch
	}
	return delivery, nil
}

// ValidateAndConsume burns the delivery code. At most one call ever
// succeeds; the ticket moves to USED on that call.
func (s *PollingService) ValidateAndConsume(ctx context.Context, ticketID, code string) (*models.DeliveryCode, error) {
	delivery, err := s.Store.ConsumeDelivery(ctx, ticketID, code)
	if err != nil {
		return nil, err
	}
	if delivery.Expired(time.Now()) {
		return nil, status.ErrDeliveryNotFound
	}

	s.Tickets.MarkUsed(ctx, ticketID)
	return delivery, nil
}

// redisSubscribe opens a dedicated Redis pub/sub handle for one ticket
// and pumps decoded events until closed.
func (s *PollingService) redisSubscribe(ctx context.Context, ticketID string) Subscription {
	pubsub := s.Store.Subscribe(ctx, ticketID)
	subscription := &redisSubscription{
		pubsub: pubsub,
		events: make(chan *models.StatusEvent, 4),
	}
	go subscription.pump()
	return subscription
}

type redisSubscription struct {
	pubsub *redis.PubSub
	events chan *models.StatusEvent
}

func (r *redisSubscription) pump() {
	defer close(r.events)
	for msg := range r.pubsub.Channel() {
		var event models.StatusEvent
		if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
			slog.Warn("malformed status event", "channel", msg.Channel, "error", err)
			continue
		}
		select {
		case r.events <- &event:
		default:
			// Slow waiter; it re-reads the snapshot on wake anyway.
		}
	}
}

func (r *redisSubscription) Events() <-chan *models.StatusEvent { return r.events }

func (r *redisSubscription) Close() {
	if err := r.pubsub.Close(); err != nil {
		slog.Warn("subscription close failed", "error", err)
	}
}
