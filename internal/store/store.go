package store

import (
	"context"
	"encoding/json"
	"fmt"

	"qrauth/internal/status"
	"qrauth/models"
	"time"

	"github.com/redis/go-redis/v9"
)

// Key namespaces. All records live in one Redis instance so ticket,
// grant and delivery operations are totally ordered without
// cross-service locking.
const (
	TicketKeyPrefix   = "TICKET:"
	GrantKeyPrefix    = "GRANT:"
	DeliveryKeyPrefix = "DELIVERY:"
	ChannelPrefix     = "STATUS_CHANNEL:"
	RateLimitPrefix   = "RATE_LIMIT:"
)

func TicketKey(ticketID string) string   { return TicketKeyPrefix + ticketID }
func GrantKey(token string) string       { return GrantKeyPrefix + token }
func DeliveryKey(ticketID string) string { return DeliveryKeyPrefix + ticketID }
func ChannelName(ticketID string) string { return ChannelPrefix + ticketID }

// CompareAndSwapScript replaces a ticket record only when the stored
// version still matches the version the caller read. Returns 1 on
// success, 0 when the key is gone, -1 on a version conflict.
const CompareAndSwapScript = `
local cur = redis.call("GET", KEYS[1])
if not cur then
  return 0
end
local rec = cjson.decode(cur)
if tonumber(rec.version) ~= tonumber(ARGV[1]) then
  return -1
end
redis.call("SET", KEYS[1], ARGV[2], "KEEPTTL")
return 1
`

// ConsumeDeliveryScript deletes a delivery record only when the stored
// code matches, returning the record on success. A mismatched code must
// not burn the record.
const ConsumeDeliveryScript = `
local cur = redis.call("GET", KEYS[1])
if not cur then
  return ""
end
local rec = cjson.decode(cur)
if rec.delivery_code ~= ARGV[1] then
  return ""
end
redis.call("DEL", KEYS[1])
return cur
`

// Store is the shared ticket/grant/delivery key-value layer. It owns
// serialization and key layout; state machine rules live in the
// services on top of it.
type Store struct {
	Redis *redis.Client
}

func New(redisClient *redis.Client) *Store {
	return &Store{Redis: redisClient}
}

func (s *Store) GetTicket(ctx context.Context, ticketID string) (*models.Ticket, error) {
	data, err := s.Redis.Get(ctx, TicketKey(ticketID)).Result()
	if err == redis.Nil {
		return nil, status.ErrTicketNotFound
	} else if err != nil {
		return nil, fmt.Errorf("get ticket: %w", err)
	}

	var ticket models.Ticket
	if err := json.Unmarshal([]byte(data), &ticket); err != nil {
		return nil, fmt.Errorf("decode ticket %s: %w", ticketID, err)
	}
	return &ticket, nil
}

// PutTicketNX persists a freshly created ticket. The conditional write
// guards against an id collision overwriting a live ticket.
func (s *Store) PutTicketNX(ctx context.Context, ticket *models.Ticket, ttl time.Duration) error {
	data, err := json.Marshal(ticket)
	if err != nil {
		return err
	}

	ok, err := s.Redis.SetNX(ctx, TicketKey(ticket.ID), data, ttl).Result()
	if err != nil {
		return fmt.Errorf("put ticket: %w", err)
	}
	if !ok {
		return fmt.Errorf("ticket id collision on %s", ticket.ID)
	}
	return nil
}

// SwapTicket writes back a mutated ticket, conditioned on the version
// the caller read. The key TTL is preserved.
func (s *Store) SwapTicket(ctx context.Context, ticket *models.Ticket, readVersion int64) error {
	data, err := json.Marshal(ticket)
	if err != nil {
		return err
	}

	res, err := s.Redis.Eval(ctx, CompareAndSwapScript,
		[]string{TicketKey(ticket.ID)}, readVersion, string(data)).Int64()
	if err != nil {
		return fmt.Errorf("swap ticket: %w", err)
	}

	switch res {
	case 1:
		return nil
	case 0:
		return status.ErrTicketNotFound
	default:
		return status.ErrVersionConflict
	}
}

func (s *Store) PutGrant(ctx context.Context, grant *models.Grant, ttl time.Duration) error {
	data, err := json.Marshal(grant)
	if err != nil {
		return err
	}

	ok, err := s.Redis.SetNX(ctx, GrantKey(grant.Token), data, ttl).Result()
	if err != nil {
		return fmt.Errorf("put grant: %w", err)
	}
	if !ok {
		return fmt.Errorf("grant token collision")
	}
	return nil
}

// ConsumeGrant atomically fetches and deletes a grant. The single
// GETDEL makes consumption linearizable: at most one caller ever sees
// the record.
func (s *Store) ConsumeGrant(ctx context.Context, token string) (*models.Grant, error) {
	data, err := s.Redis.GetDel(ctx, GrantKey(token)).Result()
	if err == redis.Nil {
		return nil, status.ErrGrantNotFound
	} else if err != nil {
		return nil, fmt.Errorf("consume grant: %w", err)
	}

	var grant models.Grant
	if err := json.Unmarshal([]byte(data), &grant); err != nil {
		return nil, fmt.Errorf("decode grant: %w", err)
	}
	return &grant, nil
}

func (s *Store) PutDelivery(ctx context.Context, delivery *models.DeliveryCode, ttl time.Duration) error {
	data, err := json.Marshal(delivery)
	if err != nil {
		return err
	}

	ok, err := s.Redis.SetNX(ctx, DeliveryKey(delivery.TicketID), data, ttl).Result()
	if err != nil {
		return fmt.Errorf("put delivery: %w", err)
	}
	if !ok {
		return fmt.Errorf("delivery code already issued for ticket %s", delivery.TicketID)
	}
	return nil
}

func (s *Store) GetDelivery(ctx context.Context, ticketID string) (*models.DeliveryCode, error) {
	data, err := s.Redis.Get(ctx, DeliveryKey(ticketID)).Result()
	if err == redis.Nil {
		return nil, status.ErrDeliveryNotFound
	} else if err != nil {
		return nil, fmt.Errorf("get delivery: %w", err)
	}

	var delivery models.DeliveryCode
	if err := json.Unmarshal([]byte(data), &delivery); err != nil {
		return nil, fmt.Errorf("decode delivery: %w", err)
	}
	return &delivery, nil
}

// ConsumeDelivery deletes the delivery record for ticketID only when
// code matches the stored one. A second call after a successful first
// one fails, as does any call with the wrong code.
func (s *Store) ConsumeDelivery(ctx context.Context, ticketID, code string) (*models.DeliveryCode, error) {
	data, err := s.Redis.Eval(ctx, ConsumeDeliveryScript,
		[]string{DeliveryKey(ticketID)}, code).Text()
	if err != nil {
		return nil, fmt.Errorf("consume delivery: %w", err)
	}
	if data == "" {
		return nil, status.ErrDeliveryNotFound
	}

	var delivery models.DeliveryCode
	if err := json.Unmarshal([]byte(data), &delivery); err != nil {
		return nil, fmt.Errorf("decode delivery: %w", err)
	}
	return &delivery, nil
}

// PublishStatus broadcasts a status change on the per-ticket channel.
// Fire-and-forget at the call sites: a failed publish is logged there,
// never allowed to unwind the transition that triggered it.
func (s *Store) PublishStatus(ctx context.Context, event *models.StatusEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return s.Redis.Publish(ctx, ChannelName(event.TicketID), data).Err()
}

// Subscribe opens a dedicated subscription handle on the per-ticket
// channel. The caller owns the handle and must Close it on every exit
// path of the wait.
func (s *Store) Subscribe(ctx context.Context, ticketID string) *redis.PubSub {
	return s.Redis.Subscribe(ctx, ChannelName(ticketID))
}

// ScanPattern collects keys matching pattern with a cursor scan, used
// by the stats and metrics collectors.
func (s *Store) ScanPattern(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	var cursor uint64

	for {
		batch, next, err := s.Redis.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", pattern, err)
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			return keys, nil
		}
	}
}
