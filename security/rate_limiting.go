package security

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"qrauth/internal/store"
	"qrauth/monitoring"

	"github.com/pocketbase/pocketbase/core"
	"github.com/redis/go-redis/v9"
)

// Endpoint classes with independently configured ceilings.
const (
	ClassCreateTicket = "create"
	ClassExchange     = "exchange"
	ClassGeneric      = "generic"
)

// Poll endpoint classes. Both use the per-(ip, ticket) marker
// mechanism but are keyed separately: a short poll must not burn the
// long-poll budget or vice versa.
const (
	ClassShortPoll = "poll"
	ClassLongPoll  = "wait"
)

type RateLimiter struct {
	redis  *redis.Client
	window time.Duration

	// per-class request ceilings within one window
	limits map[string]int

	// per-(ip, ticket) marker lifetime for poll endpoints
	pollMarkerTTL time.Duration
}

type RateLimitResult struct {
	Allowed   bool
	Remaining int
	Reset     time.Time
}

func NewRateLimiter(redisClient *redis.Client, window time.Duration, limits map[string]int, pollMarkerTTL time.Duration) *RateLimiter {
	return &RateLimiter{
		redis:         redisClient,
		window:        window,
		limits:        limits,
		pollMarkerTTL: pollMarkerTTL,
	}
}

// Allow counts a request against the (class, ip) window. Store failures
// fail open: protocol availability wins over strict quota enforcement.
func (r *RateLimiter) Allow(ctx context.Context, class, ip string) *RateLimitResult {
	limit, ok := r.limits[class]
	if !ok {
		limit = r.limits[ClassGeneric]
	}

	key := fmt.Sprintf("%s%s:%s", store.RateLimitPrefix, class, ip)

	count, err := r.redis.Incr(ctx, key).Result()
	if err != nil {
		slog.Warn("rate limiter store failure, allowing request", "class", class, "error", err)
		return &RateLimitResult{Allowed: true, Remaining: limit, Reset: time.Now().Add(r.window)}
	}

	if count == 1 {
		if err := r.redis.Expire(ctx, key, r.window).Err(); err != nil {
			slog.Warn("rate limiter expire failure", "class", class, "error", err)
		}
	}

	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}

	return &RateLimitResult{
		Allowed:   count <= int64(limit),
		Remaining: remaining,
		Reset:     time.Now().Add(r.window),
	}
}

// AllowPoll enforces the tighter per-(class, ip, ticket) poll window
// with a conditional write instead of a counter: the SetNX marker
// admits one request per marker lifetime. Fails open on store errors.
func (r *RateLimiter) AllowPoll(ctx context.Context, class, ip, ticketID string) *RateLimitResult {
	key := fmt.Sprintf("%s%s:%s:%s", store.RateLimitPrefix, class, ip, ticketID)

	ok, err := r.redis.SetNX(ctx, key, 1, r.pollMarkerTTL).Result()
	if err != nil {
		slog.Warn("poll rate limiter store failure, allowing request", "error", err)
		return &RateLimitResult{Allowed: true, Remaining: 1, Reset: time.Now().Add(r.pollMarkerTTL)}
	}

	remaining := 0
	if ok {
		remaining = 1
	}

	return &RateLimitResult{
		Allowed:   ok,
		Remaining: remaining,
		Reset:     time.Now().Add(r.pollMarkerTTL),
	}
}

// Middleware gates a route behind the (class, ip) window and writes the
// quota response headers.
func (r *RateLimiter) Middleware(class string) func(e *core.RequestEvent) error {
	return func(e *core.RequestEvent) error {
		result := r.Allow(e.Request.Context(), class, e.RealIP())

		e.Response.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
		e.Response.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.Reset.Unix(), 10))

		if !result.Allowed {
			monitoring.TrackRateLimited(class)
			e.Response.Header().Set("Retry-After", strconv.Itoa(int(time.Until(result.Reset).Seconds())+1))
			return e.JSON(http.StatusTooManyRequests, map[string]string{
				"error": "Rate limit exceeded. Please try again later.",
			})
		}

		return e.Next()
	}
}

// PollMiddleware gates a poll route behind the per-(class, ip, ticket)
// marker. Long poll parks a dedicated pub/sub connection per call, so
// it is gated under its own marker class just like short poll.
func (r *RateLimiter) PollMiddleware(class string) func(e *core.RequestEvent) error {
	return func(e *core.RequestEvent) error {
		ticketID := e.Request.PathValue("ticketId")
		result := r.AllowPoll(e.Request.Context(), class, e.RealIP(), ticketID)

		if !result.Allowed {
			monitoring.TrackRateLimited(class)
			e.Response.Header().Set("Retry-After", strconv.Itoa(int(time.Until(result.Reset).Seconds())+1))
			return e.JSON(http.StatusTooManyRequests, map[string]string{
				"error": "Polling too fast. Please slow down.",
			})
		}

		return e.Next()
	}
}
