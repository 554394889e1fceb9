package monitoring

import (
	"context"
	"encoding/json"
	"runtime"
	"time"

	"qrauth/internal/store"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
)

var (
	ticketOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ticket_operations_total",
			Help: "Ticket state machine operations",
		},
		[]string{"operation", "action_type", "result"},
	)

	ticketsByStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tickets_by_status",
			Help: "Live tickets per status",
		},
		[]string{"status"},
	)

	exchangeTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grant_exchange_total",
			Help: "Grant and delivery code exchange attempts",
		},
		[]string{"mechanism", "result"},
	)

	longPollWaiters = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "long_poll_waiters",
			Help: "Long-poll calls currently held open",
		},
	)

	rateLimitedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limited_total",
			Help: "Requests rejected by the rate limiter",
		},
		[]string{"class"},
	)

	goroutineCount = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "active_goroutines_total",
			Help: "Current number of active goroutines",
		},
	)
)

// WaiterCounter reports how many long-poll calls are parked.
type WaiterCounter interface {
	Waiters() int64
}

type Monitor struct {
	redis   *redis.Client
	store   *store.Store
	waiters WaiterCounter
}

func NewMonitor(redisClient *redis.Client, st *store.Store, waiters WaiterCounter) *Monitor {
	monitor := &Monitor{redis: redisClient, store: st, waiters: waiters}

	go monitor.collectMetrics()

	return monitor
}

func (m *Monitor) collectMetrics() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for range ticker.C {
		ctx := context.Background()

		m.collectTicketMetrics(ctx)
		m.collectRuntimeMetrics()
	}
}

func (m *Monitor) collectTicketMetrics(ctx context.Context) {
	keys, err := m.store.ScanPattern(ctx, store.TicketKeyPrefix+"*")
	if err != nil {
		return
	}

	counts := map[string]int{}
	for _, key := range keys {
		data, err := m.redis.Get(ctx, key).Result()
		if err != nil {
			continue
		}
		var partial struct {
			Status string `json:"status"`
		}
		if err := json.Unmarshal([]byte(data), &partial); err != nil {
			continue
		}
		counts[partial.Status]++
	}

	ticketsByStatus.Reset()
	for ticketStatus, count := range counts {
		ticketsByStatus.WithLabelValues(ticketStatus).Set(float64(count))
	}

	if m.waiters != nil {
		longPollWaiters.Set(float64(m.waiters.Waiters()))
	}
}

func (m *Monitor) collectRuntimeMetrics() {
	goroutineCount.Set(float64(runtime.NumGoroutine()))
}

// TrackTicketOperation counts one state machine operation.
func (m *Monitor) TrackTicketOperation(operation, actionType, result string) {
	ticketOperations.WithLabelValues(operation, actionType, result).Inc()
}

// TrackExchange counts a grant or delivery exchange attempt.
func (m *Monitor) TrackExchange(mechanism, result string) {
	exchangeTotal.WithLabelValues(mechanism, result).Inc()
}

// TrackRateLimited counts a rejected request per endpoint class.
// Package level so the rate limiter can report without holding a
// Monitor.
func TrackRateLimited(class string) {
	rateLimitedTotal.WithLabelValues(class).Inc()
}
