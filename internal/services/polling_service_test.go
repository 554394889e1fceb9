package services

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"qrauth/internal/actions"
	"qrauth/internal/status"
	"qrauth/internal/store"
	"qrauth/models"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSubscription replaces the Redis pub/sub handle so long-poll wake
// behavior can be driven deterministically.
type fakeSubscription struct {
	events chan *models.StatusEvent

	mu     sync.Mutex
	closed bool
}

func newFakeSubscription() *fakeSubscription {
	return &fakeSubscription{events: make(chan *models.StatusEvent, 4)}
}

func (f *fakeSubscription) Events() <-chan *models.StatusEvent { return f.events }

func (f *fakeSubscription) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.events)
	}
}

func (f *fakeSubscription) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func setupPollingService(t *testing.T) (*PollingService, redismock.ClientMock, *fakeSubscription) {
	t.Helper()
	db, mock := redismock.NewClientMock()
	st := store.New(db)
	cfg := testConfig()
	cfg.LongPollTimeout = 150 * time.Millisecond
	cfg.ShortPollInterval = 2 * time.Second

	tickets := NewTicketService(st, actions.MustRegistry(actions.DefaultHandlers()), cfg)
	polling := NewPollingService(st, tickets, cfg)

	subscription := newFakeSubscription()
	polling.subscribe = func(ctx context.Context, ticketID string) Subscription {
		return subscription
	}
	return polling, mock, subscription
}

func expectTicketRead(t *testing.T, mock redismock.ClientMock, ticket *models.Ticket) {
	t.Helper()
	data, err := json.Marshal(ticket)
	require.NoError(t, err)
	mock.ExpectGet("TICKET:" + ticket.ID).SetVal(string(data))
}

func TestPollingService_ShortPoll_MatchingETag(t *testing.T) {
	polling, mock, _ := setupPollingService(t)
	defer mock.ClearExpect()

	ticket := pendingTicket("verifier-a")
	expectTicketRead(t, mock, ticket)

	result, err := polling.ShortPoll(context.Background(), "tk-1", "tk-1:1")

	require.NoError(t, err)
	assert.True(t, result.NotModified)
	assert.Equal(t, "tk-1:1", result.ETag)
	assert.Equal(t, 2*time.Second, result.NextPollAfter)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPollingService_ShortPoll_StaleETag(t *testing.T) {
	polling, mock, _ := setupPollingService(t)
	defer mock.ClearExpect()

	ticket := pendingTicket("verifier-a")
	ticket.Status = models.StatusScanned
	ticket.Version = 2
	expectTicketRead(t, mock, ticket)

	result, err := polling.ShortPoll(context.Background(), "tk-1", "tk-1:1")

	require.NoError(t, err)
	assert.False(t, result.NotModified)
	assert.Equal(t, "tk-1:2", result.ETag)
	assert.Equal(t, models.StatusScanned, result.Snapshot.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPollingService_LongPoll_FastPathWithoutSubscription(t *testing.T) {
	polling, mock, subscription := setupPollingService(t)
	defer mock.ClearExpect()

	ticket := pendingTicket("verifier-a")
	ticket.Status = models.StatusApproved
	ticket.Version = 3
	expectTicketRead(t, mock, ticket)

	snapshot, err := polling.LongPoll(context.Background(), "tk-1", 1)

	require.NoError(t, err)
	assert.Equal(t, int64(3), snapshot.Version)
	assert.False(t, subscription.Closed())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPollingService_LongPoll_WakesOnEvent(t *testing.T) {
	polling, mock, subscription := setupPollingService(t)
	defer mock.ClearExpect()

	pending := pendingTicket("verifier-a")
	approved := pendingTicket("verifier-a")
	approved.Status = models.StatusApproved
	approved.Version = 3

	// Initial read, post-subscribe re-read, post-event re-read.
	expectTicketRead(t, mock, pending)
	expectTicketRead(t, mock, pending)
	expectTicketRead(t, mock, approved)

	go func() {
		time.Sleep(20 * time.Millisecond)
		subscription.events <- &models.StatusEvent{TicketID: "tk-1", Status: models.StatusApproved, Version: 3}
	}()

	snapshot, err := polling.LongPoll(context.Background(), "tk-1", 1)

	require.NoError(t, err)
	assert.Equal(t, models.StatusApproved, snapshot.Status)
	assert.Equal(t, int64(3), snapshot.Version)
	assert.True(t, subscription.Closed())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPollingService_LongPoll_IgnoresStaleEvents(t *testing.T) {
	polling, mock, subscription := setupPollingService(t)
	defer mock.ClearExpect()

	pending := pendingTicket("verifier-a")
	expectTicketRead(t, mock, pending)
	expectTicketRead(t, mock, pending)
	// Timeout path re-reads once more.
	expectTicketRead(t, mock, pending)

	subscription.events <- &models.StatusEvent{TicketID: "tk-1", Status: models.StatusPending, Version: 1}

	snapshot, err := polling.LongPoll(context.Background(), "tk-1", 1)

	require.NoError(t, err)
	assert.Equal(t, int64(1), snapshot.Version)
	assert.True(t, subscription.Closed())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPollingService_LongPoll_TimeoutReturnsCurrentSnapshot(t *testing.T) {
	polling, mock, subscription := setupPollingService(t)
	defer mock.ClearExpect()

	pending := pendingTicket("verifier-a")
	expectTicketRead(t, mock, pending)
	expectTicketRead(t, mock, pending)
	expectTicketRead(t, mock, pending)

	start := time.Now()
	snapshot, err := polling.LongPoll(context.Background(), "tk-1", 1)

	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, snapshot.Status)
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
	assert.True(t, subscription.Closed())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPollingService_LongPoll_CancellationReleasesSubscription(t *testing.T) {
	polling, mock, subscription := setupPollingService(t)
	defer mock.ClearExpect()

	pending := pendingTicket("verifier-a")
	expectTicketRead(t, mock, pending)
	expectTicketRead(t, mock, pending)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := polling.LongPoll(ctx, "tk-1", 1)

	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, subscription.Closed())
	assert.Equal(t, int64(0), polling.Waiters())
}

func TestPollingService_LongPoll_ClosedChannelFallsBackToTimeout(t *testing.T) {
	polling, mock, subscription := setupPollingService(t)
	defer mock.ClearExpect()

	pending := pendingTicket("verifier-a")
	expectTicketRead(t, mock, pending)
	expectTicketRead(t, mock, pending)
	expectTicketRead(t, mock, pending)

	// Simulate a broken transport before the wait starts.
	subscription.Close()

	snapshot, err := polling.LongPoll(context.Background(), "tk-1", 1)

	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, snapshot.Status)
}

func TestPollingService_TryGetDelivery_SessionBound(t *testing.T) {
	polling, mock, _ := setupPollingService(t)
	defer mock.ClearExpect()

	now := time.Now()
	delivery := &models.DeliveryCode{
		Code:         "CODE1234",
		TicketID:     "tk-1",
		WebSessionID: "web-session-1",
		CreatedAt:    now,
		ExpiresAt:    now.Add(30 * time.Second),
	}
	data, err := json.Marshal(delivery)
	require.NoError(t, err)

	mock.ExpectGet("DELIVERY:tk-1").SetVal(string(data))
	mock.ExpectGet("DELIVERY:tk-1").SetVal(string(data))

	_, err = polling.TryGetDelivery(context.Background(), "tk-1", "someone-else")
	assert.ErrorIs(t, err, status.ErrSessionMismatch)

	got, err := polling.TryGetDelivery(context.Background(), "tk-1", "web-session-1")
	require.NoError(t, err)
	assert.Equal(t, "CODE1234", got.Code)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPollingService_TryGetDelivery_Expired(t *testing.T) {
	polling, mock, _ := setupPollingService(t)
	defer mock.ClearExpect()

	delivery := &models.DeliveryCode{
		Code:      "CODE1234",
		TicketID:  "tk-1",
		CreatedAt: time.Now().Add(-2 * time.Minute),
		ExpiresAt: time.Now().Add(-time.Minute),
	}
	data, err := json.Marshal(delivery)
	require.NoError(t, err)

	mock.ExpectGet("DELIVERY:tk-1").SetVal(string(data))

	_, err = polling.TryGetDelivery(context.Background(), "tk-1", "")

	assert.ErrorIs(t, err, status.ErrDeliveryNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPollingService_ValidateAndConsume_MarksTicketUsed(t *testing.T) {
	polling, mock, _ := setupPollingService(t)
	defer mock.ClearExpect()

	now := time.Now()
	delivery := &models.DeliveryCode{
		Code:      "CODE1234",
		TicketID:  "tk-1",
		CreatedAt: now,
		ExpiresAt: now.Add(30 * time.Second),
	}
	data, err := json.Marshal(delivery)
	require.NoError(t, err)

	approvedAt := now
	approved := pendingTicket("verifier-a")
	approved.Status = models.StatusApproved
	approved.ApprovedBy = "mobile-user"
	approved.ApprovedAt = &approvedAt
	approved.Version = 3

	mock.ExpectEval(store.ConsumeDeliveryScript,
		[]string{"DELIVERY:tk-1"}, "CODE1234").SetVal(string(data))
	expectTicketRead(t, mock, approved)
	mock.CustomMatch(matchAnyArgs).
		ExpectEval(store.CompareAndSwapScript, []string{"TICKET:tk-1"}, nil, nil).
		SetVal(int64(1))

	got, err := polling.ValidateAndConsume(context.Background(), "tk-1", "CODE1234")

	require.NoError(t, err)
	assert.Equal(t, "CODE1234", got.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPollingService_ValidateAndConsume_WrongCode(t *testing.T) {
	polling, mock, _ := setupPollingService(t)
	defer mock.ClearExpect()

	mock.ExpectEval(store.ConsumeDeliveryScript,
		[]string{"DELIVERY:tk-1"}, "WRONG").SetVal("")

	_, err := polling.ValidateAndConsume(context.Background(), "tk-1", "WRONG")

	assert.ErrorIs(t, err, status.ErrDeliveryNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}
