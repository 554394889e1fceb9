package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTicketStatus_Terminal(t *testing.T) {
	tests := []struct {
		status   TicketStatus
		terminal bool
	}{
		{StatusPending, false},
		{StatusScanned, false},
		{StatusApproved, false},
		{StatusRejected, true},
		{StatusExpired, true},
		{StatusUsed, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.terminal, tt.status.Terminal())
		})
	}
}

func TestActionType_Valid(t *testing.T) {
	for _, actionType := range ActionTypes {
		assert.True(t, actionType.Valid(), "expected %s to be valid", actionType)
	}
	assert.False(t, ActionType("TELEPORT").Valid())
	assert.False(t, ActionType("").Valid())
	assert.False(t, ActionType("login").Valid(), "action types are case sensitive")
}

func TestTicket_DeadlinePassed(t *testing.T) {
	now := time.Now()
	ticket := &Ticket{ExpiresAt: now.Add(time.Minute)}

	assert.False(t, ticket.DeadlinePassed(now))
	assert.False(t, ticket.DeadlinePassed(now.Add(time.Minute)))
	assert.True(t, ticket.DeadlinePassed(now.Add(time.Minute+time.Second)))
}

func TestTicket_SnapshotRoundTrip(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	scannedAt := now.Add(10 * time.Second)

	ticket := &Ticket{
		ID:            "tk-1",
		ActionType:    ActionLogin,
		Status:        StatusScanned,
		CodeChallenge: "challenge",
		WebSessionID:  "web-1",
		CreatedAt:     now,
		ExpiresAt:     now.Add(3 * time.Minute),
		ScannedBy:     "user-1",
		ScannedAt:     &scannedAt,
		Version:       2,
	}

	snapshot := ticket.Snapshot()

	assert.Equal(t, "tk-1", snapshot.TicketID)
	assert.Equal(t, StatusScanned, snapshot.Status)
	assert.Equal(t, int64(2), snapshot.Version)
	assert.Equal(t, &scannedAt, snapshot.ScannedAt)
	assert.Nil(t, snapshot.ApprovedAt)

	// The verifier challenge must never leak into polling responses.
	data, err := json.Marshal(snapshot)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "challenge")
}

func TestSnapshot_ETag(t *testing.T) {
	snapshot := &Snapshot{TicketID: "tk-1", Version: 7}
	assert.Equal(t, "tk-1:7", snapshot.ETag())

	snapshot.Version = 8
	assert.Equal(t, "tk-1:8", snapshot.ETag())
}

func TestTicket_JSONOmitsEmptyActors(t *testing.T) {
	ticket := &Ticket{
		ID:         "tk-1",
		ActionType: ActionPair,
		Status:     StatusPending,
		Version:    1,
	}

	data, err := json.Marshal(ticket)
	require.NoError(t, err)

	assert.NotContains(t, string(data), "scanned_by")
	assert.NotContains(t, string(data), "approved_by")
	assert.NotContains(t, string(data), "scanned_at")
}

func TestGrant_Expired(t *testing.T) {
	now := time.Now()
	grant := &Grant{ExpiresAt: now.Add(30 * time.Second)}

	assert.False(t, grant.Expired(now))
	assert.True(t, grant.Expired(now.Add(31*time.Second)))
}

func TestDeliveryCode_Expired(t *testing.T) {
	now := time.Now()
	delivery := &DeliveryCode{ExpiresAt: now.Add(30 * time.Second)}

	assert.False(t, delivery.Expired(now))
	assert.True(t, delivery.Expired(now.Add(31*time.Second)))
}

func TestStatusEvent_WireFormat(t *testing.T) {
	event := &StatusEvent{
		TicketID:  "tk-1",
		Status:    StatusApproved,
		Version:   3,
		Timestamp: 1700000000,
	}

	data, err := json.Marshal(event)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "tk-1", decoded["tid"])
	assert.Equal(t, "APPROVED", decoded["status"])
}
