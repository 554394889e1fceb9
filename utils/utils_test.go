package utils

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Random code tests

func TestGenerateCode(t *testing.T) {
	code1, err := GenerateCode(16)
	require.NoError(t, err)

	code2, err := GenerateCode(16)
	require.NoError(t, err)

	assert.Len(t, code1, 32) // hex doubles the byte count
	assert.NotEqual(t, code1, code2)
	assert.Regexp(t, "^[0-9A-F]+$", code1)
}

func TestGenerateToken(t *testing.T) {
	token1, err := GenerateToken(24)
	require.NoError(t, err)

	token2, err := GenerateToken(24)
	require.NoError(t, err)

	assert.Len(t, token1, 32) // 24 bytes -> 32 chars of unpadded base64url
	assert.NotEqual(t, token1, token2)
	assert.NotContains(t, token1, "=")
}

func TestEncodeQRBase64(t *testing.T) {
	encoded, err := EncodeQRBase64("qrauth://approve?tid=abc&challenge=xyz", 256)
	require.NoError(t, err)

	png, err := base64.StdEncoding.DecodeString(encoded)
	require.NoError(t, err)
	assert.Equal(t, []byte("\x89PNG"), png[:4])
}

// Circuit breaker tests

func TestCircuitBreaker_ExecuteSuccess(t *testing.T) {
	cb := NewCircuitBreaker("test")

	result, err := cb.Execute(context.Background(), func() (any, error) {
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, StateClosed, cb.state)
	assert.Equal(t, uint32(1), cb.counts.TotalSuccesses)
}

func TestCircuitBreaker_ExecuteFailure(t *testing.T) {
	cb := NewCircuitBreaker("test")

	expected := errors.New("publish failed")
	_, err := cb.Execute(context.Background(), func() (any, error) {
		return nil, expected
	})

	assert.Equal(t, expected, err)
	assert.Equal(t, uint32(1), cb.counts.TotalFailures)
}

func TestCircuitBreaker_OpensUnderSustainedFailure(t *testing.T) {
	cb := NewCircuitBreaker("test")
	cb.maxRequests = 5
	cb.failureRatio = 0.6

	for i := 0; i < 6; i++ {
		cb.Execute(context.Background(), func() (any, error) {
			return nil, errors.New("down")
		})
	}

	assert.Equal(t, StateOpen, cb.State())

	_, err := cb.Execute(context.Background(), func() (any, error) {
		t.Fatal("must not execute while open")
		return nil, nil
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "is open")
}

func TestCircuitBreaker_RecoversAfterTimeout(t *testing.T) {
	cb := NewCircuitBreaker("test")
	cb.maxRequests = 2
	cb.failureRatio = 0.5
	cb.timeout = 50 * time.Millisecond

	for i := 0; i < 3; i++ {
		cb.Execute(context.Background(), func() (any, error) {
			return nil, errors.New("down")
		})
	}
	require.Equal(t, StateOpen, cb.state)

	time.Sleep(80 * time.Millisecond)

	_, err := cb.Execute(context.Background(), func() (any, error) {
		return "recovered", nil
	})
	require.NoError(t, err)
	assert.Equal(t, StateClosed, cb.state)
}

// Redis client tests

func TestRedisHealthCheck_Success(t *testing.T) {
	db, mock := redismock.NewClientMock()

	mock.ExpectPing().SetVal("PONG")

	assert.NoError(t, RedisHealthCheck(db))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisHealthCheck_Failure(t *testing.T) {
	db, mock := redismock.NewClientMock()

	mock.ExpectPing().SetErr(errors.New("connection refused"))

	err := RedisHealthCheck(db)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis health check failed")
	assert.NoError(t, mock.ExpectationsWereMet())
}
