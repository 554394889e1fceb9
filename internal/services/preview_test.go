package services

import (
	"context"
	"strings"
	"testing"

	"qrauth/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTicketService_GetPreview_RedactsSensitiveKeys(t *testing.T) {
	service, mock := setupTicketService(t)
	defer mock.ClearExpect()

	ticket := pendingTicket("verifier-a")
	ticket.Payload = map[string]any{
		"display_name": "ACME Dashboard",
		"api_token":    "sk-very-secret",
		"password":     "hunter2",
		"nested": map[string]any{
			"client_secret": "also-secret",
			"region":        "eu-west-1",
		},
	}
	mock.ExpectGet("TICKET:tk-1").SetVal(storedTicket(t, ticket))

	preview, err := service.GetPreview(context.Background(), "tk-1")

	require.NoError(t, err)
	assert.Equal(t, "tk-1", preview.TicketID)
	assert.Equal(t, models.ActionLogin, preview.ActionType)
	assert.Equal(t, "ACME Dashboard", preview.Payload["display_name"])
	assert.Equal(t, "[REDACTED]", preview.Payload["api_token"])
	assert.Equal(t, "[REDACTED]", preview.Payload["password"])

	nested, ok := preview.Payload["nested"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "[REDACTED]", nested["client_secret"])
	assert.Equal(t, "eu-west-1", nested["region"])
}

func TestSanitizeValue_CapsStringsAndArrays(t *testing.T) {
	long := strings.Repeat("x", 200)
	capped, ok := sanitizeValue(long, 2).(string)
	require.True(t, ok)
	assert.Len(t, []rune(capped), 65)
	assert.True(t, strings.HasSuffix(capped, "…"))

	items := make([]any, 25)
	for i := range items {
		items[i] = i
	}
	arr, ok := sanitizeValue(items, 2).([]any)
	require.True(t, ok)
	assert.Len(t, arr, 10)
}

func TestSanitizeMap_DepthCap(t *testing.T) {
	deep := map[string]any{
		"a": map[string]any{
			"b": map[string]any{
				"c": map[string]any{
					"d": "too deep",
				},
			},
		},
	}

	out := sanitizeMap(deep, previewMaxDepth)

	level1 := out["a"].(map[string]any)
	level2 := level1["b"].(map[string]any)
	level3 := level2["c"].(map[string]any)
	assert.Empty(t, level3)
}
