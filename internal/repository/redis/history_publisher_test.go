package redis

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"callsession-backend/internal/domain"
)

func TestHistoryChannel(t *testing.T) {
	id := uuid.MustParse("6f1c1a52-7c1e-4c55-9d0a-0f5d3c1b2a11")

	assert.Equal(t, "chat:6f1c1a52-7c1e-4c55-9d0a-0f5d3c1b2a11", HistoryChannel(id))
}

func TestEncodeHistory(t *testing.T) {
	started := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	ended := started.Add(30 * time.Second)
	history := &domain.CallHistory{
		CallID:         uuid.New(),
		ConversationID: uuid.New(),
		Type:           domain.CallTypeVideo,
		Status:         domain.HistoryRejected,
		Duration:       30,
		StartedAt:      &started,
		EndedAt:        &ended,
		InitiatorID:    uuid.New(),
	}

	body, err := EncodeHistory(history)
	require.NoError(t, err)

	var decoded struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(body, &decoded))
	assert.Equal(t, "call_history", decoded.Type)

	var data map[string]any
	require.NoError(t, json.Unmarshal(decoded.Data, &data))
	assert.Equal(t, history.CallID.String(), data["call_id"])
	assert.Equal(t, "REJECTED", data["status"])
	assert.Equal(t, float64(30), data["duration"])
	assert.Equal(t, "VIDEO", data["type"])
}
