package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"callsession-backend/internal/database"
	"callsession-backend/internal/domain"
	"callsession-backend/pkg/constants"
)

// HistoryMessageType tags call history entries on the messaging channels
const HistoryMessageType = "call_history"

// historyMessage is the envelope the messaging service consumes from chat:<conversation>
type historyMessage struct {
	Type string              `json:"type"`
	Data *domain.CallHistory `json:"data"`
}

// HistoryPublisher hands finalized calls to the messaging service over Redis pub/sub
type HistoryPublisher struct {
	client *database.RedisClient
}

// NewHistoryPublisher creates a new HistoryPublisher
func NewHistoryPublisher(client *database.RedisClient) *HistoryPublisher {
	return &HistoryPublisher{client: client}
}

// HistoryChannel returns the conversation channel history is published on
func HistoryChannel(conversationID uuid.UUID) string {
	return constants.HistoryChannelPrefix + conversationID.String()
}

// EncodeHistory builds the published message body
func EncodeHistory(history *domain.CallHistory) ([]byte, error) {
	return json.Marshal(historyMessage{Type: HistoryMessageType, Data: history})
}

// Publish sends one history entry to the conversation channel
func (p *HistoryPublisher) Publish(ctx context.Context, history *domain.CallHistory) error {
	body, err := EncodeHistory(history)
	if err != nil {
		return fmt.Errorf("failed to encode call history: %w", err)
	}

	if err := p.client.SafePublish(ctx, HistoryChannel(history.ConversationID), body).Err(); err != nil {
		return fmt.Errorf("failed to publish call history: %w", err)
	}
	return nil
}
