package cockroach

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	apperrors "callsession-backend/pkg/errors"
)

// ConversationRepository reads conversation membership owned by the messaging service
type ConversationRepository struct {
	pool *pgxpool.Pool
}

// NewConversationRepository creates a new conversation repository
func NewConversationRepository(pool *pgxpool.Pool) *ConversationRepository {
	return &ConversationRepository{pool: pool}
}

// GetParticipants retrieves all members of a conversation in join order.
// A conversation with no members is reported as not found.
func (r *ConversationRepository) GetParticipants(ctx context.Context, conversationID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT user_id FROM conversation_participants
		WHERE conversation_id = $1
		ORDER BY joined_at ASC
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to get participants: %w", err)
	}
	defer rows.Close()

	var participants []uuid.UUID
	for rows.Next() {
		var userID uuid.UUID
		if err := rows.Scan(&userID); err != nil {
			return nil, fmt.Errorf("failed to scan participant: %w", err)
		}
		participants = append(participants, userID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read participants: %w", err)
	}
	if len(participants) == 0 {
		return nil, apperrors.NotFoundError("Conversation")
	}

	return participants, nil
}
