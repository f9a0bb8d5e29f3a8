package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"callsession-backend/internal/database"
)

// PresenceTTL is how long a push channel presence survives without a refresh
const PresenceTTL = 5 * time.Minute

// PresenceRepository records which users hold an open push channel. The
// keys are read by the messaging service to choose between live delivery
// and offline push; this service only writes them.
type PresenceRepository struct {
	client *database.RedisClient
}

// NewPresenceRepository creates a new PresenceRepository
func NewPresenceRepository(client *database.RedisClient) *PresenceRepository {
	return &PresenceRepository{client: client}
}

// PresenceKey is the key holding a user's presence
func PresenceKey(userID uuid.UUID) string {
	return fmt.Sprintf("callsvc:presence:%s", userID)
}

// SetUserOnline marks the user reachable on the push channel
func (r *PresenceRepository) SetUserOnline(ctx context.Context, userID uuid.UUID) error {
	if err := r.client.SafeSet(ctx, PresenceKey(userID), "online", PresenceTTL).Err(); err != nil {
		return fmt.Errorf("failed to set user online: %w", err)
	}
	return nil
}

// SetUserOffline clears the user's presence
func (r *PresenceRepository) SetUserOffline(ctx context.Context, userID uuid.UUID) error {
	if err := r.client.SafeDel(ctx, PresenceKey(userID)).Err(); err != nil {
		return fmt.Errorf("failed to delete presence: %w", err)
	}
	return nil
}

// RefreshPresence extends the presence TTL on heartbeat
func (r *PresenceRepository) RefreshPresence(ctx context.Context, userID uuid.UUID) error {
	if err := r.client.SafeExpire(ctx, PresenceKey(userID), PresenceTTL).Err(); err != nil {
		return fmt.Errorf("failed to refresh presence: %w", err)
	}
	return nil
}
