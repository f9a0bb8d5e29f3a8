package middleware

import (
	"context"
	"fmt"

	"callsession-backend/internal/database"
	"callsession-backend/pkg/jwt"
)

// RedisRevocationChecker implements RevocationChecker against the auth
// service's Redis blacklist
type RedisRevocationChecker struct {
	client *database.RedisClient
}

// NewRedisRevocationChecker creates a new RedisRevocationChecker
func NewRedisRevocationChecker(client *database.RedisClient) *RedisRevocationChecker {
	return &RedisRevocationChecker{client: client}
}

// BlacklistKey is the key the auth service writes for a revoked jti
func BlacklistKey(tokenID string) string {
	return "blacklist:" + tokenID
}

// IsTokenRevoked checks if a token is in the Redis blacklist
func (r *RedisRevocationChecker) IsTokenRevoked(ctx context.Context, tokenString string) (bool, error) {
	id, err := jwt.TokenID(tokenString)
	if err != nil {
		return false, err
	}
	if id == "" {
		return false, nil
	}

	exists, err := r.client.SafeExists(ctx, BlacklistKey(id)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check blacklist in redis: %w", err)
	}
	return exists > 0, nil
}
