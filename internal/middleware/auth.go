package middleware

import (
	"context"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"callsession-backend/pkg/jwt"
	"callsession-backend/pkg/logger"
	"callsession-backend/pkg/response"

	"go.uber.org/zap"
)

// RevocationChecker defines interface for checking if a token is revoked (blacklisted)
type RevocationChecker interface {
	IsTokenRevoked(ctx context.Context, tokenString string) (bool, error)
}

// AuthMiddleware validates the bearer token and sets user_id, username and role
// in the Gin context. Browsers cannot set headers on a WebSocket upgrade, so a
// token query parameter is accepted as a fallback. revocationChecker may be nil.
func AuthMiddleware(jwtManager *jwt.JWTManager, revocationChecker RevocationChecker) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString, ok := bearerToken(c)
		if !ok {
			response.Unauthorized(c, "Authorization header required")
			c.Abort()
			return
		}

		claims, err := jwtManager.ValidateToken(tokenString)
		if err != nil {
			if jwt.IsExpired(err) {
				response.Unauthorized(c, "Token has expired")
			} else {
				response.Unauthorized(c, "Invalid token")
			}
			c.Abort()
			return
		}

		if revocationChecker != nil {
			revoked, err := revocationChecker.IsTokenRevoked(c.Request.Context(), tokenString)
			if err != nil {
				// Fail open: the signature is already verified
				logger.FromContext(c.Request.Context()).Warn("Token revocation check failed",
					zap.Error(err))
			} else if revoked {
				response.Unauthorized(c, "Token revoked")
				c.Abort()
				return
			}
		}

		c.Set("user_id", claims.UserID)
		c.Set("username", claims.Username)
		c.Set("role", claims.Role)
		c.Next()
	}
}

func bearerToken(c *gin.Context) (string, bool) {
	if authHeader := c.GetHeader("Authorization"); authHeader != "" {
		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
			return "", false
		}
		return parts[1], true
	}
	if token := c.Query("token"); token != "" {
		return token, true
	}
	return "", false
}

// UserID returns the authenticated user set by AuthMiddleware
func UserID(c *gin.Context) (uuid.UUID, bool) {
	val, exists := c.Get("user_id")
	if !exists {
		return uuid.Nil, false
	}
	id, ok := val.(uuid.UUID)
	return id, ok && id != uuid.Nil
}
