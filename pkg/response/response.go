package response

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	apperrors "callsession-backend/pkg/errors"
	"callsession-backend/pkg/logger"

	"go.uber.org/zap"
)

// Response represents standard API response envelope
type Response struct {
	Success bool         `json:"success"`
	Data    interface{}  `json:"data,omitempty"`
	Error   *ErrorDetail `json:"error,omitempty"`
	Meta    Meta         `json:"meta"`
}

// ErrorDetail contains error information
type ErrorDetail struct {
	Code    string `json:"code"`    // Error code (e.g., "CALL_NOT_FOUND")
	Message string `json:"message"` // Human-readable error message
}

// Meta contains response metadata
type Meta struct {
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id,omitempty"`
}

// Success sends a successful response
func Success(c *gin.Context, statusCode int, data interface{}) {
	c.JSON(statusCode, Response{
		Success: true,
		Data:    data,
		Meta: Meta{
			Timestamp: time.Now().UTC(),
			RequestID: getRequestID(c),
		},
	})
}

// Error sends an error response
func Error(c *gin.Context, statusCode int, errorCode, errorMessage string) {
	c.JSON(statusCode, Response{
		Success: false,
		Error: &ErrorDetail{
			Code:    errorCode,
			Message: errorMessage,
		},
		Meta: Meta{
			Timestamp: time.Now().UTC(),
			RequestID: getRequestID(c),
		},
	})
}

// FromError maps an AppError (or any error) to an error response.
// Errors without an AppError in their chain are reported as 500 and logged.
func FromError(c *gin.Context, err error) {
	appErr := apperrors.GetAppError(err)
	status := appErr.StatusCode
	if status == 0 {
		status = http.StatusInternalServerError
	}
	if status >= http.StatusInternalServerError {
		logger.FromContext(c.Request.Context()).Error("Request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err))
	}
	Error(c, status, string(appErr.Code), appErr.Message)
}

// ValidationError sends a validation error response (400)
func ValidationError(c *gin.Context, message string) {
	Error(c, http.StatusBadRequest, string(apperrors.ErrCodeValidation), message)
}

// Unauthorized sends unauthorized error (401)
func Unauthorized(c *gin.Context, message string) {
	Error(c, http.StatusUnauthorized, string(apperrors.ErrCodeUnauthorized), message)
}

// NotFound sends not found error (404)
func NotFound(c *gin.Context, message string) {
	Error(c, http.StatusNotFound, string(apperrors.ErrCodeNotFound), message)
}

// InternalError sends internal server error (500)
func InternalError(c *gin.Context, message string) {
	Error(c, http.StatusInternalServerError, string(apperrors.ErrCodeInternal), message)
}

// getRequestID extracts request ID from context
func getRequestID(c *gin.Context) string {
	if requestID, exists := c.Get("request_id"); exists {
		if id, ok := requestID.(string); ok {
			return id
		}
	}
	return ""
}
