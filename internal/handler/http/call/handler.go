package call

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"callsession-backend/internal/domain"
	"callsession-backend/internal/middleware"
	callsvc "callsession-backend/internal/service/call"
	"callsession-backend/pkg/pagination"
	"callsession-backend/pkg/response"
)

// Handler handles call HTTP requests
type Handler struct {
	callService *callsvc.Service
}

// NewHandler creates a new call handler
func NewHandler(callService *callsvc.Service) *Handler {
	return &Handler{callService: callService}
}

// RegisterRoutes mounts the call routes on an authenticated group
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	calls := rg.Group("/calls")
	calls.POST("/initiate", h.InitiateCall)
	calls.GET("/history", h.GetCallHistory)
	calls.GET("/:id", h.GetCall)
	calls.POST("/:id/answer", h.AnswerCall)
	calls.POST("/:id/reject", h.RejectCall)
	calls.POST("/:id/end", h.EndCall)
	calls.POST("/:id/fail", h.FailCall)
	calls.POST("/:id/join", h.JoinCall)
	calls.POST("/:id/leave", h.LeaveCall)
	calls.PATCH("/:id/media", h.UpdateMedia)
	calls.POST("/:id/metrics", h.ReportQuality)
	calls.GET("/:id/stats", h.GetStats)
}

// InitiateCallRequest represents call initiation request
type InitiateCallRequest struct {
	ConversationID string `json:"conversation_id" binding:"required,uuid"`
	Type           string `json:"type" binding:"required"`
}

// InitiateCall starts a new call
// POST /v1/calls/initiate
func (h *Handler) InitiateCall(c *gin.Context) {
	var req InitiateCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	callerID, ok := middleware.UserID(c)
	if !ok {
		response.Unauthorized(c, "Not authenticated")
		return
	}

	callType, ok := domain.ParseCallType(req.Type)
	if !ok {
		response.ValidationError(c, "type must be audio or video")
		return
	}

	details, err := h.callService.Initiate(c.Request.Context(), &callsvc.InitiateInput{
		CallerID:       callerID,
		ConversationID: uuid.MustParse(req.ConversationID),
		Type:           callType,
	})
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusCreated, details)
}

// GetCall returns a call and its participants
// GET /v1/calls/:id
func (h *Handler) GetCall(c *gin.Context) {
	callID, userID, ok := callAndUser(c)
	if !ok {
		return
	}

	details, err := h.callService.GetCall(c.Request.Context(), callID, userID)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, details)
}

// GetCallHistory lists the caller's calls, newest first
// GET /v1/calls/history?limit=20&offset=0
func (h *Handler) GetCallHistory(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		response.Unauthorized(c, "Not authenticated")
		return
	}

	page, err := pagination.ParseLimitOffset(c.Query("limit"), c.Query("offset"))
	if err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	calls, err := h.callService.GetCallHistory(c.Request.Context(), userID, page.Limit, page.Offset)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"calls": calls, "limit": page.Limit, "offset": page.Offset})
}

// AnswerCall accepts a ringing call
// POST /v1/calls/:id/answer
func (h *Handler) AnswerCall(c *gin.Context) {
	h.transition(c, h.callService.Answer)
}

// RejectCall declines a ringing call
// POST /v1/calls/:id/reject
func (h *Handler) RejectCall(c *gin.Context) {
	h.transition(c, h.callService.Reject)
}

// EndCall terminates a call
// POST /v1/calls/:id/end
func (h *Handler) EndCall(c *gin.Context) {
	h.transition(c, h.callService.End)
}

// FailCallRequest carries the client's failure reason
type FailCallRequest struct {
	Reason string `json:"reason"`
}

// FailCall marks the call failed on behalf of a participant
// POST /v1/calls/:id/fail
func (h *Handler) FailCall(c *gin.Context) {
	callID, userID, ok := callAndUser(c)
	if !ok {
		return
	}

	var req FailCallRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.ValidationError(c, err.Error())
			return
		}
	}

	call, err := h.callService.ReportFailure(c.Request.Context(), callID, userID, req.Reason)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, call)
}

// JoinCallRequest optionally names the push connection joining the room
type JoinCallRequest struct {
	ConnectionID string `json:"connection_id"`
}

// JoinCall enters the call room
// POST /v1/calls/:id/join
func (h *Handler) JoinCall(c *gin.Context) {
	callID, userID, ok := callAndUser(c)
	if !ok {
		return
	}

	var req JoinCallRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.ValidationError(c, err.Error())
			return
		}
	}

	out, err := h.callService.JoinRoom(c.Request.Context(), callID, userID, req.ConnectionID)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, out)
}

// LeaveCall leaves the call room
// POST /v1/calls/:id/leave
func (h *Handler) LeaveCall(c *gin.Context) {
	callID, userID, ok := callAndUser(c)
	if !ok {
		return
	}

	if err := h.callService.LeaveRoom(c.Request.Context(), callID, userID); err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"message": "Left call",
		"call_id": callID,
	})
}

// UpdateMedia merges a partial audio/video update
// PATCH /v1/calls/:id/media
func (h *Handler) UpdateMedia(c *gin.Context) {
	callID, userID, ok := callAndUser(c)
	if !ok {
		return
	}

	var patch domain.MediaPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	state, err := h.callService.UpdateMediaState(c.Request.Context(), callID, userID, patch)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, state)
}

// ReportQuality accepts one quality sample. Always 202; samples are best effort.
// POST /v1/calls/:id/metrics
func (h *Handler) ReportQuality(c *gin.Context) {
	callID, userID, ok := callAndUser(c)
	if !ok {
		return
	}

	var in callsvc.QualityInput
	if err := c.ShouldBindJSON(&in); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	h.callService.UpdateQualityMetrics(c.Request.Context(), callID, userID, &in)
	response.Success(c, http.StatusAccepted, gin.H{"call_id": callID})
}

// GetStats returns live counts and recent quality samples
// GET /v1/calls/:id/stats
func (h *Handler) GetStats(c *gin.Context) {
	callID, userID, ok := callAndUser(c)
	if !ok {
		return
	}

	stats, err := h.callService.GetCallStats(c.Request.Context(), callID, userID)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, stats)
}

func (h *Handler) transition(c *gin.Context, op func(ctx context.Context, callID, userID uuid.UUID) (*domain.Call, error)) {
	callID, userID, ok := callAndUser(c)
	if !ok {
		return
	}

	call, err := op(c.Request.Context(), callID, userID)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, call)
}

// callAndUser parses :id and the authenticated user, writing the error response on failure
func callAndUser(c *gin.Context) (uuid.UUID, uuid.UUID, bool) {
	callID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.ValidationError(c, "Invalid call ID")
		return uuid.Nil, uuid.Nil, false
	}

	userID, ok := middleware.UserID(c)
	if !ok {
		response.Unauthorized(c, "Not authenticated")
		return uuid.Nil, uuid.Nil, false
	}
	return callID, userID, true
}
