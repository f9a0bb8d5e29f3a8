package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"callsession-backend/internal/domain"
	"callsession-backend/internal/middleware"
	callsvc "callsession-backend/internal/service/call"
	"callsession-backend/pkg/constants"
	apperrors "callsession-backend/pkg/errors"
	"callsession-backend/pkg/logger"
	"callsession-backend/pkg/metrics"
	"callsession-backend/pkg/response"
)

// CallService is the part of the call service the push channel drives
type CallService interface {
	Initiate(ctx context.Context, input *callsvc.InitiateInput) (*callsvc.CallDetails, error)
	Answer(ctx context.Context, callID, userID uuid.UUID) (*domain.Call, error)
	Reject(ctx context.Context, callID, userID uuid.UUID) (*domain.Call, error)
	End(ctx context.Context, callID, userID uuid.UUID) (*domain.Call, error)
	JoinRoom(ctx context.Context, callID, userID uuid.UUID, connectionID string) (*callsvc.JoinOutput, error)
	LeaveRoom(ctx context.Context, callID, userID uuid.UUID) error
	Relay(ctx context.Context, in *callsvc.SignalInput) (*callsvc.SignalOutput, error)
	UpdateQualityMetrics(ctx context.Context, callID, userID uuid.UUID, in *callsvc.QualityInput)
	ResolveRef(userID uuid.UUID, raw string) (uuid.UUID, bool)
	HandleDisconnect(ctx context.Context, userID uuid.UUID)
}

// Presence records which users hold a push channel
type Presence interface {
	SetUserOnline(ctx context.Context, userID uuid.UUID) error
	SetUserOffline(ctx context.Context, userID uuid.UUID) error
	RefreshPresence(ctx context.Context, userID uuid.UUID) error
}

// disconnectTimeout bounds the reconciliation run after a user's last connection closes
const disconnectTimeout = 10 * time.Second

// Hub keeps every user's push connections and delivers call events to them.
// A user may hold several connections; events go to all of them.
type Hub struct {
	calls    CallService
	presence Presence
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[uuid.UUID]map[*Client]struct{}

	// Semaphore for limiting concurrent connections
	semaphore chan struct{}
}

// NewHub creates a hub. presence may be nil.
func NewHub(calls CallService, presence Presence, m *metrics.Metrics, allowedOrigins []string) *Hub {
	return &Hub{
		calls:    calls,
		presence: presence,
		metrics:  m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return middleware.OriginAllowed(allowedOrigins, r.Header.Get("Origin"))
			},
		},
		clients:   make(map[uuid.UUID]map[*Client]struct{}),
		semaphore: make(chan struct{}, constants.MaxSignalingConnections),
	}
}

// Notify sends an event to every connection of the user. Delivery is best
// effort: a connection whose send buffer is full is closed.
func (h *Hub) Notify(ctx context.Context, userID uuid.UUID, ev callsvc.Event) {
	msg, err := json.Marshal(ev)
	if err != nil {
		logger.Error("Failed to encode push event",
			logger.UserID(userID),
			zap.String("event", ev.Name),
			zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients[userID] {
		if client.enqueue(msg) {
			h.metrics.RecordWebSocketMessage(ev.Name, "out")
		}
	}
}

// isConnected reports whether the user holds at least one connection
func (h *Hub) isConnected(userID uuid.UUID) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID]) > 0
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	first := len(h.clients[c.userID]) == 0
	if h.clients[c.userID] == nil {
		h.clients[c.userID] = make(map[*Client]struct{})
	}
	h.clients[c.userID][c] = struct{}{}
	h.mu.Unlock()

	h.metrics.IncWebSocketConnections()
	if first && h.presence != nil {
		if err := h.presence.SetUserOnline(c.ctx, c.userID); err != nil {
			logger.Warn("Failed to record presence", logger.UserID(c.userID), zap.Error(err))
		}
	}
}

// unregister drops a connection. When it was the user's last one the user's
// live calls are reconciled.
func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	clients, ok := h.clients[c.userID]
	if ok {
		if _, exists := clients[c]; !exists {
			ok = false
		}
	}
	last := false
	if ok {
		delete(clients, c)
		if len(clients) == 0 {
			delete(h.clients, c.userID)
			last = true
		}
	}
	h.mu.Unlock()

	if !ok {
		return
	}
	c.closeSend()
	h.metrics.DecWebSocketConnections()

	if !last {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), disconnectTimeout)
	defer cancel()
	if h.presence != nil {
		if err := h.presence.SetUserOffline(ctx, c.userID); err != nil {
			logger.Warn("Failed to clear presence", logger.UserID(c.userID), zap.Error(err))
		}
	}
	h.calls.HandleDisconnect(ctx, c.userID)
}

// ServeWS upgrades an authenticated request to a push channel
// GET /v1/calls/ws
func (h *Hub) ServeWS(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		response.Unauthorized(c, "Not authenticated")
		return
	}

	select {
	case h.semaphore <- struct{}{}:
	default:
		logger.Warn("WebSocket connection rejected: max connections reached",
			zap.Int("max_connections", constants.MaxSignalingConnections))
		response.Error(c, http.StatusServiceUnavailable, string(apperrors.ErrCodeServiceUnavail), "Server at capacity, please try again later")
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		<-h.semaphore
		logger.Warn("WebSocket upgrade failed", logger.UserID(userID), zap.Error(err))
		return
	}

	client := newClient(h, conn, userID)
	h.register(client)

	go client.writePump()
	go func() {
		defer func() { <-h.semaphore }()
		client.readPump()
	}()
}

// CloseAll closes every connection, used on shutdown
func (h *Hub) CloseAll() {
	h.mu.RLock()
	var all []*Client
	for _, clients := range h.clients {
		for c := range clients {
			all = append(all, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range all {
		c.conn.Close()
	}
}
