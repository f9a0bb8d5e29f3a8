package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"callsession-backend/internal/domain"
	callsvc "callsession-backend/internal/service/call"
	"callsession-backend/pkg/constants"
	apperrors "callsession-backend/pkg/errors"
	"callsession-backend/pkg/logger"
)

// Client is one push connection of a user. id names the connection in the call room.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	userID uuid.UUID
	id     string
	ctx    context.Context
	cancel context.CancelFunc

	sendMu sync.Mutex
	closed bool
}

func newClient(h *Hub, conn *websocket.Conn, userID uuid.UUID) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, constants.ClientSendBuffer),
		userID: userID,
		id:     uuid.New().String(),
		ctx:    ctx,
		cancel: cancel,
	}
}

// enqueue queues a frame without blocking. A full buffer closes the connection.
func (c *Client) enqueue(msg []byte) bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		logger.Warn("Push connection too slow, closing",
			logger.UserID(c.userID),
			zap.String("connection_id", c.id))
		go c.conn.Close()
		return false
	}
}

func (c *Client) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
		c.cancel()
	}
}

// readPump reads frames and handles them in arrival order
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(constants.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(constants.WebSocketPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(constants.WebSocketPongWait))
		if c.hub.presence != nil {
			if err := c.hub.presence.RefreshPresence(c.ctx, c.userID); err != nil {
				logger.Debug("Failed to refresh presence", logger.UserID(c.userID), zap.Error(err))
			}
		}
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Debug("WebSocket connection closed",
					logger.UserID(c.userID),
					zap.Error(err))
			}
			return
		}
		c.handle(message)
	}
}

// writePump writes queued frames and keeps the connection alive with pings
func (c *Client) writePump() {
	ticker := time.NewTicker(constants.WebSocketPingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) handle(raw []byte) {
	var msg inboundMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.sendError("", apperrors.ValidationError("invalid message format"))
		return
	}

	name, ok := CanonicalEvent(msg.Event)
	if !ok {
		c.sendError(msg.Event, apperrors.ValidationError("unknown event"))
		return
	}
	c.hub.metrics.RecordWebSocketMessage(name, "in")

	reply, err := c.dispatch(name, msg.Data)
	if err != nil {
		c.sendError(name, err)
		return
	}
	if reply != nil {
		c.sendEvent(*reply)
	}
}

func (c *Client) dispatch(name string, raw json.RawMessage) (*callsvc.Event, error) {
	var d callData
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, &d); err != nil {
			return nil, apperrors.ValidationError("invalid event data")
		}
	}
	ctx := c.ctx

	switch name {
	case EventPing:
		return &callsvc.Event{Name: EventPong}, nil

	case EventCallInitiate:
		return c.initiate(ctx, &d)

	case EventCallResponse:
		if d.Accepted == nil {
			return nil, apperrors.MissingFieldError("accepted")
		}
		callID, err := c.resolve(d.CallID)
		if err != nil {
			return nil, err
		}
		if *d.Accepted {
			_, err = c.hub.calls.Answer(ctx, callID, c.userID)
		} else {
			_, err = c.hub.calls.Reject(ctx, callID, c.userID)
		}
		return nil, err

	case EventCallJoinRoom:
		callID, err := c.resolve(d.CallID)
		if err != nil {
			return nil, err
		}
		out, err := c.hub.calls.JoinRoom(ctx, callID, c.userID, c.id)
		if err != nil {
			return nil, err
		}
		return &callsvc.Event{Name: EventCallRoomJoined, Data: out}, nil

	case EventCallLeaveRoom:
		callID, err := c.resolve(d.CallID)
		if err != nil {
			return nil, err
		}
		return nil, c.hub.calls.LeaveRoom(ctx, callID, c.userID)

	case EventCallEnd:
		callID, err := c.resolve(d.CallID)
		if err != nil {
			return nil, err
		}
		_, err = c.hub.calls.End(ctx, callID, c.userID)
		return nil, err

	case EventQualityMetrics:
		// Best effort: samples for unknown calls are dropped silently
		callID, ok := c.hub.calls.ResolveRef(c.userID, d.CallID)
		if !ok {
			return nil, nil
		}
		in := d.Metrics
		if in == nil {
			in = &callsvc.QualityInput{}
			if err := json.Unmarshal(raw, in); err != nil {
				return nil, nil
			}
		}
		c.hub.calls.UpdateQualityMetrics(ctx, callID, c.userID, in)
		return nil, nil
	}

	return nil, c.relay(ctx, name, &d, raw)
}

func (c *Client) initiate(ctx context.Context, d *callData) (*callsvc.Event, error) {
	callType, ok := domain.ParseCallType(d.Type)
	if !ok {
		return nil, apperrors.ValidationError("type must be audio or video")
	}
	conversationID, err := uuid.Parse(d.ConversationID)
	if err != nil {
		return nil, apperrors.ValidationError("invalid conversationId")
	}

	details, err := c.hub.calls.Initiate(ctx, &callsvc.InitiateInput{
		CallerID:       c.userID,
		ConversationID: conversationID,
		Type:           callType,
		EphemeralRef:   d.CallID,
	})
	if err != nil {
		return nil, err
	}

	return &callsvc.Event{Name: callsvc.EventCallInitiated, Data: map[string]any{
		"call":         details.Call,
		"participants": details.Participants,
		"ephemeralRef": d.CallID,
	}}, nil
}

func (c *Client) relay(ctx context.Context, name string, d *callData, raw json.RawMessage) error {
	kind, ok := signalKinds[name]
	if !ok {
		return apperrors.ValidationError("unknown event")
	}

	in := &callsvc.SignalInput{
		CallRef:  d.CallID,
		SenderID: c.userID,
		Kind:     kind,
		State:    d.State,
		Media:    domain.MediaPatch{Audio: d.Audio, Video: d.Video},
	}
	switch kind {
	case domain.SignalOffer, domain.SignalAnswer, domain.SignalICECandidate:
		in.Payload = d.signalPayload(raw)
	}
	if d.TargetUserID != "" {
		target, err := uuid.Parse(d.TargetUserID)
		if err != nil {
			return apperrors.ValidationError("invalid targetUserId")
		}
		in.TargetID = &target
	}

	_, err := c.hub.calls.Relay(ctx, in)
	return err
}

// resolve maps the client's call reference to the canonical call id
func (c *Client) resolve(raw string) (uuid.UUID, error) {
	if raw == "" {
		return uuid.Nil, apperrors.MissingFieldError("callId")
	}
	callID, ok := c.hub.calls.ResolveRef(c.userID, raw)
	if !ok {
		return uuid.Nil, apperrors.SessionDesyncError()
	}
	return callID, nil
}

func (c *Client) sendEvent(ev callsvc.Event) {
	msg, err := json.Marshal(ev)
	if err != nil {
		logger.Error("Failed to encode push reply", logger.UserID(c.userID), zap.Error(err))
		return
	}
	if c.enqueue(msg) {
		c.hub.metrics.RecordWebSocketMessage(ev.Name, "out")
	}
}

func (c *Client) sendError(event string, err error) {
	appErr := apperrors.GetAppError(err)
	if appErr.StatusCode >= http.StatusInternalServerError {
		logger.Error("Push event failed",
			logger.UserID(c.userID),
			zap.String("event", event),
			zap.Error(err))
	}
	c.sendEvent(callsvc.Event{Name: callsvc.EventError, Data: errorData{
		Code:    string(appErr.Code),
		Message: appErr.Message,
		Event:   event,
	}})
}
