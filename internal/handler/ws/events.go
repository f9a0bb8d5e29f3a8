package ws

import (
	"encoding/json"
	"strings"

	"callsession-backend/internal/domain"
	callsvc "callsession-backend/internal/service/call"
)

// Inbound event names
const (
	EventCallInitiate    = "call-initiate"
	EventCallResponse    = "call-response"
	EventCallJoinRoom    = "call-join-room"
	EventCallLeaveRoom   = "call-leave-room"
	EventSignalingOffer  = "signaling-offer"
	EventSignalingAnswer = "signaling-answer"
	EventSignalingICE    = "signaling-ice-candidate"
	EventConnectionState = "connection-state-change"
	EventMediaState      = "media-state-change"
	EventQualityMetrics  = "quality-metrics"
	EventCallEnd         = "call-end"
	EventPing            = "ping"
	EventPong            = "pong"
	EventCallRoomJoined  = "call-room-joined"
)

// eventAliases maps normalized legacy names to the canonical event. Names are
// normalized first (lower case, ':' and '_' become '-'), so "call:join_room"
// and "call_join_room" both arrive here as "call-join-room".
var eventAliases = map[string]string{
	"webrtc-offer":            EventSignalingOffer,
	"webrtc-answer":           EventSignalingAnswer,
	"webrtc-ice-candidate":    EventSignalingICE,
	"ice-candidate":           EventSignalingICE,
	"signaling-ice":           EventSignalingICE,
	"call-quality-metrics":    EventQualityMetrics,
	"connection-state":        EventConnectionState,
	"webrtc-connection-state": EventConnectionState,
	"media-state":             EventMediaState,
	"call-media-state-change": EventMediaState,
	"call-join":               EventCallJoinRoom,
	"call-leave":              EventCallLeaveRoom,
}

var canonicalEvents = map[string]bool{
	EventCallInitiate:    true,
	EventCallResponse:    true,
	EventCallJoinRoom:    true,
	EventCallLeaveRoom:   true,
	EventSignalingOffer:  true,
	EventSignalingAnswer: true,
	EventSignalingICE:    true,
	EventConnectionState: true,
	EventMediaState:      true,
	EventQualityMetrics:  true,
	EventCallEnd:         true,
	EventPing:            true,
}

// CanonicalEvent maps an inbound event name to its canonical form. Unknown
// names come back with ok false.
func CanonicalEvent(name string) (string, bool) {
	n := strings.ToLower(strings.TrimSpace(name))
	n = strings.NewReplacer(":", "-", "_", "-").Replace(n)
	if canonicalEvents[n] {
		return n, true
	}
	if canonical, ok := eventAliases[n]; ok {
		return canonical, true
	}
	return "", false
}

var signalKinds = map[string]domain.SignalingEventType{
	EventSignalingOffer:  domain.SignalOffer,
	EventSignalingAnswer: domain.SignalAnswer,
	EventSignalingICE:    domain.SignalICECandidate,
	EventConnectionState: domain.SignalConnectionStateChange,
	EventMediaState:      domain.SignalMediaStateChange,
}

// inboundMessage is one frame received from a client
type inboundMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// callData carries every field an inbound call event may use
type callData struct {
	CallID         string                `json:"callId"`
	ConversationID string                `json:"conversationId"`
	Type           string                `json:"type"`
	Accepted       *bool                 `json:"accepted"`
	TargetUserID   string                `json:"targetUserId"`
	State          string                `json:"state"`
	Audio          *bool                 `json:"audio"`
	Video          *bool                 `json:"video"`
	Offer          json.RawMessage       `json:"offer"`
	Answer         json.RawMessage       `json:"answer"`
	Candidate      json.RawMessage       `json:"candidate"`
	Metrics        *callsvc.QualityInput `json:"metrics"`
}

// signalPayload picks the SDP or candidate to relay, falling back to the
// whole data object
func (d *callData) signalPayload(raw json.RawMessage) json.RawMessage {
	for _, p := range []json.RawMessage{d.Offer, d.Answer, d.Candidate} {
		if len(p) > 0 && string(p) != "null" {
			return p
		}
	}
	return raw
}

// errorData is sent with an error event when an inbound event fails
type errorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Event   string `json:"event"`
}
