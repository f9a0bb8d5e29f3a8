package domain

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

// CallType represents the media type of a call
type CallType string

const (
	CallTypeAudio CallType = "AUDIO"
	CallTypeVideo CallType = "VIDEO"
)

// ParseCallType normalizes a client supplied call type ("video", "VIDEO", ...)
func ParseCallType(raw string) (CallType, bool) {
	switch CallType(strings.ToUpper(strings.TrimSpace(raw))) {
	case CallTypeAudio:
		return CallTypeAudio, true
	case CallTypeVideo:
		return CallTypeVideo, true
	}
	return "", false
}

// CallStatus is the durable status of a call
type CallStatus string

const (
	CallStatusRinging CallStatus = "RINGING"
	CallStatusOngoing CallStatus = "ONGOING"
	CallStatusEnded   CallStatus = "ENDED"
	CallStatusFailed  CallStatus = "FAILED"
	CallStatusMissed  CallStatus = "MISSED"
)

// IsTerminal reports whether no further transition may leave the status
func (s CallStatus) IsTerminal() bool {
	return s == CallStatusEnded || s == CallStatusFailed || s == CallStatusMissed
}

// ParticipantStatus is the durable status of one call participant
type ParticipantStatus string

const (
	ParticipantInvited  ParticipantStatus = "INVITED"
	ParticipantJoined   ParticipantStatus = "JOINED"
	ParticipantLeft     ParticipantStatus = "LEFT"
	ParticipantRejected ParticipantStatus = "REJECTED"
	ParticipantFailed   ParticipantStatus = "FAILED"
)

// IsActive reports whether the participant can still be reached in the call
func (s ParticipantStatus) IsActive() bool {
	return s == ParticipantInvited || s == ParticipantJoined
}

// ActiveParticipantStatuses are the statuses counted as "still reachable"
var ActiveParticipantStatuses = []ParticipantStatus{ParticipantInvited, ParticipantJoined}

// MediaState holds the audio/video flags of a participant
type MediaState struct {
	Audio bool `json:"audio"`
	Video bool `json:"video"`
}

// MediaPatch is a partial media state update; nil fields are left untouched
type MediaPatch struct {
	Audio *bool `json:"audio,omitempty"`
	Video *bool `json:"video,omitempty"`
}

// Apply merges the patch into m
func (p MediaPatch) Apply(m MediaState) MediaState {
	if p.Audio != nil {
		m.Audio = *p.Audio
	}
	if p.Video != nil {
		m.Video = *p.Video
	}
	return m
}

// IsEmpty reports whether the patch changes nothing
func (p MediaPatch) IsEmpty() bool {
	return p.Audio == nil && p.Video == nil
}

// Metadata keys stored on a call
const (
	MetaParticipantCount = "participantCount"
	MetaFailureReason    = "failureReason"
	MetaEndReason        = "endReason"
	MetaEndedBy          = "endedBy"
	MetaTimedOut         = "timedOut"
)

// Call represents a video/audio call entity
type Call struct {
	CallID         uuid.UUID          `json:"call_id"`
	ConversationID uuid.UUID          `json:"conversation_id"`
	InitiatorID    uuid.UUID          `json:"initiator_id"`
	Type           CallType           `json:"type"`
	Status         CallStatus         `json:"status"`
	CreatedAt      time.Time          `json:"created_at"`
	StartedAt      *time.Time         `json:"started_at,omitempty"`
	EndedAt        *time.Time         `json:"ended_at,omitempty"`
	Duration       *int               `json:"duration,omitempty"` // in seconds
	IceServers     []webrtc.ICEServer `json:"ice_servers,omitempty"`
	Metadata       map[string]any     `json:"metadata,omitempty"`
}

// Clone returns a deep enough copy for handing out of a store
func (c *Call) Clone() *Call {
	cp := *c
	if c.StartedAt != nil {
		t := *c.StartedAt
		cp.StartedAt = &t
	}
	if c.EndedAt != nil {
		t := *c.EndedAt
		cp.EndedAt = &t
	}
	if c.Duration != nil {
		d := *c.Duration
		cp.Duration = &d
	}
	cp.IceServers = append([]webrtc.ICEServer(nil), c.IceServers...)
	if c.Metadata != nil {
		cp.Metadata = make(map[string]any, len(c.Metadata))
		for k, v := range c.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

// CallParticipant represents a participant in a call
type CallParticipant struct {
	CallID     uuid.UUID         `json:"call_id"`
	UserID     uuid.UUID         `json:"user_id"`
	Status     ParticipantStatus `json:"status"`
	JoinedAt   *time.Time        `json:"joined_at,omitempty"`
	LeftAt     *time.Time        `json:"left_at,omitempty"`
	MediaState MediaState        `json:"media_state"`
}

// SignalingEventType is the kind of an audited signaling message
type SignalingEventType string

const (
	SignalOffer                 SignalingEventType = "offer"
	SignalAnswer                SignalingEventType = "answer"
	SignalICECandidate          SignalingEventType = "ice-candidate"
	SignalConnectionStateChange SignalingEventType = "connection-state-change"
	SignalMediaStateChange      SignalingEventType = "media-state-change"
)

// CallSignalingEvent is one append-only signaling audit record
type CallSignalingEvent struct {
	CallID    uuid.UUID          `json:"call_id"`
	UserID    uuid.UUID          `json:"user_id"`
	EventType SignalingEventType `json:"event_type"`
	Payload   json.RawMessage    `json:"payload,omitempty"`
	Timestamp time.Time          `json:"timestamp"`
}

// CallQualityMetric is one append-only quality sample reported by a client
type CallQualityMetric struct {
	CallID          uuid.UUID `json:"call_id"`
	UserID          uuid.UUID `json:"user_id"`
	PacketLoss      float64   `json:"packet_loss"`
	Jitter          float64   `json:"jitter"`
	RoundTripTime   float64   `json:"round_trip_time"`
	AudioLevel      float64   `json:"audio_level"`
	VideoResolution string    `json:"video_resolution,omitempty"`
	FrameRate       float64   `json:"frame_rate"`
	Bandwidth       float64   `json:"bandwidth"`
	ConnectionState string    `json:"connection_state,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

// HistoryStatus is the status reported to the messaging collaborator.
// It equals the final call status except for calls finalized by rejections.
type HistoryStatus string

const HistoryRejected HistoryStatus = "REJECTED"

// CallHistory is the side effect emitted once per finalized call
type CallHistory struct {
	CallID         uuid.UUID          `json:"call_id"`
	ConversationID uuid.UUID          `json:"conversation_id"`
	Type           CallType           `json:"type"`
	Status         HistoryStatus      `json:"status"`
	Duration       int                `json:"duration"`
	StartedAt      *time.Time         `json:"started_at,omitempty"`
	EndedAt        *time.Time         `json:"ended_at,omitempty"`
	InitiatorID    uuid.UUID          `json:"initiator_id"`
	Participants   []*CallParticipant `json:"participants"`
}

// AuditKind tags signaling events in the audit log
func (e *CallSignalingEvent) AuditKind() string { return "signaling" }

// AuditKind tags quality samples in the audit log
func (m *CallQualityMetric) AuditKind() string { return "quality" }

// CallFinalization describes a conditional move of a call to a terminal status.
// The store applies it only if the call is currently RINGING and IfRinging is
// set, or ONGOING and IfOngoing is set. Non-terminal participants move to
// ParticipantStatus in the same unit.
type CallFinalization struct {
	IfRinging         CallStatus
	IfOngoing         CallStatus
	ParticipantStatus ParticipantStatus
	At                time.Time
	Metadata          map[string]any
}

// Target returns the status the finalization moves a call in status from to
func (f CallFinalization) Target(from CallStatus) (CallStatus, bool) {
	switch from {
	case CallStatusRinging:
		return f.IfRinging, f.IfRinging != ""
	case CallStatusOngoing:
		return f.IfOngoing, f.IfOngoing != ""
	}
	return "", false
}

// FinalizeResult is what the store returns from a finalization attempt.
// When Applied is false the call was not in an allowed status and Call holds
// the record as it currently is.
type FinalizeResult struct {
	Call         *Call
	Participants []*CallParticipant
	Applied      bool
}
