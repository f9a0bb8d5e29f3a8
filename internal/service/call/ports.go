package call

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"callsession-backend/internal/domain"
	"callsession-backend/internal/session"
	"callsession-backend/pkg/audit"
)

// CallStore is the durable record of calls and their participants.
// Status changes are conditional: a false result means the precondition no
// longer held and nothing was written.
type CallStore interface {
	CreateCall(ctx context.Context, call *domain.Call, participants []*domain.CallParticipant) error
	GetCall(ctx context.Context, callID uuid.UUID) (*domain.Call, error)
	GetParticipants(ctx context.Context, callID uuid.UUID) ([]*domain.CallParticipant, error)
	GetParticipant(ctx context.Context, callID, userID uuid.UUID) (*domain.CallParticipant, error)
	HasActiveCall(ctx context.Context, conversationID uuid.UUID) (bool, error)
	MarkOngoing(ctx context.Context, callID uuid.UUID, at time.Time) (bool, error)
	TransitionParticipant(ctx context.Context, callID, userID uuid.UUID, from []domain.ParticipantStatus, to domain.ParticipantStatus, at time.Time) (bool, error)
	CountParticipants(ctx context.Context, callID uuid.UUID, statuses []domain.ParticipantStatus) (int, error)
	UpdateParticipantMedia(ctx context.Context, callID, userID uuid.UUID, media domain.MediaState) error
	FinalizeCall(ctx context.Context, callID uuid.UUID, f domain.CallFinalization) (*domain.FinalizeResult, error)
	ListActiveCallsForUser(ctx context.Context, userID uuid.UUID) ([]*domain.Call, error)
	ListUserCalls(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.Call, error)
}

// ConversationDirectory lists the members of a conversation
type ConversationDirectory interface {
	GetParticipants(ctx context.Context, conversationID uuid.UUID) ([]uuid.UUID, error)
}

// QualityLog reads back recent quality samples
type QualityLog interface {
	RecentQualityMetrics(ctx context.Context, callID uuid.UUID, limit int) ([]*domain.CallQualityMetric, error)
}

// AuditSubmitter accepts audit records without blocking
type AuditSubmitter interface {
	Submit(rec audit.Record) audit.Outcome
}

// HistoryPublisher hands a finalized call to the messaging service
type HistoryPublisher interface {
	Publish(ctx context.Context, history *domain.CallHistory) error
}

// Event is a push message to one user
type Event struct {
	Name string `json:"event"`
	Data any    `json:"data"`
}

// Notifier delivers push events to users. Delivery is best effort.
type Notifier interface {
	Notify(ctx context.Context, userID uuid.UUID, ev Event)
}

type noopNotifier struct{}

func (noopNotifier) Notify(context.Context, uuid.UUID, Event) {}

// Outbound event names
const (
	EventCallIncoming           = "call-incoming"
	EventCallInitiated          = "call-initiated"
	EventCallAccepted           = "call-accepted"
	EventCallRejected           = "call-rejected"
	EventCallEnded              = "call-ended"
	EventCallFailed             = "call-failed"
	EventParticipantJoined      = "participant-joined"
	EventParticipantLeft        = "participant-left"
	EventParticipantDisconnect  = "participant-disconnected"
	EventMediaStateChanged      = "media-state-changed"
	EventConnectionIssue        = "connection-issue"
	EventSignalingOffer         = "signaling-offer"
	EventSignalingAnswer        = "signaling-answer"
	EventSignalingICECandidate  = "signaling-ice-candidate"
	EventConnectionStateChanged = "connection-state-change"
	EventError                  = "error"
)

// Config holds call policy and relay settings
type Config struct {
	// AllowConcurrentCalls permits more than one non-terminal call per conversation
	AllowConcurrentCalls bool
	ICEServers           []webrtc.ICEServer
	ICECandidatePoolSize int
	QualitySampleWindow  int
}

// InitiateInput contains call initiation data
type InitiateInput struct {
	CallerID       uuid.UUID
	ConversationID uuid.UUID
	Type           domain.CallType
	// EphemeralRef is the caller's own reference for the call, push path only
	EphemeralRef string
}

// CallDetails is a call with its participants
type CallDetails struct {
	Call         *domain.Call              `json:"call"`
	Participants []*domain.CallParticipant `json:"participants"`
}

// RelayConfig is what a client needs to build its peer connection
type RelayConfig struct {
	ICEServers           []webrtc.ICEServer `json:"ice_servers"`
	ICECandidatePoolSize int                `json:"ice_candidate_pool_size"`
}

// JoinOutput is returned when a participant enters the call room
type JoinOutput struct {
	Session *session.Session `json:"session"`
	Relay   RelayConfig      `json:"relay"`
}

// SignalInput is one signaling message from a participant
type SignalInput struct {
	CallRef  string
	SenderID uuid.UUID
	Kind     domain.SignalingEventType
	TargetID *uuid.UUID
	Payload  json.RawMessage
	// State is the reported connection state for connection-state-change
	State string
	// Media is the partial update for media-state-change
	Media domain.MediaPatch
}

// SignalOutput reports what happened to a relayed message
type SignalOutput struct {
	CallID     uuid.UUID     `json:"call_id"`
	Recipients int           `json:"recipients"`
	Audit      audit.Outcome `json:"audit"`
}

// QualityInput is one quality sample
type QualityInput struct {
	PacketLoss      float64 `json:"packet_loss"`
	Jitter          float64 `json:"jitter"`
	RoundTripTime   float64 `json:"round_trip_time"`
	AudioLevel      float64 `json:"audio_level"`
	VideoResolution string  `json:"video_resolution"`
	FrameRate       float64 `json:"frame_rate"`
	Bandwidth       float64 `json:"bandwidth"`
	ConnectionState string  `json:"connection_state"`
}

// CallStats is the live view of a call plus recent quality samples
type CallStats struct {
	CallID           uuid.UUID                   `json:"call_id"`
	Status           domain.CallStatus           `json:"status"`
	ParticipantCount int                         `json:"participant_count"`
	ConnectedCount   int                         `json:"connected_count"`
	DurationSeconds  int                         `json:"duration_seconds"`
	PendingTimers    []string                    `json:"pending_timers"`
	RecentQuality    []*domain.CallQualityMetric `json:"recent_quality"`
}
