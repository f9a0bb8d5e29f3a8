package call

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"callsession-backend/internal/domain"
	"callsession-backend/internal/timeout"
	apperrors "callsession-backend/pkg/errors"
	"callsession-backend/pkg/logger"
)

// JoinRoom puts a participant's connection into the live call room and
// returns the room snapshot with the relay configuration
func (s *Service) JoinRoom(ctx context.Context, callID, userID uuid.UUID, connectionID string) (*JoinOutput, error) {
	call, _, err := s.callAndParticipant(ctx, callID, userID)
	if err != nil {
		return nil, err
	}
	if call.Status.IsTerminal() {
		return nil, apperrors.InvalidStateError("call has already ended")
	}

	snap, err := s.registry.Join(callID, userID, connectionID)
	if err != nil {
		if apperrors.HasCode(err, apperrors.ErrCodeCallNotFound) {
			// Durable call is live but this process lost the session
			return nil, apperrors.SessionDesyncError()
		}
		return nil, err
	}

	joined := Event{Name: EventParticipantJoined, Data: map[string]any{
		"callId": callID,
		"userId": userID,
	}}
	for _, member := range snap.RoomMembers() {
		if member != userID {
			s.notifier.Notify(ctx, member, joined)
		}
	}

	iceServers := call.IceServers
	if len(iceServers) == 0 {
		iceServers = s.cfg.ICEServers
	}
	return &JoinOutput{
		Session: snap,
		Relay: RelayConfig{
			ICEServers:           iceServers,
			ICECandidatePoolSize: s.cfg.ICECandidatePoolSize,
		},
	}, nil
}

// LeaveRoom takes a participant's connection out of the room. When at most
// one participant is left connected the call is ended.
func (s *Service) LeaveRoom(ctx context.Context, callID, userID uuid.UUID) error {
	complete, err := s.registry.Leave(callID, userID)
	if err != nil {
		return err
	}

	if snap, ok := s.registry.Get(callID); ok {
		left := Event{Name: EventParticipantLeft, Data: map[string]any{
			"callId": callID,
			"userId": userID,
		}}
		for _, member := range snap.RoomMembers() {
			s.notifier.Notify(ctx, member, left)
		}
	}

	if complete {
		if _, err := s.End(ctx, callID, userID); err != nil {
			return err
		}
	}
	return nil
}

// UpdateMediaState merges a partial media update for a participant
func (s *Service) UpdateMediaState(ctx context.Context, callID, userID uuid.UUID, patch domain.MediaPatch) (domain.MediaState, error) {
	merged, err := s.applyMedia(ctx, callID, userID, patch)
	if err != nil {
		return merged, err
	}

	payload, _ := json.Marshal(patch)
	s.audit.Submit(&domain.CallSignalingEvent{
		CallID:    callID,
		UserID:    userID,
		EventType: domain.SignalMediaStateChange,
		Payload:   payload,
		Timestamp: s.now(),
	})

	if snap, ok := s.registry.Get(callID); ok {
		ev := Event{Name: EventMediaStateChanged, Data: map[string]any{
			"callId":     callID,
			"userId":     userID,
			"mediaState": merged,
		}}
		for _, member := range snap.RoomMembers() {
			if member != userID {
				s.notifier.Notify(ctx, member, ev)
			}
		}
	}
	return merged, nil
}

// applyMedia updates the live state and persists it without failing the caller
func (s *Service) applyMedia(ctx context.Context, callID, userID uuid.UUID, patch domain.MediaPatch) (domain.MediaState, error) {
	merged, err := s.registry.UpdateMediaState(callID, userID, patch)
	if err != nil {
		return merged, err
	}
	if err := s.store.UpdateParticipantMedia(ctx, callID, userID, merged); err != nil {
		logger.Warn("Failed to persist media state",
			logger.CallID(callID),
			logger.UserID(userID),
			zap.Error(err))
	}
	return merged, nil
}

// UpdateQualityMetrics records one quality sample. It never fails; samples
// for calls without a live session or from non-participants are only logged.
func (s *Service) UpdateQualityMetrics(ctx context.Context, callID, userID uuid.UUID, in *QualityInput) {
	snap, ok := s.registry.Get(callID)
	if !ok {
		logger.Warn("Quality metrics for unknown call",
			logger.CallID(callID),
			logger.UserID(userID))
		return
	}
	if _, ok := snap.Participant(userID); !ok {
		logger.Warn("Quality metrics from non-participant",
			logger.CallID(callID),
			logger.UserID(userID))
		return
	}

	s.audit.Submit(&domain.CallQualityMetric{
		CallID:          callID,
		UserID:          userID,
		PacketLoss:      in.PacketLoss,
		Jitter:          in.Jitter,
		RoundTripTime:   in.RoundTripTime,
		AudioLevel:      in.AudioLevel,
		VideoResolution: in.VideoResolution,
		FrameRate:       in.FrameRate,
		Bandwidth:       in.Bandwidth,
		ConnectionState: in.ConnectionState,
		Timestamp:       s.now(),
	})
}

// GetCallStats returns live counters and the latest quality samples
func (s *Service) GetCallStats(ctx context.Context, callID, userID uuid.UUID) (*CallStats, error) {
	snap, ok := s.registry.Get(callID)
	if !ok {
		return nil, apperrors.CallNotFoundError()
	}
	if _, ok := snap.Participant(userID); !ok {
		return nil, apperrors.NotParticipantError()
	}

	st, err := s.registry.Stats(callID)
	if err != nil {
		return nil, err
	}

	recent, err := s.qualityLog.RecentQualityMetrics(ctx, callID, s.cfg.QualitySampleWindow)
	if err != nil {
		logger.Warn("Failed to load quality samples", logger.CallID(callID), zap.Error(err))
		recent = nil
	}
	if recent == nil {
		recent = []*domain.CallQualityMetric{}
	}

	pending := make([]string, 0, 2)
	for _, kind := range []timeout.Kind{timeout.Acceptance, timeout.Establishment} {
		if s.timers.Armed(callID, kind) {
			pending = append(pending, string(kind))
		}
	}

	return &CallStats{
		CallID:           callID,
		Status:           st.Status,
		ParticipantCount: st.ParticipantCount,
		ConnectedCount:   st.ConnectedCount,
		DurationSeconds:  int(st.Duration / time.Second),
		PendingTimers:    pending,
		RecentQuality:    recent,
	}, nil
}
