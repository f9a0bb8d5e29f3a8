package call

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"callsession-backend/internal/domain"
	"callsession-backend/internal/session"
	"callsession-backend/pkg/audit"
	apperrors "callsession-backend/pkg/errors"
	"callsession-backend/pkg/logger"
)

var relayedEventNames = map[domain.SignalingEventType]string{
	domain.SignalOffer:                 EventSignalingOffer,
	domain.SignalAnswer:                EventSignalingAnswer,
	domain.SignalICECandidate:          EventSignalingICECandidate,
	domain.SignalConnectionStateChange: EventConnectionStateChanged,
	domain.SignalMediaStateChange:      EventMediaStateChanged,
}

// Relay forwards one signaling message between participants of a live call.
//
// Messages are delivered on the caller's goroutine, so two messages from the
// same sender reach each recipient in the order they were relayed. The audit
// record is handed to the async writer and never delays delivery.
func (s *Service) Relay(ctx context.Context, in *SignalInput) (*SignalOutput, error) {
	eventName, ok := relayedEventNames[in.Kind]
	if !ok {
		return nil, apperrors.ValidationError("unsupported signaling event")
	}

	callID, ok := s.ResolveRef(in.SenderID, in.CallRef)
	if !ok {
		return nil, apperrors.SessionDesyncError()
	}

	call, err := s.store.GetCall(ctx, callID)
	if err != nil {
		if apperrors.HasCode(err, apperrors.ErrCodeCallNotFound) {
			return nil, apperrors.SessionDesyncError()
		}
		return nil, err
	}
	if call.Status.IsTerminal() {
		return nil, apperrors.SessionDesyncError()
	}
	snap, ok := s.registry.Get(callID)
	if !ok {
		return nil, apperrors.SessionDesyncError()
	}

	if _, ok := snap.Participant(in.SenderID); !ok {
		return nil, apperrors.NotParticipantError()
	}

	var recipients []uuid.UUID
	route := "room"
	if in.TargetID != nil {
		if _, ok := snap.Participant(*in.TargetID); !ok {
			return nil, apperrors.NotParticipantError()
		}
		recipients = []uuid.UUID{*in.TargetID}
		route = "direct"
	} else {
		for _, member := range snap.RoomMembers() {
			if member != in.SenderID {
				recipients = append(recipients, member)
			}
		}
	}

	auditOutcome := s.audit.Submit(&domain.CallSignalingEvent{
		CallID:    callID,
		UserID:    in.SenderID,
		EventType: in.Kind,
		Payload:   in.Payload,
		Timestamp: s.now(),
	})
	if auditOutcome == audit.Dropped {
		logger.Warn("Signaling audit record dropped",
			logger.CallID(callID),
			zap.String("kind", string(in.Kind)))
	}

	data := map[string]any{
		"callId":     callID,
		"fromUserId": in.SenderID,
	}
	if len(in.Payload) > 0 {
		data["payload"] = json.RawMessage(in.Payload)
	}

	switch in.Kind {
	case domain.SignalOffer:
		_ = s.registry.SetConnectionState(callID, in.SenderID, session.StateHaveLocalOffer)
		s.timers.DisarmEstablishment(callID)
	case domain.SignalAnswer:
		_ = s.registry.SetConnectionState(callID, in.SenderID, session.StateStable)
		s.timers.DisarmEstablishment(callID)
	case domain.SignalConnectionStateChange:
		_ = s.registry.SetConnectionState(callID, in.SenderID, in.State)
		data["state"] = in.State
		if session.IsEstablished(in.State) {
			s.timers.DisarmEstablishment(callID)
		}
	case domain.SignalMediaStateChange:
		merged, err := s.applyMedia(ctx, callID, in.SenderID, in.Media)
		if err != nil {
			return nil, err
		}
		data["userId"] = in.SenderID
		data["mediaState"] = merged
	}

	ev := Event{Name: eventName, Data: data}
	for _, r := range recipients {
		s.notifier.Notify(ctx, r, ev)
	}
	s.metrics.RecordSignalingMessage(string(in.Kind), route)

	if in.Kind == domain.SignalConnectionStateChange &&
		(in.State == session.StateFailed || in.State == session.StateDisconnected) {
		issue := Event{Name: EventConnectionIssue, Data: map[string]any{
			"callId": callID,
			"userId": in.SenderID,
			"state":  in.State,
		}}
		for _, member := range snap.RoomMembers() {
			if member != in.SenderID {
				s.notifier.Notify(ctx, member, issue)
			}
		}
	}

	return &SignalOutput{CallID: callID, Recipients: len(recipients), Audit: auditOutcome}, nil
}
