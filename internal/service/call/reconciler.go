package call

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"callsession-backend/internal/callstate"
	"callsession-backend/internal/domain"
	"callsession-backend/internal/timeout"
	apperrors "callsession-backend/pkg/errors"
	"callsession-backend/pkg/logger"
)

// HandleDisconnect repairs state after a user's last connection dropped
// without a clean leave. Every live call the user is still part of is
// visited, durable or only in the session registry; a failure on one call
// is logged and the rest are still handled.
func (s *Service) HandleDisconnect(ctx context.Context, userID uuid.UUID) {
	calls, err := s.store.ListActiveCallsForUser(ctx, userID)
	if err != nil {
		logger.Error("Failed to list calls for disconnected user",
			logger.UserID(userID),
			zap.Error(err))
		return
	}

	seen := make(map[uuid.UUID]struct{}, len(calls))
	for _, call := range calls {
		seen[call.CallID] = struct{}{}
		s.recordReconciliation(call.CallID, userID, s.reconcile(ctx, call, userID))
	}

	// Sessions the durable list no longer names: the record ended or the
	// participant row moved on while the live session stayed behind
	for _, callID := range s.registry.CallsForUser(userID) {
		if _, ok := seen[callID]; ok {
			continue
		}
		s.recordReconciliation(callID, userID, s.reconcileSession(ctx, callID, userID))
	}
}

func (s *Service) recordReconciliation(callID, userID uuid.UUID, err error) {
	if err != nil {
		s.metrics.RecordReconciliation("error")
		logger.Error("Failed to reconcile call after disconnect",
			logger.CallID(callID),
			logger.UserID(userID),
			zap.Error(err))
		return
	}
	s.metrics.RecordReconciliation("ok")
}

// reconcileSession handles a live session with no matching active durable
// participant. A session whose call is gone or terminal is torn down;
// otherwise the user leaves the room and the call ends once at most one
// participant is still connected.
func (s *Service) reconcileSession(ctx context.Context, callID, userID uuid.UUID) error {
	call, err := s.store.GetCall(ctx, callID)
	if apperrors.HasCode(err, apperrors.ErrCodeCallNotFound) {
		logger.Warn("Tearing down session without a call record", logger.CallID(callID))
		s.teardown(callID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load call: %w", err)
	}
	if call.Status.IsTerminal() {
		logger.Warn("Tearing down session of a finished call",
			logger.CallID(callID),
			zap.String("status", string(call.Status)))
		s.teardown(callID)
		return nil
	}

	if _, err := s.registry.Leave(callID, userID); err != nil {
		if apperrors.HasCode(err, apperrors.ErrCodeCallNotFound) {
			return nil
		}
		return err
	}
	_ = s.registry.SetParticipantStatus(callID, userID, domain.ParticipantLeft)

	complete, err := s.registry.CompletionCheck(callID)
	if err != nil || !complete {
		return nil
	}
	_, _, err = s.finalize(ctx, call, disconnectOutcome)
	return err
}

var disconnectOutcome = outcome{
	ifRinging:    callstate.CallMiss,
	ifOngoing:    callstate.CallDisconnectEnd,
	participants: domain.ParticipantLeft,
	metadata:     map[string]any{domain.MetaEndReason: "participant_disconnected"},
}

func (s *Service) reconcile(ctx context.Context, call *domain.Call, userID uuid.UUID) error {
	participants, err := s.store.GetParticipants(ctx, call.CallID)
	if err != nil {
		return fmt.Errorf("failed to get participants: %w", err)
	}

	if _, err := s.store.TransitionParticipant(ctx, call.CallID, userID,
		callstate.ParticipantSources(callstate.ParticipantLeave), domain.ParticipantLeft, s.now()); err != nil {
		return fmt.Errorf("failed to mark participant left: %w", err)
	}

	if _, err := s.registry.Leave(call.CallID, userID); err != nil && !apperrors.HasCode(err, apperrors.ErrCodeCallNotFound) {
		return err
	}
	_ = s.registry.SetParticipantStatus(call.CallID, userID, domain.ParticipantLeft)

	remaining, err := s.store.CountParticipants(ctx, call.CallID, domain.ActiveParticipantStatuses)
	if err != nil {
		return fmt.Errorf("failed to count participants: %w", err)
	}

	if remaining <= 1 {
		if _, _, err := s.finalize(ctx, call, disconnectOutcome); err != nil {
			return err
		}
	}

	ev := Event{Name: EventParticipantDisconnect, Data: map[string]any{
		"callId": call.CallID,
		"userId": userID,
	}}
	for _, p := range participants {
		if p.UserID == userID {
			continue
		}
		s.notifier.Notify(ctx, p.UserID, ev)
	}
	return nil
}

// handleTimeout runs when one of the call timers fires
func (s *Service) handleTimeout(ctx context.Context, callID uuid.UUID, kind timeout.Kind) {
	s.metrics.RecordCallTimeout(string(kind))

	call, err := s.store.GetCall(ctx, callID)
	if err != nil {
		logger.Error("Failed to load call for timeout", logger.CallID(callID), zap.Error(err))
		return
	}

	switch kind {
	case timeout.Acceptance:
		if call.Status != domain.CallStatusRinging {
			return
		}
		if _, _, err := s.finalize(ctx, call, outcome{
			ifRinging:    callstate.CallMiss,
			participants: domain.ParticipantLeft,
			metadata: map[string]any{
				domain.MetaEndReason: "no_answer",
				domain.MetaTimedOut:  true,
			},
		}); err != nil {
			logger.Error("Failed to finalize unanswered call", logger.CallID(callID), zap.Error(err))
		}

	case timeout.Establishment:
		if call.Status != domain.CallStatusOngoing {
			return
		}
		if _, _, err := s.finalize(ctx, call, outcome{
			ifOngoing:    callstate.CallFail,
			participants: domain.ParticipantFailed,
			metadata: map[string]any{
				domain.MetaFailureReason: "establishment timeout",
				domain.MetaEndReason:     "connection_failed",
				domain.MetaTimedOut:      true,
			},
		}); err != nil {
			logger.Error("Failed to fail unestablished call", logger.CallID(callID), zap.Error(err))
		}
	}
}
