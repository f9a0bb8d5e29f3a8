package call

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"callsession-backend/internal/callstate"
	"callsession-backend/internal/domain"
	"callsession-backend/pkg/logger"
)

// outcome describes how a live call should be finalized. An empty event means
// the call may not be finalized from that status.
type outcome struct {
	ifRinging    callstate.CallEvent
	ifOngoing    callstate.CallEvent
	participants domain.ParticipantStatus
	// history overrides the status reported to the messaging service
	history  *domain.HistoryStatus
	metadata map[string]any
}

func (o outcome) finalization(at time.Time) (domain.CallFinalization, error) {
	f := domain.CallFinalization{
		ParticipantStatus: o.participants,
		At:                at,
		Metadata:          o.metadata,
	}
	if o.ifRinging != "" {
		to, err := callstate.CallTarget(domain.CallStatusRinging, o.ifRinging)
		if err != nil {
			return f, err
		}
		f.IfRinging = to
	}
	if o.ifOngoing != "" {
		to, err := callstate.CallTarget(domain.CallStatusOngoing, o.ifOngoing)
		if err != nil {
			return f, err
		}
		f.IfOngoing = to
	}
	return f, nil
}

// finalize moves the call to its terminal status. When the store applied the
// change, the live session, timers and id mapping are torn down together and
// exactly one history record is published. A finalize that lost the race
// returns the current record and applied=false.
func (s *Service) finalize(ctx context.Context, call *domain.Call, o outcome) (*domain.Call, bool, error) {
	f, err := o.finalization(s.now())
	if err != nil {
		return nil, false, err
	}

	res, err := s.store.FinalizeCall(ctx, call.CallID, f)
	if err != nil {
		return nil, false, fmt.Errorf("failed to finalize call: %w", err)
	}
	if !res.Applied {
		logger.Debug("Call finalize lost precondition race",
			logger.CallID(call.CallID),
			zap.String("status", string(res.Call.Status)))
		return res.Call, false, nil
	}

	final := res.Call
	s.teardown(final.CallID)

	duration := 0
	if final.Duration != nil {
		duration = *final.Duration
	}

	logger.Info("Call finalized",
		logger.CallID(final.CallID),
		zap.String("status", string(final.Status)),
		zap.Int("duration", duration))

	s.metrics.RecordCall(string(final.Type), string(final.Status))
	if final.Duration != nil {
		s.metrics.RecordCallDuration(string(final.Type), time.Duration(duration)*time.Second)
	}
	if final.Status == domain.CallStatusFailed {
		reason, _ := final.Metadata[domain.MetaFailureReason].(string)
		s.metrics.RecordCallFailure(string(final.Type), reason)
	}

	historyStatus := domain.HistoryStatus(final.Status)
	if o.history != nil {
		historyStatus = *o.history
	}
	s.publishHistory(ctx, final, res.Participants, historyStatus, duration)

	name := EventCallEnded
	if final.Status == domain.CallStatusFailed {
		name = EventCallFailed
	}
	ev := Event{Name: name, Data: map[string]any{
		"callId":   final.CallID,
		"status":   final.Status,
		"duration": duration,
		"metadata": final.Metadata,
	}}
	for _, p := range res.Participants {
		s.notifier.Notify(ctx, p.UserID, ev)
	}

	return final, true, nil
}

// teardown removes every piece of live state for the call
func (s *Service) teardown(callID uuid.UUID) {
	s.timers.Cancel(callID)
	s.registry.Destroy(callID)
	s.resolver.Forget(callID)
	s.metrics.SetActiveCalls(s.registry.Count())
}

func (s *Service) publishHistory(ctx context.Context, call *domain.Call, participants []*domain.CallParticipant, status domain.HistoryStatus, duration int) {
	history := &domain.CallHistory{
		CallID:         call.CallID,
		ConversationID: call.ConversationID,
		Type:           call.Type,
		Status:         status,
		Duration:       duration,
		StartedAt:      call.StartedAt,
		EndedAt:        call.EndedAt,
		InitiatorID:    call.InitiatorID,
		Participants:   participants,
	}
	if err := s.history.Publish(ctx, history); err != nil {
		logger.Error("Failed to publish call history",
			logger.CallID(call.CallID),
			zap.Error(err))
	}
}
