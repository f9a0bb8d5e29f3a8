// Package call orchestrates the call lifecycle: creation, answer, rejection,
// ending and failure, the signaling relay between participants, timer
// expiry and repair after dropped connections.
package call

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"callsession-backend/internal/callid"
	"callsession-backend/internal/callstate"
	"callsession-backend/internal/domain"
	"callsession-backend/internal/session"
	"callsession-backend/internal/timeout"
	apperrors "callsession-backend/pkg/errors"
	"callsession-backend/pkg/logger"
	"callsession-backend/pkg/metrics"
	"callsession-backend/pkg/pagination"
)

// Dependencies are the collaborators of the call service
type Dependencies struct {
	Store      CallStore
	Directory  ConversationDirectory
	Registry   *session.Registry
	Resolver   *callid.Resolver
	Timers     *timeout.Supervisor
	Audit      AuditSubmitter
	QualityLog QualityLog
	History    HistoryPublisher
	Metrics    *metrics.Metrics
}

// Service handles call business logic
type Service struct {
	store      CallStore
	directory  ConversationDirectory
	registry   *session.Registry
	resolver   *callid.Resolver
	timers     *timeout.Supervisor
	audit      AuditSubmitter
	qualityLog QualityLog
	history    HistoryPublisher
	metrics    *metrics.Metrics
	notifier   Notifier
	cfg        Config
	now        func() time.Time
}

// NewService creates a new call service and registers it as the timer handler
func NewService(deps Dependencies, cfg Config) *Service {
	if cfg.QualitySampleWindow <= 0 {
		cfg.QualitySampleWindow = 10
	}
	s := &Service{
		store:      deps.Store,
		directory:  deps.Directory,
		registry:   deps.Registry,
		resolver:   deps.Resolver,
		timers:     deps.Timers,
		audit:      deps.Audit,
		qualityLog: deps.QualityLog,
		history:    deps.History,
		metrics:    deps.Metrics,
		notifier:   noopNotifier{},
		cfg:        cfg,
		now:        func() time.Time { return time.Now().UTC() },
	}
	s.timers.OnExpire(s.handleTimeout)
	return s
}

// SetNotifier wires the push channel once it exists
func (s *Service) SetNotifier(n Notifier) {
	if n == nil {
		n = noopNotifier{}
	}
	s.notifier = n
}

// ResolveRef maps a reference sent by userID to a canonical call id
func (s *Service) ResolveRef(userID uuid.UUID, raw string) (uuid.UUID, bool) {
	return s.resolver.Resolve(userID, callid.ParseRef(raw)).ID()
}

// Initiate creates a call in a conversation and rings every other member
func (s *Service) Initiate(ctx context.Context, input *InitiateInput) (*CallDetails, error) {
	ref := callid.ParseRef(input.EphemeralRef)
	existing, claimed := s.resolver.Reserve(input.CallerID, ref)
	switch {
	case claimed:
		defer s.resolver.Release(input.CallerID, ref)
	case existing != uuid.Nil:
		return s.retried(ctx, existing, input)
	case !ref.IsZero() && !ref.IsCanonical():
		return nil, apperrors.ConflictError("call initiation already in progress")
	}

	if input.Type != domain.CallTypeAudio && input.Type != domain.CallTypeVideo {
		return nil, apperrors.ValidationError("type must be AUDIO or VIDEO")
	}

	members, err := s.directory.GetParticipants(ctx, input.ConversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation participants: %w", err)
	}
	if !containsUser(members, input.CallerID) {
		return nil, apperrors.NotFoundError("Conversation")
	}
	if len(members) < 2 {
		return nil, apperrors.ValidationError("conversation has no one to call")
	}

	if !s.cfg.AllowConcurrentCalls {
		active, err := s.store.HasActiveCall(ctx, input.ConversationID)
		if err != nil {
			return nil, fmt.Errorf("failed to check active calls: %w", err)
		}
		if active {
			return nil, apperrors.InvalidStateError("conversation already has an active call")
		}
	}

	now := s.now()
	call := &domain.Call{
		CallID:         uuid.New(),
		ConversationID: input.ConversationID,
		InitiatorID:    input.CallerID,
		Type:           input.Type,
		Status:         domain.CallStatusRinging,
		CreatedAt:      now,
		IceServers:     s.cfg.ICEServers,
		Metadata:       map[string]any{domain.MetaParticipantCount: len(members)},
	}

	initialMedia := domain.MediaState{Audio: true, Video: input.Type == domain.CallTypeVideo}
	participants := make([]*domain.CallParticipant, 0, len(members))
	for _, userID := range members {
		p := &domain.CallParticipant{
			CallID:     call.CallID,
			UserID:     userID,
			Status:     domain.ParticipantInvited,
			MediaState: initialMedia,
		}
		if userID == input.CallerID {
			joinedAt := now
			p.Status = domain.ParticipantJoined
			p.JoinedAt = &joinedAt
		}
		participants = append(participants, p)
	}

	if err := s.registry.Create(call, participants); err != nil {
		return nil, fmt.Errorf("failed to register call session: %w", err)
	}
	if err := s.store.CreateCall(ctx, call, participants); err != nil {
		s.registry.Destroy(call.CallID)
		return nil, fmt.Errorf("failed to create call record: %w", err)
	}

	s.resolver.Register(input.CallerID, ref, call.CallID)
	s.timers.ArmAcceptance(call.CallID)
	s.metrics.SetActiveCalls(s.registry.Count())

	logger.Info("Call initiated",
		logger.CallID(call.CallID),
		logger.UserID(input.CallerID),
		zap.String("type", string(call.Type)),
		zap.Int("participants", len(participants)))

	details := &CallDetails{Call: call, Participants: participants}
	for _, p := range participants {
		if p.UserID == input.CallerID {
			continue
		}
		s.notifier.Notify(ctx, p.UserID, Event{Name: EventCallIncoming, Data: map[string]any{
			"call":         call,
			"participants": participants,
			"initiatorId":  input.CallerID,
		}})
	}
	return details, nil
}

// retried returns the call a repeated push-path initiation already created.
// The caller's reference names a single call; reusing it for another
// conversation is a conflict.
func (s *Service) retried(ctx context.Context, callID uuid.UUID, input *InitiateInput) (*CallDetails, error) {
	details, err := s.details(ctx, callID)
	if err != nil {
		return nil, err
	}
	if details.Call.InitiatorID != input.CallerID || details.Call.ConversationID != input.ConversationID {
		return nil, apperrors.ConflictError("call reference already names another call")
	}
	return details, nil
}

// Answer accepts a ringing call on behalf of an invited participant
func (s *Service) Answer(ctx context.Context, callID, userID uuid.UUID) (*domain.Call, error) {
	call, part, err := s.callAndParticipant(ctx, callID, userID)
	if err != nil {
		return nil, err
	}
	if call.InitiatorID == userID {
		return nil, apperrors.InvalidStateError("initiator cannot answer their own call")
	}
	if _, err := callstate.CallTarget(call.Status, callstate.CallAnswer); err != nil {
		return nil, err
	}

	now := s.now()
	if part.Status != domain.ParticipantJoined {
		if err := s.moveParticipant(ctx, callID, userID, part.Status, callstate.ParticipantJoin, now); err != nil {
			return nil, err
		}
	}

	started, err := s.store.MarkOngoing(ctx, callID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to mark call ongoing: %w", err)
	}
	if started {
		_ = s.registry.SetStatus(callID, domain.CallStatusOngoing)
		s.timers.DisarmAcceptance(callID)
		s.timers.ArmEstablishment(callID)
		logger.Info("Call answered", logger.CallID(callID), logger.UserID(userID))
	}

	current, err := s.store.GetCall(ctx, callID)
	if err != nil {
		return nil, err
	}
	if !started && current.Status.IsTerminal() {
		// The call was finalized between the join and the start
		return nil, apperrors.InvalidStateError(fmt.Sprintf("call already %s", current.Status))
	}

	s.notifyParticipants(ctx, callID, userID, Event{Name: EventCallAccepted, Data: map[string]any{
		"callId": callID,
		"userId": userID,
	}})

	return current, nil
}

// Reject declines a ringing call. The call ends once fewer than two
// participants could still take part.
func (s *Service) Reject(ctx context.Context, callID, userID uuid.UUID) (*domain.Call, error) {
	call, part, err := s.callAndParticipant(ctx, callID, userID)
	if err != nil {
		return nil, err
	}
	if !callstate.CanCall(call.Status, callstate.CallRejectAll) {
		return nil, apperrors.InvalidStateError(fmt.Sprintf("call cannot be rejected while %s", call.Status))
	}
	if part.Status == domain.ParticipantRejected {
		return call, nil
	}
	if err := s.moveParticipant(ctx, callID, userID, part.Status, callstate.ParticipantReject, s.now()); err != nil {
		return nil, err
	}

	s.notifyParticipants(ctx, callID, userID, Event{Name: EventCallRejected, Data: map[string]any{
		"callId": callID,
		"userId": userID,
	}})

	remaining, err := s.store.CountParticipants(ctx, callID, domain.ActiveParticipantStatuses)
	if err != nil {
		return nil, fmt.Errorf("failed to count participants: %w", err)
	}
	if remaining <= 1 {
		rejected := domain.HistoryRejected
		res, _, err := s.finalize(ctx, call, outcome{
			ifRinging:    callstate.CallRejectAll,
			participants: domain.ParticipantLeft,
			history:      &rejected,
			metadata: map[string]any{
				domain.MetaEndReason: "rejected",
				domain.MetaEndedBy:   userID.String(),
			},
		})
		return res, err
	}

	return s.store.GetCall(ctx, callID)
}

// End hangs up a call for everyone. Ending a call that already reached a
// terminal status returns the stored record.
func (s *Service) End(ctx context.Context, callID, userID uuid.UUID) (*domain.Call, error) {
	call, _, err := s.callAndParticipant(ctx, callID, userID)
	if err != nil {
		return nil, err
	}
	if call.Status.IsTerminal() {
		return call, nil
	}

	res, _, err := s.finalize(ctx, call, outcome{
		ifRinging:    callstate.CallEnd,
		ifOngoing:    callstate.CallEnd,
		participants: domain.ParticipantLeft,
		metadata:     map[string]any{domain.MetaEndedBy: userID.String()},
	})
	return res, err
}

// ReportFailure lets a participant mark the call as failed
func (s *Service) ReportFailure(ctx context.Context, callID, userID uuid.UUID, reason string) (*domain.Call, error) {
	if _, _, err := s.callAndParticipant(ctx, callID, userID); err != nil {
		return nil, err
	}
	return s.MarkFailed(ctx, callID, reason)
}

// MarkFailed moves a live call to FAILED. A call already terminal when read
// is an INVALID_STATE error; losing the race to another finalize is not.
func (s *Service) MarkFailed(ctx context.Context, callID uuid.UUID, reason string) (*domain.Call, error) {
	call, err := s.store.GetCall(ctx, callID)
	if err != nil {
		return nil, err
	}
	if call.Status.IsTerminal() {
		return nil, apperrors.InvalidStateError(fmt.Sprintf("call already %s", call.Status))
	}
	if reason == "" {
		reason = "unknown"
	}

	res, _, err := s.finalize(ctx, call, outcome{
		ifRinging:    callstate.CallFail,
		ifOngoing:    callstate.CallFail,
		participants: domain.ParticipantFailed,
		metadata:     map[string]any{domain.MetaFailureReason: reason},
	})
	return res, err
}

// GetCall returns a call and its participants to one of them
func (s *Service) GetCall(ctx context.Context, callID, userID uuid.UUID) (*CallDetails, error) {
	if _, err := s.store.GetParticipant(ctx, callID, userID); err != nil {
		return nil, err
	}
	return s.details(ctx, callID)
}

// GetCallHistory lists calls the user took part in, newest first
func (s *Service) GetCallHistory(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.Call, error) {
	page := pagination.Clamp(limit, offset)
	calls, err := s.store.ListUserCalls(ctx, userID, page.Limit, page.Offset)
	if err != nil {
		return nil, fmt.Errorf("failed to get call history: %w", err)
	}
	return calls, nil
}

func (s *Service) details(ctx context.Context, callID uuid.UUID) (*CallDetails, error) {
	call, err := s.store.GetCall(ctx, callID)
	if err != nil {
		return nil, err
	}
	participants, err := s.store.GetParticipants(ctx, callID)
	if err != nil {
		return nil, fmt.Errorf("failed to get participants: %w", err)
	}
	return &CallDetails{Call: call, Participants: participants}, nil
}

func (s *Service) callAndParticipant(ctx context.Context, callID, userID uuid.UUID) (*domain.Call, *domain.CallParticipant, error) {
	call, err := s.store.GetCall(ctx, callID)
	if err != nil {
		return nil, nil, err
	}
	part, err := s.store.GetParticipant(ctx, callID, userID)
	if err != nil {
		return nil, nil, err
	}
	return call, part, nil
}

// moveParticipant applies a participant edge in the store. If another writer
// got there first and already produced the same status the move counts as done.
func (s *Service) moveParticipant(ctx context.Context, callID, userID uuid.UUID, from domain.ParticipantStatus, ev callstate.ParticipantEvent, at time.Time) error {
	to, err := callstate.ParticipantTarget(from, ev)
	if err != nil {
		return err
	}

	applied, err := s.store.TransitionParticipant(ctx, callID, userID, callstate.ParticipantSources(ev), to, at)
	if err != nil {
		return fmt.Errorf("failed to update participant: %w", err)
	}
	if !applied {
		current, err := s.store.GetParticipant(ctx, callID, userID)
		if err != nil {
			return err
		}
		if current.Status != to {
			return apperrors.InvalidStateError(fmt.Sprintf("participant is %s", current.Status))
		}
	}

	_ = s.registry.SetParticipantStatus(callID, userID, to)
	return nil
}

// notifyParticipants sends ev to every participant of the call except skip
func (s *Service) notifyParticipants(ctx context.Context, callID, skip uuid.UUID, ev Event) {
	participants, err := s.store.GetParticipants(ctx, callID)
	if err != nil {
		logger.Warn("Failed to load participants for notification",
			logger.CallID(callID),
			zap.String("event", ev.Name),
			zap.Error(err))
		return
	}
	for _, p := range participants {
		if p.UserID == skip {
			continue
		}
		s.notifier.Notify(ctx, p.UserID, ev)
	}
}

func containsUser(ids []uuid.UUID, id uuid.UUID) bool {
	for _, candidate := range ids {
		if candidate == id {
			return true
		}
	}
	return false
}
