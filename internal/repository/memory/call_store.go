// Package memory provides in-process implementations of the call service
// collaborators. They back the service in tests and in single-node
// development mode (store.driver = memory).
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"callsession-backend/internal/domain"
	apperrors "callsession-backend/pkg/errors"
)

type callRecord struct {
	call         *domain.Call
	participants map[uuid.UUID]*domain.CallParticipant
	order        []uuid.UUID
}

// CallStore keeps calls in memory with the same conditional update semantics
// as the CockroachDB repository
type CallStore struct {
	mu    sync.Mutex
	calls map[uuid.UUID]*callRecord
}

// NewCallStore creates an empty store
func NewCallStore() *CallStore {
	return &CallStore{calls: make(map[uuid.UUID]*callRecord)}
}

// CreateCall stores a call with its participants
func (s *CallStore) CreateCall(ctx context.Context, call *domain.Call, participants []*domain.CallParticipant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.calls[call.CallID]; exists {
		return apperrors.ConflictError("call already exists")
	}
	rec := &callRecord{
		call:         call.Clone(),
		participants: make(map[uuid.UUID]*domain.CallParticipant, len(participants)),
	}
	for _, p := range participants {
		cp := *p
		rec.participants[p.UserID] = &cp
		rec.order = append(rec.order, p.UserID)
	}
	s.calls[call.CallID] = rec
	return nil
}

// GetCall retrieves a call by ID
func (s *CallStore) GetCall(ctx context.Context, callID uuid.UUID) (*domain.Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.calls[callID]
	if !ok {
		return nil, apperrors.CallNotFoundError()
	}
	return rec.call.Clone(), nil
}

// GetParticipants lists the participants of a call in creation order
func (s *CallStore) GetParticipants(ctx context.Context, callID uuid.UUID) ([]*domain.CallParticipant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.calls[callID]
	if !ok {
		return nil, apperrors.CallNotFoundError()
	}
	return rec.snapshot(), nil
}

// GetParticipant returns one participant of a call
func (s *CallStore) GetParticipant(ctx context.Context, callID, userID uuid.UUID) (*domain.CallParticipant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.calls[callID]
	if !ok {
		return nil, apperrors.CallNotFoundError()
	}
	p, ok := rec.participants[userID]
	if !ok {
		return nil, apperrors.NotParticipantError()
	}
	cp := *p
	return &cp, nil
}

// HasActiveCall reports whether the conversation has a RINGING or ONGOING call
func (s *CallStore) HasActiveCall(ctx context.Context, conversationID uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rec := range s.calls {
		if rec.call.ConversationID == conversationID && !rec.call.Status.IsTerminal() {
			return true, nil
		}
	}
	return false, nil
}

// MarkOngoing moves a RINGING call to ONGOING and stamps startedAt
func (s *CallStore) MarkOngoing(ctx context.Context, callID uuid.UUID, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.calls[callID]
	if !ok {
		return false, apperrors.CallNotFoundError()
	}
	if rec.call.Status != domain.CallStatusRinging {
		return false, nil
	}
	rec.call.Status = domain.CallStatusOngoing
	if rec.call.StartedAt == nil {
		started := at
		rec.call.StartedAt = &started
	}
	return true, nil
}

// TransitionParticipant moves a participant to `to` if its status is one of `from`
func (s *CallStore) TransitionParticipant(ctx context.Context, callID, userID uuid.UUID, from []domain.ParticipantStatus, to domain.ParticipantStatus, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.calls[callID]
	if !ok {
		return false, apperrors.CallNotFoundError()
	}
	p, ok := rec.participants[userID]
	if !ok {
		return false, apperrors.NotParticipantError()
	}
	if !statusIn(p.Status, from) {
		return false, nil
	}
	applyParticipantStatus(p, to, at)
	return true, nil
}

// CountParticipants counts participants whose status is in statuses
func (s *CallStore) CountParticipants(ctx context.Context, callID uuid.UUID, statuses []domain.ParticipantStatus) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.calls[callID]
	if !ok {
		return 0, apperrors.CallNotFoundError()
	}
	n := 0
	for _, p := range rec.participants {
		if statusIn(p.Status, statuses) {
			n++
		}
	}
	return n, nil
}

// UpdateParticipantMedia stores the merged media flags
func (s *CallStore) UpdateParticipantMedia(ctx context.Context, callID, userID uuid.UUID, media domain.MediaState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.calls[callID]
	if !ok {
		return apperrors.CallNotFoundError()
	}
	p, ok := rec.participants[userID]
	if !ok {
		return apperrors.NotParticipantError()
	}
	p.MediaState = media
	return nil
}

// FinalizeCall applies f atomically with the participant update
func (s *CallStore) FinalizeCall(ctx context.Context, callID uuid.UUID, f domain.CallFinalization) (*domain.FinalizeResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.calls[callID]
	if !ok {
		return nil, apperrors.CallNotFoundError()
	}

	prev := rec.call.Status
	to, allowed := f.Target(prev)
	if !allowed {
		return &domain.FinalizeResult{Call: rec.call.Clone(), Participants: rec.snapshot()}, nil
	}

	endedAt := f.At
	rec.call.Status = to
	rec.call.EndedAt = &endedAt
	if prev == domain.CallStatusOngoing && rec.call.StartedAt != nil {
		d := int(endedAt.Sub(*rec.call.StartedAt) / time.Second)
		if d < 0 {
			d = 0
		}
		rec.call.Duration = &d
	}
	if len(f.Metadata) > 0 {
		if rec.call.Metadata == nil {
			rec.call.Metadata = make(map[string]any, len(f.Metadata))
		}
		for k, v := range f.Metadata {
			rec.call.Metadata[k] = v
		}
	}

	for _, p := range rec.participants {
		if p.Status.IsActive() {
			applyParticipantStatus(p, f.ParticipantStatus, f.At)
		}
	}

	return &domain.FinalizeResult{Call: rec.call.Clone(), Participants: rec.snapshot(), Applied: true}, nil
}

// ListActiveCallsForUser returns live calls where the user is still INVITED or JOINED
func (s *CallStore) ListActiveCallsForUser(ctx context.Context, userID uuid.UUID) ([]*domain.Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var calls []*domain.Call
	for _, rec := range s.calls {
		if rec.call.Status.IsTerminal() {
			continue
		}
		if p, ok := rec.participants[userID]; ok && p.Status.IsActive() {
			calls = append(calls, rec.call.Clone())
		}
	}
	sortNewestFirst(calls)
	return calls, nil
}

// ListUserCalls pages through every call the user took part in, newest first
func (s *CallStore) ListUserCalls(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var calls []*domain.Call
	for _, rec := range s.calls {
		if _, ok := rec.participants[userID]; ok {
			calls = append(calls, rec.call.Clone())
		}
	}
	sortNewestFirst(calls)

	if offset >= len(calls) {
		return []*domain.Call{}, nil
	}
	end := offset + limit
	if end > len(calls) {
		end = len(calls)
	}
	return calls[offset:end], nil
}

func (r *callRecord) snapshot() []*domain.CallParticipant {
	out := make([]*domain.CallParticipant, 0, len(r.order))
	for _, id := range r.order {
		cp := *r.participants[id]
		out = append(out, &cp)
	}
	return out
}

func applyParticipantStatus(p *domain.CallParticipant, to domain.ParticipantStatus, at time.Time) {
	p.Status = to
	t := at
	switch to {
	case domain.ParticipantJoined:
		if p.JoinedAt == nil {
			p.JoinedAt = &t
		}
	case domain.ParticipantLeft, domain.ParticipantRejected, domain.ParticipantFailed:
		p.LeftAt = &t
	}
}

func statusIn(s domain.ParticipantStatus, set []domain.ParticipantStatus) bool {
	for _, candidate := range set {
		if s == candidate {
			return true
		}
	}
	return false
}

func sortNewestFirst(calls []*domain.Call) {
	sort.Slice(calls, func(i, j int) bool {
		return calls[i].CreatedAt.After(calls[j].CreatedAt)
	})
}
