// Package session keeps the in-process mirror of live calls: who is in the
// room, their connection ids, negotiated connection state and media flags.
//
// The registry map lock is held only to find, insert or delete a session.
// Every mutation of one session runs under that session's own mutex, so
// operations on different calls never contend.
package session

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"callsession-backend/internal/domain"
	apperrors "callsession-backend/pkg/errors"
)

// Connection states tracked per participant
const (
	StateNew            = "new"
	StateConnecting     = "connecting"
	StateHaveLocalOffer = "have-local-offer"
	StateStable         = "stable"
	StateConnected      = "connected"
	StateDisconnected   = "disconnected"
	StateFailed         = "failed"
)

// IsEstablished reports a connection state that counts as media flowing
func IsEstablished(state string) bool {
	return state == StateConnected || state == StateStable
}

// Participant is the live view of one call participant
type Participant struct {
	UserID          uuid.UUID                `json:"user_id"`
	Status          domain.ParticipantStatus `json:"status"`
	ConnectionID    string                   `json:"connection_id,omitempty"`
	InRoom          bool                     `json:"in_room"`
	JoinedAt        *time.Time               `json:"joined_at,omitempty"`
	ConnectionState string                   `json:"connection_state"`
	MediaState      domain.MediaState        `json:"media_state"`
}

// Session is a point-in-time snapshot of a live call
type Session struct {
	CallID         uuid.UUID                 `json:"call_id"`
	ConversationID uuid.UUID                 `json:"conversation_id"`
	InitiatorID    uuid.UUID                 `json:"initiator_id"`
	Type           domain.CallType           `json:"type"`
	Status         domain.CallStatus         `json:"status"`
	CreatedAt      time.Time                 `json:"created_at"`
	Participants   map[uuid.UUID]Participant `json:"participants"`
}

// Participant returns one participant of the snapshot
func (s *Session) Participant(userID uuid.UUID) (Participant, bool) {
	p, ok := s.Participants[userID]
	return p, ok
}

// RoomMembers returns participants that joined the room and are still connected
func (s *Session) RoomMembers() []uuid.UUID {
	members := make([]uuid.UUID, 0, len(s.Participants))
	for id, p := range s.Participants {
		if p.InRoom && p.ConnectionState != StateDisconnected {
			members = append(members, id)
		}
	}
	return members
}

// Stats summarizes a live session
type Stats struct {
	CallID           uuid.UUID         `json:"call_id"`
	Status           domain.CallStatus `json:"status"`
	ParticipantCount int               `json:"participant_count"`
	ConnectedCount   int               `json:"connected_count"`
	Duration         time.Duration     `json:"duration"`
}

type entry struct {
	mu        sync.Mutex
	destroyed bool
	state     Session
}

// Registry is the set of live call sessions
type Registry struct {
	mu        sync.RWMutex
	sessions  map[uuid.UUID]*entry
	userCalls map[uuid.UUID]map[uuid.UUID]struct{}
	now       func() time.Time
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		sessions:  make(map[uuid.UUID]*entry),
		userCalls: make(map[uuid.UUID]map[uuid.UUID]struct{}),
		now:       time.Now,
	}
}

// Create registers a live session for a freshly created call and indexes
// every participant under it
func (r *Registry) Create(call *domain.Call, participants []*domain.CallParticipant) error {
	e := &entry{state: Session{
		CallID:         call.CallID,
		ConversationID: call.ConversationID,
		InitiatorID:    call.InitiatorID,
		Type:           call.Type,
		Status:         call.Status,
		CreatedAt:      r.now(),
		Participants:   make(map[uuid.UUID]Participant, len(participants)),
	}}
	for _, p := range participants {
		e.state.Participants[p.UserID] = Participant{
			UserID:          p.UserID,
			Status:          p.Status,
			ConnectionState: StateNew,
			MediaState:      p.MediaState,
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[call.CallID]; exists {
		return apperrors.ConflictError("call session already exists")
	}
	r.sessions[call.CallID] = e
	for _, p := range participants {
		r.indexLocked(p.UserID, call.CallID)
	}
	return nil
}

func (r *Registry) lookup(callID uuid.UUID) *entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[callID]
}

// with runs fn under the call's lock. A session destroyed while fn waited for
// the lock is reported as not found. fn may take the registry lock; the
// registry lock is never held while acquiring a call lock.
func (r *Registry) with(callID uuid.UUID, fn func(s *Session) error) error {
	e := r.lookup(callID)
	if e == nil {
		return apperrors.CallNotFoundError()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.destroyed {
		return apperrors.CallNotFoundError()
	}
	return fn(&e.state)
}

func (r *Registry) withParticipant(callID, userID uuid.UUID, fn func(s *Session, p *Participant) error) error {
	return r.with(callID, func(s *Session) error {
		p, ok := s.Participants[userID]
		if !ok {
			return apperrors.NotParticipantError()
		}
		if err := fn(s, &p); err != nil {
			return err
		}
		s.Participants[userID] = p
		return nil
	})
}

func (r *Registry) index(userID, callID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.indexLocked(userID, callID)
}

func (r *Registry) indexLocked(userID, callID uuid.UUID) {
	calls, ok := r.userCalls[userID]
	if !ok {
		calls = make(map[uuid.UUID]struct{})
		r.userCalls[userID] = calls
	}
	calls[callID] = struct{}{}
}

func (r *Registry) unindex(userID, callID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unindexLocked(userID, callID)
}

func (r *Registry) unindexLocked(userID, callID uuid.UUID) {
	calls, ok := r.userCalls[userID]
	if !ok {
		return
	}
	delete(calls, callID)
	if len(calls) == 0 {
		delete(r.userCalls, userID)
	}
}

// Join puts a participant in the call room on the given connection
func (r *Registry) Join(callID, userID uuid.UUID, connectionID string) (*Session, error) {
	var snap *Session
	err := r.withParticipant(callID, userID, func(s *Session, p *Participant) error {
		now := r.now()
		p.InRoom = true
		p.ConnectionID = connectionID
		p.ConnectionState = StateConnecting
		p.JoinedAt = &now
		s.Participants[userID] = *p
		snap = s.clone()
		r.index(userID, callID)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// Leave marks the participant disconnected and reports whether the call
// should now be completed (at most one participant still connected).
// The user stays indexed under the call until its participant status is terminal.
func (r *Registry) Leave(callID, userID uuid.UUID) (bool, error) {
	var complete bool
	err := r.withParticipant(callID, userID, func(s *Session, p *Participant) error {
		p.InRoom = false
		p.ConnectionState = StateDisconnected
		s.Participants[userID] = *p
		complete = s.completed()
		return nil
	})
	if err != nil {
		return false, err
	}
	return complete, nil
}

// UpdateMediaState merges a partial media update and returns the merged state
func (r *Registry) UpdateMediaState(callID, userID uuid.UUID, patch domain.MediaPatch) (domain.MediaState, error) {
	var merged domain.MediaState
	err := r.withParticipant(callID, userID, func(_ *Session, p *Participant) error {
		p.MediaState = patch.Apply(p.MediaState)
		merged = p.MediaState
		return nil
	})
	return merged, err
}

// SetConnectionState records the negotiated connection state of a participant
func (r *Registry) SetConnectionState(callID, userID uuid.UUID, state string) error {
	return r.withParticipant(callID, userID, func(_ *Session, p *Participant) error {
		p.ConnectionState = state
		return nil
	})
}

// SetStatus mirrors the durable call status
func (r *Registry) SetStatus(callID uuid.UUID, status domain.CallStatus) error {
	return r.with(callID, func(s *Session) error {
		s.Status = status
		return nil
	})
}

// SetParticipantStatus mirrors a durable participant status. A participant
// that rejected, left or failed is dropped from the user index.
func (r *Registry) SetParticipantStatus(callID, userID uuid.UUID, status domain.ParticipantStatus) error {
	return r.withParticipant(callID, userID, func(_ *Session, p *Participant) error {
		p.Status = status
		if !status.IsActive() {
			r.unindex(userID, callID)
		}
		return nil
	})
}

// CompletionCheck reports whether at most one participant is still connected
func (r *Registry) CompletionCheck(callID uuid.UUID) (bool, error) {
	var complete bool
	err := r.with(callID, func(s *Session) error {
		complete = s.completed()
		return nil
	})
	return complete, err
}

// Destroy removes the session and its user index entries. It returns false
// if there was nothing to destroy.
func (r *Registry) Destroy(callID uuid.UUID) bool {
	r.mu.Lock()
	e, ok := r.sessions[callID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.sessions, callID)
	r.mu.Unlock()

	e.mu.Lock()
	e.destroyed = true
	users := make([]uuid.UUID, 0, len(e.state.Participants))
	for id := range e.state.Participants {
		users = append(users, id)
	}
	e.mu.Unlock()

	r.mu.Lock()
	for _, id := range users {
		r.unindexLocked(id, callID)
	}
	r.mu.Unlock()
	return true
}

// Get returns a snapshot of the session
func (r *Registry) Get(callID uuid.UUID) (*Session, bool) {
	var snap *Session
	err := r.with(callID, func(s *Session) error {
		snap = s.clone()
		return nil
	})
	if err != nil {
		return nil, false
	}
	return snap, true
}

// CallsForUser lists live calls the user still takes part in: invited or
// joined, whether or not currently connected
func (r *Registry) CallsForUser(userID uuid.UUID) []uuid.UUID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	calls := make([]uuid.UUID, 0, len(r.userCalls[userID]))
	for id := range r.userCalls[userID] {
		calls = append(calls, id)
	}
	return calls
}

// Stats returns live counters for the call
func (r *Registry) Stats(callID uuid.UUID) (Stats, error) {
	var st Stats
	err := r.with(callID, func(s *Session) error {
		st = Stats{
			CallID:           s.CallID,
			Status:           s.Status,
			ParticipantCount: len(s.Participants),
			Duration:         r.now().Sub(s.CreatedAt),
		}
		for _, p := range s.Participants {
			if IsEstablished(p.ConnectionState) {
				st.ConnectedCount++
			}
		}
		return nil
	})
	return st, err
}

// Count returns the number of live sessions
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (s *Session) completed() bool {
	remaining := 0
	for _, p := range s.Participants {
		if p.ConnectionState != StateDisconnected {
			remaining++
		}
	}
	return remaining <= 1
}

func (s *Session) clone() *Session {
	cp := *s
	cp.Participants = make(map[uuid.UUID]Participant, len(s.Participants))
	for id, p := range s.Participants {
		if p.JoinedAt != nil {
			t := *p.JoinedAt
			p.JoinedAt = &t
		}
		cp.Participants[id] = p
	}
	return &cp
}
