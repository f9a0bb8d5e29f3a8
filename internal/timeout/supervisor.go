// Package timeout runs the per-call acceptance and establishment timers.
package timeout

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"callsession-backend/pkg/logger"
)

// Kind identifies one of the two timers a call can have armed
type Kind string

const (
	// Acceptance fires when nobody answered a ringing call
	Acceptance Kind = "acceptance"
	// Establishment fires when an answered call never got media flowing
	Establishment Kind = "establishment"
)

// ExpireFunc is called when an armed timer fires
type ExpireFunc func(ctx context.Context, callID uuid.UUID, kind Kind)

type key struct {
	callID uuid.UUID
	kind   Kind
}

type armed struct {
	timer *time.Timer
	gen   uint64
}

// Supervisor owns every call timer. Each arm gets a generation number and a
// firing timer only runs the handler if its generation is still current, so
// a timer that was disarmed or re-armed concurrently never acts.
type Supervisor struct {
	mu       sync.Mutex
	timers   map[key]armed
	gen      uint64
	onExpire ExpireFunc

	acceptance    time.Duration
	establishment time.Duration
}

// NewSupervisor creates a supervisor with the given timer durations
func NewSupervisor(acceptance, establishment time.Duration) *Supervisor {
	return &Supervisor{
		timers:        make(map[key]armed),
		acceptance:    acceptance,
		establishment: establishment,
	}
}

// OnExpire sets the handler run when a timer fires
func (s *Supervisor) OnExpire(fn ExpireFunc) {
	s.mu.Lock()
	s.onExpire = fn
	s.mu.Unlock()
}

// ArmAcceptance (re)starts the acceptance timer of a call
func (s *Supervisor) ArmAcceptance(callID uuid.UUID) {
	s.arm(key{callID, Acceptance}, s.acceptance)
}

// ArmEstablishment (re)starts the establishment timer of a call
func (s *Supervisor) ArmEstablishment(callID uuid.UUID) {
	s.arm(key{callID, Establishment}, s.establishment)
}

// DisarmAcceptance stops the acceptance timer; it reports whether one was armed
func (s *Supervisor) DisarmAcceptance(callID uuid.UUID) bool {
	return s.disarm(key{callID, Acceptance})
}

// DisarmEstablishment stops the establishment timer; it reports whether one was armed
func (s *Supervisor) DisarmEstablishment(callID uuid.UUID) bool {
	return s.disarm(key{callID, Establishment})
}

// Cancel stops every timer of the call
func (s *Supervisor) Cancel(callID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disarmLocked(key{callID, Acceptance})
	s.disarmLocked(key{callID, Establishment})
}

// Armed reports whether the given timer is pending
func (s *Supervisor) Armed(callID uuid.UUID, kind Kind) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[key{callID, kind}]
	return ok
}

// Stop cancels all timers, used on shutdown
func (s *Supervisor) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.timers {
		s.disarmLocked(k)
	}
}

func (s *Supervisor) arm(k key, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.disarmLocked(k)
	s.gen++
	gen := s.gen
	s.timers[k] = armed{
		timer: time.AfterFunc(d, func() { s.fire(k, gen) }),
		gen:   gen,
	}
}

func (s *Supervisor) disarm(k key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disarmLocked(k)
}

func (s *Supervisor) disarmLocked(k key) bool {
	a, ok := s.timers[k]
	if !ok {
		return false
	}
	a.timer.Stop()
	delete(s.timers, k)
	return true
}

func (s *Supervisor) fire(k key, gen uint64) {
	s.mu.Lock()
	a, ok := s.timers[k]
	if !ok || a.gen != gen {
		s.mu.Unlock()
		return
	}
	delete(s.timers, k)
	handler := s.onExpire
	s.mu.Unlock()

	logger.Info("Call timer fired",
		logger.CallID(k.callID),
		zap.String("kind", string(k.kind)))

	if handler != nil {
		handler(context.Background(), k.callID, k.kind)
	}
}
