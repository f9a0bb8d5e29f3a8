package timeout

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

type recorder struct {
	mu    sync.Mutex
	fired []Kind
	count atomic.Int32
}

func (r *recorder) handle(_ context.Context, _ uuid.UUID, kind Kind) {
	r.mu.Lock()
	r.fired = append(r.fired, kind)
	r.mu.Unlock()
	r.count.Add(1)
}

func TestAcceptanceFires(t *testing.T) {
	s := NewSupervisor(10*time.Millisecond, time.Hour)
	rec := &recorder{}
	s.OnExpire(rec.handle)

	callID := uuid.New()
	s.ArmAcceptance(callID)
	assert.True(t, s.Armed(callID, Acceptance))

	assert.Eventually(t, func() bool { return rec.count.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.False(t, s.Armed(callID, Acceptance))
	rec.mu.Lock()
	assert.Equal(t, []Kind{Acceptance}, rec.fired)
	rec.mu.Unlock()
}

func TestDisarmedTimerNeverFires(t *testing.T) {
	s := NewSupervisor(20*time.Millisecond, 20*time.Millisecond)
	rec := &recorder{}
	s.OnExpire(rec.handle)

	callID := uuid.New()
	s.ArmAcceptance(callID)
	s.ArmEstablishment(callID)
	assert.True(t, s.DisarmAcceptance(callID))
	assert.False(t, s.DisarmAcceptance(callID))
	s.Cancel(callID)

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, int32(0), rec.count.Load())
}

func TestRearmReplacesPreviousTimer(t *testing.T) {
	s := NewSupervisor(time.Hour, 30*time.Millisecond)
	rec := &recorder{}
	s.OnExpire(rec.handle)

	callID := uuid.New()
	s.ArmEstablishment(callID)
	s.ArmEstablishment(callID)

	assert.Eventually(t, func() bool { return rec.count.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), rec.count.Load())
}

func TestStaleGenerationIsIgnored(t *testing.T) {
	s := NewSupervisor(time.Hour, time.Hour)
	rec := &recorder{}
	s.OnExpire(rec.handle)

	callID := uuid.New()
	s.ArmAcceptance(callID)
	s.mu.Lock()
	stale := s.timers[key{callID, Acceptance}].gen
	s.mu.Unlock()
	s.ArmAcceptance(callID)

	// A callback from the replaced timer racing past Stop must be a no-op
	s.fire(key{callID, Acceptance}, stale)
	assert.Equal(t, int32(0), rec.count.Load())
	assert.True(t, s.Armed(callID, Acceptance))
	s.Stop()
	assert.False(t, s.Armed(callID, Acceptance))
}
