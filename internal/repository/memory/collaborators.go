package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"callsession-backend/internal/domain"
	"callsession-backend/pkg/audit"
	apperrors "callsession-backend/pkg/errors"
)

// Directory is a fixed conversation membership table
type Directory struct {
	mu      sync.RWMutex
	members map[uuid.UUID][]uuid.UUID
}

// NewDirectory creates an empty directory
func NewDirectory() *Directory {
	return &Directory{members: make(map[uuid.UUID][]uuid.UUID)}
}

// SetMembers replaces the members of a conversation
func (d *Directory) SetMembers(conversationID uuid.UUID, members ...uuid.UUID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.members[conversationID] = append([]uuid.UUID(nil), members...)
}

// GetParticipants returns the members of a conversation
func (d *Directory) GetParticipants(ctx context.Context, conversationID uuid.UUID) ([]uuid.UUID, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	members, ok := d.members[conversationID]
	if !ok {
		return nil, apperrors.NotFoundError("Conversation")
	}
	return append([]uuid.UUID(nil), members...), nil
}

// EventLog is an append-only audit log; it is both the audit sink and the quality log
type EventLog struct {
	mu        sync.Mutex
	signaling []*domain.CallSignalingEvent
	quality   []*domain.CallQualityMetric
}

// NewEventLog creates an empty log
func NewEventLog() *EventLog {
	return &EventLog{}
}

// Write appends one audit record
func (l *EventLog) Write(ctx context.Context, rec audit.Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch r := rec.(type) {
	case *domain.CallSignalingEvent:
		l.signaling = append(l.signaling, r)
	case *domain.CallQualityMetric:
		l.quality = append(l.quality, r)
	default:
		return fmt.Errorf("unsupported audit record %T", rec)
	}
	return nil
}

// Submit writes synchronously; it lets the log stand in for the async writer
func (l *EventLog) Submit(rec audit.Record) audit.Outcome {
	if err := l.Write(context.Background(), rec); err != nil {
		return audit.Dropped
	}
	return audit.Queued
}

// SignalingEvents returns the events recorded for a call
func (l *EventLog) SignalingEvents(callID uuid.UUID) []*domain.CallSignalingEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*domain.CallSignalingEvent
	for _, e := range l.signaling {
		if e.CallID == callID {
			out = append(out, e)
		}
	}
	return out
}

// RecentQualityMetrics returns the newest samples of a call, newest first
func (l *EventLog) RecentQualityMetrics(ctx context.Context, callID uuid.UUID, limit int) ([]*domain.CallQualityMetric, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*domain.CallQualityMetric, 0, limit)
	for i := len(l.quality) - 1; i >= 0 && len(out) < limit; i-- {
		if l.quality[i].CallID == callID {
			out = append(out, l.quality[i])
		}
	}
	return out, nil
}

// HistorySink collects published call history records
type HistorySink struct {
	mu      sync.Mutex
	records []*domain.CallHistory
}

// NewHistorySink creates an empty sink
func NewHistorySink() *HistorySink {
	return &HistorySink{}
}

// Publish records the history entry
func (h *HistorySink) Publish(ctx context.Context, history *domain.CallHistory) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, history)
	return nil
}

// Records returns every history record for the call
func (h *HistorySink) Records(callID uuid.UUID) []*domain.CallHistory {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []*domain.CallHistory
	for _, r := range h.records {
		if r.CallID == callID {
			out = append(out, r)
		}
	}
	return out
}
