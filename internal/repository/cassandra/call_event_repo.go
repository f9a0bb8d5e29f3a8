package cassandra

import (
	"context"
	"fmt"

	"github.com/gocql/gocql"
	"github.com/google/uuid"

	"callsession-backend/internal/domain"
	"callsession-backend/pkg/audit"
)

// Schema creates the audit tables; rows are clustered newest first per call
const Schema = `
CREATE TABLE IF NOT EXISTS call_signaling_events (
	call_id uuid,
	event_time timestamp,
	event_id timeuuid,
	user_id uuid,
	event_type text,
	payload text,
	PRIMARY KEY ((call_id), event_time, event_id)
) WITH CLUSTERING ORDER BY (event_time DESC, event_id DESC);

CREATE TABLE IF NOT EXISTS call_quality_metrics (
	call_id uuid,
	sample_time timestamp,
	sample_id timeuuid,
	user_id uuid,
	packet_loss double,
	jitter double,
	round_trip_time double,
	audio_level double,
	video_resolution text,
	frame_rate double,
	bandwidth double,
	connection_state text,
	PRIMARY KEY ((call_id), sample_time, sample_id)
) WITH CLUSTERING ORDER BY (sample_time DESC, sample_id DESC);
`

// CallEventRepository is the append-only audit log for signaling events and
// quality samples. It is the sink behind the async audit writer.
type CallEventRepository struct {
	session *gocql.Session
}

// NewCallEventRepository creates a new CallEventRepository
func NewCallEventRepository(session *gocql.Session) *CallEventRepository {
	return &CallEventRepository{session: session}
}

// Write appends one audit record
func (r *CallEventRepository) Write(ctx context.Context, rec audit.Record) error {
	switch e := rec.(type) {
	case *domain.CallSignalingEvent:
		return r.saveSignalingEvent(ctx, e)
	case *domain.CallQualityMetric:
		return r.saveQualityMetric(ctx, e)
	default:
		return fmt.Errorf("unsupported audit record %T", rec)
	}
}

func (r *CallEventRepository) saveSignalingEvent(ctx context.Context, e *domain.CallSignalingEvent) error {
	query := `
		INSERT INTO call_signaling_events (
			call_id, event_time, event_id, user_id, event_type, payload
		) VALUES (?, ?, ?, ?, ?, ?)
	`

	err := r.session.Query(query,
		gocql.UUID(e.CallID),
		e.Timestamp,
		gocql.UUIDFromTime(e.Timestamp),
		gocql.UUID(e.UserID),
		string(e.EventType),
		string(e.Payload),
	).WithContext(ctx).Exec()
	if err != nil {
		return fmt.Errorf("failed to save signaling event: %w", err)
	}
	return nil
}

func (r *CallEventRepository) saveQualityMetric(ctx context.Context, m *domain.CallQualityMetric) error {
	query := `
		INSERT INTO call_quality_metrics (
			call_id, sample_time, sample_id, user_id, packet_loss, jitter,
			round_trip_time, audio_level, video_resolution, frame_rate,
			bandwidth, connection_state
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	err := r.session.Query(query,
		gocql.UUID(m.CallID),
		m.Timestamp,
		gocql.UUIDFromTime(m.Timestamp),
		gocql.UUID(m.UserID),
		m.PacketLoss,
		m.Jitter,
		m.RoundTripTime,
		m.AudioLevel,
		m.VideoResolution,
		m.FrameRate,
		m.Bandwidth,
		m.ConnectionState,
	).WithContext(ctx).Exec()
	if err != nil {
		return fmt.Errorf("failed to save quality metric: %w", err)
	}
	return nil
}

// SignalingEvents returns up to limit signaling events of a call, newest first
func (r *CallEventRepository) SignalingEvents(ctx context.Context, callID uuid.UUID, limit int) ([]*domain.CallSignalingEvent, error) {
	query := `
		SELECT call_id, user_id, event_type, payload, event_time
		FROM call_signaling_events
		WHERE call_id = ?
		LIMIT ?
	`

	iter := r.session.Query(query, gocql.UUID(callID), limit).WithContext(ctx).Iter()

	var events []*domain.CallSignalingEvent
	var (
		cid, uid           gocql.UUID
		eventType, payload string
	)
	for {
		e := &domain.CallSignalingEvent{}
		if !iter.Scan(&cid, &uid, &eventType, &payload, &e.Timestamp) {
			break
		}
		e.CallID = uuid.UUID(cid)
		e.UserID = uuid.UUID(uid)
		e.EventType = domain.SignalingEventType(eventType)
		if payload != "" {
			e.Payload = []byte(payload)
		}
		events = append(events, e)
	}

	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to fetch signaling events: %w", err)
	}
	return events, nil
}

// RecentQualityMetrics returns the newest quality samples of a call, newest first
func (r *CallEventRepository) RecentQualityMetrics(ctx context.Context, callID uuid.UUID, limit int) ([]*domain.CallQualityMetric, error) {
	query := `
		SELECT call_id, user_id, packet_loss, jitter, round_trip_time, audio_level,
		       video_resolution, frame_rate, bandwidth, connection_state, sample_time
		FROM call_quality_metrics
		WHERE call_id = ?
		LIMIT ?
	`

	iter := r.session.Query(query, gocql.UUID(callID), limit).WithContext(ctx).Iter()

	metrics := make([]*domain.CallQualityMetric, 0, limit)
	var cid, uid gocql.UUID
	for {
		m := &domain.CallQualityMetric{}
		if !iter.Scan(
			&cid,
			&uid,
			&m.PacketLoss,
			&m.Jitter,
			&m.RoundTripTime,
			&m.AudioLevel,
			&m.VideoResolution,
			&m.FrameRate,
			&m.Bandwidth,
			&m.ConnectionState,
			&m.Timestamp,
		) {
			break
		}
		m.CallID = uuid.UUID(cid)
		m.UserID = uuid.UUID(uid)
		metrics = append(metrics, m)
	}

	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to fetch quality metrics: %w", err)
	}
	return metrics, nil
}

// EnsureSchema applies Schema statement by statement
func (r *CallEventRepository) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements() {
		if err := r.session.Query(stmt).WithContext(ctx).Exec(); err != nil {
			return fmt.Errorf("failed to apply audit schema: %w", err)
		}
	}
	return nil
}
