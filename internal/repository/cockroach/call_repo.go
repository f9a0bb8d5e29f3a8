package cockroach

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pion/webrtc/v4"

	"callsession-backend/internal/domain"
	apperrors "callsession-backend/pkg/errors"
)

const uniqueViolation = "23505"

const callColumns = `
	c.call_id, c.conversation_id, c.initiator_id, c.call_type, c.status,
	c.created_at, c.started_at, c.ended_at, c.duration, c.ice_servers, c.metadata`

const participantColumns = `
	call_id, user_id, status, joined_at, left_at, audio_enabled, video_enabled`

// CallRepository is the durable call store. Every status change is a
// conditional UPDATE; zero affected rows means another writer got there first.
type CallRepository struct {
	pool *pgxpool.Pool
}

// NewCallRepository creates a new call repository
func NewCallRepository(pool *pgxpool.Pool) *CallRepository {
	return &CallRepository{pool: pool}
}

// CreateCall inserts a call and its participants in one transaction
func (r *CallRepository) CreateCall(ctx context.Context, call *domain.Call, participants []*domain.CallParticipant) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	iceServers := call.IceServers
	if iceServers == nil {
		iceServers = []webrtc.ICEServer{}
	}
	metadata := call.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO calls (
			call_id, conversation_id, initiator_id, call_type, status,
			created_at, ice_servers, metadata
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`,
		call.CallID,
		call.ConversationID,
		call.InitiatorID,
		string(call.Type),
		string(call.Status),
		call.CreatedAt,
		iceServers,
		metadata,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return apperrors.ConflictError("call already exists")
		}
		return fmt.Errorf("failed to create call: %w", err)
	}

	batch := &pgx.Batch{}
	for i, p := range participants {
		batch.Queue(`
			INSERT INTO call_participants (
				call_id, user_id, ordinal, status, joined_at, left_at, audio_enabled, video_enabled
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`,
			p.CallID,
			p.UserID,
			i,
			string(p.Status),
			p.JoinedAt,
			p.LeftAt,
			p.MediaState.Audio,
			p.MediaState.Video,
		)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to add participants: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit call: %w", err)
	}
	return nil
}

// GetCall retrieves a call by ID
func (r *CallRepository) GetCall(ctx context.Context, callID uuid.UUID) (*domain.Call, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+callColumns+` FROM calls c WHERE c.call_id = $1`, callID)
	call, err := scanCall(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.CallNotFoundError()
		}
		return nil, fmt.Errorf("failed to get call: %w", err)
	}
	return call, nil
}

// GetParticipants lists the participants of a call in invitation order
func (r *CallRepository) GetParticipants(ctx context.Context, callID uuid.UUID) ([]*domain.CallParticipant, error) {
	participants, err := queryParticipants(ctx, r.pool, callID)
	if err != nil {
		return nil, err
	}
	if len(participants) == 0 {
		exists, err := r.callExists(ctx, callID)
		if err != nil {
			return nil, err
		}
		if !exists {
			return nil, apperrors.CallNotFoundError()
		}
	}
	return participants, nil
}

// GetParticipant returns one participant of a call
func (r *CallRepository) GetParticipant(ctx context.Context, callID, userID uuid.UUID) (*domain.CallParticipant, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+participantColumns+`
		FROM call_participants
		WHERE call_id = $1 AND user_id = $2
	`, callID, userID)

	p, err := scanParticipant(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, r.missingParticipant(ctx, callID)
		}
		return nil, fmt.Errorf("failed to get participant: %w", err)
	}
	return p, nil
}

// HasActiveCall reports whether the conversation has a RINGING or ONGOING call
func (r *CallRepository) HasActiveCall(ctx context.Context, conversationID uuid.UUID) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM calls
			WHERE conversation_id = $1 AND status IN ('RINGING', 'ONGOING')
		)
	`, conversationID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check active calls: %w", err)
	}
	return exists, nil
}

// MarkOngoing moves a RINGING call to ONGOING and stamps started_at
func (r *CallRepository) MarkOngoing(ctx context.Context, callID uuid.UUID, at time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE calls
		SET status = 'ONGOING',
		    started_at = COALESCE(started_at, $2)
		WHERE call_id = $1 AND status = 'RINGING'
	`, callID, at)
	if err != nil {
		return false, fmt.Errorf("failed to mark call ongoing: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	return false, r.requireCall(ctx, callID)
}

// TransitionParticipant moves a participant to `to` if its status is one of `from`
func (r *CallRepository) TransitionParticipant(ctx context.Context, callID, userID uuid.UUID, from []domain.ParticipantStatus, to domain.ParticipantStatus, at time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE call_participants
		SET status = $3,
		    joined_at = CASE WHEN $3 = 'JOINED' THEN COALESCE(joined_at, $5) ELSE joined_at END,
		    left_at = CASE WHEN $3 IN ('LEFT', 'REJECTED', 'FAILED') THEN $5 ELSE left_at END
		WHERE call_id = $1 AND user_id = $2 AND status = ANY($4)
	`, callID, userID, string(to), statusStrings(from), at)
	if err != nil {
		return false, fmt.Errorf("failed to update participant: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	if _, err := r.GetParticipant(ctx, callID, userID); err != nil {
		return false, err
	}
	return false, nil
}

// CountParticipants counts participants whose status is in statuses
func (r *CallRepository) CountParticipants(ctx context.Context, callID uuid.UUID, statuses []domain.ParticipantStatus) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `
		SELECT count(*) FROM call_participants
		WHERE call_id = $1 AND status = ANY($2)
	`, callID, statusStrings(statuses)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count participants: %w", err)
	}
	return n, nil
}

// UpdateParticipantMedia stores the merged media flags
func (r *CallRepository) UpdateParticipantMedia(ctx context.Context, callID, userID uuid.UUID, media domain.MediaState) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE call_participants
		SET audio_enabled = $3, video_enabled = $4
		WHERE call_id = $1 AND user_id = $2
	`, callID, userID, media.Audio, media.Video)
	if err != nil {
		return fmt.Errorf("failed to update participant media: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.missingParticipant(ctx, callID)
	}
	return nil
}

// FinalizeCall moves the call to its terminal status and the non-terminal
// participants to f.ParticipantStatus in one transaction. The call row is
// only updated when its current status has a target in f.
func (r *CallRepository) FinalizeCall(ctx context.Context, callID uuid.UUID, f domain.CallFinalization) (*domain.FinalizeResult, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	metadata := f.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}

	row := tx.QueryRow(ctx, `
		UPDATE calls AS c
		SET status = CASE c.status WHEN 'RINGING' THEN $2 ELSE $3 END,
		    ended_at = $4,
		    duration = CASE
		        WHEN c.status = 'ONGOING' AND c.started_at IS NOT NULL
		        THEN GREATEST(0, EXTRACT(EPOCH FROM ($4::TIMESTAMPTZ - c.started_at))::INT)
		        ELSE c.duration
		    END,
		    metadata = COALESCE(c.metadata, '{}'::JSONB) || $5::JSONB
		WHERE c.call_id = $1
		  AND ((c.status = 'RINGING' AND $2 <> '') OR (c.status = 'ONGOING' AND $3 <> ''))
		RETURNING `+callColumns,
		callID, string(f.IfRinging), string(f.IfOngoing), f.At, metadata)

	call, err := scanCall(row)
	if errors.Is(err, pgx.ErrNoRows) {
		current, err := r.GetCall(ctx, callID)
		if err != nil {
			return nil, err
		}
		participants, err := queryParticipants(ctx, r.pool, callID)
		if err != nil {
			return nil, err
		}
		return &domain.FinalizeResult{Call: current, Participants: participants}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to finalize call: %w", err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE call_participants
		SET status = $2,
		    left_at = CASE WHEN $2 IN ('LEFT', 'REJECTED', 'FAILED') THEN $3 ELSE left_at END
		WHERE call_id = $1 AND status IN ('INVITED', 'JOINED')
	`, callID, string(f.ParticipantStatus), f.At)
	if err != nil {
		return nil, fmt.Errorf("failed to finalize participants: %w", err)
	}

	participants, err := queryParticipants(ctx, tx, callID)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit finalize: %w", err)
	}
	return &domain.FinalizeResult{Call: call, Participants: participants, Applied: true}, nil
}

// ListActiveCallsForUser returns live calls where the user is still INVITED or JOINED
func (r *CallRepository) ListActiveCallsForUser(ctx context.Context, userID uuid.UUID) ([]*domain.Call, error) {
	return r.queryCalls(ctx, `
		SELECT `+callColumns+`
		FROM calls c
		JOIN call_participants cp ON c.call_id = cp.call_id
		WHERE cp.user_id = $1
		  AND cp.status IN ('INVITED', 'JOINED')
		  AND c.status IN ('RINGING', 'ONGOING')
		ORDER BY c.created_at DESC
	`, userID)
}

// ListUserCalls pages through every call the user took part in, newest first
func (r *CallRepository) ListUserCalls(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.Call, error) {
	return r.queryCalls(ctx, `
		SELECT `+callColumns+`
		FROM calls c
		JOIN call_participants cp ON c.call_id = cp.call_id
		WHERE cp.user_id = $1
		ORDER BY c.created_at DESC
		LIMIT $2 OFFSET $3
	`, userID, limit, offset)
}

func (r *CallRepository) queryCalls(ctx context.Context, query string, args ...any) ([]*domain.Call, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list calls: %w", err)
	}
	defer rows.Close()

	calls := []*domain.Call{}
	for rows.Next() {
		call, err := scanCall(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan call: %w", err)
		}
		calls = append(calls, call)
	}
	return calls, rows.Err()
}

func (r *CallRepository) callExists(ctx context.Context, callID uuid.UUID) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM calls WHERE call_id = $1)`, callID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check call: %w", err)
	}
	return exists, nil
}

func (r *CallRepository) requireCall(ctx context.Context, callID uuid.UUID) error {
	exists, err := r.callExists(ctx, callID)
	if err != nil {
		return err
	}
	if !exists {
		return apperrors.CallNotFoundError()
	}
	return nil
}

// missingParticipant tells a missing call apart from a stranger
func (r *CallRepository) missingParticipant(ctx context.Context, callID uuid.UUID) error {
	if err := r.requireCall(ctx, callID); err != nil {
		return err
	}
	return apperrors.NotParticipantError()
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func queryParticipants(ctx context.Context, q querier, callID uuid.UUID) ([]*domain.CallParticipant, error) {
	rows, err := q.Query(ctx, `
		SELECT `+participantColumns+`
		FROM call_participants
		WHERE call_id = $1
		ORDER BY ordinal ASC
	`, callID)
	if err != nil {
		return nil, fmt.Errorf("failed to get participants: %w", err)
	}
	defer rows.Close()

	participants := []*domain.CallParticipant{}
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan participant: %w", err)
		}
		participants = append(participants, p)
	}
	return participants, rows.Err()
}

func scanCall(row pgx.Row) (*domain.Call, error) {
	var (
		call             domain.Call
		callType, status string
	)
	err := row.Scan(
		&call.CallID,
		&call.ConversationID,
		&call.InitiatorID,
		&callType,
		&status,
		&call.CreatedAt,
		&call.StartedAt,
		&call.EndedAt,
		&call.Duration,
		&call.IceServers,
		&call.Metadata,
	)
	if err != nil {
		return nil, err
	}
	call.Type = domain.CallType(callType)
	call.Status = domain.CallStatus(status)
	return &call, nil
}

func scanParticipant(row pgx.Row) (*domain.CallParticipant, error) {
	var (
		p      domain.CallParticipant
		status string
	)
	err := row.Scan(
		&p.CallID,
		&p.UserID,
		&status,
		&p.JoinedAt,
		&p.LeftAt,
		&p.MediaState.Audio,
		&p.MediaState.Video,
	)
	if err != nil {
		return nil, err
	}
	p.Status = domain.ParticipantStatus(status)
	return &p, nil
}

func statusStrings(statuses []domain.ParticipantStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
