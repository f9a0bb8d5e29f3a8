package cockroach

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema creates the call tables. Conversations and their members belong to
// the messaging service; only conversation_participants is read here.
const Schema = `
CREATE TABLE IF NOT EXISTS calls (
	call_id UUID PRIMARY KEY,
	conversation_id UUID NOT NULL,
	initiator_id UUID NOT NULL,
	call_type STRING NOT NULL CHECK (call_type IN ('AUDIO', 'VIDEO')),
	status STRING NOT NULL CHECK (status IN ('RINGING', 'ONGOING', 'ENDED', 'FAILED', 'MISSED')),
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	started_at TIMESTAMPTZ,
	ended_at TIMESTAMPTZ,
	duration INT,
	ice_servers JSONB NOT NULL DEFAULT '[]',
	metadata JSONB NOT NULL DEFAULT '{}',
	INDEX calls_conversation_status_idx (conversation_id, status)
);

CREATE TABLE IF NOT EXISTS call_participants (
	call_id UUID NOT NULL REFERENCES calls (call_id) ON DELETE CASCADE,
	user_id UUID NOT NULL,
	ordinal INT NOT NULL,
	status STRING NOT NULL CHECK (status IN ('INVITED', 'JOINED', 'LEFT', 'REJECTED', 'FAILED')),
	joined_at TIMESTAMPTZ,
	left_at TIMESTAMPTZ,
	audio_enabled BOOL NOT NULL DEFAULT true,
	video_enabled BOOL NOT NULL DEFAULT false,
	PRIMARY KEY (call_id, user_id),
	INDEX call_participants_user_idx (user_id, status)
);
`

// EnsureSchema applies Schema; every statement is idempotent
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}
