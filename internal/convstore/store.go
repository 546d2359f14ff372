// Package convstore is the Conversation Store: append-only persistence for
// messages and execution sessions, plus the bounded in-place mutation
// surface (streaming content append, tool-result back-patch) and the
// singleton OAuth token row consumed by the Token Manager.
package convstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/kandev/agentd/internal/apperr"
	"github.com/kandev/agentd/internal/common/database"
	"github.com/kandev/agentd/internal/task"
)

// Store is the Conversation Store. It holds no in-memory state; every
// operation is a direct round trip to Postgres.
type Store struct {
	db *database.DB
}

// New constructs a Store over an already-connected database handle.
func New(db *database.DB) *Store {
	return &Store{db: db}
}

// CreateMessageParams is the input to CreateMessage.
type CreateMessageParams struct {
	TaskID             string
	ExecutionSessionID *string
	Kind               task.MessageKind
	Content            *string
	ToolData           map[string]interface{}
}

// CreateMessage inserts a new message and returns its id.
func (s *Store) CreateMessage(ctx context.Context, p CreateMessageParams) (string, error) {
	id := uuid.New().String()

	var toolData []byte
	if p.ToolData != nil {
		b, err := json.Marshal(p.ToolData)
		if err != nil {
			return "", fmt.Errorf("marshal tool_data: %w", err)
		}
		toolData = b
	}

	_, err := s.db.Exec(ctx, `
		INSERT INTO messages (id, task_id, execution_session_id, kind, content, tool_data, inserted_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
	`, id, p.TaskID, p.ExecutionSessionID, string(p.Kind), p.Content, toolData)
	if err != nil {
		return "", fmt.Errorf("create message: %w", err)
	}
	return id, nil
}

// AppendToMessage appends bytes to a message's content. Only valid for
// assistant messages belonging to an execution session that has not yet
// ended; the caller is responsible for that invariant (streaming turns
// are the only legitimate caller).
func (s *Store) AppendToMessage(ctx context.Context, id string, chunk []byte) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE messages
		SET content = COALESCE(content, '') || $2
		WHERE id = $1 AND kind = $3
	`, id, string(chunk), string(task.MessageAssistant))
	if err != nil {
		return fmt.Errorf("append to message %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("message", id)
	}
	return nil
}

// UpdateToolResult merges output and is_error into a message's tool_data.
func (s *Store) UpdateToolResult(ctx context.Context, id string, output string, isError bool) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE messages
		SET tool_data = COALESCE(tool_data, '{}'::jsonb) || jsonb_build_object('output', $2::text, 'is_error', $3::bool)
		WHERE id = $1
	`, id, output, isError)
	if err != nil {
		return fmt.Errorf("update tool result for message %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("message", id)
	}
	return nil
}

// FindToolMessage looks up the tool_call message for a given tool_use_id
// within a task, for back-patching a completed tool result onto it.
func (s *Store) FindToolMessage(ctx context.Context, taskID, toolUseID string) (*task.Message, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, task_id, execution_session_id, kind, content, tool_data, inserted_at
		FROM messages
		WHERE task_id = $1 AND kind = $2 AND tool_data->>'tool_use_id' = $3
		ORDER BY inserted_at DESC
		LIMIT 1
	`, taskID, string(task.MessageToolCall), toolUseID)

	return scanMessage(row)
}

// ListMessages returns a task's messages in insertion order, bounded by
// limit (0 means the caller's own sane default of 200).
func (s *Store) ListMessages(ctx context.Context, taskID string, limit int) ([]*task.Message, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.Query(ctx, `
		SELECT id, task_id, execution_session_id, kind, content, tool_data, inserted_at
		FROM messages
		WHERE task_id = $1
		ORDER BY inserted_at ASC
		LIMIT $2
	`, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages for task %s: %w", taskID, err)
	}
	defer rows.Close()

	var out []*task.Message
	for rows.Next() {
		msg, err := scanMessageRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

// StartExecutionSession creates a row with status=started and returns its id.
func (s *Store) StartExecutionSession(ctx context.Context, taskID, sandboxName, kind string) (string, error) {
	id := uuid.New().String()
	_, err := s.db.Exec(ctx, `
		INSERT INTO execution_sessions (id, task_id, sandbox_name, kind, status, started_at, metadata)
		VALUES ($1, $2, $3, $4, $5, now(), '{}')
	`, id, taskID, sandboxName, kind, string(task.ExecutionStarted))
	if err != nil {
		return "", fmt.Errorf("start execution session: %w", err)
	}
	return id, nil
}

// CompleteExecutionSession sets ended_at and the terminal status. It is
// idempotent: completing an already-terminal session is a no-op.
func (s *Store) CompleteExecutionSession(ctx context.Context, id string, newStatus task.ExecutionSessionStatus) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE execution_sessions
		SET status = $2, ended_at = now()
		WHERE id = $1 AND ended_at IS NULL
	`, id, string(newStatus))
	if err != nil {
		return fmt.Errorf("complete execution session %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		// Either unknown or already terminal; only the former is an error.
		var exists bool
		if err := s.db.QueryRow(ctx, `SELECT true FROM execution_sessions WHERE id = $1`, id).Scan(&exists); err != nil {
			if err == pgx.ErrNoRows {
				return apperr.NotFound("execution_session", id)
			}
			return err
		}
	}
	return nil
}

// GetOAuthToken returns the singleton token row, or nil if none is stored.
func (s *Store) GetOAuthToken(ctx context.Context) (*task.OAuthToken, error) {
	row := s.db.QueryRow(ctx, `
		SELECT user_id, access_token, refresh_token, expires_at, scopes, subscription_tier
		FROM oauth_tokens WHERE id = 'singleton'
	`)

	var tok task.OAuthToken
	err := row.Scan(&tok.UserID, &tok.AccessToken, &tok.RefreshToken, &tok.ExpiresAt, &tok.Scopes, &tok.SubscriptionTier)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get oauth token: %w", err)
	}
	return &tok, nil
}

// SaveOAuthToken upserts the singleton token row.
func (s *Store) SaveOAuthToken(ctx context.Context, tok *task.OAuthToken) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO oauth_tokens (id, user_id, access_token, refresh_token, expires_at, scopes, subscription_tier)
		VALUES ('singleton', $1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			user_id = EXCLUDED.user_id,
			access_token = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			expires_at = EXCLUDED.expires_at,
			scopes = EXCLUDED.scopes,
			subscription_tier = EXCLUDED.subscription_tier
	`, tok.UserID, tok.AccessToken, tok.RefreshToken, tok.ExpiresAt, tok.Scopes, tok.SubscriptionTier)
	if err != nil {
		return fmt.Errorf("save oauth token: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMessage(row pgx.Row) (*task.Message, error) {
	msg, err := scanMessageRow(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return msg, err
}

func scanMessageRow(row rowScanner) (*task.Message, error) {
	var (
		m        task.Message
		kind     string
		toolData []byte
	)
	if err := row.Scan(&m.ID, &m.TaskID, &m.ExecutionSessionID, &kind, &m.Content, &toolData, &m.InsertedAt); err != nil {
		return nil, err
	}
	m.Kind = task.MessageKind(kind)
	if len(toolData) > 0 {
		if err := json.Unmarshal(toolData, &m.ToolData); err != nil {
			return nil, fmt.Errorf("unmarshal tool_data for message %s: %w", m.ID, err)
		}
	}
	return &m, nil
}
