package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Session mirrors one assistant process lifetime. Created on first observed
// activity, updated on every upsert, never deleted while active.
type Session struct {
	SessionID     string     `json:"session_id"`
	StartTime     time.Time  `json:"start_time"`
	EndTime       *time.Time `json:"end_time,omitempty"`
	ProjectPath   string     `json:"project_path"`
	BranchContext string     `json:"branch_context"`
	TotalPrompts  int        `json:"total_prompts"`
	TotalTokens   int        `json:"total_tokens"`
	Status        string     `json:"status"`
}

// Conversation is one session log file's extracted exchange, keyed by
// conversation_uuid.
type Conversation struct {
	ID               int64     `json:"id"`
	SessionID        string    `json:"session_id"`
	ConversationUUID string    `json:"conversation_uuid"`
	Name             string    `json:"name,omitempty"`
	ProjectPath      string    `json:"project_path"`
	GitBranch        string    `json:"git_branch"`
	StartedAt        time.Time `json:"started_at"`
	LastUpdated      time.Time `json:"last_updated"`
	MessageCount     int       `json:"message_count"`
	TokenCount       int       `json:"token_count"`
}

// UpsertSession inserts or updates a session row keyed by session_id.
func (s *Store) UpsertSession(ctx context.Context, sess Session) error {
	if sess.SessionID == "" {
		return errors.New("empty session_id")
	}
	status := sess.Status
	if status == "" {
		status = "active"
	}
	start := sess.StartTime
	if start.IsZero() {
		start = time.Now().UTC()
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO sessions (session_id, start_time, project_path, branch_context, total_prompts, total_tokens, status)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(session_id) DO UPDATE SET
				project_path = excluded.project_path,
				branch_context = excluded.branch_context,
				total_prompts = excluded.total_prompts,
				total_tokens = excluded.total_tokens,
				status = excluded.status;
		`, sess.SessionID, start.UTC(), sess.ProjectPath, sess.BranchContext, sess.TotalPrompts, sess.TotalTokens, status)
		if err != nil {
			return fmt.Errorf("upsert session: %w", err)
		}
		return nil
	})
}

// CloseSession marks a session closed and stamps its end time.
func (s *Store) CloseSession(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET status = 'closed', end_time = CURRENT_TIMESTAMP
		WHERE session_id = ?;
	`, sessionID)
	if err != nil {
		return fmt.Errorf("close session: %w", err)
	}
	return nil
}

// GetSession returns a session by id.
func (s *Store) GetSession(ctx context.Context, sessionID string) (Session, error) {
	var sess Session
	var endTime sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT session_id, start_time, end_time, project_path, branch_context, total_prompts, total_tokens, status
		FROM sessions
		WHERE session_id = ?;
	`, sessionID).Scan(&sess.SessionID, &sess.StartTime, &endTime, &sess.ProjectPath,
		&sess.BranchContext, &sess.TotalPrompts, &sess.TotalTokens, &sess.Status)
	if err != nil {
		return Session{}, fmt.Errorf("get session: %w", err)
	}
	if endTime.Valid {
		t := endTime.Time
		sess.EndTime = &t
	}
	return sess, nil
}

// UpsertConversation inserts or updates a conversation keyed by
// conversation_uuid and returns its row id. Never duplicates a row for the
// same key.
func (s *Store) UpsertConversation(ctx context.Context, conv Conversation) (int64, error) {
	if conv.ConversationUUID == "" {
		return 0, errors.New("empty conversation_uuid")
	}
	started := conv.StartedAt
	if started.IsZero() {
		started = time.Now().UTC()
	}
	updated := conv.LastUpdated
	if updated.IsZero() {
		updated = time.Now().UTC()
	}
	var id int64
	err := retryOnBusy(ctx, 5, func() error {
		if _, err := s.db.ExecContext(ctx, `
			INSERT INTO conversations (session_id, conversation_uuid, name, project_path, git_branch, started_at, last_updated, message_count, token_count)
			VALUES (?, ?, NULLIF(?, ''), ?, ?, ?, ?, ?, ?)
			ON CONFLICT(conversation_uuid) DO UPDATE SET
				session_id = excluded.session_id,
				name = COALESCE(excluded.name, conversations.name),
				project_path = excluded.project_path,
				git_branch = excluded.git_branch,
				last_updated = excluded.last_updated,
				message_count = excluded.message_count,
				token_count = excluded.token_count;
		`, conv.SessionID, conv.ConversationUUID, conv.Name, conv.ProjectPath, conv.GitBranch,
			started.UTC(), updated.UTC(), conv.MessageCount, conv.TokenCount); err != nil {
			return fmt.Errorf("upsert conversation: %w", err)
		}
		return s.db.QueryRowContext(ctx, `
			SELECT id FROM conversations WHERE conversation_uuid = ?;
		`, conv.ConversationUUID).Scan(&id)
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// ListConversations returns conversations most-recently-updated first, with
// message counts computed live from the messages table rather than the cached
// column.
func (s *Store) ListConversations(ctx context.Context, limit, offset int) ([]Conversation, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.session_id, c.conversation_uuid, COALESCE(c.name, ''), c.project_path, c.git_branch,
			c.started_at, c.last_updated,
			(SELECT COUNT(1) FROM messages m WHERE m.conversation_id = c.id),
			c.token_count
		FROM conversations c
		ORDER BY c.last_updated DESC
		LIMIT ? OFFSET ?;
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.SessionID, &c.ConversationUUID, &c.Name, &c.ProjectPath,
			&c.GitBranch, &c.StartedAt, &c.LastUpdated, &c.MessageCount, &c.TokenCount); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("conversation rows: %w", err)
	}
	return out, nil
}

// GetConversation fetches a single conversation by its conversation_uuid.
// Returns sql.ErrNoRows wrapped when absent.
func (s *Store) GetConversation(ctx context.Context, conversationUUID string) (Conversation, error) {
	var c Conversation
	err := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, conversation_uuid, COALESCE(name, ''), project_path, git_branch,
			started_at, last_updated, message_count, token_count
		FROM conversations
		WHERE conversation_uuid = ?;
	`, conversationUUID).Scan(&c.ID, &c.SessionID, &c.ConversationUUID, &c.Name, &c.ProjectPath,
		&c.GitBranch, &c.StartedAt, &c.LastUpdated, &c.MessageCount, &c.TokenCount)
	if err != nil {
		return Conversation{}, fmt.Errorf("get conversation %s: %w", conversationUUID, err)
	}
	return c, nil
}
