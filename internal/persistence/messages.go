package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Message is one extracted log record. parent_uuid is a non-owning
// back-reference into the same conversation's message list.
type Message struct {
	ID             int64     `json:"id"`
	ConversationID int64     `json:"conversation_id"`
	MessageUUID    string    `json:"message_uuid"`
	ParentUUID     string    `json:"parent_uuid,omitempty"`
	SessionID      string    `json:"session_id"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	IsMeta         bool      `json:"is_meta"`
	IsSidechain    bool      `json:"is_sidechain"`
	Timestamp      time.Time `json:"timestamp"`
	GitBranch      string    `json:"git_branch,omitempty"`
	CWD            string    `json:"cwd,omitempty"`
}

// SearchHit is one ranked full-text match annotated with its conversation
// context.
type SearchHit struct {
	MessageUUID      string    `json:"message_uuid"`
	ConversationUUID string    `json:"conversation_uuid"`
	ConversationName string    `json:"conversation_name,omitempty"`
	ProjectPath      string    `json:"project_path"`
	Role             string    `json:"role"`
	Content          string    `json:"content"`
	Timestamp        time.Time `json:"timestamp"`
	Rank             float64   `json:"rank"`
}

// AddMessage inserts a message keyed by message_uuid; a replayed uuid is
// ignored, not an error. On the first successful insert of a non-meta message
// with non-empty content the row is also written to the search index.
// Returns whether a new row was inserted.
func (s *Store) AddMessage(ctx context.Context, conversationID int64, m Message) (bool, error) {
	role := strings.ToLower(strings.TrimSpace(m.Role))
	switch role {
	case "user", "assistant":
	default:
		return false, fmt.Errorf("invalid role %q", m.Role)
	}
	if m.MessageUUID == "" {
		return false, errors.New("empty message_uuid")
	}
	ts := m.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	var inserted bool
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin add message tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO messages (conversation_id, message_uuid, parent_uuid, session_id, role, content, is_meta, is_sidechain, timestamp, git_branch, cwd)
			VALUES (?, ?, NULLIF(?, ''), ?, ?, ?, ?, ?, ?, ?, ?);
		`, conversationID, m.MessageUUID, m.ParentUUID, m.SessionID, role, m.Content,
			m.IsMeta, m.IsSidechain, ts.UTC(), m.GitBranch, m.CWD)
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("message rows affected: %w", err)
		}
		inserted = affected == 1

		if inserted && !m.IsMeta && strings.TrimSpace(m.Content) != "" {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO messages_fts (message_uuid, content) VALUES (?, ?);
			`, m.MessageUUID, m.Content); err != nil {
				return fmt.Errorf("index message: %w", err)
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return false, err
	}
	return inserted, nil
}

// MessagesForConversation returns a conversation's messages in insertion order.
func (s *Store) MessagesForConversation(ctx context.Context, conversationID int64) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, message_uuid, COALESCE(parent_uuid, ''), session_id, role, content,
			is_meta, is_sidechain, timestamp, git_branch, cwd
		FROM messages
		WHERE conversation_id = ?
		ORDER BY id ASC;
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.MessageUUID, &m.ParentUUID, &m.SessionID,
			&m.Role, &m.Content, &m.IsMeta, &m.IsSidechain, &m.Timestamp, &m.GitBranch, &m.CWD); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("message rows: %w", err)
	}
	return out, nil
}

// SearchMessages finds messages matching every term of the query, ranked by
// relevance on the FTS5 index or by recency on the LIKE fallback, joined
// with conversation metadata. The raw query is never passed to MATCH: each
// term is quoted, so FTS operator syntax cannot produce a parse error.
func (s *Store) SearchMessages(ctx context.Context, query string, limit, offset int) ([]SearchHit, error) {
	terms := searchTerms(query)
	if len(terms) == 0 {
		return nil, nil
	}
	if limit <= 0 || limit > 200 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	var rows *sql.Rows
	var err error
	if s.ftsEnabled {
		quoted := make([]string, len(terms))
		for i, term := range terms {
			quoted[i] = `"` + strings.ReplaceAll(term, `"`, "") + `"`
		}
		rows, err = s.db.QueryContext(ctx, `
			SELECT m.message_uuid, c.conversation_uuid, COALESCE(c.name, ''), c.project_path,
				m.role, m.content, m.timestamp, bm25(messages_fts) AS rank
			FROM messages_fts
			JOIN messages m ON m.message_uuid = messages_fts.message_uuid
			JOIN conversations c ON c.id = m.conversation_id
			WHERE messages_fts MATCH ?
			ORDER BY rank
			LIMIT ? OFFSET ?;
		`, strings.Join(quoted, " AND "), limit, offset)
	} else {
		var b strings.Builder
		b.WriteString(`
			SELECT m.message_uuid, c.conversation_uuid, COALESCE(c.name, ''), c.project_path,
				m.role, m.content, m.timestamp, 0.0 AS rank
			FROM messages_fts
			JOIN messages m ON m.message_uuid = messages_fts.message_uuid
			JOIN conversations c ON c.id = m.conversation_id
			WHERE `)
		args := make([]any, 0, len(terms)+2)
		for i, term := range terms {
			if i > 0 {
				b.WriteString(" AND ")
			}
			b.WriteString(`LOWER(messages_fts.content) LIKE ? ESCAPE '\'`)
			args = append(args, "%"+escapeLike(strings.ToLower(term))+"%")
		}
		b.WriteString(`
			ORDER BY m.timestamp DESC
			LIMIT ? OFFSET ?;`)
		args = append(args, limit, offset)
		rows, err = s.db.QueryContext(ctx, b.String(), args...)
	}
	if err != nil {
		return nil, fmt.Errorf("search messages: %w", err)
	}
	defer rows.Close()

	var out []SearchHit
	for rows.Next() {
		var h SearchHit
		if err := rows.Scan(&h.MessageUUID, &h.ConversationUUID, &h.ConversationName,
			&h.ProjectPath, &h.Role, &h.Content, &h.Timestamp, &h.Rank); err != nil {
			return nil, fmt.Errorf("scan search hit: %w", err)
		}
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("search rows: %w", err)
	}
	return out, nil
}

// searchTerms splits a raw query into bare terms, dropping anything that
// would quote as empty.
func searchTerms(query string) []string {
	var terms []string
	for _, f := range strings.Fields(strings.TrimSpace(query)) {
		if strings.Trim(f, `"'()*^-`) == "" {
			continue
		}
		terms = append(terms, f)
	}
	return terms
}

func escapeLike(term string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(term)
}
