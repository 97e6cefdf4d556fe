package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// storedTimeLayouts are the formats the sqlite driver writes DATETIME
// values with, most specific first.
var storedTimeLayouts = []string{
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02T15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	time.RFC3339Nano,
}

func parseStoredTime(v string) (time.Time, error) {
	for _, layout := range storedTimeLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", v)
}

// ConversationAnalytics holds aggregates recomputed from the messages table.
// Never updated incrementally, so it cannot drift from the stored messages.
type ConversationAnalytics struct {
	ConversationID    int64   `json:"conversation_id"`
	TotalMessages     int     `json:"total_messages"`
	UserMessages      int     `json:"user_messages"`
	AssistantMessages int     `json:"assistant_messages"`
	AvgMessageLength  float64 `json:"avg_message_length"`
	DurationMinutes   float64 `json:"duration_minutes"`
}

// UpdateConversationAnalytics recomputes all aggregate fields from the
// messages table and upserts the result. Callable at any time; calling it
// twice without new messages yields identical rows.
func (s *Store) UpdateConversationAnalytics(ctx context.Context, conversationID int64) (ConversationAnalytics, error) {
	a := ConversationAnalytics{ConversationID: conversationID}

	var first, last time.Time
	var haveSpan bool
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1),
			COALESCE(SUM(CASE WHEN role = 'user' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN role = 'assistant' THEN 1 ELSE 0 END), 0),
			COALESCE(AVG(LENGTH(content)), 0)
		FROM messages
		WHERE conversation_id = ?;
	`, conversationID).Scan(&a.TotalMessages, &a.UserMessages, &a.AssistantMessages, &a.AvgMessageLength)
	if err != nil {
		return a, fmt.Errorf("aggregate messages: %w", err)
	}

	if a.TotalMessages > 0 {
		// Aggregate expressions lose the column's declared DATETIME type,
		// so the driver hands back strings; parse them ourselves.
		var rawFirst, rawLast sql.NullString
		err = s.db.QueryRowContext(ctx, `
			SELECT MIN(timestamp), MAX(timestamp)
			FROM messages
			WHERE conversation_id = ?;
		`, conversationID).Scan(&rawFirst, &rawLast)
		if err != nil {
			return a, fmt.Errorf("message time span: %w", err)
		}
		if rawFirst.Valid && rawLast.Valid {
			first, err = parseStoredTime(rawFirst.String)
			if err != nil {
				return a, fmt.Errorf("parse span start: %w", err)
			}
			last, err = parseStoredTime(rawLast.String)
			if err != nil {
				return a, fmt.Errorf("parse span end: %w", err)
			}
			haveSpan = true
		}
	}
	if haveSpan && last.After(first) {
		a.DurationMinutes = last.Sub(first).Minutes()
	}

	err = retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO conversation_analytics (conversation_id, total_messages, user_messages, assistant_messages, avg_message_length, duration_minutes, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(conversation_id) DO UPDATE SET
				total_messages = excluded.total_messages,
				user_messages = excluded.user_messages,
				assistant_messages = excluded.assistant_messages,
				avg_message_length = excluded.avg_message_length,
				duration_minutes = excluded.duration_minutes,
				updated_at = CURRENT_TIMESTAMP;
		`, conversationID, a.TotalMessages, a.UserMessages, a.AssistantMessages, a.AvgMessageLength, a.DurationMinutes)
		return err
	})
	if err != nil {
		return a, fmt.Errorf("upsert analytics: %w", err)
	}
	return a, nil
}

// GetConversationAnalytics returns the last computed aggregates for a
// conversation.
func (s *Store) GetConversationAnalytics(ctx context.Context, conversationID int64) (ConversationAnalytics, error) {
	var a ConversationAnalytics
	err := s.db.QueryRowContext(ctx, `
		SELECT conversation_id, total_messages, user_messages, assistant_messages, avg_message_length, duration_minutes
		FROM conversation_analytics
		WHERE conversation_id = ?;
	`, conversationID).Scan(&a.ConversationID, &a.TotalMessages, &a.UserMessages,
		&a.AssistantMessages, &a.AvgMessageLength, &a.DurationMinutes)
	if err != nil {
		return ConversationAnalytics{}, fmt.Errorf("get analytics: %w", err)
	}
	return a, nil
}
