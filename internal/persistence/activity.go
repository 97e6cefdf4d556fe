package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/basket/chorus/internal/bus"
)

// Activity is one append-only observability record surfaced on the dashboard
// feed.
type Activity struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id,omitempty"`
	Source    string    `json:"source"`
	Category  string    `json:"category,omitempty"`
	Summary   string    `json:"summary"`
	CreatedAt time.Time `json:"created_at"`
}

// Metric is one named sample scoped to a session.
type Metric struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id,omitempty"`
	Name      string    `json:"name"`
	Value     float64   `json:"value"`
	CreatedAt time.Time `json:"created_at"`
}

// AgentUsageRecord counts sub-agent invocations within a session.
type AgentUsageRecord struct {
	ID          int64     `json:"id"`
	SessionID   string    `json:"session_id,omitempty"`
	Agent       string    `json:"agent"`
	Invocations int       `json:"invocations"`
	CreatedAt   time.Time `json:"created_at"`
}

// RecordActivity appends an activity row and publishes it on the bus for live
// observers.
func (s *Store) RecordActivity(ctx context.Context, sessionID, source, category, summary string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO activities (session_id, source, category, summary)
		VALUES (?, ?, ?, ?);
	`, sessionID, source, category, summary)
	if err != nil {
		return fmt.Errorf("insert activity: %w", err)
	}
	if s.bus != nil {
		s.bus.Publish(bus.TopicActivity, bus.ActivityEntry{
			Timestamp: time.Now(),
			Source:    source,
			Category:  category,
			Summary:   summary,
		})
	}
	return nil
}

// RecordMetric appends a metric sample.
func (s *Store) RecordMetric(ctx context.Context, sessionID, name string, value float64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO metrics (session_id, name, value)
		VALUES (?, ?, ?);
	`, sessionID, name, value)
	if err != nil {
		return fmt.Errorf("insert metric: %w", err)
	}
	return nil
}

// RecordAgentUsage appends an agent invocation record.
func (s *Store) RecordAgentUsage(ctx context.Context, sessionID, agent string, invocations int) error {
	if invocations <= 0 {
		invocations = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_usage (session_id, agent, invocations)
		VALUES (?, ?, ?);
	`, sessionID, agent, invocations)
	if err != nil {
		return fmt.Errorf("insert agent usage: %w", err)
	}
	return nil
}

// ListRecentActivities returns the newest activity rows first.
func (s *Store) ListRecentActivities(ctx context.Context, limit int) ([]Activity, error) {
	if limit <= 0 || limit > 500 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, source, category, summary, created_at
		FROM activities
		ORDER BY created_at DESC, id DESC
		LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list activities: %w", err)
	}
	defer rows.Close()

	var out []Activity
	for rows.Next() {
		var a Activity
		if err := rows.Scan(&a.ID, &a.SessionID, &a.Source, &a.Category, &a.Summary, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("activity rows: %w", err)
	}
	return out, nil
}
