package extractor

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/basket/chorus/internal/persistence"
	"github.com/basket/chorus/internal/tokenutil"
)

// logLine is one record of an append-only session log: one JSON object per
// line, each line independently parseable.
type logLine struct {
	Type        string          `json:"type"`
	SessionID   string          `json:"sessionId"`
	UUID        string          `json:"uuid"`
	ParentUUID  string          `json:"parentUuid"`
	IsMeta      bool            `json:"isMeta"`
	IsSidechain bool            `json:"isSidechain"`
	Timestamp   string          `json:"timestamp"`
	GitBranch   string          `json:"gitBranch"`
	CWD         string          `json:"cwd"`
	Message     json.RawMessage `json:"message"`
}

type rawMessage struct {
	Role    string          `json:"role"`
	Model   string          `json:"model"`
	Content json.RawMessage `json:"content"`
	Usage   *rawUsage       `json:"usage"`
}

type rawUsage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
}

// textEntry is one element of a structured content payload.
type textEntry struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Conversation is the extracted form of one session log file.
type Conversation struct {
	ConversationUUID string
	SessionID        string
	CWD              string
	GitBranch        string
	Model            string
	Messages         []persistence.Message
	InputTokens      int
	OutputTokens     int
	CacheTokens      int
	ParseErrors      int
	FirstTimestamp   time.Time
	LastTimestamp    time.Time
}

// TotalTokens returns the sum of all token accounting for the conversation.
func (c *Conversation) TotalTokens() int {
	return c.InputTokens + c.OutputTokens + c.CacheTokens
}

// FlattenContent resolves a content payload to one plain string. Three shapes
// occur in the logs: a plain string; a list of entries (each a string or an
// object carrying a text field); or a single object carrying a text field.
// List entries concatenate in order.
func FlattenContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}

	var list []json.RawMessage
	if err := json.Unmarshal(raw, &list); err == nil {
		var b strings.Builder
		for _, item := range list {
			var part string
			if err := json.Unmarshal(item, &part); err == nil {
				b.WriteString(part)
				continue
			}
			var entry textEntry
			if err := json.Unmarshal(item, &entry); err == nil {
				b.WriteString(entry.Text)
			}
		}
		return b.String()
	}

	var entry textEntry
	if err := json.Unmarshal(raw, &entry); err == nil {
		return entry.Text
	}
	return ""
}

// Extract streams a session log line by line, bounding memory regardless of
// file size. Each line is parsed independently; a malformed line is counted
// and skipped, never aborting the file. Session id, working directory, and
// branch are captured from the first record that carries them.
func (e *Extractor) Extract(path string) (*Conversation, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	defer func() { _ = f.Close() }()

	conv := &Conversation{
		ConversationUUID: strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
	}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 256*1024), 2*1024*1024)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		raw := scanner.Bytes()
		if len(strings.TrimSpace(string(raw))) == 0 {
			continue
		}

		var line logLine
		if err := json.Unmarshal(raw, &line); err != nil {
			conv.ParseErrors++
			e.logger.Warn("skipping malformed log line", "file", filepath.Base(path), "line", lineNo, "error", err)
			continue
		}

		if conv.SessionID == "" && line.SessionID != "" {
			conv.SessionID = line.SessionID
		}
		if conv.CWD == "" && line.CWD != "" {
			conv.CWD = line.CWD
		}
		if conv.GitBranch == "" && line.GitBranch != "" {
			conv.GitBranch = line.GitBranch
		}

		ts := parseTimestamp(line.Timestamp)
		if !ts.IsZero() {
			if conv.FirstTimestamp.IsZero() || ts.Before(conv.FirstTimestamp) {
				conv.FirstTimestamp = ts
			}
			if ts.After(conv.LastTimestamp) {
				conv.LastTimestamp = ts
			}
		}

		if line.Type != "user" && line.Type != "assistant" {
			continue
		}

		var msg rawMessage
		if len(line.Message) > 0 {
			if err := json.Unmarshal(line.Message, &msg); err != nil {
				conv.ParseErrors++
				e.logger.Warn("skipping malformed message payload", "file", filepath.Base(path), "line", lineNo, "error", err)
				continue
			}
		}
		if msg.Model != "" {
			conv.Model = msg.Model
		}

		role := msg.Role
		if role == "" {
			role = line.Type
		}
		if role != "user" && role != "assistant" {
			continue
		}

		content := FlattenContent(msg.Content)
		switch {
		case msg.Usage != nil:
			conv.InputTokens += msg.Usage.InputTokens
			conv.OutputTokens += msg.Usage.OutputTokens
			conv.CacheTokens += msg.Usage.CacheReadInputTokens + msg.Usage.CacheCreationInputTokens
		case role == "assistant":
			// Older logs omit usage on some assistant turns.
			conv.OutputTokens += tokenutil.EstimateTokens(content)
		}
		if strings.TrimSpace(content) == "" {
			continue
		}

		conv.Messages = append(conv.Messages, persistence.Message{
			MessageUUID: line.UUID,
			ParentUUID:  line.ParentUUID,
			SessionID:   line.SessionID,
			Role:        role,
			Content:     content,
			IsMeta:      line.IsMeta,
			IsSidechain: line.IsSidechain,
			Timestamp:   ts,
			GitBranch:   line.GitBranch,
			CWD:         line.CWD,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan log file: %w", err)
	}
	return conv, nil
}

func parseTimestamp(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}
	return ts
}
