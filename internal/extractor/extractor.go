package extractor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/basket/chorus/internal/bus"
	"github.com/basket/chorus/internal/persistence"
	"github.com/basket/chorus/internal/pricing"
)

// Extractor turns append-only session logs into persisted conversations.
type Extractor struct {
	store     *persistence.Store
	bus       *bus.Bus
	claudeDir string
	logger    *slog.Logger
}

// FileSummary reports one ingested file for observability.
type FileSummary struct {
	File           string `json:"file"`
	ConversationID int64  `json:"conversation_id"`
	SessionID      string `json:"session_id"`
	MessageCount   int    `json:"message_count"`
}

func New(store *persistence.Store, eventBus *bus.Bus, claudeDir string, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{
		store:     store,
		bus:       eventBus,
		claudeDir: claudeDir,
		logger:    logger,
	}
}

// ProcessAll extracts and persists every located log file for the project,
// skipping files whose watermark is unchanged and files yielding zero kept
// messages. Returns one summary per persisted file.
func (e *Extractor) ProcessAll(ctx context.Context, projectPath string) ([]FileSummary, error) {
	var summaries []FileSummary
	for _, path := range e.LocateLogs(projectPath) {
		summary, persisted, err := e.ProcessFile(ctx, projectPath, path)
		if err != nil {
			// One broken file must not abort the rest of the batch.
			e.logger.Error("extract failed", "file", path, "error", err)
			continue
		}
		if persisted {
			summaries = append(summaries, summary)
		}
	}
	return summaries, nil
}

// ProcessFile runs the watermark gate, extraction, and persistence for one
// log file. The second return value reports whether anything was persisted.
func (e *Extractor) ProcessFile(ctx context.Context, projectPath, path string) (FileSummary, bool, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return FileSummary{}, false, fmt.Errorf("stat log file: %w", err)
	}

	processed, err := e.store.IsFileProcessed(ctx, path, fi.Size(), fi.ModTime())
	if err != nil {
		return FileSummary{}, false, err
	}
	if processed {
		return FileSummary{}, false, nil
	}

	conv, err := e.Extract(path)
	if err != nil {
		return FileSummary{}, false, err
	}
	if len(conv.Messages) == 0 {
		// Nothing worth a conversation row, but remember the watermark so the
		// file is not re-scanned until it changes.
		if err := e.store.MarkFileProcessed(ctx, path, fi.Size(), fi.ModTime(), 0, conv.SessionID); err != nil {
			return FileSummary{}, false, err
		}
		return FileSummary{}, false, nil
	}

	if err := e.persist(ctx, projectPath, path, conv, fi.Size(), fi.ModTime()); err != nil {
		return FileSummary{}, false, err
	}

	convRow, err := e.store.GetConversation(ctx, conv.ConversationUUID)
	if err != nil {
		return FileSummary{}, false, err
	}
	summary := FileSummary{
		File:           path,
		ConversationID: convRow.ID,
		SessionID:      conv.SessionID,
		MessageCount:   len(conv.Messages),
	}

	if e.bus != nil {
		e.bus.Publish(bus.TopicIngestFile, bus.IngestFileEvent{
			Path:          path,
			SessionID:     conv.SessionID,
			Conversations: 1,
			Messages:      len(conv.Messages),
		})
		e.bus.Publish(bus.TopicMetricsUpdate, bus.MetricsUpdateEvent{
			SessionID:    conv.SessionID,
			InputTokens:  conv.InputTokens,
			OutputTokens: conv.OutputTokens,
			CacheTokens:  conv.CacheTokens,
			CostUSD:      pricing.EstimateCost(conv.Model, conv.InputTokens, conv.OutputTokens),
		})
	}
	return summary, true, nil
}

func (e *Extractor) persist(ctx context.Context, projectPath, path string, conv *Conversation, size int64, modTime time.Time) error {
	userPrompts := 0
	for _, m := range conv.Messages {
		if m.Role == "user" && !m.IsMeta {
			userPrompts++
		}
	}

	if conv.SessionID != "" {
		if err := e.store.UpsertSession(ctx, persistence.Session{
			SessionID:     conv.SessionID,
			ProjectPath:   projectPath,
			BranchContext: conv.GitBranch,
			TotalPrompts:  userPrompts,
			TotalTokens:   conv.TotalTokens(),
			Status:        "active",
		}); err != nil {
			return err
		}
	}

	convID, err := e.store.UpsertConversation(ctx, persistence.Conversation{
		SessionID:        conv.SessionID,
		ConversationUUID: conv.ConversationUUID,
		ProjectPath:      projectPath,
		GitBranch:        conv.GitBranch,
		StartedAt:        conv.FirstTimestamp,
		LastUpdated:      conv.LastTimestamp,
		MessageCount:     len(conv.Messages),
		TokenCount:       conv.TotalTokens(),
	})
	if err != nil {
		return err
	}

	for _, m := range conv.Messages {
		if _, err := e.store.AddMessage(ctx, convID, m); err != nil {
			return fmt.Errorf("persist message %s: %w", m.MessageUUID, err)
		}
	}

	if _, err := e.store.UpdateConversationAnalytics(ctx, convID); err != nil {
		return err
	}

	return e.store.MarkFileProcessed(ctx, path, size, modTime, len(conv.Messages), conv.SessionID)
}
