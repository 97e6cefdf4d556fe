package tracker

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Ledger file names under the project's .claude directory. Both are rewritten
// wholesale by their producers, never appended.
const (
	ContinuityLedgerName = "session-events.json"
	TokenLedgerName      = "token-usage.json"
)

// LedgerRecord is one side-channel record written by the assistant's hooks.
// A compact-typed record signals an automatic context compaction; the
// processed flag is the authoritative duplicate suppressor.
type LedgerRecord struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	SessionID string    `json:"sessionId"`
	Trigger   string    `json:"trigger,omitempty"`
	Processed bool      `json:"processed"`
}

// LedgerDocument is the continuity ledger: hook-written records plus the
// tracker's own persisted state.
type LedgerDocument struct {
	Records []LedgerRecord `json:"records"`
	State   *State         `json:"state,omitempty"`
}

// TokenLedger is the token-usage side document.
type TokenLedger struct {
	SessionID   string `json:"sessionId,omitempty"`
	TotalTokens int    `json:"totalTokens"`
}

func readLedger(path string) (LedgerDocument, error) {
	var doc LedgerDocument
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return doc, nil
		}
		return doc, fmt.Errorf("read continuity ledger: %w", err)
	}
	if len(data) == 0 {
		return doc, nil
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return doc, fmt.Errorf("parse continuity ledger: %w", err)
	}
	return doc, nil
}

func writeLedger(path string, doc LedgerDocument) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal continuity ledger: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write continuity ledger: %w", err)
	}
	return nil
}

func readTokenLedger(path string) (TokenLedger, error) {
	var tl TokenLedger
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return tl, os.ErrNotExist
		}
		return tl, fmt.Errorf("read token ledger: %w", err)
	}
	if err := json.Unmarshal(data, &tl); err != nil {
		return tl, fmt.Errorf("parse token ledger: %w", err)
	}
	return tl, nil
}
