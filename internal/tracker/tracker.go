// Package tracker distinguishes explicit session clears from automatic
// context compactions using only indirect signals: the stream of observed
// session ids and a side-channel ledger rewritten by the assistant's hooks.
package tracker

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/basket/chorus/internal/bus"
)

const eventHistoryCap = 20

// EventType classifies a continuity boundary.
type EventType string

const (
	EventClear   EventType = "clear"
	EventCompact EventType = "compact"
)

// Event is a snapshot taken at a continuity boundary.
type Event struct {
	Type               EventType `json:"type"`
	Timestamp          time.Time `json:"timestamp"`
	SessionID          string    `json:"sessionId"`
	TotalTokensAtEvent int       `json:"totalTokensAtEvent"`
	Processed          bool      `json:"processed"`
}

// CurrentSession describes the tracked logical session.
type CurrentSession struct {
	SessionID           string    `json:"sessionId"`
	CompactsThisSession int       `json:"compactsThisSession"`
	SessionStartTime    time.Time `json:"sessionStartTime"`
}

// State is the tracker's full continuity state, persisted to the ledger
// after each transition.
type State struct {
	LastEvent      *Event          `json:"lastEvent,omitempty"`
	EventHistory   []Event         `json:"eventHistory"`
	CurrentSession *CurrentSession `json:"currentSession,omitempty"`
}

// Options configures a Tracker.
type Options struct {
	SideFileDir   string
	Interval      time.Duration
	CompactWindow time.Duration
	Bus           *bus.Bus
	Logger        *slog.Logger
	Now           func() time.Time // test seam; nil means time.Now
}

// Tracker runs the continuity state machine. Detection is best-effort: the
// fixed check interval can miss or double-observe a ledger rewrite relative
// to when it happens, so the record's processed flag, not timing, decides
// whether an event is reported.
type Tracker struct {
	mu sync.Mutex

	state              State
	totalTokensTracked int

	ledgerPath    string
	tokenPath     string
	lastLedgerMod time.Time
	lastTokenMod  time.Time

	interval      time.Duration
	compactWindow time.Duration

	bus    *bus.Bus
	logger *slog.Logger
	now    func() time.Time
}

func New(opts Options) *Tracker {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.CompactWindow <= 0 {
		opts.CompactWindow = 2 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	t := &Tracker{
		ledgerPath:    filepath.Join(opts.SideFileDir, ContinuityLedgerName),
		tokenPath:     filepath.Join(opts.SideFileDir, TokenLedgerName),
		interval:      opts.Interval,
		compactWindow: opts.CompactWindow,
		bus:           opts.Bus,
		logger:        opts.Logger,
		now:           opts.Now,
	}
	t.restore()
	return t
}

// restore loads previously persisted state so a daemon restart does not
// re-report old events.
func (t *Tracker) restore() {
	doc, err := readLedger(t.ledgerPath)
	if err != nil {
		t.logger.Warn("continuity ledger unreadable at startup", "error", err)
		return
	}
	if doc.State != nil {
		t.state = *doc.State
	}
}

// Run executes the check loop until the context is canceled. Checks run on a
// fixed interval rather than on every observation to avoid re-reporting the
// same ledger rewrite.
func (t *Tracker) Run(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Check(ctx)
		}
	}
}

// Observe feeds one observed session id and the extractor's running token
// total into the state machine. A changed id while a session is active emits
// exactly one clear event.
func (t *Tracker) Observe(ctx context.Context, sessionID string, totalTokens int) {
	if sessionID == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if totalTokens > t.totalTokensTracked {
		t.totalTokensTracked = totalTokens
	}

	cur := t.state.CurrentSession
	if cur == nil {
		t.state.CurrentSession = &CurrentSession{
			SessionID:        sessionID,
			SessionStartTime: t.now(),
		}
		t.persistLocked()
		if t.bus != nil {
			t.bus.Publish(bus.TopicSessionStarted, bus.SessionEvent{
				Kind:       "start",
				SessionID:  sessionID,
				DetectedAt: t.now(),
			})
		}
		return
	}
	if cur.SessionID == sessionID {
		return
	}

	prev := cur.SessionID
	t.emitLocked(Event{
		Type:               EventClear,
		Timestamp:          t.now(),
		SessionID:          sessionID,
		TotalTokensAtEvent: t.totalTokensTracked,
		Processed:          true,
	})
	t.state.CurrentSession = &CurrentSession{
		SessionID:        sessionID,
		SessionStartTime: t.now(),
	}
	t.persistLocked()

	if t.bus != nil {
		t.bus.Publish(bus.TopicSessionEvent, bus.SessionEvent{
			Kind:       string(EventClear),
			SessionID:  sessionID,
			PrevID:     prev,
			Tokens:     t.totalTokensTracked,
			DetectedAt: t.now(),
		})
	}
	t.logger.Info("session clear detected", "session_id", sessionID, "previous", prev)
}

// Check polls both side-channel ledgers by modification time and applies the
// compact rule. A corrupt document is logged and the prior known-good state
// retained.
func (t *Tracker) Check(ctx context.Context) {
	_ = ctx
	t.mu.Lock()
	defer t.mu.Unlock()

	t.pollTokenLedgerLocked()
	t.pollContinuityLedgerLocked()
}

func (t *Tracker) pollTokenLedgerLocked() {
	fi, err := os.Stat(t.tokenPath)
	if err != nil {
		return
	}
	if !fi.ModTime().After(t.lastTokenMod) {
		return
	}
	tl, err := readTokenLedger(t.tokenPath)
	if err != nil {
		t.logger.Warn("token ledger unreadable, keeping previous total", "error", err)
		return
	}
	t.lastTokenMod = fi.ModTime()
	if tl.TotalTokens > t.totalTokensTracked {
		t.totalTokensTracked = tl.TotalTokens
	}
}

func (t *Tracker) pollContinuityLedgerLocked() {
	fi, err := os.Stat(t.ledgerPath)
	if err != nil {
		return
	}
	if !fi.ModTime().After(t.lastLedgerMod) {
		return
	}
	doc, err := readLedger(t.ledgerPath)
	if err != nil {
		t.logger.Warn("continuity ledger corrupt, keeping previous state", "error", err)
		return
	}
	t.lastLedgerMod = fi.ModTime()

	cur := t.state.CurrentSession
	if cur == nil {
		return
	}

	changed := false
	for i := range doc.Records {
		rec := &doc.Records[i]
		if rec.Type != string(EventCompact) || rec.Processed {
			continue
		}
		if t.now().Sub(rec.Timestamp) > t.compactWindow {
			continue
		}
		if rec.SessionID != "" && rec.SessionID != cur.SessionID {
			continue
		}

		t.emitLocked(Event{
			Type:               EventCompact,
			Timestamp:          rec.Timestamp,
			SessionID:          cur.SessionID,
			TotalTokensAtEvent: t.totalTokensTracked,
			Processed:          true,
		})
		cur.CompactsThisSession++
		// Logical session identity is unchanged; only the visible start time
		// resets.
		cur.SessionStartTime = t.now()
		rec.Processed = true
		changed = true

		if t.bus != nil {
			t.bus.Publish(bus.TopicSessionEvent, bus.SessionEvent{
				Kind:       string(EventCompact),
				SessionID:  cur.SessionID,
				Tokens:     t.totalTokensTracked,
				DetectedAt: t.now(),
			})
		}
		t.logger.Info("context compaction detected",
			"session_id", cur.SessionID, "compacts_this_session", cur.CompactsThisSession)
	}

	if changed {
		doc.State = t.stateCopyLocked()
		if err := writeLedger(t.ledgerPath, doc); err != nil {
			t.logger.Error("persist continuity ledger", "error", err)
		}
		if fi, err := os.Stat(t.ledgerPath); err == nil {
			t.lastLedgerMod = fi.ModTime()
		}
	}
}

// emitLocked snapshots the event and rotates the previous one into the
// bounded history.
func (t *Tracker) emitLocked(ev Event) {
	if t.state.LastEvent != nil {
		t.state.EventHistory = append(t.state.EventHistory, *t.state.LastEvent)
		if len(t.state.EventHistory) > eventHistoryCap {
			t.state.EventHistory = t.state.EventHistory[len(t.state.EventHistory)-eventHistoryCap:]
		}
	}
	t.state.LastEvent = &ev
}

// persistLocked writes the ledger document back with current state, keeping
// whatever records the hooks have written.
func (t *Tracker) persistLocked() {
	doc, err := readLedger(t.ledgerPath)
	if err != nil {
		doc = LedgerDocument{}
	}
	doc.State = t.stateCopyLocked()
	if err := writeLedger(t.ledgerPath, doc); err != nil {
		t.logger.Error("persist continuity ledger", "error", err)
		return
	}
	if fi, err := os.Stat(t.ledgerPath); err == nil {
		t.lastLedgerMod = fi.ModTime()
	}
}

func (t *Tracker) stateCopyLocked() *State {
	cp := t.state
	if t.state.LastEvent != nil {
		ev := *t.state.LastEvent
		cp.LastEvent = &ev
	}
	if t.state.CurrentSession != nil {
		cs := *t.state.CurrentSession
		cp.CurrentSession = &cs
	}
	cp.EventHistory = append([]Event(nil), t.state.EventHistory...)
	return &cp
}

// TokensSinceLastEvent reports token usage relative to the last continuity
// boundary, reflecting only the active context window rather than the
// lifetime total.
func (t *Tracker) TokensSinceLastEvent() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.LastEvent == nil {
		return t.totalTokensTracked
	}
	return t.totalTokensTracked - t.state.LastEvent.TotalTokensAtEvent
}

// Snapshot returns a copy of the current state.
func (t *Tracker) Snapshot() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return *t.stateCopyLocked()
}
