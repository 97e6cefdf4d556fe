package tracker_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/chorus/internal/bus"
	"github.com/basket/chorus/internal/tracker"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestTracker(t *testing.T) (*tracker.Tracker, *bus.Bus, string) {
	t.Helper()
	dir := t.TempDir()
	b := bus.New()
	tr := tracker.New(tracker.Options{
		SideFileDir:   dir,
		Interval:      time.Hour, // tests drive Check manually
		CompactWindow: 2 * time.Minute,
		Bus:           b,
		Logger:        discardLogger(),
	})
	return tr, b, dir
}

func drainSessionEvents(t *testing.T, sub *bus.Subscription, wait time.Duration) []bus.SessionEvent {
	t.Helper()
	var out []bus.SessionEvent
	deadline := time.After(wait)
	for {
		select {
		case ev, ok := <-sub.Ch():
			if !ok {
				return out
			}
			if se, isSE := ev.Payload.(bus.SessionEvent); isSE {
				out = append(out, se)
			}
		case <-deadline:
			return out
		}
	}
}

func writeCompactRecord(t *testing.T, dir string, ts time.Time, sessionID string) {
	t.Helper()
	path := filepath.Join(dir, tracker.ContinuityLedgerName)

	doc := tracker.LedgerDocument{}
	if data, err := os.ReadFile(path); err == nil && len(data) > 0 {
		if err := json.Unmarshal(data, &doc); err != nil {
			t.Fatalf("existing ledger unreadable: %v", err)
		}
	}
	doc.Records = append(doc.Records, tracker.LedgerRecord{
		Type:      string(tracker.EventCompact),
		Timestamp: ts,
		SessionID: sessionID,
		Trigger:   "auto",
	})
	data, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal ledger: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write ledger: %v", err)
	}
	// Force the mtime forward so the poll gate sees a fresh rewrite.
	future := time.Now().Add(time.Second)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
}

func TestObserve_FirstSessionStartsWithoutEvent(t *testing.T) {
	tr, b, _ := newTestTracker(t)
	sub := b.Subscribe("session.")
	defer b.Unsubscribe(sub)

	tr.Observe(context.Background(), "sess-1", 100)

	state := tr.Snapshot()
	if state.CurrentSession == nil || state.CurrentSession.SessionID != "sess-1" {
		t.Fatalf("unexpected current session: %+v", state.CurrentSession)
	}
	if state.LastEvent != nil {
		t.Fatalf("expected no event on first observation, got %+v", state.LastEvent)
	}

	events := drainSessionEvents(t, sub, 100*time.Millisecond)
	if len(events) != 1 || events[0].Kind != "start" {
		t.Fatalf("expected a single start event, got %+v", events)
	}
}

func TestObserve_SessionChangeEmitsOneClear(t *testing.T) {
	tr, b, _ := newTestTracker(t)
	ctx := context.Background()

	tr.Observe(ctx, "sess-1", 500)

	sub := b.Subscribe("session.event")
	defer b.Unsubscribe(sub)

	tr.Observe(ctx, "sess-2", 500)
	// Repeating the same id must not produce further events.
	tr.Observe(ctx, "sess-2", 600)
	tr.Observe(ctx, "sess-2", 700)

	events := drainSessionEvents(t, sub, 100*time.Millisecond)
	if len(events) != 1 {
		t.Fatalf("expected exactly 1 clear event, got %d: %+v", len(events), events)
	}
	if events[0].Kind != "clear" || events[0].SessionID != "sess-2" || events[0].PrevID != "sess-1" {
		t.Fatalf("unexpected clear event: %+v", events[0])
	}

	state := tr.Snapshot()
	if state.CurrentSession.CompactsThisSession != 0 {
		t.Fatalf("expected compactsThisSession reset to 0, got %d", state.CurrentSession.CompactsThisSession)
	}
	if state.LastEvent == nil || state.LastEvent.Type != tracker.EventClear {
		t.Fatalf("expected clear snapshot, got %+v", state.LastEvent)
	}
	if state.LastEvent.TotalTokensAtEvent != 500 {
		t.Fatalf("tokens at event = %d, want 500", state.LastEvent.TotalTokensAtEvent)
	}
}

func TestCheck_CompactWithinWindowReportedOnce(t *testing.T) {
	tr, b, dir := newTestTracker(t)
	ctx := context.Background()

	tr.Observe(ctx, "sess-1", 1000)

	sub := b.Subscribe("session.event")
	defer b.Unsubscribe(sub)

	writeCompactRecord(t, dir, time.Now(), "sess-1")

	tr.Check(ctx)
	// Second check over the now-processed record must stay silent.
	future := time.Now().Add(2 * time.Second)
	path := filepath.Join(dir, tracker.ContinuityLedgerName)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	tr.Check(ctx)

	events := drainSessionEvents(t, sub, 100*time.Millisecond)
	if len(events) != 1 {
		t.Fatalf("expected exactly 1 compact event, got %d: %+v", len(events), events)
	}
	if events[0].Kind != "compact" || events[0].SessionID != "sess-1" {
		t.Fatalf("unexpected compact event: %+v", events[0])
	}

	state := tr.Snapshot()
	if state.CurrentSession.CompactsThisSession != 1 {
		t.Fatalf("compactsThisSession = %d, want 1", state.CurrentSession.CompactsThisSession)
	}
	if state.CurrentSession.SessionID != "sess-1" {
		t.Fatal("compact must not change the logical session id")
	}

	// The record must be persisted as processed.
	doc, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read ledger: %v", err)
	}
	var persisted tracker.LedgerDocument
	if err := json.Unmarshal(doc, &persisted); err != nil {
		t.Fatalf("parse ledger: %v", err)
	}
	if len(persisted.Records) != 1 || !persisted.Records[0].Processed {
		t.Fatalf("expected processed record, got %+v", persisted.Records)
	}
}

func TestCheck_StaleCompactIgnored(t *testing.T) {
	tr, b, dir := newTestTracker(t)
	ctx := context.Background()

	tr.Observe(ctx, "sess-1", 0)

	sub := b.Subscribe("session.event")
	defer b.Unsubscribe(sub)

	// Five minutes old: outside the two-minute recency window.
	writeCompactRecord(t, dir, time.Now().Add(-5*time.Minute), "sess-1")
	tr.Check(ctx)

	events := drainSessionEvents(t, sub, 100*time.Millisecond)
	if len(events) != 0 {
		t.Fatalf("expected no events for stale record, got %+v", events)
	}
}

func TestCheck_CorruptLedgerRetainsState(t *testing.T) {
	tr, _, dir := newTestTracker(t)
	ctx := context.Background()

	tr.Observe(ctx, "sess-1", 250)
	before := tr.Snapshot()

	path := filepath.Join(dir, tracker.ContinuityLedgerName)
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write corrupt ledger: %v", err)
	}
	future := time.Now().Add(time.Second)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	tr.Check(ctx)

	after := tr.Snapshot()
	if after.CurrentSession == nil || after.CurrentSession.SessionID != before.CurrentSession.SessionID {
		t.Fatalf("state lost on corrupt ledger: %+v", after.CurrentSession)
	}
}

func TestTokensSinceLastEvent(t *testing.T) {
	tr, _, _ := newTestTracker(t)
	ctx := context.Background()

	tr.Observe(ctx, "sess-1", 1000)
	if got := tr.TokensSinceLastEvent(); got != 1000 {
		t.Fatalf("tokens since event = %d, want 1000 before any boundary", got)
	}

	// Clear at 1000 tokens, then growth to 1400.
	tr.Observe(ctx, "sess-2", 1000)
	tr.Observe(ctx, "sess-2", 1400)

	if got := tr.TokensSinceLastEvent(); got != 400 {
		t.Fatalf("tokens since event = %d, want 400", got)
	}
}

func TestEventHistory_Capped(t *testing.T) {
	tr, _, _ := newTestTracker(t)
	ctx := context.Background()

	// 30 session changes produce 30 clear events; history holds the previous
	// events, capped at 20.
	for i := 0; i < 31; i++ {
		tr.Observe(ctx, sessionName(i), i*10)
	}

	state := tr.Snapshot()
	if len(state.EventHistory) > 20 {
		t.Fatalf("history length = %d, want <= 20", len(state.EventHistory))
	}
	if state.LastEvent == nil {
		t.Fatal("expected a last event")
	}
}

func sessionName(i int) string {
	return "sess-" + string(rune('a'+i%26)) + string(rune('a'+(i/26)%26))
}

func TestRestore_PersistedStateSurvivesRestart(t *testing.T) {
	tr, _, dir := newTestTracker(t)
	ctx := context.Background()

	tr.Observe(ctx, "sess-1", 100)
	tr.Observe(ctx, "sess-2", 200)

	// A new tracker over the same side-file dir must pick up where the old
	// one left off and not re-report the clear.
	b2 := bus.New()
	sub := b2.Subscribe("session.")
	defer b2.Unsubscribe(sub)

	tr2 := tracker.New(tracker.Options{
		SideFileDir: dir,
		Bus:         b2,
		Logger:      discardLogger(),
	})
	tr2.Observe(ctx, "sess-2", 200)

	events := drainSessionEvents(t, sub, 100*time.Millisecond)
	if len(events) != 0 {
		t.Fatalf("expected no events after restore, got %+v", events)
	}
	state := tr2.Snapshot()
	if state.LastEvent == nil || state.LastEvent.Type != tracker.EventClear {
		t.Fatalf("expected restored clear event, got %+v", state.LastEvent)
	}
}
