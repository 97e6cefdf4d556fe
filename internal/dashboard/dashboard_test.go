package dashboard_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/chorus/internal/bus"
	"github.com/basket/chorus/internal/config"
	"github.com/basket/chorus/internal/dashboard"
	"github.com/basket/chorus/internal/persistence"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openStoreForDashboardTest(t *testing.T) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "chorus.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

func seedConversationWithMessage(t *testing.T, store *persistence.Store, sessionID, convUUID, content string) int64 {
	t.Helper()
	ctx := context.Background()
	if err := store.UpsertSession(ctx, persistence.Session{
		SessionID:   sessionID,
		StartTime:   time.Now(),
		ProjectPath: "/work/proj",
	}); err != nil {
		t.Fatalf("seed session: %v", err)
	}
	id, err := store.UpsertConversation(ctx, persistence.Conversation{
		SessionID:        sessionID,
		ConversationUUID: convUUID,
		Name:             "demo",
		ProjectPath:      "/work/proj",
		StartedAt:        time.Now(),
		LastUpdated:      time.Now(),
	})
	if err != nil {
		t.Fatalf("seed conversation: %v", err)
	}
	if _, err := store.AddMessage(ctx, id, persistence.Message{
		MessageUUID: convUUID + "-m1",
		SessionID:   sessionID,
		Role:        "user",
		Content:     content,
		Timestamp:   time.Now(),
	}); err != nil {
		t.Fatalf("seed message: %v", err)
	}
	return id
}

func TestState_ActivityRingCapped(t *testing.T) {
	state := dashboard.NewState(nil, time.Minute)
	for i := 0; i < 30; i++ {
		state.AppendActivity(bus.ActivityEntry{
			Source:  "test",
			Summary: fmt.Sprintf("entry %d", i),
		})
	}
	snap := state.Snapshot()
	if len(snap.Activity) != 20 {
		t.Fatalf("activity length = %d, want 20", len(snap.Activity))
	}
	if snap.Activity[0].Summary != "entry 29" {
		t.Fatalf("newest entry = %q, want entry 29", snap.Activity[0].Summary)
	}
}

func TestState_AgentIdleDebounce(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe("agent.status")
	defer b.Unsubscribe(sub)

	state := dashboard.NewState(b, 60*time.Millisecond)
	defer state.Close()

	state.MarkAgentActive("readme-updater")
	snap := state.Snapshot()
	if snap.Agents["readme-updater"].Status != "running" {
		t.Fatalf("status after activity = %q, want running", snap.Agents["readme-updater"].Status)
	}

	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-sub.Ch():
			st, ok := ev.Payload.(bus.AgentStatusEvent)
			if !ok {
				continue
			}
			if st.Agent != "readme-updater" || st.Status != "idle" {
				t.Fatalf("unexpected status event: %+v", st)
			}
			snap = state.Snapshot()
			if snap.Agents["readme-updater"].Status != "idle" {
				t.Fatalf("status after debounce = %q, want idle", snap.Agents["readme-updater"].Status)
			}
			return
		case <-deadline:
			t.Fatal("timed out waiting for idle transition")
		}
	}
}

func TestState_ActivityRestartsIdleTimer(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe("agent.status")
	defer b.Unsubscribe(sub)

	state := dashboard.NewState(b, 150*time.Millisecond)
	defer state.Close()

	state.MarkAgentActive("api-documenter")
	time.Sleep(80 * time.Millisecond)
	state.MarkAgentActive("api-documenter")
	time.Sleep(80 * time.Millisecond)

	// Both naps are shorter than the delay; the agent must still be running.
	select {
	case ev := <-sub.Ch():
		t.Fatalf("premature idle event: %+v", ev.Payload)
	default:
	}
	if got := state.Snapshot().Agents["api-documenter"].Status; got != "running" {
		t.Fatalf("status = %q, want running", got)
	}
}

func TestServer_SnapshotOnConnectThenDeltas(t *testing.T) {
	b := bus.New()
	state := dashboard.NewState(b, time.Minute)
	srv := dashboard.New(dashboard.Config{
		Bus:    b,
		State:  state,
		Logger: discardLogger(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Run(ctx)

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	dialCtx, dialCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer dialCancel()
	conn, _, err := websocket.Dial(dialCtx, "ws"+ts.URL[len("http"):]+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	var push struct {
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := wsjson.Read(dialCtx, conn, &push); err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if push.Type != "snapshot" {
		t.Fatalf("first push type = %q, want snapshot", push.Type)
	}

	// A published activity must arrive as a typed delta. The publish is
	// retried because the server's bus loop may not be subscribed yet.
	go func() {
		for i := 0; i < 20; i++ {
			b.Publish(bus.TopicActivity, bus.ActivityEntry{
				Source:  "test",
				Summary: "widget updated",
			})
			time.Sleep(50 * time.Millisecond)
		}
	}()

	if err := wsjson.Read(dialCtx, conn, &push); err != nil {
		t.Fatalf("read delta: %v", err)
	}
	if push.Type != "activity" {
		t.Fatalf("delta type = %q, want activity", push.Type)
	}
	var entry bus.ActivityEntry
	if err := json.Unmarshal(push.Payload, &entry); err != nil {
		t.Fatalf("decode delta: %v", err)
	}
	if entry.Summary != "widget updated" {
		t.Fatalf("delta summary = %q", entry.Summary)
	}
}

func TestServer_RefreshReturnsSnapshot(t *testing.T) {
	b := bus.New()
	state := dashboard.NewState(b, time.Minute)
	state.AppendActivity(bus.ActivityEntry{Source: "seed", Summary: "first"})
	srv := dashboard.New(dashboard.Config{Bus: b, State: state, Logger: discardLogger()})

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+ts.URL[len("http"):]+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	var push struct {
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := wsjson.Read(ctx, conn, &push); err != nil {
		t.Fatalf("read initial snapshot: %v", err)
	}

	if err := wsjson.Write(ctx, conn, map[string]string{"type": "refresh"}); err != nil {
		t.Fatalf("write refresh: %v", err)
	}
	if err := wsjson.Read(ctx, conn, &push); err != nil {
		t.Fatalf("read refreshed snapshot: %v", err)
	}
	if push.Type != "snapshot" {
		t.Fatalf("refresh push type = %q, want snapshot", push.Type)
	}
	var snap dashboard.Snapshot
	if err := json.Unmarshal(push.Payload, &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if len(snap.Activity) != 1 || snap.Activity[0].Summary != "first" {
		t.Fatalf("unexpected snapshot activity: %+v", snap.Activity)
	}
}

func TestServer_SearchEndpoint(t *testing.T) {
	store := openStoreForDashboardTest(t)
	seedConversationWithMessage(t, store, "sess-1", "conv-1", "the flanging bracket broke")

	srv := dashboard.New(dashboard.Config{Store: store, Logger: discardLogger()})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/search?q=flanging")
	if err != nil {
		t.Fatalf("search request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("search status = %d", resp.StatusCode)
	}
	var body struct {
		Hits  []persistence.SearchHit `json:"hits"`
		Count int                     `json:"count"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode search response: %v", err)
	}
	if body.Count != 1 || len(body.Hits) != 1 {
		t.Fatalf("expected 1 hit, got %d", body.Count)
	}
	if body.Hits[0].ConversationName != "demo" || body.Hits[0].ProjectPath != "/work/proj" {
		t.Fatalf("hit missing conversation context: %+v", body.Hits[0])
	}
}

func TestServer_ConversationEndpoints(t *testing.T) {
	store := openStoreForDashboardTest(t)
	seedConversationWithMessage(t, store, "sess-1", "conv-1", "hello there")

	srv := dashboard.New(dashboard.Config{Store: store, Logger: discardLogger()})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/conversations")
	if err != nil {
		t.Fatalf("list request: %v", err)
	}
	var listBody struct {
		Conversations []persistence.Conversation `json:"conversations"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&listBody); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	resp.Body.Close()
	if len(listBody.Conversations) != 1 {
		t.Fatalf("expected 1 conversation, got %d", len(listBody.Conversations))
	}
	if listBody.Conversations[0].MessageCount != 1 {
		t.Fatalf("live message count = %d, want 1", listBody.Conversations[0].MessageCount)
	}

	resp, err = http.Get(ts.URL + "/api/conversations/conv-1?messages=1")
	if err != nil {
		t.Fatalf("fetch request: %v", err)
	}
	defer resp.Body.Close()
	var fetchBody struct {
		Conversation persistence.Conversation `json:"conversation"`
		Messages     []persistence.Message    `json:"messages"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&fetchBody); err != nil {
		t.Fatalf("decode fetch: %v", err)
	}
	if fetchBody.Conversation.ConversationUUID != "conv-1" {
		t.Fatalf("wrong conversation: %+v", fetchBody.Conversation)
	}
	if len(fetchBody.Messages) != 1 || fetchBody.Messages[0].Content != "hello there" {
		t.Fatalf("unexpected messages: %+v", fetchBody.Messages)
	}

	resp, err = http.Get(ts.URL + "/api/conversations/no-such-conv")
	if err != nil {
		t.Fatalf("missing fetch request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing conversation status = %d, want 404", resp.StatusCode)
	}
}

func TestServer_Healthz(t *testing.T) {
	store := openStoreForDashboardTest(t)
	srv := dashboard.New(dashboard.Config{Store: store, Logger: discardLogger()})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d", resp.StatusCode)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode healthz: %v", err)
	}
	if body["db_ok"] != true {
		t.Fatalf("db_ok = %v, want true", body["db_ok"])
	}
}

func TestServer_RequestsCarryTraceID(t *testing.T) {
	store := openStoreForDashboardTest(t)
	srv := dashboard.New(dashboard.Config{Store: store, Logger: discardLogger()})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	ids := make([]string, 0, 2)
	for i := 0; i < 2; i++ {
		resp, err := http.Get(ts.URL + "/api/status")
		if err != nil {
			t.Fatalf("status request: %v", err)
		}
		resp.Body.Close()
		id := resp.Header.Get("X-Trace-ID")
		if id == "" {
			t.Fatal("expected X-Trace-ID header on response")
		}
		ids = append(ids, id)
	}
	if ids[0] == ids[1] {
		t.Fatalf("trace ids should be unique per request, both were %q", ids[0])
	}
}

func TestHealthPoller_ClassifiesStoppedWithoutError(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer up.Close()

	b := bus.New()
	sub := b.Subscribe("infrastructure.")
	defer b.Unsubscribe(sub)

	poller := dashboard.NewHealthPoller(dashboard.HealthOptions{
		Endpoints: []config.HealthEndpoint{
			{Name: "api", URL: up.URL},
			{Name: "frontend", URL: "http://127.0.0.1:1"}, // nothing listens here
		},
		Timeout: 500 * time.Millisecond,
		Bus:     b,
		Logger:  discardLogger(),
	})
	poller.Poll(context.Background())

	statuses := map[string]string{}
	deadline := time.After(2 * time.Second)
	for len(statuses) < 2 {
		select {
		case ev := <-sub.Ch():
			ie, ok := ev.Payload.(bus.InfrastructureEvent)
			if !ok {
				continue
			}
			statuses[ie.Component] = ie.Status
		case <-deadline:
			t.Fatalf("timed out, statuses so far: %v", statuses)
		}
	}
	if statuses["api"] != "running" {
		t.Fatalf("api status = %q, want running", statuses["api"])
	}
	if statuses["frontend"] != "stopped" {
		t.Fatalf("frontend status = %q, want stopped", statuses["frontend"])
	}
}

func TestHealthPoller_ReportsOnlyTransitions(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer up.Close()

	b := bus.New()
	sub := b.Subscribe("infrastructure.")
	defer b.Unsubscribe(sub)

	poller := dashboard.NewHealthPoller(dashboard.HealthOptions{
		Endpoints: []config.HealthEndpoint{{Name: "api", URL: up.URL}},
		Timeout:   500 * time.Millisecond,
		Bus:       b,
		Logger:    discardLogger(),
	})
	poller.Poll(context.Background())
	poller.Poll(context.Background())
	poller.Poll(context.Background())

	count := 0
	timeout := time.After(300 * time.Millisecond)
loop:
	for {
		select {
		case ev := <-sub.Ch():
			if _, ok := ev.Payload.(bus.InfrastructureEvent); ok {
				count++
			}
		case <-timeout:
			break loop
		}
	}
	if count != 1 {
		t.Fatalf("expected 1 transition event, got %d", count)
	}
}

func writeSideFile(t *testing.T, dir, name, content string) {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	future := time.Now().Add(time.Second)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatalf("chtimes %s: %v", name, err)
	}
}

func newTestMonitor(t *testing.T, b *bus.Bus) (*dashboard.SideFileMonitor, string) {
	t.Helper()
	dir := t.TempDir()
	mon, err := dashboard.NewSideFileMonitor(dashboard.SideFileOptions{
		Dir:    dir,
		Bus:    b,
		Logger: discardLogger(),
	})
	if err != nil {
		t.Fatalf("new monitor: %v", err)
	}
	return mon, dir
}

func collectActivities(t *testing.T, sub *bus.Subscription, wait time.Duration) []bus.ActivityEntry {
	t.Helper()
	var out []bus.ActivityEntry
	deadline := time.After(wait)
	for {
		select {
		case ev := <-sub.Ch():
			if entry, ok := ev.Payload.(bus.ActivityEntry); ok {
				out = append(out, entry)
			}
		case <-deadline:
			return out
		}
	}
}

func TestSideFileMonitor_ValidTriggerProducesActivity(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe("activity.")
	defer b.Unsubscribe(sub)
	mon, dir := newTestMonitor(t, b)

	writeSideFile(t, dir, dashboard.TriggerFileName, `{
		"timestamp": "2026-08-30T09:00:00Z",
		"reason": "component files changed",
		"changes_detected": ["src/components/App.tsx"],
		"change_count": 1,
		"priority": "high"
	}`)
	mon.Poll(context.Background())

	entries := collectActivities(t, sub, 200*time.Millisecond)
	if len(entries) != 1 {
		t.Fatalf("expected 1 activity entry, got %d: %+v", len(entries), entries)
	}
	if entries[0].Category != "doc" {
		t.Fatalf("category = %q, want doc", entries[0].Category)
	}

	// The monitor mirrors its state for external consumers.
	if _, err := os.Stat(filepath.Join(dir, dashboard.DashboardStatusFileName)); err != nil {
		t.Fatalf("dashboard status file not written: %v", err)
	}
}

func TestSideFileMonitor_MalformedTriggerKeepsQuiet(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe("activity.")
	defer b.Unsubscribe(sub)
	mon, dir := newTestMonitor(t, b)

	writeSideFile(t, dir, dashboard.TriggerFileName, `{"reason": 42}`)
	mon.Poll(context.Background())

	entries := collectActivities(t, sub, 200*time.Millisecond)
	if len(entries) != 0 {
		t.Fatalf("expected no activity for invalid trigger, got %+v", entries)
	}
}

func TestSideFileMonitor_ChangesLogSummarizesByCategory(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe("activity.")
	defer b.Unsubscribe(sub)
	mon, dir := newTestMonitor(t, b)

	writeSideFile(t, dir, dashboard.FileChangesLogName,
		`{"timestamp":"2026-08-30T09:00:00Z","file":"App.tsx","type":"component","priority":"high","change":"modified"}
{"timestamp":"2026-08-30T09:00:01Z","file":"server.js","type":"api","priority":"high","change":"modified"}
{"timestamp":"2026-08-30T09:00:02Z","file":"Nav.tsx","type":"component","priority":"low","change":"created"}
`)
	mon.Poll(context.Background())

	entries := collectActivities(t, sub, 200*time.Millisecond)
	if len(entries) != 1 {
		t.Fatalf("expected 1 summary entry, got %d: %+v", len(entries), entries)
	}
	want := "3 files changed: 1 api, 2 component"
	if entries[0].Summary != want {
		t.Fatalf("summary = %q, want %q", entries[0].Summary, want)
	}
}

func TestSideFileMonitor_PendingInvocationsMarkAgentsRunning(t *testing.T) {
	b := bus.New()
	activitySub := b.Subscribe("activity.")
	defer b.Unsubscribe(activitySub)
	statusSub := b.Subscribe("agent.status")
	defer b.Unsubscribe(statusSub)
	mon, dir := newTestMonitor(t, b)

	writeSideFile(t, dir, dashboard.PendingInvocationsFileName, `[
		{"agent": "readme-updater", "timestamp": "2026-08-30T09:00:00Z", "trigger": "file-watcher", "prompt": "update docs", "priority": "medium"}
	]`)
	mon.Poll(context.Background())

	select {
	case ev := <-statusSub.Ch():
		st, ok := ev.Payload.(bus.AgentStatusEvent)
		if !ok || st.Agent != "readme-updater" || st.Status != "running" {
			t.Fatalf("unexpected status event: %+v", ev.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for agent status event")
	}

	entries := collectActivities(t, activitySub, 200*time.Millisecond)
	if len(entries) != 1 || entries[0].Category != "agent" || entries[0].Source != "readme-updater" {
		t.Fatalf("unexpected activity entries: %+v", entries)
	}
}
