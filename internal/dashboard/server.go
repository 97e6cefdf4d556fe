package dashboard

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/basket/chorus/internal/bus"
	"github.com/basket/chorus/internal/persistence"
	"github.com/basket/chorus/internal/shared"
	"github.com/basket/chorus/internal/tracker"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// Config wires the broadcaster to the rest of the daemon.
type Config struct {
	Store   *persistence.Store
	Bus     *bus.Bus
	Tracker *tracker.Tracker
	State   *State
	Logger  *slog.Logger

	// AllowOrigins controls accepted Origin headers for browser WS
	// connections. Empty means same-origin only.
	AllowOrigins []string

	// Optional instrumentation hooks; nil hooks are skipped.
	OnWSClients func(delta int)
	OnSearch    func(d time.Duration)
}

// Server owns the WebSocket broadcast fan-out and the REST query surface.
type Server struct {
	cfg    Config
	logger *slog.Logger

	clientsMu sync.RWMutex
	clients   map[*client]struct{}
}

type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *client) write(ctx context.Context, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return wsjson.Write(ctx, c.conn, payload)
}

// wsMessage is the envelope for both directions of the push channel.
// Server→client types: "snapshot", "activity", "metrics", "infrastructure",
// "agent-status", "session-event". Client→server types: "refresh",
// "agent-select".
type wsMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type wsPush struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.State == nil {
		cfg.State = NewState(cfg.Bus, 0)
	}
	return &Server{
		cfg:     cfg,
		logger:  cfg.Logger,
		clients: map[*client]struct{}{},
	}
}

// State exposes the owned dashboard state for the pollers that feed it.
func (s *Server) State() *State {
	return s.cfg.State
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/api/search", s.handleAPISearch)
	mux.HandleFunc("/api/conversations", s.handleAPIConversations)
	mux.HandleFunc("/api/conversations/", s.handleAPIConversationByUUID)
	mux.HandleFunc("/api/status", s.handleAPIStatus)
	return s.withTrace(mux)
}

// withTrace generates a trace_id for each request so handler logs can be
// correlated. The id rides the request context and is echoed back to the
// caller in the X-Trace-ID header.
func (s *Server) withTrace(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := shared.NewTraceID()
		w.Header().Set("X-Trace-ID", traceID)
		next.ServeHTTP(w, r.WithContext(shared.WithTraceID(r.Context(), traceID)))
	})
}

// Run consumes bus events and fans them out as typed deltas until ctx ends.
func (s *Server) Run(ctx context.Context) {
	if s.cfg.Bus == nil {
		<-ctx.Done()
		return
	}
	subs := []*bus.Subscription{
		s.cfg.Bus.Subscribe("activity."),
		s.cfg.Bus.Subscribe("metrics."),
		s.cfg.Bus.Subscribe("infrastructure."),
		s.cfg.Bus.Subscribe("agent."),
		s.cfg.Bus.Subscribe("session."),
		s.cfg.Bus.Subscribe("ingest."),
		s.cfg.Bus.Subscribe("doc."),
	}
	defer func() {
		for _, sub := range subs {
			s.cfg.Bus.Unsubscribe(sub)
		}
	}()

	merged := make(chan bus.Event, 64)
	var wg sync.WaitGroup
	for _, sub := range subs {
		wg.Add(1)
		go func(sub *bus.Subscription) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case ev, ok := <-sub.Ch():
					if !ok {
						return
					}
					select {
					case merged <- ev:
					case <-ctx.Done():
						return
					}
				}
			}
		}(sub)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	for {
		select {
		case <-ctx.Done():
			<-done
			return
		case ev := <-merged:
			s.dispatch(ev)
		}
	}
}

func (s *Server) dispatch(ev bus.Event) {
	switch payload := ev.Payload.(type) {
	case bus.ActivityEntry:
		stored := s.cfg.State.AppendActivity(payload)
		if payload.Source != "" && payload.Category == "agent" {
			info := s.cfg.State.MarkAgentActive(payload.Source)
			s.broadcast("agent-status", info)
		}
		s.broadcast("activity", stored)
	case bus.MetricsUpdateEvent:
		m := s.cfg.State.UpdateMetrics(payload)
		if s.cfg.Tracker != nil {
			st := s.cfg.Tracker.Snapshot()
			compacts := 0
			if st.CurrentSession != nil {
				compacts = st.CurrentSession.CompactsThisSession
			}
			m = s.cfg.State.SetContextUsage(s.cfg.Tracker.TokensSinceLastEvent(), compacts)
		}
		s.broadcast("metrics", m)
	case bus.InfrastructureEvent:
		info := s.cfg.State.SetInfrastructure(payload.Component, payload.Status, payload.Detail)
		s.broadcast("infrastructure", info)
	case bus.AgentStatusEvent:
		var info AgentInfo
		if payload.Status == "running" {
			// Activity arms the idle debounce; an explicit idle just lands.
			info = s.cfg.State.MarkAgentActive(payload.Agent)
		} else {
			info = s.cfg.State.SetAgentStatus(payload.Agent, payload.Status)
		}
		s.broadcast("agent-status", info)
	case bus.SessionEvent:
		entry := s.cfg.State.AppendActivity(bus.ActivityEntry{
			Timestamp: payload.DetectedAt,
			Source:    "tracker",
			Category:  "config",
			Summary:   sessionEventSummary(payload),
		})
		s.broadcast("activity", entry)
		s.broadcast("session-event", payload)
	case bus.IngestFileEvent:
		entry := s.cfg.State.AppendActivity(bus.ActivityEntry{
			Source:   "extractor",
			Category: "doc",
			Summary:  ingestSummary(payload),
		})
		s.broadcast("activity", entry)
	}
}

func sessionEventSummary(ev bus.SessionEvent) string {
	switch ev.Kind {
	case "start":
		return "session " + shortID(ev.SessionID) + " started"
	case "clear":
		return "context cleared: session " + shortID(ev.PrevID) + " → " + shortID(ev.SessionID)
	case "compact":
		return "context compacted in session " + shortID(ev.SessionID)
	default:
		return "session event " + ev.Kind
	}
}

func ingestSummary(ev bus.IngestFileEvent) string {
	return "ingested " + strconv.Itoa(ev.Messages) + " messages from " + baseName(ev.Path)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func baseName(path string) string {
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[i+1:]
	}
	return path
}

func (s *Server) broadcast(kind string, payload any) {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	for c := range s.clients {
		// Fire and forget: a failed write is the disconnect path's problem.
		if err := c.write(context.Background(), wsPush{Type: kind, Payload: payload}); err != nil {
			s.logger.Debug("ws broadcast write failed", "type", kind, "error", err)
		}
	}
}

func (s *Server) addClient(c *client) {
	s.clientsMu.Lock()
	s.clients[c] = struct{}{}
	n := len(s.clients)
	s.clientsMu.Unlock()
	if s.cfg.OnWSClients != nil {
		s.cfg.OnWSClients(1)
	}
	s.logger.Info("ws client connected", "clients", n)
}

func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	delete(s.clients, c)
	n := len(s.clients)
	s.clientsMu.Unlock()
	if s.cfg.OnWSClients != nil {
		s.cfg.OnWSClients(-1)
	}
	s.logger.Info("ws client disconnected", "clients", n)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	c := &client{conn: conn}
	s.addClient(c)
	defer func() {
		s.removeClient(c)
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	// Full snapshot first, deltas after.
	if err := c.write(r.Context(), wsPush{Type: "snapshot", Payload: s.cfg.State.Snapshot()}); err != nil {
		return
	}

	for {
		var msg wsMessage
		if err := wsjson.Read(r.Context(), conn, &msg); err != nil {
			return
		}
		switch msg.Type {
		case "refresh":
			if err := c.write(r.Context(), wsPush{Type: "snapshot", Payload: s.cfg.State.Snapshot()}); err != nil {
				return
			}
		case "agent-select":
			// Informational only; log which agent the observer focused.
			var p struct {
				Agent string `json:"agent"`
			}
			if err := json.Unmarshal(msg.Payload, &p); err == nil && p.Agent != "" {
				s.logger.Debug("ws agent selected", "agent", p.Agent)
			}
		default:
			s.logger.Debug("ws unknown client message", "type", msg.Type)
		}
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	dbOK := true
	if s.cfg.Store != nil {
		if err := s.cfg.Store.DB().PingContext(r.Context()); err != nil {
			dbOK = false
		}
	}
	s.clientsMu.RLock()
	clientCount := len(s.clients)
	s.clientsMu.RUnlock()

	payload := map[string]any{
		"healthy":    dbOK,
		"db_ok":      dbOK,
		"ws_clients": clientCount,
	}
	if s.cfg.Tracker != nil {
		st := s.cfg.Tracker.Snapshot()
		if st.CurrentSession != nil {
			payload["session_id"] = st.CurrentSession.SessionID
		}
	}
	w.Header().Set("Content-Type", "application/json")
	if !dbOK {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	mem := &runtime.MemStats{}
	runtime.ReadMemStats(mem)

	s.clientsMu.RLock()
	clientCount := len(s.clients)
	s.clientsMu.RUnlock()

	snap := s.cfg.State.Snapshot()
	payload := map[string]any{
		"ws_clients":              clientCount,
		"alloc_bytes":             mem.Alloc,
		"goroutines":              runtime.NumGoroutine(),
		"input_tokens":            snap.Metrics.InputTokens,
		"output_tokens":           snap.Metrics.OutputTokens,
		"cache_tokens":            snap.Metrics.CacheTokens,
		"cost_usd":                snap.Metrics.CostUSD,
		"tokens_since_last_event": snap.Metrics.TokensSinceLastEvent,
		"compacts_this_session":   snap.Metrics.CompactsThisSession,
		"activity_entries":        len(snap.Activity),
		"agent_count":             len(snap.Agents),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) handleAPISearch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if query == "" {
		http.Error(w, "missing q parameter", http.StatusBadRequest)
		return
	}
	limit := queryInt(r, "limit", 20)
	offset := queryInt(r, "offset", 0)

	start := time.Now()
	hits, err := s.cfg.Store.SearchMessages(r.Context(), query, limit, offset)
	if s.cfg.OnSearch != nil {
		s.cfg.OnSearch(time.Since(start))
	}
	if err != nil {
		s.logger.Error("search failed", "query", query, "error", err, "trace_id", shared.TraceID(r.Context()))
		http.Error(w, "search failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{"query": query, "hits": hits, "count": len(hits)})
}

func (s *Server) handleAPIConversations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)
	convs, err := s.cfg.Store.ListConversations(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list conversations failed", "error", err, "trace_id", shared.TraceID(r.Context()))
		http.Error(w, "list failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{"conversations": convs, "count": len(convs)})
}

func (s *Server) handleAPIConversationByUUID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	uuid := strings.TrimPrefix(r.URL.Path, "/api/conversations/")
	if uuid == "" || strings.Contains(uuid, "/") {
		http.Error(w, "invalid conversation id", http.StatusBadRequest)
		return
	}
	conv, err := s.cfg.Store.GetConversation(r.Context(), uuid)
	if err != nil {
		http.Error(w, "conversation not found", http.StatusNotFound)
		return
	}
	payload := map[string]any{"conversation": conv}
	if r.URL.Query().Get("messages") == "1" {
		msgs, err := s.cfg.Store.MessagesForConversation(r.Context(), conv.ID)
		if err != nil {
			s.logger.Error("load messages failed", "conversation", uuid, "error", err, "trace_id", shared.TraceID(r.Context()))
			http.Error(w, "load messages failed", http.StatusInternalServerError)
			return
		}
		payload["messages"] = msgs
	}
	writeJSON(w, payload)
}

func (s *Server) handleAPIStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, s.cfg.State.Snapshot())
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}
