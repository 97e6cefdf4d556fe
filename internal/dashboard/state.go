package dashboard

import (
	"sync"
	"time"

	"github.com/basket/chorus/internal/bus"
)

const activityRingCap = 20

// AgentInfo is the dashboard-visible state of one agent.
type AgentInfo struct {
	Name         string    `json:"name"`
	Status       string    `json:"status"` // "running" or "idle"
	LastActivity time.Time `json:"last_activity"`
}

// Metrics aggregates token and cost counters plus the tracker's view of the
// active context window.
type Metrics struct {
	SessionID            string  `json:"session_id"`
	InputTokens          int     `json:"input_tokens"`
	OutputTokens         int     `json:"output_tokens"`
	CacheTokens          int     `json:"cache_tokens"`
	CostUSD              float64 `json:"cost_usd"`
	TokensSinceLastEvent int     `json:"tokens_since_last_event"`
	CompactsThisSession  int     `json:"compacts_this_session"`
}

// InfraComponent is one health-checked piece of infrastructure.
type InfraComponent struct {
	Name      string    `json:"name"`
	Status    string    `json:"status"` // "running" or "stopped"
	Detail    string    `json:"detail,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// Snapshot is the full dashboard state pushed to a client on connect.
type Snapshot struct {
	Agents         map[string]AgentInfo      `json:"agents"`
	Metrics        Metrics                   `json:"metrics"`
	Activity       []bus.ActivityEntry       `json:"activity"` // newest first
	Infrastructure map[string]InfraComponent `json:"infrastructure"`
	GeneratedAt    time.Time                 `json:"generated_at"`
}

// State is the single owned dashboard state. All mutation goes through its
// methods; there are no package-level globals.
type State struct {
	mu sync.Mutex

	agents         map[string]AgentInfo
	metrics        Metrics
	activity       []bus.ActivityEntry // newest first, capped
	infrastructure map[string]InfraComponent

	idleDelay  time.Duration
	idleTimers map[string]*time.Timer

	bus *bus.Bus
}

// NewState creates an empty dashboard state. Agent idle transitions are
// published to the bus as agent.status events after idleDelay of silence.
func NewState(b *bus.Bus, idleDelay time.Duration) *State {
	if idleDelay <= 0 {
		idleDelay = 30 * time.Second
	}
	return &State{
		agents:         map[string]AgentInfo{},
		infrastructure: map[string]InfraComponent{},
		idleDelay:      idleDelay,
		idleTimers:     map[string]*time.Timer{},
		bus:            b,
	}
}

// AppendActivity prepends an entry to the feed, dropping the oldest past the
// ring capacity, and returns a copy of the stored entry.
func (s *State) AppendActivity(e bus.ActivityEntry) bus.ActivityEntry {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activity = append([]bus.ActivityEntry{e}, s.activity...)
	if len(s.activity) > activityRingCap {
		s.activity = s.activity[:activityRingCap]
	}
	return e
}

// MarkAgentActive flips an agent to running and arms the idle debounce. Any
// further activity restarts the timer; on expiry an agent.status idle event
// is published so the broadcaster can propagate it.
func (s *State) MarkAgentActive(name string) AgentInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	info := AgentInfo{Name: name, Status: "running", LastActivity: time.Now()}
	s.agents[name] = info

	if t, ok := s.idleTimers[name]; ok {
		t.Stop()
	}
	s.idleTimers[name] = time.AfterFunc(s.idleDelay, func() {
		s.expireAgent(name)
	})
	return info
}

func (s *State) expireAgent(name string) {
	s.mu.Lock()
	info, ok := s.agents[name]
	if ok && info.Status == "running" {
		info.Status = "idle"
		s.agents[name] = info
	}
	delete(s.idleTimers, name)
	s.mu.Unlock()
	if !ok {
		return
	}
	if s.bus != nil {
		s.bus.Publish(bus.TopicAgentStatus, bus.AgentStatusEvent{Agent: name, Status: "idle"})
	}
}

// SetAgentStatus applies an externally observed status transition.
func (s *State) SetAgentStatus(name, status string) AgentInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, ok := s.agents[name]
	if !ok {
		info = AgentInfo{Name: name}
	}
	info.Status = status
	if status == "running" {
		info.LastActivity = time.Now()
	}
	s.agents[name] = info
	return info
}

// UpdateMetrics merges a metrics delta into the aggregate counters.
func (s *State) UpdateMetrics(ev bus.MetricsUpdateEvent) Metrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ev.SessionID != "" {
		s.metrics.SessionID = ev.SessionID
	}
	s.metrics.InputTokens += ev.InputTokens
	s.metrics.OutputTokens += ev.OutputTokens
	s.metrics.CacheTokens += ev.CacheTokens
	s.metrics.CostUSD += ev.CostUSD
	return s.metrics
}

// SetContextUsage records the tracker's context-window counters.
func (s *State) SetContextUsage(tokensSinceLastEvent, compactsThisSession int) Metrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics.TokensSinceLastEvent = tokensSinceLastEvent
	s.metrics.CompactsThisSession = compactsThisSession
	return s.metrics
}

// SetInfrastructure records a health probe result.
func (s *State) SetInfrastructure(component, status, detail string) InfraComponent {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := InfraComponent{Name: component, Status: status, Detail: detail, CheckedAt: time.Now()}
	s.infrastructure[component] = info
	return info
}

// Snapshot returns a deep copy of the current state.
func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	agents := make(map[string]AgentInfo, len(s.agents))
	for k, v := range s.agents {
		agents[k] = v
	}
	infra := make(map[string]InfraComponent, len(s.infrastructure))
	for k, v := range s.infrastructure {
		infra[k] = v
	}
	activity := make([]bus.ActivityEntry, len(s.activity))
	copy(activity, s.activity)

	return Snapshot{
		Agents:         agents,
		Metrics:        s.metrics,
		Activity:       activity,
		Infrastructure: infra,
		GeneratedAt:    time.Now(),
	}
}

// Close stops all pending idle timers.
func (s *State) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, t := range s.idleTimers {
		t.Stop()
		delete(s.idleTimers, name)
	}
}
