package bus

import "time"

// Session lifecycle topics.
const (
	TopicSessionStarted  = "session.started"
	TopicSessionSwitched = "session.switched"
	TopicSessionEvent    = "session.event"
)

// Ingest and metrics topics.
const (
	TopicIngestFile    = "ingest.file"
	TopicMetricsUpdate = "metrics.update"
)

// Dashboard-facing topics.
const (
	TopicActivity           = "activity.entry"
	TopicAgentStatus        = "agent.status"
	TopicInfrastructure     = "infrastructure.status"
	TopicDocUpdate          = "doc.update"
	TopicPendingInvocations = "agent.pending_invocations"
)

// SessionEvent is published when the continuity tracker detects a clear or
// compact boundary. Kind is "clear" or "compact".
type SessionEvent struct {
	Kind       string
	SessionID  string
	PrevID     string
	Tokens     int
	DetectedAt time.Time
}

// IngestFileEvent is published after a session log file is extracted and
// persisted.
type IngestFileEvent struct {
	Path          string
	SessionID     string
	Conversations int
	Messages      int
}

// MetricsUpdateEvent carries aggregate token and cost counters for the
// dashboard.
type MetricsUpdateEvent struct {
	SessionID    string
	InputTokens  int
	OutputTokens int
	CacheTokens  int
	CostUSD      float64
}

// ActivityEntry is a single line in the dashboard activity feed.
type ActivityEntry struct {
	Timestamp time.Time
	Source    string // "extractor", "tracker", "sidefile", "health"
	Category  string // "component", "api", "agent", "command", "config", "doc"
	Summary   string
}

// AgentStatusEvent is published when an agent transitions between active
// and idle, or when a pending invocation is observed.
type AgentStatusEvent struct {
	Agent  string
	Status string // "active" or "idle"
}

// InfrastructureEvent is published when a health probe changes state.
type InfrastructureEvent struct {
	Component string // "server", "watcher", "database"
	Status    string // "running" or "stopped"
	Detail    string
}
