package dashboard

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/basket/chorus/internal/bus"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Side-channel files under the project's .claude directory. Each is
// rewritten wholesale by its producer, so modification time is the change
// signal.
const (
	TriggerFileName            = "doc-update-needed.trigger"
	PendingInvocationsFileName = "pending-agent-invocations.json"
	FileChangesLogName         = "file-changes.log"
	GithubSyncLogName          = "github-sync-log.json"
	SyncCommandLogName         = "sync-command-log.json"
	DashboardStatusFileName    = "dashboard-status.json"
)

// triggerSchema constrains the doc-update trigger document. Files are
// written by external tooling, so shape drift is expected and rejected
// before it reaches the activity feed.
const triggerSchema = `{
	"type": "object",
	"required": ["timestamp", "reason"],
	"properties": {
		"timestamp": {"type": "string"},
		"reason": {"type": "string"},
		"changes_detected": {"type": "array", "items": {"type": "string"}},
		"change_count": {"type": "integer", "minimum": 0},
		"priority": {"type": "string", "enum": ["high", "medium", "low"]}
	}
}`

// TriggerDoc is the parsed doc-update trigger.
type TriggerDoc struct {
	Timestamp       string   `json:"timestamp"`
	Reason          string   `json:"reason"`
	ChangesDetected []string `json:"changes_detected"`
	ChangeCount     int      `json:"change_count"`
	Priority        string   `json:"priority"`
}

// PendingInvocation is one queued agent invocation.
type PendingInvocation struct {
	Agent     string `json:"agent"`
	Timestamp string `json:"timestamp"`
	Trigger   string `json:"trigger"`
	Prompt    string `json:"prompt"`
	Priority  string `json:"priority"`
}

// fileChange is one JSONL record in the file-changes log.
type fileChange struct {
	Timestamp string   `json:"timestamp"`
	File      string   `json:"file"`
	Type      string   `json:"type"`
	Priority  string   `json:"priority"`
	Agents    []string `json:"agents"`
	Change    string   `json:"change"`
}

// syncLogDoc covers both sync logs; only the fields the summary needs.
type syncLogDoc struct {
	Timestamp string `json:"timestamp"`
	Status    string `json:"status"`
	Operation string `json:"operation"`
	Message   string `json:"message"`
}

// SideFileMonitor mtime-polls the side-channel documents and turns each
// observed change into an activity feed entry. Malformed content retains
// the prior known-good value.
type SideFileMonitor struct {
	dir      string
	interval time.Duration
	bus      *bus.Bus
	logger   *slog.Logger
	schema   *jsonschema.Schema

	mu       sync.Mutex
	modTimes map[string]time.Time

	// Known-good values, retained across malformed rewrites.
	lastTrigger     *TriggerDoc
	lastInvocations []PendingInvocation
	changesOffset   int64 // consumed byte offset into file-changes.log
}

type SideFileOptions struct {
	Dir      string
	Interval time.Duration
	Bus      *bus.Bus
	Logger   *slog.Logger
}

func NewSideFileMonitor(opts SideFileOptions) (*SideFileMonitor, error) {
	if opts.Interval <= 0 {
		opts.Interval = 2 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(triggerSchema))
	if err != nil {
		return nil, fmt.Errorf("unmarshal trigger schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("trigger.json", doc); err != nil {
		return nil, fmt.Errorf("add trigger schema resource: %w", err)
	}
	schema, err := c.Compile("trigger.json")
	if err != nil {
		return nil, fmt.Errorf("compile trigger schema: %w", err)
	}
	return &SideFileMonitor{
		dir:      opts.Dir,
		interval: opts.Interval,
		bus:      opts.Bus,
		logger:   opts.Logger,
		schema:   schema,
		modTimes: map[string]time.Time{},
	}, nil
}

// Run polls until ctx is done, then writes a final status file marking the
// monitor inactive.
func (m *SideFileMonitor) Run(ctx context.Context) {
	m.Poll(ctx)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.writeStatus(false, 0, nil)
			return
		case <-ticker.C:
			m.Poll(ctx)
		}
	}
}

// Poll checks every side file once. Exported for tests.
func (m *SideFileMonitor) Poll(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	processed := 0
	var types []string
	if m.pollTriggerLocked() {
		processed++
		types = append(types, "doc")
	}
	if n := m.pollInvocationsLocked(); n > 0 {
		processed += n
		types = append(types, "agent")
	}
	if cats := m.pollChangesLogLocked(); len(cats) > 0 {
		processed += len(cats)
		types = append(types, keysOf(cats)...)
	}
	if m.pollSyncLogLocked(GithubSyncLogName, "github sync") {
		processed++
		types = append(types, "command")
	}
	if m.pollSyncLogLocked(SyncCommandLogName, "sync command") {
		processed++
		types = append(types, "command")
	}

	if processed > 0 {
		m.writeStatus(true, processed, types)
	}
}

// changed stats path and reports whether its mtime moved past the recorded
// one, updating the record when it did.
func (m *SideFileMonitor) changed(name string) (string, bool) {
	path := filepath.Join(m.dir, name)
	fi, err := os.Stat(path)
	if err != nil {
		return path, false
	}
	if !fi.ModTime().After(m.modTimes[name]) {
		return path, false
	}
	m.modTimes[name] = fi.ModTime()
	return path, true
}

func (m *SideFileMonitor) pollTriggerLocked() bool {
	path, ok := m.changed(TriggerFileName)
	if !ok {
		return false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		m.logger.Warn("trigger file unparseable, keeping previous", "error", err)
		return false
	}
	if err := m.schema.Validate(doc); err != nil {
		m.logger.Warn("trigger file failed validation, keeping previous", "error", err)
		return false
	}
	var trig TriggerDoc
	if err := json.Unmarshal(data, &trig); err != nil {
		return false
	}
	m.lastTrigger = &trig

	summary := fmt.Sprintf("doc update requested: %s", trig.Reason)
	if trig.ChangeCount > 0 {
		summary = fmt.Sprintf("doc update requested: %d changes (%s)", trig.ChangeCount, trig.Priority)
	}
	m.emit("doc", summary)
	if m.bus != nil {
		m.bus.Publish(bus.TopicDocUpdate, trig)
	}
	return true
}

func (m *SideFileMonitor) pollInvocationsLocked() int {
	path, ok := m.changed(PendingInvocationsFileName)
	if !ok {
		return 0
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	var invocations []PendingInvocation
	if err := json.Unmarshal(data, &invocations); err != nil {
		m.logger.Warn("pending invocations unparseable, keeping previous", "error", err)
		return 0
	}
	newCount := len(invocations) - len(m.lastInvocations)
	m.lastInvocations = invocations
	if newCount <= 0 {
		return 0
	}

	recent := invocations[len(invocations)-newCount:]
	for _, inv := range recent {
		if inv.Agent == "" {
			continue
		}
		m.emitEntry(bus.ActivityEntry{
			Source:   inv.Agent,
			Category: "agent",
			Summary:  fmt.Sprintf("agent %s queued (%s)", inv.Agent, inv.Trigger),
		})
		if m.bus != nil {
			m.bus.Publish(bus.TopicAgentStatus, bus.AgentStatusEvent{Agent: inv.Agent, Status: "running"})
		}
	}
	if m.bus != nil {
		m.bus.Publish(bus.TopicPendingInvocations, recent)
	}
	return newCount
}

// pollChangesLogLocked tails the JSONL changes log from the last consumed
// offset and returns per-category counts for the new records.
func (m *SideFileMonitor) pollChangesLogLocked() map[string]int {
	path, ok := m.changed(FileChangesLogName)
	if !ok {
		return nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil
	}
	// A producer rewrite resets the offset.
	if fi.Size() < m.changesOffset {
		m.changesOffset = 0
	}
	if _, err := f.Seek(m.changesOffset, 0); err != nil {
		return nil
	}

	counts := map[string]int{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var ch fileChange
		if err := json.Unmarshal(line, &ch); err != nil {
			continue
		}
		counts[ch.Type]++
	}
	m.changesOffset = fi.Size()
	if len(counts) == 0 {
		return nil
	}

	m.emit("component", changeSummary(counts))
	return counts
}

func changeSummary(counts map[string]int) string {
	parts := make([]string, 0, len(counts))
	total := 0
	for _, cat := range keysOf(counts) {
		parts = append(parts, fmt.Sprintf("%d %s", counts[cat], cat))
		total += counts[cat]
	}
	return fmt.Sprintf("%d files changed: %s", total, strings.Join(parts, ", "))
}

func (m *SideFileMonitor) pollSyncLogLocked(name, label string) bool {
	path, ok := m.changed(name)
	if !ok {
		return false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	var doc syncLogDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		m.logger.Warn("sync log unparseable, keeping previous", "file", name, "error", err)
		return false
	}
	summary := label
	switch {
	case doc.Status != "" && doc.Operation != "":
		summary = fmt.Sprintf("%s: %s %s", label, doc.Operation, doc.Status)
	case doc.Status != "":
		summary = fmt.Sprintf("%s: %s", label, doc.Status)
	case doc.Message != "":
		summary = fmt.Sprintf("%s: %s", label, doc.Message)
	}
	m.emit("command", summary)
	return true
}

func (m *SideFileMonitor) emit(category, summary string) {
	m.emitEntry(bus.ActivityEntry{Source: "sidefile", Category: category, Summary: summary})
}

func (m *SideFileMonitor) emitEntry(e bus.ActivityEntry) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	if m.bus != nil {
		m.bus.Publish(bus.TopicActivity, e)
	}
}

// writeStatus mirrors the monitor's state into dashboard-status.json for
// external consumers.
func (m *SideFileMonitor) writeStatus(active bool, processed int, types []string) {
	status := map[string]any{
		"timestamp":         time.Now().Format(time.RFC3339),
		"watcher_active":    active,
		"changes_processed": processed,
	}
	if len(types) > 0 {
		sort.Strings(types)
		status["last_analysis"] = map[string]any{"file_types": dedupe(types)}
	}
	data, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		return
	}
	path := filepath.Join(m.dir, DashboardStatusFileName)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		m.logger.Warn("write dashboard status", "error", err)
	}
}

func keysOf(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func dedupe(sorted []string) []string {
	out := sorted[:0]
	for i, s := range sorted {
		if i == 0 || s != sorted[i-1] {
			out = append(out, s)
		}
	}
	return out
}
