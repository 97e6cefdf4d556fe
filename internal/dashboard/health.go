package dashboard

import (
	"context"
	"log/slog"
	"net/http"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/basket/chorus/internal/bus"
	"github.com/basket/chorus/internal/config"
)

// HealthPoller probes a fixed set of local endpoints plus the auxiliary
// watcher process. A refused or timed-out probe classifies the component as
// stopped; probing never returns an error to the caller. Status transitions
// are published as infrastructure events.
type HealthPoller struct {
	endpoints []config.HealthEndpoint
	interval  time.Duration
	client    *http.Client
	bus       *bus.Bus
	logger    *slog.Logger

	// WatcherPattern is the process-table pattern for the auxiliary file
	// watcher; empty disables the pgrep check.
	watcherPattern string

	mu   sync.Mutex
	last map[string]string // component → last reported status
}

type HealthOptions struct {
	Endpoints      []config.HealthEndpoint
	Interval       time.Duration
	Timeout        time.Duration
	WatcherPattern string
	Bus            *bus.Bus
	Logger         *slog.Logger
}

func NewHealthPoller(opts HealthOptions) *HealthPoller {
	if opts.Interval <= 0 {
		opts.Interval = 10 * time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 1500 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &HealthPoller{
		endpoints:      opts.Endpoints,
		interval:       opts.Interval,
		client:         &http.Client{Timeout: opts.Timeout},
		bus:            opts.Bus,
		logger:         opts.Logger,
		watcherPattern: opts.WatcherPattern,
		last:           map[string]string{},
	}
}

// Run polls until ctx is done. The first poll happens immediately.
func (p *HealthPoller) Run(ctx context.Context) {
	p.Poll(ctx)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Poll(ctx)
		}
	}
}

// Poll probes every configured endpoint once. Exported for tests and manual
// refresh.
func (p *HealthPoller) Poll(ctx context.Context) {
	for _, ep := range p.endpoints {
		status, detail := p.probe(ctx, ep.URL)
		p.report(ep.Name, status, detail)
	}
	if p.watcherPattern != "" {
		status, detail := p.probeProcess(ctx, p.watcherPattern)
		p.report("watcher", status, detail)
	}
}

func (p *HealthPoller) probe(ctx context.Context, url string) (string, string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "stopped", err.Error()
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return "stopped", "unreachable"
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return "stopped", resp.Status
	}
	return "running", ""
}

// probeProcess checks process-table liveness the same way a shell user
// would: pgrep -f against the watcher's command line.
func (p *HealthPoller) probeProcess(ctx context.Context, pattern string) (string, string) {
	out, err := exec.CommandContext(ctx, "pgrep", "-f", pattern).Output()
	if err != nil || len(strings.TrimSpace(string(out))) == 0 {
		return "stopped", "no matching process"
	}
	return "running", ""
}

func (p *HealthPoller) report(component, status, detail string) {
	p.mu.Lock()
	prev, seen := p.last[component]
	p.last[component] = status
	p.mu.Unlock()

	if seen && prev == status {
		return
	}
	p.logger.Info("infrastructure status", "component", component, "status", status, "detail", detail)
	if p.bus != nil {
		p.bus.Publish(bus.TopicInfrastructure, bus.InfrastructureEvent{
			Component: component,
			Status:    status,
			Detail:    detail,
		})
	}
}
