package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/basket/chorus/internal/bus"
	"github.com/basket/chorus/internal/channels"
	"github.com/basket/chorus/internal/config"
	"github.com/basket/chorus/internal/cron"
	"github.com/basket/chorus/internal/dashboard"
	"github.com/basket/chorus/internal/extractor"
	otelPkg "github.com/basket/chorus/internal/otel"
	"github.com/basket/chorus/internal/persistence"
	"github.com/basket/chorus/internal/telemetry"
	"github.com/basket/chorus/internal/tracker"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

DAEMON MODE (default):
  %s                          Ingest session logs and serve the dashboard
  %s -project <path>          Override the observed project path

SUBCOMMANDS:
  %s status                   Show daemon health status (/healthz)
  %s doctor [-json]           Run diagnostic checks

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  CHORUS_HOME             Data directory (default: ~/.chorus)
  CHORUS_PROJECT_PATH     Project to observe (default: current directory)
  CHORUS_CLAUDE_DIR       Claude root holding projects/ (default: ~/.claude)
  CHORUS_BIND_ADDR        Dashboard bind address (default: 127.0.0.1:18790)

EXAMPLES:
  Run the daemon:         %s
  Check daemon health:    %s status
  Run diagnostics:        %s doctor
`, os.Args[0], os.Args[0], os.Args[0])
}

func main() {
	loadDotEnv(".env")

	projectFlag := flag.String("project", "", "project path to observe (overrides config)")
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		case "doctor":
			os.Exit(runDoctorCommand(ctx, args[1:]))
		default:
			fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}
	if *projectFlag != "" {
		cfg.ProjectPath = *projectFlag
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, false)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded",
		"project", cfg.ProjectPath, "config_fingerprint", cfg.Fingerprint())

	eventBus := bus.New()

	otelExporter := "stdout"
	if cfg.Otel.OTLPEndpoint != "" {
		otelExporter = "otlp-http"
	}
	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:  cfg.Otel.Enabled,
		Exporter: otelExporter,
		Endpoint: cfg.Otel.OTLPEndpoint,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())
	instruments, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_METRICS", err)
	}

	store, err := persistence.Open(cfg.DatabasePath(), eventBus)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "schema_ready", "db", cfg.DatabasePath())

	ex := extractor.New(store, eventBus, cfg.ClaudeDir, logger)

	trk := tracker.New(tracker.Options{
		SideFileDir:   cfg.SideFileDir(),
		Interval:      cfg.TrackerInterval(),
		CompactWindow: cfg.CompactWindow(),
		Bus:           eventBus,
		Logger:        logger,
	})
	go trk.Run(ctx)

	// Feed the tracker from ingest metrics: session identity plus a running
	// token total across all extracted files.
	go feedTracker(ctx, eventBus, trk, instruments)

	state := dashboard.NewState(eventBus, cfg.AgentIdleDelay())
	defer state.Close()
	dash := dashboard.New(dashboard.Config{
		Store:        store,
		Bus:          eventBus,
		Tracker:      trk,
		State:        state,
		Logger:       logger,
		AllowOrigins: cfg.AllowOrigins,
		OnWSClients: func(delta int) {
			instruments.WSClients.Add(context.Background(), int64(delta))
		},
		OnSearch: func(d time.Duration) {
			instruments.SearchDuration.Record(context.Background(), d.Seconds())
		},
	})
	go dash.Run(ctx)

	// Initial full ingest, then watch for log modifications.
	summaries, err := ex.ProcessAll(ctx, cfg.ProjectPath)
	if err != nil {
		logger.Error("initial ingest failed", "error", err)
	}
	logger.Info("startup phase", "phase", "initial_ingest_done", "files", len(summaries))

	logWatcher := extractor.NewWatcher(ex, cfg.ProjectPath, logger, func(fs extractor.FileSummary) {
		instruments.FilesProcessed.Add(context.Background(), 1)
		instruments.MessagesIngested.Add(context.Background(), int64(fs.MessageCount))
	})
	if err := logWatcher.Start(ctx); err != nil {
		fatalStartup(logger, "E_LOG_WATCHER_START", err)
	}

	healthPoller := dashboard.NewHealthPoller(dashboard.HealthOptions{
		Endpoints:      cfg.Health,
		Interval:       cfg.HealthPoll(),
		Timeout:        cfg.HealthTimeout(),
		WatcherPattern: "file-watcher",
		Bus:            eventBus,
		Logger:         logger,
	})
	go healthPoller.Run(ctx)

	sideMonitor, err := dashboard.NewSideFileMonitor(dashboard.SideFileOptions{
		Dir:      cfg.SideFileDir(),
		Interval: cfg.SideFilePoll(),
		Bus:      eventBus,
		Logger:   logger,
	})
	if err != nil {
		fatalStartup(logger, "E_SIDEFILE_MONITOR", err)
	}
	go sideMonitor.Run(ctx)

	retention, err := cron.NewScheduler(cron.Config{
		Store:         store,
		Logger:        logger,
		Schedule:      cfg.Retention.Schedule,
		RetentionDays: cfg.Retention.Days,
	})
	if err != nil {
		fatalStartup(logger, "E_RETENTION_SCHEDULE", err)
	}
	retention.Start(ctx)
	defer retention.Stop()

	if cfg.Channels.Telegram.Enabled {
		if cfg.Channels.Telegram.Token == "" {
			logger.Warn("telegram notifier enabled but token is missing")
		} else {
			tg, err := channels.NewTelegramNotifier(
				cfg.Channels.Telegram.Token,
				strconv.FormatInt(cfg.Channels.Telegram.ChatID, 10),
				eventBus,
				logger,
			)
			if err != nil {
				logger.Error("telegram notifier init failed", "error", err)
			} else {
				go func() {
					if err := tg.Start(ctx); err != nil {
						logger.Error("telegram notifier failed", "error", err)
					}
				}()
			}
		}
	}

	// Config reload watcher: a bind-address or project change needs a
	// restart, everything else is picked up on the next poll cycle.
	cfgWatcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := cfgWatcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
	} else {
		go func() {
			for range cfgWatcher.Events() {
				logger.Info("config changed on disk; restart to apply bind or project changes")
			}
		}()
	}

	server := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: dash.Handler(),
	}
	serverErr := make(chan error, 1)
	lc := &net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
			})
		},
	}
	ln, err := lc.Listen(ctx, "tcp", cfg.BindAddr)
	if err != nil {
		if isAddrInUse(err) {
			hint := portOccupantHint(cfg.BindAddr)
			fatalStartup(logger, "E_LISTENER_BIND", fmt.Errorf("%w\n\n  %s", err, hint))
		}
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	go func() {
		logger.Info("dashboard listening", "addr", cfg.BindAddr, "ws", "/ws")
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("dashboard server failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown", "error", err)
	}
	logger.Info("chorusd stopped")
}

// feedTracker folds per-file token metrics into a running total and reports
// each observed session to the continuity tracker.
func feedTracker(ctx context.Context, eventBus *bus.Bus, trk *tracker.Tracker, instruments *otelPkg.Metrics) {
	sub := eventBus.Subscribe("metrics.update")
	defer eventBus.Unsubscribe(sub)

	total := 0
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			mu, isMU := ev.Payload.(bus.MetricsUpdateEvent)
			if !isMU {
				continue
			}
			tokens := mu.InputTokens + mu.OutputTokens + mu.CacheTokens
			total += tokens
			if instruments != nil {
				instruments.TokensObserved.Add(ctx, int64(tokens))
			}
			trk.Observe(ctx, mu.SessionID, total)
		}
	}
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"chorusd","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func isAddrInUse(err error) bool {
	if opErr, ok := err.(*net.OpError); ok {
		if sysErr, ok := opErr.Err.(*os.SyscallError); ok {
			return sysErr.Err == syscall.EADDRINUSE
		}
	}
	return false
}

func portOccupantHint(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Sprintf("Another process is using %s. Stop it first or change bind_addr in config.yaml.", addr)
	}
	out, err := exec.Command("lsof", "-ti", ":"+port).Output()
	if err == nil && strings.TrimSpace(string(out)) != "" {
		pids := strings.TrimSpace(string(out))
		return fmt.Sprintf("Port %s is occupied by PID %s. Kill it with: kill %s", port, pids, pids)
	}
	return fmt.Sprintf("Port %s is already in use. Stop the existing process or change bind_addr in config.yaml.", port)
}

func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}
