package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// HealthEndpoint names a local HTTP endpoint probed by the dashboard.
type HealthEndpoint struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
}

// RetentionConfig controls the scheduled cleanup of aged rows.
type RetentionConfig struct {
	// Days is the retention horizon. 0 disables cleanup entirely.
	Days int `yaml:"days"`
	// Schedule is a cron expression for when cleanup runs.
	Schedule string `yaml:"schedule"`
}

type TelegramConfig struct {
	Token   string `yaml:"token"`
	ChatID  int64  `yaml:"chat_id"`
	Enabled bool   `yaml:"enabled"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

// OtelConfig gates OpenTelemetry export.
type OtelConfig struct {
	Enabled      bool   `yaml:"enabled"`
	OTLPEndpoint string `yaml:"otlp_endpoint"` // empty means stdout exporter
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`

	// ClaudeDir is the assistant's home directory holding session logs and
	// side-channel documents (default ~/.claude).
	ClaudeDir string `yaml:"claude_dir"`

	// ProjectPath is the absolute path of the tracked project. Session logs
	// for it live under ClaudeDir/projects/<encoded project path>/.
	ProjectPath string `yaml:"project_path"`

	// DBPath is the SQLite database file. Empty uses HomeDir/chorus.db.
	DBPath string `yaml:"db_path"`

	// TrackerIntervalSeconds is how often the continuity tracker inspects the
	// side-channel ledgers.
	TrackerIntervalSeconds int `yaml:"tracker_interval_seconds"`

	// SideFilePollSeconds is the mtime-polling interval for side files.
	SideFilePollSeconds int `yaml:"sidefile_poll_seconds"`

	// HealthPollSeconds is the infrastructure probe interval.
	HealthPollSeconds int `yaml:"health_poll_seconds"`

	// HealthTimeoutMillis bounds each individual probe.
	HealthTimeoutMillis int `yaml:"health_timeout_ms"`

	// AgentIdleSeconds is the silence after which an active agent reverts to idle.
	AgentIdleSeconds int `yaml:"agent_idle_seconds"`

	// CompactWindowSeconds bounds how old a compact ledger record may be and
	// still be reported.
	CompactWindowSeconds int `yaml:"compact_window_seconds"`

	// AllowOrigins controls which Origin headers are accepted for browser WS
	// connections. Empty means local-only.
	AllowOrigins []string `yaml:"allow_origins"`

	Retention RetentionConfig  `yaml:"retention"`
	Health    []HealthEndpoint `yaml:"health_endpoints"`
	Channels  ChannelsConfig   `yaml:"channels"`
	Otel      OtelConfig       `yaml:"otel"`

	NeedsGenesis bool `yaml:"-"`
}

// TrackerInterval returns the tracker check interval as a duration.
func (c Config) TrackerInterval() time.Duration {
	return time.Duration(c.TrackerIntervalSeconds) * time.Second
}

// SideFilePoll returns the side-file polling interval as a duration.
func (c Config) SideFilePoll() time.Duration {
	return time.Duration(c.SideFilePollSeconds) * time.Second
}

// HealthPoll returns the health probe interval as a duration.
func (c Config) HealthPoll() time.Duration {
	return time.Duration(c.HealthPollSeconds) * time.Second
}

// HealthTimeout returns the per-probe timeout as a duration.
func (c Config) HealthTimeout() time.Duration {
	return time.Duration(c.HealthTimeoutMillis) * time.Millisecond
}

// AgentIdleDelay returns the agent idle debounce as a duration.
func (c Config) AgentIdleDelay() time.Duration {
	return time.Duration(c.AgentIdleSeconds) * time.Second
}

// CompactWindow returns the compact recency window as a duration.
func (c Config) CompactWindow() time.Duration {
	return time.Duration(c.CompactWindowSeconds) * time.Second
}

// DatabasePath returns the effective SQLite file path.
func (c Config) DatabasePath() string {
	if c.DBPath != "" {
		return c.DBPath
	}
	return filepath.Join(c.HomeDir, "chorus.db")
}

// ProjectLogDir returns the directory holding session logs for ProjectPath,
// applying the assistant's path encoding (separators become hyphens).
func (c Config) ProjectLogDir() string {
	return filepath.Join(c.ClaudeDir, "projects", EncodeProjectPath(c.ProjectPath))
}

// SideFileDir returns the project-local .claude directory holding the
// side-channel documents.
func (c Config) SideFileDir() string {
	return filepath.Join(c.ProjectPath, ".claude")
}

// EncodeProjectPath converts an absolute project path into the directory name
// the assistant uses under its projects root: every path separator and dot
// becomes a hyphen. The transform is lossy, so the original path must be kept
// alongside the encoded form.
func EncodeProjectPath(path string) string {
	var b strings.Builder
	for _, r := range path {
		switch r {
		case '/', '\\', '.':
			b.WriteRune('-')
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Fingerprint returns a stable hash of the active config.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|claude=%s|project=%s|db=%s|retention=%d",
		c.BindAddr, c.LogLevel, c.ClaudeDir, c.ProjectPath, c.DBPath, c.Retention.Days)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

func defaultConfig() Config {
	return Config{
		BindAddr:               "127.0.0.1:18790",
		LogLevel:               "info",
		TrackerIntervalSeconds: 30,
		SideFilePollSeconds:    2,
		HealthPollSeconds:      10,
		HealthTimeoutMillis:    1500,
		AgentIdleSeconds:       30,
		CompactWindowSeconds:   120,
		Retention: RetentionConfig{
			Days:     90,
			Schedule: "0 3 * * *",
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("CHORUS_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".chorus")
}

func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create chorus home: %w", err)
	}

	configPath := ConfigPath(cfg.HomeDir)
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsGenesis = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:18790"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.ClaudeDir == "" {
		home, err := os.UserHomeDir()
		if err != nil || home == "" {
			home = "."
		}
		cfg.ClaudeDir = filepath.Join(home, ".claude")
	}
	if cfg.ProjectPath == "" {
		if wd, err := os.Getwd(); err == nil {
			cfg.ProjectPath = wd
		}
	}
	if cfg.TrackerIntervalSeconds <= 0 {
		cfg.TrackerIntervalSeconds = 30
	}
	if cfg.SideFilePollSeconds <= 0 {
		cfg.SideFilePollSeconds = 2
	}
	if cfg.HealthPollSeconds <= 0 {
		cfg.HealthPollSeconds = 10
	}
	if cfg.HealthTimeoutMillis <= 0 {
		cfg.HealthTimeoutMillis = 1500
	}
	if cfg.AgentIdleSeconds <= 0 {
		cfg.AgentIdleSeconds = 30
	}
	if cfg.CompactWindowSeconds <= 0 {
		cfg.CompactWindowSeconds = 120
	}
	if cfg.Retention.Days < 0 {
		cfg.Retention.Days = 0
	}
	if strings.TrimSpace(cfg.Retention.Schedule) == "" {
		cfg.Retention.Schedule = "0 3 * * *"
	}
	if len(cfg.Health) == 0 {
		cfg.Health = []HealthEndpoint{
			{Name: "server", URL: "http://" + cfg.BindAddr + "/healthz"},
		}
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("CHORUS_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("CHORUS_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("CHORUS_CLAUDE_DIR"); raw != "" {
		cfg.ClaudeDir = raw
	}
	if raw := os.Getenv("CHORUS_PROJECT_PATH"); raw != "" {
		cfg.ProjectPath = raw
	}
	if raw := os.Getenv("CHORUS_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("CHORUS_RETENTION_DAYS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Retention.Days = v
		}
	}
	if raw := os.Getenv("CHORUS_TRACKER_INTERVAL_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.TrackerIntervalSeconds = v
		}
	}
	if raw := os.Getenv("TELEGRAM_TOKEN"); raw != "" {
		cfg.Channels.Telegram.Token = raw
	}
	if raw := os.Getenv("TELEGRAM_CHAT_ID"); raw != "" {
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
			cfg.Channels.Telegram.ChatID = v
		}
	}
	if raw := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); raw != "" {
		cfg.Otel.OTLPEndpoint = raw
	}
}
