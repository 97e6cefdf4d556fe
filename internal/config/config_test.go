package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/basket/chorus/internal/config"
)

func TestLoad_FromChorusHome(t *testing.T) {
	home := filepath.Join(t.TempDir(), "home")
	ch := filepath.Join(home, ".chorus")
	if err := os.MkdirAll(ch, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	yaml := "bind_addr: 127.0.0.1:19001\ntracker_interval_seconds: 15\nretention:\n  days: 30\n"
	if err := os.WriteFile(filepath.Join(ch, "config.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("HOME", home)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.BindAddr != "127.0.0.1:19001" {
		t.Fatalf("expected bind_addr=127.0.0.1:19001 got %q", cfg.BindAddr)
	}
	if cfg.TrackerIntervalSeconds != 15 {
		t.Fatalf("expected tracker_interval_seconds=15 got %d", cfg.TrackerIntervalSeconds)
	}
	if cfg.Retention.Days != 30 {
		t.Fatalf("expected retention days=30 got %d", cfg.Retention.Days)
	}
}

func TestLoad_NeedsGenesisWhenNoConfig(t *testing.T) {
	home := filepath.Join(t.TempDir(), "home")
	t.Setenv("HOME", home)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if !cfg.NeedsGenesis {
		t.Fatal("expected NeedsGenesis=true when config.yaml missing")
	}
	if cfg.BindAddr != "127.0.0.1:18790" {
		t.Fatalf("expected default bind addr, got %q", cfg.BindAddr)
	}
	if cfg.Retention.Schedule != "0 3 * * *" {
		t.Fatalf("expected default retention schedule, got %q", cfg.Retention.Schedule)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	home := filepath.Join(t.TempDir(), "home")
	t.Setenv("HOME", home)
	t.Setenv("CHORUS_BIND_ADDR", "127.0.0.1:19500")
	t.Setenv("CHORUS_DB_PATH", "/tmp/override.db")
	t.Setenv("CHORUS_RETENTION_DAYS", "7")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.BindAddr != "127.0.0.1:19500" {
		t.Fatalf("expected env bind addr, got %q", cfg.BindAddr)
	}
	if cfg.DBPath != "/tmp/override.db" {
		t.Fatalf("expected env db path, got %q", cfg.DBPath)
	}
	if cfg.Retention.Days != 7 {
		t.Fatalf("expected retention days=7, got %d", cfg.Retention.Days)
	}
}

func TestLoad_ChorusHomeOverride(t *testing.T) {
	ch := t.TempDir()
	t.Setenv("CHORUS_HOME", ch)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.HomeDir != ch {
		t.Fatalf("expected home %q, got %q", ch, cfg.HomeDir)
	}
	if got := cfg.DatabasePath(); got != filepath.Join(ch, "chorus.db") {
		t.Fatalf("unexpected db path %q", got)
	}
}

func TestEncodeProjectPath(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"/Users/dev/my-project", "-Users-dev-my-project"},
		{"/home/x/a.b/c", "-home-x-a-b-c"},
		{"", ""},
	}
	for _, tc := range cases {
		if got := config.EncodeProjectPath(tc.in); got != tc.want {
			t.Fatalf("EncodeProjectPath(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestProjectLogDir(t *testing.T) {
	cfg := config.Config{ClaudeDir: "/home/dev/.claude", ProjectPath: "/home/dev/proj"}
	want := filepath.Join("/home/dev/.claude", "projects", "-home-dev-proj")
	if got := cfg.ProjectLogDir(); got != want {
		t.Fatalf("ProjectLogDir() = %q, want %q", got, want)
	}
}

func TestFingerprint_Stable(t *testing.T) {
	a := config.Config{BindAddr: "x", LogLevel: "info"}
	b := config.Config{BindAddr: "x", LogLevel: "info"}
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatal("expected identical fingerprints for identical configs")
	}
	b.BindAddr = "y"
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatal("expected fingerprints to differ when bind addr changes")
	}
}
