// Package doctor runs environment diagnostics for the observability daemon:
// config, log directories, database, and the external tools the health
// poller shells out to.
package doctor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"github.com/basket/chorus/internal/config"
	"github.com/basket/chorus/internal/persistence"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkLogDir,
		checkSideFiles,
		checkDatabase,
		checkPermissions,
		checkExternalTools,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	if cfg.NeedsGenesis {
		return CheckResult{Name: "Config", Status: "WARN", Message: "No config.yaml yet; running on defaults"}
	}
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir)}
}

// checkLogDir verifies the session log directory for the observed project
// exists and contains at least one .jsonl file.
func checkLogDir(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Session Logs", Status: "SKIP", Message: "Config missing"}
	}
	dir := cfg.ProjectLogDir()
	entries, err := os.ReadDir(dir)
	if err != nil {
		return CheckResult{
			Name:    "Session Logs",
			Status:  "WARN",
			Message: fmt.Sprintf("Log directory unreadable: %v", err),
			Detail:  "Nothing to ingest until Claude Code writes logs for this project",
		}
	}
	logs := 0
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".jsonl") {
			logs++
		}
	}
	if logs == 0 {
		return CheckResult{Name: "Session Logs", Status: "WARN", Message: fmt.Sprintf("No .jsonl files in %s", dir)}
	}
	return CheckResult{Name: "Session Logs", Status: "PASS", Message: fmt.Sprintf("%d log files in %s", logs, dir)}
}

func checkSideFiles(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Side Files", Status: "SKIP", Message: "Config missing"}
	}
	dir := cfg.SideFileDir()
	if _, err := os.Stat(dir); err != nil {
		return CheckResult{
			Name:    "Side Files",
			Status:  "WARN",
			Message: fmt.Sprintf("%s missing", dir),
			Detail:  "Continuity and agent tracking stay idle without it",
		}
	}
	return CheckResult{Name: "Side Files", Status: "PASS", Message: dir}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: "SKIP", Message: "Config missing"}
	}

	store, err := persistence.Open(cfg.DatabasePath(), nil)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Open failed: %v", err)}
	}
	defer store.Close()

	if _, err := store.ListConversations(ctx, 1, 0); err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Query failed: %v", err)}
	}
	return CheckResult{Name: "Database", Status: "PASS", Message: "Connection and schema valid"}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "Config missing"}
	}

	testFile := fmt.Sprintf("%s/.write_test", cfg.HomeDir)
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	os.Remove(testFile)

	return CheckResult{Name: "Permissions", Status: "PASS", Message: "Home directory writable"}
}

// checkExternalTools covers the binaries the daemon shells out to: pgrep
// for watcher process liveness and lsof for the bind-conflict hint.
func checkExternalTools(_ context.Context, _ *config.Config) CheckResult {
	var details []string
	status := "PASS"

	if _, err := exec.LookPath("pgrep"); err != nil {
		details = append(details, "pgrep: missing (watcher liveness check disabled)")
		status = "WARN"
	} else {
		details = append(details, "pgrep: ok")
	}
	if _, err := exec.LookPath("lsof"); err != nil {
		details = append(details, "lsof: missing (port conflict hints degraded)")
		if status == "PASS" {
			status = "WARN"
		}
	} else {
		details = append(details, "lsof: ok")
	}

	return CheckResult{
		Name:    "External Tools",
		Status:  status,
		Message: fmt.Sprintf("Checked %d tools", len(details)),
		Detail:  strings.Join(details, "; "),
	}
}
