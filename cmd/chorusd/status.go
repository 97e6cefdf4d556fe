package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"

	"github.com/basket/chorus/internal/config"
)

func runStatusCommand(ctx context.Context, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: chorusd status")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}

	addr := strings.TrimSpace(cfg.BindAddr)
	if addr == "" {
		addr = "127.0.0.1:18790"
	}

	healthURL := ""
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		healthURL = strings.TrimRight(addr, "/") + "/healthz"
	} else {
		// Normalize IPv6 host:port if needed.
		if host, port, err := net.SplitHostPort(addr); err == nil {
			addr = net.JoinHostPort(host, port)
		}
		healthURL = "http://" + addr + "/healthz"
	}

	reqCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, healthURL, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "request: %v\n", err)
		return 1
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if isatty.IsTerminal(os.Stdout.Fd()) {
		printStyledStatus(addr, body)
	} else {
		_, _ = os.Stdout.Write(body)
		if len(body) == 0 || body[len(body)-1] != '\n' {
			_, _ = os.Stdout.Write([]byte("\n"))
		}
	}
	if resp.StatusCode != http.StatusOK {
		return 1
	}
	return 0
}

type healthReport struct {
	Healthy   bool   `json:"healthy"`
	DBOK      bool   `json:"db_ok"`
	WSClients int    `json:"ws_clients"`
	SessionID string `json:"session_id"`
}

func printStyledStatus(addr string, body []byte) {
	var report healthReport
	if err := json.Unmarshal(body, &report); err != nil {
		// Not the shape we expect; print raw rather than hide it.
		fmt.Println(strings.TrimSpace(string(body)))
		return
	}

	titleS := lipgloss.NewStyle().Bold(true)
	dimS := lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	okS := lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	badS := lipgloss.NewStyle().Foreground(lipgloss.Color("1"))

	verdict := okS.Render("healthy")
	if !report.Healthy {
		verdict = badS.Render("unhealthy")
	}
	dbState := okS.Render("ok")
	if !report.DBOK {
		dbState = badS.Render("down")
	}
	session := report.SessionID
	if session == "" {
		session = dimS.Render("none")
	} else if len(session) > 8 {
		session = session[:8]
	}

	fmt.Printf("%s %s\n", titleS.Render("chorusd"), verdict)
	fmt.Printf("  %s %s\n", dimS.Render("addr:"), addr)
	fmt.Printf("  %s %s\n", dimS.Render("database:"), dbState)
	fmt.Printf("  %s %d\n", dimS.Render("ws clients:"), report.WSClients)
	fmt.Printf("  %s %s\n", dimS.Render("session:"), session)
}
