package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/basket/taskgate/internal/config"
	"github.com/basket/taskgate/internal/persistence"
	"github.com/basket/taskgate/internal/retention"
)

func runStatusCommand(ctx context.Context, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: taskgate status")
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
	_, _ = os.Stdout.Write(body)
	if len(body) == 0 || body[len(body)-1] != '\n' {
		_, _ = os.Stdout.Write([]byte("\n"))
	}

	if cfg.Retention.TaskEventsDays > 0 {
		if next, err := retention.NextRunTime(cfg.Retention.Schedule, time.Now()); err == nil {
			fmt.Printf("next retention sweep: %s\n", next.Format(time.RFC3339))
		}
	}

	if resp.StatusCode != http.StatusOK {
		return 1
	}
	return 0
}

// runSweepCommand purges expired task events immediately, without waiting
// for the cron schedule. It opens the database directly, so the daemon
// must not be running against the same file in a conflicting transaction;
// WAL mode makes a concurrent sweep safe but the daemon's own sweeper
// already covers that case.
func runSweepCommand(ctx context.Context, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: taskgate sweep")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	if cfg.Retention.TaskEventsDays <= 0 {
		fmt.Println("retention disabled (task_events_days <= 0); nothing to do")
		return 0
	}

	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		return 1
	}
	defer store.Close()

	sweeper, err := retention.NewSweeper(retention.Config{
		Store:          store,
		Schedule:       cfg.Retention.Schedule,
		TaskEventsDays: cfg.Retention.TaskEventsDays,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "retention config: %v\n", err)
		return 1
	}

	purged, err := sweeper.Sweep(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sweep: %v\n", err)
		return 1
	}
	fmt.Printf("purged %d task events older than %d days\n", purged, cfg.Retention.TaskEventsDays)
	return 0
}
