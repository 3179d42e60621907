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
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/basket/taskgate/internal/broadcast"
	"github.com/basket/taskgate/internal/config"
	"github.com/basket/taskgate/internal/coordinator"
	"github.com/basket/taskgate/internal/gateway"
	otelPkg "github.com/basket/taskgate/internal/otel"
	"github.com/basket/taskgate/internal/persistence"
	"github.com/basket/taskgate/internal/retention"
	"github.com/basket/taskgate/internal/search"
	"github.com/basket/taskgate/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s                          Start the task gateway daemon

SUBCOMMANDS:
  %s status                   Show daemon health (/healthz) and next retention run
  %s sweep                    Purge expired task events now (daemon must be stopped)

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  TASKGATE_HOME           Data directory (default: ~/.taskgate)
  TASKGATE_BIND_ADDR      Listen address (default: 127.0.0.1:18790)
  TASKGATE_LOG_LEVEL      debug, info, warn, error (default: info)

EXAMPLES:
  Start the daemon:       %s
  Check daemon health:    %s status
`, os.Args[0], os.Args[0])
}

func main() {
	loadDotEnv(".env")

	quiet := flag.Bool("quiet", false, "do not echo logs to stdout (file log only)")
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// CLI subcommands (non-daemon actions).
	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		case "sweep":
			os.Exit(runSweepCommand(ctx, args[1:]))
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

	// Echo logs to stdout only when a human is watching; under a
	// supervisor the jsonl file is the log destination.
	quietLogs := *quiet || !isatty.IsTerminal(os.Stdout.Fd())

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quietLogs)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "version", Version, "config", cfg.Fingerprint())

	if host, _, err := net.SplitHostPort(cfg.BindAddr); err == nil {
		h := strings.TrimSpace(strings.ToLower(host))
		loopback := h == "127.0.0.1" || h == "localhost" || h == "::1"
		if !loopback && len(cfg.AllowOrigins) == 0 {
			logger.Warn("allow_origins is empty on non-loopback bind; cross-origin browser connections will be rejected (same-origin only)", "bind_addr", cfg.BindAddr)
		}
		if !loopback && !cfg.Auth.Enabled {
			logger.Warn("auth is disabled on non-loopback bind; anyone who can reach the port can act as any user", "bind_addr", cfg.BindAddr)
		}
	}

	otelProvider, err := otelPkg.Init(ctx, cfg.OTel)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())

	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "schema_migrated", "db", cfg.DBPath)

	broadcaster := broadcast.New(logger)

	// The search index is a derived view: rebuild it from the store in
	// the background so a deleted or stale index heals itself.
	var idx *search.Index
	var indexer coordinator.Indexer
	if cfg.Search.Enabled {
		idx, err = search.Open(cfg.Search.IndexPath)
		if err != nil {
			fatalStartup(logger, "E_SEARCH_OPEN", err)
		}
		defer idx.Close()
		indexer = idx
		go func() {
			if err := idx.Rebuild(ctx, store.AllTasks); err != nil {
				logger.Warn("search index rebuild failed", "error", err)
				return
			}
			docs, _ := idx.DocCount()
			logger.Info("search index rebuilt", "docs", docs)
		}()
	} else {
		logger.Info("search disabled")
	}

	metrics, err := coordinator.NewMetrics(otelProvider.Meter)
	if err != nil {
		logger.Warn("metrics init failed, continuing without", "error", err)
		metrics = nil
	}

	coord := coordinator.New(coordinator.Config{
		Store:       store,
		Broadcaster: broadcaster,
		Indexer:     indexer,
		Logger:      logger,
		Metrics:     metrics,
	})

	gw := gateway.New(gateway.Config{
		Coordinator:       coord,
		Broadcaster:       broadcaster,
		Store:             store,
		Search:            idx,
		Logger:            logger,
		AllowOrigins:      cfg.AllowOrigins,
		ConfigFingerprint: cfg.Fingerprint(),
	})

	auth := gateway.NewAuthMiddleware(cfg.Auth)
	rate := gateway.NewRateLimitMiddleware(cfg.RateLimit, logger)
	rate.StartEviction(ctx, 5*time.Minute, 15*time.Minute)
	cors := gateway.NewCORSMiddleware(cfg.CORS)
	sizeLimit := gateway.RequestSizeLimitMiddleware(cfg.MaxRequestBytes)

	handler := sizeLimit(cors(rate.Wrap(auth.Wrap(gw.Handler()))))

	sweeper, err := retention.NewSweeper(retention.Config{
		Store:          store,
		Logger:         logger,
		Schedule:       cfg.Retention.Schedule,
		TaskEventsDays: cfg.Retention.TaskEventsDays,
	})
	if err != nil {
		fatalStartup(logger, "E_RETENTION_INIT", err)
	}
	sweeper.Start(ctx)
	defer sweeper.Stop()

	confWatcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := confWatcher.Start(ctx); err != nil {
		fatalStartup(logger, "E_CONFIG_WATCHER_START", err)
	}
	go func() {
		for ev := range confWatcher.Events() {
			newCfg, err := config.Load()
			if err != nil {
				logger.Error("config.yaml reload failed; keeping active config", "error", err)
				continue
			}
			if newCfg.Fingerprint() == cfg.Fingerprint() {
				continue
			}
			// Auth, bind address, and rate limits are wired at startup.
			logger.Warn("config.yaml changed; restart to apply",
				"path", ev.Path, "active", cfg.Fingerprint(), "on_disk", newCfg.Fingerprint())
		}
	}()

	server := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: handler,
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
		logger.Info("gateway listening", "addr", cfg.BindAddr, "ws", "/ws", "sse", "/events")
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	}

	// Stop intake first; in-flight requests get a bounded grace period.
	// Store, index, and sweeper close via the deferred calls above.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	logger.Info("shutdown complete")
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
			`{"timestamp":"%s","level":"ERROR","component":"taskgate","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
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
	return strings.Contains(err.Error(), "address already in use")
}

func portOccupantHint(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Sprintf("Another process is using %s. Stop it first or change bind_addr in config.yaml.", addr)
	}
	// Try lsof to identify the occupying process (macOS/Linux).
	out, err := execCommand("lsof", "-ti", ":"+port)
	if err == nil && strings.TrimSpace(out) != "" {
		pids := strings.TrimSpace(out)
		return fmt.Sprintf("Port %s is occupied by PID %s. Kill it with: kill %s", port, pids, pids)
	}
	return fmt.Sprintf("Port %s is already in use. Stop the existing process or change bind_addr in config.yaml.", port)
}

func execCommand(name string, args ...string) (string, error) {
	cmd := execCommandFunc(name, args...)
	out, err := cmd.Output()
	return string(out), err
}

var execCommandFunc = newExecCommand

func newExecCommand(name string, args ...string) *exec.Cmd {
	return exec.Command(name, args...)
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
