// Command toolmesh-host is the main entry point for the toolmesh host
// process: it connects to every configured tool server, serves health and
// metrics endpoints, and runs the inbound tool-call queue until signalled to
// shut down.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/basilisklabs/toolmesh/internal/breaker"
	"github.com/basilisklabs/toolmesh/internal/config"
	"github.com/basilisklabs/toolmesh/internal/events"
	"github.com/basilisklabs/toolmesh/internal/health"
	"github.com/basilisklabs/toolmesh/internal/observe"
	"github.com/basilisklabs/toolmesh/internal/queue"
	"github.com/basilisklabs/toolmesh/internal/toolmanager"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML runtime configuration file")
	mcpServersPath := flag.String("mcp-servers", "mcpServers.json", "path to the mcpServers JSON wire file")
	flag.Parse()

	// ── Load configuration ───────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "toolmesh-host: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "toolmesh-host: %v\n", err)
		}
		return 1
	}

	servers, err := config.LoadMCPServers(*mcpServersPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "toolmesh-host: mcp-servers file %q not found — copy configs/example.mcpServers.json to get started\n", *mcpServersPath)
		} else {
			fmt.Fprintf(os.Stderr, "toolmesh-host: %v\n", err)
		}
		return 1
	}

	// ── Logger ───────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("toolmesh-host starting",
		"config", *configPath,
		"mcp_servers", *mcpServersPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
		"server_count", len(servers),
	)

	// ── Observability ────────────────────────────────────────────────────
	shutdownProviders, err := observe.InitProvider(context.Background(), observe.ProviderConfig{
		ServiceName: "toolmesh-host",
	})
	if err != nil {
		slog.Error("failed to initialise observability providers", "err", err)
		return 1
	}
	defer func() {
		if err := shutdownProviders(context.Background()); err != nil {
			slog.Error("observability shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Event bus ────────────────────────────────────────────────────────
	bus := events.NewBus(events.SinkFunc(func(e events.Event) {
		metricsSink(metrics, e)
	}))

	// ── Tool manager ─────────────────────────────────────────────────────
	mgr := toolmanager.New(cfg.Pool, cfg.Retry, bus, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if failures := mgr.RegisterServers(ctx, servers); len(failures) > 0 {
		for name, err := range failures {
			slog.Error("server registration failed", "server", name, "err", err)
		}
	}

	printStartupSummary(cfg, servers, mgr)

	// ── Inbound queue ────────────────────────────────────────────────────
	q := queue.New(queue.Config{
		MaxQueueSize: cfg.Queue.MaxQueueSize,
		Worker: queue.WorkerPoolConfig{
			MinWorkers:        cfg.Queue.MinWorkers,
			MaxWorkers:        cfg.Queue.MaxWorkers,
			WorkerIdleTimeout: cfg.Queue.WorkerIdleTimeout,
			Autoscale:         true,
		},
		DeadLetter: queue.DeadLetterConfig{
			Enabled:    true,
			MaxRetries: cfg.Queue.DeadLetterMaxRetries,
		},
	}, bus, logger)

	q.Start(func(ctx context.Context, msg *queue.QueuedMessage) error {
		call, ok := msg.Payload.(toolmanager.ToolCall)
		if !ok {
			return fmt.Errorf("toolmesh-host: queued payload is not a ToolCall: %T", msg.Payload)
		}
		result, err := mgr.ExecuteTool(ctx, call)
		if err != nil {
			return err
		}
		if !result.Success {
			return fmt.Errorf("tool %q failed: %s", call.ToolID, result.Error)
		}
		return nil
	})

	// ── HTTP server: health + metrics ───────────────────────────────────
	mux := http.NewServeMux()
	health.New(serverCheckers(mgr, servers)...).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	httpServer := &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: observe.Middleware(metrics)(mux),
	}

	go func() {
		slog.Info("http server listening", "addr", cfg.Server.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server error", "err", err)
		}
	}()

	slog.Info("toolmesh-host ready — press Ctrl+C to shut down")
	<-ctx.Done()

	// ── Graceful shutdown ────────────────────────────────────────────────
	slog.Info("shutdown signal received, stopping…")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("http server shutdown error", "err", err)
	}
	q.Stop()
	if err := mgr.Shutdown(); err != nil {
		slog.Error("tool manager shutdown error", "err", err)
	}

	slog.Info("goodbye")
	return 0
}

// serverCheckers builds one health.Checker per configured server, reporting
// unhealthy when that server's circuit breaker is open.
func serverCheckers(mgr *toolmanager.Manager, servers []config.ServerConfig) []health.Checker {
	checkers := make([]health.Checker, 0, len(servers))
	for _, s := range servers {
		name := s.Name
		checkers = append(checkers, health.Checker{
			Name: name,
			Check: func(_ context.Context) error {
				status, err := mgr.CircuitBreakerStatus(name)
				if err != nil {
					return err
				}
				if status.State == breaker.StateOpen {
					return fmt.Errorf("circuit breaker open")
				}
				return nil
			},
		})
	}
	return checkers
}

// metricsSink translates bus events into the corresponding OTel instrument
// updates. Events this host never publishes (e.g. a kind defined for future
// subsystem coverage) fall through the switch and are dropped silently.
func metricsSink(m *observe.Metrics, e events.Event) {
	ctx := context.Background()
	payload, _ := e.Payload.(string)
	switch e.Kind {
	case events.WorkerStarted:
		m.WorkerCount.Add(ctx, 1)
	case events.WorkerStopped:
		m.WorkerCount.Add(ctx, -1)
	case events.MessageEnqueued:
		m.QueueDepth.Add(ctx, 1)
	case events.MessageCompleted, events.MessageFailed:
		m.QueueDepth.Add(ctx, -1)
	case events.ConnectionAcquired:
		m.ActiveConnections.Add(ctx, 1)
	case events.ConnectionReleased:
		m.ActiveConnections.Add(ctx, -1)
	case events.HealthCheckFailed:
		m.RecordHealthCheckFailure(ctx, payload)
	case events.ToolExecuted:
		m.RecordToolCall(ctx, payload, "completed")
	}
}

// printStartupSummary prints a human-readable box summarising the process's
// configuration, in the teacher's style.
func printStartupSummary(cfg *config.RuntimeConfig, servers []config.ServerConfig, mgr *toolmanager.Manager) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║       toolmesh-host — startup         ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	fmt.Printf("║  Tool servers    : %-19d ║\n", len(servers))
	fmt.Printf("║  Tools registered: %-19d ║\n", len(mgr.Registry().GetAllTools()))
	fmt.Printf("║  Pool min/max    : %-19s ║\n", fmt.Sprintf("%d/%d", cfg.Pool.MinConnections, cfg.Pool.MaxConnections))
	fmt.Printf("║  Queue workers   : %-19s ║\n", fmt.Sprintf("%d/%d", cfg.Queue.MinWorkers, cfg.Queue.MaxWorkers))
	fmt.Println("╚═══════════════════════════════════════╝")
}

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogLevelDebug:
		lvl = slog.LevelDebug
	case config.LogLevelWarn:
		lvl = slog.LevelWarn
	case config.LogLevelError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
