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
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/basket/inflow/internal/audit"
	"github.com/basket/inflow/internal/bus"
	"github.com/basket/inflow/internal/config"
	"github.com/basket/inflow/internal/consolidate"
	"github.com/basket/inflow/internal/escalate"
	"github.com/basket/inflow/internal/executor"
	"github.com/basket/inflow/internal/gateway"
	otelPkg "github.com/basket/inflow/internal/otel"
	"github.com/basket/inflow/internal/persistence"
	"github.com/basket/inflow/internal/pipeline"
	"github.com/basket/inflow/internal/sources"
	"github.com/basket/inflow/internal/telemetry"
	"github.com/basket/inflow/internal/worker"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

DAEMON MODE (default):
  %s                          Run the ingestion daemon (sources, worker, gateway)

SUBCOMMANDS:
  %s status                   Show daemon health (/healthz)
  %s tasks [-status S] [-limit N]
                              List tasks via the running daemon
  %s reply <task-id> <answer...>
                              Answer a task that is waiting for review
  %s pause                    Pause the task worker
  %s resume                   Resume a paused worker
  %s force <task-id>          Process a task out of turn
  %s run [source]             Trigger an ingestion run (all sources by default)
  %s doctor [-json]           Run diagnostic checks

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  INFLOW_HOME             Data directory (default: ~/.inflow)
  INFLOW_AUTH_TOKEN       Gateway auth token (overrides auth.token file)
  TELEGRAM_BOT_TOKEN      Telegram bot token (overrides config.yaml)
  GOOGLE_API_KEY          API key for the default Google provider

EXAMPLES:
  Run the daemon:         %s
  Check daemon health:    %s status
  Answer a question:      %s reply tsk_01hq... "Morning flight"
  Run diagnostics:        %s doctor
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
}

func main() {
	loadDotEnv(".env")

	quiet := flag.Bool("quiet", false, "log to file only (no stdout)")
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
		case "tasks":
			os.Exit(runTasksCommand(ctx, args[1:]))
		case "reply":
			os.Exit(runReplyCommand(ctx, args[1:]))
		case "pause":
			os.Exit(runWorkerCommand(ctx, "pause", args[1:]))
		case "resume":
			os.Exit(runWorkerCommand(ctx, "resume", args[1:]))
		case "force":
			os.Exit(runForceCommand(ctx, args[1:]))
		case "run":
			os.Exit(runPipelineCommand(ctx, args[1:]))
		case "doctor":
			os.Exit(runDoctorCommand(ctx, args[1:]))
		default:
			fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	runDaemon(ctx, *quiet)
}

func runDaemon(ctx context.Context, quietLogs bool) {
	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	// Audit only needs homeDir, so it comes up before the logger: a logger
	// init failure is still audited.
	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quietLogs)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "config", cfg.Fingerprint())
	if host, _, err := net.SplitHostPort(cfg.BindAddr); err == nil {
		h := strings.TrimSpace(strings.ToLower(host))
		loopback := h == "127.0.0.1" || h == "localhost" || h == "::1"
		if !loopback {
			logger.Warn("gateway bound to a non-loopback address; the bearer token is the only protection", "bind_addr", cfg.BindAddr)
		}
	}

	// Create event bus early so it can be passed to the store.
	eventBus := bus.New()

	// Initialize OpenTelemetry (no-op when disabled, zero overhead).
	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:     cfg.Otel.Enabled,
		Exporter:    cfg.Otel.Exporter,
		Endpoint:    cfg.Otel.Endpoint,
		ServiceName: cfg.Otel.ServiceName,
		SampleRate:  cfg.Otel.SampleRate,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(ctx)

	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_METRICS_INIT", err)
	}

	dbPath := filepath.Join(cfg.HomeDir, "inflow.db")
	store, err := persistence.Open(dbPath, eventBus)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "schema_migrated")

	// Tasks left IN_PROGRESS by a crashed process go back to the queue.
	requeued, err := store.RecoverOrphanedTasks(ctx)
	if err != nil {
		fatalStartup(logger, "E_RECOVERY_SCAN", err)
	}
	logger.Info("startup phase", "phase", "recovery_scan_completed", "requeued", len(requeued))

	registry := sources.NewRegistry()
	var telegramSrc *sources.TelegramSource
	var webhookSrc *sources.WebhookSource
	if cfg.Sources.Telegram.Enabled {
		if cfg.Sources.Telegram.Token == "" {
			logger.Warn("telegram source enabled but token is missing")
		} else {
			telegramSrc = sources.NewTelegramSource(cfg.Sources.Telegram.Token, cfg.Sources.Telegram.AllowedIDs, logger)
			if err := registry.Register(telegramSrc); err != nil {
				fatalStartup(logger, "E_SOURCE_REGISTER", err)
			}
			go func() {
				if err := telegramSrc.Start(ctx); err != nil {
					logger.Error("telegram source failed", "error", err)
				}
			}()
		}
	}
	if cfg.Sources.Calendar.Enabled {
		lookahead := time.Duration(cfg.Sources.Calendar.LookaheadHours) * time.Hour
		if err := registry.Register(sources.NewCalendarSource(cfg.Sources.Calendar.URL, lookahead, logger)); err != nil {
			fatalStartup(logger, "E_SOURCE_REGISTER", err)
		}
	}
	if cfg.Sources.Webhook.Enabled {
		webhookSrc, err = sources.NewWebhookSource(logger)
		if err != nil {
			fatalStartup(logger, "E_SOURCE_REGISTER", err)
		}
		if err := registry.Register(webhookSrc); err != nil {
			fatalStartup(logger, "E_SOURCE_REGISTER", err)
		}
	}
	logger.Info("startup phase", "phase", "sources_registered", "sources", registry.Names())

	engine := consolidate.New(store, eventBus, logger,
		cfg.StabilizationWindow(), cfg.Consolidation.SummaryMaxRunes)

	exec := executor.NewGenkitExecutor(ctx, store, logger, executor.GenkitConfig{
		Provider:                 cfg.LLM.Provider,
		Model:                    cfg.LLM.Model,
		APIKey:                   cfg.LLMAPIKey(),
		OpenAICompatibleProvider: cfg.LLM.OpenAICompatibleProvider,
		OpenAICompatibleBaseURL:  cfg.LLM.OpenAICompatibleBaseURL,
	})

	var notifier escalate.Notifier
	if telegramSrc != nil {
		notifier = telegramSrc
	}
	escalator := escalate.New(store, eventBus, notifier, logger, metrics)

	runner := pipeline.NewRunner(store, engine, registry, escalator, eventBus, logger, metrics)

	schedules := make(map[string]string)
	for _, name := range registry.Names() {
		schedules[name] = cfg.SourceSchedule(name)
	}
	poller, err := pipeline.NewPoller(pipeline.PollerConfig{
		Runner:          runner,
		Logger:          logger,
		DefaultSchedule: cfg.Pipeline.DefaultSchedule,
		Schedules:       schedules,
	})
	if err != nil {
		fatalStartup(logger, "E_POLLER_INIT", err)
	}
	poller.Start(ctx)
	defer poller.Stop()

	sched := worker.New(store, exec, escalator, eventBus, logger, metrics, worker.Config{
		PollInterval:     time.Duration(cfg.Worker.PollIntervalSeconds) * time.Second,
		StalenessTimeout: cfg.StalenessTimeout(),
		DrainTimeout:     time.Duration(cfg.Worker.DrainTimeoutSeconds) * time.Second,
	})
	sched.Start(ctx)
	defer sched.Stop()
	logger.Info("startup phase", "phase", "worker_started")

	confWatcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := confWatcher.Start(ctx); err != nil {
		fatalStartup(logger, "E_CONFIG_WATCHER_START", err)
	}
	go func() {
		for ev := range confWatcher.Events() {
			newCfg, err := config.Load()
			if err != nil {
				logger.Error("config.yaml reload failed", "error", err)
				continue
			}
			if newCfg.Fingerprint() == cfg.Fingerprint() {
				continue
			}
			newSchedules := make(map[string]string)
			for _, name := range registry.Names() {
				newSchedules[name] = newCfg.SourceSchedule(name)
			}
			if err := poller.Reschedule(newCfg.Pipeline.DefaultSchedule, newSchedules); err != nil {
				logger.Error("config.yaml reload rejected; keeping previous schedules", "error", err)
				continue
			}
			logger.Info("polling schedules hot-reloaded", "path", ev.Path)
			// Everything else (bind addr, worker tunables, LLM provider)
			// takes effect on the next start.
			logger.Warn("restart to apply non-schedule changes",
				"running", cfg.Fingerprint(),
				"on_disk", newCfg.Fingerprint(),
			)
		}
	}()

	authToken, err := loadAuthToken(cfg)
	if err != nil {
		fatalStartup(logger, "E_AUTH_TOKEN_WRITE", err)
	}

	gw := gateway.NewServer(gateway.Config{
		Store:     store,
		Bus:       eventBus,
		Scheduler: sched,
		Runner:    runner,
		Registry:  registry,
		Webhook:   webhookSrc,
		Escalator: escalator,
		AuthToken: authToken,
	}, logger)

	server := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: gw.Handler(),
	}
	serverErr := make(chan error, 1)
	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		if isAddrInUse(err) {
			err = fmt.Errorf("%w\n\n  Stop the existing process or change bind_addr in config.yaml.", err)
		}
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	go func() {
		logger.Info("gateway listening", "addr", cfg.BindAddr, "ws", "/ws")
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	// Periodic retention job.
	go func() {
		ticker := time.NewTicker(1 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				result, err := store.RunRetention(ctx,
					cfg.Retention.TaskEventsDays,
					cfg.Retention.ProcessedItemsDays,
				)
				if err != nil {
					logger.Error("retention job failed", "error", err)
				} else if result.PurgedTaskEvents+result.PurgedProcessedItems > 0 {
					logger.Info("retention job completed",
						"purged_task_events", result.PurgedTaskEvents,
						"purged_processed_items", result.PurgedProcessedItems,
					)
				}
			}
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	}

	// Stop intake first, then drain the worker; deferred store.Close flushes
	// the rest.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	sched.Stop()
	poller.Stop()
	logger.Info("shutdown complete")
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record("fatal", "runtime.startup", reasonCode+": "+message, "")

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
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

// loadAuthToken resolves the gateway bearer token: config (which already
// honors INFLOW_AUTH_TOKEN), then auth.token on disk, generated on first run.
func loadAuthToken(cfg config.Config) (string, error) {
	if tok := strings.TrimSpace(cfg.AuthToken); tok != "" {
		return tok, nil
	}
	tokenPath := filepath.Join(cfg.HomeDir, "auth.token")
	b, err := os.ReadFile(tokenPath)
	if err == nil {
		if tok := strings.TrimSpace(string(b)); tok != "" {
			return tok, nil
		}
	}
	token := uuid.NewString()
	if err := os.WriteFile(tokenPath, []byte(token+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("failed to persist auth token: %w", err)
	}
	slog.Info("auth.token generated", "path", tokenPath)
	return token, nil
}
