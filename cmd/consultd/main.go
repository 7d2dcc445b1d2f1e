package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/basket/consultd/internal/bus"
	"github.com/basket/consultd/internal/channels"
	"github.com/basket/consultd/internal/config"
	"github.com/basket/consultd/internal/coordinator"
	"github.com/basket/consultd/internal/cron"
	"github.com/basket/consultd/internal/gateway"
	"github.com/basket/consultd/internal/memory"
	otelPkg "github.com/basket/consultd/internal/otel"
	"github.com/basket/consultd/internal/persistence"
	"github.com/basket/consultd/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %[1]s:

  %[1]s                          Start the daemon (gateway, telegram, backups)

SUBCOMMANDS:
  %[1]s status                   Show daemon health (/healthz)
  %[1]s channels                 List channels known to the running daemon
  %[1]s compact <key>            Ask the running daemon to compact a channel
  %[1]s chat <key>               Chat with a channel in the terminal
  %[1]s backup [path]            Write a database snapshot (default: backup dir)
  %[1]s doctor [-json] [-offline] Run diagnostic checks
  %[1]s version                  Print the version

FLAGS:
`, os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  CONSULTD_HOME           Data directory (default: ~/.consultd)
  CONSULTD_AUTH_TOKEN     Gateway bearer token
  CONSULTD_BIND_ADDR      Gateway listen address (default: 127.0.0.1:18790)
  GEMINI_API_KEY          Key for the google provider
  ANTHROPIC_API_KEY       Key for the anthropic provider
  OPENAI_API_KEY          Key for the openai provider
  TELEGRAM_TOKEN          Telegram bot token
`)
}

func main() {
	loadDotEnv(".env")

	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "version":
			fmt.Println(Version)
			os.Exit(0)
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		case "channels":
			os.Exit(runChannelsCommand(ctx, args[1:]))
		case "compact":
			os.Exit(runCompactCommand(ctx, args[1:]))
		case "backup":
			os.Exit(runBackupCommand(ctx, args[1:]))
		case "doctor":
			os.Exit(runDoctorCommand(ctx, args[1:]))
		case "chat":
			os.Exit(runChatCommand(ctx, args[1:]))
		case "daemon":
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	runDaemon(ctx)
}

func runDaemon(ctx context.Context) {
	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, false)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "logger_ready", "version", Version, "home", cfg.HomeDir)

	if cfg.NeedsSetup {
		logger.Warn("no config.yaml found; running with defaults", "path", config.ConfigPath(cfg.HomeDir))
	}
	if len(cfg.AllowOrigins) == 0 {
		logger.Info("allow_origins is empty; browser websocket clients must be same-host")
	}

	eventBus := bus.New()

	otelProv, err := otelPkg.Init(ctx, cfg.OTel)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = otelProv.Shutdown(shutdownCtx)
	}()
	instruments, err := otelPkg.NewInstruments(otelProv.Meter, logger)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	go instruments.Run(ctx, eventBus)

	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "store_open", "path", cfg.DBPath)

	completer, err := buildCompleter(ctx, cfg, store, logger)
	if err != nil {
		fatalStartup(logger, "E_LLM_INIT", err)
	}
	if tripped := completer.Tripped(); len(tripped) > 0 {
		logger.Warn("providers start with open circuit breakers", "providers", tripped)
	}

	lanes := coordinator.New(coordinator.Config{MaxQueueDepth: cfg.MaxQueueDepth, Logger: logger})

	mgr := memory.NewManager(store, completer, memory.Options{
		TurnTimeout:       cfg.TurnTimeout(),
		CompactionTimeout: cfg.CompactionTimeout(),
		DedupWindow:       cfg.DedupWindow(),
		SummaryModel:      cfg.LLM.SummaryModel,
		Lanes:             lanes,
		Bus:               eventBus,
		Logger:            logger,
		Tracer:            otelProv.Tracer,
	})
	if err := seedConsultants(ctx, mgr, cfg, logger); err != nil {
		fatalStartup(logger, "E_CONSULTANT_SEED", err)
	}
	logger.Info("startup phase", "phase", "consultants_seeded", "channels", cfg.ConsultantKeys())

	var tg *channels.TelegramChannel
	if cfg.Channels.Telegram.Enabled {
		if cfg.Channels.Telegram.Token == "" {
			logger.Warn("telegram channel enabled but token is missing")
		} else {
			tg = channels.NewTelegramChannel(
				cfg.Channels.Telegram.Token,
				cfg.Channels.Telegram.AllowedIDs,
				telegramBindings(cfg.Channels.Telegram),
				mgr,
				logger,
			)
			go func() {
				if err := tg.Start(ctx); err != nil {
					logger.Error("telegram channel failed", "error", err)
				}
			}()
		}
	}

	backups, err := cron.NewScheduler(cron.Config{
		Store:    store,
		Schedule: cfg.Backup.Schedule,
		Dir:      cfg.Backup.Dir,
		Keep:     cfg.Backup.Keep,
		Logger:   logger,
		Tracer:   otelProv.Tracer,
	})
	if err != nil {
		fatalStartup(logger, "E_BACKUP_SCHEDULE", err)
	}
	backups.Start(ctx)
	defer backups.Stop()

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		fatalStartup(logger, "E_CONFIG_WATCHER_START", err)
	}
	go watchConfig(ctx, watcher, cfg, mgr, tg, logger)

	gw := gateway.New(gateway.Config{
		Turns:             mgr,
		Store:             store,
		Bus:               eventBus,
		Lanes:             lanes,
		AuthToken:         cfg.AuthToken,
		AllowOrigins:      cfg.AllowOrigins,
		RateLimit:         cfg.RateLimit,
		ConfigFingerprint: cfg.Fingerprint(),
		Logger:            logger,
		Tracer:            otelProv.Tracer,
	})
	if rl := gw.Limiter(); rl != nil {
		rl.StartEviction(ctx, time.Minute, 10*time.Minute)
	}

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
	logger.Info("startup phase", "phase", "listener_bound", "addr", cfg.BindAddr)

	// Serve returns after ctx is cancelled and in-flight requests drained.
	if err := gw.Serve(ctx, ln, cfg.DrainTimeout()); err != nil {
		logger.Error("gateway server error", "error", err)
	}
	logger.Info("shutdown signal received")

	drainCtx, cancel := context.WithTimeout(context.Background(), cfg.DrainTimeout())
	defer cancel()
	if err := lanes.Close(drainCtx); err != nil {
		logger.Warn("lane drain incomplete", "error", err)
	}
	logger.Info("shutdown complete")
}

// watchConfig reapplies consultant seeds and telegram bindings on every
// config.yaml or prompt file change. Settings that need a restart are
// reported and otherwise ignored.
func watchConfig(ctx context.Context, w *config.Watcher, cfg config.Config, mgr *memory.Manager, tg *channels.TelegramChannel, logger *slog.Logger) {
	fingerprint := cfg.Fingerprint()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events():
			if !ok {
				return
			}
			next, err := config.LoadFrom(cfg.HomeDir)
			if err != nil {
				logger.Error("config reload failed; keeping previous config", "path", ev.Path, "error", err)
				continue
			}
			if fp := next.Fingerprint(); fp != fingerprint {
				logger.Warn("config changed settings that need a restart", "path", ev.Path, "running", fingerprint, "on_disk", fp)
			}
			if err := seedConsultants(ctx, mgr, next, logger); err != nil {
				logger.Error("consultant reseed incomplete", "error", err)
			}
			if tg != nil {
				tg.SetBindings(telegramBindings(next.Channels.Telegram))
			}
			logger.Info("config reloaded", "path", ev.Path, "op", ev.Op.String(), "channels", next.ConsultantKeys())
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
			`{"timestamp":"%s","level":"ERROR","component":"runtime","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func isAddrInUse(err error) bool {
	var sysErr *os.SyscallError
	if errors.As(err, &sysErr) {
		return errors.Is(sysErr.Err, syscall.EADDRINUSE)
	}
	return strings.Contains(err.Error(), "address already in use")
}

func portOccupantHint(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Sprintf("Another process is using %s. Stop it first or change bind_addr in config.yaml.", addr)
	}
	// lsof is present on macOS and most Linux installs.
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

// loadDotEnv sets variables from a KEY=VALUE file without overriding the
// environment.
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
		key, val, ok := strings.Cut(line, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, strings.Trim(strings.TrimSpace(val), `"`))
	}
}
