// Ralphd supervises opencode agent sessions with a re-prompt loop.
//
// Once started, the loop re-submits a stored prompt every time the
// watched session goes idle, until the agent echoes the configured
// completion promise or the iteration budget runs out. Configuration
// is loaded from an optional YAML file discovered automatically (see
// [config.DefaultSearchPaths]); ralphd runs against a local opencode
// server with zero configuration.
//
// Usage:
//
//	ralphd serve                 Watch the event stream and drive active loops
//	ralphd init [dir]            Write an example config file
//	ralphd start [flags] <prompt> Start a loop for a session
//	ralphd cancel                Cancel the active loop
//	ralphd status                Show the active loop
//	ralphd version               Print version and build information
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/DrBushyTop/humanlayer-opencode/internal/buildinfo"
	"github.com/DrBushyTop/humanlayer-opencode/internal/config"
	"github.com/DrBushyTop/humanlayer-opencode/internal/events"
	"github.com/DrBushyTop/humanlayer-opencode/internal/history"
	"github.com/DrBushyTop/humanlayer-opencode/internal/loop"
	"github.com/DrBushyTop/humanlayer-opencode/internal/notify"
	"github.com/DrBushyTop/humanlayer-opencode/internal/opencode"
	"github.com/DrBushyTop/humanlayer-opencode/internal/web"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run] so that the
// full startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the ralphd command. All OS-level
// dependencies are injected: ctx controls process lifetime, stdout and
// stderr receive all output, args is os.Args[1:]. Arguments are parsed
// by hand — the flag package relies on package-level globals, which
// makes it impossible to call run() concurrently from tests, and the
// argument surface is small enough that manual parsing is clearer.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++ // skip the value
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				// Remaining args (flags included) belong to the subcommand.
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "start":
		return runStart(ctx, stdout, configPath, cmdArgs)
	case "cancel":
		return runCancel(ctx, stdout, configPath)
	case "status":
		return runStatus(stdout, configPath, outputFmt)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "ralphd - re-prompt loop supervisor for opencode sessions")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: ralphd [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve           Watch the event stream and drive active loops")
	fmt.Fprintln(w, "  init [dir]      Write an example config (default: .)")
	fmt.Fprintln(w, "  start <prompt>  Start a loop for a session")
	fmt.Fprintln(w, "  cancel          Cancel the active loop")
	fmt.Fprintln(w, "  status          Show the active loop")
	fmt.Fprintln(w, "  version         Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Start flags:")
	fmt.Fprintln(w, "  -session <id>     Session to drive (default: $OPENCODE_SESSION_ID)")
	fmt.Fprintln(w, "  -max <n>          Iteration budget, 0 = unlimited (default: 0)")
	fmt.Fprintln(w, "  -promise <text>   Completion phrase that ends the loop")
	return nil
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// runServe is the primary operating mode: consume the opencode event
// stream and run the loop state machine on every idle notification.
//
// The shutdown sequence is:
//  1. SIGINT or SIGTERM cancels the context
//  2. The stream consumer and web server stop accepting work
//  3. The MQTT availability topic flips to offline
//  4. The history database closes via defer
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger := newLogger(stdout, level)
	logger.Info("starting ralphd",
		"version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)
	logger.Info("config loaded",
		"path", cfgPath,
		"server", cfg.Server.URL,
		"directory", cfg.Directory(),
		"state_file", cfg.StatePath(),
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	bus := events.New()
	store := loop.NewStore(cfg.StatePath())
	client := opencode.NewClient(cfg.Server.URL, cfg.Directory(), logger)

	// --- History database ---
	// Every decided cycle is recorded so finished loops can be inspected
	// after their state file is deleted.
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}
	db, err := sql.Open("sqlite3", cfg.HistoryPath())
	if err != nil {
		return fmt.Errorf("open history database %s: %w", cfg.HistoryPath(), err)
	}
	defer db.Close()

	hist, err := history.NewStore(db)
	if err != nil {
		return fmt.Errorf("create history store: %w", err)
	}
	logger.Info("history database opened", "path", cfg.HistoryPath())

	// --- Notifications ---
	// Toasts always; MQTT mirror when configured.
	notifiers := notify.Fanout{notify.NewToastNotifier(client, logger)}

	var mqttNotifier *notify.MQTTNotifier
	if cfg.MQTT.Enabled {
		mqttNotifier = notify.NewMQTTNotifier(cfg.MQTT, logger)
		if err := mqttNotifier.Start(ctx); err != nil {
			return fmt.Errorf("start mqtt notifier: %w", err)
		}
		notifiers = append(notifiers, mqttNotifier)
		logger.Info("mqtt notifications enabled",
			"broker", cfg.MQTT.Broker, "device_name", cfg.MQTT.DeviceName)
	} else {
		logger.Debug("mqtt notifications disabled (not configured)")
	}

	// --- Loop controller ---
	ctrl := loop.NewController(store, client, notifiers, hist,
		loop.NewGuard(loop.DefaultGuardWindow), bus, logger)

	// --- Web server ---
	// Optional local HTTP surface: status, history, remote start/cancel,
	// and a WebSocket event feed.
	var webServer *web.Server
	if cfg.Web.Enabled {
		surface := loop.NewSurface(store, notifiers, hist, bus, logger)
		webServer = web.NewServer(cfg.Web.Address, cfg.Web.Port, surface, bus, logger)
		webServer.SetHistoryStore(hist)
		go func() {
			if err := webServer.Start(ctx); err != nil && ctx.Err() == nil {
				logger.Error("web server failed", "error", err)
			}
		}()
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()

		if webServer != nil {
			_ = webServer.Shutdown(shutdownCtx)
		}
		if mqttNotifier != nil {
			if err := mqttNotifier.Close(shutdownCtx); err != nil {
				logger.Error("mqtt shutdown failed", "error", err)
			}
		}
	}()

	// --- Event stream ---
	// Blocks until the context is cancelled. Disconnects are retried
	// internally with backoff.
	stream := opencode.NewStream(cfg.Server.URL, cfg.Directory(), ctrl.HandleEvent, bus, logger)
	if err := stream.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("event stream: %w", err)
	}

	logger.Info("ralphd stopped")
	return nil
}

// runStart handles "ralphd start [flags] <prompt>". It writes the loop
// record directly and confirms via toast, so the serving daemon picks
// the loop up on the session's next idle event.
func runStart(ctx context.Context, stdout io.Writer, configPath string, args []string) error {
	sessionID := os.Getenv("OPENCODE_SESSION_ID")
	maxIterations := 0
	promise := ""
	var promptParts []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-session" && i+1 < len(args):
			sessionID = args[i+1]
			i++
		case args[i] == "-max" && i+1 < len(args):
			n, err := strconv.Atoi(args[i+1])
			if err != nil {
				return fmt.Errorf("invalid -max value: %q", args[i+1])
			}
			maxIterations = n
			i++
		case args[i] == "-promise" && i+1 < len(args):
			promise = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-"):
			return fmt.Errorf("unknown start flag: %s", args[i])
		default:
			promptParts = append(promptParts, args[i])
		}
	}

	if len(promptParts) == 0 {
		return fmt.Errorf("usage: ralphd start [-session id] [-max n] [-promise text] <prompt>")
	}
	if sessionID == "" {
		return fmt.Errorf("no session: pass -session or set OPENCODE_SESSION_ID")
	}

	surface, cleanup, err := buildSurface(configPath)
	if err != nil {
		return err
	}
	defer cleanup()

	result, err := surface.Start(ctx, loop.StartParams{
		SessionID:         sessionID,
		Prompt:            strings.Join(promptParts, " "),
		MaxIterations:     maxIterations,
		CompletionPromise: promise,
	})
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, result)
	return nil
}

// runCancel handles "ralphd cancel".
func runCancel(ctx context.Context, stdout io.Writer, configPath string) error {
	surface, cleanup, err := buildSurface(configPath)
	if err != nil {
		return err
	}
	defer cleanup()

	result, err := surface.Cancel(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, result)
	return nil
}

// runStatus handles "ralphd status".
func runStatus(stdout io.Writer, configPath string, outputFmt string) error {
	surface, cleanup, err := buildSurface(configPath)
	if err != nil {
		return err
	}
	defer cleanup()

	if outputFmt == "json" {
		report, err := surface.Snapshot()
		if err != nil {
			return err
		}
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{"active": report != nil, "loop": report})
	}

	result, err := surface.Status()
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, result)
	return nil
}

// buildSurface wires the control surface for one-shot subcommands. The
// opencode toast is best-effort: control operations work against the
// state file alone even when the server is down. Cycle outcomes are
// still recorded to the shared history database.
func buildSurface(configPath string) (*loop.Surface, func(), error) {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}

	// One-shots log warnings only; their stdout is the result text.
	logger := newLogger(os.Stderr, slog.LevelWarn)

	store := loop.NewStore(cfg.StatePath())
	client := opencode.NewClient(cfg.Server.URL, cfg.Directory(), logger)
	notifier := notify.NewToastNotifier(client, logger)

	cleanup := func() {}
	var recorder loop.Recorder
	if err := os.MkdirAll(cfg.DataDir, 0755); err == nil {
		if db, err := sql.Open("sqlite3", cfg.HistoryPath()); err == nil {
			if hist, err := history.NewStore(db); err == nil {
				recorder = hist
				cleanup = func() { db.Close() }
			} else {
				db.Close()
			}
		}
	}

	return loop.NewSurface(store, notifier, recorder, nil, logger), cleanup, nil
}

// newLogger creates a structured text logger writing to w at the given
// level. All ralphd log output goes through slog.
func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
}

// loadConfig locates and parses the YAML configuration file. An explicit
// path must exist; otherwise the default locations are searched and a
// missing file falls back to built-in defaults, because ralphd runs fine
// against a local opencode server with zero configuration.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		if explicit != "" {
			return nil, "", err
		}
		return config.Default(), "(defaults)", nil
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}
