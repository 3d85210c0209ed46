// Aimphub is an email-transported meeting negotiation hub.
//
// It polls an IMAP mailbox, speaks the AIMP/0.1 protocol with peer
// agents, interprets free-text replies from humans through a language
// model, and drives two kinds of negotiation: scheduling sessions
// (time and location) and deadline-bounded content rooms that finish
// with Markdown minutes. Configuration is loaded from a single YAML
// file discovered automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	aimphub serve                          Start the poll loop
//	aimphub init [dir]                     Write a starter config.yaml
//	aimphub initiate <topic> <who> [...]   Open a scheduling negotiation
//	aimphub status                         List live sessions and rooms
//	aimphub version                        Print version and build information
//	aimphub -o json status                 Output as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aimplab/aimp-hub/internal/buildinfo"
	"github.com/aimplab/aimp-hub/internal/config"
	"github.com/aimplab/aimp-hub/internal/events"
	"github.com/aimplab/aimp-hub/internal/hub"
	"github.com/aimplab/aimp-hub/internal/identity"
	"github.com/aimplab/aimp-hub/internal/oracle"
	"github.com/aimplab/aimp-hub/internal/store"
	"github.com/aimplab/aimp-hub/internal/transport"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql
)

// main constructs the OS-level environment and delegates to [run] so
// the full lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Arguments are parsed by hand: the flag
// package relies on package-level globals, which makes it impossible to
// call run() concurrently from tests, and the argument surface is small
// enough that manual parsing is clearer than a CLI framework.
func run(ctx context.Context, stdout, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
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
	case "initiate":
		if len(cmdArgs) < 2 {
			return fmt.Errorf("usage: aimphub initiate <topic> <participant> [participant...]")
		}
		return runInitiate(ctx, stdout, configPath, cmdArgs[0], cmdArgs[1:])
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

// runServe is the primary operating mode: open the store, seed the
// member registry, connect the transport and oracle, and tick until a
// shutdown signal arrives.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo)
	logger.Info("starting aimphub",
		"version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if cfg.LogLevel != "" {
		if level, err := config.ParseLogLevel(cfg.LogLevel); err == nil {
			logger = newLogger(stdout, level)
		}
	}
	logger.Info("config loaded", "path", cfgPath, "hub", cfg.Hub.Email, "members", len(cfg.Members))

	st, err := store.NewStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store %s: %w", cfg.DBPath, err)
	}
	defer st.Close()

	registry := identity.NewRegistry(st, cfg, logger)
	if err := registry.Seed(); err != nil {
		return fmt.Errorf("seed identity: %w", err)
	}

	client, err := oracle.NewClient(cfg.LLM, logger)
	if err != nil {
		return fmt.Errorf("llm backend: %w", err)
	}

	mail := transport.New(cfg.Hub, logger)
	defer mail.Close()

	bus := events.New()
	if cfg.NotifyMode == "stdout" {
		stop := events.NewEmitter(stdout).Attach(bus)
		defer stop()
	}

	h := hub.New(cfg, hub.Options{
		Store:    st,
		Fetcher:  mail,
		Sender:   mail,
		Oracle:   oracle.New(client, logger),
		Registry: registry,
		Notifier: hub.NewNotifier(cfg, mail, bus, logger),
		Bus:      bus,
		Logger:   logger,
	})

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	return h.Run(ctx)
}

// runInitiate opens one scheduling negotiation and exits; the running
// serve process picks up the replies.
func runInitiate(ctx context.Context, stdout io.Writer, configPath, topic string, names []string) error {
	logger := newLogger(stdout, slog.LevelWarn)

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	st, err := store.NewStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store %s: %w", cfg.DBPath, err)
	}
	defer st.Close()

	registry := identity.NewRegistry(st, cfg, logger)
	if err := registry.Seed(); err != nil {
		return fmt.Errorf("seed identity: %w", err)
	}
	client, err := oracle.NewClient(cfg.LLM, logger)
	if err != nil {
		return fmt.Errorf("llm backend: %w", err)
	}
	mail := transport.New(cfg.Hub, logger)
	defer mail.Close()

	h := hub.New(cfg, hub.Options{
		Store:    st,
		Fetcher:  mail,
		Sender:   mail,
		Oracle:   oracle.New(client, logger),
		Registry: registry,
		Notifier: hub.NewNotifier(cfg, mail, nil, logger),
		Logger:   logger,
	})

	sessionID, err := h.InitiateSession(ctx, topic, "", names)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Session %s opened for %q; invitations sent to %s.\n",
		sessionID, topic, strings.Join(names, ", "))
	return nil
}

// runStatus lists every negotiating session and open room.
func runStatus(stdout io.Writer, configPath, outputFmt string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	st, err := store.NewStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store %s: %w", cfg.DBPath, err)
	}
	defer st.Close()

	sessions, err := st.LoadActiveSessions()
	if err != nil {
		return err
	}
	rooms, err := st.LoadOpenRooms()
	if err != nil {
		return err
	}

	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{"sessions": sessions, "rooms": rooms})
	}

	fmt.Fprintf(stdout, "%d active sessions, %d open rooms\n", len(sessions), len(rooms))
	for _, s := range sessions {
		fmt.Fprintf(stdout, "  session %s  v%-3d round %-2d %-12s %s\n",
			s.SessionID, s.Version, s.CurrentRound, s.Status, s.Topic)
	}
	for _, r := range rooms {
		fmt.Fprintf(stdout, "  room    %s  round %-2d closes %s  %s\n",
			r.RoomID, r.CurrentRound, time.Unix(r.Deadline, 0).UTC().Format("2006-01-02 15:04"), r.Topic)
	}
	return nil
}

func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "aimphub - email-transported meeting negotiation hub")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: aimphub [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve                        Start the poll loop")
	fmt.Fprintln(w, "  init [dir]                   Write a starter config.yaml (default: .)")
	fmt.Fprintln(w, "  initiate <topic> <who>...    Open a scheduling negotiation")
	fmt.Fprintln(w, "  status                       List live sessions and rooms")
	fmt.Fprintln(w, "  version                      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	return nil
}

func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
}

func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}
