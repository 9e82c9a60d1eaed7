// Gizmo is a conversational agent that streams Gemini answers, calls
// tools through an MCP gateway, and takes its persona and mood from a
// prompt coach.
//
// Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	gizmo serve              Start the API server
//	gizmo init [dir]         Write an example config.yaml
//	gizmo ask <text>         Run a single turn and print the answer
//	gizmo tools              List the gateway's tools
//	gizmo version            Print version and build information
//	gizmo -o json version    Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nugget/gizmo/internal/agent"
	"github.com/nugget/gizmo/internal/api"
	"github.com/nugget/gizmo/internal/buildinfo"
	"github.com/nugget/gizmo/internal/coach"
	"github.com/nugget/gizmo/internal/config"
	"github.com/nugget/gizmo/internal/llm"
	"github.com/nugget/gizmo/internal/mcp"
	"github.com/nugget/gizmo/internal/memory"
	"github.com/nugget/gizmo/internal/prompts"
)

// shutdownTimeout bounds draining in-flight requests on exit.
const shutdownTimeout = 15 * time.Second

// main builds the OS-level environment and delegates to [run], keeping
// os.Exit, os.Stdout and os.Args out of the application logic.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Structured logs go to stdout for serve
// and to stderr for the one-shot commands, whose stdout carries the
// result. Arguments are parsed by hand so that run can be called
// concurrently from tests.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
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
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: gizmo ask <text>")
		}
		return runAsk(ctx, stdout, stderr, configPath, cmdArgs)
	case "tools":
		return runTools(ctx, stdout, stderr, configPath, outputFmt)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.BuildInfo()
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

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Gizmo - streaming conversational agent")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: gizmo [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the API server")
	fmt.Fprintln(w, "  init [dir]   Write an example config.yaml (default: .)")
	fmt.Fprintln(w, "  ask <text>   Run a single turn and print the answer")
	fmt.Fprintln(w, "  tools        List the tools offered by the gateway")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/gizmo/config.yaml, /etc/gizmo/config.yaml")
	return nil
}

// runServe loads config, opens the store, connects to the gateway,
// starts the API server and blocks until SIGINT or SIGTERM.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := config.NewLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting Gizmo", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger = configuredLogger(stdout, cfg)
	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"store", cfg.Store.Backend,
		"language", cfg.Language,
		"model", cfg.Gemini.Model,
	)

	store, err := memory.Open(cfg, logger)
	if err != nil {
		return fmt.Errorf("open conversation store: %w", err)
	}
	defer store.Close()

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a := newApp(ctx, cfg, store, logger)
	defer a.close()

	if !cfg.Gemini.Configured() {
		logger.Warn("gemini api key not configured, turns will fail until it is set")
	}

	server := api.NewServer(api.Config{
		Address:          cfg.Listen.Address,
		Port:             cfg.Listen.Port,
		Loop:             a.loop,
		Store:            store,
		Coach:            a.coach,
		Catalog:          a.catalog,
		Gateway:          a.healthGateway(),
		GeminiConfigured: cfg.Gemini.Configured(),
		Logger:           logger,
	})

	// Closed once in-flight requests have drained, so the store outlives
	// them.
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		<-ctx.Done()
		logger.Info("shutdown signal received")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown failed", "error", err)
		}
	}()

	if err := server.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		if ctx.Err() == nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}
	<-drained

	logger.Info("Gizmo stopped")
	return nil
}

// runAsk runs a single turn against an in-memory store and streams the
// answer to stdout. Useful for smoke tests without starting the server.
func runAsk(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string, args []string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := configuredLogger(stderr, cfg)

	if !cfg.Gemini.Configured() {
		return fmt.Errorf("gemini.api_key is not configured")
	}

	// Nothing to keep after a one-shot turn.
	store := memory.NewMemStore()
	defer store.Close()

	a := newApp(ctx, cfg, store, logger)
	defer a.close()

	req := &agent.Request{
		ConversationID: "cli",
		Text:           strings.Join(args, " "),
		Language:       cfg.Language,
	}
	_, err = a.loop.Run(ctx, req, func(ev llm.StreamEvent) {
		if ev.Kind == llm.KindToken {
			fmt.Fprint(stdout, ev.Token)
		}
	})
	fmt.Fprintln(stdout)
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}
	return nil
}

// runTools prints the gateway's tool catalog.
func runTools(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string, outputFmt string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := configuredLogger(stderr, cfg)

	if !cfg.Gateway.Configured() {
		return fmt.Errorf("gateway.url is not configured")
	}
	gw := newGateway(cfg, logger)
	defer gw.Close()
	initialize(ctx, gw, logger)

	defs, err := gw.ListTools(ctx)
	if err != nil {
		return fmt.Errorf("list tools: %w", err)
	}

	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(defs)
	}
	for _, d := range defs {
		fmt.Fprintf(stdout, "%-24s %s\n", d.Name, d.Description)
	}
	return nil
}

// app holds the collaborators shared by serve and ask.
type app struct {
	coach   *coach.Client
	gateway *mcp.Client
	catalog *mcp.Catalog
	loop    *agent.Loop
}

// newApp wires the coach, gateway, Gemini client and turn loop. An
// unreachable gateway is not fatal: the catalog is empty and tool use is
// disabled.
func newApp(ctx context.Context, cfg *config.Config, store memory.Store, logger *slog.Logger) *app {
	a := &app{
		coach: coach.New(coach.Config{
			URL:            cfg.Coach.URL,
			Timeout:        cfg.Coach.Timeout(),
			FallbackPrompt: prompts.For(cfg.Language).FallbackPrompt,
			Logger:         logger,
		}),
	}

	// A nil *mcp.Client must not reach the loop as a non-nil ToolCaller.
	var tools agent.ToolCaller
	if cfg.Gateway.Configured() {
		a.gateway = newGateway(cfg, logger)
		initialize(ctx, a.gateway, logger)
		a.catalog = mcp.FetchCatalog(ctx, a.gateway, logger)
		tools = a.gateway
		logger.Info("tool catalog loaded", "tools", a.catalog.Len(), "names", a.catalog.Names())
	} else {
		logger.Info("gateway not configured, tools disabled")
		a.catalog = mcp.NewCatalog(nil, logger)
	}

	gemini := llm.NewGeminiClient(llm.GeminiConfig{
		BaseURL: cfg.Gemini.BaseURL,
		APIKey:  cfg.Gemini.APIKey,
		Model:   cfg.Gemini.Model,
		Timeout: cfg.Gemini.Timeout(),
		Logger:  logger,
	})

	a.loop = agent.NewLoop(agent.Config{
		Generator:         gemini,
		Prompts:           a.coach,
		Store:             store,
		Catalog:           a.catalog,
		Tools:             tools,
		Language:          cfg.Language,
		ValidateArguments: cfg.Gateway.Validate(),
		PersistRetries:    cfg.Store.PersistRetries,
		Logger:            logger,
	})
	return a
}

// healthGateway returns the gateway for health reporting, or a nil
// interface when none is configured.
func (a *app) healthGateway() api.Gateway {
	if a.gateway == nil {
		return nil
	}
	return a.gateway
}

func (a *app) close() {
	if a.gateway != nil {
		_ = a.gateway.Close()
	}
}

func newGateway(cfg *config.Config, logger *slog.Logger) *mcp.Client {
	transport := mcp.NewHTTPTransport(mcp.HTTPConfig{
		URL:     cfg.Gateway.URL,
		Headers: cfg.Gateway.Headers,
		Logger:  logger.With("component", "gateway"),
	})
	return mcp.NewClient("gateway", transport, logger, mcp.WithCallTimeout(cfg.Gateway.Timeout()))
}

// initialize performs the gateway handshake. Gateways that skip the
// handshake still answer tools/list, so a failure is only logged.
func initialize(ctx context.Context, gw *mcp.Client, logger *slog.Logger) {
	if err := gw.Initialize(ctx); err != nil {
		logger.Warn("gateway handshake failed", "error", err)
	}
}

// configuredLogger builds the logger described by cfg. The level was
// validated by config.Load.
func configuredLogger(w io.Writer, cfg *config.Config) *slog.Logger {
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	return config.NewLogger(w, level, cfg.LogFormat)
}

// loadConfig locates and parses the YAML configuration file. If explicit
// is non-empty, that exact path is used and must exist.
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
