package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/HyphaGroup/agentbridge/internal/audit"
	"github.com/HyphaGroup/agentbridge/internal/cleanup"
	"github.com/HyphaGroup/agentbridge/internal/config"
	"github.com/HyphaGroup/agentbridge/internal/extension"
	"github.com/HyphaGroup/agentbridge/internal/host"
	"github.com/HyphaGroup/agentbridge/internal/host/statestore"
	"github.com/HyphaGroup/agentbridge/internal/logger"
	"github.com/HyphaGroup/agentbridge/internal/mcp"
	"github.com/HyphaGroup/agentbridge/internal/metrics"
	"github.com/HyphaGroup/agentbridge/internal/session"
)

// Version is set at build time via -ldflags "-X main.Version=v1.0.0"
var Version = "dev"

func main() {
	// Check for subcommands before parsing flags
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "run":
			os.Exit(cmdRun(os.Args[2:]))
		case "mcp":
			os.Exit(cmdMCP(os.Args[2:]))
		case "init":
			os.Exit(cmdInit(os.Args[2:]))
		case "version", "--version", "-v":
			fmt.Printf("agentbridge %s\n", Version)
			return
		case "--help", "-h", "help":
			printUsage()
			return
		}
	}

	// Default: JSON-IO session
	os.Exit(cmdRun(os.Args[1:]))
}

func printUsage() {
	fmt.Printf(`agentbridge %s - Headless agent extension runtime

Usage: agentbridge [command] [options]

Commands:
  run (default)  Host the extension and speak NDJSON on stdin/stdout
  mcp            Host the extension behind an MCP server on stdio
  init           Write a commented agentbridge.jsonc
  version        Print version and exit

Session Options (run, mcp):
  --dir <path>         Directory holding agentbridge.jsonc
  --bundle <path>      Extension bundle (overrides extension.bundle)
  --workspace <path>   Workspace directory (default: current directory)
  --prompt <text>      Start a task immediately
  --image <path>       Attach an image to the initial task (repeatable)
  --resume <task-id>   Reopen a task from history
  --ci                 Exit when the task completes (run only)

Config Precedence:
  1. --dir flag
  2. AGENTBRIDGE_HOME env var
  3. ./.agentbridge
  4. ~/.agentbridge
  Without a config file the defaults apply and --bundle is required.

Examples:
  agentbridge --bundle ./dist/agent --prompt "fix the tests" --ci
  echo '{"type":"newTask","text":"hello"}' | agentbridge --bundle builtin:loopback
  agentbridge mcp --dir ~/.agentbridge
  agentbridge init --dir .agentbridge
`, Version)
}

// stringList collects a repeatable string flag
type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }

func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

// sessionFlags are shared by run and mcp
type sessionFlags struct {
	dir       string
	bundle    string
	workspace string
	prompt    string
	resume    string
	images    stringList
	ci        bool
}

func (f *sessionFlags) register(fs *flag.FlagSet, withCI bool) {
	fs.StringVar(&f.dir, "dir", "", "Directory holding agentbridge.jsonc")
	fs.StringVar(&f.bundle, "bundle", "", "Extension bundle: builtin:<name> or executable path")
	fs.StringVar(&f.workspace, "workspace", "", "Workspace directory")
	fs.StringVar(&f.prompt, "prompt", "", "Initial task text")
	fs.StringVar(&f.resume, "resume", "", "Task id to resume from history")
	fs.Var(&f.images, "image", "Image to attach to the initial task (repeatable)")
	if withCI {
		fs.BoolVar(&f.ci, "ci", false, "Exit when the task completes")
	}
}

// bridge holds everything a session command sets up and must tear down
type bridge struct {
	cfg     *config.Config
	store   statestore.Store
	runner  *session.Runner
	cleaner *cleanup.Cleaner
}

// setup loads configuration, initializes logging, metrics and state, and
// builds a session runner. Console logs always go to stderr because stdout
// carries the protocol.
func setup(ctx context.Context, f *sessionFlags, opts session.Options) (*bridge, error) {
	cfg, err := config.LoadAll(f.dir)
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}
	if f.bundle != "" {
		cfg.Extension.Bundle = f.bundle
		if !strings.HasPrefix(f.bundle, extension.BuiltinPrefix) {
			// flag paths are relative to the caller, not the config dir
			cfg.Extension.Bundle, _ = filepath.Abs(f.bundle)
		}
	}
	if f.workspace != "" {
		cfg.Extension.Workspace = f.workspace
	}

	if err := logger.Init(cfg.LogDir(), logger.Options{Debug: cfg.Logging.Debug}); err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}
	if err := logger.InitSlog(cfg.LogDir(), cfg.Logging.JSON, os.Stderr); err != nil {
		return nil, fmt.Errorf("initializing structured logger: %w", err)
	}

	audit.Default().SetEnabled(cfg.Logging.Audit)

	if cfg.Metrics.Address != "" {
		go func() {
			logger.Info("Metrics listening on %s/metrics", cfg.Metrics.Address)
			if err := metrics.Serve(ctx, cfg.Metrics.Address); err != nil {
				logger.Error("Metrics server failed: %v", err)
			}
		}()
	}

	instructions := cfg.Validate()

	store, err := statestore.Open(cfg.State.Backend, cfg.StateDir())
	if err != nil {
		// An unknown backend is already an instruction; fall back so the
		// welcome record can still be written.
		logger.Warn("Falling back to in-memory state: %v", err)
		store = statestore.NewMemoryStore()
	}

	opts.Activate = cfg.ActivateOptions()
	opts.Service = append(opts.Service,
		extension.WithTimeouts(cfg.ExtensionTimeouts()),
		extension.WithStore(store),
	)
	opts.Tick = cfg.Tick()
	opts.Instructions = instructions
	opts.ResumeTaskID = f.resume
	opts.Prompt = f.prompt
	opts.Images = f.images

	b := &bridge{
		cfg:    cfg,
		store:  store,
		runner: session.New(opts),
	}
	if retention := cfg.LogRetention(); retention > 0 && cfg.LogDir() != "" {
		cleanCfg := cleanup.DefaultConfig(cfg.LogDir(), cfg.StateDir())
		cleanCfg.Retention = retention
		b.cleaner = cleanup.New(cleanCfg)
		b.cleaner.Start()
	}
	return b, nil
}

func (b *bridge) close() {
	if b.cleaner != nil {
		b.cleaner.Stop()
	}
	if err := b.store.Close(); err != nil {
		logger.Warn("Closing state store: %v", err)
	}
	_ = logger.CloseSlog()
	_ = logger.Close()
}

// exitCode maps a session error to a process exit status
func exitCode(err error) int {
	var actErr *host.ActivationError
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		return 0
	case errors.Is(err, session.ErrConfiguration):
		fmt.Fprintln(os.Stderr, "agentbridge is not configured; see the instructions in the welcome record.")
		return 2
	case errors.As(err, &actErr):
		fmt.Fprintf(os.Stderr, "Extension activation failed: %v\n", err)
		return 1
	default:
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
}

func cmdRun(args []string) int {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	var f sessionFlags
	f.register(fs, true)
	_ = fs.Parse(args)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b, err := setup(ctx, &f, session.Options{
		Output: os.Stdout,
		Input:  os.Stdin,
		CI:     f.ci,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer b.close()

	logger.Info("Session %s starting (bundle=%s)", b.runner.SessionID(), b.cfg.Extension.Bundle)
	err = b.runner.Run(ctx)
	logger.Info("Session %s finished", b.runner.SessionID())
	return exitCode(err)
}

func cmdMCP(args []string) int {
	fs := flag.NewFlagSet("mcp", flag.ExitOnError)
	var f sessionFlags
	f.register(fs, false)
	_ = fs.Parse(args)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// stdout belongs to the MCP transport
	b, err := setup(ctx, &f, session.Options{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer b.close()

	if err := b.runner.Start(ctx); err != nil {
		_ = b.runner.Close(context.Background())
		return exitCode(err)
	}
	defer func() { _ = b.runner.Close(context.Background()) }()

	server, err := mcp.NewServer(b.runner, &mcp.ServerConfig{
		Version:     Version,
		ReadOnly:    b.cfg.MCP.ReadOnly,
		WaitTimeout: b.cfg.MCPWaitTimeout(),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer server.Close()

	// The extension exiting ends the MCP session too.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-b.runner.Service().Done():
			logger.Warn("Extension exited: %v", b.runner.Service().Err())
			cancel()
		case <-ctx.Done():
		}
	}()

	return exitCode(server.Serve(ctx))
}

func cmdInit(args []string) int {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	dirFlag := fs.String("dir", "", "Directory to initialize (default: ~/.agentbridge)")
	force := fs.Bool("force", false, "Overwrite an existing agentbridge.jsonc")
	_ = fs.Parse(args)

	dir := *dirFlag
	if dir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: could not determine home directory: %v\n", err)
			return 1
		}
		dir = filepath.Join(homeDir, ".agentbridge")
	}

	path, err := config.WriteDefault(dir, *force)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if path != "" {
			fmt.Fprintln(os.Stderr, "Use --force to overwrite it.")
		}
		return 1
	}
	fmt.Printf("Wrote %s\n", path)
	fmt.Println("Edit extension.bundle to point at your agent, then run 'agentbridge'.")
	return 0
}
