// ABOUTME: Entry point for opencode-bridge, an MCP server in front of an OpenCode agent
// ABOUTME: Serves the bridge tools over stdio or Streamable HTTP and ships small admin commands

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/pflag"

	"github.com/2389/opencode-bridge/internal/auth"
	"github.com/2389/opencode-bridge/internal/config"
	"github.com/2389/opencode-bridge/internal/correlate"
	"github.com/2389/opencode-bridge/internal/history"
	"github.com/2389/opencode-bridge/internal/listen"
	"github.com/2389/opencode-bridge/internal/mcp"
	"github.com/2389/opencode-bridge/internal/opencode"
	"github.com/2389/opencode-bridge/internal/tools"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                                    _            _          _     _
  ___  _ __   ___ _ __   ___ ___   __| | ___      | |__  _ __(_) __| | __ _  ___
 / _ \| '_ \ / _ \ '_ \ / __/ _ \ / _' |/ _ \_____| '_ \| '__| |/ _' |/ _' |/ _ \
| (_) | |_) |  __/ | | | (_| (_) | (_| |  __/_____| |_) | |  | | (_| | (_| |  __/
 \___/| .__/ \___|_| |_|\___\___/ \__,_|\___|     |_.__/|_|  |_|\__,_|\__, |\___|
      |_|                                                            |___/
`

const usage = `Usage: opencode-bridge <command> [flags]

Commands:
  serve        Serve MCP over stdio (for MCP clients that spawn the bridge)
  serve-http   Serve MCP over Streamable HTTP
  health       Check that the OpenCode server (or a running bridge) is healthy
  token        Mint a bearer token for serve-http
  init         Write a starter config file
  version      Print the version

Run "opencode-bridge <command> --help" for command flags.
`

// errUsage marks errors already explained by printed usage.
var errUsage = errors.New("usage")

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	err := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	if err != nil && !errors.Is(err, pflag.ErrHelp) {
		if !errors.Is(err, errUsage) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

// run dispatches one command. stdout carries command output and, for
// serve, the JSON-RPC stream; everything else goes to stderr.
func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	if len(args) == 0 {
		fmt.Fprint(stderr, usage)
		return errUsage
	}

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "serve":
		return runServe(ctx, rest, stdin, stdout, stderr)
	case "serve-http":
		return runServeHTTP(ctx, rest, stderr)
	case "health":
		return runHealth(ctx, rest, stdout, stderr)
	case "token":
		return runToken(rest, stdout, stderr)
	case "init":
		return runInit(rest, stdout, stderr)
	case "version", "--version":
		fmt.Fprintln(stdout, version)
		return nil
	case "help", "--help", "-h":
		fmt.Fprint(stdout, usage)
		return nil
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n\n%s", cmd, usage)
		return errUsage
	}
}

// newFlagSet returns a flag set with the shared --config flag.
func newFlagSet(name string, stderr io.Writer) (*pflag.FlagSet, *string) {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.StringP("config", "c", "", "config file (default $OPENCODE_BRIDGE_CONFIG or $XDG_CONFIG_HOME/opencode-bridge/config.yaml)")
	return fs, configPath
}

func loadConfig(flagValue string) (*config.Config, string, error) {
	path, explicit := config.ResolvePath(flagValue)
	cfg, err := config.LoadOptional(path, explicit)
	if err != nil {
		return nil, path, fmt.Errorf("loading config: %w", err)
	}
	return cfg, path, nil
}

// bridge holds the wired components shared by both transports.
type bridge struct {
	client *opencode.Client
	server *mcp.Server
}

func newBridge(cfg *config.Config, logger *slog.Logger) (*bridge, error) {
	client, err := opencode.NewClient(opencode.Config{
		BaseURL:  cfg.OpenCode.BaseURL,
		Username: cfg.OpenCode.Username,
		Password: cfg.OpenCode.Password,
		Timeout:  cfg.OpenCode.RequestTimeout,
		Logger:   logger.With("component", "opencode"),
	})
	if err != nil {
		return nil, fmt.Errorf("creating opencode client: %w", err)
	}

	corr, err := correlate.New(correlate.Config{
		Remote:         client,
		Logger:         logger.With("component", "correlate"),
		DefaultTimeout: cfg.Await.DefaultTimeout,
		MaxTimeout:     cfg.Await.MaxTimeout,
		PollInterval:   cfg.Await.PollInterval,
		PollLimit:      cfg.Await.PollLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("creating correlator: %w", err)
	}

	pager, err := history.New(history.Config{
		Remote:                 client,
		Logger:                 logger.With("component", "history"),
		DefaultLimit:           cfg.Pages.DefaultLimit,
		MaxLimit:               cfg.Pages.MaxLimit,
		DefaultMaxOutputTokens: cfg.Pages.DefaultMaxOutputTokens,
		MaxOutputTokens:        cfg.Pages.MaxOutputTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("creating pager: %w", err)
	}

	registry, err := tools.New(tools.Config{
		Client:     client,
		Correlator: corr,
		Pager:      pager,
		Logger:     logger.With("component", "tools"),
		Directory:  cfg.OpenCode.Directory,
	})
	if err != nil {
		return nil, fmt.Errorf("creating tools: %w", err)
	}

	verifier, err := buildVerifier(cfg)
	if err != nil {
		return nil, err
	}

	server, err := mcp.NewServer(mcp.Config{
		Tools:         registry,
		Info:          mcp.ServerInfo{Name: "opencode-bridge", Version: version},
		Logger:        logger.With("component", "mcp"),
		TokenVerifier: verifier,
		RequireAuth:   cfg.Server.RequireAuth,
		HealthCheck: func(ctx context.Context) error {
			_, err := client.Health(ctx)
			return err
		},
	})
	if err != nil {
		return nil, fmt.Errorf("creating MCP server: %w", err)
	}

	return &bridge{client: client, server: server}, nil
}

// buildVerifier combines static tokens and the JWT secret. It returns nil
// when neither is configured.
func buildVerifier(cfg *config.Config) (auth.TokenVerifier, error) {
	var verifiers []auth.TokenVerifier
	if static := auth.NewStaticTokens(cfg.StaticTokens()); static.Len() > 0 {
		verifiers = append(verifiers, static)
	}
	if cfg.Server.JWTSecret != "" {
		jwtVerifier, err := auth.NewJWTVerifier([]byte(cfg.Server.JWTSecret))
		if err != nil {
			return nil, fmt.Errorf("creating JWT verifier: %w", err)
		}
		verifiers = append(verifiers, jwtVerifier)
	}
	if len(verifiers) == 0 {
		return nil, nil
	}
	return auth.Chain(verifiers...), nil
}

func runServe(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	fs, configPath := newFlagSet("serve", stderr)
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, path, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	logger := setupLogger(cfg.Logging, stderr)

	b, err := newBridge(cfg, logger)
	if err != nil {
		return err
	}

	logger.Info("serving MCP over stdio",
		"version", version,
		"config", path,
		"opencode_url", b.client.BaseURL(),
	)
	err = b.server.ServeStdio(ctx, stdin, stdout)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func runServeHTTP(ctx context.Context, args []string, stderr io.Writer) error {
	fs, configPath := newFlagSet("serve-http", stderr)
	addr := fs.String("addr", "", "listen address (overrides server.http_addr)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, path, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	if *addr != "" {
		cfg.Server.HTTPAddr = *addr
	}

	cyan := color.New(color.FgCyan)
	gray := color.New(color.FgHiBlack)
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	cyan.Fprint(stderr, banner)
	gray.Fprintf(stderr, "    version: %s\n\n", version)

	logger := setupLogger(cfg.Logging, stderr)
	b, err := newBridge(cfg, logger)
	if err != nil {
		return err
	}

	ln, err := listen.Open(ctx, listen.Config{
		Addr:      cfg.Server.HTTPAddr,
		Tailscale: cfg.Tailscale,
		Logger:    logger.With("component", "listen"),
	})
	if err != nil {
		return err
	}

	green.Fprint(stderr, "    ▶ ")
	fmt.Fprintf(stderr, "Config:    %s\n", path)
	green.Fprint(stderr, "    ▶ ")
	fmt.Fprintf(stderr, "OpenCode:  %s\n", b.client.BaseURL())
	green.Fprint(stderr, "    ▶ ")
	fmt.Fprintf(stderr, "MCP:       %s\n", ln.Endpoint)
	if cfg.Tailscale.Enabled {
		green.Fprint(stderr, "    ▶ ")
		fmt.Fprint(stderr, "Tailscale: ")
		cyan.Fprint(stderr, cfg.Tailscale.Hostname)
		if cfg.Tailscale.Ephemeral {
			gray.Fprint(stderr, " (ephemeral)")
		}
		fmt.Fprintln(stderr)
	}
	if !cfg.Server.RequireAuth {
		yellow.Fprintln(stderr, "    ! authentication is not required")
	}
	fmt.Fprintln(stderr)

	mux := http.NewServeMux()
	b.server.RegisterRoutes(mux)
	httpServer := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.Serve(ln)
	}()
	logger.Info("serving MCP over HTTP", "endpoint", ln.Endpoint, "require_auth", cfg.Server.RequireAuth)

	select {
	case err := <-errCh:
		_ = ln.Close()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = httpServer.Shutdown(shutdownCtx)
	return errors.Join(err, ln.Close())
}
