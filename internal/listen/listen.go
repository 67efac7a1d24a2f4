// ABOUTME: Opens the network listener for the HTTP MCP transport.
// ABOUTME: Either a plain TCP socket or an embedded Tailscale node reachable only on the tailnet.

package listen

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"

	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/opencode-bridge/internal/config"
)

// Config selects how to listen.
type Config struct {
	Addr      string
	Tailscale config.TailscaleConfig
	Logger    *slog.Logger
}

// Listener is an open listener plus the URL clients should use for MCP.
type Listener struct {
	net.Listener

	// Endpoint is the MCP URL, e.g. "http://127.0.0.1:8765/mcp".
	Endpoint string

	ts *tsnet.Server
}

// Open starts listening. With Tailscale enabled it brings a tsnet node up
// first, which blocks until the node has joined the tailnet or ctx ends.
func Open(ctx context.Context, cfg Config) (*Listener, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Tailscale.Enabled {
		return openTailscale(ctx, cfg.Tailscale, logger)
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", cfg.Addr, err)
	}
	return &Listener{
		Listener: ln,
		Endpoint: "http://" + ln.Addr().String() + "/mcp",
	}, nil
}

// Close stops the listener and, for Tailscale, shuts the node down.
func (l *Listener) Close() error {
	err := l.Listener.Close()
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	if l.ts != nil {
		err = errors.Join(err, l.ts.Close())
	}
	return err
}

// resolveStateDir returns the state directory, using default if not configured.
func resolveStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "opencode-bridge", "tailscale"), nil
}

// resolveAuthKey returns the auth key from config or environment.
func resolveAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set tailscale.auth_key in config or the TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

func openTailscale(ctx context.Context, tsCfg config.TailscaleConfig, logger *slog.Logger) (*Listener, error) {
	stateDir, err := resolveStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, err
	}
	authKey, err := resolveAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	srv := &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
		Logf: func(format string, args ...any) {
			logger.Debug(fmt.Sprintf(format, args...), "component", "tsnet")
		},
	}

	logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := srv.Up(ctx)
	if err != nil {
		_ = srv.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}
	host := logStatus(logger, tsCfg.Hostname, status)

	if !tsCfg.HTTPS {
		ln, err := srv.Listen("tcp", ":80")
		if err != nil {
			_ = srv.Close()
			return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
		}
		return &Listener{Listener: ln, Endpoint: "http://" + host + "/mcp", ts: srv}, nil
	}

	logger.Info("enabling HTTPS with Tailscale certs on :443")
	ln, err := srv.Listen("tcp", ":443")
	if err != nil {
		_ = srv.Close()
		return nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
	}
	lc, err := srv.LocalClient()
	if err != nil {
		_ = ln.Close()
		_ = srv.Close()
		return nil, fmt.Errorf("getting tailscale local client: %w", err)
	}
	tlsLn := tls.NewListener(ln, &tls.Config{
		GetCertificate: lc.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	})
	return &Listener{Listener: tlsLn, Endpoint: "https://" + host + "/mcp", ts: srv}, nil
}

// logStatus logs the node's address and returns the name clients should
// dial: the MagicDNS name when known, else the hostname.
func logStatus(logger *slog.Logger, hostname string, status *ipnstate.Status) string {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = strings.TrimSuffix(status.Self.DNSName, ".")
	}
	logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
	if dnsName != "" {
		return dnsName
	}
	return hostname
}
