// ABOUTME: Admin commands: health checks, bearer token minting, and config init
// ABOUTME: Each command loads config the same way the servers do

package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/2389/opencode-bridge/internal/auth"
	"github.com/2389/opencode-bridge/internal/config"
	"github.com/2389/opencode-bridge/internal/opencode"
)

// runHealth checks the OpenCode server, or with --bridge the /health
// endpoint of a running serve-http.
func runHealth(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs, configPath := newFlagSet("health", stderr)
	checkBridge := fs.Bool("bridge", false, "check a running serve-http instead of the OpenCode server")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, _, err := loadConfig(*configPath)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if *checkBridge {
		url := fmt.Sprintf("http://%s/health", cfg.Server.HTTPAddr)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return fmt.Errorf("creating request: %w", err)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return fmt.Errorf("health check failed: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
		}
		fmt.Fprintln(stdout, "healthy")
		return nil
	}

	client, err := opencode.NewClient(opencode.Config{
		BaseURL:  cfg.OpenCode.BaseURL,
		Username: cfg.OpenCode.Username,
		Password: cfg.OpenCode.Password,
	})
	if err != nil {
		return err
	}
	h, err := client.Health(ctx)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if !h.Healthy {
		return fmt.Errorf("unhealthy: %s reports not healthy", client.BaseURL())
	}
	fmt.Fprintf(stdout, "healthy (%s, version %s)\n", client.BaseURL(), h.Version)
	return nil
}

// runToken mints a JWT signed with server.jwt_secret, or with --static a
// random token to paste into server.tokens.
func runToken(args []string, stdout, stderr io.Writer) error {
	fs, configPath := newFlagSet("token", stderr)
	principal := fs.StringP("principal", "p", "", "principal name carried in the token (required)")
	ttl := fs.Duration("ttl", 30*24*time.Hour, "token lifetime")
	static := fs.Bool("static", false, "generate a static token for server.tokens instead of a JWT")
	if err := fs.Parse(args); err != nil {
		return err
	}

	name := strings.TrimSpace(*principal)
	if name == "" {
		return fmt.Errorf("--principal is required")
	}

	if *static {
		token := auth.NewStaticToken()
		fmt.Fprintln(stdout, token)
		color.New(color.FgHiBlack).Fprintf(stderr, "add to config:\n  server:\n    tokens:\n      %s: %q\n", name, token)
		return nil
	}

	if *ttl <= 0 {
		return fmt.Errorf("--ttl must be positive")
	}
	cfg, path, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	if cfg.Server.JWTSecret == "" {
		return fmt.Errorf("server.jwt_secret is not set in %s", path)
	}
	verifier, err := auth.NewJWTVerifier([]byte(cfg.Server.JWTSecret))
	if err != nil {
		return fmt.Errorf("creating JWT verifier: %w", err)
	}
	token, err := verifier.Generate(name, *ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	fmt.Fprintln(stdout, token)
	color.New(color.FgHiBlack).Fprintf(stderr, "principal %s, expires %s\n", name, time.Now().Add(*ttl).UTC().Format("Jan 02, 2006"))
	return nil
}

// runInit writes the annotated example config with a fresh JWT secret.
func runInit(args []string, stdout, stderr io.Writer) error {
	fs, configPath := newFlagSet("init", stderr)
	force := fs.Bool("force", false, "overwrite an existing file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	path, _ := config.ResolvePath(*configPath)
	if _, err := os.Stat(path); err == nil && !*force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}

	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return fmt.Errorf("generating JWT secret: %w", err)
	}
	secret := base64.StdEncoding.EncodeToString(secretBytes)
	content := strings.Replace(config.ExampleYAML, `jwt_secret: ""`, fmt.Sprintf("jwt_secret: %q", secret), 1)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Fprintf(stdout, "  ✓ Created config: %s\n", path)
	fmt.Fprintln(stdout)
	fmt.Fprintln(stdout, "  Next:")
	fmt.Fprintln(stdout, "    opencode-bridge health                       # check the OpenCode server")
	fmt.Fprintln(stdout, "    opencode-bridge serve                        # stdio MCP")
	fmt.Fprintln(stdout, "    opencode-bridge token --principal laptop     # bearer token for serve-http")
	return nil
}
