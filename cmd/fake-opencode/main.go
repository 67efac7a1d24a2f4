// ABOUTME: Fake OpenCode server for end-to-end runs of the bridge without a real agent.
// ABOUTME: Usage: fake-opencode [--addr 127.0.0.1:4096] [--delay 3s] [--question]
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/pflag"

	"github.com/2389/opencode-bridge/internal/opencode/opencodetest"
)

func main() {
	addr := pflag.String("addr", "127.0.0.1:4096", "listen address")
	delay := pflag.Duration("delay", 0, "keep each reply streaming this long before it completes")
	password := pflag.String("password", "", "require this basic-auth password")
	directory := pflag.String("directory", "", "project directory of the seeded session")
	question := pflag.Bool("question", false, "gate the seeded session with a pending question")
	pflag.Parse()

	if err := run(*addr, *delay, *password, *directory, *question); err != nil {
		log.Fatal(err)
	}
}

func run(addr string, delay time.Duration, password, directory string, question bool) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	fake := opencodetest.New()
	fake.ReplyDelay = delay
	fake.Password = password

	sessionID := fake.AddSession(directory)
	if question {
		questionID := fake.AddQuestion(sessionID)
		slog.Info("seeded pending question", "session_id", sessionID, "request_id", questionID)
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}

	srv := &http.Server{Handler: fake.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	fmt.Fprintf(os.Stderr, "fake opencode on http://%s (session %s)\n", ln.Addr(), sessionID)
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
