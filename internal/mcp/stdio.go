// ABOUTME: MCP stdio transport: newline-delimited JSON-RPC on a reader/writer pair.
// ABOUTME: Requests run concurrently so a long await never stalls other calls.

package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
)

// maxStdioMessage bounds a single JSON-RPC line.
const maxStdioMessage = 10 * 1024 * 1024

// ServeStdio reads requests from in and writes responses to out until in
// reaches EOF or ctx is cancelled. In-flight requests are waited for before
// returning.
func (s *Server) ServeStdio(ctx context.Context, in io.Reader, out io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w := &lineWriter{out: out}
	var wg sync.WaitGroup
	defer wg.Wait()

	lines := make(chan []byte)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		scanner.Buffer(make([]byte, 0, 64*1024), maxStdioMessage)
		for scanner.Scan() {
			line := append([]byte(nil), scanner.Bytes()...)
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	s.logger.Info("serving MCP over stdio")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					if err != nil {
						return fmt.Errorf("reading stdin: %w", err)
					}
				default:
				}
				s.logger.Info("stdin closed, stopping")
				return nil
			}
			if len(strings.TrimSpace(string(line))) == 0 {
				continue
			}

			var req JSONRPCRequest
			if err := json.Unmarshal(line, &req); err != nil {
				w.write(s.logger, JSONRPCResponse{
					JSONRPC: "2.0",
					ID:      json.RawMessage("null"),
					Error:   &JSONRPCError{Code: JSONRPCParseError, Message: "parse error: " + err.Error()},
				})
				continue
			}

			if req.JSONRPC != "2.0" {
				if !req.isNotification() {
					w.write(s.logger, JSONRPCResponse{
						JSONRPC: "2.0",
						ID:      req.ID,
						Error:   &JSONRPCError{Code: JSONRPCInvalidRequest, Message: "invalid JSON-RPC version"},
					})
				}
				continue
			}

			// Notifications have no ID and receive no response.
			if req.isNotification() {
				s.logger.Debug("accepted MCP notification", "method", req.Method)
				continue
			}

			wg.Add(1)
			go func() {
				defer wg.Done()
				resp := JSONRPCResponse{JSONRPC: "2.0", ID: req.ID}
				resp.Result, resp.Error = s.dispatch(ctx, &req)
				w.write(s.logger, resp)
			}()
		}
	}
}

// lineWriter serializes responses so concurrent handlers never interleave.
type lineWriter struct {
	mu  sync.Mutex
	out io.Writer
}

func (w *lineWriter) write(logger *slog.Logger, resp JSONRPCResponse) {
	data, err := json.Marshal(resp)
	if err != nil {
		logger.Warn("failed to encode JSON-RPC response", "error", err)
		return
	}
	data = append(data, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.out.Write(data); err != nil {
		logger.Warn("failed to write JSON-RPC response", "error", err)
	}
}
