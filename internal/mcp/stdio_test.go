// ABOUTME: Tests for the stdio transport framing and concurrency.
// ABOUTME: Feeds newline-delimited JSON-RPC through pipes and reads the responses back.

package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStdioServer(t *testing.T, tools ToolProvider) *Server {
	t.Helper()
	s, err := NewServer(Config{Tools: tools})
	require.NoError(t, err)
	return s
}

func readResponses(t *testing.T, out string) map[string]JSONRPCResponse {
	t.Helper()
	byID := make(map[string]JSONRPCResponse)
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line == "" {
			continue
		}
		var resp JSONRPCResponse
		require.NoError(t, json.Unmarshal([]byte(line), &resp), line)
		byID[string(resp.ID)] = resp
	}
	return byID
}

func TestServeStdio_Session(t *testing.T) {
	s := newStdioServer(t, &fakeTools{})
	in := strings.Join([]string{
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2024-11-05"}}`,
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		``,
		`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`,
		`{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"echo","arguments":{"a":"b"}}}`,
		`{"jsonrpc":"2.0","id":4,"method":"ping"}`,
		`{not json`,
		`{"jsonrpc":"2.0","id":5,"method":"tools/call","params":{"name":"missing"}}`,
		`{"jsonrpc":"2.0","id":6,"method":"bogus"}`,
	}, "\n") + "\n"

	var out bytes.Buffer
	require.NoError(t, s.ServeStdio(context.Background(), strings.NewReader(in), &out))

	responses := readResponses(t, out.String())
	require.Len(t, responses, 7, "notification gets no response")

	initResult := responses["1"].Result.(map[string]any)
	assert.Equal(t, "2024-11-05", initResult["protocolVersion"])

	tools := responses["2"].Result.(map[string]any)["tools"].([]any)
	assert.Len(t, tools, 2)

	call := responses["3"].Result.(map[string]any)
	content := call["content"].([]any)[0].(map[string]any)
	assert.JSONEq(t, `{"a":"b"}`, content["text"].(string))

	assert.Nil(t, responses["4"].Error)

	require.NotNil(t, responses["null"].Error)
	assert.Equal(t, JSONRPCParseError, responses["null"].Error.Code)

	require.NotNil(t, responses["5"].Error)
	assert.Equal(t, JSONRPCInvalidParams, responses["5"].Error.Code)

	require.NotNil(t, responses["6"].Error)
	assert.Equal(t, JSONRPCMethodNotFound, responses["6"].Error.Code)
}

func TestServeStdio_SlowCallDoesNotBlockOthers(t *testing.T) {
	tools := &fakeTools{block: make(chan struct{})}
	s := newStdioServer(t, tools)

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()

	done := make(chan error, 1)
	go func() {
		done <- s.ServeStdio(context.Background(), inR, outW)
		_ = outW.Close()
	}()

	lines := bufio.NewScanner(outR)
	readOne := func() JSONRPCResponse {
		t.Helper()
		require.True(t, lines.Scan())
		var resp JSONRPCResponse
		require.NoError(t, json.Unmarshal(lines.Bytes(), &resp))
		return resp
	}

	_, err := io.WriteString(inW, `{"jsonrpc":"2.0","id":"slow","method":"tools/call","params":{"name":"slow"}}`+"\n")
	require.NoError(t, err)
	_, err = io.WriteString(inW, `{"jsonrpc":"2.0","id":"fast","method":"ping"}`+"\n")
	require.NoError(t, err)

	first := readOne()
	assert.Equal(t, `"fast"`, string(first.ID))

	close(tools.block)
	second := readOne()
	assert.Equal(t, `"slow"`, string(second.ID))

	require.NoError(t, inW.Close())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("ServeStdio did not return after stdin closed")
	}
}

func TestServeStdio_ContextCancel(t *testing.T) {
	s := newStdioServer(t, &fakeTools{block: make(chan struct{})})
	inR, inW := io.Pipe()
	defer inW.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.ServeStdio(ctx, inR, io.Discard) }()

	_, err := io.WriteString(inW, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"slow"}}`+"\n")
	require.NoError(t, err)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("ServeStdio did not return after cancel")
	}
}
