// Package mcp implements the Model Context Protocol server that exposes the
// bridge tools to MCP clients.
//
// # Transports
//
// Two transports share one method dispatcher:
//
//   - stdio: newline-delimited JSON-RPC 2.0 on stdin/stdout. Requests are
//     handled concurrently and responses may arrive out of order.
//   - Streamable HTTP: POST /mcp carries JSON-RPC, DELETE /mcp ends a
//     session, GET /mcp returns 405 (no server-initiated streams). GET
//     /health reports liveness.
//
// Supported methods are initialize, ping, tools/list and tools/call.
// Notifications are accepted and never answered.
//
// # Sessions
//
// On HTTP, initialize issues an Mcp-Session-Id header that every later
// request must carry. Sessions live in memory and expire after SessionTTL
// of inactivity.
//
// # Authentication
//
// HTTP requests may carry a token in any of these forms:
//
//	Authorization: Bearer <token>
//	POST /mcp?token=<token>
//	POST /mcp/<token>
//
// Tokens are checked by an auth.TokenVerifier at initialize. A token that
// fails verification is always rejected; requests without a token are only
// rejected when RequireAuth is set.
//
// # Tool errors
//
// Providers return errors wrapping ErrToolNotFound or ErrInvalidParams to
// fail a call with -32602. Failures the caller should read, such as a
// remote error, come back as a result with isError set.
package mcp
