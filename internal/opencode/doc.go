// Package opencode is a thin client for the remote chat-agent HTTP API.
//
// # Endpoints
//
//   - GET  /global/health
//   - POST /session, GET /session, GET /session/{id}
//   - POST /session/{id}/prompt_async
//   - GET  /session/{id}/message?limit=N (oldest first)
//   - GET  /session/status (map of session id to status; idle sessions may be absent)
//   - GET  /question, POST /question/{id}/reply, POST /question/{id}/reject
//   - GET  /permission
//
// Every method accepts a context and returns explicit errors. Any non-2xx
// response is returned as a *RemoteError carrying the status code and body;
// the client never retries. Callers match failures with
// errors.Is(err, ErrRemoteCallFailed).
//
// # Authentication
//
// When a password is configured every request carries HTTP basic auth. The
// username defaults to "opencode".
package opencode
