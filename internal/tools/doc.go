// Package tools defines the opencode_* tools the bridge serves over MCP.
//
// The core tools are opencode_submit, opencode_await and
// opencode_messages_page. The remaining tools pass calls straight through
// to the OpenCode server: health, session create/list/get/status, and the
// pending question list, answer and reject calls.
//
// Every result is a single JSON text block. Malformed arguments and
// undecodable handles, cursors or field paths fail the call with
// mcp.ErrInvalidParams. Remote failures come back as isError results
// carrying the remote status code:
//
//	{"error":"GET /session/ses_1: remote returned status 404: ...","status_code":404}
package tools
