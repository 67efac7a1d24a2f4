// Package asyncreq encodes and decodes the opaque tokens handed to MCP callers.
//
// # Overview
//
// The bridge keeps no state between tool calls. Everything a later call needs
// to resume work is carried inside a token returned to the caller:
//
//   - Handle: correlates a message submitted with opencode_submit to its
//     eventual assistant reply (session id, message id, submission time).
//   - Cursor: the resume offset into a session's message history for
//     opencode_messages_page.
//
// # Format
//
// Each token is a small CBOR map (Core Deterministic Encoding) carrying a
// version tag, a kind tag, and the payload fields, wrapped in unpadded
// base64url so it survives URLs, JSON strings, and shell arguments untouched:
//
//	{"v": 1, "k": "h", "s": "ses_1", "m": "msg_async_1000_abc", "t": 1000}
//	{"v": 1, "k": "c", "o": 50}
//
// Decoding is strict: a token of the wrong kind, an unknown version, a
// missing field, or a field of the wrong type is rejected with
// ErrInvalidHandle or ErrInvalidCursor. The only sanctioned default is the
// empty cursor, which means offset 0.
package asyncreq
