// Package auth verifies bearer tokens for the MCP HTTP transport.
//
// Two verifiers are provided and may be combined with Chain:
//
//   - StaticTokens: opaque tokens listed in server.tokens. Each token maps
//     to a principal name used in logs.
//   - JWTVerifier: HS256 tokens signed with server.jwt_secret. The "sub"
//     claim is the principal. The CLI token command mints them:
//
//     opencode-bridge token --subject ci --ttl 720h
//
// Verifiers report ErrInvalidToken or ErrExpiredToken; the transport treats
// both as a rejected credential.
package auth
