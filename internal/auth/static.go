// ABOUTME: Static bearer tokens loaded from config, plus verifier chaining.
// ABOUTME: Lets a deployment mix long-lived opaque tokens with signed JWTs.

package auth

import (
	"crypto/subtle"
	"errors"
	"strings"

	"github.com/google/uuid"
)

// StaticTokens maps opaque tokens to principal names. It is immutable after
// construction and safe for concurrent use.
type StaticTokens struct {
	tokens map[string]string // token -> principal
}

// NewStaticTokens builds a verifier from a token to principal map. Entries
// with an empty token are skipped; an empty principal defaults to "static".
func NewStaticTokens(tokens map[string]string) *StaticTokens {
	s := &StaticTokens{tokens: make(map[string]string, len(tokens))}
	for token, principal := range tokens {
		token = strings.TrimSpace(token)
		if token == "" {
			continue
		}
		if principal == "" {
			principal = "static"
		}
		s.tokens[token] = principal
	}
	return s
}

// Len returns the number of configured tokens.
func (s *StaticTokens) Len() int { return len(s.tokens) }

// Verify returns the principal for a known token.
func (s *StaticTokens) Verify(token string) (string, error) {
	if token == "" {
		return "", ErrInvalidToken
	}
	// Constant-time compare against every entry.
	var principal string
	for known, p := range s.tokens {
		if subtle.ConstantTimeCompare([]byte(known), []byte(token)) == 1 {
			principal = p
		}
	}
	if principal == "" {
		return "", ErrInvalidToken
	}
	return principal, nil
}

// NewStaticToken generates a random opaque token suitable for server.tokens.
func NewStaticToken() string {
	return "ocb_" + strings.ReplaceAll(uuid.New().String(), "-", "") + strings.ReplaceAll(uuid.New().String(), "-", "")
}

// Chain tries each verifier in order and returns the first success. Nil
// verifiers are ignored.
func Chain(verifiers ...TokenVerifier) TokenVerifier {
	var out chain
	for _, v := range verifiers {
		if v != nil {
			out = append(out, v)
		}
	}
	return out
}

type chain []TokenVerifier

func (c chain) Verify(token string) (string, error) {
	var errs []error
	for _, v := range c {
		principal, err := v.Verify(token)
		if err == nil {
			return principal, nil
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return "", ErrInvalidToken
	}
	// An expired JWT is more useful to report than "unknown static token".
	for _, err := range errs {
		if errors.Is(err, ErrExpiredToken) {
			return "", ErrExpiredToken
		}
	}
	return "", errors.Join(errs...)
}
