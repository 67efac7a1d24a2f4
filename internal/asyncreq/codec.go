// ABOUTME: Opaque token codec for async request handles and history cursors.
// ABOUTME: CBOR-encodes a versioned payload and wraps it in unpadded base64url.

package asyncreq

import (
	"encoding/base64"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/fxamacker/cbor/v2"
)

// Decoding errors. Both mean the token is unusable and a fresh one is needed.
var (
	ErrInvalidHandle = errors.New("invalid async request handle")
	ErrInvalidCursor = errors.New("invalid cursor")
)

const tokenVersion = 1

const (
	kindHandle = "h"
	kindCursor = "c"
)

// encMode produces identical bytes for identical payloads, so equal handles
// always encode to equal strings.
var encMode cbor.EncMode

var decMode cbor.DecMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("asyncreq: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DupMapKey: cbor.DupMapKeyEnforcedAPF,
	}.DecMode()
	if err != nil {
		panic("asyncreq: CBOR decoder initialization failed: " + err.Error())
	}
}

var textEncoding = base64.RawURLEncoding

// Handle identifies one submitted message so its reply can be found later.
type Handle struct {
	SessionID     string
	MessageID     string
	SubmittedAtMs int64
}

// handlePayload is the wire form of a Handle. Pointer fields distinguish a
// missing field from a zero value.
type handlePayload struct {
	Version       *uint64 `cbor:"v"`
	Kind          *string `cbor:"k"`
	SessionID     *string `cbor:"s"`
	MessageID     *string `cbor:"m"`
	SubmittedAtMs *int64  `cbor:"t"`
}

type cursorPayload struct {
	Version *uint64 `cbor:"v"`
	Kind    *string `cbor:"k"`
	Offset  *int64  `cbor:"o"`
}

// EncodeHandle returns the opaque string form of h.
func EncodeHandle(h Handle) string {
	version := uint64(tokenVersion)
	kind := kindHandle
	return encodeToken(handlePayload{
		Version:       &version,
		Kind:          &kind,
		SessionID:     &h.SessionID,
		MessageID:     &h.MessageID,
		SubmittedAtMs: &h.SubmittedAtMs,
	})
}

// DecodeHandle parses a string produced by EncodeHandle. Any malformed input
// yields an error wrapping ErrInvalidHandle.
func DecodeHandle(token string) (Handle, error) {
	var p handlePayload
	if err := decodeToken(token, &p); err != nil {
		return Handle{}, fmt.Errorf("%w: %v", ErrInvalidHandle, err)
	}
	if err := checkHeader(p.Version, p.Kind, kindHandle); err != nil {
		return Handle{}, fmt.Errorf("%w: %v", ErrInvalidHandle, err)
	}
	switch {
	case p.SessionID == nil || *p.SessionID == "":
		return Handle{}, fmt.Errorf("%w: missing session id", ErrInvalidHandle)
	case p.MessageID == nil || *p.MessageID == "":
		return Handle{}, fmt.Errorf("%w: missing message id", ErrInvalidHandle)
	case p.SubmittedAtMs == nil:
		return Handle{}, fmt.Errorf("%w: missing submission time", ErrInvalidHandle)
	case *p.SubmittedAtMs < 0:
		return Handle{}, fmt.Errorf("%w: negative submission time", ErrInvalidHandle)
	}
	return Handle{
		SessionID:     *p.SessionID,
		MessageID:     *p.MessageID,
		SubmittedAtMs: *p.SubmittedAtMs,
	}, nil
}

// EncodeCursor returns the opaque string form of a history offset.
// Negative offsets are clamped to zero.
func EncodeCursor(offset int) string {
	if offset < 0 {
		offset = 0
	}
	version := uint64(tokenVersion)
	kind := kindCursor
	o := int64(offset)
	return encodeToken(cursorPayload{Version: &version, Kind: &kind, Offset: &o})
}

// DecodeCursor parses a string produced by EncodeCursor. An empty or
// whitespace-only cursor means the start of history and decodes to 0.
func DecodeCursor(token string) (int, error) {
	if strings.TrimSpace(token) == "" {
		return 0, nil
	}
	var p cursorPayload
	if err := decodeToken(token, &p); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	if err := checkHeader(p.Version, p.Kind, kindCursor); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	switch {
	case p.Offset == nil:
		return 0, fmt.Errorf("%w: missing offset", ErrInvalidCursor)
	case *p.Offset < 0:
		return 0, fmt.Errorf("%w: negative offset", ErrInvalidCursor)
	case *p.Offset > math.MaxInt:
		return 0, fmt.Errorf("%w: offset out of range", ErrInvalidCursor)
	}
	return int(*p.Offset), nil
}

func encodeToken(v any) string {
	data, err := encMode.Marshal(v)
	if err != nil {
		// Only fixed-shape structs of strings and integers reach here.
		panic("asyncreq: encoding token: " + err.Error())
	}
	return textEncoding.EncodeToString(data)
}

func decodeToken(token string, v any) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return errors.New("empty token")
	}
	data, err := textEncoding.DecodeString(token)
	if err != nil {
		return fmt.Errorf("not base64url: %w", err)
	}
	if err := decMode.Unmarshal(data, v); err != nil {
		return fmt.Errorf("malformed payload: %w", err)
	}
	return nil
}

func checkHeader(version *uint64, kind *string, want string) error {
	if version == nil {
		return errors.New("missing version")
	}
	if *version != tokenVersion {
		return fmt.Errorf("unsupported version %d", *version)
	}
	if kind == nil || *kind != want {
		return errors.New("wrong token kind")
	}
	return nil
}
