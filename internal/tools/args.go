// ABOUTME: Argument decoding helpers shared by the tool handlers.
// ABOUTME: Every failure wraps mcp.ErrInvalidParams so the call fails outright.

package tools

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/2389/opencode-bridge/internal/mcp"
)

func invalidArgs(format string, args ...any) error {
	return fmt.Errorf("%w: %s", mcp.ErrInvalidParams, fmt.Sprintf(format, args...))
}

// decodeArgs unmarshals tool arguments. Empty or null arguments leave v
// untouched.
func decodeArgs(args json.RawMessage, v any) error {
	trimmed := bytes.TrimSpace(args)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	if err := json.Unmarshal(trimmed, v); err != nil {
		return invalidArgs("invalid arguments: %v", err)
	}
	return nil
}

func requireString(name, value string) error {
	if strings.TrimSpace(value) == "" {
		return invalidArgs("%s is required", name)
	}
	return nil
}

func nonNegative(name string, value float64) error {
	if value < 0 {
		return invalidArgs("%s must not be negative", name)
	}
	return nil
}

// durationOf converts a non-negative count of unit, saturating at the
// largest Duration instead of overflowing.
func durationOf(n float64, unit time.Duration) time.Duration {
	d := n * float64(unit)
	if d >= float64(math.MaxInt64) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// fieldList accepts either a JSON array of paths or one comma-separated
// string, e.g. "info.id, parts.text".
type fieldList []string

func (f *fieldList) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		var out []string
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		*f = out
		return nil
	}

	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("fields must be a string or an array of strings")
	}
	out := make([]string, 0, len(list))
	for _, p := range list {
		out = append(out, strings.TrimSpace(p))
	}
	*f = out
	return nil
}
