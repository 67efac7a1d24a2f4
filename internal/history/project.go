// ABOUTME: Field projection over raw message JSON using dot-separated paths.
// ABOUTME: Arrays project element-wise and drop elements left empty; unmatched paths are reported.

package history

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
)

// ErrInvalidFields is returned for a malformed field path.
var ErrInvalidFields = errors.New("invalid fields")

// allFields disables projection.
const allFields = "*"

// fieldTree is a parsed set of field paths. A leaf keeps the whole value
// found at its position.
type fieldTree struct {
	leaf     bool
	children map[string]*fieldTree
}

// projection holds the normalized request paths alongside their tree.
type projection struct {
	paths []string
	tree  *fieldTree
}

// parseFields normalizes the requested paths. A nil projection means the
// full message is returned.
func parseFields(fields []string) (*projection, error) {
	var paths []string
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		if f == allFields {
			return nil, nil
		}
		for _, seg := range strings.Split(f, ".") {
			if seg == "" {
				return nil, fmt.Errorf("%w: empty segment in %q", ErrInvalidFields, f)
			}
		}
		if !slices.Contains(paths, f) {
			paths = append(paths, f)
		}
	}
	if len(paths) == 0 {
		return nil, nil
	}

	root := &fieldTree{}
	for _, p := range paths {
		node := root
		for _, seg := range strings.Split(p, ".") {
			if node.children == nil {
				node.children = make(map[string]*fieldTree)
			}
			child, ok := node.children[seg]
			if !ok {
				child = &fieldTree{}
				node.children[seg] = child
			}
			node = child
		}
		node.leaf = true
	}
	return &projection{paths: paths, tree: root}, nil
}

// apply projects one decoded message. The top-level object is always
// returned, even when nothing matched, so item counts stay aligned with the
// source offsets.
func (p *projection) apply(v any) any {
	out, ok := projectValue(v, p.tree)
	if !ok {
		return map[string]any{}
	}
	return out
}

func projectValue(v any, node *fieldTree) (any, bool) {
	if node.leaf {
		return v, true
	}
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(node.children))
		for key, child := range node.children {
			field, ok := val[key]
			if !ok {
				continue
			}
			if pv, ok := projectValue(field, child); ok {
				out[key] = pv
			}
		}
		return out, len(out) > 0
	case []any:
		out := make([]any, 0, len(val))
		for _, elem := range val {
			if pv, ok := projectValue(elem, node); ok {
				out = append(out, pv)
			}
		}
		return out, len(out) > 0
	default:
		return nil, false
	}
}

// hasPath reports whether segs resolve to a present key in v. Arrays match
// when any element does.
func hasPath(v any, segs []string) bool {
	if len(segs) == 0 {
		return true
	}
	switch val := v.(type) {
	case map[string]any:
		field, ok := val[segs[0]]
		return ok && hasPath(field, segs[1:])
	case []any:
		for _, elem := range val {
			if hasPath(elem, segs) {
				return true
			}
		}
	}
	return false
}

// missing returns the requested paths that matched none of items.
func (p *projection) missing(items []any) []string {
	var out []string
	for _, path := range p.paths {
		segs := strings.Split(path, ".")
		found := false
		for _, item := range items {
			if hasPath(item, segs) {
				found = true
				break
			}
		}
		if !found {
			out = append(out, path)
		}
	}
	return out
}

// decodeRaw decodes message JSON keeping numbers exact.
func decodeRaw(raw []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}
