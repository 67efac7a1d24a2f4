// ABOUTME: Bounded, resumable pages over a session's message history.
// ABOUTME: Applies field projection and an estimated output-token budget to every page.

package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"unicode/utf8"

	"github.com/2389/opencode-bridge/internal/asyncreq"
	"github.com/2389/opencode-bridge/internal/opencode"
)

// Page limits.
const (
	DefaultLimit           = 50
	MaxLimit               = 200
	DefaultMaxOutputTokens = 5000
	MaxOutputTokens        = 20000
)

const unsatisfiableNotice = "The next message does not fit in max_output_tokens. " +
	"Request fewer fields or raise max_output_tokens, then retry with the same cursor."

// Remote is the subset of the chat-agent client used here. ListMessages
// returns the newest limit messages oldest first, or all of them when limit
// is zero.
type Remote interface {
	ListMessages(ctx context.Context, sessionID string, limit int) ([]opencode.Message, error)
}

// Config holds configuration for a Pager. Zero values take the package
// defaults; caps above the package maximums are lowered to them.
type Config struct {
	Remote Remote
	Logger *slog.Logger

	DefaultLimit           int
	MaxLimit               int
	DefaultMaxOutputTokens int
	MaxOutputTokens        int
}

// Pager serves pages of message history.
type Pager struct {
	remote        Remote
	logger        *slog.Logger
	defaultLimit  int
	maxLimit      int
	defaultTokens int
	maxTokens     int
}

// New creates a Pager.
func New(cfg Config) (*Pager, error) {
	if cfg.Remote == nil {
		return nil, errors.New("remote is required")
	}
	p := &Pager{
		remote:    cfg.Remote,
		logger:    cfg.Logger,
		maxLimit:  capOrDefault(cfg.MaxLimit, MaxLimit, MaxLimit),
		maxTokens: capOrDefault(cfg.MaxOutputTokens, MaxOutputTokens, MaxOutputTokens),
	}
	p.defaultLimit = capOrDefault(cfg.DefaultLimit, DefaultLimit, p.maxLimit)
	p.defaultTokens = capOrDefault(cfg.DefaultMaxOutputTokens, DefaultMaxOutputTokens, p.maxTokens)
	if p.logger == nil {
		p.logger = slog.Default()
	}
	return p, nil
}

func capOrDefault(v, def, limit int) int {
	if v <= 0 {
		v = def
	}
	return min(v, limit)
}

// PageRequest selects one page. Zero Limit and MaxOutputTokens take the
// configured defaults; an empty Cursor starts from the oldest message.
type PageRequest struct {
	SessionID       string
	Limit           int
	Cursor          string
	MaxOutputTokens int
	Fields          []string
}

// Page is returned to the caller of opencode_messages_page.
type Page struct {
	SessionID             string   `json:"session_id"`
	Items                 []any    `json:"items"`
	NextCursor            string   `json:"next_cursor,omitempty"`
	HasMore               bool     `json:"has_more"`
	ReturnedCount         int      `json:"returned_count"`
	EstimatedOutputTokens int      `json:"estimated_output_tokens"`
	MaxOutputTokens       int      `json:"max_output_tokens"`
	TruncatedByBudget     bool     `json:"truncated_by_budget"`
	BudgetUnsatisfiable   bool     `json:"budget_unsatisfiable,omitempty"`
	Fields                []string `json:"fields,omitempty"`
	MissingFields         []string `json:"missing_fields,omitempty"`
	Notice                string   `json:"notice,omitempty"`
}

// GetPage fetches the page starting at the cursor offset. The returned
// NextCursor always points just past the last item actually returned.
func (p *Pager) GetPage(ctx context.Context, req PageRequest) (*Page, error) {
	if req.SessionID == "" {
		return nil, errors.New("session id is required")
	}
	offset, err := asyncreq.DecodeCursor(req.Cursor)
	if err != nil {
		return nil, err
	}
	proj, err := parseFields(req.Fields)
	if err != nil {
		return nil, err
	}
	limit := capOrDefault(req.Limit, p.defaultLimit, p.maxLimit)
	budget := capOrDefault(req.MaxOutputTokens, p.defaultTokens, p.maxTokens)

	// One extra message tells whether anything lies beyond this page.
	window := offset + limit + 1
	msgs, err := p.remote.ListMessages(ctx, req.SessionID, window)
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	if len(msgs) >= window {
		// The remote answers with its newest messages. A full window may
		// start past the oldest one, so offsets need the whole history.
		msgs, err = p.remote.ListMessages(ctx, req.SessionID, 0)
		if err != nil {
			return nil, fmt.Errorf("listing message history: %w", err)
		}
	}

	var slice []opencode.Message
	if offset < len(msgs) {
		slice = msgs[offset:min(offset+limit, len(msgs))]
	}
	sourceHasMore := len(msgs) > offset+len(slice)

	decoded := make([]any, 0, len(slice))
	for i := range slice {
		raw, err := json.Marshal(slice[i])
		if err != nil {
			return nil, fmt.Errorf("encoding message %d: %w", offset+i, err)
		}
		v, err := decodeRaw(raw)
		if err != nil {
			return nil, fmt.Errorf("decoding message %d: %w", offset+i, err)
		}
		decoded = append(decoded, v)
	}

	projected := decoded
	page := &Page{SessionID: req.SessionID, MaxOutputTokens: budget}
	if proj != nil {
		projected = make([]any, len(decoded))
		for i, v := range decoded {
			projected[i] = proj.apply(v)
		}
		page.Fields = proj.paths
	}

	// Accumulate until the running estimate passes the budget, keeping at
	// least one item so every non-empty page makes progress.
	items := make([]any, 0, len(projected))
	for _, item := range projected {
		items = append(items, item)
		if estimateTokens(items) > budget {
			if len(items) > 1 {
				items = items[:len(items)-1]
			}
			break
		}
	}

	fill := func(n int) {
		page.Items = items[:n]
		page.ReturnedCount = n
		page.TruncatedByBudget = n < len(projected)
		page.HasMore = sourceHasMore || page.TruncatedByBudget
		page.NextCursor = ""
		if page.HasMore {
			page.NextCursor = asyncreq.EncodeCursor(offset + n)
		}
		// Missing paths describe only the items returned.
		page.MissingFields = nil
		if proj != nil && n > 0 {
			page.MissingFields = proj.missing(decoded[:n])
		}
	}
	fill(len(items))

	// The envelope carries metadata the item estimate does not see.
	n := len(items)
	for n > 0 && estimateTokens(page) > budget {
		n--
		fill(n)
	}
	if n == 0 && len(projected) > 0 {
		page.HasMore = true
		page.TruncatedByBudget = true
		page.BudgetUnsatisfiable = true
		page.NextCursor = asyncreq.EncodeCursor(offset)
		page.Notice = unsatisfiableNotice
	}
	page.EstimatedOutputTokens = estimateTokens(page)

	p.logger.Debug("served message page",
		"session_id", req.SessionID,
		"offset", offset,
		"returned", page.ReturnedCount,
		"estimated_tokens", page.EstimatedOutputTokens,
		"truncated", page.TruncatedByBudget,
	)
	if page.BudgetUnsatisfiable {
		p.logger.Warn("page budget unsatisfiable",
			"session_id", req.SessionID,
			"offset", offset,
			"max_output_tokens", budget,
		)
	}
	return page, nil
}

// estimateTokens approximates the token cost of v's JSON form at four
// characters per token.
func estimateTokens(v any) int {
	data, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return EstimateTextTokens(string(data))
}

// EstimateTextTokens returns ceil(characters / 4).
func EstimateTextTokens(s string) int {
	return (utf8.RuneCountInString(s) + 3) / 4
}
