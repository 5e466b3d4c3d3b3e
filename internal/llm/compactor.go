package llm

import (
	"fmt"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/TWN-Systems/strix/internal/logging"
	"github.com/TWN-Systems/strix/internal/tools"
)

// Compaction bounds.
const (
	DefaultPreserveRecent = 20
	DefaultTokenThreshold = 25000

	maxCacheMarkers    = 3
	baseMarkerInterval = 10
	digestLimit        = 80
)

// TokenCounter estimates the token count of a text.
type TokenCounter func(text string) int

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
)

// DefaultTokenCounter counts with the cl100k_base encoding, falling back to
// a chars/4 estimate when the encoding cannot be loaded.
func DefaultTokenCounter() TokenCounter {
	return func(text string) int {
		encodingOnce.Do(func() {
			enc, err := tiktoken.GetEncoding("cl100k_base")
			if err != nil {
				logging.NewComponentLogger("compactor").Warn(
					"cl100k_base unavailable, estimating tokens as chars/4: %v", err)
				return
			}
			encoding = enc
		})
		if encoding != nil {
			return len(encoding.Encode(text, nil, nil))
		}
		return len(text) / 4
	}
}

// Compactor bounds conversation size while preserving task context. The
// leading system prompt is never touched and the last preserveRecent
// messages stay verbatim; older content is collapsed.
type Compactor struct {
	preserveRecent int
	tokenThreshold int
	counter        TokenCounter
	logger         logging.Logger
}

// NewCompactor builds a compactor. Non-positive bounds and a nil counter
// fall back to the defaults.
func NewCompactor(preserveRecent, tokenThreshold int, counter TokenCounter) *Compactor {
	if preserveRecent <= 0 {
		preserveRecent = DefaultPreserveRecent
	}
	if tokenThreshold <= 0 {
		tokenThreshold = DefaultTokenThreshold
	}
	if counter == nil {
		counter = DefaultTokenCounter()
	}
	return &Compactor{
		preserveRecent: preserveRecent,
		tokenThreshold: tokenThreshold,
		counter:        counter,
		logger:         logging.NewComponentLogger("compactor"),
	}
}

// EstimateTokens estimates the prompt size of a conversation. The small
// per-message constant covers role and framing overhead.
func (c *Compactor) EstimateTokens(messages []Message) int {
	total := 0
	for _, m := range messages {
		total += c.counter(m.Content) + 4
	}
	return total
}

// Compact returns a bounded copy of the conversation with cache markers
// refreshed. Collapsing only happens past the size thresholds; markers are
// reapplied on every call so they stay evenly spaced as history grows.
func (c *Compactor) Compact(messages []Message) []Message {
	out := messages
	if c.shouldCompact(messages) {
		out = c.collapse(messages)
	}
	return applyCacheMarkers(out)
}

func (c *Compactor) shouldCompact(messages []Message) bool {
	if len(messages) > 2*c.preserveRecent {
		return true
	}
	return c.EstimateTokens(messages) > c.tokenThreshold
}

// collapse rewrites the middle of the conversation: consecutive successful
// observations become one summary naming their actions, assistant messages
// with no invocation and no error are dropped, everything else is kept.
// Error observations always survive verbatim.
func (c *Compactor) collapse(messages []Message) []Message {
	head := 0
	for head < len(messages) && messages[head].Role == RoleSystem {
		head++
	}
	tailStart := len(messages) - c.preserveRecent
	if tailStart < head {
		tailStart = head
	}

	out := make([]Message, 0, len(messages))
	out = append(out, messages[:head]...)

	var run []Message
	flush := func() {
		if len(run) == 0 {
			return
		}
		out = append(out, summarizeObservations(run))
		run = run[:0]
	}

	for _, m := range messages[head:tailStart] {
		switch {
		case m.Role == RoleToolObservation && !tools.IsErrorObservation(m.Content):
			run = append(run, m)
		case m.Role == RoleAssistant && !tools.ContainsInvocation(m.Content) && !tools.IsErrorObservation(m.Content):
			flush()
		default:
			flush()
			out = append(out, m)
		}
	}
	flush()

	out = append(out, messages[tailStart:]...)
	if dropped := len(messages) - len(out); dropped > 0 {
		c.logger.Debug("compacted conversation: %d -> %d messages", len(messages), len(out))
	}
	return out
}

// summarizeObservations folds a run of successful observations into one
// message carrying the action names and a digest of the last result.
func summarizeObservations(run []Message) Message {
	names := make([]string, 0, len(run))
	seen := make(map[string]bool, len(run))
	for _, m := range run {
		name := tools.ObservationName(m.Content)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		names = append(names, name)
	}
	label := "observations"
	if len(run) == 1 {
		label = "observation"
	}
	content := fmt.Sprintf("[compacted %d %s: %s] %s",
		len(run), label, strings.Join(names, ", "), digest(run[len(run)-1].Content))
	return ObservationMessage(content)
}

func digest(content string) string {
	flat := strings.Join(strings.Fields(content), " ")
	if len(flat) <= digestLimit {
		return flat
	}
	return flat[:digestLimit] + "..."
}

// applyCacheMarkers marks the system prompt and up to maxCacheMarkers
// evenly spaced non-system messages as cacheable. The interval grows with
// history length so the marker count never exceeds the cap.
func applyCacheMarkers(messages []Message) []Message {
	out := make([]Message, len(messages))
	copy(out, messages)

	nonSystem := 0
	for i := range out {
		out[i].CacheMarker = false
		if out[i].Role != RoleSystem {
			nonSystem++
		}
	}

	interval := baseMarkerInterval
	for nonSystem/interval > maxCacheMarkers {
		interval += baseMarkerInterval
	}

	seen := 0
	for i := range out {
		if out[i].Role == RoleSystem {
			out[i].CacheMarker = true
			continue
		}
		seen++
		if seen%interval == 0 {
			out[i].CacheMarker = true
		}
	}
	return out
}
