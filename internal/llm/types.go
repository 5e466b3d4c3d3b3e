// Package llm implements the thinker client: the single path through which
// agents reach a reasoning model. A Generate call layers compaction,
// response caching, queue admission, a circuit breaker, retry with
// exponential backoff, and streaming with early stop on the invocation
// terminator. Usage and cost are accounted per request and per agent.
package llm

import (
	"context"
	"strings"
)

// Conversation roles. ToolObservation is internal; the transport maps it to
// a user-role message on the wire.
const (
	RoleSystem          = "system"
	RoleUser            = "user"
	RoleAssistant       = "assistant"
	RoleToolObservation = "tool_observation"
)

// Message is one entry of an agent conversation. CacheMarker flags entries
// eligible for provider-side prompt caching; it never travels on the wire
// for OpenAI-compatible backends.
type Message struct {
	Role        string `json:"role"`
	Content     string `json:"content"`
	CacheMarker bool   `json:"cache_marker,omitempty"`
}

// SystemMessage builds a system-role message.
func SystemMessage(content string) Message { return Message{Role: RoleSystem, Content: content} }

// UserMessage builds a user-role message.
func UserMessage(content string) Message { return Message{Role: RoleUser, Content: content} }

// AssistantMessage builds an assistant-role message.
func AssistantMessage(content string) Message {
	return Message{Role: RoleAssistant, Content: content}
}

// ObservationMessage builds a tool-observation message.
func ObservationMessage(content string) Message {
	return Message{Role: RoleToolObservation, Content: content}
}

// Usage reports token consumption and cost for one request or, summed, for
// an agent lifetime.
type Usage struct {
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	CachedTokens int     `json:"cached_tokens"`
	Cost         float64 `json:"cost"`
}

func (u *Usage) add(delta Usage) {
	u.InputTokens += delta.InputTokens
	u.OutputTokens += delta.OutputTokens
	u.CachedTokens += delta.CachedTokens
	u.Cost += delta.Cost
}

// Completion is the transport-level result of one model call.
type Completion struct {
	Content    string `json:"content"`
	StopReason string `json:"stop_reason,omitempty"`
	Model      string `json:"model,omitempty"`
	Usage      Usage  `json:"usage"`
}

// Request is the transport-level request shape.
type Request struct {
	Model         string
	Messages      []Message
	Temperature   *float64
	MaxTokens     int
	StopSequences []string
}

// Transport sends completion requests to a concrete backend. Stream invokes
// onDelta after each received chunk with the accumulated content; returning
// false stops the stream early and the partial content is kept.
type Transport interface {
	Complete(ctx context.Context, req Request) (*Completion, error)
	Stream(ctx context.Context, req Request, onDelta func(total string) bool) (*Completion, error)
}

// RequestStats accumulates thinker traffic for one agent or the whole run.
type RequestStats struct {
	Requests  int     `json:"requests"`
	Failures  int     `json:"failures"`
	Retries   int     `json:"retries"`
	CacheHits int     `json:"cache_hits"`
	Usage     Usage   `json:"usage"`
	TotalCost float64 `json:"total_cost"`
}

// ModelSettings binds a named role to a concrete model and endpoint.
// Prices are USD per million tokens.
type ModelSettings struct {
	Model           string
	APIBase         string
	APIKey          string
	Temperature     *float64
	Reasoning       bool
	InputCostPer1M  float64
	OutputCostPer1M float64
}

// CostOf prices a usage delta for this model. Cached input tokens are
// billed at the input rate like the rest of the prompt.
func (s ModelSettings) CostOf(u Usage) float64 {
	return float64(u.InputTokens)*s.InputCostPer1M/1e6 +
		float64(u.OutputTokens)*s.OutputCostPer1M/1e6
}

// matchesAny reports whether model matches one of the substring patterns.
// Used for streaming opt-out lists like ["o1", "o3"].
func matchesAny(model string, patterns []string) bool {
	for _, p := range patterns {
		if p != "" && strings.Contains(model, p) {
			return true
		}
	}
	return false
}
