package llm

import (
	"context"
	"math"
	"strings"
	"sync"
	"time"

	strixerrors "github.com/TWN-Systems/strix/internal/errors"
	"github.com/TWN-Systems/strix/internal/logging"
	"github.com/TWN-Systems/strix/internal/telemetry"
	"github.com/TWN-Systems/strix/internal/tools"
)

// Options configures a Client. Unset bounds fall back to the package
// defaults; MinRequestInterval zero disables spacing outright.
type Options struct {
	Models map[string]ModelSettings

	MaxConcurrent      int64
	MinRequestInterval time.Duration
	Timeout            time.Duration

	StreamingEnabled        bool
	StreamingOptOutPatterns []string

	CacheEnabled bool
	CacheSize    int
	CacheTTL     time.Duration

	Breaker strixerrors.CircuitBreakerConfig
	Retry   strixerrors.RetryConfig

	PreserveRecent int
	TokenThreshold int
	TokenCounter   TokenCounter

	Tracer  *telemetry.Tracer
	Metrics *telemetry.Metrics

	// TransportFactory overrides the OpenAI transport, keyed by settings.
	// Tests inject scripted transports here.
	TransportFactory func(ModelSettings) Transport
}

// GenerateOptions identifies the calling agent and selects the model role.
type GenerateOptions struct {
	AgentID   string
	AgentName string
	ModelRole string
}

// Response is the client-level result of one Generate call. Invocations are
// parsed tolerantly: malformed content yields nil invocations plus the
// parse error, never a failed call.
type Response struct {
	Content     string
	Invocations []tools.Invocation
	ParseErr    error
	Usage       Usage
	Model       string
	FromCache   bool
	DurationMS  float64
}

// Client is the thinker client. One instance serves every agent in a run;
// the cache, queue, breaker and usage ledger are shared.
type Client struct {
	table     *RoleTable
	cache     *ResponseCache
	queue     *RequestQueue
	breaker   *strixerrors.CircuitBreaker
	retry     strixerrors.RetryConfig
	compactor *Compactor
	counter   TokenCounter

	streaming bool
	optOut    []string
	timeout   time.Duration
	factory   func(ModelSettings) Transport

	tracer  *telemetry.Tracer
	metrics *telemetry.Metrics
	logger  logging.Logger

	transportMu sync.Mutex
	transports  map[string]Transport

	statsMu    sync.Mutex
	global     RequestStats
	agentStats map[string]*RequestStats
}

// NewClient builds a thinker client from options.
func NewClient(opts Options) *Client {
	retry := opts.Retry
	if retry.MaxAttempts == 0 && retry.BaseDelay == 0 {
		retry = strixerrors.DefaultRetryConfig()
	}
	counter := opts.TokenCounter
	if counter == nil {
		counter = DefaultTokenCounter()
	}
	factory := opts.TransportFactory
	timeout := opts.Timeout
	if factory == nil {
		factory = func(settings ModelSettings) Transport {
			return NewOpenAITransport(settings.APIBase, settings.APIKey, timeout)
		}
	}

	return &Client{
		table:      NewRoleTable(opts.Models),
		cache:      NewResponseCache(opts.CacheSize, opts.CacheTTL, opts.CacheEnabled),
		queue:      NewRequestQueue(opts.MaxConcurrent, opts.MinRequestInterval),
		breaker:    strixerrors.NewCircuitBreaker("thinker", opts.Breaker),
		retry:      retry,
		compactor:  NewCompactor(opts.PreserveRecent, opts.TokenThreshold, counter),
		counter:    counter,
		streaming:  opts.StreamingEnabled,
		optOut:     opts.StreamingOptOutPatterns,
		timeout:    timeout,
		factory:    factory,
		tracer:     opts.Tracer,
		metrics:    opts.Metrics,
		logger:     logging.NewComponentLogger("thinker"),
		transports: make(map[string]Transport),
		agentStats: make(map[string]*RequestStats),
	}
}

// Generate runs the full thinker pipeline for one conversation: identity
// block, compaction, cache probe, queue admission, breaker guard, retry
// envelope, streaming with early stop, terminator truncation, usage
// accounting, cache store.
func (c *Client) Generate(ctx context.Context, conversation []Message, opts GenerateOptions) (*Response, error) {
	role := opts.ModelRole
	if role == "" {
		role = ModelRolePrimary
	}
	settings := c.table.Resolve(role)
	if settings.Model == "" {
		return nil, strixerrors.NewPermanentError(nil, strixerrors.ReasonInvalid,
			"no model configured for role "+role)
	}

	msgs := withIdentity(conversation, opts)
	msgs = c.compactor.Compact(msgs)

	start := time.Now()
	c.emit(telemetry.EventThinkerRequest, opts.AgentID, map[string]any{
		"model":         settings.Model,
		"message_count": len(msgs),
	})

	key := Fingerprint(settings.Model, msgs)
	if cached, ok := c.cache.Get(key); ok {
		c.metrics.ObserveCacheEvent("hit")
		c.metrics.ObserveThinkerRequest(settings.Model, "cache_hit")
		c.recordHit(opts.AgentID)
		return c.finish(opts, settings, &cached, true, start, len(msgs)), nil
	}
	c.metrics.ObserveCacheEvent("miss")

	var completion *Completion
	err := c.queue.Do(ctx, func(ctx context.Context) error {
		result, err := strixerrors.RetryWithResult(ctx, c.retry, func(ctx context.Context) (*Completion, error) {
			return c.attempt(ctx, settings, msgs)
		}, func(attempt int, err error) {
			c.queue.RecordRetry()
			c.metrics.IncThinkerRetry()
			c.recordRetry(opts.AgentID)
			c.logger.Warn("thinker retry %d for agent %s: %v", attempt, opts.AgentID, err)
		})
		if err != nil {
			return err
		}
		completion = result
		return nil
	})
	c.metrics.SetBreakerState(float64(c.breaker.State()))

	if err != nil {
		c.metrics.ObserveThinkerRequest(settings.Model, "error")
		c.recordFailure(opts.AgentID)
		c.emit(telemetry.EventThinkerError, opts.AgentID, map[string]any{
			"model":          settings.Model,
			"error":          err.Error(),
			"classification": classification(err),
		})
		return nil, err
	}

	completion.Content = ensureTerminator(completion.Content)
	completion.Content = tools.TruncateAtInvocationEnd(completion.Content)
	if completion.Model == "" {
		completion.Model = settings.Model
	}
	if completion.Usage.InputTokens == 0 && completion.Usage.OutputTokens == 0 {
		// Early-stopped streams never deliver the usage chunk.
		completion.Usage.InputTokens = c.compactor.EstimateTokens(msgs)
		completion.Usage.OutputTokens = c.counter(completion.Content)
	}
	completion.Usage.Cost = settings.CostOf(completion.Usage)

	c.metrics.ObserveThinkerRequest(settings.Model, "ok")
	c.recordSuccess(opts.AgentID, completion.Usage)
	c.cache.Put(key, *completion)

	return c.finish(opts, settings, completion, false, start, len(msgs)), nil
}

// attempt is one guarded transport call inside the retry envelope. Only
// transient failures feed the breaker; an open breaker fails the envelope
// immediately because CircuitOpenError is not retryable.
func (c *Client) attempt(ctx context.Context, settings ModelSettings, msgs []Message) (*Completion, error) {
	if err := c.breaker.Allow(); err != nil {
		return nil, err
	}

	completion, err := c.send(ctx, settings, msgs)
	if err != nil {
		classified := strixerrors.Classify(err)
		if strixerrors.IsTransient(classified) {
			c.breaker.RecordFailure()
		}
		return nil, classified
	}
	c.breaker.RecordSuccess()
	return completion, nil
}

func (c *Client) send(ctx context.Context, settings ModelSettings, msgs []Message) (*Completion, error) {
	req := Request{
		Model:         settings.Model,
		Messages:      msgs,
		Temperature:   settings.Temperature,
		StopSequences: []string{tools.EndSentinel()},
	}
	transport := c.transportFor(settings)

	if c.streaming && !matchesAny(settings.Model, c.optOut) {
		sentinel := tools.EndSentinel()
		return transport.Stream(ctx, req, func(total string) bool {
			return !strings.Contains(total, sentinel)
		})
	}
	return transport.Complete(ctx, req)
}

func (c *Client) transportFor(settings ModelSettings) Transport {
	key := settings.APIBase + "\x00" + settings.APIKey
	c.transportMu.Lock()
	defer c.transportMu.Unlock()
	if t, ok := c.transports[key]; ok {
		return t
	}
	t := c.factory(settings)
	c.transports[key] = t
	return t
}

// finish assembles the Response, parses invocations tolerantly, emits the
// response event and saves the exchange artifact.
func (c *Client) finish(opts GenerateOptions, settings ModelSettings, completion *Completion, fromCache bool, start time.Time, messageCount int) *Response {
	durationMS := math.Round(float64(time.Since(start).Microseconds())/100) / 10

	invocations, parseErr := tools.Parse(completion.Content)
	if parseErr != nil {
		invocations = nil
	}

	resp := &Response{
		Content:     completion.Content,
		Invocations: invocations,
		ParseErr:    parseErr,
		Usage:       completion.Usage,
		Model:       completion.Model,
		FromCache:   fromCache,
		DurationMS:  durationMS,
	}

	c.emit(telemetry.EventThinkerResponse, opts.AgentID, map[string]any{
		"model":         resp.Model,
		"duration_ms":   durationMS,
		"input_tokens":  resp.Usage.InputTokens,
		"output_tokens": resp.Usage.OutputTokens,
		"cached_tokens": resp.Usage.CachedTokens,
		"cost":          math.Round(resp.Usage.Cost*1e6) / 1e6,
		"from_cache":    fromCache,
	})

	if c.tracer != nil {
		if _, err := c.tracer.SaveThinkerArtifact(telemetry.ThinkerArtifact{
			AgentID:      opts.AgentID,
			Model:        resp.Model,
			RequestedAt:  start.UTC().Format(time.RFC3339),
			MessageCount: messageCount,
			Response:     completion.Content,
			Usage: map[string]any{
				"input_tokens":  resp.Usage.InputTokens,
				"output_tokens": resp.Usage.OutputTokens,
				"cached_tokens": resp.Usage.CachedTokens,
				"cost":          resp.Usage.Cost,
			},
			FromCache: fromCache,
		}); err != nil {
			c.logger.Warn("failed to save thinker artifact: %v", err)
		}
	}
	return resp
}

// withIdentity inserts the ephemeral identity block after the system prompt
// without mutating the caller's slice.
func withIdentity(conversation []Message, opts GenerateOptions) []Message {
	if opts.AgentName == "" && opts.AgentID == "" {
		out := make([]Message, len(conversation))
		copy(out, conversation)
		return out
	}

	head := 0
	for head < len(conversation) && conversation[head].Role == RoleSystem {
		head++
	}

	out := make([]Message, 0, len(conversation)+1)
	out = append(out, conversation[:head]...)
	out = append(out, UserMessage(identityBlock(opts)))
	out = append(out, conversation[head:]...)
	return out
}

func identityBlock(opts GenerateOptions) string {
	var b strings.Builder
	b.WriteString("<agent_identity>\n")
	name := opts.AgentName
	if name == "" {
		name = "agent"
	}
	b.WriteString("You are agent \"" + name + "\"")
	if opts.AgentID != "" {
		b.WriteString(" (id: " + opts.AgentID + ")")
	}
	b.WriteString(".\nStay within your assigned scope and report results to your parent.\n")
	b.WriteString("</agent_identity>")
	return b.String()
}

// ensureTerminator re-appends the invocation terminator when the provider
// consumed it as a stop sequence, keeping the content parseable.
func ensureTerminator(content string) string {
	if tools.ContainsInvocation(content) && !strings.Contains(content, tools.EndSentinel()) {
		return content + tools.EndSentinel()
	}
	return content
}

func classification(err error) string {
	switch {
	case strixerrors.IsCircuitOpen(err):
		return "circuit_open"
	case strixerrors.IsTransient(err):
		return "transient"
	case strixerrors.IsPermanent(err):
		return "permanent"
	default:
		return "unknown"
	}
}

func (c *Client) emit(kind, agentID string, data map[string]any) {
	if c.tracer == nil {
		return
	}
	c.tracer.Emit(kind, agentID, data)
}

// Stats returns the run-wide usage totals.
func (c *Client) Stats() RequestStats {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	return c.global
}

// AgentStats returns the running totals for one agent.
func (c *Client) AgentStats(agentID string) RequestStats {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	if s, ok := c.agentStats[agentID]; ok {
		return *s
	}
	return RequestStats{}
}

// Compact applies the client's compactor to a conversation. Agent loops
// use it to rewrite their stored history in place; Generate compacts its
// own request copy either way, so the two stay consistent.
func (c *Client) Compact(msgs []Message) []Message { return c.compactor.Compact(msgs) }

// CacheStats exposes response-cache counters.
func (c *Client) CacheStats() CacheStats { return c.cache.Stats() }

// QueueStats exposes request-queue counters.
func (c *Client) QueueStats() QueueStats { return c.queue.Stats() }

// BreakerStats exposes circuit-breaker counters.
func (c *Client) BreakerStats() strixerrors.CircuitBreakerStats { return c.breaker.Stats() }

func (c *Client) agentEntry(agentID string) *RequestStats {
	if s, ok := c.agentStats[agentID]; ok {
		return s
	}
	s := &RequestStats{}
	c.agentStats[agentID] = s
	return s
}

// recordHit counts a cache hit as a single logical request with no tokens
// or cost attached.
func (c *Client) recordHit(agentID string) {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	c.global.Requests++
	c.global.CacheHits++
	entry := c.agentEntry(agentID)
	entry.Requests++
	entry.CacheHits++
}

func (c *Client) recordSuccess(agentID string, usage Usage) {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	for _, s := range []*RequestStats{&c.global, c.agentEntry(agentID)} {
		s.Requests++
		s.Usage.add(usage)
		s.TotalCost += usage.Cost
	}
	c.metrics.AddTokens("input", usage.InputTokens)
	c.metrics.AddTokens("output", usage.OutputTokens)
	c.metrics.AddTokens("cached", usage.CachedTokens)
}

func (c *Client) recordFailure(agentID string) {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	c.global.Requests++
	c.global.Failures++
	entry := c.agentEntry(agentID)
	entry.Requests++
	entry.Failures++
}

func (c *Client) recordRetry(agentID string) {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	c.global.Retries++
	c.agentEntry(agentID).Retries++
}
