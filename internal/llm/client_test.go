package llm

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	strixerrors "github.com/TWN-Systems/strix/internal/errors"
)

// fakeTransport replays canned outcomes in order; the last outcome repeats
// once the script runs out. Requests are captured for inspection.
type fakeTransport struct {
	mu       sync.Mutex
	outcomes []fakeOutcome
	requests []Request
	streamed int
}

type fakeOutcome struct {
	content string
	usage   Usage
	err     error
}

func reply(content string) fakeOutcome { return fakeOutcome{content: content} }

func failWith(err error) fakeOutcome { return fakeOutcome{err: err} }

func (f *fakeTransport) next(req Request) (fakeOutcome, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	idx := len(f.requests) - 1
	if idx >= len(f.outcomes) {
		idx = len(f.outcomes) - 1
	}
	return f.outcomes[idx], len(f.requests)
}

func (f *fakeTransport) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func (f *fakeTransport) lastRequest() Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

func (f *fakeTransport) Complete(_ context.Context, req Request) (*Completion, error) {
	outcome, _ := f.next(req)
	if outcome.err != nil {
		return nil, outcome.err
	}
	return &Completion{Content: outcome.content, Model: req.Model, Usage: outcome.usage}, nil
}

func (f *fakeTransport) Stream(_ context.Context, req Request, onDelta func(string) bool) (*Completion, error) {
	outcome, _ := f.next(req)
	if outcome.err != nil {
		return nil, outcome.err
	}
	f.mu.Lock()
	f.streamed++
	f.mu.Unlock()

	// Feed the content in two chunks and honor early stop like a real
	// streaming transport: content past the stop point is discarded and no
	// usage chunk arrives.
	half := len(outcome.content) / 2
	total := outcome.content[:half]
	if !onDelta(total) {
		return &Completion{Content: total, Model: req.Model}, nil
	}
	total = outcome.content
	if !onDelta(total) {
		return &Completion{Content: total, Model: req.Model}, nil
	}
	return &Completion{Content: total, Model: req.Model, Usage: outcome.usage}, nil
}

func testClientOptions(tr Transport) Options {
	return Options{
		Models: map[string]ModelSettings{
			ModelRolePrimary: {Model: "test-primary", InputCostPer1M: 2, OutputCostPer1M: 8},
		},
		MaxConcurrent:      4,
		MinRequestInterval: time.Millisecond,
		Retry:              strixerrors.RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 4 * time.Millisecond},
		Breaker: strixerrors.CircuitBreakerConfig{
			FailureThreshold: 100,
			RecoveryTimeout:  time.Second,
			HalfOpenMaxCalls: 1,
		},
		TokenCounter:     func(s string) int { return len(s) },
		TransportFactory: func(ModelSettings) Transport { return tr },
	}
}

const finishResponse = "Scan complete.\n<function=finish>\n<parameter=success>true</parameter>\n</function>"

func conversation() []Message {
	return []Message{
		SystemMessage("You assess targets."),
		UserMessage("Assess https://example.test"),
	}
}

func TestGenerateParsesInvocations(t *testing.T) {
	t.Parallel()

	tr := &fakeTransport{outcomes: []fakeOutcome{reply(finishResponse)}}
	c := NewClient(testClientOptions(tr))

	resp, err := c.Generate(context.Background(), conversation(), GenerateOptions{AgentID: "agent_0a1b2c3d"})
	require.NoError(t, err)
	require.Len(t, resp.Invocations, 1)
	assert.Equal(t, "finish", resp.Invocations[0].Name)
	assert.Equal(t, "true", resp.Invocations[0].Arguments["success"])
	assert.Nil(t, resp.ParseErr)
	assert.False(t, resp.FromCache)
	assert.Equal(t, "test-primary", resp.Model)
}

func TestGenerateRetriesTransientFailures(t *testing.T) {
	t.Parallel()

	tr := &fakeTransport{outcomes: []fakeOutcome{
		failWith(&strixerrors.StatusError{Code: 429, Body: "slow down"}),
		failWith(&strixerrors.StatusError{Code: 503, Body: "overloaded"}),
		reply(finishResponse),
	}}
	c := NewClient(testClientOptions(tr))

	resp, err := c.Generate(context.Background(), conversation(), GenerateOptions{AgentID: "agent_0a1b2c3d"})
	require.NoError(t, err)
	require.Len(t, resp.Invocations, 1)
	assert.Equal(t, 3, tr.calls())

	// One logical request, two retries, no failure recorded on success.
	stats := c.Stats()
	assert.Equal(t, 1, stats.Requests)
	assert.Equal(t, 2, stats.Retries)
	assert.Equal(t, 0, stats.Failures)

	breaker := c.BreakerStats()
	assert.Equal(t, "closed", breaker.State)
	assert.EqualValues(t, 2, breaker.TotalFailures)
	assert.EqualValues(t, 1, breaker.TotalSuccesses)

	queue := c.QueueStats()
	assert.EqualValues(t, 1, queue.Total)
	assert.EqualValues(t, 2, queue.Retries)
}

func TestGenerateFailsAfterRetriesExhausted(t *testing.T) {
	t.Parallel()

	tr := &fakeTransport{outcomes: []fakeOutcome{
		failWith(&strixerrors.StatusError{Code: 429, Body: "slow down"}),
	}}
	opts := testClientOptions(tr)
	opts.Retry = strixerrors.RetryConfig{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
	c := NewClient(opts)

	_, err := c.Generate(context.Background(), conversation(), GenerateOptions{AgentID: "agent_0a1b2c3d"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max retries (2) exceeded")
	assert.Equal(t, 3, tr.calls())

	stats := c.Stats()
	assert.Equal(t, 1, stats.Requests)
	assert.Equal(t, 1, stats.Failures)
	assert.Equal(t, 2, stats.Retries)
}

func TestGeneratePermanentErrorSkipsRetry(t *testing.T) {
	t.Parallel()

	tr := &fakeTransport{outcomes: []fakeOutcome{
		failWith(&strixerrors.StatusError{Code: 401, Body: "bad key"}),
	}}
	c := NewClient(testClientOptions(tr))

	_, err := c.Generate(context.Background(), conversation(), GenerateOptions{AgentID: "agent_0a1b2c3d"})
	require.Error(t, err)
	assert.True(t, strixerrors.IsPermanent(err))
	assert.Equal(t, 1, tr.calls())

	stats := c.Stats()
	assert.Equal(t, 1, stats.Failures)
	assert.Equal(t, 0, stats.Retries)

	// Permanent failures never feed the breaker.
	assert.EqualValues(t, 0, c.BreakerStats().TotalFailures)
}

func TestBreakerOpensAfterConsecutiveFailuresAndRecovers(t *testing.T) {
	t.Parallel()

	tr := &fakeTransport{outcomes: []fakeOutcome{
		failWith(&strixerrors.StatusError{Code: 500, Body: "boom"}),
	}}
	opts := testClientOptions(tr)
	opts.Retry = strixerrors.RetryConfig{MaxAttempts: 0, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
	opts.Breaker = strixerrors.CircuitBreakerConfig{
		FailureThreshold: 3,
		RecoveryTimeout:  150 * time.Millisecond,
		HalfOpenMaxCalls: 1,
	}
	c := NewClient(opts)

	for i := 0; i < 3; i++ {
		_, err := c.Generate(context.Background(), conversation(), GenerateOptions{AgentID: "agent_0a1b2c3d"})
		require.Error(t, err)
	}
	assert.Equal(t, 3, tr.calls())
	assert.Equal(t, "open", c.BreakerStats().State)

	// An open breaker rejects without touching the transport.
	_, err := c.Generate(context.Background(), conversation(), GenerateOptions{AgentID: "agent_0a1b2c3d"})
	require.Error(t, err)
	assert.True(t, strixerrors.IsCircuitOpen(err))
	assert.Equal(t, 3, tr.calls())
	assert.GreaterOrEqual(t, c.BreakerStats().RejectedCalls, uint64(1))

	// After the recovery timeout a probe is admitted; success closes the
	// breaker again.
	time.Sleep(200 * time.Millisecond)
	tr.mu.Lock()
	tr.outcomes = []fakeOutcome{reply(finishResponse)}
	tr.requests = nil
	tr.mu.Unlock()

	resp, err := c.Generate(context.Background(), conversation(), GenerateOptions{AgentID: "agent_0a1b2c3d"})
	require.NoError(t, err)
	require.Len(t, resp.Invocations, 1)
	assert.Equal(t, "closed", c.BreakerStats().State)

	stats := c.Stats()
	assert.Equal(t, 5, stats.Requests)
	assert.Equal(t, 4, stats.Failures)
}

func TestGenerateCacheHitSkipsTransport(t *testing.T) {
	t.Parallel()

	tr := &fakeTransport{outcomes: []fakeOutcome{reply(finishResponse)}}
	opts := testClientOptions(tr)
	opts.CacheEnabled = true
	opts.CacheSize = 8
	opts.CacheTTL = time.Minute
	c := NewClient(opts)

	genOpts := GenerateOptions{AgentID: "agent_0a1b2c3d", AgentName: "scout"}
	first, err := c.Generate(context.Background(), conversation(), genOpts)
	require.NoError(t, err)
	assert.False(t, first.FromCache)

	second, err := c.Generate(context.Background(), conversation(), genOpts)
	require.NoError(t, err)
	assert.True(t, second.FromCache)
	assert.Equal(t, first.Content, second.Content)
	require.Len(t, second.Invocations, 1)
	assert.Equal(t, 1, tr.calls())

	stats := c.Stats()
	assert.Equal(t, 2, stats.Requests)
	assert.Equal(t, 1, stats.CacheHits)

	perAgent := c.AgentStats("agent_0a1b2c3d")
	assert.Equal(t, 2, perAgent.Requests)
	assert.Equal(t, 1, perAgent.CacheHits)
}

func TestGenerateInsertsIdentityAfterSystemHead(t *testing.T) {
	t.Parallel()

	tr := &fakeTransport{outcomes: []fakeOutcome{reply(finishResponse)}}
	c := NewClient(testClientOptions(tr))

	original := conversation()
	_, err := c.Generate(context.Background(), original, GenerateOptions{
		AgentID:   "agent_0a1b2c3d",
		AgentName: "scout",
	})
	require.NoError(t, err)

	sent := tr.lastRequest().Messages
	require.GreaterOrEqual(t, len(sent), 3)
	assert.Equal(t, RoleSystem, sent[0].Role)
	assert.Equal(t, RoleUser, sent[1].Role)
	assert.Contains(t, sent[1].Content, "<agent_identity>")
	assert.Contains(t, sent[1].Content, `You are agent "scout" (id: agent_0a1b2c3d)`)

	// The caller's conversation is never mutated.
	require.Len(t, original, 2)
	assert.NotContains(t, original[1].Content, "agent_identity")
}

func TestGenerateTruncatesAfterFirstInvocation(t *testing.T) {
	t.Parallel()

	content := "First step.\n" +
		"<function=think>\n<parameter=thought>probe the login form</parameter>\n</function>\n" +
		"Then I will also run this:\n" +
		"<function=terminal_execute>\n<parameter=command>rm -rf /</parameter>\n</function>"
	tr := &fakeTransport{outcomes: []fakeOutcome{reply(content)}}
	c := NewClient(testClientOptions(tr))

	resp, err := c.Generate(context.Background(), conversation(), GenerateOptions{AgentID: "agent_0a1b2c3d"})
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(resp.Content, "</function>"))
	assert.NotContains(t, resp.Content, "terminal_execute")
	require.Len(t, resp.Invocations, 1)
	assert.Equal(t, "think", resp.Invocations[0].Name)
}

func TestGenerateRestoresConsumedTerminator(t *testing.T) {
	t.Parallel()

	// A provider honoring the stop sequence returns the content without the
	// terminator it stopped on.
	content := "Thinking.\n<function=think>\n<parameter=thought>enumerate endpoints</parameter>\n"
	tr := &fakeTransport{outcomes: []fakeOutcome{reply(content)}}
	c := NewClient(testClientOptions(tr))

	resp, err := c.Generate(context.Background(), conversation(), GenerateOptions{AgentID: "agent_0a1b2c3d"})
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(resp.Content, "</function>"))
	require.Len(t, resp.Invocations, 1)
	assert.Equal(t, "enumerate endpoints", resp.Invocations[0].Arguments["thought"])
}

func TestGenerateToleratesMalformedInvocations(t *testing.T) {
	t.Parallel()

	tr := &fakeTransport{outcomes: []fakeOutcome{
		reply("Trying.\n<function=think>\n<parameter thought>oops</parameter>\n</function>"),
	}}
	c := NewClient(testClientOptions(tr))

	resp, err := c.Generate(context.Background(), conversation(), GenerateOptions{AgentID: "agent_0a1b2c3d"})
	require.NoError(t, err)
	assert.Nil(t, resp.Invocations)
	require.Error(t, resp.ParseErr)
	assert.Contains(t, resp.ParseErr.Error(), "malformed action invocation")
}

func TestGenerateStreamsWithEarlyStopAndEstimatesUsage(t *testing.T) {
	t.Parallel()

	tr := &fakeTransport{outcomes: []fakeOutcome{reply(finishResponse + "\ntrailing chatter")}}
	opts := testClientOptions(tr)
	opts.StreamingEnabled = true
	c := NewClient(opts)

	resp, err := c.Generate(context.Background(), conversation(), GenerateOptions{AgentID: "agent_0a1b2c3d"})
	require.NoError(t, err)
	assert.Equal(t, 1, tr.streamed)
	assert.True(t, strings.HasSuffix(resp.Content, "</function>"))
	require.Len(t, resp.Invocations, 1)

	// The early-stopped stream never delivered usage, so the client
	// estimates both sides and prices them.
	assert.Greater(t, resp.Usage.InputTokens, 0)
	assert.Greater(t, resp.Usage.OutputTokens, 0)
	assert.Greater(t, resp.Usage.Cost, 0.0)
}

func TestGenerateStreamingOptOutUsesComplete(t *testing.T) {
	t.Parallel()

	tr := &fakeTransport{outcomes: []fakeOutcome{reply(finishResponse)}}
	opts := testClientOptions(tr)
	opts.StreamingEnabled = true
	opts.StreamingOptOutPatterns = []string{"test-"}
	c := NewClient(opts)

	_, err := c.Generate(context.Background(), conversation(), GenerateOptions{AgentID: "agent_0a1b2c3d"})
	require.NoError(t, err)
	assert.Equal(t, 0, tr.streamed)
	assert.Equal(t, 1, tr.calls())
}

func TestGenerateNoModelConfigured(t *testing.T) {
	t.Parallel()

	tr := &fakeTransport{outcomes: []fakeOutcome{reply(finishResponse)}}
	opts := testClientOptions(tr)
	opts.Models = map[string]ModelSettings{}
	c := NewClient(opts)

	_, err := c.Generate(context.Background(), conversation(), GenerateOptions{AgentID: "agent_0a1b2c3d"})
	require.Error(t, err)
	assert.True(t, strixerrors.IsPermanent(err))
	assert.Equal(t, 0, tr.calls())
}

func TestGenerateResolvesModelRole(t *testing.T) {
	t.Parallel()

	tr := &fakeTransport{outcomes: []fakeOutcome{reply(finishResponse)}}
	opts := testClientOptions(tr)
	opts.Models[ModelRoleThinking] = ModelSettings{Model: "test-thinking"}
	c := NewClient(opts)

	resp, err := c.Generate(context.Background(), conversation(), GenerateOptions{
		AgentID:   "agent_0a1b2c3d",
		ModelRole: ModelRoleThinking,
	})
	require.NoError(t, err)
	assert.Equal(t, "test-thinking", resp.Model)
	assert.Equal(t, "test-thinking", tr.lastRequest().Model)

	// Unconfigured roles fall back to primary.
	resp, err = c.Generate(context.Background(), conversation(), GenerateOptions{
		AgentID:   "agent_0a1b2c3d",
		ModelRole: ModelRoleCoding,
	})
	require.NoError(t, err)
	assert.Equal(t, "test-primary", resp.Model)
}

func TestGenerateSendsStopSequence(t *testing.T) {
	t.Parallel()

	tr := &fakeTransport{outcomes: []fakeOutcome{reply(finishResponse)}}
	c := NewClient(testClientOptions(tr))

	_, err := c.Generate(context.Background(), conversation(), GenerateOptions{AgentID: "agent_0a1b2c3d"})
	require.NoError(t, err)
	assert.Equal(t, []string{"</function>"}, tr.lastRequest().StopSequences)
}

func TestGenerateUsageAndCostAccounting(t *testing.T) {
	t.Parallel()

	tr := &fakeTransport{outcomes: []fakeOutcome{
		{content: finishResponse, usage: Usage{InputTokens: 1000, OutputTokens: 500}},
	}}
	c := NewClient(testClientOptions(tr))

	resp, err := c.Generate(context.Background(), conversation(), GenerateOptions{AgentID: "agent_0a1b2c3d"})
	require.NoError(t, err)

	// 1000 input at $2/1M plus 500 output at $8/1M.
	assert.InDelta(t, 0.002+0.004, resp.Usage.Cost, 1e-9)

	stats := c.Stats()
	assert.Equal(t, 1000, stats.Usage.InputTokens)
	assert.Equal(t, 500, stats.Usage.OutputTokens)
	assert.InDelta(t, 0.006, stats.TotalCost, 1e-9)

	perAgent := c.AgentStats("agent_0a1b2c3d")
	assert.Equal(t, 1000, perAgent.Usage.InputTokens)
	assert.InDelta(t, 0.006, perAgent.TotalCost, 1e-9)
	assert.Equal(t, RequestStats{}, c.AgentStats("agent_unknown1"))
}
