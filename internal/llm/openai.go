package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	strixerrors "github.com/TWN-Systems/strix/internal/errors"
	"github.com/TWN-Systems/strix/internal/logging"
)

const defaultTransportTimeout = 600 * time.Second

// OpenAITransport speaks the OpenAI-compatible chat completions protocol.
// Errors come back classified so the retry envelope can branch without
// inspecting transport internals.
type OpenAITransport struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     logging.Logger
}

// NewOpenAITransport builds a transport for the given endpoint. The timeout
// bounds the whole exchange including streamed body reads.
func NewOpenAITransport(baseURL, apiKey string, timeout time.Duration) *OpenAITransport {
	if timeout <= 0 {
		timeout = defaultTransportTimeout
	}
	return &OpenAITransport{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logging.NewComponentLogger("thinker.transport"),
	}
}

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model         string         `json:"model"`
	Messages      []wireMessage  `json:"messages"`
	Temperature   *float64       `json:"temperature,omitempty"`
	MaxTokens     int            `json:"max_tokens,omitempty"`
	Stop          []string       `json:"stop,omitempty"`
	Stream        bool           `json:"stream,omitempty"`
	StreamOptions *streamOptions `json:"stream_options,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type wireUsage struct {
	PromptTokens        int `json:"prompt_tokens"`
	CompletionTokens    int `json:"completion_tokens"`
	TotalTokens         int `json:"total_tokens"`
	PromptTokensDetails *struct {
		CachedTokens int `json:"cached_tokens"`
	} `json:"prompt_tokens_details"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *wireUsage `json:"usage"`
}

type streamChunk struct {
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *wireUsage `json:"usage"`
}

// Complete sends a non-streaming request. A response with no choices yields
// an empty completion, not an error; the agent loop owns empty-response
// handling.
func (t *OpenAITransport) Complete(ctx context.Context, req Request) (*Completion, error) {
	httpReq, err := t.newRequest(ctx, req, false)
	if err != nil {
		return nil, err
	}

	resp, err := t.httpClient.Do(httpReq)
	if err != nil {
		return nil, strixerrors.Classify(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, t.statusError(resp)
	}

	var decoded chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, strixerrors.Classify(fmt.Errorf("decode response: %w", err))
	}

	completion := &Completion{
		Model: decoded.Model,
		Usage: usageFromWire(decoded.Usage),
	}
	if len(decoded.Choices) > 0 {
		completion.Content = decoded.Choices[0].Message.Content
		completion.StopReason = decoded.Choices[0].FinishReason
	}
	return completion, nil
}

// Stream sends a streaming request and accumulates SSE chunks. onDelta is
// called with the accumulated content after each chunk; returning false
// stops reading and the partial content becomes the result. Usage arrives
// in the final chunk, so an early stop leaves it zero for the caller to
// estimate.
func (t *OpenAITransport) Stream(ctx context.Context, req Request, onDelta func(total string) bool) (*Completion, error) {
	// Own cancel so an early stop tears the connection down.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	httpReq, err := t.newRequest(ctx, req, true)
	if err != nil {
		return nil, err
	}

	resp, err := t.httpClient.Do(httpReq)
	if err != nil {
		return nil, strixerrors.Classify(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, t.statusError(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)

	completion := &Completion{}
	var content strings.Builder
	stopped := false

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "[DONE]" {
			break
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			t.logger.Warn("skipping malformed stream chunk: %v", err)
			continue
		}

		if chunk.Model != "" {
			completion.Model = chunk.Model
		}
		if chunk.Usage != nil {
			completion.Usage = usageFromWire(chunk.Usage)
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		if choice.FinishReason != nil && *choice.FinishReason != "" {
			completion.StopReason = *choice.FinishReason
		}
		if choice.Delta.Content == "" {
			continue
		}
		content.WriteString(choice.Delta.Content)
		if onDelta != nil && !onDelta(content.String()) {
			stopped = true
			break
		}
	}

	if stopped {
		completion.StopReason = "early_stop"
	} else if err := scanner.Err(); err != nil {
		if content.Len() == 0 {
			return nil, strixerrors.Classify(err)
		}
		t.logger.Warn("stream ended early, keeping partial content: %v", err)
	}

	completion.Content = content.String()
	return completion, nil
}

func (t *OpenAITransport) newRequest(ctx context.Context, req Request, stream bool) (*http.Request, error) {
	payload := chatRequest{
		Model:       req.Model,
		Messages:    toWireMessages(req.Messages),
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Stop:        req.StopSequences,
		Stream:      stream,
	}
	if stream {
		payload.StreamOptions = &streamOptions{IncludeUsage: true}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if t.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+t.apiKey)
	}
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}
	return httpReq, nil
}

func (t *OpenAITransport) statusError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return strixerrors.Classify(&strixerrors.StatusError{
		Code: resp.StatusCode,
		Body: string(data),
	})
}

// toWireMessages maps the internal roles onto the protocol. Observations
// travel as user messages; cache markers never leave the process.
func toWireMessages(messages []Message) []wireMessage {
	wire := make([]wireMessage, len(messages))
	for i, m := range messages {
		role := m.Role
		if role == RoleToolObservation {
			role = RoleUser
		}
		wire[i] = wireMessage{Role: role, Content: m.Content}
	}
	return wire
}

func usageFromWire(u *wireUsage) Usage {
	if u == nil {
		return Usage{}
	}
	usage := Usage{
		InputTokens:  u.PromptTokens,
		OutputTokens: u.CompletionTokens,
	}
	if u.PromptTokensDetails != nil {
		usage.CachedTokens = u.PromptTokensDetails.CachedTokens
	}
	return usage
}
