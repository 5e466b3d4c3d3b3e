package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	strixerrors "github.com/TWN-Systems/strix/internal/errors"
	"github.com/TWN-Systems/strix/internal/logging"
	"github.com/TWN-Systems/strix/internal/telemetry"
	"github.com/TWN-Systems/strix/internal/tools"
)

// ParallelActionLimit bounds concurrent dispatch when one iteration yields
// several parallel-safe invocations.
const ParallelActionLimit = 4

// Outcome pairs an invocation with its result or error, in parse order.
type Outcome struct {
	Invocation tools.Invocation
	Result     any
	Err        error
}

// Client is the agent-side entry point for action execution. Sandboxed
// actions go over bearer-authenticated HTTP to the worker server; actions
// that do not need isolation run in process after the same gate and
// coercion steps.
type Client struct {
	handle   *Handle
	registry *tools.Registry
	tracer   *telemetry.Tracer
	metrics  *telemetry.Metrics
	http     *http.Client
	log      logging.Logger
}

// ClientOptions configures a Client. Tracer, Metrics, and Logger may be
// nil; HTTPTimeout zero falls back to the response-wait bound plus slack.
type ClientOptions struct {
	Tracer      *telemetry.Tracer
	Metrics     *telemetry.Metrics
	Logger      logging.Logger
	HTTPTimeout time.Duration
}

// NewClient builds a client bound to one sandbox handle.
func NewClient(handle *Handle, registry *tools.Registry, opts ClientOptions) *Client {
	timeout := opts.HTTPTimeout
	if timeout <= 0 {
		// The server holds /execute for up to the response-wait bound,
		// so the transport timeout must sit above it.
		timeout = DefaultResponseTimeout + 30*time.Second
	}
	return &Client{
		handle:   handle,
		registry: registry,
		tracer:   opts.Tracer,
		metrics:  opts.Metrics,
		http:     &http.Client{Timeout: timeout},
		log:      logging.OrNop(opts.Logger),
	}
}

// Register announces an agent and its role to the worker server so the
// server-side gate can enforce it.
func (c *Client) Register(ctx context.Context, agentID string, role tools.Role) error {
	body, err := json.Marshal(RegisterRequest{AgentID: agentID, Role: string(role)})
	if err != nil {
		return err
	}
	resp, err := c.post(ctx, "/register_agent", body)
	if err != nil {
		return fmt.Errorf("register agent %s: %w", agentID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &strixerrors.StatusError{Code: resp.StatusCode, Body: string(payload)}
	}
	return nil
}

// Execute runs one invocation for an agent. The role gate applies before
// any dispatch; denied or unknown actions never reach a worker. Action
// start and completion are traced on both paths.
func (c *Client) Execute(ctx context.Context, agentID string, role tools.Role, inv tools.Invocation) (any, error) {
	start := time.Now()
	c.emit(telemetry.EventActionStart, agentID, map[string]any{
		"action":    inv.Name,
		"arguments": telemetry.PreviewPayload(compactArgs(inv.Arguments)),
	})

	result, err := c.execute(ctx, agentID, role, inv)

	elapsed := time.Since(start)
	if err != nil {
		c.emit(telemetry.EventActionError, agentID, map[string]any{
			"action":      inv.Name,
			"error":       telemetry.PreviewPayload(err.Error()),
			"duration_ms": elapsed.Milliseconds(),
		})
		return nil, err
	}
	c.emit(telemetry.EventActionEnd, agentID, map[string]any{
		"action":      inv.Name,
		"result":      telemetry.PreviewPayload(previewResult(result)),
		"duration_ms": elapsed.Milliseconds(),
	})
	return result, nil
}

func (c *Client) execute(ctx context.Context, agentID string, role tools.Role, inv tools.Invocation) (any, error) {
	if err := c.registry.Permitted(role, inv.Name); err != nil {
		return nil, err
	}

	reg, err := c.registry.Get(inv.Name)
	if err != nil {
		return nil, err
	}
	if !reg.NeedsSandbox {
		return c.executeLocal(ctx, agentID, reg, inv)
	}
	return c.executeRemote(ctx, agentID, inv)
}

// executeLocal runs an action on the caller's goroutine. Coercion and
// panic containment match what the sandbox worker does for remote actions.
func (c *Client) executeLocal(ctx context.Context, agentID string, reg *tools.Registration, inv tools.Invocation) (result any, err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("action %q panicked for agent %s: %v", reg.Name, agentID, r)
			result = nil
			err = fmt.Errorf("action %q failed unexpectedly: %v", reg.Name, r)
		}
		status := "ok"
		if err != nil {
			status = "error"
		}
		c.metrics.ObserveAction(reg.Name, status, time.Since(start))
	}()

	coerced, err := reg.Coerce(inv.Arguments)
	if err != nil {
		return nil, err
	}
	return reg.Handler(tools.WithInvoker(ctx, agentID), coerced)
}

func (c *Client) executeRemote(ctx context.Context, agentID string, inv tools.Invocation) (any, error) {
	body, err := json.Marshal(ExecuteRequest{
		AgentID:    agentID,
		ActionName: inv.Name,
		Arguments:  inv.Arguments,
	})
	if err != nil {
		return nil, err
	}

	resp, err := c.post(ctx, "/execute", body)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, &strixerrors.SandboxTimeoutError{Action: inv.Name, Phase: "transport", Timeout: c.http.Timeout}
		}
		return nil, fmt.Errorf("sandbox transport: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("read sandbox response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &strixerrors.StatusError{Code: resp.StatusCode, Body: string(payload)}
	}

	var decoded ExecuteResponse
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return nil, fmt.Errorf("decode sandbox response: %w", err)
	}
	if decoded.Error != "" {
		return nil, fmt.Errorf("%s", decoded.Error)
	}
	return decoded.Result, nil
}

// ExecuteParallel fans invocations out with bounded concurrency and
// returns outcomes in the original order.
func (c *Client) ExecuteParallel(ctx context.Context, agentID string, role tools.Role, invs []tools.Invocation) []Outcome {
	outcomes := make([]Outcome, len(invs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ParallelActionLimit)
	for i, inv := range invs {
		g.Go(func() error {
			result, err := c.Execute(gctx, agentID, role, inv)
			outcomes[i] = Outcome{Invocation: inv, Result: result, Err: err}
			return nil
		})
	}
	g.Wait()
	return outcomes
}

func (c *Client) post(ctx context.Context, path string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+c.handle.Address+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.handle.Token)
	return c.http.Do(req)
}

func (c *Client) emit(kind, agentID string, data map[string]any) {
	if c.tracer == nil {
		return
	}
	c.tracer.Emit(kind, agentID, data)
}

func compactArgs(args map[string]string) string {
	if len(args) == 0 {
		return "{}"
	}
	encoded, err := json.Marshal(args)
	if err != nil {
		return fmt.Sprintf("%v", args)
	}
	return string(encoded)
}

func previewResult(result any) string {
	switch v := result.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(encoded)
	}
}
