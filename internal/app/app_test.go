package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TWN-Systems/strix/internal/agent"
	"github.com/TWN-Systems/strix/internal/config"
	strixerrors "github.com/TWN-Systems/strix/internal/errors"
	"github.com/TWN-Systems/strix/internal/llm"
	"github.com/TWN-Systems/strix/internal/logging"
	"github.com/TWN-Systems/strix/internal/telemetry"
)

// scriptStep produces one scripted thinker response. Steps receive the full
// request so they can react to agent ids embedded in the conversation.
type scriptStep func(req llm.Request) (string, error)

// say returns a step with a fixed response.
func say(content string) scriptStep {
	return func(llm.Request) (string, error) { return content, nil }
}

// failing returns a step that errors instead of responding.
func failing(err error) scriptStep {
	return func(llm.Request) (string, error) { return "", err }
}

var identityPattern = regexp.MustCompile(`You are agent "([^"]+)"`)

// scenarioTransport routes each request to a per-agent script, keyed by the
// name in the identity block the thinker injects. Exhausted scripts repeat
// their last step.
type scenarioTransport struct {
	mu      sync.Mutex
	scripts map[string][]scriptStep
	calls   map[string]int
}

func newScenarioTransport(scripts map[string][]scriptStep) *scenarioTransport {
	return &scenarioTransport{scripts: scripts, calls: make(map[string]int)}
}

func (t *scenarioTransport) Complete(_ context.Context, req llm.Request) (*llm.Completion, error) {
	var name string
	for _, msg := range req.Messages {
		if m := identityPattern.FindStringSubmatch(msg.Content); m != nil {
			name = m[1]
			break
		}
	}

	t.mu.Lock()
	script := t.scripts[name]
	if len(script) == 0 {
		t.mu.Unlock()
		return nil, fmt.Errorf("no script for agent %q", name)
	}
	idx := t.calls[name]
	t.calls[name]++
	if idx >= len(script) {
		idx = len(script) - 1
	}
	step := script[idx]
	t.mu.Unlock()

	content, err := step(req)
	if err != nil {
		return nil, err
	}
	return &llm.Completion{
		Content: content,
		Model:   req.Model,
		Usage:   llm.Usage{InputTokens: 50, OutputTokens: 25},
	}, nil
}

func (t *scenarioTransport) Stream(ctx context.Context, req llm.Request, _ func(string) bool) (*llm.Completion, error) {
	return t.Complete(ctx, req)
}

func (t *scenarioTransport) callCount(name string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls[name]
}

// action renders one invocation in the wire grammar from name and key/value
// argument pairs.
func action(name string, kv ...string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<function=%s>\n", name)
	for i := 0; i+1 < len(kv); i += 2 {
		fmt.Fprintf(&b, "<parameter=%s>%s</parameter>\n", kv[i], kv[i+1])
	}
	b.WriteString("</function>")
	return b.String()
}

func finishAction(result string) string {
	return "Task complete.\n" + action("finish", "success", "true", "final_result", result)
}

// testConfig shrinks the production defaults to test scale: no queue
// spacing worth mentioning, no streaming, no cache, a short wait guard, and
// a throwaway runs root.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Thinker.MinRequestIntervalSeconds = 0.001
	cfg.Thinker.StreamingEnabled = false
	cfg.Cache.Enabled = false
	cfg.Agent.MaxWaitSeconds = 10
	cfg.Runs.Root = t.TempDir()
	cfg.LLM.APIBase = "http://127.0.0.1:1/v1"
	cfg.LLM.APIKey = "test-key"
	return cfg
}

// newRuntime builds a runtime against a scripted transport. Retries default
// off so an unscripted failure surfaces immediately instead of backing off.
func newRuntime(t *testing.T, cfg *config.Config, transport llm.Transport, opts RunOptions) *Runtime {
	t.Helper()
	if cfg == nil {
		cfg = testConfig(t)
	}
	opts.Logger = logging.Nop()
	opts.TransportFactory = func(llm.ModelSettings) llm.Transport { return transport }
	if opts.RetryPolicy == nil {
		opts.RetryPolicy = &strixerrors.RetryConfig{MaxAttempts: 0, BaseDelay: time.Millisecond}
	}
	rt, err := Build(context.Background(), cfg, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close(context.Background()) })
	return rt
}

func TestBuildRequiresTarget(t *testing.T) {
	cfg := testConfig(t)
	_, err := Build(context.Background(), cfg, RunOptions{Logger: logging.Nop()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "target")

	_, err = Build(context.Background(), cfg, RunOptions{
		Targets: []string{"  ", ""},
		Logger:  logging.Nop(),
	})
	require.Error(t, err)
}

func TestRunRecordsFindingAndWritesReport(t *testing.T) {
	transport := newScenarioTransport(map[string][]scriptStep{
		"root": {
			say("Confirmed the injection, recording it.\n" + action("record_finding",
				"title", "Reflected XSS in search",
				"body", "The q parameter is echoed unescaped into the results page.",
				"severity", "high",
			)),
			say(finishAction("Assessment complete. One high severity issue was confirmed.")),
		},
	})

	cfg := testConfig(t)
	rt := newRuntime(t, cfg, transport, RunOptions{
		Targets: []string{"https://shop.example.com"},
		RunName: "xss-run",
	})

	outcome, err := rt.Run(context.Background())
	require.NoError(t, err)

	assert.True(t, outcome.Succeeded())
	assert.Equal(t, agent.StatusCompleted, outcome.Root.Status)
	assert.Contains(t, outcome.Root.FinalResult, "One high severity issue")
	assert.Equal(t, 2, outcome.Root.Iterations)
	assert.Equal(t, 1, outcome.Root.Findings)
	assert.Equal(t, 2, outcome.Stats.Requests)
	assert.Equal(t, filepath.Join(cfg.Runs.Root, "xss-run"), outcome.RunDir)
	assert.Contains(t, outcome.Graph, "root")

	require.Len(t, outcome.Findings, 1)
	finding := outcome.Findings[0]
	assert.Equal(t, "vuln-0001", finding.ID)
	assert.Equal(t, "high", finding.Severity)
	assert.Equal(t, "Reflected XSS in search", finding.Title)
	assert.Equal(t, "high", outcome.MaxSeverity())

	assert.Equal(t, 2, outcome.ExitCode(true))
	assert.Equal(t, 0, outcome.ExitCode(false))

	// Event stream brackets the run.
	events, _ := rt.Tracer().EventsSince(0)
	require.NotEmpty(t, events)
	assert.Equal(t, telemetry.EventScanStart, events[0].Kind)
	assert.Equal(t, telemetry.EventScanEnd, events[len(events)-1].Kind)
	assert.Equal(t, 1, rt.Tracer().CountKind(telemetry.EventVulnerabilityFound))
	assert.Equal(t, len(events), outcome.Events)

	// Artifacts land in the run directory.
	for _, name := range []string{"events.jsonl", "metadata.json", "run_state.json", "vulnerabilities.csv"} {
		info, err := os.Stat(filepath.Join(outcome.RunDir, name))
		require.NoError(t, err, name)
		assert.Greater(t, info.Size(), int64(0), name)
	}
	writeup, err := os.ReadFile(filepath.Join(outcome.RunDir, "vulnerabilities", "vuln-0001.md"))
	require.NoError(t, err)
	assert.Contains(t, string(writeup), "Reflected XSS in search")

	report, err := os.ReadFile(filepath.Join(outcome.RunDir, "penetration_test_report.md"))
	require.NoError(t, err)
	assert.Contains(t, string(report), "# Penetration Test Report: https://shop.example.com")
	assert.Contains(t, string(report), "| vuln-0001 | HIGH | Reflected XSS in search |")
	assert.Contains(t, string(report), "Assessment complete.")
}

func TestRunRetriesAfterTransientThinkerFailures(t *testing.T) {
	transport := newScenarioTransport(map[string][]scriptStep{
		"root": {
			failing(&strixerrors.StatusError{Code: 429, Body: "rate limited"}),
			failing(&strixerrors.StatusError{Code: 503, Body: "upstream busy"}),
			say(finishAction("Recovered after throttling and finished the sweep.")),
		},
	})

	rt := newRuntime(t, nil, transport, RunOptions{
		Targets: []string{"https://api.example.com"},
		RetryPolicy: &strixerrors.RetryConfig{
			MaxAttempts: 3,
			BaseDelay:   time.Millisecond,
			MaxDelay:    4 * time.Millisecond,
		},
	})

	outcome, err := rt.Run(context.Background())
	require.NoError(t, err)

	assert.True(t, outcome.Succeeded())
	// Both failures were absorbed inside one Generate call.
	assert.Equal(t, 1, outcome.Root.Iterations)
	assert.Equal(t, 3, transport.callCount("root"))
	assert.Equal(t, 1, outcome.Stats.Requests)
	assert.Equal(t, 2, outcome.Stats.Retries)
	assert.Equal(t, 0, outcome.Stats.Failures)
}

func TestAgentsCoordinateOverMessages(t *testing.T) {
	rootIDPattern := regexp.MustCompile(`You are agent "root" \(id: (agent_[0-9a-f]+)\)`)
	parentIDPattern := regexp.MustCompile(`parent agent (agent_[0-9a-f]+)`)

	transport := newScenarioTransport(map[string][]scriptStep{
		"root": {
			func(req llm.Request) (string, error) {
				var rootID string
				for _, msg := range req.Messages {
					if m := rootIDPattern.FindStringSubmatch(msg.Content); m != nil {
						rootID = m[1]
						break
					}
				}
				if rootID == "" {
					return "", fmt.Errorf("root identity missing from request")
				}
				task := "Enumerate the login endpoints of the target. " +
					"Report to parent agent " + rootID + " via send_to_agent, then finish."
				return "Splitting off reconnaissance.\n" +
					action("spawn_agent", "name", "recon", "task", task, "role", "reconnaissance") +
					"\n" + action("wait"), nil
			},
			func(req llm.Request) (string, error) {
				for _, msg := range req.Messages {
					if strings.Contains(msg.Content, "<agent_message from=") {
						return finishAction("Recon results received. Two login endpoints were mapped."), nil
					}
				}
				return "", fmt.Errorf("root resumed without the recon report")
			},
		},
		"recon": {
			func(req llm.Request) (string, error) {
				var parentID string
				for _, msg := range req.Messages {
					if m := parentIDPattern.FindStringSubmatch(msg.Content); m != nil {
						parentID = m[1]
						break
					}
				}
				if parentID == "" {
					return "", fmt.Errorf("parent id missing from recon task")
				}
				return "Sharing findings with the coordinator.\n" +
					action("send_to_agent",
						"agent_id", parentID,
						"message", "Recon complete: two login endpoints found.") +
					"\n" + finishAction("Recon complete."), nil
			},
		},
	})

	rt := newRuntime(t, nil, transport, RunOptions{Targets: []string{"https://portal.example.com"}})

	outcome, err := rt.Run(context.Background())
	require.NoError(t, err)

	assert.True(t, outcome.Succeeded())
	assert.Equal(t, 2, outcome.Root.Iterations)
	assert.Contains(t, outcome.Root.FinalResult, "Recon results received")

	require.Len(t, outcome.Agents, 2)
	byName := make(map[string]agent.Result, len(outcome.Agents))
	for _, res := range outcome.Agents {
		byName[res.Name] = res
	}
	require.Contains(t, byName, "recon")
	assert.Equal(t, agent.StatusCompleted, byName["recon"].Status)
	assert.Equal(t, agent.StatusCompleted, byName["root"].Status)

	assert.Equal(t, 2, rt.Tracer().CountKind(telemetry.EventAgentCreated))
	assert.Equal(t, 1, rt.Tracer().CountKind(telemetry.EventMessageSent))
	assert.Equal(t, 1, rt.Tracer().CountKind(telemetry.EventMessageReceived))

	// The graph shows the child nested under the root.
	assert.Contains(t, outcome.Graph, "- root (")
	assert.Contains(t, outcome.Graph, "\n  - recon (")

	assert.Equal(t, 2, transport.callCount("root"))
	assert.Equal(t, 1, transport.callCount("recon"))
}

func TestLoopingAgentGetsReconciliationCheckpoint(t *testing.T) {
	// Identical responses over 100 characters long, so the loop detector has
	// a stable prefix to match on.
	spin := say("I keep reviewing the same authentication handler and have not produced any new evidence since my last pass.\n" +
		action("think", "thought", "The session check still looks correct."))

	transport := newScenarioTransport(map[string][]scriptStep{
		"root": {
			spin, spin, spin, spin, spin, spin,
			say(finishAction("Moved on after the checkpoint and closed out the review.")),
		},
	})

	rt := newRuntime(t, nil, transport, RunOptions{Targets: []string{"https://auth.example.com"}})

	outcome, err := rt.Run(context.Background())
	require.NoError(t, err)

	assert.True(t, outcome.Succeeded())
	assert.Equal(t, 7, outcome.Root.Iterations)
	assert.Equal(t, 7, transport.callCount("root"))

	// The window shifts after each injected checkpoint, so six identical
	// turns trip the detector exactly twice.
	checkpoints := 0
	events, _ := rt.Tracer().EventsSince(0)
	for _, ev := range events {
		if ev.Kind != telemetry.EventAgentStateTransition {
			continue
		}
		if reason, _ := ev.Data["reason"].(string); reason == "reconciliation checkpoint" {
			checkpoints++
		}
	}
	assert.Equal(t, 2, checkpoints)
}

func TestRunDirectoryIsResumableAfterCrash(t *testing.T) {
	cfg := testConfig(t)

	first := newScenarioTransport(map[string][]scriptStep{
		"root": {
			say("Recording the weak TLS configuration.\n" + action("record_finding",
				"title", "TLS 1.0 accepted",
				"body", "The server still negotiates TLS 1.0 with legacy clients.",
				"severity", "medium",
			)),
			say(finishAction("First pass complete.")),
		},
	})
	rt1 := newRuntime(t, cfg, first, RunOptions{
		Targets: []string{"https://api.example.com"},
		RunName: "resumable-run",
	})
	out1, err := rt1.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, out1.Findings, 1)
	assert.Equal(t, "vuln-0001", out1.Findings[0].ID)

	// No Close: the second Build reopens the run directory the way a
	// restarted process would after a crash.
	second := newScenarioTransport(map[string][]scriptStep{
		"root": {
			say("Recording the cookie flag issue.\n" + action("record_finding",
				"title", "Session cookie missing HttpOnly",
				"body", "The session cookie is readable from injected script.",
				"severity", "low",
			)),
			say(finishAction("Second pass complete.")),
		},
	})
	rt2 := newRuntime(t, cfg, second, RunOptions{
		Targets: []string{"https://api.example.com"},
		RunName: "resumable-run",
	})
	require.Equal(t, rt1.RunDir(), rt2.RunDir())

	out2, err := rt2.Run(context.Background())
	require.NoError(t, err)

	// Finding ids keep counting across the restart instead of reusing
	// vuln-0001.
	require.Len(t, out2.Findings, 2)
	assert.Equal(t, "vuln-0001", out2.Findings[0].ID)
	assert.Equal(t, "vuln-0002", out2.Findings[1].ID)

	// Replayed events stay visible and ids stay monotonic.
	assert.Greater(t, out2.Events, out1.Events)
	assert.Equal(t, 2, rt2.Tracer().CountKind(telemetry.EventScanStart))
	events, _ := rt2.Tracer().EventsSince(0)
	for i := 1; i < len(events); i++ {
		assert.Greater(t, events[i].EventID, events[i-1].EventID)
	}

	index, err := os.ReadFile(filepath.Join(rt2.RunDir(), "vulnerabilities.csv"))
	require.NoError(t, err)
	assert.Contains(t, string(index), "vuln-0001")
	assert.Contains(t, string(index), "vuln-0002")
}

func TestMonitorServesRunState(t *testing.T) {
	transport := newScenarioTransport(map[string][]scriptStep{
		"root": {say(finishAction("Nothing to scan."))},
	})

	cfg := testConfig(t)
	rt := newRuntime(t, cfg, transport, RunOptions{
		Targets:     []string{"https://static.example.com"},
		RunName:     "monitored-run",
		MonitorAddr: "127.0.0.1:0",
	})
	require.NotEmpty(t, rt.MonitorAddr())

	resp, err := http.Get("http://" + rt.MonitorAddr() + "/api/state")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var state struct {
		RunName  string `json:"run_name"`
		Target   string `json:"target"`
		Complete bool   `json:"complete"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&state))
	assert.Equal(t, "monitored-run", state.RunName)
	assert.Equal(t, "https://static.example.com", state.Target)
	assert.False(t, state.Complete)

	outcome, err := rt.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, outcome.Succeeded())

	resp2, err := http.Get("http://" + rt.MonitorAddr() + "/api/state")
	require.NoError(t, err)
	defer resp2.Body.Close()
	var after struct {
		Complete   bool `json:"complete"`
		EventCount int  `json:"event_count"`
	}
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&after))
	assert.True(t, after.Complete)
	assert.Greater(t, after.EventCount, 0)
}
