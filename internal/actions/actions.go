// Package actions provides the built-in action catalog: the handlers agents
// invoke through the registry for shell, python, browser, search, files,
// HTTP requests, notes, progress, scripts, findings, and agent coordination.
// Each handler is a plain function over coerced arguments; isolation and
// role gating happen in the sandbox and registry layers, not here.
package actions

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/TWN-Systems/strix/internal/logging"
	"github.com/TWN-Systems/strix/internal/store"
	"github.com/TWN-Systems/strix/internal/telemetry"
	"github.com/TWN-Systems/strix/internal/tools"
)

// Coordinator is the slice of the agent arena the agents-module actions
// need: spawning children, routing messages, and rendering the tree.
// *agent.Manager satisfies it.
type Coordinator interface {
	SpawnAgent(ctx context.Context, parentID, name, task, role string) (string, error)
	SendMessage(fromID, toID, content string) error
	AgentGraph() string
}

// Deps carries everything the built-in handlers close over. Coordinator,
// Tracer, and the stores may be nil in partial wirings; handlers that need
// a missing dependency fail with a descriptive error instead of panicking.
type Deps struct {
	Coordinator Coordinator
	Notes       *store.NotesStore
	Progress    *store.ProgressStore
	Scripts     *store.ScriptsStore
	Tracer      *telemetry.Tracer
	Plan        *telemetry.RunPlan

	// WorkDir anchors relative paths for terminal, python, and file
	// actions. Empty means the process working directory.
	WorkDir string

	// SearchBaseURL overrides the web_search endpoint, mainly for tests.
	SearchBaseURL string

	// HTTPClient serves browser, web_search, and http_request. Nil gets a
	// client with a 30s timeout and a ten-redirect cap.
	HTTPClient *http.Client

	Logger logging.Logger
}

const defaultSearchBaseURL = "https://html.duckduckgo.com"

// RegisterAll installs the full built-in catalog into the registry. The
// caller freezes the registry afterwards.
func RegisterAll(reg *tools.Registry, deps Deps) error {
	if deps.HTTPClient == nil {
		deps.HTTPClient = &http.Client{
			Timeout: 30 * time.Second,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 10 {
					return fmt.Errorf("stopped after 10 redirects")
				}
				return nil
			},
		}
	}
	if deps.SearchBaseURL == "" {
		deps.SearchBaseURL = defaultSearchBaseURL
	}
	deps.Logger = logging.OrNop(deps.Logger)

	groups := [][]tools.Registration{
		lifecycleActions(),
		thinkingActions(),
		agentActions(deps),
		terminalActions(deps),
		pythonActions(deps),
		browserActions(deps),
		searchActions(deps),
		fileActions(deps),
		proxyActions(deps),
		notesActions(deps),
		progressActions(deps),
		planActions(deps),
		scriptActions(deps),
		reportingActions(deps),
	}
	for _, group := range groups {
		for _, registration := range group {
			if err := reg.Register(registration); err != nil {
				return err
			}
		}
	}
	return nil
}

// Handlers receive coerced values, so the unpack helpers only guard against
// declaration/handler drift and report it as a caller-visible error.

func stringArg(args map[string]any, name string) (string, error) {
	v, ok := args[name]
	if !ok {
		return "", fmt.Errorf("missing argument %q", name)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("argument %q must be a string", name)
	}
	return s, nil
}

func optionalString(args map[string]any, name string) string {
	s, _ := args[name].(string)
	return s
}

func optionalInt(args map[string]any, name string, fallback int) int {
	switch v := args[name].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return fallback
	}
}

func optionalBool(args map[string]any, name string, fallback bool) bool {
	if b, ok := args[name].(bool); ok {
		return b
	}
	return fallback
}

// stringList narrows a coerced JSON list to its string elements.
func stringList(args map[string]any, name string) []string {
	list, ok := args[name].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// stringMap narrows a coerced JSON object to its string-valued entries,
// stringifying scalars so `{"port": 8080}` still works as a parameter map.
func stringMap(args map[string]any, name string) map[string]string {
	obj, ok := args[name].(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(obj))
	for k, v := range obj {
		switch t := v.(type) {
		case string:
			out[k] = t
		case bool:
			out[k] = fmt.Sprintf("%t", t)
		case float64:
			out[k] = trimFloat(t)
		default:
			out[k] = fmt.Sprintf("%v", t)
		}
	}
	return out
}

func trimFloat(f float64) string {
	if f == float64(int64(f)) {
		return fmt.Sprintf("%d", int64(f))
	}
	return fmt.Sprintf("%g", f)
}
