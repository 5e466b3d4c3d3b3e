// Package app assembles and drives one scan run: it turns configuration
// into a wired runtime (tracer, thinker, sandbox, stores, action registry,
// agent arena, optional monitor server) and orchestrates the run from
// scan_start to the final report.
package app

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/TWN-Systems/strix/internal/actions"
	"github.com/TWN-Systems/strix/internal/agent"
	"github.com/TWN-Systems/strix/internal/config"
	strixerrors "github.com/TWN-Systems/strix/internal/errors"
	"github.com/TWN-Systems/strix/internal/llm"
	"github.com/TWN-Systems/strix/internal/logging"
	"github.com/TWN-Systems/strix/internal/sandbox"
	"github.com/TWN-Systems/strix/internal/server"
	"github.com/TWN-Systems/strix/internal/store"
	"github.com/TWN-Systems/strix/internal/telemetry"
	"github.com/TWN-Systems/strix/internal/tools"
)

// RunOptions describes one scan the caller wants executed.
type RunOptions struct {
	// Targets are what to assess: URLs, addresses, repositories, or local
	// paths. At least one is required.
	Targets []string

	// Instructions are appended to the root task verbatim.
	Instructions string

	// RunName names the run directory under runs.root. Derived from the
	// target when empty.
	RunName string

	// Role of the root agent. Defaults to full_access.
	Role string

	// MaxIterations overrides agent.max_iterations for this run when > 0.
	MaxIterations int

	// MonitorAddr, when non-empty, starts the read-only monitor server on
	// that address (for example "127.0.0.1:9011").
	MonitorAddr string

	// SystemPrompt replaces the built-in agent prompt when non-empty.
	SystemPrompt string

	Logger logging.Logger

	// TransportFactory overrides the thinker transport; tests inject
	// scripted backends here.
	TransportFactory func(llm.ModelSettings) llm.Transport

	// RetryPolicy overrides the thinker retry envelope; tests shrink the
	// backoff to keep scenarios fast.
	RetryPolicy *strixerrors.RetryConfig
}

// Runtime is one fully wired scan run. Build it, Run it, Close it.
type Runtime struct {
	cfg  *config.Config
	opts RunOptions
	log  logging.Logger

	runID         string
	runName       string
	runDir        string
	workspace     string
	started       time.Time
	complete      atomic.Bool
	maxIterations int

	tracer      *telemetry.Tracer
	metrics     *telemetry.Metrics
	registry    *tools.Registry
	thinker     *llm.Client
	provisioner *sandbox.LocalProvisioner
	handle      *sandbox.Handle
	actions     *sandbox.Client
	manager     *agent.Manager
	plan        *telemetry.RunPlan
	notes       *store.NotesStore
	progress    *store.ProgressStore
	scripts     *store.ScriptsStore

	monitor     *server.Server
	monitorAddr string
}

// Build wires a runtime for the given options: run directory and tracer,
// stores, sandbox worker, thinker client, agent arena, action registry, and
// the optional monitor server. Nothing agent-visible runs yet; Run starts
// the scan.
func Build(ctx context.Context, cfg *config.Config, opts RunOptions) (*Runtime, error) {
	targets := opts.Targets[:0:0]
	for _, t := range opts.Targets {
		if t = strings.TrimSpace(t); t != "" {
			targets = append(targets, t)
		}
	}
	if len(targets) == 0 {
		return nil, fmt.Errorf("at least one scan target is required")
	}
	opts.Targets = targets
	if cfg == nil {
		cfg = config.Default()
	}
	log := opts.Logger
	if log == nil {
		log = logging.NewComponentLogger("runtime")
	}

	runName := strings.TrimSpace(opts.RunName)
	if runName == "" {
		runName = deriveRunName(targets[0])
	}

	rt := &Runtime{
		cfg:     cfg,
		opts:    opts,
		log:     log,
		runID:   uuid.NewString(),
		runName: runName,
		runDir:  filepath.Join(cfg.Runs.Root, runName),
		started: time.Now().UTC(),
	}

	tracer, err := telemetry.NewTracer(rt.runDir)
	if err != nil {
		return nil, err
	}
	rt.tracer = tracer
	rt.metrics = telemetry.DefaultMetrics()
	tracer.SetMetrics(rt.metrics)

	rt.plan = telemetry.NewRunPlan(rt.runDir)
	if _, err := os.Stat(filepath.Join(rt.runDir, "run_plan.json")); err == nil {
		if err := rt.plan.Load(); err != nil {
			log.Warn("run plan recovery: %v", err)
		}
	}

	if err := rt.buildStores(); err != nil {
		_ = tracer.Close()
		return nil, err
	}

	rt.registry = tools.NewRegistry()
	rt.provisioner = sandbox.NewLocalProvisioner(rt.registry, sandbox.DispatcherOptions{
		RequestTimeout:  cfg.Sandbox.RequestTimeout(),
		ResponseTimeout: cfg.Sandbox.ResponseTimeout(),
		Metrics:         rt.metrics,
		Logger:          log,
	})
	handle, err := rt.provisioner.Provision(ctx)
	if err != nil {
		_ = tracer.Close()
		return nil, err
	}
	rt.handle = handle
	rt.actions = sandbox.NewClient(handle, rt.registry, sandbox.ClientOptions{
		Tracer:  tracer,
		Metrics: rt.metrics,
		Logger:  log,
	})

	rt.thinker = llm.NewClient(rt.thinkerOptions())

	prompt := opts.SystemPrompt
	if prompt == "" {
		prompt = defaultSystemPrompt
	}
	rt.maxIterations = cfg.Agent.MaxIterations
	if opts.MaxIterations > 0 {
		rt.maxIterations = opts.MaxIterations
	}
	rt.manager = agent.NewManager(agent.ManagerConfig{
		SystemPrompt:   prompt,
		MaxIterations:  rt.maxIterations,
		MaxWaitSeconds: cfg.Agent.MaxWaitSeconds,
	}, agent.Deps{
		Thinker:  rt.thinker,
		Actions:  rt.actions,
		Registry: rt.registry,
		Tracer:   tracer,
		Metrics:  rt.metrics,
		Logger:   log,
	})

	// The arena doubles as the coordinator for agent actions, so actions
	// register after the manager exists and before anything is spawned.
	if err := actions.RegisterAll(rt.registry, actions.Deps{
		Coordinator: rt.manager,
		Notes:       rt.notes,
		Progress:    rt.progress,
		Scripts:     rt.scripts,
		Tracer:      tracer,
		Plan:        rt.plan,
		WorkDir:     rt.workspace,
		Logger:      log,
	}); err != nil {
		rt.release(ctx)
		return nil, err
	}
	rt.registry.Freeze()

	if opts.MonitorAddr != "" {
		rt.monitor = server.New(server.Options{
			Tracer: tracer,
			State:  rt.stateSnapshot,
			Logger: log,
		})
		bound, err := rt.monitor.Start(opts.MonitorAddr)
		if err != nil {
			rt.release(ctx)
			return nil, err
		}
		rt.monitorAddr = bound
	}

	log.Info("run %s (%s) assembled in %s", rt.runName, rt.runID, rt.runDir)
	return rt, nil
}

func (rt *Runtime) buildStores() error {
	var err error
	if rt.notes, err = store.NewNotesStore(rt.runDir); err != nil {
		return err
	}
	if rt.progress, err = store.NewProgressStore(rt.runDir); err != nil {
		return err
	}
	if rt.scripts, err = store.NewScriptsStore(filepath.Join(rt.runDir, "scripts")); err != nil {
		return err
	}
	rt.workspace = filepath.Join(rt.runDir, "workspace")
	if err := os.MkdirAll(rt.workspace, 0o755); err != nil {
		return &strixerrors.PersistenceError{Path: rt.workspace, Err: err}
	}
	return nil
}

// thinkerOptions derives the thinker client options from configuration plus
// the test hooks.
func (rt *Runtime) thinkerOptions() llm.Options {
	cfg := rt.cfg
	opts := llm.Options{
		Models:                  rt.modelTable(),
		MaxConcurrent:           int64(cfg.Thinker.MaxConcurrentRequests),
		MinRequestInterval:      cfg.Thinker.MinRequestInterval(),
		Timeout:                 cfg.Thinker.Timeout(),
		StreamingEnabled:        cfg.Thinker.StreamingEnabled,
		StreamingOptOutPatterns: cfg.Thinker.StreamingOptOutPatterns,
		CacheEnabled:            cfg.Cache.Enabled,
		CacheSize:               cfg.Cache.MaxSize,
		CacheTTL:                cfg.Cache.TTL(),
		Breaker: strixerrors.CircuitBreakerConfig{
			FailureThreshold: cfg.Circuit.FailureThreshold,
			RecoveryTimeout:  cfg.Circuit.RecoveryTimeout(),
		},
		Tracer:           rt.tracer,
		Metrics:          rt.metrics,
		TransportFactory: rt.opts.TransportFactory,
	}
	if rt.opts.RetryPolicy != nil {
		opts.Retry = *rt.opts.RetryPolicy
	}
	return opts
}

// modelTable flattens the configured model roles, inheriting endpoint and
// key from the shared llm section. A missing primary role still yields an
// entry so role fallback has somewhere to land.
func (rt *Runtime) modelTable() map[string]llm.ModelSettings {
	cfg := rt.cfg
	models := make(map[string]llm.ModelSettings, len(cfg.Models)+1)
	for role, m := range cfg.Models {
		settings := llm.ModelSettings{
			Model:           m.Model,
			APIBase:         m.APIBase,
			APIKey:          m.APIKey,
			Temperature:     m.Temperature,
			Reasoning:       m.Reasoning,
			InputCostPer1M:  m.InputCostPer1M,
			OutputCostPer1M: m.OutputCostPer1M,
		}
		if settings.APIBase == "" {
			settings.APIBase = cfg.LLM.APIBase
		}
		if settings.APIKey == "" {
			settings.APIKey = cfg.LLM.APIKey
		}
		models[role] = settings
	}
	if _, ok := models[llm.ModelRolePrimary]; !ok {
		models[llm.ModelRolePrimary] = llm.ModelSettings{
			Model:   defaultModel,
			APIBase: cfg.LLM.APIBase,
			APIKey:  cfg.LLM.APIKey,
		}
	}
	return models
}

// defaultModel serves runs with no models section at all; any
// OpenAI-compatible endpoint will resolve it or reject it loudly.
const defaultModel = "gpt-4.1"

// stateSnapshot feeds the monitor server's /api/state.
func (rt *Runtime) stateSnapshot() server.State {
	_, count := rt.tracer.EventsSince(math.MaxInt)
	return server.State{
		RunID:      rt.runID,
		RunName:    rt.runName,
		Target:     strings.Join(rt.opts.Targets, ", "),
		StartedAt:  rt.started.Format(time.RFC3339),
		Complete:   rt.complete.Load(),
		Agents:     rt.manager.Snapshots(),
		Findings:   rt.tracer.Findings(),
		EventCount: count,
	}
}

// Close releases everything Build acquired: it stops remaining agents,
// waits briefly for the arena to settle, releases sandbox workers, stops
// the monitor, and closes the event stream.
func (rt *Runtime) Close(ctx context.Context) error {
	rt.manager.StopAll()
	settle, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_ = rt.manager.AwaitQuiescence(settle, 50*time.Millisecond)
	rt.release(ctx)
	return nil
}

func (rt *Runtime) release(ctx context.Context) {
	if rt.monitor != nil {
		if err := rt.monitor.Stop(ctx); err != nil {
			rt.log.Warn("monitor shutdown: %v", err)
		}
	}
	rt.provisioner.ReleaseAll(ctx)
	if err := rt.tracer.Close(); err != nil {
		rt.log.Warn("event stream close: %v", err)
	}
}

// RunID returns the generated run id.
func (rt *Runtime) RunID() string { return rt.runID }

// RunName returns the run name, derived or supplied.
func (rt *Runtime) RunName() string { return rt.runName }

// RunDir returns the run directory path.
func (rt *Runtime) RunDir() string { return rt.runDir }

// MonitorAddr returns the bound monitor address, empty when disabled.
func (rt *Runtime) MonitorAddr() string { return rt.monitorAddr }

// Tracer exposes the run's tracer.
func (rt *Runtime) Tracer() *telemetry.Tracer { return rt.tracer }

// Thinker exposes the shared thinker client.
func (rt *Runtime) Thinker() *llm.Client { return rt.thinker }

// Manager exposes the agent arena.
func (rt *Runtime) Manager() *agent.Manager { return rt.manager }

// deriveRunName builds a filesystem-friendly run name from the target plus
// a short unique suffix, mirroring the note id scheme.
func deriveRunName(target string) string {
	slug := strings.ToLower(strings.TrimSpace(target))
	for _, prefix := range []string{"https://", "http://", "git@", "ssh://"} {
		slug = strings.TrimPrefix(slug, prefix)
	}
	var b strings.Builder
	lastDash := true
	for _, r := range slug {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
		if b.Len() >= 40 {
			break
		}
	}
	name := strings.Trim(b.String(), "-")
	if name == "" {
		name = "scan"
	}
	return name + "-" + uuid.NewString()[:5]
}
