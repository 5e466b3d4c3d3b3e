package agent

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/TWN-Systems/strix/internal/logging"
	"github.com/TWN-Systems/strix/internal/sandbox"
	"github.com/TWN-Systems/strix/internal/telemetry"
	"github.com/TWN-Systems/strix/internal/tools"
)

// Manager is the arena of live agents. Agents refer to each other only by
// id; every lookup goes through here, which keeps the parent/child graph
// acyclic in memory and lets message routing outlive any single agent.
type Manager struct {
	deps Deps
	log  logging.Logger

	defaultMaxIterations  int
	defaultMaxWaitSeconds int
	systemPrompt          string

	mu     sync.RWMutex
	agents map[string]*Agent
	order  []string
}

// ManagerConfig carries run-level agent defaults.
type ManagerConfig struct {
	SystemPrompt   string
	MaxIterations  int
	MaxWaitSeconds int
}

// NewManager builds an empty arena.
func NewManager(cfg ManagerConfig, deps Deps) *Manager {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	if cfg.MaxWaitSeconds <= 0 {
		cfg.MaxWaitSeconds = DefaultMaxWaitSeconds
	}
	return &Manager{
		deps:                  deps,
		log:                   logging.OrNop(deps.Logger),
		defaultMaxIterations:  cfg.MaxIterations,
		defaultMaxWaitSeconds: cfg.MaxWaitSeconds,
		systemPrompt:          cfg.SystemPrompt,
		agents:                make(map[string]*Agent),
	}
}

// Spawn creates an agent, registers it with its sandbox, and launches its
// loop. The root agent passes an empty parentID; children inherit the
// parent's sandbox handle.
func (m *Manager) Spawn(ctx context.Context, cfg Config) (*Agent, error) {
	if cfg.ParentID != "" {
		parent, ok := m.Get(cfg.ParentID)
		if !ok {
			return nil, fmt.Errorf("unknown parent agent %s", cfg.ParentID)
		}
		if cfg.Sandbox == nil {
			parent.mu.Lock()
			cfg.Sandbox = parent.state.Sandbox
			parent.mu.Unlock()
		}
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = m.defaultMaxIterations
	}
	if cfg.MaxWaitSeconds <= 0 {
		cfg.MaxWaitSeconds = m.defaultMaxWaitSeconds
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = m.systemPrompt
	}
	if cfg.Role != "" && !tools.ValidRole(string(cfg.Role)) {
		return nil, fmt.Errorf("unknown agent role %q", cfg.Role)
	}

	a := New(cfg, m.deps)
	id := a.ID()

	m.mu.Lock()
	m.agents[id] = a
	m.order = append(m.order, id)
	m.mu.Unlock()

	if a.state.Sandbox != nil && m.deps.Actions != nil {
		if err := m.deps.Actions.Register(ctx, id, cfg.Role); err != nil {
			m.log.Warn("sandbox registration for %s failed: %v", id, err)
		}
	}

	if m.deps.Tracer != nil {
		m.deps.Tracer.Emit(telemetry.EventAgentCreated, id, map[string]any{
			"name":      cfg.Name,
			"role":      string(cfg.Role),
			"parent_id": cfg.ParentID,
			"task":      telemetry.PreviewMessage(cfg.Task),
		})
	}
	m.deps.Metrics.IncActiveAgents()
	m.log.Info("spawned agent %s (%s, role %s, parent %s)", id, cfg.Name, cfg.Role, orRoot(cfg.ParentID))

	go func() {
		defer m.deps.Metrics.DecActiveAgents()
		if _, err := a.Run(ctx); err != nil {
			m.log.Warn("agent %s ended with failure: %v", id, err)
		}
	}()

	return a, nil
}

func orRoot(parentID string) string {
	if parentID == "" {
		return "none"
	}
	return parentID
}

// SpawnAgent is the action-facing spawn: it returns the child id. The
// child shares the parent's sandbox handle.
func (m *Manager) SpawnAgent(ctx context.Context, parentID, name, task, role string) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", fmt.Errorf("agent name must not be empty")
	}
	if strings.TrimSpace(task) == "" {
		return "", fmt.Errorf("agent task must not be empty")
	}
	a, err := m.Spawn(ctx, Config{
		Name:     name,
		Task:     task,
		Role:     tools.Role(role),
		ParentID: parentID,
	})
	if err != nil {
		return "", err
	}
	return a.ID(), nil
}

// Get looks an agent up by id.
func (m *Manager) Get(agentID string) (*Agent, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.agents[agentID]
	return a, ok
}

// SendMessage routes a message between agents. Delivery fails when the
// target is unknown or terminal.
func (m *Manager) SendMessage(fromID, toID, content string) error {
	target, ok := m.Get(toID)
	if !ok {
		return fmt.Errorf("unknown agent %s", toID)
	}
	if err := target.Deliver(fromID, content); err != nil {
		return err
	}
	if m.deps.Tracer != nil {
		m.deps.Tracer.Emit(telemetry.EventMessageSent, fromID, map[string]any{
			"to":      toID,
			"message": telemetry.PreviewMessage(content),
		})
	}
	return nil
}

// RequestStop flags an agent and its whole subtree to stop at the next
// safe point.
func (m *Manager) RequestStop(agentID string) {
	a, ok := m.Get(agentID)
	if !ok {
		return
	}
	a.RequestStop()
	for _, child := range m.childrenOf(agentID) {
		m.RequestStop(child)
	}
}

// StopAll flags every live agent.
func (m *Manager) StopAll() {
	m.mu.RLock()
	agents := make([]*Agent, 0, len(m.agents))
	for _, a := range m.agents {
		agents = append(agents, a)
	}
	m.mu.RUnlock()
	for _, a := range agents {
		a.RequestStop()
	}
}

func (m *Manager) childrenOf(agentID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var children []string
	for id, a := range m.agents {
		a.mu.Lock()
		parent := a.state.ParentID
		a.mu.Unlock()
		if parent == agentID {
			children = append(children, id)
		}
	}
	sort.Strings(children)
	return children
}

// WaitForCompletion blocks until every agent, including ones spawned while
// waiting, reaches a terminal status, or the context ends.
func (m *Manager) WaitForCompletion(ctx context.Context) error {
	seen := make(map[string]bool)
	for {
		var pending *Agent
		m.mu.RLock()
		for _, id := range m.order {
			if !seen[id] {
				pending = m.agents[id]
				break
			}
		}
		m.mu.RUnlock()

		if pending == nil {
			return nil
		}
		select {
		case <-pending.Done():
			seen[pending.ID()] = true
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Snapshots lists agent snapshots in spawn order.
func (m *Manager) Snapshots() []Snapshot {
	m.mu.RLock()
	ordered := make([]*Agent, 0, len(m.order))
	for _, id := range m.order {
		ordered = append(ordered, m.agents[id])
	}
	m.mu.RUnlock()

	snaps := make([]Snapshot, len(ordered))
	for i, a := range ordered {
		snaps[i] = a.Snapshot()
	}
	return snaps
}

// Results collects terminal results; live agents report their current
// status with empty outcome fields.
func (m *Manager) Results() []Result {
	snaps := m.Snapshots()
	results := make([]Result, len(snaps))
	for i, s := range snaps {
		results[i] = Result{
			AgentID:       s.AgentID,
			Name:          s.Name,
			Status:        s.Status,
			FinalResult:   s.FinalResult,
			FailureReason: s.FailureReason,
			Iterations:    s.Iteration,
		}
	}
	return results
}

// AgentGraph renders the agent tree as indented text for the
// view_agent_graph action and the final summary.
func (m *Manager) AgentGraph() string {
	snaps := m.Snapshots()
	byParent := make(map[string][]Snapshot)
	for _, s := range snaps {
		byParent[s.ParentID] = append(byParent[s.ParentID], s)
	}

	var b strings.Builder
	var render func(parentID string, depth int)
	render = func(parentID string, depth int) {
		for _, s := range byParent[parentID] {
			indent := strings.Repeat("  ", depth)
			fmt.Fprintf(&b, "%s- %s (%s) role=%s status=%s iteration=%d/%d\n",
				indent, s.Name, s.AgentID, s.Role, s.Status, s.Iteration, s.MaxIterations)
			render(s.AgentID, depth+1)
		}
	}
	render("", 0)
	if b.Len() == 0 {
		return "(no agents)"
	}
	return strings.TrimRight(b.String(), "\n")
}

// RunningCount reports agents not yet terminal.
func (m *Manager) RunningCount() int {
	count := 0
	for _, s := range m.Snapshots() {
		if !s.Status.Terminal() {
			count++
		}
	}
	return count
}

// ReleaseSandboxWorkers drops dispatcher workers for terminal agents.
// Handles shared across a subtree stay up until the whole run ends.
func (m *Manager) ReleaseSandboxWorkers(d *sandbox.Dispatcher) {
	for _, s := range m.Snapshots() {
		if s.Status.Terminal() {
			d.ReleaseAgent(s.AgentID)
		}
	}
}

// AwaitQuiescence waits until RunningCount reaches zero or the deadline
// passes, polling coarsely. Used by shutdown paths that cannot join the
// spawn order.
func (m *Manager) AwaitQuiescence(ctx context.Context, poll time.Duration) error {
	if poll <= 0 {
		poll = 100 * time.Millisecond
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		if m.RunningCount() == 0 {
			return nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
