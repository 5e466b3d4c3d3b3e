// Package agent implements the lifecycle state machine that drives one
// autonomous agent from task to terminal status, plus the manager arena
// that spawns agents, routes their messages, and joins the tree.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	strixerrors "github.com/TWN-Systems/strix/internal/errors"
	"github.com/TWN-Systems/strix/internal/llm"
	"github.com/TWN-Systems/strix/internal/logging"
	"github.com/TWN-Systems/strix/internal/sandbox"
	"github.com/TWN-Systems/strix/internal/telemetry"
	"github.com/TWN-Systems/strix/internal/tools"
)

// Loop policy bounds.
const (
	DefaultMaxIterations  = 300
	DefaultMaxWaitSeconds = 300

	// Empty-response policy: nudge from the third consecutive response
	// without an invocation, give up past the fifth.
	emptyResponseNudgeAt = 3
	emptyResponseLimit   = 5

	// A recovery wait retries the thinker after this long, giving an open
	// circuit time to half-open. The max-wait guard still bounds the
	// whole episode.
	recoveryResumeAfter = 60 * time.Second

	// waitPollInterval paces the timeout checks while parked.
	waitPollInterval = 250 * time.Millisecond
)

// Terminal failure reasons with contractual spelling.
const (
	ReasonMaxIterations = "max_iterations"
	ReasonWaitTimeout   = "wait_timeout"
	ReasonEmptyOutput   = "no_actionable_output"
)

// Config describes one agent to create.
type Config struct {
	Name           string
	Task           string
	Role           tools.Role
	ParentID       string
	SystemPrompt   string
	MaxIterations  int
	MaxWaitSeconds int
	Sandbox        *sandbox.Handle
}

// Deps are the collaborators an agent borrows from the run. All agents in
// a run share them.
type Deps struct {
	Thinker  *llm.Client
	Actions  *sandbox.Client
	Registry *tools.Registry
	Tracer   *telemetry.Tracer
	Metrics  *telemetry.Metrics
	Logger   logging.Logger
}

// Result is the terminal outcome of one agent run.
type Result struct {
	AgentID       string `json:"agent_id"`
	Name          string `json:"name"`
	Status        Status `json:"status"`
	FinalResult   string `json:"final_result,omitempty"`
	FailureReason string `json:"failure_reason,omitempty"`
	Iterations    int    `json:"iterations"`
	Findings      int    `json:"findings"`
}

type inboundMessage struct {
	from    string
	content string
}

// Agent drives one conversation loop. The loop goroutine owns the state;
// everything else reaches it through the mailbox, the stop flag, or a
// snapshot.
type Agent struct {
	deps       Deps
	reconciler *Reconciler
	log        logging.Logger

	mu    sync.Mutex
	state *State

	mailbox      chan inboundMessage
	wake         chan struct{}
	stopFlag     atomic.Bool
	done         chan struct{}
	lastIssueSig string
}

// New builds an agent in running state with its opening conversation: the
// system prompt (role-scoped action documentation included) and the task.
func New(cfg Config, deps Deps) *Agent {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	if cfg.MaxWaitSeconds <= 0 {
		cfg.MaxWaitSeconds = DefaultMaxWaitSeconds
	}
	if cfg.Role == "" {
		cfg.Role = tools.RoleFullAccess
	}

	system := strings.TrimSpace(cfg.SystemPrompt)
	if deps.Registry != nil {
		doc := tools.PromptForRole(deps.Registry, cfg.Role)
		if system == "" {
			system = doc
		} else {
			system += "\n\n" + doc
		}
	}

	state := &State{
		AgentID:        NewAgentID(),
		Name:           cfg.Name,
		Role:           cfg.Role,
		ParentID:       cfg.ParentID,
		Task:           cfg.Task,
		MaxIterations:  cfg.MaxIterations,
		MaxWaitSeconds: cfg.MaxWaitSeconds,
		Status:         StatusRunning,
		Context:        map[string]any{},
		Sandbox:        cfg.Sandbox,
		Messages: []llm.Message{
			llm.SystemMessage(system),
			llm.UserMessage(cfg.Task),
		},
	}

	return &Agent{
		deps:       deps,
		reconciler: NewReconciler(),
		log:        logging.OrNop(deps.Logger),
		state:      state,
		mailbox:    make(chan inboundMessage, 32),
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
}

// ID returns the agent id.
func (a *Agent) ID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state.AgentID
}

// Status returns the current lifecycle position.
func (a *Agent) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state.Status
}

// Snapshot copies the observable state.
func (a *Agent) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state.snapshot()
}

// Done is closed when Run returns.
func (a *Agent) Done() <-chan struct{} { return a.done }

// RequestStop asks the loop to stop at its next safe point. In-flight
// thinker and action calls are not interrupted.
func (a *Agent) RequestStop() {
	a.stopFlag.Store(true)
	a.nudge()
}

// Deliver enqueues an inter-agent message and wakes the loop if it is
// parked. Terminal agents reject delivery.
func (a *Agent) Deliver(fromID, content string) error {
	a.mu.Lock()
	status := a.state.Status
	a.mu.Unlock()
	if status.Terminal() {
		return fmt.Errorf("agent %s is %s and cannot receive messages", a.ID(), status)
	}

	select {
	case a.mailbox <- inboundMessage{from: fromID, content: content}:
	default:
		return fmt.Errorf("agent %s mailbox is full", a.ID())
	}
	a.nudge()
	return nil
}

func (a *Agent) nudge() {
	select {
	case a.wake <- struct{}{}:
	default:
	}
}

// Run executes the loop until a terminal status. Completed and stopped
// agents return a nil error; failed agents return the structured failure
// alongside the result.
func (a *Agent) Run(ctx context.Context) (*Result, error) {
	defer close(a.done)

	for {
		if ctx.Err() != nil || a.stopFlag.Load() {
			a.terminalize(StatusStopped, "", "stop requested")
			break
		}

		status := a.Status()
		if status.Terminal() {
			break
		}
		if status.Waiting() {
			a.awaitResumption(ctx)
			continue
		}

		a.mu.Lock()
		exhausted := a.state.Iteration >= a.state.MaxIterations
		a.mu.Unlock()
		if exhausted {
			a.terminalize(StatusFailed, "", ReasonMaxIterations)
			break
		}

		a.iterate(ctx)
	}

	result := a.result()
	if result.Status == StatusFailed {
		switch result.FailureReason {
		case ReasonMaxIterations:
			return result, &strixerrors.MaxIterationsError{Iterations: result.Iterations}
		case ReasonWaitTimeout:
			return result, &strixerrors.WaitTimeoutError{Waited: time.Duration(a.maxWaitSeconds()) * time.Second}
		default:
			return result, fmt.Errorf("agent %s failed: %s", result.AgentID, result.FailureReason)
		}
	}
	return result, nil
}

// iterate performs one loop turn: drain mail, compact, think, parse, act,
// reconcile. The lock is never held across thinker or action calls; only
// this goroutine mutates the state, so the short locked sections exist for
// observers taking snapshots.
func (a *Agent) iterate(ctx context.Context) {
	a.drainMailbox()

	a.mu.Lock()
	s := a.state
	a.emitLocked(telemetry.EventAgentIteration, map[string]any{
		"iteration":        s.Iteration + 1,
		"max_iterations":   s.MaxIterations,
		"progress_percent": s.progressPercent(),
	})

	s.Messages = a.deps.Thinker.Compact(s.Messages)
	conversation := make([]llm.Message, len(s.Messages))
	copy(conversation, s.Messages)
	opts := llm.GenerateOptions{
		AgentID:   s.AgentID,
		AgentName: s.Name,
		ModelRole: llm.RoleForAgent(string(s.Role)),
	}
	a.mu.Unlock()

	resp, err := a.deps.Thinker.Generate(ctx, conversation, opts)

	a.mu.Lock()
	if err != nil {
		s.recordError(err)
		s.Iteration++
		a.setStatusLocked(StatusWaitingForRecovery, "thinker failure: "+err.Error())
		a.mu.Unlock()
		return
	}

	s.Messages = append(s.Messages, llm.AssistantMessage(resp.Content))

	if resp.ParseErr != nil {
		s.recordError(resp.ParseErr)
		s.Messages = append(s.Messages, llm.ObservationMessage(
			tools.FormatErrorObservation("parser", resp.ParseErr.Error())))
	}

	invocations := resp.Invocations
	if len(invocations) == 0 {
		s.ConsecutiveEmptyResponses++
		if s.ConsecutiveEmptyResponses > emptyResponseLimit {
			s.Iteration++
			a.terminalizeLocked(StatusFailed, "", ReasonEmptyOutput)
			a.mu.Unlock()
			return
		}
		if s.ConsecutiveEmptyResponses >= emptyResponseNudgeAt {
			s.Messages = append(s.Messages, llm.UserMessage(emptyResponseNudge))
		}
	} else {
		s.ConsecutiveEmptyResponses = 0
	}
	a.mu.Unlock()

	if len(invocations) > 0 {
		a.executeInvocations(ctx, invocations)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	s.Iteration++
	if !s.Status.Terminal() {
		a.reconcileLocked()
	}
}

// emptyResponseNudge prods a thinker that keeps replying without acting.
const emptyResponseNudge = "You have not invoked any action in your recent responses. " +
	"Use one of your available actions to make progress, or call finish if the task is done."

// executeInvocations runs one iteration's invocations. Lifecycle verbs
// (finish, wait) apply at their parse position and drop whatever follows
// them. Sequential actions run first in parse order, parallel ones fan out
// afterwards, and observations land in parse order regardless.
func (a *Agent) executeInvocations(ctx context.Context, invs []tools.Invocation) {
	batch := invs
	var lifecycle *tools.Invocation
	for i := range invs {
		if invs[i].Name == "finish" || invs[i].Name == "wait" {
			lifecycle = &invs[i]
			batch = invs[:i]
			break
		}
	}

	if len(batch) > 0 {
		agentID, role := a.identity()

		var seqIdx, parIdx []int
		for i, inv := range batch {
			reg, err := a.deps.Registry.Get(inv.Name)
			if err != nil || reg.Sequential {
				seqIdx = append(seqIdx, i)
			} else {
				parIdx = append(parIdx, i)
			}
		}

		outcomes := make([]sandbox.Outcome, len(batch))
		for _, i := range seqIdx {
			result, err := a.deps.Actions.Execute(ctx, agentID, role, batch[i])
			outcomes[i] = sandbox.Outcome{Invocation: batch[i], Result: result, Err: err}
		}
		if len(parIdx) > 0 {
			parallel := make([]tools.Invocation, len(parIdx))
			for j, i := range parIdx {
				parallel[j] = batch[i]
			}
			for j, outcome := range a.deps.Actions.ExecuteParallel(ctx, agentID, role, parallel) {
				outcomes[parIdx[j]] = outcome
			}
		}

		a.mu.Lock()
		for _, outcome := range outcomes {
			a.appendOutcomeLocked(outcome)
		}
		a.mu.Unlock()
	}

	if lifecycle != nil {
		a.mu.Lock()
		a.applyLifecycleLocked(*lifecycle)
		a.mu.Unlock()
	}
}

func (a *Agent) identity() (string, tools.Role) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state.AgentID, a.state.Role
}

// appendOutcomeLocked turns one action outcome into an observation message
// and an action-log entry.
func (a *Agent) appendOutcomeLocked(outcome sandbox.Outcome) {
	s := a.state
	name := outcome.Invocation.Name
	record := ActionRecord{Action: name, Iteration: s.Iteration + 1, OK: outcome.Err == nil}

	if outcome.Err != nil {
		s.recordError(outcome.Err)
		text := strixerrors.FormatForLLM(outcome.Err)
		record.Summary = telemetry.PreviewMessage(text)
		s.Messages = append(s.Messages, llm.ObservationMessage(tools.FormatErrorObservation(name, text)))
	} else {
		text := renderResult(outcome.Result)
		record.Summary = telemetry.PreviewMessage(text)
		s.Messages = append(s.Messages, llm.ObservationMessage(tools.FormatObservation(name, text)))
	}
	s.ActionLog = append(s.ActionLog, record)
}

// applyLifecycleLocked handles finish and wait, which short-circuit role
// gating and dispatch.
func (a *Agent) applyLifecycleLocked(inv tools.Invocation) {
	s := a.state
	switch inv.Name {
	case "finish":
		success := true
		if raw, ok := inv.Arguments["success"]; ok {
			if parsed, err := strconv.ParseBool(strings.TrimSpace(raw)); err == nil {
				success = parsed
			}
		}
		s.FinalResult = strings.TrimSpace(inv.Arguments["final_result"])
		if success {
			a.terminalizeLocked(StatusCompleted, s.FinalResult, "")
		} else {
			a.terminalizeLocked(StatusFailed, s.FinalResult, "finish reported failure")
		}
	case "wait":
		s.Messages = append(s.Messages, llm.ObservationMessage(
			tools.FormatObservation("wait", "Waiting for messages from other agents.")))
		a.setStatusLocked(StatusWaitingForMessage, "wait action")
	}
}

// awaitResumption parks the loop while the agent is waiting. It resumes on
// an inbound message, on the recovery delay for thinker failures, or fails
// the agent when the wait guard expires.
func (a *Agent) awaitResumption(ctx context.Context) {
	ticker := time.NewTicker(waitPollInterval)
	defer ticker.Stop()

	for {
		a.mu.Lock()
		s := a.state
		status := s.Status
		if !status.Waiting() {
			a.mu.Unlock()
			return
		}
		now := time.Now().UTC()
		if s.waitTimedOut(now) {
			a.terminalizeLocked(StatusFailed, "", ReasonWaitTimeout)
			a.mu.Unlock()
			return
		}
		if status == StatusWaitingForRecovery && s.waitElapsed(now) >= recoveryResumeAfter {
			if err := s.resumeFromWaiting(); err == nil {
				a.emitTransitionLocked(status, StatusRunning, "recovery retry")
			}
			a.mu.Unlock()
			return
		}
		a.mu.Unlock()

		select {
		case msg := <-a.mailbox:
			a.receive(msg, true)
			return
		case <-a.wake:
			// Stop request or state change; loop re-checks.
			if a.stopFlag.Load() {
				return
			}
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

// drainMailbox appends every pending inter-agent message to the history.
func (a *Agent) drainMailbox() {
	for {
		select {
		case msg := <-a.mailbox:
			a.receive(msg, false)
		default:
			return
		}
	}
}

// receive appends an inbound message and, when the agent was parked,
// resumes it.
func (a *Agent) receive(msg inboundMessage, resuming bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := a.state

	s.Messages = append(s.Messages, llm.UserMessage(formatInterAgentMessage(msg.from, msg.content)))
	a.emitLocked(telemetry.EventMessageReceived, map[string]any{
		"from":    msg.from,
		"message": telemetry.PreviewMessage(msg.content),
	})

	if resuming && s.Status.Waiting() {
		prev := s.Status
		if err := s.resumeFromWaiting(); err == nil {
			a.emitTransitionLocked(prev, StatusRunning, "message received")
		}
	}
}

func formatInterAgentMessage(fromID, content string) string {
	if fromID == "" {
		return content
	}
	return fmt.Sprintf("<agent_message from=%q>\n%s\n</agent_message>", fromID, content)
}

// reconcileLocked runs the anomaly detections after each iteration,
// applies safe patches, and injects a checkpoint when a new issue set
// needs the thinker's attention.
func (a *Agent) reconcileLocked() {
	s := a.state
	issues := a.reconciler.Check(s)
	if len(issues) == 0 {
		a.lastIssueSig = ""
		return
	}

	result := a.reconciler.AutoFix(s)
	var remaining []Issue
	for _, issue := range result.Issues {
		if !issue.AutoFixable {
			remaining = append(remaining, issue)
		}
	}

	sig := issueSignature(remaining)
	if len(remaining) > 0 && sig != a.lastIssueSig {
		a.reconciler.InjectCheckpoint(s, remaining)
		a.emitLocked(telemetry.EventAgentStateTransition, map[string]any{
			"from":   string(s.Status),
			"to":     string(s.Status),
			"reason": "reconciliation checkpoint",
			"issues": len(remaining),
		})
	}
	a.lastIssueSig = sig
}

func issueSignature(issues []Issue) string {
	if len(issues) == 0 {
		return ""
	}
	parts := make([]string, len(issues))
	for i, issue := range issues {
		parts[i] = string(issue.Kind)
	}
	return strings.Join(parts, "|")
}

// setStatusLocked transitions and emits the state-transition event.
func (a *Agent) setStatusLocked(next Status, reason string) {
	s := a.state
	prev := s.Status
	if err := s.transitionTo(next); err != nil {
		a.log.Warn("agent %s: %v", s.AgentID, err)
		return
	}
	if prev != next {
		a.emitTransitionLocked(prev, next, reason)
	}
}

// terminalize ends the agent from outside the iteration path.
func (a *Agent) terminalize(status Status, finalResult, reason string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.terminalizeLocked(status, finalResult, reason)
}

func (a *Agent) terminalizeLocked(status Status, finalResult, reason string) {
	s := a.state
	if s.Status.Terminal() {
		return
	}
	prev := s.Status
	if err := s.transitionTo(status); err != nil {
		a.log.Warn("agent %s: %v", s.AgentID, err)
		return
	}
	if finalResult != "" {
		s.FinalResult = finalResult
	}
	if status == StatusFailed {
		s.FailureReason = reason
	}
	a.emitTransitionLocked(prev, status, reason)
	a.log.Info("agent %s (%s) reached %s after %d iterations", s.AgentID, s.Name, status, s.Iteration)
}

func (a *Agent) emitTransitionLocked(from, to Status, reason string) {
	a.emitLocked(telemetry.EventAgentStateTransition, map[string]any{
		"from":   string(from),
		"to":     string(to),
		"reason": reason,
	})
}

func (a *Agent) emitLocked(kind string, data map[string]any) {
	if a.deps.Tracer == nil {
		return
	}
	a.deps.Tracer.Emit(kind, a.state.AgentID, data)
}

func (a *Agent) maxWaitSeconds() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state.MaxWaitSeconds
}

func (a *Agent) result() *Result {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := a.state
	return &Result{
		AgentID:       s.AgentID,
		Name:          s.Name,
		Status:        s.Status,
		FinalResult:   s.FinalResult,
		FailureReason: s.FailureReason,
		Iterations:    s.Iteration,
	}
}

// renderResult flattens an action result into observation text.
func renderResult(result any) string {
	switch v := result.(type) {
	case nil:
		return "(no output)"
	case string:
		return v
	default:
		encoded, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(encoded)
	}
}
