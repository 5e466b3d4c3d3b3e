package telemetry

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	strixerrors "github.com/TWN-Systems/strix/internal/errors"
	"github.com/TWN-Systems/strix/internal/logging"
)

// Task statuses.
const (
	TaskPending    = "pending"
	TaskInProgress = "in_progress"
	TaskCompleted  = "completed"
	TaskFailed     = "failed"
	TaskSkipped    = "skipped"
	TaskBlocked    = "blocked"
)

// Derived phase statuses.
const (
	PhasePending            = "pending"
	PhaseInProgress         = "in_progress"
	PhaseCompleted          = "completed"
	PhasePartiallyCompleted = "partially_completed"
)

// PlanTask is one unit of planned work.
type PlanTask struct {
	TaskID             string         `json:"task_id"`
	Title              string         `json:"title"`
	Description        string         `json:"description,omitempty"`
	Status             string         `json:"status"`
	PhaseID            string         `json:"phase_id,omitempty"`
	DependsOn          []string       `json:"depends_on,omitempty"`
	Priority           int            `json:"priority"`
	CreatedAt          string         `json:"created_at"`
	StartedAt          string         `json:"started_at,omitempty"`
	CompletedAt        string         `json:"completed_at,omitempty"`
	Result             string         `json:"result,omitempty"`
	Error              string         `json:"error,omitempty"`
	IterationStarted   int            `json:"iteration_started,omitempty"`
	IterationCompleted int            `json:"iteration_completed,omitempty"`
	Metadata           map[string]any `json:"metadata,omitempty"`
}

// PlanPhase groups tasks; its status is derived from them.
type PlanPhase struct {
	PhaseID string `json:"phase_id"`
	Title   string `json:"title"`
	Order   int    `json:"order"`
	Status  string `json:"status"`
}

// PlanProgress summarizes completion counts.
type PlanProgress struct {
	Total      int     `json:"total"`
	Pending    int     `json:"pending"`
	InProgress int     `json:"in_progress"`
	Completed  int     `json:"completed"`
	Failed     int     `json:"failed"`
	Skipped    int     `json:"skipped"`
	Percent    float64 `json:"percent"`
}

// planSnapshot is the run_plan.json layout.
type planSnapshot struct {
	Phases       []PlanPhase    `json:"phases"`
	Tasks        []PlanTask     `json:"tasks"`
	Paused       bool           `json:"paused"`
	PauseContext map[string]any `json:"pause_context,omitempty"`
	UpdatedAt    string         `json:"updated_at"`
}

// RunPlan tracks phased work across a run. Every state-changing operation
// snapshots run_plan.json atomically.
type RunPlan struct {
	mu           sync.Mutex
	path         string
	phases       []PlanPhase
	tasks        []PlanTask
	byID         map[string]int
	paused       bool
	pauseContext map[string]any
	logger       logging.Logger
}

// NewRunPlan returns an empty plan persisting under runDir.
func NewRunPlan(runDir string) *RunPlan {
	return &RunPlan{
		path:   filepath.Join(runDir, "run_plan.json"),
		byID:   make(map[string]int),
		logger: logging.NewComponentLogger("plan"),
	}
}

// AddPhase appends a phase and returns its id.
func (p *RunPlan) AddPhase(title string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := fmt.Sprintf("phase_%d", len(p.phases)+1)
	p.phases = append(p.phases, PlanPhase{
		PhaseID: id,
		Title:   title,
		Order:   len(p.phases) + 1,
		Status:  PhasePending,
	})
	return id, p.saveLocked()
}

// AddTask appends a task and returns its id. dependsOn may name tasks that
// do not exist yet; they are resolved at start time.
func (p *RunPlan) AddTask(phaseID, title, description string, dependsOn []string, priority int) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if phaseID != "" && !p.phaseExistsLocked(phaseID) {
		return "", fmt.Errorf("unknown phase %q", phaseID)
	}
	id := fmt.Sprintf("task_%d", len(p.tasks)+1)
	p.tasks = append(p.tasks, PlanTask{
		TaskID:      id,
		Title:       title,
		Description: description,
		Status:      TaskPending,
		PhaseID:     phaseID,
		DependsOn:   append([]string(nil), dependsOn...),
		Priority:    priority,
		CreatedAt:   now(),
	})
	p.byID[id] = len(p.tasks) - 1
	return id, p.saveLocked()
}

// StartTask moves a task to in_progress. Every dependency must already be
// completed or skipped.
func (p *RunPlan) StartTask(taskID string, iteration int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	task, err := p.taskLocked(taskID)
	if err != nil {
		return err
	}
	if task.Status != TaskPending && task.Status != TaskBlocked {
		return &strixerrors.PlanTransitionError{TaskID: taskID, Reason: fmt.Sprintf("cannot start from status %s", task.Status)}
	}
	if unmet := p.unmetDepsLocked(task); len(unmet) > 0 {
		return &strixerrors.PlanTransitionError{TaskID: taskID, Reason: "unsatisfied dependencies: " + strings.Join(unmet, ", ")}
	}
	task.Status = TaskInProgress
	task.StartedAt = now()
	task.IterationStarted = iteration
	return p.saveLocked()
}

// CompleteTask marks a task completed with an optional result.
func (p *RunPlan) CompleteTask(taskID, result string, iteration int) error {
	return p.finishTask(taskID, TaskCompleted, result, "", iteration)
}

// FailTask marks a task failed with an error description.
func (p *RunPlan) FailTask(taskID, errText string, iteration int) error {
	return p.finishTask(taskID, TaskFailed, "", errText, iteration)
}

// SkipTask marks a pending task skipped; its dependents become startable.
func (p *RunPlan) SkipTask(taskID, reason string) error {
	return p.finishTask(taskID, TaskSkipped, reason, "", 0)
}

func (p *RunPlan) finishTask(taskID, status, result, errText string, iteration int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	task, err := p.taskLocked(taskID)
	if err != nil {
		return err
	}
	switch task.Status {
	case TaskCompleted, TaskFailed, TaskSkipped:
		return &strixerrors.PlanTransitionError{TaskID: taskID, Reason: fmt.Sprintf("already terminal (%s)", task.Status)}
	}
	task.Status = status
	task.Result = result
	task.Error = errText
	task.CompletedAt = now()
	task.IterationCompleted = iteration
	return p.saveLocked()
}

// NextTask returns the highest-priority pending task whose dependencies
// are satisfied, ties broken by insertion order. Nil when nothing is
// startable.
func (p *RunPlan) NextTask() *PlanTask {
	p.mu.Lock()
	defer p.mu.Unlock()
	var best *PlanTask
	for i := range p.tasks {
		task := &p.tasks[i]
		if task.Status != TaskPending || len(p.unmetDepsLocked(task)) > 0 {
			continue
		}
		if best == nil || task.Priority > best.Priority {
			best = task
		}
	}
	if best == nil {
		return nil
	}
	cp := *best
	return &cp
}

// IsComplete reports whether every task is terminal.
func (p *RunPlan) IsComplete() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.tasks) == 0 {
		return false
	}
	for i := range p.tasks {
		switch p.tasks[i].Status {
		case TaskCompleted, TaskFailed, TaskSkipped:
		default:
			return false
		}
	}
	return true
}

// HasTasks reports whether the plan carries any tasks.
func (p *RunPlan) HasTasks() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.tasks) > 0
}

// Progress returns completion counts and a percent rounded to one decimal.
func (p *RunPlan) Progress() PlanProgress {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.progressLocked()
}

func (p *RunPlan) progressLocked() PlanProgress {
	prog := PlanProgress{Total: len(p.tasks)}
	for i := range p.tasks {
		switch p.tasks[i].Status {
		case TaskPending, TaskBlocked:
			prog.Pending++
		case TaskInProgress:
			prog.InProgress++
		case TaskCompleted:
			prog.Completed++
		case TaskFailed:
			prog.Failed++
		case TaskSkipped:
			prog.Skipped++
		}
	}
	if prog.Total > 0 {
		done := prog.Completed + prog.Skipped
		prog.Percent = math.Round(float64(done)/float64(prog.Total)*1000) / 10
	}
	return prog
}

// Pause stops task scheduling, stashing an opaque context for resume.
func (p *RunPlan) Pause(context map[string]any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = true
	p.pauseContext = context
	return p.saveLocked()
}

// Resume reverses Pause and returns the stashed context.
func (p *RunPlan) Resume() (map[string]any, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = false
	ctx := p.pauseContext
	p.pauseContext = nil
	return ctx, p.saveLocked()
}

// Paused reports whether scheduling is paused.
func (p *RunPlan) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

// Phases returns the phases with their derived statuses.
func (p *RunPlan) Phases() []PlanPhase {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.phasesLocked()
}

func (p *RunPlan) phasesLocked() []PlanPhase {
	out := make([]PlanPhase, len(p.phases))
	copy(out, p.phases)
	for i := range out {
		out[i].Status = p.phaseStatusLocked(out[i].PhaseID)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}

// Tasks returns a copy of all tasks in insertion order.
func (p *RunPlan) Tasks() []PlanTask {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]PlanTask, len(p.tasks))
	copy(out, p.tasks)
	return out
}

// phaseStatusLocked derives a phase's status: completed iff all tasks
// completed; partially_completed iff all terminal and at least one failed;
// in_progress if any task is in_progress; otherwise pending.
func (p *RunPlan) phaseStatusLocked(phaseID string) string {
	var total, completed, terminal, failed, inProgress int
	for i := range p.tasks {
		if p.tasks[i].PhaseID != phaseID {
			continue
		}
		total++
		switch p.tasks[i].Status {
		case TaskCompleted:
			completed++
			terminal++
		case TaskSkipped:
			terminal++
		case TaskFailed:
			failed++
			terminal++
		case TaskInProgress:
			inProgress++
		}
	}
	switch {
	case total == 0:
		return PhasePending
	case completed == total:
		return PhaseCompleted
	case terminal == total && failed > 0:
		return PhasePartiallyCompleted
	case inProgress > 0:
		return PhaseInProgress
	default:
		return PhasePending
	}
}

// SummaryText renders a compact plan overview for prompts and the console.
func (p *RunPlan) SummaryText() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.tasks) == 0 {
		return "No plan recorded."
	}
	var b strings.Builder
	prog := p.progressLocked()
	fmt.Fprintf(&b, "Plan progress: %d/%d tasks done (%.1f%%)\n", prog.Completed+prog.Skipped, prog.Total, prog.Percent)
	for _, phase := range p.phasesLocked() {
		fmt.Fprintf(&b, "\n%s [%s]\n", phase.Title, phase.Status)
		for i := range p.tasks {
			task := &p.tasks[i]
			if task.PhaseID != phase.PhaseID {
				continue
			}
			fmt.Fprintf(&b, "  %s %s: %s\n", statusGlyph(task.Status), task.TaskID, task.Title)
		}
	}
	for i := range p.tasks {
		if p.tasks[i].PhaseID == "" {
			fmt.Fprintf(&b, "\n  %s %s: %s\n", statusGlyph(p.tasks[i].Status), p.tasks[i].TaskID, p.tasks[i].Title)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func statusGlyph(status string) string {
	switch status {
	case TaskCompleted:
		return "[x]"
	case TaskInProgress:
		return "[>]"
	case TaskFailed:
		return "[!]"
	case TaskSkipped:
		return "[-]"
	default:
		return "[ ]"
	}
}

// Load restores a previously snapshotted plan, for run continuation.
func (p *RunPlan) Load() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	data, err := os.ReadFile(p.path)
	if err != nil {
		return &strixerrors.PersistenceError{Path: p.path, Err: err}
	}
	var snap planSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("decode run plan: %w", err)
	}
	p.phases = snap.Phases
	p.tasks = snap.Tasks
	p.paused = snap.Paused
	p.pauseContext = snap.PauseContext
	p.byID = make(map[string]int, len(p.tasks))
	for i := range p.tasks {
		p.byID[p.tasks[i].TaskID] = i
	}
	return nil
}

func (p *RunPlan) taskLocked(taskID string) (*PlanTask, error) {
	idx, ok := p.byID[taskID]
	if !ok {
		return nil, &strixerrors.PlanTransitionError{TaskID: taskID, Reason: "unknown task"}
	}
	return &p.tasks[idx], nil
}

func (p *RunPlan) phaseExistsLocked(phaseID string) bool {
	for i := range p.phases {
		if p.phases[i].PhaseID == phaseID {
			return true
		}
	}
	return false
}

// unmetDepsLocked lists dependencies not yet completed or skipped. A
// dependency naming an unknown task counts as unmet.
func (p *RunPlan) unmetDepsLocked(task *PlanTask) []string {
	var unmet []string
	for _, dep := range task.DependsOn {
		idx, ok := p.byID[dep]
		if !ok {
			unmet = append(unmet, dep)
			continue
		}
		switch p.tasks[idx].Status {
		case TaskCompleted, TaskSkipped:
		default:
			unmet = append(unmet, dep)
		}
	}
	return unmet
}

func (p *RunPlan) saveLocked() error {
	snap := planSnapshot{
		Phases:       p.phasesLocked(),
		Tasks:        p.tasks,
		Paused:       p.paused,
		PauseContext: p.pauseContext,
		UpdatedAt:    now(),
	}
	if err := writeJSONAtomic(p.path, snap); err != nil {
		p.logger.Error("failed to snapshot run plan: %v", err)
		return err
	}
	return nil
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}
