package agent

import (
	"fmt"
	"strings"
	"time"

	"github.com/TWN-Systems/strix/internal/llm"
	"github.com/TWN-Systems/strix/internal/logging"
)

// Reconciliation thresholds.
const (
	rateLimitErrorWindow    = 10
	rateLimitErrorThreshold = 3
	loopMessageWindow       = 6
	loopRepeatThreshold     = 3
	loopPrefixLength        = 100
	staleWaitAfter          = 300 * time.Second
)

// IssueKind classifies a detected anomaly.
type IssueKind string

const (
	IssueStateInconsistency IssueKind = "state_inconsistency"
	IssueInvalidValue       IssueKind = "invalid_value"
	IssueStaleData          IssueKind = "stale_data"
	IssueLoopDetected       IssueKind = "loop_detected"
	IssueRateLimitDetected  IssueKind = "rate_limit_detected"
)

// Issue is one anomaly found in an agent's state.
type Issue struct {
	Kind        IssueKind `json:"issue_type"`
	Description string    `json:"description"`
	Field       string    `json:"field_path"`
	Current     any       `json:"current_value,omitempty"`
	Suggested   any       `json:"suggested_value,omitempty"`
	Severity    string    `json:"severity"`
	AutoFixable bool      `json:"auto_fixable"`
}

// Patch is one repair operation on a named state field.
type Patch struct {
	Field  string `json:"field_path"`
	Op     string `json:"operation"` // set, clear, append, remove
	Value  any    `json:"value,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// ReconcileResult records one reconciliation pass.
type ReconcileResult struct {
	Timestamp string  `json:"timestamp"`
	Issues    []Issue `json:"issues"`
	Applied   []Patch `json:"patches_applied"`
}

// Reconciler detects and, where safe, repairs anomalies in agent state.
// Callers hold the agent's lock; the reconciler itself never blocks and
// never calls the thinker.
type Reconciler struct {
	log logging.Logger
	now func() time.Time
}

// NewReconciler builds a reconciler with the wall clock.
func NewReconciler() *Reconciler {
	return &Reconciler{
		log: logging.NewComponentLogger("reconciler"),
		now: time.Now,
	}
}

// Check runs every detection against the state.
func (r *Reconciler) Check(s *State) []Issue {
	var issues []Issue

	// Recovery status requires a waiting timestamp. Restored or externally
	// patched state can violate that; resuming is the safe repair.
	if s.Status == StatusWaitingForRecovery && s.WaitingStart == nil {
		issues = append(issues, Issue{
			Kind:        IssueStateInconsistency,
			Description: "agent is in recovery without a waiting timestamp",
			Field:       "status",
			Current:     string(s.Status),
			Suggested:   string(StatusRunning),
			Severity:    "high",
			AutoFixable: true,
		})
	}

	if s.Iteration > s.MaxIterations {
		issues = append(issues, Issue{
			Kind:        IssueInvalidValue,
			Description: "iteration count exceeds max_iterations",
			Field:       "iteration",
			Current:     s.Iteration,
			Suggested:   s.MaxIterations,
			Severity:    "medium",
			AutoFixable: true,
		})
	}

	if n := r.recentRateLimitErrors(s); n >= rateLimitErrorThreshold {
		issues = append(issues, Issue{
			Kind:        IssueRateLimitDetected,
			Description: fmt.Sprintf("multiple rate limit errors detected (%d of last %d)", n, rateLimitErrorWindow),
			Field:       "error_log",
			Current:     n,
			Severity:    "high",
			AutoFixable: false,
		})
	}

	if prefix, looping := r.detectLoop(s); looping {
		issues = append(issues, Issue{
			Kind:        IssueLoopDetected,
			Description: "agent appears to be in a loop (repeated identical responses)",
			Field:       "messages",
			Current:     prefix,
			Severity:    "critical",
			AutoFixable: false,
		})
	}

	// Stale message waits get surfaced; recovery waits are excluded because
	// the loop's own wait guard owns that case.
	if s.Status == StatusWaitingForMessage && s.WaitingStart != nil {
		if elapsed := r.now().UTC().Sub(*s.WaitingStart); elapsed > staleWaitAfter {
			issues = append(issues, Issue{
				Kind:        IssueStaleData,
				Description: fmt.Sprintf("agent has been waiting for input for %.0f seconds", elapsed.Seconds()),
				Field:       "waiting_start_time",
				Current:     s.WaitingStart.Format(time.RFC3339),
				Severity:    "medium",
				AutoFixable: false,
			})
		}
	}

	return issues
}

// AutoFix applies a set patch for every auto-fixable issue found.
func (r *Reconciler) AutoFix(s *State) ReconcileResult {
	result := ReconcileResult{
		Timestamp: r.now().UTC().Format(time.RFC3339),
		Issues:    r.Check(s),
	}
	for _, issue := range result.Issues {
		if !issue.AutoFixable || issue.Suggested == nil {
			continue
		}
		patch := Patch{
			Field:  issue.Field,
			Op:     "set",
			Value:  issue.Suggested,
			Reason: issue.Description,
		}
		if r.applyPatch(s, patch) {
			result.Applied = append(result.Applied, patch)
		}
	}
	return result
}

// applyPatch mutates one named field. Unknown fields or inapplicable
// operations return false instead of erroring; reconciliation is best
// effort by design of its callers.
func (r *Reconciler) applyPatch(s *State, p Patch) bool {
	applied := false
	switch p.Field {
	case "iteration":
		if p.Op == "set" {
			if v, ok := toInt(p.Value); ok {
				s.Iteration = v
				applied = true
			}
		}
	case "status":
		if p.Op == "set" {
			if v, ok := p.Value.(string); ok {
				s.Status = Status(v)
				if !s.Status.Waiting() {
					s.WaitingStart = nil
				}
				applied = true
			}
		}
	case "failure_reason":
		switch p.Op {
		case "set":
			if v, ok := p.Value.(string); ok {
				s.FailureReason = v
				applied = true
			}
		case "clear":
			s.FailureReason = ""
			applied = true
		}
	case "waiting_start_time":
		switch p.Op {
		case "set":
			if v, ok := p.Value.(time.Time); ok {
				utc := v.UTC()
				s.WaitingStart = &utc
				applied = true
			}
		case "clear":
			s.WaitingStart = nil
			applied = true
		}
	case "consecutive_empty_responses":
		switch p.Op {
		case "set":
			if v, ok := toInt(p.Value); ok {
				s.ConsecutiveEmptyResponses = v
				applied = true
			}
		case "clear":
			s.ConsecutiveEmptyResponses = 0
			applied = true
		}
	case "error_log":
		switch p.Op {
		case "clear":
			s.ErrorLog = nil
			applied = true
		case "append":
			if v, ok := p.Value.(string); ok {
				s.ErrorLog = append(s.ErrorLog, v)
				applied = true
			}
		case "remove":
			if v, ok := p.Value.(string); ok {
				for i, entry := range s.ErrorLog {
					if entry == v {
						s.ErrorLog = append(s.ErrorLog[:i], s.ErrorLog[i+1:]...)
						applied = true
						break
					}
				}
			}
		}
	case "context":
		if p.Op == "clear" {
			s.Context = map[string]any{}
			applied = true
		}
	}

	if applied {
		r.log.Info("agent %s: applied patch %s %s (%s)", s.AgentID, p.Op, p.Field, p.Reason)
	} else {
		r.log.Warn("agent %s: cannot apply patch %s %s", s.AgentID, p.Op, p.Field)
	}
	return applied
}

// InjectCheckpoint appends a user-role reconciliation message so the next
// thinker call sees the state summary and the open issues.
func (r *Reconciler) InjectCheckpoint(s *State, issues []Issue) {
	var b strings.Builder
	b.WriteString("<state_reconciliation>\n")
	b.WriteString("<notice>This is an automatic state reconciliation checkpoint. ")
	b.WriteString("Review the current state and identified issues, then continue appropriately.</notice>\n\n")
	b.WriteString(r.stateSummary(s))

	if len(issues) > 0 {
		b.WriteString("\nIDENTIFIED ISSUES:\n")
		for _, issue := range issues {
			fmt.Fprintf(&b, "  - [%s] %s: %s\n", strings.ToUpper(issue.Severity), issue.Kind, issue.Description)
		}
	}

	b.WriteString("\n<instructions>\n")
	b.WriteString("Based on this state information:\n")
	b.WriteString("1. Acknowledge any issues that need addressing\n")
	b.WriteString("2. If you were in a loop or making repeated errors, try a different approach\n")
	b.WriteString("3. If rate limits were hit, wait and retry with simpler requests\n")
	b.WriteString("4. Continue with your task, keeping the state context in mind\n")
	b.WriteString("</instructions>\n")
	b.WriteString("</state_reconciliation>")

	s.Messages = append(s.Messages, llm.UserMessage(b.String()))
	r.log.Info("agent %s: injected reconciliation checkpoint (%d issues)", s.AgentID, len(issues))
}

func (r *Reconciler) stateSummary(s *State) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Agent: %s (%s)\n", s.Name, s.AgentID)
	if s.ParentID != "" {
		fmt.Fprintf(&b, "Parent: %s\n", s.ParentID)
	}
	task := s.Task
	if len(task) > 200 {
		task = task[:200] + "..."
	}
	fmt.Fprintf(&b, "Task: %s\n", task)
	fmt.Fprintf(&b, "Status: %s\n", s.Status)
	fmt.Fprintf(&b, "Iteration: %d/%d\n", s.Iteration, s.MaxIterations)
	fmt.Fprintf(&b, "Messages: %d, Actions: %d, Errors: %d\n", len(s.Messages), len(s.ActionLog), len(s.ErrorLog))

	if len(s.ErrorLog) > 0 {
		b.WriteString("Recent errors:\n")
		start := len(s.ErrorLog) - 5
		if start < 0 {
			start = 0
		}
		for _, e := range s.ErrorLog[start:] {
			fmt.Fprintf(&b, "  - %s\n", e)
		}
	}
	return b.String()
}

// recentRateLimitErrors counts rate-limit markers in the tail of the error
// log.
func (r *Reconciler) recentRateLimitErrors(s *State) int {
	start := len(s.ErrorLog) - rateLimitErrorWindow
	if start < 0 {
		start = 0
	}
	count := 0
	for _, e := range s.ErrorLog[start:] {
		lower := strings.ToLower(e)
		if strings.Contains(lower, "rate limit") || strings.Contains(lower, "429") ||
			strings.Contains(lower, "too many requests") {
			count++
		}
	}
	return count
}

// detectLoop looks for repeated identical assistant responses in the
// recent conversation tail.
func (r *Reconciler) detectLoop(s *State) (string, bool) {
	if len(s.Messages) < loopMessageWindow {
		return "", false
	}
	tail := s.Messages[len(s.Messages)-loopMessageWindow:]
	var prefixes []string
	for _, m := range tail {
		if m.Role != llm.RoleAssistant {
			continue
		}
		prefix := m.Content
		if len(prefix) > loopPrefixLength {
			prefix = prefix[:loopPrefixLength]
		}
		prefixes = append(prefixes, prefix)
	}
	if len(prefixes) < loopRepeatThreshold {
		return "", false
	}
	first := prefixes[0]
	for _, p := range prefixes[1:] {
		if p != first {
			return "", false
		}
	}
	return first, true
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}
