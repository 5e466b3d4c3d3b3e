package agent

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/TWN-Systems/strix/internal/llm"
	"github.com/TWN-Systems/strix/internal/sandbox"
	"github.com/TWN-Systems/strix/internal/tools"
)

// Status is an agent's lifecycle position.
type Status string

const (
	StatusRunning            Status = "running"
	StatusWaitingForMessage  Status = "waiting_for_message"
	StatusWaitingForRecovery Status = "waiting_for_recovery"
	StatusCompleted          Status = "completed"
	StatusFailed             Status = "failed"
	StatusStopped            Status = "stopped"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusStopped
}

// Waiting reports whether the agent is parked until a message, a recovery,
// or a timeout.
func (s Status) Waiting() bool {
	return s == StatusWaitingForMessage || s == StatusWaitingForRecovery
}

// NewAgentID mints an id like agent_3fa9c01b.
func NewAgentID() string {
	return "agent_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// ActionRecord is one executed action in the agent's log.
type ActionRecord struct {
	Action    string `json:"action"`
	Iteration int    `json:"iteration"`
	OK        bool   `json:"ok"`
	Summary   string `json:"summary,omitempty"`
}

// State is everything an agent knows about itself. It is owned by the
// agent's loop; the mailbox and the reconciler reach it only through the
// agent's lock.
type State struct {
	AgentID  string     `json:"agent_id"`
	Name     string     `json:"name"`
	Role     tools.Role `json:"role"`
	ParentID string     `json:"parent_id,omitempty"`
	Task     string     `json:"task"`

	Iteration      int `json:"iteration"`
	MaxIterations  int `json:"max_iterations"`
	MaxWaitSeconds int `json:"max_wait_seconds"`

	Status                    Status     `json:"status"`
	WaitingStart              *time.Time `json:"waiting_start_time,omitempty"`
	FailureReason             string     `json:"failure_reason,omitempty"`
	FinalResult               string     `json:"final_result,omitempty"`
	ConsecutiveEmptyResponses int        `json:"consecutive_empty_responses"`

	Messages  []llm.Message  `json:"messages"`
	ActionLog []ActionRecord `json:"action_log"`
	ErrorLog  []string       `json:"error_log"`
	Context   map[string]any `json:"context,omitempty"`

	Sandbox *sandbox.Handle `json:"-"`
}

// allowedTransitions encodes the lifecycle table. Every non-terminal state
// may additionally move to stopped.
var allowedTransitions = map[Status]map[Status]bool{
	StatusRunning: {
		StatusRunning:            true,
		StatusWaitingForMessage:  true,
		StatusWaitingForRecovery: true,
		StatusCompleted:          true,
		StatusFailed:             true,
		StatusStopped:            true,
	},
	StatusWaitingForMessage: {
		StatusRunning: true,
		StatusFailed:  true,
		StatusStopped: true,
	},
	StatusWaitingForRecovery: {
		StatusRunning: true,
		StatusFailed:  true,
		StatusStopped: true,
	},
}

// transitionTo moves the state machine, maintaining the waiting-time
// invariant: waiting_start_time is set iff the status is a waiting one.
func (s *State) transitionTo(next Status) error {
	if s.Status == next {
		return nil
	}
	if !allowedTransitions[s.Status][next] {
		return fmt.Errorf("invalid agent transition %s -> %s", s.Status, next)
	}
	s.Status = next
	if next.Waiting() {
		now := time.Now().UTC()
		s.WaitingStart = &now
	} else {
		s.WaitingStart = nil
	}
	return nil
}

// resumeFromWaiting returns the agent to running and resets the counters
// a fresh start deserves.
func (s *State) resumeFromWaiting() error {
	if !s.Status.Waiting() {
		return fmt.Errorf("agent %s is not waiting (status %s)", s.AgentID, s.Status)
	}
	if err := s.transitionTo(StatusRunning); err != nil {
		return err
	}
	s.ConsecutiveEmptyResponses = 0
	s.FailureReason = ""
	return nil
}

// waitElapsed reports how long the agent has been waiting, zero when not
// waiting.
func (s *State) waitElapsed(now time.Time) time.Duration {
	if s.WaitingStart == nil {
		return 0
	}
	return now.Sub(*s.WaitingStart)
}

// waitTimedOut reports whether the waiting guard has expired.
func (s *State) waitTimedOut(now time.Time) bool {
	return s.Status.Waiting() && s.MaxWaitSeconds > 0 &&
		s.waitElapsed(now) > time.Duration(s.MaxWaitSeconds)*time.Second
}

// recordError appends to the bounded error log.
func (s *State) recordError(err error) {
	const keep = 50
	s.ErrorLog = append(s.ErrorLog, err.Error())
	if len(s.ErrorLog) > keep {
		s.ErrorLog = s.ErrorLog[len(s.ErrorLog)-keep:]
	}
}

// progressPercent is the iteration-based completion estimate carried by
// agent_iteration events.
func (s *State) progressPercent() float64 {
	if s.MaxIterations <= 0 {
		return 0
	}
	pct := float64(s.Iteration) / float64(s.MaxIterations) * 100
	if pct > 100 {
		pct = 100
	}
	return float64(int(pct*10)) / 10
}

// Snapshot is a lock-free copy of agent state for observers.
type Snapshot struct {
	AgentID       string     `json:"agent_id"`
	Name          string     `json:"name"`
	Role          tools.Role `json:"role"`
	ParentID      string     `json:"parent_id,omitempty"`
	Status        Status     `json:"status"`
	Iteration     int        `json:"iteration"`
	MaxIterations int        `json:"max_iterations"`
	FailureReason string     `json:"failure_reason,omitempty"`
	FinalResult   string     `json:"final_result,omitempty"`
	MessageCount  int        `json:"message_count"`
	ErrorCount    int        `json:"error_count"`
	WaitingSince  string     `json:"waiting_since,omitempty"`
}

func (s *State) snapshot() Snapshot {
	snap := Snapshot{
		AgentID:       s.AgentID,
		Name:          s.Name,
		Role:          s.Role,
		ParentID:      s.ParentID,
		Status:        s.Status,
		Iteration:     s.Iteration,
		MaxIterations: s.MaxIterations,
		FailureReason: s.FailureReason,
		FinalResult:   s.FinalResult,
		MessageCount:  len(s.Messages),
		ErrorCount:    len(s.ErrorLog),
	}
	if s.WaitingStart != nil {
		snap.WaitingSince = s.WaitingStart.Format(time.RFC3339)
	}
	return snap
}
