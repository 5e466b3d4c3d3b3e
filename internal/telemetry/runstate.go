package telemetry

import (
	"fmt"
	"path/filepath"
	"time"
)

// RunMetadata snapshots the scan configuration for resume support.
type RunMetadata struct {
	RunID      string         `json:"run_id"`
	RunName    string         `json:"run_name"`
	Target     string         `json:"target"`
	StartedAt  string         `json:"started_at"`
	ScanConfig map[string]any `json:"scan_config"`
}

// RunState is the periodic snapshot written to run_state.json.
type RunState struct {
	RunID                     string         `json:"run_id"`
	RunName                   string         `json:"run_name"`
	StartTime                 string         `json:"start_time"`
	EndTime                   string         `json:"end_time,omitempty"`
	IsComplete                bool           `json:"is_complete"`
	IsContinuation            bool           `json:"is_continuation"`
	ContinuationContext       map[string]any `json:"continuation_context,omitempty"`
	ScanConfig                map[string]any `json:"scan_config"`
	RunMetadata               map[string]any `json:"run_metadata,omitempty"`
	AgentsCount               int            `json:"agents_count"`
	ToolExecutionsCount       int            `json:"tool_executions_count"`
	VulnerabilityReportsCount int            `json:"vulnerability_reports_count"`
	HasPlan                   bool           `json:"has_plan"`
	PlanProgress              map[string]any `json:"plan_progress,omitempty"`
}

// SaveMetadata writes metadata.json atomically.
func (t *Tracer) SaveMetadata(meta RunMetadata) error {
	return writeJSONAtomic(filepath.Join(t.runDir, "metadata.json"), meta)
}

// SaveRunState writes run_state.json atomically, filling derived counters
// from the event log when the caller left them zero.
func (t *Tracer) SaveRunState(state RunState) error {
	if state.AgentsCount == 0 {
		state.AgentsCount = t.CountKind(EventAgentCreated)
	}
	if state.ToolExecutionsCount == 0 {
		state.ToolExecutionsCount = t.CountKind(EventActionEnd) + t.CountKind(EventActionError)
	}
	if state.VulnerabilityReportsCount == 0 {
		state.VulnerabilityReportsCount = t.FindingsCount()
	}
	return writeJSONAtomic(filepath.Join(t.runDir, "run_state.json"), state)
}

// ThinkerArtifact captures one thinker exchange for offline inspection.
type ThinkerArtifact struct {
	AgentID      string         `json:"agent_id"`
	Model        string         `json:"model"`
	RequestedAt  string         `json:"requested_at"`
	MessageCount int            `json:"message_count"`
	Response     string         `json:"response"`
	Usage        map[string]any `json:"usage,omitempty"`
	FromCache    bool           `json:"from_cache"`
}

// SaveThinkerArtifact writes one llm_responses/<seq>_<timestamp>_<agent>.json
// file and returns its path.
func (t *Tracer) SaveThinkerArtifact(artifact ThinkerArtifact) (string, error) {
	t.artifactMu.Lock()
	t.artifactSeq++
	seq := t.artifactSeq
	t.artifactMu.Unlock()

	agent := artifact.AgentID
	if agent == "" {
		agent = "root"
	}
	name := fmt.Sprintf("%04d_%s_%s.json", seq, time.Now().UTC().Format("20060102T150405"), agent)
	path := filepath.Join(t.runDir, "llm_responses", name)
	if err := writeJSONAtomic(path, artifact); err != nil {
		return "", err
	}
	return path, nil
}
