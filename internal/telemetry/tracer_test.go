package telemetry

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTracer(t *testing.T) *Tracer {
	t.Helper()
	tr, err := NewTracer(filepath.Join(t.TempDir(), "run"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func TestEmitAssignsMonotonicIDs(t *testing.T) {
	tr := newTestTracer(t)

	first := tr.Emit(EventScanStart, "", map[string]any{"target": "example.com"})
	second := tr.Emit(EventAgentCreated, "agent_0a1b2c3d", nil)
	third := tr.Emit(EventAgentIteration, "agent_0a1b2c3d", map[string]any{"iteration": 1})

	assert.Equal(t, int64(1), first.EventID)
	assert.Equal(t, int64(2), second.EventID)
	assert.Equal(t, int64(3), third.EventID)
	assert.NotEmpty(t, first.Timestamp)
	assert.Equal(t, 1, tr.CountKind(EventScanStart))
	assert.Equal(t, 1, tr.CountKind(EventAgentIteration))
}

func TestEmitPersistsBeforeReturn(t *testing.T) {
	tr := newTestTracer(t)
	tr.Emit(EventScanStart, "", nil)
	tr.Emit(EventAgentCreated, "agent_11111111", nil)

	f, err := os.Open(filepath.Join(tr.RunDir(), "events.jsonl"))
	require.NoError(t, err)
	defer f.Close()

	var onDisk []Event
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var ev Event
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &ev))
		onDisk = append(onDisk, ev)
	}
	require.NoError(t, scanner.Err())

	require.Len(t, onDisk, 2)
	assert.Equal(t, int64(1), onDisk[0].EventID)
	assert.Equal(t, EventScanStart, onDisk[0].Kind)
	assert.Equal(t, "agent_11111111", onDisk[1].AgentID)
}

func TestEventsSince(t *testing.T) {
	tr := newTestTracer(t)
	tr.Emit(EventScanStart, "", nil)
	tr.Emit(EventAgentCreated, "a", nil)

	events, cursor := tr.EventsSince(0)
	require.Len(t, events, 2)
	assert.Equal(t, 2, cursor)

	events, cursor = tr.EventsSince(cursor)
	assert.Empty(t, events)
	assert.Equal(t, 2, cursor)

	tr.Emit(EventAgentIteration, "a", nil)
	events, cursor = tr.EventsSince(cursor)
	require.Len(t, events, 1)
	assert.Equal(t, int64(3), events[0].EventID)
	assert.Equal(t, 3, cursor)
}

func TestCallbacksSuppressPanics(t *testing.T) {
	tr := newTestTracer(t)

	var seen []string
	tr.Subscribe(func(ev Event) {
		panic("callback bug")
	})
	tr.Subscribe(func(ev Event) {
		seen = append(seen, ev.Kind)
	})

	tr.Emit(EventScanStart, "", nil)
	tr.Emit(EventScanEnd, "", nil)

	assert.Equal(t, []string{EventScanStart, EventScanEnd}, seen)
	assert.Equal(t, 1, tr.CountKind(EventScanEnd))
}

func TestPreviewTruncation(t *testing.T) {
	long := make([]byte, 1000)
	for i := range long {
		long[i] = 'x'
	}
	msg := PreviewMessage(string(long))
	assert.Len(t, msg, 200+len("... (truncated)"))

	payload := PreviewPayload(string(long))
	assert.Len(t, payload, 500+len("... (truncated)"))

	assert.Equal(t, "short", PreviewMessage("short"))
}

func TestSaveRunStateDerivesCounters(t *testing.T) {
	tr := newTestTracer(t)
	tr.Emit(EventAgentCreated, "a", nil)
	tr.Emit(EventAgentCreated, "b", nil)
	tr.Emit(EventActionEnd, "a", nil)
	tr.Emit(EventActionError, "b", nil)

	require.NoError(t, tr.SaveRunState(RunState{RunID: "r1", RunName: "demo"}))

	data, err := os.ReadFile(filepath.Join(tr.RunDir(), "run_state.json"))
	require.NoError(t, err)
	var state RunState
	require.NoError(t, json.Unmarshal(data, &state))
	assert.Equal(t, 2, state.AgentsCount)
	assert.Equal(t, 2, state.ToolExecutionsCount)
	assert.Equal(t, "r1", state.RunID)
}

func TestSaveMetadata(t *testing.T) {
	tr := newTestTracer(t)
	require.NoError(t, tr.SaveMetadata(RunMetadata{
		RunID:   "r1",
		RunName: "demo",
		Target:  "https://example.com",
	}))

	data, err := os.ReadFile(filepath.Join(tr.RunDir(), "metadata.json"))
	require.NoError(t, err)
	var meta RunMetadata
	require.NoError(t, json.Unmarshal(data, &meta))
	assert.Equal(t, "https://example.com", meta.Target)
}

func TestReopenedTracerContinuesEventStream(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "run")

	first, err := NewTracer(dir)
	require.NoError(t, err)
	first.Emit(EventScanStart, "", nil)
	first.Emit(EventAgentCreated, "agent_aa", nil)
	// Abandoned without Close, like a killed process.

	second, err := NewTracer(dir)
	require.NoError(t, err)
	defer second.Close()

	events, cursor := second.EventsSince(0)
	require.Len(t, events, 2)
	assert.Equal(t, 2, cursor)
	assert.Equal(t, EventScanStart, events[0].Kind)
	assert.Equal(t, 1, second.CountKind(EventAgentCreated))

	ev := second.Emit(EventAgentIteration, "agent_aa", nil)
	assert.Equal(t, int64(3), ev.EventID)

	third, err := NewTracer(dir)
	require.NoError(t, err)
	defer third.Close()
	events, _ = third.EventsSince(0)
	require.Len(t, events, 3)
	assert.Equal(t, int64(3), events[2].EventID)
}

func TestTracerRecoveryToleratesTornTail(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "run")

	first, err := NewTracer(dir)
	require.NoError(t, err)
	first.Emit(EventScanStart, "", nil)
	first.Emit(EventVulnerabilityFound, "agent_aa", map[string]any{"finding_id": "vuln-0001"})
	require.NoError(t, first.Close())

	// Simulate a write interrupted mid-line.
	f, err := os.OpenFile(filepath.Join(dir, "events.jsonl"), os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"event_id":3,"event_type":"agent_it`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	second, err := NewTracer(dir)
	require.NoError(t, err)
	defer second.Close()

	events, _ := second.EventsSince(0)
	require.Len(t, events, 2)
	assert.Equal(t, EventVulnerabilityFound, events[1].Kind)

	// Appending after the torn tail must start a fresh line.
	second.Emit(EventScanEnd, "", nil)

	third, err := NewTracer(dir)
	require.NoError(t, err)
	defer third.Close()
	events, _ = third.EventsSince(0)
	require.Len(t, events, 3)
	assert.Equal(t, EventScanEnd, events[2].Kind)
}

func TestReplayedCountersMatchLiveRun(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "run")

	live, err := NewTracer(dir)
	require.NoError(t, err)
	live.Emit(EventAgentCreated, "a", nil)
	live.Emit(EventActionEnd, "a", nil)
	live.Emit(EventActionEnd, "a", nil)
	live.Emit(EventActionError, "a", nil)
	require.NoError(t, live.Close())

	replayed, err := NewTracer(dir)
	require.NoError(t, err)
	defer replayed.Close()

	require.NoError(t, replayed.SaveRunState(RunState{RunID: "r1"}))
	data, err := os.ReadFile(filepath.Join(dir, "run_state.json"))
	require.NoError(t, err)
	var state RunState
	require.NoError(t, json.Unmarshal(data, &state))
	assert.Equal(t, 1, state.AgentsCount)
	assert.Equal(t, 3, state.ToolExecutionsCount)
}

func TestSaveThinkerArtifact(t *testing.T) {
	tr := newTestTracer(t)

	path1, err := tr.SaveThinkerArtifact(ThinkerArtifact{AgentID: "agent_aa", Response: "one"})
	require.NoError(t, err)
	path2, err := tr.SaveThinkerArtifact(ThinkerArtifact{AgentID: "agent_bb", Response: "two"})
	require.NoError(t, err)

	assert.Contains(t, filepath.Base(path1), "0001_")
	assert.Contains(t, filepath.Base(path2), "0002_")
	assert.Contains(t, filepath.Base(path2), "agent_bb")

	entries, err := os.ReadDir(filepath.Join(tr.RunDir(), "llm_responses"))
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}
