// Package telemetry owns the run directory: the ordered event stream,
// finding artifacts, run state snapshots, and the run plan. Every artifact
// write is atomic (temp file + rename) and the event log on disk is always
// a prefix of the in-memory log.
package telemetry

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	strixerrors "github.com/TWN-Systems/strix/internal/errors"
	"github.com/TWN-Systems/strix/internal/logging"
)

// Event kinds, the full enumerated set.
const (
	EventScanStart            = "scan_start"
	EventScanEnd              = "scan_end"
	EventAgentCreated         = "agent_created"
	EventAgentStateTransition = "agent_state_transition"
	EventAgentIteration       = "agent_iteration"
	EventThinkerRequest       = "thinker_request"
	EventThinkerResponse      = "thinker_response"
	EventThinkerError         = "thinker_error"
	EventActionStart          = "action_start"
	EventActionEnd            = "action_end"
	EventActionError          = "action_error"
	EventMessageSent          = "agent_message_sent"
	EventMessageReceived      = "agent_message_received"
	EventVulnerabilityFound   = "vulnerability_found"
	EventProgressUpdate       = "progress_update"
)

// Event is one entry of the run's event stream.
type Event struct {
	EventID   int64          `json:"event_id"`
	Kind      string         `json:"event_type"`
	Timestamp string         `json:"timestamp"`
	AgentID   string         `json:"agent_id,omitempty"`
	Data      map[string]any `json:"data"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Callback receives each emitted event. Failures are suppressed.
type Callback func(Event)

// Tracer serializes event_id assignment and the events.jsonl append under
// one lock so persistence order matches emit order.
type Tracer struct {
	mu        sync.Mutex
	runDir    string
	nextID    int64
	events    []Event
	kindCount map[string]int
	file      *os.File
	callbacks []Callback

	findingsMu sync.Mutex
	findings   []Finding

	artifactMu  sync.Mutex
	artifactSeq int

	logger  logging.Logger
	metrics *Metrics
}

// NewTracer opens the run directory and the event stream for appending.
// Anything a previous instance persisted is recovered first: events replay
// into memory so ids stay monotonic across restarts, and the findings index
// reloads so finding ids keep counting. A run directory is therefore
// resumable after a crash.
func NewTracer(runDir string) (*Tracer, error) {
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, &strixerrors.PersistenceError{Path: runDir, Err: err}
	}
	t := &Tracer{
		runDir:    runDir,
		kindCount: make(map[string]int),
		logger:    logging.NewComponentLogger("tracer"),
	}

	path := filepath.Join(runDir, "events.jsonl")
	terminated := t.recoverEvents(path)
	t.recoverFindings()

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, &strixerrors.PersistenceError{Path: path, Err: err}
	}
	t.file = f
	if !terminated {
		// A torn tail from an interrupted write must not swallow the next
		// appended line.
		if _, err := t.file.Write([]byte("\n")); err != nil {
			t.logger.Warn("failed to terminate torn event line: %v", err)
		}
	}
	return t, nil
}

// recoverEvents replays a persisted event stream into memory. Malformed
// lines (torn writes) are skipped. Returns whether the file ends with a
// newline; an empty or absent file counts as terminated.
func (t *Tracer) recoverEvents(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return true
	}
	defer f.Close()

	terminated := true
	if info, err := f.Stat(); err == nil && info.Size() > 0 {
		tail := make([]byte, 1)
		if _, err := f.ReadAt(tail, info.Size()-1); err == nil {
			terminated = tail[0] == '\n'
		}
	}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	skipped := 0
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil || ev.EventID == 0 {
			skipped++
			continue
		}
		t.events = append(t.events, ev)
		t.kindCount[ev.Kind]++
		if ev.EventID > t.nextID {
			t.nextID = ev.EventID
		}
	}
	if len(t.events) > 0 || skipped > 0 {
		t.logger.Info("recovered %d events from %s (%d unreadable lines skipped)",
			len(t.events), path, skipped)
	}
	return terminated
}

// RunDir returns the run directory this tracer persists into.
func (t *Tracer) RunDir() string {
	return t.runDir
}

// SetMetrics attaches a metrics sink; nil is fine.
func (t *Tracer) SetMetrics(m *Metrics) {
	t.metrics = m
}

// Subscribe registers a callback invoked for every subsequent event.
func (t *Tracer) Subscribe(cb Callback) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.callbacks = append(t.callbacks, cb)
}

// Emit assigns the next event_id, stamps UTC time, persists the event to
// events.jsonl and then invokes callbacks. The disk write completes before
// Emit returns; callback panics are logged and suppressed.
func (t *Tracer) Emit(kind, agentID string, data map[string]any) Event {
	if data == nil {
		data = map[string]any{}
	}

	t.mu.Lock()
	t.nextID++
	ev := Event{
		EventID:   t.nextID,
		Kind:      kind,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		AgentID:   agentID,
		Data:      data,
	}
	t.events = append(t.events, ev)
	t.kindCount[kind]++

	line, err := json.Marshal(ev)
	if err != nil {
		t.logger.Error("failed to encode event %d (%s): %v", ev.EventID, kind, err)
	} else if t.file != nil {
		if _, err := t.file.Write(append(line, '\n')); err != nil {
			t.logger.Error("failed to append event %d to events.jsonl: %v", ev.EventID, err)
		} else if err := t.file.Sync(); err != nil {
			t.logger.Error("failed to sync events.jsonl: %v", err)
		}
	}
	callbacks := make([]Callback, len(t.callbacks))
	copy(callbacks, t.callbacks)
	t.mu.Unlock()

	t.metrics.ObserveEvent(kind)
	for _, cb := range callbacks {
		t.invoke(cb, ev)
	}
	return ev
}

func (t *Tracer) invoke(cb Callback, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Warn("event callback panicked on event %d (%s): %v", ev.EventID, ev.Kind, r)
		}
	}()
	cb(ev)
}

// EventsSince returns the events at indices >= cursor and the new
// high-water mark to pass next time.
func (t *Tracer) EventsSince(cursor int) ([]Event, int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cursor < 0 {
		cursor = 0
	}
	if cursor >= len(t.events) {
		return nil, len(t.events)
	}
	out := make([]Event, len(t.events)-cursor)
	copy(out, t.events[cursor:])
	return out, len(t.events)
}

// CountKind reports how many events of the given kind were emitted.
func (t *Tracer) CountKind(kind string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.kindCount[kind]
}

// Close flushes and closes the event stream.
func (t *Tracer) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.file == nil {
		return nil
	}
	err := t.file.Close()
	t.file = nil
	return err
}

const (
	messagePreviewLimit = 200
	payloadPreviewLimit = 500
)

// PreviewMessage truncates inter-agent message content for event payloads.
func PreviewMessage(s string) string {
	return truncate(s, messagePreviewLimit)
}

// PreviewPayload truncates action arguments and results for event payloads.
func PreviewPayload(s string) string {
	return truncate(s, payloadPreviewLimit)
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "... (truncated)"
}

// writeFileAtomic writes data to path via a temp file in the same
// directory, fsyncs, then renames into place so readers never observe a
// torn write.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &strixerrors.PersistenceError{Path: path, Err: err}
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return &strixerrors.PersistenceError{Path: path, Err: err}
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return &strixerrors.PersistenceError{Path: path, Err: err}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return &strixerrors.PersistenceError{Path: path, Err: err}
	}
	if err := tmp.Close(); err != nil {
		return &strixerrors.PersistenceError{Path: path, Err: err}
	}
	if err := os.Rename(tmpName, path); err != nil {
		return &strixerrors.PersistenceError{Path: path, Err: err}
	}
	return nil
}

// writeJSONAtomic marshals v with indentation and writes it atomically.
func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	return writeFileAtomic(path, data)
}
