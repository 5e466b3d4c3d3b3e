package telemetry

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Severity levels accepted for findings.
var severityRank = map[string]int{
	"critical": 0,
	"high":     1,
	"medium":   2,
	"low":      3,
	"info":     4,
}

// ValidSeverity reports whether s is a recognized severity level.
func ValidSeverity(s string) bool {
	_, ok := severityRank[strings.ToLower(s)]
	return ok
}

// SeverityRank orders severities for sorting, critical first. Unknown
// levels sort last.
func SeverityRank(s string) int {
	if rank, ok := severityRank[strings.ToLower(s)]; ok {
		return rank
	}
	return len(severityRank)
}

// Finding is one recorded vulnerability.
type Finding struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Severity  string `json:"severity"`
	Timestamp string `json:"timestamp"`
	File      string `json:"file"`
}

// AddFinding assigns the next sequential finding id, writes the markdown
// artifact and rewrites the CSV index (both atomically), then emits a
// vulnerability_found event. Ids never repeat within a run, so duplicate
// titles get distinct artifacts.
func (t *Tracer) AddFinding(agentID, title, body, severity string) (string, error) {
	severity = strings.ToLower(strings.TrimSpace(severity))
	if !ValidSeverity(severity) {
		return "", fmt.Errorf("invalid severity %q (expected critical, high, medium, low or info)", severity)
	}
	title = strings.TrimSpace(title)
	if title == "" {
		return "", fmt.Errorf("finding title must not be empty")
	}

	t.findingsMu.Lock()
	defer t.findingsMu.Unlock()

	id := fmt.Sprintf("vuln-%04d", len(t.findings)+1)
	finding := Finding{
		ID:        id,
		Title:     title,
		Severity:  severity,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		File:      filepath.Join("vulnerabilities", id+".md"),
	}

	if err := writeFileAtomic(filepath.Join(t.runDir, finding.File), renderFinding(finding, body)); err != nil {
		return "", err
	}
	t.findings = append(t.findings, finding)
	if err := t.writeFindingsIndexLocked(); err != nil {
		return "", err
	}

	t.Emit(EventVulnerabilityFound, agentID, map[string]any{
		"finding_id": id,
		"title":      title,
		"severity":   severity,
	})
	t.metrics.ObserveFinding(severity)
	return id, nil
}

// recoverFindings reloads vulnerabilities.csv written by a previous
// instance so finding ids continue past what it recorded. The in-memory
// list is restored to id order; the index file itself stays sorted by
// severity.
func (t *Tracer) recoverFindings() {
	f, err := os.Open(filepath.Join(t.runDir, "vulnerabilities.csv"))
	if err != nil {
		return
	}
	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	if err != nil || len(rows) < 2 {
		return
	}

	findings := make([]Finding, 0, len(rows)-1)
	for _, row := range rows[1:] {
		if len(row) < 5 || row[0] == "" {
			continue
		}
		findings = append(findings, Finding{
			ID:        row[0],
			Title:     row[1],
			Severity:  strings.ToLower(row[2]),
			Timestamp: row[3],
			File:      row[4],
		})
	}
	sort.Slice(findings, func(i, j int) bool { return findings[i].ID < findings[j].ID })

	t.findingsMu.Lock()
	t.findings = findings
	t.findingsMu.Unlock()
	if len(findings) > 0 {
		t.logger.Info("recovered %d findings from vulnerabilities.csv", len(findings))
	}
}

// Findings returns the findings recorded so far, in insertion order.
func (t *Tracer) Findings() []Finding {
	t.findingsMu.Lock()
	defer t.findingsMu.Unlock()
	out := make([]Finding, len(t.findings))
	copy(out, t.findings)
	return out
}

// FindingsCount reports how many findings were recorded.
func (t *Tracer) FindingsCount() int {
	t.findingsMu.Lock()
	defer t.findingsMu.Unlock()
	return len(t.findings)
}

func renderFinding(f Finding, body string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", f.Title)
	fmt.Fprintf(&b, "- **ID:** %s\n", f.ID)
	fmt.Fprintf(&b, "- **Severity:** %s\n", strings.ToUpper(f.Severity))
	fmt.Fprintf(&b, "- **Reported:** %s\n\n", f.Timestamp)
	b.WriteString(strings.TrimSpace(body))
	b.WriteString("\n")
	return []byte(b.String())
}

// writeFindingsIndexLocked rewrites vulnerabilities.csv sorted by severity
// rank, ties broken by timestamp ascending. Caller holds findingsMu.
func (t *Tracer) writeFindingsIndexLocked() error {
	rows := make([]Finding, len(t.findings))
	copy(rows, t.findings)
	sort.SliceStable(rows, func(i, j int) bool {
		ri, rj := severityRank[rows[i].Severity], severityRank[rows[j].Severity]
		if ri != rj {
			return ri < rj
		}
		return rows[i].Timestamp < rows[j].Timestamp
	})

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write([]string{"id", "title", "severity", "timestamp", "file"}); err != nil {
		return err
	}
	for _, f := range rows {
		if err := w.Write([]string{f.ID, f.Title, strings.ToUpper(f.Severity), f.Timestamp, f.File}); err != nil {
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}
	return writeFileAtomic(filepath.Join(t.runDir, "vulnerabilities.csv"), buf.Bytes())
}

// SetFinalResult writes the final report artifact and emits scan_end.
func (t *Tracer) SetFinalResult(text string, success bool) error {
	if err := writeFileAtomic(filepath.Join(t.runDir, "penetration_test_report.md"), []byte(text)); err != nil {
		return err
	}
	t.Emit(EventScanEnd, "", map[string]any{"success": success})
	return nil
}
