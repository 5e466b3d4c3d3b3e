package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/glamour"
	"golang.org/x/term"

	"github.com/TWN-Systems/strix/internal/agent"
	"github.com/TWN-Systems/strix/internal/app"
	"github.com/TWN-Systems/strix/internal/telemetry"
)

// printEvent renders one live event line. It runs on agent goroutines, so
// printing is serialized; kinds that would flood the terminal are dropped.
func (cli *CLI) printEvent(ev telemetry.Event) {
	line := cli.formatEvent(ev)
	if line == "" {
		return
	}
	cli.printMu.Lock()
	defer cli.printMu.Unlock()
	fmt.Println(line)
}

func (cli *CLI) formatEvent(ev telemetry.Event) string {
	switch ev.Kind {
	case telemetry.EventScanStart:
		return fmt.Sprintf("%s scan %s started", blue("▶"), bold(dataString(ev, "run_name")))
	case telemetry.EventAgentCreated:
		name := dataString(ev, "name")
		role := dataString(ev, "role")
		if parent := dataString(ev, "parent_id"); parent != "" {
			return fmt.Sprintf("%s %s (%s) spawned by %s", cyan("+"), bold(name), role, gray(parent))
		}
		return fmt.Sprintf("%s %s (%s) spawned", cyan("+"), bold(name), role)
	case telemetry.EventAgentStateTransition:
		to := dataString(ev, "to")
		reason := dataString(ev, "reason")
		switch {
		case to == string(agent.StatusCompleted):
			return fmt.Sprintf("%s %s completed", green("✓"), ev.AgentID)
		case to == string(agent.StatusFailed):
			return fmt.Sprintf("%s %s failed: %s", red("✗"), ev.AgentID, reason)
		case to == string(agent.StatusStopped):
			return fmt.Sprintf("%s %s stopped", yellow("■"), ev.AgentID)
		case reason == "reconciliation checkpoint":
			return gray(fmt.Sprintf("  %s drifted, checkpoint injected", ev.AgentID))
		}
		return ""
	case telemetry.EventVulnerabilityFound:
		sev := dataString(ev, "severity")
		return fmt.Sprintf("%s %s %s (%s)",
			severityColor(sev)("⚑"),
			severityColor(sev)("["+strings.ToUpper(sev)+"]"),
			dataString(ev, "title"),
			dataString(ev, "finding_id"))
	case telemetry.EventProgressUpdate:
		done, _ := ev.Data["done"].(int)
		total, _ := ev.Data["total"].(int)
		return gray(fmt.Sprintf("  plan %d/%d tasks done", done, total))
	case telemetry.EventThinkerError:
		return fmt.Sprintf("%s thinker %s: %s", yellow("!"), dataString(ev, "classification"), dataString(ev, "error"))
	default:
		return ""
	}
}

func dataString(ev telemetry.Event, key string) string {
	s, _ := ev.Data[key].(string)
	return s
}

// severityColor maps a finding severity to its display color.
func severityColor(severity string) func(a ...interface{}) string {
	switch strings.ToLower(strings.TrimSpace(severity)) {
	case "critical", "high":
		return red
	case "medium":
		return yellow
	case "low":
		return blue
	default:
		return gray
	}
}

// printSummary prints the end-of-run block: status, agent tallies, thinker
// usage, and the findings table.
func (cli *CLI) printSummary(o *app.Outcome) {
	cli.printMu.Lock()
	defer cli.printMu.Unlock()

	dur := o.Duration.Round(time.Second)
	if o.Duration < time.Minute {
		dur = o.Duration.Round(time.Millisecond)
	}
	fmt.Println()
	if o.Succeeded() {
		fmt.Printf("%s in %s\n", green(bold("Scan complete")), dur)
	} else {
		fmt.Printf("%s after %s: %s\n", red(bold("Scan did not complete")), dur, o.Root.FailureReason)
	}

	fmt.Printf("  %s %s\n", gray("run:"), o.RunName)
	fmt.Printf("  %s %s\n", gray("agents:"), agentTally(o.Agents))
	fmt.Printf("  %s %d requests, %d retries, %d cache hits, $%.4f\n",
		gray("thinker:"), o.Stats.Requests, o.Stats.Retries, o.Stats.CacheHits, o.Stats.TotalCost)

	if len(o.Findings) == 0 {
		fmt.Printf("  %s none\n", gray("findings:"))
	} else {
		fmt.Printf("  %s %d\n", gray("findings:"), len(o.Findings))
		for _, f := range o.Findings {
			fmt.Printf("    %s %s %s\n",
				severityColor(f.Severity)("["+strings.ToUpper(f.Severity)+"]"),
				f.Title, gray("("+f.ID+")"))
		}
	}
	fmt.Printf("  %s %s\n", gray("report:"), filepath.Join(o.RunDir, "penetration_test_report.md"))

	if len(o.Agents) > 1 {
		fmt.Printf("\n%s\n", gray("agents:"))
		for _, line := range strings.Split(strings.TrimRight(o.Graph, "\n"), "\n") {
			fmt.Printf("  %s\n", gray(line))
		}
	}
}

func agentTally(results []agent.Result) string {
	counts := map[agent.Status]int{}
	for _, r := range results {
		counts[r.Status]++
	}
	parts := []string{fmt.Sprintf("%d", len(results))}
	order := []agent.Status{agent.StatusCompleted, agent.StatusFailed, agent.StatusStopped}
	var tail []string
	for _, st := range order {
		if n := counts[st]; n > 0 {
			tail = append(tail, fmt.Sprintf("%d %s", n, st))
		}
	}
	if len(tail) > 0 {
		parts = append(parts, "("+strings.Join(tail, ", ")+")")
	}
	return strings.Join(parts, " ")
}

// renderReport prints the final report, markdown-rendered when attached to
// a terminal, as a plain path otherwise.
func (cli *CLI) renderReport(o *app.Outcome) {
	if cli.nonInteractive || !isTTY() {
		return
	}
	raw, err := os.ReadFile(filepath.Join(o.RunDir, "penetration_test_report.md"))
	if err != nil {
		return
	}
	width := 100
	if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 20 {
		width = w
	}
	fmt.Println()
	fmt.Print(renderMarkdown(string(raw), width))
}

// renderMarkdown renders markdown with glamour, falling back to the raw
// text when the renderer cannot be built.
func renderMarkdown(content string, width int) string {
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width-4),
	)
	if err != nil {
		return content
	}
	rendered, err := r.Render(content)
	if err != nil {
		return content
	}
	return rendered
}
