package app

import (
	"context"
	"fmt"
	"math"
	"net"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/TWN-Systems/strix/internal/agent"
	"github.com/TWN-Systems/strix/internal/llm"
	"github.com/TWN-Systems/strix/internal/telemetry"
	"github.com/TWN-Systems/strix/internal/tools"
)

// Outcome summarizes one finished run for the caller.
type Outcome struct {
	RunID    string
	RunName  string
	RunDir   string
	Root     agent.Result
	Agents   []agent.Result
	Findings []telemetry.Finding
	Events   int
	Stats    llm.RequestStats
	Graph    string
	Duration time.Duration
}

// Succeeded reports whether the root agent completed its task.
func (o *Outcome) Succeeded() bool { return o.Root.Status == agent.StatusCompleted }

// ExitCode maps the outcome to the process exit code. Non-interactive runs
// signal recorded findings with exit code 2 so CI pipelines can gate on it.
func (o *Outcome) ExitCode(nonInteractive bool) int {
	if nonInteractive && len(o.Findings) > 0 {
		return 2
	}
	return 0
}

// MaxSeverity returns the most severe finding level, empty without
// findings.
func (o *Outcome) MaxSeverity() string {
	best := ""
	for _, f := range o.Findings {
		if best == "" || telemetry.SeverityRank(f.Severity) < telemetry.SeverityRank(best) {
			best = f.Severity
		}
	}
	return best
}

// Run drives the scan to completion: persist metadata, emit scan_start,
// spawn the root agent, snapshot run state while agents work, join the
// arena, then write the final state and report. Cancelling the context
// stops agents at their next safe point; the outcome still reflects
// whatever the run produced up to that moment.
func (rt *Runtime) Run(ctx context.Context) (*Outcome, error) {
	rt.started = time.Now().UTC()
	if err := rt.tracer.SaveMetadata(telemetry.RunMetadata{
		RunID:      rt.runID,
		RunName:    rt.runName,
		Target:     strings.Join(rt.opts.Targets, ", "),
		StartedAt:  rt.started.Format(time.RFC3339),
		ScanConfig: rt.scanConfig(),
	}); err != nil {
		rt.log.Warn("metadata save: %v", err)
	}
	rt.tracer.Emit(telemetry.EventScanStart, "", map[string]any{
		"run_id":   rt.runID,
		"run_name": rt.runName,
		"targets":  rt.opts.Targets,
	})

	root, err := rt.manager.Spawn(ctx, agent.Config{
		Name:    "root",
		Task:    rootTask(rt.opts),
		Role:    rt.rootRole(),
		Sandbox: rt.handle,
	})
	if err != nil {
		return nil, err
	}

	stopSnapshots := rt.snapshotLoop(ctx)
	waitErr := rt.manager.WaitForCompletion(ctx)
	stopSnapshots()
	if waitErr != nil {
		rt.manager.StopAll()
		settle, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = rt.manager.AwaitQuiescence(settle, 50*time.Millisecond)
		cancel()
	}

	rt.complete.Store(true)
	if err := rt.tracer.SaveRunState(rt.runState(true)); err != nil {
		rt.log.Warn("final run state save: %v", err)
	}

	// SetFinalResult emits the closing scan_end event.
	outcome := rt.outcome(root.ID())
	if err := rt.tracer.SetFinalResult(rt.finalReport(outcome), outcome.Succeeded()); err != nil {
		rt.log.Warn("final report save: %v", err)
	}
	_, outcome.Events = rt.tracer.EventsSince(math.MaxInt)
	rt.log.Info("run %s finished: root=%s findings=%d events=%d",
		rt.runName, outcome.Root.Status, len(outcome.Findings), outcome.Events)
	return outcome, waitErr
}

func (rt *Runtime) rootRole() tools.Role {
	if rt.opts.Role == "" {
		return tools.RoleFullAccess
	}
	return tools.Role(rt.opts.Role)
}

// snapshotLoop persists run_state.json on a coarse cadence while agents
// work. The returned stop function joins the goroutine.
func (rt *Runtime) snapshotLoop(ctx context.Context) func() {
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := rt.tracer.SaveRunState(rt.runState(false)); err != nil {
					rt.log.Warn("run state snapshot: %v", err)
				}
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return func() { close(done); <-stopped }
}

func (rt *Runtime) runState(complete bool) telemetry.RunState {
	state := telemetry.RunState{
		RunID:      rt.runID,
		RunName:    rt.runName,
		StartTime:  rt.started.Format(time.RFC3339),
		IsComplete: complete,
		ScanConfig: rt.scanConfig(),
	}
	if complete {
		state.EndTime = time.Now().UTC().Format(time.RFC3339)
	}
	if rt.plan.HasTasks() {
		state.HasPlan = true
		prog := rt.plan.Progress()
		state.PlanProgress = map[string]any{
			"total":       prog.Total,
			"pending":     prog.Pending,
			"in_progress": prog.InProgress,
			"completed":   prog.Completed,
			"failed":      prog.Failed,
			"skipped":     prog.Skipped,
			"percent":     prog.Percent,
		}
	}
	return state
}

func (rt *Runtime) scanConfig() map[string]any {
	cfg := map[string]any{
		"targets":        rt.opts.Targets,
		"root_role":      string(rt.rootRole()),
		"max_iterations": rt.maxIterations,
	}
	if rt.opts.Instructions != "" {
		cfg["user_instructions"] = rt.opts.Instructions
	}
	return cfg
}

func (rt *Runtime) outcome(rootID string) *Outcome {
	results := rt.manager.Results()

	perAgent := make(map[string]int)
	events, count := rt.tracer.EventsSince(0)
	for _, ev := range events {
		if ev.Kind == telemetry.EventVulnerabilityFound {
			perAgent[ev.AgentID]++
		}
	}

	var root agent.Result
	for i := range results {
		results[i].Findings = perAgent[results[i].AgentID]
		if results[i].AgentID == rootID {
			root = results[i]
		}
	}

	return &Outcome{
		RunID:    rt.runID,
		RunName:  rt.runName,
		RunDir:   rt.runDir,
		Root:     root,
		Agents:   results,
		Findings: rt.tracer.Findings(),
		Events:   count,
		Stats:    rt.thinker.Stats(),
		Graph:    rt.manager.AgentGraph(),
		Duration: time.Since(rt.started),
	}
}

// finalReport renders penetration_test_report.md.
func (rt *Runtime) finalReport(o *Outcome) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Penetration Test Report: %s\n\n", strings.Join(rt.opts.Targets, ", "))
	fmt.Fprintf(&b, "- **Run:** %s (`%s`)\n", o.RunName, o.RunID)
	fmt.Fprintf(&b, "- **Started:** %s\n", rt.started.Format(time.RFC3339))
	fmt.Fprintf(&b, "- **Duration:** %s\n", o.Duration.Round(time.Second))
	fmt.Fprintf(&b, "- **Agents:** %d\n", len(o.Agents))
	fmt.Fprintf(&b, "- **Findings:** %d\n\n", len(o.Findings))

	b.WriteString("## Findings\n\n")
	if len(o.Findings) == 0 {
		b.WriteString("No vulnerabilities were recorded during this run.\n\n")
	} else {
		sorted := make([]telemetry.Finding, len(o.Findings))
		copy(sorted, o.Findings)
		sort.SliceStable(sorted, func(i, j int) bool {
			return telemetry.SeverityRank(sorted[i].Severity) < telemetry.SeverityRank(sorted[j].Severity)
		})
		b.WriteString("| ID | Severity | Title |\n|---|---|---|\n")
		for _, f := range sorted {
			fmt.Fprintf(&b, "| %s | %s | %s |\n", f.ID, strings.ToUpper(f.Severity), f.Title)
		}
		b.WriteString("\nFull writeups live under `vulnerabilities/`.\n\n")
	}

	b.WriteString("## Result\n\n")
	switch {
	case o.Root.FinalResult != "":
		b.WriteString(strings.TrimSpace(o.Root.FinalResult))
		b.WriteString("\n")
	case o.Root.FailureReason != "":
		fmt.Fprintf(&b, "The run ended without a final summary: %s.\n", o.Root.FailureReason)
	default:
		b.WriteString("The run ended without a final summary.\n")
	}
	return b.String()
}

// rootTask lists the classified targets section by section, then appends
// the operator's instructions. The mission itself lives in the system
// prompt.
func rootTask(opts RunOptions) string {
	var repos, local, urls, ips []string
	for _, target := range opts.Targets {
		target = strings.TrimSpace(target)
		if target == "" {
			continue
		}
		switch targetKind(target) {
		case kindRepository:
			repos = append(repos, target)
		case kindLocalCode:
			local = append(local, target)
		case kindIPAddress:
			ips = append(ips, target)
		default:
			urls = append(urls, target)
		}
	}

	var b strings.Builder
	section := func(title string, items []string) {
		if len(items) == 0 {
			return
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(title + ":")
		for _, item := range items {
			b.WriteString("\n- " + item)
		}
	}
	section("Repositories", repos)
	section("Local Codebases", local)
	section("URLs", urls)
	section("IP Addresses", ips)

	if s := strings.TrimSpace(opts.Instructions); s != "" {
		b.WriteString("\n\nSpecial instructions: " + s)
	}
	return b.String()
}

const (
	kindRepository     = "repository"
	kindLocalCode      = "local_code"
	kindIPAddress      = "ip_address"
	kindWebApplication = "web_application"
)

// targetKind infers what a target string refers to. Anything that is not
// recognizably a repository, a local path, or an IP address is treated as a
// web target.
func targetKind(target string) string {
	lower := strings.ToLower(target)
	switch {
	case strings.HasPrefix(lower, "git@"), strings.HasSuffix(lower, ".git"):
		return kindRepository
	case strings.HasPrefix(lower, "http://"), strings.HasPrefix(lower, "https://"):
		for _, host := range []string{"github.com/", "gitlab.com/", "bitbucket.org/"} {
			if strings.Contains(lower, host) {
				return kindRepository
			}
		}
		return kindWebApplication
	}
	if net.ParseIP(target) != nil {
		return kindIPAddress
	}
	for _, prefix := range []string{"./", "../", "/", "~"} {
		if strings.HasPrefix(target, prefix) {
			return kindLocalCode
		}
	}
	if info, err := os.Stat(target); err == nil && info.IsDir() {
		return kindLocalCode
	}
	return kindWebApplication
}
