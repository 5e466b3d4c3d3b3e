package actions

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/TWN-Systems/strix/internal/tools"
)

const (
	defaultCommandTimeout = 120 * time.Second
	maxCommandTimeout     = 300 * time.Second
	maxCommandOutput      = 20000
)

// terminalActions registers shell execution. Commands go through a temp
// script rather than -c so multi-line payloads with heredocs and quoting
// survive intact.
func terminalActions(deps Deps) []tools.Registration {
	return []tools.Registration{
		{
			Name:         "terminal_execute",
			Module:       "terminal",
			Description:  "Run a shell command in the sandbox and capture stdout, stderr, and the exit code. Long scans should raise timeout (max 300s) or be split into stages.",
			NeedsSandbox: true,
			Sequential:   true,
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				command, err := stringArg(args, "command")
				if err != nil {
					return nil, err
				}
				if strings.TrimSpace(command) == "" {
					return nil, fmt.Errorf("command cannot be empty")
				}
				timeout := boundedTimeout(optionalInt(args, "timeout", 0))
				return runShell(ctx, deps.WorkDir, command, timeout)
			},
			Args: []tools.ArgSpec{
				{Name: "command", Type: tools.TypeString, Description: "Shell command to run (bash)", Required: true},
				{Name: "timeout", Type: tools.TypeInt, Description: "Seconds before the command is killed (default 120, max 300)", Required: false},
			},
		},
	}
}

func boundedTimeout(seconds int) time.Duration {
	if seconds <= 0 {
		return defaultCommandTimeout
	}
	d := time.Duration(seconds) * time.Second
	if d > maxCommandTimeout {
		return maxCommandTimeout
	}
	return d
}

func runShell(ctx context.Context, workDir, command string, timeout time.Duration) (any, error) {
	script, err := os.CreateTemp("", "strix-shell-*.sh")
	if err != nil {
		return nil, fmt.Errorf("create command script: %w", err)
	}
	defer func() { _ = os.Remove(script.Name()) }()
	if _, err := script.WriteString(command); err != nil {
		_ = script.Close()
		return nil, fmt.Errorf("write command script: %w", err)
	}
	if err := script.Close(); err != nil {
		return nil, fmt.Errorf("close command script: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	cmd := exec.CommandContext(runCtx, "bash", script.Name())
	if workDir != "" {
		cmd.Dir = workDir
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	elapsed := time.Since(start)

	if runCtx.Err() == context.DeadlineExceeded {
		return nil, fmt.Errorf("command timed out after %s", timeout)
	}

	exitCode := 0
	if runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return nil, fmt.Errorf("run command: %w", runErr)
		}
	}

	return map[string]any{
		"stdout":      clampOutput(stdout.String()),
		"stderr":      clampOutput(stderr.String()),
		"exit_code":   exitCode,
		"duration_ms": elapsed.Milliseconds(),
	}, nil
}

func clampOutput(s string) string {
	if len(s) <= maxCommandOutput {
		return s
	}
	return s[:maxCommandOutput] + "\n[output truncated]"
}
