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

// pythonActions registers ad-hoc python execution. Code lands in a temp
// file and runs under python3; stateless by design, so every call carries
// its own imports.
func pythonActions(deps Deps) []tools.Registration {
	return []tools.Registration{
		{
			Name:         "python_execute",
			Module:       "python",
			Description:  "Run a standalone python3 snippet in the sandbox. Each call is a fresh interpreter; print what you need back.",
			NeedsSandbox: true,
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				code, err := stringArg(args, "code")
				if err != nil {
					return nil, err
				}
				if strings.TrimSpace(code) == "" {
					return nil, fmt.Errorf("code cannot be empty")
				}
				timeout := boundedTimeout(optionalInt(args, "timeout", 0))
				return runPython(ctx, deps.WorkDir, code, timeout)
			},
			Args: []tools.ArgSpec{
				{Name: "code", Type: tools.TypeString, Description: "Python source to execute", Required: true},
				{Name: "timeout", Type: tools.TypeInt, Description: "Seconds before the interpreter is killed (default 120, max 300)", Required: false},
			},
		},
	}
}

func runPython(ctx context.Context, workDir, code string, timeout time.Duration) (any, error) {
	file, err := os.CreateTemp("", "strix-python-*.py")
	if err != nil {
		return nil, fmt.Errorf("create python script: %w", err)
	}
	defer func() { _ = os.Remove(file.Name()) }()
	if _, err := file.WriteString(code); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("write python script: %w", err)
	}
	if err := file.Close(); err != nil {
		return nil, fmt.Errorf("close python script: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	cmd := exec.CommandContext(runCtx, "python3", file.Name())
	if workDir != "" {
		cmd.Dir = workDir
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	elapsed := time.Since(start)

	if runCtx.Err() == context.DeadlineExceeded {
		return nil, fmt.Errorf("python execution timed out after %s", timeout)
	}

	exitCode := 0
	if runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return nil, fmt.Errorf("run python: %w", runErr)
		}
	}

	return map[string]any{
		"stdout":      clampOutput(stdout.String()),
		"stderr":      clampOutput(stderr.String()),
		"exit_code":   exitCode,
		"duration_ms": elapsed.Milliseconds(),
	}, nil
}
