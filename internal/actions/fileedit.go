package actions

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/TWN-Systems/strix/internal/tools"
)

const (
	maxFileReadBytes = 256 << 10
	maxDiffPreview   = 2000
)

// fileActions registers workspace file access. str_replace requires the old
// text to appear exactly once so edits cannot silently land in the wrong
// place; write and replace both report a unified diff of what changed.
func fileActions(deps Deps) []tools.Registration {
	return []tools.Registration{
		{
			Name:         "file_read",
			Module:       "file_edit",
			Description:  "Read a file from the sandbox filesystem, optionally a line range.",
			NeedsSandbox: true,
			Sequential:   true,
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				path, err := stringArg(args, "file_path")
				if err != nil {
					return nil, err
				}
				return readFile(deps.WorkDir, path, optionalInt(args, "start_line", 0), optionalInt(args, "end_line", 0))
			},
			Args: []tools.ArgSpec{
				{Name: "file_path", Type: tools.TypeString, Description: "Path to read (relative paths resolve against the workspace)", Required: true},
				{Name: "start_line", Type: tools.TypeInt, Description: "First line to include, 1-based", Required: false},
				{Name: "end_line", Type: tools.TypeInt, Description: "Last line to include, 1-based", Required: false},
			},
		},
		{
			Name:         "file_write",
			Module:       "file_edit",
			Description:  "Create or overwrite a file with the given content. Parent directories are created as needed.",
			NeedsSandbox: true,
			Sequential:   true,
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				path, err := stringArg(args, "file_path")
				if err != nil {
					return nil, err
				}
				content, err := stringArg(args, "content")
				if err != nil {
					return nil, err
				}
				return writeFile(deps.WorkDir, path, content)
			},
			Args: []tools.ArgSpec{
				{Name: "file_path", Type: tools.TypeString, Description: "Path to write", Required: true},
				{Name: "content", Type: tools.TypeString, Description: "Full file content", Required: true},
			},
		},
		{
			Name:         "file_str_replace",
			Module:       "file_edit",
			Description:  "Replace one exact occurrence of old_string with new_string in a file. Fails when old_string is missing or ambiguous; include surrounding context to disambiguate.",
			NeedsSandbox: true,
			Sequential:   true,
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				path, err := stringArg(args, "file_path")
				if err != nil {
					return nil, err
				}
				oldString, err := stringArg(args, "old_string")
				if err != nil {
					return nil, err
				}
				newString, err := stringArg(args, "new_string")
				if err != nil {
					return nil, err
				}
				return replaceInFile(deps.WorkDir, path, oldString, newString)
			},
			Args: []tools.ArgSpec{
				{Name: "file_path", Type: tools.TypeString, Description: "Path to edit", Required: true},
				{Name: "old_string", Type: tools.TypeString, Description: "Exact text to replace (must occur exactly once)", Required: true},
				{Name: "new_string", Type: tools.TypeString, Description: "Replacement text", Required: true},
			},
		},
	}
}

// resolvePath anchors relative paths at the workspace. Absolute paths pass
// through; the sandbox is the isolation boundary, not this resolver.
func resolvePath(workDir, path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("file_path cannot be empty")
	}
	if filepath.IsAbs(path) {
		return filepath.Clean(path), nil
	}
	if workDir == "" {
		workDir = "."
	}
	return filepath.Join(workDir, path), nil
}

func readFile(workDir, path string, startLine, endLine int) (any, error) {
	resolved, err := resolvePath(workDir, path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if len(data) > maxFileReadBytes {
		data = data[:maxFileReadBytes]
	}

	lines := strings.Split(string(data), "\n")
	total := len(lines)
	if startLine > 0 || endLine > 0 {
		from := startLine
		if from < 1 {
			from = 1
		}
		to := endLine
		if to <= 0 || to > total {
			to = total
		}
		if from > total {
			return nil, fmt.Errorf("start_line %d is past the end of %s (%d lines)", startLine, path, total)
		}
		lines = lines[from-1 : to]
	}

	return map[string]any{
		"file_path":   path,
		"content":     strings.Join(lines, "\n"),
		"total_lines": total,
	}, nil
}

func writeFile(workDir, path, content string) (any, error) {
	resolved, err := resolvePath(workDir, path)
	if err != nil {
		return nil, err
	}

	previous := ""
	operation := "created"
	if data, err := os.ReadFile(resolved); err == nil {
		previous = string(data)
		operation = "overwritten"
	}

	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return nil, fmt.Errorf("create parent directories: %w", err)
	}
	if err := os.WriteFile(resolved, []byte(content), 0o644); err != nil {
		return nil, fmt.Errorf("write %s: %w", path, err)
	}

	return map[string]any{
		"file_path":     path,
		"operation":     operation,
		"bytes_written": len(content),
		"lines_total":   len(strings.Split(content, "\n")),
		"diff":          diffPreview(previous, content),
	}, nil
}

func replaceInFile(workDir, path, oldString, newString string) (any, error) {
	resolved, err := resolvePath(workDir, path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	original := string(data)

	switch occurrences := strings.Count(original, oldString); {
	case oldString == "":
		return nil, fmt.Errorf("old_string cannot be empty; use file_write to create files")
	case occurrences == 0:
		return nil, fmt.Errorf("old_string not found in %s", path)
	case occurrences > 1:
		return nil, fmt.Errorf("old_string appears %d times in %s; include more context to make it unique", occurrences, path)
	}

	updated := strings.Replace(original, oldString, newString, 1)
	if err := os.WriteFile(resolved, []byte(updated), 0o644); err != nil {
		return nil, fmt.Errorf("write %s: %w", path, err)
	}

	return map[string]any{
		"file_path":   path,
		"operation":   "edited",
		"lines_total": len(strings.Split(updated, "\n")),
		"diff":        diffPreview(original, updated),
	}, nil
}

// diffPreview renders a unified-style patch of the change, truncated so a
// large rewrite does not flood the observation.
func diffPreview(before, after string) string {
	if before == after {
		return ""
	}
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(before, after, false)
	diffs = dmp.DiffCleanupSemantic(diffs)
	patch := dmp.PatchToText(dmp.PatchMake(before, diffs))
	if len(patch) > maxDiffPreview {
		patch = patch[:maxDiffPreview] + "\n[diff truncated]"
	}
	return patch
}
