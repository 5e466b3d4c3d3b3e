package actions

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileWriteCreatesAndOverwrites(t *testing.T) {
	reg, deps := newCatalog(t, nil)
	ctx := context.Background()

	result, err := call(t, reg, ctx, "file_write", map[string]string{
		"file_path": "payloads/xss.txt",
		"content":   "<script>alert(1)</script>",
	})
	require.NoError(t, err)
	m := resultMap(t, result)
	assert.Equal(t, "created", m["operation"])
	assert.Equal(t, 25, m["bytes_written"])

	onDisk, err := os.ReadFile(filepath.Join(deps.WorkDir, "payloads", "xss.txt"))
	require.NoError(t, err)
	assert.Equal(t, "<script>alert(1)</script>", string(onDisk))

	result, err = call(t, reg, ctx, "file_write", map[string]string{
		"file_path": "payloads/xss.txt",
		"content":   "<img src=x onerror=alert(1)>",
	})
	require.NoError(t, err)
	m = resultMap(t, result)
	assert.Equal(t, "overwritten", m["operation"])
	assert.NotEmpty(t, m["diff"], "overwrite should carry a diff preview")
}

func TestFileReadFullAndRange(t *testing.T) {
	reg, deps := newCatalog(t, nil)
	ctx := context.Background()

	path := filepath.Join(deps.WorkDir, "hosts.txt")
	require.NoError(t, os.WriteFile(path, []byte("alpha\nbeta\ngamma\ndelta"), 0o644))

	result, err := call(t, reg, ctx, "file_read", map[string]string{"file_path": "hosts.txt"})
	require.NoError(t, err)
	m := resultMap(t, result)
	assert.Equal(t, "alpha\nbeta\ngamma\ndelta", m["content"])
	assert.Equal(t, 4, m["total_lines"])

	result, err = call(t, reg, ctx, "file_read", map[string]string{
		"file_path":  "hosts.txt",
		"start_line": "2",
		"end_line":   "3",
	})
	require.NoError(t, err)
	m = resultMap(t, result)
	assert.Equal(t, "beta\ngamma", m["content"])

	_, err = call(t, reg, ctx, "file_read", map[string]string{
		"file_path":  "hosts.txt",
		"start_line": "10",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "past the end")
}

func TestFileReadMissingFile(t *testing.T) {
	reg, _ := newCatalog(t, nil)

	_, err := call(t, reg, context.Background(), "file_read", map[string]string{
		"file_path": "no_such_file.txt",
	})
	require.Error(t, err)
}

func TestFileStrReplaceRequiresUniqueMatch(t *testing.T) {
	reg, deps := newCatalog(t, nil)
	ctx := context.Background()

	path := filepath.Join(deps.WorkDir, "config.ini")
	require.NoError(t, os.WriteFile(path, []byte("debug = false\nverbose = false\n"), 0o644))

	// Ambiguous: "false" appears twice.
	_, err := call(t, reg, ctx, "file_str_replace", map[string]string{
		"file_path":  "config.ini",
		"old_string": "false",
		"new_string": "true",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2 times")

	// Missing text.
	_, err = call(t, reg, ctx, "file_str_replace", map[string]string{
		"file_path":  "config.ini",
		"old_string": "trace = off",
		"new_string": "trace = on",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")

	// Unique match succeeds and reports a diff.
	result, err := call(t, reg, ctx, "file_str_replace", map[string]string{
		"file_path":  "config.ini",
		"old_string": "debug = false",
		"new_string": "debug = true",
	})
	require.NoError(t, err)
	m := resultMap(t, result)
	assert.Equal(t, "edited", m["operation"])
	assert.NotEmpty(t, m["diff"])

	updated, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "debug = true\nverbose = false\n", string(updated))
}

func TestFileStrReplaceRejectsEmptyOldString(t *testing.T) {
	reg, deps := newCatalog(t, nil)

	path := filepath.Join(deps.WorkDir, "a.txt")
	require.NoError(t, os.WriteFile(path, []byte("content"), 0o644))

	_, err := call(t, reg, context.Background(), "file_str_replace", map[string]string{
		"file_path":  "a.txt",
		"old_string": "",
		"new_string": "x",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "file_write")
}

func TestResolvePathAnchorsRelativeAtWorkDir(t *testing.T) {
	resolved, err := resolvePath("/work", "sub/file.txt")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/work", "sub", "file.txt"), resolved)

	resolved, err = resolvePath("/work", "/etc/passwd")
	require.NoError(t, err)
	assert.Equal(t, "/etc/passwd", resolved)

	_, err = resolvePath("/work", "  ")
	require.Error(t, err)
}
