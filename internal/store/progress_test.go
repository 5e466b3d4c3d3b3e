package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProgressSaveAndLoad(t *testing.T) {
	s, err := NewProgressStore(t.TempDir())
	require.NoError(t, err)

	entry, err := s.Save("recon_complete", map[string]any{"hosts": 12}, false)
	require.NoError(t, err)
	assert.NotEmpty(t, entry.CreatedAt)
	assert.Equal(t, entry.CreatedAt, entry.UpdatedAt)

	got, ok := s.Load("recon_complete")
	require.True(t, ok)
	data := got.Data.(map[string]any)
	assert.Equal(t, 12, data["hosts"])

	_, ok = s.Load("missing")
	assert.False(t, ok)

	_, err = s.Save("  ", nil, false)
	assert.ErrorContains(t, err, "key")
}

func TestProgressReplaceKeepsCreatedAt(t *testing.T) {
	s, err := NewProgressStore(t.TempDir())
	require.NoError(t, err)

	first, err := s.Save("k", "v1", false)
	require.NoError(t, err)
	second, err := s.Save("k", "v2", false)
	require.NoError(t, err)

	assert.Equal(t, first.CreatedAt, second.CreatedAt)
	got, _ := s.Load("k")
	assert.Equal(t, "v2", got.Data)
}

func TestProgressAppendExtendsList(t *testing.T) {
	s, err := NewProgressStore(t.TempDir())
	require.NoError(t, err)

	_, err = s.Save("endpoints", []any{"/login", "/api"}, false)
	require.NoError(t, err)

	entry, err := s.Save("endpoints", map[string]any{"items": []any{"/admin"}}, true)
	require.NoError(t, err)
	assert.Equal(t, []any{"/login", "/api", "/admin"}, entry.Data)
}

func TestProgressAppendFallsBackToReplace(t *testing.T) {
	s, err := NewProgressStore(t.TempDir())
	require.NoError(t, err)

	// Existing value is not a list: replace.
	_, err = s.Save("k", map[string]any{"phase": 1}, false)
	require.NoError(t, err)
	entry, err := s.Save("k", map[string]any{"items": []any{"x"}}, true)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"items": []any{"x"}}, entry.Data)

	// Incoming value has no items list: replace.
	_, err = s.Save("l", []any{"a"}, false)
	require.NoError(t, err)
	entry, err = s.Save("l", map[string]any{"other": true}, true)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"other": true}, entry.Data)
}

func TestProgressList(t *testing.T) {
	s, err := NewProgressStore(t.TempDir())
	require.NoError(t, err)
	_, err = s.Save("zeta", 1, false)
	require.NoError(t, err)
	_, err = s.Save("alpha", 2, false)
	require.NoError(t, err)

	infos := s.List()
	require.Len(t, infos, 2)
	assert.Equal(t, "alpha", infos[0].Key)
	assert.Equal(t, "zeta", infos[1].Key)
}

func TestProgressPersistAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := NewProgressStore(dir)
	require.NoError(t, err)
	_, err = s.Save("phase", map[string]any{"n": float64(3)}, false)
	require.NoError(t, err)

	reopened, err := NewProgressStore(dir)
	require.NoError(t, err)
	entry, ok := reopened.Load("phase")
	require.True(t, ok)
	data := entry.Data.(map[string]any)
	assert.Equal(t, float64(3), data["n"])
}
