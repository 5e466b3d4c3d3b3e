package llm

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestResponseCacheHitAndMiss(t *testing.T) {
	t.Parallel()

	cache := NewResponseCache(10, time.Minute, true)

	_, ok := cache.Get("absent")
	require.False(t, ok)

	cache.Put("key", Completion{Content: "answer"})
	got, ok := cache.Get("key")
	require.True(t, ok)
	require.Equal(t, "answer", got.Content)

	stats := cache.Stats()
	require.EqualValues(t, 1, stats.Hits)
	require.EqualValues(t, 1, stats.Misses)
	require.Equal(t, 1, stats.Size)
	require.InDelta(t, 0.5, stats.HitRate, 0.0001)
}

func TestResponseCacheTTLExpiry(t *testing.T) {
	t.Parallel()

	cache := NewResponseCache(10, 20*time.Millisecond, true)
	cache.Put("key", Completion{Content: "stale"})

	time.Sleep(300 * time.Millisecond)

	_, ok := cache.Get("key")
	require.False(t, ok)

	stats := cache.Stats()
	require.EqualValues(t, 1, stats.Misses)
	require.EqualValues(t, 1, stats.Evictions)
}

func TestResponseCacheCapacityEviction(t *testing.T) {
	t.Parallel()

	cache := NewResponseCache(2, time.Minute, true)
	for i := 0; i < 3; i++ {
		cache.Put(fmt.Sprintf("key-%d", i), Completion{Content: "v"})
	}

	stats := cache.Stats()
	require.EqualValues(t, 1, stats.Evictions)
	require.Equal(t, 2, stats.Size)

	// key-0 was the LRU entry.
	_, ok := cache.Get("key-0")
	require.False(t, ok)
	_, ok = cache.Get("key-2")
	require.True(t, ok)
}

func TestResponseCacheDisabled(t *testing.T) {
	t.Parallel()

	cache := NewResponseCache(10, time.Minute, false)
	cache.Put("key", Completion{Content: "ignored"})

	_, ok := cache.Get("key")
	require.False(t, ok)

	stats := cache.Stats()
	require.EqualValues(t, 0, stats.Hits)
	require.EqualValues(t, 1, stats.Misses)
	require.Equal(t, 0, stats.Size)
}

func TestFingerprintStability(t *testing.T) {
	t.Parallel()

	msgs := []Message{
		SystemMessage("you are a tester"),
		UserMessage("scan the target"),
	}

	first := Fingerprint("gpt-test", msgs)
	second := Fingerprint("gpt-test", msgs)
	require.Equal(t, first, second)
	require.Len(t, first, 32)

	// Model, content and role all contribute to the key.
	require.NotEqual(t, first, Fingerprint("other-model", msgs))
	require.NotEqual(t, first, Fingerprint("gpt-test", []Message{
		SystemMessage("you are a tester"),
		UserMessage("scan the target!"),
	}))
	require.NotEqual(t, first, Fingerprint("gpt-test", []Message{
		SystemMessage("you are a tester"),
		AssistantMessage("scan the target"),
	}))
}

func TestFingerprintIgnoresCacheMarkers(t *testing.T) {
	t.Parallel()

	plain := []Message{SystemMessage("s"), UserMessage("u")}
	marked := []Message{
		{Role: RoleSystem, Content: "s", CacheMarker: true},
		{Role: RoleUser, Content: "u"},
	}
	require.Equal(t, Fingerprint("m", plain), Fingerprint("m", marked))
}
