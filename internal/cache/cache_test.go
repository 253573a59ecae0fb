package cache

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/jordanhubbard/nyx/pkg/models"
)

func suggestion(intent string, confidence int) models.EscalationResult {
	return models.EscalationResult{
		Kind:        models.EscalationSuggestion,
		Intent:      intent,
		Description: "route to " + intent,
		Confidence:  confidence,
	}
}

func TestCache_StoresResolverResults(t *testing.T) {
	c := New(DefaultConfig())
	defer c.Close()
	ctx := context.Background()

	key, err := GenerateKey("escalation", "llama3.2", "play some jazz")
	require.NoError(t, err)
	require.NoError(t, c.Set(ctx, key, suggestion("music", 82), time.Hour, map[string]string{"model_name": "llama3.2"}))

	entry, ok := c.Get(ctx, key)
	require.True(t, ok)
	assert.Equal(t, "llama3.2", entry.ModelName)
	assert.EqualValues(t, 1, entry.Hits)

	var got models.EscalationResult
	require.NoError(t, entry.Decode(&got))
	assert.Equal(t, suggestion("music", 82), got)

	_, ok = c.Get(ctx, "escalation:missing")
	assert.False(t, ok)

	stats := c.GetStats(ctx)
	assert.EqualValues(t, 1, stats.Hits)
	assert.EqualValues(t, 1, stats.Misses)
	assert.EqualValues(t, 1, stats.TotalEntries)
	assert.InDelta(t, 0.5, stats.HitRate, 0.001)
}

func TestCache_Expiry(t *testing.T) {
	c := New(DefaultConfig())
	defer c.Close()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "escalation:short", suggestion("notes", 60), 50*time.Millisecond, nil))
	_, ok := c.Get(ctx, "escalation:short")
	require.True(t, ok)

	time.Sleep(80 * time.Millisecond)
	_, ok = c.Get(ctx, "escalation:short")
	assert.False(t, ok)
}

func TestCache_ZeroTTLUsesDefault(t *testing.T) {
	c := New(&Config{Enabled: true, DefaultTTL: time.Minute, MaxSize: 10})
	defer c.Close()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "escalation:k", suggestion("system", 90), 0, nil))
	entry, ok := c.Get(ctx, "escalation:k")
	require.True(t, ok)
	assert.WithinDuration(t, entry.CachedAt.Add(time.Minute), entry.ExpiresAt, time.Millisecond)
}

func TestCache_EvictsOldestWhenFull(t *testing.T) {
	c := New(&Config{Enabled: true, DefaultTTL: time.Hour, MaxSize: 3})
	defer c.Close()
	ctx := context.Background()

	texts := []string{"open mail", "close mail", "take a note", "what time is it"}
	for _, text := range texts {
		require.NoError(t, c.Set(ctx, "escalation:"+text, suggestion("system", 70), time.Hour, nil))
		time.Sleep(5 * time.Millisecond)
	}

	_, ok := c.Get(ctx, "escalation:open mail")
	assert.False(t, ok, "oldest entry should be evicted")
	for _, text := range texts[1:] {
		_, ok := c.Get(ctx, "escalation:"+text)
		assert.True(t, ok, text)
	}
	assert.EqualValues(t, 1, c.GetStats(ctx).Evictions)

	// Overwriting an existing key never evicts.
	require.NoError(t, c.Set(ctx, "escalation:take a note", suggestion("notes", 88), time.Hour, nil))
	assert.EqualValues(t, 1, c.GetStats(ctx).Evictions)
}

func TestCache_DeleteAndInvalidateNamespace(t *testing.T) {
	c := New(DefaultConfig())
	defer c.Close()
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		require.NoError(t, c.Set(ctx, fmt.Sprintf("escalation:%d", i), suggestion("ai", 75), time.Hour, nil))
	}

	c.Delete(ctx, "escalation:0")
	_, ok := c.Get(ctx, "escalation:0")
	assert.False(t, ok)
	assert.EqualValues(t, 3, c.GetStats(ctx).TotalEntries)

	assert.Equal(t, 3, c.InvalidateByPattern(ctx, "escalation:"))
	assert.Zero(t, c.GetStats(ctx).TotalEntries)
}

func TestCache_Invalidate(t *testing.T) {
	c := New(DefaultConfig())
	defer c.Close()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "escalation:a", suggestion("notes", 80), time.Hour, map[string]string{"model_name": "llama3.2"}))
	require.NoError(t, c.Set(ctx, "escalation:b", suggestion("system", 80), time.Hour, map[string]string{"model_name": "mistral"}))
	require.NoError(t, c.Set(ctx, "other:c", "c", time.Hour, nil))

	assert.Equal(t, 1, c.InvalidateByModel(ctx, "mistral"))
	assert.Equal(t, 1, c.InvalidateByPattern(ctx, "escalation:"))
	_, ok := c.Get(ctx, "other:c")
	assert.True(t, ok)
}

func TestCache_Disabled(t *testing.T) {
	c := New(&Config{Enabled: false})
	defer c.Close()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "escalation:x", suggestion("ai", 75), time.Hour, nil))
	_, ok := c.Get(ctx, "escalation:x")
	assert.False(t, ok)
	assert.Zero(t, c.InvalidateByPattern(ctx, "escalation:"))
	assert.NoError(t, c.Ping(ctx))
}

func TestGenerateKey(t *testing.T) {
	base, err := GenerateKey("escalation", "llama3.2", "open spotify")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(base, "escalation:"))

	tests := []struct {
		name      string
		namespace string
		model     string
		request   string
		same      bool
	}{
		{name: "identical request", namespace: "escalation", model: "llama3.2", request: "open spotify", same: true},
		{name: "different text", namespace: "escalation", model: "llama3.2", request: "take a note"},
		{name: "different model", namespace: "escalation", model: "mistral", request: "open spotify"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key, err := GenerateKey(tt.namespace, tt.model, tt.request)
			require.NoError(t, err)
			if tt.same {
				assert.Equal(t, base, key)
			} else {
				assert.NotEqual(t, base, key)
			}
		})
	}
}

func TestCache_CloseStopsCleanup(t *testing.T) {
	defer goleak.VerifyNone(t)

	c := New(&Config{Enabled: true, DefaultTTL: time.Minute, MaxSize: 10, CleanupPeriod: 10 * time.Millisecond})
	ctx := context.Background()
	require.NoError(t, c.Set(ctx, "escalation:stale", suggestion("ai", 75), 5*time.Millisecond, nil))

	require.Eventually(t, func() bool { return c.GetStats(ctx).TotalEntries == 0 }, time.Second, 10*time.Millisecond)
	require.NoError(t, c.Close())
	assert.NoError(t, c.Close())
}
