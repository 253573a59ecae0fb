package escalation

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jordanhubbard/nyx/internal/cache"
	"github.com/jordanhubbard/nyx/internal/metrics"
	"github.com/jordanhubbard/nyx/internal/provider"
	"github.com/jordanhubbard/nyx/pkg/models"
)

// ollamaServer answers /api/chat with content and counts calls.
func ollamaServer(t *testing.T, content string, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			http.NotFound(w, r)
			return
		}
		if calls != nil {
			calls.Add(1)
		}
		var req map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&req)
		assert.Equal(t, "json", req["format"])
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"model":   "llama3.2",
			"message": map[string]string{"role": "assistant", "content": content},
			"done":    true,
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

type slowChat struct{}

func (slowChat) Chat(ctx context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

type failingChat struct{}

func (failingChat) Chat(ctx context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error) {
	return nil, errors.New("connection refused")
}

func TestResolve_Suggestion(t *testing.T) {
	srv := ollamaServer(t, "```json\n{\"intent\":\"notes\",\"description\":\"Create a note\",\"confidence\":82,\"reasoning\":\"mentions writing down\",\"alternatives\":[\"reminder\"]}\n```", nil)

	r := New(provider.NewOllamaClient(srv.URL), Options{
		Model:         "llama3.2",
		MinConfidence: 40,
		Catalog:       func() []Capability { return []Capability{{Name: "notes", Description: "Notes"}} },
	})
	res := r.Resolve(context.Background(), "jot this down")

	assert.Equal(t, models.EscalationSuggestion, res.Kind)
	assert.Equal(t, "notes", res.Intent)
	assert.Equal(t, "Create a note", res.Description)
	assert.Equal(t, 82, res.Confidence)
	assert.Equal(t, []string{"reminder"}, res.Alternatives)
}

func TestResolve_UnknownOutcomes(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"empty", "", DefaultSuggestion},
		{"unknown intent", `{"intent":"unknown","description":"Try asking about notes"}`, "Try asking about notes"},
		{"low confidence", `{"intent":"system","description":"Maybe open an app","confidence":0.2}`, "Maybe open an app"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := ollamaServer(t, tt.content, nil)
			r := New(provider.NewOllamaClient(srv.URL), Options{Model: "llama3.2", MinConfidence: 40})

			res := r.Resolve(context.Background(), "do the thing")
			assert.Equal(t, models.EscalationUnknown, res.Kind)
			assert.Equal(t, tt.want, res.Description)
		})
	}
}

func TestResolve_MalformedIsError(t *testing.T) {
	srv := ollamaServer(t, "I think you want notes", nil)
	r := New(provider.NewOllamaClient(srv.URL), Options{Model: "llama3.2"})

	res := r.Resolve(context.Background(), "do the thing")
	assert.Equal(t, models.EscalationError, res.Kind)
	assert.Contains(t, res.Err, ErrMalformedOutput.Error())
}

func TestResolve_TransportErrorAndTimeout(t *testing.T) {
	res := New(failingChat{}, Options{Model: "m"}).Resolve(context.Background(), "x")
	assert.Equal(t, models.EscalationError, res.Kind)

	start := time.Now()
	res = New(slowChat{}, Options{Model: "m", Timeout: 50 * time.Millisecond}).Resolve(context.Background(), "x")
	assert.Equal(t, models.EscalationError, res.Kind)
	assert.Contains(t, res.Err, "timed out")
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestResolve_Unavailable(t *testing.T) {
	res := New(nil, Options{}).Resolve(context.Background(), "x")
	assert.Equal(t, models.EscalationError, res.Kind)
	assert.Equal(t, ErrResolverUnavailable.Error(), res.Err)
}

func TestResolve_CachesSuccessNotErrors(t *testing.T) {
	var calls atomic.Int32
	srv := ollamaServer(t, `{"intent":"notes","description":"Create a note","confidence":90}`, &calls)

	c := cache.New(&cache.Config{Enabled: true, DefaultTTL: time.Minute, MaxSize: 10})
	defer c.Close()

	r := New(provider.NewOllamaClient(srv.URL), Options{Model: "llama3.2", Cache: c})
	first := r.Resolve(context.Background(), "Jot  this down")
	second := r.Resolve(context.Background(), "jot this down")
	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), calls.Load())

	failing := New(failingChat{}, Options{Model: "llama3.2", Cache: c})
	failing.Resolve(context.Background(), "something new")
	assert.Equal(t, int64(1), c.GetStats(context.Background()).TotalEntries)
}

func TestResolve_ReplacesUndecodableEntry(t *testing.T) {
	var calls atomic.Int32
	srv := ollamaServer(t, `{"intent":"notes","description":"Create a note","confidence":90}`, &calls)

	c := cache.New(&cache.Config{Enabled: true, DefaultTTL: time.Minute, MaxSize: 10})
	defer c.Close()

	ctx := context.Background()
	key, err := cache.GenerateKey(CacheNamespace, "llama3.2", models.PatternKey("jot this down"))
	require.NoError(t, err)
	require.NoError(t, c.Set(ctx, key, "not a result", 0, nil))

	r := New(provider.NewOllamaClient(srv.URL), Options{Model: "llama3.2", Cache: c})
	res := r.Resolve(ctx, "jot this down")
	assert.Equal(t, models.EscalationSuggestion, res.Kind)
	assert.Equal(t, int32(1), calls.Load())

	entry, ok := c.Get(ctx, key)
	require.True(t, ok)
	var cached models.EscalationResult
	require.NoError(t, entry.Decode(&cached))
	assert.Equal(t, res, cached)
}

func TestResolve_RecordsCacheMetrics(t *testing.T) {
	srv := ollamaServer(t, `{"intent":"system","description":"Open an app","confidence":80}`, nil)
	c := cache.New(&cache.Config{Enabled: true, DefaultTTL: time.Minute, MaxSize: 10})
	defer c.Close()

	m := metrics.NewMetrics()
	hits, misses := testutil.ToFloat64(m.CacheHits), testutil.ToFloat64(m.CacheMisses)

	r := New(provider.NewOllamaClient(srv.URL), Options{Model: "llama3.2", Cache: c, Metrics: m})
	r.Resolve(context.Background(), "open mail")
	r.Resolve(context.Background(), "open mail")

	assert.Equal(t, misses+1, testutil.ToFloat64(m.CacheMisses))
	assert.Equal(t, hits+1, testutil.ToFloat64(m.CacheHits))
}

func TestStripCodeFences(t *testing.T) {
	assert.Equal(t, `{"a":1}`, stripCodeFences("```json\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, stripCodeFences("  {\"a\":1} "))
	assert.Equal(t, "", stripCodeFences("```"))
}

func TestBuildPrompt(t *testing.T) {
	p := BuildPrompt("open spotify", []Capability{{Name: "system", Description: "Controls the Mac"}, {Name: "notes"}})
	assert.Contains(t, p, "- system: Controls the Mac")
	assert.Contains(t, p, "- notes\n")
	assert.Contains(t, p, `Command: "open spotify"`)

	require.Contains(t, BuildPrompt("x", nil), "(none)")
}
