package matcher

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jordanhubbard/nyx/internal/plugin"
	"github.com/jordanhubbard/nyx/pkg/models"
)

type testModule struct {
	name     string
	keyword  string
	score    int // 0 means no Estimator behaviour
	reply    string
	err      error
	panicOn  string
	delay    time.Duration
	executed int
	mu       sync.Mutex
}

func (m *testModule) Name() string        { return m.name }
func (m *testModule) Description() string { return m.name }

func (m *testModule) CanHandle(text string) bool {
	if m.panicOn == "claim" {
		panic("boom")
	}
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	return strings.Contains(text, m.keyword)
}

func (m *testModule) Execute(ctx context.Context, text string) (*models.Result, error) {
	m.mu.Lock()
	m.executed++
	m.mu.Unlock()
	if m.panicOn == "execute" {
		panic("kaboom")
	}
	if m.err != nil {
		return nil, m.err
	}
	return &models.Result{Text: m.reply, Type: models.ResultSuccess}, nil
}

type scoredModule struct {
	*testModule
}

func (s scoredModule) Estimate(text string) int { return s.score }

type streamModule struct {
	*testModule
	parts []string
}

func (s streamModule) Stream(ctx context.Context, text string, emit func(string) error) (*models.Result, error) {
	var acc string
	for _, p := range s.parts {
		acc += p
		if err := emit(acc); err != nil {
			return nil, err
		}
	}
	return &models.Result{Text: acc, Type: models.ResultAI}, nil
}

func newRegistry(t *testing.T, mods ...plugin.Module) *plugin.Registry {
	t.Helper()
	r := plugin.NewRegistry()
	for _, m := range mods {
		require.NoError(t, r.Register(m))
	}
	return r
}

func TestMatch_DefaultAndSelfScored(t *testing.T) {
	r := newRegistry(t,
		&testModule{name: "system", keyword: "open"},
		scoredModule{&testModule{name: "notes", keyword: "open", score: 65}},
		&testModule{name: "other", keyword: "zzz"},
		scoredModule{&testModule{name: "loud", keyword: "open", score: 250}},
		scoredModule{&testModule{name: "shy", keyword: "open", score: plugin.Unscored}},
	)
	m := New(r, Options{DefaultConfidence: 100})

	cands := m.Match(context.Background(), "open notes")
	require.Len(t, cands, 4)
	assert.Equal(t, "system", cands[0].Name())
	assert.Equal(t, 100, cands[0].Confidence)
	assert.Equal(t, "notes", cands[1].Name())
	assert.Equal(t, 65, cands[1].Confidence)
	assert.Equal(t, 100, cands[2].Confidence, "scores are clamped")
	assert.Equal(t, "shy", cands[3].Name())
	assert.Equal(t, 100, cands[3].Confidence)
}

func TestMatch_DoesNotExecute(t *testing.T) {
	mod := &testModule{name: "system", keyword: "open", reply: "Opening"}
	m := New(newRegistry(t, mod), Options{})

	require.Len(t, m.Match(context.Background(), "open safari"), 1)
	assert.Equal(t, 0, mod.executed)
}

func TestMatch_IsolatesFaults(t *testing.T) {
	var faults []string
	var mu sync.Mutex
	r := newRegistry(t,
		&testModule{name: "panicky", keyword: "x", panicOn: "claim"},
		&testModule{name: "slow", keyword: "x", delay: 200 * time.Millisecond},
		&testModule{name: "good", keyword: "x"},
	)
	m := New(r, Options{
		ClaimTimeout: 20 * time.Millisecond,
		OnFault: func(module string, err error) {
			mu.Lock()
			faults = append(faults, module)
			mu.Unlock()
		},
	})

	cands := m.Match(context.Background(), "x marks the spot")
	require.Len(t, cands, 1)
	assert.Equal(t, "good", cands[0].Name())

	mu.Lock()
	assert.ElementsMatch(t, []string{"panicky", "slow"}, faults)
	mu.Unlock()

	// Let the abandoned claim finish before the test exits.
	time.Sleep(250 * time.Millisecond)
}

func TestExecute_ErrorBoundary(t *testing.T) {
	tests := []struct {
		name    string
		mod     *testModule
		wantErr error
	}{
		{"ok", &testModule{name: "a", keyword: "x", reply: "done"}, nil},
		{"error", &testModule{name: "b", keyword: "x", err: errors.New("nope")}, nil},
		{"panic", &testModule{name: "c", keyword: "x", panicOn: "execute"}, nil},
		{"empty", &testModule{name: "d", keyword: "x"}, ErrNoResult},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := New(newRegistry(t, tt.mod), Options{})
			cands := m.Match(context.Background(), "x")
			require.Len(t, cands, 1)

			res, err := m.Execute(context.Background(), cands[0], "x")
			if tt.name == "ok" {
				require.NoError(t, err)
				assert.Equal(t, "done", res.Text)
				return
			}
			require.Error(t, err)
			assert.Nil(t, res)
			if tt.wantErr != nil {
				assert.True(t, errors.Is(err, tt.wantErr))
			}
		})
	}
}

func TestExecute_PinnedInstanceSurvivesReload(t *testing.T) {
	r := plugin.NewRegistry()
	version := 0
	require.NoError(t, r.RegisterFactory(func() (plugin.Module, error) {
		version++
		reply := "old"
		if version > 1 {
			reply = "new"
		}
		return &testModule{name: "notes", keyword: "note", reply: reply}, nil
	}))
	m := New(r, Options{})

	cands := m.Match(context.Background(), "note this")
	require.Len(t, cands, 1)

	_, err := r.Reload("notes")
	require.NoError(t, err)

	res, err := m.Execute(context.Background(), cands[0], "note this")
	require.NoError(t, err)
	assert.Equal(t, "old", res.Text)

	cands = m.Match(context.Background(), "note this")
	res, err = m.Execute(context.Background(), cands[0], "note this")
	require.NoError(t, err)
	assert.Equal(t, "new", res.Text)
}

func TestStream(t *testing.T) {
	mod := streamModule{testModule: &testModule{name: "ai", keyword: "why"}, parts: []string{"a", "b", "c"}}
	m := New(newRegistry(t, mod), Options{})

	cands := m.Match(context.Background(), "why?")
	require.Len(t, cands, 1)
	require.True(t, cands[0].Streaming())

	var seen []string
	res, err := m.Stream(context.Background(), cands[0], "why?", func(s string) error {
		seen = append(seen, s)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "abc", res.Text)
	assert.Equal(t, []string{"a", "ab", "abc"}, seen)
}

func TestResolve(t *testing.T) {
	r := newRegistry(t,
		&testModule{name: "system", keyword: "open"},
		&testModule{name: "notes", keyword: "note"},
	)
	m := New(r, Options{})

	inst, ok := m.Resolve(context.Background(), "Notes")
	require.True(t, ok)
	assert.Equal(t, "notes", inst.Name())

	inst, ok = m.Resolve(context.Background(), "open an app")
	require.True(t, ok)
	assert.Equal(t, "system", inst.Name())

	_, ok = m.Resolve(context.Background(), "weather")
	assert.False(t, ok)
	_, ok = m.Resolve(context.Background(), " ")
	assert.False(t, ok)
}
