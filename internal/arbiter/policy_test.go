package arbiter

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jordanhubbard/nyx/internal/matcher"
	"github.com/jordanhubbard/nyx/internal/plugin"
	"github.com/jordanhubbard/nyx/pkg/config"
	"github.com/jordanhubbard/nyx/pkg/models"
)

type nopModule struct{ name string }

func (n nopModule) Name() string          { return n.name }
func (n nopModule) Description() string   { return "" }
func (n nopModule) CanHandle(string) bool { return true }
func (n nopModule) Execute(context.Context, string) (*models.Result, error) {
	return &models.Result{Text: n.name}, nil
}

type weights map[string]int

func (w weights) Weight(module, key string) int { return w[module+"|"+key] }

func candidates(t *testing.T, confs map[string]int, order ...string) []matcher.Candidate {
	t.Helper()
	r := plugin.NewRegistry()
	for _, name := range order {
		require.NoError(t, r.Register(nopModule{name: name}))
	}
	var out []matcher.Candidate
	for _, inst := range r.Snapshot() {
		out = append(out, matcher.Candidate{Instance: inst, Confidence: confs[inst.Name()]})
	}
	return out
}

func TestClassify(t *testing.T) {
	p := NewPolicy(config.DefaultConfig().Arbiter)

	tests := []struct {
		c    int
		want Band
	}{
		{100, BandAutoExecute},
		{90, BandAutoExecute},
		{89, BandExecuteThenAsk},
		{70, BandExecuteThenAsk},
		{69, BandConfirmFirst},
		{0, BandConfirmFirst},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, p.Classify(tt.c), "confidence %d", tt.c)
	}
}

func TestClassify_Configurable(t *testing.T) {
	p := Policy{AutoExecute: 80, Confirm: 50}
	assert.Equal(t, BandAutoExecute, p.Classify(85))
	assert.Equal(t, BandExecuteThenAsk, p.Classify(60))
	assert.Equal(t, BandConfirmFirst, p.Classify(49))
}

func TestRank_HighestEffectiveFirst(t *testing.T) {
	p := Policy{AutoExecute: 90, Confirm: 70}
	cands := candidates(t, map[string]int{"system": 80, "notes": 75}, "system", "notes")

	ranked := p.Rank(cands, weights{"notes|take a note": 10}, "take a note")
	require.Len(t, ranked, 2)
	best := ranked[0]
	assert.Equal(t, "notes", best.Name())
	assert.Equal(t, 85, best.Effective)
	assert.Equal(t, 10, best.Adjustment)
	assert.Equal(t, BandExecuteThenAsk, best.Band)
	assert.Equal(t, "system", ranked[1].Name())
}

func TestRank_TieBrokenByRegistrationOrder(t *testing.T) {
	p := Policy{AutoExecute: 90, Confirm: 70}
	cands := candidates(t, map[string]int{"first": 100, "second": 100}, "first", "second")

	// Reverse the slice so ordering cannot come from input position.
	cands[0], cands[1] = cands[1], cands[0]
	ranked := p.Rank(cands, nil, "k")
	require.Len(t, ranked, 2)
	assert.Equal(t, "first", ranked[0].Name())
	assert.Equal(t, BandAutoExecute, ranked[0].Band)
}

func TestRank_EffectiveConfidenceClamped(t *testing.T) {
	p := Policy{AutoExecute: 90, Confirm: 70}
	cands := candidates(t, map[string]int{"a": 95, "b": 10}, "a", "b")

	ranked := p.Rank(cands, weights{"a|k": 30, "b|k": -30}, "k")
	require.Len(t, ranked, 2)
	assert.Equal(t, 100, ranked[0].Effective)
	assert.Equal(t, 0, ranked[1].Effective)
	assert.Equal(t, BandConfirmFirst, ranked[1].Band)
}

func TestRank_NoCandidates(t *testing.T) {
	p := Policy{AutoExecute: 90, Confirm: 70}
	assert.Empty(t, p.Rank(nil, nil, "k"))
}
