package modules

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jordanhubbard/nyx/internal/plugin"
	"github.com/jordanhubbard/nyx/internal/provider"
	"github.com/jordanhubbard/nyx/pkg/models"
)

type call struct {
	name string
	args []string
}

type fakeRunner struct {
	mu     sync.Mutex
	calls  []call
	output string
	err    error
}

func (f *fakeRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{name: name, args: args})
	return f.output, f.err
}

func (f *fakeRunner) last() call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

func TestSystem(t *testing.T) {
	tests := []struct {
		name       string
		text       string
		wantText   string
		wantScript string
		wantConf   int
	}{
		{"open app", "open spotify", "Opening Spotify", `tell application "Spotify" to activate`, 100},
		{"close app", "Close Safari please", "Closing Safari", `tell application "Safari" to quit`, 100},
		{"volume", "set volume to 40", "Volume set to 40%", "set volume output volume 40", 100},
		{"lock", "lock the screen", "Locking screen", "System Events", 95},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &fakeRunner{}
			s := NewSystem(runner)

			require.True(t, s.CanHandle(tt.text))
			assert.Equal(t, tt.wantConf, s.Estimate(tt.text))

			res, err := s.Execute(context.Background(), tt.text)
			require.NoError(t, err)
			assert.Equal(t, tt.wantText, res.Text)
			assert.Equal(t, models.ResultSuccess, res.Type)

			c := runner.last()
			assert.Equal(t, "osascript", c.name)
			assert.Contains(t, c.args[1], tt.wantScript)
		})
	}
}

func TestSystem_ScreenshotAndSleep(t *testing.T) {
	runner := &fakeRunner{}
	s := NewSystem(runner)

	res, err := s.Execute(context.Background(), "take a screenshot")
	require.NoError(t, err)
	assert.Equal(t, "Screenshot taken to clipboard", res.Text)
	assert.Equal(t, call{name: "screencapture", args: []string{"-c"}}, runner.last())

	res, err = s.Execute(context.Background(), "go to sleep")
	require.NoError(t, err)
	assert.Equal(t, "Going to sleep", res.Text)
}

func TestSystem_NotUnderstood(t *testing.T) {
	runner := &fakeRunner{}
	s := NewSystem(runner)

	assert.True(t, s.CanHandle("open the pod bay doors"))
	assert.Equal(t, 60, s.Estimate("open the pod bay doors"))

	_, err := s.Execute(context.Background(), "open the pod bay doors")
	require.Error(t, err)
	assert.Empty(t, runner.calls)
	assert.False(t, s.CanHandle("what's the weather"))
}

func TestSystem_KeywordInsideWord(t *testing.T) {
	runner := &fakeRunner{}
	s := NewSystem(runner)

	tests := []struct {
		text string
		want int
	}{
		{"lock the screen", 95},
		{"put the mac to sleep", 95},
		{"what does the clock say", 75},
		{"is the cat asleep", 75},
		{"unlock the door", 75},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			require.True(t, s.CanHandle(tt.text))
			assert.Equal(t, tt.want, s.Estimate(tt.text))
		})
	}

	_, err := s.Execute(context.Background(), "what does the clock say")
	require.Error(t, err)
	assert.Empty(t, runner.calls)
}

func TestSystem_RunnerFailure(t *testing.T) {
	runner := &fakeRunner{err: errors.New("osascript not found")}
	s := NewSystem(runner)

	res, err := s.Execute(context.Background(), "open chrome")
	require.NoError(t, err)
	assert.Equal(t, models.ResultError, res.Type)
	assert.Contains(t, res.Text, "osascript not found")
}

func TestNotes(t *testing.T) {
	runner := &fakeRunner{output: "Groceries, Ideas"}
	n := NewNotes(runner)

	text := `create note buy "oat" milk`
	require.True(t, n.CanHandle(text))
	assert.Equal(t, 90, n.Estimate(text))

	res, err := n.Execute(context.Background(), text)
	require.NoError(t, err)
	assert.Equal(t, `Note created: note buy "oat" milk`, res.Text)
	assert.Contains(t, runner.last().args[1], `{body:"note buy \"oat\" milk"}`)

	res, err = n.Execute(context.Background(), "show my notes")
	require.NoError(t, err)
	assert.Equal(t, "Recent notes: Groceries, Ideas", res.Text)

	assert.Equal(t, 50, n.Estimate("notes are nice"))
	_, err = n.Execute(context.Background(), "notes are nice")
	require.Error(t, err)
}

func TestExtractContent(t *testing.T) {
	assert.Equal(t, "call mom", extractContent("Note: call mom"))
	assert.Equal(t, "a reminder to stretch", extractContent("add a reminder to stretch"))
	assert.Equal(t, "", extractContent("reminder"))
}

type fakeChat struct {
	chunks []string
	err    error
}

func (f *fakeChat) Chat(ctx context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error) {
	return &provider.ChatResponse{Message: provider.ChatMessage{Content: strings.Join(f.chunks, "")}}, f.err
}

func (f *fakeChat) ChatStream(ctx context.Context, req *provider.ChatRequest, handler provider.StreamHandler) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	var acc string
	for i, c := range f.chunks {
		acc += c
		if err := handler(acc, i == len(f.chunks)-1); err != nil {
			return acc, err
		}
	}
	return acc, nil
}

func TestAssistant_CannedReplies(t *testing.T) {
	a := NewAssistant(nil, "", 0)

	assert.True(t, a.CanHandle("hey there"))
	assert.Equal(t, 95, a.Estimate("hey there"))
	res, err := a.Execute(context.Background(), "hey there")
	require.NoError(t, err)
	assert.Equal(t, greetingReply, res.Text)

	res, err = a.Execute(context.Background(), "merci beaucoup")
	require.NoError(t, err)
	assert.Equal(t, thanksReply, res.Text)

	// "this" must not be read as "hi", and without a runtime questions are not claimed.
	assert.False(t, a.CanHandle("what is this?"))
}

func TestAssistant_StreamsQuestions(t *testing.T) {
	a := NewAssistant(&fakeChat{chunks: []string{"The sky", " is blue", "."}}, "llama3.2", 0.2)

	require.True(t, a.CanHandle("why is the sky blue?"))
	assert.Equal(t, 75, a.Estimate("why is the sky blue?"))

	var emitted []string
	res, err := a.Stream(context.Background(), "why is the sky blue?", func(content string) error {
		emitted = append(emitted, content)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "The sky is blue.", res.Text)
	assert.Equal(t, models.ResultAI, res.Type)
	assert.Equal(t, []string{"The sky", "The sky is blue", "The sky is blue."}, emitted)
}

func TestAssistant_RuntimeError(t *testing.T) {
	a := NewAssistant(&fakeChat{err: errors.New("connection refused")}, "llama3.2", 0)
	_, err := a.Execute(context.Background(), "how does this work?")
	require.Error(t, err)
}

func TestKeyword_PatternScores(t *testing.T) {
	k, err := NewKeyword(&plugin.Manifest{
		Name:     "timer",
		Patterns: []string{`set a timer for (\d+) minutes`},
		Response: "Timer set for {{input}} minutes",
	}, nil)
	require.NoError(t, err)

	assert.True(t, k.CanHandle("Set a timer for 5 minutes"))
	assert.Equal(t, FullMatchConfidence, k.Estimate("Set a timer for 5 minutes"))
	assert.Equal(t, PartialMatchConfidence, k.Estimate("please set a timer for 5 minutes now"))
	assert.False(t, k.CanHandle("timer"))

	res, err := k.Execute(context.Background(), "set a timer for 5 minutes")
	require.NoError(t, err)
	assert.Equal(t, "Timer set for 5 minutes", res.Text)
	assert.Equal(t, models.ResultSuccess, res.Type)
}

func TestKeyword_KeywordsAndCommand(t *testing.T) {
	runner := &fakeRunner{output: "Fri Oct 16"}
	k, err := NewKeyword(&plugin.Manifest{
		Name:         "clock",
		Keywords:     []string{"Date", "day is it"},
		Command:      "date +%a",
		Response:     "Today is {{output}}",
		ResponseType: "info",
	}, runner)
	require.NoError(t, err)

	assert.True(t, k.CanHandle("what day is it"))
	assert.Equal(t, plugin.Unscored, k.Estimate("what day is it"))

	res, err := k.Execute(context.Background(), "what's the date")
	require.NoError(t, err)
	assert.Equal(t, "Today is Fri Oct 16", res.Text)
	assert.Equal(t, models.ResultInfo, res.Type)
	assert.Equal(t, call{name: "date", args: []string{"+%a"}}, runner.last())
}

func TestKeyword_InvalidManifest(t *testing.T) {
	_, err := NewKeyword(&plugin.Manifest{Name: "bad", Patterns: []string{"("}}, nil)
	require.Error(t, err)

	_, err = NewKeyword(&plugin.Manifest{Name: "cmd", Keywords: []string{"x"}, Command: "echo hi"}, nil)
	require.Error(t, err)
}

func TestBuiltins(t *testing.T) {
	factories, err := Builtins([]string{"system", "notes", "ai"}, Deps{Runner: &fakeRunner{}})
	require.NoError(t, err)

	r := plugin.NewRegistry()
	for _, f := range factories {
		require.NoError(t, r.RegisterFactory(f))
	}
	assert.Equal(t, []string{"system", "notes", "ai"}, r.List())

	_, err = Builtins([]string{"weather"}, Deps{})
	require.Error(t, err)
}
