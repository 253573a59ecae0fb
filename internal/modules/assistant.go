package modules

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"github.com/jordanhubbard/nyx/internal/provider"
	"github.com/jordanhubbard/nyx/pkg/models"
)

const (
	greetingReply = "Hello! How can I help you today?"
	thanksReply   = "You're welcome!"
)

var (
	greetingWords = []string{"hello", "hi", "hey", "bonjour", "salut"}
	thanksWords   = []string{"thank", "thanks", "merci"}
	questionWords = []string{"what", "why", "how", "who", "when", "where", "which", "explain", "tell"}
)

const assistantPrompt = "You are Nyx, a concise desktop assistant. Answer in a few sentences."

// Assistant answers small talk and general questions. Questions are sent to
// the model runtime and streamed back.
type Assistant struct {
	chat        provider.StreamingChatter
	model       string
	temperature float64
}

// NewAssistant creates the ai module. With a nil chatter it only handles
// small talk.
func NewAssistant(chat provider.StreamingChatter, model string, temperature float64) *Assistant {
	return &Assistant{chat: chat, model: model, temperature: temperature}
}

func (a *Assistant) Name() string        { return "ai" }
func (a *Assistant) Description() string { return "General AI conversation" }

func (a *Assistant) CanHandle(text string) bool {
	words := tokenize(text)
	if cannedReply(words) != "" {
		return true
	}
	return a.chat != nil && isQuestion(text, words)
}

func (a *Assistant) Estimate(text string) int {
	if cannedReply(tokenize(text)) != "" {
		return 95
	}
	return 75
}

func (a *Assistant) Execute(ctx context.Context, text string) (*models.Result, error) {
	return a.Stream(ctx, text, func(string) error { return nil })
}

// Stream emits the accumulated reply as it is generated.
func (a *Assistant) Stream(ctx context.Context, text string, emit func(content string) error) (*models.Result, error) {
	if reply := cannedReply(tokenize(text)); reply != "" {
		if err := emit(reply); err != nil {
			return nil, err
		}
		return &models.Result{Text: reply, Type: models.ResultInfo}, nil
	}
	if a.chat == nil {
		return nil, fmt.Errorf("ai: no model runtime configured")
	}

	req := &provider.ChatRequest{
		Model:       a.model,
		Temperature: a.temperature,
		Messages: []provider.ChatMessage{
			{Role: "system", Content: assistantPrompt},
			{Role: "user", Content: text},
		},
	}
	full, err := a.chat.ChatStream(ctx, req, func(content string, done bool) error {
		if content == "" {
			return nil
		}
		return emit(content)
	})
	if err != nil {
		return nil, fmt.Errorf("ai: %w", err)
	}
	full = strings.TrimSpace(full)
	if full == "" {
		return nil, fmt.Errorf("ai: empty reply")
	}
	return &models.Result{Text: full, Type: models.ResultAI}, nil
}

func cannedReply(words map[string]bool) string {
	for _, w := range greetingWords {
		if words[w] {
			return greetingReply
		}
	}
	for _, w := range thanksWords {
		if words[w] {
			return thanksReply
		}
	}
	return ""
}

func isQuestion(text string, words map[string]bool) bool {
	if strings.HasSuffix(strings.TrimSpace(text), "?") {
		return true
	}
	for _, w := range questionWords {
		if words[w] {
			return true
		}
	}
	return false
}

func tokenize(text string) map[string]bool {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && r != '\''
	})
	words := make(map[string]bool, len(fields))
	for _, f := range fields {
		words[f] = true
	}
	return words
}
