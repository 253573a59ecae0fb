// Package escalation asks a language model to interpret commands no module
// claimed, and normalizes its answer into a suggestion or an unknown.
package escalation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/jordanhubbard/nyx/internal/cache"
	"github.com/jordanhubbard/nyx/internal/logging"
	"github.com/jordanhubbard/nyx/internal/metrics"
	"github.com/jordanhubbard/nyx/internal/provider"
	"github.com/jordanhubbard/nyx/internal/telemetry"
	"github.com/jordanhubbard/nyx/pkg/models"
)

var (
	// ErrResolverUnavailable is reported when no model backend is configured.
	ErrResolverUnavailable = errors.New("escalation resolver unavailable")
	// ErrMalformedOutput is reported when the model reply is not the
	// expected JSON object.
	ErrMalformedOutput = errors.New("malformed resolver output")
)

// DefaultSuggestion is offered when the model gives nothing better.
const DefaultSuggestion = "Try rephrasing, or ask what I can do."

// CacheNamespace prefixes every key the resolver caches under.
const CacheNamespace = "escalation"

// Catalog supplies the modules listed in the prompt.
type Catalog func() []Capability

// Options configure a Resolver.
type Options struct {
	Model       string
	Timeout     time.Duration
	Temperature float64
	// MinConfidence is the score below which a suggestion becomes unknown.
	MinConfidence int
	Catalog       Catalog
	// Cache is optional. Errors are never cached.
	Cache    cache.CacheBackend
	CacheTTL time.Duration
	Metrics  *metrics.Metrics
}

// Resolver is the secondary interpreter.
type Resolver struct {
	chat provider.Chatter
	opts Options
	log  zerolog.Logger
}

// New creates a resolver over chat.
func New(chat provider.Chatter, opts Options) *Resolver {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	return &Resolver{
		chat: chat,
		opts: opts,
		log:  logging.Component("escalation"),
	}
}

func (r *Resolver) recordCache(hit bool) {
	if r.opts.Metrics == nil {
		return
	}
	if hit {
		r.opts.Metrics.CacheHits.Inc()
	} else {
		r.opts.Metrics.CacheMisses.Inc()
	}
}

// reply is the JSON object the model is asked to produce. Confidence is a
// float because some models answer on a 0-1 scale.
type reply struct {
	Intent       string   `json:"intent"`
	Description  string   `json:"description"`
	Confidence   float64  `json:"confidence"`
	Reasoning    string   `json:"reasoning"`
	Alternatives []string `json:"alternatives"`
}

// Resolve interprets text. It never returns a Go error; failures come back
// as a result of kind error, and the call is bounded by the configured
// timeout.
func (r *Resolver) Resolve(ctx context.Context, text string) models.EscalationResult {
	ctx, span := telemetry.StartSpan(ctx, "escalation.resolve", attribute.String("model", r.opts.Model))
	defer span.End()

	if r.chat == nil {
		return errorResult(ErrResolverUnavailable)
	}

	key, keyErr := cache.GenerateKey(CacheNamespace, r.opts.Model, models.PatternKey(text))
	if r.opts.Cache != nil && keyErr == nil {
		if entry, ok := r.opts.Cache.Get(ctx, key); ok {
			var cached models.EscalationResult
			if err := entry.Decode(&cached); err == nil {
				span.SetAttributes(attribute.Bool("cache_hit", true))
				r.recordCache(true)
				return cached
			}
			r.log.Debug().Str("key", key).Msg("dropping undecodable cached result")
			r.opts.Cache.Delete(ctx, key)
		}
		r.recordCache(false)
	}

	start := time.Now()
	res := r.call(ctx, text)
	span.SetAttributes(attribute.String("kind", string(res.Kind)))
	telemetry.EscalationLatency.Record(ctx, float64(time.Since(start).Milliseconds()))

	if res.Kind == models.EscalationError {
		span.SetStatus(codes.Error, res.Err)
		return res
	}
	if r.opts.Cache != nil && keyErr == nil {
		meta := map[string]string{"model_name": r.opts.Model}
		if err := r.opts.Cache.Set(ctx, key, res, r.opts.CacheTTL, meta); err != nil {
			r.log.Warn().Err(err).Msg("failed to cache escalation result")
		}
	}
	return res
}

func (r *Resolver) call(ctx context.Context, text string) models.EscalationResult {
	ctx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	defer cancel()

	var modules []Capability
	if r.opts.Catalog != nil {
		modules = r.opts.Catalog()
	}

	resp, err := r.chat.Chat(ctx, &provider.ChatRequest{
		Model: r.opts.Model,
		Messages: []provider.ChatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: BuildPrompt(text, modules)},
		},
		Temperature: r.opts.Temperature,
		Format:      "json",
	})
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("timed out after %s: %w", r.opts.Timeout, err)
		}
		r.log.Warn().Err(err).Str("model", r.opts.Model).Msg("escalation call failed")
		return errorResult(err)
	}

	res, err := parseReply(resp.Message.Content, r.opts.MinConfidence)
	if err != nil {
		r.log.Warn().Err(err).Msg("escalation reply rejected")
		return errorResult(err)
	}
	r.log.Debug().Str("kind", string(res.Kind)).Str("intent", res.Intent).Int("confidence", res.Confidence).Msg("escalation resolved")
	return res
}

// parseReply normalizes the model output. Empty output, an unknown intent or
// a confidence under minConfidence yield an unknown result; output that is
// not a JSON object is an error.
func parseReply(raw string, minConfidence int) (models.EscalationResult, error) {
	text := stripCodeFences(raw)
	if text == "" {
		return unknownResult(""), nil
	}

	var rep reply
	if err := json.Unmarshal([]byte(text), &rep); err != nil {
		return models.EscalationResult{}, fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}

	conf := rep.Confidence
	if conf > 0 && conf <= 1 {
		conf *= 100
	}
	confidence := models.ClampConfidence(int(conf + 0.5))
	intent := strings.TrimSpace(rep.Intent)
	description := strings.TrimSpace(rep.Description)

	switch strings.ToLower(intent) {
	case "", "unknown", "none", "null":
		return unknownResult(firstNonEmpty(description, rep.Reasoning)), nil
	}
	if confidence < minConfidence {
		return unknownResult(firstNonEmpty(description, rep.Reasoning)), nil
	}

	if description == "" {
		description = intent
	}
	return models.EscalationResult{
		Kind:         models.EscalationSuggestion,
		Intent:       intent,
		Description:  description,
		Confidence:   confidence,
		Reasoning:    strings.TrimSpace(rep.Reasoning),
		Alternatives: rep.Alternatives,
	}, nil
}

// stripCodeFences removes markdown code fences wrapping JSON.
func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		if idx := strings.Index(s, "\n"); idx != -1 {
			s = s[idx+1:]
		} else {
			s = strings.TrimPrefix(s, "```")
		}
		if idx := strings.LastIndex(s, "```"); idx != -1 {
			s = s[:idx]
		}
	}
	return strings.TrimSpace(s)
}

func unknownResult(suggestion string) models.EscalationResult {
	return models.EscalationResult{
		Kind:        models.EscalationUnknown,
		Description: firstNonEmpty(suggestion, DefaultSuggestion),
	}
}

func errorResult(err error) models.EscalationResult {
	return models.EscalationResult{Kind: models.EscalationError, Err: err.Error()}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
