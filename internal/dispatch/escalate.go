package dispatch

import (
	"context"
	"time"

	"github.com/jordanhubbard/nyx/internal/arbiter"
	"github.com/jordanhubbard/nyx/internal/feedback"
	"github.com/jordanhubbard/nyx/internal/matcher"
	"github.com/jordanhubbard/nyx/pkg/models"
)

// escalate hands text to the resolver. The loading signal sent first is
// cleared by whichever terminal event follows: an error plus the fallback
// response, an unknown notice, a feedback request, or the executed result
// (response or ai-stream). A suggested module that fails to execute counts
// as an error.
func (d *Dispatcher) escalate(ctx context.Context, sess Session, gen uint64, text, key string) *Outcome {
	out := &Outcome{Band: arbiter.BandNoCandidate}
	if d.resolver == nil {
		d.fallback(sess)
		return out
	}

	d.send(sess, models.EventAnalysisStart, nil)
	start := time.Now()
	res := d.resolver.Resolve(ctx, text)
	out.Escalation = res.Kind
	if d.metrics != nil {
		d.metrics.RecordEscalation(string(res.Kind), time.Since(start))
	}

	switch res.Kind {
	case models.EscalationSuggestion:
		inst, ok := d.matcher.Resolve(ctx, res.Intent)
		if !ok {
			d.log.Debug().Str("intent", res.Intent).Msg("suggested intent maps to no module")
			out.Escalation = models.EscalationUnknown
			out.FeedbackID = d.raiseUnknown(sess, gen, text, key, res.Description)
			return out
		}
		return d.suggest(ctx, sess, gen, text, key, matcher.Candidate{Instance: inst, Confidence: res.Confidence}, res, out)

	case models.EscalationUnknown:
		out.FeedbackID = d.raiseUnknown(sess, gen, text, key, res.Description)
		return out

	default:
		d.log.Warn().Str("error", res.Err).Msg("escalation failed")
		d.send(sess, models.EventAnalysisError, nil)
		d.fallback(sess)
		return out
	}
}

// suggest applies the confidence bands to a resolver suggestion.
func (d *Dispatcher) suggest(ctx context.Context, sess Session, gen uint64, text, key string, c matcher.Candidate, res models.EscalationResult, out *Outcome) *Outcome {
	effective := models.ClampConfidence(c.Confidence + d.loop.Weight(c.Name(), key))
	band := d.policy.Classify(effective)

	out.Band = band
	out.Module = c.Name()
	out.Confidence = effective
	out.Streaming = c.Streaming()

	pending := func(executed bool) *feedback.Pending {
		return &feedback.Pending{
			Request: models.FeedbackRequest{
				Type: models.FeedbackOllamaSuggestion,
				Suggestion: models.Suggestion{
					Intent:       c.Name(),
					Description:  res.Description,
					Confidence:   effective,
					Reasoning:    res.Reasoning,
					Alternatives: res.Alternatives,
				},
			},
			SessionID:      sess.ID(),
			Message:        text,
			PatternKey:     key,
			Module:         c.Name(),
			Instance:       c.Instance,
			Confidence:     effective,
			FromEscalation: true,
			Executed:       executed,
		}
	}

	if band == arbiter.BandConfirmFirst {
		out.FeedbackID = d.raise(sess, gen, pending(false))
		return out
	}

	var then func()
	if band == arbiter.BandExecuteThenAsk {
		then = func() { d.raise(sess, gen, pending(true)) }
	}
	if _, ok := d.run(ctx, sess, c, text, string(band), then); ok {
		out.Executed = true
		return out
	}
	d.log.Warn().Str("module", c.Name()).Msg("suggested module produced no result")
	d.send(sess, models.EventAnalysisError, nil)
	d.fallback(sess)
	return out
}

func (d *Dispatcher) raiseUnknown(sess Session, gen uint64, text, key, suggestion string) string {
	return d.raise(sess, gen, &feedback.Pending{
		Request: models.FeedbackRequest{
			Type:       models.FeedbackOllamaUnknown,
			Suggestion: models.Suggestion{Description: suggestion},
		},
		SessionID:      sess.ID(),
		Message:        text,
		PatternKey:     key,
		FromEscalation: true,
	})
}
