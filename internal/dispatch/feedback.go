package dispatch

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/jordanhubbard/nyx/internal/arbiter"
	"github.com/jordanhubbard/nyx/internal/feedback"
	"github.com/jordanhubbard/nyx/internal/matcher"
	"github.com/jordanhubbard/nyx/internal/telemetry"
	"github.com/jordanhubbard/nyx/pkg/messages"
	"github.com/jordanhubbard/nyx/pkg/models"
)

// HandleFeedback records the user's decision on the session's outstanding
// request and continues the command it belonged to. A response for a stale
// or superseded request returns feedback.ErrUnknownFeedbackID and has no
// other effect.
func (d *Dispatcher) HandleFeedback(ctx context.Context, sess Session, resp models.FeedbackResponsePayload) (*feedback.Decision, error) {
	sid := sess.ID()
	ctx, span := telemetry.StartSpan(ctx, "dispatch.feedback",
		attribute.String("session", sid),
		attribute.String("action", string(resp.Action)),
	)
	defer span.End()

	dec, err := d.loop.RecordDecision(ctx, sid, resp.FeedbackID, resp.Action, resp.CorrectIntent)
	if err != nil {
		if errors.Is(err, feedback.ErrUnknownFeedbackID) {
			d.log.Debug().Str("session", sid).Str("feedback_id", resp.FeedbackID).Msg("ignoring stale feedback response")
			if d.metrics != nil {
				d.metrics.FeedbackIgnored.Inc()
			}
			return nil, err
		}
		d.log.Warn().Err(err).Str("session", sid).Str("feedback_id", resp.FeedbackID).Msg("failed to record feedback")
		return nil, err
	}

	if d.metrics != nil {
		d.metrics.FeedbackDecisions.WithLabelValues(string(dec.Record.Type), string(dec.Record.Action)).Inc()
	}
	telemetry.FeedbackRecorded.Add(ctx, 1, metric.WithAttributes(attribute.String("action", string(dec.Record.Action))))

	d.send(sess, models.EventFeedbackReceived, models.FeedbackReceivedPayload{Message: dec.Ack})
	d.publish(ctx, messages.FeedbackRecorded(eventSource, sid, dec.Record.ID, string(dec.Record.Action), map[string]interface{}{
		"feedback_id":      dec.Record.FeedbackID,
		"type":             string(dec.Record.Type),
		"pattern_key":      dec.Record.PatternKey,
		"decided_intent":   dec.Record.DecidedIntent,
		"corrected_module": dec.Record.CorrectedModule,
		"from_escalation":  dec.Record.FromEscalation,
	}))

	d.continueAfter(ctx, sess, dec)
	return dec, nil
}

// continueAfter carries out what the decision implies for the original
// command.
func (d *Dispatcher) continueAfter(ctx context.Context, sess Session, dec *feedback.Decision) {
	p := dec.Pending
	gen := d.generation(sess.ID())

	switch {
	case p.Request.Type == models.FeedbackOllamaUnknown:
		// Acknowledgement only.

	case dec.Record.Action == models.ActionCorrect && dec.Record.CorrectedModule != "":
		inst, ok := d.matcher.Resolve(ctx, dec.Record.CorrectedModule)
		if !ok {
			d.fallback(sess)
			return
		}
		c := matcher.Candidate{Instance: inst, Confidence: d.policy.AutoExecute}
		if _, ok := d.run(ctx, sess, c, p.Message, "corrected", nil); !ok {
			d.fallback(sess)
		}

	case p.Executed:
		// Already ran; the decision only adjusts weights.

	case dec.Record.Action == models.ActionConfirm:
		c := matcher.Candidate{Instance: p.Instance, Confidence: p.Confidence}
		if _, ok := d.run(ctx, sess, c, p.Message, string(arbiter.BandConfirmFirst), nil); ok {
			return
		}
		d.fallThrough(ctx, sess, gen, p)

	default:
		// Reject, or a correction no module could be resolved for.
		d.fallThrough(ctx, sess, gen, p)
	}
}

// fallThrough escalates a module candidate the user turned down. A resolver
// candidate has nowhere further to go.
func (d *Dispatcher) fallThrough(ctx context.Context, sess Session, gen uint64, p *feedback.Pending) {
	if p.FromEscalation {
		d.fallback(sess)
		return
	}
	d.escalate(ctx, sess, gen, p.Message, p.PatternKey)
}
