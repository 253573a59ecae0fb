// Package dispatch drives one command through matching, arbitration,
// confirmation and escalation, and continues it when feedback arrives.
package dispatch

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/jordanhubbard/nyx/internal/arbiter"
	"github.com/jordanhubbard/nyx/internal/feedback"
	"github.com/jordanhubbard/nyx/internal/logging"
	"github.com/jordanhubbard/nyx/internal/matcher"
	"github.com/jordanhubbard/nyx/internal/messagebus"
	"github.com/jordanhubbard/nyx/internal/metrics"
	"github.com/jordanhubbard/nyx/internal/plugin"
	"github.com/jordanhubbard/nyx/internal/stream"
	"github.com/jordanhubbard/nyx/internal/telemetry"
	"github.com/jordanhubbard/nyx/pkg/messages"
	"github.com/jordanhubbard/nyx/pkg/models"
)

const eventSource = "dispatch"

// Session is the dispatcher's view of a connected client.
type Session interface {
	ID() string
	// Send delivers one event to this session only.
	Send(event string, payload interface{}) error
}

// Resolver interprets commands no module claimed.
type Resolver interface {
	Resolve(ctx context.Context, text string) models.EscalationResult
}

// Options configure a Dispatcher. Every field is optional.
type Options struct {
	// Resolver disables escalation when nil.
	Resolver Resolver
	Bus      messagebus.EventPublisher
	Metrics  *metrics.Metrics
}

// Outcome describes the decision made for one command.
type Outcome struct {
	Band       arbiter.Band          `json:"band"`
	Module     string                `json:"module,omitempty"`
	Confidence int                   `json:"confidence,omitempty"`
	Executed   bool                  `json:"executed"`
	Streaming  bool                  `json:"streaming,omitempty"`
	FeedbackID string                `json:"feedbackId,omitempty"`
	Escalation models.EscalationKind `json:"escalation,omitempty"`
}

// sessionState orders asynchronous follow-ups (a feedback request raised
// after a stream completes) against newer commands from the same session.
type sessionState struct {
	mu  sync.Mutex
	gen uint64
}

// Dispatcher routes commands and feedback for all sessions. Callers must not
// invoke it concurrently for the same session.
type Dispatcher struct {
	matcher  *matcher.Matcher
	loop     *feedback.Loop
	emitter  *stream.Emitter
	policy   arbiter.Policy
	resolver Resolver
	bus      messagebus.EventPublisher
	metrics  *metrics.Metrics
	log      zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*sessionState

	wg sync.WaitGroup
}

// New creates a dispatcher.
func New(m *matcher.Matcher, loop *feedback.Loop, emitter *stream.Emitter, policy arbiter.Policy, opts Options) *Dispatcher {
	return &Dispatcher{
		matcher:  m,
		loop:     loop,
		emitter:  emitter,
		policy:   policy,
		resolver: opts.Resolver,
		bus:      opts.Bus,
		metrics:  opts.Metrics,
		log:      logging.Component("dispatch"),
		sessions: make(map[string]*sessionState),
	}
}

// OpenSession initializes session-scoped state.
func (d *Dispatcher) OpenSession(sessionID string) {
	d.mu.Lock()
	d.sessions[sessionID] = &sessionState{}
	d.mu.Unlock()
	d.loop.OpenSession(sessionID)
}

// CloseSession discards the session's outstanding request and open stream.
// Persisted statistics and weights are untouched.
func (d *Dispatcher) CloseSession(sessionID string) {
	st := d.state(sessionID)
	st.mu.Lock()
	st.gen++
	d.emitter.Abandon(sessionID)
	d.loop.CloseSession(sessionID)
	st.mu.Unlock()

	d.mu.Lock()
	delete(d.sessions, sessionID)
	d.mu.Unlock()
}

// Sessions reports every open session, ordered by ID.
func (d *Dispatcher) Sessions() []models.SessionStatus {
	d.mu.Lock()
	ids := make([]string, 0, len(d.sessions))
	for id := range d.sessions {
		ids = append(ids, id)
	}
	d.mu.Unlock()
	sort.Strings(ids)

	out := make([]models.SessionStatus, 0, len(ids))
	for _, id := range ids {
		st := models.SessionStatus{
			SessionID: id,
			Commands:  d.loop.Stats(id).SessionCommands,
			Streaming: d.emitter.Active(id),
		}
		if p, ok := d.loop.Outstanding(id); ok {
			req := p.Request
			st.Outstanding = &req
		}
		out = append(out, st)
	}
	return out
}

// Wait blocks until every running stream has finished or been abandoned.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) state(sessionID string) *sessionState {
	d.mu.Lock()
	defer d.mu.Unlock()
	st, ok := d.sessions[sessionID]
	if !ok {
		st = &sessionState{}
		d.sessions[sessionID] = st
	}
	return st
}

// begin starts a new command for the session: the outstanding request is
// cancelled without a record and any open stream is abandoned.
func (d *Dispatcher) begin(sessionID string) uint64 {
	st := d.state(sessionID)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.gen++
	d.loop.Cancel(sessionID)
	d.emitter.Abandon(sessionID)
	return st.gen
}

func (d *Dispatcher) generation(sessionID string) uint64 {
	st := d.state(sessionID)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.gen
}

// HandleCommand makes the dispatch decision for text. Module execution that
// streams continues in the background after it returns, bounded by ctx.
func (d *Dispatcher) HandleCommand(ctx context.Context, sess Session, text string) *Outcome {
	start := time.Now()
	sid := sess.ID()
	gen := d.begin(sid)

	text = strings.TrimSpace(text)
	if text == "" {
		return &Outcome{Band: arbiter.BandNoCandidate}
	}

	ctx, span := telemetry.StartSpan(ctx, "dispatch.command", attribute.String("session", sid))
	defer span.End()

	key := models.PatternKey(text)
	ranked := d.policy.Rank(d.matcher.Match(ctx, text), d.loop, key)

	out := d.decide(ctx, sess, gen, text, key, ranked)
	span.SetAttributes(
		attribute.String("band", string(out.Band)),
		attribute.String("module", out.Module),
		attribute.Int("confidence", out.Confidence),
	)
	d.recordDecision(ctx, out, time.Since(start))

	d.log.Info().
		Str("session", sid).
		Str("band", string(out.Band)).
		Str("module", out.Module).
		Int("confidence", out.Confidence).
		Bool("executed", out.Executed).
		Int("candidates", len(ranked)).
		Msg("command dispatched")
	return out
}

// decide walks the ranked candidates. A candidate whose execution yields
// nothing usable is skipped in favour of the next one; when none is left
// the command is escalated.
func (d *Dispatcher) decide(ctx context.Context, sess Session, gen uint64, text, key string, ranked []arbiter.Scored) *Outcome {
	for _, c := range ranked {
		out := &Outcome{Band: c.Band, Module: c.Name(), Confidence: c.Effective, Streaming: c.Streaming()}

		if c.Band == arbiter.BandConfirmFirst {
			out.FeedbackID = d.raise(sess, gen, &feedback.Pending{
				Request: models.FeedbackRequest{
					Type:       models.FeedbackIntentConfirmation,
					Suggestion: suggestionFor(c.Candidate, c.Effective),
				},
				SessionID:  sess.ID(),
				Message:    text,
				PatternKey: key,
				Module:     c.Name(),
				Instance:   c.Instance,
				Confidence: c.Effective,
			})
			return out
		}

		var then func()
		if c.Band == arbiter.BandExecuteThenAsk {
			cand := c
			then = func() {
				d.raise(sess, gen, &feedback.Pending{
					Request: models.FeedbackRequest{
						Type:       models.FeedbackIntentConfirmation,
						Suggestion: suggestionFor(cand.Candidate, cand.Effective),
					},
					SessionID:  sess.ID(),
					Message:    text,
					PatternKey: key,
					Module:     cand.Name(),
					Instance:   cand.Instance,
					Confidence: cand.Effective,
					Executed:   true,
				})
			}
		}
		if self, ok := d.run(ctx, sess, c.Candidate, text, string(c.Band), then); ok {
			out.Executed = true
			if c.Band == arbiter.BandAutoExecute && self > 0 {
				d.rescore(sess, gen, text, key, c.Candidate, self, out)
			}
			return out
		}
	}
	return d.escalate(ctx, sess, gen, text, key)
}

// rescore re-classifies an auto-executed candidate on the confidence its
// module reported with the result. A score below the auto band turns the
// decision into execute-then-ask after the fact.
func (d *Dispatcher) rescore(sess Session, gen uint64, text, key string, c matcher.Candidate, self int, out *Outcome) {
	eff := models.ClampConfidence(self + d.loop.Weight(c.Name(), key))
	if d.policy.Classify(eff) == arbiter.BandAutoExecute {
		return
	}
	out.Band = arbiter.BandExecuteThenAsk
	out.Confidence = eff
	out.FeedbackID = d.raise(sess, gen, &feedback.Pending{
		Request: models.FeedbackRequest{
			Type:       models.FeedbackIntentConfirmation,
			Suggestion: suggestionFor(c, eff),
		},
		SessionID:  sess.ID(),
		Message:    text,
		PatternKey: key,
		Module:     c.Name(),
		Instance:   c.Instance,
		Confidence: eff,
		Executed:   true,
	})
}

// run executes c. It returns false when c produced nothing usable, in which
// case nothing was sent. then, if set, runs after a successful execution;
// for streaming candidates that happens once the stream completes.
//
// The returned score is the confidence a module without an Estimator put on
// its result, or 0 when there is none to consider.
func (d *Dispatcher) run(ctx context.Context, sess Session, c matcher.Candidate, text, band string, then func()) (int, bool) {
	if c.Streaming() {
		d.stream(ctx, sess, c, text, band, then)
		return 0, true
	}

	start := time.Now()
	res, err := d.matcher.Execute(ctx, c, text)
	if d.metrics != nil {
		d.metrics.RecordExecution(c.Name(), err == nil, time.Since(start))
	}
	if err != nil {
		return 0, false
	}

	resultType := res.Type
	if resultType == "" {
		resultType = models.ResultSuccess
	}
	d.respond(sess, res.Text, resultType, c.Name())
	d.executed(ctx, sess.ID(), c, band)
	if then != nil {
		then()
	}
	if _, scored := c.Instance.Module.(plugin.Estimator); scored || res.Confidence <= 0 {
		return 0, true
	}
	return models.ClampConfidence(res.Confidence), true
}

// stream runs a streaming candidate in the background. A stream that fails
// before producing anything finishes with the fallback text.
func (d *Dispatcher) stream(ctx context.Context, sess Session, c matcher.Candidate, text, band string, then func()) {
	s := d.emitter.Begin(ctx, sess.ID(), c.Name(), sess.Send)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()

		start := time.Now()
		res, err := d.matcher.Stream(s.Context(), c, text, s.Update)
		if d.metrics != nil {
			d.metrics.RecordExecution(c.Name(), err == nil, time.Since(start))
		}

		final := ""
		if err == nil {
			final = res.Text
		}
		produced := final != "" || s.Content() != ""
		if !produced {
			final = models.FallbackText
		}
		if ferr := s.Finish(final); ferr != nil {
			// Abandoned by a newer command or a disconnect.
			return
		}
		if !produced {
			return
		}
		d.executed(ctx, sess.ID(), c, band)
		if then != nil {
			then()
		}
	}()
}

// executed updates statistics and announces the execution.
func (d *Dispatcher) executed(ctx context.Context, sessionID string, c matcher.Candidate, band string) {
	d.loop.RecordExecution(ctx, sessionID, c.Name())
	d.publish(ctx, messages.CommandExecuted(eventSource, sessionID, c.Name(), c.Confidence, band))
}

// raise makes p the session's outstanding request and sends it, unless a
// newer command has started since gen.
func (d *Dispatcher) raise(sess Session, gen uint64, p *feedback.Pending) string {
	d.mu.Lock()
	st, ok := d.sessions[sess.ID()]
	d.mu.Unlock()
	if !ok {
		return ""
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.gen != gen {
		return ""
	}

	req := d.loop.Raise(p)
	if d.metrics != nil {
		d.metrics.FeedbackRequests.WithLabelValues(string(req.Type)).Inc()
	}
	if p.Request.Type == models.FeedbackOllamaUnknown {
		d.send(sess, models.EventAnalysisUnknown, models.AnalysisUnknownPayload{
			FeedbackID: req.ID,
			Message:    req.Message,
			Suggestion: req.Suggestion,
		})
	} else {
		d.send(sess, models.EventRequestFeedback, req)
	}
	return req.ID
}

func (d *Dispatcher) respond(sess Session, text string, typ models.ResultType, module string) {
	d.send(sess, models.EventResponse, models.ResponsePayload{
		Text:      text,
		Type:      typ,
		Module:    module,
		Timestamp: time.Now().UnixMilli(),
	})
}

// fallback answers a command nothing could interpret.
func (d *Dispatcher) fallback(sess Session) {
	d.respond(sess, models.FallbackText, models.ResultInfo, models.CoreModule)
}

func (d *Dispatcher) send(sess Session, event string, payload interface{}) {
	if err := sess.Send(event, payload); err != nil {
		d.log.Debug().Err(err).Str("session", sess.ID()).Str("event", event).Msg("failed to deliver event")
	}
}

func (d *Dispatcher) publish(ctx context.Context, ev *messages.EventMessage) {
	if d.bus == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := d.bus.PublishEvent(ctx, ev); err != nil {
		d.log.Warn().Err(err).Str("subject", ev.Subject()).Msg("failed to publish event")
		return
	}
	if d.metrics != nil {
		d.metrics.EventsPublished.WithLabelValues(ev.Subject()).Inc()
	}
}

func (d *Dispatcher) recordDecision(ctx context.Context, out *Outcome, elapsed time.Duration) {
	if d.metrics != nil {
		d.metrics.RecordDecision(string(out.Band), elapsed)
	}
	attrs := metric.WithAttributes(attribute.String("band", string(out.Band)))
	telemetry.CommandsDispatched.Add(ctx, 1, attrs)
	telemetry.DispatchLatency.Record(ctx, float64(elapsed.Microseconds())/1000, attrs)
}

func suggestionFor(c matcher.Candidate, confidence int) models.Suggestion {
	desc := c.Instance.Module.Description()
	if desc == "" {
		desc = c.Name()
	}
	return models.Suggestion{
		Intent:      c.Name(),
		Description: desc,
		Confidence:  confidence,
	}
}
