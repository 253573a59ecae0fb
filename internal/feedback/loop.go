// Package feedback turns user decisions on low and medium confidence
// outcomes into bounded confidence adjustments, and keeps command statistics.
package feedback

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/jordanhubbard/nyx/internal/logging"
	"github.com/jordanhubbard/nyx/internal/plugin"
	"github.com/jordanhubbard/nyx/pkg/models"
)

// ErrUnknownFeedbackID is returned for a decision that matches no
// outstanding request, e.g. one already answered or superseded.
var ErrUnknownFeedbackID = errors.New("unknown feedback id")

// Acknowledgement texts sent back after a decision is recorded.
const (
	AckConfirm = "Thanks, I'll remember that."
	AckReject  = "Got it, I'll try something else."
	AckCorrect = "Thanks for the correction."
)

// Pending is an outstanding feedback request and what is needed to continue
// the command once the user decides.
type Pending struct {
	Request    models.FeedbackRequest
	SessionID  string
	Message    string
	PatternKey string
	// Module is the candidate's module; empty when nothing was resolved.
	Module string
	// Instance pins the module instance that claimed the command, so a
	// confirmation runs against it even if the module was reloaded since.
	Instance       *plugin.Instance
	Confidence     int
	FromEscalation bool
	// Executed is set when the candidate already ran before asking.
	Executed  bool
	CreatedAt time.Time
}

// Decision is the outcome of RecordDecision.
type Decision struct {
	Pending *Pending
	Record  *models.FeedbackRecord
	Changed []models.ConfidenceWeight
	Ack     string
}

// IntentResolver maps a corrected intent label to a module name.
type IntentResolver func(ctx context.Context, intent string) (string, bool)

// Options configure a Loop.
type Options struct {
	Tuning  Tuning
	Resolve IntentResolver
}

// Loop owns pending feedback requests, the weight table and statistics.
type Loop struct {
	store   Store
	weights *Weights
	resolve IntentResolver
	log     zerolog.Logger

	// mu serializes decisions and statistics writes across sessions.
	mu       sync.Mutex
	pending  map[string]*Pending
	sessions map[string]int64
	totals   Totals
}

// NewLoop loads weights and totals from the store. If the weight table is
// empty but the log is not, weights are rebuilt by replaying the log.
func NewLoop(ctx context.Context, store Store, opts Options) (*Loop, error) {
	l := &Loop{
		store:    store,
		weights:  NewWeights(opts.Tuning),
		resolve:  opts.Resolve,
		log:      logging.Component("feedback"),
		pending:  make(map[string]*Pending),
		sessions: make(map[string]int64),
	}

	weights, err := store.LoadWeights(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load weights: %w", err)
	}
	if len(weights) == 0 {
		records, err := store.ListFeedback(ctx, 0)
		if err != nil {
			return nil, fmt.Errorf("failed to read feedback log: %w", err)
		}
		if len(records) > 0 {
			weights = Replay(records, l.weights.tuning)
			if err := store.SaveWeights(ctx, weights); err != nil {
				return nil, fmt.Errorf("failed to save replayed weights: %w", err)
			}
			l.log.Info().Int("records", len(records)).Int("weights", len(weights)).Msg("rebuilt weights from feedback log")
		}
	}
	l.weights.Load(weights)

	totals, err := store.LoadTotals(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load totals: %w", err)
	}
	l.totals = totals
	return l, nil
}

// OpenSession starts per-session counters.
func (l *Loop) OpenSession(sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sessions[sessionID] = 0
}

// CloseSession discards all session-scoped state.
func (l *Loop) CloseSession(sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.pending, sessionID)
	delete(l.sessions, sessionID)
}

// ActiveSessions returns the number of open sessions.
func (l *Loop) ActiveSessions() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.sessions)
}

// Raise makes p the session's outstanding request, replacing any previous
// one without recording it, and returns the request to send.
func (l *Loop) Raise(p *Pending) models.FeedbackRequest {
	p.Request.ID = uuid.New().String()
	p.Request.Message = p.Message
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if old, ok := l.pending[p.SessionID]; ok {
		l.log.Debug().Str("session", p.SessionID).Str("feedback_id", old.Request.ID).Msg("feedback request superseded")
	}
	l.pending[p.SessionID] = p
	return p.Request
}

// Cancel drops the session's outstanding request, if any. Nothing is
// recorded for it.
func (l *Loop) Cancel(sessionID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.pending[sessionID]
	if ok {
		delete(l.pending, sessionID)
		l.log.Debug().Str("session", sessionID).Str("feedback_id", p.Request.ID).Msg("feedback request cancelled")
	}
	return ok
}

// Outstanding returns the session's outstanding request.
func (l *Loop) Outstanding(sessionID string) (*Pending, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.pending[sessionID]
	return p, ok
}

// RecordDecision resolves the session's outstanding request. The record is
// appended to the log before any weight changes. If the append fails the
// request stays outstanding and nothing changes.
func (l *Loop) RecordDecision(ctx context.Context, sessionID, feedbackID string, action models.FeedbackAction, correction string) (*Decision, error) {
	if !action.Valid() {
		return nil, fmt.Errorf("invalid feedback action %q", action)
	}

	var correctedModule string
	if action == models.ActionCorrect && correction != "" && l.resolve != nil {
		if name, ok := l.resolve(ctx, correction); ok {
			correctedModule = name
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.pending[sessionID]
	if !ok || p.Request.ID != feedbackID {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFeedbackID, feedbackID)
	}

	rec := &models.FeedbackRecord{
		ID:              uuid.New().String(),
		FeedbackID:      feedbackID,
		Type:            p.Request.Type,
		SessionID:       sessionID,
		Message:         p.Message,
		PatternKey:      p.PatternKey,
		DecidedIntent:   p.Module,
		Action:          action,
		CorrectedIntent: correction,
		CorrectedModule: correctedModule,
		FromEscalation:  p.FromEscalation,
		CreatedAt:       time.Now(),
	}
	if err := l.store.AppendFeedback(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to append feedback: %w", err)
	}
	delete(l.pending, sessionID)

	changed := l.weights.Apply(rec)
	if len(changed) > 0 {
		if err := l.store.SaveWeights(ctx, changed); err != nil {
			// The log already holds the decision; replay can recover the table.
			l.log.Warn().Err(err).Msg("failed to persist weights")
		}
	}

	l.log.Info().
		Str("session", sessionID).
		Str("feedback_id", feedbackID).
		Str("action", string(action)).
		Str("module", p.Module).
		Str("corrected_module", correctedModule).
		Msg("feedback recorded")

	return &Decision{Pending: p, Record: rec, Changed: changed, Ack: ackFor(action)}, nil
}

// RecordExecution counts an executed command. The most recent module to
// execute becomes the most used module.
func (l *Loop) RecordExecution(ctx context.Context, sessionID, module string) models.SessionStats {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.totals.TotalCommands++
	l.totals.LastModule = module
	l.totals.LastExecutedAt = time.Now()
	if _, ok := l.sessions[sessionID]; ok {
		l.sessions[sessionID]++
	}
	if err := l.store.SaveTotals(ctx, l.totals); err != nil {
		l.log.Warn().Err(err).Msg("failed to persist command totals")
	}
	return l.statsLocked(sessionID)
}

// Stats returns statistics as seen by one session.
func (l *Loop) Stats(sessionID string) models.SessionStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.statsLocked(sessionID)
}

func (l *Loop) statsLocked(sessionID string) models.SessionStats {
	return models.SessionStats{
		TotalCommands:   l.totals.TotalCommands,
		SessionCommands: l.sessions[sessionID],
		MostUsedModule:  l.totals.LastModule,
		UpdatedAt:       l.totals.LastExecutedAt,
	}
}

// Totals returns the persisted counters.
func (l *Loop) Totals() Totals {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.totals
}

// Weight implements arbiter.WeightSource.
func (l *Loop) Weight(module, patternKey string) int {
	return l.weights.Weight(module, patternKey)
}

// Weights returns the current weight table.
func (l *Loop) Weights() []models.ConfidenceWeight {
	return l.weights.Snapshot()
}

// Tuning returns the step and bound in use.
func (l *Loop) Tuning() Tuning {
	return l.weights.tuning
}

func ackFor(action models.FeedbackAction) string {
	switch action {
	case models.ActionConfirm:
		return AckConfirm
	case models.ActionReject:
		return AckReject
	default:
		return AckCorrect
	}
}
