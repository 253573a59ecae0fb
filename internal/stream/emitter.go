// Package stream delivers incremental module output to one session as an
// ordered series of chunks, each carrying the full content so far.
package stream

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/jordanhubbard/nyx/internal/logging"
	"github.com/jordanhubbard/nyx/internal/metrics"
	"github.com/jordanhubbard/nyx/pkg/models"
)

// ErrStreamClosed is returned for updates after Finish or Abandon.
var ErrStreamClosed = errors.New("stream closed")

// Sender delivers one event to the originating session.
type Sender func(event string, payload interface{}) error

// Emitter tracks at most one live stream per session.
type Emitter struct {
	metrics *metrics.Metrics
	log     zerolog.Logger

	mu     sync.Mutex
	active map[string]*Stream
}

// NewEmitter creates an emitter. m may be nil.
func NewEmitter(m *metrics.Metrics) *Emitter {
	return &Emitter{
		metrics: m,
		log:     logging.Component("stream"),
		active:  make(map[string]*Stream),
	}
}

// Begin opens a stream for the session, abandoning any stream the session
// still has open. The stream's context is cancelled when it is abandoned.
func (e *Emitter) Begin(ctx context.Context, sessionID, module string, send Sender) *Stream {
	ctx, cancel := context.WithCancel(ctx)
	s := &Stream{
		id:        uuid.New().String(),
		sessionID: sessionID,
		module:    module,
		send:      send,
		ctx:       ctx,
		cancel:    cancel,
		emitter:   e,
	}

	e.mu.Lock()
	prev := e.active[sessionID]
	e.active[sessionID] = s
	e.mu.Unlock()

	if prev != nil && prev.abandon() {
		e.abandoned(prev)
	}
	return s
}

// Abandon stops the session's open stream, if any. No further chunk of it is
// delivered.
func (e *Emitter) Abandon(sessionID string) bool {
	e.mu.Lock()
	s, ok := e.active[sessionID]
	delete(e.active, sessionID)
	e.mu.Unlock()

	if !ok {
		return false
	}
	if s.abandon() {
		e.abandoned(s)
	}
	return true
}

// Active reports whether the session has an open stream.
func (e *Emitter) Active(sessionID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.active[sessionID]
	return ok
}

func (e *Emitter) abandoned(s *Stream) {
	e.log.Debug().Str("session", s.sessionID).Str("stream", s.id).Str("module", s.module).Msg("stream abandoned")
	if e.metrics != nil {
		e.metrics.StreamsAbandoned.Inc()
	}
}

func (e *Emitter) release(s *Stream) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active[s.sessionID] == s {
		delete(e.active, s.sessionID)
	}
}

// Stream is one command's incremental output.
type Stream struct {
	id        string
	sessionID string
	module    string
	send      Sender
	ctx       context.Context
	cancel    context.CancelFunc
	emitter   *Emitter

	// mu orders sends and guards the state below.
	mu        sync.Mutex
	last      string
	done      bool
	abandoned bool
}

// ID identifies the stream on the wire.
func (s *Stream) ID() string { return s.id }

// Module returns the producing module.
func (s *Stream) Module() string { return s.module }

// Context is cancelled when the stream is abandoned.
func (s *Stream) Context() context.Context { return s.ctx }

// Content returns the last delivered content.
func (s *Stream) Content() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Update delivers content, the full text so far. Content that does not
// extend what was already delivered is dropped so chunks never lose
// information.
func (s *Stream) Update(content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done || s.abandoned {
		return ErrStreamClosed
	}
	if content == s.last || !strings.HasPrefix(content, s.last) {
		return nil
	}
	return s.deliverLocked(content, false)
}

// Finish delivers the single done chunk. An empty content repeats the last
// delivered content. Calling Finish again is an error.
func (s *Stream) Finish(content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done || s.abandoned {
		return ErrStreamClosed
	}
	if content == "" || !strings.HasPrefix(content, s.last) {
		content = s.last
	}
	s.done = true
	err := s.deliverLocked(content, true)
	s.cancel()
	s.emitter.release(s)
	return err
}

func (s *Stream) deliverLocked(content string, done bool) error {
	s.last = content
	if s.emitter.metrics != nil {
		s.emitter.metrics.StreamChunks.WithLabelValues(s.module).Inc()
	}
	return s.send(models.EventAIStream, models.StreamChunk{
		ID:     s.id,
		Text:   content,
		Module: s.module,
		Done:   done,
	})
}

// abandon reports whether this call closed the stream.
func (s *Stream) abandon() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done || s.abandoned {
		return false
	}
	s.abandoned = true
	s.cancel()
	return true
}
