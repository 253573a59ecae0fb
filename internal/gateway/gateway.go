// Package gateway carries the command protocol over websockets. Each
// connection is one session; its inbound events are handled strictly in
// order by a dedicated worker while other sessions proceed independently.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/jordanhubbard/nyx/internal/dispatch"
	"github.com/jordanhubbard/nyx/internal/feedback"
	"github.com/jordanhubbard/nyx/internal/logging"
	"github.com/jordanhubbard/nyx/internal/metrics"
	"github.com/jordanhubbard/nyx/internal/plugin"
	"github.com/jordanhubbard/nyx/pkg/models"
)

const (
	// WriteWait is the timeout for writing one frame.
	WriteWait = 10 * time.Second

	// PongWait is how long a connection may stay silent.
	PongWait = 60 * time.Second

	// PingPeriod must be shorter than PongWait.
	PingPeriod = (PongWait * 9) / 10

	// MaxMessageSize bounds one inbound frame.
	MaxMessageSize = 64 * 1024
)

var (
	// ErrSessionClosed is returned when sending to a disconnected session.
	ErrSessionClosed = errors.New("session closed")
	// ErrSlowConsumer is returned when a session's send queue overflows;
	// the session is disconnected.
	ErrSlowConsumer = errors.New("session send queue full")
)

// Dispatcher is the command pipeline behind the gateway.
type Dispatcher interface {
	OpenSession(sessionID string)
	CloseSession(sessionID string)
	HandleCommand(ctx context.Context, sess dispatch.Session, text string) *dispatch.Outcome
	HandleFeedback(ctx context.Context, sess dispatch.Session, resp models.FeedbackResponsePayload) (*feedback.Decision, error)
}

// Options configure a Gateway.
type Options struct {
	// Modules lists active module names; sent on connect.
	Modules func() []string
	// Authorize rejects an upgrade request by returning an error.
	Authorize func(r *http.Request) error
	// AllowedOrigins restricts the Origin header; "*" or empty allows all.
	AllowedOrigins []string
	// QueueSize is the per-session outbound buffer (default 256).
	QueueSize int
	Metrics   *metrics.Metrics
}

// Gateway accepts websocket sessions and feeds them to a Dispatcher.
type Gateway struct {
	dispatcher Dispatcher
	opts       Options
	upgrader   websocket.Upgrader
	log        zerolog.Logger

	mu      sync.RWMutex
	clients map[string]*client
	closed  bool

	wg sync.WaitGroup
}

// New creates a gateway.
func New(d Dispatcher, opts Options) *Gateway {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	g := &Gateway{
		dispatcher: d,
		opts:       opts,
		log:        logging.Component("gateway"),
		clients:    make(map[string]*client),
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     g.checkOrigin,
	}
	return g
}

func (g *Gateway) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(g.opts.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range g.opts.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// ServeHTTP upgrades the request and runs the session until it disconnects.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if g.opts.Authorize != nil {
		if err := g.opts.Authorize(r); err != nil {
			g.log.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade rejected")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	c := newClient(g, conn)
	if !g.register(c) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(WriteWait))
		_ = conn.Close()
		return
	}

	// Queued before the pumps start so it precedes any reply.
	_ = c.Send(models.EventModulesList, g.moduleNames())

	g.wg.Add(3)
	go c.writePump()
	go c.readPump()
	go c.work()
}

func (g *Gateway) register(c *client) bool {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return false
	}
	g.clients[c.id] = c
	n := len(g.clients)
	g.mu.Unlock()

	g.dispatcher.OpenSession(c.id)
	if g.opts.Metrics != nil {
		g.opts.Metrics.SessionsActive.Inc()
	}
	g.log.Info().Str("session", c.id).Str("remote", c.conn.RemoteAddr().String()).Int("sessions", n).Msg("session connected")
	return true
}

func (g *Gateway) unregister(c *client) {
	g.mu.Lock()
	_, ok := g.clients[c.id]
	delete(g.clients, c.id)
	n := len(g.clients)
	g.mu.Unlock()

	c.shutdown()
	if !ok {
		return
	}
	g.dispatcher.CloseSession(c.id)
	if g.opts.Metrics != nil {
		g.opts.Metrics.SessionsActive.Dec()
	}
	g.log.Info().Str("session", c.id).Int("sessions", n).Msg("session disconnected")
}

func (g *Gateway) moduleNames() []string {
	if g.opts.Modules == nil {
		return []string{}
	}
	names := g.opts.Modules()
	if names == nil {
		names = []string{}
	}
	return names
}

// SessionCount returns the number of connected sessions.
func (g *Gateway) SessionCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.clients)
}

// Broadcast sends one event to every connected session.
func (g *Gateway) Broadcast(event string, payload interface{}) {
	data, err := encode(event, payload)
	if err != nil {
		g.log.Error().Err(err).Str("event", event).Msg("failed to encode broadcast")
		return
	}

	g.mu.RLock()
	clients := make([]*client, 0, len(g.clients))
	for _, c := range g.clients {
		clients = append(clients, c)
	}
	g.mu.RUnlock()

	for _, c := range clients {
		_ = c.enqueue(data)
	}
}

// ModuleChanged relays a registry change to every session: a reload is
// announced as module-reloaded, any other change resends the module list.
func (g *Gateway) ModuleChanged(ch plugin.Change) {
	if ch.Kind == plugin.ChangeReloaded {
		g.Broadcast(models.EventModuleReloaded, models.ModuleReloadedPayload{Module: ch.Name})
		return
	}
	g.Broadcast(models.EventModulesList, g.moduleNames())
}

// Close disconnects every session and waits for their goroutines.
func (g *Gateway) Close() {
	g.mu.Lock()
	g.closed = true
	clients := make([]*client, 0, len(g.clients))
	for _, c := range g.clients {
		clients = append(clients, c)
	}
	g.mu.Unlock()

	for _, c := range clients {
		c.shutdown()
	}
	g.wg.Wait()
}

func (g *Gateway) handle(c *client, env models.Envelope) {
	switch env.Event {
	case models.EventCommand:
		var p models.CommandPayload
		if err := decode(env.Data, &p); err != nil {
			g.log.Debug().Err(err).Str("session", c.id).Msg("malformed command")
			return
		}
		g.dispatcher.HandleCommand(c.ctx, c, p.Message)

	case models.EventFeedbackResponse:
		var p models.FeedbackResponsePayload
		if err := decode(env.Data, &p); err != nil {
			g.log.Debug().Err(err).Str("session", c.id).Msg("malformed feedback response")
			return
		}
		// Stale ids and store faults are logged by the dispatcher.
		_, _ = g.dispatcher.HandleFeedback(c.ctx, c, p)

	default:
		g.log.Debug().Str("session", c.id).Str("event", env.Event).Msg("ignoring unknown event")
	}
}

func encode(event string, payload interface{}) ([]byte, error) {
	env := models.Envelope{Event: event}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s payload: %w", event, err)
		}
		env.Data = raw
	}
	return json.Marshal(env)
}

func decode(data json.RawMessage, v interface{}) error {
	if len(data) == 0 {
		return errors.New("missing payload")
	}
	return json.Unmarshal(data, v)
}
