package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/jordanhubbard/nyx/pkg/models"
)

// client is one connected session. readPump feeds inbound events to work,
// which handles them one at a time; writePump owns all writes.
type client struct {
	id      string
	gateway *Gateway
	conn    *websocket.Conn
	send    chan []byte
	inbound chan models.Envelope

	// ctx bounds everything the session started; cancelled on shutdown.
	ctx    context.Context
	cancel context.CancelFunc

	done      chan struct{}
	closeOnce sync.Once
}

func newClient(g *Gateway, conn *websocket.Conn) *client {
	ctx, cancel := context.WithCancel(context.Background())
	return &client{
		id:      uuid.New().String(),
		gateway: g,
		conn:    conn,
		send:    make(chan []byte, g.opts.QueueSize),
		inbound: make(chan models.Envelope, 16),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

// ID implements dispatch.Session.
func (c *client) ID() string { return c.id }

// Send implements dispatch.Session.
func (c *client) Send(event string, payload interface{}) error {
	data, err := encode(event, payload)
	if err != nil {
		return err
	}
	return c.enqueue(data)
}

func (c *client) enqueue(data []byte) error {
	select {
	case <-c.done:
		return ErrSessionClosed
	default:
	}

	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return ErrSessionClosed
	default:
		c.gateway.log.Warn().Str("session", c.id).Msg("send queue full, disconnecting session")
		c.shutdown()
		return ErrSlowConsumer
	}
}

func (c *client) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.cancel()
	})
}

func (c *client) readPump() {
	defer c.gateway.wg.Done()
	defer close(c.inbound)

	c.conn.SetReadLimit(MaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(PongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.gateway.log.Debug().Err(err).Str("session", c.id).Msg("websocket read error")
			}
			return
		}

		var env models.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.gateway.log.Debug().Err(err).Str("session", c.id).Msg("malformed frame")
			continue
		}

		select {
		case c.inbound <- env:
		case <-c.done:
			return
		}
	}
}

// work handles the session's events in arrival order. Command N's decision
// is made before command N+1 is read from the queue.
func (c *client) work() {
	defer c.gateway.wg.Done()
	defer c.gateway.unregister(c)

	for env := range c.inbound {
		c.gateway.handle(c, env)
	}
}

func (c *client) writePump() {
	defer c.gateway.wg.Done()
	ticker := time.NewTicker(PingPeriod)
	defer func() {
		ticker.Stop()
		c.shutdown()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(WriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.gateway.log.Debug().Err(err).Str("session", c.id).Msg("websocket write failed")
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			c.flush()
			_ = c.conn.SetWriteDeadline(time.Now().Add(WriteWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// flush writes whatever is still queued when the session shuts down.
func (c *client) flush() {
	for {
		select {
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(WriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		default:
			return
		}
	}
}
