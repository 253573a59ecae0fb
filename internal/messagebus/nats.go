package messagebus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/jordanhubbard/nyx/internal/logging"
	"github.com/jordanhubbard/nyx/pkg/messages"
)

// Subjects
const (
	SubjectAll           = "nyx.>"
	SubjectReloadRequest = "nyx.modules.reload"
)

// NatsMessageBus implements a message bus using NATS with JetStream
type NatsMessageBus struct {
	conn       *nats.Conn
	js         nats.JetStreamContext
	streamName string
	url        string
	log        zerolog.Logger

	mu            sync.Mutex
	subscriptions map[string]*nats.Subscription
}

// Config holds NATS configuration
type Config struct {
	URL        string        // NATS server URL (e.g., "nats://nats:4222")
	StreamName string        // JetStream stream name (default: "NYX")
	Timeout    time.Duration // Connection timeout
}

// NewNatsMessageBus creates a new NATS message bus with JetStream
func NewNatsMessageBus(cfg Config) (*NatsMessageBus, error) {
	if cfg.URL == "" {
		cfg.URL = "nats://localhost:4222"
	}
	if cfg.StreamName == "" {
		cfg.StreamName = "NYX"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}

	logger := logging.Component("messagebus")

	nc, err := nats.Connect(cfg.URL,
		nats.Timeout(cfg.Timeout),
		nats.ReconnectWait(1*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	mb := &NatsMessageBus{
		conn:          nc,
		js:            js,
		streamName:    cfg.StreamName,
		url:           cfg.URL,
		log:           logger,
		subscriptions: make(map[string]*nats.Subscription),
	}

	if err := mb.ensureStream(); err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to ensure stream: %w", err)
	}

	logger.Info().Str("url", cfg.URL).Str("stream", cfg.StreamName).Msg("connected to NATS")
	return mb, nil
}

// ensureStream creates or updates the JetStream stream. LimitsPolicy lets
// several consumers read the same events.
func (mb *NatsMessageBus) ensureStream() error {
	streamConfig := &nats.StreamConfig{
		Name:      mb.streamName,
		Subjects:  []string{SubjectAll},
		Retention: nats.LimitsPolicy,
		MaxAge:    7 * 24 * time.Hour,
		MaxBytes:  256 * 1024 * 1024,
		Storage:   nats.FileStorage,
		Replicas:  1,
		Discard:   nats.DiscardOld,
	}

	if _, err := mb.js.StreamInfo(mb.streamName); err != nil {
		if _, err := mb.js.AddStream(streamConfig); err != nil {
			return fmt.Errorf("failed to create stream: %w", err)
		}
		mb.log.Info().Str("stream", mb.streamName).Msg("created JetStream stream")
		return nil
	}

	if _, err := mb.js.UpdateStream(streamConfig); err != nil {
		return fmt.Errorf("failed to update stream: %w", err)
	}
	return nil
}

// PublishEvent publishes an event on its subject.
func (mb *NatsMessageBus) PublishEvent(ctx context.Context, event *messages.EventMessage) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	subject := event.Subject()
	if _, err := mb.js.Publish(subject, data, nats.Context(ctx)); err != nil {
		return fmt.Errorf("failed to publish message to %s: %w", subject, err)
	}
	return nil
}

// SubscribeReloads delivers module reload requests to every instance. It
// uses a core NATS subscription so each instance receives each request.
func (mb *NatsMessageBus) SubscribeReloads(handler func(*messages.EventMessage)) error {
	sub, err := mb.conn.Subscribe(SubjectReloadRequest, func(msg *nats.Msg) {
		var event messages.EventMessage
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			mb.log.Warn().Err(err).Msg("failed to unmarshal reload request")
			return
		}
		handler(&event)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", SubjectReloadRequest, err)
	}

	mb.mu.Lock()
	mb.subscriptions[SubjectReloadRequest] = sub
	mb.mu.Unlock()
	mb.log.Info().Str("subject", SubjectReloadRequest).Msg("subscribed to reload requests")
	return nil
}

// Close closes all subscriptions and the NATS connection
func (mb *NatsMessageBus) Close() error {
	mb.mu.Lock()
	for subject, sub := range mb.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			mb.log.Warn().Err(err).Str("subject", subject).Msg("failed to unsubscribe")
		}
		delete(mb.subscriptions, subject)
	}
	mb.mu.Unlock()

	mb.conn.Close()
	mb.log.Info().Msg("closed NATS connection")
	return nil
}

// Health returns the health status of the NATS connection
func (mb *NatsMessageBus) Health() error {
	if mb.conn.IsClosed() {
		return fmt.Errorf("NATS connection is closed")
	}
	if !mb.conn.IsConnected() {
		return fmt.Errorf("NATS is not connected")
	}
	if _, err := mb.js.StreamInfo(mb.streamName); err != nil {
		return fmt.Errorf("JetStream stream %s is unhealthy: %w", mb.streamName, err)
	}
	return nil
}

// Stats returns statistics about the message bus
func (mb *NatsMessageBus) Stats() map[string]interface{} {
	mb.mu.Lock()
	subs := len(mb.subscriptions)
	mb.mu.Unlock()

	stats := map[string]interface{}{
		"url":           mb.url,
		"stream":        mb.streamName,
		"connected":     mb.conn.IsConnected(),
		"subscriptions": subs,
	}
	if info, err := mb.js.StreamInfo(mb.streamName); err == nil {
		stats["stream_messages"] = info.State.Msgs
		stats["stream_bytes"] = info.State.Bytes
	}
	return stats
}
