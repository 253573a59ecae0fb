package provider

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/jordanhubbard/nyx/internal/logging"
)

// Pinger is a backend that can report liveness.
type Pinger interface {
	Ping(ctx context.Context, timeout time.Duration) error
}

// HealthStatus is the last observed state of the model runtime.
type HealthStatus struct {
	Healthy   bool          `json:"healthy"`
	Latency   time.Duration `json:"latency_ns"`
	Error     string        `json:"error,omitempty"`
	CheckedAt time.Time     `json:"checked_at"`
}

// HealthWatchdog periodically checks the model runtime.
type HealthWatchdog struct {
	target   Pinger
	interval time.Duration
	timeout  time.Duration
	log      zerolog.Logger

	mu     sync.RWMutex
	status HealthStatus

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewHealthWatchdog creates a new HealthWatchdog.
func NewHealthWatchdog(target Pinger, interval time.Duration) *HealthWatchdog {
	if interval <= 0 {
		interval = time.Minute
	}
	return &HealthWatchdog{
		target:   target,
		interval: interval,
		timeout:  10 * time.Second,
		log:      logging.Component("provider"),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start runs one check immediately and then polls in the background.
func (w *HealthWatchdog) Start() {
	go func() {
		defer close(w.doneCh)
		w.Check(context.Background())

		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				w.Check(context.Background())
			case <-w.stopCh:
				return
			}
		}
	}()
}

// Stop halts the health monitoring loop.
func (w *HealthWatchdog) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
	})
	<-w.doneCh
}

// Check polls the runtime once and records the outcome.
func (w *HealthWatchdog) Check(ctx context.Context) HealthStatus {
	start := time.Now()
	err := w.target.Ping(ctx, w.timeout)
	status := HealthStatus{
		Healthy:   err == nil,
		Latency:   time.Since(start),
		CheckedAt: time.Now(),
	}
	if err != nil {
		status.Error = err.Error()
		w.log.Warn().Err(err).Msg("model runtime failed health check")
	} else {
		w.log.Debug().Dur("latency", status.Latency).Msg("model runtime is healthy")
	}

	w.mu.Lock()
	w.status = status
	w.mu.Unlock()
	return status
}

// Status returns the last observed state.
func (w *HealthWatchdog) Status() HealthStatus {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.status
}
