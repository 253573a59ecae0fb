// Package matcher asks every registered module whether it claims a command
// and runs the claimed modules behind a per-module error boundary.
package matcher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/jordanhubbard/nyx/internal/logging"
	"github.com/jordanhubbard/nyx/internal/plugin"
	"github.com/jordanhubbard/nyx/pkg/models"
)

var (
	// ErrModuleTimeout is returned when a module exceeds its time budget.
	ErrModuleTimeout = errors.New("module timed out")
	// ErrNoResult is returned when a module runs but produces nothing usable.
	ErrNoResult = errors.New("module produced no usable result")
)

// Candidate is a module that claimed a command, pinned to the instance that
// was active when it claimed.
type Candidate struct {
	Instance   *plugin.Instance
	Confidence int
}

// Name returns the claiming module's name.
func (c Candidate) Name() string { return c.Instance.Name() }

// Streaming reports whether the module produces incremental output.
func (c Candidate) Streaming() bool {
	_, ok := c.Instance.Module.(plugin.Streamer)
	return ok
}

// Options tune the matcher.
type Options struct {
	// DefaultConfidence is assigned to modules that do not score themselves.
	DefaultConfidence int
	// ClaimTimeout bounds CanHandle plus Estimate for one module.
	ClaimTimeout time.Duration
	// ExecuteTimeout bounds a non-streaming Execute call.
	ExecuteTimeout time.Duration
	// MaxConcurrency limits parallel claim evaluation; zero means unlimited.
	MaxConcurrency int
	// OnFault is called for every isolated module failure.
	OnFault func(module string, err error)
}

// Matcher evaluates commands against the registry.
type Matcher struct {
	registry *plugin.Registry
	opts     Options
	log      zerolog.Logger
}

// New creates a matcher over registry.
func New(registry *plugin.Registry, opts Options) *Matcher {
	if opts.DefaultConfidence <= 0 {
		opts.DefaultConfidence = 100
	}
	if opts.ClaimTimeout <= 0 {
		opts.ClaimTimeout = 5 * time.Second
	}
	if opts.ExecuteTimeout <= 0 {
		opts.ExecuteTimeout = 30 * time.Second
	}
	return &Matcher{
		registry: registry,
		opts:     opts,
		log:      logging.Component("matcher"),
	}
}

// Match returns the modules claiming text, in registration order. A module
// that panics, errors or times out is logged and treated as non-claiming.
func (m *Matcher) Match(ctx context.Context, text string) []Candidate {
	instances := m.registry.Snapshot()
	claims := make([]*Candidate, len(instances))

	var g errgroup.Group
	if m.opts.MaxConcurrency > 0 {
		g.SetLimit(m.opts.MaxConcurrency)
	}

	for i, inst := range instances {
		g.Go(func() error {
			conf, err := guard(ctx, m.opts.ClaimTimeout, inst.Name(), func(context.Context) (int, error) {
				if !inst.Module.CanHandle(text) {
					return -1, nil
				}
				conf := m.opts.DefaultConfidence
				if est, ok := inst.Module.(plugin.Estimator); ok {
					if score := est.Estimate(text); score != plugin.Unscored {
						conf = score
					}
				}
				return models.ClampConfidence(conf), nil
			})
			if err != nil {
				m.fault(inst.Name(), err)
				return nil
			}
			if conf >= 0 {
				claims[i] = &Candidate{Instance: inst, Confidence: conf}
			}
			return nil
		})
	}
	// Goroutines never return errors; faults are isolated per module.
	_ = g.Wait()

	candidates := make([]Candidate, 0, len(claims))
	for _, c := range claims {
		if c != nil {
			candidates = append(candidates, *c)
		}
	}
	return candidates
}

// Execute runs a candidate's module. Errors, panics, timeouts and empty
// results all come back as errors.
func (m *Matcher) Execute(ctx context.Context, c Candidate, text string) (*models.Result, error) {
	res, err := guard(ctx, m.opts.ExecuteTimeout, c.Name(), func(ctx context.Context) (*models.Result, error) {
		return c.Instance.Module.Execute(ctx, text)
	})
	return m.checkResult(c.Name(), res, err)
}

// Stream runs a streaming candidate. It is bounded by ctx only; emit
// receives the full content so far.
func (m *Matcher) Stream(ctx context.Context, c Candidate, text string, emit func(string) error) (*models.Result, error) {
	streamer, ok := c.Instance.Module.(plugin.Streamer)
	if !ok {
		return m.Execute(ctx, c, text)
	}
	res, err := guard(ctx, 0, c.Name(), func(ctx context.Context) (*models.Result, error) {
		return streamer.Stream(ctx, text, emit)
	})
	return m.checkResult(c.Name(), res, err)
}

func (m *Matcher) checkResult(name string, res *models.Result, err error) (*models.Result, error) {
	if err == nil && !res.Usable() {
		err = fmt.Errorf("%w: %s", ErrNoResult, name)
	}
	if err != nil {
		m.fault(name, err)
		return nil, err
	}
	return res, nil
}

// Resolve maps an intent label to a module: an exact module name first
// (case-insensitive), otherwise the first module claiming the label as text.
func (m *Matcher) Resolve(ctx context.Context, intent string) (*plugin.Instance, bool) {
	intent = strings.TrimSpace(intent)
	if intent == "" {
		return nil, false
	}
	instances := m.registry.Snapshot()
	for _, inst := range instances {
		if strings.EqualFold(inst.Name(), intent) {
			return inst, true
		}
	}
	if candidates := m.Match(ctx, intent); len(candidates) > 0 {
		return candidates[0].Instance, true
	}
	return nil, false
}

func (m *Matcher) fault(module string, err error) {
	if errors.Is(err, context.Canceled) {
		m.log.Debug().Str("module", module).Msg("module call cancelled")
		return
	}
	m.log.Warn().Err(err).Str("module", module).Msg("module fault")
	if m.opts.OnFault != nil {
		m.opts.OnFault(module, err)
	}
}

type outcome[T any] struct {
	val T
	err error
}

// guard runs fn in its own goroutine, converting panics to errors and
// abandoning it after timeout. A zero timeout waits for ctx only.
func guard[T any](ctx context.Context, timeout time.Duration, name string, fn func(context.Context) (T, error)) (T, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	done := make(chan outcome[T], 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				var zero T
				done <- outcome[T]{val: zero, err: fmt.Errorf("module %s panicked: %v", name, r)}
			}
		}()
		val, err := fn(ctx)
		done <- outcome[T]{val: val, err: err}
	}()

	select {
	case out := <-done:
		return out.val, out.err
	case <-ctx.Done():
		var zero T
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return zero, fmt.Errorf("%w: %s", ErrModuleTimeout, name)
		}
		return zero, ctx.Err()
	}
}
