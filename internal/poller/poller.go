// Package poller runs the sampler on a fixed interval in a background
// worker and forwards every event to a sender.
package poller

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/tinytelemetry/pgqexporter/internal/model"
	"github.com/tinytelemetry/pgqexporter/internal/registry"
	"github.com/tinytelemetry/pgqexporter/internal/sampler"
	"go.uber.org/zap"
)

// Hook runs around each collection. An error fails the tick.
type Hook func(ctx context.Context) error

// Config wires a Processor.
type Config struct {
	Caller   model.SQLCaller
	Registry *registry.Registry
	Logger   *zap.Logger
	// Labels are attached to events collected by RunOnce.
	Labels model.Labels
	// OnError receives every tick failure after it has been logged.
	OnError       func(error)
	BeforeCollect Hook
	AfterCollect  Hook
	Metrics       *Metrics
	// StopTimeout bounds how long Stop waits for an in-flight tick to
	// notice cancellation before abandoning it. Defaults to one second.
	StopTimeout time.Duration
}

const defaultStopTimeout = time.Second

// Processor owns at most one polling worker at a time.
type Processor struct {
	cfg    Config
	logger *zap.Logger

	mu      sync.Mutex // serializes Start and Stop
	cancel  context.CancelFunc
	done    chan struct{}
	running atomic.Bool
}

// New creates a stopped processor. A nil registry selects the default pgq
// metrics.
func New(cfg Config) *Processor {
	if cfg.Registry == nil {
		cfg.Registry = registry.NewDefault()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = defaultStopTimeout
	}
	return &Processor{
		cfg:    cfg,
		logger: cfg.Logger.With(zap.String("component", "poller")),
	}
}

// Start launches the worker, stopping a previous one first. The worker
// releases any held connection, then ticks every interval until Stop.
func (p *Processor) Start(sender model.Sender, interval time.Duration, labels model.Labels) error {
	if p.cfg.Caller == nil {
		return model.NewConfigError("SQL caller must be present")
	}
	if sender == nil {
		return model.NewConfigError("sender must be present")
	}
	if interval <= 0 {
		interval = model.DefaultInterval
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.stopLocked()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	p.cancel = cancel
	p.done = done
	p.running.Store(true)

	engine := sampler.New(p.cfg.Caller, p.cfg.Registry, labels, p.cfg.Logger)
	go p.loop(ctx, engine, sender, interval, done)
	return nil
}

// Stop cancels the worker and returns once it exits or StopTimeout passes,
// whichever comes first. A tick stuck in code that ignores its context is
// abandoned: it can no longer send events and its worker exits when the
// blocking call returns. Safe to call when not running.
func (p *Processor) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked()
}

func (p *Processor) stopLocked() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	done := p.done
	p.cancel = nil
	p.done = nil
	p.running.Store(false)

	timer := time.NewTimer(p.cfg.StopTimeout)
	defer timer.Stop()
	select {
	case <-done:
		p.logger.Info("stopped")
	case <-timer.C:
		p.logger.Warn("stopped, abandoning a tick that ignores cancellation",
			zap.Duration("waited", p.cfg.StopTimeout))
	}
}

// Running reports whether a worker is active.
func (p *Processor) Running() bool {
	return p.running.Load()
}

// RunOnce runs a single tick on the caller's goroutine with the configured
// labels and returns its error.
func (p *Processor) RunOnce(ctx context.Context, sender model.Sender) error {
	if p.cfg.Caller == nil {
		return model.NewConfigError("SQL caller must be present")
	}
	if sender == nil {
		return model.NewConfigError("sender must be present")
	}
	engine := sampler.New(p.cfg.Caller, p.cfg.Registry, p.cfg.Labels, p.cfg.Logger)
	return p.tick(ctx, engine, sender)
}

func (p *Processor) loop(ctx context.Context, engine *sampler.Engine, sender model.Sender, interval time.Duration, done chan struct{}) {
	defer close(done)

	p.cfg.Caller.ReleaseConnection()
	p.logger.Info("started", zap.Duration("interval", interval))

	timer := time.NewTimer(interval)
	defer timer.Stop()
	for {
		if err := p.tick(ctx, engine, sender); err != nil && ctx.Err() == nil {
			p.handleError(err)
		}
		timer.Reset(interval)
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
	}
}

// tick runs one hooked collection and forwards its events. Panics are
// converted to errors.
func (p *Processor) tick(ctx context.Context, engine *sampler.Engine, sender model.Sender) (err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("tick panicked: %v", r)
		}
		p.cfg.Metrics.observeTick(time.Since(start), err)
	}()

	if hook := p.cfg.BeforeCollect; hook != nil {
		if err := hook(ctx); err != nil {
			return errors.WithMessage(err, "before collect")
		}
	}

	events, err := engine.Collect(ctx)
	if err != nil {
		return errors.WithMessage(err, "collect")
	}

	for _, ev := range events {
		if err := ctx.Err(); err != nil {
			return errors.WithStack(err)
		}
		if err := sender.Send(ctx, ev); err != nil {
			return errors.WithMessage(err, "send")
		}
		p.cfg.Metrics.sent()
	}

	if hook := p.cfg.AfterCollect; hook != nil {
		if err := hook(ctx); err != nil {
			return errors.WithMessage(err, "after collect")
		}
	}
	return nil
}

func (p *Processor) handleError(err error) {
	p.logger.Error("tick failed", zap.Error(err))
	if p.cfg.OnError == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("error handler panicked", zap.Any("panic", r))
		}
	}()
	p.cfg.OnError(err)
}
