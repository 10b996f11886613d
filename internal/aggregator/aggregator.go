package aggregator

import (
	"bytes"
	"io"
	"sort"
	"sync"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/tinytelemetry/pgqexporter/internal/model"
	"github.com/tinytelemetry/pgqexporter/internal/observer"
	"github.com/tinytelemetry/pgqexporter/internal/registry"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Aggregator buffers metric events for a bounded age and renders the
// current value of every live metric instance on demand.
//
// The observer set is fixed at construction from the registry snapshot in
// effect at that time: metrics registered later are ignored, and metrics
// unregistered later keep rendering from buffered events.
type Aggregator struct {
	mu        sync.Mutex
	events    []model.Event // arrival order
	observers map[string]observer.Observer
	typeTag   string
	maxAge    time.Duration
	now       func() time.Time
	logger    *zap.Logger

	scrapes singleflight.Group
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithMaxAge sets how long an event stays renderable. Defaults to 30s.
func WithMaxAge(d time.Duration) Option {
	return func(a *Aggregator) {
		if d > 0 {
			a.maxAge = d
		}
	}
}

// WithClock replaces time.Now. Used by tests to age events.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) {
		if now != nil {
			a.now = now
		}
	}
}

// WithLogger sets the logger used to report render problems.
func WithLogger(l *zap.Logger) Option {
	return func(a *Aggregator) {
		if l != nil {
			a.logger = l
		}
	}
}

// New creates an aggregator with one observer per definition currently in
// reg. Exported metric names are "<type tag>_<metric name>".
func New(reg *registry.Registry, opts ...Option) (*Aggregator, error) {
	a := &Aggregator{
		observers: make(map[string]observer.Observer),
		maxAge:    model.DefaultMaxEventAge,
		now:       time.Now,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With(zap.String("component", "aggregator"))

	a.typeTag = reg.TypeTag()
	for _, def := range reg.Definitions() {
		obs, err := observer.New(def.Kind, a.typeTag+"_"+def.Name, def.Help, def.Args)
		if err != nil {
			return nil, err
		}
		a.observers[def.Name] = obs
	}
	return a, nil
}

// Ingest buffers ev, stamped with its arrival time. Events past the max age
// are evicted first. Events tagged with another type are dropped.
func (a *Aggregator) Ingest(ev model.Event) {
	if ev.Type != "" && ev.Type != a.typeTag {
		a.logger.Debug("dropping event of foreign type", zap.String("type", ev.Type))
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	a.evictLocked(now)
	ev.ReceivedAt = now
	a.events = append(a.events, ev)
}

// Len returns the number of buffered events.
func (a *Aggregator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.events)
}

// Render resets every observer and replays the live events into them,
// returning the families of the observers that received a value, sorted by
// name. An empty buffer renders nothing and leaves observers untouched.
func (a *Aggregator) Render() []*dto.MetricFamily {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.evictLocked(a.now())
	if len(a.events) == 0 {
		return nil
	}

	for _, obs := range a.observers {
		obs.Reset()
	}

	touched := make(map[string]observer.Observer)
	for _, ev := range a.events {
		labels := ev.Labels()
		for name, value := range ev.Values {
			obs, ok := a.observers[name]
			if !ok {
				continue
			}
			obs.Observe(value, labels)
			touched[name] = obs
		}
	}

	families := make([]*dto.MetricFamily, 0, len(touched))
	for _, obs := range touched {
		mf, err := obs.Family()
		if err != nil {
			a.logger.Warn("metric rendered with errors", zap.String("metric", obs.Name()), zap.Error(err))
		}
		if len(mf.GetMetric()) > 0 {
			families = append(families, mf)
		}
	}
	sort.Slice(families, func(i, j int) bool { return families[i].GetName() < families[j].GetName() })
	return families
}

// Gather implements prometheus.Gatherer. Concurrent scrapes share one
// render.
func (a *Aggregator) Gather() ([]*dto.MetricFamily, error) {
	v, err, _ := a.scrapes.Do("render", func() (any, error) {
		return a.Render(), nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]*dto.MetricFamily), nil
}

// WriteText renders and writes the text exposition to w.
func (a *Aggregator) WriteText(w io.Writer) error {
	return observer.WriteText(w, a.Render())
}

// Text renders the text exposition into a string.
func (a *Aggregator) Text() (string, error) {
	var buf bytes.Buffer
	if err := a.WriteText(&buf); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// evictLocked drops events older than maxAge. Events are appended in
// arrival order, so the stale ones form a prefix.
func (a *Aggregator) evictLocked(now time.Time) {
	cutoff := 0
	for cutoff < len(a.events) && a.events[cutoff].ReceivedAt.Add(a.maxAge).Before(now) {
		cutoff++
	}
	if cutoff == 0 {
		return
	}
	n := copy(a.events, a.events[cutoff:])
	clear(a.events[n:])
	a.events = a.events[:n]
}
