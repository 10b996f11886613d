package registry

import (
	"sync"

	"github.com/tinytelemetry/pgqexporter/internal/model"
)

// Registry holds metric definitions keyed by name. It is safe for
// concurrent use: every call is atomic on its own, and readers get
// snapshots, so a tick that started before a registration may or may not
// see it.
type Registry struct {
	mu      sync.RWMutex
	typeTag string
	defs    map[string]Definition
	order   []string
}

// New creates an empty registry. An empty typeTag defaults to "pgq".
func New(typeTag string) *Registry {
	if typeTag == "" {
		typeTag = model.DefaultTypeTag
	}
	return &Registry{
		typeTag: typeTag,
		defs:    make(map[string]Definition),
	}
}

// TypeTag returns the tag stamped on every event and prefixed to every
// exported metric name.
func (r *Registry) TypeTag() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.typeTag
}

// SetTypeTag changes the type tag. Aggregators built earlier keep the
// tag they were built with.
func (r *Registry) SetTypeTag(tag string) {
	if tag == "" {
		return
	}
	r.mu.Lock()
	r.typeTag = tag
	r.mu.Unlock()
}

// Register adds a metric definition. It fails with a ConfigError if the
// name is taken, From is invalid, or a custom metric has no Derive.
func (r *Registry) Register(kind model.Kind, name, help string, opts Options) error {
	def, err := newDefinition(kind, name, help, opts)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.defs[name]; exists {
		return model.NewConfigError("metric %s already defined - unregister it", name)
	}
	r.defs[name] = def
	r.order = append(r.order, name)
	return nil
}

// RegisterCounter registers a counter.
func (r *Registry) RegisterCounter(name, help string, opts Options) error {
	return r.Register(model.KindCounter, name, help, opts)
}

// RegisterGauge registers a gauge.
func (r *Registry) RegisterGauge(name, help string, opts Options) error {
	return r.Register(model.KindGauge, name, help, opts)
}

// RegisterHistogram registers a histogram. opts.Buckets is used as the
// bucket layout unless opts.Args already carries one.
func (r *Registry) RegisterHistogram(name, help string, opts Options) error {
	if len(opts.Args.Buckets) == 0 {
		opts.Args.Buckets = opts.Buckets
	}
	return r.Register(model.KindHistogram, name, help, opts)
}

// RegisterSummary registers a summary. opts.Quantiles is used unless
// opts.Args already carries quantiles.
func (r *Registry) RegisterSummary(name, help string, opts Options) error {
	if len(opts.Args.Quantiles) == 0 {
		opts.Args.Quantiles = opts.Quantiles
	}
	return r.Register(model.KindSummary, name, help, opts)
}

// Unregister removes a definition. Unknown names are ignored.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.defs[name]; !ok {
		return
	}
	delete(r.defs, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i:i], r.order[i+1:]...)
			break
		}
	}
}

// Lookup returns the definition registered under name.
func (r *Registry) Lookup(name string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[name]
	return def, ok
}

// Definitions returns a snapshot of all definitions in registration order.
func (r *Registry) Definitions() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Definition, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.defs[name])
	}
	return out
}

// Len returns the number of registered definitions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.defs)
}
