package registry

import (
	"context"

	"github.com/pkg/errors"
	"github.com/tinytelemetry/pgqexporter/internal/model"
)

// Input is what a derivation sees: the queue row for queue and consumer
// metrics, plus the consumer row for consumer metrics. Both are nil for
// custom metrics.
type Input struct {
	Queue    model.Row
	Consumer model.Row
}

// Sample is a derived value. Missing samples (NULL or absent columns) are
// not emitted. Labels are only honoured for custom metrics.
type Sample struct {
	Value   float64
	Labels  model.Labels
	Missing bool
}

// DeriveFunc computes one sample. ctx is the tick's context and is
// canceled when the poller stops. An error aborts the whole tick.
type DeriveFunc func(ctx context.Context, in Input) (Sample, error)

// QueueFunc adapts a per-queue derivation.
func QueueFunc(fn func(queue model.Row) (float64, error)) DeriveFunc {
	return func(_ context.Context, in Input) (Sample, error) {
		v, err := fn(in.Queue)
		return Sample{Value: v}, err
	}
}

// ConsumerFunc adapts a per-consumer derivation. The queue row of the
// consumer is passed alongside.
func ConsumerFunc(fn func(consumer, queue model.Row) (float64, error)) DeriveFunc {
	return func(_ context.Context, in Input) (Sample, error) {
		v, err := fn(in.Consumer, in.Queue)
		return Sample{Value: v}, err
	}
}

// CustomFunc adapts a row-less derivation evaluated once per tick.
func CustomFunc(fn func() (float64, model.Labels, error)) DeriveFunc {
	return func(context.Context, Input) (Sample, error) {
		v, labels, err := fn()
		return Sample{Value: v, Labels: labels}, err
	}
}

// columnDerive reads column from the row matching source.
func columnDerive(source model.Source, column string) DeriveFunc {
	return func(_ context.Context, in Input) (Sample, error) {
		row := in.Queue
		if source == model.SourceConsumer {
			row = in.Consumer
		}
		raw, ok := row[column]
		if !ok || raw == nil {
			return Sample{Missing: true}, nil
		}
		v, ok := model.ToFloat(raw)
		if !ok {
			return Sample{}, errors.Errorf("column %q: value %v (%T) is not numeric", column, raw, raw)
		}
		return Sample{Value: v}, nil
	}
}

// Definition describes one registered metric.
type Definition struct {
	Name   string
	Kind   model.Kind
	Help   string
	Args   model.Args
	Labels model.Labels
	Source model.Source
	// Column is the row column read by the default derivation. Empty for
	// custom metrics.
	Column string
	Derive DeriveFunc
}

// Options configures a registration. It is copied; the registry never
// mutates caller-owned options or maps.
type Options struct {
	// From is "queue", "consumer" or "" for a custom metric.
	From string
	// Column overrides the column read for queue/consumer metrics. Defaults
	// to the metric name.
	Column string
	// Derive is required for custom metrics and optional otherwise.
	Derive DeriveFunc
	// Labels are merged into every event of the metric.
	Labels model.Labels
	// Args are kind-specific observer parameters.
	Args model.Args
	// Buckets and Quantiles are shorthands honoured by RegisterHistogram and
	// RegisterSummary when Args is left empty.
	Buckets   []float64
	Quantiles []float64
}

func newDefinition(kind model.Kind, name, help string, opts Options) (Definition, error) {
	if name == "" {
		return Definition{}, model.NewConfigError("metric name must be present")
	}
	if !kind.Valid() {
		return Definition{}, model.NewConfigError("metric %s: invalid kind %v", name, kind)
	}
	source, err := model.ParseSource(opts.From)
	if err != nil {
		return Definition{}, errors.WithMessagef(err, "metric %s", name)
	}

	def := Definition{
		Name:   name,
		Kind:   kind,
		Help:   help,
		Args:   cloneArgs(opts.Args),
		Labels: opts.Labels.Clone(),
		Source: source,
		Derive: opts.Derive,
	}
	if source != model.SourceCustom {
		def.Column = opts.Column
		if def.Column == "" {
			def.Column = name
		}
	}
	if def.Derive == nil {
		if source == model.SourceCustom {
			return Definition{}, model.NewConfigError("metric %s: a derive function is required for metrics without from", name)
		}
		def.Derive = columnDerive(source, def.Column)
	}
	return def, nil
}

func cloneArgs(a model.Args) model.Args {
	return model.Args{
		Buckets:   append([]float64(nil), a.Buckets...),
		Quantiles: append([]float64(nil), a.Quantiles...),
	}
}
