// Package sampler turns one round of pgq introspection queries into metric
// events for every definition in a registry.
package sampler

import (
	"context"

	"github.com/pkg/errors"
	"github.com/tinytelemetry/pgqexporter/internal/model"
	"github.com/tinytelemetry/pgqexporter/internal/registry"
	"go.uber.org/zap"
)

// Engine samples a database through an SQLCaller.
type Engine struct {
	caller   model.SQLCaller
	registry *registry.Registry
	labels   model.Labels
	logger   *zap.Logger
}

// New creates an engine. labels are merged into the metric labels of every
// event and win over any label a definition or row produces.
func New(caller model.SQLCaller, reg *registry.Registry, labels model.Labels, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	var static model.Labels
	if len(labels) > 0 {
		static = labels.Clone()
	}
	return &Engine{
		caller:   caller,
		registry: reg,
		labels:   static,
		logger:   logger.With(zap.String("component", "sampler")),
	}
}

// Collect runs one tick on a single scoped connection. Each queue's events
// are followed by its consumers' events; custom metrics come last. Any
// failure discards the partial result.
func (e *Engine) Collect(ctx context.Context) ([]model.Event, error) {
	var queueDefs, consumerDefs, customDefs []registry.Definition
	for _, def := range e.registry.Definitions() {
		switch def.Source {
		case model.SourceQueue:
			queueDefs = append(queueDefs, def)
		case model.SourceConsumer:
			consumerDefs = append(consumerDefs, def)
		default:
			customDefs = append(customDefs, def)
		}
	}
	typeTag := e.registry.TypeTag()

	var events []model.Event
	err := e.caller.WithConnection(ctx, func(ctx context.Context) error {
		queues, err := e.caller.QueueInfo(ctx)
		if err != nil {
			return errors.Wrap(err, "queue info")
		}

		for _, queue := range queues {
			queueName := queue.String(model.QueueNameColumn)
			queueLabels := model.Labels{model.QueueLabel: queueName}

			for _, def := range queueDefs {
				ev, ok, err := e.sample(ctx, typeTag, def, registry.Input{Queue: queue}, queueLabels)
				if err != nil {
					return err
				}
				if ok {
					events = append(events, ev)
				}
			}

			if len(consumerDefs) == 0 {
				continue
			}
			consumers, err := e.caller.ConsumerInfo(ctx, queueName)
			if err != nil {
				return errors.Wrapf(err, "consumer info for queue %s", queueName)
			}
			for _, consumer := range consumers {
				consumerLabels := model.Labels{
					model.QueueLabel:    queueName,
					model.ConsumerLabel: consumer.String(model.ConsumerNameColumn),
				}
				for _, def := range consumerDefs {
					ev, ok, err := e.sample(ctx, typeTag, def, registry.Input{Queue: queue, Consumer: consumer}, consumerLabels)
					if err != nil {
						return err
					}
					if ok {
						events = append(events, ev)
					}
				}
			}
		}

		for _, def := range customDefs {
			ev, ok, err := e.sample(ctx, typeTag, def, registry.Input{}, nil)
			if err != nil {
				return err
			}
			if ok {
				events = append(events, ev)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.Debug("collected", zap.Int("events", len(events)))
	return events, nil
}

// sample derives one event for def. rowLabels identify the row and win over
// the definition labels; for custom metrics the derived labels lose to the
// definition labels instead. Engine labels win over both.
func (e *Engine) sample(ctx context.Context, typeTag string, def registry.Definition, in registry.Input, rowLabels model.Labels) (model.Event, bool, error) {
	s, err := def.Derive(ctx, in)
	if err != nil {
		return model.Event{}, false, errors.WithMessagef(err, "derive %s", def.Name)
	}
	if s.Missing {
		return model.Event{}, false, nil
	}

	var labels model.Labels
	if def.Source == model.SourceCustom {
		labels = s.Labels.Merge(def.Labels)
	} else {
		labels = def.Labels.Merge(rowLabels)
	}
	return model.NewEvent(typeTag, def.Name, s.Value, labels.Merge(e.labels)), true, nil
}
