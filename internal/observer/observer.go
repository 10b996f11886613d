// Package observer implements the per-metric accumulators the aggregator
// replays buffered events into. Observers are not safe for concurrent use;
// the aggregator serializes access.
package observer

import (
	"io"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"github.com/tinytelemetry/pgqexporter/internal/model"
	"google.golang.org/protobuf/proto"
)

// Observer accumulates values per label set for one metric name.
type Observer interface {
	Name() string
	Kind() model.Kind
	// Observe feeds one value for the given label set.
	Observe(value float64, labels model.Labels)
	// Reset drops every label set and its state.
	Reset()
	// Family renders the current state. On error the family holds the
	// series that rendered cleanly.
	Family() (*dto.MetricFamily, error)
}

// New builds the observer for kind. name is the exported metric name.
func New(kind model.Kind, name, help string, args model.Args) (Observer, error) {
	switch kind {
	case model.KindCounter:
		return newCounter(name, help), nil
	case model.KindGauge:
		return newGauge(name, help), nil
	case model.KindHistogram:
		return newHistogram(name, help, args.Buckets), nil
	case model.KindSummary:
		return newSummary(name, help, args.Quantiles), nil
	}
	return nil, model.NewConfigError("metric %s: unknown kind %v", name, kind)
}

// WriteText writes families in the text exposition format.
func WriteText(w io.Writer, families []*dto.MetricFamily) error {
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return errors.Wrapf(err, "write %s", mf.GetName())
		}
	}
	return nil
}

// base carries the naming shared by every kind.
type base struct {
	name string
	help string
}

func (b base) Name() string { return b.name }

func (b base) desc(labelNames []string) *prometheus.Desc {
	return prometheus.NewDesc(b.name, b.help, labelNames, nil)
}

func (b base) family(typ dto.MetricType, metrics []*dto.Metric) *dto.MetricFamily {
	mf := &dto.MetricFamily{
		Name:   proto.String(b.name),
		Type:   typ.Enum(),
		Metric: metrics,
	}
	if b.help != "" {
		mf.Help = proto.String(b.help)
	}
	return mf
}

// collect writes each metric built by build into dto form, keeping the
// first error and skipping the series that caused it.
func collect[S any](set *seriesSet[S], build func(s *series[S]) (prometheus.Metric, error)) ([]*dto.Metric, error) {
	var firstErr error
	var out []*dto.Metric
	for _, s := range set.sorted() {
		m, err := build(s)
		if err == nil {
			pb := &dto.Metric{}
			if err = m.Write(pb); err == nil {
				out = append(out, pb)
				continue
			}
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return out, firstErr
}
