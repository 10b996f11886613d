package observer

import (
	"math"
	"sort"

	"github.com/beorn7/perks/quantile"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/tinytelemetry/pgqexporter/internal/model"
)

// DefaultQuantiles are used by summaries registered without quantiles.
var DefaultQuantiles = []float64{0.99, 0.9, 0.5, 0.1, 0.01}

// counter sums every value observed since the last reset.
type counter struct {
	base
	series seriesSet[*float64]
}

func newCounter(name, help string) *counter {
	return &counter{
		base:   base{name: name, help: help},
		series: newSeriesSet(func() *float64 { return new(float64) }),
	}
}

func (c *counter) Kind() model.Kind { return model.KindCounter }

func (c *counter) Observe(value float64, labels model.Labels) {
	*c.series.get(labels).state += value
}

func (c *counter) Reset() { c.series.reset() }

func (c *counter) Family() (*dto.MetricFamily, error) {
	metrics, err := collect(&c.series, func(s *series[*float64]) (prometheus.Metric, error) {
		return prometheus.NewConstMetric(c.desc(s.names), prometheus.CounterValue, *s.state, s.values...)
	})
	return c.family(dto.MetricType_COUNTER, metrics), err
}

// gauge keeps the last value observed per label set.
type gauge struct {
	base
	series seriesSet[*float64]
}

func newGauge(name, help string) *gauge {
	return &gauge{
		base:   base{name: name, help: help},
		series: newSeriesSet(func() *float64 { return new(float64) }),
	}
}

func (g *gauge) Kind() model.Kind { return model.KindGauge }

func (g *gauge) Observe(value float64, labels model.Labels) {
	*g.series.get(labels).state = value
}

func (g *gauge) Reset() { g.series.reset() }

func (g *gauge) Family() (*dto.MetricFamily, error) {
	metrics, err := collect(&g.series, func(s *series[*float64]) (prometheus.Metric, error) {
		return prometheus.NewConstMetric(g.desc(s.names), prometheus.GaugeValue, *s.state, s.values...)
	})
	return g.family(dto.MetricType_GAUGE, metrics), err
}

type histogramState struct {
	counts []uint64 // per bucket, not cumulative
	sum    float64
	count  uint64
}

// histogram buckets observed values by upper bound.
type histogram struct {
	base
	upperBounds []float64
	series      seriesSet[*histogramState]
}

func newHistogram(name, help string, buckets []float64) *histogram {
	bounds := append([]float64(nil), buckets...)
	if len(bounds) == 0 {
		bounds = append(bounds, prometheus.DefBuckets...)
	}
	sort.Float64s(bounds)
	// +Inf is implicit in the exposition.
	for len(bounds) > 0 && math.IsInf(bounds[len(bounds)-1], +1) {
		bounds = bounds[:len(bounds)-1]
	}
	h := &histogram{
		base:        base{name: name, help: help},
		upperBounds: bounds,
	}
	h.series = newSeriesSet(func() *histogramState {
		return &histogramState{counts: make([]uint64, len(h.upperBounds))}
	})
	return h
}

func (h *histogram) Kind() model.Kind { return model.KindHistogram }

func (h *histogram) Observe(value float64, labels model.Labels) {
	st := h.series.get(labels).state
	if i := sort.SearchFloat64s(h.upperBounds, value); i < len(h.upperBounds) {
		st.counts[i]++
	}
	st.sum += value
	st.count++
}

func (h *histogram) Reset() { h.series.reset() }

func (h *histogram) Family() (*dto.MetricFamily, error) {
	metrics, err := collect(&h.series, func(s *series[*histogramState]) (prometheus.Metric, error) {
		buckets := make(map[float64]uint64, len(h.upperBounds))
		var cumulative uint64
		for i, upper := range h.upperBounds {
			cumulative += s.state.counts[i]
			buckets[upper] = cumulative
		}
		return prometheus.NewConstHistogram(h.desc(s.names), s.state.count, s.state.sum, buckets, s.values...)
	})
	return h.family(dto.MetricType_HISTOGRAM, metrics), err
}

type summaryState struct {
	stream *quantile.Stream
	sum    float64
	count  uint64
}

// summary estimates quantiles of the values observed since the last reset.
type summary struct {
	base
	quantiles []float64
	targets   map[float64]float64
	series    seriesSet[*summaryState]
}

func newSummary(name, help string, quantiles []float64) *summary {
	qs := append([]float64(nil), quantiles...)
	if len(qs) == 0 {
		qs = append(qs, DefaultQuantiles...)
	}
	targets := make(map[float64]float64, len(qs))
	for _, q := range qs {
		targets[q] = targetError(q)
	}
	s := &summary{
		base:      base{name: name, help: help},
		quantiles: qs,
		targets:   targets,
	}
	s.series = newSeriesSet(func() *summaryState {
		return &summaryState{stream: quantile.NewTargeted(s.targets)}
	})
	return s
}

// targetError picks the allowed rank error for a quantile: tighter toward
// the tails, never below 0.001.
func targetError(q float64) float64 {
	return math.Max(math.Min(q, 1-q)/10, 0.001)
}

func (s *summary) Kind() model.Kind { return model.KindSummary }

func (s *summary) Observe(value float64, labels model.Labels) {
	st := s.series.get(labels).state
	st.stream.Insert(value)
	st.sum += value
	st.count++
}

func (s *summary) Reset() { s.series.reset() }

func (s *summary) Family() (*dto.MetricFamily, error) {
	metrics, err := collect(&s.series, func(sr *series[*summaryState]) (prometheus.Metric, error) {
		qv := make(map[float64]float64, len(s.quantiles))
		for _, q := range s.quantiles {
			qv[q] = sr.state.stream.Query(q)
		}
		return prometheus.NewConstSummary(s.desc(sr.names), sr.state.count, sr.state.sum, qv, sr.values...)
	})
	return s.family(dto.MetricType_SUMMARY, metrics), err
}
