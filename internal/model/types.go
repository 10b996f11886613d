package model

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Kind is the closed set of metric kinds an observer can aggregate.
type Kind int

const (
	KindCounter Kind = iota + 1
	KindGauge
	KindHistogram
	KindSummary
)

func (k Kind) String() string {
	switch k {
	case KindCounter:
		return "counter"
	case KindGauge:
		return "gauge"
	case KindHistogram:
		return "histogram"
	case KindSummary:
		return "summary"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	return k >= KindCounter && k <= KindSummary
}

// ParseKind maps a kind name ("counter", "gauge", ...) to a Kind.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "counter":
		return KindCounter, nil
	case "gauge":
		return KindGauge, nil
	case "histogram":
		return KindHistogram, nil
	case "summary":
		return KindSummary, nil
	}
	return 0, NewConfigError("unknown metric kind %q", s)
}

// Source tells the sampler which row a metric is derived from.
type Source int

const (
	// SourceCustom metrics are evaluated once per tick without a row.
	SourceCustom Source = iota
	SourceQueue
	SourceConsumer
)

func (s Source) String() string {
	switch s {
	case SourceQueue:
		return "queue"
	case SourceConsumer:
		return "consumer"
	default:
		return "custom"
	}
}

// ParseSource accepts "queue", "consumer" or "" (custom).
func ParseSource(from string) (Source, error) {
	switch from {
	case "queue":
		return SourceQueue, nil
	case "consumer":
		return SourceConsumer, nil
	case "":
		return SourceCustom, nil
	}
	return 0, NewConfigError("invalid from %q, allowed: \"queue\", \"consumer\", \"\"", from)
}

// Args holds kind-specific observer construction parameters.
type Args struct {
	Buckets   []float64 // histogram bucket upper bounds
	Quantiles []float64 // summary quantiles
}

// Labels is a label set. Keys and values are exported verbatim.
type Labels map[string]string

// Clone returns a copy of l. A nil set clones to an empty one.
func (l Labels) Clone() Labels {
	out := make(Labels, len(l))
	for k, v := range l {
		out[k] = v
	}
	return out
}

// Merge returns a new set holding l overlaid by each of others in order;
// later sets win on key collision.
func (l Labels) Merge(others ...Labels) Labels {
	out := l.Clone()
	for _, o := range others {
		for k, v := range o {
			out[k] = v
		}
	}
	return out
}

// Names returns the label names sorted.
func (l Labels) Names() []string {
	names := make([]string, 0, len(l))
	for k := range l {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// String renders the set as {k="v",...} with sorted keys.
func (l Labels) String() string {
	if len(l) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteByte('{')
	for i, k := range l.Names() {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%s=%q", k, l[k])
	}
	b.WriteByte('}')
	return b.String()
}

// Row is one result row of a queue or consumer introspection query.
type Row map[string]any

// String returns the column as a string, or "" when absent or NULL.
func (r Row) String(column string) string {
	v, ok := r[column]
	if !ok || v == nil {
		return ""
	}
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	}
	return fmt.Sprint(v)
}

// Float returns the column converted with ToFloat.
func (r Row) Float(column string) (float64, bool) {
	return ToFloat(r[column])
}

// Event is one metric sample travelling from a sampler to an aggregator.
// Values usually holds a single metric name.
type Event struct {
	Type         string
	Values       map[string]float64
	MetricLabels Labels
	CustomLabels Labels
	ReceivedAt   time.Time // set by the aggregator, never serialized
}

// NewEvent builds a single-value event.
func NewEvent(typeTag, name string, value float64, labels Labels) Event {
	return Event{
		Type:         typeTag,
		Values:       map[string]float64{name: value},
		MetricLabels: labels,
	}
}

// Labels resolves the effective label set: metric labels overlaid by
// custom labels.
func (e Event) Labels() Labels {
	return e.MetricLabels.Merge(e.CustomLabels)
}
