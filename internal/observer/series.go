package observer

import (
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/tinytelemetry/pgqexporter/internal/model"
)

// separatorByte separates label names and values in the series hash. It
// cannot appear in valid UTF-8.
const separatorByte byte = 255

// series is the state of one label set of a metric.
type series[S any] struct {
	names  []string // sorted label names
	values []string // values in names order
	state  S
}

func (s *series[S]) matches(names, values []string) bool {
	if len(names) != len(s.names) {
		return false
	}
	for i := range names {
		if names[i] != s.names[i] || values[i] != s.values[i] {
			return false
		}
	}
	return true
}

func (s *series[S]) signature() string {
	var b strings.Builder
	for i, n := range s.names {
		b.WriteString(n)
		b.WriteByte(separatorByte)
		b.WriteString(s.values[i])
		b.WriteByte(separatorByte)
	}
	return b.String()
}

// seriesSet maps label sets to per-series state. Series are bucketed by an
// xxhash of the sorted label pairs; buckets hold every series colliding on
// that hash.
type seriesSet[S any] struct {
	byHash   map[uint64][]*series[S]
	newState func() S
}

func newSeriesSet[S any](newState func() S) seriesSet[S] {
	return seriesSet[S]{
		byHash:   make(map[uint64][]*series[S]),
		newState: newState,
	}
}

// get returns the series for labels, creating it on first use.
func (ss *seriesSet[S]) get(labels model.Labels) *series[S] {
	names := labels.Names()
	values := make([]string, len(names))
	h := xxhash.New()
	for i, n := range names {
		values[i] = labels[n]
		_, _ = h.WriteString(n)
		_, _ = h.Write([]byte{separatorByte})
		_, _ = h.WriteString(values[i])
		_, _ = h.Write([]byte{separatorByte})
	}
	key := h.Sum64()

	for _, s := range ss.byHash[key] {
		if s.matches(names, values) {
			return s
		}
	}
	s := &series[S]{names: names, values: values, state: ss.newState()}
	ss.byHash[key] = append(ss.byHash[key], s)
	return s
}

func (ss *seriesSet[S]) reset() {
	ss.byHash = make(map[uint64][]*series[S])
}

func (ss *seriesSet[S]) len() int {
	n := 0
	for _, bucket := range ss.byHash {
		n += len(bucket)
	}
	return n
}

// sorted returns every series ordered by label signature so rendering is
// deterministic.
func (ss *seriesSet[S]) sorted() []*series[S] {
	out := make([]*series[S], 0, ss.len())
	for _, bucket := range ss.byHash {
		out = append(out, bucket...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].signature() < out[j].signature() })
	return out
}
