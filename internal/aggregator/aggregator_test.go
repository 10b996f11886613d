package aggregator

import (
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tinytelemetry/pgqexporter/internal/model"
	"github.com/tinytelemetry/pgqexporter/internal/registry"
)

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestAggregator(t *testing.T, reg *registry.Registry, opts ...Option) *Aggregator {
	t.Helper()
	a, err := New(reg, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func customRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg := registry.NewDefault()
	err := reg.RegisterGauge("custom", "custom test", registry.Options{
		Derive: registry.CustomFunc(func() (float64, model.Labels, error) { return 1234, nil, nil }),
	})
	if err != nil {
		t.Fatalf("RegisterGauge: %v", err)
	}
	return reg
}

// renderLines returns the sample lines of the text exposition, grouped per
// family and sorted inside each group.
func renderLines(t *testing.T, a *Aggregator) [][]string {
	t.Helper()
	text, err := a.Text()
	if err != nil {
		t.Fatalf("Text: %v", err)
	}
	var groups [][]string
	for _, line := range strings.Split(text, "\n") {
		switch {
		case strings.HasPrefix(line, "# TYPE"):
			groups = append(groups, nil)
		case line == "" || strings.HasPrefix(line, "#"):
		default:
			groups[len(groups)-1] = append(groups[len(groups)-1], line)
		}
	}
	for _, g := range groups {
		sort.Strings(g)
	}
	return groups
}

func TestRender_EmptyBuffer(t *testing.T) {
	t.Parallel()

	a := newTestAggregator(t, registry.NewDefault())
	if got := a.Render(); len(got) != 0 {
		t.Fatalf("Render() = %v, want empty", got)
	}
	text, err := a.Text()
	if err != nil || text != "" {
		t.Fatalf("Text() = (%q, %v), want empty", text, err)
	}
}

func TestRender_SingleQueueEvent(t *testing.T) {
	t.Parallel()

	a := newTestAggregator(t, registry.NewDefault())
	a.Ingest(model.Event{
		Type:         "pgq",
		Values:       map[string]float64{"new_events": 5},
		MetricLabels: model.Labels{"queue": "q"},
	})

	got := renderLines(t, a)
	if len(got) != 1 || len(got[0]) != 1 || got[0][0] != `pgq_new_events{queue="q"} 5` {
		t.Fatalf("render = %q, want one line pgq_new_events{queue=\"q\"} 5", got)
	}
}

func TestRender_MixedEvents(t *testing.T) {
	t.Parallel()

	a := newTestAggregator(t, customRegistry(t))
	a.Ingest(model.Event{
		Type:         "pgq",
		Values:       map[string]float64{"new_events": 5},
		MetricLabels: model.Labels{"queue": "q"},
	})
	a.Ingest(model.Event{
		Type:         "pgq",
		Values:       map[string]float64{"pending_events": 5},
		MetricLabels: model.Labels{"queue": "q", "consumer": "c"},
		CustomLabels: model.Labels{"foo": "bar"},
	})
	a.Ingest(model.Event{
		Type:   "pgq",
		Values: map[string]float64{"custom": 1},
	})
	a.Ingest(model.Event{
		Type:         "pgq",
		Values:       map[string]float64{"custom": 2},
		MetricLabels: model.Labels{"bar": "baz"},
		CustomLabels: model.Labels{"baz": "boo"},
	})

	got := renderLines(t, a)
	want := [][]string{
		{`pgq_custom 1`, `pgq_custom{bar="baz",baz="boo"} 2`},
		{`pgq_new_events{queue="q"} 5`},
		{`pgq_pending_events{consumer="c",foo="bar",queue="q"} 5`},
	}
	if len(got) != len(want) {
		t.Fatalf("render = %q, want %q", got, want)
	}
	for i := range want {
		if strings.Join(got[i], "|") != strings.Join(want[i], "|") {
			t.Errorf("family %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestRender_CustomLabelsOverrideMetricLabels(t *testing.T) {
	t.Parallel()

	a := newTestAggregator(t, registry.NewDefault())
	a.Ingest(model.Event{
		Type:         "pgq",
		Values:       map[string]float64{"new_events": 1},
		MetricLabels: model.Labels{"queue": "q", "env": "db"},
		CustomLabels: model.Labels{"env": "client"},
	})

	got := renderLines(t, a)
	if len(got) != 1 || got[0][0] != `pgq_new_events{env="client",queue="q"} 1` {
		t.Fatalf("render = %q", got)
	}
}

func TestRender_StaleEventsExcluded(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	a := newTestAggregator(t, registry.NewDefault(), WithClock(clock.Now))

	a.Ingest(model.Event{Type: "pgq", Values: map[string]float64{"new_events": 5}, MetricLabels: model.Labels{"queue": "old"}})
	clock.Advance(20 * time.Second)
	a.Ingest(model.Event{Type: "pgq", Values: map[string]float64{"new_events": 7}, MetricLabels: model.Labels{"queue": "fresh"}})
	clock.Advance(11 * time.Second)

	got := renderLines(t, a)
	if len(got) != 1 || len(got[0]) != 1 || got[0][0] != `pgq_new_events{queue="fresh"} 7` {
		t.Fatalf("render = %q, want only the fresh event", got)
	}
	if a.Len() != 1 {
		t.Fatalf("Len() = %d, want 1 after eviction", a.Len())
	}

	clock.Advance(30 * time.Second)
	if fams := a.Render(); len(fams) != 0 {
		t.Fatalf("Render() after everything aged out = %v, want empty", fams)
	}
	if a.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", a.Len())
	}
}

func TestRender_MaxAgeBoundaryIsInclusive(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	a := newTestAggregator(t, registry.NewDefault(), WithClock(clock.Now), WithMaxAge(10*time.Second))
	a.Ingest(model.Event{Type: "pgq", Values: map[string]float64{"new_events": 1}})
	clock.Advance(10 * time.Second)

	if fams := a.Render(); len(fams) != 1 {
		t.Fatalf("event exactly max age old was dropped: %v", fams)
	}
}

func TestIngest_EvictsOnIngest(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	a := newTestAggregator(t, registry.NewDefault(), WithClock(clock.Now))
	for i := 0; i < 5; i++ {
		a.Ingest(model.Event{Type: "pgq", Values: map[string]float64{"new_events": float64(i)}})
	}
	clock.Advance(time.Minute)
	a.Ingest(model.Event{Type: "pgq", Values: map[string]float64{"new_events": 9}})

	if a.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", a.Len())
	}
}

func TestRender_ResetsBetweenRenders(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	a := newTestAggregator(t, registry.NewDefault(), WithClock(clock.Now))
	a.Ingest(model.Event{Type: "pgq", Values: map[string]float64{"new_events": 1}, MetricLabels: model.Labels{"queue": "a"}})
	if fams := a.Render(); len(fams) != 1 {
		t.Fatalf("first render = %v", fams)
	}

	clock.Advance(31 * time.Second)
	a.Ingest(model.Event{Type: "pgq", Values: map[string]float64{"new_events": 2}, MetricLabels: model.Labels{"queue": "b"}})

	got := renderLines(t, a)
	if len(got) != 1 || len(got[0]) != 1 || got[0][0] != `pgq_new_events{queue="b"} 2` {
		t.Fatalf("render = %q, want only queue b", got)
	}
}

func TestRender_CounterSumsWindow(t *testing.T) {
	t.Parallel()

	reg := registry.New("pgq")
	if err := reg.RegisterCounter("ticks", "ticks", registry.Options{From: "queue"}); err != nil {
		t.Fatal(err)
	}
	a := newTestAggregator(t, reg)
	a.Ingest(model.NewEvent("pgq", "ticks", 2, model.Labels{"queue": "q"}))
	a.Ingest(model.NewEvent("pgq", "ticks", 3, model.Labels{"queue": "q"}))

	for i := 0; i < 2; i++ {
		got := renderLines(t, a)
		if len(got) != 1 || got[0][0] != `pgq_ticks{queue="q"} 5` {
			t.Fatalf("render %d = %q, want 5", i, got)
		}
	}
}

func TestNew_StaticObserverSet(t *testing.T) {
	t.Parallel()

	reg := registry.NewDefault()
	a := newTestAggregator(t, reg)
	if err := reg.RegisterGauge("late", "registered after the aggregator", registry.Options{From: "queue"}); err != nil {
		t.Fatal(err)
	}
	reg.Unregister("new_events")

	a.Ingest(model.Event{Type: "pgq", Values: map[string]float64{"late": 1, "new_events": 3}})

	fams := a.Render()
	if len(fams) != 1 || fams[0].GetName() != "pgq_new_events" {
		names := make([]string, len(fams))
		for i, f := range fams {
			names[i] = f.GetName()
		}
		t.Fatalf("families = %v, want only pgq_new_events", names)
	}
}

func TestIngest_ForeignTypeDropped(t *testing.T) {
	t.Parallel()

	a := newTestAggregator(t, registry.NewDefault())
	a.Ingest(model.Event{Type: "web", Values: map[string]float64{"new_events": 1}})
	if a.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", a.Len())
	}
	a.Ingest(model.Event{Values: map[string]float64{"new_events": 1}})
	if a.Len() != 1 {
		t.Fatalf("untyped event not buffered: Len() = %d", a.Len())
	}
}

func TestNew_UsesTypeTagPrefix(t *testing.T) {
	t.Parallel()

	reg := registry.NewDefault()
	reg.SetTypeTag("jobs")
	a := newTestAggregator(t, reg)
	a.Ingest(model.NewEvent("jobs", "new_events", 4, nil))

	got := renderLines(t, a)
	if len(got) != 1 || got[0][0] != `jobs_new_events 4` {
		t.Fatalf("render = %q", got)
	}
}

func TestGather(t *testing.T) {
	t.Parallel()

	a := newTestAggregator(t, registry.NewDefault())
	a.Ingest(model.NewEvent("pgq", "pending_events", 18, model.Labels{"queue": "q", "consumer": "c"}))

	fams, err := a.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	if len(fams) != 1 || fams[0].GetMetric()[0].GetGauge().GetValue() != 18 {
		t.Fatalf("Gather = %v", fams)
	}
}

func TestAggregator_ConcurrentIngestAndRender(t *testing.T) {
	t.Parallel()

	a := newTestAggregator(t, registry.NewDefault())

	const producers, perProducer = 4, 200
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				a.Ingest(model.NewEvent("pgq", "new_events", float64(i), model.Labels{"queue": "q"}))
			}
		}()
	}
	stop := make(chan struct{})
	var renders sync.WaitGroup
	renders.Add(1)
	go func() {
		defer renders.Done()
		for {
			select {
			case <-stop:
				return
			default:
				if _, err := a.Gather(); err != nil {
					t.Errorf("Gather: %v", err)
					return
				}
			}
		}
	}()
	wg.Wait()
	close(stop)
	renders.Wait()

	if got := a.Len(); got != producers*perProducer {
		t.Fatalf("Len() = %d, want %d (no lost events)", got, producers*perProducer)
	}
}
