package model

import (
	"testing"
	"time"
)

func TestToFloat(t *testing.T) {
	t.Parallel()

	ts := time.Unix(1700000000, 500_000_000)
	tests := []struct {
		name string
		in   any
		want float64
		ok   bool
	}{
		{"nil", nil, 0, false},
		{"int64", int64(18), 18, true},
		{"int32", int32(7), 7, true},
		{"float64", 1.33, 1.33, true},
		{"bool", true, 1, true},
		{"numeric string", "12.5", 12.5, true},
		{"bytes", []byte("3"), 3, true},
		{"interval", "00:00:01.5", 1.5, true},
		{"interval with days", "2 days 01:00:00", 2*86400 + 3600, true},
		{"negative interval", "-00:01:00", -60, true},
		{"duration", 1500 * time.Millisecond, 1.5, true},
		{"timestamp", ts, 1700000000.5, true},
		{"text", "abc", 0, false},
		{"empty", "", 0, false},
		{"struct", struct{}{}, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ToFloat(tt.in)
			if ok != tt.ok || got != tt.want {
				t.Fatalf("ToFloat(%v) = (%v, %v), want (%v, %v)", tt.in, got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestLabelsMerge_LaterWins(t *testing.T) {
	t.Parallel()

	base := Labels{"queue": "q", "foo": "a"}
	got := base.Merge(Labels{"foo": "b"}, nil, Labels{"bar": "c"})

	want := Labels{"queue": "q", "foo": "b", "bar": "c"}
	if len(got) != len(want) {
		t.Fatalf("Merge = %v, want %v", got, want)
	}
	for k, v := range want {
		if got[k] != v {
			t.Fatalf("Merge[%q] = %q, want %q", k, got[k], v)
		}
	}
	if base["foo"] != "a" {
		t.Fatalf("Merge mutated receiver: %v", base)
	}
}

func TestLabelsString(t *testing.T) {
	t.Parallel()

	if got := (Labels{}).String(); got != "" {
		t.Fatalf("empty String() = %q, want empty", got)
	}
	got := Labels{"queue": "q", "consumer": "c"}.String()
	if want := `{consumer="c",queue="q"}`; got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
}

func TestEventLabels_CustomLabelsWin(t *testing.T) {
	t.Parallel()

	ev := Event{
		MetricLabels: Labels{"queue": "q", "env": "metric"},
		CustomLabels: Labels{"env": "custom"},
	}
	got := ev.Labels()
	if got["env"] != "custom" || got["queue"] != "q" {
		t.Fatalf("Labels() = %v", got)
	}
}

func TestEventJSON_FlatWireForm(t *testing.T) {
	t.Parallel()

	ev := NewEvent("pgq", "new_events", 5, Labels{"queue": "q"})
	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var flat map[string]any
	if err := json.Unmarshal(data, &flat); err != nil {
		t.Fatalf("unmarshal flat: %v", err)
	}
	if flat["type"] != "pgq" {
		t.Errorf("type = %v, want pgq", flat["type"])
	}
	if flat["new_events"] != float64(5) {
		t.Errorf("new_events = %v, want 5", flat["new_events"])
	}
	if _, ok := flat["custom_labels"]; ok {
		t.Errorf("custom_labels present for event without custom labels: %s", data)
	}
}

func TestEventJSON_DecodeStringifiesLabelsAndSkipsNull(t *testing.T) {
	t.Parallel()

	raw := `{"type":"pgq","pending_events":12,"lag":null,"metric_labels":{"queue":"q","shard":3},"custom_labels":{"foo":"bar"},"created_at":123.4}`
	var ev Event
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ev.Type != "pgq" {
		t.Errorf("Type = %q, want pgq", ev.Type)
	}
	if len(ev.Values) != 1 || ev.Values["pending_events"] != 12 {
		t.Errorf("Values = %v, want only pending_events=12", ev.Values)
	}
	if ev.MetricLabels["shard"] != "3" {
		t.Errorf("shard label = %q, want \"3\"", ev.MetricLabels["shard"])
	}
	if ev.CustomLabels["foo"] != "bar" {
		t.Errorf("custom labels = %v", ev.CustomLabels)
	}
}

func TestDecodeEvents(t *testing.T) {
	t.Parallel()

	single, err := DecodeEvents([]byte(`{"type":"pgq","new_events":1}`))
	if err != nil || len(single) != 1 {
		t.Fatalf("single: got %v, %v", single, err)
	}

	many, err := DecodeEvents([]byte(`[{"type":"pgq","a":1},{"type":"pgq","b":2}]`))
	if err != nil || len(many) != 2 {
		t.Fatalf("array: got %v, %v", many, err)
	}

	if _, err := DecodeEvents([]byte(`"nope"`)); err == nil {
		t.Fatal("expected error for scalar payload")
	}
}

func TestParseSource(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]Source{"queue": SourceQueue, "consumer": SourceConsumer, "": SourceCustom} {
		got, err := ParseSource(in)
		if err != nil || got != want {
			t.Fatalf("ParseSource(%q) = (%v, %v), want %v", in, got, err, want)
		}
	}
	_, err := ParseSource("table")
	if !IsConfigError(err) {
		t.Fatalf("ParseSource(table) err = %v, want ConfigError", err)
	}
}

func TestParseKind(t *testing.T) {
	t.Parallel()

	got, err := ParseKind("Histogram")
	if err != nil || got != KindHistogram {
		t.Fatalf("ParseKind = (%v, %v)", got, err)
	}
	if _, err := ParseKind("meter"); !IsConfigError(err) {
		t.Fatalf("ParseKind(meter) err = %v, want ConfigError", err)
	}
}
