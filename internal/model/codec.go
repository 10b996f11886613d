package model

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Reserved keys of the flat event wire form. Every other key is a metric
// name mapped to its value.
const (
	typeKey         = "type"
	metricLabelsKey = "metric_labels"
	customLabelsKey = "custom_labels"
	createdAtKey    = "created_at"
)

// MarshalJSON encodes the event as a flat mapping:
// {"type":"pgq","new_events":5,"metric_labels":{"queue":"q"}}.
func (e Event) MarshalJSON() ([]byte, error) {
	flat := make(map[string]any, len(e.Values)+3)
	for name, v := range e.Values {
		if isReservedKey(name) {
			continue
		}
		flat[name] = v
	}
	flat[typeKey] = e.Type
	if len(e.MetricLabels) > 0 {
		flat[metricLabelsKey] = e.MetricLabels
	}
	if len(e.CustomLabels) > 0 {
		flat[customLabelsKey] = e.CustomLabels
	}
	return json.Marshal(flat)
}

// UnmarshalJSON decodes the flat mapping. Label values of any JSON type are
// stringified; metric values that are null or non-numeric are skipped.
func (e *Event) UnmarshalJSON(data []byte) error {
	var flat map[string]jsoniter.RawMessage
	if err := json.Unmarshal(data, &flat); err != nil {
		return errors.Wrap(err, "decode event")
	}

	out := Event{Values: make(map[string]float64, len(flat))}
	for key, raw := range flat {
		switch key {
		case typeKey:
			if err := json.Unmarshal(raw, &out.Type); err != nil {
				return errors.Wrap(err, "decode event type")
			}
		case metricLabelsKey:
			labels, err := decodeLabels(raw)
			if err != nil {
				return errors.Wrap(err, "decode metric_labels")
			}
			out.MetricLabels = labels
		case customLabelsKey:
			labels, err := decodeLabels(raw)
			if err != nil {
				return errors.Wrap(err, "decode custom_labels")
			}
			out.CustomLabels = labels
		case createdAtKey:
		default:
			var v any
			if err := json.Unmarshal(raw, &v); err != nil {
				return errors.Wrapf(err, "decode value %q", key)
			}
			if f, ok := ToFloat(v); ok {
				out.Values[key] = f
			}
		}
	}
	*e = out
	return nil
}

// DecodeEvents accepts either a single event object or an array of events.
func DecodeEvents(data []byte) ([]Event, error) {
	kind := jsoniter.Get(data).ValueType()
	switch kind {
	case jsoniter.ArrayValue:
		var events []Event
		if err := json.Unmarshal(data, &events); err != nil {
			return nil, err
		}
		return events, nil
	case jsoniter.ObjectValue:
		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, err
		}
		return []Event{ev}, nil
	}
	return nil, errors.New("decode events: expected a JSON object or array")
}

func decodeLabels(raw []byte) (Labels, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	if len(m) == 0 {
		return nil, nil
	}
	labels := make(Labels, len(m))
	for k, v := range m {
		switch s := v.(type) {
		case string:
			labels[k] = s
		case nil:
			labels[k] = ""
		default:
			labels[k] = fmt.Sprint(s)
		}
	}
	return labels, nil
}

func isReservedKey(key string) bool {
	switch key {
	case typeKey, metricLabelsKey, customLabelsKey, createdAtKey:
		return true
	}
	return false
}
