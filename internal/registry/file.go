package registry

import (
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/tinytelemetry/pgqexporter/internal/model"
	"gopkg.in/yaml.v3"
)

// fileDefinition is one entry of a metric definition file:
//
//	metrics:
//	  - name: consumer_lag_seconds
//	    kind: gauge
//	    help: seconds since the consumer's last processed tick
//	    from: consumer
//	    column: lag
//	    labels: {team: billing}
type fileDefinition struct {
	Name      string            `yaml:"name"`
	Kind      string            `yaml:"kind"`
	Help      string            `yaml:"help"`
	From      string            `yaml:"from"`
	Column    string            `yaml:"column"`
	Labels    map[string]string `yaml:"labels"`
	Buckets   []float64         `yaml:"buckets"`
	Quantiles []float64         `yaml:"quantiles"`
}

type definitionFile struct {
	Metrics []fileDefinition `yaml:"metrics"`
}

// LoadFile registers every metric declared in the YAML file at path.
func (r *Registry) LoadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, "open metric definitions")
	}
	defer f.Close()
	return r.LoadDefinitions(f)
}

// LoadDefinitions registers every metric declared in a YAML document.
// Only queue and consumer metrics can be declared this way; custom metrics
// need a derive function. Registration stops at the first invalid entry;
// entries before it stay registered.
func (r *Registry) LoadDefinitions(in io.Reader) error {
	dec := yaml.NewDecoder(in)
	dec.KnownFields(true)

	var file definitionFile
	if err := dec.Decode(&file); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return model.NewConfigError("metric definitions: %v", err)
	}

	for i, fd := range file.Metrics {
		if fd.From == "" {
			return model.NewConfigError("metric definitions[%d] %s: from must be \"queue\" or \"consumer\"", i, fd.Name)
		}
		kind, err := model.ParseKind(fd.Kind)
		if err != nil {
			return errors.WithMessagef(err, "metric definitions[%d] %s", i, fd.Name)
		}
		opts := Options{
			From:   fd.From,
			Column: fd.Column,
			Labels: fd.Labels,
			Args: model.Args{
				Buckets:   fd.Buckets,
				Quantiles: fd.Quantiles,
			},
		}
		if err := r.Register(kind, fd.Name, fd.Help, opts); err != nil {
			return errors.WithMessagef(err, "metric definitions[%d]", i)
		}
	}
	return nil
}
