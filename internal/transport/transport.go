// Package transport carries events from a poller to an aggregator: in
// process, over HTTP, or through Redis pub/sub.
package transport

import (
	"context"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/tinytelemetry/pgqexporter/internal/model"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Local hands events straight to an in-process sink.
type Local struct {
	sink model.EventSink
}

var _ model.Sender = (*Local)(nil)

// NewLocal creates a sender that ingests into sink.
func NewLocal(sink model.EventSink) *Local {
	return &Local{sink: sink}
}

// Send ingests event unless ctx is already done.
func (l *Local) Send(ctx context.Context, event model.Event) error {
	if err := ctx.Err(); err != nil {
		return errors.WithStack(err)
	}
	l.sink.Ingest(event)
	return nil
}
