package model

import "context"

// SQLCaller runs the pgq introspection queries for the sampler.
type SQLCaller interface {
	// QueueInfo returns one row per queue (pgq.get_queue_info()).
	QueueInfo(ctx context.Context) ([]Row, error)
	// ConsumerInfo returns one row per consumer of queue (pgq.get_consumer_info(queue)).
	ConsumerInfo(ctx context.Context, queue string) ([]Row, error)
	// WithConnection runs fn with a connection held for every query issued
	// through the ctx passed to fn, and releases it afterwards.
	WithConnection(ctx context.Context, fn func(ctx context.Context) error) error
	// ReleaseConnection drops any connection held outside a WithConnection scope.
	ReleaseConnection()
}

// Sender ships events from a sampler to an aggregator.
type Sender interface {
	Send(ctx context.Context, event Event) error
}

// EventSink accepts events on the aggregator side.
type EventSink interface {
	Ingest(event Event)
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, event Event) error

func (f SenderFunc) Send(ctx context.Context, event Event) error { return f(ctx, event) }
