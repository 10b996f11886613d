package model

import "time"

// Shared defaults used by the poller, the aggregator and the binary.
const (
	DefaultTypeTag     = "pgq"
	DefaultInterval    = 30 * time.Second
	DefaultMaxEventAge = 30 * time.Second

	// Columns the sampler reads to label queue and consumer events.
	QueueNameColumn    = "queue_name"
	ConsumerNameColumn = "consumer_name"

	QueueLabel    = "queue"
	ConsumerLabel = "consumer"
)
