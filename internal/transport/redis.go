package transport

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/tinytelemetry/pgqexporter/internal/model"
	"go.uber.org/zap"
)

// DefaultRedisChannel is the pub/sub channel events travel on.
const DefaultRedisChannel = "pgqexporter:events"

// NewRedisClient builds a client from a redis:// or rediss:// URL.
func NewRedisClient(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Wrap(err, "parse redis url")
	}
	return redis.NewClient(opts), nil
}

// RedisPublisher publishes events as JSON on a channel.
type RedisPublisher struct {
	client  redis.UniversalClient
	channel string
}

var _ model.Sender = (*RedisPublisher)(nil)

// NewRedisPublisher creates a publisher on channel.
func NewRedisPublisher(client redis.UniversalClient, channel string) *RedisPublisher {
	if channel == "" {
		channel = DefaultRedisChannel
	}
	return &RedisPublisher{client: client, channel: channel}
}

// Send publishes one event.
func (p *RedisPublisher) Send(ctx context.Context, event model.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return errors.Wrap(err, "encode event")
	}
	return errors.Wrapf(p.client.Publish(ctx, p.channel, data).Err(), "publish to %s", p.channel)
}

// RedisSubscriber feeds events published on a channel into a sink.
type RedisSubscriber struct {
	client  redis.UniversalClient
	channel string
	sink    model.EventSink
	logger  *zap.Logger

	pubsub   *redis.PubSub
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewRedisSubscriber creates a subscriber that ingests into sink.
func NewRedisSubscriber(client redis.UniversalClient, channel string, sink model.EventSink, logger *zap.Logger) *RedisSubscriber {
	if channel == "" {
		channel = DefaultRedisChannel
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisSubscriber{
		client:  client,
		channel: channel,
		sink:    sink,
		logger:  logger.With(zap.String("component", "transport.redis"), zap.String("channel", channel)),
	}
}

// Start subscribes and waits for the subscription to be confirmed before
// consuming messages in the background.
func (s *RedisSubscriber) Start(ctx context.Context) error {
	pubsub, err := s.subscribe(ctx)
	if err != nil {
		return err
	}
	s.pubsub = pubsub

	s.wg.Add(1)
	go s.listen(pubsub.Channel())
	return nil
}

// Run subscribes and consumes messages until ctx is done. It returns an
// error when the subscription fails or its channel closes underneath it.
func (s *RedisSubscriber) Run(ctx context.Context) error {
	pubsub, err := s.subscribe(ctx)
	if err != nil {
		return err
	}
	defer pubsub.Close()

	messages := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return errors.Errorf("subscription to %s closed", s.channel)
			}
			s.consume(msg)
		}
	}
}

// Stop closes the subscription opened by Start and waits for the consumer
// to exit.
func (s *RedisSubscriber) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		if s.pubsub == nil {
			return
		}
		err = s.pubsub.Close()
		s.wg.Wait()
	})
	return errors.WithStack(err)
}

func (s *RedisSubscriber) subscribe(ctx context.Context) (*redis.PubSub, error) {
	pubsub := s.client.Subscribe(ctx, s.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, errors.Wrapf(err, "subscribe to %s", s.channel)
	}
	s.logger.Info("subscribed")
	return pubsub, nil
}

func (s *RedisSubscriber) listen(messages <-chan *redis.Message) {
	defer s.wg.Done()
	for msg := range messages {
		s.consume(msg)
	}
}

func (s *RedisSubscriber) consume(msg *redis.Message) {
	if err := s.handle(msg.Payload); err != nil {
		s.logger.Warn("dropping malformed message", zap.Error(err))
	}
}

// handle decodes one payload, a single event or an array, and ingests it.
func (s *RedisSubscriber) handle(payload string) error {
	events, err := model.DecodeEvents([]byte(payload))
	if err != nil {
		return err
	}
	for _, ev := range events {
		s.sink.Ingest(ev)
	}
	return nil
}
