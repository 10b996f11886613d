package main

import (
	"context"
	"io"

	"github.com/pkg/errors"
	"github.com/tinytelemetry/pgqexporter/internal/model"
	"github.com/tinytelemetry/pgqexporter/internal/socketrpc"
	"github.com/tinytelemetry/pgqexporter/internal/transport"
	"go.uber.org/zap"
)

const (
	transportLocal  = "local"
	transportHTTP   = "http"
	transportSocket = "socket"
	transportRedis  = "redis"
)

// senderPlugin builds the sender the poller ships events through.
type senderPlugin interface {
	Name() string
	// Target describes where events go, for the banner.
	Target() string
	Build(ctx context.Context) (model.Sender, io.Closer, error)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// buildSenderPlugin picks the plugin named by cfg.Transport. sink is the
// in-process aggregator used by the local transport.
func buildSenderPlugin(cfg appConfig, sink model.EventSink, logger *zap.Logger) (senderPlugin, error) {
	switch cfg.Transport {
	case transportLocal:
		return localSenderPlugin{sink: sink}, nil
	case transportHTTP:
		return httpSenderPlugin{url: cfg.TransportURL, logger: logger}, nil
	case transportSocket:
		return socketSenderPlugin{path: cfg.SocketPath}, nil
	case transportRedis:
		return redisSenderPlugin{url: cfg.RedisURL, channel: cfg.RedisChannel}, nil
	}
	return nil, model.NewConfigError("unknown transport %q", cfg.Transport)
}

type localSenderPlugin struct {
	sink model.EventSink
}

func (p localSenderPlugin) Name() string   { return transportLocal }
func (p localSenderPlugin) Target() string { return "in-process aggregator" }

func (p localSenderPlugin) Build(_ context.Context) (model.Sender, io.Closer, error) {
	return transport.NewLocal(p.sink), nopCloser{}, nil
}

type httpSenderPlugin struct {
	url    string
	logger *zap.Logger
}

func (p httpSenderPlugin) Name() string { return transportHTTP }
func (p httpSenderPlugin) Target() string {
	return transport.NewHTTP(p.url, transport.HTTPOptions{}).URL()
}

func (p httpSenderPlugin) Build(_ context.Context) (model.Sender, io.Closer, error) {
	return transport.NewHTTP(p.url, transport.HTTPOptions{Logger: p.logger}), nopCloser{}, nil
}

type socketSenderPlugin struct {
	path string
}

func (p socketSenderPlugin) Name() string   { return transportSocket }
func (p socketSenderPlugin) Target() string { return shortenPath(p.path) }

func (p socketSenderPlugin) Build(_ context.Context) (model.Sender, io.Closer, error) {
	client, err := socketrpc.Dial(p.path)
	if err != nil {
		return nil, nil, err
	}
	return client, client, nil
}

type redisSenderPlugin struct {
	url     string
	channel string
}

func (p redisSenderPlugin) Name() string   { return transportRedis }
func (p redisSenderPlugin) Target() string { return p.channel }

func (p redisSenderPlugin) Build(ctx context.Context) (model.Sender, io.Closer, error) {
	client, err := transport.NewRedisClient(p.url)
	if err != nil {
		return nil, nil, err
	}
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, nil, errors.Wrap(err, "ping redis")
	}
	return transport.NewRedisPublisher(client, p.channel), client, nil
}
