package main

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"github.com/tinytelemetry/pgqexporter/internal/model"
	"github.com/tinytelemetry/pgqexporter/internal/socketrpc"
	"github.com/tinytelemetry/pgqexporter/internal/transport"
)

const (
	defaultDBDriver     = "pgx"
	defaultAPIAddr      = "0.0.0.0:9127"
	defaultQueryTimeout = 10 * time.Second
	defaultTransport    = transportLocal
	defaultLogLevel     = "info"
	defaultLogFormat    = "console"
)

// appConfig is internal runtime configuration.
// It is package-private to keep defaults and shape local to the CLI entrypoint.
type appConfig struct {
	DBDriver          string            `mapstructure:"db-driver"`
	DBDSN             string            `mapstructure:"db-dsn"`
	QueryTimeout      time.Duration     `mapstructure:"query-timeout"`
	QueueInfoQuery    string            `mapstructure:"queue-info-query"`
	ConsumerInfoQuery string            `mapstructure:"consumer-info-query"`
	Interval          time.Duration     `mapstructure:"interval"`
	Type              string            `mapstructure:"type"`
	Labels            map[string]string `mapstructure:"labels"`
	MetricsFile       string            `mapstructure:"metrics-file"`
	APIAddr           string            `mapstructure:"api-addr"`
	SocketPath        string            `mapstructure:"socket-path"`
	Transport         string            `mapstructure:"transport"`
	TransportURL      string            `mapstructure:"transport-url"`
	RedisURL          string            `mapstructure:"redis-url"`
	RedisChannel      string            `mapstructure:"redis-channel"`
	RedisSubscribe    bool              `mapstructure:"redis-subscribe"`
	MaxAge            time.Duration     `mapstructure:"max-age"`
	LogLevel          string            `mapstructure:"log-level"`
	LogFormat         string            `mapstructure:"log-format"`
	ConfigPath        string            `mapstructure:"-"` // not from config file
}

// configKeys lists every key that may come from a flag, the environment or
// the config file.
var configKeys = []string{
	"db-driver", "db-dsn", "query-timeout", "queue-info-query", "consumer-info-query",
	"interval", "type", "labels", "metrics-file", "api-addr", "socket-path",
	"transport", "transport-url", "redis-url", "redis-channel", "redis-subscribe",
	"max-age", "log-level", "log-format",
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("PGQEXPORTER")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	v.SetDefault("db-driver", defaultDBDriver)
	v.SetDefault("db-dsn", "")
	v.SetDefault("query-timeout", defaultQueryTimeout)
	v.SetDefault("queue-info-query", "")
	v.SetDefault("consumer-info-query", "")
	v.SetDefault("interval", model.DefaultInterval)
	v.SetDefault("type", model.DefaultTypeTag)
	v.SetDefault("labels", map[string]string{})
	v.SetDefault("metrics-file", "")
	v.SetDefault("api-addr", defaultAPIAddr)
	v.SetDefault("socket-path", socketrpc.DefaultSocketPath())
	v.SetDefault("transport", defaultTransport)
	v.SetDefault("transport-url", "")
	v.SetDefault("redis-url", "")
	v.SetDefault("redis-channel", transport.DefaultRedisChannel)
	v.SetDefault("redis-subscribe", false)
	v.SetDefault("max-age", model.DefaultMaxEventAge)
	v.SetDefault("log-level", defaultLogLevel)
	v.SetDefault("log-format", defaultLogFormat)
	return v
}

// loadConfig reads the config file (optional unless configPath is given),
// environment and the already bound flags of v.
func loadConfig(v *viper.Viper, configPath string) (appConfig, error) {
	var cfg appConfig

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return cfg, errors.Wrap(err, "read config")
		}
	} else if home, err := os.UserHomeDir(); err == nil {
		v.SetConfigFile(filepath.Join(home, ".config", "pgqexporter", "config.yml"))
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !os.IsNotExist(err) {
				return cfg, errors.Wrap(err, "read config")
			}
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, errors.Wrap(err, "decode config")
	}
	cfg.ConfigPath = v.ConfigFileUsed()
	if _, err := os.Stat(cfg.ConfigPath); err != nil {
		cfg.ConfigPath = ""
	}

	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c appConfig) validate() error {
	if c.Interval <= 0 {
		return model.NewConfigError("interval must be positive, got %s", c.Interval)
	}
	if c.MaxAge <= 0 {
		return model.NewConfigError("max-age must be positive, got %s", c.MaxAge)
	}
	if c.Type == "" {
		return model.NewConfigError("type must not be empty")
	}
	switch c.Transport {
	case transportLocal, transportSocket:
	case transportHTTP:
		if c.TransportURL == "" {
			return model.NewConfigError("transport http needs transport-url")
		}
	case transportRedis:
		if c.RedisURL == "" {
			return model.NewConfigError("transport redis needs redis-url")
		}
	default:
		return model.NewConfigError("unknown transport %q (want local, http, socket or redis)", c.Transport)
	}
	if c.RedisSubscribe && c.RedisURL == "" {
		return model.NewConfigError("redis-subscribe needs redis-url")
	}
	return nil
}
