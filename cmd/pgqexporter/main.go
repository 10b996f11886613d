// Package main is the entry point for the pgqexporter binary.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tinytelemetry/pgqexporter/internal/socketrpc"
	"go.uber.org/zap"
)

// Build-time variables set via ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// cli carries state shared by the subcommands once flags are parsed.
type cli struct {
	v          *viper.Viper
	configPath string
	cfg        appConfig
	logger     *zap.Logger
}

func newRootCmd() *cobra.Command {
	c := &cli{v: newViper()}

	root := &cobra.Command{
		Use:   "pgqexporter",
		Short: "pgqexporter exposes pgq queue statistics as Prometheus metrics",
		Long: "pgqexporter polls a PostgreSQL pgq installation for queue and consumer\n" +
			"statistics and serves them in the Prometheus text format. Events can also\n" +
			"be pushed from remote pollers over HTTP, a Unix socket or Redis.",
		SilenceUsage:      true,
		PersistentPreRunE: c.setup,
		PersistentPostRun: func(*cobra.Command, []string) {
			if c.logger != nil {
				c.logger.Sync()
			}
		},
		RunE: func(*cobra.Command, []string) error {
			return runServer(c.cfg, c.logger)
		},
	}
	root.Version = version
	root.SetVersionTemplate(fmt.Sprintf("pgqexporter version {{.Version}}\ncommit: %s\nbuilt: %s\n", commit, date))

	pf := root.PersistentFlags()
	pf.StringVar(&c.configPath, "config", "", "config file path (default ~/.config/pgqexporter/config.yml)")
	pf.String("db-driver", defaultDBDriver, "database/sql driver: pgx or duckdb")
	pf.String("db-dsn", "", "database connection string; empty disables polling")
	pf.Duration("query-timeout", defaultQueryTimeout, "timeout for one introspection query")
	pf.String("queue-info-query", "", "override the queue info query")
	pf.String("consumer-info-query", "", "override the consumer info query ($1 is the queue name)")
	pf.Duration("interval", 0, "polling interval (default 30s)")
	pf.String("type", "", "metric name prefix (default pgq)")
	pf.StringToString("labels", nil, "labels attached to every polled event, k=v,...")
	pf.String("metrics-file", "", "YAML file with extra metric definitions")
	pf.String("api-addr", defaultAPIAddr, "scrape and ingest HTTP address; empty disables")
	pf.String("socket-path", socketrpc.DefaultSocketPath(), "Unix socket for JSON-RPC ingest; empty disables")
	pf.String("transport", defaultTransport, "where polled events go: local, http, socket or redis")
	pf.String("transport-url", "", "base URL of the exporter receiving events (transport http)")
	pf.String("redis-url", "", "Redis URL for the redis transport and subscriber")
	pf.String("redis-channel", "", "Redis pub/sub channel")
	pf.Bool("redis-subscribe", false, "ingest events published on the Redis channel")
	pf.Duration("max-age", 0, "age after which buffered events are dropped (default 30s)")
	pf.String("log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	pf.String("log-format", defaultLogFormat, "log format (console, json)")

	root.AddCommand(newServeCmd(c), newCollectCmd(c), newStatusCmd(c))
	return root
}

// setup merges flags, environment and the config file, then builds the
// logger. Flags only override when set explicitly.
func (c *cli) setup(cmd *cobra.Command, _ []string) error {
	for _, name := range configKeys {
		if f := cmd.Flags().Lookup(name); f != nil && f.Changed {
			if err := c.v.BindPFlag(name, f); err != nil {
				return err
			}
		}
	}
	cfg, err := loadConfig(c.v, c.configPath)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	c.cfg = cfg
	c.logger = logger
	return nil
}

func newServeCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the exporter (default command)",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			return runServer(c.cfg, c.logger)
		},
	}
}

func newCollectCmd(c *cli) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "collect",
		Short: "Sample the database once and print the metrics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			return runCollect(ctx, c.cfg, c.logger, cmd.OutOrStdout())
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "overall deadline")
	return cmd
}

func newStatusCmd(c *cli) *cobra.Command {
	var withMetrics bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Query a running exporter over its Unix socket",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := socketrpc.Dial(c.cfg.SocketPath)
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()

			st, err := client.Status(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "socket:   %s\nbuffered: %d\n", shortenPath(c.cfg.SocketPath), st.Buffered)
			if !withMetrics {
				return nil
			}
			text, err := client.Metrics(ctx)
			if err != nil {
				return err
			}
			fmt.Fprint(out, "\n"+text)
			return nil
		},
	}
	cmd.Flags().BoolVar(&withMetrics, "metrics", false, "also print the current exposition")
	return cmd
}
