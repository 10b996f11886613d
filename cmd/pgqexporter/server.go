package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/tinytelemetry/pgqexporter/internal/aggregator"
	"github.com/tinytelemetry/pgqexporter/internal/httpserver"
	"github.com/tinytelemetry/pgqexporter/internal/poller"
	"github.com/tinytelemetry/pgqexporter/internal/registry"
	"github.com/tinytelemetry/pgqexporter/internal/socketrpc"
	"github.com/tinytelemetry/pgqexporter/internal/sqlcaller"
	"github.com/tinytelemetry/pgqexporter/internal/transport"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// buildRegistry returns the stock pgq metrics under cfg.Type plus any
// metrics declared in cfg.MetricsFile.
func buildRegistry(cfg appConfig) (*registry.Registry, error) {
	reg := registry.NewDefault()
	reg.SetTypeTag(cfg.Type)
	if cfg.MetricsFile != "" {
		if err := reg.LoadFile(cfg.MetricsFile); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

func openCaller(ctx context.Context, cfg appConfig, logger *zap.Logger) (*sqlcaller.Caller, error) {
	return sqlcaller.Open(ctx, cfg.DBDriver, cfg.DBDSN, sqlcaller.Config{
		QueueInfoQuery:    cfg.QueueInfoQuery,
		ConsumerInfoQuery: cfg.ConsumerInfoQuery,
		QueryTimeout:      cfg.QueryTimeout,
		Logger:            logger,
	})
}

// runServer runs the aggregator with its scrape and ingest endpoints, and
// the poller when a database is configured, until SIGINT or SIGTERM.
func runServer(cfg appConfig, logger *zap.Logger) error {
	reg, err := buildRegistry(cfg)
	if err != nil {
		return err
	}
	agg, err := aggregator.New(reg, aggregator.WithMaxAge(cfg.MaxAge), aggregator.WithLogger(logger))
	if err != nil {
		return errors.WithMessage(err, "build aggregator")
	}

	self := prometheus.NewRegistry()
	self.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := poller.NewMetrics(self)

	// Set up context and signal handling before anything starts.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		select {
		case <-sigCh:
		case <-ctx.Done():
			return
		}
		logger.Info("shutting down gracefully, press Ctrl+C again to force")
		cancel()

		// Shutdown deadline starts now, not at boot.
		deadline := time.NewTimer(10 * time.Second)
		defer deadline.Stop()

		select {
		case <-sigCh:
			logger.Warn("force shutdown")
		case <-deadline.C:
			logger.Warn("shutdown timed out, forcing exit")
		}
		cleanupSocket(cfg.SocketPath)
		os.Exit(1)
	}()

	// Long-lived workers run under the group; the first failure cancels
	// gctx and becomes runServer's error.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})
	abort := func(err error) error {
		cancel()
		g.Wait()
		return err
	}

	var apiServer *httpserver.Server
	if cfg.APIAddr != "" {
		apiServer = httpserver.NewServer(cfg.APIAddr, agg, logger, self)
		if err := apiServer.Listen(); err != nil {
			return abort(errors.WithMessage(err, "start API server"))
		}
		g.Go(apiServer.Serve)
		g.Go(func() error {
			<-gctx.Done()
			return apiServer.Stop()
		})
	}

	sockServer, err := startSocketServer(cfg, agg, logger)
	if err != nil {
		return abort(err)
	}
	if sockServer != nil {
		defer sockServer.Stop()
	}

	if cfg.RedisSubscribe {
		client, err := transport.NewRedisClient(cfg.RedisURL)
		if err != nil {
			return abort(err)
		}
		defer client.Close()
		sub := transport.NewRedisSubscriber(client, cfg.RedisChannel, agg, logger)
		g.Go(func() error {
			return sub.Run(gctx)
		})
	}

	var plugin senderPlugin
	if cfg.DBDSN != "" {
		caller, err := openCaller(gctx, cfg, logger)
		if err != nil {
			return abort(err)
		}
		defer caller.Close()

		plugin, err = buildSenderPlugin(cfg, agg, logger)
		if err != nil {
			return abort(err)
		}
		sender, closer, err := plugin.Build(gctx)
		if err != nil {
			return abort(errors.WithMessagef(err, "build %s transport", plugin.Name()))
		}
		defer closer.Close()

		proc := poller.New(poller.Config{
			Caller:   caller,
			Registry: reg,
			Logger:   logger,
			Metrics:  metrics,
		})
		if err := proc.Start(sender, cfg.Interval, cfg.Labels); err != nil {
			return abort(err)
		}
		defer proc.Stop()
	} else {
		logger.Info("no db-dsn configured, serving pushed events only")
	}

	printStartupBanner(os.Stdout, cfg, apiServer, sockServer != nil, plugin)

	if err := g.Wait(); err != nil {
		logger.Error("exporter stopped on error", zap.Error(err))
		return err
	}
	return nil
}

// startSocketServer starts the JSON-RPC socket unless the poller itself
// ships to a socket, which then belongs to another process. A failure is
// fatal when socket-path was chosen explicitly; on the default path it is
// logged and socket ingest stays off.
func startSocketServer(cfg appConfig, backend socketrpc.Backend, logger *zap.Logger) (*socketrpc.Server, error) {
	if cfg.SocketPath == "" || cfg.Transport == transportSocket {
		return nil, nil
	}
	srv := socketrpc.NewServer(cfg.SocketPath, backend, logger)
	if err := srv.Start(); err != nil {
		if cfg.SocketPath != socketrpc.DefaultSocketPath() {
			return nil, errors.WithMessage(err, "start socket server")
		}
		logger.Error("socket ingest disabled", zap.String("socket", cfg.SocketPath), zap.Error(err))
		return nil, nil
	}
	return srv, nil
}

// runCollect samples the database once and writes the text exposition.
func runCollect(ctx context.Context, cfg appConfig, logger *zap.Logger, out io.Writer) error {
	if cfg.DBDSN == "" {
		return errors.New("collect needs db-dsn")
	}
	reg, err := buildRegistry(cfg)
	if err != nil {
		return err
	}
	agg, err := aggregator.New(reg, aggregator.WithMaxAge(cfg.MaxAge), aggregator.WithLogger(logger))
	if err != nil {
		return err
	}
	caller, err := openCaller(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer caller.Close()

	proc := poller.New(poller.Config{
		Caller:   caller,
		Registry: reg,
		Logger:   logger,
		Labels:   cfg.Labels,
	})
	if err := proc.RunOnce(ctx, transport.NewLocal(agg)); err != nil {
		return err
	}
	return agg.WriteText(out)
}

func cleanupSocket(path string) {
	if path != "" {
		os.Remove(path)
	}
}

func printStartupBanner(w io.Writer, cfg appConfig, api *httpserver.Server, socketServing bool, plugin senderPlugin) {
	dim := lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	green := lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	cyan := lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	yellow := lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	bold := lipgloss.NewStyle().Bold(true)

	check := green.Render("●")
	dot := dim.Render("●")

	logo := cyan.Bold(true).Render(`
    ╔═╗╔═╗╔═╗  ╔═╗═╗ ╦╔═╗╔═╗╦═╗╔╦╗╔═╗╦═╗
    ╠═╝║ ╦║═╬╗ ║╣ ╔╩╦╝╠═╝║ ║╠╦╝ ║ ║╣ ╠╦╝
    ╩  ╚═╝╚═╝╚ ╚═╝╩ ╚═╩  ╚═╝╩╚═ ╩ ╚═╝╩╚═`)

	var lines []string
	lines = append(lines, "", logo, "    "+dim.Render("v"+version), "")

	separator := dim.Render("    ─────────────────────────────────")
	lines = append(lines, separator, "")

	lines = append(lines, bold.Render("    Endpoints"), "")
	if api != nil {
		lines = append(lines, fmt.Sprintf("    %s  Scrape         %s", check, cyan.Render("http://"+api.Addr()+"/metrics")))
	} else {
		lines = append(lines, fmt.Sprintf("    %s  Scrape         %s", dot, dim.Render("disabled")))
	}
	if socketServing {
		lines = append(lines, fmt.Sprintf("    %s  Unix Socket    %s", check, cyan.Render(shortenPath(cfg.SocketPath))))
	} else {
		lines = append(lines, fmt.Sprintf("    %s  Unix Socket    %s", dot, dim.Render("disabled")))
	}
	if cfg.RedisSubscribe {
		lines = append(lines, fmt.Sprintf("    %s  Redis Ingest   %s", check, cyan.Render(cfg.RedisChannel)))
	}
	lines = append(lines, "")

	lines = append(lines, bold.Render("    Poller"), "")
	if plugin != nil {
		lines = append(lines, fmt.Sprintf("    %s  Database       %s", check, dim.Render(cfg.DBDriver)))
		lines = append(lines, fmt.Sprintf("    %s  Interval       %s", check, dim.Render(cfg.Interval.String())))
		lines = append(lines, fmt.Sprintf("    %s  Transport      %s", check, dim.Render(plugin.Name()+" → "+plugin.Target())))
	} else {
		lines = append(lines, fmt.Sprintf("    %s  Database       %s", dot, dim.Render("not configured")))
	}
	lines = append(lines, fmt.Sprintf("    %s  Metric Type    %s", check, dim.Render(cfg.Type)))
	lines = append(lines, "")

	lines = append(lines, bold.Render("    Config"), "")
	if cfg.ConfigPath != "" {
		lines = append(lines, fmt.Sprintf("    %s  Config File    %s", check, dim.Render(shortenPath(cfg.ConfigPath))))
	} else {
		lines = append(lines, fmt.Sprintf("    %s  Config File    %s", dot, dim.Render("default (no file)")))
	}

	lines = append(lines, "", separator, "")
	lines = append(lines, "    "+dim.Render("Press ")+yellow.Render("Ctrl+C")+dim.Render(" to stop"), "")

	fmt.Fprintln(w, strings.Join(lines, "\n"))
}

func shortenPath(path string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if strings.HasPrefix(path, home) {
		return "~" + path[len(home):]
	}
	return path
}
